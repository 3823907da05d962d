package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsSource   int64
	errorsPipeline int64
	warnsSource    int64
	warnsPipeline  int64
	listingReads   int64
	postingImports int64
	archiveWrites  int64
	channels       sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "source") || strings.Contains(component, "collector") {
		atomic.AddInt64(&warnsSource, 1)
	} else {
		atomic.AddInt64(&warnsPipeline, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "source") || strings.Contains(component, "collector") {
		atomic.AddInt64(&errorsSource, 1)
	} else {
		atomic.AddInt64(&errorsPipeline, 1)
	}
}

// IncrementListingRead counts one raw listing fetched from a source.
func IncrementListingRead(size int) {
	atomic.AddInt64(&listingReads, 1)
	recordChannel("source_fetch", size)
}

// IncrementImportWrite counts postings persisted by the importer.
func IncrementImportWrite(count int) {
	atomic.AddInt64(&postingImports, int64(count))
	recordChannel("pg_import", count)
}

// IncrementArchiveWrite counts one object written to the raw archive.
func IncrementArchiveWrite(size int64) {
	atomic.AddInt64(&archiveWrites, 1)
	recordChannel("s3_archive_write", int(size))
}

// RecordChannelMessage tracks message counts per named channel.
func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and channel statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_source":   atomic.LoadInt64(&errorsSource),
		"errors_pipeline": atomic.LoadInt64(&errorsPipeline),
		"warns_source":    atomic.LoadInt64(&warnsSource),
		"warns_pipeline":  atomic.LoadInt64(&warnsPipeline),
		"listing_reads":   atomic.LoadInt64(&listingReads),
		"posting_imports": atomic.LoadInt64(&postingImports),
		"archive_writes":  atomic.LoadInt64(&archiveWrites),
		"goroutines":      runtime.NumGoroutine(),
		"cpu_percent":     cpuPct,
		"memory_mb":       int64(memStats.Used) / 1024 / 1024,
		"disk_mb":         int64(diskStats.Used) / 1024 / 1024,
		"channels":        channelData,
		"net_bytes_sent":  int64(bytesSent),
		"net_bytes_recv":  int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("Jobflow-CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("Jobflow-MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("Jobflow-DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("Jobflow-ErrorsSource"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_source"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Jobflow-ErrorsPipeline"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_pipeline"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Jobflow-WarnsSource"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_source"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Jobflow-WarnsPipeline"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_pipeline"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Jobflow-ListingReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["listing_reads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Jobflow-PostingImports"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["posting_imports"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Jobflow-ArchiveWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["archive_writes"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Jobflow-NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("Jobflow-NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("Jobflow-ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("Jobflow-ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
