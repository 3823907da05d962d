package writer

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	parquetsource "github.com/xitongsys/parquet-go/source"
	parquetwriter "github.com/xitongsys/parquet-go/writer"

	appconfig "jobflow/config"
	"jobflow/internal/channel"
	"jobflow/logger"
	"jobflow/models"
)

// FailedListingRecord is the parquet row schema for archived listings.
// The raw payload is preserved verbatim so parsers can be fixed and the
// archive replayed.
type FailedListingRecord struct {
	Source    string `parquet:"name=source, type=BYTE_ARRAY, convertedtype=UTF8"`
	SourceURL string `parquet:"name=source_url, type=BYTE_ARRAY, convertedtype=UTF8"`
	FetchedAt int64  `parquet:"name=fetched_at, type=INT64"`
	Payload   string `parquet:"name=payload, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// memoryFileWriter implements the ParquetFile interface for in-memory
// writing.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (parquetsource.ParquetFile, error) {
	return mfw, nil
}

func (mfw *memoryFileWriter) Open(name string) (parquetsource.ParquetFile, error) {
	return mfw, nil
}

func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	// Write-only usage; seeking is never exercised.
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error) {
	return mfw.buffer.Read(b)
}

func (mfw *memoryFileWriter) Write(b []byte) (int, error) {
	return mfw.buffer.Write(b)
}

func (mfw *memoryFileWriter) Close() error {
	return nil
}

func (mfw *memoryFileWriter) Bytes() []byte {
	return mfw.buffer.Bytes()
}

// ErrorArchive drains the error channel and periodically flushes the
// failed listings to S3 as parquet, partitioned by source and day.
type ErrorArchive struct {
	config      *appconfig.Config
	channels    *channel.Channels
	s3Client    *s3.Client
	ctx         context.Context
	wg          *sync.WaitGroup
	mu          sync.RWMutex
	running     bool
	log         *logger.Log
	buffer      map[string][]models.RawListing
	flushTicker *time.Ticker

	// Metrics
	listingsArchived int64
	filesWritten     int64
	uploadFailures   int64
}

func NewErrorArchive(cfg *appconfig.Config, ch *channel.Channels) (*ErrorArchive, error) {
	log := logger.GetLogger()

	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithComponent("error_archive").WithError(err).Warn("failed to load AWS configuration")
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	archive := &ErrorArchive{
		config:   cfg,
		channels: ch,
		s3Client: s3Client,
		wg:       &sync.WaitGroup{},
		log:      log,
	}

	log.WithComponent("error_archive").WithFields(logger.Fields{
		"bucket":     cfg.Storage.S3.Bucket,
		"region":     cfg.Storage.S3.Region,
		"endpoint":   cfg.Storage.S3.Endpoint,
		"path_style": cfg.Storage.S3.PathStyle,
	}).Info("error archive initialized")

	return archive, nil
}

func (a *ErrorArchive) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("error archive already running")
	}
	a.running = true
	a.ctx = ctx
	a.mu.Unlock()

	log := a.log.WithComponent("error_archive").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting error archive")

	a.buffer = make(map[string][]models.RawListing)

	flushInterval := a.config.Storage.S3.FlushInterval
	if flushInterval <= 0 {
		flushInterval = time.Minute
	}
	a.flushTicker = time.NewTicker(flushInterval)

	a.wg.Add(1)
	go a.worker()

	a.wg.Add(1)
	go a.flushWorker()

	go a.metricsReporter(ctx)

	log.Info("error archive started successfully")
	return nil
}

func (a *ErrorArchive) Stop() {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()

	if a.flushTicker != nil {
		a.flushTicker.Stop()
	}

	a.log.WithComponent("error_archive").Info("stopping error archive")
	a.wg.Wait()
	a.log.WithComponent("error_archive").Info("error archive stopped")
}

func (a *ErrorArchive) worker() {
	defer a.wg.Done()

	log := a.log.WithComponent("error_archive").WithFields(logger.Fields{"worker": "drain"})
	log.Info("starting error archive worker")

	for {
		select {
		case <-a.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case listing, ok := <-a.channels.Errors:
			if !ok {
				log.Info("error channel closed, worker stopping")
				return
			}
			a.mu.Lock()
			a.buffer[listing.SourceID] = append(a.buffer[listing.SourceID], listing)
			a.mu.Unlock()
		}
	}
}

func (a *ErrorArchive) flushWorker() {
	defer a.wg.Done()

	log := a.log.WithComponent("error_archive").WithFields(logger.Fields{"worker": "flush"})
	log.Info("starting flush worker")

	for {
		select {
		case <-a.ctx.Done():
			a.flushBuffers("shutdown")
			log.Info("flush worker stopped due to context cancellation")
			return
		case <-a.flushTicker.C:
			a.flushBuffers("interval")
		}
	}
}

func (a *ErrorArchive) flushBuffers(reason string) {
	a.mu.Lock()
	buffers := a.buffer
	a.buffer = make(map[string][]models.RawListing)
	a.mu.Unlock()

	if len(buffers) == 0 {
		return
	}

	a.log.WithComponent("error_archive").WithFields(logger.Fields{
		"flushed_buffers": len(buffers),
		"reason":          reason,
	}).Info("flushing error buffers")

	for sourceID, listings := range buffers {
		if len(listings) == 0 {
			continue
		}
		a.archiveListings(sourceID, listings)
	}
}

func (a *ErrorArchive) archiveListings(sourceID string, listings []models.RawListing) {
	log := a.log.WithComponent("error_archive").WithFields(logger.Fields{
		"source":    sourceID,
		"listings":  len(listings),
		"operation": "archive_listings",
	})

	s3Key := a.generateS3Key(sourceID, time.Now().UTC())
	log = log.WithFields(logger.Fields{"s3_key": s3Key})

	parquetData, fileSize, err := a.createParquetFile(listings)
	if err != nil {
		log.WithError(err).Error("failed to create parquet file")
		return
	}

	if err := a.uploadToS3(s3Key, parquetData); err != nil {
		a.mu.Lock()
		a.uploadFailures++
		a.mu.Unlock()
		log.WithError(err).
			WithEnv("S3_BUCKET").
			WithFields(logger.Fields{"bucket": a.config.Storage.S3.Bucket}).
			Error("failed to upload to S3")
		return
	}

	a.mu.Lock()
	a.listingsArchived += int64(len(listings))
	a.filesWritten++
	a.mu.Unlock()
	logger.IncrementArchiveWrite(fileSize)

	log.WithFields(logger.Fields{"file_size": fileSize}).Info("failed listings archived")
}

func (a *ErrorArchive) generateS3Key(sourceID string, now time.Time) string {
	parts := []string{}
	if prefix := a.config.Storage.S3.Prefix; prefix != "" {
		parts = append(parts, prefix)
	}
	parts = append(parts,
		"errors",
		fmt.Sprintf("source=%s", sourceID),
		fmt.Sprintf("year=%04d", now.Year()),
		fmt.Sprintf("month=%02d", now.Month()),
		fmt.Sprintf("day=%02d", now.Day()),
		fmt.Sprintf("%s_failed_%s_%s.parquet", sourceID, now.Format("20060102150405"), uuid.New().String()[:8]),
	)
	return filepath.ToSlash(filepath.Join(parts...))
}

func (a *ErrorArchive) createParquetFile(listings []models.RawListing) ([]byte, int64, error) {
	fw := newMemoryFileWriter()

	pw, err := parquetwriter.NewParquetWriter(fw, new(FailedListingRecord), 4)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch a.config.Storage.S3.Compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, listing := range listings {
		record := FailedListingRecord{
			Source:    listing.SourceID,
			SourceURL: listing.SourceURL,
			FetchedAt: listing.FetchedAt.UnixMilli(),
			Payload:   string(listing.Payload),
		}
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return nil, 0, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, 0, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}

	data := fw.Bytes()
	return data, int64(len(data)), nil
}

func (a *ErrorArchive) uploadToS3(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.config.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":    "parquet",
			"compression":     a.config.Storage.S3.Compression,
			"jobflow-version": a.config.Jobflow.Version,
		},
	}

	ctx := context.WithoutCancel(a.ctx)
	if _, err := a.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", a.config.Storage.S3.Bucket, err)
	}
	return nil
}

func (a *ErrorArchive) metricsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.mu.RLock()
			archived := a.listingsArchived
			files := a.filesWritten
			failures := a.uploadFailures
			buffered := 0
			for _, listings := range a.buffer {
				buffered += len(listings)
			}
			a.mu.RUnlock()

			a.log.LogMetric("error_archive", "listings_archived", archived, "counter", logger.Fields{})
			a.log.LogMetric("error_archive", "files_written", files, "counter", logger.Fields{})
			a.log.LogMetric("error_archive", "upload_failures", failures, "counter", logger.Fields{})
			a.log.LogMetric("error_archive", "buffered_listings", buffered, "gauge", logger.Fields{})

			a.log.WithComponent("error_archive").WithFields(logger.Fields{
				"listings_archived": archived,
				"files_written":     files,
				"upload_failures":   failures,
				"buffered_listings": buffered,
			}).Info("error archive metrics")
		}
	}
}
