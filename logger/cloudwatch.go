package logger

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// cwPublisher holds the optional CloudWatch mirror for metric entries.
// When InitCloudWatch is never called (or fails) publishing is a no-op
// and metrics exist only as structured log lines.
var cw = struct {
	client    *cloudwatch.Client
	namespace string
	dashboard string
}{namespace: "Jobflow", dashboard: "Jobflow"}

// reportMetricNames are the runtime-report gauges placed on the default
// dashboard.
var reportMetricNames = []string{
	"Jobflow-CPUPercent",
	"Jobflow-MemoryMB",
	"Jobflow-DiskMB",
}

// InitCloudWatch enables metric publishing. An empty region falls back
// to AWS_REGION; a failed AWS config load leaves publishing disabled
// with a warning rather than stopping the process.
func InitCloudWatch(region, namespace, dashboard string) {
	log := GetLogger().WithComponent("cloudwatch")

	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	ctx := context.Background()
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}

	cw.client = cloudwatch.NewFromConfig(cfg)
	if namespace != "" {
		cw.namespace = namespace
	}
	if dashboard != "" {
		cw.dashboard = dashboard
	}

	log.WithFields(Fields{"region": region, "namespace": cw.namespace}).Info("initialized CloudWatch client")
	ensureDashboard(ctx)
}

func publishMetrics(ctx context.Context, data []cwtypes.MetricDatum) {
	log := GetLogger().WithComponent("cloudwatch")
	if cw.client == nil || len(data) == 0 {
		return
	}

	_, err := cw.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(cw.namespace),
		MetricData: data,
	})
	if err != nil {
		log.WithError(err).Warn("failed to publish CloudWatch metrics")
		return
	}

	names := make([]string, 0, len(data))
	for _, datum := range data {
		if datum.MetricName != nil {
			names = append(names, *datum.MetricName)
		}
	}
	log.WithField("metrics", strings.Join(names, ",")).Debug("published metrics to CloudWatch")
}

// ensureDashboard creates the default runtime dashboard. Failures are
// logged and ignored.
func ensureDashboard(ctx context.Context) {
	if cw.client == nil {
		return
	}

	metrics := make([][]string, 0, len(reportMetricNames))
	for _, name := range reportMetricNames {
		metrics = append(metrics, []string{cw.namespace, name})
	}
	body, err := json.Marshal(map[string]interface{}{
		"widgets": []map[string]interface{}{{
			"type":   "metric",
			"width":  24,
			"height": 6,
			"properties": map[string]interface{}{
				"metrics": metrics,
				"period":  60,
				"stat":    "Average",
				"title":   "Jobflow System Metrics",
			},
		}},
	})
	if err != nil {
		return
	}

	if _, err := cw.client.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(cw.dashboard),
		DashboardBody: aws.String(string(body)),
	}); err != nil {
		GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to create CloudWatch dashboard")
	}
}
