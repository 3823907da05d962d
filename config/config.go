package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Jobflow   AppConfig               `yaml:"jobflow"`
	Channels  ChannelsConfig          `yaml:"channels"`
	Collector CollectorConfig         `yaml:"collector"`
	Processor ProcessorConfig         `yaml:"processor"`
	Dedup     DedupConfig             `yaml:"dedup"`
	Quality   QualityConfig           `yaml:"quality"`
	Importer  ImporterConfig          `yaml:"importer"`
	Request   RequestConfig           `yaml:"request"`
	Sources   map[string]SourceConfig `yaml:"sources"`
	Storage   StorageConfig           `yaml:"storage"`
	Schedule  ScheduleConfig          `yaml:"schedule"`
	Logging   LoggingConfig           `yaml:"logging"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ChannelsConfig struct {
	RawBuffer   int `yaml:"raw_buffer"`
	NormBuffer  int `yaml:"norm_buffer"`
	CleanBuffer int `yaml:"clean_buffer"`
	ErrorBuffer int `yaml:"error_buffer"`
}

type CollectorConfig struct {
	MaxConcurrency int                  `yaml:"max_concurrency"`
	RequestTimeout time.Duration        `yaml:"request_timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier int           `yaml:"backoff_multiplier"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	MaxCooldown      time.Duration `yaml:"max_cooldown"`
}

type ProcessorConfig struct {
	MaxWorkers   int           `yaml:"max_workers"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

type DedupConfig struct {
	SimilarityThreshold float64       `yaml:"similarity_threshold"`
	BucketPrefixLen     int           `yaml:"bucket_prefix_len"`
	TieBreak            string        `yaml:"tie_break"` // "completeness" or "first_seen"
	SeenTTL             time.Duration `yaml:"seen_ttl"`
}

type QualityConfig struct {
	MinCompleteness  float64 `yaml:"min_completeness"`
	MaxDuplicateRate float64 `yaml:"max_duplicate_rate"`
}

type ImporterConfig struct {
	MaxWorkers int `yaml:"max_workers"`
}

// RequestConfig supplies the default collection request used by
// scheduled runs.
type RequestConfig struct {
	QueryTerms          []string `yaml:"query_terms"`
	LocationFilter      string   `yaml:"location_filter"`
	MaxResultsPerSource int      `yaml:"max_results_per_source"`
}

// SourceConfig describes one external listing source. AppID/AppKey are
// overridden from <NAME>_APP_ID / <NAME>_APP_KEY environment variables
// when present.
type SourceConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Kind        string        `yaml:"kind"` // "api", "html" or "browser"
	BaseURL     string        `yaml:"url"`
	Country     string        `yaml:"country"`
	AppID       string        `yaml:"app_id"`
	AppKey      string        `yaml:"app_key"`
	PageSize    int           `yaml:"page_size"`
	MaxPages    int           `yaml:"max_pages"`
	RateLimit   RateLimit     `yaml:"rate_limit"`
	MinDelay    time.Duration `yaml:"min_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	UserAgents  []string      `yaml:"user_agents"`
	DevToolsURL string        `yaml:"devtools_url"` // browser-driven sources only
}

type RateLimit struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

type StorageConfig struct {
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	S3       S3Config       `yaml:"s3"`
}

type PostgresConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	Prefix          string        `yaml:"prefix"`
	Compression     string        `yaml:"compression"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
}

type ScheduleConfig struct {
	Enabled       bool `yaml:"enabled"`
	IntervalHours int  `yaml:"interval_hours"`
}

type LoggingConfig struct {
	Level         string                 `yaml:"level"`
	Format        string                 `yaml:"format"`
	Output        string                 `yaml:"output"`
	MaxAge        int                    `yaml:"max_age"`
	Fields        map[string]interface{} `yaml:"fields"`
	DashboardName string                 `yaml:"dashboard_name"`
}

// DefaultConfigPath is where LoadConfig looks when no explicit path is
// given; APP_ENV can redirect it to an environment-specific file.
const DefaultConfigPath = "config/config.yml"

func LoadConfig(path string) (*Config, error) {
	path = resolveConfigPath(path, DefaultConfigPath)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Dedup: DedupConfig{
			SimilarityThreshold: 0.85,
			BucketPrefixLen:     8,
			TieBreak:            "completeness",
			SeenTTL:             30 * 24 * time.Hour,
		},
		Quality: QualityConfig{
			MinCompleteness:  0.90,
			MaxDuplicateRate: 0.15,
		},
		Collector: CollectorConfig{
			RequestTimeout: 15 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:       3,
				BaseDelay:         time.Second,
				MaxDelay:          30 * time.Second,
				BackoffMultiplier: 2,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				Cooldown:         5 * time.Minute,
				MaxCooldown:      time.Hour,
			},
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// applyEnvOverrides lets deployment environments inject credentials
// without touching the config file.
func applyEnvOverrides(config *Config) {
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		config.Storage.Postgres.URL = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		config.Storage.Redis.URL = strings.TrimSpace(v)
	}

	for name, sc := range config.Sources {
		envBase := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		if v := os.Getenv(envBase + "_APP_ID"); v != "" {
			sc.AppID = strings.TrimSpace(v)
		}
		if v := os.Getenv(envBase + "_APP_KEY"); v != "" {
			sc.AppKey = strings.TrimSpace(v)
		}
		config.Sources[name] = sc
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Jobflow.Name == "" {
		return fmt.Errorf("jobflow.name is required")
	}

	if cfg.Jobflow.Version == "" {
		return fmt.Errorf("jobflow.version is required")
	}

	if cfg.Channels.RawBuffer <= 0 {
		return fmt.Errorf("channels.raw_buffer must be greater than 0")
	}

	if cfg.Processor.MaxWorkers <= 0 {
		return fmt.Errorf("processor.max_workers must be greater than 0")
	}
	if cfg.Processor.BatchSize <= 0 {
		return fmt.Errorf("processor.batch_size must be greater than 0")
	}
	if cfg.Processor.BatchTimeout <= 0 {
		return fmt.Errorf("processor.batch_timeout must be greater than 0")
	}

	if cfg.Dedup.SimilarityThreshold <= 0 || cfg.Dedup.SimilarityThreshold > 1 {
		return fmt.Errorf("dedup.similarity_threshold must be in (0, 1]")
	}
	if cfg.Dedup.BucketPrefixLen <= 0 {
		return fmt.Errorf("dedup.bucket_prefix_len must be greater than 0")
	}
	switch cfg.Dedup.TieBreak {
	case "completeness", "first_seen":
	default:
		return fmt.Errorf("dedup.tie_break must be 'completeness' or 'first_seen', got %q", cfg.Dedup.TieBreak)
	}

	if cfg.Collector.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("collector.circuit_breaker.failure_threshold must be greater than 0")
	}
	if cfg.Collector.CircuitBreaker.Cooldown <= 0 {
		return fmt.Errorf("collector.circuit_breaker.cooldown must be greater than 0")
	}

	enabled := 0
	for name, sc := range cfg.Sources {
		if !sc.Enabled {
			continue
		}
		enabled++
		switch sc.Kind {
		case "api", "html":
			if sc.BaseURL == "" {
				return fmt.Errorf("sources.%s.url is required", name)
			}
		case "browser":
			if sc.DevToolsURL == "" {
				return fmt.Errorf("sources.%s.devtools_url is required for browser sources", name)
			}
		default:
			return fmt.Errorf("sources.%s.kind must be 'api', 'html' or 'browser', got %q", name, sc.Kind)
		}
	}
	if enabled == 0 {
		return fmt.Errorf("at least one enabled source is required")
	}

	// Development tolerates a missing database URL so the pipeline can
	// be exercised against local defaults; deployed environments fail
	// fast instead of discovering it at connect time.
	if IsProductionLike(AppEnvironment()) {
		if cfg.Storage.Postgres.URL == "" {
			return fmt.Errorf("storage.postgres.url is required in %s", AppEnvironment())
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
