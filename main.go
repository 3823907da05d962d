package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"jobflow/config"
	"jobflow/health"
	"jobflow/internal/channel"
	"jobflow/logger"
	"jobflow/models"
	"jobflow/orchestrator"
	"jobflow/processor"
	"jobflow/scheduler"
	"jobflow/source"
	"jobflow/source/adzuna"
	"jobflow/source/linkedin"
	"jobflow/source/remotive"
	"jobflow/source/weworkremotely"
	"jobflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	once := flag.Bool("once", false, "Run one collection and exit instead of scheduling")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Jobflow.Name,
		"version": cfg.Jobflow.Version,
	}).Info("starting jobflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}
	logger.InitCloudWatch(cfg.Storage.S3.Region, "", cfg.Logging.DashboardName)

	channels := channel.NewChannels(
		cfg.Channels.RawBuffer,
		cfg.Channels.NormBuffer,
		cfg.Channels.CleanBuffer,
		cfg.Channels.ErrorBuffer,
	)
	defer channels.Close()

	go channels.StartMetricsReporting(ctx)

	adapters := buildAdapters(cfg)
	if len(adapters) == 0 {
		log.Error("no enabled source adapters, nothing to collect")
		os.Exit(1)
	}

	sourceNames := make([]string, 0, len(adapters))
	for _, a := range adapters {
		sourceNames = append(sourceNames, a.Name())
	}
	registry := health.NewRegistry(cfg.Collector.CircuitBreaker, sourceNames)

	store, err := writer.NewPostgresStore(ctx, cfg.Storage.Postgres.URL)
	if err != nil {
		log.WithError(err).WithEnv("DATABASE_URL").Error("failed to connect to postgres")
		os.Exit(1)
	}
	defer store.Close()

	var seen processor.SeenStore
	if cfg.Storage.Redis.Enabled {
		redisSeen, err := writer.NewRedisSeenStore(ctx, cfg.Storage.Redis.URL, cfg.Dedup.SeenTTL)
		if err != nil {
			log.WithError(err).WithEnv("REDIS_URL").Error("failed to connect to redis")
			os.Exit(1)
		}
		defer redisSeen.Close()
		seen = redisSeen
	} else {
		log.WithComponent("main").Info("redis disabled; deduplication limited to single runs")
	}

	monitor := processor.NewMonitor(cfg)
	orch := orchestrator.New(cfg, adapters, registry, channels)
	extractor := processor.NewExtractor(cfg, channels, adapters)
	deduper := processor.NewDeduper(cfg, channels, seen)
	importer := writer.NewImporter(cfg, channels, store, monitor)

	var archive *writer.ErrorArchive
	if cfg.Storage.S3.Enabled {
		archive, err = writer.NewErrorArchive(cfg, channels)
		if err != nil {
			log.WithError(err).Error("failed to create error archive")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("S3 storage disabled; failed listings will not be archived")
	}

	if err := extractor.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start extractor")
		os.Exit(1)
	}
	if err := deduper.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start deduper")
		os.Exit(1)
	}
	if err := importer.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start importer")
		os.Exit(1)
	}
	if archive != nil {
		if err := archive.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start error archive")
			os.Exit(1)
		}
	}

	runCollection := func(runCtx context.Context, req models.CollectionRequest) {
		run := models.NewBatchRun(uuid.New().String(), 0)
		extractor.SetRun(run)
		deduper.SetRun(run)
		importer.SetRun(run)

		orch.CollectRun(runCtx, req, run)

		waitForDrain(runCtx, channels, extractor, 2*time.Minute)

		monitor.EvaluateRun(run)
		if err := store.SaveRun(runCtx, run); err != nil {
			log.WithError(err).Warn("failed to save run audit record")
		}
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if *once || !cfg.Schedule.Enabled {
		done := make(chan struct{})
		go func() {
			defer close(done)
			runCollection(ctx, models.CollectionRequest{
				QueryTerms:     cfg.Request.QueryTerms,
				LocationFilter: cfg.Request.LocationFilter,
				MaxResults:     cfg.Request.MaxResultsPerSource,
			})
		}()
		select {
		case <-done:
			log.Info("collection run complete")
		case sig := <-sigChan:
			log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
		}
	} else {
		sched := scheduler.New(cfg, runCollection)
		if err := sched.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start scheduler")
			os.Exit(1)
		}
		sig := <-sigChan
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
		sched.Stop()
	}

	log.Info("starting graceful shutdown")
	cancel()

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)

		if archive != nil {
			log.Info("stopping error archive")
			archive.Stop()
		}

		log.Info("stopping importer")
		importer.Stop()

		log.Info("stopping deduper")
		deduper.Stop()

		log.Info("stopping extractor")
		extractor.Stop()
	}()

	select {
	case <-shutdownDone:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("jobflow stopped")
}

// buildAdapters constructs one adapter per enabled source. Unknown
// source names are skipped with a warning so a config typo cannot take
// the whole service down.
func buildAdapters(cfg *config.Config) []source.Adapter {
	log := logger.GetLogger().WithComponent("main")
	timeout := cfg.Collector.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	var adapters []source.Adapter
	for name, sc := range cfg.Sources {
		if !sc.Enabled {
			continue
		}
		switch name {
		case adzuna.Name:
			adapters = append(adapters, adzuna.New(sc, timeout))
		case remotive.Name:
			adapters = append(adapters, remotive.New(sc, timeout))
		case weworkremotely.Name:
			adapters = append(adapters, weworkremotely.New(sc, timeout))
		case linkedin.Name:
			adapters = append(adapters, linkedin.New(sc, timeout))
		default:
			log.WithFields(logger.Fields{"source": name}).Warn("unknown source in configuration, skipping")
		}
	}
	return adapters
}

// waitForDrain blocks until the pipeline channels and the extractor's
// batch buffer have been empty for a few consecutive checks, so a
// finished collection's tail is processed before the run is finalized.
// The extractor check matters: a tail batch below batch_size is held
// there for up to batch_timeout while every channel reads empty.
func waitForDrain(ctx context.Context, channels *channel.Channels, extractor *processor.Extractor, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	emptyChecks := 0
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return
		}
		if len(channels.Raw) == 0 && extractor.Pending() == 0 &&
			len(channels.Norm) == 0 && len(channels.Clean) == 0 {
			emptyChecks++
			if emptyChecks >= 3 {
				return
			}
		} else {
			emptyChecks = 0
		}
		time.Sleep(500 * time.Millisecond)
	}
	logger.GetLogger().WithComponent("main").Warn("pipeline did not drain before timeout")
}
