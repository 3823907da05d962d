// Package orchestrator runs all healthy source adapters concurrently
// under a bounded concurrency budget and feeds their raw listings into
// the pipeline. Failure or slowness of one source never blocks or
// delays another: every source gets its own goroutine, timeout budget
// and backoff state, and the only shared structure is the per-source
// locked health registry.
package orchestrator

import (
	"context"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	appconfig "jobflow/config"
	"jobflow/health"
	"jobflow/internal/channel"
	"jobflow/logger"
	"jobflow/models"
	"jobflow/source"
)

type Orchestrator struct {
	config   *appconfig.Config
	adapters map[string]source.Adapter
	registry *health.Registry
	channels *channel.Channels
	limiters map[string]*rate.Limiter
	log      *logger.Log

	mu  sync.Mutex
	rng *rand.Rand
}

func New(cfg *appconfig.Config, adapters []source.Adapter, registry *health.Registry, ch *channel.Channels) *Orchestrator {
	byName := make(map[string]source.Adapter, len(adapters))
	limiters := make(map[string]*rate.Limiter, len(adapters))
	for _, a := range adapters {
		byName[a.Name()] = a

		rl := cfg.Sources[a.Name()].RateLimit
		rps := rl.RequestsPerSecond
		if rps <= 0 {
			rps = 1
		}
		burst := rl.BurstSize
		if burst <= 0 {
			burst = 1
		}
		limiters[a.Name()] = rate.NewLimiter(rate.Limit(rps), burst)
	}

	return &Orchestrator{
		config:   cfg,
		adapters: byName,
		registry: registry,
		channels: ch,
		limiters: limiters,
		log:      logger.GetLogger(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Collect executes one collection run. It returns when every source has
// finished or ctx is cancelled; cancellation finalizes the run with
// partial results instead of failing.
func (o *Orchestrator) Collect(ctx context.Context, req models.CollectionRequest) *models.BatchRun {
	return o.CollectRun(ctx, req, models.NewBatchRun(uuid.New().String(), 0))
}

// CollectRun is Collect with a caller-provided run record, for callers
// that need to attach pipeline stages to the run before collection
// starts.
func (o *Orchestrator) CollectRun(ctx context.Context, req models.CollectionRequest, run *models.BatchRun) *models.BatchRun {
	sources := req.Sources
	if len(sources) == 0 {
		for name := range o.adapters {
			sources = append(sources, name)
		}
	}
	run.SourcesAttempted = len(sources)

	log := o.log.WithComponent("orchestrator").WithFields(logger.Fields{
		"run_id":  run.RunID,
		"sources": len(sources),
		"terms":   req.QueryTerms,
	})
	log.Info("collection run started")

	concurrency := req.Concurrency
	if concurrency <= 0 {
		concurrency = o.config.Collector.MaxConcurrency
	}
	if concurrency <= 0 {
		concurrency = 2 * runtime.GOMAXPROCS(0)
	}
	if concurrency > len(sources) {
		concurrency = len(sources)
	}
	sem := make(chan struct{}, concurrency)

	reportCtx, stopReport := context.WithCancel(ctx)
	defer stopReport()
	go o.progressReporter(reportCtx, run)

	var wg sync.WaitGroup
	for _, name := range sources {
		adapter, ok := o.adapters[name]
		if !ok {
			log.WithFields(logger.Fields{"source": name}).Warn("unknown source requested, skipping")
			continue
		}

		wg.Add(1)
		go func(name string, adapter source.Adapter) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				run.RecordOutcome(models.SourceOutcome{Source: name, Skipped: true})
				return
			}

			o.collectSource(ctx, run, adapter, source.Query{
				Terms:      req.QueryTerms,
				Location:   req.LocationFilter,
				MaxResults: req.MaxResults,
			})
		}(name, adapter)
	}

	wg.Wait()
	run.Finalize()

	collected, dupes, imported, errs := run.Snapshot()
	log.WithFields(logger.Fields{
		"collected":  collected,
		"duplicates": dupes,
		"imported":   imported,
		"errors":     errs,
		"duration":   run.EndedAt.Sub(run.StartedAt).String(),
	}).Info("collection run finished")

	return run
}

// collectSource drains one source page by page until it is exhausted,
// blocked, cancelled or the per-source result ceiling is reached.
func (o *Orchestrator) collectSource(ctx context.Context, run *models.BatchRun, adapter source.Adapter, q source.Query) {
	name := adapter.Name()
	log := o.log.WithComponent("source_collector").WithFields(logger.Fields{
		"run_id": run.RunID,
		"source": name,
	})

	outcome := models.SourceOutcome{Source: name}
	start := time.Now()
	defer func() {
		outcome.Duration = time.Since(start)
		run.RecordOutcome(outcome)
	}()

	if !o.registry.Allow(name) {
		outcome.Skipped = true
		log.Info("circuit open, skipping source")
		return
	}

	maxResults := q.MaxResults
	if maxResults <= 0 {
		maxResults = 1 << 30
	}

	for page := 1; outcome.Collected < maxResults; page++ {
		if ctx.Err() != nil {
			log.Info("run cancelled, finalizing source with partial results")
			return
		}
		// Re-check between pages: the breaker may have tripped from
		// failures on earlier pages.
		if page > 1 && !o.registry.Allow(name) {
			log.Info("circuit opened mid-run, stopping source")
			return
		}

		listings, err := o.fetchPage(ctx, adapter, q, page, &outcome)
		if err != nil {
			switch kind := models.KindOf(err); kind {
			case models.ErrKindExhausted:
				log.WithFields(logger.Fields{"pages": outcome.Pages}).Info("source exhausted")
			case models.ErrKindBlocked:
				outcome.FailureKind = kind
				run.RecordError(kind)
				log.WithError(err).Warn("source blocked the request, circuit tripped")
			case models.ErrKindTransient:
				outcome.FailureKind = kind
				run.RecordError(kind)
				log.WithError(err).Warn("source failed after retries")
			default:
				outcome.FailureKind = kind
				run.RecordError(kind)
				log.WithError(err).Warn("source failed")
			}
			return
		}
		outcome.Pages++

		for _, listing := range listings {
			if outcome.Collected >= maxResults {
				break
			}
			if !o.channels.SendRaw(ctx, listing) {
				return
			}
			outcome.Collected++
			run.AddCollected(1)
			logger.IncrementListingRead(len(listing.Payload))
		}

		logger.LogDataFlowEntry(log, name, "raw_channel", len(listings), "raw_listings")
	}
}

// fetchPage performs one paginated request with rate limiting, a
// per-request timeout and exponential backoff on transient failures.
// Every attempt's outcome is reported to the health registry.
func (o *Orchestrator) fetchPage(ctx context.Context, adapter source.Adapter, q source.Query, page int, outcome *models.SourceOutcome) ([]models.RawListing, error) {
	name := adapter.Name()
	maxAttempts := o.config.Collector.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := o.limiters[name].Wait(ctx); err != nil {
			return nil, models.Transient(name, err)
		}

		reqCtx := ctx
		var cancel context.CancelFunc
		if timeout := o.config.Collector.RequestTimeout; timeout > 0 {
			reqCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		listings, err := adapter.Search(reqCtx, q, page)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			o.registry.ReportSuccess(name)
			return listings, nil
		}

		kind := models.KindOf(err)
		if kind == models.ErrKindExhausted {
			return nil, err
		}

		o.registry.ReportFailure(name, kind)
		lastErr = err

		switch kind {
		case models.ErrKindTransient:
			outcome.Retries++
			if attempt == maxAttempts {
				return nil, err
			}
			if err := o.sleepBackoff(ctx, attempt); err != nil {
				return nil, models.Transient(name, err)
			}
		default:
			// Blocked and parse failures are not retried within a run.
			return nil, err
		}
	}
	return nil, lastErr
}

// sleepBackoff waits BaseDelay·multiplier^(attempt-1) with ±50% jitter,
// capped at MaxDelay.
func (o *Orchestrator) sleepBackoff(ctx context.Context, attempt int) error {
	cfg := o.config.Collector.Retry
	base := cfg.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	mult := cfg.BackoffMultiplier
	if mult <= 1 {
		mult = 2
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= time.Duration(mult)
	}
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}

	o.mu.Lock()
	jittered := delay/2 + time.Duration(o.rng.Int63n(int64(delay/2)+1))
	o.mu.Unlock()

	timer := time.NewTimer(jittered)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) progressReporter(ctx context.Context, run *models.BatchRun) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			collected, dupes, imported, errs := run.Snapshot()
			o.log.WithComponent("orchestrator").WithFields(logger.Fields{
				"run_id":     run.RunID,
				"collected":  collected,
				"duplicates": dupes,
				"imported":   imported,
				"errors":     errs,
			}).Info("collection progress")
			o.log.LogMetric("orchestrator", "postings_collected", collected, "counter", logger.Fields{"run_id": run.RunID})
		}
	}
}
