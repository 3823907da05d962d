package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	appconfig "jobflow/config"
	"jobflow/internal/channel"
	"jobflow/logger"
	"jobflow/models"
	"jobflow/source"
)

// Extractor consumes raw listings, decodes them through their source
// adapter, normalizes the result and emits per-source batches onto the
// norm channel. Listings that fail to decode are routed to the error
// channel, never dropped silently.
type Extractor struct {
	config   *appconfig.Config
	channels *channel.Channels
	adapters map[string]source.Adapter
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	run *models.BatchRun

	// Batching
	batches   map[string]*models.PostingBatch
	lastFlush map[string]time.Time

	// Metrics
	listingsProcessed int64
	batchesEmitted    int64
	parseFailures     int64
	postingsEmitted   int64
}

func NewExtractor(cfg *appconfig.Config, ch *channel.Channels, adapters []source.Adapter) *Extractor {
	byName := make(map[string]source.Adapter, len(adapters))
	for _, a := range adapters {
		byName[a.Name()] = a
	}
	return &Extractor{
		config:    cfg,
		channels:  ch,
		adapters:  byName,
		wg:        &sync.WaitGroup{},
		log:       logger.GetLogger(),
		batches:   make(map[string]*models.PostingBatch),
		lastFlush: make(map[string]time.Time),
	}
}

// SetRun points the extractor at the active collection run so batches
// and error counters are attributed to it. The pipeline outlives
// individual runs; the orchestrator calls this before each Collect.
func (e *Extractor) SetRun(run *models.BatchRun) {
	e.mu.Lock()
	e.run = run
	e.mu.Unlock()
}

func (e *Extractor) currentRun() *models.BatchRun {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.run
}

func (e *Extractor) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("extractor already running")
	}
	e.running = true
	e.ctx = ctx
	e.mu.Unlock()

	log := e.log.WithComponent("extractor").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting extractor")

	numWorkers := e.config.Processor.MaxWorkers
	if numWorkers < 1 {
		numWorkers = 1
	}

	log.WithFields(logger.Fields{"workers": numWorkers}).Info("starting extractor workers")

	for i := 0; i < numWorkers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}

	e.wg.Add(1)
	go e.batchFlusher()

	go e.metricsReporter(ctx)

	log.Info("extractor started successfully")
	return nil
}

func (e *Extractor) Stop() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()

	e.log.WithComponent("extractor").Info("stopping extractor")

	e.flushAllBatches()

	e.wg.Wait()
	e.log.WithComponent("extractor").Info("extractor stopped")
}

func (e *Extractor) worker(workerID int) {
	defer e.wg.Done()

	log := e.log.WithComponent("extractor").WithFields(logger.Fields{
		"worker_id": workerID,
		"worker":    "extractor",
	})

	log.Info("starting extractor worker")

	for {
		select {
		case <-e.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case raw, ok := <-e.channels.Raw:
			if !ok {
				log.Info("raw channel closed, worker stopping")
				return
			}

			start := time.Now()
			emitted := e.processListing(raw)
			duration := time.Since(start)

			e.mu.Lock()
			e.listingsProcessed++
			e.postingsEmitted += int64(emitted)
			e.mu.Unlock()

			logger.LogPerformanceEntry(log, "extractor", "process_listing", duration, logger.Fields{
				"worker_id": workerID,
				"source":    raw.SourceID,
				"emitted":   emitted,
			})
		}
	}
}

func (e *Extractor) processListing(raw models.RawListing) int {
	log := e.log.WithComponent("extractor").WithFields(logger.Fields{
		"source":     raw.SourceID,
		"source_url": raw.SourceURL,
		"operation":  "process_listing",
	})

	adapter, ok := e.adapters[raw.SourceID]
	if !ok {
		e.routeToErrorSink(raw, fmt.Errorf("no adapter registered for source %q", raw.SourceID))
		return 0
	}

	extracted, err := adapter.Decode(raw)
	if err != nil {
		e.routeToErrorSink(raw, err)
		return 0
	}

	emitted := 0
	for _, ep := range extracted {
		posting := Normalize(ep)
		if posting.Title == "" || posting.PostingURL == "" {
			e.routeToErrorSink(raw, fmt.Errorf("normalized posting missing title or url"))
			continue
		}
		e.addToBatch(raw, posting)
		emitted++
	}

	if emitted > 0 {
		logger.LogDataFlowEntry(log, "raw_channel", "norm_channel", emitted, "postings")
	}
	return emitted
}

// routeToErrorSink counts a parse failure and forwards the raw listing
// to the error channel for archival.
func (e *Extractor) routeToErrorSink(raw models.RawListing, cause error) {
	e.mu.Lock()
	e.parseFailures++
	e.mu.Unlock()

	if run := e.currentRun(); run != nil {
		run.RecordError(models.ErrKindParseFailure)
	}

	e.log.WithComponent("extractor").WithError(cause).WithFields(logger.Fields{
		"source":     raw.SourceID,
		"source_url": raw.SourceURL,
	}).Warn("listing failed extraction, routing to error sink")

	e.channels.SendError(e.ctx, raw)
}

func (e *Extractor) addToBatch(raw models.RawListing, posting models.Posting) {
	e.mu.Lock()
	defer e.mu.Unlock()

	batchKey := raw.SourceID

	batch, exists := e.batches[batchKey]
	if !exists {
		runID := ""
		if e.run != nil {
			runID = e.run.RunID
		}
		batch = &models.PostingBatch{
			BatchID:     uuid.New().String(),
			RunID:       runID,
			Entries:     make([]models.Posting, 0, e.config.Processor.BatchSize),
			RecordCount: 0,
			Timestamp:   raw.FetchedAt,
			ProcessedAt: time.Now(),
		}
		e.batches[batchKey] = batch
		e.lastFlush[batchKey] = time.Now()
	}

	batch.Entries = append(batch.Entries, posting)
	batch.RecordCount = len(batch.Entries)

	if raw.FetchedAt.After(batch.Timestamp) {
		batch.Timestamp = raw.FetchedAt
	}

	if batch.RecordCount >= e.config.Processor.BatchSize {
		e.flushBatch(batchKey)
	}
}

// Pending reports how many postings sit in unflushed batches. A run is
// not drained while this is non-zero: a tail batch below BatchSize can
// stay buffered for up to BatchTimeout after the channels go quiet.
func (e *Extractor) Pending() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	pending := 0
	for _, batch := range e.batches {
		pending += batch.RecordCount
	}
	return pending
}

func (e *Extractor) batchFlusher() {
	defer e.wg.Done()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.flushTimedOutBatches()
		}
	}
}

func (e *Extractor) flushTimedOutBatches() {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	for batchKey, lastFlush := range e.lastFlush {
		if now.Sub(lastFlush) >= e.config.Processor.BatchTimeout {
			e.flushBatch(batchKey)
		}
	}
}

// flushBatch sends one batch downstream. Callers must hold e.mu.
func (e *Extractor) flushBatch(batchKey string) {
	batch, exists := e.batches[batchKey]
	if !exists || batch.RecordCount == 0 {
		return
	}

	log := e.log.WithComponent("extractor").WithFields(logger.Fields{
		"batch_id":     batch.BatchID,
		"batch_key":    batchKey,
		"record_count": batch.RecordCount,
		"operation":    "flush_batch",
	})

	log.Info("flushing batch")

	select {
	case e.channels.Norm <- *batch:
		e.batchesEmitted++
		delete(e.batches, batchKey)
		delete(e.lastFlush, batchKey)

		log.Info("batch flushed successfully")
		logger.LogDataFlowEntry(log, "extractor", "norm_channel", batch.RecordCount, "batch")

	case <-e.ctx.Done():
		return
	default:
		log.Warn("norm channel is full, batch not sent")
	}
}

func (e *Extractor) flushAllBatches() {
	e.mu.Lock()
	defer e.mu.Unlock()

	log := e.log.WithComponent("extractor").WithFields(logger.Fields{"operation": "flush_all_batches"})
	log.Info("flushing all remaining batches")

	for batchKey := range e.batches {
		e.flushBatch(batchKey)
	}

	log.WithFields(logger.Fields{"remaining_batches": len(e.batches)}).Info("all batches flushed")
}

func (e *Extractor) metricsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reportMetrics()
		}
	}
}

func (e *Extractor) reportMetrics() {
	e.mu.RLock()
	listingsProcessed := e.listingsProcessed
	batchesEmitted := e.batchesEmitted
	parseFailures := e.parseFailures
	postingsEmitted := e.postingsEmitted
	activeBatches := len(e.batches)
	e.mu.RUnlock()

	failureRate := float64(0)
	if listingsProcessed+parseFailures > 0 {
		failureRate = float64(parseFailures) / float64(listingsProcessed+parseFailures)
	}

	log := e.log.WithComponent("extractor")
	e.log.LogMetric("extractor", "listings_processed", listingsProcessed, "counter", logger.Fields{})
	e.log.LogMetric("extractor", "batches_emitted", batchesEmitted, "counter", logger.Fields{})
	e.log.LogMetric("extractor", "postings_emitted", postingsEmitted, "counter", logger.Fields{})
	e.log.LogMetric("extractor", "parse_failures", parseFailures, "counter", logger.Fields{})
	e.log.LogMetric("extractor", "parse_failure_rate", failureRate, "gauge", logger.Fields{})
	e.log.LogMetric("extractor", "active_batches", activeBatches, "gauge", logger.Fields{})

	log.WithFields(logger.Fields{
		"listings_processed": listingsProcessed,
		"batches_emitted":    batchesEmitted,
		"postings_emitted":   postingsEmitted,
		"parse_failures":     parseFailures,
		"parse_failure_rate": failureRate,
		"active_batches":     activeBatches,
		"raw_channel_len":    len(e.channels.Raw),
		"raw_channel_cap":    cap(e.channels.Raw),
		"norm_channel_len":   len(e.channels.Norm),
		"norm_channel_cap":   cap(e.channels.Norm),
	}).Info("extractor metrics")
}
