// Package writer owns the persistence tail of the pipeline: the
// transactional posting importer backed by Postgres, the Redis-backed
// seen index, and the S3 parquet archive for listings that failed
// extraction.
package writer

import (
	"context"
	"fmt"
	"sync"
	"time"

	appconfig "jobflow/config"
	"jobflow/internal/channel"
	"jobflow/logger"
	"jobflow/models"
	"jobflow/processor"
)

// PostingStore persists clean batches. ImportBatch must be atomic: a
// failed batch leaves the store unchanged.
type PostingStore interface {
	ImportBatch(ctx context.Context, batch models.PostingBatch) (int, error)
	SaveRun(ctx context.Context, run *models.BatchRun) error
	Close()
}

// Importer drains the clean channel into the posting store. Each batch
// is imported in one transaction; a failed batch is retried once whole,
// then surfaced as an import conflict on the run.
type Importer struct {
	config   *appconfig.Config
	channels *channel.Channels
	store    PostingStore
	monitor  *processor.Monitor
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	run *models.BatchRun

	// Metrics
	batchesImported int64
	postingsWritten int64
	importFailures  int64
}

func NewImporter(cfg *appconfig.Config, ch *channel.Channels, store PostingStore, monitor *processor.Monitor) *Importer {
	return &Importer{
		config:   cfg,
		channels: ch,
		store:    store,
		monitor:  monitor,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

// SetRun attributes subsequent imports to the active run.
func (im *Importer) SetRun(run *models.BatchRun) {
	im.mu.Lock()
	im.run = run
	im.mu.Unlock()
}

func (im *Importer) currentRun() *models.BatchRun {
	im.mu.RLock()
	defer im.mu.RUnlock()
	return im.run
}

func (im *Importer) Start(ctx context.Context) error {
	im.mu.Lock()
	if im.running {
		im.mu.Unlock()
		return fmt.Errorf("importer already running")
	}
	im.running = true
	im.ctx = ctx
	im.mu.Unlock()

	log := im.log.WithComponent("importer").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting importer")

	numWorkers := im.config.Importer.MaxWorkers
	if numWorkers < 1 {
		numWorkers = 1
	}

	for i := 0; i < numWorkers; i++ {
		im.wg.Add(1)
		go im.worker(i)
	}

	go im.metricsReporter(ctx)

	log.WithFields(logger.Fields{"workers": numWorkers}).Info("importer started successfully")
	return nil
}

func (im *Importer) Stop() {
	im.mu.Lock()
	im.running = false
	im.mu.Unlock()

	im.log.WithComponent("importer").Info("stopping importer")
	im.wg.Wait()
	im.log.WithComponent("importer").Info("importer stopped")
}

func (im *Importer) worker(workerID int) {
	defer im.wg.Done()

	log := im.log.WithComponent("importer").WithFields(logger.Fields{
		"worker_id": workerID,
		"worker":    "importer",
	})

	log.Info("starting importer worker")

	for {
		select {
		case <-im.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case batch, ok := <-im.channels.Clean:
			if !ok {
				log.Info("clean channel closed, worker stopping")
				return
			}
			im.importBatch(batch)
		}
	}
}

func (im *Importer) importBatch(batch models.PostingBatch) {
	log := im.log.WithComponent("importer").WithFields(logger.Fields{
		"batch_id":     batch.BatchID,
		"run_id":       batch.RunID,
		"record_count": batch.RecordCount,
		"operation":    "import_batch",
	})

	if batch.RecordCount == 0 {
		return
	}

	run := im.currentRun()

	start := time.Now()
	imported, err := im.importWithRetry(batch)
	duration := time.Since(start)

	if err != nil {
		im.mu.Lock()
		im.importFailures++
		im.mu.Unlock()

		if run != nil {
			run.RecordError(models.ErrKindImportConflict)
		}
		log.WithError(err).Error("batch import failed after retry, batch lost")
		return
	}

	im.mu.Lock()
	im.batchesImported++
	im.postingsWritten += int64(imported)
	im.mu.Unlock()

	if run != nil {
		run.AddImported(imported)
	}
	logger.IncrementImportWrite(imported)

	if im.monitor != nil {
		im.monitor.EvaluateBatch(batch, run)
	}

	logger.LogPerformanceEntry(log, "importer", "import_batch", duration, logger.Fields{
		"imported": imported,
		"skipped":  batch.RecordCount - imported,
	})
	log.WithFields(logger.Fields{"imported": imported}).Info("batch imported")
}

// importWithRetry attempts the whole batch twice. The store's import is
// transactional, so the retry never sees a half-written batch.
func (im *Importer) importWithRetry(batch models.PostingBatch) (int, error) {
	imported, err := im.store.ImportBatch(im.ctx, batch)
	if err == nil {
		return imported, nil
	}

	im.log.WithComponent("importer").WithError(err).WithFields(logger.Fields{
		"batch_id": batch.BatchID,
	}).Warn("batch import failed, retrying once")

	return im.store.ImportBatch(im.ctx, batch)
}

func (im *Importer) metricsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			im.mu.RLock()
			batches := im.batchesImported
			written := im.postingsWritten
			failures := im.importFailures
			im.mu.RUnlock()

			im.log.LogMetric("importer", "batches_imported", batches, "counter", logger.Fields{})
			im.log.LogMetric("importer", "postings_written", written, "counter", logger.Fields{})
			im.log.LogMetric("importer", "import_failures", failures, "counter", logger.Fields{})

			im.log.WithComponent("importer").WithFields(logger.Fields{
				"batches_imported":  batches,
				"postings_written":  written,
				"import_failures":   failures,
				"clean_channel_len": len(im.channels.Clean),
				"clean_channel_cap": cap(im.channels.Clean),
			}).Info("importer metrics")
		}
	}
}
