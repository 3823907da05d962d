package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	appconfig "jobflow/config"
	"jobflow/internal/channel"
	"jobflow/logger"
	"jobflow/models"
)

// SeenStore answers whether a dedup key was observed in an earlier run.
// Implementations must be safe for concurrent use. A nil SeenStore
// limits deduplication to the current batch.
type SeenStore interface {
	Seen(ctx context.Context, key string) (bool, error)
	MarkSeen(ctx context.Context, keys ...string) error
}

// Deduper collapses duplicate postings in two tiers: exact matches on
// posting URL or fingerprint, then approximate matches by string
// similarity within locality buckets. Duplicate groups merge into the
// most recently collected member; nothing is discarded without its
// information being folded into the survivor.
type Deduper struct {
	config   *appconfig.Config
	channels *channel.Channels
	seen     SeenStore
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	run *models.BatchRun

	// Metrics
	batchesProcessed  int64
	postingsPassed    int64
	duplicatesRemoved int64
}

func NewDeduper(cfg *appconfig.Config, ch *channel.Channels, seen SeenStore) *Deduper {
	return &Deduper{
		config:   cfg,
		channels: ch,
		seen:     seen,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

// SetRun attributes subsequent duplicate counts to the active run.
func (d *Deduper) SetRun(run *models.BatchRun) {
	d.mu.Lock()
	d.run = run
	d.mu.Unlock()
}

func (d *Deduper) currentRun() *models.BatchRun {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.run
}

func (d *Deduper) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("deduper already running")
	}
	d.running = true
	d.ctx = ctx
	d.mu.Unlock()

	log := d.log.WithComponent("deduper").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting deduper")

	numWorkers := d.config.Processor.MaxWorkers
	if numWorkers < 1 {
		numWorkers = 1
	}

	for i := 0; i < numWorkers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}

	go d.metricsReporter(ctx)

	log.WithFields(logger.Fields{"workers": numWorkers}).Info("deduper started successfully")
	return nil
}

func (d *Deduper) Stop() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()

	d.log.WithComponent("deduper").Info("stopping deduper")
	d.wg.Wait()
	d.log.WithComponent("deduper").Info("deduper stopped")
}

func (d *Deduper) worker(workerID int) {
	defer d.wg.Done()

	log := d.log.WithComponent("deduper").WithFields(logger.Fields{
		"worker_id": workerID,
		"worker":    "deduper",
	})

	log.Info("starting deduper worker")

	for {
		select {
		case <-d.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case batch, ok := <-d.channels.Norm:
			if !ok {
				log.Info("norm channel closed, worker stopping")
				return
			}

			start := time.Now()
			out := d.DedupBatch(d.ctx, batch)
			duration := time.Since(start)

			d.mu.Lock()
			d.batchesProcessed++
			d.postingsPassed += int64(out.RecordCount)
			d.duplicatesRemoved += int64(out.DuplicatesRemoved)
			d.mu.Unlock()

			if run := d.currentRun(); run != nil && out.DuplicatesRemoved > 0 {
				run.AddDuplicates(out.DuplicatesRemoved)
			}

			logger.LogPerformanceEntry(log, "deduper", "dedup_batch", duration, logger.Fields{
				"worker_id":          workerID,
				"batch_id":           batch.BatchID,
				"in_count":           batch.RecordCount,
				"out_count":          out.RecordCount,
				"duplicates_removed": out.DuplicatesRemoved,
			})

			if out.RecordCount == 0 {
				continue
			}
			if !d.channels.SendClean(d.ctx, out) {
				return
			}
			logger.LogDataFlowEntry(log, "norm_channel", "clean_channel", out.RecordCount, "batch")
		}
	}
}

// DedupBatch collapses duplicates inside one batch and, when a seen
// store is configured, drops postings already persisted by earlier
// runs. The operation is idempotent: re-running it over its own output
// removes nothing further.
func (d *Deduper) DedupBatch(ctx context.Context, batch models.PostingBatch) models.PostingBatch {
	survivors, removed := d.collapseExact(batch.Entries)
	survivors, approxRemoved := d.collapseApproximate(survivors)
	removed += approxRemoved

	if d.seen != nil {
		kept := survivors[:0]
		for _, p := range survivors {
			if d.previouslySeen(ctx, p) {
				removed++
				continue
			}
			kept = append(kept, p)
		}
		survivors = kept
		d.markSeen(ctx, survivors)
	}

	entries := make([]models.Posting, len(survivors))
	for i, p := range survivors {
		entries[i] = *p
	}

	out := batch
	out.Entries = entries
	out.RecordCount = len(entries)
	out.DuplicatesRemoved = batch.DuplicatesRemoved + removed
	out.ProcessedAt = time.Now()
	return out
}

// collapseExact merges postings sharing a posting URL or a fingerprint.
func (d *Deduper) collapseExact(entries []models.Posting) ([]*models.Posting, int) {
	byURL := make(map[string]int)
	byFingerprint := make(map[string]int)
	var survivors []*models.Posting
	removed := 0

	for i := range entries {
		p := entries[i]

		idx := -1
		if j, ok := byURL[p.PostingURL]; ok && p.PostingURL != "" {
			idx = j
		} else if j, ok := byFingerprint[p.Fingerprint]; ok {
			idx = j
		}

		if idx >= 0 {
			survivors[idx] = d.merge(survivors[idx], &p)
			byURL[survivors[idx].PostingURL] = idx
			byFingerprint[survivors[idx].Fingerprint] = idx
			removed++
			continue
		}

		survivors = append(survivors, &p)
		idx = len(survivors) - 1
		if p.PostingURL != "" {
			byURL[p.PostingURL] = idx
		}
		byFingerprint[p.Fingerprint] = idx
	}
	return survivors, removed
}

// collapseApproximate merges near-duplicate postings. Candidates are
// limited to postings whose canonical title+company share a prefix, so
// comparisons stay linear in practice; postings differing early in the
// title are accepted as distinct without comparison.
func (d *Deduper) collapseApproximate(survivors []*models.Posting) ([]*models.Posting, int) {
	threshold := d.config.Dedup.SimilarityThreshold
	if threshold <= 0 {
		threshold = 0.85
	}
	prefixLen := d.config.Dedup.BucketPrefixLen
	if prefixLen <= 0 {
		prefixLen = 8
	}

	buckets := make(map[string][]int)
	merged := make([]bool, len(survivors))
	removed := 0

	for i, p := range survivors {
		key := bucketKey(p, prefixLen)
		for _, j := range buckets[key] {
			if merged[j] {
				continue
			}
			score := Similarity(dedupText(p), dedupText(survivors[j]))
			if score < threshold {
				continue
			}
			survivors[j] = d.merge(survivors[j], p)
			merged[i] = true
			removed++
			break
		}
		if !merged[i] {
			buckets[key] = append(buckets[key], i)
		}
	}

	if removed == 0 {
		return survivors, 0
	}
	kept := survivors[:0]
	for i, p := range survivors {
		if !merged[i] {
			kept = append(kept, p)
		}
	}
	return kept, removed
}

func bucketKey(p *models.Posting, prefixLen int) string {
	key := canonical(p.Title + " " + p.Company)
	if len(key) > prefixLen {
		key = key[:prefixLen]
	}
	return key
}

func dedupText(p *models.Posting) string {
	return canonical(p.Title) + "|" + canonical(p.Company)
}

// merge folds two duplicates into one posting. The more recently
// collected member wins; on equal timestamps the configured tie-break
// applies. The loser backfills any field the winner lacks, and source
// attribution is unioned.
func (d *Deduper) merge(a, b *models.Posting) *models.Posting {
	winner, loser := a, b
	switch {
	case b.CollectedAt.After(a.CollectedAt):
		winner, loser = b, a
	case a.CollectedAt.After(b.CollectedAt):
		// a already wins
	case d.config.Dedup.TieBreak == "first_seen":
		// a was seen first within the batch, keep it
	default:
		// completeness tie-break
		if b.NonEmptyFields() > a.NonEmptyFields() {
			winner, loser = b, a
		}
	}

	if winner.Company == "" {
		winner.Company = loser.Company
	}
	if winner.Description == "" {
		winner.Description = loser.Description
	}
	if winner.Salary.Min == nil && loser.Salary.Min != nil {
		winner.Salary = loser.Salary
	}
	if winner.EmploymentType == models.EmploymentUnspecified || winner.EmploymentType == "" {
		winner.EmploymentType = loser.EmploymentType
	}
	if winner.Location.City == "" && winner.Location.Country == "" && !winner.Location.IsRemote {
		winner.Location = loser.Location
	}
	// The earliest posting date is the true one; later collections of
	// the same posting only push it forward.
	if !loser.PostedAt.IsZero() && (winner.PostedAt.IsZero() || loser.PostedAt.Before(winner.PostedAt)) {
		winner.PostedAt = loser.PostedAt
	}

	winner.SourceIDs = unionSources(winner.SourceIDs, loser.SourceIDs)
	return winner
}

func unionSources(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(a, b...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func (d *Deduper) previouslySeen(ctx context.Context, p *models.Posting) bool {
	for _, key := range seenKeys(p) {
		ok, err := d.seen.Seen(ctx, key)
		if err != nil {
			// Fail open: a degraded seen store must not drop fresh data.
			d.log.WithComponent("deduper").WithError(err).Warn("seen store lookup failed")
			return false
		}
		if ok {
			return true
		}
	}
	return false
}

func (d *Deduper) markSeen(ctx context.Context, survivors []*models.Posting) {
	var keys []string
	for _, p := range survivors {
		keys = append(keys, seenKeys(p)...)
	}
	if len(keys) == 0 {
		return
	}
	if err := d.seen.MarkSeen(ctx, keys...); err != nil {
		d.log.WithComponent("deduper").WithError(err).Warn("seen store update failed")
	}
}

func seenKeys(p *models.Posting) []string {
	keys := make([]string, 0, 2)
	if p.PostingURL != "" {
		keys = append(keys, "url:"+p.PostingURL)
	}
	if p.Fingerprint != "" {
		keys = append(keys, "fp:"+p.Fingerprint)
	}
	return keys
}

func (d *Deduper) metricsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.mu.RLock()
			batches := d.batchesProcessed
			passed := d.postingsPassed
			removed := d.duplicatesRemoved
			d.mu.RUnlock()

			dupRate := float64(0)
			if passed+removed > 0 {
				dupRate = float64(removed) / float64(passed+removed)
			}

			d.log.LogMetric("deduper", "batches_processed", batches, "counter", logger.Fields{})
			d.log.LogMetric("deduper", "postings_passed", passed, "counter", logger.Fields{})
			d.log.LogMetric("deduper", "duplicates_removed", removed, "counter", logger.Fields{})
			d.log.LogMetric("deduper", "duplicate_rate", dupRate, "gauge", logger.Fields{})

			d.log.WithComponent("deduper").WithFields(logger.Fields{
				"batches_processed":  batches,
				"postings_passed":    passed,
				"duplicates_removed": removed,
				"duplicate_rate":     dupRate,
			}).Info("deduper metrics")
		}
	}
}
