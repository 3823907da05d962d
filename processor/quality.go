package processor

import (
	"time"

	appconfig "jobflow/config"
	"jobflow/logger"
	"jobflow/models"
)

// BatchQuality summarizes one clean batch for the quality monitor.
type BatchQuality struct {
	BatchID       string
	Total         int
	CompleteCount int
	Completeness  float64
	DuplicateRate float64
	BySource      map[string]int
}

// RunQuality summarizes a whole collection run.
type RunQuality struct {
	RunID          string
	Collected      int
	Imported       int
	Duplicates     int
	DuplicateRate  float64
	Throughput     float64 // postings per minute
	Degraded       bool
	DegradedReason string
}

// Monitor computes data-quality metrics and flags degraded output. It
// only ever warns; quality problems never abort a run.
type Monitor struct {
	config *appconfig.Config
	log    *logger.Log
}

func NewMonitor(cfg *appconfig.Config) *Monitor {
	return &Monitor{config: cfg, log: logger.GetLogger()}
}

func (m *Monitor) minCompleteness() float64 {
	if m.config.Quality.MinCompleteness > 0 {
		return m.config.Quality.MinCompleteness
	}
	return 0.90
}

func (m *Monitor) maxDuplicateRate() float64 {
	if m.config.Quality.MaxDuplicateRate > 0 {
		return m.config.Quality.MaxDuplicateRate
	}
	return 0.15
}

// EvaluateBatch scores one batch and warns when it falls below the
// configured thresholds. The optional run is marked degraded, not
// failed.
func (m *Monitor) EvaluateBatch(batch models.PostingBatch, run *models.BatchRun) BatchQuality {
	q := BatchQuality{
		BatchID:  batch.BatchID,
		Total:    batch.RecordCount,
		BySource: make(map[string]int),
	}

	for i := range batch.Entries {
		p := &batch.Entries[i]
		if p.Complete() {
			q.CompleteCount++
		}
		for _, src := range p.SourceIDs {
			q.BySource[src]++
		}
	}

	if q.Total > 0 {
		q.Completeness = float64(q.CompleteCount) / float64(q.Total)
	}
	if total := batch.RecordCount + batch.DuplicatesRemoved; total > 0 {
		q.DuplicateRate = float64(batch.DuplicatesRemoved) / float64(total)
	}

	log := m.log.WithComponent("quality_monitor").WithFields(logger.Fields{
		"batch_id":       batch.BatchID,
		"records":        q.Total,
		"completeness":   q.Completeness,
		"duplicate_rate": q.DuplicateRate,
	})

	if q.Total > 0 && q.Completeness < m.minCompleteness() {
		log.Warn("batch completeness below threshold")
		if run != nil {
			run.MarkDegraded("completeness below threshold")
		}
	}
	if q.DuplicateRate > m.maxDuplicateRate() {
		log.Warn("batch duplicate rate above threshold, sources may be overlapping heavily")
		if run != nil {
			run.MarkDegraded("duplicate rate above threshold")
		}
	}

	m.log.LogMetric("quality_monitor", "batch_completeness", q.Completeness, "gauge", logger.Fields{"batch_id": batch.BatchID})
	m.log.LogMetric("quality_monitor", "batch_duplicate_rate", q.DuplicateRate, "gauge", logger.Fields{"batch_id": batch.BatchID})

	return q
}

// EvaluateRun scores a finished run.
func (m *Monitor) EvaluateRun(run *models.BatchRun) RunQuality {
	collected, duplicates, imported, _ := run.Snapshot()

	q := RunQuality{
		RunID:      run.RunID,
		Collected:  collected,
		Imported:   imported,
		Duplicates: duplicates,
	}
	if collected > 0 {
		q.DuplicateRate = float64(duplicates) / float64(collected)
	}
	if minutes := run.EndedAt.Sub(run.StartedAt).Minutes(); minutes > 0 {
		q.Throughput = float64(imported) / minutes
	}

	if q.DuplicateRate > m.maxDuplicateRate() {
		run.MarkDegraded("run duplicate rate above threshold")
	}
	q.Degraded = run.Degraded
	q.DegradedReason = run.DegradedReason

	m.log.WithComponent("quality_monitor").WithFields(logger.Fields{
		"run_id":         q.RunID,
		"collected":      q.Collected,
		"imported":       q.Imported,
		"duplicates":     q.Duplicates,
		"duplicate_rate": q.DuplicateRate,
		"throughput":     q.Throughput,
		"degraded":       q.Degraded,
		"duration":       run.EndedAt.Sub(run.StartedAt).Round(time.Millisecond).String(),
	}).Info("run quality report")

	return q
}
