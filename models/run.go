package models

import (
	"sync"
	"time"
)

// SourceOutcome records how one source fared during a run.
type SourceOutcome struct {
	Source      string    `json:"source"`
	Collected   int       `json:"collected"`
	Pages       int       `json:"pages"`
	Retries     int       `json:"retries"`
	Skipped     bool      `json:"skipped"`
	FailureKind ErrorKind `json:"failure_kind,omitempty"`
	Duration    time.Duration
}

// BatchRun is the audit record for one orchestrated collection. Counters
// are updated concurrently by per-source collectors and pipeline stages,
// so all mutation goes through the methods below.
type BatchRun struct {
	RunID             string
	StartedAt         time.Time
	EndedAt           time.Time
	SourcesAttempted  int
	PostingsCollected int
	DuplicatesRemoved int
	Imported          int
	ErrorsByCategory  map[ErrorKind]int
	Outcomes          []SourceOutcome
	Degraded          bool
	DegradedReason    string

	mu sync.Mutex
}

// NewBatchRun starts the audit record for a run.
func NewBatchRun(runID string, sources int) *BatchRun {
	return &BatchRun{
		RunID:            runID,
		StartedAt:        time.Now().UTC(),
		SourcesAttempted: sources,
		ErrorsByCategory: make(map[ErrorKind]int),
	}
}

// AddCollected adds n to the raw postings count.
func (r *BatchRun) AddCollected(n int) {
	r.mu.Lock()
	r.PostingsCollected += n
	r.mu.Unlock()
}

// AddDuplicates adds n removed duplicates.
func (r *BatchRun) AddDuplicates(n int) {
	r.mu.Lock()
	r.DuplicatesRemoved += n
	r.mu.Unlock()
}

// AddImported adds n persisted postings.
func (r *BatchRun) AddImported(n int) {
	r.mu.Lock()
	r.Imported += n
	r.mu.Unlock()
}

// RecordError increments the counter for the error's kind.
func (r *BatchRun) RecordError(kind ErrorKind) {
	if kind == "" {
		return
	}
	r.mu.Lock()
	r.ErrorsByCategory[kind]++
	r.mu.Unlock()
}

// RecordOutcome appends one source's result.
func (r *BatchRun) RecordOutcome(o SourceOutcome) {
	r.mu.Lock()
	r.Outcomes = append(r.Outcomes, o)
	r.mu.Unlock()
}

// MarkDegraded flags the run as degraded; a warning for callers, never
// a failure.
func (r *BatchRun) MarkDegraded(reason string) {
	r.mu.Lock()
	r.Degraded = true
	if r.DegradedReason == "" {
		r.DegradedReason = reason
	}
	r.mu.Unlock()
}

// Finalize stamps the end time and returns the run for convenience.
func (r *BatchRun) Finalize() *BatchRun {
	r.mu.Lock()
	r.EndedAt = time.Now().UTC()
	r.mu.Unlock()
	return r
}

// Snapshot returns a copy of the counters safe for logging.
func (r *BatchRun) Snapshot() (collected, duplicates, imported int, errs map[ErrorKind]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	errs = make(map[ErrorKind]int, len(r.ErrorsByCategory))
	for k, v := range r.ErrorsByCategory {
		errs[k] = v
	}
	return r.PostingsCollected, r.DuplicatesRemoved, r.Imported, errs
}
