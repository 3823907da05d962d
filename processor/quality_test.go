package processor

import (
	"testing"
	"time"

	appconfig "jobflow/config"
	"jobflow/models"
)

func qualityConfig() *appconfig.Config {
	cfg := &appconfig.Config{}
	cfg.Quality.MinCompleteness = 0.90
	cfg.Quality.MaxDuplicateRate = 0.15
	return cfg
}

func completePosting(i byte) models.Posting {
	return models.Posting{
		Title:      "Engineer " + string('a'+i),
		Company:    "Acme",
		Location:   models.Location{City: "Berlin", Country: "Germany"},
		PostingURL: "https://a.example/" + string('a'+i),
		SourceIDs:  []string{"adzuna"},
	}
}

func TestEvaluateBatchFlagsLowCompleteness(t *testing.T) {
	m := NewMonitor(qualityConfig())
	run := models.NewBatchRun("run-1", 1)

	batch := models.PostingBatch{BatchID: "b1"}
	for i := byte(0); i < 8; i++ {
		batch.Entries = append(batch.Entries, completePosting(i))
	}
	batch.Entries = append(batch.Entries,
		models.Posting{Title: "No Company", PostingURL: "https://a.example/x"},
		models.Posting{Title: "Also No Company", PostingURL: "https://a.example/y"},
	)
	batch.RecordCount = len(batch.Entries)

	q := m.EvaluateBatch(batch, run)
	if q.Completeness != 0.8 {
		t.Errorf("completeness = %f, want 0.8", q.Completeness)
	}
	if !run.Degraded {
		t.Error("run should be marked degraded below 90% completeness")
	}
}

func TestEvaluateBatchFlagsHighDuplicateRate(t *testing.T) {
	m := NewMonitor(qualityConfig())
	run := models.NewBatchRun("run-1", 1)

	batch := models.PostingBatch{
		BatchID:           "b1",
		Entries:           []models.Posting{completePosting(0), completePosting(1)},
		RecordCount:       2,
		DuplicatesRemoved: 2, // 50% of the input was duplicated
	}

	q := m.EvaluateBatch(batch, run)
	if q.DuplicateRate != 0.5 {
		t.Errorf("duplicate rate = %f, want 0.5", q.DuplicateRate)
	}
	if !run.Degraded {
		t.Error("run should be marked degraded above 15% duplicate rate")
	}
}

func TestEvaluateBatchHealthy(t *testing.T) {
	m := NewMonitor(qualityConfig())
	run := models.NewBatchRun("run-1", 1)

	batch := models.PostingBatch{
		BatchID:     "b1",
		Entries:     []models.Posting{completePosting(0), completePosting(1)},
		RecordCount: 2,
	}

	q := m.EvaluateBatch(batch, run)
	if q.Completeness != 1 || q.DuplicateRate != 0 {
		t.Errorf("unexpected quality: %+v", q)
	}
	if run.Degraded {
		t.Error("healthy batch should not degrade the run")
	}
	if q.BySource["adzuna"] != 2 {
		t.Errorf("per-source breakdown = %v", q.BySource)
	}
}

func TestEvaluateRunComputesThroughput(t *testing.T) {
	m := NewMonitor(qualityConfig())
	run := models.NewBatchRun("run-1", 2)
	run.AddCollected(100)
	run.AddDuplicates(5)
	run.AddImported(95)
	run.StartedAt = time.Now().Add(-time.Minute)
	run.Finalize()

	q := m.EvaluateRun(run)
	if q.DuplicateRate != 0.05 {
		t.Errorf("duplicate rate = %f, want 0.05", q.DuplicateRate)
	}
	if q.Throughput < 80 || q.Throughput > 110 {
		t.Errorf("throughput = %f postings/min, want about 95", q.Throughput)
	}
	if q.Degraded {
		t.Error("healthy run flagged degraded")
	}
}
