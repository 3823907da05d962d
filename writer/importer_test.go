package writer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	appconfig "jobflow/config"
	"jobflow/internal/channel"
	"jobflow/models"
	"jobflow/processor"
)

type fakeStore struct {
	mu       sync.Mutex
	batches  []models.PostingBatch
	failures int // number of ImportBatch calls that should fail first
	calls    int
}

func (f *fakeStore) ImportBatch(ctx context.Context, batch models.PostingBatch) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return 0, fmt.Errorf("deadlock detected")
	}
	f.batches = append(f.batches, batch)
	return batch.RecordCount, nil
}

func (f *fakeStore) SaveRun(ctx context.Context, run *models.BatchRun) error { return nil }

func (f *fakeStore) Close() {}

func (f *fakeStore) imported() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, b := range f.batches {
		total += b.RecordCount
	}
	return total
}

func importerConfig() *appconfig.Config {
	cfg := &appconfig.Config{}
	cfg.Importer.MaxWorkers = 1
	cfg.Quality.MinCompleteness = 0.90
	cfg.Quality.MaxDuplicateRate = 0.15
	return cfg
}

func cleanBatch(n int) models.PostingBatch {
	batch := models.PostingBatch{BatchID: "b1", RunID: "run-1"}
	for i := 0; i < n; i++ {
		batch.Entries = append(batch.Entries, models.Posting{
			Title:       fmt.Sprintf("Engineer %d", i),
			Company:     "Acme",
			Location:    models.Location{City: "Berlin", Country: "Germany"},
			PostingURL:  fmt.Sprintf("https://a.example/%d", i),
			SourceIDs:   []string{"adzuna"},
			CollectedAt: time.Now().UTC(),
			Fingerprint: fmt.Sprintf("fp-%d", i),
		})
	}
	batch.RecordCount = len(batch.Entries)
	return batch
}

func startImporter(t *testing.T, store *fakeStore) (*Importer, *channel.Channels, *models.BatchRun, context.CancelFunc) {
	t.Helper()
	cfg := importerConfig()
	ch := channel.NewChannels(10, 10, 10, 10)
	im := NewImporter(cfg, ch, store, processor.NewMonitor(cfg))
	run := models.NewBatchRun("run-1", 1)
	im.SetRun(run)

	ctx, cancel := context.WithCancel(context.Background())
	if err := im.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	return im, ch, run, cancel
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestImporterPersistsCleanBatches(t *testing.T) {
	store := &fakeStore{}
	im, ch, run, cancel := startImporter(t, store)
	defer cancel()

	ch.Clean <- cleanBatch(3)

	waitFor(t, func() bool { return store.imported() == 3 })

	_, _, imported, _ := run.Snapshot()
	if imported != 3 {
		t.Errorf("run imported = %d, want 3", imported)
	}

	cancel()
	im.Stop()
}

func TestImporterRetriesFailedBatchOnce(t *testing.T) {
	store := &fakeStore{failures: 1}
	im, ch, run, cancel := startImporter(t, store)
	defer cancel()

	ch.Clean <- cleanBatch(2)

	waitFor(t, func() bool { return store.imported() == 2 })

	store.mu.Lock()
	calls := store.calls
	store.mu.Unlock()
	if calls != 2 {
		t.Errorf("store called %d times, want 2", calls)
	}

	_, _, _, errs := run.Snapshot()
	if errs[models.ErrKindImportConflict] != 0 {
		t.Error("recovered batch should not count as an import conflict")
	}

	cancel()
	im.Stop()
}

func TestImporterCountsBatchLostAfterRetry(t *testing.T) {
	store := &fakeStore{failures: 2}
	im, ch, run, cancel := startImporter(t, store)
	defer cancel()

	ch.Clean <- cleanBatch(2)

	waitFor(t, func() bool {
		_, _, _, errs := run.Snapshot()
		return errs[models.ErrKindImportConflict] == 1
	})

	if store.imported() != 0 {
		t.Error("failed batch should not be persisted")
	}
	_, _, imported, _ := run.Snapshot()
	if imported != 0 {
		t.Errorf("run imported = %d, want 0", imported)
	}

	cancel()
	im.Stop()
}
