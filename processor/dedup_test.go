package processor

import (
	"context"
	"sync"
	"testing"
	"time"

	appconfig "jobflow/config"
	"jobflow/internal/channel"
	"jobflow/models"
)

func dedupConfig() *appconfig.Config {
	cfg := &appconfig.Config{}
	cfg.Processor.MaxWorkers = 1
	cfg.Processor.BatchSize = 100
	cfg.Processor.BatchTimeout = time.Second
	cfg.Dedup.SimilarityThreshold = 0.85
	cfg.Dedup.BucketPrefixLen = 8
	cfg.Dedup.TieBreak = "completeness"
	return cfg
}

func posting(title, company, url, sourceID string, collected time.Time) models.Posting {
	loc := models.Location{City: "Berlin", Country: "Germany"}
	return models.Posting{
		Title:       title,
		Company:     company,
		Location:    loc,
		Salary:      models.Salary{Currency: "unspecified"},
		PostingURL:  url,
		SourceIDs:   []string{sourceID},
		CollectedAt: collected,
		Fingerprint: models.ComputeFingerprint(title, company, loc),
	}
}

func batchOf(entries ...models.Posting) models.PostingBatch {
	return models.PostingBatch{
		BatchID:     "batch-1",
		Entries:     entries,
		RecordCount: len(entries),
	}
}

func TestDedupCollapsesExactAndKeepsUnique(t *testing.T) {
	d := NewDeduper(dedupConfig(), channel.NewChannels(1, 1, 1, 1), nil)
	now := time.Now().UTC()

	a := posting("Senior Software Engineer", "Acme", "https://a.example/1", "adzuna", now)
	b := posting("Senior Software Engineer", "Acme", "https://b.example/1", "remotive", now.Add(time.Minute))
	c := posting("Marketing Manager", "Globex", "https://a.example/2", "adzuna", now)

	out := d.DedupBatch(context.Background(), batchOf(a, b, c))

	if out.RecordCount != 2 {
		t.Fatalf("record count = %d, want 2", out.RecordCount)
	}
	if out.DuplicatesRemoved != 1 {
		t.Errorf("duplicates removed = %d, want 1", out.DuplicatesRemoved)
	}

	var survivor *models.Posting
	for i := range out.Entries {
		if out.Entries[i].Title == "Senior Software Engineer" {
			survivor = &out.Entries[i]
		}
	}
	if survivor == nil {
		t.Fatal("merged posting missing from output")
	}
	if len(survivor.SourceIDs) != 2 {
		t.Errorf("merged source ids = %v, want both sources", survivor.SourceIDs)
	}
	if !survivor.CollectedAt.Equal(b.CollectedAt) {
		t.Error("most recently collected member should win")
	}
}

func TestDedupMergesExactURLAndKeepsVariantTitleApart(t *testing.T) {
	d := NewDeduper(dedupConfig(), channel.NewChannels(1, 1, 1, 1), nil)
	now := time.Now().UTC()

	// Two identical postings sharing a URL collapse; a seniority
	// variant of the same role stays a separate record.
	a := posting("Software Engineer", "Acme", "https://acme.com/1", "adzuna", now)
	b := posting("Software Engineer", "Acme", "https://acme.com/1", "remotive", now.Add(time.Minute))
	c := posting("Sr. Software Engineer", "Acme", "https://acme.com/2", "adzuna", now)

	out := d.DedupBatch(context.Background(), batchOf(a, b, c))

	if out.RecordCount != 2 {
		t.Fatalf("record count = %d, want 2", out.RecordCount)
	}
	if out.DuplicatesRemoved != 1 {
		t.Errorf("duplicates removed = %d, want 1", out.DuplicatesRemoved)
	}

	byURL := make(map[string]models.Posting, len(out.Entries))
	for _, p := range out.Entries {
		byURL[p.PostingURL] = p
	}
	merged, ok := byURL["https://acme.com/1"]
	if !ok {
		t.Fatal("merged posting missing from output")
	}
	if len(merged.SourceIDs) != 2 {
		t.Errorf("merged source ids = %v, want both sources", merged.SourceIDs)
	}
	if variant, ok := byURL["https://acme.com/2"]; !ok || variant.Title != "Sr. Software Engineer" {
		t.Errorf("seniority variant did not survive: %+v", out.Entries)
	}
}

func TestBucketKeyGroupsByCanonicalPrefix(t *testing.T) {
	a := &models.Posting{Title: "Software Engineer", Company: "Acme"}
	b := &models.Posting{Title: "SOFTWARE   Engineer", Company: "acme"}
	c := &models.Posting{Title: "Sr. Software Engineer", Company: "Acme"}

	if bucketKey(a, 8) != bucketKey(b, 8) {
		t.Errorf("case and spacing changed the bucket: %q vs %q", bucketKey(a, 8), bucketKey(b, 8))
	}
	if bucketKey(a, 8) == bucketKey(c, 8) {
		t.Errorf("titles differing at the front share bucket %q", bucketKey(a, 8))
	}
	if got := bucketKey(a, 100); got != "software engineer acme" {
		t.Errorf("long prefix should keep the whole key, got %q", got)
	}
}

func TestDedupCollapsesNearDuplicates(t *testing.T) {
	d := NewDeduper(dedupConfig(), channel.NewChannels(1, 1, 1, 1), nil)
	now := time.Now().UTC()

	a := posting("Senior Software Engineer", "Acme", "https://a.example/1", "adzuna", now)
	b := posting("Senior Software Engineers", "Acme", "https://b.example/9", "linkedin", now)

	out := d.DedupBatch(context.Background(), batchOf(a, b))

	if out.RecordCount != 1 {
		t.Fatalf("record count = %d, want 1 after similarity merge", out.RecordCount)
	}
	if out.DuplicatesRemoved != 1 {
		t.Errorf("duplicates removed = %d, want 1", out.DuplicatesRemoved)
	}
}

func TestDedupKeepsDistinctTitlesApart(t *testing.T) {
	d := NewDeduper(dedupConfig(), channel.NewChannels(1, 1, 1, 1), nil)
	now := time.Now().UTC()

	a := posting("Senior Software Engineer", "Acme", "https://a.example/1", "adzuna", now)
	b := posting("Senior Staff Accountant", "Acme", "https://a.example/2", "adzuna", now)

	out := d.DedupBatch(context.Background(), batchOf(a, b))
	if out.RecordCount != 2 {
		t.Errorf("distinct postings were merged, record count = %d", out.RecordCount)
	}
}

func TestDedupBackfillsMissingFields(t *testing.T) {
	d := NewDeduper(dedupConfig(), channel.NewChannels(1, 1, 1, 1), nil)
	now := time.Now().UTC()

	min, max := 50000, 70000
	sparse := posting("Data Engineer", "Acme", "https://a.example/1", "adzuna", now.Add(time.Minute))
	rich := posting("Data Engineer", "Acme", "https://b.example/1", "remotive", now)
	rich.Salary = models.Salary{Min: &min, Max: &max, Currency: "EUR"}
	rich.Description = "Build pipelines."
	rich.PostedAt = now.Add(-48 * time.Hour)

	out := d.DedupBatch(context.Background(), batchOf(sparse, rich))

	if out.RecordCount != 1 {
		t.Fatalf("record count = %d, want 1", out.RecordCount)
	}
	got := out.Entries[0]
	if !got.CollectedAt.Equal(sparse.CollectedAt) {
		t.Error("newer member should be canonical")
	}
	if got.Salary.Min == nil || *got.Salary.Min != 50000 {
		t.Errorf("salary not backfilled: %+v", got.Salary)
	}
	if got.Description == "" {
		t.Error("description not backfilled")
	}
	if !got.PostedAt.Equal(rich.PostedAt) {
		t.Error("earliest posting date should survive the merge")
	}
}

func TestDedupIsIdempotent(t *testing.T) {
	d := NewDeduper(dedupConfig(), channel.NewChannels(1, 1, 1, 1), nil)
	now := time.Now().UTC()

	first := d.DedupBatch(context.Background(), batchOf(
		posting("Senior Software Engineer", "Acme", "https://a.example/1", "adzuna", now),
		posting("Senior Software Engineer", "Acme", "https://b.example/1", "remotive", now),
		posting("Marketing Manager", "Globex", "https://a.example/2", "adzuna", now),
	))

	second := d.DedupBatch(context.Background(), first)
	if second.RecordCount != first.RecordCount {
		t.Errorf("second pass changed record count: %d -> %d", first.RecordCount, second.RecordCount)
	}
	if second.DuplicatesRemoved != first.DuplicatesRemoved {
		t.Errorf("second pass removed more duplicates: %d -> %d", first.DuplicatesRemoved, second.DuplicatesRemoved)
	}
}

type memorySeenStore struct {
	mu   sync.Mutex
	keys map[string]bool
}

func newMemorySeenStore() *memorySeenStore {
	return &memorySeenStore{keys: make(map[string]bool)}
}

func (m *memorySeenStore) Seen(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys[key], nil
}

func (m *memorySeenStore) MarkSeen(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		m.keys[k] = true
	}
	return nil
}

func TestDedupDropsPostingsSeenInEarlierRuns(t *testing.T) {
	seen := newMemorySeenStore()
	d := NewDeduper(dedupConfig(), channel.NewChannels(1, 1, 1, 1), seen)
	now := time.Now().UTC()

	first := d.DedupBatch(context.Background(), batchOf(
		posting("Data Engineer", "Acme", "https://a.example/1", "adzuna", now),
	))
	if first.RecordCount != 1 {
		t.Fatalf("fresh posting dropped: %d", first.RecordCount)
	}

	second := d.DedupBatch(context.Background(), batchOf(
		posting("Data Engineer", "Acme", "https://a.example/1", "adzuna", now.Add(time.Hour)),
	))
	if second.RecordCount != 0 {
		t.Errorf("posting from earlier run not dropped, record count = %d", second.RecordCount)
	}
	if second.DuplicatesRemoved != 1 {
		t.Errorf("cross-run duplicate not counted, removed = %d", second.DuplicatesRemoved)
	}
}

func TestSimilarityBounds(t *testing.T) {
	if got := Similarity("Senior Engineer", "senior  engineer"); got != 1 {
		t.Errorf("case and spacing should not matter, got %f", got)
	}
	if got := Similarity("abc", ""); got != 0 {
		t.Errorf("empty string similarity = %f, want 0", got)
	}
	if got := Similarity("Senior Software Engineer", "Senior Software Engineers"); got < 0.9 {
		t.Errorf("one-char difference scored %f", got)
	}
	if got := Similarity("Senior Software Engineer", "Marketing Manager"); got > 0.5 {
		t.Errorf("unrelated titles scored %f", got)
	}
}
