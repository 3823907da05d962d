package processor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	appconfig "jobflow/config"
	"jobflow/internal/channel"
	"jobflow/models"
	"jobflow/source"
)

type stubAdapter struct{ name string }

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) Search(ctx context.Context, q source.Query, page int) ([]models.RawListing, error) {
	return nil, models.Exhausted(s.name)
}

func (s *stubAdapter) Decode(raw models.RawListing) ([]models.ExtractedPosting, error) {
	var ep models.ExtractedPosting
	if err := json.Unmarshal(raw.Payload, &ep); err != nil {
		return nil, models.ParseFailure(s.name, err)
	}
	ep.SourceID = s.name
	ep.FetchedAt = raw.FetchedAt
	return []models.ExtractedPosting{ep}, nil
}

func extractorConfig() *appconfig.Config {
	cfg := &appconfig.Config{}
	cfg.Processor.MaxWorkers = 1
	cfg.Processor.BatchSize = 2
	cfg.Processor.BatchTimeout = time.Hour
	return cfg
}

func rawFor(t *testing.T, sourceID, title, url string) models.RawListing {
	t.Helper()
	payload, err := json.Marshal(models.ExtractedPosting{
		PostingURL:   url,
		Title:        title,
		Company:      "Acme",
		LocationText: "Berlin, Germany",
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return models.RawListing{
		SourceID:  sourceID,
		SourceURL: url,
		FetchedAt: time.Now().UTC(),
		Payload:   payload,
	}
}

func TestExtractorBatchesNormalizedPostings(t *testing.T) {
	cfg := extractorConfig()
	ch := channel.NewChannels(10, 10, 10, 10)
	adapter := &stubAdapter{name: "stub"}

	ex := NewExtractor(cfg, ch, []source.Adapter{adapter})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ex.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	ch.Raw <- rawFor(t, "stub", "Backend Engineer", "https://a.example/1")
	ch.Raw <- rawFor(t, "stub", "Data Engineer", "https://a.example/2")

	select {
	case batch := <-ch.Norm:
		if batch.RecordCount != 2 {
			t.Errorf("record count = %d, want 2", batch.RecordCount)
		}
		for _, p := range batch.Entries {
			if p.Fingerprint == "" {
				t.Error("normalized posting missing fingerprint")
			}
			if p.Location.City != "Berlin" {
				t.Errorf("location not normalized: %+v", p.Location)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("batch never flushed")
	}

	cancel()
	ex.Stop()
}

func TestExtractorReportsPendingUntilTailBatchFlushes(t *testing.T) {
	cfg := extractorConfig()
	cfg.Processor.BatchTimeout = 100 * time.Millisecond
	ch := channel.NewChannels(10, 10, 10, 10)

	ex := NewExtractor(cfg, ch, []source.Adapter{&stubAdapter{name: "stub"}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ex.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	// One posting below BatchSize stays buffered in the extractor even
	// though every channel reads empty.
	ch.Raw <- rawFor(t, "stub", "Backend Engineer", "https://a.example/1")

	deadline := time.After(2 * time.Second)
	for ex.Pending() != 1 {
		select {
		case <-deadline:
			t.Fatalf("pending = %d, want 1 while tail batch is buffered", ex.Pending())
		case <-time.After(10 * time.Millisecond):
		}
	}
	if len(ch.Norm) != 0 {
		t.Fatal("tail batch flushed before its timeout")
	}

	select {
	case batch := <-ch.Norm:
		if batch.RecordCount != 1 {
			t.Errorf("record count = %d, want 1", batch.RecordCount)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("tail batch never flushed on timeout")
	}
	if ex.Pending() != 0 {
		t.Errorf("pending = %d after flush, want 0", ex.Pending())
	}

	cancel()
	ex.Stop()
}

func TestExtractorRoutesParseFailuresToErrorSink(t *testing.T) {
	cfg := extractorConfig()
	ch := channel.NewChannels(10, 10, 10, 10)
	adapter := &stubAdapter{name: "stub"}

	ex := NewExtractor(cfg, ch, []source.Adapter{adapter})
	run := models.NewBatchRun("run-1", 1)
	ex.SetRun(run)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ex.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	bad := models.RawListing{SourceID: "stub", SourceURL: "https://a.example/bad", Payload: []byte("{not json")}
	ch.Raw <- bad

	select {
	case failed := <-ch.Errors:
		if failed.SourceURL != bad.SourceURL {
			t.Errorf("wrong listing in error sink: %+v", failed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("parse failure never reached the error sink")
	}

	_, _, _, errs := run.Snapshot()
	if errs[models.ErrKindParseFailure] != 1 {
		t.Errorf("parse failure not counted on run: %v", errs)
	}

	cancel()
	ex.Stop()
}

func TestExtractorUnknownSourceGoesToErrorSink(t *testing.T) {
	cfg := extractorConfig()
	ch := channel.NewChannels(10, 10, 10, 10)

	ex := NewExtractor(cfg, ch, []source.Adapter{&stubAdapter{name: "stub"}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ex.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	ch.Raw <- models.RawListing{SourceID: "mystery", SourceURL: "https://a.example/z", Payload: []byte("{}")}

	select {
	case failed := <-ch.Errors:
		if failed.SourceID != "mystery" {
			t.Errorf("wrong listing in error sink: %+v", failed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("unknown-source listing never reached the error sink")
	}

	cancel()
	ex.Stop()
}
