package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	appconfig "jobflow/config"
	"jobflow/models"
)

func TestSchedulerFiresInitialRun(t *testing.T) {
	cfg := &appconfig.Config{}
	cfg.Schedule.IntervalHours = 6
	cfg.Request.QueryTerms = []string{"software engineer"}

	done := make(chan models.CollectionRequest, 1)
	s := New(cfg, func(ctx context.Context, req models.CollectionRequest) {
		done <- req
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	select {
	case req := <-done:
		if len(req.QueryTerms) != 1 || req.QueryTerms[0] != "software engineer" {
			t.Errorf("unexpected request: %+v", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("initial run never fired")
	}
}

func TestSchedulerSkipsOverlappingRuns(t *testing.T) {
	cfg := &appconfig.Config{}
	cfg.Schedule.IntervalHours = 6

	var mu sync.Mutex
	runs := 0
	block := make(chan struct{})
	s := New(cfg, func(ctx context.Context, req models.CollectionRequest) {
		mu.Lock()
		runs++
		mu.Unlock()
		<-block
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	// Wait for the initial trigger to be mid-run, then trigger again.
	time.Sleep(100 * time.Millisecond)
	s.trigger()
	s.trigger()

	mu.Lock()
	got := runs
	mu.Unlock()
	if got != 1 {
		t.Errorf("overlapping triggers ran %d times, want 1", got)
	}

	close(block)
}
