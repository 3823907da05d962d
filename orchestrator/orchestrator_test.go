package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	appconfig "jobflow/config"
	"jobflow/health"
	"jobflow/internal/channel"
	"jobflow/models"
	"jobflow/source"
)

type fakeAdapter struct {
	name string

	mu    sync.Mutex
	calls int
	// search is invoked with the page number and the 1-based call count.
	search func(page, call int) ([]models.RawListing, error)
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Search(ctx context.Context, q source.Query, page int) ([]models.RawListing, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	return f.search(page, call)
}

func (f *fakeAdapter) Decode(raw models.RawListing) ([]models.ExtractedPosting, error) {
	return nil, nil
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func listings(name string, n int) []models.RawListing {
	out := make([]models.RawListing, n)
	for i := range out {
		payload, _ := json.Marshal(map[string]int{"n": i})
		out[i] = models.RawListing{
			SourceID:  name,
			SourceURL: fmt.Sprintf("https://%s.example/%d", name, i),
			FetchedAt: time.Now().UTC(),
			Payload:   payload,
		}
	}
	return out
}

func testConfig(names ...string) *appconfig.Config {
	cfg := &appconfig.Config{}
	cfg.Collector.MaxConcurrency = 4
	cfg.Collector.RequestTimeout = time.Second
	cfg.Collector.Retry.MaxAttempts = 3
	cfg.Collector.Retry.BaseDelay = time.Millisecond
	cfg.Collector.Retry.MaxDelay = 5 * time.Millisecond
	cfg.Collector.Retry.BackoffMultiplier = 2
	cfg.Sources = make(map[string]appconfig.SourceConfig)
	for _, n := range names {
		cfg.Sources[n] = appconfig.SourceConfig{
			Enabled:   true,
			RateLimit: appconfig.RateLimit{RequestsPerSecond: 1000, BurstSize: 100},
		}
	}
	return cfg
}

func newTestRegistry(cfg *appconfig.Config, names []string) *health.Registry {
	cfg.Collector.CircuitBreaker.FailureThreshold = 5
	cfg.Collector.CircuitBreaker.Cooldown = time.Hour
	cfg.Collector.CircuitBreaker.MaxCooldown = time.Hour
	return health.NewRegistry(cfg.Collector.CircuitBreaker, names)
}

func drainRaw(ch *channel.Channels) func() int {
	var mu sync.Mutex
	count := 0
	done := make(chan struct{})
	go func() {
		for range ch.Raw {
			mu.Lock()
			count++
			mu.Unlock()
		}
		close(done)
	}()
	return func() int {
		close(ch.Raw)
		<-done
		mu.Lock()
		defer mu.Unlock()
		return count
	}
}

func outcomeFor(run *models.BatchRun, name string) (models.SourceOutcome, bool) {
	for _, o := range run.Outcomes {
		if o.Source == name {
			return o, true
		}
	}
	return models.SourceOutcome{}, false
}

func TestCollectIsolatesBlockedSource(t *testing.T) {
	names := []string{"healthy", "hostile"}
	cfg := testConfig(names...)
	registry := newTestRegistry(cfg, names)
	ch := channel.NewChannels(200, 10, 10, 10)
	finish := drainRaw(ch)

	healthy := &fakeAdapter{name: "healthy", search: func(page, call int) ([]models.RawListing, error) {
		if page > 1 {
			return nil, models.Exhausted("healthy")
		}
		return listings("healthy", 5), nil
	}}
	hostile := &fakeAdapter{name: "hostile", search: func(page, call int) ([]models.RawListing, error) {
		return nil, models.Blocked("hostile", fmt.Errorf("403 forbidden"))
	}}

	o := New(cfg, []source.Adapter{healthy, hostile}, registry, ch)
	run := o.Collect(context.Background(), models.CollectionRequest{Sources: names})

	if got := finish(); got != 5 {
		t.Errorf("raw channel received %d listings, want 5", got)
	}
	if run.PostingsCollected != 5 {
		t.Errorf("collected = %d, want 5", run.PostingsCollected)
	}
	hostileOut, ok := outcomeFor(run, "hostile")
	if !ok || hostileOut.FailureKind != models.ErrKindBlocked {
		t.Errorf("hostile outcome = %+v, want blocked failure", hostileOut)
	}
	if h, _ := registry.Health("hostile"); h.State != health.StateOpen {
		t.Errorf("hostile circuit = %v, want open", h.State)
	}
	if h, _ := registry.Health("healthy"); h.State != health.StateClosed {
		t.Errorf("healthy circuit = %v, want closed", h.State)
	}
}

func TestCollectRetriesTransientFailures(t *testing.T) {
	names := []string{"flaky"}
	cfg := testConfig(names...)
	registry := newTestRegistry(cfg, names)
	ch := channel.NewChannels(200, 10, 10, 10)
	finish := drainRaw(ch)

	flaky := &fakeAdapter{name: "flaky", search: func(page, call int) ([]models.RawListing, error) {
		if call <= 2 {
			return nil, models.Transient("flaky", fmt.Errorf("503"))
		}
		if page > 1 {
			return nil, models.Exhausted("flaky")
		}
		return listings("flaky", 3), nil
	}}

	o := New(cfg, []source.Adapter{flaky}, registry, ch)
	run := o.Collect(context.Background(), models.CollectionRequest{Sources: names})

	if got := finish(); got != 3 {
		t.Errorf("raw channel received %d listings, want 3", got)
	}
	out, _ := outcomeFor(run, "flaky")
	if out.Retries != 2 {
		t.Errorf("retries = %d, want 2", out.Retries)
	}
	if out.FailureKind != "" {
		t.Errorf("recovered source should carry no failure kind, got %q", out.FailureKind)
	}
}

func TestCollectGivesUpAfterMaxAttempts(t *testing.T) {
	names := []string{"down"}
	cfg := testConfig(names...)
	registry := newTestRegistry(cfg, names)
	ch := channel.NewChannels(10, 10, 10, 10)
	finish := drainRaw(ch)

	down := &fakeAdapter{name: "down", search: func(page, call int) ([]models.RawListing, error) {
		return nil, models.Transient("down", fmt.Errorf("connection reset"))
	}}

	o := New(cfg, []source.Adapter{down}, registry, ch)
	run := o.Collect(context.Background(), models.CollectionRequest{Sources: names})

	if got := finish(); got != 0 {
		t.Errorf("raw channel received %d listings, want 0", got)
	}
	if down.callCount() != 3 {
		t.Errorf("adapter called %d times, want 3", down.callCount())
	}
	out, _ := outcomeFor(run, "down")
	if out.FailureKind != models.ErrKindTransient {
		t.Errorf("failure kind = %q, want transient", out.FailureKind)
	}
	if run.ErrorsByCategory[models.ErrKindTransient] == 0 {
		t.Error("transient failure not counted on the run")
	}
}

func TestCollectSkipsOpenCircuitWithoutCalling(t *testing.T) {
	names := []string{"tripped"}
	cfg := testConfig(names...)
	registry := newTestRegistry(cfg, names)
	for i := 0; i < 5; i++ {
		registry.ReportFailure("tripped", models.ErrKindTransient)
	}
	ch := channel.NewChannels(10, 10, 10, 10)
	finish := drainRaw(ch)

	tripped := &fakeAdapter{name: "tripped", search: func(page, call int) ([]models.RawListing, error) {
		return listings("tripped", 1), nil
	}}

	o := New(cfg, []source.Adapter{tripped}, registry, ch)
	run := o.Collect(context.Background(), models.CollectionRequest{Sources: names})
	finish()

	if tripped.callCount() != 0 {
		t.Errorf("open circuit still reached the adapter %d times", tripped.callCount())
	}
	out, _ := outcomeFor(run, "tripped")
	if !out.Skipped {
		t.Error("outcome should be marked skipped")
	}
}

func TestCollectHonorsMaxResults(t *testing.T) {
	names := []string{"endless"}
	cfg := testConfig(names...)
	registry := newTestRegistry(cfg, names)
	ch := channel.NewChannels(200, 10, 10, 10)
	finish := drainRaw(ch)

	endless := &fakeAdapter{name: "endless", search: func(page, call int) ([]models.RawListing, error) {
		return listings("endless", 10), nil
	}}

	o := New(cfg, []source.Adapter{endless}, registry, ch)
	run := o.Collect(context.Background(), models.CollectionRequest{Sources: names, MaxResults: 15})

	if got := finish(); got != 15 {
		t.Errorf("raw channel received %d listings, want 15", got)
	}
	if run.PostingsCollected != 15 {
		t.Errorf("collected = %d, want 15", run.PostingsCollected)
	}
	out, _ := outcomeFor(run, "endless")
	if out.Pages != 2 {
		t.Errorf("pages = %d, want 2", out.Pages)
	}
}

func TestCollectCancellationFinalizesPartialRun(t *testing.T) {
	names := []string{"slow"}
	cfg := testConfig(names...)
	registry := newTestRegistry(cfg, names)
	ch := channel.NewChannels(200, 10, 10, 10)
	finish := drainRaw(ch)

	ctx, cancel := context.WithCancel(context.Background())
	slow := &fakeAdapter{name: "slow", search: func(page, call int) ([]models.RawListing, error) {
		if page >= 2 {
			cancel()
		}
		return listings("slow", 2), nil
	}}

	o := New(cfg, []source.Adapter{slow}, registry, ch)
	run := o.Collect(ctx, models.CollectionRequest{Sources: names})
	finish()

	if run.EndedAt.IsZero() {
		t.Error("cancelled run was not finalized")
	}
	if run.PostingsCollected == 0 {
		t.Error("partial results should be preserved on cancellation")
	}
}
