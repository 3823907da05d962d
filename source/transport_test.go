package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"jobflow/config"
)

func TestIdentityTransportRotatesAgents(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Header.Get("User-Agent"))
	}))
	defer srv.Close()

	cfg := config.SourceConfig{UserAgents: []string{"agent-a", "agent-b"}}
	client := NewHTTPClient(cfg, 5*time.Second)

	for i := 0; i < 3; i++ {
		resp, err := client.Get(srv.URL)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		resp.Body.Close()
	}

	want := []string{"agent-a", "agent-b", "agent-a"}
	for i, agent := range want {
		if seen[i] != agent {
			t.Errorf("request %d agent = %q, want %q", i, seen[i], agent)
		}
	}
}

func TestPacerRespectsCancellation(t *testing.T) {
	p := NewPacer(config.SourceConfig{MinDelay: time.Minute, MaxDelay: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Wait(ctx); err == nil {
		t.Error("expected error from cancelled context")
	}
}

func TestPacerZeroDelayReturnsImmediately(t *testing.T) {
	p := NewPacer(config.SourceConfig{})
	start := time.Now()
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("zero-delay pacer should not sleep")
	}
}

func TestPacerStaysWithinBounds(t *testing.T) {
	p := NewPacer(config.SourceConfig{MinDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})
	start := time.Now()
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < time.Millisecond {
		t.Errorf("pacer returned too early: %v", elapsed)
	}
}
