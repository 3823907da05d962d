package source

import (
	"context"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"jobflow/config"
)

var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
}

// identityTransport rotates the User-Agent header across requests so a
// source sees varied client identities.
type identityTransport struct {
	agents []string
	base   http.RoundTripper

	mu   sync.Mutex
	next int
}

func (t *identityTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.mu.Lock()
	agent := t.agents[t.next%len(t.agents)]
	t.next++
	t.mu.Unlock()

	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", agent)
	return t.base.RoundTrip(req)
}

// NewHTTPClient builds the shared HTTP client for one source: request
// timeout plus rotating user agents from the source config.
func NewHTTPClient(sc config.SourceConfig, timeout time.Duration) *http.Client {
	agents := sc.UserAgents
	if len(agents) == 0 {
		agents = defaultUserAgents
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &identityTransport{
			agents: agents,
			base:   http.DefaultTransport,
		},
	}
}

// Pacer enforces the configured delay bounds between consecutive
// requests to one source, jittered uniformly between min and max.
type Pacer struct {
	min, max time.Duration
	rng      *rand.Rand
	mu       sync.Mutex
}

func NewPacer(sc config.SourceConfig) *Pacer {
	min := sc.MinDelay
	max := sc.MaxDelay
	if max < min {
		max = min
	}
	return &Pacer{
		min: min,
		max: max,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Wait sleeps for a jittered delay or returns early on cancellation.
func (p *Pacer) Wait(ctx context.Context) error {
	if p.max <= 0 {
		return ctx.Err()
	}
	d := p.min
	if span := p.max - p.min; span > 0 {
		p.mu.Lock()
		d += time.Duration(p.rng.Int63n(int64(span)))
		p.mu.Unlock()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
