// Package health tracks per-source failure state with a circuit-breaker
// state machine. The orchestrator consults it before and after every
// adapter invocation so one misbehaving source cannot monopolize the
// retry budget or trigger source-side escalation.
package health

import (
	"sync"
	"time"

	"jobflow/config"
	"jobflow/logger"
	"jobflow/models"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// SourceHealth is a point-in-time view of one source's breaker.
type SourceHealth struct {
	Source              string
	State               State
	ConsecutiveFailures int
	LastFailureAt       time.Time
	LastSuccessAt       time.Time
	Cooldown            time.Duration
}

// entry owns the mutable state for one source. Each entry carries its
// own lock: sources never contend with each other.
type entry struct {
	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	lastFailureAt       time.Time
	lastSuccessAt       time.Time
	openedAt            time.Time
	cooldown            time.Duration
	probing             bool
}

// Registry holds one perpetual breaker per source. The sources map is
// fixed at construction; only the per-entry state mutates afterwards.
type Registry struct {
	cfg     config.CircuitBreakerConfig
	entries map[string]*entry
	log     *logger.Log
	now     func() time.Time
}

func NewRegistry(cfg config.CircuitBreakerConfig, sources []string) *Registry {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = time.Hour
	}

	entries := make(map[string]*entry, len(sources))
	for _, s := range sources {
		entries[s] = &entry{state: StateClosed, cooldown: cfg.Cooldown}
	}

	return &Registry{
		cfg:     cfg,
		entries: entries,
		log:     logger.GetLogger(),
		now:     time.Now,
	}
}

// Allow reports whether a request to source may proceed. An Open breaker
// whose cooldown has elapsed moves to HalfOpen and admits exactly one
// probe request.
func (r *Registry) Allow(source string) bool {
	e, ok := r.entries[source]
	if !ok {
		return true
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateClosed:
		return true
	case StateOpen:
		if r.now().Sub(e.openedAt) >= e.cooldown {
			e.state = StateHalfOpen
			e.probing = true
			r.log.WithComponent("health").WithFields(logger.Fields{
				"source": source,
				"state":  string(StateHalfOpen),
			}).Info("cooldown elapsed, allowing probe request")
			return true
		}
		return false
	case StateHalfOpen:
		// One probe at a time.
		if e.probing {
			return false
		}
		e.probing = true
		return true
	}
	return true
}

// ReportSuccess records a successful request. A HalfOpen breaker closes
// and its cooldown resets to the base value.
func (r *Registry) ReportSuccess(source string) {
	e, ok := r.entries[source]
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.state
	e.consecutiveFailures = 0
	e.lastSuccessAt = r.now()
	e.probing = false
	e.state = StateClosed
	e.cooldown = r.cfg.Cooldown

	if prev != StateClosed {
		r.log.WithComponent("health").WithFields(logger.Fields{
			"source": source,
			"from":   string(prev),
			"state":  string(StateClosed),
		}).Info("source recovered")
	}
}

// ReportFailure records a Blocked or Transient failure. Crossing the
// threshold in Closed opens the breaker; a failed HalfOpen probe
// re-opens it with a doubled, capped cooldown.
func (r *Registry) ReportFailure(source string, kind models.ErrorKind) {
	if kind != models.ErrKindBlocked && kind != models.ErrKindTransient {
		return
	}

	e, ok := r.entries[source]
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.consecutiveFailures++
	e.lastFailureAt = r.now()

	switch e.state {
	case StateClosed:
		// An anti-automation response opens the circuit at once; network
		// failures have to accumulate to the threshold first.
		if kind == models.ErrKindBlocked || e.consecutiveFailures >= r.cfg.FailureThreshold {
			r.open(source, e)
		}
	case StateHalfOpen:
		e.probing = false
		e.cooldown *= 2
		if e.cooldown > r.cfg.MaxCooldown {
			e.cooldown = r.cfg.MaxCooldown
		}
		r.open(source, e)
	}
}

// open transitions to Open; caller holds e.mu.
func (r *Registry) open(source string, e *entry) {
	e.state = StateOpen
	e.openedAt = r.now()
	r.log.WithComponent("health").WithFields(logger.Fields{
		"source":               source,
		"state":                string(StateOpen),
		"consecutive_failures": e.consecutiveFailures,
		"cooldown":             e.cooldown.String(),
	}).Warn("circuit opened, suppressing requests")
}

// Health returns a snapshot for one source.
func (r *Registry) Health(source string) (SourceHealth, bool) {
	e, ok := r.entries[source]
	if !ok {
		return SourceHealth{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return SourceHealth{
		Source:              source,
		State:               e.state,
		ConsecutiveFailures: e.consecutiveFailures,
		LastFailureAt:       e.lastFailureAt,
		LastSuccessAt:       e.lastSuccessAt,
		Cooldown:            e.cooldown,
	}, true
}

// Snapshot returns the health of every registered source.
func (r *Registry) Snapshot() []SourceHealth {
	out := make([]SourceHealth, 0, len(r.entries))
	for s := range r.entries {
		if h, ok := r.Health(s); ok {
			out = append(out, h)
		}
	}
	return out
}

// SetClock overrides the registry clock, for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}
