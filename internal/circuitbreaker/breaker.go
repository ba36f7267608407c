// Package circuitbreaker guards calls to mobile money providers with a
// per-provider closed → open → half-open breaker.
package circuitbreaker

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State is a breaker position.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls are rejected
	StateHalfOpen              // one probe call is in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "homesettle",
	Subsystem: "provider_breaker",
	Name:      "state_transitions_total",
	Help:      "Provider circuit breaker transitions by provider, from-state, and to-state.",
}, []string{"provider", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(transitions)
}

type entry struct {
	state       State
	failures    int
	lastFailure time.Time
	probeAt     time.Time
}

// Breaker tracks consecutive failures per provider code. After threshold
// failures the provider is cut off for cooldown, then a single probe is let
// through to decide whether to close again.
type Breaker struct {
	mu        sync.Mutex
	entries   map[string]*entry
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// New creates a breaker. Non-positive arguments fall back to 5 failures and
// a 30 second cooldown.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		entries:   make(map[string]*entry),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
	return b
}

// Allow reports whether a call to provider may proceed.
func (b *Breaker) Allow(provider string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[provider]
	if !ok {
		return true
	}

	now := b.now()
	switch e.state {
	case StateOpen:
		if now.Sub(e.lastFailure) >= b.cooldown {
			b.transition(e, provider, StateHalfOpen)
			e.probeAt = now
			return true
		}
		return false
	case StateHalfOpen:
		// A probe that never reported back is replaced after a cooldown.
		if now.Sub(e.probeAt) >= b.cooldown {
			e.probeAt = now
			return true
		}
		return false
	default:
		return true
	}
}

// Blocked reports whether Allow would currently refuse provider, without
// starting a probe.
func (b *Breaker) Blocked(provider string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[provider]
	if !ok {
		return false
	}
	now := b.now()
	switch e.state {
	case StateOpen:
		return now.Sub(e.lastFailure) < b.cooldown
	case StateHalfOpen:
		return now.Sub(e.probeAt) < b.cooldown
	default:
		return false
	}
}

// RecordSuccess resets the failure count and closes a half-open breaker.
func (b *Breaker) RecordSuccess(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[provider]
	if !ok {
		return
	}
	if e.state == StateHalfOpen {
		b.transition(e, provider, StateClosed)
	}
	e.failures = 0
}

// RecordFailure counts a failed call and opens the breaker at the threshold.
// A failed half-open probe reopens immediately.
func (b *Breaker) RecordFailure(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[provider]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[provider] = e
	}

	e.failures++
	e.lastFailure = b.now()

	switch {
	case e.state == StateHalfOpen:
		b.transition(e, provider, StateOpen)
	case e.state == StateClosed && e.failures >= b.threshold:
		b.transition(e, provider, StateOpen)
	}
}

// State returns the breaker position for provider.
func (b *Breaker) State(provider string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.entries[provider]; ok {
		return e.state
	}
	return StateClosed
}

// Tripped lists providers whose breaker is not closed, sorted.
func (b *Breaker) Tripped() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []string
	for k, e := range b.entries {
		if e.state != StateClosed {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// caller holds b.mu
func (b *Breaker) transition(e *entry, provider string, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	transitions.WithLabelValues(provider, from.String(), to.String()).Inc()
}
