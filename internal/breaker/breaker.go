// Package breaker implements the per-tenant circuit breaker (C2) that
// gates primary-vs-fallback routing.
//
// Grounded on routing/routing.go's FailoverState (a failure counter and
// a reset deadline), extended with a HALF_OPEN state and a
// trialInFlight gate so only one HALF_OPEN probe is in flight per key
// at a time, per spec §4.2's "single trial" requirement.
package breaker

import (
	"sync"
	"time"

	"github.com/sergeybar/ak-gateway/internal/clock"
)

// State is one of the three breaker states.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

type entry struct {
	mu            sync.Mutex
	state         State
	window        []time.Time
	openedAt      time.Time
	trialInFlight bool
}

// Breaker tracks one FailoverState per tenant key (access key id).
type Breaker struct {
	clock            clock.Clock
	failureThreshold int
	failureWindow    time.Duration
	resetTimeout     time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

func New(clk clock.Clock, failureThreshold int, failureWindow, resetTimeout time.Duration) *Breaker {
	return &Breaker{
		clock:            clk,
		failureThreshold: failureThreshold,
		failureWindow:    failureWindow,
		resetTimeout:     resetTimeout,
		entries:          make(map[string]*entry),
	}
}

func (b *Breaker) entryFor(key string) *entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		e = &entry{state: Closed}
		b.entries[key] = e
	}
	return e
}

// Allow reports whether the primary provider may be tried for key, and
// whether this call constitutes the HALF_OPEN trial (the caller must
// call RecordResult exactly once if allowed==true && trial==true).
func (b *Breaker) Allow(key string) (allowed bool, trial bool) {
	e := b.entryFor(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case Closed:
		return true, false
	case Open:
		if b.clock.Now().Sub(e.openedAt) >= b.resetTimeout {
			e.state = HalfOpen
			e.trialInFlight = true
			return true, true
		}
		return false, false
	case HalfOpen:
		if e.trialInFlight {
			return false, false
		}
		e.trialInFlight = true
		return true, true
	default:
		return true, false
	}
}

// RecordResult reports the outcome of an allowed attempt. counted must
// be true only for the error kinds named in spec §4.2 (server_error,
// timeout, network_error, bedrock_unavailable) or for a clean success.
func (b *Breaker) RecordResult(key string, success bool, counted bool) {
	e := b.entryFor(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := b.clock.Now()

	if e.state == HalfOpen {
		e.trialInFlight = false
		if success {
			e.state = Closed
			e.window = nil
			return
		}
		if counted {
			e.state = Open
			e.openedAt = now
		}
		return
	}

	if success {
		e.window = nil
		return
	}
	if !counted {
		return
	}

	e.window = append(e.window, now)
	kept := e.window[:0]
	for _, ts := range e.window {
		if now.Sub(ts) <= b.failureWindow {
			kept = append(kept, ts)
		}
	}
	e.window = kept

	if len(e.window) >= b.failureThreshold {
		e.state = Open
		e.openedAt = now
	}
}

// CurrentState returns the current state for a key, for /health/detail
// and tests. Defaults to Closed for an unseen key.
func (b *Breaker) CurrentState(key string) State {
	e := b.entryFor(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}
