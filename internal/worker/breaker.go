package worker

import (
	"sync"
	"time"

	"github.com/fluxline/conductor/model"
)

// BreakerState is the current state of a worker's circuit breaker.
type BreakerState int

const (
	// BreakerClosed allows calls through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the cooldown elapses.
	BreakerOpen
	// BreakerHalfOpen allows probe calls through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker is a per-worker circuit breaker. Consecutive failures trip it
// from Closed to Open; after the cooldown it moves to HalfOpen and a
// run of successes closes it again. Safe for concurrent use.
type Breaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	successes        int
	failureThreshold int
	successThreshold int
	cooldown         time.Duration
	openedAt         time.Time
}

// NewBreaker creates a breaker that opens after failureThreshold
// consecutive failures, stays open for the cooldown, and closes after
// successThreshold consecutive successes in half-open.
func NewBreaker(failureThreshold, successThreshold int, cooldown time.Duration) *Breaker {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if successThreshold < 1 {
		successThreshold = 2
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		state:            BreakerClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		cooldown:         cooldown,
	}
}

// Allow reports whether a call may go through. When the breaker is open
// it returns an UNROUTABLE_EVENT error so the router falls through to
// the worker's fallback chain.
func (b *Breaker) Allow(workerName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		if time.Since(b.openedAt) <= b.cooldown {
			return model.NewUnroutableEventError(
				"worker " + workerName + " circuit breaker open",
			)
		}
		b.state = BreakerHalfOpen
		b.successes = 0
	}
	return nil
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

// RecordFailure records a failed call. Any failure while half-open
// reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.state = BreakerOpen
			b.openedAt = time.Now()
		}
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = time.Now()
		b.successes = 0
	}
}

// State returns the current breaker state, advancing Open to HalfOpen
// when the cooldown has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && time.Since(b.openedAt) > b.cooldown {
		b.state = BreakerHalfOpen
		b.successes = 0
	}
	return b.state
}

// BreakerSet lazily creates one breaker per worker name.
type BreakerSet struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	newFn    func() *Breaker
}

// NewBreakerSet creates a set where each worker's breaker is built by
// the given constructor.
func NewBreakerSet(newFn func() *Breaker) *BreakerSet {
	return &BreakerSet{
		breakers: make(map[string]*Breaker),
		newFn:    newFn,
	}
}

// For returns the breaker for a worker, creating it on first use.
func (s *BreakerSet) For(workerName string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[workerName]
	if !ok {
		b = s.newFn()
		s.breakers[workerName] = b
	}
	return b
}
