// Package circuitbreaker gates the live poll loop so a failing source is
// left alone for a while instead of being hammered every interval.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/emperorhan/counterwatch/internal/metrics"
)

// ErrCircuitOpen is returned by Allow while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	// Name labels the state gauge; usually the event log source.
	Name             string
	FailureThreshold int           // consecutive failures before opening (default 5)
	SuccessThreshold int           // half-open successes before closing (default 2)
	OpenTimeout      time.Duration // time spent open before probing (default 30s)
	OnStateChange    func(from, to State)
}

type Breaker struct {
	mu               sync.Mutex
	name             string
	state            State
	failures         int
	successes        int
	probeInFlight    bool
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	openedAt         time.Time
	onStateChange    func(from, to State)
	nowFn            func() time.Time
}

func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	b := &Breaker{
		name:             cfg.Name,
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		openTimeout:      cfg.OpenTimeout,
		onStateChange:    cfg.OnStateChange,
		nowFn:            time.Now,
	}
	b.publish()
	return b
}

// Allow reports whether a call may proceed. After OpenTimeout an open breaker
// lets exactly one probe through; further calls are rejected until that probe
// is recorded.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpen()
	switch b.state {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if b.probeInFlight {
			return ErrCircuitOpen
		}
		b.probeInFlight = true
	}
	return nil
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state != StateHalfOpen {
		return
	}
	b.probeInFlight = false
	b.successes++
	if b.successes >= b.successThreshold {
		b.setState(StateClosed)
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.successes = 0
	b.probeInFlight = false
	switch {
	case b.state == StateHalfOpen:
		b.trip()
	case b.state == StateClosed && b.failures >= b.failureThreshold:
		b.trip()
	}
}

// Execute runs fn if the breaker allows it and records the outcome.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

func (b *Breaker) trip() {
	b.openedAt = b.nowFn()
	b.setState(StateOpen)
}

func (b *Breaker) maybeHalfOpen() {
	if b.state == StateOpen && b.nowFn().Sub(b.openedAt) >= b.openTimeout {
		b.setState(StateHalfOpen)
	}
}

func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.successes = 0
	b.probeInFlight = false
	if to == StateClosed {
		b.failures = 0
	}
	b.publish()
	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}

func (b *Breaker) publish() {
	if b.name == "" {
		return
	}
	metrics.CircuitBreakerState.WithLabelValues(b.name).Set(float64(b.state))
}
