// Package circuitbreaker shields the result cache from a failing Redis
// backend. A run of consecutive failures trips the breaker, calls are
// rejected while it cools down, and a bounded set of probe calls decides
// whether it closes again.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	// ErrOpen rejects calls while the breaker cools down.
	ErrOpen = errors.New("circuit breaker open")
	// ErrProbeLimit rejects calls beyond the half-open probe budget.
	ErrProbeLimit = errors.New("circuit breaker probe limit reached")
)

// Config tunes one breaker.
type Config struct {
	FailureThreshold uint32        // consecutive failures that trip the breaker
	Cooldown         time.Duration // open time before probing resumes
	ProbeBudget      uint32        // calls admitted while half-open
	ProbeSuccesses   uint32        // successful probes needed to close
	ResetInterval    time.Duration // closed-state interval after which failure counts reset
	OnStateChange    func(name string, from, to State)
}

// Breaker is a three-state circuit breaker. Safe for concurrent use.
type Breaker struct {
	name   string
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	state     State
	gen       uint64
	failures  uint32
	successes uint32
	admitted  uint32
	deadline  time.Time
}

// New creates a breaker in the closed state.
func New(name string, cfg Config, logger *zap.Logger) *Breaker {
	return &Breaker{
		name:     name,
		cfg:      cfg,
		logger:   logger,
		deadline: time.Now().Add(cfg.ResetInterval),
	}
}

// Execute runs fn unless the breaker rejects the call. A panic in fn
// counts as a failure and is re-raised.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	gen, err := b.admit()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.settle(gen, false)
			panic(r)
		}
	}()

	err = fn()
	b.settle(gen, err == nil)
	return err
}

// State returns the breaker position, advancing open to half-open once
// the cooldown elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh(time.Now())
	return b.state
}

func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refresh(time.Now())

	switch b.state {
	case StateOpen:
		return b.gen, ErrOpen
	case StateHalfOpen:
		if b.admitted >= b.cfg.ProbeBudget {
			return b.gen, ErrProbeLimit
		}
	}
	b.admitted++
	return b.gen, nil
}

// settle records the outcome of an admitted call. Outcomes from before
// the last state change are stale and discarded.
func (b *Breaker) settle(gen uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.refresh(now)
	if gen != b.gen {
		return
	}

	switch {
	case success && b.state == StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.ProbeSuccesses {
			b.transition(StateClosed, now)
		}
	case success:
		b.failures = 0
	case b.state == StateHalfOpen:
		b.transition(StateOpen, now)
	default:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(StateOpen, now)
		}
	}
}

// refresh applies time-based movement: an expired cooldown admits probes
// again, and a closed breaker periodically forgets old failures.
func (b *Breaker) refresh(now time.Time) {
	switch b.state {
	case StateOpen:
		if now.After(b.deadline) {
			b.transition(StateHalfOpen, now)
		}
	case StateClosed:
		if b.cfg.ResetInterval > 0 && now.After(b.deadline) {
			b.gen++
			b.failures = 0
			b.deadline = now.Add(b.cfg.ResetInterval)
		}
	}
}

func (b *Breaker) transition(to State, now time.Time) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.gen++
	b.failures = 0
	b.successes = 0
	b.admitted = 0

	switch to {
	case StateOpen:
		b.deadline = now.Add(b.cfg.Cooldown)
	case StateClosed:
		b.deadline = now.Add(b.cfg.ResetInterval)
	default:
		b.deadline = time.Time{}
	}

	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
	b.logger.Info("Circuit breaker state changed",
		zap.String("name", b.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}
