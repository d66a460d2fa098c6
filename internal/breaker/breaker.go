// Package breaker isolates calls to flaky collaborators behind per-collaborator
// circuit breakers.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"quizchain-service/internal/metrics"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"
)

// State of a breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func stateOf(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return Open
	case gobreaker.StateHalfOpen:
		return HalfOpen
	}
	return Closed
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	// ErrOpen is returned without calling the collaborator while the breaker is open
	// or while a half-open trial call is already in flight.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrTimeout is returned when a call exceeds the breaker's call timeout.
	ErrTimeout = errors.New("circuit breaker call timed out")

	// errCallerGone marks a call abandoned because the caller's context ended.
	errCallerGone = errors.New("caller went away")
)

// DefaultCooldown applies when a config leaves Cooldown unset.
const DefaultCooldown = 30 * time.Second

// Config is the per-collaborator tuning.
type Config struct {
	Name             string
	FailureThreshold int
	Cooldown         time.Duration
	CallTimeout      time.Duration
}

// Stats are cumulative counters since construction.
type Stats struct {
	TotalRequests uint64 `json:"totalRequests"`
	Successes     uint64 `json:"successfulRequests"`
	Failures      uint64 `json:"failedRequests"`
	Timeouts      uint64 `json:"timeouts"`
	Rejected      uint64 `json:"rejectedRequests"`
	TimesOpened   uint64 `json:"circuitOpened"`
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name                string    `json:"name"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	NextAttempt         time.Time `json:"nextAttempt,omitempty"`
	Stats               Stats     `json:"stats"`
}

// Breaker guards one collaborator. The state machine is gobreaker's; Breaker adds
// the per-call timeout, cumulative stats and a manual reset.
type Breaker struct {
	cfg Config
	cb  atomic.Pointer[gobreaker.CircuitBreaker[struct{}]]

	mu          sync.Mutex
	stats       Stats
	nextAttempt time.Time
}

// New builds a closed breaker.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	b := &Breaker{cfg: cfg}
	b.cb.Store(b.newCircuit())
	metrics.BreakerState.WithLabelValues(cfg.Name).Set(float64(Closed))
	return b
}

func (b *Breaker) newCircuit() *gobreaker.CircuitBreaker[struct{}] {
	threshold := uint32(b.cfg.FailureThreshold)
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        b.cfg.Name,
		MaxRequests: 1,
		Timeout:     b.cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errCallerGone)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.onStateChange(stateOf(from), stateOf(to))
		},
	})
}

// Name returns the collaborator name.
func (b *Breaker) Name() string { return b.cfg.Name }

// Execute runs fn under the breaker. A non-nil error from fn or a timeout counts as
// a failure; cancellation of ctx by the caller does not.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.count(func(s *Stats) { s.TotalRequests++ })

	_, err := b.cb.Load().Execute(func() (struct{}, error) {
		return struct{}{}, b.call(ctx, fn)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		b.count(func(s *Stats) { s.Rejected++ })
		return fmt.Errorf("%s: %w", b.cfg.Name, ErrOpen)
	case errors.Is(err, errCallerGone):
		return ctx.Err()
	}
	return err
}

// call runs fn with the call timeout and tallies the outcome.
func (b *Breaker) call(ctx context.Context, fn func(context.Context) error) error {
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if b.cfg.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(callCtx) }()

	var err error
	returned := false
	select {
	case err = <-done:
		returned = true
	case <-callCtx.Done():
	}
	switch {
	case returned && err == nil:
		b.count(func(s *Stats) { s.Successes++ })
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %w", errCallerGone, ctx.Err())
	case callCtx.Err() != nil:
		b.count(func(s *Stats) { s.Failures++; s.Timeouts++ })
		return fmt.Errorf("%s: %w", b.cfg.Name, ErrTimeout)
	}
	b.count(func(s *Stats) { s.Failures++ })
	return err
}

// Do runs fn under b and returns its value.
func Do[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// State returns the current state.
func (b *Breaker) State() State {
	return stateOf(b.cb.Load().State())
}

// Snapshot returns state and stats.
func (b *Breaker) Snapshot() Snapshot {
	cb := b.cb.Load()
	state := stateOf(cb.State())
	counts := cb.Counts()

	b.mu.Lock()
	defer b.mu.Unlock()
	snap := Snapshot{
		Name:                b.cfg.Name,
		State:               state,
		ConsecutiveFailures: int(counts.ConsecutiveFailures),
		Stats:               b.stats,
	}
	if state == Open {
		snap.NextAttempt = b.nextAttempt
	}
	return snap
}

// Reset forces the breaker closed and clears the failure counter.
func (b *Breaker) Reset() {
	prev := b.cb.Swap(b.newCircuit())
	if from := stateOf(prev.State()); from != Closed {
		b.onStateChange(from, Closed)
	}
}

func (b *Breaker) count(update func(*Stats)) {
	b.mu.Lock()
	update(&b.stats)
	b.mu.Unlock()
}

func (b *Breaker) onStateChange(from, to State) {
	b.mu.Lock()
	if to == Open {
		b.nextAttempt = time.Now().Add(b.cfg.Cooldown)
		b.stats.TimesOpened++
	}
	next := b.nextAttempt
	b.mu.Unlock()

	metrics.BreakerState.WithLabelValues(b.cfg.Name).Set(float64(to))
	metrics.BreakerTransitions.WithLabelValues(b.cfg.Name, to.String()).Inc()

	evt := log.Info()
	if to == Open {
		evt = log.Warn().Time("next_attempt", next)
	}
	evt.Str("breaker", b.cfg.Name).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("circuit breaker state change")
}
