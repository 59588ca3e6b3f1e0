// Package breaker implements a named circuit breaker around arbitrary calls.
//
// A breaker starts CLOSED and counts consecutive failures. Reaching
// FailureThreshold opens it; calls are then rejected without running until
// Timeout has elapsed, after which up to HalfOpenLimit trial calls are let
// through. SuccessThreshold consecutive trial successes close the breaker
// again, and any trial failure reopens it with a fresh timeout.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

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
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ParseState accepts the names produced by State.String.
func ParseState(s string) (State, error) {
	switch s {
	case "CLOSED", "closed":
		return Closed, nil
	case "OPEN", "open":
		return Open, nil
	case "HALF_OPEN", "half_open":
		return HalfOpen, nil
	}
	return Closed, fmt.Errorf("unknown breaker state %q", s)
}

// ErrOpen is matched by every rejection from an open breaker.
var ErrOpen = errors.New("circuit breaker is open")

// OpenError is returned when a call is rejected. It names the breaker.
type OpenError struct {
	Name  string
	State State
}

func (e *OpenError) Error() string {
	if e.State == HalfOpen {
		return fmt.Sprintf("circuit breaker %q is half-open and at its trial limit", e.Name)
	}
	return fmt.Sprintf("circuit breaker %q is open", e.Name)
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	HalfOpenLimit    int
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		HalfOpenLimit:    1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.HalfOpenLimit <= 0 {
		c.HalfOpenLimit = d.HalfOpenLimit
	}
	return c
}

type Metrics struct {
	Name                 string    `json:"name"`
	State                string    `json:"state"`
	TotalRequests        uint64    `json:"total_requests"`
	Successes            uint64    `json:"successes"`
	Failures             uint64    `json:"failures"`
	Rejected             uint64    `json:"rejected"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastFailure          time.Time `json:"last_failure,omitzero"`
	LastStateChange      time.Time `json:"last_state_change,omitzero"`
}

// StateChangeFunc is called outside the breaker lock after every transition.
type StateChangeFunc func(name string, from, to State)

type Breaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu              sync.Mutex
	state           State
	generation      uint64
	consecFailures  int
	consecSuccesses int
	inFlight        int
	openedAt        time.Time
	lastFailure     time.Time
	lastChange      time.Time
	total           uint64
	successes       uint64
	failures        uint64
	rejected        uint64
	onChange        StateChangeFunc
}

func New(name string, cfg Config) *Breaker {
	return &Breaker{
		name: name,
		cfg:  cfg.withDefaults(),
		now:  time.Now,
	}
}

func (b *Breaker) Name() string { return b.name }

// OnStateChange registers fn to be notified of transitions.
func (b *Breaker) OnStateChange(fn StateChangeFunc) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Execute runs fn unless the breaker rejects the call. A rejection returns an
// *OpenError without invoking fn. A panic in fn counts as a failure and is
// re-raised.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) (callErr error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	gen, state, err := b.admit()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.record(gen, state, fmt.Errorf("panic: %v", r))
			panic(r)
		}
		b.record(gen, state, callErr)
	}()
	return fn(ctx)
}

// Call is Execute for functions returning a value.
func Call[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (b *Breaker) admit() (uint64, State, error) {
	b.mu.Lock()
	notify := b.advance()

	var err error
	switch b.state {
	case Open:
		err = &OpenError{Name: b.name, State: Open}
	case HalfOpen:
		if b.inFlight >= b.cfg.HalfOpenLimit {
			err = &OpenError{Name: b.name, State: HalfOpen}
		} else {
			b.inFlight++
		}
	}
	if err != nil {
		b.rejected++
	} else {
		b.total++
	}
	gen, state, cb := b.generation, b.state, b.onChange
	b.mu.Unlock()

	b.fire(cb, notify)
	return gen, state, err
}

func (b *Breaker) record(gen uint64, state State, callErr error) {
	b.mu.Lock()
	if callErr != nil {
		b.failures++
		b.lastFailure = b.now()
	} else {
		b.successes++
	}

	// The state moved on while fn ran (forced or decided by another call);
	// only the aggregate counters apply.
	if gen != b.generation {
		b.mu.Unlock()
		return
	}

	var notify []transition
	if state == HalfOpen {
		b.inFlight--
	}
	switch b.state {
	case Closed:
		if callErr == nil {
			b.consecFailures = 0
			break
		}
		b.consecFailures++
		if b.consecFailures >= b.cfg.FailureThreshold {
			notify = append(notify, b.setState(Open))
		}
	case HalfOpen:
		if callErr != nil {
			b.consecFailures++
			notify = append(notify, b.setState(Open))
			break
		}
		b.consecSuccesses++
		if b.consecSuccesses >= b.cfg.SuccessThreshold {
			notify = append(notify, b.setState(Closed))
		}
	}
	cb := b.onChange
	b.mu.Unlock()

	b.fire(cb, notify)
}

type transition struct{ from, to State }

// advance moves OPEN to HALF_OPEN once the timeout has elapsed. Caller holds mu.
func (b *Breaker) advance() []transition {
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.Timeout {
		return []transition{b.setState(HalfOpen)}
	}
	return nil
}

// setState switches state and resets the per-state counters. Caller holds mu.
func (b *Breaker) setState(to State) transition {
	t := transition{from: b.state, to: to}
	b.state = to
	b.generation++
	b.consecSuccesses = 0
	b.inFlight = 0
	b.lastChange = b.now()
	switch to {
	case Open:
		b.openedAt = b.lastChange
	case Closed:
		b.consecFailures = 0
	}
	return t
}

func (b *Breaker) fire(cb StateChangeFunc, ts []transition) {
	if cb == nil {
		return
	}
	for _, t := range ts {
		if t.from != t.to {
			cb(b.name, t.from, t.to)
		}
	}
}

// GetState reports the current state, applying a due OPEN to HALF_OPEN move.
func (b *Breaker) GetState() State {
	b.mu.Lock()
	notify := b.advance()
	s, cb := b.state, b.onChange
	b.mu.Unlock()
	b.fire(cb, notify)
	return s
}

// ForceState overrides the state machine. Forcing OPEN restarts the timeout.
func (b *Breaker) ForceState(s State) {
	b.mu.Lock()
	t := b.setState(s)
	cb := b.onChange
	b.mu.Unlock()
	b.fire(cb, []transition{t})
}

func (b *Breaker) GetMetrics() Metrics {
	b.mu.Lock()
	notify := b.advance()
	m := Metrics{
		Name:                 b.name,
		State:                b.state.String(),
		TotalRequests:        b.total,
		Successes:            b.successes,
		Failures:             b.failures,
		Rejected:             b.rejected,
		ConsecutiveFailures:  b.consecFailures,
		ConsecutiveSuccesses: b.consecSuccesses,
		LastFailure:          b.lastFailure,
		LastStateChange:      b.lastChange,
	}
	cb := b.onChange
	b.mu.Unlock()
	b.fire(cb, notify)
	return m
}
