// Package circuitbreaker protects per-source collector calls from hammering
// a failing upstream. One breaker exists per (source, kind) pair; Registry
// hands out and remembers them.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kjstillabower/forecast-reconciler/internal/observability"
	"github.com/kjstillabower/forecast-reconciler/internal/slidingwindow"
)

// State is the circuit breaker state.
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
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned when a call is rejected because the breaker is open.
var ErrOpen = errors.New("circuit breaker open")

// Config holds circuit breaker parameters, per §4.1.
type Config struct {
	FailureThreshold int           // failures within Window before tripping OPEN
	Window           time.Duration // sliding window failures are counted over
	Cooldown         time.Duration // time OPEN before allowing a HALF_OPEN probe
	OnStateChange    func(from, to State)
}

// Breaker is a single (source, kind) circuit breaker.
type Breaker struct {
	mu               sync.Mutex
	state            State
	failures         *slidingwindow.Counter
	lastTransition   time.Time
	cfg              Config
	halfOpenInFlight bool
}

func newBreaker(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{
		state:          StateClosed,
		failures:       slidingwindow.New(cfg.Window),
		lastTransition: time.Now(),
		cfg:            cfg,
	}
}

// Status is a point-in-time snapshot for observability.
type Status struct {
	State          State
	Failures       int
	LastTransition time.Time
}

// Snapshot returns the breaker's current status.
func (b *Breaker) Snapshot() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		State:          b.state,
		Failures:       b.failures.Count(b.cfg.Window),
		LastTransition: b.lastTransition,
	}
}

// Allow reports whether a call may proceed, transitioning OPEN -> HALF_OPEN
// once the cooldown has elapsed. Only one HALF_OPEN probe is let through at a
// time; concurrent callers are rejected until that probe completes.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.lastTransition) < b.cfg.Cooldown {
			return false
		}
		b.transitionLocked(StateHalfOpen)
		b.halfOpenInFlight = true
		return true
	case StateHalfOpen:
		if b.halfOpenInFlight {
			return false
		}
		b.halfOpenInFlight = true
		return true
	default:
		return false
	}
}

// Call runs fn if the breaker allows it, failing fast with ErrOpen otherwise.
// Records the outcome against the breaker's state machine.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.Allow() {
		return ErrOpen
	}
	err := fn(ctx)
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.halfOpenInFlight = false
	b.failures.Record()
	if b.state == StateHalfOpen {
		b.transitionLocked(StateOpen)
		return
	}
	if b.failures.Count(b.cfg.Window) >= b.cfg.FailureThreshold {
		b.transitionLocked(StateOpen)
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.halfOpenInFlight = false
	if b.state == StateHalfOpen {
		b.failures.Reset()
		b.transitionLocked(StateClosed)
	}
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.lastTransition = time.Now()
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}

// key identifies a breaker by source name and collection kind ("forecast" or
// "observation"), per §4.1 "Per (source, kind)".
type key struct {
	source string
	kind   string
}

// Registry hands out one Breaker per (source, kind), creating it on first
// use with the registry's factory config.
type Registry struct {
	mu       sync.Mutex
	breakers map[key]*Breaker
	cfg      Config
}

// NewRegistry returns a Registry where every breaker it creates uses cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{breakers: make(map[key]*Breaker), cfg: cfg}
}

// Get returns the breaker for (source, kind), creating it if necessary.
func (r *Registry) Get(source, kind string) *Breaker {
	k := key{source, kind}
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[k]
	if !ok {
		cfg := r.cfg
		userHook := cfg.OnStateChange
		cfg.OnStateChange = func(from, to State) {
			observability.CircuitBreakerState.WithLabelValues(source, kind).Set(observability.CircuitStateValue(to.String()))
			if userHook != nil {
				userHook(from, to)
			}
		}
		b = newBreaker(cfg)
		observability.CircuitBreakerState.WithLabelValues(source, kind).Set(observability.CircuitStateValue(b.state.String()))
		r.breakers[k] = b
	}
	return b
}

// Snapshot returns a status for every breaker the registry has created so
// far, keyed by "source/kind" for observability exports.
func (r *Registry) Snapshot() map[string]Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Status, len(r.breakers))
	for k, b := range r.breakers {
		out[fmt.Sprintf("%s/%s", k.source, k.kind)] = b.Snapshot()
	}
	return out
}
