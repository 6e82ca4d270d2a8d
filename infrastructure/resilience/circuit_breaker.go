// Package resilience provides fault tolerance patterns: a circuit breaker
// state machine and bounded retry with backoff, shared by the token
// exchanger and the upstream invoker.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State represents circuit breaker state.
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

// Common errors.
var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Kind distinguishes the two breaker tiers named in the spec: one per
// token-exchange endpoint, one per upstream source.
type Kind string

const (
	KindTokenExchange Kind = "token_exchange"
	KindSource        Kind = "source"
)

// Config for a circuit breaker instance.
type Config struct {
	FailureThreshold int           // failures before opening
	RecoveryTimeout  time.Duration // time in open state before half-open
	RollingWindow    time.Duration // window over which failures accumulate
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		RollingWindow:    60 * time.Second,
	}
}

// Transition describes a single state change for event emission.
type Transition struct {
	CircuitID string
	Kind      Kind
	SourceID  string // only set when Kind == KindSource
	From      State
	To        State
	Reason    string
	ClosedBy  string // set only for operator-initiated Reset
}

// Notifier is invoked outside the breaker's lock on every state transition,
// per the concurrency model in spec.md §5.
type Notifier func(Transition)

// CircuitBreaker implements the closed/open/half-open state machine from
// spec.md §4.4. A single success in half-open closes it; a single failure
// in half-open reopens it.
type CircuitBreaker struct {
	mu           sync.RWMutex
	id           string
	kind         Kind
	sourceID     string
	config       Config
	state        State
	failures     int
	windowStart  time.Time
	openedAt     time.Time
	notify       Notifier
	halfOpenBusy bool
}

// New creates a new CircuitBreaker identified by id/kind (and sourceID for
// source-kind breakers). notify may be nil.
func New(id string, kind Kind, sourceID string, cfg Config, notify Notifier) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.RollingWindow <= 0 {
		cfg.RollingWindow = 60 * time.Second
	}
	return &CircuitBreaker{
		id:       id,
		kind:     kind,
		sourceID: sourceID,
		config:   cfg,
		state:    StateClosed,
		notify:   notify,
	}
}

// ID returns the breaker's identifier.
func (cb *CircuitBreaker) ID() string { return cb.id }

// Kind returns the breaker's kind.
func (cb *CircuitBreaker) Kind() Kind { return cb.kind }

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// FailureCount returns the current failure count within the active window.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}

// Execute runs fn with circuit breaker protection. Every non-nil error
// counts as a breaker failure; callers that need to exempt ordinary
// application errors (e.g. a 4xx response) from tripping the breaker
// should use ExecuteClassified instead.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	return cb.ExecuteClassified(ctx, fn, func(error) bool { return true })
}

// ExecuteClassified runs fn with circuit breaker protection, consulting
// countsAsFailure to decide whether a returned error should count toward
// the breaker's failure window (spec.md §4.3: ordinary 4xx responses do
// not count, 5xx/429/network errors/timeouts do).
func (cb *CircuitBreaker) ExecuteClassified(ctx context.Context, fn func() error, countsAsFailure func(error) bool) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}
	err := fn()
	if err == nil {
		cb.afterRequest(true)
		return nil
	}
	cb.afterRequest(!countsAsFailure(err))
	return err
}

// Allow reports whether a request may proceed, for callers (like the
// invoker) that need to check-then-execute across an I/O boundary that
// isn't easily captured in a single closure. In half-open state a
// successful Allow takes the single probe slot, which stays taken until
// RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Allow() error {
	return cb.beforeRequest()
}

// RecordSuccess must be paired with a prior successful Allow().
func (cb *CircuitBreaker) RecordSuccess() { cb.afterRequest(true) }

// RecordFailure must be paired with a prior successful Allow().
func (cb *CircuitBreaker) RecordFailure() { cb.afterRequest(false) }

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.openedAt) > cb.config.RecoveryTimeout {
			cb.setState(StateHalfOpen, "recovery_timeout_elapsed", "")
			cb.halfOpenBusy = true
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		// Only one probe request is allowed in flight while half-open; a
		// single success closes the circuit, a single failure reopens it.
		if cb.halfOpenBusy {
			return ErrTooManyRequests
		}
		cb.halfOpenBusy = true
	}
	return nil
}

func (cb *CircuitBreaker) afterRequest(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if success {
		cb.onSuccess()
	} else {
		cb.onFailure()
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateHalfOpen:
		cb.setState(StateClosed, "probe_succeeded", "")
	case StateClosed:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) onFailure() {
	now := time.Now()

	switch cb.state {
	case StateHalfOpen:
		cb.setState(StateOpen, "probe_failed", "")
		return
	case StateClosed:
		if cb.windowStart.IsZero() || now.Sub(cb.windowStart) > cb.config.RollingWindow {
			cb.windowStart = now
			cb.failures = 0
		}
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.setState(StateOpen, "failure_threshold_reached", "")
		}
	}
}

// Reset is the operator-initiated transition to closed, clearing counters.
func (cb *CircuitBreaker) Reset(closedBy string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateClosed, "operator_reset", closedBy)
}

// setState must be called with cb.mu held. The notifier fires outside the
// lock, per spec.md §5's "state-change emitter publishes outside the lock".
func (cb *CircuitBreaker) setState(newState State, reason, closedBy string) {
	old := cb.state
	if old == newState && reason != "operator_reset" {
		return
	}
	cb.state = newState
	cb.failures = 0
	cb.windowStart = time.Time{}
	cb.halfOpenBusy = false
	if newState == StateOpen {
		cb.openedAt = time.Now()
	}

	if cb.notify == nil || old == newState {
		return
	}
	t := Transition{
		CircuitID: cb.id,
		Kind:      cb.kind,
		SourceID:  cb.sourceID,
		From:      old,
		To:        newState,
		Reason:    reason,
		ClosedBy:  closedBy,
	}
	go cb.notify(t)
}
