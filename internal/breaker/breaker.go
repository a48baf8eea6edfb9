// internal/breaker/breaker.go
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/FairForge/bulwark/internal/history"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is open
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrCircuitTimeout is returned when a guarded call exceeds its timeout
	ErrCircuitTimeout = errors.New("circuit breaker call timed out")
)

// OpenError carries the breaker name and when it will next admit a probe
type OpenError struct {
	Name    string
	RetryAt time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open until %s", e.Name, e.RetryAt.Format(time.RFC3339))
}

func (e *OpenError) Unwrap() error { return ErrCircuitOpen }

// TimeoutError is a call that did not finish within the breaker timeout.
// It counts as a failure.
type TimeoutError struct {
	Name    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("circuit breaker %q: call exceeded %s", e.Name, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return ErrCircuitTimeout }

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, requests blocked
	StateHalfOpen              // Testing if dependency recovered
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// MarshalText renders the state name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Settings configure one breaker
type Settings struct {
	FailureThreshold int
	SuccessThreshold int
	RecoveryTimeout  time.Duration
	// Timeout bounds every guarded call unless the caller passes its own
	Timeout time.Duration
	// Fallback is returned instead of an error while open or on timeout
	Fallback        any
	FallbackEnabled bool
}

// DefaultSettings mirror a conservative dependency guard
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		RecoveryTimeout:  60 * time.Second,
		Timeout:          10 * time.Second,
	}
}

func (s *Settings) applyDefaults() {
	d := DefaultSettings()
	if s.FailureThreshold == 0 {
		s.FailureThreshold = d.FailureThreshold
	}
	if s.SuccessThreshold == 0 {
		s.SuccessThreshold = d.SuccessThreshold
	}
	if s.RecoveryTimeout == 0 {
		s.RecoveryTimeout = d.RecoveryTimeout
	}
	if s.Timeout == 0 {
		s.Timeout = d.Timeout
	}
}

// Validate rejects thresholds and durations that cannot work
func (s Settings) Validate() error {
	if s.FailureThreshold < 1 {
		return errors.New("failure threshold must be >= 1")
	}
	if s.SuccessThreshold < 1 {
		return errors.New("success threshold must be >= 1")
	}
	if s.RecoveryTimeout <= 0 {
		return errors.New("recovery timeout must be positive")
	}
	if s.Timeout < 0 {
		return errors.New("timeout must not be negative")
	}
	return nil
}

// Transition records one state change
type Transition struct {
	Breaker string    `json:"breaker"`
	From    State     `json:"from"`
	To      State     `json:"to"`
	At      time.Time `json:"at"`
	Reason  string    `json:"reason"`
	Actor   string    `json:"actor,omitempty"`
}

// Stats are lifetime counters for one breaker
type Stats struct {
	Calls     int64 `json:"calls"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
	Timeouts  int64 `json:"timeouts"`
	Blocked   int64 `json:"blocked"`
}

// Status is a read-only snapshot of one breaker
type Status struct {
	Name             string        `json:"name"`
	State            State         `json:"state"`
	Failures         int           `json:"failures"`
	Successes        int           `json:"successes"`
	FailureThreshold int           `json:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`
	Timeout          time.Duration `json:"timeout"`
	LastStateChange  time.Time     `json:"last_state_change"`
	TimeInState      time.Duration `json:"time_in_state"`
	Stats            Stats         `json:"stats"`
}

// breaker is the per-dependency state machine
type breaker struct {
	mu       sync.Mutex
	name     string
	settings Settings

	state     State
	failures  int
	successes int
	changedAt time.Time
	// generation changes on every transition so results of calls admitted
	// under an earlier state are discarded
	generation uint64

	stats       Stats
	transitions *history.Ring[Transition]
}

// transition moves to a new state. Callers hold b.mu.
func (b *breaker) transition(to State, now time.Time, reason, actor string) Transition {
	t := Transition{Breaker: b.name, From: b.state, To: to, At: now, Reason: reason, Actor: actor}
	b.state = to
	b.failures = 0
	b.successes = 0
	b.changedAt = now
	b.generation++
	b.transitions.Push(t)
	return t
}

func (b *breaker) status(now time.Time) Status {
	return Status{
		Name:             b.name,
		State:            b.state,
		Failures:         b.failures,
		Successes:        b.successes,
		FailureThreshold: b.settings.FailureThreshold,
		SuccessThreshold: b.settings.SuccessThreshold,
		RecoveryTimeout:  b.settings.RecoveryTimeout,
		Timeout:          b.settings.Timeout,
		LastStateChange:  b.changedAt,
		TimeInState:      now.Sub(b.changedAt),
		Stats:            b.stats,
	}
}
