package breaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/FairForge/bulwark/internal/clock"
	"github.com/FairForge/bulwark/internal/errs"
	"github.com/FairForge/bulwark/internal/history"
	"go.uber.org/zap"
)

// Operation is a guarded call
type Operation func(ctx context.Context) (any, error)

// Auditor records operator overrides
type Auditor interface {
	Record(actor, action, target, reason string)
}

// StateListener is notified after every transition, outside breaker locks
type StateListener func(Transition)

// Manager owns the breaker table keyed by dependency name
type Manager struct {
	mu        sync.RWMutex
	breakers  map[string]*breaker
	listeners []StateListener

	clock       clock.Clock
	logger      *zap.Logger
	auditor     Auditor
	historySize int
}

// Option configures the manager
type Option func(*Manager)

// WithClock sets the time source
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithLogger adds logging
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithAuditor records manual overrides
func WithAuditor(a Auditor) Option {
	return func(m *Manager) {
		m.auditor = a
	}
}

// WithTransitionHistory bounds the per-breaker transition log
func WithTransitionHistory(n int) Option {
	return func(m *Manager) {
		m.historySize = n
	}
}

// NewManager creates an empty breaker table
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		breakers:    make(map[string]*breaker),
		clock:       clock.Real(),
		logger:      zap.NewNop(),
		historySize: 100,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a breaker in the CLOSED state
func (m *Manager) Register(name string, settings Settings) error {
	settings.applyDefaults()
	if err := settings.Validate(); err != nil {
		return errs.Invalid("breaker", name, err.Error())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.breakers[name]; exists {
		return errs.Invalid("breaker", name, "already registered")
	}
	m.breakers[name] = &breaker{
		name:        name,
		settings:    settings,
		state:       StateClosed,
		changedAt:   m.clock.Now(),
		transitions: history.NewRing[Transition](m.historySize),
	}
	m.logger.Info("circuit breaker registered",
		zap.String("breaker", name),
		zap.Int("failure_threshold", settings.FailureThreshold),
		zap.Int("success_threshold", settings.SuccessThreshold),
		zap.Duration("recovery_timeout", settings.RecoveryTimeout))
	return nil
}

// OnStateChange registers a transition listener
func (m *Manager) OnStateChange(l StateListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Manager) get(name string) (*breaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.breakers[name]
	return b, ok
}

func (m *Manager) lookup(name string) (*breaker, error) {
	b, ok := m.get(name)
	if !ok {
		return nil, errs.Unknown("breaker", name)
	}
	return b, nil
}

// Execute runs op with circuit breaker protection. Unknown names pass
// through unguarded. A non-positive timeout uses the breaker's own.
func (m *Manager) Execute(ctx context.Context, name string, op Operation, timeout time.Duration) (any, error) {
	b, ok := m.get(name)
	if !ok {
		return op(ctx)
	}

	b.mu.Lock()
	now := m.clock.Now()
	var moved []Transition
	if b.state == StateOpen {
		if now.Sub(b.changedAt) < b.settings.RecoveryTimeout {
			b.stats.Blocked++
			retryAt := b.changedAt.Add(b.settings.RecoveryTimeout)
			fallback, useFallback := b.settings.Fallback, b.settings.FallbackEnabled
			b.mu.Unlock()

			if useFallback {
				return fallback, nil
			}
			return nil, &OpenError{Name: name, RetryAt: retryAt}
		}
		moved = append(moved, b.transition(StateHalfOpen, now, "recovery timeout elapsed", ""))
	}
	generation := b.generation
	b.stats.Calls++
	if timeout <= 0 {
		timeout = b.settings.Timeout
	}
	b.mu.Unlock()
	m.dispatch(moved)

	result, err := m.run(ctx, op, timeout)
	if err != nil && ctx.Err() != nil && !errors.Is(err, ErrCircuitTimeout) {
		// caller went away; the dependency was not judged
		return nil, err
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		timeoutErr.Name = name
	}
	m.dispatch(m.record(b, generation, err))

	if timeoutErr != nil && b.settings.FallbackEnabled {
		return b.settings.Fallback, nil
	}
	return result, err
}

type outcome struct {
	result any
	err    error
}

// run executes op bounded by timeout
func (m *Manager) run(ctx context.Context, op Operation, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		return op(ctx)
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		r, err := op(callCtx)
		done <- outcome{r, err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-m.clock.After(timeout):
		return nil, &TimeoutError{Timeout: timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// record updates the breaker with a call result and returns transitions made
func (m *Manager) record(b *breaker, generation uint64, err error) []Transition {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.stats.Failures++
		if errors.Is(err, ErrCircuitTimeout) {
			b.stats.Timeouts++
		}
	} else {
		b.stats.Successes++
	}

	if b.generation != generation {
		return nil
	}

	now := m.clock.Now()
	switch b.state {
	case StateClosed:
		if err == nil {
			if b.failures > 0 {
				b.failures--
			}
			return nil
		}
		b.failures++
		if b.failures >= b.settings.FailureThreshold {
			m.logger.Error("circuit breaker opened",
				zap.String("breaker", b.name),
				zap.Int("failures", b.failures),
				zap.Error(err))
			return []Transition{b.transition(StateOpen, now, fmt.Sprintf("%d failures reached threshold", b.failures), "")}
		}
	case StateHalfOpen:
		if err != nil {
			m.logger.Warn("circuit breaker reopened from half-open",
				zap.String("breaker", b.name),
				zap.Error(err))
			return []Transition{b.transition(StateOpen, now, "failure while half-open", "")}
		}
		b.successes++
		if b.successes >= b.settings.SuccessThreshold {
			m.logger.Info("circuit breaker closed",
				zap.String("breaker", b.name),
				zap.Int("successes", b.successes))
			return []Transition{b.transition(StateClosed, now, fmt.Sprintf("%d successes while half-open", b.successes), "")}
		}
	}
	return nil
}

func (m *Manager) dispatch(moved []Transition) {
	if len(moved) == 0 {
		return
	}
	m.mu.RLock()
	listeners := make([]StateListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()

	for _, t := range moved {
		m.logger.Info("circuit breaker transition",
			zap.String("breaker", t.Breaker),
			zap.Stringer("from", t.From),
			zap.Stringer("to", t.To),
			zap.String("reason", t.Reason))
		for _, l := range listeners {
			l(t)
		}
	}
}

// Open forces a breaker OPEN. The override is audited with actor and reason.
func (m *Manager) Open(name, actor, reason string) error {
	b, err := m.lookup(name)
	if err != nil {
		return err
	}

	b.mu.Lock()
	var moved []Transition
	if b.state != StateOpen {
		moved = append(moved, b.transition(StateOpen, m.clock.Now(), "manual: "+reason, actor))
	}
	b.mu.Unlock()

	m.audit(actor, "breaker.open", name, reason)
	m.dispatch(moved)
	return nil
}

// Close forces a breaker CLOSED. An OPEN breaker passes through HALF_OPEN so
// the transition log never shows OPEN to CLOSED.
func (m *Manager) Close(name, actor, reason string) error {
	b, err := m.lookup(name)
	if err != nil {
		return err
	}

	b.mu.Lock()
	now := m.clock.Now()
	var moved []Transition
	if b.state == StateOpen {
		moved = append(moved, b.transition(StateHalfOpen, now, "manual: "+reason, actor))
	}
	if b.state == StateHalfOpen {
		moved = append(moved, b.transition(StateClosed, now, "manual: "+reason, actor))
	}
	b.mu.Unlock()

	m.audit(actor, "breaker.close", name, reason)
	m.dispatch(moved)
	return nil
}

func (m *Manager) audit(actor, action, target, reason string) {
	m.logger.Info("circuit breaker override",
		zap.String("actor", actor),
		zap.String("action", action),
		zap.String("breaker", target),
		zap.String("reason", reason))
	if m.auditor != nil {
		m.auditor.Record(actor, action, target, reason)
	}
}

// State returns the current state of one breaker
func (m *Manager) State(name string) (State, error) {
	b, err := m.lookup(name)
	if err != nil {
		return StateClosed, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, nil
}

// Status returns one breaker's snapshot without advancing its state
func (m *Manager) Status(name string) (Status, error) {
	b, err := m.lookup(name)
	if err != nil {
		return Status{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status(m.clock.Now()), nil
}

// Statuses returns every breaker's snapshot ordered by name
func (m *Manager) Statuses() []Status {
	m.mu.RLock()
	all := make([]*breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		all = append(all, b)
	}
	m.mu.RUnlock()

	now := m.clock.Now()
	out := make([]Status, 0, len(all))
	for _, b := range all {
		b.mu.Lock()
		out = append(out, b.status(now))
		b.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Transitions returns a breaker's recent transitions, oldest first
func (m *Manager) Transitions(name string) ([]Transition, error) {
	b, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.transitions.Items(), nil
}

// Names lists registered breakers
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.breakers))
	for name := range m.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call is Execute with a typed result. A fallback of the wrong type is
// reported as the open error it stands in for.
func Call[T any](ctx context.Context, m *Manager, name string, op func(ctx context.Context) (T, error), timeout time.Duration) (T, error) {
	var zero T
	result, err := m.Execute(ctx, name, func(ctx context.Context) (any, error) {
		return op(ctx)
	}, timeout)
	if err != nil {
		return zero, err
	}
	if result == nil {
		return zero, nil
	}
	typed, ok := result.(T)
	if !ok {
		return zero, fmt.Errorf("breaker %q: fallback %T is not %T: %w", name, result, zero, ErrCircuitOpen)
	}
	return typed, nil
}
