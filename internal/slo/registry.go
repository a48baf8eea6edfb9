package slo

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/FairForge/bulwark/internal/clock"
	"github.com/FairForge/bulwark/internal/errs"
	"github.com/FairForge/bulwark/internal/history"
	"go.uber.org/zap"
)

const (
	defaultWindowCapacity   = 10000
	defaultViolationHistory = 100
)

type sloState struct {
	mu     sync.Mutex
	def    Definition
	window *history.Ring[Measurement]
	open   *Violation
	closed *history.Ring[Violation]
}

// Registry holds SLO definitions and their measurement windows
type Registry struct {
	mu        sync.RWMutex
	slos      map[string]*sloState
	listeners []ViolationListener

	clock            clock.Clock
	logger           *zap.Logger
	windowCapacity   int
	violationHistory int
}

// RegistryOption configures the registry
type RegistryOption func(*Registry)

// WithClock sets the time source
func WithClock(c clock.Clock) RegistryOption {
	return func(r *Registry) {
		r.clock = c
	}
}

// WithLogger adds logging
func WithLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithWindowCapacity bounds the number of measurements kept per SLO
func WithWindowCapacity(n int) RegistryOption {
	return func(r *Registry) {
		r.windowCapacity = n
	}
}

// WithViolationHistory bounds the closed violations kept per SLO
func WithViolationHistory(n int) RegistryOption {
	return func(r *Registry) {
		r.violationHistory = n
	}
}

// NewRegistry creates an empty registry
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		slos:             make(map[string]*sloState),
		clock:            clock.Real(),
		logger:           zap.NewNop(),
		windowCapacity:   defaultWindowCapacity,
		violationHistory: defaultViolationHistory,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register validates and adds a definition. Definitions are read-only
// afterwards.
func (r *Registry) Register(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.slos[def.Name]; exists {
		return errs.Invalid("slo", def.Name, "already registered")
	}
	def.Services = append([]string(nil), def.Services...)
	r.slos[def.Name] = &sloState{
		def:    def,
		window: history.NewRing[Measurement](r.windowCapacity),
		closed: history.NewRing[Violation](r.violationHistory),
	}
	r.logger.Info("slo registered",
		zap.String("slo", def.Name),
		zap.Float64("target", def.Target),
		zap.Duration("window", def.Window))
	return nil
}

// Subscribe registers a violation listener
func (r *Registry) Subscribe(listener ViolationListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, listener)
}

func (r *Registry) state(name string) (*sloState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.slos[name]
	if !ok {
		return nil, errs.Unknown("slo", name)
	}
	return st, nil
}

// Definition returns the named definition
func (r *Registry) Definition(name string) (Definition, error) {
	st, err := r.state(name)
	if err != nil {
		return Definition{}, err
	}
	return st.def, nil
}

// Names returns every registered SLO name, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.slos))
	for name := range r.slos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RecordMeasurement appends a sample to the SLO's window, evicts samples
// older than the window and re-evaluates the violation state
func (r *Registry) RecordMeasurement(name string, success, total int64, opts ...MeasurementOption) error {
	st, err := r.state(name)
	if err != nil {
		return err
	}
	if total <= 0 || success < 0 || success > total {
		return fmt.Errorf("%w: success=%d total=%d", ErrInvalidMeasurement, success, total)
	}

	now := r.clock.Now()
	m := Measurement{Timestamp: now, Success: success, Total: total, Multiplier: 1}
	for _, opt := range opts {
		opt(&m)
	}

	st.mu.Lock()
	if last, ok := st.window.Newest(); ok && m.Timestamp.Before(last.Timestamp) {
		st.mu.Unlock()
		return fmt.Errorf("%w: timestamp %s precedes latest sample", ErrInvalidMeasurement, m.Timestamp.Format(time.RFC3339))
	}
	st.window.Push(m)
	event := r.evaluateLocked(st, now)
	st.mu.Unlock()

	r.dispatch(event)
	return nil
}

// Evaluate evicts expired samples and re-evaluates the violation state
// without recording anything new
func (r *Registry) Evaluate(name string) error {
	st, err := r.state(name)
	if err != nil {
		return err
	}

	st.mu.Lock()
	event := r.evaluateLocked(st, r.clock.Now())
	st.mu.Unlock()

	r.dispatch(event)
	return nil
}

// EvaluateAll runs Evaluate for every SLO
func (r *Registry) EvaluateAll() {
	for _, name := range r.Names() {
		_ = r.Evaluate(name)
	}
}

func (r *Registry) evaluateLocked(st *sloState, now time.Time) *ViolationEvent {
	cutoff := now.Add(-st.def.Window)
	st.window.DropWhile(func(m Measurement) bool {
		return m.Timestamp.Before(cutoff)
	})

	window := st.window.Items()
	perf, ok := aggregate(st.def.Aggregation, window)
	if !ok {
		return nil
	}
	return st.evaluate(now, perf, window[len(window)-1].Multiplier)
}

func (r *Registry) dispatch(event *ViolationEvent) {
	if event == nil {
		return
	}

	v := event.Violation
	switch event.Type {
	case ViolationOpened:
		r.logger.Warn("slo violation opened",
			zap.String("slo", v.SLO),
			zap.Stringer("severity", v.Severity),
			zap.Float64("performance", v.Performance))
	case ViolationEscalated:
		r.logger.Warn("slo violation escalated",
			zap.String("slo", v.SLO),
			zap.Stringer("from", event.Previous),
			zap.Stringer("to", v.Severity))
	case ViolationClosed:
		r.logger.Info("slo violation closed",
			zap.String("slo", v.SLO),
			zap.Duration("duration", v.Duration(r.clock.Now())))
	}

	r.mu.RLock()
	listeners := make([]ViolationListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()

	for _, l := range listeners {
		l(*event)
	}
}

// CurrentPerformance aggregates the SLO's window. ErrNoData is returned when
// the window is empty.
func (r *Registry) CurrentPerformance(name string) (float64, error) {
	st, err := r.state(name)
	if err != nil {
		return 0, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	perf, ok := aggregate(st.def.Aggregation, st.liveWindow(r.clock.Now()))
	if !ok {
		return 0, ErrNoData
	}
	return perf, nil
}

// liveWindow returns samples inside the window without evicting. Callers hold st.mu.
func (st *sloState) liveWindow(now time.Time) []Measurement {
	cutoff := now.Add(-st.def.Window)
	items := st.window.Items()
	i := sort.Search(len(items), func(i int) bool {
		return !items[i].Timestamp.Before(cutoff)
	})
	return items[i:]
}

// windowSpan returns the aggregated performance and the timestamp of the
// oldest live sample
func (r *Registry) windowSpan(name string) (Definition, float64, time.Time, bool, error) {
	st, err := r.state(name)
	if err != nil {
		return Definition{}, 0, time.Time{}, false, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	window := st.liveWindow(r.clock.Now())
	perf, ok := aggregate(st.def.Aggregation, window)
	if !ok {
		return st.def, 0, time.Time{}, false, nil
	}
	return st.def, perf, window[0].Timestamp, true, nil
}

// OpenViolation returns the open violation for an SLO, if any
func (r *Registry) OpenViolation(name string) (*Violation, error) {
	st, err := r.state(name)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.open == nil {
		return nil, nil
	}
	v := *st.open
	return &v, nil
}

// Violations returns closed violations oldest first, followed by the open one
func (r *Registry) Violations(name string) ([]Violation, error) {
	st, err := r.state(name)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	out := st.closed.Items()
	if st.open != nil {
		out = append(out, *st.open)
	}
	return out, nil
}

// Measurements returns a copy of the live window
func (r *Registry) Measurements(name string) ([]Measurement, error) {
	st, err := r.state(name)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return st.liveWindow(r.clock.Now()), nil
}
