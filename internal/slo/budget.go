package slo

import (
	"math"
	"sync"
	"time"

	"github.com/FairForge/bulwark/internal/clock"
	"github.com/FairForge/bulwark/internal/history"
	"go.uber.org/zap"
)

// DefaultFastBurnMultiple is the page-quick burn speed: 2% of a 30 day
// budget consumed in one hour
const DefaultFastBurnMultiple = 14.4

const minElapsedWindow = time.Minute

// Budget is the derived error budget state for one SLO
type Budget struct {
	SLO                string     `json:"slo"`
	Total              float64    `json:"total"`
	Consumed           float64    `json:"consumed"`
	Remaining          float64    `json:"remaining"`
	Utilization        float64    `json:"utilization"`
	BurnRate           float64    `json:"burn_rate_per_hour"`
	NominalBurnRate    float64    `json:"nominal_burn_rate_per_hour"`
	ProjectedDepletion *time.Time `json:"projected_depletion,omitempty"`
	HasData            bool       `json:"has_data"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// BudgetAlertLevel names a budget alert
type BudgetAlertLevel string

const (
	BudgetWarning   BudgetAlertLevel = "WARNING"
	BudgetCritical  BudgetAlertLevel = "CRITICAL"
	BudgetExhausted BudgetAlertLevel = "EXHAUSTED"
	BudgetFastBurn  BudgetAlertLevel = "FAST_BURN"
)

var utilizationLevels = []struct {
	level     BudgetAlertLevel
	threshold float64
}{
	{BudgetWarning, 75},
	{BudgetCritical, 90},
	{BudgetExhausted, 100},
}

// BudgetAlert is emitted when a level becomes active
type BudgetAlert struct {
	SLO         string           `json:"slo"`
	Level       BudgetAlertLevel `json:"level"`
	Utilization float64          `json:"utilization"`
	BurnRate    float64          `json:"burn_rate_per_hour"`
	FiredAt     time.Time        `json:"fired_at"`
}

// BudgetTracker recomputes error budgets from the registry's windows.
// Alerts fire once per activation and re-arm when the level clears.
type BudgetTracker struct {
	registry         *Registry
	clock            clock.Clock
	logger           *zap.Logger
	fastBurnMultiple float64

	mu        sync.RWMutex
	budgets   map[string]Budget
	active    map[string]map[BudgetAlertLevel]bool
	alerts    *history.Ring[BudgetAlert]
	listeners []func(BudgetAlert)
}

// BudgetOption configures the tracker
type BudgetOption func(*BudgetTracker)

// WithFastBurnMultiple sets the burn-rate multiple of nominal that fires FAST_BURN
func WithFastBurnMultiple(x float64) BudgetOption {
	return func(t *BudgetTracker) {
		if x > 0 {
			t.fastBurnMultiple = x
		}
	}
}

// WithBudgetLogger adds logging
func WithBudgetLogger(logger *zap.Logger) BudgetOption {
	return func(t *BudgetTracker) {
		t.logger = logger
	}
}

// WithAlertHistory bounds the retained alert history
func WithAlertHistory(n int) BudgetOption {
	return func(t *BudgetTracker) {
		t.alerts = history.NewRing[BudgetAlert](n)
	}
}

// NewBudgetTracker creates a tracker reading from registry
func NewBudgetTracker(registry *Registry, opts ...BudgetOption) *BudgetTracker {
	t := &BudgetTracker{
		registry:         registry,
		clock:            registry.clock,
		logger:           zap.NewNop(),
		fastBurnMultiple: DefaultFastBurnMultiple,
		budgets:          make(map[string]Budget),
		active:           make(map[string]map[BudgetAlertLevel]bool),
		alerts:           history.NewRing[BudgetAlert](500),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Subscribe registers an alert listener
func (t *BudgetTracker) Subscribe(fn func(BudgetAlert)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// Update recomputes the budget for one SLO and returns newly fired alerts
func (t *BudgetTracker) Update(name string) (Budget, []BudgetAlert, error) {
	def, perf, oldest, hasData, err := t.registry.windowSpan(name)
	if err != nil {
		return Budget{}, nil, err
	}

	now := t.clock.Now()
	b := computeBudget(def, perf, oldest, hasData, now)

	t.mu.Lock()
	t.budgets[name] = b
	fired := t.transitionAlerts(name, b, now)
	listeners := make([]func(BudgetAlert), len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.Unlock()

	for _, a := range fired {
		t.logger.Warn("error budget alert",
			zap.String("slo", a.SLO),
			zap.String("level", string(a.Level)),
			zap.Float64("utilization", a.Utilization),
			zap.Float64("burn_rate", a.BurnRate))
		for _, l := range listeners {
			l(a)
		}
	}
	return b, fired, nil
}

// UpdateAll recomputes every SLO's budget
func (t *BudgetTracker) UpdateAll() []BudgetAlert {
	var fired []BudgetAlert
	for _, name := range t.registry.Names() {
		_, alerts, err := t.Update(name)
		if err != nil {
			continue
		}
		fired = append(fired, alerts...)
	}
	return fired
}

func computeBudget(def Definition, perf float64, oldest time.Time, hasData bool, now time.Time) Budget {
	total := def.ErrorBudgetTotal()
	b := Budget{
		SLO:       def.Name,
		Total:     total,
		Remaining: total,
		UpdatedAt: now,
		HasData:   hasData,
	}
	if def.Window > 0 {
		b.NominalBurnRate = total / def.Window.Hours()
	}
	if !hasData {
		return b
	}

	consumed := math.Min(math.Max(100-perf, 0), total)
	b.Consumed = consumed
	b.Remaining = total - consumed

	switch {
	case total > 0:
		b.Utilization = round6(consumed / total * 100)
	case perf < 100:
		b.Utilization = 100
	}

	elapsed := now.Sub(oldest)
	if elapsed < minElapsedWindow {
		elapsed = minElapsedWindow
	}
	if elapsed > def.Window {
		elapsed = def.Window
	}
	b.BurnRate = consumed / elapsed.Hours()

	if b.BurnRate > 0 {
		hours := b.Remaining / b.BurnRate
		depletion := now.Add(time.Duration(hours * float64(time.Hour)))
		b.ProjectedDepletion = &depletion
	}
	return b
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// transitionAlerts updates the active set and returns levels that just
// became active. Callers hold t.mu.
func (t *BudgetTracker) transitionAlerts(name string, b Budget, now time.Time) []BudgetAlert {
	active, ok := t.active[name]
	if !ok {
		active = make(map[BudgetAlertLevel]bool)
		t.active[name] = active
	}

	var fired []BudgetAlert
	set := func(level BudgetAlertLevel, on bool) {
		if on && !active[level] {
			a := BudgetAlert{SLO: name, Level: level, Utilization: b.Utilization, BurnRate: b.BurnRate, FiredAt: now}
			fired = append(fired, a)
			t.alerts.Push(a)
		}
		active[level] = on
	}

	for _, l := range utilizationLevels {
		set(l.level, b.HasData && b.Utilization >= l.threshold)
	}
	set(BudgetFastBurn, b.HasData && b.NominalBurnRate > 0 && b.BurnRate > t.fastBurnMultiple*b.NominalBurnRate)
	return fired
}

// Get returns the last computed budget without recomputing
func (t *BudgetTracker) Get(name string) (Budget, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.budgets[name]
	return b, ok
}

// ActiveAlerts returns the currently active levels for an SLO
func (t *BudgetTracker) ActiveAlerts(name string) []BudgetAlertLevel {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []BudgetAlertLevel
	for _, l := range utilizationLevels {
		if t.active[name][l.level] {
			out = append(out, l.level)
		}
	}
	if t.active[name][BudgetFastBurn] {
		out = append(out, BudgetFastBurn)
	}
	return out
}

// AlertHistory returns recently fired alerts, oldest first
func (t *BudgetTracker) AlertHistory() []BudgetAlert {
	return t.alerts.Items()
}
