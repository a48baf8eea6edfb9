// Package slo holds SLO definitions, records measurements into bounded
// windows, tracks violations and derives error budgets.
package slo

import (
	"errors"
	"fmt"
	"time"

	"github.com/FairForge/bulwark/internal/errs"
)

// Aggregation selects how a window of measurements becomes one percentage
type Aggregation string

const (
	AggregationAverage Aggregation = "average"
	AggregationP95     Aggregation = "p95"
	AggregationP99     Aggregation = "p99"
)

// Criticality tags an SLO with its business class
type Criticality string

const (
	CriticalityRevenue        Criticality = "revenue_critical"
	CriticalityCustomerFacing Criticality = "customer_facing"
	CriticalityInternal       Criticality = "internal"
)

// Weight is the class weight used for business impact and weighted availability
func (c Criticality) Weight() float64 {
	switch c {
	case CriticalityRevenue:
		return 3
	case CriticalityCustomerFacing:
		return 2
	default:
		return 1
	}
}

// Severity of a violation, ordered from least to most severe
type Severity int

const (
	SeverityNone Severity = iota
	SeverityWarning
	SeverityMajor
	SeverityCritical
	SeverityCatastrophic
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityMajor:
		return "major"
	case SeverityCritical:
		return "critical"
	case SeverityCatastrophic:
		return "catastrophic"
	default:
		return "none"
	}
}

// MarshalText renders the severity name in JSON and YAML
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Thresholds are the performance levels below which each severity applies
type Thresholds struct {
	Catastrophic float64 `json:"catastrophic"`
	Critical     float64 `json:"critical"`
	Major        float64 `json:"major"`
	Warning      float64 `json:"warning"`
}

// Definition is a statically configured SLO
type Definition struct {
	Name        string        `json:"name"`
	Target      float64       `json:"target"`
	Window      time.Duration `json:"window"`
	Thresholds  Thresholds    `json:"thresholds"`
	Aggregation Aggregation   `json:"aggregation"`
	Criticality Criticality   `json:"criticality"`
	// Trigger names the recovery condition raised when this SLO is violated
	Trigger  string   `json:"trigger,omitempty"`
	Services []string `json:"services,omitempty"`
}

// ErrorBudgetTotal is the allowed failure percentage, 100 - target
func (d Definition) ErrorBudgetTotal() float64 {
	return 100 - d.Target
}

// Validate enforces target range and strictly increasing thresholds
func (d Definition) Validate() error {
	if d.Name == "" {
		return errs.Invalid("slo", d.Name, "name is required")
	}
	if d.Target <= 0 || d.Target > 100 {
		return errs.Invalid("slo", d.Name, fmt.Sprintf("target %.4f outside (0,100]", d.Target))
	}
	if d.Window <= 0 {
		return errs.Invalid("slo", d.Name, "window must be positive")
	}

	t := d.Thresholds
	if t.Catastrophic < 0 {
		return errs.Invalid("slo", d.Name, "catastrophic threshold must be >= 0")
	}
	if !(t.Catastrophic < t.Critical && t.Critical < t.Major && t.Major < t.Warning) {
		return errs.Invalid("slo", d.Name, "thresholds must be strictly increasing: catastrophic < critical < major < warning")
	}
	if !(d.Target > t.Warning) {
		return errs.Invalid("slo", d.Name, "target must be greater than the warning threshold")
	}

	switch d.Aggregation {
	case AggregationAverage, AggregationP95, AggregationP99:
	default:
		return errs.Invalid("slo", d.Name, fmt.Sprintf("unknown aggregation %q", d.Aggregation))
	}
	switch d.Criticality {
	case CriticalityRevenue, CriticalityCustomerFacing, CriticalityInternal:
	default:
		return errs.Invalid("slo", d.Name, fmt.Sprintf("unknown criticality %q", d.Criticality))
	}
	return nil
}

// Classify maps a performance percentage to a severity
func (d Definition) Classify(performance float64) Severity {
	t := d.Thresholds
	switch {
	case performance < t.Catastrophic:
		return SeverityCatastrophic
	case performance < t.Critical:
		return SeverityCritical
	case performance < t.Major:
		return SeverityMajor
	case performance < t.Warning:
		return SeverityWarning
	default:
		return SeverityNone
	}
}

// Measurement is one immutable sample of good/total outcomes
type Measurement struct {
	Timestamp  time.Time     `json:"timestamp"`
	Success    int64         `json:"success"`
	Total      int64         `json:"total"`
	Latency    time.Duration `json:"latency,omitempty"`
	HasLatency bool          `json:"has_latency"`
	// Multiplier weights business impact, e.g. 1.5 during peak hours
	Multiplier float64 `json:"multiplier"`
}

// Performance is the success percentage of this sample
func (m Measurement) Performance() float64 {
	if m.Total <= 0 {
		return 0
	}
	return float64(m.Success) / float64(m.Total) * 100
}

// MeasurementOption decorates a measurement before it is recorded
type MeasurementOption func(*Measurement)

// WithLatency attaches an observed latency
func WithLatency(d time.Duration) MeasurementOption {
	return func(m *Measurement) {
		m.Latency = d
		m.HasLatency = true
	}
}

// WithMultiplier sets the contextual impact multiplier
func WithMultiplier(x float64) MeasurementOption {
	return func(m *Measurement) {
		if x > 0 {
			m.Multiplier = x
		}
	}
}

// WithTime overrides the measurement timestamp
func WithTime(t time.Time) MeasurementOption {
	return func(m *Measurement) {
		m.Timestamp = t
	}
}

var (
	// ErrNoData is returned when an SLO window holds no measurements
	ErrNoData = errors.New("slo: no data")
	// ErrInvalidMeasurement is returned for impossible success/total counts
	ErrInvalidMeasurement = errors.New("slo: invalid measurement")
)
