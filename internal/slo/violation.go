package slo

import (
	"time"

	"github.com/google/uuid"
)

// Violation is opened when performance crosses below the warning threshold
// and closed once it recovers to at least the warning threshold
type Violation struct {
	ID             string     `json:"id"`
	SLO            string     `json:"slo"`
	Severity       Severity   `json:"severity"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	Performance    float64    `json:"performance"`
	Worst          float64    `json:"worst"`
	BusinessImpact float64    `json:"business_impact"`
}

// Open reports whether the violation is still active
func (v Violation) Open() bool {
	return v.EndedAt == nil
}

// Duration returns how long the violation lasted, or has lasted as of now
func (v Violation) Duration(now time.Time) time.Duration {
	if v.EndedAt != nil {
		return v.EndedAt.Sub(v.StartedAt)
	}
	return now.Sub(v.StartedAt)
}

// ViolationEventType identifies a violation lifecycle step
type ViolationEventType string

const (
	ViolationOpened    ViolationEventType = "opened"
	ViolationEscalated ViolationEventType = "escalated"
	ViolationClosed    ViolationEventType = "closed"
)

// ViolationEvent is delivered to listeners after each lifecycle step
type ViolationEvent struct {
	Type       ViolationEventType
	Violation  Violation
	Definition Definition
	Previous   Severity
}

// ViolationListener receives violation events outside registry locks
type ViolationListener func(ViolationEvent)

// businessImpact scores how far below warning the SLO is, weighted by its
// class and the latest contextual multiplier
func businessImpact(def Definition, performance, multiplier float64) float64 {
	gap := def.Thresholds.Warning - performance
	if gap < 0 {
		gap = 0
	}
	if multiplier <= 0 {
		multiplier = 1
	}
	return gap * def.Criticality.Weight() * multiplier
}

// evaluate advances the violation state for one SLO. Callers hold st.mu.
func (st *sloState) evaluate(now time.Time, performance, multiplier float64) *ViolationEvent {
	def := st.def
	severity := def.Classify(performance)

	if st.open == nil {
		if severity == SeverityNone {
			return nil
		}
		v := &Violation{
			ID:             uuid.New().String(),
			SLO:            def.Name,
			Severity:       severity,
			StartedAt:      now,
			Performance:    performance,
			Worst:          performance,
			BusinessImpact: businessImpact(def, performance, multiplier),
		}
		st.open = v
		return &ViolationEvent{Type: ViolationOpened, Violation: *v, Definition: def}
	}

	v := st.open
	v.Performance = performance
	if performance < v.Worst {
		v.Worst = performance
	}

	if performance >= def.Thresholds.Warning {
		ended := now
		v.EndedAt = &ended
		st.open = nil
		st.closed.Push(*v)
		return &ViolationEvent{Type: ViolationClosed, Violation: *v, Definition: def, Previous: v.Severity}
	}

	if impact := businessImpact(def, performance, multiplier); impact > v.BusinessImpact {
		v.BusinessImpact = impact
	}

	if severity > v.Severity {
		previous := v.Severity
		v.Severity = severity
		return &ViolationEvent{Type: ViolationEscalated, Violation: *v, Definition: def, Previous: previous}
	}
	return nil
}
