package recovery

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// BusinessImpact tags a plan. Critical plans may exceed the concurrency cap.
type BusinessImpact string

const (
	ImpactLow      BusinessImpact = "low"
	ImpactMedium   BusinessImpact = "medium"
	ImpactHigh     BusinessImpact = "high"
	ImpactCritical BusinessImpact = "critical"
)

// Plan is a statically registered recovery procedure
type Plan struct {
	Name           string         `json:"name"`
	Triggers       []string       `json:"triggers"`
	Actions        []Action       `json:"actions"`
	MaxAttempts    int            `json:"max_attempts"`
	RetryDelay     time.Duration  `json:"retry_delay"`
	Rollback       []Action       `json:"rollback,omitempty"`
	Priority       int            `json:"priority"`
	BusinessImpact BusinessImpact `json:"business_impact"`
	Cooldown       time.Duration  `json:"cooldown"`
}

// HandlesTrigger reports whether trigger is in the plan's trigger set
func (p Plan) HandlesTrigger(trigger string) bool {
	return slices.Contains(p.Triggers, trigger)
}

// Validate checks the plan shape
func (p Plan) Validate() error {
	if p.Name == "" {
		return errors.New("name is required")
	}
	if len(p.Triggers) == 0 {
		return errors.New("at least one trigger is required")
	}
	if len(p.Actions) == 0 {
		return errors.New("at least one action is required")
	}
	if p.MaxAttempts < 1 {
		return errors.New("max attempts must be >= 1")
	}
	if p.Priority < 1 || p.Priority > 10 {
		return fmt.Errorf("priority %d outside 1-10", p.Priority)
	}
	if p.RetryDelay < 0 || p.Cooldown < 0 {
		return errors.New("retry delay and cooldown must not be negative")
	}
	switch p.BusinessImpact {
	case ImpactLow, ImpactMedium, ImpactHigh, ImpactCritical:
	default:
		return fmt.Errorf("unknown business impact %q", p.BusinessImpact)
	}
	for _, a := range append(slices.Clone(p.Actions), p.Rollback...) {
		if _, ok := actionNames[a.Kind]; !ok {
			return fmt.Errorf("unknown action kind %d", int(a.Kind))
		}
		if a.Timeout < 0 {
			return fmt.Errorf("action %s: timeout must not be negative", a.Kind)
		}
	}
	return nil
}
