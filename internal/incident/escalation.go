package incident

import (
	"errors"
	"fmt"
	"time"
)

// Level is one step of an escalation procedure
type Level struct {
	Name string `json:"name"`
	// After is the incident age at which the level fires
	After    time.Duration `json:"after"`
	Channels []string      `json:"channels"`
}

// Procedure is the static escalation matrix. OnOpen channels are notified
// when an incident opens, changes severity or resolves.
type Procedure struct {
	OnOpen []string `json:"on_open"`
	Levels []Level  `json:"levels"`
}

// DefaultProcedure pages on-call at 5 minutes, the engineering lead at 15
// and the incident commander at 30
func DefaultProcedure() Procedure {
	return Procedure{
		OnOpen: []string{"slack"},
		Levels: []Level{
			{Name: "on-call", After: 5 * time.Minute, Channels: []string{"pager"}},
			{Name: "engineering-lead", After: 15 * time.Minute, Channels: []string{"pager", "slack"}},
			{Name: "incident-commander", After: 30 * time.Minute, Channels: []string{"pager", "email"}},
		},
	}
}

// Validate checks level ordering and channels
func (p Procedure) Validate() error {
	if len(p.Levels) == 0 {
		return errors.New("escalation: at least one level is required")
	}
	var prev time.Duration
	for i, l := range p.Levels {
		if len(l.Channels) == 0 {
			return fmt.Errorf("escalation: level %d has no channels", i+1)
		}
		if l.After < 0 {
			return fmt.Errorf("escalation: level %d has a negative threshold", i+1)
		}
		if i > 0 && l.After < prev {
			return fmt.Errorf("escalation: level %d fires before level %d", i+1, i)
		}
		prev = l.After
	}
	return nil
}

// DeliveryFailure is one channel that could not be notified. It never stops
// delivery to the remaining channels.
type DeliveryFailure struct {
	IncidentID string
	Level      int
	Channel    string
	Err        error
}

func (e *DeliveryFailure) Error() string {
	if e.Level > 0 {
		return fmt.Sprintf("incident %s level %d: notify %s: %v", e.IncidentID, e.Level, e.Channel, e.Err)
	}
	return fmt.Sprintf("incident %s: notify %s: %v", e.IncidentID, e.Channel, e.Err)
}

func (e *DeliveryFailure) Unwrap() error { return e.Err }
