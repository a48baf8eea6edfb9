// internal/incident/incident.go
package incident

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/FairForge/bulwark/internal/errs"
)

var (
	// ErrIncidentNotFound matches NotFoundError with errors.Is
	ErrIncidentNotFound = errors.New("incident not found")
	// ErrAlreadyResolved is returned when acting on a resolved incident
	ErrAlreadyResolved = errors.New("incident already resolved")
	// ErrEscalationExhausted is returned when every level has fired
	ErrEscalationExhausted = errors.New("escalation procedure exhausted")
	// ErrInvalidSignal is returned for a signal with neither title nor type
	ErrInvalidSignal = errors.New("incident signal needs a title or type")
)

// NotFoundError reports an incident id that was never opened
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("incident not found: %s", e.ID)
}

// Is matches ErrIncidentNotFound
func (e *NotFoundError) Is(target error) bool {
	return target == ErrIncidentNotFound
}

// Unwrap exposes the shared not-found type
func (e *NotFoundError) Unwrap() error {
	return errs.NotFound("incident", e.ID)
}

// Severity of an incident. Higher values are more severe, so P1 > P4.
type Severity int

// Severities
const (
	SeverityUnset Severity = iota
	SeverityP4
	SeverityP3
	SeverityP2
	SeverityP1
)

func (s Severity) String() string {
	switch s {
	case SeverityP1:
		return "P1"
	case SeverityP2:
		return "P2"
	case SeverityP3:
		return "P3"
	case SeverityP4:
		return "P4"
	default:
		return "unset"
	}
}

// MarshalText encodes the severity as "P1".."P4"
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses "P1".."P4"
func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSeverity parses "P1".."P4", case-insensitively
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "P1":
		return SeverityP1, nil
	case "P2":
		return SeverityP2, nil
	case "P3":
		return SeverityP3, nil
	case "P4":
		return SeverityP4, nil
	}
	return SeverityUnset, fmt.Errorf("unknown incident severity %q", s)
}

// State of an incident
type State string

// Incident states
const (
	StateOpen      State = "OPEN"
	StateEscalated State = "ESCALATED"
	StateResolved  State = "RESOLVED"
)

// TimelineEntry represents an entry in the incident timeline
type TimelineEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	Details   string    `json:"details,omitempty"`
}

// Incident is a snapshot of one incident. Values returned by the
// Orchestrator are copies.
type Incident struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Type     string   `json:"type"`
	Trigger  string   `json:"trigger,omitempty"`
	Source   string   `json:"source,omitempty"`
	Severity Severity `json:"severity"`
	State    State    `json:"state"`

	Services           []string `json:"services,omitempty"`
	CustomerImpact     bool     `json:"customer_impact"`
	RevenueImpact      bool     `json:"revenue_impact"`
	EscalationRequired bool     `json:"escalation_required"`
	EscalationLevel    int      `json:"escalation_level"`

	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy string     `json:"resolved_by,omitempty"`
	Resolution string     `json:"resolution,omitempty"`

	Timeline []TimelineEntry `json:"timeline"`
}

// Open reports whether the incident still needs resolution
func (i Incident) Open() bool {
	return i.State != StateResolved
}

// TimeToResolve is resolution minus creation, zero while open
func (i Incident) TimeToResolve() time.Duration {
	if i.ResolvedAt == nil {
		return 0
	}
	return i.ResolvedAt.Sub(i.CreatedAt)
}

func (i *Incident) clone() Incident {
	c := *i
	c.Services = append([]string(nil), i.Services...)
	c.Timeline = append([]TimelineEntry(nil), i.Timeline...)
	if i.ResolvedAt != nil {
		t := *i.ResolvedAt
		c.ResolvedAt = &t
	}
	return c
}

func (i *Incident) addTimelineEntry(at time.Time, action, actor, details string) {
	i.Timeline = append(i.Timeline, TimelineEntry{
		Timestamp: at,
		Action:    action,
		Actor:     actor,
		Details:   details,
	})
}

func (i *Incident) metadata() map[string]string {
	md := map[string]string{
		"incident_id": i.ID,
		"state":       string(i.State),
		"type":        i.Type,
	}
	if len(i.Services) > 0 {
		md["services"] = strings.Join(i.Services, ",")
	}
	if i.Source != "" {
		md["source"] = i.Source
	}
	return md
}

// Signal describes something that should open an incident
type Signal struct {
	Title string
	// Type is the incident type used for runbook lookup
	Type string
	// Trigger is the recovery condition; empty skips automated recovery
	Trigger string
	// Source deduplicates signals: one open incident per source
	Source   string
	Services []string
	// ErrorRate is the observed error percentage, 0-100
	ErrorRate      float64
	CustomerImpact bool
	RevenueImpact  bool
	// Severity is a floor applied after classification
	Severity Severity
	Actor    string
	Context  map[string]string
}
