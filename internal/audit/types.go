package audit

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of audit event
type EventType string

const (
	// Breaker overrides
	EventTypeBreakerOpen  EventType = "breaker.open"
	EventTypeBreakerClose EventType = "breaker.close"

	// Incident overrides
	EventTypeIncidentTrigger EventType = "incident.trigger"
	EventTypeIncidentResolve EventType = "incident.resolve"

	// Security events
	EventTypeAccessDenied EventType = "security.access_denied"
)

// Result represents the result of an operation
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultDenied  Result = "denied"
)

// Severity represents the severity of an audit event
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is a single audit entry
type Event struct {
	ID        uuid.UUID         `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Actor     string            `json:"actor"`
	Action    EventType         `json:"action"`
	Target    string            `json:"target"`
	Reason    string            `json:"reason,omitempty"`
	Result    Result            `json:"result"`
	Severity  Severity          `json:"severity"`
	ErrorMsg  string            `json:"error_msg,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Query filters audit events. Zero fields match everything.
type Query struct {
	Actor  string     `json:"actor,omitempty"`
	Action EventType  `json:"action,omitempty"`
	Target string     `json:"target,omitempty"`
	Result Result     `json:"result,omitempty"`
	Since  *time.Time `json:"since,omitempty"`
	Until  *time.Time `json:"until,omitempty"`
	Limit  int        `json:"limit"`
}

func (q Query) matches(e Event) bool {
	if q.Actor != "" && q.Actor != e.Actor {
		return false
	}
	if q.Action != "" && q.Action != e.Action {
		return false
	}
	if q.Target != "" && q.Target != e.Target {
		return false
	}
	if q.Result != "" && q.Result != e.Result {
		return false
	}
	if q.Since != nil && e.Timestamp.Before(*q.Since) {
		return false
	}
	if q.Until != nil && !e.Timestamp.Before(*q.Until) {
		return false
	}
	return true
}
