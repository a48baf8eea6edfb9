// Package audit keeps the operator audit trail: every manual override of a
// breaker or incident, plus denied admin requests.
package audit

import (
	"github.com/FairForge/bulwark/internal/clock"
	"github.com/FairForge/bulwark/internal/history"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultCapacity bounds the in-memory trail
const DefaultCapacity = 5000

// Log is a bounded, queryable audit trail. Each entry is also written to
// the structured log so the trail survives restarts in log storage.
type Log struct {
	events *history.Ring[Event]
	clock  clock.Clock
	logger *zap.Logger
}

// Option configures a Log
type Option func(*Log)

// WithCapacity sets how many events are kept
func WithCapacity(n int) Option {
	return func(l *Log) {
		l.events = history.NewRing[Event](n)
	}
}

// WithClock sets the time source
func WithClock(c clock.Clock) Option {
	return func(l *Log) {
		l.clock = c
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(l *Log) {
		l.logger = logger
	}
}

// NewLog creates an empty audit log
func NewLog(opts ...Option) *Log {
	l := &Log{
		events: history.NewRing[Event](DefaultCapacity),
		clock:  clock.Real(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	return l
}

// Record logs a successful override
func (l *Log) Record(actor, action, target, reason string) {
	l.LogEvent(Event{
		Actor:  actor,
		Action: EventType(action),
		Target: target,
		Reason: reason,
	})
}

// LogEvent fills in ID, timestamp, result and severity and stores the event
func (l *Log) LogEvent(event Event) Event {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.clock.Now()
	}
	if event.Result == "" {
		event.Result = ResultSuccess
	}
	if event.Severity == "" {
		event.Severity = severityFor(event)
	}
	l.events.Push(event)

	fields := []zap.Field{
		zap.String("id", event.ID.String()),
		zap.String("actor", event.Actor),
		zap.String("action", string(event.Action)),
		zap.String("target", event.Target),
		zap.String("result", string(event.Result)),
	}
	if event.Reason != "" {
		fields = append(fields, zap.String("reason", event.Reason))
	}
	if event.ErrorMsg != "" {
		fields = append(fields, zap.String("error", event.ErrorMsg))
	}
	if event.Result == ResultSuccess {
		l.logger.Info("audit", fields...)
	} else {
		l.logger.Warn("audit", fields...)
	}
	return event
}

func severityFor(e Event) Severity {
	switch {
	case e.Result == ResultDenied:
		return SeverityWarning
	case e.Action == EventTypeBreakerOpen:
		return SeverityCritical
	case e.Result == ResultFailure:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Query returns matching events newest first. Limit defaults to 100 and
// is capped at 1000.
func (l *Log) Query(q Query) []Event {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 1000 {
		q.Limit = 1000
	}

	items := l.events.Items()
	out := make([]Event, 0, min(q.Limit, len(items)))
	for i := len(items) - 1; i >= 0 && len(out) < q.Limit; i-- {
		if q.matches(items[i]) {
			out = append(out, items[i])
		}
	}
	return out
}

// Get returns one event by ID
func (l *Log) Get(id uuid.UUID) (Event, bool) {
	for _, e := range l.events.Items() {
		if e.ID == id {
			return e, true
		}
	}
	return Event{}, false
}

// Len returns the number of retained events
func (l *Log) Len() int {
	return l.events.Len()
}
