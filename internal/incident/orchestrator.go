package incident

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/FairForge/bulwark/internal/clock"
	"github.com/FairForge/bulwark/internal/history"
	"github.com/FairForge/bulwark/internal/notify"
	"github.com/FairForge/bulwark/internal/recovery"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultHistory = 500

// Recoverer starts automated recovery for an incident
type Recoverer interface {
	TriggerRecovery(ctx context.Context, incidentID, trigger string, rc map[string]string) (*recovery.Execution, error)
}

// EventType identifies an incident lifecycle step
type EventType string

// Event types
const (
	EventOpened         EventType = "opened"
	EventSeverityRaised EventType = "severity_raised"
	EventEscalated      EventType = "escalated"
	EventRecoveryFailed EventType = "recovery_failed"
	EventResolved       EventType = "resolved"
)

// Event is delivered to listeners outside the orchestrator lock
type Event struct {
	Type     EventType
	Incident Incident
	At       time.Time
}

// Listener receives incident events
type Listener func(Event)

// Stats are aggregate reliability figures over resolved incidents
type Stats struct {
	Open     int `json:"open"`
	Resolved int `json:"resolved"`
	// MTTR is the mean time to resolve over the retained history
	MTTR time.Duration `json:"mttr"`
	// MTBF is the mean interval between consecutive resolutions
	MTBF       time.Duration    `json:"mtbf"`
	BySeverity map[Severity]int `json:"by_severity"`
}

// Orchestrator owns open incidents, drives escalation and hands incidents to
// automated recovery
type Orchestrator struct {
	mu            sync.RWMutex
	open          map[string]*Incident
	bySource      map[string]string
	resolved      *history.Ring[Incident]
	resolvedTotal int
	listeners     []Listener

	classifier Classifier
	procedure  Procedure
	notifier   notify.Notifier
	recoverer  Recoverer
	clock      clock.Clock
	logger     *zap.Logger
	historyCap int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures the orchestrator
type Option func(*Orchestrator)

// WithClock sets the time source
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) {
		o.clock = c
	}
}

// WithLogger adds logging
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithClassifier replaces DefaultClassifier
func WithClassifier(c Classifier) Option {
	return func(o *Orchestrator) {
		o.classifier = c
	}
}

// WithProcedure replaces DefaultProcedure
func WithProcedure(p Procedure) Option {
	return func(o *Orchestrator) {
		o.procedure = p
	}
}

// WithNotifier sets the notification sink. The default logs.
func WithNotifier(n notify.Notifier) Option {
	return func(o *Orchestrator) {
		o.notifier = n
	}
}

// WithRecoverer enables automated recovery for signals carrying a trigger
func WithRecoverer(r Recoverer) Option {
	return func(o *Orchestrator) {
		o.recoverer = r
	}
}

// WithHistory bounds the resolved incidents kept
func WithHistory(n int) Option {
	return func(o *Orchestrator) {
		o.historyCap = n
	}
}

// NewOrchestrator creates an orchestrator. It fails only on an invalid
// escalation procedure.
func NewOrchestrator(opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		open:       make(map[string]*Incident),
		bySource:   make(map[string]string),
		classifier: DefaultClassifier(),
		procedure:  DefaultProcedure(),
		clock:      clock.Real(),
		logger:     zap.NewNop(),
		historyCap: defaultHistory,
	}
	for _, opt := range opts {
		opt(o)
	}
	if err := o.procedure.Validate(); err != nil {
		return nil, err
	}
	if o.notifier == nil {
		o.notifier = notify.NewLog(o.logger)
	}
	o.resolved = history.NewRing[Incident](o.historyCap)
	o.ctx, o.cancel = context.WithCancel(context.Background())
	return o, nil
}

// Subscribe registers an event listener
func (o *Orchestrator) Subscribe(l Listener) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, l)
}

func (o *Orchestrator) emit(t EventType, inc Incident) {
	o.mu.RLock()
	listeners := make([]Listener, len(o.listeners))
	copy(listeners, o.listeners)
	o.mu.RUnlock()

	ev := Event{Type: t, Incident: inc, At: o.clock.Now()}
	for _, l := range listeners {
		l(ev)
	}
}

// TriggerIncident opens an incident for the signal. A signal whose Source
// already has an open incident raises that incident's severity instead of
// opening a second one.
func (o *Orchestrator) TriggerIncident(ctx context.Context, sig Signal) (Incident, error) {
	if sig.Title == "" && sig.Type == "" {
		return Incident{}, ErrInvalidSignal
	}
	if sig.Title == "" {
		sig.Title = sig.Type
	}
	if sig.Type == "" {
		sig.Type = "manual"
	}
	actor := sig.Actor
	if actor == "" {
		actor = "system"
	}

	class := o.classifier.Classify(sig)

	o.mu.Lock()
	if sig.Source != "" {
		if id, ok := o.bySource[sig.Source]; ok {
			o.mu.Unlock()
			return o.RaiseSeverity(ctx, id, class.Severity, actor, "repeated signal: "+sig.Title)
		}
	}

	now := o.clock.Now()
	inc := &Incident{
		ID:             uuid.New().String(),
		Title:          sig.Title,
		Type:           sig.Type,
		Trigger:        sig.Trigger,
		Source:         sig.Source,
		Severity:       class.Severity,
		State:          StateOpen,
		Services:       append([]string(nil), sig.Services...),
		CustomerImpact: class.CustomerImpact,
		RevenueImpact:  class.RevenueImpact,
		CreatedAt:      now,
		Timeline:       make([]TimelineEntry, 0, 8),
	}
	inc.addTimelineEntry(now, "created", actor, fmt.Sprintf("%s opened as %s", sig.Title, class.Severity))
	o.open[inc.ID] = inc
	if sig.Source != "" {
		o.bySource[sig.Source] = inc.ID
	}
	snap := inc.clone()
	o.mu.Unlock()

	o.logger.Warn("incident opened",
		zap.String("incident", snap.ID),
		zap.String("title", snap.Title),
		zap.Stringer("severity", snap.Severity),
		zap.Strings("services", snap.Services),
		zap.String("actor", actor))

	o.emit(EventOpened, snap)
	o.deliver(ctx, snap, 0, o.procedure.OnOpen, fmt.Sprintf("[%s] incident opened: %s", snap.Severity, snap.Title))

	if sig.Trigger != "" && o.recoverer != nil {
		o.startRecovery(snap.ID, sig.Trigger, sig.Context)
	}
	return snap, nil
}

// RaiseSeverity moves an open incident to a more severe level. Requests for
// the same or a lower severity leave it unchanged.
func (o *Orchestrator) RaiseSeverity(ctx context.Context, id string, sev Severity, actor, reason string) (Incident, error) {
	o.mu.Lock()
	inc, ok := o.open[id]
	if !ok {
		err := o.missingLocked(id)
		o.mu.Unlock()
		return Incident{}, err
	}
	if sev <= inc.Severity {
		snap := inc.clone()
		o.mu.Unlock()
		return snap, nil
	}

	prev := inc.Severity
	inc.Severity = sev
	inc.addTimelineEntry(o.clock.Now(), "severity_raised", actor, fmt.Sprintf("%s -> %s: %s", prev, sev, reason))
	snap := inc.clone()
	o.mu.Unlock()

	o.logger.Warn("incident severity raised",
		zap.String("incident", id),
		zap.Stringer("from", prev),
		zap.Stringer("to", sev),
		zap.String("reason", reason))

	o.emit(EventSeverityRaised, snap)
	o.deliver(ctx, snap, 0, o.procedure.OnOpen, fmt.Sprintf("[%s] incident severity raised from %s: %s", sev, prev, snap.Title))
	return snap, nil
}

// Escalate fires the next escalation level now, regardless of age
func (o *Orchestrator) Escalate(ctx context.Context, id, actor, reason string) error {
	return o.escalate(ctx, id, -1, actor, reason)
}

// escalate fires the incident's next level. expect >= 0 makes it a no-op
// unless the incident is still at that level.
func (o *Orchestrator) escalate(ctx context.Context, id string, expect int, actor, reason string) error {
	o.mu.Lock()
	inc, ok := o.open[id]
	if !ok {
		err := o.missingLocked(id)
		o.mu.Unlock()
		return err
	}
	if expect >= 0 && inc.EscalationLevel != expect {
		o.mu.Unlock()
		return nil
	}
	if inc.EscalationLevel >= len(o.procedure.Levels) {
		o.mu.Unlock()
		o.logger.Error("incident escalation exhausted",
			zap.String("incident", id),
			zap.Int("levels", len(o.procedure.Levels)))
		return fmt.Errorf("%w: incident %s", ErrEscalationExhausted, id)
	}

	level := o.procedure.Levels[inc.EscalationLevel]
	inc.EscalationLevel++
	inc.State = StateEscalated
	inc.addTimelineEntry(o.clock.Now(), "escalated", actor,
		fmt.Sprintf("level %d (%s): %s", inc.EscalationLevel, level.Name, reason))
	snap := inc.clone()
	o.mu.Unlock()

	o.logger.Warn("incident escalated",
		zap.String("incident", id),
		zap.Int("level", snap.EscalationLevel),
		zap.String("level_name", level.Name),
		zap.Strings("channels", level.Channels),
		zap.String("reason", reason))

	o.emit(EventEscalated, snap)
	failures := o.deliver(ctx, snap, snap.EscalationLevel, level.Channels,
		fmt.Sprintf("[%s] escalation level %d (%s): %s", snap.Severity, snap.EscalationLevel, level.Name, snap.Title))
	return errors.Join(failures...)
}

// Sweep escalates every open incident whose age has passed its next levels'
// thresholds. It returns the number of levels fired.
func (o *Orchestrator) Sweep(ctx context.Context) int {
	type due struct {
		id      string
		from    int
		to      int
		age     time.Duration
		created time.Time
	}

	now := o.clock.Now()
	o.mu.RLock()
	var pending []due
	for id, inc := range o.open {
		age := now.Sub(inc.CreatedAt)
		to := inc.EscalationLevel
		for to < len(o.procedure.Levels) && age >= o.procedure.Levels[to].After {
			to++
		}
		if to > inc.EscalationLevel {
			pending = append(pending, due{id: id, from: inc.EscalationLevel, to: to, age: age, created: inc.CreatedAt})
		}
	}
	o.mu.RUnlock()

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].created.Before(pending[j].created)
	})

	fired := 0
	for _, d := range pending {
		reason := fmt.Sprintf("unresolved after %s", d.age.Truncate(time.Second))
		for level := d.from; level < d.to; level++ {
			err := o.escalate(ctx, d.id, level, "scheduler", reason)
			var df *DeliveryFailure
			if err != nil && !errors.As(err, &df) {
				break
			}
			fired++
		}
	}
	return fired
}

// Resolve closes an open or escalated incident. Unknown ids return a
// *NotFoundError.
func (o *Orchestrator) Resolve(ctx context.Context, id, actor, resolution string) (Incident, error) {
	o.mu.Lock()
	inc, ok := o.open[id]
	if !ok {
		err := o.missingLocked(id)
		o.mu.Unlock()
		return Incident{}, err
	}

	now := o.clock.Now()
	inc.State = StateResolved
	inc.ResolvedAt = &now
	inc.ResolvedBy = actor
	inc.Resolution = resolution
	inc.addTimelineEntry(now, "resolved", actor, resolution)

	delete(o.open, id)
	if inc.Source != "" && o.bySource[inc.Source] == id {
		delete(o.bySource, inc.Source)
	}
	snap := inc.clone()
	o.resolved.Push(snap)
	o.resolvedTotal++
	o.mu.Unlock()

	o.logger.Info("incident resolved",
		zap.String("incident", id),
		zap.String("actor", actor),
		zap.Duration("mttr", snap.TimeToResolve()),
		zap.String("resolution", resolution))

	o.emit(EventResolved, snap)
	o.deliver(ctx, snap, 0, o.procedure.OnOpen, fmt.Sprintf("[%s] incident resolved after %s: %s",
		snap.Severity, snap.TimeToResolve().Truncate(time.Second), snap.Title))
	return snap, nil
}

// missingLocked builds the error for an id not in the open set
func (o *Orchestrator) missingLocked(id string) error {
	for _, inc := range o.resolved.Items() {
		if inc.ID == id {
			return fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
		}
	}
	return &NotFoundError{ID: id}
}

// note appends a timeline entry to an open incident
func (o *Orchestrator) note(id, action, actor, details string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if inc, ok := o.open[id]; ok {
		inc.addTimelineEntry(o.clock.Now(), action, actor, details)
	}
}

// deliver notifies every channel and returns one DeliveryFailure per failed
// channel
func (o *Orchestrator) deliver(ctx context.Context, inc Incident, level int, channels []string, message string) []error {
	var failures []error
	md := inc.metadata()
	for _, ch := range channels {
		err := o.notifier.Notify(ctx, ch, inc.Severity.String(), message, md)
		if err == nil {
			continue
		}
		df := &DeliveryFailure{IncidentID: inc.ID, Level: level, Channel: ch, Err: err}
		o.logger.Warn("incident notification failed",
			zap.String("incident", inc.ID),
			zap.String("channel", ch),
			zap.Int("level", level),
			zap.Error(err))
		o.note(inc.ID, "notification_failed", "system", df.Error())
		failures = append(failures, df)
	}
	return failures
}

// FindBySource returns the open incident raised for source
func (o *Orchestrator) FindBySource(source string) (Incident, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	id, ok := o.bySource[source]
	if !ok {
		return Incident{}, false
	}
	return o.open[id].clone(), true
}

// Get returns an open or retained resolved incident
func (o *Orchestrator) Get(id string) (Incident, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if inc, ok := o.open[id]; ok {
		return inc.clone(), nil
	}
	for _, inc := range o.resolved.Items() {
		if inc.ID == id {
			return inc, nil
		}
	}
	return Incident{}, &NotFoundError{ID: id}
}

// Open returns open incidents, oldest first
func (o *Orchestrator) Open() []Incident {
	o.mu.RLock()
	out := make([]Incident, 0, len(o.open))
	for _, inc := range o.open {
		out = append(out, inc.clone())
	}
	o.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// History returns retained resolved incidents, oldest first
func (o *Orchestrator) History() []Incident {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.resolved.Items()
}

// Stats computes MTTR and MTBF over the retained history
func (o *Orchestrator) Stats() Stats {
	o.mu.RLock()
	defer o.mu.RUnlock()

	s := Stats{
		Open:       len(o.open),
		Resolved:   o.resolvedTotal,
		BySeverity: make(map[Severity]int),
	}
	for _, inc := range o.open {
		s.BySeverity[inc.Severity]++
	}

	hist := o.resolved.Items()
	if len(hist) == 0 {
		return s
	}

	var total time.Duration
	resolvedAt := make([]time.Time, 0, len(hist))
	for _, inc := range hist {
		total += inc.TimeToResolve()
		resolvedAt = append(resolvedAt, *inc.ResolvedAt)
	}
	s.MTTR = total / time.Duration(len(hist))

	if len(resolvedAt) > 1 {
		sort.Slice(resolvedAt, func(i, j int) bool { return resolvedAt[i].Before(resolvedAt[j]) })
		span := resolvedAt[len(resolvedAt)-1].Sub(resolvedAt[0])
		s.MTBF = span / time.Duration(len(resolvedAt)-1)
	}
	return s
}

// Shutdown cancels in-flight recoveries, which stop retrying and roll back,
// and waits for them until ctx expires
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	// under mu so startRecovery never adds to wg after Wait begins
	o.mu.Lock()
	o.cancel()
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every started recovery has reported back
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}
