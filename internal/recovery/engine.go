package recovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/FairForge/bulwark/internal/clock"
	"github.com/FairForge/bulwark/internal/errs"
	"github.com/FairForge/bulwark/internal/history"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrNoPlan is returned when no plan handles a trigger
	ErrNoPlan = errors.New("recovery: no plan for trigger")
	// ErrCooldown is returned when every matching plan is cooling down
	ErrCooldown = errors.New("recovery: plan in cooldown")
	// ErrCapacity is returned when the concurrent execution cap is reached
	ErrCapacity = errors.New("recovery: concurrent execution cap reached")
	// ErrAlreadyActive is returned when the plan already runs for the incident
	ErrAlreadyActive = errors.New("recovery: execution already active")
	// ErrActionTimeout is returned when an action outlives its timeout
	ErrActionTimeout = errors.New("recovery: action timed out")
)

// ActionFailure is one failed action of one attempt
type ActionFailure struct {
	Plan    string
	Action  ActionKind
	Target  string
	Attempt int
	Err     error
}

func (e *ActionFailure) Error() string {
	return fmt.Sprintf("recovery plan %q attempt %d: %s %s: %v", e.Plan, e.Attempt, e.Action, e.Target, e.Err)
}

func (e *ActionFailure) Unwrap() error { return e.Err }

// ActionResult records one executed action
type ActionResult struct {
	Action   ActionKind    `json:"action"`
	Target   string        `json:"target,omitempty"`
	Attempt  int           `json:"attempt"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	Rollback bool          `json:"rollback"`
}

// Execution is one run of a plan for an incident
type Execution struct {
	ID         string         `json:"id"`
	Plan       string         `json:"plan"`
	IncidentID string         `json:"incident_id"`
	Trigger    string         `json:"trigger"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    *time.Time     `json:"ended_at,omitempty"`
	Results    []ActionResult `json:"results"`
	Attempts   int            `json:"attempts"`
	Success    bool           `json:"success"`
	RolledBack bool           `json:"rolled_back"`
	Error      string         `json:"error,omitempty"`
}

// PlanStats are lifetime counters for one plan
type PlanStats struct {
	Runs      int `json:"runs"`
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
}

// OutcomeListener receives every finished execution. Failed executions are
// delivered after rollback has run.
type OutcomeListener func(Execution)

// Engine runs recovery plans
type Engine struct {
	mu            sync.Mutex
	plans         []Plan
	executors     *Executors
	maxConcurrent int
	actionTimeout time.Duration

	active      map[string]*Execution // incident/plan -> running execution
	lastStarted map[string]time.Time
	stats       map[string]*PlanStats
	history     *history.Ring[Execution]
	listeners   []OutcomeListener

	clock  clock.Clock
	logger *zap.Logger
}

// Option configures the engine
type Option func(*Engine)

// WithClock sets the time source
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithLogger adds logging
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMaxConcurrent caps concurrently active executions
func WithMaxConcurrent(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxConcurrent = n
		}
	}
}

// WithActionTimeout sets the default per-action timeout
func WithActionTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.actionTimeout = d
		}
	}
}

// WithHistory bounds the execution history
func WithHistory(n int) Option {
	return func(e *Engine) {
		e.history = history.NewRing[Execution](n)
	}
}

// NewEngine creates an engine dispatching through executors
func NewEngine(executors *Executors, opts ...Option) *Engine {
	e := &Engine{
		executors:     executors,
		maxConcurrent: 3,
		actionTimeout: 30 * time.Second,
		active:        make(map[string]*Execution),
		lastStarted:   make(map[string]time.Time),
		stats:         make(map[string]*PlanStats),
		history:       history.NewRing[Execution](200),
		clock:         clock.Real(),
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterPlan adds a plan. Every action kind it uses must have an executor.
func (e *Engine) RegisterPlan(p Plan) error {
	if err := p.Validate(); err != nil {
		return errs.Invalid("recovery_plan", p.Name, err.Error())
	}
	for _, a := range append(append([]Action{}, p.Actions...), p.Rollback...) {
		if _, ok := e.executors.Get(a.Kind); !ok {
			return errs.Invalid("recovery_plan", p.Name, fmt.Sprintf("no executor for %s", a.Kind))
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.plans {
		if existing.Name == p.Name {
			return errs.Invalid("recovery_plan", p.Name, "already registered")
		}
	}
	e.plans = append(e.plans, p)
	e.stats[p.Name] = &PlanStats{}
	return nil
}

// OnOutcome registers a listener for finished executions
func (e *Engine) OnOutcome(l OutcomeListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// Plan returns a registered plan by name
func (e *Engine) Plan(name string) (Plan, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.plans {
		if p.Name == name {
			return p, nil
		}
	}
	return Plan{}, errs.Unknown("recovery_plan", name)
}

// Plans returns every registered plan
func (e *Engine) Plans() []Plan {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Plan(nil), e.plans...)
}

// PlansFor returns plans handling trigger, highest priority first
func (e *Engine) PlansFor(trigger string) []Plan {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.plansForLocked(trigger)
}

func (e *Engine) plansForLocked(trigger string) []Plan {
	var out []Plan
	for _, p := range e.plans {
		if p.HandlesTrigger(trigger) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

func activeKey(incidentID, plan string) string {
	return incidentID + "/" + plan
}

// TriggerRecovery runs the highest-priority eligible plan for trigger and
// blocks until it finishes. Cancelling ctx stops further retries but never
// interrupts a running action; each action is bounded by its own timeout.
func (e *Engine) TriggerRecovery(ctx context.Context, incidentID, trigger string, rc map[string]string) (*Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("recovery not started: %w", err)
	}
	plan, exec, err := e.admit(incidentID, trigger)
	if err != nil {
		e.logger.Info("recovery not started",
			zap.String("incident", incidentID),
			zap.String("trigger", trigger),
			zap.Error(err))
		return nil, err
	}

	e.logger.Info("recovery started",
		zap.String("execution", exec.ID),
		zap.String("plan", plan.Name),
		zap.String("incident", incidentID),
		zap.String("trigger", trigger))

	failure := e.run(ctx, plan, exec, rc)
	return e.finish(plan, exec, failure)
}

// admit picks the plan and reserves its active slot
func (e *Engine) admit(incidentID, trigger string) (Plan, *Execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	candidates := e.plansForLocked(trigger)
	if len(candidates) == 0 {
		return Plan{}, nil, fmt.Errorf("%w %q", ErrNoPlan, trigger)
	}

	now := e.clock.Now()
	var reason error
	for _, p := range candidates {
		if last, ok := e.lastStarted[p.Name]; ok && now.Sub(last) < p.Cooldown {
			reason = fmt.Errorf("%w: %s until %s", ErrCooldown, p.Name, last.Add(p.Cooldown).Format(time.RFC3339))
			continue
		}
		if _, running := e.active[activeKey(incidentID, p.Name)]; running {
			reason = fmt.Errorf("%w: %s for incident %s", ErrAlreadyActive, p.Name, incidentID)
			continue
		}
		if len(e.active) >= e.maxConcurrent && p.BusinessImpact != ImpactCritical {
			reason = fmt.Errorf("%w (%d)", ErrCapacity, e.maxConcurrent)
			continue
		}

		exec := &Execution{
			ID:         uuid.New().String(),
			Plan:       p.Name,
			IncidentID: incidentID,
			Trigger:    trigger,
			StartedAt:  now,
		}
		e.active[activeKey(incidentID, p.Name)] = exec
		e.lastStarted[p.Name] = now
		return p, exec, nil
	}
	return Plan{}, nil, reason
}

// run executes attempts and, when all fail, the rollback actions
func (e *Engine) run(ctx context.Context, plan Plan, exec *Execution, rc map[string]string) *ActionFailure {
	var failure *ActionFailure
	for attempt := 1; attempt <= plan.MaxAttempts; attempt++ {
		e.update(exec, func(x *Execution) { x.Attempts = attempt })

		failure = e.runSequence(ctx, plan, exec, plan.Actions, attempt, false, rc)
		if failure == nil {
			return nil
		}
		e.logger.Warn("recovery attempt failed",
			zap.String("plan", plan.Name),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", plan.MaxAttempts),
			zap.Error(failure))

		if attempt == plan.MaxAttempts {
			break
		}
		if plan.RetryDelay > 0 {
			select {
			case <-e.clock.After(plan.RetryDelay):
			case <-ctx.Done():
				e.logger.Warn("recovery retries abandoned on shutdown", zap.String("plan", plan.Name))
				e.rollback(ctx, plan, exec, attempt, rc)
				return failure
			}
		} else if ctx.Err() != nil {
			e.rollback(ctx, plan, exec, attempt, rc)
			return failure
		}
	}

	e.rollback(ctx, plan, exec, exec.Attempts, rc)
	return failure
}

func (e *Engine) rollback(ctx context.Context, plan Plan, exec *Execution, attempt int, rc map[string]string) {
	if len(plan.Rollback) == 0 {
		return
	}
	// rollback is best effort: every action runs and failures are only logged
	for _, a := range plan.Rollback {
		if err := e.runAction(ctx, plan, exec, a, attempt, true, rc); err != nil {
			e.logger.Warn("rollback action failed",
				zap.String("plan", plan.Name),
				zap.Stringer("action", a.Kind),
				zap.String("target", a.Target),
				zap.Error(err))
		}
	}
	e.update(exec, func(x *Execution) { x.RolledBack = true })
}

func (e *Engine) runSequence(ctx context.Context, plan Plan, exec *Execution, actions []Action, attempt int, rollback bool, rc map[string]string) *ActionFailure {
	for _, a := range actions {
		if err := e.runAction(ctx, plan, exec, a, attempt, rollback, rc); err != nil {
			return &ActionFailure{Plan: plan.Name, Action: a.Kind, Target: a.Target, Attempt: attempt, Err: err}
		}
	}
	return nil
}

// runAction dispatches one action under its timeout. The action context is
// detached from ctx so shutdown does not abort work already in flight.
func (e *Engine) runAction(ctx context.Context, plan Plan, exec *Execution, a Action, attempt int, rollback bool, rc map[string]string) error {
	executor, ok := e.executors.Get(a.Kind)
	if !ok {
		return errs.Unknown("executor", a.Kind.String())
	}

	timeout := a.Timeout
	if timeout <= 0 {
		timeout = e.actionTimeout
	}
	actx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	ec := ExecContext{
		ExecutionID: exec.ID,
		IncidentID:  exec.IncidentID,
		Plan:        plan.Name,
		Trigger:     exec.Trigger,
		Attempt:     attempt,
		Rollback:    rollback,
		Context:     rc,
	}

	start := e.clock.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("executor panic: %v", r)
			}
		}()
		done <- executor.Execute(actx, a, ec)
	}()

	var err error
	select {
	case err = <-done:
	case <-e.clock.After(timeout):
		err = fmt.Errorf("%w after %s", ErrActionTimeout, timeout)
	}

	result := ActionResult{
		Action:   a.Kind,
		Target:   a.Target,
		Attempt:  attempt,
		Success:  err == nil,
		Duration: e.clock.Now().Sub(start),
		Rollback: rollback,
	}
	if err != nil {
		result.Error = err.Error()
	}
	e.update(exec, func(x *Execution) { x.Results = append(x.Results, result) })
	return err
}

func (e *Engine) update(exec *Execution, fn func(*Execution)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(exec)
}

// finish archives the execution and notifies listeners
func (e *Engine) finish(plan Plan, exec *Execution, failure *ActionFailure) (*Execution, error) {
	e.mu.Lock()
	end := e.clock.Now()
	exec.EndedAt = &end
	exec.Success = failure == nil
	if failure != nil {
		exec.Error = failure.Error()
	}
	delete(e.active, activeKey(exec.IncidentID, plan.Name))

	stats := e.stats[plan.Name]
	stats.Runs++
	if exec.Success {
		stats.Successes++
	} else {
		stats.Failures++
	}
	snapshot := cloneExecution(exec)
	e.history.Push(snapshot)
	listeners := make([]OutcomeListener, len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.Unlock()

	if exec.Success {
		e.logger.Info("recovery succeeded",
			zap.String("execution", exec.ID),
			zap.String("plan", plan.Name),
			zap.Int("attempts", exec.Attempts))
	} else {
		e.logger.Error("recovery exhausted",
			zap.String("execution", exec.ID),
			zap.String("plan", plan.Name),
			zap.Int("attempts", exec.Attempts),
			zap.Bool("rolled_back", exec.RolledBack),
			zap.Error(failure))
	}

	for _, l := range listeners {
		l(snapshot)
	}

	if failure != nil {
		return &snapshot, failure
	}
	return &snapshot, nil
}

func cloneExecution(x *Execution) Execution {
	c := *x
	c.Results = append([]ActionResult(nil), x.Results...)
	return c
}

// Active returns executions currently running
func (e *Engine) Active() []Execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Execution, 0, len(e.active))
	for _, x := range e.active {
		out = append(out, cloneExecution(x))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// History returns finished executions, oldest first
func (e *Engine) History() []Execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.Items()
}

// Stats returns per-plan counters
func (e *Engine) Stats() map[string]PlanStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]PlanStats, len(e.stats))
	for name, s := range e.stats {
		out[name] = *s
	}
	return out
}
