// Package controlplane assembles the reliability components from
// configuration, connects their events and owns the periodic tasks.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/FairForge/bulwark/internal/audit"
	"github.com/FairForge/bulwark/internal/breaker"
	"github.com/FairForge/bulwark/internal/clock"
	"github.com/FairForge/bulwark/internal/config"
	"github.com/FairForge/bulwark/internal/ha"
	"github.com/FairForge/bulwark/internal/incident"
	"github.com/FairForge/bulwark/internal/logging"
	"github.com/FairForge/bulwark/internal/metrics"
	"github.com/FairForge/bulwark/internal/notify"
	"github.com/FairForge/bulwark/internal/recovery"
	"github.com/FairForge/bulwark/internal/runbooks"
	"github.com/FairForge/bulwark/internal/scheduler"
	"github.com/FairForge/bulwark/internal/slo"
	"github.com/FairForge/bulwark/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// History persists incidents and recovery executions
type History interface {
	SaveIncident(ctx context.Context, inc incident.Incident) error
	SaveExecution(ctx context.Context, x recovery.Execution) error
}

// Pruner deletes exported snapshots older than a cutoff
type Pruner interface {
	PruneSnapshots(ctx context.Context, cutoff time.Time) (int64, error)
}

// ControlPlane owns every component. Fields are exported for read access by
// the HTTP layer and tests; they are never replaced after New.
type ControlPlane struct {
	SLOs      *slo.Registry
	Budgets   *slo.BudgetTracker
	Breakers  *breaker.Manager
	HA        *ha.Coordinator
	Recovery  *recovery.Engine
	Incidents *incident.Orchestrator
	Runbooks  *runbooks.Library
	Audit     *audit.Log
	Metrics   *metrics.Collector
	Scheduler *scheduler.Scheduler

	cfg      *config.Config
	clock    clock.Clock
	logger   *zap.Logger
	registry *prometheus.Registry
	notifier notify.Notifier
	probe    ha.Probe
	docker   recovery.ContainerRestarter
	history  History
	exporter store.Exporter
	pruner   Pruner
	watcher  *runbooks.Watcher
	builtin  []runbooks.Runbook
	events   *queue
}

// Option configures New
type Option func(*ControlPlane)

// WithClock sets the time source for every component
func WithClock(c clock.Clock) Option {
	return func(cp *ControlPlane) {
		cp.clock = c
	}
}

// WithLogger sets the root logger; components get named children
func WithLogger(logger *zap.Logger) Option {
	return func(cp *ControlPlane) {
		cp.logger = logger
	}
}

// WithRegistry registers metrics on reg instead of a private registry
func WithRegistry(reg *prometheus.Registry) Option {
	return func(cp *ControlPlane) {
		cp.registry = reg
	}
}

// WithNotifier replaces the notifier built from configuration
func WithNotifier(n notify.Notifier) Option {
	return func(cp *ControlPlane) {
		cp.notifier = n
	}
}

// WithProbe replaces the HTTP health probe
func WithProbe(p ha.Probe) Option {
	return func(cp *ControlPlane) {
		cp.probe = p
	}
}

// WithContainerAPI enables the Docker executor for restart actions
func WithContainerAPI(api recovery.ContainerRestarter) Option {
	return func(cp *ControlPlane) {
		cp.docker = api
	}
}

// WithHistory persists incidents and executions as they change
func WithHistory(h History) Option {
	return func(cp *ControlPlane) {
		cp.history = h
	}
}

// WithExporter receives periodic snapshots
func WithExporter(e store.Exporter) Option {
	return func(cp *ControlPlane) {
		cp.exporter = e
	}
}

// WithPruner deletes snapshots older than the configured retention
func WithPruner(p Pruner) Option {
	return func(cp *ControlPlane) {
		cp.pruner = p
	}
}

// WithBuiltinRunbooks replaces the default runbook set
func WithBuiltinRunbooks(rbs []runbooks.Runbook) Option {
	return func(cp *ControlPlane) {
		cp.builtin = rbs
	}
}

// New builds and connects every component. Any configuration error is
// returned before anything starts.
func New(cfg *config.Config, opts ...Option) (*ControlPlane, error) {
	if cfg == nil {
		return nil, errors.New("controlplane: config is required")
	}
	cp := &ControlPlane{
		cfg:     cfg,
		clock:   clock.Real(),
		logger:  zap.NewNop(),
		builtin: runbooks.Defaults(),
	}
	for _, opt := range opts {
		opt(cp)
	}
	if cp.logger == nil {
		cp.logger = zap.NewNop()
	}
	log := cp.logger

	cp.Metrics = metrics.NewCollector(cp.registry)
	cp.Audit = audit.NewLog(audit.WithClock(cp.clock), audit.WithLogger(log.Named(logging.ComponentAudit)))
	cp.events = newQueue(log)

	if err := cp.buildSLOs(); err != nil {
		return nil, err
	}
	if err := cp.buildBreakers(); err != nil {
		return nil, err
	}
	if err := cp.buildHA(); err != nil {
		return nil, err
	}
	if err := cp.buildRecovery(); err != nil {
		return nil, err
	}
	if err := cp.buildIncidents(); err != nil {
		return nil, err
	}
	if err := cp.buildRunbooks(); err != nil {
		return nil, err
	}

	cp.connect()

	cp.Scheduler = scheduler.New(cp.clock, log.Named(logging.ComponentScheduler))
	if err := cp.addTasks(); err != nil {
		return nil, err
	}
	return cp, nil
}

func (cp *ControlPlane) buildSLOs() error {
	log := cp.logger.Named(logging.ComponentSLO)
	cp.SLOs = slo.NewRegistry(slo.WithClock(cp.clock), slo.WithLogger(log))
	for _, sc := range cp.cfg.SLOs {
		if err := cp.SLOs.Register(sc.Definition()); err != nil {
			return fmt.Errorf("register slo %s: %w", sc.Name, err)
		}
	}

	opts := []slo.BudgetOption{
		slo.WithFastBurnMultiple(cp.cfg.Budget.FastBurnMultiple),
		slo.WithBudgetLogger(log),
	}
	if cp.cfg.Budget.AlertHistory > 0 {
		opts = append(opts, slo.WithAlertHistory(cp.cfg.Budget.AlertHistory))
	}
	cp.Budgets = slo.NewBudgetTracker(cp.SLOs, opts...)
	return nil
}

func (cp *ControlPlane) buildBreakers() error {
	cp.Breakers = breaker.NewManager(
		breaker.WithClock(cp.clock),
		breaker.WithLogger(cp.logger.Named(logging.ComponentBreaker)),
		breaker.WithAuditor(cp.Audit),
	)
	for _, bc := range cp.cfg.Breakers {
		if err := cp.Breakers.Register(bc.Name, bc.Settings()); err != nil {
			return fmt.Errorf("register breaker %s: %w", bc.Name, err)
		}
	}
	return nil
}

func (cp *ControlPlane) buildHA() error {
	opts := []ha.Option{
		ha.WithClock(cp.clock),
		ha.WithLogger(cp.logger.Named(logging.ComponentHA)),
	}
	if cp.probe != nil {
		opts = append(opts, ha.WithProbe(cp.probe))
	}
	cp.HA = ha.NewCoordinator(opts...)

	for _, ic := range cp.cfg.Instances {
		if err := cp.HA.RegisterInstance(ic.Instance()); err != nil {
			return fmt.Errorf("register instance %s: %w", ic.ID, err)
		}
	}
	for _, hc := range cp.cfg.HealthChecks {
		if err := cp.HA.ConfigureHealthCheck(hc.Check()); err != nil {
			return fmt.Errorf("health check %s: %w", hc.Instance, err)
		}
	}
	for _, fc := range cp.cfg.Failover {
		if err := cp.HA.ConfigureFailover(fc.Rule()); err != nil {
			return fmt.Errorf("failover %s: %w", fc.Service, err)
		}
	}
	return nil
}

func (cp *ControlPlane) buildRecovery() error {
	log := cp.logger.Named(logging.ComponentRecovery)
	execs := BuildExecutors(cp.cfg.Recovery.Executors, cp.Breakers, cp.HA, cp.docker, log)

	opts := []recovery.Option{
		recovery.WithClock(cp.clock),
		recovery.WithLogger(log),
		recovery.WithMaxConcurrent(cp.cfg.Recovery.MaxConcurrent),
		recovery.WithActionTimeout(cp.cfg.Recovery.ActionTimeout),
	}
	if cp.cfg.Recovery.History > 0 {
		opts = append(opts, recovery.WithHistory(cp.cfg.Recovery.History))
	}
	cp.Recovery = recovery.NewEngine(execs, opts...)

	for _, pc := range cp.cfg.Recovery.Plans {
		plan, err := pc.Plan()
		if err != nil {
			return fmt.Errorf("plan %s: %w", pc.Name, err)
		}
		if err := cp.Recovery.RegisterPlan(plan); err != nil {
			return fmt.Errorf("register plan %s: %w", pc.Name, err)
		}
	}
	return nil
}

func (cp *ControlPlane) buildIncidents() error {
	log := cp.logger.Named(logging.ComponentIncident)
	if cp.notifier == nil {
		cp.notifier = BuildNotifier(cp.cfg.Notify, nil, cp.logger.Named(logging.ComponentNotify))
	}

	opts := []incident.Option{
		incident.WithClock(cp.clock),
		incident.WithLogger(log),
		incident.WithClassifier(cp.cfg.Incidents.Classifier()),
		incident.WithProcedure(cp.cfg.Incidents.Procedure()),
		incident.WithNotifier(cp.notifier),
		incident.WithRecoverer(cp.Recovery),
	}
	if cp.cfg.Incidents.History > 0 {
		opts = append(opts, incident.WithHistory(cp.cfg.Incidents.History))
	}
	orch, err := incident.NewOrchestrator(opts...)
	if err != nil {
		return fmt.Errorf("incident orchestrator: %w", err)
	}
	cp.Incidents = orch
	return nil
}

func (cp *ControlPlane) buildRunbooks() error {
	log := cp.logger.Named(logging.ComponentRunbooks)
	all := append([]runbooks.Runbook(nil), cp.builtin...)
	if dir := cp.cfg.Runbooks.Dir; dir != "" {
		loaded, err := runbooks.LoadDir(dir)
		if err != nil {
			return fmt.Errorf("load runbooks: %w", err)
		}
		all = append(all, loaded...)
	}
	repo, err := runbooks.NewRepository(all...)
	if err != nil {
		return fmt.Errorf("runbooks: %w", err)
	}
	cp.Runbooks = runbooks.NewLibrary(repo, runbooks.WithClock(cp.clock), runbooks.WithLogger(log))

	if cp.cfg.Runbooks.Watch {
		cp.watcher = runbooks.NewWatcher(cp.cfg.Runbooks.Dir, cp.Runbooks,
			runbooks.WithBuiltin(cp.builtin),
			runbooks.WithDebounce(cp.cfg.Runbooks.Debounce),
			runbooks.WithWatcherLogger(log))
	}
	return nil
}

// connect subscribes metrics, persistence and incident handling to every
// component's events. Handlers that may block run on the event queue so the
// emitting component never waits on them.
func (cp *ControlPlane) connect() {
	cp.SLOs.Subscribe(func(ev slo.ViolationEvent) {
		cp.Metrics.ObserveViolation(ev)
		cp.events.push(func() { cp.Incidents.HandleViolation(ev) })
	})
	cp.Budgets.Subscribe(cp.Metrics.ObserveBudgetAlert)
	cp.Breakers.OnStateChange(cp.Metrics.ObserveTransition)
	cp.HA.Subscribe(cp.Metrics.ObserveHAEvent)

	cp.Recovery.OnOutcome(func(x recovery.Execution) {
		cp.Metrics.ObserveExecution(x)
		if cp.history != nil {
			cp.persist(func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := cp.history.SaveExecution(ctx, x); err != nil {
					cp.logger.Warn("persist execution", zap.String("execution", x.ID), zap.Error(err))
				}
			})
		}
	})

	cp.Incidents.Subscribe(func(ev incident.Event) {
		cp.Metrics.ObserveIncident(ev)
		if cp.history != nil {
			inc := ev.Incident
			cp.persist(func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := cp.history.SaveIncident(ctx, inc); err != nil {
					cp.logger.Warn("persist incident", zap.String("incident", inc.ID), zap.Error(err))
				}
			})
		}
	})
}

// persist queues a history write. Outcomes of recoveries cancelled during
// shutdown arrive after the queue has stopped and are written inline.
func (cp *ControlPlane) persist(job func()) {
	if !cp.events.push(job) {
		cp.events.safe(job)
	}
}

// Watcher returns the runbook watcher, nil unless runbooks.watch is set
func (cp *ControlPlane) Watcher() *runbooks.Watcher {
	return cp.watcher
}

// Start launches the event queue and the scheduler
func (cp *ControlPlane) Start(ctx context.Context) error {
	cp.events.start()
	if err := cp.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	cp.logger.Info("control plane started",
		zap.Int("slos", len(cp.SLOs.Names())),
		zap.Int("breakers", len(cp.Breakers.Names())),
		zap.Int("services", len(cp.HA.Services())),
		zap.Int("plans", len(cp.Recovery.Plans())),
		zap.Int("runbooks", cp.Runbooks.Current().Len()))
	return nil
}

// Shutdown stops the periodic tasks, drains queued events and then cancels
// and waits for in-flight recoveries, in that order, until ctx expires.
// Recoveries requested after that point are not started.
func (cp *ControlPlane) Shutdown(ctx context.Context) error {
	var errs []error
	if err := cp.Scheduler.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := cp.events.stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("event queue: %w", err))
	}
	if err := cp.Incidents.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("incidents: %w", err))
	}
	return errors.Join(errs...)
}

// Drain blocks until every queued event has been handled. Tests use it to
// observe the effects of asynchronous handlers.
func (cp *ControlPlane) Drain() {
	cp.events.drain()
}
