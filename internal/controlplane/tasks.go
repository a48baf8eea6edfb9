package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/FairForge/bulwark/internal/scheduler"
	"github.com/FairForge/bulwark/internal/store"
	"go.uber.org/zap"
)

// Periodic task names
const (
	TaskSLOEvaluation   = "slo-evaluation"
	TaskErrorBudget     = "error-budget"
	TaskHealthChecks    = "health-checks"
	TaskFailbackCheck   = "failback-check"
	TaskBreakerMetrics  = "breaker-metrics"
	TaskEscalationSweep = "escalation-sweep"
	TaskSnapshotExport  = "snapshot-export"
	TaskSnapshotPrune   = "snapshot-prune"
)

const pruneInterval = time.Hour

func (cp *ControlPlane) addTasks() error {
	sc := cp.cfg.Scheduler
	tasks := []scheduler.Task{
		{Name: TaskSLOEvaluation, Interval: sc.SLOEvaluation, Run: cp.evaluateSLOs},
		{Name: TaskErrorBudget, Interval: sc.ErrorBudget, Run: cp.updateBudgets},
		{Name: TaskHealthChecks, Interval: sc.HealthChecks, RunOnStart: true, Run: cp.runHealthChecks},
		{Name: TaskFailbackCheck, Interval: sc.FailbackCheck, Run: cp.checkFailbacks},
		{Name: TaskBreakerMetrics, Interval: sc.BreakerMetrics, RunOnStart: true, Run: cp.exportBreakerMetrics},
		{Name: TaskEscalationSweep, Interval: sc.EscalationSweep, Run: cp.sweepEscalations},
	}
	if cp.exporter != nil {
		tasks = append(tasks, scheduler.Task{Name: TaskSnapshotExport, Interval: sc.SnapshotExport, Run: cp.exportSnapshots})
	}
	if cp.pruner != nil && cp.cfg.Store.Retention > 0 {
		tasks = append(tasks, scheduler.Task{Name: TaskSnapshotPrune, Interval: pruneInterval, Run: cp.pruneSnapshots})
	}

	for _, t := range tasks {
		t.Run = cp.timed(t.Name, t.Run)
		if err := cp.Scheduler.Add(t); err != nil {
			return fmt.Errorf("add task %s: %w", t.Name, err)
		}
	}
	return nil
}

func (cp *ControlPlane) timed(name string, run func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		start := cp.clock.Now()
		err := run(ctx)
		cp.Metrics.ObserveTask(name, cp.clock.Now().Sub(start), err)
		return err
	}
}

// RunTask runs one periodic task immediately
func (cp *ControlPlane) RunTask(ctx context.Context, name string) error {
	return cp.Scheduler.RunNow(ctx, name)
}

func (cp *ControlPlane) evaluateSLOs(_ context.Context) error {
	cp.SLOs.EvaluateAll()
	for _, s := range cp.SLOStatuses() {
		cp.Metrics.ObserveSLO(s)
	}
	return nil
}

func (cp *ControlPlane) updateBudgets(_ context.Context) error {
	alerts := cp.Budgets.UpdateAll()
	for _, name := range cp.SLOs.Names() {
		if b, ok := cp.Budgets.Get(name); ok {
			cp.Metrics.ObserveBudget(b)
		}
	}
	if len(alerts) > 0 {
		cp.logger.Debug("budget alerts raised", zap.Int("alerts", len(alerts)))
	}
	return nil
}

func (cp *ControlPlane) runHealthChecks(ctx context.Context) error {
	cp.HA.RunHealthChecks(ctx)
	return nil
}

func (cp *ControlPlane) checkFailbacks(_ context.Context) error {
	cp.HA.CheckFailbacks()
	return nil
}

func (cp *ControlPlane) exportBreakerMetrics(_ context.Context) error {
	cp.Metrics.ObserveBreakers(cp.Breakers.Statuses())
	return nil
}

func (cp *ControlPlane) sweepEscalations(ctx context.Context) error {
	cp.Incidents.Sweep(ctx)
	cp.Metrics.ObserveIncidentStats(cp.Incidents.Stats())
	cp.Metrics.ObserveReliability(cp.Reliability())
	return nil
}

// exportSnapshots writes the SLO, breaker and dashboard documents. One
// failing kind does not stop the others.
func (cp *ControlPlane) exportSnapshots(ctx context.Context) error {
	now := cp.clock.Now()
	docs := []struct {
		kind string
		v    any
	}{
		{store.KindSLOs, cp.SLOStatuses()},
		{store.KindBreakers, cp.BreakerStatuses()},
		{store.KindDashboard, cp.Dashboard()},
	}

	var errs []error
	for _, d := range docs {
		data, err := json.Marshal(d.v)
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal %s: %w", d.kind, err))
			continue
		}
		if err := cp.exporter.Export(ctx, store.Snapshot{Kind: d.kind, TakenAt: now, Data: data}); err != nil {
			errs = append(errs, fmt.Errorf("export %s: %w", d.kind, err))
		}
	}
	return errors.Join(errs...)
}

func (cp *ControlPlane) pruneSnapshots(ctx context.Context) error {
	cutoff := cp.clock.Now().Add(-cp.cfg.Store.Retention)
	n, err := cp.pruner.PruneSnapshots(ctx, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		cp.logger.Info("pruned snapshots", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
	}
	return nil
}
