package incident

import (
	"context"
	"errors"
	"fmt"

	"github.com/FairForge/bulwark/internal/recovery"
	"github.com/FairForge/bulwark/internal/slo"
	"go.uber.org/zap"
)

// startRecovery runs the recovery engine in the background. Shutdown
// cancels the context, which stops further attempts. Once shutdown has begun
// no new recovery starts and the incident stays open.
func (o *Orchestrator) startRecovery(id, trigger string, rc map[string]string) {
	o.mu.Lock()
	stopping := o.ctx.Err() != nil
	if !stopping {
		o.wg.Add(1)
	}
	o.mu.Unlock()
	if stopping {
		o.note(id, "recovery_skipped", "recovery", "shutting down")
		o.logger.Info("recovery not started during shutdown",
			zap.String("incident", id),
			zap.String("trigger", trigger))
		return
	}

	go func() {
		defer o.wg.Done()
		o.note(id, "recovery_started", "recovery", "trigger "+trigger)
		exec, err := o.recoverer.TriggerRecovery(o.ctx, id, trigger, rc)
		o.recoveryFinished(id, trigger, exec, err)
	}()
}

func (o *Orchestrator) recoveryFinished(id, trigger string, exec *recovery.Execution, err error) {
	ctx := context.WithoutCancel(o.ctx)

	switch {
	case err == nil && exec != nil && exec.Success:
		o.note(id, "recovery_succeeded", "recovery",
			fmt.Sprintf("plan %s succeeded after %d attempt(s)", exec.Plan, exec.Attempts))
		_, rerr := o.Resolve(ctx, id, "recovery", fmt.Sprintf("automated recovery by plan %s", exec.Plan))
		if rerr != nil && !errors.Is(rerr, ErrAlreadyResolved) {
			o.logger.Warn("resolve after recovery failed", zap.String("incident", id), zap.Error(rerr))
		}

	case exec != nil:
		o.mu.Lock()
		inc, ok := o.open[id]
		var snap Incident
		if ok {
			inc.EscalationRequired = true
			inc.addTimelineEntry(o.clock.Now(), "recovery_failed", "recovery",
				fmt.Sprintf("plan %s exhausted after %d attempt(s), rolled back: %t", exec.Plan, exec.Attempts, exec.RolledBack))
			snap = inc.clone()
		}
		o.mu.Unlock()
		if !ok {
			return
		}

		o.emit(EventRecoveryFailed, snap)
		if eerr := o.Escalate(ctx, id, "recovery", "automated recovery exhausted"); eerr != nil {
			o.logger.Warn("escalation after failed recovery",
				zap.String("incident", id),
				zap.Error(eerr))
		}

	case errors.Is(err, recovery.ErrNoPlan):
		o.note(id, "recovery_unavailable", "recovery", "no plan handles "+trigger)

	default:
		o.note(id, "recovery_skipped", "recovery", err.Error())
	}
}

// SeverityForViolation maps an SLO violation severity onto an incident
// severity floor
func SeverityForViolation(s slo.Severity) Severity {
	switch s {
	case slo.SeverityCatastrophic:
		return SeverityP1
	case slo.SeverityCritical:
		return SeverityP2
	case slo.SeverityMajor:
		return SeverityP3
	default:
		return SeverityP4
	}
}

// ViolationSource is the dedup key for incidents opened by an SLO
func ViolationSource(sloName string) string {
	return "slo:" + sloName
}

// HandleViolation keeps one incident per open SLO violation: opened
// violations open an incident, escalations raise its severity and a closed
// violation resolves it.
func (o *Orchestrator) HandleViolation(ev slo.ViolationEvent) {
	ctx := context.WithoutCancel(o.ctx)
	def := ev.Definition
	v := ev.Violation
	source := ViolationSource(v.SLO)

	switch ev.Type {
	case slo.ViolationOpened:
		incidentType := def.Trigger
		if incidentType == "" {
			incidentType = "slo_violation"
		}
		_, err := o.TriggerIncident(ctx, Signal{
			Title:          fmt.Sprintf("SLO %s at %.2f%% (target %.2f%%)", v.SLO, v.Performance, def.Target),
			Type:           incidentType,
			Trigger:        def.Trigger,
			Source:         source,
			Services:       def.Services,
			ErrorRate:      100 - v.Performance,
			RevenueImpact:  def.Criticality == slo.CriticalityRevenue,
			CustomerImpact: def.Criticality == slo.CriticalityCustomerFacing,
			Severity:       SeverityForViolation(v.Severity),
			Actor:          "slo",
			Context: map[string]string{
				"slo":       v.SLO,
				"violation": v.ID,
				"severity":  v.Severity.String(),
			},
		})
		if err != nil {
			o.logger.Warn("open incident for violation", zap.String("slo", v.SLO), zap.Error(err))
		}

	case slo.ViolationEscalated:
		inc, ok := o.FindBySource(source)
		if !ok {
			return
		}
		_, err := o.RaiseSeverity(ctx, inc.ID, SeverityForViolation(v.Severity), "slo",
			fmt.Sprintf("violation escalated from %s to %s", ev.Previous, v.Severity))
		if err != nil {
			o.logger.Warn("raise incident severity", zap.String("incident", inc.ID), zap.Error(err))
		}

	case slo.ViolationClosed:
		inc, ok := o.FindBySource(source)
		if !ok {
			return
		}
		_, err := o.Resolve(ctx, inc.ID, "slo", fmt.Sprintf("SLO %s recovered to %.2f%%", v.SLO, v.Performance))
		if err != nil && !errors.Is(err, ErrAlreadyResolved) {
			o.logger.Warn("resolve incident for violation", zap.String("incident", inc.ID), zap.Error(err))
		}
	}
}
