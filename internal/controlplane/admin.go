package controlplane

import (
	"context"
	"errors"
	"strings"

	"github.com/FairForge/bulwark/internal/audit"
	"github.com/FairForge/bulwark/internal/incident"
)

var (
	// ErrActorRequired is returned by overrides called without an actor
	ErrActorRequired = errors.New("controlplane: actor is required")
	// ErrReasonRequired is returned by overrides called without a reason
	ErrReasonRequired = errors.New("controlplane: reason is required")
)

func checkOverride(actor, reason string) error {
	if strings.TrimSpace(actor) == "" {
		return ErrActorRequired
	}
	if strings.TrimSpace(reason) == "" {
		return ErrReasonRequired
	}
	return nil
}

// OpenCircuit forces a breaker OPEN on behalf of an operator. Successful
// overrides are audited by the breaker manager; failures are audited here.
func (cp *ControlPlane) OpenCircuit(name, actor, reason string) error {
	if err := checkOverride(actor, reason); err != nil {
		return err
	}
	if err := cp.Breakers.Open(name, actor, reason); err != nil {
		cp.auditFailure(actor, audit.EventTypeBreakerOpen, name, reason, err)
		return err
	}
	return nil
}

// CloseCircuit forces a breaker CLOSED, passing through HALF_OPEN
func (cp *ControlPlane) CloseCircuit(name, actor, reason string) error {
	if err := checkOverride(actor, reason); err != nil {
		return err
	}
	if err := cp.Breakers.Close(name, actor, reason); err != nil {
		cp.auditFailure(actor, audit.EventTypeBreakerClose, name, reason, err)
		return err
	}
	return nil
}

// TriggerIncident opens an incident by hand. The signal's Actor is replaced
// by actor.
func (cp *ControlPlane) TriggerIncident(ctx context.Context, actor string, sig incident.Signal) (incident.Incident, error) {
	if strings.TrimSpace(actor) == "" {
		return incident.Incident{}, ErrActorRequired
	}
	if strings.TrimSpace(sig.Title) == "" {
		return incident.Incident{}, errors.New("controlplane: incident title is required")
	}
	sig.Actor = actor

	inc, err := cp.Incidents.TriggerIncident(ctx, sig)
	if err != nil {
		cp.auditFailure(actor, audit.EventTypeIncidentTrigger, sig.Title, sig.Type, err)
		return incident.Incident{}, err
	}
	cp.Audit.LogEvent(audit.Event{
		Actor:  actor,
		Action: audit.EventTypeIncidentTrigger,
		Target: inc.ID,
		Reason: sig.Title,
		Metadata: map[string]string{
			"severity": inc.Severity.String(),
			"type":     inc.Type,
		},
	})
	return inc, nil
}

// ResolveIncident resolves an open or escalated incident. Unknown ids return
// an error matching incident.ErrIncidentNotFound.
func (cp *ControlPlane) ResolveIncident(ctx context.Context, id, actor, resolution string) (incident.Incident, error) {
	if err := checkOverride(actor, resolution); err != nil {
		return incident.Incident{}, err
	}
	inc, err := cp.Incidents.Resolve(ctx, id, actor, resolution)
	if err != nil {
		cp.auditFailure(actor, audit.EventTypeIncidentResolve, id, resolution, err)
		return incident.Incident{}, err
	}
	cp.Audit.LogEvent(audit.Event{
		Actor:  actor,
		Action: audit.EventTypeIncidentResolve,
		Target: id,
		Reason: resolution,
		Metadata: map[string]string{
			"time_to_resolve": inc.TimeToResolve().String(),
		},
	})
	return inc, nil
}

func (cp *ControlPlane) auditFailure(actor string, action audit.EventType, target, reason string, err error) {
	cp.Audit.LogEvent(audit.Event{
		Actor:    actor,
		Action:   action,
		Target:   target,
		Reason:   reason,
		Result:   audit.ResultFailure,
		ErrorMsg: err.Error(),
	})
}
