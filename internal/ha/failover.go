package ha

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/FairForge/bulwark/internal/errs"
	"go.uber.org/zap"
)

// FailoverRule defines primary/backup topology for an active-passive service
type FailoverRule struct {
	Service           string
	Primary           string
	Backups           []string
	AutomaticFailback bool
	// FailbackDelay is how long the primary must stay healthy before traffic
	// moves back to it
	FailbackDelay time.Duration
}

// Validate checks the rule shape
func (r FailoverRule) Validate() error {
	if r.Service == "" || r.Primary == "" {
		return errors.New("service and primary are required")
	}
	if len(r.Backups) == 0 {
		return errors.New("at least one backup is required")
	}
	if slices.Contains(r.Backups, r.Primary) {
		return errors.New("primary cannot also be a backup")
	}
	if r.FailbackDelay < 0 {
		return errors.New("failback delay must not be negative")
	}
	return nil
}

// Direction of an active pointer move
type Direction string

const (
	DirectionFailover Direction = "failover"
	DirectionFailback Direction = "failback"
)

// FailoverEvent records one move of a service's active pointer
type FailoverEvent struct {
	Service   string    `json:"service"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Direction Direction `json:"direction"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// ConfigureFailover installs a rule and points the service at its primary
func (o *Coordinator) ConfigureFailover(rule FailoverRule) error {
	if err := rule.Validate(); err != nil {
		return errs.Invalid("failover_rule", rule.Service, err.Error())
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.rules[rule.Service] = rule
	o.active[rule.Service] = rule.Primary
	delete(o.failback, rule.Service)
	return nil
}

// ActiveInstance returns the instance currently serving a rule-governed service
func (o *Coordinator) ActiveInstance(service string) (string, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	active, ok := o.active[service]
	if !ok {
		return "", errs.Unknown("failover_rule", service)
	}
	return active, nil
}

// TriggerFailover moves the service to its first healthy backup
func (o *Coordinator) TriggerFailover(service, reason string) (FailoverEvent, error) {
	o.mu.Lock()
	ev, events, err := o.failoverLocked(service, reason)
	o.mu.Unlock()

	o.emit(events)
	return ev, err
}

// failoverLocked switches the active pointer. Callers hold o.mu.
func (o *Coordinator) failoverLocked(service, reason string) (FailoverEvent, []Event, error) {
	rule, ok := o.rules[service]
	if !ok {
		return FailoverEvent{}, nil, errs.Unknown("failover_rule", service)
	}

	current := o.active[service]
	target := ""
	for _, id := range rule.Backups {
		if id == current {
			continue
		}
		if inst, ok := o.instances[id]; ok && inst.health == HealthHealthy {
			target = id
			break
		}
	}
	if target == "" {
		return FailoverEvent{}, nil, fmt.Errorf("%w for service %q", ErrNoHealthyBackup, service)
	}

	ev := o.moveLocked(service, current, target, DirectionFailover, reason)
	o.logger.Warn("failover completed",
		zap.String("service", service),
		zap.String("from", current),
		zap.String("to", target),
		zap.String("reason", reason))
	return ev, []Event{{
		Type:      EventFailover,
		Service:   service,
		Instance:  target,
		Timestamp: ev.At,
		Message:   fmt.Sprintf("failover %s -> %s: %s", current, target, reason),
	}}, nil
}

func (o *Coordinator) moveLocked(service, from, to string, dir Direction, reason string) FailoverEvent {
	ev := FailoverEvent{
		Service:   service,
		From:      from,
		To:        to,
		Direction: dir,
		Reason:    reason,
		At:        o.clock.Now(),
	}
	o.active[service] = to
	delete(o.failback, service)
	o.events.Push(ev)
	return ev
}

// strandedLocked reports whether a service's active instance is down or
// gone. Callers hold o.mu.
func (o *Coordinator) strandedLocked(service string) bool {
	inst, ok := o.instances[o.active[service]]
	return !ok || inst.health == HealthUnhealthy
}

// CheckFailbacks returns failed-over services to their primary once it has
// been healthy for the rule's failback delay. Services whose active instance
// is down, because no backup was healthy when it failed, are failed over
// again.
func (o *Coordinator) CheckFailbacks() []FailoverEvent {
	o.mu.Lock()
	now := o.clock.Now()

	services := make([]string, 0, len(o.rules))
	for service := range o.rules {
		services = append(services, service)
	}
	sort.Strings(services)

	var moved []FailoverEvent
	var events []Event
	for _, service := range services {
		rule := o.rules[service]
		current := o.active[service]
		if o.strandedLocked(service) {
			ev, failoverEvents, err := o.failoverLocked(service, "active instance "+current+" still down")
			if err == nil {
				moved = append(moved, ev)
				events = append(events, failoverEvents...)
				continue
			}
		}
		if !rule.AutomaticFailback || current == rule.Primary {
			delete(o.failback, service)
			continue
		}

		primary, ok := o.instances[rule.Primary]
		if !ok || primary.health != HealthHealthy {
			delete(o.failback, service)
			continue
		}

		since, pending := o.failback[service]
		if !pending {
			since = now
			o.failback[service] = now
		}
		if now.Sub(since) < rule.FailbackDelay {
			continue
		}

		ev := o.moveLocked(service, current, rule.Primary, DirectionFailback, "primary healthy for "+rule.FailbackDelay.String())
		moved = append(moved, ev)
		events = append(events, Event{
			Type:      EventFailback,
			Service:   service,
			Instance:  rule.Primary,
			Timestamp: now,
			Message:   fmt.Sprintf("failback %s -> %s", current, rule.Primary),
		})
		o.logger.Info("failback completed",
			zap.String("service", service),
			zap.String("from", current),
			zap.String("to", rule.Primary))
	}
	o.mu.Unlock()

	o.emit(events)
	return moved
}

// FailoverHistory returns recent failover and failback events, oldest first
func (o *Coordinator) FailoverHistory() []FailoverEvent {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.events.Items()
}
