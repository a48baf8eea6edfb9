package controlplane

import (
	"context"
	"sort"
	"time"

	"github.com/FairForge/bulwark/internal/breaker"
	"github.com/FairForge/bulwark/internal/incident"
	"github.com/FairForge/bulwark/internal/recovery"
	"github.com/FairForge/bulwark/internal/slo"
)

// Dashboard is the reliability summary served to operators and exported as
// a snapshot. Building it never mutates component state.
type Dashboard struct {
	GeneratedAt   time.Time                     `json:"generated_at"`
	Reliability   incident.Reliability          `json:"reliability"`
	SLOs          []slo.Status                  `json:"slos"`
	Breakers      BreakerSummary                `json:"breakers"`
	Instances     map[string]int                `json:"instances"`
	Incidents     incident.Stats                `json:"incidents"`
	OpenIncidents []incident.Incident           `json:"open_incidents"`
	Recoveries    []recovery.Execution          `json:"active_recoveries"`
	RecoveryStats map[string]recovery.PlanStats `json:"recovery_stats"`
	BudgetAlerts  []slo.BudgetAlert             `json:"recent_budget_alerts"`
}

// BreakerSummary counts breakers per state and names the open ones
type BreakerSummary struct {
	Total    int      `json:"total"`
	Closed   int      `json:"closed"`
	Open     int      `json:"open"`
	HalfOpen int      `json:"half_open"`
	OpenList []string `json:"open_breakers"`
}

// dashboardAlerts is how many budget alerts the dashboard carries
const dashboardAlerts = 20

// RecordMeasurement feeds one measurement to the SLO registry
func (cp *ControlPlane) RecordMeasurement(name string, success, total int64, opts ...slo.MeasurementOption) error {
	err := cp.SLOs.RecordMeasurement(name, success, total, opts...)
	cp.Metrics.ObserveMeasurement(name, err)
	return err
}

// Execute runs op through the named breaker
func (cp *ControlPlane) Execute(ctx context.Context, name string, op breaker.Operation, timeout time.Duration) (any, error) {
	return cp.Breakers.Execute(ctx, name, op, timeout)
}

// SLOStatus returns one SLO with its last computed budget
func (cp *ControlPlane) SLOStatus(name string) (slo.Status, error) {
	s, err := cp.SLOs.Status(name)
	if err != nil {
		return slo.Status{}, err
	}
	return slo.StatusWithBudget(s, cp.Budgets), nil
}

// SLOStatuses returns every SLO ordered by name
func (cp *ControlPlane) SLOStatuses() []slo.Status {
	names := cp.SLOs.Names()
	out := make([]slo.Status, 0, len(names))
	for _, name := range names {
		s, err := cp.SLOStatus(name)
		if err != nil {
			// removed between Names and Status; cannot happen today
			continue
		}
		out = append(out, s)
	}
	return out
}

// BreakerStatus returns one breaker
func (cp *ControlPlane) BreakerStatus(name string) (breaker.Status, error) {
	return cp.Breakers.Status(name)
}

// BreakerStatuses returns every breaker ordered by name
func (cp *ControlPlane) BreakerStatuses() []breaker.Status {
	return cp.Breakers.Statuses()
}

// Reliability derives the overall status from current SLOs and open incidents
func (cp *ControlPlane) Reliability() incident.Reliability {
	return incident.DeriveReliability(cp.SLOStatuses(), len(cp.Incidents.Open()))
}

// Dashboard assembles the reliability summary
func (cp *ControlPlane) Dashboard() Dashboard {
	statuses := cp.SLOStatuses()
	open := cp.Incidents.Open()

	d := Dashboard{
		GeneratedAt:   cp.clock.Now(),
		Reliability:   incident.DeriveReliability(statuses, len(open)),
		SLOs:          statuses,
		Breakers:      summarizeBreakers(cp.Breakers.Statuses()),
		Instances:     make(map[string]int),
		Incidents:     cp.Incidents.Stats(),
		OpenIncidents: open,
		Recoveries:    cp.Recovery.Active(),
		RecoveryStats: cp.Recovery.Stats(),
		BudgetAlerts:  recentAlerts(cp.Budgets.AlertHistory(), dashboardAlerts),
	}
	for status, n := range cp.HA.HealthCounts() {
		d.Instances[status.String()] = n
	}
	return d
}

func summarizeBreakers(statuses []breaker.Status) BreakerSummary {
	s := BreakerSummary{Total: len(statuses), OpenList: []string{}}
	for _, st := range statuses {
		switch st.State {
		case breaker.StateOpen:
			s.Open++
			s.OpenList = append(s.OpenList, st.Name)
		case breaker.StateHalfOpen:
			s.HalfOpen++
		default:
			s.Closed++
		}
	}
	sort.Strings(s.OpenList)
	return s
}

func recentAlerts(all []slo.BudgetAlert, n int) []slo.BudgetAlert {
	if len(all) > n {
		all = all[len(all)-n:]
	}
	out := make([]slo.BudgetAlert, len(all))
	copy(out, all)
	return out
}
