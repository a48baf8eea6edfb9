// internal/metrics/collector.go
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/FairForge/bulwark/internal/breaker"
	"github.com/FairForge/bulwark/internal/ha"
	"github.com/FairForge/bulwark/internal/incident"
	"github.com/FairForge/bulwark/internal/recovery"
	"github.com/FairForge/bulwark/internal/slo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bulwark"

var reliabilityStatuses = []incident.ReliabilityStatus{
	incident.ReliabilityOptimal,
	incident.ReliabilityHealthy,
	incident.ReliabilityDegraded,
	incident.ReliabilityCritical,
	incident.ReliabilityEmergency,
	incident.ReliabilityUnknown,
}

var incidentSeverities = []incident.Severity{
	incident.SeverityP1,
	incident.SeverityP2,
	incident.SeverityP3,
	incident.SeverityP4,
}

// Collector exports control plane state to Prometheus. Each Collector owns
// its metrics, registered on the registry it was built with.
type Collector struct {
	gatherer prometheus.Gatherer

	// SLO metrics
	sloPerformance    *prometheus.GaugeVec
	sloTarget         *prometheus.GaugeVec
	sloViolating      *prometheus.GaugeVec
	violationsTotal   *prometheus.CounterVec
	budgetRemaining   *prometheus.GaugeVec
	budgetUtilization *prometheus.GaugeVec
	budgetBurnRate    *prometheus.GaugeVec
	budgetAlertsTotal *prometheus.CounterVec
	measurementsTotal *prometheus.CounterVec

	// Breaker metrics
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
	breakerCalls       *prometheus.GaugeVec
	breakerFailures    *prometheus.GaugeVec
	breakerBlocked     *prometheus.GaugeVec

	// Instance metrics
	instanceHealth *prometheus.GaugeVec
	healthChanges  *prometheus.CounterVec
	failoversTotal *prometheus.CounterVec

	// Recovery metrics
	recoveryTotal    *prometheus.CounterVec
	recoveryDuration *prometheus.HistogramVec
	recoveryAttempts *prometheus.HistogramVec

	// Incident metrics
	incidentsOpen   *prometheus.GaugeVec
	incidentsTotal  *prometheus.CounterVec
	escalations     *prometheus.CounterVec
	resolveDuration prometheus.Histogram
	reliability     *prometheus.GaugeVec

	// Process metrics
	taskRuns        *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewCollector registers every metric on reg. A nil reg gets a private
// registry, which keeps tests independent.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Collector{
		gatherer: reg,

		sloPerformance: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "slo_performance_percent",
			Help:      "Aggregated SLO performance over its window",
		}, []string{"slo", "criticality"}),
		sloTarget: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "slo_target_percent",
			Help:      "Configured SLO target",
		}, []string{"slo"}),
		sloViolating: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "slo_violation_severity",
			Help:      "Severity of the open violation, 0 when none",
		}, []string{"slo"}),
		violationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slo_violations_total",
			Help:      "Violation lifecycle events",
		}, []string{"slo", "event", "severity"}),
		budgetRemaining: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "error_budget_remaining_percent",
			Help:      "Remaining error budget in percentage points",
		}, []string{"slo"}),
		budgetUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "error_budget_utilization_percent",
			Help:      "Share of the error budget consumed",
		}, []string{"slo"}),
		budgetBurnRate: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "error_budget_burn_rate_per_hour",
			Help:      "Budget percentage points consumed per hour",
		}, []string{"slo"}),
		budgetAlertsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "error_budget_alerts_total",
			Help:      "Error budget alerts fired",
		}, []string{"slo", "level"}),
		measurementsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slo_measurements_total",
			Help:      "Measurements recorded",
		}, []string{"slo", "outcome"}),

		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Breaker state: 0 closed, 1 open, 2 half-open",
		}, []string{"breaker"}),
		breakerTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Breaker state transitions",
		}, []string{"breaker", "from", "to"}),
		breakerCalls: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_calls",
			Help:      "Lifetime guarded calls",
		}, []string{"breaker"}),
		breakerFailures: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_failures",
			Help:      "Lifetime failed guarded calls, timeouts included",
		}, []string{"breaker"}),
		breakerBlocked: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_blocked",
			Help:      "Lifetime calls rejected while open",
		}, []string{"breaker"}),

		instanceHealth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instance_health",
			Help:      "Instance health: 0 unknown, 1 healthy, 2 degraded, 3 unhealthy",
		}, []string{"service", "instance"}),
		healthChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instance_health_changes_total",
			Help:      "Instance health transitions",
		}, []string{"service", "to"}),
		failoversTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failovers_total",
			Help:      "Active instance moves",
		}, []string{"service", "direction"}),

		recoveryTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_executions_total",
			Help:      "Finished recovery executions",
		}, []string{"plan", "outcome"}),
		recoveryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recovery_execution_duration_seconds",
			Help:      "Recovery execution duration",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"plan"}),
		recoveryAttempts: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recovery_execution_attempts",
			Help:      "Attempts used per execution",
			Buckets:   prometheus.LinearBuckets(1, 1, 5),
		}, []string{"plan"}),

		incidentsOpen: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "incidents_open",
			Help:      "Open incidents by severity",
		}, []string{"severity"}),
		incidentsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_total",
			Help:      "Incidents opened",
		}, []string{"severity"}),
		escalations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incident_escalations_total",
			Help:      "Escalation levels fired",
		}, []string{"level"}),
		resolveDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "incident_time_to_resolve_seconds",
			Help:      "Time from incident creation to resolution",
			Buckets:   prometheus.ExponentialBuckets(60, 2, 10),
		}),
		reliability: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reliability_status",
			Help:      "1 for the current overall reliability status",
		}, []string{"status"}),

		taskRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_task_runs_total",
			Help:      "Periodic task runs",
		}, []string{"task", "outcome"}),
		taskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_task_duration_seconds",
			Help:      "Periodic task duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task"}),
		requestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Total number of API requests processed",
		}, []string{"method", "route", "status"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "API request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Handler serves the collector's registry
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// ObserveSLO exports one SLO status. SLOs without data export no
// performance sample.
func (c *Collector) ObserveSLO(s slo.Status) {
	c.sloTarget.WithLabelValues(s.Name).Set(s.Target)
	if s.HasData {
		c.sloPerformance.WithLabelValues(s.Name, string(s.Criticality)).Set(s.Performance)
	}
	sev := 0.0
	if s.OpenViolation != nil {
		sev = float64(s.OpenViolation.Severity)
	}
	c.sloViolating.WithLabelValues(s.Name).Set(sev)
}

// ObserveMeasurement counts a RecordMeasurement call
func (c *Collector) ObserveMeasurement(sloName string, err error) {
	outcome := "accepted"
	if err != nil {
		outcome = "rejected"
	}
	c.measurementsTotal.WithLabelValues(sloName, outcome).Inc()
}

// ObserveViolation counts violation lifecycle events
func (c *Collector) ObserveViolation(ev slo.ViolationEvent) {
	c.violationsTotal.WithLabelValues(ev.Violation.SLO, string(ev.Type), ev.Violation.Severity.String()).Inc()
}

// ObserveBudget exports a recomputed budget
func (c *Collector) ObserveBudget(b slo.Budget) {
	c.budgetRemaining.WithLabelValues(b.SLO).Set(b.Remaining)
	c.budgetUtilization.WithLabelValues(b.SLO).Set(b.Utilization)
	c.budgetBurnRate.WithLabelValues(b.SLO).Set(b.BurnRate)
}

// ObserveBudgetAlert counts a fired budget alert
func (c *Collector) ObserveBudgetAlert(a slo.BudgetAlert) {
	c.budgetAlertsTotal.WithLabelValues(a.SLO, string(a.Level)).Inc()
}

// ObserveTransition counts a breaker transition and updates its state
func (c *Collector) ObserveTransition(t breaker.Transition) {
	c.breakerTransitions.WithLabelValues(t.Breaker, t.From.String(), t.To.String()).Inc()
	c.breakerState.WithLabelValues(t.Breaker).Set(float64(t.To))
}

// ObserveBreakers exports breaker snapshots
func (c *Collector) ObserveBreakers(statuses []breaker.Status) {
	for _, s := range statuses {
		c.breakerState.WithLabelValues(s.Name).Set(float64(s.State))
		c.breakerCalls.WithLabelValues(s.Name).Set(float64(s.Stats.Calls))
		c.breakerFailures.WithLabelValues(s.Name).Set(float64(s.Stats.Failures))
		c.breakerBlocked.WithLabelValues(s.Name).Set(float64(s.Stats.Blocked))
	}
}

// ObserveHAEvent follows instance registration, health and failover events
func (c *Collector) ObserveHAEvent(ev ha.Event) {
	switch ev.Type {
	case ha.EventInstanceRegistered:
		c.instanceHealth.WithLabelValues(ev.Service, ev.Instance).Set(float64(ha.HealthUnknown))
	case ha.EventInstanceDeregistered:
		c.instanceHealth.DeleteLabelValues(ev.Service, ev.Instance)
	case ha.EventHealthChanged:
		c.instanceHealth.WithLabelValues(ev.Service, ev.Instance).Set(float64(ev.To))
		c.healthChanges.WithLabelValues(ev.Service, ev.To.String()).Inc()
	case ha.EventFailover:
		c.failoversTotal.WithLabelValues(ev.Service, string(ha.DirectionFailover)).Inc()
	case ha.EventFailback:
		c.failoversTotal.WithLabelValues(ev.Service, string(ha.DirectionFailback)).Inc()
	}
}

// ObserveExecution records a finished recovery execution
func (c *Collector) ObserveExecution(x recovery.Execution) {
	outcome := "failure"
	if x.Success {
		outcome = "success"
	}
	c.recoveryTotal.WithLabelValues(x.Plan, outcome).Inc()
	c.recoveryAttempts.WithLabelValues(x.Plan).Observe(float64(x.Attempts))
	if x.EndedAt != nil {
		c.recoveryDuration.WithLabelValues(x.Plan).Observe(x.EndedAt.Sub(x.StartedAt).Seconds())
	}
}

// ObserveIncident records incident lifecycle events
func (c *Collector) ObserveIncident(ev incident.Event) {
	switch ev.Type {
	case incident.EventOpened:
		c.incidentsTotal.WithLabelValues(ev.Incident.Severity.String()).Inc()
	case incident.EventEscalated:
		c.escalations.WithLabelValues(strconv.Itoa(ev.Incident.EscalationLevel)).Inc()
	case incident.EventResolved:
		c.resolveDuration.Observe(ev.Incident.TimeToResolve().Seconds())
	}
}

// ObserveIncidentStats exports open incident counts
func (c *Collector) ObserveIncidentStats(s incident.Stats) {
	for _, sev := range incidentSeverities {
		c.incidentsOpen.WithLabelValues(sev.String()).Set(float64(s.BySeverity[sev]))
	}
}

// ObserveReliability sets the current overall status
func (c *Collector) ObserveReliability(r incident.Reliability) {
	for _, s := range reliabilityStatuses {
		v := 0.0
		if s == r.Status {
			v = 1
		}
		c.reliability.WithLabelValues(string(s)).Set(v)
	}
}

// ObserveTask records one periodic task run
func (c *Collector) ObserveTask(name string, d time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	c.taskRuns.WithLabelValues(name, outcome).Inc()
	c.taskDuration.WithLabelValues(name).Observe(d.Seconds())
}

// RecordRequest records metrics for an API request
func (c *Collector) RecordRequest(method, route string, status int, duration time.Duration) {
	c.requestsTotal.WithLabelValues(method, route, statusClass(status)).Inc()
	c.requestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
