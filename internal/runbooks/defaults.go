package runbooks

import "github.com/FairForge/bulwark/internal/incident"

// Defaults are the runbooks shipped with the binary. Files in the runbook
// directory may not reuse their ids.
func Defaults() []Runbook {
	return []Runbook{
		NewRunbook("database-connection-failure", "Database Connection Failure").
			Description("Connections to the primary database are failing or timing out.").
			Category(CategoryDatabase).
			Owner("SRE Team").
			For("database_connection_failure").
			Prerequisite("Access to the database hosts", true, "pg_isready -h $DB_HOST").
			Step("Check the recovery engine's execution for this incident", "bulwark status incidents", "Execution shows attempts and rollback state").
			AutomatedStep("Restart the connection pool", "", "Pool reports healthy connections").
			AutomatedStep("Fail over to the replica", "", "Replica is the active instance").
			StepWithWarning("Check replication lag before failing back", "SELECT now() - pg_last_xact_replay_timestamp();", "Lag under 5 seconds", "Failing back with lag loses writes").
			RollbackStep("Replica is unhealthy after failover", "Disable maintenance mode and page the database owner", "").
			Build(),

		NewRunbook("database-generic", "Database Degradation").
			Description("General triage for database incidents without a dedicated runbook.").
			Category(CategoryDatabase).
			Owner("SRE Team").
			For("database_*").
			Step("Check connection counts and slow queries", "SELECT count(*) FROM pg_stat_activity;", "Connections below pool limit").
			Step("Check disk and IO saturation", "iostat -x 5 3", "util below 80%").
			Build(),

		NewRunbook("circuit-open", "Dependency Circuit Open").
			Description("A circuit breaker opened because a dependency kept failing.").
			Category(CategoryDependency).
			Owner("Platform Team").
			For("circuit_open", "dependency_*").
			Step("Identify the open breaker and its last transitions", "bulwark status breakers", "Breaker name and failure count").
			Step("Check the dependency's own health endpoint", "curl -fsS $DEPENDENCY/healthz", "HTTP 200").
			StepWithWarning("Close the breaker once the dependency is healthy", "bulwark admin close-circuit NAME --reason REASON", "Breaker moves to HALF_OPEN then CLOSED", "Closing early sends full traffic to a failing dependency").
			Build(),

		NewRunbook("high-error-rate", "High Error Rate").
			Description("A customer-facing service is returning errors above its SLO.").
			Category(CategoryIncident).
			Owner("SRE Team").
			For("high_error_rate", "slo_violation").
			Severities(incident.SeverityP1, incident.SeverityP2).
			Step("Check recent deploys", "kubectl rollout history deploy/$SERVICE", "Last deploy time").
			Step("Compare error rate before and after the deploy", "", "Error rate correlates with the deploy").
			StepWithWarning("Roll back the deploy", "kubectl rollout undo deploy/$SERVICE", "Error rate returns to baseline", "Roll back only after confirming the correlation").
			Build(),

		NewRunbook("slo-violation-triage", "SLO Violation Triage").
			Description("Fallback runbook for any incident type.").
			Category(CategoryIncident).
			Owner("SRE Team").
			For("*").
			Step("Open the reliability dashboard", "bulwark status dashboard", "Overall status and violating SLOs").
			Step("Check open circuit breakers and unhealthy instances", "bulwark status breakers", "Any dependency that explains the violation").
			Step("Record findings on the incident timeline", "", "Timeline updated").
			Build(),
	}
}
