// Package ha tracks service instances, selects among them and moves traffic
// between primaries and backups.
//
// # Overview
//
// The Coordinator owns the instance registry keyed by service name. Health
// is only ever changed by probe results folded into a rolling window of the
// last ten checks:
//
//	Unknown ──(healthy successes)──► Healthy ──(1 failure)──► Degraded
//	                                    ▲                         │
//	                                    └──(healthy successes)────┤
//	                                                              ▼
//	                                   (unhealthy failures in window)
//	                                                              │
//	                                                          Unhealthy
//
// A single failure only degrades an instance, so a flapping endpoint has to
// accumulate failures inside the window before it is taken out of rotation.
//
// # Selection
//
// SelectInstance supports round-robin, smooth weighted round-robin,
// least-connections, least-response-time, session hashing and a
// health-aware scorer. Unhealthy instances are never selected.
//
//	inst, err := coord.SelectInstance("orders-db", ha.HealthAware, "")
//	if errors.Is(err, ha.ErrNoHealthyInstance) {
//		// shed load
//	}
//	_ = coord.Acquire(inst.ID)
//	defer coord.Release(inst.ID)
//
// # Failover
//
// Services with a FailoverRule are active-passive. When the active instance
// turns unhealthy the first healthy backup becomes active. With automatic
// failback the periodic CheckFailbacks call returns traffic to the primary
// once it has stayed healthy for the rule's delay.
//
//	_ = coord.ConfigureFailover(ha.FailoverRule{
//		Service:           "orders-db",
//		Primary:           "orders-db-a",
//		Backups:           []string{"orders-db-b"},
//		AutomaticFailback: true,
//		FailbackDelay:     2 * time.Minute,
//	})
package ha
