package recovery

import (
	"context"
	"fmt"
	"sync"

	"github.com/FairForge/bulwark/internal/breaker"
	"github.com/FairForge/bulwark/internal/ha"
	"golang.org/x/time/rate"
)

// Call is one action seen by a Recorder
type Call struct {
	Action Action
	Exec   ExecContext
}

// Recorder is a no-op executor that remembers every call
type Recorder struct {
	mu    sync.Mutex
	calls []Call
}

// Execute records the call and succeeds
func (r *Recorder) Execute(_ context.Context, action Action, ec ExecContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Action: action, Exec: ec})
	return nil
}

// Calls returns recorded calls in order
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// BreakerExecutor opens and closes circuit breakers named by the action target
type BreakerExecutor struct {
	Breakers *breaker.Manager
}

// Execute implements open_circuit and close_circuit
func (b BreakerExecutor) Execute(_ context.Context, action Action, ec ExecContext) error {
	reason := fmt.Sprintf("recovery plan %s for incident %s", ec.Plan, ec.IncidentID)
	switch action.Kind {
	case ActionOpenCircuit:
		return b.Breakers.Open(action.Target, "recovery", reason)
	case ActionCloseCircuit:
		return b.Breakers.Close(action.Target, "recovery", reason)
	default:
		return fmt.Errorf("breaker executor cannot run %s", action.Kind)
	}
}

// FailoverExecutor moves a service named by the action target to a backup
type FailoverExecutor struct {
	Coordinator *ha.Coordinator
}

// Execute implements failover_replica
func (f FailoverExecutor) Execute(_ context.Context, action Action, ec ExecContext) error {
	if action.Kind != ActionFailoverReplica {
		return fmt.Errorf("failover executor cannot run %s", action.Kind)
	}
	_, err := f.Coordinator.TriggerFailover(action.Target, fmt.Sprintf("recovery plan %s attempt %d", ec.Plan, ec.Attempt))
	return err
}

// Throttled rate limits another executor
type Throttled struct {
	Next    Executor
	Limiter *rate.Limiter
}

// NewThrottled allows perSecond actions with the given burst
func NewThrottled(next Executor, perSecond float64, burst int) *Throttled {
	return &Throttled{Next: next, Limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Execute waits for a token then delegates
func (t *Throttled) Execute(ctx context.Context, action Action, ec ExecContext) error {
	if err := t.Limiter.Wait(ctx); err != nil {
		return fmt.Errorf("throttled %s: %w", action.Kind, err)
	}
	return t.Next.Execute(ctx, action, ec)
}
