// Package recovery maps trigger conditions to ordered, retryable recovery
// plans and dispatches their actions through pluggable executors.
package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ActionKind is the closed set of recovery actions
type ActionKind int

const (
	ActionRestartService ActionKind = iota + 1
	ActionRestartPool
	ActionScaleUp
	ActionFailoverReplica
	ActionClearCache
	ActionEnableMaintenance
	ActionDisableMaintenance
	ActionActivateBackupProcessor
	ActionOpenCircuit
	ActionCloseCircuit
)

var actionNames = map[ActionKind]string{
	ActionRestartService:          "restart_service",
	ActionRestartPool:             "restart_pool",
	ActionScaleUp:                 "scale_up",
	ActionFailoverReplica:         "failover_replica",
	ActionClearCache:              "clear_cache",
	ActionEnableMaintenance:       "enable_maintenance_mode",
	ActionDisableMaintenance:      "disable_maintenance_mode",
	ActionActivateBackupProcessor: "activate_backup_processor",
	ActionOpenCircuit:             "open_circuit",
	ActionCloseCircuit:            "close_circuit",
}

// AllActionKinds lists every kind in declaration order
func AllActionKinds() []ActionKind {
	kinds := make([]ActionKind, 0, len(actionNames))
	for k := ActionRestartService; k <= ActionCloseCircuit; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

func (k ActionKind) String() string {
	if name, ok := actionNames[k]; ok {
		return name
	}
	return fmt.Sprintf("action(%d)", int(k))
}

// MarshalText renders the action name
func (k ActionKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses an action name
func (k *ActionKind) UnmarshalText(b []byte) error {
	parsed, err := ParseActionKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseActionKind maps a configured name to its kind
func ParseActionKind(name string) (ActionKind, error) {
	for k, n := range actionNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown recovery action %q", name)
}

// Action is one step of a plan
type Action struct {
	Kind   ActionKind        `json:"kind"`
	Target string            `json:"target,omitempty"`
	Params map[string]string `json:"params,omitempty"`
	// Timeout overrides the engine's default per-action timeout
	Timeout time.Duration `json:"timeout,omitempty"`
}

// ExecContext describes why an action is running
type ExecContext struct {
	ExecutionID string
	IncidentID  string
	Plan        string
	Trigger     string
	Attempt     int
	Rollback    bool
	Context     map[string]string
}

// Executor performs actions against real infrastructure
type Executor interface {
	Execute(ctx context.Context, action Action, ec ExecContext) error
}

// ExecutorFunc adapts a function to Executor
type ExecutorFunc func(ctx context.Context, action Action, ec ExecContext) error

// Execute calls f
func (f ExecutorFunc) Execute(ctx context.Context, action Action, ec ExecContext) error {
	return f(ctx, action, ec)
}

// Executors maps each action kind to the executor that implements it
type Executors struct {
	mu    sync.RWMutex
	byKey map[ActionKind]Executor
}

// NewExecutors creates an empty executor registry
func NewExecutors() *Executors {
	return &Executors{byKey: make(map[ActionKind]Executor)}
}

// Register binds an executor to one or more kinds
func (e *Executors) Register(exec Executor, kinds ...ActionKind) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, k := range kinds {
		e.byKey[k] = exec
	}
}

// Get returns the executor for kind
func (e *Executors) Get(kind ActionKind) (Executor, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	exec, ok := e.byKey[kind]
	return exec, ok
}

// Missing lists kinds with no executor
func (e *Executors) Missing() []ActionKind {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []ActionKind
	for _, k := range AllActionKinds() {
		if _, ok := e.byKey[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}
