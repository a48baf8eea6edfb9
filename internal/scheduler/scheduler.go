// Package scheduler runs the control plane's periodic tasks, each on its own
// interval, with graceful draining on shutdown.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/FairForge/bulwark/internal/clock"
	"go.uber.org/zap"
)

// ErrStarted is returned when tasks are added after Start
var ErrStarted = errors.New("scheduler: already started")

// Task is a named periodic job
type Task struct {
	Name       string
	Interval   time.Duration
	RunOnStart bool
	Run        func(ctx context.Context) error
}

// TaskStats reports execution counters for one task
type TaskStats struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	Runs      int64         `json:"runs"`
	Failures  int64         `json:"failures"`
	LastRun   time.Time     `json:"last_run"`
	LastError string        `json:"last_error,omitempty"`
	Running   bool          `json:"running"`
}

// Scheduler owns a set of periodic tasks
type Scheduler struct {
	clock  clock.Clock
	logger *zap.Logger

	mu      sync.Mutex
	tasks   []Task
	stats   map[string]*TaskStats
	started bool
	stopped bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a scheduler
func New(clk clock.Clock, logger *zap.Logger) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		clock:  clk,
		logger: logger,
		stats:  make(map[string]*TaskStats),
		stopCh: make(chan struct{}),
	}
}

// Add registers a task; tasks must be added before Start
func (s *Scheduler) Add(task Task) error {
	if task.Name == "" {
		return errors.New("scheduler: task name is required")
	}
	if task.Interval <= 0 {
		return fmt.Errorf("scheduler: task %s has non-positive interval", task.Name)
	}
	if task.Run == nil {
		return fmt.Errorf("scheduler: task %s has no run function", task.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrStarted
	}
	if _, exists := s.stats[task.Name]; exists {
		return fmt.Errorf("scheduler: task %s already registered", task.Name)
	}
	s.tasks = append(s.tasks, task)
	s.stats[task.Name] = &TaskStats{Name: task.Name, Interval: task.Interval}
	return nil
}

// Start launches one loop per task. Tickers are armed before Start returns.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrStarted
	}
	s.started = true
	tasks := make([]Task, len(s.tasks))
	copy(tasks, s.tasks)
	s.mu.Unlock()

	for _, task := range tasks {
		ticker := s.clock.NewTicker(task.Interval)
		s.wg.Add(1)
		go s.loop(ctx, task, ticker)
	}

	s.logger.Info("scheduler started", zap.Int("tasks", len(tasks)))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, task Task, ticker clock.Ticker) {
	defer s.wg.Done()
	defer ticker.Stop()

	// In-flight runs are not cancelled by shutdown; components bound their
	// own work with timeouts.
	runCtx := context.WithoutCancel(ctx)

	if task.RunOnStart {
		s.runTask(runCtx, task)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C():
			s.runTask(runCtx, task)
		}
	}
}

func (s *Scheduler) runTask(ctx context.Context, task Task) {
	s.mu.Lock()
	st := s.stats[task.Name]
	st.Running = true
	s.mu.Unlock()

	start := s.clock.Now()
	err := s.safeRun(ctx, task)

	s.mu.Lock()
	st.Running = false
	st.Runs++
	st.LastRun = start
	if err != nil {
		st.Failures++
		st.LastError = err.Error()
	} else {
		st.LastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("scheduled task failed",
			zap.String("task", task.Name),
			zap.Error(err))
	}
}

func (s *Scheduler) safeRun(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.Name, r)
		}
	}()
	return task.Run(ctx)
}

// RunNow executes the named task synchronously outside its schedule
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var found *Task
	for i := range s.tasks {
		if s.tasks[i].Name == name {
			found = &s.tasks[i]
			break
		}
	}
	s.mu.Unlock()

	if found == nil {
		return fmt.Errorf("scheduler: unknown task %s", name)
	}
	return s.safeRun(ctx, *found)
}

// Stop signals every loop to exit and waits for in-flight runs to finish or
// for ctx to expire
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.stopCh)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: drain interrupted: %w", ctx.Err())
	}
}

// Stats returns a copy of per-task counters
func (s *Scheduler) Stats() []TaskStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskStats, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, *s.stats[task.Name])
	}
	return out
}
