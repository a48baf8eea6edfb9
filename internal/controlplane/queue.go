package controlplane

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// queue runs jobs one at a time, in push order, on a single goroutine.
// push never blocks; the backlog is unbounded.
type queue struct {
	logger *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	jobs    []func()
	busy    bool
	started bool
	closed  bool
	done    chan struct{}
}

func newQueue(logger *zap.Logger) *queue {
	q := &queue{logger: logger, done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push reports false once the queue is stopped; the job is then dropped
func (q *queue) push(job func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.jobs = append(q.jobs, job)
	q.cond.Broadcast()
	return true
}

func (q *queue) start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	go q.run()
}

func (q *queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.jobs) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.jobs) == 0 {
			q.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		q.busy = true
		q.mu.Unlock()

		q.safe(job)

		q.mu.Lock()
		q.busy = false
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

func (q *queue) safe(job func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("event handler panicked", zap.String("panic", fmt.Sprint(r)))
		}
	}()
	job()
}

// drain waits until the backlog is empty and no job is running. Without a
// running worker it executes the backlog on the caller's goroutine.
func (q *queue) drain() {
	q.mu.Lock()
	if !q.started {
		for len(q.jobs) > 0 {
			jobs := q.jobs
			q.jobs = nil
			q.mu.Unlock()
			for _, job := range jobs {
				q.safe(job)
			}
			q.mu.Lock()
		}
		q.mu.Unlock()
		return
	}
	for len(q.jobs) > 0 || q.busy {
		q.cond.Wait()
	}
	q.mu.Unlock()
}

// stop refuses new jobs and waits for the backlog to finish
func (q *queue) stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	started := q.started
	q.cond.Broadcast()
	q.mu.Unlock()

	if !started {
		return nil
	}
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *queue) backlog() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}
