// internal/ha/monitoring.go
package ha

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/FairForge/bulwark/internal/errs"
	"go.uber.org/zap"
)

// healthWindow is the number of recent check results that decide status
const healthWindow = 10

// HealthCheckConfig schedules probes for one instance
type HealthCheckConfig struct {
	InstanceID         string
	Interval           time.Duration
	Timeout            time.Duration
	HealthyThreshold   int // consecutive successes to become healthy
	UnhealthyThreshold int // failures in the window to become unhealthy
}

// ApplyDefaults fills unset fields
func (c *HealthCheckConfig) ApplyDefaults() {
	if c.Interval == 0 {
		c.Interval = 30 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.HealthyThreshold == 0 {
		c.HealthyThreshold = 2
	}
	if c.UnhealthyThreshold == 0 {
		c.UnhealthyThreshold = 3
	}
}

// Validate checks thresholds fit the rolling window
func (c HealthCheckConfig) Validate() error {
	if c.Interval <= 0 || c.Timeout <= 0 {
		return fmt.Errorf("interval and timeout must be positive")
	}
	if c.HealthyThreshold < 1 || c.HealthyThreshold > healthWindow {
		return fmt.Errorf("healthy threshold must be between 1 and %d", healthWindow)
	}
	if c.UnhealthyThreshold < 1 || c.UnhealthyThreshold > healthWindow {
		return fmt.Errorf("unhealthy threshold must be between 1 and %d", healthWindow)
	}
	return nil
}

type healthCheck struct {
	cfg     HealthCheckConfig
	nextDue time.Time
}

// Probe checks one instance. A nil error means healthy.
type Probe interface {
	Check(ctx context.Context, inst Instance) error
}

// ProbeFunc adapts a function to Probe
type ProbeFunc func(ctx context.Context, inst Instance) error

// Check calls f
func (f ProbeFunc) Check(ctx context.Context, inst Instance) error {
	return f(ctx, inst)
}

// HTTPProbe GETs <address><path> and expects a 2xx response
type HTTPProbe struct {
	client *http.Client
	Path   string
}

// NewHTTPProbe creates a probe using client, or http.DefaultClient when nil
func NewHTTPProbe(client *http.Client) *HTTPProbe {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProbe{client: client, Path: "/healthz"}
}

// Check performs the request
func (p *HTTPProbe) Check(ctx context.Context, inst Instance) error {
	url := strings.TrimRight(inst.Address, "/") + p.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("health request %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health request %s: status %d", url, resp.StatusCode)
	}
	return nil
}

// ConfigureHealthCheck schedules probes for a registered instance. The first
// probe is due immediately.
func (o *Coordinator) ConfigureHealthCheck(cfg HealthCheckConfig) error {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return errs.Invalid("health_check", cfg.InstanceID, err.Error())
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.instances[cfg.InstanceID]; !ok {
		return errs.Unknown("instance", cfg.InstanceID)
	}
	o.checks[cfg.InstanceID] = &healthCheck{cfg: cfg, nextDue: o.clock.Now()}
	return nil
}

// RunHealthChecks probes every instance whose check is due, in parallel, and
// returns how many probes ran
func (o *Coordinator) RunHealthChecks(ctx context.Context) int {
	now := o.clock.Now()

	type job struct {
		inst Instance
		cfg  HealthCheckConfig
	}
	o.mu.Lock()
	var due []job
	for id, hc := range o.checks {
		if now.Before(hc.nextDue) {
			continue
		}
		hc.nextDue = now.Add(hc.cfg.Interval)
		due = append(due, job{inst: o.instances[id].Instance, cfg: hc.cfg})
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, j := range due {
		wg.Add(1)
		go func(j job) {
			defer wg.Done()
			_, _ = o.probeAndReport(ctx, j.inst, j.cfg.Timeout)
		}(j)
	}
	wg.Wait()
	return len(due)
}

// PerformHealthCheck probes one instance now and returns its resulting status
func (o *Coordinator) PerformHealthCheck(ctx context.Context, id string) (HealthStatus, error) {
	o.mu.RLock()
	inst, ok := o.instances[id]
	timeout := 5 * time.Second
	if hc, has := o.checks[id]; has {
		timeout = hc.cfg.Timeout
	}
	o.mu.RUnlock()
	if !ok {
		return HealthUnknown, errs.Unknown("instance", id)
	}
	return o.probeAndReport(ctx, inst.Instance, timeout)
}

func (o *Coordinator) probeAndReport(ctx context.Context, inst Instance, timeout time.Duration) (HealthStatus, error) {
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := o.clock.Now()
	err := o.probe.Check(checkCtx, inst)
	latency := o.clock.Now().Sub(start)
	return o.ReportHealthCheck(inst.ID, err, latency)
}

// ReportHealthCheck folds one probe result into the instance's rolling window
// and applies status transitions. An instance turning unhealthy while it is
// the active instance of a failover rule triggers failover.
func (o *Coordinator) ReportHealthCheck(id string, checkErr error, latency time.Duration) (HealthStatus, error) {
	o.mu.Lock()
	inst, ok := o.instances[id]
	if !ok {
		o.mu.Unlock()
		return HealthUnknown, errs.Unknown("instance", id)
	}

	now := o.clock.Now()
	inst.lastCheck = now
	inst.results.Push(checkErr == nil)
	if checkErr == nil {
		inst.lastErr = ""
		inst.observe(latency)
	} else {
		inst.lastErr = checkErr.Error()
	}

	healthy, unhealthy := 2, 3
	if hc, has := o.checks[id]; has {
		healthy, unhealthy = hc.cfg.HealthyThreshold, hc.cfg.UnhealthyThreshold
	}

	previous := inst.health
	next := nextHealth(previous, inst.results.Items(), healthy, unhealthy)
	var events []Event
	if next != previous {
		inst.health = next
		events = append(events, Event{
			Type:      EventHealthChanged,
			Service:   inst.Service,
			Instance:  id,
			From:      previous,
			To:        next,
			Timestamp: now,
			Message:   fmt.Sprintf("%s -> %s", previous, next),
		})

		if rule, hasRule := o.rules[inst.Service]; hasRule {
			active := o.active[inst.Service]
			if rule.Primary == id {
				if next == HealthHealthy && active != id {
					o.failback[inst.Service] = now
				} else {
					delete(o.failback, inst.Service)
				}
			}

			reason := ""
			switch {
			case next == HealthUnhealthy && active == id:
				reason = "active instance " + id + " unhealthy"
			case next == HealthHealthy && slices.Contains(rule.Backups, id) && o.strandedLocked(inst.Service):
				reason = "backup " + id + " healthy while active " + active + " is down"
			}
			if reason != "" {
				_, failoverEvents, err := o.failoverLocked(inst.Service, reason)
				if err != nil {
					o.logger.Error("automatic failover failed",
						zap.String("service", inst.Service),
						zap.Error(err))
				}
				events = append(events, failoverEvents...)
			}
		}
	}
	o.mu.Unlock()

	if next != previous {
		log := o.logger.Info
		if next == HealthUnhealthy || next == HealthDegraded {
			log = o.logger.Warn
		}
		log("instance health changed",
			zap.String("service", inst.Service),
			zap.String("instance", id),
			zap.Stringer("from", previous),
			zap.Stringer("to", next))
	}
	o.emit(events)
	return next, nil
}

// nextHealth applies asymmetric thresholds over the rolling window. A single
// failure only degrades; becoming unhealthy needs unhealthy failures within
// the window, and recovery needs healthy consecutive successes.
func nextHealth(current HealthStatus, results []bool, healthy, unhealthy int) HealthStatus {
	if len(results) == 0 {
		return current
	}

	if !results[len(results)-1] {
		failures := 0
		for _, ok := range results {
			if !ok {
				failures++
			}
		}
		if failures >= unhealthy || current == HealthUnhealthy {
			return HealthUnhealthy
		}
		return HealthDegraded
	}

	streak := 0
	for i := len(results) - 1; i >= 0 && results[i]; i-- {
		streak++
	}
	if streak >= healthy {
		return HealthHealthy
	}
	return current
}
