package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/FairForge/bulwark/internal/breaker"
	"github.com/FairForge/bulwark/internal/incident"
	"github.com/FairForge/bulwark/internal/recovery"
	"github.com/FairForge/bulwark/internal/slo"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Load reads path, applies environment overrides and defaults, then
// validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	LoadFromEnv(cfg)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields
func (c *Config) ApplyDefaults() {
	setDuration := func(d *time.Duration, v time.Duration) {
		if *d == 0 {
			*d = v
		}
	}

	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	setDuration(&c.Server.ReadTimeout, 10*time.Second)
	setDuration(&c.Server.WriteTimeout, 30*time.Second)
	setDuration(&c.Server.ShutdownTimeout, 15*time.Second)

	c.Log.ApplyDefaults()

	setDuration(&c.Scheduler.SLOEvaluation, 30*time.Second)
	setDuration(&c.Scheduler.ErrorBudget, time.Minute)
	setDuration(&c.Scheduler.HealthChecks, 10*time.Second)
	setDuration(&c.Scheduler.FailbackCheck, 30*time.Second)
	setDuration(&c.Scheduler.BreakerMetrics, 15*time.Second)
	setDuration(&c.Scheduler.EscalationSweep, 30*time.Second)
	setDuration(&c.Scheduler.SnapshotExport, time.Minute)

	if c.Budget.FastBurnMultiple == 0 {
		c.Budget.FastBurnMultiple = slo.DefaultFastBurnMultiple
	}

	if c.Recovery.MaxConcurrent == 0 {
		c.Recovery.MaxConcurrent = 3
	}
	setDuration(&c.Recovery.ActionTimeout, 2*time.Minute)

	if c.Runbooks.Debounce == 0 {
		c.Runbooks.Debounce = 250 * time.Millisecond
	}

	if c.Notify.NATS.SubjectPrefix == "" {
		c.Notify.NATS.SubjectPrefix = "bulwark.notify"
	}

	if c.Store.RedisPrefix == "" {
		c.Store.RedisPrefix = "bulwark"
	}
	setDuration(&c.Store.SnapshotTTL, 5*time.Minute)
}

var structValidate = func() *validator.Validate {
	return validator.New()
}()

// Validate runs the struct tag rules, then the domain checks each component
// applies on registration, so a bad file fails before anything starts
func (c *Config) Validate() error {
	if err := structValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Log.Validate(); err != nil {
		return err
	}

	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	seen := map[string]bool{}
	for _, s := range c.SLOs {
		if seen[s.Name] {
			add("slo %q: duplicate name", s.Name)
		}
		seen[s.Name] = true
		if err := s.Definition().Validate(); err != nil {
			errs = append(errs, err)
		}
	}

	seen = map[string]bool{}
	for _, b := range c.Breakers {
		if seen[b.Name] {
			add("breaker %q: duplicate name", b.Name)
		}
		seen[b.Name] = true
		settings := b.Settings()
		d := breaker.DefaultSettings()
		if settings.FailureThreshold == 0 {
			settings.FailureThreshold = d.FailureThreshold
		}
		if settings.SuccessThreshold == 0 {
			settings.SuccessThreshold = d.SuccessThreshold
		}
		if settings.RecoveryTimeout == 0 {
			settings.RecoveryTimeout = d.RecoveryTimeout
		}
		if settings.Timeout == 0 {
			settings.Timeout = d.Timeout
		}
		if err := settings.Validate(); err != nil {
			add("breaker %q: %w", b.Name, err)
		}
	}

	instances := map[string]string{}
	for _, inst := range c.Instances {
		if _, ok := instances[inst.ID]; ok {
			add("instance %q: duplicate id", inst.ID)
		}
		instances[inst.ID] = inst.Service
	}
	for _, hc := range c.HealthChecks {
		if _, ok := instances[hc.Instance]; !ok {
			add("health check: unknown instance %q", hc.Instance)
		}
		if err := hc.Check().Validate(); err != nil {
			add("health check %q: %w", hc.Instance, err)
		}
	}
	for _, f := range c.Failover {
		if err := f.Rule().Validate(); err != nil {
			add("failover %q: %w", f.Service, err)
			continue
		}
		for _, id := range append([]string{f.Primary}, f.Backups...) {
			if svc, ok := instances[id]; !ok || svc != f.Service {
				add("failover %q: instance %q is not registered for the service", f.Service, id)
			}
		}
	}

	seen = map[string]bool{}
	for _, pc := range c.Recovery.Plans {
		if seen[pc.Name] {
			add("plan %q: duplicate name", pc.Name)
		}
		seen[pc.Name] = true
		p, err := pc.Plan()
		if err != nil {
			add("plan %q: %w", pc.Name, err)
			continue
		}
		if err := p.Validate(); err != nil {
			add("plan %q: %w", pc.Name, err)
		}
	}
	for _, name := range c.Recovery.Executors.Webhook.Actions {
		if _, err := recovery.ParseActionKind(name); err != nil {
			add("webhook executor: %w", err)
		}
	}
	if len(c.Recovery.Executors.Webhook.Actions) > 0 && c.Recovery.Executors.Webhook.URL == "" {
		add("webhook executor: url is required when actions are listed")
	}

	if err := c.Incidents.Procedure().Validate(); err != nil {
		errs = append(errs, err)
	}
	er := c.Incidents.ErrorRate
	if er != (incident.ErrorRateThresholds{}) && !(er.P1 > er.P2 && er.P2 > er.P3 && er.P3 >= 0) {
		add("incidents: error rate thresholds must satisfy p1 > p2 > p3 >= 0")
	}

	if c.Runbooks.Watch && c.Runbooks.Dir == "" {
		add("runbooks: watch requires dir")
	}
	if c.Store.Retention < 0 {
		add("store: retention must not be negative")
	}

	return errors.Join(errs...)
}
