package config

import (
	"time"

	"github.com/FairForge/bulwark/internal/breaker"
	"github.com/FairForge/bulwark/internal/ha"
	"github.com/FairForge/bulwark/internal/incident"
	"github.com/FairForge/bulwark/internal/logging"
	"github.com/FairForge/bulwark/internal/recovery"
	"github.com/FairForge/bulwark/internal/slo"
	"github.com/FairForge/bulwark/internal/store"
)

type Config struct {
	Server       ServerConfig        `yaml:"server"`
	Log          logging.Config      `yaml:"log"`
	Scheduler    SchedulerConfig     `yaml:"scheduler"`
	SLOs         []SLOConfig         `yaml:"slos" validate:"dive"`
	Budget       BudgetConfig        `yaml:"budget"`
	Breakers     []BreakerConfig     `yaml:"breakers" validate:"dive"`
	Instances    []InstanceConfig    `yaml:"instances" validate:"dive"`
	HealthChecks []HealthCheckConfig `yaml:"health_checks" validate:"dive"`
	Failover     []FailoverConfig    `yaml:"failover" validate:"dive"`
	Recovery     RecoveryConfig      `yaml:"recovery"`
	Incidents    IncidentConfig      `yaml:"incidents"`
	Runbooks     RunbooksConfig      `yaml:"runbooks"`
	Notify       NotifyConfig        `yaml:"notify"`
	Store        StoreConfig         `yaml:"store"`
	Auth         AuthConfig          `yaml:"auth"`
}

type ServerConfig struct {
	Address         string        `yaml:"address" default:":8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" default:"30s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"15s"`
}

// SchedulerConfig holds the interval of every periodic task
type SchedulerConfig struct {
	SLOEvaluation   time.Duration `yaml:"slo_evaluation" default:"30s"`
	ErrorBudget     time.Duration `yaml:"error_budget" default:"1m"`
	HealthChecks    time.Duration `yaml:"health_checks" default:"10s"`
	FailbackCheck   time.Duration `yaml:"failback_check" default:"30s"`
	BreakerMetrics  time.Duration `yaml:"breaker_metrics" default:"15s"`
	EscalationSweep time.Duration `yaml:"escalation_sweep" default:"30s"`
	SnapshotExport  time.Duration `yaml:"snapshot_export" default:"1m"`
}

type ThresholdsConfig struct {
	Catastrophic float64 `yaml:"catastrophic" validate:"gte=0"`
	Critical     float64 `yaml:"critical"`
	Major        float64 `yaml:"major"`
	Warning      float64 `yaml:"warning"`
}

type SLOConfig struct {
	Name        string           `yaml:"name" validate:"required"`
	Target      float64          `yaml:"target" validate:"gt=0,lte=100"`
	Window      time.Duration    `yaml:"window" validate:"required"`
	Thresholds  ThresholdsConfig `yaml:"thresholds"`
	Aggregation string           `yaml:"aggregation" validate:"omitempty,oneof=average p95 p99"`
	Criticality string           `yaml:"criticality" validate:"omitempty,oneof=revenue_critical customer_facing internal"`
	Trigger     string           `yaml:"trigger"`
	Services    []string         `yaml:"services"`
}

// Definition converts to the registry's type. Aggregation defaults to
// average and criticality to internal.
func (c SLOConfig) Definition() slo.Definition {
	d := slo.Definition{
		Name:   c.Name,
		Target: c.Target,
		Window: c.Window,
		Thresholds: slo.Thresholds{
			Catastrophic: c.Thresholds.Catastrophic,
			Critical:     c.Thresholds.Critical,
			Major:        c.Thresholds.Major,
			Warning:      c.Thresholds.Warning,
		},
		Aggregation: slo.Aggregation(c.Aggregation),
		Criticality: slo.Criticality(c.Criticality),
		Trigger:     c.Trigger,
		Services:    c.Services,
	}
	if d.Aggregation == "" {
		d.Aggregation = slo.AggregationAverage
	}
	if d.Criticality == "" {
		d.Criticality = slo.CriticalityInternal
	}
	return d
}

type BudgetConfig struct {
	FastBurnMultiple float64 `yaml:"fast_burn_multiple" validate:"gte=0"`
	AlertHistory     int     `yaml:"alert_history" validate:"gte=0"`
}

type BreakerConfig struct {
	Name             string        `yaml:"name" validate:"required"`
	FailureThreshold int           `yaml:"failure_threshold" validate:"gte=0"`
	SuccessThreshold int           `yaml:"success_threshold" validate:"gte=0"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	Timeout          time.Duration `yaml:"timeout"`
	FallbackEnabled  bool          `yaml:"fallback_enabled"`
	Fallback         interface{}   `yaml:"fallback"`
}

// Settings converts to breaker settings; zero thresholds take the
// breaker defaults on registration
func (c BreakerConfig) Settings() breaker.Settings {
	return breaker.Settings{
		FailureThreshold: c.FailureThreshold,
		SuccessThreshold: c.SuccessThreshold,
		RecoveryTimeout:  c.RecoveryTimeout,
		Timeout:          c.Timeout,
		Fallback:         c.Fallback,
		FallbackEnabled:  c.FallbackEnabled,
	}
}

type InstanceConfig struct {
	ID      string `yaml:"id" validate:"required"`
	Service string `yaml:"service" validate:"required"`
	Address string `yaml:"address" validate:"required"`
	Weight  int    `yaml:"weight" validate:"gte=0"`
}

// Instance converts to the coordinator's type
func (c InstanceConfig) Instance() ha.Instance {
	return ha.Instance{ID: c.ID, Service: c.Service, Address: c.Address, Weight: c.Weight}
}

type HealthCheckConfig struct {
	Instance           string        `yaml:"instance" validate:"required"`
	Interval           time.Duration `yaml:"interval"`
	Timeout            time.Duration `yaml:"timeout"`
	HealthyThreshold   int           `yaml:"healthy_threshold" validate:"gte=0"`
	UnhealthyThreshold int           `yaml:"unhealthy_threshold" validate:"gte=0"`
}

// Check converts to the coordinator's type with defaults applied
func (c HealthCheckConfig) Check() ha.HealthCheckConfig {
	hc := ha.HealthCheckConfig{
		InstanceID:         c.Instance,
		Interval:           c.Interval,
		Timeout:            c.Timeout,
		HealthyThreshold:   c.HealthyThreshold,
		UnhealthyThreshold: c.UnhealthyThreshold,
	}
	hc.ApplyDefaults()
	return hc
}

type FailoverConfig struct {
	Service           string        `yaml:"service" validate:"required"`
	Primary           string        `yaml:"primary" validate:"required"`
	Backups           []string      `yaml:"backups" validate:"min=1,dive,required"`
	AutomaticFailback bool          `yaml:"automatic_failback"`
	FailbackDelay     time.Duration `yaml:"failback_delay"`
}

// Rule converts to the coordinator's type
func (c FailoverConfig) Rule() ha.FailoverRule {
	return ha.FailoverRule{
		Service:           c.Service,
		Primary:           c.Primary,
		Backups:           c.Backups,
		AutomaticFailback: c.AutomaticFailback,
		FailbackDelay:     c.FailbackDelay,
	}
}

type RecoveryConfig struct {
	MaxConcurrent int             `yaml:"max_concurrent" default:"3" validate:"gte=0"`
	ActionTimeout time.Duration   `yaml:"action_timeout" default:"2m"`
	History       int             `yaml:"history" validate:"gte=0"`
	Plans         []PlanConfig    `yaml:"plans" validate:"dive"`
	Executors     ExecutorsConfig `yaml:"executors"`
}

type ActionConfig struct {
	Kind    string            `yaml:"kind" validate:"required"`
	Target  string            `yaml:"target"`
	Params  map[string]string `yaml:"params"`
	Timeout time.Duration     `yaml:"timeout"`
}

// Action converts to the engine's type
func (c ActionConfig) Action() (recovery.Action, error) {
	kind, err := recovery.ParseActionKind(c.Kind)
	if err != nil {
		return recovery.Action{}, err
	}
	return recovery.Action{Kind: kind, Target: c.Target, Params: c.Params, Timeout: c.Timeout}, nil
}

type PlanConfig struct {
	Name           string         `yaml:"name" validate:"required"`
	Triggers       []string       `yaml:"triggers" validate:"min=1"`
	Actions        []ActionConfig `yaml:"actions" validate:"min=1,dive"`
	MaxAttempts    int            `yaml:"max_attempts"`
	RetryDelay     time.Duration  `yaml:"retry_delay"`
	Rollback       []ActionConfig `yaml:"rollback" validate:"dive"`
	Priority       int            `yaml:"priority"`
	BusinessImpact string         `yaml:"business_impact"`
	Cooldown       time.Duration  `yaml:"cooldown"`
}

// Plan converts to the engine's type. MaxAttempts defaults to 1, priority
// to 5 and business impact to medium.
func (c PlanConfig) Plan() (recovery.Plan, error) {
	p := recovery.Plan{
		Name:           c.Name,
		Triggers:       c.Triggers,
		MaxAttempts:    c.MaxAttempts,
		RetryDelay:     c.RetryDelay,
		Priority:       c.Priority,
		BusinessImpact: recovery.BusinessImpact(c.BusinessImpact),
		Cooldown:       c.Cooldown,
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 1
	}
	if p.Priority == 0 {
		p.Priority = 5
	}
	if p.BusinessImpact == "" {
		p.BusinessImpact = recovery.ImpactMedium
	}
	for _, ac := range c.Actions {
		a, err := ac.Action()
		if err != nil {
			return recovery.Plan{}, err
		}
		p.Actions = append(p.Actions, a)
	}
	for _, ac := range c.Rollback {
		a, err := ac.Action()
		if err != nil {
			return recovery.Plan{}, err
		}
		p.Rollback = append(p.Rollback, a)
	}
	return p, nil
}

// ExecutorsConfig selects the infrastructure drivers. Breaker and failover
// actions are always served in-process.
type ExecutorsConfig struct {
	Docker  bool                  `yaml:"docker"`
	Webhook WebhookExecutorConfig `yaml:"webhook"`
	// RateLimit caps infrastructure actions per second; zero disables it
	RateLimit float64 `yaml:"rate_limit" validate:"gte=0"`
	Burst     int     `yaml:"burst" validate:"gte=0"`
}

type WebhookExecutorConfig struct {
	URL     string            `yaml:"url" validate:"omitempty,url"`
	Headers map[string]string `yaml:"headers"`
	// Actions lists the kinds routed to the webhook; empty means every
	// kind without another executor
	Actions []string `yaml:"actions"`
}

type IncidentConfig struct {
	RevenueCritical []string                     `yaml:"revenue_critical"`
	CustomerFacing  []string                     `yaml:"customer_facing"`
	BroadImpact     int                          `yaml:"broad_impact" validate:"gte=0"`
	ErrorRate       incident.ErrorRateThresholds `yaml:"error_rate"`
	Escalation      *EscalationConfig            `yaml:"escalation"`
	History         int                          `yaml:"history" validate:"gte=0"`
}

// Classifier returns the configured classifier, starting from the defaults
func (c IncidentConfig) Classifier() incident.Classifier {
	cl := incident.DefaultClassifier()
	cl.RevenueCritical = c.RevenueCritical
	cl.CustomerFacing = c.CustomerFacing
	if c.BroadImpact > 0 {
		cl.BroadImpact = c.BroadImpact
	}
	if c.ErrorRate != (incident.ErrorRateThresholds{}) {
		cl.ErrorRate = c.ErrorRate
	}
	return cl
}

// Procedure returns the configured escalation matrix or the default one
func (c IncidentConfig) Procedure() incident.Procedure {
	if c.Escalation == nil {
		return incident.DefaultProcedure()
	}
	p := incident.Procedure{OnOpen: c.Escalation.OnOpen}
	for _, l := range c.Escalation.Levels {
		p.Levels = append(p.Levels, incident.Level{Name: l.Name, After: l.After, Channels: l.Channels})
	}
	return p
}

type EscalationConfig struct {
	OnOpen []string      `yaml:"on_open"`
	Levels []LevelConfig `yaml:"levels" validate:"dive"`
}

type LevelConfig struct {
	Name     string        `yaml:"name" validate:"required"`
	After    time.Duration `yaml:"after"`
	Channels []string      `yaml:"channels" validate:"min=1"`
}

type RunbooksConfig struct {
	Dir      string        `yaml:"dir"`
	Watch    bool          `yaml:"watch"`
	Debounce time.Duration `yaml:"debounce"`
}

// NotifyConfig routes escalation channels. A channel goes to its webhook
// if one is configured, else to NATS when enabled, else to the log.
type NotifyConfig struct {
	NATS     NATSConfig             `yaml:"nats"`
	Webhooks []WebhookChannelConfig `yaml:"webhooks" validate:"dive"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix" default:"bulwark.notify"`
}

type WebhookChannelConfig struct {
	Channel string            `yaml:"channel" validate:"required"`
	URL     string            `yaml:"url" validate:"required,url"`
	Headers map[string]string `yaml:"headers"`
}

type StoreConfig struct {
	Postgres    store.Config  `yaml:"postgres"`
	RedisURL    string        `yaml:"redis_url"`
	RedisPrefix string        `yaml:"redis_prefix" default:"bulwark"`
	SnapshotTTL time.Duration `yaml:"snapshot_ttl" default:"5m"`
	// Retention prunes Postgres snapshots older than this; zero keeps all
	Retention time.Duration `yaml:"retention"`
}

type AuthConfig struct {
	// JWTSecret signs admin bearer tokens (HS256). Admin routes are
	// disabled when empty.
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}
