package ha

import (
	"errors"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/FairForge/bulwark/internal/clock"
	"github.com/FairForge/bulwark/internal/errs"
	"github.com/FairForge/bulwark/internal/history"
	"go.uber.org/zap"
)

var (
	// ErrNoHealthyInstance is returned when selection finds no eligible instance
	ErrNoHealthyInstance = errors.New("ha: no healthy instance")
	// ErrNoHealthyBackup is returned when failover finds no healthy backup
	ErrNoHealthyBackup = errors.New("ha: no healthy backup")
)

// HealthStatus represents the health state of an instance
type HealthStatus int

const (
	HealthUnknown HealthStatus = iota
	HealthHealthy
	HealthDegraded
	HealthUnhealthy
)

func (s HealthStatus) String() string {
	switch s {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalText renders the status name
func (s HealthStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Instance is one addressable copy of a logical service
type Instance struct {
	ID      string `json:"id"`
	Service string `json:"service"`
	Address string `json:"address"`
	Weight  int    `json:"weight"`
}

// InstanceStatus is a read-only view of an instance
type InstanceStatus struct {
	Instance
	Health       HealthStatus  `json:"health"`
	Connections  int           `json:"connections"`
	ResponseTime time.Duration `json:"response_time"`
	LastCheck    time.Time     `json:"last_check"`
	LastError    string        `json:"last_error,omitempty"`
	Active       bool          `json:"active"`
}

// EventType represents coordinator event types
type EventType string

const (
	EventInstanceRegistered   EventType = "instance_registered"
	EventInstanceDeregistered EventType = "instance_deregistered"
	EventHealthChanged        EventType = "health_changed"
	EventFailover             EventType = "failover"
	EventFailback             EventType = "failback"
)

// Event is delivered to subscribers after the coordinator lock is released
type Event struct {
	Type      EventType
	Service   string
	Instance  string
	From      HealthStatus
	To        HealthStatus
	Timestamp time.Time
	Message   string
}

type instance struct {
	Instance
	health       HealthStatus
	connections  int
	responseTime float64 // EWMA milliseconds
	hasRT        bool
	results      *history.Ring[bool]
	lastCheck    time.Time
	lastErr      string

	// smooth weighted round-robin accumulator
	currentWeight int
}

// Coordinator tracks service instances, selects among them and moves the
// active pointer between primaries and backups
type Coordinator struct {
	mu        sync.RWMutex
	instances map[string]*instance
	services  map[string][]string // service -> instance IDs in registration order
	cursors   map[string]int

	rules    map[string]FailoverRule
	active   map[string]string
	failback map[string]time.Time // service -> primary healthy since
	events   *history.Ring[FailoverEvent]

	checks map[string]*healthCheck
	probe  Probe

	subscribers []func(Event)
	clock       clock.Clock
	logger      *zap.Logger
	rng         *rand.Rand
}

// Option configures the coordinator
type Option func(*Coordinator)

// WithClock sets the time source
func WithClock(c clock.Clock) Option {
	return func(o *Coordinator) {
		o.clock = c
	}
}

// WithLogger adds logging
func WithLogger(logger *zap.Logger) Option {
	return func(o *Coordinator) {
		o.logger = logger
	}
}

// WithRand seeds the health-aware random choice
func WithRand(r *rand.Rand) Option {
	return func(o *Coordinator) {
		o.rng = r
	}
}

// WithProbe sets the probe used by scheduled health checks
func WithProbe(p Probe) Option {
	return func(o *Coordinator) {
		o.probe = p
	}
}

// WithFailoverHistory bounds the failover event log
func WithFailoverHistory(n int) Option {
	return func(o *Coordinator) {
		o.events = history.NewRing[FailoverEvent](n)
	}
}

// NewCoordinator creates an empty coordinator
func NewCoordinator(opts ...Option) *Coordinator {
	o := &Coordinator{
		instances: make(map[string]*instance),
		services:  make(map[string][]string),
		cursors:   make(map[string]int),
		rules:     make(map[string]FailoverRule),
		active:    make(map[string]string),
		failback:  make(map[string]time.Time),
		events:    history.NewRing[FailoverEvent](200),
		checks:    make(map[string]*healthCheck),
		probe:     NewHTTPProbe(nil),
		clock:     clock.Real(),
		logger:    zap.NewNop(),
		rng:       rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x6a09e667)),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RegisterInstance adds an instance with unknown health
func (o *Coordinator) RegisterInstance(inst Instance) error {
	if inst.ID == "" || inst.Service == "" {
		return errs.Invalid("instance", inst.ID, "id and service are required")
	}
	if inst.Weight <= 0 {
		inst.Weight = 1
	}

	o.mu.Lock()
	if _, exists := o.instances[inst.ID]; exists {
		o.mu.Unlock()
		return errs.Invalid("instance", inst.ID, "already registered")
	}
	o.instances[inst.ID] = &instance{
		Instance: inst,
		health:   HealthUnknown,
		results:  history.NewRing[bool](healthWindow),
	}
	o.services[inst.Service] = append(o.services[inst.Service], inst.ID)
	o.mu.Unlock()

	o.logger.Info("instance registered",
		zap.String("service", inst.Service),
		zap.String("instance", inst.ID),
		zap.Int("weight", inst.Weight))
	o.emit([]Event{{
		Type:      EventInstanceRegistered,
		Service:   inst.Service,
		Instance:  inst.ID,
		Timestamp: o.clock.Now(),
		Message:   "instance registered",
	}})
	return nil
}

// DeregisterInstance removes an instance and its health check
func (o *Coordinator) DeregisterInstance(id string) error {
	o.mu.Lock()
	inst, exists := o.instances[id]
	if !exists {
		o.mu.Unlock()
		return errs.Unknown("instance", id)
	}
	delete(o.instances, id)
	delete(o.checks, id)

	ids := o.services[inst.Service]
	for i, candidate := range ids {
		if candidate == id {
			ids = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(o.services, inst.Service)
		delete(o.cursors, inst.Service)
	} else {
		o.services[inst.Service] = ids
	}
	o.mu.Unlock()

	o.logger.Info("instance deregistered",
		zap.String("service", inst.Service),
		zap.String("instance", id))
	o.emit([]Event{{
		Type:      EventInstanceDeregistered,
		Service:   inst.Service,
		Instance:  id,
		Timestamp: o.clock.Now(),
		Message:   "instance deregistered",
	}})
	return nil
}

// Subscribe registers an event listener. Listeners run synchronously on the
// goroutine that caused the event.
func (o *Coordinator) Subscribe(handler func(Event)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.subscribers = append(o.subscribers, handler)
}

func (o *Coordinator) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	o.mu.RLock()
	subs := make([]func(Event), len(o.subscribers))
	copy(subs, o.subscribers)
	o.mu.RUnlock()

	for _, e := range events {
		for _, fn := range subs {
			fn(e)
		}
	}
}

func (o *Coordinator) statusLocked(inst *instance) InstanceStatus {
	s := InstanceStatus{
		Instance:    inst.Instance,
		Health:      inst.health,
		Connections: inst.connections,
		LastCheck:   inst.lastCheck,
		LastError:   inst.lastErr,
	}
	if inst.hasRT {
		s.ResponseTime = time.Duration(inst.responseTime * float64(time.Millisecond))
	}
	if active, ok := o.active[inst.Service]; ok {
		s.Active = active == inst.ID
	}
	return s
}

// InstanceStatus returns a snapshot of one instance
func (o *Coordinator) InstanceStatus(id string) (InstanceStatus, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	inst, ok := o.instances[id]
	if !ok {
		return InstanceStatus{}, errs.Unknown("instance", id)
	}
	return o.statusLocked(inst), nil
}

// Instances returns snapshots for a service in registration order
func (o *Coordinator) Instances(service string) []InstanceStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()

	ids := o.services[service]
	out := make([]InstanceStatus, 0, len(ids))
	for _, id := range ids {
		out = append(out, o.statusLocked(o.instances[id]))
	}
	return out
}

// Services lists known services
func (o *Coordinator) Services() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	names := make([]string, 0, len(o.services))
	for name := range o.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HealthCounts tallies instances by health across every service
func (o *Coordinator) HealthCounts() map[HealthStatus]int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	counts := make(map[HealthStatus]int)
	for _, inst := range o.instances {
		counts[inst.health]++
	}
	return counts
}
