// internal/ha/lb_integration.go
package ha

import (
	"fmt"
	"sort"
	"time"

	"github.com/FairForge/bulwark/internal/errs"
	"github.com/cespare/xxhash/v2"
)

// Algorithm selects an instance among eligible candidates
type Algorithm string

const (
	RoundRobin         Algorithm = "round_robin"
	WeightedRoundRobin Algorithm = "weighted_round_robin"
	LeastConnections   Algorithm = "least_connections"
	LeastResponseTime  Algorithm = "least_response_time"
	SessionHash        Algorithm = "session_hash"
	HealthAware        Algorithm = "health_aware"
)

// ParseAlgorithm validates an algorithm name
func ParseAlgorithm(s string) (Algorithm, error) {
	switch a := Algorithm(s); a {
	case RoundRobin, WeightedRoundRobin, LeastConnections, LeastResponseTime, SessionHash, HealthAware:
		return a, nil
	case "":
		return RoundRobin, nil
	default:
		return "", fmt.Errorf("unknown selection algorithm %q", s)
	}
}

// responseTimeAlpha is the EWMA weight of the newest sample
const responseTimeAlpha = 0.3

// healthScore weights instances by health in the health-aware blend
var healthScore = map[HealthStatus]float64{
	HealthHealthy:  1.0,
	HealthDegraded: 0.5,
	HealthUnknown:  0.3,
}

// Health-aware blend weights and the candidate pool size
const (
	scoreHealthWeight   = 0.5
	scoreResponseWeight = 0.3
	scoreLoadWeight     = 0.2
	healthAwareTopN     = 3
)

func eligible(inst *instance) bool {
	return inst.health != HealthUnhealthy
}

// SelectInstance picks an instance of service. Services with a failover rule
// are active-passive and return the active instance while it is eligible.
// sessionKey is only used by SessionHash.
func (o *Coordinator) SelectInstance(service string, algo Algorithm, sessionKey string) (Instance, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ids, ok := o.services[service]
	if !ok {
		return Instance{}, errs.Unknown("service", service)
	}

	if activeID, hasRule := o.active[service]; hasRule {
		if inst, ok := o.instances[activeID]; ok && eligible(inst) {
			return inst.Instance, nil
		}
	}

	candidates := make([]*instance, 0, len(ids))
	for _, id := range ids {
		if inst := o.instances[id]; eligible(inst) {
			candidates = append(candidates, inst)
		}
	}
	if len(candidates) == 0 {
		return Instance{}, fmt.Errorf("%w for service %q", ErrNoHealthyInstance, service)
	}

	var picked *instance
	switch algo {
	case WeightedRoundRobin:
		picked = smoothWeighted(candidates)
	case LeastConnections:
		picked = leastConnections(candidates)
	case LeastResponseTime:
		picked = leastResponseTime(candidates)
	case SessionHash:
		if sessionKey == "" {
			picked = o.roundRobin(service, candidates)
		} else {
			picked = rendezvous(candidates, sessionKey)
		}
	case HealthAware:
		picked = o.healthAware(candidates)
	default:
		picked = o.roundRobin(service, candidates)
	}
	return picked.Instance, nil
}

func (o *Coordinator) roundRobin(service string, candidates []*instance) *instance {
	idx := o.cursors[service] % len(candidates)
	o.cursors[service] = idx + 1
	return candidates[idx]
}

// smoothWeighted spreads picks in proportion to weight without bursts
func smoothWeighted(candidates []*instance) *instance {
	total := 0
	var best *instance
	for _, c := range candidates {
		c.currentWeight += c.Weight
		total += c.Weight
		if best == nil || c.currentWeight > best.currentWeight {
			best = c
		}
	}
	best.currentWeight -= total
	return best
}

func leastConnections(candidates []*instance) *instance {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.connections < best.connections {
			best = c
		}
	}
	return best
}

// leastResponseTime prefers unmeasured instances so they get sampled
func leastResponseTime(candidates []*instance) *instance {
	best := candidates[0]
	for _, c := range candidates[1:] {
		switch {
		case !c.hasRT && best.hasRT:
			best = c
		case c.hasRT == best.hasRT && c.responseTime < best.responseTime:
			best = c
		case c.hasRT == best.hasRT && c.responseTime == best.responseTime && c.connections < best.connections:
			best = c
		}
	}
	return best
}

// rendezvous maps a session key to the instance with the highest hash so a
// membership change only moves the sessions of the changed instance
func rendezvous(candidates []*instance, key string) *instance {
	var best *instance
	var bestScore uint64
	for _, c := range candidates {
		score := xxhash.Sum64String(key + "\x00" + c.ID)
		if best == nil || score > bestScore {
			best, bestScore = c, score
		}
	}
	return best
}

type scored struct {
	inst  *instance
	score float64
}

func (o *Coordinator) healthAware(candidates []*instance) *instance {
	fastest := 0.0
	for _, c := range candidates {
		if c.hasRT && (fastest == 0 || c.responseTime < fastest) {
			fastest = c.responseTime
		}
	}

	ranked := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		rt := 1.0
		if c.hasRT && c.responseTime > 0 && fastest > 0 {
			rt = fastest / c.responseTime
		}
		load := 1.0 / float64(1+c.connections)
		s := scoreHealthWeight*healthScore[c.health] + scoreResponseWeight*rt + scoreLoadWeight*load
		ranked = append(ranked, scored{c, s})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > healthAwareTopN {
		ranked = ranked[:healthAwareTopN]
	}

	total := 0.0
	for _, r := range ranked {
		total += r.score
	}
	pick := o.rng.Float64() * total
	for _, r := range ranked {
		pick -= r.score
		if pick < 0 {
			return r.inst
		}
	}
	return ranked[len(ranked)-1].inst
}

// Acquire records a new connection to an instance
func (o *Coordinator) Acquire(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	inst, ok := o.instances[id]
	if !ok {
		return errs.Unknown("instance", id)
	}
	inst.connections++
	return nil
}

// Release ends a connection started with Acquire
func (o *Coordinator) Release(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	inst, ok := o.instances[id]
	if !ok {
		return errs.Unknown("instance", id)
	}
	if inst.connections > 0 {
		inst.connections--
	}
	return nil
}

// ObserveResponseTime folds a latency sample into the instance's rolling average
func (o *Coordinator) ObserveResponseTime(id string, d time.Duration) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	inst, ok := o.instances[id]
	if !ok {
		return errs.Unknown("instance", id)
	}
	inst.observe(d)
	return nil
}

func (inst *instance) observe(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	if !inst.hasRT {
		inst.responseTime = ms
		inst.hasRT = true
		return
	}
	inst.responseTime = responseTimeAlpha*ms + (1-responseTimeAlpha)*inst.responseTime
}
