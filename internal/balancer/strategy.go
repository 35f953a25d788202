package balancer

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// Strategy names the closed set of selection algorithms.
type Strategy string

const (
	// StrategyRoundRobin cycles through eligible instances in order.
	StrategyRoundRobin Strategy = "round_robin"
	// StrategyLeastConn picks the eligible instance with the fewest
	// open connections; the first encountered wins ties.
	StrategyLeastConn Strategy = "least_connections"
	// StrategyWeighted draws randomly proportional to instance weight.
	StrategyWeighted Strategy = "weighted"
	// StrategyRandom draws uniformly at random.
	StrategyRandom Strategy = "random"
	// StrategyIPHash falls back to round-robin; this layer has no
	// client IP model.
	StrategyIPHash Strategy = "ip_hash"
)

// Selection is the result of an instance selection.
type Selection struct {
	// Instance is the chosen instance, or nil when selection failed.
	Instance *Instance

	// Reason is a diagnostic explanation of the choice or failure.
	Reason string

	// Available is the number of eligible instances at selection time.
	Available int

	// Total is the pool size at selection time.
	Total int
}

// NextInstance selects an instance for the service. When session affinity
// is enabled and a live, unexpired entry exists for sessionKey pointing at
// a healthy instance, it is reused; otherwise the configured strategy is
// applied over the eligible subset.
func (b *Balancer) NextInstance(service, sessionKey string) Selection {
	p := b.pool(service)
	if p == nil {
		return Selection{Reason: fmt.Sprintf("no instance pool for service %s", service)}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	total := len(p.instances)
	if total == 0 {
		return Selection{Reason: "pool is empty", Total: 0}
	}

	eligible := make([]*Instance, 0, total)
	for _, inst := range p.instances {
		if inst.eligible() {
			eligible = append(eligible, inst)
		}
	}

	if len(eligible) == 0 {
		return Selection{
			Reason: "no healthy instances available",
			Total:  total,
		}
	}

	// Session affinity takes precedence over the strategy.
	if p.config.SessionAffinity && sessionKey != "" {
		if inst := p.affinityLookup(sessionKey, b.now()); inst != nil {
			return Selection{
				Instance:  inst,
				Reason:    "session affinity",
				Available: len(eligible),
				Total:     total,
			}
		}
	}

	inst, reason := p.applyStrategy(eligible)

	if p.config.SessionAffinity && sessionKey != "" && inst != nil {
		p.affinity[sessionKey] = affinityEntry{
			instanceID:   inst.ID,
			lastAccessed: b.now(),
		}
	}

	return Selection{
		Instance:  inst,
		Reason:    reason,
		Available: len(eligible),
		Total:     total,
	}
}

// applyStrategy dispatches over the closed strategy set. Caller holds
// p.mu and guarantees eligible is non-empty.
func (p *pool) applyStrategy(eligible []*Instance) (*Instance, string) {
	switch p.config.Strategy {
	case StrategyLeastConn:
		return leastConnections(eligible), "least connections"

	case StrategyWeighted:
		return weightedRandom(eligible), "weighted random"

	case StrategyRandom:
		return eligible[secureRandomInt(len(eligible))], "random"

	case StrategyIPHash:
		// No client IP model in this layer.
		return p.roundRobin(eligible), "ip_hash (round robin fallback)"

	default:
		return p.roundRobin(eligible), "round robin"
	}
}

// roundRobin advances the per-pool counter. Caller holds p.mu.
func (p *pool) roundRobin(eligible []*Instance) *Instance {
	idx := p.rrCounter % uint64(len(eligible))
	p.rrCounter++
	return eligible[idx]
}

// leastConnections returns the instance with the minimum open connection
// count; the first encountered wins ties.
func leastConnections(eligible []*Instance) *Instance {
	selected := eligible[0]
	minConns := selected.Connections()

	for _, inst := range eligible[1:] {
		if conns := inst.Connections(); conns < minConns {
			minConns = conns
			selected = inst
		}
	}
	return selected
}

// weightedRandom draws an instance proportional to its weight.
func weightedRandom(eligible []*Instance) *Instance {
	totalWeight := 0
	for _, inst := range eligible {
		totalWeight += inst.Weight
	}
	if totalWeight <= 0 {
		return eligible[secureRandomInt(len(eligible))]
	}

	r := secureRandomInt(totalWeight)
	for _, inst := range eligible {
		r -= inst.Weight
		if r < 0 {
			return inst
		}
	}
	return eligible[len(eligible)-1]
}

// secureRandomInt returns a cryptographically secure random int in [0, n).
func secureRandomInt(n int) int {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	// Safe conversion: result of modulo is always < n, which fits in int
	return int(binary.LittleEndian.Uint64(b[:]) % uint64(n)) //nolint:gosec // bounds checked
}
