package balancer

import "time"

// affinityLookup resolves a session key to a live, unexpired, healthy
// instance, refreshing the entry's last-accessed time on a hit. Stale or
// dangling entries are dropped. Caller holds p.mu.
func (p *pool) affinityLookup(sessionKey string, now time.Time) *Instance {
	entry, ok := p.affinity[sessionKey]
	if !ok {
		return nil
	}

	if now.Sub(entry.lastAccessed) > p.config.AffinityTTL {
		delete(p.affinity, sessionKey)
		return nil
	}

	for _, inst := range p.instances {
		if inst.ID != entry.instanceID {
			continue
		}
		if inst.Status() != StatusHealthy {
			// Do not pin sessions to a degraded or unhealthy instance;
			// the strategy will pick a replacement and re-pin.
			delete(p.affinity, sessionKey)
			return nil
		}
		entry.lastAccessed = now
		p.affinity[sessionKey] = entry
		return inst
	}

	// Instance was removed from the pool.
	delete(p.affinity, sessionKey)
	return nil
}

// AffinityCount returns the number of live affinity entries for a
// service, for diagnostics.
func (b *Balancer) AffinityCount(service string) int {
	p := b.pool(service)
	if p == nil {
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.affinity)
}
