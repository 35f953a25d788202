// Package balancer maintains per-service pools of backend instances and
// selects one per request using a configurable strategy. It tracks
// per-instance connection counts and health, supports session affinity,
// and runs per-service health checks.
package balancer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Status represents the health status of a backend instance.
type Status int32

const (
	// StatusUnknown indicates the instance has not been probed yet.
	StatusUnknown Status = iota
	// StatusHealthy indicates the instance is healthy.
	StatusHealthy
	// StatusDegraded indicates recent failures below the unhealthy threshold.
	StatusDegraded
	// StatusUnhealthy indicates the instance is out of rotation.
	StatusUnhealthy
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Errors returned by pool operations.
var (
	ErrServiceNotFound  = errors.New("no instance pool for service")
	ErrInstanceNotFound = errors.New("instance not found")
	ErrAtCapacity       = errors.New("instance at connection capacity")
)

// Instance represents a single backend instance in a service pool.
type Instance struct {
	ID             string
	Address        string
	Port           int
	Weight         int
	MaxConnections int

	status      atomic.Int32
	connections atomic.Int64

	// consecutiveFailures is guarded by the owning pool's mutex.
	consecutiveFailures int
	consecutiveOKs      int
}

// InstanceSpec declares an instance to add to a pool.
type InstanceSpec struct {
	Address        string
	Port           int
	Weight         int
	MaxConnections int
}

// newInstance creates an instance from a spec.
func newInstance(spec InstanceSpec) *Instance {
	weight := spec.Weight
	if weight <= 0 {
		weight = 1
	}
	inst := &Instance{
		ID:             uuid.NewString(),
		Address:        spec.Address,
		Port:           spec.Port,
		Weight:         weight,
		MaxConnections: spec.MaxConnections,
	}
	inst.status.Store(int32(StatusUnknown))
	return inst
}

// Addr returns the host:port form of the instance address.
func (i *Instance) Addr() string {
	return fmt.Sprintf("%s:%d", i.Address, i.Port)
}

// Status returns the instance status.
func (i *Instance) Status() Status {
	return Status(i.status.Load())
}

// SetStatus sets the instance status.
func (i *Instance) SetStatus(status Status) {
	i.status.Store(int32(status))
}

// Connections returns the current open-connection count.
func (i *Instance) Connections() int64 {
	return i.connections.Load()
}

// eligible reports whether the instance may receive traffic. Degraded and
// unprobed instances stay in rotation; unhealthy ones do not.
func (i *Instance) eligible() bool {
	return i.Status() != StatusUnhealthy
}

// Config configures one service's pool.
type Config struct {
	// Strategy is the selection strategy (see Strategy constants).
	Strategy Strategy

	// SessionAffinity enables sticky sessions keyed by session key.
	SessionAffinity bool

	// AffinityTTL is the idle lifetime of an affinity entry.
	AffinityTTL time.Duration

	// UnhealthyThreshold is the consecutive failures that demote an
	// instance to unhealthy.
	UnhealthyThreshold int

	// HealthyThreshold is the consecutive probe successes that restore
	// an unhealthy instance.
	HealthyThreshold int

	// HealthCheckInterval is the interval between instance probes.
	HealthCheckInterval time.Duration

	// HealthCheckTimeout bounds each instance probe.
	HealthCheckTimeout time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Strategy:            StrategyRoundRobin,
		AffinityTTL:         5 * time.Minute,
		UnhealthyThreshold:  3,
		HealthyThreshold:    1,
		HealthCheckInterval: 10 * time.Second,
		HealthCheckTimeout:  5 * time.Second,
	}
}

// normalize fills zero values with defaults.
func (c *Config) normalize() {
	def := DefaultConfig()
	if c.Strategy == "" {
		c.Strategy = def.Strategy
	}
	if c.AffinityTTL <= 0 {
		c.AffinityTTL = def.AffinityTTL
	}
	if c.UnhealthyThreshold <= 0 {
		c.UnhealthyThreshold = def.UnhealthyThreshold
	}
	if c.HealthyThreshold <= 0 {
		c.HealthyThreshold = def.HealthyThreshold
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = def.HealthCheckInterval
	}
	if c.HealthCheckTimeout <= 0 {
		c.HealthCheckTimeout = def.HealthCheckTimeout
	}
}

// affinityEntry records a sticky-session binding.
type affinityEntry struct {
	instanceID   string
	lastAccessed time.Time
}

// poolStats aggregates request outcomes for a pool.
type poolStats struct {
	requests     uint64
	failures     uint64
	totalLatency time.Duration
}

// pool holds one service's instances and selection state.
type pool struct {
	service string
	config  Config

	mu        sync.Mutex
	instances []*Instance
	affinity  map[string]affinityEntry
	rrCounter uint64
	stats     poolStats

	prober  Prober
	checker *healthChecker
}

// Balancer maintains one instance pool per service.
type Balancer struct {
	mu     sync.RWMutex
	pools  map[string]*pool
	logger *zap.Logger

	// now is injectable for tests.
	now func() time.Time
}

// Option is a functional option for configuring the balancer.
type Option func(*Balancer)

// WithLogger sets the logger for the balancer.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Balancer) {
		b.logger = logger
	}
}

// WithClock overrides the balancer's time source.
func WithClock(now func() time.Time) Option {
	return func(b *Balancer) {
		b.now = now
	}
}

// New creates a new balancer.
func New(opts ...Option) *Balancer {
	b := &Balancer{
		pools:  make(map[string]*pool),
		logger: zap.NewNop(),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// ConfigureService installs or updates a service's pool configuration.
// Existing instances are kept; new settings take effect on the next
// selection or health cycle.
func (b *Balancer) ConfigureService(service string, cfg Config) {
	cfg.normalize()

	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pools[service]
	if !ok {
		b.pools[service] = &pool{
			service:  service,
			config:   cfg,
			affinity: make(map[string]affinityEntry),
		}
		return
	}

	p.mu.Lock()
	p.config = cfg
	p.mu.Unlock()
	if p.checker != nil {
		p.checker.updateConfig(cfg)
	}
}

// AddInstance adds an instance to a service's pool, creating the pool
// with defaults if needed. It returns the new instance's id.
func (b *Balancer) AddInstance(service string, spec InstanceSpec) (string, error) {
	if spec.Address == "" {
		return "", errors.New("instance address is required")
	}

	b.mu.Lock()
	p, ok := b.pools[service]
	if !ok {
		cfg := DefaultConfig()
		p = &pool{
			service:  service,
			config:   cfg,
			affinity: make(map[string]affinityEntry),
		}
		b.pools[service] = p
	}
	b.mu.Unlock()

	inst := newInstance(spec)

	p.mu.Lock()
	p.instances = append(p.instances, inst)
	p.mu.Unlock()

	b.logger.Info("added instance",
		zap.String("service", service),
		zap.String("instance", inst.ID),
		zap.String("addr", inst.Addr()),
	)

	return inst.ID, nil
}

// RemoveInstance removes an instance from a pool, purging any session
// affinity entries pointing at it.
func (b *Balancer) RemoveInstance(service, instanceID string) bool {
	p := b.pool(service)
	if p == nil {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for idx, inst := range p.instances {
		if inst.ID != instanceID {
			continue
		}
		p.instances = append(p.instances[:idx], p.instances[idx+1:]...)
		for key, entry := range p.affinity {
			if entry.instanceID == instanceID {
				delete(p.affinity, key)
			}
		}
		return true
	}
	return false
}

// AcquireConnection reserves a connection slot on an instance. It refuses
// acquisition past the instance's capacity.
func (b *Balancer) AcquireConnection(service, instanceID string) error {
	inst, err := b.instance(service, instanceID)
	if err != nil {
		return err
	}

	for {
		current := inst.connections.Load()
		if inst.MaxConnections > 0 && current >= int64(inst.MaxConnections) {
			return ErrAtCapacity
		}
		if inst.connections.CompareAndSwap(current, current+1) {
			return nil
		}
	}
}

// ReleaseConnection releases a previously acquired connection slot.
func (b *Balancer) ReleaseConnection(service, instanceID string) {
	inst, err := b.instance(service, instanceID)
	if err != nil {
		return
	}

	for {
		current := inst.connections.Load()
		if current <= 0 {
			return
		}
		if inst.connections.CompareAndSwap(current, current-1) {
			return
		}
	}
}

// RecordRequest records a request outcome against an instance. Reaching
// the pool's unhealthy threshold of consecutive failures demotes the
// instance; failures below the threshold mark it degraded.
func (b *Balancer) RecordRequest(service, instanceID string, success bool, latency time.Duration) {
	p := b.pool(service)
	if p == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.requests++
	p.stats.totalLatency += latency
	if !success {
		p.stats.failures++
	}

	for _, inst := range p.instances {
		if inst.ID != instanceID {
			continue
		}
		if success {
			inst.consecutiveFailures = 0
			if inst.Status() == StatusDegraded {
				inst.SetStatus(StatusHealthy)
			}
			return
		}
		p.recordInstanceFailure(inst, b.logger)
		return
	}
}

// recordInstanceFailure applies one failure to an instance's counters.
// Caller holds p.mu.
func (p *pool) recordInstanceFailure(inst *Instance, logger *zap.Logger) {
	inst.consecutiveFailures++
	inst.consecutiveOKs = 0

	if inst.consecutiveFailures >= p.config.UnhealthyThreshold {
		if inst.Status() != StatusUnhealthy {
			logger.Warn("instance became unhealthy",
				zap.String("service", p.service),
				zap.String("instance", inst.ID),
				zap.String("addr", inst.Addr()),
				zap.Int("consecutiveFailures", inst.consecutiveFailures),
			)
			inst.SetStatus(StatusUnhealthy)
		}
		return
	}
	if inst.Status() != StatusUnhealthy {
		inst.SetStatus(StatusDegraded)
	}
}

// Stats is a read-only aggregate view of a pool.
type Stats struct {
	Service        string         `json:"service"`
	Strategy       Strategy       `json:"strategy"`
	Total          int            `json:"total"`
	Available      int            `json:"available"`
	Requests       uint64         `json:"requests"`
	Failures       uint64         `json:"failures"`
	AvgLatency     time.Duration  `json:"avgLatency"`
	ByStatus       map[string]int `json:"byStatus"`
	OpenConnection int64          `json:"openConnections"`
}

// Stats returns aggregate statistics for a service's pool.
func (b *Balancer) Stats(service string) (Stats, bool) {
	p := b.pool(service)
	if p == nil {
		return Stats{}, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{
		Service:  service,
		Strategy: p.config.Strategy,
		Total:    len(p.instances),
		Requests: p.stats.requests,
		Failures: p.stats.failures,
		ByStatus: make(map[string]int),
	}
	for _, inst := range p.instances {
		stats.ByStatus[inst.Status().String()]++
		if inst.eligible() {
			stats.Available++
		}
		stats.OpenConnection += inst.Connections()
	}
	if stats.Requests > 0 {
		stats.AvgLatency = p.stats.totalLatency / time.Duration(stats.Requests)
	}
	return stats, true
}

// Services returns the names of all services with pools.
func (b *Balancer) Services() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.pools))
	for name := range b.pools {
		names = append(names, name)
	}
	return names
}

// Instances returns the instances of a service's pool.
func (b *Balancer) Instances(service string) []*Instance {
	p := b.pool(service)
	if p == nil {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Instance, len(p.instances))
	copy(out, p.instances)
	return out
}

// pool returns the pool for a service, or nil.
func (b *Balancer) pool(service string) *pool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.pools[service]
}

// instance resolves an instance by service and id.
func (b *Balancer) instance(service, instanceID string) (*Instance, error) {
	p := b.pool(service)
	if p == nil {
		return nil, ErrServiceNotFound
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, inst := range p.instances {
		if inst.ID == instanceID {
			return inst, nil
		}
	}
	return nil, ErrInstanceNotFound
}
