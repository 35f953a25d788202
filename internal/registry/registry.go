// Package registry provides a health-checked registry of named downstream
// services. The registry is the single writer of a service's status; other
// subsystems only read it.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tradeforge/backplane/internal/events"
)

// Status represents the health status of a registered service.
type Status string

const (
	// StatusInitializing is the state before the first health check.
	StatusInitializing Status = "initializing"
	// StatusHealthy indicates the service is operating normally.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates recent probe failures below the unhealthy threshold.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates the unhealthy-failure threshold was reached.
	StatusUnhealthy Status = "unhealthy"
	// StatusStopped indicates the service was administratively stopped.
	StatusStopped Status = "stopped"
)

// OverallHealth summarises the registry as a whole.
type OverallHealth string

const (
	// OverallHealthy means every service is healthy.
	OverallHealthy OverallHealth = "healthy"
	// OverallDegraded means some non-critical service is not healthy.
	OverallDegraded OverallHealth = "degraded"
	// OverallUnhealthy means a critical service is down.
	OverallUnhealthy OverallHealth = "unhealthy"
)

// unhealthyAfter is the consecutive probe failures at which a service is
// reported unhealthy instead of degraded.
const unhealthyAfter = 3

// emaAlpha weights new latency samples in the moving average.
const emaAlpha = 0.2

// ErrServiceNotFound is returned when a service id or name is unknown.
var ErrServiceNotFound = errors.New("service not found")

// ServiceConfig declares a service for registration.
type ServiceConfig struct {
	// Name uniquely identifies the service; re-registration under the
	// same name replaces the prior record.
	Name string

	// Criticality is one of critical, high, medium, low.
	Criticality string

	// DependsOn lists names of services this one depends on. The
	// ordering derived from it is advisory for callers.
	DependsOn []string

	// Probe is the optional health probe. Services without a probe are
	// treated as permanently healthy.
	Probe Probe
}

// service is the registry's mutable record for one registered service.
type service struct {
	id          string
	name        string
	criticality string
	dependsOn   []string
	probe       Probe

	mu                  sync.Mutex
	status              Status
	consecutiveFailures int
	requests            uint64
	successes           uint64
	failures            uint64
	emaLatencyMs        float64
	registeredAt        time.Time
	statusSince         time.Time
	uptime              time.Duration
	downtime            time.Duration
}

// Snapshot is a read-only view of a registered service.
type Snapshot struct {
	ID                  string
	Name                string
	Criticality         string
	DependsOn           []string
	Status              Status
	ConsecutiveFailures int
	Requests            uint64
	Successes           uint64
	Failures            uint64
	EMALatencyMs        float64
	RegisteredAt        time.Time
	Uptime              time.Duration
	Downtime            time.Duration
	HasProbe            bool
}

// Stats aggregates the registry by status.
type Stats struct {
	Total         int            `json:"total"`
	ByStatus      map[Status]int `json:"byStatus"`
	OverallHealth OverallHealth  `json:"overallHealth"`
}

// Registry tracks named services and their health.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*service
	byName map[string]*service

	probeTimeout time.Duration
	bus          *events.Bus
	logger       *zap.Logger

	sweepInterval time.Duration
	stopCh        chan struct{}
	stoppedCh     chan struct{}
	running       bool
	runMu         sync.Mutex
}

// Option is a functional option for configuring the registry.
type Option func(*Registry)

// WithLogger sets the logger for the registry.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithEventBus sets the event bus used for lifecycle and health events.
func WithEventBus(bus *events.Bus) Option {
	return func(r *Registry) {
		r.bus = bus
	}
}

// WithProbeTimeout bounds each health probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.probeTimeout = d
		}
	}
}

// WithSweepInterval sets the periodic health sweep interval.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.sweepInterval = d
		}
	}
}

// New creates a new service registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		byID:          make(map[string]*service),
		byName:        make(map[string]*service),
		probeTimeout:  5 * time.Second,
		sweepInterval: 30 * time.Second,
		logger:        zap.NewNop(),
		stopCh:        make(chan struct{}),
		stoppedCh:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Register registers a service and returns its id. Registering a name
// that already exists replaces the prior record.
func (r *Registry) Register(cfg ServiceConfig) (string, error) {
	if cfg.Name == "" {
		return "", errors.New("service name is required")
	}

	now := time.Now()
	svc := &service{
		id:           uuid.NewString(),
		name:         cfg.Name,
		criticality:  cfg.Criticality,
		dependsOn:    append([]string(nil), cfg.DependsOn...),
		probe:        cfg.Probe,
		status:       StatusInitializing,
		registeredAt: now,
		statusSince:  now,
	}

	// Services without a probe have nothing to fail; they are healthy
	// from the moment of registration.
	if svc.probe == nil {
		svc.status = StatusHealthy
	}

	r.mu.Lock()
	if prev, ok := r.byName[cfg.Name]; ok {
		delete(r.byID, prev.id)
	}
	r.byID[svc.id] = svc
	r.byName[svc.name] = svc
	r.mu.Unlock()

	r.logger.Info("registered service",
		zap.String("name", cfg.Name),
		zap.String("id", svc.id),
		zap.String("criticality", cfg.Criticality),
	)

	r.publish(events.Event{
		Type:     events.TypeServiceRegistered,
		Service:  cfg.Name,
		Severity: events.SeverityInfo,
		Data: events.ServiceInfo{
			ServiceID:   svc.id,
			Criticality: cfg.Criticality,
		},
	})

	return svc.id, nil
}

// Unregister removes a service by id. It reports whether a service was
// removed.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	svc, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		// The name may already point at a replacement record.
		if current, exists := r.byName[svc.name]; exists && current.id == id {
			delete(r.byName, svc.name)
		}
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	r.logger.Info("unregistered service",
		zap.String("name", svc.name),
		zap.String("id", id),
	)

	r.publish(events.Event{
		Type:     events.TypeServiceUnregistered,
		Service:  svc.name,
		Severity: events.SeverityInfo,
		Data: events.ServiceInfo{
			ServiceID:   id,
			Criticality: svc.criticality,
		},
	})

	return true
}

// GetByName returns a snapshot of the named service.
func (r *Registry) GetByName(name string) (Snapshot, bool) {
	r.mu.RLock()
	svc, ok := r.byName[name]
	r.mu.RUnlock()

	if !ok {
		return Snapshot{}, false
	}
	return svc.snapshot(), true
}

// Get returns a snapshot of the service with the given id.
func (r *Registry) Get(id string) (Snapshot, bool) {
	r.mu.RLock()
	svc, ok := r.byID[id]
	r.mu.RUnlock()

	if !ok {
		return Snapshot{}, false
	}
	return svc.snapshot(), true
}

// List returns snapshots of all registered services.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	services := make([]*service, 0, len(r.byID))
	for _, svc := range r.byID {
		services = append(services, svc)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(services))
	for _, svc := range services {
		out = append(out, svc.snapshot())
	}
	return out
}

// RecordRequest records a request outcome against the named service,
// updating cumulative counters and the latency moving average.
func (r *Registry) RecordRequest(name string, success bool, duration time.Duration) {
	r.mu.RLock()
	svc, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return
	}

	ms := float64(duration) / float64(time.Millisecond)

	svc.mu.Lock()
	svc.requests++
	if success {
		svc.successes++
	} else {
		svc.failures++
	}
	if svc.requests == 1 {
		svc.emaLatencyMs = ms
	} else {
		svc.emaLatencyMs = svc.emaLatencyMs*(1-emaAlpha) + ms*emaAlpha
	}
	svc.mu.Unlock()
}

// Stats returns counts by status plus the derived overall health:
// unhealthy if any critical service is down, degraded if any service is
// not healthy, healthy otherwise.
func (r *Registry) Stats() Stats {
	snapshots := r.List()

	stats := Stats{
		Total:    len(snapshots),
		ByStatus: make(map[Status]int),
	}

	criticalDown := false
	anyNotHealthy := false
	for _, s := range snapshots {
		stats.ByStatus[s.Status]++

		if s.Status == StatusHealthy {
			continue
		}
		anyNotHealthy = true
		if s.Criticality == "critical" && (s.Status == StatusUnhealthy || s.Status == StatusStopped) {
			criticalDown = true
		}
	}

	switch {
	case criticalDown:
		stats.OverallHealth = OverallUnhealthy
	case anyNotHealthy:
		stats.OverallHealth = OverallDegraded
	default:
		stats.OverallHealth = OverallHealthy
	}

	return stats
}

// publish emits an event when a bus is configured.
func (r *Registry) publish(event events.Event) {
	if r.bus != nil {
		r.bus.Publish(event)
	}
}

// snapshot copies the service record under its lock.
func (s *service) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Snapshot{
		ID:                  s.id,
		Name:                s.name,
		Criticality:         s.criticality,
		DependsOn:           append([]string(nil), s.dependsOn...),
		Status:              s.status,
		ConsecutiveFailures: s.consecutiveFailures,
		Requests:            s.requests,
		Successes:           s.successes,
		Failures:            s.failures,
		EMALatencyMs:        s.emaLatencyMs,
		RegisteredAt:        s.registeredAt,
		Uptime:              s.uptime + s.elapsedUp(),
		Downtime:            s.downtime + s.elapsedDown(),
		HasProbe:            s.probe != nil,
	}
}

// elapsedUp returns time accrued in an up state since the last status
// change. Caller holds s.mu.
func (s *service) elapsedUp() time.Duration {
	if s.status == StatusHealthy || s.status == StatusDegraded {
		return time.Since(s.statusSince)
	}
	return 0
}

// elapsedDown returns time accrued in a down state since the last status
// change. Caller holds s.mu.
func (s *service) elapsedDown() time.Duration {
	if s.status == StatusUnhealthy || s.status == StatusStopped {
		return time.Since(s.statusSince)
	}
	return 0
}
