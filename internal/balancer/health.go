package balancer

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Prober checks a single instance. A nil error means the instance passed;
// the checker imposes its own timeout and never assumes the probe
// self-times-out.
type Prober interface {
	Check(ctx context.Context, inst *Instance) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, inst *Instance) error

// Check implements Prober.
func (f ProberFunc) Check(ctx context.Context, inst *Instance) error {
	return f(ctx, inst)
}

// HTTPProber probes instances with an HTTP GET; any 2xx response passes.
type HTTPProber struct {
	Path   string
	Client *http.Client
}

// Check implements Prober.
func (p *HTTPProber) Check(ctx context.Context, inst *Instance) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	url := "http://" + net.JoinHostPort(inst.Address, strconv.Itoa(inst.Port)) + p.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// GRPCProber probes instances via the gRPC health v1 protocol, pooling
// one client connection per address.
type GRPCProber struct {
	// Service is the service name passed in the health check request.
	Service string

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewGRPCProber creates a gRPC health prober.
func NewGRPCProber(service string) *GRPCProber {
	return &GRPCProber{
		Service: service,
		conns:   make(map[string]*grpc.ClientConn),
	}
}

// Check implements Prober.
func (p *GRPCProber) Check(ctx context.Context, inst *Instance) error {
	conn, err := p.conn(inst.Addr())
	if err != nil {
		return err
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{
		Service: p.Service,
	})
	if err != nil {
		p.closeConn(inst.Addr())
		return err
	}

	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("grpc health status %s", resp.GetStatus())
	}
	return nil
}

// conn returns a pooled client connection for the address.
func (p *GRPCProber) conn(addr string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[addr]; ok {
		state := conn.GetState()
		if state != connectivity.Shutdown && state != connectivity.TransientFailure {
			return conn, nil
		}
		_ = conn.Close()
		delete(p.conns, addr)
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	p.conns[addr] = conn
	return conn, nil
}

// closeConn closes and removes a pooled connection.
func (p *GRPCProber) closeConn(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[addr]; ok {
		_ = conn.Close()
		delete(p.conns, addr)
	}
}

// Close closes all pooled connections.
func (p *GRPCProber) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for addr, conn := range p.conns {
		_ = conn.Close()
		delete(p.conns, addr)
	}
	return nil
}

// healthChecker runs periodic probes over one pool's instances.
type healthChecker struct {
	pool   *pool
	logger *zap.Logger

	mu        sync.Mutex
	interval  time.Duration
	timeout   time.Duration
	stopCh    chan struct{}
	stoppedCh chan struct{}
	running   bool
}

// RegisterProber installs the prober for a service and prepares its
// health checker. The checker starts with StartHealthChecks.
func (b *Balancer) RegisterProber(service string, prober Prober) error {
	p := b.pool(service)
	if p == nil {
		return ErrServiceNotFound
	}

	p.mu.Lock()
	p.prober = prober
	cfg := p.config
	p.mu.Unlock()

	p.checker = &healthChecker{
		pool:      p,
		logger:    b.logger,
		interval:  cfg.HealthCheckInterval,
		timeout:   cfg.HealthCheckTimeout,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
	return nil
}

// StartHealthChecks starts the health-check loop for every service with a
// registered prober. Each service runs on its own timer; a sweep for one
// service never blocks another.
func (b *Balancer) StartHealthChecks(ctx context.Context) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, p := range b.pools {
		if p.checker != nil {
			p.checker.start(ctx)
		}
	}
}

// StopHealthChecks stops all running health-check loops.
func (b *Balancer) StopHealthChecks() {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, p := range b.pools {
		if p.checker != nil {
			p.checker.stop()
		}
	}
}

// CheckServiceNow runs one probe sweep for a service synchronously. Used
// by tests and the admin surface to single-step the checker.
func (b *Balancer) CheckServiceNow(ctx context.Context, service string) error {
	p := b.pool(service)
	if p == nil {
		return ErrServiceNotFound
	}
	if p.checker == nil {
		return fmt.Errorf("no prober registered for service %s", service)
	}
	p.checker.checkAll(ctx)
	return nil
}

func (hc *healthChecker) updateConfig(cfg Config) {
	hc.mu.Lock()
	hc.interval = cfg.HealthCheckInterval
	hc.timeout = cfg.HealthCheckTimeout
	hc.mu.Unlock()
}

func (hc *healthChecker) start(ctx context.Context) {
	hc.mu.Lock()
	if hc.running {
		hc.mu.Unlock()
		return
	}
	hc.running = true
	hc.mu.Unlock()

	go hc.run(ctx)
}

func (hc *healthChecker) stop() {
	hc.mu.Lock()
	if !hc.running {
		hc.mu.Unlock()
		return
	}
	hc.running = false
	hc.mu.Unlock()

	close(hc.stopCh)
	<-hc.stoppedCh
}

// run is the main health check loop.
func (hc *healthChecker) run(ctx context.Context) {
	defer close(hc.stoppedCh)

	hc.mu.Lock()
	interval := hc.interval
	hc.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	hc.checkAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hc.stopCh:
			return
		case <-ticker.C:
			hc.checkAll(ctx)
		}
	}
}

// checkAll probes every instance in the pool concurrently.
func (hc *healthChecker) checkAll(ctx context.Context) {
	hc.pool.mu.Lock()
	prober := hc.pool.prober
	instances := make([]*Instance, len(hc.pool.instances))
	copy(instances, hc.pool.instances)
	hc.pool.mu.Unlock()

	if prober == nil {
		return
	}

	var wg sync.WaitGroup
	for _, inst := range instances {
		wg.Add(1)
		go func(inst *Instance) {
			defer wg.Done()
			hc.checkInstance(ctx, prober, inst)
		}(inst)
	}
	wg.Wait()
}

// checkInstance races one probe against the configured timeout and folds
// the result into the instance's counters. The probe runs outside the
// pool lock.
func (hc *healthChecker) checkInstance(ctx context.Context, prober Prober, inst *Instance) {
	hc.mu.Lock()
	timeout := hc.timeout
	hc.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("prober panicked: %v", r)
			}
		}()
		errCh <- prober.Check(probeCtx, inst)
	}()

	var err error
	select {
	case err = <-errCh:
	case <-probeCtx.Done():
		err = probeCtx.Err()
	}

	if err != nil {
		hc.recordFailure(inst, err)
	} else {
		hc.recordSuccess(inst)
	}
}

// recordSuccess applies a passing probe: the failure counter resets and,
// once the healthy threshold is met, the instance returns to rotation.
func (hc *healthChecker) recordSuccess(inst *Instance) {
	p := hc.pool
	p.mu.Lock()
	defer p.mu.Unlock()

	inst.consecutiveFailures = 0
	inst.consecutiveOKs++

	if inst.consecutiveOKs < p.config.HealthyThreshold {
		return
	}
	if inst.Status() != StatusHealthy {
		hc.logger.Info("instance became healthy",
			zap.String("service", p.service),
			zap.String("instance", inst.ID),
			zap.String("addr", inst.Addr()),
		)
		inst.SetStatus(StatusHealthy)
	}
}

// recordFailure applies a failing or timed-out probe.
func (hc *healthChecker) recordFailure(inst *Instance, err error) {
	p := hc.pool
	p.mu.Lock()
	defer p.mu.Unlock()

	prev := inst.Status()
	p.recordInstanceFailure(inst, hc.logger)
	if prev != inst.Status() && inst.Status() == StatusUnhealthy {
		hc.logger.Warn("probe failure demoted instance",
			zap.String("service", p.service),
			zap.String("instance", inst.ID),
			zap.Error(err),
		)
	}
}
