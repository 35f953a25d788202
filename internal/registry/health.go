package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tradeforge/backplane/internal/events"
)

// ErrProbeTimeout is returned when a health probe exceeds the registry's
// probe timeout.
var ErrProbeTimeout = errors.New("health probe timed out")

// ProbeResult is the result a health probe reports.
type ProbeResult struct {
	// Status is the status the probe observed (healthy or degraded;
	// anything else is normalised to degraded).
	Status Status

	// Message is an optional human-readable detail.
	Message string

	// Timestamp is when the probe observed the status.
	Timestamp time.Time
}

// Probe is an async health probe supplied at registration. The registry
// imposes its own timeout and never assumes the probe self-times-out.
type Probe func(ctx context.Context) (ProbeResult, error)

// CheckResult is the outcome of one registry health check.
type CheckResult struct {
	ServiceID string
	Name      string
	Status    Status
	Message   string
	Duration  time.Duration
	Err       error
}

// CheckHealth runs the health probe for the service with the given id,
// updating its status. Services without a probe always report healthy.
func (r *Registry) CheckHealth(ctx context.Context, id string) (CheckResult, error) {
	r.mu.RLock()
	svc, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return CheckResult{}, ErrServiceNotFound
	}

	return r.checkService(ctx, svc), nil
}

// CheckAllHealth probes every registered service concurrently and
// returns the individual results.
func (r *Registry) CheckAllHealth(ctx context.Context) []CheckResult {
	r.mu.RLock()
	services := make([]*service, 0, len(r.byID))
	for _, svc := range r.byID {
		services = append(services, svc)
	}
	r.mu.RUnlock()

	results := make([]CheckResult, len(services))
	var wg sync.WaitGroup
	for i, svc := range services {
		wg.Add(1)
		go func(i int, svc *service) {
			defer wg.Done()
			results[i] = r.checkService(ctx, svc)
		}(i, svc)
	}
	wg.Wait()

	return results
}

// checkService races the probe against the probe timeout and applies the
// outcome. The probe runs outside any lock; only the state mutation is
// guarded.
func (r *Registry) checkService(ctx context.Context, svc *service) CheckResult {
	if svc.probe == nil {
		return CheckResult{
			ServiceID: svc.id,
			Name:      svc.name,
			Status:    StatusHealthy,
		}
	}

	start := time.Now()
	result, err := r.runProbe(ctx, svc.probe)
	elapsed := time.Since(start)

	out := CheckResult{
		ServiceID: svc.id,
		Name:      svc.name,
		Duration:  elapsed,
		Err:       err,
	}

	if err != nil {
		out.Status = r.applyFailure(svc, err)
		out.Message = err.Error()
		return out
	}

	out.Status = r.applySuccess(svc, result)
	out.Message = result.Message
	return out
}

// runProbe invokes the probe bounded by the registry's probe timeout.
// A probe that outlives the timeout becomes fire-and-forget; its eventual
// result is discarded.
func (r *Registry) runProbe(ctx context.Context, probe Probe) (ProbeResult, error) {
	probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	type outcome struct {
		result ProbeResult
		err    error
	}

	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- outcome{err: fmt.Errorf("health probe panicked: %v", rec)}
			}
		}()
		res, err := probe(probeCtx)
		ch <- outcome{result: res, err: err}
	}()

	select {
	case o := <-ch:
		return o.result, o.err
	case <-probeCtx.Done():
		if errors.Is(probeCtx.Err(), context.DeadlineExceeded) {
			return ProbeResult{}, ErrProbeTimeout
		}
		return ProbeResult{}, probeCtx.Err()
	}
}

// applySuccess resets the failure counter and adopts the probe's status.
func (r *Registry) applySuccess(svc *service, result ProbeResult) Status {
	status := result.Status
	if status != StatusHealthy && status != StatusDegraded {
		status = StatusDegraded
	}

	svc.mu.Lock()
	svc.consecutiveFailures = 0
	old := svc.status
	changed := old != status
	if changed {
		svc.accrue()
		svc.status = status
	}
	svc.mu.Unlock()

	if changed {
		r.notifyStatusChange(svc, old, status, result.Message)
	}
	return status
}

// applyFailure increments the failure counter and derives the status:
// unhealthy at or past the threshold, degraded below it.
func (r *Registry) applyFailure(svc *service, err error) Status {
	svc.mu.Lock()
	svc.consecutiveFailures++
	status := StatusDegraded
	if svc.consecutiveFailures >= unhealthyAfter {
		status = StatusUnhealthy
	}
	old := svc.status
	changed := old != status
	if changed {
		svc.accrue()
		svc.status = status
	}
	svc.mu.Unlock()

	if changed {
		r.notifyStatusChange(svc, old, status, err.Error())
	}
	return status
}

// accrue folds elapsed time into the uptime/downtime accumulators before
// a status change. Caller holds svc.mu.
func (s *service) accrue() {
	s.uptime += s.elapsedUp()
	s.downtime += s.elapsedDown()
	s.statusSince = time.Now()
}

// notifyStatusChange logs and publishes a health transition.
func (r *Registry) notifyStatusChange(svc *service, from, to Status, message string) {
	r.logger.Info("service health changed",
		zap.String("name", svc.name),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("message", message),
	)

	severity := events.SeverityInfo
	switch to {
	case StatusDegraded:
		severity = events.SeverityWarning
	case StatusUnhealthy, StatusStopped:
		severity = events.SeverityError
	}

	r.publish(events.Event{
		Type:     events.TypeServiceHealthChanged,
		Service:  svc.name,
		Severity: severity,
		Data: events.HealthChange{
			From:    string(from),
			To:      string(to),
			Message: message,
		},
	})
}

// Start begins the periodic health sweep. The sweep runs on its own
// ticker and is stopped deterministically by Stop.
func (r *Registry) Start(ctx context.Context) {
	r.runMu.Lock()
	if r.running {
		r.runMu.Unlock()
		return
	}
	r.running = true
	r.runMu.Unlock()

	go r.run(ctx)
}

// Stop stops the periodic health sweep and waits for it to exit.
func (r *Registry) Stop() {
	r.runMu.Lock()
	if !r.running {
		r.runMu.Unlock()
		return
	}
	r.running = false
	r.runMu.Unlock()

	close(r.stopCh)
	<-r.stoppedCh
}

// run is the sweep loop.
func (r *Registry) run(ctx context.Context) {
	defer close(r.stoppedCh)

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	r.CheckAllHealth(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.CheckAllHealth(ctx)
		}
	}
}
