package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tradeforge/backplane/internal/alerts"
	"github.com/tradeforge/backplane/internal/analyzer"
	"github.com/tradeforge/backplane/internal/balancer"
	"github.com/tradeforge/backplane/internal/breaker"
	"github.com/tradeforge/backplane/internal/events"
	"github.com/tradeforge/backplane/internal/queue"
	"github.com/tradeforge/backplane/internal/ratelimit"
	"github.com/tradeforge/backplane/internal/registry"
)

type harness struct {
	orch     *Orchestrator
	registry *registry.Registry
	limiter  *ratelimit.Limiter
	queue    *queue.Manager
	balancer *balancer.Balancer
	breakers *breaker.Registry
	analyzer *analyzer.Analyzer
	alerts   *alerts.Store
	bus      *events.Bus
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	h := &harness{
		bus:      events.NewBus(),
		limiter:  ratelimit.New(),
		queue:    queue.NewManager(),
		balancer: balancer.New(),
		breakers: breaker.NewRegistry(breaker.DefaultConfig(), zap.NewNop()),
		analyzer: analyzer.New(analyzer.DefaultConfig()),
		alerts:   alerts.NewStore(alerts.DefaultConfig()),
	}
	h.registry = registry.New(registry.WithEventBus(h.bus))

	orch, err := New(Deps{
		Registry: h.registry,
		Limiter:  h.limiter,
		Queue:    h.queue,
		Balancer: h.balancer,
		Breakers: h.breakers,
		Analyzer: h.analyzer,
		Alerts:   h.alerts,
		Bus:      h.bus,
	}, opts...)
	require.NoError(t, err)

	h.orch = orch
	return h
}

func (h *harness) register(t *testing.T, name, criticality string) {
	t.Helper()
	_, err := h.registry.Register(registry.ServiceConfig{Name: name, Criticality: criticality})
	require.NoError(t, err)
}

func TestNew_RequiresAllSubsystems(t *testing.T) {
	_, err := New(Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registry is required")
}

func TestExecute_Success(t *testing.T) {
	h := newHarness(t)
	h.register(t, "orders-db", "critical")

	var published []events.Event
	h.bus.Subscribe(func(e events.Event) { published = append(published, e) })

	result, err := h.orch.Execute(context.Background(), OpContext{
		Service:   "orders-db",
		Operation: "query",
	}, func(ctx context.Context) (interface{}, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, result)

	snap, ok := h.registry.GetByName("orders-db")
	require.True(t, ok)
	assert.Equal(t, uint64(1), snap.Requests)
	assert.Equal(t, uint64(1), snap.Successes)

	assert.Equal(t, 1, h.analyzer.SampleCount("orders-db"))

	var types []events.Type
	for _, e := range published {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, events.TypeRequestStarted)
	assert.Contains(t, types, events.TypeRequestCompleted)
}

func TestExecute_FailureWrapsOperationError(t *testing.T) {
	h := newHarness(t)
	h.register(t, "orders-db", "critical")

	downstream := errors.New("connection refused")
	_, err := h.orch.Execute(context.Background(), OpContext{
		Service:   "orders-db",
		Operation: "query",
	}, func(ctx context.Context) (interface{}, error) {
		return nil, downstream
	})

	var opErr *OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "orders-db", opErr.Service)
	assert.Equal(t, "query", opErr.Operation)
	assert.ErrorIs(t, err, downstream)

	snap, _ := h.registry.GetByName("orders-db")
	assert.Equal(t, uint64(1), snap.Failures)
}

func TestExecute_PanicBecomesError(t *testing.T) {
	h := newHarness(t)
	h.register(t, "svc", "low")

	_, err := h.orch.Execute(context.Background(), OpContext{Service: "svc", Operation: "op"},
		func(ctx context.Context) (interface{}, error) {
			panic("downstream exploded")
		})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "operation panicked")
	assert.Contains(t, err.Error(), "downstream exploded")
}

func TestExecute_RateLimited(t *testing.T) {
	h := newHarness(t)
	h.register(t, "svc", "low")

	// A frozen clock keeps the bucket from refilling between calls.
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.limiter = ratelimit.New(ratelimit.WithClock(func() time.Time { return fixed }))
	h.orch.deps.Limiter = h.limiter
	require.NoError(t, h.limiter.Configure("svc", ratelimit.Limit{MaxTokens: 1, RefillRate: 1}))

	op := func(ctx context.Context) (interface{}, error) { return nil, nil }

	_, err := h.orch.Execute(context.Background(), OpContext{Service: "svc", Operation: "op"}, op)
	require.NoError(t, err)

	_, err = h.orch.Execute(context.Background(), OpContext{Service: "svc", Operation: "op"}, op)
	var rlErr *ratelimit.RateLimitError
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, "svc", rlErr.Service)

	// A rejected request never reaches the registry counters.
	snap, _ := h.registry.GetByName("svc")
	assert.Equal(t, uint64(1), snap.Requests)
}

func TestExecute_CircuitOpen(t *testing.T) {
	h := newHarness(t)
	h.register(t, "svc", "high")
	h.breakers.Configure("svc", &breaker.Config{
		FailureThreshold: 1,
		Cooldown:         time.Minute,
		HalfOpenMax:      1,
		SuccessThreshold: 1,
		SamplingWindow:   time.Minute,
	})

	_, err := h.orch.Execute(context.Background(), OpContext{Service: "svc", Operation: "op", UseBreaker: true},
		func(ctx context.Context) (interface{}, error) {
			return nil, errors.New("refused")
		})
	require.Error(t, err)

	_, err = h.orch.Execute(context.Background(), OpContext{Service: "svc", Operation: "op", UseBreaker: true},
		func(ctx context.Context) (interface{}, error) {
			t.Fatal("operation must not run while the circuit is open")
			return nil, nil
		})
	assert.ErrorIs(t, err, breaker.ErrCircuitOpen)
}

func TestExecute_TimeoutBoundsOperation(t *testing.T) {
	h := newHarness(t)
	h.register(t, "svc", "low")

	_, err := h.orch.Execute(context.Background(), OpContext{
		Service:   "svc",
		Operation: "slow",
		Timeout:   20 * time.Millisecond,
	}, func(ctx context.Context) (interface{}, error) {
		select {
		case <-time.After(5 * time.Second):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandleEvent_HealthChangeRaisesAlert(t *testing.T) {
	h := newHarness(t)

	h.orch.handleEvent(events.Event{
		Type:     events.TypeServiceHealthChanged,
		Service:  "orders-db",
		Severity: events.SeverityError,
		Data:     events.HealthChange{From: "degraded", To: "unhealthy", Message: "probe failed"},
	})

	raised := h.alerts.BySeverity(events.SeverityError)
	require.Len(t, raised, 1)
	assert.Equal(t, "orders-db", raised[0].Service)
	assert.Equal(t, "health:orders-db:unhealthy", raised[0].Condition)

	h.orch.handleEvent(events.Event{
		Type:    events.TypeServiceHealthChanged,
		Service: "pricing",
		Data:    events.HealthChange{From: "healthy", To: "degraded"},
	})
	require.Len(t, h.alerts.BySeverity(events.SeverityWarning), 1)

	// A recovery transition raises nothing.
	h.orch.handleEvent(events.Event{
		Type:    events.TypeServiceHealthChanged,
		Service: "pricing",
		Data:    events.HealthChange{From: "degraded", To: "healthy"},
	})
	assert.Equal(t, 2, h.alerts.Len())
}

func TestHandleEvent_ConsecutiveFailureAlert(t *testing.T) {
	h := newHarness(t, WithFailureAlertThreshold(3))

	failed := events.Event{Type: events.TypeRequestFailed, Service: "svc"}

	h.orch.handleEvent(failed)
	h.orch.handleEvent(failed)
	assert.Equal(t, 0, h.alerts.Len())

	// A completed request resets the run.
	h.orch.handleEvent(events.Event{Type: events.TypeRequestCompleted, Service: "svc"})
	h.orch.handleEvent(failed)
	h.orch.handleEvent(failed)
	assert.Equal(t, 0, h.alerts.Len())

	h.orch.handleEvent(failed)
	require.Equal(t, 1, h.alerts.Len())
	alert := h.alerts.Recent(1)[0]
	assert.Equal(t, events.SeverityWarning, alert.Severity)
	assert.Equal(t, "failures:svc", alert.Condition)
}

func TestSweep_CriticalOutageAlert(t *testing.T) {
	h := newHarness(t)

	probeErr := errors.New("down")
	id, err := h.registry.Register(registry.ServiceConfig{
		Name:        "orders-db",
		Criticality: "critical",
		Probe: func(ctx context.Context) (registry.ProbeResult, error) {
			return registry.ProbeResult{}, probeErr
		},
	})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := h.registry.CheckHealth(context.Background(), id)
		require.NoError(t, err)
	}

	h.orch.Sweep()

	criticals := h.alerts.BySeverity(events.SeverityCritical)
	require.NotEmpty(t, criticals)
	assert.Equal(t, "critical_outage:orders-db", criticals[0].Condition)
}

func TestSweep_PublishesThresholdExceededOnCriticalBottleneck(t *testing.T) {
	h := newHarness(t)
	h.register(t, "svc", "medium")

	// Samples far past the critical latency threshold.
	for i := 0; i < 5; i++ {
		h.analyzer.Record(analyzer.Metric{
			Service:   "svc",
			Operation: "op",
			Latency:   5 * time.Second,
			Timestamp: time.Now(),
		})
	}

	var exceeded, warnings []events.Event
	h.bus.Subscribe(func(e events.Event) {
		switch e.Type {
		case events.TypeThresholdExceeded:
			exceeded = append(exceeded, e)
		case events.TypePerformanceWarning:
			warnings = append(warnings, e)
		}
	})

	h.orch.Sweep()

	require.Len(t, exceeded, 1)
	assert.Empty(t, warnings)
	assert.Equal(t, "svc", exceeded[0].Service)
	assert.Equal(t, events.SeverityError, exceeded[0].Severity)
	threshold, ok := exceeded[0].Data.(events.Threshold)
	require.True(t, ok)
	assert.Greater(t, threshold.Value, threshold.Threshold)
}

func TestSweep_PublishesPerformanceWarningOnElevatedLatency(t *testing.T) {
	h := newHarness(t)
	h.register(t, "svc", "medium")

	// Past the warning latency threshold but short of critical.
	for i := 0; i < 5; i++ {
		h.analyzer.Record(analyzer.Metric{
			Service:   "svc",
			Operation: "op",
			Latency:   time.Second,
			Timestamp: time.Now(),
		})
	}

	var exceeded, warnings []events.Event
	h.bus.Subscribe(func(e events.Event) {
		switch e.Type {
		case events.TypeThresholdExceeded:
			exceeded = append(exceeded, e)
		case events.TypePerformanceWarning:
			warnings = append(warnings, e)
		}
	})

	h.orch.Sweep()

	assert.Empty(t, exceeded)
	require.Len(t, warnings, 1)
	assert.Equal(t, "svc", warnings[0].Service)
	threshold, ok := warnings[0].Data.(events.Threshold)
	require.True(t, ok)
	assert.Greater(t, threshold.Value, threshold.Threshold)
}

func TestHandleEvent_ThresholdExceededRaisesErrorAlert(t *testing.T) {
	h := newHarness(t)
	h.orch.handleEvent(events.Event{
		Type:     events.TypeThresholdExceeded,
		Service:  "svc",
		Severity: events.SeverityError,
		Data:     events.Threshold{Metric: "latency", Value: 5000, Threshold: 2000},
	})

	raised := h.alerts.BySeverity(events.SeverityError)
	require.Len(t, raised, 1)
	assert.Equal(t, "threshold:svc", raised[0].Condition)
}

func TestStartStop_AlertsOnlyWhileRunning(t *testing.T) {
	h := newHarness(t, WithSweepInterval(time.Hour))
	h.orch.Start()

	h.bus.Publish(events.Event{
		Type:    events.TypeServiceHealthChanged,
		Service: "a",
		Data:    events.HealthChange{From: "healthy", To: "unhealthy"},
	})
	assert.Equal(t, 1, h.alerts.Len())

	h.orch.Stop()

	h.bus.Publish(events.Event{
		Type:    events.TypeServiceHealthChanged,
		Service: "b",
		Data:    events.HealthChange{From: "healthy", To: "unhealthy"},
	})
	assert.Equal(t, 1, h.alerts.Len())
}

func TestSelectInstance(t *testing.T) {
	h := newHarness(t)
	h.balancer.ConfigureService("svc", balancer.Config{Strategy: balancer.StrategyRoundRobin})
	id, err := h.balancer.AddInstance("svc", balancer.InstanceSpec{Address: "10.0.0.1", Port: 8080})
	require.NoError(t, err)
	for _, inst := range h.balancer.Instances("svc") {
		inst.SetStatus(balancer.StatusHealthy)
	}

	sel := h.orch.SelectInstance("svc", "")
	require.NotNil(t, sel.Instance)
	assert.Equal(t, id, sel.Instance.ID)

	missing := h.orch.SelectInstance("absent", "")
	assert.Nil(t, missing.Instance)
}

func TestAcknowledgeAlert(t *testing.T) {
	h := newHarness(t)

	stored, ok := h.alerts.Add(alerts.Alert{Service: "svc", Severity: events.SeverityWarning, Condition: "c"})
	require.True(t, ok)

	assert.True(t, h.orch.AcknowledgeAlert(stored.ID))
	assert.False(t, h.orch.AcknowledgeAlert("unknown"))
}

func TestHealthDashboard(t *testing.T) {
	h := newHarness(t)
	h.register(t, "orders-db", "critical")
	h.register(t, "pricing", "high")

	// The analyzer windows samples against wall time, so the frozen
	// clock must sit inside the analysis window.
	fixed := time.Now()
	h.orch.now = func() time.Time { return fixed }

	op := func(ctx context.Context) (interface{}, error) { return nil, nil }
	for i := 0; i < 12; i++ {
		_, err := h.orch.Execute(context.Background(), OpContext{Service: "orders-db", Operation: "query"}, op)
		require.NoError(t, err)
	}

	_, ok := h.alerts.Add(alerts.Alert{Service: "pricing", Severity: events.SeverityWarning, Condition: "c"})
	require.True(t, ok)

	dash := h.orch.HealthDashboard()

	assert.Equal(t, fixed, dash.GeneratedAt)
	assert.Equal(t, registry.OverallHealthy, dash.Overall)
	require.Len(t, dash.Services, 2)
	// Rows are sorted by service name.
	assert.Equal(t, "orders-db", dash.Services[0].Name)
	assert.Equal(t, "pricing", dash.Services[1].Name)
	assert.Equal(t, uint64(12), dash.Services[0].Requests)
	require.Len(t, dash.RecentAlerts, 1)

	// Sub-millisecond operations read as improving; twelve requests in a
	// one-minute window clear the throughput floor.
	assert.Equal(t, TrendImproving, dash.LatencyTrend)
	assert.Equal(t, TrendImproving, dash.ErrorTrend)
	assert.Equal(t, TrendStable, dash.ThroughputTrend)
}

func TestHealthDashboard_NoTraffic(t *testing.T) {
	h := newHarness(t)
	h.register(t, "svc", "low")

	dash := h.orch.HealthDashboard()
	assert.Equal(t, TrendStable, dash.LatencyTrend)
	assert.Equal(t, TrendStable, dash.ErrorTrend)
	assert.Equal(t, TrendStable, dash.ThroughputTrend)
	assert.Zero(t, dash.LatencyMs)
}
