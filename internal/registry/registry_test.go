package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/backplane/internal/events"
)

func failingProbe(err error) Probe {
	return func(ctx context.Context) (ProbeResult, error) {
		return ProbeResult{}, err
	}
}

func healthyProbe() Probe {
	return func(ctx context.Context) (ProbeResult, error) {
		return ProbeResult{Status: StatusHealthy}, nil
	}
}

func TestRegister_RequiresName(t *testing.T) {
	r := New()
	_, err := r.Register(ServiceConfig{})
	assert.Error(t, err)
}

func TestRegister_WithoutProbeIsHealthy(t *testing.T) {
	r := New()
	id, err := r.Register(ServiceConfig{Name: "svc"})
	require.NoError(t, err)

	snap, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, StatusHealthy, snap.Status)
	assert.False(t, snap.HasProbe)
}

func TestRegister_SameNameReplaces(t *testing.T) {
	r := New()
	first, err := r.Register(ServiceConfig{Name: "svc", Criticality: "low"})
	require.NoError(t, err)
	second, err := r.Register(ServiceConfig{Name: "svc", Criticality: "high"})
	require.NoError(t, err)

	_, ok := r.Get(first)
	assert.False(t, ok)

	snap, ok := r.GetByName("svc")
	require.True(t, ok)
	assert.Equal(t, second, snap.ID)
	assert.Equal(t, "high", snap.Criticality)
	assert.Len(t, r.List(), 1)
}

func TestUnregister(t *testing.T) {
	r := New()
	id, err := r.Register(ServiceConfig{Name: "svc"})
	require.NoError(t, err)

	assert.True(t, r.Unregister(id))
	assert.False(t, r.Unregister(id))
	_, ok := r.GetByName("svc")
	assert.False(t, ok)
}

func TestCheckHealth_ThreeFailuresReportUnhealthy(t *testing.T) {
	r := New()
	probeErr := errors.New("refused")
	id, err := r.Register(ServiceConfig{Name: "svc", Probe: failingProbe(probeErr)})
	require.NoError(t, err)

	ctx := context.Background()

	// Two failures leave the service degraded.
	for i := 0; i < 2; i++ {
		result, err := r.CheckHealth(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusDegraded, result.Status)
	}

	// The third consecutive failure crosses the unhealthy threshold.
	result, err := r.CheckHealth(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusUnhealthy, result.Status)

	snap, _ := r.Get(id)
	assert.Equal(t, 3, snap.ConsecutiveFailures)
}

func TestCheckHealth_SuccessRestoresAndResetsCounter(t *testing.T) {
	r := New()
	probeErr := errors.New("refused")
	healthy := false
	id, err := r.Register(ServiceConfig{Name: "svc", Probe: func(ctx context.Context) (ProbeResult, error) {
		if healthy {
			return ProbeResult{Status: StatusHealthy}, nil
		}
		return ProbeResult{}, probeErr
	}})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := r.CheckHealth(ctx, id)
		require.NoError(t, err)
	}
	snap, _ := r.Get(id)
	require.Equal(t, StatusUnhealthy, snap.Status)

	healthy = true
	result, err := r.CheckHealth(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, result.Status)

	snap, _ = r.Get(id)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
}

func TestCheckHealth_ProbeTimeoutCountsAsFailure(t *testing.T) {
	r := New(WithProbeTimeout(20 * time.Millisecond))
	id, err := r.Register(ServiceConfig{Name: "svc", Probe: func(ctx context.Context) (ProbeResult, error) {
		select {
		case <-time.After(5 * time.Second):
			return ProbeResult{Status: StatusHealthy}, nil
		case <-ctx.Done():
			return ProbeResult{}, ctx.Err()
		}
	}})
	require.NoError(t, err)

	result, err := r.CheckHealth(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, result.Status)
	assert.ErrorIs(t, result.Err, ErrProbeTimeout)
}

func TestCheckHealth_PanickyProbeCountsAsFailure(t *testing.T) {
	r := New()
	id, err := r.Register(ServiceConfig{Name: "svc", Probe: func(ctx context.Context) (ProbeResult, error) {
		panic("probe exploded")
	}})
	require.NoError(t, err)

	result, err := r.CheckHealth(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, result.Status)
	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "probe exploded")
}

func TestCheckHealth_StatusChangePublishesEvent(t *testing.T) {
	bus := events.NewBus()
	var received []events.Event
	bus.Subscribe(func(e events.Event) {
		if e.Type == events.TypeServiceHealthChanged {
			received = append(received, e)
		}
	})

	r := New(WithEventBus(bus))
	id, err := r.Register(ServiceConfig{Name: "svc", Probe: failingProbe(errors.New("down"))})
	require.NoError(t, err)

	_, err = r.CheckHealth(context.Background(), id)
	require.NoError(t, err)

	require.Len(t, received, 1)
	change, ok := received[0].Data.(events.HealthChange)
	require.True(t, ok)
	assert.Equal(t, string(StatusInitializing), change.From)
	assert.Equal(t, string(StatusDegraded), change.To)
}

func TestCheckAllHealth_CoversEveryProbedService(t *testing.T) {
	r := New()
	_, err := r.Register(ServiceConfig{Name: "a", Probe: healthyProbe()})
	require.NoError(t, err)
	_, err = r.Register(ServiceConfig{Name: "b", Probe: failingProbe(errors.New("down"))})
	require.NoError(t, err)
	_, err = r.Register(ServiceConfig{Name: "c"})
	require.NoError(t, err)

	results := r.CheckAllHealth(context.Background())
	statuses := make(map[string]Status, len(results))
	for _, res := range results {
		statuses[res.Name] = res.Status
	}
	assert.Equal(t, StatusHealthy, statuses["a"])
	assert.Equal(t, StatusDegraded, statuses["b"])
}

func TestRecordRequest_EMA(t *testing.T) {
	r := New()
	_, err := r.Register(ServiceConfig{Name: "svc"})
	require.NoError(t, err)

	r.RecordRequest("svc", true, 100*time.Millisecond)
	snap, _ := r.GetByName("svc")
	assert.InDelta(t, 100.0, snap.EMALatencyMs, 1e-9)

	// 100*0.8 + 200*0.2
	r.RecordRequest("svc", false, 200*time.Millisecond)
	snap, _ = r.GetByName("svc")
	assert.InDelta(t, 120.0, snap.EMALatencyMs, 1e-9)
	assert.Equal(t, uint64(2), snap.Requests)
	assert.Equal(t, uint64(1), snap.Successes)
	assert.Equal(t, uint64(1), snap.Failures)
}

func TestStats_OverallHealthDerivation(t *testing.T) {
	r := New()
	_, err := r.Register(ServiceConfig{Name: "a", Criticality: "critical"})
	require.NoError(t, err)
	idB, err := r.Register(ServiceConfig{Name: "b", Criticality: "low", Probe: failingProbe(errors.New("down"))})
	require.NoError(t, err)

	// A non-healthy non-critical service degrades the overall picture.
	_, err = r.CheckHealth(context.Background(), idB)
	require.NoError(t, err)
	assert.Equal(t, OverallDegraded, r.Stats().OverallHealth)

	// An unhealthy critical service makes the whole plane unhealthy.
	idA, err := r.Register(ServiceConfig{Name: "a", Criticality: "critical", Probe: failingProbe(errors.New("down"))})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = r.CheckHealth(context.Background(), idA)
		require.NoError(t, err)
	}
	assert.Equal(t, OverallUnhealthy, r.Stats().OverallHealth)
}

func TestInitOrder_DependenciesFirst(t *testing.T) {
	r := New()
	_, err := r.Register(ServiceConfig{Name: "api", DependsOn: []string{"db", "cache"}})
	require.NoError(t, err)
	_, err = r.Register(ServiceConfig{Name: "cache", DependsOn: []string{"db"}})
	require.NoError(t, err)
	_, err = r.Register(ServiceConfig{Name: "db"})
	require.NoError(t, err)

	order := r.InitOrder()
	require.Len(t, order, 3)

	pos := make(map[string]int, len(order))
	for i, name := range order {
		pos[name] = i
	}
	assert.Less(t, pos["db"], pos["cache"])
	assert.Less(t, pos["cache"], pos["api"])
}

func TestAreDependenciesHealthy(t *testing.T) {
	r := New()
	_, err := r.Register(ServiceConfig{Name: "api", DependsOn: []string{"db"}})
	require.NoError(t, err)
	_, err = r.Register(ServiceConfig{Name: "db", Probe: failingProbe(errors.New("down"))})
	require.NoError(t, err)

	// The probe has not run yet; db is still initializing.
	assert.False(t, r.AreDependenciesHealthy("api"))

	// Re-registering without a probe makes db immediately healthy.
	_, err = r.Register(ServiceConfig{Name: "db"})
	require.NoError(t, err)
	assert.True(t, r.AreDependenciesHealthy("api"))

	assert.False(t, r.AreDependenciesHealthy("missing"))
}

func TestStartStop_SweepLoop(t *testing.T) {
	r := New(WithSweepInterval(10 * time.Millisecond))
	checks := make(chan struct{}, 50)
	_, err := r.Register(ServiceConfig{Name: "svc", Probe: func(ctx context.Context) (ProbeResult, error) {
		select {
		case checks <- struct{}{}:
		default:
		}
		return ProbeResult{Status: StatusHealthy}, nil
	}})
	require.NoError(t, err)

	r.Start(context.Background())
	defer r.Stop()

	select {
	case <-checks:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep never probed the service")
	}
}
