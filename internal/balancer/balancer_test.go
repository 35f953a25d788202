package balancer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, cfg Config, n int) (*Balancer, []string) {
	t.Helper()
	b := New()
	b.ConfigureService("svc", cfg)

	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := b.AddInstance("svc", InstanceSpec{Address: "10.0.0.1", Port: 8000 + i})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return b, ids
}

func markAllHealthy(b *Balancer) {
	for _, inst := range b.Instances("svc") {
		inst.SetStatus(StatusHealthy)
	}
}

func TestNextInstance_NeverReturnsUnhealthy(t *testing.T) {
	for _, strategy := range []Strategy{
		StrategyRoundRobin, StrategyLeastConn, StrategyWeighted, StrategyRandom, StrategyIPHash,
	} {
		t.Run(string(strategy), func(t *testing.T) {
			b, _ := newTestPool(t, Config{Strategy: strategy}, 4)
			markAllHealthy(b)

			instances := b.Instances("svc")
			unhealthy := instances[0]
			unhealthy.SetStatus(StatusUnhealthy)

			for i := 0; i < 100; i++ {
				sel := b.NextInstance("svc", "")
				require.NotNil(t, sel.Instance)
				assert.NotEqual(t, unhealthy.ID, sel.Instance.ID)
			}
		})
	}
}

func TestNextInstance_RoundRobinVisitsEveryInstanceOncePerWindow(t *testing.T) {
	const k = 5
	b, _ := newTestPool(t, Config{Strategy: StrategyRoundRobin}, k)
	markAllHealthy(b)

	for window := 0; window < 3; window++ {
		seen := make(map[string]int)
		for i := 0; i < k; i++ {
			sel := b.NextInstance("svc", "")
			require.NotNil(t, sel.Instance)
			seen[sel.Instance.ID]++
		}
		assert.Len(t, seen, k)
		for id, count := range seen {
			assert.Equal(t, 1, count, "instance %s", id)
		}
	}
}

func TestNextInstance_LeastConnectionsPicksMinimum(t *testing.T) {
	b, ids := newTestPool(t, Config{Strategy: StrategyLeastConn}, 3)
	markAllHealthy(b)

	require.NoError(t, b.AcquireConnection("svc", ids[0]))
	require.NoError(t, b.AcquireConnection("svc", ids[0]))
	require.NoError(t, b.AcquireConnection("svc", ids[1]))

	sel := b.NextInstance("svc", "")
	require.NotNil(t, sel.Instance)
	assert.Equal(t, ids[2], sel.Instance.ID)

	// After loading the former minimum past another instance, selection
	// follows the new minimum.
	require.NoError(t, b.AcquireConnection("svc", ids[2]))
	require.NoError(t, b.AcquireConnection("svc", ids[2]))

	sel = b.NextInstance("svc", "")
	require.NotNil(t, sel.Instance)
	assert.Equal(t, ids[1], sel.Instance.ID)
}

func TestNextInstance_LeastConnectionsFirstWinsTies(t *testing.T) {
	b, ids := newTestPool(t, Config{Strategy: StrategyLeastConn}, 3)
	markAllHealthy(b)

	sel := b.NextInstance("svc", "")
	require.NotNil(t, sel.Instance)
	assert.Equal(t, ids[0], sel.Instance.ID)
}

func TestNextInstance_WeightedRespectsZeroEligible(t *testing.T) {
	b, _ := newTestPool(t, Config{Strategy: StrategyWeighted}, 2)
	for _, inst := range b.Instances("svc") {
		inst.SetStatus(StatusUnhealthy)
	}

	sel := b.NextInstance("svc", "")
	assert.Nil(t, sel.Instance)
	assert.Equal(t, "no healthy instances available", sel.Reason)
	assert.Equal(t, 2, sel.Total)
}

func TestNextInstance_UnknownServiceHasReason(t *testing.T) {
	b := New()
	sel := b.NextInstance("missing", "")
	assert.Nil(t, sel.Instance)
	assert.Contains(t, sel.Reason, "missing")
}

func TestNextInstance_SessionAffinityReusesInstance(t *testing.T) {
	b, _ := newTestPool(t, Config{
		Strategy:        StrategyRoundRobin,
		SessionAffinity: true,
		AffinityTTL:     time.Minute,
	}, 3)
	markAllHealthy(b)

	first := b.NextInstance("svc", "session-1")
	require.NotNil(t, first.Instance)

	for i := 0; i < 10; i++ {
		sel := b.NextInstance("svc", "session-1")
		require.NotNil(t, sel.Instance)
		assert.Equal(t, first.Instance.ID, sel.Instance.ID)
		assert.Equal(t, "session affinity", sel.Reason)
	}
}

func TestNextInstance_SessionAffinityExpires(t *testing.T) {
	current := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := New(WithClock(func() time.Time { return current }))
	b.ConfigureService("svc", Config{
		Strategy:        StrategyRoundRobin,
		SessionAffinity: true,
		AffinityTTL:     time.Minute,
	})
	for i := 0; i < 2; i++ {
		_, err := b.AddInstance("svc", InstanceSpec{Address: "10.0.0.1", Port: 8000 + i})
		require.NoError(t, err)
	}
	markAllHealthy(b)

	first := b.NextInstance("svc", "session-1")
	require.NotNil(t, first.Instance)

	// Within the TTL the pin holds and its timestamp refreshes.
	current = current.Add(30 * time.Second)
	sel := b.NextInstance("svc", "session-1")
	assert.Equal(t, first.Instance.ID, sel.Instance.ID)

	// Past the TTL the entry is dropped and the strategy re-applies.
	current = current.Add(2 * time.Minute)
	sel = b.NextInstance("svc", "session-1")
	require.NotNil(t, sel.Instance)
	assert.NotEqual(t, "session affinity", sel.Reason)
}

func TestNextInstance_AffinitySkipsUnhealthyInstance(t *testing.T) {
	b, _ := newTestPool(t, Config{
		Strategy:        StrategyRoundRobin,
		SessionAffinity: true,
		AffinityTTL:     time.Minute,
	}, 2)
	markAllHealthy(b)

	first := b.NextInstance("svc", "session-1")
	require.NotNil(t, first.Instance)

	first.Instance.SetStatus(StatusUnhealthy)

	sel := b.NextInstance("svc", "session-1")
	require.NotNil(t, sel.Instance)
	assert.NotEqual(t, first.Instance.ID, sel.Instance.ID)
}

func TestRemoveInstance_PurgesAffinity(t *testing.T) {
	b, ids := newTestPool(t, Config{
		Strategy:        StrategyRoundRobin,
		SessionAffinity: true,
		AffinityTTL:     time.Minute,
	}, 2)
	markAllHealthy(b)

	first := b.NextInstance("svc", "session-1")
	require.NotNil(t, first.Instance)

	assert.True(t, b.RemoveInstance("svc", first.Instance.ID))

	sel := b.NextInstance("svc", "session-1")
	require.NotNil(t, sel.Instance)
	other := ids[0]
	if first.Instance.ID == ids[0] {
		other = ids[1]
	}
	assert.Equal(t, other, sel.Instance.ID)
}

func TestAcquireConnection_RefusesAtCapacity(t *testing.T) {
	b := New()
	b.ConfigureService("svc", Config{Strategy: StrategyRoundRobin})
	id, err := b.AddInstance("svc", InstanceSpec{Address: "10.0.0.1", Port: 8000, MaxConnections: 2})
	require.NoError(t, err)

	require.NoError(t, b.AcquireConnection("svc", id))
	require.NoError(t, b.AcquireConnection("svc", id))
	assert.True(t, errors.Is(b.AcquireConnection("svc", id), ErrAtCapacity))

	b.ReleaseConnection("svc", id)
	assert.NoError(t, b.AcquireConnection("svc", id))
}

func TestRecordRequest_DemotesAfterConsecutiveFailures(t *testing.T) {
	b, ids := newTestPool(t, Config{
		Strategy:           StrategyRoundRobin,
		UnhealthyThreshold: 3,
	}, 1)
	markAllHealthy(b)

	for i := 0; i < 2; i++ {
		b.RecordRequest("svc", ids[0], false, 10*time.Millisecond)
	}
	assert.Equal(t, StatusDegraded, b.Instances("svc")[0].Status())

	b.RecordRequest("svc", ids[0], false, 10*time.Millisecond)
	assert.Equal(t, StatusUnhealthy, b.Instances("svc")[0].Status())

	sel := b.NextInstance("svc", "")
	assert.Nil(t, sel.Instance)
}

func TestHealthChecker_RestoresInstanceAfterSuccess(t *testing.T) {
	b, _ := newTestPool(t, Config{
		Strategy:           StrategyRoundRobin,
		UnhealthyThreshold: 3,
		HealthyThreshold:   1,
		HealthCheckTimeout: time.Second,
	}, 1)

	inst := b.Instances("svc")[0]
	inst.SetStatus(StatusUnhealthy)

	require.NoError(t, b.RegisterProber("svc", ProberFunc(func(ctx context.Context, inst *Instance) error {
		return nil
	})))
	require.NoError(t, b.CheckServiceNow(context.Background(), "svc"))

	assert.Equal(t, StatusHealthy, inst.Status())
}

func TestHealthChecker_ProbeFailureDemotes(t *testing.T) {
	b, _ := newTestPool(t, Config{
		Strategy:           StrategyRoundRobin,
		UnhealthyThreshold: 2,
		HealthCheckTimeout: time.Second,
	}, 1)
	markAllHealthy(b)

	probeErr := errors.New("connection refused")
	require.NoError(t, b.RegisterProber("svc", ProberFunc(func(ctx context.Context, inst *Instance) error {
		return probeErr
	})))

	require.NoError(t, b.CheckServiceNow(context.Background(), "svc"))
	assert.Equal(t, StatusDegraded, b.Instances("svc")[0].Status())

	require.NoError(t, b.CheckServiceNow(context.Background(), "svc"))
	assert.Equal(t, StatusUnhealthy, b.Instances("svc")[0].Status())
}

func TestStats_CountsAvailability(t *testing.T) {
	b, _ := newTestPool(t, Config{Strategy: StrategyLeastConn}, 3)
	markAllHealthy(b)
	b.Instances("svc")[0].SetStatus(StatusUnhealthy)

	stats, ok := b.Stats("svc")
	require.True(t, ok)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Available)
	assert.Equal(t, StrategyLeastConn, stats.Strategy)
}
