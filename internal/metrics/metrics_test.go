package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersAgainstGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RequestsTotal.WithLabelValues("svc", "query").Inc()
	m.RequestDurationSeconds.WithLabelValues("svc", "query").Observe(0.05)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["backplane_requests_total"])
	assert.True(t, names["backplane_request_duration_seconds"])
}

func TestSetServiceHealth(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SetServiceHealth("svc", "healthy")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ServiceHealth.WithLabelValues("svc")))

	m.SetServiceHealth("svc", "degraded")
	assert.Equal(t, 0.5, testutil.ToFloat64(m.ServiceHealth.WithLabelValues("svc")))

	m.SetServiceHealth("svc", "unhealthy")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ServiceHealth.WithLabelValues("svc")))
}

func TestSetBreakerState(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SetBreakerState("svc", "closed")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("svc")))

	m.SetBreakerState("svc", "open")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("svc")))

	m.SetBreakerState("svc", "half_open")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("svc")))
}
