package alerts

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/backplane/internal/events"
)

func newTestStore(cfg Config) (*Store, *time.Time) {
	s := NewStore(cfg)
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return current }
	return s, &current
}

func TestAdd_AssignsIDAndTimestamp(t *testing.T) {
	s, clock := newTestStore(DefaultConfig())

	stored, ok := s.Add(Alert{
		Service:  "orders-db",
		Severity: events.SeverityError,
		Message:  "service unhealthy",
	})
	require.True(t, ok)
	assert.NotEmpty(t, stored.ID)
	assert.Equal(t, *clock, stored.Timestamp)
	assert.False(t, stored.Acknowledged)
	assert.Equal(t, 1, s.Len())
}

func TestAcknowledge_MarksOnlyTargetAlert(t *testing.T) {
	s, _ := newTestStore(DefaultConfig())

	first, ok := s.Add(Alert{Service: "a", Severity: events.SeverityWarning, Condition: "cond-a", Message: "m"})
	require.True(t, ok)
	second, ok := s.Add(Alert{Service: "b", Severity: events.SeverityWarning, Condition: "cond-b", Message: "m"})
	require.True(t, ok)

	assert.True(t, s.Acknowledge(first.ID))

	recent := s.Recent(0)
	require.Len(t, recent, 2)
	for _, a := range recent {
		if a.ID == first.ID {
			assert.True(t, a.Acknowledged)
		} else {
			assert.Equal(t, second.ID, a.ID)
			assert.False(t, a.Acknowledged)
		}
	}
	assert.Equal(t, 1, s.Unacknowledged())
}

func TestAcknowledge_UnknownIDMutatesNothing(t *testing.T) {
	s, _ := newTestStore(DefaultConfig())

	stored, ok := s.Add(Alert{Service: "a", Severity: events.SeverityError, Message: "m"})
	require.True(t, ok)

	assert.False(t, s.Acknowledge("no-such-id"))

	recent := s.Recent(0)
	require.Len(t, recent, 1)
	assert.Equal(t, stored.ID, recent[0].ID)
	assert.False(t, recent[0].Acknowledged)
}

func TestAdd_SuppressesRepeatedCondition(t *testing.T) {
	s, clock := newTestStore(Config{MaxAlerts: 10, SuppressionRate: 0.1, SuppressionBurst: 2})

	alert := Alert{Service: "svc", Severity: events.SeverityCritical, Condition: "critical_outage:svc", Message: "down"}

	_, ok := s.Add(alert)
	assert.True(t, ok)
	_, ok = s.Add(alert)
	assert.True(t, ok)

	// Burst spent; the same condition is suppressed until tokens refill.
	_, ok = s.Add(alert)
	assert.False(t, ok)
	assert.Equal(t, 2, s.Len())

	// A different condition has its own limiter.
	_, ok = s.Add(Alert{Service: "svc", Severity: events.SeverityWarning, Condition: "slow:svc", Message: "slow"})
	assert.True(t, ok)

	// At 0.1 alerts/second one token refills after ten seconds.
	*clock = clock.Add(10 * time.Second)
	_, ok = s.Add(alert)
	assert.True(t, ok)
}

func TestAdd_DefaultsConditionKey(t *testing.T) {
	s, _ := newTestStore(Config{MaxAlerts: 10, SuppressionRate: 0.1, SuppressionBurst: 1})

	// Without a condition the key is derived from service, severity and
	// message, so identical alerts collapse onto one limiter.
	a := Alert{Service: "svc", Severity: events.SeverityError, Message: "timeout"}
	_, ok := s.Add(a)
	assert.True(t, ok)
	_, ok = s.Add(a)
	assert.False(t, ok)

	_, ok = s.Add(Alert{Service: "svc", Severity: events.SeverityError, Message: "refused"})
	assert.True(t, ok)
}

func TestAdd_EvictsOldestPastCapacity(t *testing.T) {
	s, _ := newTestStore(Config{MaxAlerts: 3, SuppressionRate: 1000, SuppressionBurst: 1000})

	var ids []string
	for i := 0; i < 5; i++ {
		stored, ok := s.Add(Alert{
			Service:   "svc",
			Severity:  events.SeverityWarning,
			Condition: fmt.Sprintf("cond-%d", i),
			Message:   "m",
		})
		require.True(t, ok)
		ids = append(ids, stored.ID)
	}

	assert.Equal(t, 3, s.Len())
	recent := s.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, ids[4], recent[0].ID)
	assert.Equal(t, ids[2], recent[2].ID)

	// Evicted ids are forgotten entirely.
	assert.False(t, s.Acknowledge(ids[0]))
	assert.False(t, s.Acknowledge(ids[1]))
}

func TestRecent_NewestFirstAndLimited(t *testing.T) {
	s, _ := newTestStore(DefaultConfig())

	for i := 0; i < 4; i++ {
		_, ok := s.Add(Alert{Service: fmt.Sprintf("svc-%d", i), Severity: events.SeverityInfo, Condition: fmt.Sprintf("c%d", i)})
		require.True(t, ok)
	}

	top := s.Recent(2)
	require.Len(t, top, 2)
	assert.Equal(t, "svc-3", top[0].Service)
	assert.Equal(t, "svc-2", top[1].Service)
}

func TestBySeverity(t *testing.T) {
	s, _ := newTestStore(DefaultConfig())

	_, ok := s.Add(Alert{Service: "a", Severity: events.SeverityCritical, Condition: "c1"})
	require.True(t, ok)
	_, ok = s.Add(Alert{Service: "b", Severity: events.SeverityWarning, Condition: "c2"})
	require.True(t, ok)
	_, ok = s.Add(Alert{Service: "c", Severity: events.SeverityCritical, Condition: "c3"})
	require.True(t, ok)

	criticals := s.BySeverity(events.SeverityCritical)
	require.Len(t, criticals, 2)
	assert.Equal(t, "c", criticals[0].Service)
	assert.Equal(t, "a", criticals[1].Service)

	assert.Empty(t, s.BySeverity(events.SeverityError))
}
