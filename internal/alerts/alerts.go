// Package alerts keeps a bounded in-memory list of operational alerts.
// Repeated alerts for the same condition are rate limited so a flapping
// service does not storm the list.
package alerts

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tradeforge/backplane/internal/events"
)

// Alert is a single operational alert.
type Alert struct {
	ID           string          `json:"id"`
	Service      string          `json:"service,omitempty"`
	Severity     events.Severity `json:"severity"`
	Condition    string          `json:"condition"`
	Message      string          `json:"message"`
	Timestamp    time.Time       `json:"timestamp"`
	Acknowledged bool            `json:"acknowledged"`
}

// Config configures the alert store.
type Config struct {
	// MaxAlerts bounds the list; the oldest alert is evicted past it.
	MaxAlerts int

	// SuppressionRate is the sustained alerts/second admitted per
	// condition once the burst is spent.
	SuppressionRate float64

	// SuppressionBurst is the per-condition burst allowance.
	SuppressionBurst int
}

// DefaultConfig returns the default alert store configuration.
func DefaultConfig() Config {
	return Config{
		MaxAlerts:        100,
		SuppressionRate:  0.1,
		SuppressionBurst: 3,
	}
}

// Store is a bounded, concurrency-safe alert list.
type Store struct {
	config Config
	logger *zap.Logger

	mu       sync.Mutex
	alerts   []*Alert
	byID     map[string]*Alert
	limiters map[string]*rate.Limiter

	now func() time.Time
}

// Option is a functional option for configuring the store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates a new alert store.
func NewStore(cfg Config, opts ...Option) *Store {
	if cfg.MaxAlerts <= 0 {
		cfg.MaxAlerts = DefaultConfig().MaxAlerts
	}
	if cfg.SuppressionRate <= 0 {
		cfg.SuppressionRate = DefaultConfig().SuppressionRate
	}
	if cfg.SuppressionBurst <= 0 {
		cfg.SuppressionBurst = DefaultConfig().SuppressionBurst
	}

	s := &Store{
		config:   cfg,
		logger:   zap.NewNop(),
		byID:     make(map[string]*Alert),
		limiters: make(map[string]*rate.Limiter),
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add records an alert unless its condition is currently suppressed.
// It returns the stored alert and whether it was admitted.
func (s *Store) Add(alert Alert) (*Alert, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := alert.Condition
	if key == "" {
		key = alert.Service + ":" + string(alert.Severity) + ":" + alert.Message
	}

	limiter, ok := s.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(s.config.SuppressionRate), s.config.SuppressionBurst)
		s.limiters[key] = limiter
	}
	if !limiter.AllowN(s.now(), 1) {
		s.logger.Debug("alert suppressed",
			zap.String("condition", key),
			zap.String("service", alert.Service),
		)
		return nil, false
	}

	stored := alert
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = s.now()
	}

	if len(s.alerts) >= s.config.MaxAlerts {
		evicted := s.alerts[0]
		s.alerts = s.alerts[1:]
		delete(s.byID, evicted.ID)
	}
	s.alerts = append(s.alerts, &stored)
	s.byID[stored.ID] = &stored

	s.logger.Info("alert raised",
		zap.String("id", stored.ID),
		zap.String("service", stored.Service),
		zap.String("severity", string(stored.Severity)),
		zap.String("message", stored.Message),
	)
	return &stored, true
}

// Acknowledge marks an alert acknowledged by id. It returns false for
// an unknown id and mutates nothing in that case.
func (s *Store) Acknowledge(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert, ok := s.byID[id]
	if !ok {
		return false
	}
	alert.Acknowledged = true
	return true
}

// Recent returns up to n alerts, newest first.
func (s *Store) Recent(n int) []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n <= 0 || n > len(s.alerts) {
		n = len(s.alerts)
	}
	out := make([]Alert, 0, n)
	for i := len(s.alerts) - 1; i >= len(s.alerts)-n; i-- {
		out = append(out, *s.alerts[i])
	}
	return out
}

// BySeverity returns all alerts of the given severity, newest first.
func (s *Store) BySeverity(sev events.Severity) []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Alert, 0)
	for i := len(s.alerts) - 1; i >= 0; i-- {
		if s.alerts[i].Severity == sev {
			out = append(out, *s.alerts[i])
		}
	}
	return out
}

// Unacknowledged returns how many alerts are not yet acknowledged.
func (s *Store) Unacknowledged() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, a := range s.alerts {
		if !a.Acknowledged {
			count++
		}
	}
	return count
}

// Len returns the number of stored alerts.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}
