// Package events provides a typed publish-subscribe bus for control-plane
// events. Subscribers are plain callbacks; a panicking subscriber is
// recovered and logged, never allowed to break the emitting subsystem.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type identifies the kind of event.
type Type string

const (
	// TypeServiceRegistered is emitted when a service is registered.
	TypeServiceRegistered Type = "service_registered"
	// TypeServiceUnregistered is emitted when a service is unregistered.
	TypeServiceUnregistered Type = "service_unregistered"
	// TypeServiceHealthChanged is emitted when a service's health status changes.
	TypeServiceHealthChanged Type = "service_health_changed"
	// TypeRequestStarted is emitted when an orchestrated operation begins.
	TypeRequestStarted Type = "request_started"
	// TypeRequestCompleted is emitted when an orchestrated operation succeeds.
	TypeRequestCompleted Type = "request_completed"
	// TypeRequestFailed is emitted when an orchestrated operation fails.
	TypeRequestFailed Type = "request_failed"
	// TypePerformanceWarning is emitted when the analyzer flags a service.
	TypePerformanceWarning Type = "performance_warning"
	// TypeThresholdExceeded is emitted when a configured threshold is crossed.
	TypeThresholdExceeded Type = "threshold_exceeded"
)

// Severity grades an event.
type Severity string

const (
	// SeverityInfo is informational.
	SeverityInfo Severity = "info"
	// SeverityWarning indicates a degraded but operable condition.
	SeverityWarning Severity = "warning"
	// SeverityError indicates a failing condition.
	SeverityError Severity = "error"
	// SeverityCritical indicates a critical-service outage.
	SeverityCritical Severity = "critical"
)

// Data is the tagged payload carried by an event. Exactly one concrete
// type corresponds to each event Type, so consumers can switch on the
// payload instead of probing loose fields.
type Data interface {
	eventData()
}

// HealthChange is the payload for TypeServiceHealthChanged.
type HealthChange struct {
	From    string
	To      string
	Message string
}

func (HealthChange) eventData() {}

// RequestInfo is the payload for request lifecycle events.
type RequestInfo struct {
	Operation string
	TraceID   string
	Duration  time.Duration
	Err       string
}

func (RequestInfo) eventData() {}

// ServiceInfo is the payload for registration lifecycle events.
type ServiceInfo struct {
	ServiceID   string
	Criticality string
}

func (ServiceInfo) eventData() {}

// Threshold is the payload for performance and threshold events.
type Threshold struct {
	Metric    string
	Value     float64
	Threshold float64
}

func (Threshold) eventData() {}

// Event is a single control-plane event.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service,omitempty"`
	Severity  Severity  `json:"severity"`
	Data      Data      `json:"data,omitempty"`
}

// Handler consumes events.
type Handler func(Event)

// Disposer unsubscribes a previously registered handler.
type Disposer func()

// Bus is an in-process event bus with a bounded event history.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]Handler
	history     []Event
	maxHistory  int
	logger      *zap.Logger
}

// BusOption is a functional option for configuring the bus.
type BusOption func(*Bus)

// WithBusLogger sets the logger for the bus.
func WithBusLogger(logger *zap.Logger) BusOption {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithHistorySize sets the bounded history capacity.
func WithHistorySize(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.maxHistory = n
		}
	}
}

// NewBus creates a new event bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subscribers: make(map[string]Handler),
		maxHistory:  100,
		logger:      zap.NewNop(),
	}

	for _, opt := range opts {
		opt(b)
	}

	b.history = make([]Event, 0, b.maxHistory)
	return b
}

// Subscribe registers a handler for all events. The returned Disposer
// removes the subscription; calling it more than once is harmless.
func (b *Bus) Subscribe(handler Handler) Disposer {
	id := uuid.NewString()

	b.mu.Lock()
	b.subscribers[id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
	}
}

// Publish delivers an event to all subscribers and records it in the
// history. Delivery is synchronous; handlers must not block.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	if len(b.history) >= b.maxHistory {
		b.history = append(b.history[1:], event)
	} else {
		b.history = append(b.history, event)
	}
	handlers := make([]Handler, 0, len(b.subscribers))
	for _, h := range b.subscribers {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		b.deliver(h, event)
	}
}

// deliver invokes a single handler, recovering panics.
func (b *Bus) deliver(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				zap.String("type", string(event.Type)),
				zap.Any("panic", r),
			)
		}
	}()
	h(event)
}

// Recent returns up to n most recent events, newest last.
func (b *Bus) Recent(n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 || n > len(b.history) {
		n = len(b.history)
	}
	out := make([]Event, n)
	copy(out, b.history[len(b.history)-n:])
	return out
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
