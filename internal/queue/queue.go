// Package queue provides per-service bounded priority queues with
// concurrency caps, timeouts, and retries. Items drain strictly by
// priority, FIFO within a priority class. Backpressure is structural: a
// full queue rejects enqueues fast instead of blocking.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tradeforge/backplane/internal/events"
)

// Errors returned by queue operations.
var (
	// ErrQueueFull is returned when an enqueue would exceed MaxSize.
	// It is expected control flow, not an application error.
	ErrQueueFull = errors.New("queue is full")

	// ErrQueueTimeout is returned when an item exceeds its deadline.
	ErrQueueTimeout = errors.New("queue item timed out")

	// ErrNoHandler is returned when a service has no registered handler.
	ErrNoHandler = errors.New("no handler registered for service")
)

// Handler executes a dequeued item. The context carries the item's
// deadline.
type Handler func(ctx context.Context, item *Item) (interface{}, error)

// Config configures one service's queue.
type Config struct {
	// MaxConcurrent caps items executing at once.
	MaxConcurrent int

	// MaxSize caps pending items; enqueue past it fails fast.
	MaxSize int

	// DefaultTimeout bounds items that do not specify one.
	DefaultTimeout time.Duration

	// DefaultMaxRetries applies to enqueues that do not specify one.
	DefaultMaxRetries int
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:     4,
		MaxSize:           100,
		DefaultTimeout:    30 * time.Second,
		DefaultMaxRetries: 0,
	}
}

// normalize fills zero values with defaults.
func (c *Config) normalize() {
	def := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	if c.MaxSize <= 0 {
		c.MaxSize = def.MaxSize
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = def.DefaultTimeout
	}
	if c.DefaultMaxRetries < 0 {
		c.DefaultMaxRetries = 0
	}
}

// Options customises a single enqueue.
type Options struct {
	// Priority defaults to normal.
	Priority Priority

	// Timeout overrides the queue's default timeout.
	Timeout time.Duration

	// MaxRetries overrides the queue's default; negative means use the
	// default.
	MaxRetries int
}

// Stats is a read-only view of one service queue.
type Stats struct {
	Service   string `json:"service"`
	Pending   int    `json:"pending"`
	Executing int    `json:"executing"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	TimedOut  uint64 `json:"timedOut"`
	Retried   uint64 `json:"retried"`
}

// serviceQueue is the queue, drain loop, and counters for one service.
type serviceQueue struct {
	service string
	logger  *zap.Logger
	bus     *events.Bus

	mu        sync.Mutex
	config    Config
	handler   Handler
	items     itemHeap
	executing int
	seq       uint64
	completed uint64
	failed    uint64
	timedOut  uint64
	retried   uint64

	wake      chan struct{}
	stopCh    chan struct{}
	stoppedCh chan struct{}
	running   bool
}

// Manager owns the per-service queues.
type Manager struct {
	mu     sync.RWMutex
	queues map[string]*serviceQueue
	logger *zap.Logger
	bus    *events.Bus

	// tick bounds how long an expired pending item can go unnoticed.
	tick time.Duration
}

// Option is a functional option for configuring the manager.
type Option func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithEventBus sets the bus for item lifecycle events.
func WithEventBus(bus *events.Bus) Option {
	return func(m *Manager) {
		m.bus = bus
	}
}

// WithTick overrides the drain loop's timeout-scan interval.
func WithTick(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.tick = d
		}
	}
}

// NewManager creates a queue manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		queues: make(map[string]*serviceQueue),
		logger: zap.NewNop(),
		tick:   50 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Configure installs or updates a service's queue configuration and
// handler. New settings take effect on the next drain cycle.
func (m *Manager) Configure(service string, cfg Config, handler Handler) {
	cfg.normalize()

	m.mu.Lock()
	defer m.mu.Unlock()

	sq, ok := m.queues[service]
	if !ok {
		sq = &serviceQueue{
			service:   service,
			logger:    m.logger,
			bus:       m.bus,
			config:    cfg,
			handler:   handler,
			wake:      make(chan struct{}, 1),
			stopCh:    make(chan struct{}),
			stoppedCh: make(chan struct{}),
		}
		m.queues[service] = sq
		return
	}

	sq.mu.Lock()
	sq.config = cfg
	if handler != nil {
		sq.handler = handler
	}
	sq.mu.Unlock()
}

// Enqueue queues an operation and returns the item id immediately.
func (m *Manager) Enqueue(service, operation string, payload interface{}, opts Options) (string, error) {
	item, err := m.enqueue(service, operation, payload, opts)
	if err != nil {
		return "", err
	}
	return item.ID, nil
}

// EnqueueAndWait queues an operation and returns a Future resolving to
// the eventual result.
func (m *Manager) EnqueueAndWait(service, operation string, payload interface{}, opts Options) (*Future, error) {
	item, err := m.enqueue(service, operation, payload, opts)
	if err != nil {
		return nil, err
	}
	return &Future{item: item}, nil
}

// enqueue validates, builds, and pushes an item.
func (m *Manager) enqueue(service, operation string, payload interface{}, opts Options) (*Item, error) {
	m.mu.RLock()
	sq, ok := m.queues[service]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("service %s: %w", service, ErrNoHandler)
	}

	sq.mu.Lock()
	defer sq.mu.Unlock()

	if sq.handler == nil {
		return nil, fmt.Errorf("service %s: %w", service, ErrNoHandler)
	}
	if len(sq.items) >= sq.config.MaxSize {
		return nil, fmt.Errorf("service %s (max %d): %w", service, sq.config.MaxSize, ErrQueueFull)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = sq.config.DefaultTimeout
	}
	retries := opts.MaxRetries
	if retries < 0 {
		retries = sq.config.DefaultMaxRetries
	}

	now := time.Now()
	item := &Item{
		ID:         uuid.NewString(),
		Service:    service,
		Operation:  operation,
		Payload:    payload,
		Priority:   opts.Priority,
		EnqueuedAt: now,
		Deadline:   now.Add(timeout),
		seq:        sq.seq,
		status:     StatusPending,
		retries:    retries,
		done:       make(chan struct{}),
	}
	sq.seq++

	heap.Push(&sq.items, item)
	sq.signalWake()

	return item, nil
}

// Start launches the drain loop for every configured service.
func (m *Manager) Start(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, sq := range m.queues {
		sq.start(ctx, m.tick)
	}
}

// Stop stops all drain loops and waits for them to exit. In-flight
// executions finish on their own; pending items stay queued.
func (m *Manager) Stop() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, sq := range m.queues {
		sq.stop()
	}
}

// Stats returns statistics for one service queue.
func (m *Manager) Stats(service string) (Stats, bool) {
	m.mu.RLock()
	sq, ok := m.queues[service]
	m.mu.RUnlock()
	if !ok {
		return Stats{}, false
	}

	sq.mu.Lock()
	defer sq.mu.Unlock()

	return Stats{
		Service:   service,
		Pending:   len(sq.items),
		Executing: sq.executing,
		Completed: sq.completed,
		Failed:    sq.failed,
		TimedOut:  sq.timedOut,
		Retried:   sq.retried,
	}, true
}

// AllStats returns statistics for every service queue.
func (m *Manager) AllStats() []Stats {
	m.mu.RLock()
	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	m.mu.RUnlock()

	out := make([]Stats, 0, len(names))
	for _, name := range names {
		if s, ok := m.Stats(name); ok {
			out = append(out, s)
		}
	}
	return out
}

// Future resolves to a queued item's eventual result.
type Future struct {
	item *Item
}

// ID returns the underlying item id.
func (f *Future) ID() string {
	return f.item.ID
}

// Wait blocks until the item reaches a terminal state or ctx is done.
func (f *Future) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-f.item.done:
		f.item.mu.Lock()
		defer f.item.mu.Unlock()
		return f.item.result, f.item.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
