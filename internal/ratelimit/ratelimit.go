// Package ratelimit provides per-service token-bucket admission control.
// Buckets live in memory only; refill and deduction happen as a single
// step under the bucket's lock so concurrent callers can never both
// succeed off one remaining token.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Limit configures a service's token bucket.
type Limit struct {
	// MaxTokens is the bucket capacity.
	MaxTokens float64

	// RefillRate is tokens added per second.
	RefillRate float64

	// Burst caps accumulated tokens; zero means MaxTokens.
	Burst float64
}

// Result is the outcome of an admission check.
type Result struct {
	// Allowed indicates whether the request is admitted.
	Allowed bool

	// Remaining is the whole tokens left after the check.
	Remaining int

	// RetryAfter is how long until at least one token will be available.
	// Zero when the request was allowed.
	RetryAfter time.Duration
}

// RateLimitError is the structured rejection returned to callers. It is
// expected control flow, not an application error.
type RateLimitError struct {
	Service    string
	RetryAfter time.Duration
}

// Error implements error.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for service %s, retry after %s", e.Service, e.RetryAfter)
}

// bucket is the token bucket for a single service.
type bucket struct {
	mu         sync.Mutex
	limit      Limit
	tokens     float64
	lastRefill time.Time
}

// Limiter keys token buckets by service name. Unconfigured services are
// always allowed.
type Limiter struct {
	buckets sync.Map
	logger  *zap.Logger

	// now is injectable for tests.
	now func() time.Time
}

// Option is a functional option for configuring the limiter.
type Option func(*Limiter)

// WithLogger sets the logger for the limiter.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// WithClock overrides the limiter's time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a new limiter.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		logger: zap.NewNop(),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Configure installs or replaces the bucket for a service. A replaced
// bucket starts full. Configuration takes effect on the next check.
func (l *Limiter) Configure(service string, limit Limit) error {
	if limit.MaxTokens <= 0 {
		return fmt.Errorf("service %s: max tokens must be positive", service)
	}
	if limit.RefillRate <= 0 {
		return fmt.Errorf("service %s: refill rate must be positive", service)
	}
	if limit.Burst <= 0 {
		limit.Burst = limit.MaxTokens
	}

	l.buckets.Store(service, &bucket{
		limit:      limit,
		tokens:     limit.MaxTokens,
		lastRefill: l.now(),
	})

	l.logger.Debug("configured rate limit",
		zap.String("service", service),
		zap.Float64("maxTokens", limit.MaxTokens),
		zap.Float64("refillRate", limit.RefillRate),
		zap.Float64("burst", limit.Burst),
	)

	return nil
}

// Remove deletes a service's bucket; the service reverts to always-allow.
func (l *Limiter) Remove(service string) {
	l.buckets.Delete(service)
}

// TryConsume attempts to admit one request for the service. Refill and
// deduction are one atomic step under the bucket lock.
func (l *Limiter) TryConsume(service string) Result {
	value, ok := l.buckets.Load(service)
	if !ok {
		return Result{Allowed: true}
	}
	b := value.(*bucket)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.limit.RefillRate
		if b.tokens > b.limit.Burst {
			b.tokens = b.limit.Burst
		}
		b.lastRefill = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return Result{
			Allowed:   true,
			Remaining: int(b.tokens),
		}
	}

	deficit := 1 - b.tokens
	retryAfter := time.Duration(deficit / b.limit.RefillRate * float64(time.Second))

	return Result{
		Allowed:    false,
		Remaining:  0,
		RetryAfter: retryAfter,
	}
}

// Reset refills a service's bucket to capacity.
func (l *Limiter) Reset(service string) {
	value, ok := l.buckets.Load(service)
	if !ok {
		return
	}
	b := value.(*bucket)

	b.mu.Lock()
	b.tokens = b.limit.MaxTokens
	b.lastRefill = l.now()
	b.mu.Unlock()
}

// BucketState is a read-only view of a bucket for the dashboard.
type BucketState struct {
	Service    string  `json:"service"`
	Tokens     float64 `json:"tokens"`
	MaxTokens  float64 `json:"maxTokens"`
	RefillRate float64 `json:"refillRate"`
	Burst      float64 `json:"burst"`
}

// States returns the current state of every configured bucket.
func (l *Limiter) States() []BucketState {
	var out []BucketState
	l.buckets.Range(func(key, value interface{}) bool {
		b := value.(*bucket)
		b.mu.Lock()
		out = append(out, BucketState{
			Service:    key.(string),
			Tokens:     b.tokens,
			MaxTokens:  b.limit.MaxTokens,
			RefillRate: b.limit.RefillRate,
			Burst:      b.limit.Burst,
		})
		b.mu.Unlock()
		return true
	})
	return out
}
