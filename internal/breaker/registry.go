package breaker

import (
	"sync"

	"go.uber.org/zap"
)

// Registry manages one breaker per protected service or service/operation
// key.
type Registry struct {
	breakers sync.Map
	config   *Config
	logger   *zap.Logger
}

// NewRegistry creates a new breaker registry. config is the default for
// breakers created without an explicit configuration.
func NewRegistry(config *Config, logger *zap.Logger) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Registry{
		config: config,
		logger: logger,
	}
}

// Get returns a breaker by key, or nil if not found.
func (r *Registry) Get(key string) *Breaker {
	value, ok := r.breakers.Load(key)
	if !ok {
		return nil
	}
	return value.(*Breaker)
}

// GetOrCreate returns an existing breaker or creates one with the
// registry's default configuration.
func (r *Registry) GetOrCreate(key string) *Breaker {
	return r.GetOrCreateWithConfig(key, r.config)
}

// GetOrCreateWithConfig returns an existing breaker or creates one with
// the given configuration.
func (r *Registry) GetOrCreateWithConfig(key string, config *Config) *Breaker {
	if value, ok := r.breakers.Load(key); ok {
		return value.(*Breaker)
	}

	b := New(key, config, r.logger)

	actual, loaded := r.breakers.LoadOrStore(key, b)
	if loaded {
		return actual.(*Breaker)
	}

	r.logger.Debug("created circuit breaker",
		zap.String("key", key),
	)

	return b
}

// Configure replaces the breaker for a key so new settings take effect on
// the next cycle. The replacement starts closed.
func (r *Registry) Configure(key string, config *Config) *Breaker {
	b := New(key, config, r.logger)
	r.breakers.Store(key, b)
	return b
}

// Remove removes a breaker from the registry.
func (r *Registry) Remove(key string) {
	r.breakers.Delete(key)
}

// Stats returns statistics for all breakers keyed by name.
func (r *Registry) Stats() map[string]Stats {
	stats := make(map[string]Stats)
	r.breakers.Range(func(key, value interface{}) bool {
		stats[key.(string)] = value.(*Breaker).Stats()
		return true
	})
	return stats
}

// ResetAll resets every breaker to closed.
func (r *Registry) ResetAll() {
	r.breakers.Range(func(_, value interface{}) bool {
		value.(*Breaker).Reset()
		return true
	})
}
