// Package config provides configuration loading and validation for the
// backplane control plane.
package config

import (
	"fmt"
	"time"
)

// Criticality tiers for registered services.
const (
	CriticalityCritical = "critical"
	CriticalityHigh     = "high"
	CriticalityMedium   = "medium"
	CriticalityLow      = "low"
)

// Load balancing strategy names.
const (
	StrategyRoundRobin = "round_robin"
	StrategyLeastConn  = "least_connections"
	StrategyWeighted   = "weighted"
	StrategyRandom     = "random"
	StrategyIPHash     = "ip_hash"
)

// Config is the root configuration for the control plane.
type Config struct {
	Logging  LoggingConfig   `yaml:"logging"`
	API      APIConfig       `yaml:"api"`
	Registry RegistryConfig  `yaml:"registry"`
	Analyzer AnalyzerConfig  `yaml:"analyzer"`
	Alerts   AlertsConfig    `yaml:"alerts"`
	Services []ServiceConfig `yaml:"services"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// Format is the log output format (json or console).
	Format string `yaml:"format"`

	// Development enables development mode (more verbose).
	Development bool `yaml:"development"`
}

// APIConfig configures the admin HTTP surface.
type APIConfig struct {
	// ListenAddress is the host:port the admin server binds to.
	ListenAddress string `yaml:"listenAddress"`

	// ReadTimeout bounds reading of admin requests.
	ReadTimeout Duration `yaml:"readTimeout"`

	// WriteTimeout bounds writing of admin responses.
	WriteTimeout Duration `yaml:"writeTimeout"`
}

// RegistryConfig configures the service registry sweep.
type RegistryConfig struct {
	// HealthCheckInterval is the interval between health sweeps.
	HealthCheckInterval Duration `yaml:"healthCheckInterval"`

	// HealthCheckTimeout bounds each health probe.
	HealthCheckTimeout Duration `yaml:"healthCheckTimeout"`
}

// AnalyzerConfig configures the performance analyzer.
type AnalyzerConfig struct {
	// MaxSamples is the per-service metric ring capacity.
	MaxSamples int `yaml:"maxSamples"`

	// CacheTTL is how long analysis results are cached per window.
	CacheTTL Duration `yaml:"cacheTTL"`

	// LatencyWarningMs and LatencyCriticalMs classify latency bottlenecks.
	LatencyWarningMs  float64 `yaml:"latencyWarningMs"`
	LatencyCriticalMs float64 `yaml:"latencyCriticalMs"`

	// ErrorRateWarning and ErrorRateCritical classify error-rate
	// bottlenecks (0.0 to 1.0).
	ErrorRateWarning  float64 `yaml:"errorRateWarning"`
	ErrorRateCritical float64 `yaml:"errorRateCritical"`

	// ThroughputFloor is the requests/second below which throughput is
	// flagged when traffic exists.
	ThroughputFloor float64 `yaml:"throughputFloor"`
}

// AlertsConfig configures the alert store.
type AlertsConfig struct {
	// MaxAlerts is the bounded alert list capacity (oldest evicted).
	MaxAlerts int `yaml:"maxAlerts"`

	// SuppressionRate is the sustained alerts/second admitted per
	// condition before suppression kicks in.
	SuppressionRate float64 `yaml:"suppressionRate"`

	// SuppressionBurst is the suppression burst allowance.
	SuppressionBurst int `yaml:"suppressionBurst"`

	// FailureAlertThreshold is the consecutive request failure count
	// that raises a warning alert.
	FailureAlertThreshold int `yaml:"failureAlertThreshold"`
}

// ServiceConfig declares a named downstream service and its policies.
type ServiceConfig struct {
	// Name is the unique service name.
	Name string `yaml:"name"`

	// Criticality is one of critical, high, medium, low.
	Criticality string `yaml:"criticality"`

	// DependsOn lists names of services this one depends on. Ordering
	// derived from it is advisory for callers.
	DependsOn []string `yaml:"dependsOn"`

	RateLimit *RateLimitConfig `yaml:"rateLimit"`
	Queue     *QueueConfig     `yaml:"queue"`
	Balancer  *BalancerConfig  `yaml:"balancer"`
	Breaker   *BreakerConfig   `yaml:"breaker"`

	Instances []InstanceConfig `yaml:"instances"`
}

// RateLimitConfig configures the per-service token bucket.
type RateLimitConfig struct {
	// MaxTokens is the bucket capacity.
	MaxTokens float64 `yaml:"maxTokens"`

	// RefillRate is tokens added per second.
	RefillRate float64 `yaml:"refillRate"`

	// Burst caps accumulated tokens; zero means MaxTokens.
	Burst float64 `yaml:"burst"`
}

// QueueConfig configures the per-service request queue.
type QueueConfig struct {
	// MaxConcurrent is the maximum number of items executing at once.
	MaxConcurrent int `yaml:"maxConcurrent"`

	// MaxSize is the pending-queue capacity; enqueue past it fails fast.
	MaxSize int `yaml:"maxSize"`

	// DefaultTimeout bounds each item from enqueue to completion.
	DefaultTimeout Duration `yaml:"defaultTimeout"`

	// DefaultMaxRetries is applied when an enqueue does not specify one.
	DefaultMaxRetries int `yaml:"defaultMaxRetries"`
}

// BalancerConfig configures the per-service instance pool.
type BalancerConfig struct {
	// Strategy is one of the Strategy* constants.
	Strategy string `yaml:"strategy"`

	// HealthCheckInterval is the interval between instance probes.
	HealthCheckInterval Duration `yaml:"healthCheckInterval"`

	// HealthCheckTimeout bounds each instance probe.
	HealthCheckTimeout Duration `yaml:"healthCheckTimeout"`

	// HealthCheckPath is the HTTP probe path (HTTP probes only).
	HealthCheckPath string `yaml:"healthCheckPath"`

	// UseGRPC switches instance probes to gRPC health v1.
	UseGRPC bool `yaml:"useGRPC"`

	// GRPCService is the service name passed to gRPC health checks.
	GRPCService string `yaml:"grpcService"`

	// UnhealthyThreshold is the consecutive failures demoting an instance.
	UnhealthyThreshold int `yaml:"unhealthyThreshold"`

	// HealthyThreshold is the consecutive successes restoring an instance.
	HealthyThreshold int `yaml:"healthyThreshold"`

	// SessionAffinity enables sticky sessions.
	SessionAffinity bool `yaml:"sessionAffinity"`

	// AffinityTTL is the idle lifetime of a sticky-session entry.
	AffinityTTL Duration `yaml:"affinityTTL"`
}

// BreakerConfig configures the per-service circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive failures that open the circuit.
	FailureThreshold int `yaml:"failureThreshold"`

	// Cooldown is how long the circuit stays open before half-open.
	Cooldown Duration `yaml:"cooldown"`

	// HalfOpenMax is the trial requests admitted in half-open state.
	HalfOpenMax int `yaml:"halfOpenMax"`

	// SuccessThreshold is the consecutive successes that close the
	// circuit from half-open.
	SuccessThreshold int `yaml:"successThreshold"`

	// SamplingWindow is the window over which failures are counted.
	SamplingWindow Duration `yaml:"samplingWindow"`
}

// InstanceConfig declares a backend instance in a service pool.
type InstanceConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	Weight  int    `yaml:"weight"`

	// MaxConnections caps concurrent connections; zero means unlimited.
	MaxConnections int `yaml:"maxConnections"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		API: APIConfig{
			ListenAddress: ":8090",
			ReadTimeout:   Duration(10 * time.Second),
			WriteTimeout:  Duration(30 * time.Second),
		},
		Registry: RegistryConfig{
			HealthCheckInterval: Duration(30 * time.Second),
			HealthCheckTimeout:  Duration(5 * time.Second),
		},
		Analyzer: AnalyzerConfig{
			MaxSamples:        1000,
			CacheTTL:          Duration(5 * time.Second),
			LatencyWarningMs:  500,
			LatencyCriticalMs: 2000,
			ErrorRateWarning:  0.05,
			ErrorRateCritical: 0.20,
			ThroughputFloor:   0.1,
		},
		Alerts: AlertsConfig{
			MaxAlerts:             100,
			SuppressionRate:       0.1,
			SuppressionBurst:      3,
			FailureAlertThreshold: 5,
		},
	}
}

// Validate validates the configuration and fills in defaults.
func (c *Config) Validate() error {
	def := DefaultConfig()

	if c.API.ListenAddress == "" {
		c.API.ListenAddress = def.API.ListenAddress
	}
	if c.Registry.HealthCheckInterval <= 0 {
		c.Registry.HealthCheckInterval = def.Registry.HealthCheckInterval
	}
	if c.Registry.HealthCheckTimeout <= 0 {
		c.Registry.HealthCheckTimeout = def.Registry.HealthCheckTimeout
	}
	if c.Analyzer.MaxSamples <= 0 {
		c.Analyzer.MaxSamples = def.Analyzer.MaxSamples
	}
	if c.Analyzer.CacheTTL <= 0 {
		c.Analyzer.CacheTTL = def.Analyzer.CacheTTL
	}
	if c.Analyzer.LatencyWarningMs <= 0 {
		c.Analyzer.LatencyWarningMs = def.Analyzer.LatencyWarningMs
	}
	if c.Analyzer.LatencyCriticalMs <= 0 {
		c.Analyzer.LatencyCriticalMs = def.Analyzer.LatencyCriticalMs
	}
	if c.Analyzer.ErrorRateWarning <= 0 {
		c.Analyzer.ErrorRateWarning = def.Analyzer.ErrorRateWarning
	}
	if c.Analyzer.ErrorRateCritical <= 0 {
		c.Analyzer.ErrorRateCritical = def.Analyzer.ErrorRateCritical
	}
	if c.Alerts.MaxAlerts <= 0 {
		c.Alerts.MaxAlerts = def.Alerts.MaxAlerts
	}
	if c.Alerts.FailureAlertThreshold <= 0 {
		c.Alerts.FailureAlertThreshold = def.Alerts.FailureAlertThreshold
	}

	seen := make(map[string]bool, len(c.Services))
	for i := range c.Services {
		svc := &c.Services[i]
		if svc.Name == "" {
			return fmt.Errorf("service at index %d has no name", i)
		}
		if seen[svc.Name] {
			return fmt.Errorf("duplicate service name: %s", svc.Name)
		}
		seen[svc.Name] = true

		switch svc.Criticality {
		case CriticalityCritical, CriticalityHigh, CriticalityMedium, CriticalityLow:
		case "":
			svc.Criticality = CriticalityMedium
		default:
			return fmt.Errorf("service %s: unknown criticality %q", svc.Name, svc.Criticality)
		}

		if svc.Balancer != nil {
			if err := svc.Balancer.validate(svc.Name); err != nil {
				return err
			}
		}
		if svc.RateLimit != nil {
			if svc.RateLimit.RefillRate <= 0 {
				return fmt.Errorf("service %s: rate limit refill rate must be positive", svc.Name)
			}
			if svc.RateLimit.MaxTokens <= 0 {
				return fmt.Errorf("service %s: rate limit max tokens must be positive", svc.Name)
			}
			if svc.RateLimit.Burst <= 0 {
				svc.RateLimit.Burst = svc.RateLimit.MaxTokens
			}
		}
		if svc.Queue != nil {
			if svc.Queue.MaxConcurrent <= 0 {
				svc.Queue.MaxConcurrent = 1
			}
			if svc.Queue.MaxSize <= 0 {
				svc.Queue.MaxSize = 100
			}
			if svc.Queue.DefaultTimeout <= 0 {
				svc.Queue.DefaultTimeout = Duration(30 * time.Second)
			}
		}
	}

	return nil
}

func (b *BalancerConfig) validate(service string) error {
	switch b.Strategy {
	case StrategyRoundRobin, StrategyLeastConn, StrategyWeighted, StrategyRandom, StrategyIPHash:
	case "":
		b.Strategy = StrategyRoundRobin
	default:
		return fmt.Errorf("service %s: unknown load balancing strategy %q", service, b.Strategy)
	}
	if b.HealthCheckInterval <= 0 {
		b.HealthCheckInterval = Duration(10 * time.Second)
	}
	if b.HealthCheckTimeout <= 0 {
		b.HealthCheckTimeout = Duration(5 * time.Second)
	}
	if b.UnhealthyThreshold <= 0 {
		b.UnhealthyThreshold = 3
	}
	if b.HealthyThreshold <= 0 {
		b.HealthyThreshold = 2
	}
	if b.SessionAffinity && b.AffinityTTL <= 0 {
		b.AffinityTTL = Duration(5 * time.Minute)
	}
	return nil
}

// ServiceByName returns the configuration for a named service.
func (c *Config) ServiceByName(name string) (*ServiceConfig, bool) {
	for i := range c.Services {
		if c.Services[i].Name == name {
			return &c.Services[i], true
		}
	}
	return nil, false
}
