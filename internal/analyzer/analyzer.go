// Package analyzer ingests per-service performance samples and computes
// windowed latency percentiles, error rates, throughput, bottleneck
// classifications and health scores. All state is in memory; analyses
// are cached per (service, window) for a short TTL.
package analyzer

import (
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Severity grades a bottleneck or recommendation.
type Severity string

const (
	// SeverityMedium flags a soft condition worth watching.
	SeverityMedium Severity = "medium"
	// SeverityHigh flags a condition past its warning threshold.
	SeverityHigh Severity = "high"
	// SeverityCritical flags a condition past its critical threshold.
	SeverityCritical Severity = "critical"
)

// rank orders severities for report sorting, highest first.
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityHigh:
		return 1
	default:
		return 0
	}
}

// Metric is a single performance sample for a service operation.
type Metric struct {
	Service   string
	Operation string
	Latency   time.Duration
	Err       bool
	Timestamp time.Time
}

// Bottleneck classifies one dimension of a service's performance that
// crossed a threshold.
type Bottleneck struct {
	Service   string   `json:"service"`
	Metric    string   `json:"metric"`
	Severity  Severity `json:"severity"`
	Value     float64  `json:"value"`
	Threshold float64  `json:"threshold"`
}

// Recommendation pairs a bottleneck with a suggested action.
type Recommendation struct {
	Service  string   `json:"service"`
	Severity Severity `json:"severity"`
	Action   string   `json:"action"`
}

// Analysis is the computed performance picture of one service over a
// window. Latencies are in milliseconds.
type Analysis struct {
	Service         string           `json:"service"`
	Window          time.Duration    `json:"window"`
	GeneratedAt     time.Time        `json:"generatedAt"`
	RequestCount    int              `json:"requestCount"`
	MeanLatencyMs   float64          `json:"meanLatencyMs"`
	P50LatencyMs    float64          `json:"p50LatencyMs"`
	P95LatencyMs    float64          `json:"p95LatencyMs"`
	P99LatencyMs    float64          `json:"p99LatencyMs"`
	ErrorRate       float64          `json:"errorRate"`
	Throughput      float64          `json:"throughput"`
	HealthScore     float64          `json:"healthScore"`
	Bottlenecks     []Bottleneck     `json:"bottlenecks,omitempty"`
	Recommendations []Recommendation `json:"recommendations,omitempty"`
}

// Report aggregates the analyses of all tracked services.
type Report struct {
	GeneratedAt        time.Time            `json:"generatedAt"`
	Window             time.Duration        `json:"window"`
	Services           map[string]*Analysis `json:"services"`
	TotalRequests      int                  `json:"totalRequests"`
	MeanLatencyMs      float64              `json:"meanLatencyMs"`
	ErrorRate          float64              `json:"errorRate"`
	Throughput         float64              `json:"throughput"`
	Bottlenecks        []Bottleneck         `json:"bottlenecks,omitempty"`
	TopRecommendations []Recommendation     `json:"topRecommendations,omitempty"`
}

// Config configures the analyzer.
type Config struct {
	// MaxSamples is the per-service ring capacity, oldest evicted.
	MaxSamples int

	// CacheTTL is how long a computed analysis stays valid.
	CacheTTL time.Duration

	// LatencyWarningMs and LatencyCriticalMs classify p95 latency.
	LatencyWarningMs  float64
	LatencyCriticalMs float64

	// ErrorRateWarning and ErrorRateCritical classify error rate.
	ErrorRateWarning  float64
	ErrorRateCritical float64

	// ThroughputFloor flags services whose request rate falls below it
	// while traffic exists.
	ThroughputFloor float64
}

// DefaultConfig returns the default analyzer configuration.
func DefaultConfig() Config {
	return Config{
		MaxSamples:        1000,
		CacheTTL:          5 * time.Second,
		LatencyWarningMs:  500,
		LatencyCriticalMs: 2000,
		ErrorRateWarning:  0.05,
		ErrorRateCritical: 0.20,
		ThroughputFloor:   0.1,
	}
}

type cacheKey struct {
	service string
	window  time.Duration
}

type cacheEntry struct {
	analysis *Analysis
	expires  time.Time
}

// Analyzer tracks performance samples per service.
type Analyzer struct {
	config Config
	logger *zap.Logger

	mu      sync.RWMutex
	samples map[string][]Metric
	cache   map[cacheKey]cacheEntry

	now func() time.Time
}

// Option is a functional option for configuring the analyzer.
type Option func(*Analyzer)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Analyzer) {
		a.logger = logger
	}
}

// New creates a new analyzer.
func New(cfg Config, opts ...Option) *Analyzer {
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = DefaultConfig().MaxSamples
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultConfig().CacheTTL
	}

	a := &Analyzer{
		config:  cfg,
		logger:  zap.NewNop(),
		samples: make(map[string][]Metric),
		cache:   make(map[cacheKey]cacheEntry),
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Record appends a sample to the service's ring, evicting the oldest
// past capacity, and invalidates that service's cached analyses.
func (a *Analyzer) Record(m Metric) {
	if m.Service == "" {
		return
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = a.now()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	ring := a.samples[m.Service]
	if len(ring) >= a.config.MaxSamples {
		ring = append(ring[1:], m)
	} else {
		ring = append(ring, m)
	}
	a.samples[m.Service] = ring

	for key := range a.cache {
		if key.service == m.Service {
			delete(a.cache, key)
		}
	}
}

// SampleCount returns how many samples are held for a service.
func (a *Analyzer) SampleCount(service string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.samples[service])
}

// Services returns the names of all tracked services.
func (a *Analyzer) Services() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	names := make([]string, 0, len(a.samples))
	for name := range a.samples {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AnalyzeService computes the performance analysis of one service over
// the trailing window. Results are cached per (service, window) until
// the TTL passes or a new sample for the service arrives.
func (a *Analyzer) AnalyzeService(service string, window time.Duration) *Analysis {
	if window <= 0 {
		window = time.Minute
	}
	now := a.now()
	key := cacheKey{service: service, window: window}

	a.mu.RLock()
	if entry, ok := a.cache[key]; ok && now.Before(entry.expires) {
		a.mu.RUnlock()
		return entry.analysis
	}
	ring := a.samples[service]
	cutoff := now.Add(-window)
	windowed := make([]Metric, 0, len(ring))
	for _, m := range ring {
		if !m.Timestamp.Before(cutoff) {
			windowed = append(windowed, m)
		}
	}
	a.mu.RUnlock()

	analysis := a.compute(service, window, now, windowed)

	a.mu.Lock()
	a.cache[key] = cacheEntry{analysis: analysis, expires: now.Add(a.config.CacheTTL)}
	a.mu.Unlock()

	return analysis
}

// compute builds the analysis from windowed samples.
func (a *Analyzer) compute(service string, window time.Duration, now time.Time, windowed []Metric) *Analysis {
	analysis := &Analysis{
		Service:     service,
		Window:      window,
		GeneratedAt: now,
	}

	count := len(windowed)
	analysis.RequestCount = count
	if count == 0 {
		analysis.HealthScore = 100
		return analysis
	}

	latencies := make([]float64, 0, count)
	errors := 0
	var total float64
	for _, m := range windowed {
		ms := float64(m.Latency) / float64(time.Millisecond)
		latencies = append(latencies, ms)
		total += ms
		if m.Err {
			errors++
		}
	}
	sort.Float64s(latencies)

	analysis.MeanLatencyMs = total / float64(count)
	analysis.P50LatencyMs = percentile(latencies, 50)
	analysis.P95LatencyMs = percentile(latencies, 95)
	analysis.P99LatencyMs = percentile(latencies, 99)
	analysis.ErrorRate = float64(errors) / float64(count)
	analysis.Throughput = float64(count) / window.Seconds()

	a.classify(analysis)
	analysis.HealthScore = a.score(analysis)
	return analysis
}

// percentile indexes the sorted samples at ceil(p/100*n)-1.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// classify appends bottlenecks and their paired recommendations.
func (a *Analyzer) classify(analysis *Analysis) {
	addBottleneck := func(metric string, sev Severity, value, threshold float64, action string) {
		analysis.Bottlenecks = append(analysis.Bottlenecks, Bottleneck{
			Service:   analysis.Service,
			Metric:    metric,
			Severity:  sev,
			Value:     value,
			Threshold: threshold,
		})
		analysis.Recommendations = append(analysis.Recommendations, Recommendation{
			Service:  analysis.Service,
			Severity: sev,
			Action:   action,
		})
	}

	switch {
	case analysis.P95LatencyMs >= a.config.LatencyCriticalMs:
		addBottleneck("latency", SeverityCritical, analysis.P95LatencyMs, a.config.LatencyCriticalMs,
			"p95 latency is past the critical threshold; add instances or shed load from this service")
	case analysis.P95LatencyMs >= a.config.LatencyWarningMs:
		addBottleneck("latency", SeverityHigh, analysis.P95LatencyMs, a.config.LatencyWarningMs,
			"p95 latency is elevated; review slow operations and downstream dependencies")
	}

	switch {
	case analysis.ErrorRate >= a.config.ErrorRateCritical:
		addBottleneck("error_rate", SeverityCritical, analysis.ErrorRate, a.config.ErrorRateCritical,
			"error rate is past the critical threshold; check instance health and circuit breaker state")
	case analysis.ErrorRate >= a.config.ErrorRateWarning:
		addBottleneck("error_rate", SeverityHigh, analysis.ErrorRate, a.config.ErrorRateWarning,
			"error rate is elevated; inspect recent request failures for a common cause")
	}

	if analysis.RequestCount > 0 && analysis.Throughput < a.config.ThroughputFloor {
		addBottleneck("throughput", SeverityMedium, analysis.Throughput, a.config.ThroughputFloor,
			"throughput is below the expected floor; confirm upstream traffic and queue drain rate")
	}
}

// score derives the 0 to 100 health score. Latency contributes up to 40
// points, error rate up to 40, throughput up to 20; each dimension is
// stepped down as it crosses its warning and critical thresholds.
func (a *Analyzer) score(analysis *Analysis) float64 {
	var latencyPts float64
	switch {
	case analysis.P95LatencyMs >= a.config.LatencyCriticalMs:
		latencyPts = 5
	case analysis.P95LatencyMs >= a.config.LatencyWarningMs:
		latencyPts = 20
	default:
		latencyPts = 40
	}

	var errorPts float64
	switch {
	case analysis.ErrorRate >= a.config.ErrorRateCritical:
		errorPts = 0
	case analysis.ErrorRate >= a.config.ErrorRateWarning:
		errorPts = 20
	default:
		errorPts = 40
	}

	throughputPts := 20.0
	if analysis.RequestCount > 0 && analysis.Throughput < a.config.ThroughputFloor {
		throughputPts = 10
	}

	return latencyPts + errorPts + throughputPts
}

// GenerateReport analyzes every tracked service over the window,
// aggregates the totals and ranks the bottlenecks by severity.
func (a *Analyzer) GenerateReport(window time.Duration) *Report {
	if window <= 0 {
		window = time.Minute
	}
	now := a.now()

	report := &Report{
		GeneratedAt: now,
		Window:      window,
		Services:    make(map[string]*Analysis),
	}

	var latencySum float64
	var errorSum float64
	for _, name := range a.Services() {
		analysis := a.AnalyzeService(name, window)
		report.Services[name] = analysis
		report.TotalRequests += analysis.RequestCount
		report.Throughput += analysis.Throughput
		latencySum += analysis.MeanLatencyMs * float64(analysis.RequestCount)
		errorSum += analysis.ErrorRate * float64(analysis.RequestCount)
		report.Bottlenecks = append(report.Bottlenecks, analysis.Bottlenecks...)

		for _, rec := range analysis.Recommendations {
			if rec.Severity == SeverityCritical || rec.Severity == SeverityHigh {
				report.TopRecommendations = append(report.TopRecommendations, rec)
			}
		}
	}

	if report.TotalRequests > 0 {
		report.MeanLatencyMs = latencySum / float64(report.TotalRequests)
		report.ErrorRate = errorSum / float64(report.TotalRequests)
	}

	sort.SliceStable(report.Bottlenecks, func(i, j int) bool {
		return report.Bottlenecks[i].Severity.rank() > report.Bottlenecks[j].Severity.rank()
	})
	sort.SliceStable(report.TopRecommendations, func(i, j int) bool {
		return report.TopRecommendations[i].Severity.rank() > report.TopRecommendations[j].Severity.rank()
	})

	return report
}

// Reset drops all samples and cached analyses.
func (a *Analyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.samples = make(map[string][]Metric)
	a.cache = make(map[cacheKey]cacheEntry)
}
