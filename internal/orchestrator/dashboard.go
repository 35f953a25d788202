package orchestrator

import (
	"sort"
	"time"

	"github.com/tradeforge/backplane/internal/alerts"
	"github.com/tradeforge/backplane/internal/analyzer"
	"github.com/tradeforge/backplane/internal/registry"
)

// Trend is a coarse direction label for an aggregate metric. It is
// derived by comparing the current value against fixed thresholds, not
// against history; a value well inside its comfortable range reads as
// improving, near the threshold as stable, past it as degrading.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDegrading Trend = "degrading"
)

// Fixed trend thresholds, in milliseconds, error ratio and req/s.
const (
	trendLatencyGoodMs = 200.0
	trendLatencyBadMs  = 1000.0
	trendErrorGood     = 0.01
	trendErrorBad      = 0.05
	trendThroughputLow = 0.1
)

// ServiceDisplay is one service's row on the health dashboard.
type ServiceDisplay struct {
	Name           string          `json:"name"`
	Criticality    string          `json:"criticality"`
	Status         registry.Status `json:"status"`
	EMALatencyMs   float64         `json:"emaLatencyMs"`
	Requests       uint64          `json:"requests"`
	Failures       uint64          `json:"failures"`
	QueuePending   int             `json:"queuePending"`
	QueueExecuting int             `json:"queueExecuting"`
	BreakerState   string          `json:"breakerState,omitempty"`
	Instances      int             `json:"instances"`
	Available      int             `json:"availableInstances"`
}

// Dashboard is a read-only composite of the control plane's state.
type Dashboard struct {
	GeneratedAt     time.Time              `json:"generatedAt"`
	Overall         registry.OverallHealth `json:"overallHealth"`
	Registry        registry.Stats         `json:"registry"`
	Services        []ServiceDisplay       `json:"services"`
	RecentAlerts    []alerts.Alert         `json:"recentAlerts"`
	LatencyMs       float64                `json:"aggregateLatencyMs"`
	ErrorRate       float64                `json:"aggregateErrorRate"`
	Throughput      float64                `json:"aggregateThroughput"`
	LatencyTrend    Trend                  `json:"latencyTrend"`
	ErrorTrend      Trend                  `json:"errorTrend"`
	ThroughputTrend Trend                  `json:"throughputTrend"`
}

// HealthDashboard composes registry stats, per-service displays, recent
// alerts and aggregate performance. It only reads; it never mutates any
// subsystem state beyond the analyzer's internal result cache.
func (o *Orchestrator) HealthDashboard() Dashboard {
	stats := o.deps.Registry.Stats()
	report := o.deps.Analyzer.GenerateReport(o.analysisWindow)
	breakerStats := o.deps.Breakers.Stats()

	dash := Dashboard{
		GeneratedAt:  o.now(),
		Overall:      stats.OverallHealth,
		Registry:     stats,
		RecentAlerts: o.deps.Alerts.Recent(10),
		LatencyMs:    report.MeanLatencyMs,
		ErrorRate:    report.ErrorRate,
		Throughput:   report.Throughput,
	}

	snapshots := o.deps.Registry.List()
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Name < snapshots[j].Name
	})

	for _, snap := range snapshots {
		display := ServiceDisplay{
			Name:         snap.Name,
			Criticality:  snap.Criticality,
			Status:       snap.Status,
			EMALatencyMs: snap.EMALatencyMs,
			Requests:     snap.Requests,
			Failures:     snap.Failures,
		}
		if qs, ok := o.deps.Queue.Stats(snap.Name); ok {
			display.QueuePending = qs.Pending
			display.QueueExecuting = qs.Executing
		}
		if bs, ok := breakerStats[snap.Name]; ok {
			display.BreakerState = bs.StateLabel
		}
		if ps, ok := o.deps.Balancer.Stats(snap.Name); ok {
			display.Instances = ps.Total
			display.Available = ps.Available
		}
		dash.Services = append(dash.Services, display)
	}

	dash.LatencyTrend = latencyTrend(report)
	dash.ErrorTrend = errorTrend(report)
	dash.ThroughputTrend = throughputTrend(report)
	return dash
}

// PerformanceReport returns the analyzer's aggregate report over the
// window.
func (o *Orchestrator) PerformanceReport(window time.Duration) *analyzer.Report {
	return o.deps.Analyzer.GenerateReport(window)
}

// Services returns read-only snapshots of every registered service.
func (o *Orchestrator) Services() []registry.Snapshot {
	return o.deps.Registry.List()
}

func latencyTrend(report *analyzer.Report) Trend {
	switch {
	case report.TotalRequests == 0:
		return TrendStable
	case report.MeanLatencyMs < trendLatencyGoodMs:
		return TrendImproving
	case report.MeanLatencyMs < trendLatencyBadMs:
		return TrendStable
	default:
		return TrendDegrading
	}
}

func errorTrend(report *analyzer.Report) Trend {
	switch {
	case report.TotalRequests == 0:
		return TrendStable
	case report.ErrorRate < trendErrorGood:
		return TrendImproving
	case report.ErrorRate < trendErrorBad:
		return TrendStable
	default:
		return TrendDegrading
	}
}

func throughputTrend(report *analyzer.Report) Trend {
	switch {
	case report.TotalRequests == 0:
		return TrendStable
	case report.Throughput < trendThroughputLow:
		return TrendDegrading
	default:
		return TrendStable
	}
}
