package orchestrator

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tradeforge/backplane/internal/alerts"
	"github.com/tradeforge/backplane/internal/analyzer"
	"github.com/tradeforge/backplane/internal/config"
	"github.com/tradeforge/backplane/internal/events"
	"github.com/tradeforge/backplane/internal/registry"
)

// Start subscribes to subsystem events and begins the periodic alert
// sweep. It is idempotent while running.
func (o *Orchestrator) Start() {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if o.running {
		return
	}
	o.running = true
	o.stopCh = make(chan struct{})
	o.stoppedCh = make(chan struct{})

	o.disposers = append(o.disposers, o.deps.Bus.Subscribe(o.handleEvent))

	go o.run()
	o.logger.Info("orchestrator started",
		zap.Duration("sweepInterval", o.sweepInterval),
	)
}

// Stop unsubscribes and stops the sweep loop, waiting for it to exit.
func (o *Orchestrator) Stop() {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if !o.running {
		return
	}
	o.running = false

	for _, dispose := range o.disposers {
		dispose()
	}
	o.disposers = nil

	close(o.stopCh)
	<-o.stoppedCh
	o.logger.Info("orchestrator stopped")
}

func (o *Orchestrator) run() {
	defer close(o.stoppedCh)

	ticker := time.NewTicker(o.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.Sweep()
		}
	}
}

// handleEvent synthesizes alerts from subsystem events.
func (o *Orchestrator) handleEvent(event events.Event) {
	switch event.Type {
	case events.TypeServiceHealthChanged:
		change, ok := event.Data.(events.HealthChange)
		if !ok {
			return
		}
		switch registry.Status(change.To) {
		case registry.StatusUnhealthy:
			o.raiseAlert(event.Service, events.SeverityError,
				"health:"+event.Service+":unhealthy",
				fmt.Sprintf("service %s became unhealthy: %s", event.Service, change.Message))
		case registry.StatusDegraded:
			o.raiseAlert(event.Service, events.SeverityWarning,
				"health:"+event.Service+":degraded",
				fmt.Sprintf("service %s degraded: %s", event.Service, change.Message))
		}

	case events.TypeRequestFailed:
		o.failMu.Lock()
		o.failureRuns[event.Service]++
		run := o.failureRuns[event.Service]
		if run >= o.failureAlertThreshold {
			o.failureRuns[event.Service] = 0
		}
		o.failMu.Unlock()

		if run >= o.failureAlertThreshold {
			o.raiseAlert(event.Service, events.SeverityWarning,
				"failures:"+event.Service,
				fmt.Sprintf("service %s failed %d consecutive requests", event.Service, run))
		}

	case events.TypeRequestCompleted:
		o.failMu.Lock()
		delete(o.failureRuns, event.Service)
		o.failMu.Unlock()

	case events.TypePerformanceWarning:
		o.raiseAlert(event.Service, events.SeverityWarning,
			"performance:"+event.Service,
			fmt.Sprintf("service %s crossed a performance threshold", event.Service))

	case events.TypeThresholdExceeded:
		o.raiseAlert(event.Service, events.SeverityError,
			"threshold:"+event.Service,
			fmt.Sprintf("service %s exceeded a critical performance threshold", event.Service))
	}
}

// Sweep runs one periodic pass: persistent critical-service outages are
// re-alerted, gauges refreshed, and per-service performance checked
// against the analyzer thresholds. The sweep loop calls it on a timer;
// tests can call it directly.
func (o *Orchestrator) Sweep() {
	for _, snap := range o.deps.Registry.List() {
		if snap.Status == registry.StatusUnhealthy && snap.Criticality == config.CriticalityCritical {
			o.raiseAlert(snap.Name, events.SeverityCritical,
				"critical_outage:"+snap.Name,
				fmt.Sprintf("critical service %s is unhealthy", snap.Name))
		}

		if o.deps.Metrics != nil {
			o.deps.Metrics.SetServiceHealth(snap.Name, string(snap.Status))
		}

		o.checkPerformance(snap.Name)
	}

	if o.deps.Metrics != nil {
		for key, stats := range o.deps.Breakers.Stats() {
			o.deps.Metrics.SetBreakerState(key, stats.State.String())
		}
		for _, qs := range o.deps.Queue.AllStats() {
			o.deps.Metrics.QueueDepth.WithLabelValues(qs.Service).Set(float64(qs.Pending))
		}
	}
}

// checkPerformance inspects the service's current analysis. A critical
// bottleneck publishes threshold_exceeded; otherwise the first
// high-severity bottleneck publishes performance_warning.
func (o *Orchestrator) checkPerformance(service string) {
	analysis := o.deps.Analyzer.AnalyzeService(service, o.analysisWindow)

	var warn *analyzer.Bottleneck
	for i := range analysis.Bottlenecks {
		b := &analysis.Bottlenecks[i]
		if b.Severity == analyzer.SeverityCritical {
			o.deps.Bus.Publish(events.Event{
				Type:     events.TypeThresholdExceeded,
				Service:  service,
				Severity: events.SeverityError,
				Data: events.Threshold{
					Metric:    b.Metric,
					Value:     b.Value,
					Threshold: b.Threshold,
				},
			})
			return
		}
		if warn == nil && b.Severity == analyzer.SeverityHigh {
			warn = b
		}
	}
	if warn == nil {
		return
	}
	o.deps.Bus.Publish(events.Event{
		Type:     events.TypePerformanceWarning,
		Service:  service,
		Severity: events.SeverityWarning,
		Data: events.Threshold{
			Metric:    warn.Metric,
			Value:     warn.Value,
			Threshold: warn.Threshold,
		},
	})
}

// raiseAlert adds an alert to the store; the store's per-condition rate
// limit decides whether it is admitted.
func (o *Orchestrator) raiseAlert(service string, sev events.Severity, condition, message string) {
	_, admitted := o.deps.Alerts.Add(alerts.Alert{
		Service:   service,
		Severity:  sev,
		Condition: condition,
		Message:   message,
	})
	if admitted {
		o.logger.Warn("alert raised",
			zap.String("service", service),
			zap.String("severity", string(sev)),
			zap.String("message", message),
		)
	}
}
