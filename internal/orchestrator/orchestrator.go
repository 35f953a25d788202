// Package orchestrator composes the registry, rate limiter, queue, load
// balancer, circuit breakers and analyzer into a single execution
// pipeline for downstream operations.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tradeforge/backplane/internal/alerts"
	"github.com/tradeforge/backplane/internal/analyzer"
	"github.com/tradeforge/backplane/internal/balancer"
	"github.com/tradeforge/backplane/internal/breaker"
	"github.com/tradeforge/backplane/internal/events"
	"github.com/tradeforge/backplane/internal/metrics"
	"github.com/tradeforge/backplane/internal/queue"
	"github.com/tradeforge/backplane/internal/ratelimit"
	"github.com/tradeforge/backplane/internal/registry"
)

// Operation is the downstream work executed through the pipeline. The
// orchestrator has no knowledge of the downstream wire protocol; it only
// times, guards and records the call.
type Operation func(ctx context.Context) (interface{}, error)

// OpContext describes one orchestrated operation.
type OpContext struct {
	// Service is the registered downstream service name.
	Service string

	// Operation names the logical operation for tracing and metrics.
	Operation string

	// UseBreaker wraps the call in the service's circuit breaker.
	UseBreaker bool

	// Timeout bounds the call when positive.
	Timeout time.Duration
}

// OperationError wraps a downstream operation failure.
type OperationError struct {
	Service   string
	Operation string
	Err       error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("operation %s/%s failed: %v", e.Service, e.Operation, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// Deps are the subsystems the orchestrator composes. All fields except
// Metrics are required.
type Deps struct {
	Registry *registry.Registry
	Limiter  *ratelimit.Limiter
	Queue    *queue.Manager
	Balancer *balancer.Balancer
	Breakers *breaker.Registry
	Analyzer *analyzer.Analyzer
	Alerts   *alerts.Store
	Bus      *events.Bus
	Metrics  *metrics.Metrics
}

// Orchestrator is the control-plane facade callers execute through.
type Orchestrator struct {
	deps   Deps
	logger *zap.Logger
	tracer trace.Tracer

	sweepInterval         time.Duration
	failureAlertThreshold int
	analysisWindow        time.Duration

	failMu      sync.Mutex
	failureRuns map[string]int
	disposers   []events.Disposer

	runMu     sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}

	now func() time.Time
}

// Option is a functional option for configuring the orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithTracer sets the tracer used for operation spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) {
		o.tracer = tracer
	}
}

// WithSweepInterval sets the periodic alert sweep interval.
func WithSweepInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.sweepInterval = d
		}
	}
}

// WithFailureAlertThreshold sets the consecutive request failure count
// that raises a warning alert for a service.
func WithFailureAlertThreshold(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.failureAlertThreshold = n
		}
	}
}

// WithAnalysisWindow sets the window used for sweep-time performance
// checks and dashboard aggregates.
func WithAnalysisWindow(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.analysisWindow = d
		}
	}
}

// New creates an orchestrator over the given subsystems.
func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Registry == nil:
		return nil, errors.New("orchestrator: registry is required")
	case deps.Limiter == nil:
		return nil, errors.New("orchestrator: rate limiter is required")
	case deps.Queue == nil:
		return nil, errors.New("orchestrator: queue manager is required")
	case deps.Balancer == nil:
		return nil, errors.New("orchestrator: balancer is required")
	case deps.Breakers == nil:
		return nil, errors.New("orchestrator: breaker registry is required")
	case deps.Analyzer == nil:
		return nil, errors.New("orchestrator: analyzer is required")
	case deps.Alerts == nil:
		return nil, errors.New("orchestrator: alert store is required")
	case deps.Bus == nil:
		return nil, errors.New("orchestrator: event bus is required")
	}

	o := &Orchestrator{
		deps:                  deps,
		logger:                zap.NewNop(),
		tracer:                otel.Tracer("backplane/orchestrator"),
		sweepInterval:         30 * time.Second,
		failureAlertThreshold: 5,
		analysisWindow:        time.Minute,
		failureRuns:           make(map[string]int),
		now:                   time.Now,
	}

	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Execute runs an operation through the pipeline: rate limit, trace
// span, optional breaker and timeout, then the operation itself. Latency
// and outcome are recorded into the registry and the analyzer.
func (o *Orchestrator) Execute(ctx context.Context, op OpContext, operation Operation) (interface{}, error) {
	if op.Service == "" {
		return nil, errors.New("orchestrator: operation has no service")
	}
	if operation == nil {
		return nil, errors.New("orchestrator: nil operation")
	}

	res := o.deps.Limiter.TryConsume(op.Service)
	if !res.Allowed {
		if o.deps.Metrics != nil {
			o.deps.Metrics.RateLimitRejectedTotal.WithLabelValues(op.Service).Inc()
		}
		return nil, &ratelimit.RateLimitError{Service: op.Service, RetryAfter: res.RetryAfter}
	}

	ctx, span := o.tracer.Start(ctx, op.Service+"."+op.Operation,
		trace.WithAttributes(
			attribute.String("backplane.service", op.Service),
			attribute.String("backplane.operation", op.Operation),
		),
	)
	defer span.End()

	var br *breaker.Breaker
	if op.UseBreaker {
		br = o.deps.Breakers.GetOrCreate(op.Service)
		if !br.Allow() {
			span.SetStatus(codes.Error, "circuit open")
			if o.deps.Metrics != nil {
				o.deps.Metrics.RequestFailuresTotal.WithLabelValues(op.Service, op.Operation, "circuit_open").Inc()
			}
			return nil, fmt.Errorf("%s: %w", op.Service, breaker.ErrCircuitOpen)
		}
	}

	runCtx := ctx
	if op.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, op.Timeout)
		defer cancel()
	}

	start := o.now()
	o.publish(events.TypeRequestStarted, events.SeverityInfo, op, 0, nil)

	result, err := invoke(runCtx, operation)
	elapsed := o.now().Sub(start)

	o.deps.Analyzer.Record(analyzer.Metric{
		Service:   op.Service,
		Operation: op.Operation,
		Latency:   elapsed,
		Err:       err != nil,
		Timestamp: start,
	})
	if o.deps.Metrics != nil {
		o.deps.Metrics.RequestsTotal.WithLabelValues(op.Service, op.Operation).Inc()
		o.deps.Metrics.RequestDurationSeconds.WithLabelValues(op.Service, op.Operation).Observe(elapsed.Seconds())
	}

	if err != nil {
		if br != nil {
			br.RecordFailure()
		}
		o.deps.Registry.RecordRequest(op.Service, false, elapsed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if o.deps.Metrics != nil {
			o.deps.Metrics.RequestFailuresTotal.WithLabelValues(op.Service, op.Operation, "operation").Inc()
		}
		o.publish(events.TypeRequestFailed, events.SeverityWarning, op, elapsed, err)
		return nil, &OperationError{Service: op.Service, Operation: op.Operation, Err: err}
	}

	if br != nil {
		br.RecordSuccess()
	}
	o.deps.Registry.RecordRequest(op.Service, true, elapsed)
	span.SetStatus(codes.Ok, "")
	o.publish(events.TypeRequestCompleted, events.SeverityInfo, op, elapsed, nil)
	return result, nil
}

// invoke runs the operation, converting a panic into an error.
func invoke(ctx context.Context, operation Operation) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation panicked: %v", r)
		}
	}()
	return operation(ctx)
}

// Enqueue hands an operation to the service's request queue and returns
// the item id.
func (o *Orchestrator) Enqueue(service, operation string, payload interface{}, opts queue.Options) (string, error) {
	return o.deps.Queue.Enqueue(service, operation, payload, opts)
}

// EnqueueAndWait hands an operation to the queue and returns a Future
// for its completion.
func (o *Orchestrator) EnqueueAndWait(service, operation string, payload interface{}, opts queue.Options) (*queue.Future, error) {
	return o.deps.Queue.EnqueueAndWait(service, operation, payload, opts)
}

// SelectInstance picks a backend instance for the service, honoring
// session affinity when a session key is given.
func (o *Orchestrator) SelectInstance(service, sessionKey string) balancer.Selection {
	sel := o.deps.Balancer.NextInstance(service, sessionKey)
	if o.deps.Metrics != nil && sel.Instance != nil {
		stats, ok := o.deps.Balancer.Stats(service)
		strategy := "unknown"
		if ok {
			strategy = string(stats.Strategy)
		}
		o.deps.Metrics.BalancerSelectionsTotal.WithLabelValues(service, strategy).Inc()
	}
	return sel
}

// AcknowledgeAlert marks an alert acknowledged.
func (o *Orchestrator) AcknowledgeAlert(id string) bool {
	return o.deps.Alerts.Acknowledge(id)
}

// publish emits a request lifecycle event.
func (o *Orchestrator) publish(t events.Type, sev events.Severity, op OpContext, elapsed time.Duration, opErr error) {
	errMsg := ""
	if opErr != nil {
		errMsg = opErr.Error()
	}
	o.deps.Bus.Publish(events.Event{
		Type:     t,
		Service:  op.Service,
		Severity: sev,
		Data: events.RequestInfo{
			Operation: op.Operation,
			Duration:  elapsed,
			Err:       errMsg,
		},
	})
}
