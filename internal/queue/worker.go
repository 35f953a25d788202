package queue

import (
	"container/heap"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tradeforge/backplane/internal/events"
)

// start launches the drain loop once.
func (sq *serviceQueue) start(ctx context.Context, tick time.Duration) {
	sq.mu.Lock()
	if sq.running {
		sq.mu.Unlock()
		return
	}
	sq.running = true
	sq.mu.Unlock()

	go sq.run(ctx, tick)
}

// stop stops the drain loop and waits for it to exit.
func (sq *serviceQueue) stop() {
	sq.mu.Lock()
	if !sq.running {
		sq.mu.Unlock()
		return
	}
	sq.running = false
	sq.mu.Unlock()

	close(sq.stopCh)
	<-sq.stoppedCh
}

// signalWake nudges the drain loop without blocking. Caller holds sq.mu
// or no lock at all; the channel is buffered.
func (sq *serviceQueue) signalWake() {
	select {
	case sq.wake <- struct{}{}:
	default:
	}
}

// run is the drain loop. The ticker bounds how long an expired pending
// item can wait before being marked timed out.
func (sq *serviceQueue) run(ctx context.Context, tick time.Duration) {
	defer close(sq.stoppedCh)

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		sq.dispatch(ctx)

		select {
		case <-ctx.Done():
			return
		case <-sq.stopCh:
			return
		case <-sq.wake:
		case <-ticker.C:
		}
	}
}

// dispatch expires past-deadline pending items, then pops while capacity
// allows. Expiry runs independent of the capacity check so a saturated
// queue cannot hold a timed-out item's Future until a slot frees.
func (sq *serviceQueue) dispatch(ctx context.Context) {
	now := time.Now()

	sq.mu.Lock()

	var timedOut []*Item
	if len(sq.items) > 0 {
		live := sq.items[:0]
		for _, item := range sq.items {
			if now.After(item.Deadline) {
				if sq.expireLocked(item) {
					timedOut = append(timedOut, item)
				}
				continue
			}
			live = append(live, item)
		}
		if len(live) != len(sq.items) {
			sq.items = live
			heap.Init(&sq.items)
		}
	}

	for sq.executing < sq.config.MaxConcurrent && sq.items.Len() > 0 {
		item := heap.Pop(&sq.items).(*Item)
		sq.executing++
		item.setStatus(StatusProcessing)
		go sq.execute(ctx, item)
	}
	sq.mu.Unlock()

	for _, item := range timedOut {
		sq.publish(events.TypeRequestFailed, events.SeverityWarning, item, ErrQueueTimeout.Error(), 0)
	}
}

// expireLocked marks a pending item timed out and reports whether this
// call finished it. Caller holds sq.mu and publishes after unlock.
func (sq *serviceQueue) expireLocked(item *Item) bool {
	if item.finish(StatusTimeout, nil, fmt.Errorf("%s/%s: %w", item.Service, item.Operation, ErrQueueTimeout)) {
		sq.timedOut++
		return true
	}
	return false
}

// execute runs one item through the handler and applies the outcome.
// The handler runs without any queue lock held.
func (sq *serviceQueue) execute(ctx context.Context, item *Item) {
	opCtx, cancel := context.WithDeadline(ctx, item.Deadline)
	defer cancel()

	start := time.Now()
	result, err := sq.runHandler(opCtx, item)
	elapsed := time.Since(start)

	var publishType events.Type
	var publishSev events.Severity
	var publishErr string

	sq.mu.Lock()
	sq.executing--

	switch {
	case err == nil:
		if item.finish(StatusCompleted, result, nil) {
			sq.completed++
			publishType = events.TypeRequestCompleted
			publishSev = events.SeverityInfo
		}

	case time.Now().After(item.Deadline):
		// Deadline exceeded during execution: timeout, never retried.
		// The in-flight downstream call is fire-and-forget from here.
		if item.finish(StatusTimeout, nil, fmt.Errorf("%s/%s: %w", item.Service, item.Operation, ErrQueueTimeout)) {
			sq.timedOut++
			publishType = events.TypeRequestFailed
			publishSev = events.SeverityWarning
			publishErr = ErrQueueTimeout.Error()
		}

	case item.RetriesLeft() > 0:
		item.mu.Lock()
		item.retries--
		item.status = StatusPending
		item.mu.Unlock()
		// Re-enqueued at the same priority; the original seq keeps its
		// FIFO position within the class.
		heap.Push(&sq.items, item)
		sq.retried++
		sq.logger.Debug("requeued failed item",
			zap.String("service", sq.service),
			zap.String("operation", item.Operation),
			zap.String("id", item.ID),
			zap.Error(err),
		)

	default:
		if item.finish(StatusFailed, nil, err) {
			sq.failed++
			publishType = events.TypeRequestFailed
			publishSev = events.SeverityWarning
			publishErr = err.Error()
		}
	}
	sq.mu.Unlock()

	if publishType != "" {
		sq.publish(publishType, publishSev, item, publishErr, elapsed)
	}
	sq.signalWake()
}

// runHandler invokes the handler, converting panics to errors.
func (sq *serviceQueue) runHandler(ctx context.Context, item *Item) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	sq.mu.Lock()
	handler := sq.handler
	sq.mu.Unlock()

	return handler(ctx, item)
}

// publish emits an item lifecycle event when a bus is configured.
func (sq *serviceQueue) publish(t events.Type, sev events.Severity, item *Item, errMsg string, elapsed time.Duration) {
	if sq.bus == nil {
		return
	}
	sq.bus.Publish(events.Event{
		Type:     t,
		Service:  sq.service,
		Severity: sev,
		Data: events.RequestInfo{
			Operation: item.Operation,
			TraceID:   item.ID,
			Duration:  elapsed,
			Err:       errMsg,
		},
	})
}
