package queue

import (
	"container/heap"
	"sync"
	"time"
)

// Priority orders queue items. Higher values drain first.
type Priority int

const (
	// PriorityLow drains last.
	PriorityLow Priority = iota
	// PriorityNormal is the default.
	PriorityNormal
	// PriorityHigh drains before normal traffic.
	PriorityHigh
	// PriorityCritical drains first.
	PriorityCritical
)

// String returns the string representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// ParsePriority parses a priority name, defaulting to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// ItemStatus tracks an item through its lifecycle.
type ItemStatus string

const (
	// StatusPending means the item is queued.
	StatusPending ItemStatus = "pending"
	// StatusProcessing means a worker is executing the item.
	StatusProcessing ItemStatus = "processing"
	// StatusCompleted means the item finished successfully.
	StatusCompleted ItemStatus = "completed"
	// StatusFailed means the item failed with no retries remaining.
	StatusFailed ItemStatus = "failed"
	// StatusTimeout means the item exceeded its deadline.
	StatusTimeout ItemStatus = "timeout"
)

// Item is one queued unit of work.
type Item struct {
	ID        string
	Service   string
	Operation string
	Payload   interface{}
	Priority  Priority

	EnqueuedAt time.Time
	Deadline   time.Time

	// seq preserves FIFO order within a priority class; re-enqueued
	// retries keep their original seq so they resume their place.
	seq uint64

	mu      sync.Mutex
	status  ItemStatus
	retries int
	result  interface{}
	err     error
	done    chan struct{}
}

// Status returns the item's current status.
func (it *Item) Status() ItemStatus {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.status
}

// RetriesLeft returns the remaining retry budget.
func (it *Item) RetriesLeft() int {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.retries
}

// setStatus updates the item status. Terminal states are sticky.
func (it *Item) setStatus(s ItemStatus) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.terminal() {
		return
	}
	it.status = s
}

// finish records a terminal outcome exactly once.
func (it *Item) finish(status ItemStatus, result interface{}, err error) bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.terminal() {
		return false
	}
	it.status = status
	it.result = result
	it.err = err
	close(it.done)
	return true
}

// terminal reports whether the item reached a terminal state. Caller
// holds it.mu.
func (it *Item) terminal() bool {
	return it.status == StatusCompleted || it.status == StatusFailed || it.status == StatusTimeout
}

// itemHeap orders items by priority, then FIFO within a priority.
type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x interface{}) {
	*h = append(*h, x.(*Item))
}

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

var _ heap.Interface = (*itemHeap)(nil)
