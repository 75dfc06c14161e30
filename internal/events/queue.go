// Package events runs best-effort side work off the request path.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/althrussell/databricks-sql-copilot/internal/logging"
	"github.com/althrussell/databricks-sql-copilot/internal/metrics"
)

const (
	// DefaultQueueSize is the maximum number of events that can be queued.
	DefaultQueueSize = 100

	// DefaultTaskTimeout bounds each sink call.
	DefaultTaskTimeout = 10 * time.Second
)

// Kind identifies what happened.
type Kind string

const (
	KindAnalysisCompleted Kind = "analysis.completed"
	KindAnalysisFailed    Kind = "analysis.failed"
	KindCredentialRotated Kind = "credential.rotated"
)

// Event is one unit of background work.
type Event struct {
	Kind     Kind        `json:"kind"`
	Time     time.Time   `json:"time"`
	Identity string      `json:"identity,omitempty"`
	Payload  interface{} `json:"payload,omitempty"`
}

// Sink consumes events. Errors are logged and otherwise ignored.
type Sink interface {
	Name() string
	Accepts(kind Kind) bool
	Handle(ctx context.Context, event Event) error
}

// Queue is a bounded queue with one worker. Submit never blocks: when the
// queue is full the event is dropped and counted.
type Queue struct {
	sinks   []Sink
	queue   chan Event
	timeout time.Duration
	logger  *logging.Logger

	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
	done    chan struct{}

	dropped atomic.Int64
}

// NewQueue creates a queue. size <= 0 uses DefaultQueueSize.
func NewQueue(size int, logger *logging.Logger) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{
		queue:   make(chan Event, size),
		timeout: DefaultTaskTimeout,
		logger:  logger.Component("events"),
		done:    make(chan struct{}),
	}
}

// Register adds a sink. Call before Start.
func (q *Queue) Register(sink Sink) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sinks = append(q.sinks, sink)
}

// Start launches the worker.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	q.wg.Add(1)
	go q.worker(ctx)
}

// Stop drains queued events and waits for the worker to exit.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	q.mu.Unlock()

	close(q.done)
	q.wg.Wait()
}

// Submit enqueues event and reports whether it was accepted.
func (q *Queue) Submit(event Event) bool {
	q.mu.RLock()
	running := q.running
	q.mu.RUnlock()
	if !running {
		return false
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	select {
	case q.queue <- event:
		return true
	default:
		q.dropped.Add(1)
		metrics.RecordDroppedTask()
		q.logger.Warn("background queue full, dropped %s event", event.Kind)
		return false
	}
}

// Dropped returns the number of events dropped because the queue was full.
func (q *Queue) Dropped() int64 { return q.dropped.Load() }

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			q.drain()
			return
		case <-q.done:
			q.drain()
			return
		case event := <-q.queue:
			q.dispatch(ctx, event)
		}
	}
}

func (q *Queue) drain() {
	for {
		select {
		case event := <-q.queue:
			q.dispatch(context.Background(), event)
		default:
			return
		}
	}
}

func (q *Queue) dispatch(ctx context.Context, event Event) {
	q.mu.RLock()
	sinks := q.sinks
	q.mu.RUnlock()

	for _, sink := range sinks {
		if !sink.Accepts(event.Kind) {
			continue
		}
		taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.timeout)
		if err := sink.Handle(taskCtx, event); err != nil {
			q.logger.Warn("sink %s failed on %s event: %v", sink.Name(), event.Kind, err)
		}
		cancel()
	}
}
