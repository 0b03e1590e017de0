package progress

import (
	"sync"

	"github.com/moonbridge/moonbridge/pkg/metrics"
	"github.com/moonbridge/moonbridge/pkg/types"
)

// Sink receives best-effort progress from tools. Emissions never block and
// never fail the main call flow.
type Sink interface {
	Emit(level, message string, fields map[string]interface{})
}

// Nop is a Sink that discards everything
type Nop struct{}

// Emit discards the update
func (Nop) Emit(level, message string, fields map[string]interface{}) {}

// Queue is the single outbound lane for one connection. Every frame passes
// through it, so a request's ack, progress, and terminal reach the wire in
// emission order. Progress frames are droppable: past capacity the oldest
// buffered progress frame is discarded so fresh progress is never stalled
// behind stale progress. Control frames (handshake, ack, result, error) are
// never dropped and do not count against capacity.
type Queue struct {
	mu       sync.Mutex
	items    []item
	progress int
	capacity int
	notify   chan struct{}
	closed   bool
}

type item struct {
	frame     *types.Frame
	droppable bool
}

// NewQueue creates a queue buffering up to capacity progress frames
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Push enqueues a control frame. Control frames are never dropped.
func (q *Queue) Push(frame *types.Frame) {
	q.push(frame, false)
}

func (q *Queue) push(frame *types.Frame, droppable bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if droppable && q.progress >= q.capacity {
		q.dropOldestProgress()
	}
	q.items = append(q.items, item{frame: frame, droppable: droppable})
	if droppable {
		q.progress++
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// dropOldestProgress removes the oldest droppable entry. Caller holds q.mu.
func (q *Queue) dropOldestProgress() {
	for i := range q.items {
		if q.items[i].droppable {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.progress--
			metrics.ProgressDropped.Inc()
			return
		}
	}
}

// Pop removes and returns the oldest frame, if any
func (q *Queue) Pop() (*types.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	it := q.items[0]
	q.items = q.items[1:]
	if it.droppable {
		q.progress--
	}
	return it.frame, true
}

// Wait returns a channel that signals when new frames may be available
func (q *Queue) Wait() <-chan struct{} {
	return q.notify
}

// Len returns the number of buffered frames
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops the queue; subsequent pushes are discarded
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.progress = 0
	q.mu.Unlock()
}

// ForRequest returns a Sink that turns updates into progress frames for one
// request and enqueues them.
func (q *Queue) ForRequest(requestID string) Sink {
	return &requestSink{queue: q, requestID: requestID}
}

type requestSink struct {
	queue     *Queue
	requestID string
}

func (s *requestSink) Emit(level, message string, fields map[string]interface{}) {
	s.queue.push(&types.Frame{
		Op:        types.OpProgress,
		RequestID: s.requestID,
		Level:     level,
		Message:   message,
		Fields:    fields,
	}, true)
}
