// Package queue serializes all browser access. Requests enter an unbounded
// FIFO and a single worker drains it, holding the processing lock for the
// whole lifetime of each request. The page is a singleton resource; nothing
// in this module touches it outside the worker.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/interfaces"
)

// Request is one queued chat completion.
type Request struct {
	ID     string
	Model  string
	Stream bool

	// Messages is the raw OpenAI messages array, Tools the raw tools array
	// (Exists() false when absent).
	Messages gjson.Result
	Tools    gjson.Result
	Params   interfaces.Params

	// OnDelta relays live text and reasoning deltas to the client while the
	// worker owns the request. nil for non-streaming requests.
	OnDelta func(interfaces.StreamEvent) error

	EnqueueSeq uint64
	EnqueuedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	result chan Outcome
	once   sync.Once
}

// Outcome is delivered exactly once per request.
type Outcome struct {
	Response *interfaces.InternalResponse
	// StreamedTail is final text the client has not seen as deltas yet; the
	// streaming handler flushes it before the finish chunk.
	StreamedTail string
	Err          *interfaces.ProxyError
}

// NewRequest builds a request bound to the client's context.
func NewRequest(parent context.Context, model string, stream bool, messages, tools gjson.Result, params interfaces.Params) *Request {
	ctx, cancel := context.WithCancel(parent)
	return &Request{
		ID:       "req_" + uuid.NewString(),
		Model:    model,
		Stream:   stream,
		Messages: messages,
		Tools:    tools,
		Params:   params,
		ctx:      ctx,
		cancel:   cancel,
		result:   make(chan Outcome, 1),
	}
}

// Ctx is the request's cancellation context.
func (r *Request) Ctx() context.Context {
	return r.ctx
}

// Cancel aborts the request whether queued or in flight.
func (r *Request) Cancel() {
	r.cancel()
}

// Result yields the outcome; the channel is buffered so the worker never
// blocks on delivery.
func (r *Request) Result() <-chan Outcome {
	return r.result
}

func (r *Request) deliver(outcome Outcome) {
	r.once.Do(func() {
		r.result <- outcome
		r.cancel()
	})
}

// Entry is one row of the queue snapshot exposed on the API.
type Entry struct {
	ID         string    `json:"req_id"`
	Model      string    `json:"model"`
	Position   int       `json:"position"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Queue is the unbounded FIFO plus the registry of live requests.
type Queue struct {
	mu      sync.Mutex
	items   []*Request
	live    map[string]*Request
	seq     uint64
	closed  bool
	wakeups chan struct{}
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{
		live:    make(map[string]*Request),
		wakeups: make(chan struct{}, 1),
	}
}

// Enqueue appends the request in arrival order.
func (q *Queue) Enqueue(req *Request) *interfaces.ProxyError {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return interfaces.NewError(interfaces.KindInternal, "queue_closed", "server is shutting down")
	}
	q.seq++
	req.EnqueueSeq = q.seq
	req.EnqueuedAt = time.Now()
	q.items = append(q.items, req)
	q.live[req.ID] = req
	q.mu.Unlock()

	select {
	case q.wakeups <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue blocks until a request is available or ctx ends. Requests already
// cancelled while queued are skipped and answered directly.
func (q *Queue) Dequeue(ctx context.Context) (*Request, bool) {
	for {
		q.mu.Lock()
		for len(q.items) > 0 {
			req := q.items[0]
			q.items = q.items[1:]
			if req.ctx.Err() != nil {
				req.deliver(Outcome{Err: interfaces.NewError(interfaces.KindClientClosed,
					"client_closed_request", "request cancelled while queued")})
				delete(q.live, req.ID)
				continue
			}
			q.mu.Unlock()
			return req, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}

		select {
		case <-ctx.Done():
			return nil, false
		case <-q.wakeups:
		}
	}
}

// Finish removes a completed request from the registry and delivers its
// outcome.
func (q *Queue) Finish(req *Request, outcome Outcome) {
	req.deliver(outcome)
	q.mu.Lock()
	delete(q.live, req.ID)
	q.mu.Unlock()
}

// Cancel aborts the request with the given id, queued or in flight. Returns
// false when the id is unknown.
func (q *Queue) Cancel(reqID string) bool {
	q.mu.Lock()
	req, ok := q.live[reqID]
	q.mu.Unlock()
	if !ok {
		return false
	}
	req.Cancel()
	return true
}

// Len reports how many requests are waiting, not counting the in-flight one.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot lists the waiting requests in dequeue order.
func (q *Queue) Snapshot() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := make([]Entry, 0, len(q.items))
	for i, req := range q.items {
		entries = append(entries, Entry{
			ID:         req.ID,
			Model:      req.Model,
			Position:   i + 1,
			EnqueuedAt: req.EnqueuedAt,
		})
	}
	return entries
}

// Close rejects future enqueues and wakes the worker so it can drain out.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.wakeups <- struct{}{}:
	default:
	}
}

// Drain answers every waiting request with err. Used when the pool enters
// emergency mode.
func (q *Queue) Drain(err *interfaces.ProxyError) int {
	q.mu.Lock()
	items := q.items
	q.items = nil
	for _, req := range items {
		delete(q.live, req.ID)
	}
	q.mu.Unlock()

	for _, req := range items {
		req.deliver(Outcome{Err: err})
	}
	return len(items)
}
