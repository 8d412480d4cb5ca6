// Package dispatch marshals work from producer goroutines onto the single
// consumer goroutine that owns application state.
//
// Producers call Enqueue/Post from any goroutine. The consumer calls
// DrainAndExecute once per tick; every callback body therefore runs on the
// consumer and may touch application state without further locking.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/syncbridge/internal/logging"
)

var log = logging.L("dispatch")

// Callback is one pending invocation. It is immutable once enqueued.
type Callback struct {
	// Target names the capability being invoked, for logs.
	Target string
	Fn     func(arg any)
	Arg    any
	// EnqueuedAt is stamped by Enqueue.
	EnqueuedAt time.Time
}

// Policy selects what happens when MaxPending is reached.
type Policy int

const (
	// PolicyUnbounded never drops; callback volume is bounded by human and
	// network completion rates.
	PolicyUnbounded Policy = iota
	// PolicyDropOldest discards the oldest pending callback to admit a new one.
	PolicyDropOldest
)

// Options configures a Queue. The zero value is an unbounded queue.
type Options struct {
	MaxPending int
	Policy     Policy
}

// Queue is a goroutine-safe, single-consumer FIFO of callbacks.
type Queue struct {
	opts Options

	mu      sync.Mutex
	pending []Callback

	ready    chan struct{}
	executed atomic.Int64
	dropped  atomic.Int64
	panics   atomic.Int64
}

// New creates an unbounded queue.
func New() *Queue {
	return NewWithOptions(Options{})
}

// NewWithOptions creates a queue with an explicit overflow policy.
func NewWithOptions(opts Options) *Queue {
	if opts.Policy == PolicyDropOldest && opts.MaxPending < 1 {
		opts.MaxPending = 1
	}
	return &Queue{
		opts:  opts,
		ready: make(chan struct{}, 1),
	}
}

// Enqueue appends cb. It never blocks beyond a short critical section.
func (q *Queue) Enqueue(cb Callback) {
	if cb.Fn == nil {
		return
	}
	cb.EnqueuedAt = time.Now()

	q.mu.Lock()
	if q.opts.Policy == PolicyDropOldest && len(q.pending) >= q.opts.MaxPending {
		dropped := q.pending[0]
		q.pending = q.pending[1:]
		q.dropped.Add(1)
		log.Warn("callback queue full, dropping oldest", "target", dropped.Target, "maxPending", q.opts.MaxPending)
	}
	q.pending = append(q.pending, cb)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Post enqueues a closure with no argument.
func (q *Queue) Post(target string, fn func()) {
	if fn == nil {
		return
	}
	q.Enqueue(Callback{Target: target, Fn: func(any) { fn() }})
}

// DrainAndExecute swaps out everything pending and runs it in FIFO order on
// the calling goroutine. Callbacks enqueued while draining wait for the next
// tick. A panicking callback is logged and does not stop the drain.
func (q *Queue) DrainAndExecute() int {
	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, cb := range batch {
		q.execute(cb)
	}
	q.executed.Add(int64(len(batch)))
	return len(batch)
}

func (q *Queue) execute(cb Callback) {
	defer func() {
		if r := recover(); r != nil {
			q.panics.Add(1)
			log.Error("callback panicked",
				"target", cb.Target,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	cb.Fn(cb.Arg)
}

// Ready fires (coalesced) whenever a callback is enqueued.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Len returns the number of pending callbacks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Executed returns the total number of callbacks run.
func (q *Queue) Executed() int64 { return q.executed.Load() }

// Dropped returns how many callbacks PolicyDropOldest discarded.
func (q *Queue) Dropped() int64 { return q.dropped.Load() }

// Panics returns how many callbacks panicked.
func (q *Queue) Panics() int64 { return q.panics.Load() }

// Run is a consumer loop: it drains on every interval tick and as soon as
// work arrives, until ctx is done. The goroutine calling Run becomes the
// consumer.
func (q *Queue) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-q.ready:
		}
		q.DrainAndExecute()
	}
}

// RunUntil drains like Run but stops once done reports true after a drain.
// Used by one-shot commands that wait for a workflow to settle.
func (q *Queue) RunUntil(ctx context.Context, interval time.Duration, done func() bool) error {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		q.DrainAndExecute()
		if done() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-q.ready:
		}
	}
}
