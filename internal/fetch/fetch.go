// Package fetch runs asynchronous requests on named channels, guaranteeing at
// most one live request per channel and delivering every completion through
// the dispatch queue.
package fetch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/breeze-rmm/syncbridge/internal/dispatch"
	"github.com/breeze-rmm/syncbridge/internal/failure"
	"github.com/breeze-rmm/syncbridge/internal/logging"
	"github.com/breeze-rmm/syncbridge/internal/workerpool"
)

var log = logging.L("fetch")

// Channel is a logical slot holding at most one outstanding request.
type Channel string

const (
	ChannelUpdateCheck    Channel = "update-check"
	ChannelUpdateDownload Channel = "update-download"
	ChannelInstall        Channel = "install"
	ChannelAuth           Channel = "auth"
	ChannelListing        Channel = "listing"
	ChannelBatch          Channel = "batch"
)

// Job performs the physical request. It runs on a worker goroutine and must
// not touch consumer-owned state; intermediate events go through h.Post.
type Job func(ctx context.Context, h *Handle) (any, error)

// Completion receives the job outcome on the consumer goroutine.
type Completion func(result any, err error)

// Handle is the live record of one request.
type Handle struct {
	id         string
	channel    Channel
	fetcher    *Fetcher
	cancelled  atomic.Bool
	cancel     context.CancelFunc
	done       chan struct{}
	onComplete Completion // guarded by fetcher.mu; nil once detached
}

// ID returns the request identifier.
func (h *Handle) ID() string { return h.id }

// Channel returns the channel the request was started on.
func (h *Handle) Channel() Channel { return h.channel }

// Cancelled reports whether the handle was superseded or cancelled.
func (h *Handle) Cancelled() bool { return h.cancelled.Load() }

// Done is closed when the job goroutine has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Post delivers fn on the consumer, but only if this handle is still the
// live one for its channel when the callback runs.
func (h *Handle) Post(target string, fn func()) {
	if h.cancelled.Load() {
		return
	}
	h.fetcher.queue.Post(target, func() {
		if h.fetcher.isLive(h) {
			fn()
		}
	})
}

func (h *Handle) abandon() {
	h.cancelled.Store(true)
	h.cancel()
}

// Options tunes a Fetcher.
type Options struct {
	// DrainTimeout bounds how long Start waits for a superseded job to exit.
	DrainTimeout time.Duration
	// JobTimeout bounds each job; zero means no fetcher-level deadline.
	JobTimeout time.Duration
}

// Fetcher owns the per-channel handles.
type Fetcher struct {
	queue *dispatch.Queue
	pool  *workerpool.Pool
	opts  Options

	mu   sync.Mutex
	live map[Channel]*Handle
}

// New creates a Fetcher delivering through q and executing on pool.
func New(q *dispatch.Queue, pool *workerpool.Pool, opts Options) *Fetcher {
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 250 * time.Millisecond
	}
	return &Fetcher{
		queue: q,
		pool:  pool,
		opts:  opts,
		live:  make(map[Channel]*Handle),
	}
}

// Queue returns the dispatch queue completions are delivered through.
func (f *Fetcher) Queue() *dispatch.Queue { return f.queue }

// PoolStats reports the worker pool behind the fetcher.
func (f *Fetcher) PoolStats() workerpool.Stats { return f.pool.Stats() }

// Start issues job on ch. A live handle on ch is cancelled, detached and
// briefly drained first, so its completion can never reach the consumer.
func (f *Fetcher) Start(ch Channel, job Job, onComplete Completion) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	if f.opts.JobTimeout > 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, f.opts.JobTimeout)
		parentCancel := cancel
		cancel = func() {
			timeoutCancel()
			parentCancel()
		}
	}

	h := &Handle{
		id:         uuid.NewString(),
		channel:    ch,
		fetcher:    f,
		cancel:     cancel,
		done:       make(chan struct{}),
		onComplete: onComplete,
	}
	reqLog := logging.WithRequest(log, string(ch), h.id)
	ctx = logging.NewContext(ctx, reqLog)

	f.mu.Lock()
	old := f.live[ch]
	if old != nil {
		old.onComplete = nil
	}
	f.live[ch] = h
	f.mu.Unlock()

	if old != nil {
		old.abandon()
		f.awaitDrain(old)
		reqLog.Debug("superseded in-flight request", "previousRequestId", old.id)
	}

	task := func() {
		defer close(h.done)
		defer cancel()

		start := time.Now()
		result, err := runJob(ctx, h, job)
		if h.cancelled.Load() {
			reqLog.Debug("request finished after cancellation, result discarded")
			return
		}
		if err != nil {
			err = failure.Normalize(string(ch), err)
			reqLog.Debug("request failed", logging.KeyError, err, logging.Duration(time.Since(start)))
		} else {
			reqLog.Debug("request completed", logging.Duration(time.Since(start)))
		}
		f.deliver(h, result, err)
	}

	if err := f.pool.Submit(string(ch)+"#"+h.id, task); err != nil {
		cancel()
		close(h.done)
		reqLog.Warn("request rejected", logging.KeyError, err)
		f.deliver(h, nil, failure.Network(string(ch), err))
	}
	return h
}

func runJob(ctx context.Context, h *Handle, job Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = failure.Internal(string(h.channel), fmt.Errorf("job panicked: %v", r))
		}
	}()
	return job(ctx, h)
}

// deliver posts the completion; liveness is re-checked on the consumer.
func (f *Fetcher) deliver(h *Handle, result any, err error) {
	f.queue.Post("fetch:"+string(h.channel), func() {
		f.mu.Lock()
		if f.live[h.channel] != h {
			f.mu.Unlock()
			log.Debug("stale completion dropped", logging.KeyChannel, string(h.channel), logging.KeyRequestID, h.id)
			return
		}
		delete(f.live, h.channel)
		done := h.onComplete
		h.onComplete = nil
		f.mu.Unlock()

		if done != nil {
			done(result, err)
		}
	})
}

func (f *Fetcher) awaitDrain(h *Handle) {
	timer := time.NewTimer(f.opts.DrainTimeout)
	defer timer.Stop()
	select {
	case <-h.done:
	case <-timer.C:
		log.Warn("superseded request still running after drain timeout",
			logging.KeyChannel, string(h.channel),
			logging.KeyRequestID, h.id,
			"timeout", f.opts.DrainTimeout,
		)
	}
}

func (f *Fetcher) isLive(h *Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[h.channel] == h
}

// Cancel abandons the live request on ch, if any. Its completion is dropped.
func (f *Fetcher) Cancel(ch Channel) bool {
	f.mu.Lock()
	h := f.live[ch]
	if h != nil {
		delete(f.live, ch)
		h.onComplete = nil
	}
	f.mu.Unlock()

	if h == nil {
		return false
	}
	h.abandon()
	log.Debug("request cancelled", logging.KeyChannel, string(ch), logging.KeyRequestID, h.id)
	return true
}

// InFlight reports whether ch has a live request.
func (f *Fetcher) InFlight(ch Channel) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[ch] != nil
}

// Close cancels every live request and drains the worker pool.
func (f *Fetcher) Close(ctx context.Context) {
	f.mu.Lock()
	handles := make([]*Handle, 0, len(f.live))
	for ch, h := range f.live {
		h.onComplete = nil
		handles = append(handles, h)
		delete(f.live, ch)
	}
	f.mu.Unlock()

	for _, h := range handles {
		h.abandon()
	}
	f.pool.Shutdown(ctx)
}
