// Package workerpool runs fetch jobs off the consumer goroutine with a fixed
// number of workers and a bounded backlog.
package workerpool

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/breeze-rmm/syncbridge/internal/logging"
)

var log = logging.L("workerpool")

var (
	// ErrStopped is returned by Submit once Shutdown has begun.
	ErrStopped = errors.New("worker pool stopped")
	// ErrFull is returned by Submit when the backlog is at capacity.
	ErrFull = errors.New("worker pool queue full")
)

// Task is a unit of work submitted to the pool.
type Task func()

type job struct {
	label string
	run   Task
}

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	Workers   int
	Queued    int
	Running   int
	Completed int64
	Rejected  int64
	Panicked  int64
}

// Pool is a fixed set of workers reading from a bounded backlog. Submit never
// blocks; a full backlog rejects the job so the caller can report it.
type Pool struct {
	workers int
	jobs    chan job
	pending sync.WaitGroup
	mu      sync.RWMutex // guards closed against a send on a closed backlog
	closed  bool

	running   atomic.Int32
	completed atomic.Int64
	rejected  atomic.Int64
	panicked  atomic.Int64
}

// New starts workers goroutines over a backlog of queueSize jobs.
func New(workers, queueSize int) *Pool {
	workers = max(workers, 1)
	queueSize = max(queueSize, 1)

	p := &Pool{workers: workers, jobs: make(chan job, queueSize)}
	for range workers {
		go p.loop()
	}
	log.Debug("worker pool started", "workers", workers, "queueSize", queueSize)
	return p
}

// Submit enqueues task under label, which names the job in logs.
func (p *Pool) Submit(label string, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrStopped
	}
	// Counted before the send so Shutdown cannot miss a job in transit.
	p.pending.Add(1)
	select {
	case p.jobs <- job{label: label, run: task}:
		return nil
	default:
		p.pending.Done()
		p.rejected.Add(1)
		log.Warn("worker pool backlog full, job rejected", "label", label, "workers", p.workers)
		return ErrFull
	}
}

// Stats reports the current backlog, running jobs and lifetime counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.workers,
		Queued:    len(p.jobs),
		Running:   int(p.running.Load()),
		Completed: p.completed.Load(),
		Rejected:  p.rejected.Load(),
		Panicked:  p.panicked.Load(),
	}
}

// Shutdown rejects further submissions and waits, bounded by ctx, for queued
// and running jobs. Jobs still queued when ctx expires run in the background
// before the workers exit. Safe to call more than once.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	idle := make(chan struct{})
	go func() {
		p.pending.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		log.Debug("worker pool drained", "completed", p.completed.Load())
	case <-ctx.Done():
		log.Warn("worker pool shutdown timed out", "running", p.running.Load(), "queued", len(p.jobs))
	}
}

func (p *Pool) loop() {
	for j := range p.jobs {
		p.exec(j)
	}
}

func (p *Pool) exec(j job) {
	p.running.Add(1)
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			log.Error("job panicked", "label", j.label, "panic", r, "stack", string(debug.Stack()))
		}
		p.running.Add(-1)
		p.completed.Add(1)
		p.pending.Done()
	}()
	j.run()
}
