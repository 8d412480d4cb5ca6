// Package trigger starts workflows from outside the consumer: a periodic
// schedule and push notifications. Triggers never call a workflow directly;
// they post onto the callback queue so the workflow runs on the consumer.
package trigger

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/syncbridge/internal/dispatch"
	"github.com/breeze-rmm/syncbridge/internal/logging"
	"github.com/breeze-rmm/syncbridge/internal/websocket"
)

var log = logging.L("trigger")

// Scheduler posts fn to the queue every interval, after a random initial
// delay of up to one interval.
type Scheduler struct {
	queue    *dispatch.Queue
	target   string
	interval time.Duration
	fn       func()

	stopChan chan struct{}
	stopOnce sync.Once
	fired    atomic.Int64
	jitter   func(time.Duration) time.Duration
}

func NewScheduler(q *dispatch.Queue, target string, interval time.Duration, fn func()) *Scheduler {
	return &Scheduler{
		queue:    q,
		target:   target,
		interval: interval,
		fn:       fn,
		stopChan: make(chan struct{}),
		jitter: func(d time.Duration) time.Duration {
			return time.Duration(rand.Int64N(int64(d)))
		},
	}
}

// Start blocks until Stop. A non-positive interval disables the schedule.
func (s *Scheduler) Start() {
	if s.interval <= 0 {
		log.Info("schedule disabled", "target", s.target)
		return
	}

	delay := s.jitter(s.interval)
	log.Info("schedule started", "target", s.target, "interval", s.interval, "firstIn", delay)
	select {
	case <-time.After(delay):
	case <-s.stopChan:
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.fire()
	for {
		select {
		case <-ticker.C:
			s.fire()
		case <-s.stopChan:
			return
		}
	}
}

func (s *Scheduler) fire() {
	s.fired.Add(1)
	s.queue.Post(s.target, s.fn)
}

// Fired returns how many times the schedule has posted.
func (s *Scheduler) Fired() int64 { return s.fired.Load() }

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

// PushHandler routes push notifications onto the queue. onUpdate receives
// update_available messages and onAssets receives assets_changed; other
// types are reported as unhandled.
func PushHandler(q *dispatch.Queue, onUpdate, onAssets func()) websocket.Handler {
	return func(n websocket.Notification) bool {
		switch n.Type {
		case websocket.TypeUpdateAvailable:
			if onUpdate == nil {
				return false
			}
			q.Post("push:"+n.Type, onUpdate)
		case websocket.TypeAssetsChanged:
			if onAssets == nil {
				return false
			}
			q.Post("push:"+n.Type, onAssets)
		default:
			log.Debug("ignoring notification", "type", n.Type, "id", n.ID)
			return false
		}
		return true
	}
}
