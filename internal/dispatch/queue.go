// Package dispatch provides a serialized run-loop for per-camera control
// state. All mutations of a recording session execute on one Queue, so
// multi-step transitions (stop encoder, release, prepare next) never
// interleave with user calls or timer fires.
package dispatch

import (
	"sync"
	"time"
)

// Queue executes submitted functions one at a time, in submission order,
// on a single dedicated goroutine.
type Queue struct {
	jobs chan func()
	quit chan struct{}
	wg   sync.WaitGroup

	closeOnce sync.Once
}

// NewQueue creates a queue and starts its run loop.
func NewQueue() *Queue {
	q := &Queue{
		jobs: make(chan func(), 64),
		quit: make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.quit:
			// Drain jobs already queued so Sync callers are not left hanging.
			for {
				select {
				case fn := <-q.jobs:
					fn()
				default:
					return
				}
			}
		case fn := <-q.jobs:
			fn()
		}
	}
}

// Submit enqueues fn for execution. After Close, fn is silently dropped.
func (q *Queue) Submit(fn func()) {
	select {
	case <-q.quit:
	case q.jobs <- fn:
	}
}

// Sync enqueues fn and blocks until it has run (or the queue is closed).
// Must not be called from the queue goroutine itself.
func (q *Queue) Sync(fn func()) {
	done := make(chan struct{})
	q.Submit(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
	case <-q.quit:
		// Closed before fn ran; wait for the drain to finish it if it was
		// already queued.
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
}

// Close stops the run loop after draining queued jobs. Idempotent.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.quit)
	})
	q.wg.Wait()
}

// Timer is a single-shot timer whose body runs on the owning Queue.
// Stopping it from queue context guarantees the body never runs: the
// cancelled flag is checked on the queue goroutine right before delivery.
type Timer struct {
	mu      sync.Mutex
	stopped bool
	t       *time.Timer
}

// AfterFunc schedules fn to run on the queue after d.
func (q *Queue) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{}
	t.t = time.AfterFunc(d, func() {
		q.Submit(func() {
			t.mu.Lock()
			stopped := t.stopped
			t.mu.Unlock()
			if stopped {
				return
			}
			fn()
		})
	})
	return t
}

// Stop cancels the timer. A timer stopped before its body has run on the
// queue will never deliver, even if the underlying time.Timer already fired.
func (t *Timer) Stop() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	t.t.Stop()
}
