// Package sched serializes work onto a single goroutine and schedules
// cancelable timers whose callbacks run on that goroutine.
//
// Every registry in the server is mutated only from a Queue. Timer callbacks,
// hostname lookup completions and socket events are posted to the same Queue,
// so a Timer canceled from queued code can never fire afterwards: the
// cancellation flag is read and written on the queue goroutine only.
package sched

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrStopped is returned by Do when the queue is no longer running.
var ErrStopped = errors.New("sched: queue stopped")

// Queue runs posted functions one at a time, in the order they were posted.
type Queue struct {
	work chan func()
	done chan struct{}
	once sync.Once
}

// NewQueue creates a queue with the given backlog.
func NewQueue(backlog int) *Queue {
	if backlog < 1 {
		backlog = 1
	}
	return &Queue{
		work: make(chan func(), backlog),
		done: make(chan struct{}),
	}
}

// Run executes posted work until ctx is canceled or Stop is called.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case fn := <-q.work:
			fn()
		case <-ctx.Done():
			q.Stop()
			return
		case <-q.done:
			return
		}
	}
}

// Stop makes Run return. Work posted afterwards is discarded.
func (q *Queue) Stop() {
	q.once.Do(func() { close(q.done) })
}

// Post enqueues fn. It blocks while the backlog is full and returns false if
// the queue has been stopped.
func (q *Queue) Post(fn func()) bool {
	select {
	case <-q.done:
		return false
	default:
	}
	select {
	case q.work <- fn:
		return true
	case <-q.done:
		return false
	}
}

// Do posts fn and waits for it to finish.
func (q *Queue) Do(fn func()) error {
	finished := make(chan struct{})
	if !q.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-q.done:
		return ErrStopped
	}
}

// Scheduler creates timers whose callbacks are delivered through a Queue.
type Scheduler struct {
	clock clock.Clock
	queue *Queue
}

// NewScheduler returns a scheduler. A nil clock means wall-clock time.
func NewScheduler(q *Queue, c clock.Clock) *Scheduler {
	if c == nil {
		c = clock.New()
	}
	return &Scheduler{clock: c, queue: q}
}

// Queue returns the queue callbacks are delivered on.
func (s *Scheduler) Queue() *Queue { return s.queue }

// Now returns the scheduler's current time.
func (s *Scheduler) Now() time.Time { return s.clock.Now() }

// After runs fn on the queue once d has elapsed, unless the returned timer is
// canceled first.
func (s *Scheduler) After(d time.Duration, fn func()) *Timer {
	t := &Timer{}
	t.timer = s.clock.AfterFunc(d, func() {
		s.queue.Post(func() {
			if t.canceled {
				return
			}
			t.fired = true
			fn()
		})
	})
	return t
}

// Timer is a pending callback created by Scheduler.After.
// Its methods must be called from the queue goroutine.
type Timer struct {
	timer    *clock.Timer
	canceled bool
	fired    bool
}

// Cancel prevents the callback from running. It is safe to call on a nil
// timer and more than once.
func (t *Timer) Cancel() {
	if t == nil || t.canceled {
		return
	}
	t.canceled = true
	t.timer.Stop()
}

// Pending reports whether the callback has neither run nor been canceled.
func (t *Timer) Pending() bool {
	return t != nil && !t.canceled && !t.fired
}
