// Package scheduler runs timed actions from a single min-heap drained by one
// loop goroutine. Each Scheduler instance belongs to exactly one session.
package scheduler

import (
	"container/heap"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultCapacity bounds the number of pending tasks per scheduler.
const DefaultCapacity = 1 << 16

var (
	// ErrCapacity is returned when a batch would exceed the pending limit.
	ErrCapacity = errors.New("scheduler: capacity exceeded")
	// ErrClosed is returned by Schedule calls after Close.
	ErrClosed = errors.New("scheduler: closed")
)

// Event is one entry of a batch: fn fires Offset after the batch is scheduled.
type Event struct {
	Offset time.Duration
	Fn     func()
}

// Task is a handle on a scheduled action.
type Task struct {
	at        time.Time
	seq       uint64
	fn        func()
	index     int // heap position, -1 once popped or removed
	cancelled bool
}

// -------------------- Min-Heap --------------------

type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *taskHeap) Push(x interface{}) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// -------------------- Scheduler --------------------

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithCapacity overrides DefaultCapacity.
func WithCapacity(n int) Option {
	return func(s *Scheduler) { s.capacity = n }
}

// WithLogger sets the logger; nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock replaces time.Now for due-time computations.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithName tags log records with the owning session name.
func WithName(name string) Option {
	return func(s *Scheduler) { s.name = name }
}

// Scheduler fires actions at their due time from a single goroutine. Actions
// run outside the scheduler lock, so they may call back into the scheduler.
type Scheduler struct {
	mu       sync.Mutex
	queue    taskHeap
	seq      uint64
	capacity int
	closed   bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup

	now  func() time.Time
	log  *slog.Logger
	name string
}

// New starts a scheduler loop. Call Close when done.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		capacity: DefaultCapacity,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		now:      time.Now,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("scheduler", s.name)
	s.wg.Add(1)
	go s.run()
	return s
}

// Schedule queues fn to fire offset from now.
func (s *Scheduler) Schedule(offset time.Duration, fn func()) (*Task, error) {
	tasks, err := s.ScheduleBatch([]Event{{Offset: offset, Fn: fn}})
	if err != nil {
		return nil, err
	}
	return tasks[0], nil
}

// ScheduleBatch queues every event relative to a single base time. The batch
// is all-or-nothing: on error no task from it is pending.
func (s *Scheduler) ScheduleBatch(events []Event) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if len(s.queue)+len(events) > s.capacity {
		s.log.Error("scheduler: batch rejected", "batch", len(events), "pending", len(s.queue), "capacity", s.capacity)
		return nil, ErrCapacity
	}

	base := s.now()
	tasks := make([]*Task, 0, len(events))
	for _, ev := range events {
		s.seq++
		t := &Task{at: base.Add(ev.Offset), seq: s.seq, fn: ev.Fn}
		heap.Push(&s.queue, t)
		tasks = append(tasks, t)
	}
	s.log.Debug("scheduler: batch queued", "count", len(events), "pending", len(s.queue))
	s.signal()
	return tasks, nil
}

// Cancel removes t if it has not fired yet. It reports whether the task was
// still pending.
func (s *Scheduler) Cancel(t *Task) bool {
	if t == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t.cancelled = true
	if t.index < 0 {
		return false
	}
	heap.Remove(&s.queue, t.index)
	s.signal()
	return true
}

// CancelAll drops every pending task and returns how many were dropped.
// A task whose action is already running is not interrupted.
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.queue)
	for i, t := range s.queue {
		t.cancelled = true
		t.index = -1
		s.queue[i] = nil
	}
	s.queue = s.queue[:0]
	if n > 0 {
		s.log.Debug("scheduler: cancelled pending tasks", "count", n)
		s.signal()
	}
	return n
}

// Pending returns the number of queued tasks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close cancels everything and stops the loop. It must not be called from a
// scheduled action.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.CancelAll()
	close(s.done)
	s.wg.Wait()
}

// signal wakes the loop; callers hold s.mu.
func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// popDue removes every task due at t; callers hold s.mu.
func (s *Scheduler) popDue(t time.Time) []*Task {
	var due []*Task
	for len(s.queue) > 0 && !t.Before(s.queue[0].at) {
		task := heap.Pop(&s.queue).(*Task)
		if task.cancelled {
			continue
		}
		due = append(due, task)
	}
	return due
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		now := s.now()
		due := s.popDue(now)
		wait := time.Duration(-1)
		if len(due) == 0 && len(s.queue) > 0 {
			wait = s.queue[0].at.Sub(now)
			if wait < 0 {
				wait = 0
			}
		}
		s.mu.Unlock()

		if len(due) > 0 {
			for _, t := range due {
				t.fn()
			}
			continue
		}

		var timer *time.Timer
		var timerC <-chan time.Time
		if wait >= 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}
		select {
		case <-s.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}
