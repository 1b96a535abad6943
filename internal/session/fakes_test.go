package session

import (
	"sync"
	"time"

	"github.com/chase3718/lou-looper/internal/scheduler"
)

type fakeMetronome struct {
	mu         sync.Mutex
	onTick     func(bool)
	active     bool
	starts     int
	beat       int
	tempo      int
	beats      int
	resetBeats int
}

func (f *fakeMetronome) Start(fn func(bool)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active {
		return
	}
	f.active = true
	f.starts++
	f.onTick = fn
}

func (f *fakeMetronome) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = false
}

func (f *fakeMetronome) ResetBeat() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beat = 0
	f.resetBeats++
}

func (f *fakeMetronome) Configure(tempo, beats int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tempo, f.beats = tempo, beats
}

func (f *fakeMetronome) CurrentBeat() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.beat
}

func (f *fakeMetronome) isActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// tick delivers one tick to the registered observer, as the timer chain would.
func (f *fakeMetronome) tick(overflow bool) {
	f.mu.Lock()
	fn := f.onTick
	f.mu.Unlock()
	if fn != nil {
		fn(overflow)
	}
}

type fakeActuator struct {
	mu       sync.Mutex
	triggers []int
	allLow   int
	observer func(int)
}

func (f *fakeActuator) Trigger(i int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, i)
}

func (f *fakeActuator) Press(i int) {
	f.Trigger(i)
	f.mu.Lock()
	obs := f.observer
	f.mu.Unlock()
	if obs != nil {
		obs(i)
	}
}

func (f *fakeActuator) SetAllLow() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allLow++
}

func (f *fakeActuator) SetAllMid()  {}
func (f *fakeActuator) SetAllHigh() {}

func (f *fakeActuator) SetObserver(fn func(int)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observer = fn
}

func (f *fakeActuator) plucks() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.triggers...)
}

// fakeScheduler records batches; tests fire events by hand.
type fakeScheduler struct {
	mu        sync.Mutex
	events    []scheduler.Event
	batches   int
	cancelAll int
	fail      error
}

func (f *fakeScheduler) ScheduleBatch(events []scheduler.Event) ([]*scheduler.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	f.batches++
	f.events = append(f.events, events...)
	tasks := make([]*scheduler.Task, len(events))
	for i := range tasks {
		tasks[i] = new(scheduler.Task)
	}
	return tasks, nil
}

func (f *fakeScheduler) CancelAll() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelAll++
	return len(f.events)
}

func (f *fakeScheduler) offsets() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.events))
	for i, e := range f.events {
		out[i] = e.Offset
	}
	return out
}

// fire runs event i even if it was cancelled, like a fire already in flight.
func (f *fakeScheduler) fire(i int) {
	f.mu.Lock()
	fn := f.events[i].Fn
	f.mu.Unlock()
	fn()
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
