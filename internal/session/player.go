package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/chase3718/lou-looper/internal/actuator"
	"github.com/chase3718/lou-looper/internal/loopstore"
	"github.com/chase3718/lou-looper/internal/scheduler"
	"github.com/chase3718/lou-looper/internal/tabfile"
)

// Pluck is one actuation at an offset from the start of playback.
type Pluck struct {
	String int
	Offset time.Duration
}

// Player schedules a tab for actuation. Only one playback runs at a time.
type Player struct {
	mu    sync.Mutex
	store LoopReader
	act   actuator.Actuator
	sched Scheduler

	active     bool
	gen        uint64
	completion func()
	title      string

	opts options
	log  *slog.Logger
}

// NewPlayer wires a player. sched must not be shared with a Recorder.
func NewPlayer(store LoopReader, act actuator.Actuator, sched Scheduler, opts ...Option) *Player {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return &Player{
		store: store,
		act:   act,
		sched: sched,
		opts:  o,
		log:   o.log.With("component", "player"),
	}
}

// SetCompletion registers the single completion callback; re-registration
// replaces it. It runs on the scheduler goroutine.
func (p *Player) SetCompletion(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completion = fn
}

// PlayRange plays loops from..to of tab, repeat times over. Indices outside
// 1..loopCount are clamped. A tab without loops yields InvalidRangeError.
// A call while a playback is active does nothing.
func (p *Player) PlayRange(tab loopstore.TabID, from, to, repeat int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active {
		p.log.Debug("player: busy, ignoring play", "tab", tab)
		return nil
	}

	meta, err := p.store.LoadTabMeta(tab)
	if err != nil {
		return err
	}
	count := meta.LoopCount()
	if count == 0 {
		return &InvalidRangeError{From: from, To: to, LoopCount: 0}
	}
	cf, ct := clampRange(from, to, count)
	if cf != from || ct != to {
		p.log.Warn("player: range clamped", "tab", tab, "from", from, "to", to, "loops", count,
			"err", &InvalidRangeError{From: from, To: to, LoopCount: count})
	}
	if repeat < 1 {
		repeat = 1
	}

	loops := make([][]loopstore.NoteEvent, 0, ct-cf+1)
	for i := cf; i <= ct; i++ {
		events, err := p.store.LoadLoop(tab, i)
		if err != nil {
			return err
		}
		loops = append(loops, events)
	}

	plucks := ExpandRange(loops, meta.BarDuration(), repeat)
	if err := p.startLocked(plucks); err != nil {
		return err
	}
	p.title = string(tab)
	p.log.Info("player: playing", "tab", tab, "from", cf, "to", ct, "repeat", repeat, "plucks", len(plucks))
	return nil
}

// PlayExternalTab plays a parsed external tab once through.
// A call while a playback is active does nothing, whatever the tab.
func (p *Player) PlayExternalTab(t *tabfile.Tab) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active {
		p.log.Debug("player: busy, ignoring play")
		return nil
	}

	if t == nil || t.Tempo <= 0 || t.BeatTicks() == 0 {
		path := ""
		if t != nil {
			path = t.Path
		}
		return &tabfile.UnsupportedFormatError{Path: path, Reason: "tab has no playable timing"}
	}

	plucks := ExpandTab(t)
	if err := p.startLocked(plucks); err != nil {
		return err
	}
	p.title = t.Path
	p.log.Info("player: playing external tab", "path", t.Path, "measures", len(t.Measures), "plucks", len(plucks))
	return nil
}

// startLocked schedules plucks plus the completion task as one batch. On
// failure nothing is left scheduled and the player stays idle.
func (p *Player) startLocked(plucks []Pluck) error {
	p.gen++
	gen := p.gen

	var last time.Duration
	events := make([]scheduler.Event, 0, len(plucks)+1)
	for _, pl := range plucks {
		s := pl.String
		events = append(events, scheduler.Event{
			Offset: pl.Offset,
			Fn:     func() { p.fire(gen, s) },
		})
		if pl.Offset > last {
			last = pl.Offset
		}
	}
	events = append(events, scheduler.Event{
		Offset: last + p.opts.completionDelay,
		Fn:     func() { p.complete(gen) },
	})

	p.act.SetAllLow()
	if _, err := p.sched.ScheduleBatch(events); err != nil {
		p.sched.CancelAll()
		p.log.Error("player: schedule failed", "events", len(events), "err", err)
		return err
	}
	p.active = true
	return nil
}

func (p *Player) fire(gen uint64, str int) {
	p.mu.Lock()
	live := p.active && gen == p.gen
	p.mu.Unlock()
	if live {
		p.act.Trigger(str)
	}
}

func (p *Player) complete(gen uint64) {
	p.mu.Lock()
	if !p.active || gen != p.gen {
		p.mu.Unlock()
		return
	}
	p.active = false
	fn := p.completion
	title := p.title
	p.mu.Unlock()

	p.log.Info("player: finished", "tab", title)
	if fn != nil {
		fn()
	}
}

// Stop cancels the playback in progress, if any. Completion is not signalled.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	n := p.sched.CancelAll()
	if p.active {
		p.active = false
		p.log.Info("player: stopped", "tab", p.title, "cancelled", n)
	}
}

func (p *Player) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Title names what is playing or last played.
func (p *Player) Title() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.title
}

// ExpandRange lays loops end to end, repeat times. The loop at position i of
// pass r starts at (r*len(loops) + i) bars.
func ExpandRange(loops [][]loopstore.NoteEvent, bar time.Duration, repeat int) []Pluck {
	var out []Pluck
	n := len(loops)
	for r := 0; r < repeat; r++ {
		for i, events := range loops {
			for _, e := range events {
				out = append(out, Pluck{
					String: e.String,
					Offset: time.Duration((e.Onset + float64(i) + float64(r*n)) * float64(bar)),
				})
			}
		}
	}
	return out
}

// ExpandTab walks measures, voices and beats, accumulating beat durations
// into absolute offsets. Tab strings are 1-based.
func ExpandTab(t *tabfile.Tab) []Pluck {
	var out []Pluck
	measure := t.MeasureSeconds()
	for m, ms := range t.Measures {
		start := float64(m) * measure
		for _, v := range ms.Voices {
			at := start
			for _, b := range v.Beats {
				for _, n := range b.Notes {
					out = append(out, Pluck{String: n.String - 1, Offset: seconds(at)})
				}
				at += t.TickSeconds(b.DurationTicks)
			}
		}
	}
	return out
}

func clampRange(from, to, count int) (int, int) {
	from = clampInt(from, 1, count)
	to = clampInt(to, 1, count)
	if to < from {
		from, to = to, from
	}
	return from, to
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
