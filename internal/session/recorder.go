package session

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chase3718/lou-looper/internal/loopstore"
	"github.com/chase3718/lou-looper/internal/scheduler"
)

// State is the Recorder's position in the record cycle.
type State int

const (
	Idle State = iota
	MetronomeOn
	Armed
	Recording
	Saving
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case MetronomeOn:
		return "metronome"
	case Armed:
		return "armed"
	case Recording:
		return "recording"
	case Saving:
		return "saving"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Recorder records one bar of string presses per cycle:
//
//	Idle -> MetronomeOn -> Armed -> Recording -> Saving -> Idle
//
// Presses during Armed are pre-roll and land on onset 0. The bar starts on
// the first overflow tick after Arm and ends on the next one.
type Recorder struct {
	mu    sync.Mutex
	met   Metronome
	act   TapActuator
	store LoopWriter
	sched Scheduler

	tab      loopstore.TabID
	meta     loopstore.Meta
	state    State
	pending  [loopstore.NumStrings][]float64
	preRoll  [loopstore.NumStrings]bool
	barStart time.Time
	staged   []loopstore.RawEvent
	preview  error // set when the staged loop could not be auditioned
	gen      uint64 // bumped on every return to Idle; stale ticks and preview fires check it

	onChange func(State)

	opts options
	log  *slog.Logger
}

// NewRecorder wires a recorder. sched must not be shared with a Player.
func NewRecorder(met Metronome, act TapActuator, store LoopWriter, sched Scheduler, opts ...Option) *Recorder {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return &Recorder{
		met:   met,
		act:   act,
		store: store,
		sched: sched,
		opts:  o,
		log:   o.log.With("component", "recorder"),
	}
}

// SetOnChange registers the single display observer; re-registration
// replaces it.
func (r *Recorder) SetOnChange(fn func(State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// Focus loads tab's settings into the metronome and taps the actuator's
// button presses. Any cycle in progress is abandoned.
func (r *Recorder) Focus(tab loopstore.TabID) error {
	meta, err := r.store.LoadTabMeta(tab)
	if err != nil {
		return err
	}
	if err := loopstore.ValidSettings(meta.Tempo, meta.BeatsPerLoop); err != nil {
		return fmt.Errorf("recorder: %s: %w", tab, err)
	}

	r.mu.Lock()
	if r.state != Idle {
		r.resetLocked("refocus")
	}
	r.tab = tab
	r.meta = meta
	r.met.Configure(meta.Tempo, meta.BeatsPerLoop)
	r.mu.Unlock()

	r.act.SetObserver(r.capture)
	r.log.Info("recorder: focused", "tab", tab, "tempo", meta.Tempo, "beats", meta.BeatsPerLoop, "loops", meta.LoopCount())
	r.notify()
	return nil
}

// Blur abandons any cycle and stops tapping button presses.
func (r *Recorder) Blur() {
	r.mu.Lock()
	if r.state != Idle {
		r.resetLocked("blur")
	}
	r.mu.Unlock()
	r.act.SetObserver(nil)
}

// Start turns the metronome on. It is a no-op outside Idle.
func (r *Recorder) Start() error {
	r.mu.Lock()
	if r.tab == "" {
		r.mu.Unlock()
		return ErrNoTab
	}
	if r.state != Idle {
		r.mu.Unlock()
		return nil
	}
	r.state = MetronomeOn
	gen, tab := r.gen, r.tab
	r.met.Start(func(overflow bool) { r.onTick(gen, overflow) })
	r.mu.Unlock()

	r.log.Info("recorder: metronome on", "tab", tab)
	r.notify()
	return nil
}

// Arm waits for the next bar line. The following bar is a count-in.
func (r *Recorder) Arm() {
	r.mu.Lock()
	if r.state != MetronomeOn {
		r.mu.Unlock()
		return
	}
	r.met.ResetBeat()
	r.clearLocked()
	r.state = Armed
	r.mu.Unlock()

	r.log.Info("recorder: armed")
	r.notify()
}

// Cancel stops the metronome and drops anything captured so far. Saving is
// left to Confirm or Discard.
func (r *Recorder) Cancel() {
	r.mu.Lock()
	switch r.state {
	case MetronomeOn, Armed, Recording:
		r.resetLocked("cancel")
	default:
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.notify()
}

// Confirm persists the staged loop. On a storage failure the staged loop is
// dropped, the recorder returns to Idle and the error is returned.
func (r *Recorder) Confirm() error {
	r.mu.Lock()
	if r.state != Saving {
		r.mu.Unlock()
		return nil
	}
	staged := r.staged
	tab := r.tab
	r.resetLocked("confirm")

	n, err := r.store.SaveLoop(tab, staged)
	if err != nil {
		r.mu.Unlock()
		r.log.Error("recorder: save failed", "tab", tab, "err", err)
		r.notify()
		return err
	}
	if meta, err := r.store.LoadTabMeta(tab); err == nil {
		r.meta = meta
	} else {
		r.log.Warn("recorder: reload meta", "tab", tab, "err", err)
	}
	r.mu.Unlock()

	r.log.Info("recorder: loop saved", "tab", tab, "loop", n, "events", len(staged))
	r.notify()
	return nil
}

// Discard drops the staged loop without saving.
func (r *Recorder) Discard() {
	r.mu.Lock()
	if r.state != Saving {
		r.mu.Unlock()
		return
	}
	r.resetLocked("discard")
	r.mu.Unlock()
	r.notify()
}

// resetLocked returns to Idle: metronome off, preview cancelled, captures
// cleared. Stale ticks and preview fires become no-ops.
func (r *Recorder) resetLocked(reason string) {
	r.gen++
	r.met.Stop()
	if n := r.sched.CancelAll(); n > 0 {
		r.log.Debug("recorder: preview cancelled", "tasks", n)
	}
	r.clearLocked()
	r.staged = nil
	r.preview = nil
	r.state = Idle
	r.log.Info("recorder: idle", "reason", reason)
}

func (r *Recorder) clearLocked() {
	for i := range r.pending {
		r.pending[i] = nil
		r.preRoll[i] = false
	}
}

// capture is the actuator tap for button presses.
func (r *Recorder) capture(str int) {
	if str < 0 || str >= loopstore.NumStrings {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case Armed:
		r.preRoll[str] = true
		r.log.Debug("recorder: pre-roll", "string", str)
	case Recording:
		t := r.opts.now().Sub(r.barStart).Seconds()
		r.pending[str] = append(r.pending[str], t)
		r.log.Debug("recorder: capture", "string", str, "t", t)
	}
}

func (r *Recorder) onTick(gen uint64, overflow bool) {
	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return
	}
	if overflow {
		switch r.state {
		case Armed:
			r.state = Recording
			r.barStart = r.opts.now()
			r.log.Info("recorder: recording")
		case Recording:
			r.staged = Stage(r.preRoll, r.pending)
			r.state = Saving
			r.met.Stop()
			r.logSummaryLocked()
			r.previewLocked()
		}
	}
	r.mu.Unlock()
	r.notify()
}

// previewLocked schedules the staged loop repeatedly at its captured timing.
// A scheduling failure leaves the recorder in Saving without a preview and is
// reported by PreviewErr.
func (r *Recorder) previewLocked() {
	bar := r.meta.BarDuration()
	gen := r.gen
	events := make([]scheduler.Event, 0, len(r.staged)*r.opts.previewRepeats)
	for i := 0; i < r.opts.previewRepeats; i++ {
		for _, e := range r.staged {
			s := e.String
			events = append(events, scheduler.Event{
				Offset: seconds(e.Seconds) + time.Duration(i)*bar,
				Fn:     func() { r.previewFire(gen, s) },
			})
		}
	}
	if len(events) == 0 {
		return
	}
	if _, err := r.sched.ScheduleBatch(events); err != nil {
		r.preview = fmt.Errorf("recorder: preview: %w", err)
		r.log.Error("recorder: preview not scheduled", "events", len(events), "err", err)
	}
}

func (r *Recorder) previewFire(gen uint64, str int) {
	r.mu.Lock()
	live := gen == r.gen && r.state == Saving
	r.mu.Unlock()
	if live {
		r.act.Trigger(str)
	}
}

func (r *Recorder) logSummaryLocked() {
	var b strings.Builder
	for i := 0; i < loopstore.NumStrings; i++ {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%d:%d", i, len(r.pending[i]))
		if r.preRoll[i] {
			b.WriteByte('+')
		}
	}
	r.log.Info("recorder: loop staged", "tab", r.tab, "events", len(r.staged), "per_string", b.String())
}

func (r *Recorder) notify() {
	r.mu.Lock()
	fn, st := r.onChange, r.state
	r.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

// Stage builds the loop from a bar's captures: per string, a pre-roll press
// at 0 followed by its timestamps in capture order, then a stable sort by
// time so equal times keep ascending string order.
func Stage(preRoll [loopstore.NumStrings]bool, pending [loopstore.NumStrings][]float64) []loopstore.RawEvent {
	var out []loopstore.RawEvent
	for s := 0; s < loopstore.NumStrings; s++ {
		if preRoll[s] {
			out = append(out, loopstore.RawEvent{String: s, Seconds: 0})
		}
		for _, t := range pending[s] {
			out = append(out, loopstore.RawEvent{String: s, Seconds: t})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seconds < out[j].Seconds })
	return out
}

// -------------------- Accessors --------------------

func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Recorder) CurrentBeat() int { return r.met.CurrentBeat() }

func (r *Recorder) Tab() loopstore.TabID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tab
}

func (r *Recorder) Meta() loopstore.Meta {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.meta
}

func (r *Recorder) LoopCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.meta.LoopCount()
}

// Staged returns a copy of the loop awaiting Confirm or Discard.
func (r *Recorder) Staged() []loopstore.RawEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]loopstore.RawEvent(nil), r.staged...)
}

// PreviewErr is the error that kept the staged loop from being auditioned,
// or nil. It clears on every return to Idle.
func (r *Recorder) PreviewErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.preview
}
