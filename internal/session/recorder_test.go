package session

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chase3718/lou-looper/internal/loopstore"
)

type recorderRig struct {
	rec   *Recorder
	met   *fakeMetronome
	act   *fakeActuator
	sched *fakeScheduler
	clock *fakeClock
	store *loopstore.Store
	tab   loopstore.TabID
}

func newRecorderRig(t *testing.T, tempo, beats int) *recorderRig {
	t.Helper()
	rig := &recorderRig{
		met:   &fakeMetronome{},
		act:   &fakeActuator{},
		sched: &fakeScheduler{},
		clock: newFakeClock(),
		store: loopstore.New(t.TempDir(), "", nil),
	}
	tab, err := rig.store.CreateTab(tempo, beats)
	if err != nil {
		t.Fatal(err)
	}
	rig.tab = tab
	rig.rec = NewRecorder(rig.met, rig.act, rig.store, rig.sched, WithClock(rig.clock.now))
	if err := rig.rec.Focus(tab); err != nil {
		t.Fatalf("focus: %v", err)
	}
	return rig
}

// toRecording walks Idle -> MetronomeOn -> Armed -> Recording.
func (rig *recorderRig) toRecording(t *testing.T) {
	t.Helper()
	if err := rig.rec.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	rig.rec.Arm()
	rig.met.tick(false)
	if got := rig.rec.State(); got != Armed {
		t.Fatalf("state after count-in tick = %v, want armed", got)
	}
	rig.met.tick(true)
	if got := rig.rec.State(); got != Recording {
		t.Fatalf("state after overflow = %v, want recording", got)
	}
}

func TestRecorderFocusConfiguresMetronome(t *testing.T) {
	rig := newRecorderRig(t, 90, 3)
	if rig.met.tempo != 90 || rig.met.beats != 3 {
		t.Fatalf("metronome configured %d/%d, want 90/3", rig.met.tempo, rig.met.beats)
	}
	if rig.act.observer == nil {
		t.Fatalf("focus did not register the press observer")
	}
	rig.rec.Blur()
	if rig.act.observer != nil {
		t.Fatalf("blur left the press observer registered")
	}
}

func TestRecorderStartWithoutTab(t *testing.T) {
	rec := NewRecorder(&fakeMetronome{}, &fakeActuator{}, loopstore.New(t.TempDir(), "", nil), &fakeScheduler{})
	if err := rec.Start(); !errors.Is(err, ErrNoTab) {
		t.Fatalf("Start() = %v, want ErrNoTab", err)
	}
}

func TestRecorderScenarioPersistsLoop(t *testing.T) {
	rig := newRecorderRig(t, 120, 4)
	rig.toRecording(t)

	rig.act.Press(0)
	rig.clock.advance(time.Second)
	rig.act.Press(4)
	rig.met.tick(false)
	rig.met.tick(true)

	if got := rig.rec.State(); got != Saving {
		t.Fatalf("state = %v, want saving", got)
	}
	if rig.met.isActive() {
		t.Fatalf("metronome still running in saving")
	}
	staged := rig.rec.Staged()
	if len(staged) != 2 || staged[0] != (loopstore.RawEvent{String: 0, Seconds: 0}) || staged[1] != (loopstore.RawEvent{String: 4, Seconds: 1}) {
		t.Fatalf("staged = %v", staged)
	}

	// preview: the bar four times at raw timing
	offsets := rig.sched.offsets()
	if len(offsets) != 8 {
		t.Fatalf("preview scheduled %d events, want 8", len(offsets))
	}
	if offsets[1] != time.Second || offsets[2] != 2*time.Second || offsets[7] != 7*time.Second {
		t.Fatalf("preview offsets = %v", offsets)
	}
	rig.sched.fire(0)
	if got := rig.act.plucks(); len(got) != 3 || got[2] != 0 {
		t.Fatalf("preview fire plucked %v", got)
	}

	if err := rig.rec.Confirm(); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if rig.rec.State() != Idle || rig.rec.LoopCount() != 1 {
		t.Fatalf("after confirm state=%v loops=%d", rig.rec.State(), rig.rec.LoopCount())
	}
	if rig.sched.cancelAll == 0 {
		t.Fatalf("confirm did not cancel the preview")
	}
	data, err := os.ReadFile(filepath.Join(rig.store.TabPath(rig.tab), "Loop_1"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "0,0.0\n4,0.5\n" {
		t.Fatalf("Loop_1 = %q, want %q", data, "0,0.0\n4,0.5\n")
	}

	// an in-flight preview fire after confirm is a no-op
	before := len(rig.act.plucks())
	rig.sched.fire(3)
	if len(rig.act.plucks()) != before {
		t.Fatalf("stale preview fire plucked a string")
	}
}

func TestRecorderQuantizesAgainstBar(t *testing.T) {
	rig := newRecorderRig(t, 60, 4)
	rig.toRecording(t)
	rig.clock.advance(time.Second)
	rig.act.Press(2)
	rig.met.tick(true)
	if err := rig.rec.Confirm(); err != nil {
		t.Fatal(err)
	}
	loop, err := rig.store.LoadLoop(rig.tab, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(loop) != 1 || loop[0].String != 2 || math.Abs(loop[0].Onset-0.25) > 1e-9 {
		t.Fatalf("loop = %v, want [{2 0.25}]", loop)
	}
}

func TestRecorderPreRollSnapsToZero(t *testing.T) {
	rig := newRecorderRig(t, 120, 4)
	if err := rig.rec.Start(); err != nil {
		t.Fatal(err)
	}
	rig.rec.Arm()
	rig.act.Press(3)
	rig.met.tick(true)
	rig.clock.advance(500 * time.Millisecond)
	rig.act.Press(1)
	rig.met.tick(true)

	want := []loopstore.RawEvent{{String: 3, Seconds: 0}, {String: 1, Seconds: 0.5}}
	got := rig.rec.Staged()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("staged = %v, want %v", got, want)
	}
}

func TestRecorderPressesOutsideCaptureIgnored(t *testing.T) {
	rig := newRecorderRig(t, 120, 4)
	rig.act.Press(1)
	if err := rig.rec.Start(); err != nil {
		t.Fatal(err)
	}
	rig.act.Press(2) // metronome on, not armed
	rig.rec.Arm()
	rig.met.tick(true)
	rig.met.tick(true)
	if got := rig.rec.Staged(); len(got) != 0 {
		t.Fatalf("staged = %v, want empty", got)
	}
	if got := rig.sched.offsets(); len(got) != 0 {
		t.Fatalf("empty bar scheduled a preview: %v", got)
	}
}

func TestStageStableByTime(t *testing.T) {
	var pre [loopstore.NumStrings]bool
	var pending [loopstore.NumStrings][]float64
	pre[3] = true
	pending[0] = []float64{0.5}
	pending[1] = []float64{0}
	pending[3] = []float64{0.25}

	got := Stage(pre, pending)
	want := []loopstore.RawEvent{{String: 1, Seconds: 0}, {String: 3, Seconds: 0}, {String: 3, Seconds: 0.25}, {String: 0, Seconds: 0.5}}
	if len(got) != len(want) {
		t.Fatalf("Stage = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Stage = %v, want %v", got, want)
		}
	}
}

func TestRecorderDiscard(t *testing.T) {
	rig := newRecorderRig(t, 120, 4)
	rig.toRecording(t)
	rig.act.Press(5)
	rig.met.tick(true)
	pressed := len(rig.act.plucks())

	rig.rec.Discard()
	if rig.rec.State() != Idle || rig.rec.Staged() != nil {
		t.Fatalf("after discard state=%v staged=%v", rig.rec.State(), rig.rec.Staged())
	}
	if rig.sched.cancelAll == 0 {
		t.Fatalf("discard did not cancel the preview")
	}
	rig.sched.fire(0)
	if len(rig.act.plucks()) != pressed {
		t.Fatalf("preview fired after discard")
	}
	meta, err := rig.store.LoadTabMeta(rig.tab)
	if err != nil {
		t.Fatal(err)
	}
	if meta.LoopCount() != 0 {
		t.Fatalf("discard persisted %d loops", meta.LoopCount())
	}
}

func TestRecorderCancelIgnoresStaleTicks(t *testing.T) {
	rig := newRecorderRig(t, 120, 4)
	if err := rig.rec.Start(); err != nil {
		t.Fatal(err)
	}
	stale := rig.met.onTick
	rig.rec.Arm()
	rig.rec.Cancel()
	if rig.rec.State() != Idle || rig.met.isActive() {
		t.Fatalf("cancel left state=%v metronome=%v", rig.rec.State(), rig.met.isActive())
	}

	if err := rig.rec.Start(); err != nil {
		t.Fatal(err)
	}
	rig.rec.Arm()
	stale(true)
	if got := rig.rec.State(); got != Armed {
		t.Fatalf("stale tick moved state to %v", got)
	}
}

type failingWriter struct {
	*loopstore.Store
}

func (failingWriter) SaveLoop(loopstore.TabID, []loopstore.RawEvent) (int, error) {
	return 0, &loopstore.StorageError{Op: "write", Path: "Loop_1", Err: os.ErrPermission}
}

func TestRecorderConfirmStorageError(t *testing.T) {
	rig := newRecorderRig(t, 120, 4)
	rec := NewRecorder(rig.met, rig.act, failingWriter{rig.store}, rig.sched, WithClock(rig.clock.now))
	if err := rec.Focus(rig.tab); err != nil {
		t.Fatal(err)
	}
	if err := rec.Start(); err != nil {
		t.Fatal(err)
	}
	rec.Arm()
	rig.met.tick(true)
	rig.act.Press(0)
	rig.met.tick(true)

	err := rec.Confirm()
	var se *loopstore.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("Confirm() = %v, want StorageError", err)
	}
	if rec.State() != Idle {
		t.Fatalf("state after failed save = %v, want idle", rec.State())
	}
}

func TestRecorderOnChange(t *testing.T) {
	rig := newRecorderRig(t, 120, 4)
	var seen []State
	rig.rec.SetOnChange(func(s State) { seen = append(seen, s) })
	rig.toRecording(t)
	if len(seen) == 0 || seen[len(seen)-1] != Recording {
		t.Fatalf("observed states %v", seen)
	}
}

func TestRecorderFocusRejectsUncountableTab(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "tab_9")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, loopstore.MetaFile), []byte("Tempo,480\nBeats,40\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	met := &fakeMetronome{}
	rec := NewRecorder(met, &fakeActuator{}, loopstore.New(root, "", nil), &fakeScheduler{})
	if err := rec.Focus("tab_9"); !errors.Is(err, loopstore.ErrSettings) {
		t.Fatalf("Focus() = %v, want ErrSettings", err)
	}
	if met.tempo != 0 || rec.Tab() != "" {
		t.Fatalf("rejected tab configured the metronome (%d) or stuck (%q)", met.tempo, rec.Tab())
	}
}

func TestRecorderReportsPreviewFailure(t *testing.T) {
	rig := newRecorderRig(t, 120, 4)
	var seen []State
	rig.rec.SetOnChange(func(s State) { seen = append(seen, s) })
	rig.toRecording(t)
	rig.act.Press(1)
	rig.sched.fail = errors.New("no room")
	rig.met.tick(true)

	if rig.rec.State() != Saving {
		t.Fatalf("state = %v, want saving", rig.rec.State())
	}
	if err := rig.rec.PreviewErr(); err == nil {
		t.Fatalf("preview failure not reported")
	}
	if seen[len(seen)-1] != Saving {
		t.Fatalf("observer did not see saving: %v", seen)
	}
	rig.rec.Discard()
	if err := rig.rec.PreviewErr(); err != nil {
		t.Fatalf("preview error survived discard: %v", err)
	}
}
