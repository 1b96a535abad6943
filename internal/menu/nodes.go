package menu

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chase3718/lou-looper/internal/actuator"
	"github.com/chase3718/lou-looper/internal/loopstore"
	"github.com/chase3718/lou-looper/internal/metronome"
	"github.com/chase3718/lou-looper/internal/session"
	"github.com/chase3718/lou-looper/internal/tabfile"
)

// -------------------- Recorder --------------------

// RecorderNode maps the four keys onto a Recorder bound to one tab.
type RecorderNode struct {
	rec    *session.Recorder
	tab    loopstore.TabID
	redraw *Redraw
}

func NewRecorderNode(rec *session.Recorder, tab loopstore.TabID, redraw *Redraw) *RecorderNode {
	return &RecorderNode{rec: rec, tab: tab, redraw: redraw}
}

func (n *RecorderNode) Title() string { return "Recorder" }

// Focus binds the recorder to the tab; its state changes, including those
// driven by metronome ticks, request a redraw.
func (n *RecorderNode) Focus() error {
	n.rec.SetOnChange(func(session.State) { n.redraw.Notify() })
	if err := n.rec.Focus(n.tab); err != nil {
		n.rec.SetOnChange(nil)
		return err
	}
	return nil
}

func (n *RecorderNode) Blur() {
	n.rec.Blur()
	n.rec.SetOnChange(nil)
}

func (n *RecorderNode) Next()     {}
func (n *RecorderNode) Previous() {}

func (n *RecorderNode) Execute() (Node, error) {
	switch n.rec.State() {
	case session.Idle:
		return nil, n.rec.Start()
	case session.MetronomeOn:
		n.rec.Arm()
	case session.Saving:
		return nil, n.rec.Confirm()
	}
	return nil, nil
}

func (n *RecorderNode) Cancel() bool {
	switch n.rec.State() {
	case session.Idle:
		return false
	case session.Saving:
		n.rec.Discard()
	default:
		n.rec.Cancel()
	}
	return true
}

func (n *RecorderNode) Display() Display {
	switch st := n.rec.State(); st {
	case session.MetronomeOn:
		return Display{Line1: "Not armed", Line2: "Metronome on"}
	case session.Armed:
		return Display{Line1: fmt.Sprintf("Armed %d", n.rec.CurrentBeat()), Line2: string(n.tab)}
	case session.Recording:
		return Display{Line1: fmt.Sprintf("Recording %d", n.rec.CurrentBeat()), Line2: string(n.tab)}
	case session.Saving:
		if n.rec.PreviewErr() != nil {
			return Display{Line1: "Save loop?", Line2: fmt.Sprintf("%d notes no prev", len(n.rec.Staged()))}
		}
		return Display{Line1: "Save loop?", Line2: fmt.Sprintf("%d notes", len(n.rec.Staged()))}
	default:
		return Display{Line1: "Not armed", Line2: fmt.Sprintf("Metronome off L%d", n.rec.LoopCount())}
	}
}

// -------------------- Loop player --------------------

type loopPlayerState int

const (
	selectFrom loopPlayerState = iota
	selectTo
	playing
)

// LoopPlayerNode picks a from/to loop range of one tab and plays it.
type LoopPlayerNode struct {
	mu     sync.Mutex
	player *session.Player
	store  session.LoopReader
	tab    loopstore.TabID
	state  loopPlayerState
	loops  int
	from   int
	to     int
	redraw *Redraw
}

func NewLoopPlayerNode(player *session.Player, store session.LoopReader, tab loopstore.TabID, redraw *Redraw) *LoopPlayerNode {
	return &LoopPlayerNode{player: player, store: store, tab: tab, redraw: redraw}
}

func (n *LoopPlayerNode) Title() string { return "Player" }

// Focus defaults the range to the last recorded loop.
func (n *LoopPlayerNode) Focus() error {
	meta, err := n.store.LoadTabMeta(n.tab)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.loops = meta.LoopCount()
	n.from, n.to = n.loops, n.loops
	if n.state != playing {
		n.state = selectFrom
	}
	n.mu.Unlock()
	n.player.SetCompletion(n.finished)
	return nil
}

func (n *LoopPlayerNode) finished() {
	n.mu.Lock()
	if n.state == playing {
		n.state = selectTo
	}
	n.mu.Unlock()
	n.redraw.Notify()
}

func (n *LoopPlayerNode) Blur() {
	n.player.Stop()
	n.mu.Lock()
	n.state = selectFrom
	n.mu.Unlock()
}

func (n *LoopPlayerNode) Next() {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch n.state {
	case selectFrom:
		n.from++
		if n.from > n.loops {
			n.from = 1
		}
	case selectTo:
		n.to++
		if n.to > n.loops {
			n.to = n.from
		}
	}
}

func (n *LoopPlayerNode) Previous() {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch n.state {
	case selectFrom:
		n.from--
		if n.from < 1 {
			n.from = n.loops
		}
	case selectTo:
		n.to--
		if n.to < n.from {
			n.to = n.loops
		}
	}
}

func (n *LoopPlayerNode) Execute() (Node, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.loops == 0 {
		return nil, nil
	}
	switch n.state {
	case selectFrom:
		if n.to < n.from {
			n.to = n.from
		}
		n.state = selectTo
	case selectTo:
		if err := n.player.PlayRange(n.tab, n.from, n.to, 1); err != nil {
			return nil, err
		}
		n.state = playing
	}
	return nil, nil
}

func (n *LoopPlayerNode) Cancel() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch n.state {
	case playing:
		n.player.Stop()
		n.state = selectFrom
	case selectTo:
		n.state = selectFrom
	default:
		return false
	}
	return true
}

func (n *LoopPlayerNode) Display() Display {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch n.state {
	case selectTo:
		return Display{Line1: "From:       To:", Line2: fmt.Sprintf("%-12d%d", n.from, n.to)}
	case playing:
		return Display{Line1: "PLAYING !", Line2: fmt.Sprintf("%d-%d", n.from, n.to)}
	}
	if n.loops == 0 {
		return Display{Line1: "From:", Line2: "No loop rec. yet"}
	}
	return Display{Line1: "From:", Line2: fmt.Sprint(n.from)}
}

// Range reports the selected loops.
func (n *LoopPlayerNode) Range() (from, to int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.from, n.to
}

// -------------------- Tab list --------------------

// TabListNode browses native tabs and opens one.
type TabListNode struct {
	title string
	store *loopstore.Store
	open  func(loopstore.TabID) Node
	refs  []loopstore.TabRef
	idx   int
}

func NewTabListNode(title string, store *loopstore.Store, open func(loopstore.TabID) Node) *TabListNode {
	return &TabListNode{title: title, store: store, open: open}
}

func (n *TabListNode) Title() string { return n.title }

func (n *TabListNode) Focus() error {
	refs, err := n.store.ListAvailableTabs(loopstore.FilterNative)
	if err != nil {
		return err
	}
	n.refs = refs
	if n.idx >= len(refs) {
		n.idx = 0
	}
	return nil
}

func (n *TabListNode) Blur() {}

func (n *TabListNode) Next() {
	if len(n.refs) > 0 {
		n.idx = (n.idx + 1) % len(n.refs)
	}
}

func (n *TabListNode) Previous() {
	if len(n.refs) > 0 {
		n.idx = (n.idx - 1 + len(n.refs)) % len(n.refs)
	}
}

func (n *TabListNode) Execute() (Node, error) {
	if len(n.refs) == 0 {
		return nil, nil
	}
	return n.open(loopstore.TabID(n.refs[n.idx].Name)), nil
}

func (n *TabListNode) Cancel() bool { return false }

func (n *TabListNode) Display() Display {
	if len(n.refs) == 0 {
		return Display{Line1: n.title, Line2: "No tabs yet"}
	}
	return Display{Line1: n.refs[n.idx].Name, Line2: fmt.Sprintf("%d/%d", n.idx+1, len(n.refs))}
}

// -------------------- Tab player --------------------

// TabPlayerNode plays any listed tab, native or external, start to end.
type TabPlayerNode struct {
	mu     sync.Mutex
	store  *loopstore.Store
	player *session.Player
	refs   []loopstore.TabRef
	idx    int
}

func NewTabPlayerNode(store *loopstore.Store, player *session.Player) *TabPlayerNode {
	return &TabPlayerNode{store: store, player: player}
}

func (n *TabPlayerNode) Title() string { return "Tab player" }

func (n *TabPlayerNode) Focus() error {
	refs, err := n.store.ListAvailableTabs(loopstore.FilterAll)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.refs = refs
	if n.idx >= len(refs) {
		n.idx = 0
	}
	n.mu.Unlock()
	n.player.SetCompletion(nil)
	return nil
}

func (n *TabPlayerNode) Blur() { n.player.Stop() }

func (n *TabPlayerNode) Next() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.refs) > 0 && !n.player.Active() {
		n.idx = (n.idx + 1) % len(n.refs)
	}
}

func (n *TabPlayerNode) Previous() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.refs) > 0 && !n.player.Active() {
		n.idx = (n.idx - 1 + len(n.refs)) % len(n.refs)
	}
}

func (n *TabPlayerNode) Execute() (Node, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.refs) == 0 || n.player.Active() {
		return nil, nil
	}
	ref := n.refs[n.idx]
	if ref.Native {
		tab := loopstore.TabID(ref.Name)
		meta, err := n.store.LoadTabMeta(tab)
		if err != nil {
			return nil, err
		}
		return nil, n.player.PlayRange(tab, 1, meta.LoopCount(), 1)
	}
	t, err := tabfile.Parse(ref.Path, nil)
	if err != nil {
		return nil, err
	}
	return nil, n.player.PlayExternalTab(t)
}

func (n *TabPlayerNode) Cancel() bool {
	if !n.player.Active() {
		return false
	}
	n.player.Stop()
	return true
}

func (n *TabPlayerNode) Display() Display {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.refs) == 0 {
		return Display{Line1: "Tab player", Line2: "No tabs found"}
	}
	line2 := fmt.Sprintf("%d/%d", n.idx+1, len(n.refs))
	if n.player.Active() {
		line2 = "Playing"
	}
	return Display{Line1: n.refs[n.idx].Name, Line2: line2}
}

// -------------------- Tab creator --------------------

type creatorState int

const (
	creatorIdle creatorState = iota
	definingTempo
	definingBeats
)

// TabCreatorNode sets tempo with the metronome running, then beats with it
// stopped, then creates the tab and opens it.
type TabCreatorNode struct {
	met   *metronome.Metronome
	store *loopstore.Store
	open  func(loopstore.TabID) Node
	state creatorState
}

func NewTabCreatorNode(met *metronome.Metronome, store *loopstore.Store, open func(loopstore.TabID) Node) *TabCreatorNode {
	return &TabCreatorNode{met: met, store: store, open: open}
}

func (n *TabCreatorNode) Title() string { return "New tab" }
func (n *TabCreatorNode) Focus() error  { return nil }

func (n *TabCreatorNode) Blur() {
	n.met.Stop()
	n.state = creatorIdle
}

func (n *TabCreatorNode) Next() {
	switch n.state {
	case definingTempo:
		n.met.IncreaseTempo()
	case definingBeats:
		n.met.AdjustBeats(1)
	}
}

func (n *TabCreatorNode) Previous() {
	switch n.state {
	case definingTempo:
		n.met.DecreaseTempo()
	case definingBeats:
		n.met.AdjustBeats(-1)
	}
}

func (n *TabCreatorNode) Execute() (Node, error) {
	switch n.state {
	case creatorIdle:
		n.met.Start(nil)
		n.state = definingTempo
	case definingTempo:
		n.met.Stop()
		n.state = definingBeats
	case definingBeats:
		tab, err := n.store.CreateTab(n.met.Tempo(), n.met.BeatsPerLoop())
		if err != nil {
			return nil, err
		}
		n.state = creatorIdle
		return n.open(tab), nil
	}
	return nil, nil
}

func (n *TabCreatorNode) Cancel() bool {
	switch n.state {
	case definingTempo:
		n.met.Stop()
		n.state = creatorIdle
	case definingBeats:
		n.met.Start(nil)
		n.state = definingTempo
	default:
		return false
	}
	return true
}

func (n *TabCreatorNode) Display() Display {
	switch n.state {
	case definingTempo:
		return Display{Line1: "Tempo:", Line2: fmt.Sprintf("%d bpm", n.met.Tempo())}
	case definingBeats:
		return Display{Line1: "Beats per loop:", Line2: fmt.Sprint(n.met.BeatsPerLoop())}
	}
	return Display{Line1: "New tab", Line2: "OK to start"}
}

// -------------------- Free play --------------------

// FreePlayNode is a plain metronome with live tempo changes.
type FreePlayNode struct {
	met *metronome.Metronome
}

func NewFreePlayNode(met *metronome.Metronome) *FreePlayNode {
	return &FreePlayNode{met: met}
}

func (n *FreePlayNode) Title() string { return "Free play" }
func (n *FreePlayNode) Focus() error  { return nil }
func (n *FreePlayNode) Blur()         { n.met.Stop() }
func (n *FreePlayNode) Next()         { n.met.IncreaseTempo() }
func (n *FreePlayNode) Previous()     { n.met.DecreaseTempo() }

// Execute starts the metronome, or resets the tempo while it runs.
func (n *FreePlayNode) Execute() (Node, error) {
	if n.met.Active() {
		n.met.ResetTempo()
	} else {
		n.met.Start(nil)
	}
	return nil, nil
}

func (n *FreePlayNode) Cancel() bool {
	if !n.met.Active() {
		return false
	}
	n.met.Stop()
	return true
}

func (n *FreePlayNode) Display() Display {
	if !n.met.Active() {
		return Display{Line1: "Free play", Line2: fmt.Sprintf("Off %d bpm", n.met.Tempo())}
	}
	return Display{Line1: fmt.Sprintf("%d bpm", n.met.Tempo()), Line2: fmt.Sprintf("%d/%d", n.met.CurrentBeat(), n.met.BeatsPerLoop())}
}

// -------------------- Servo position --------------------

var servoPositions = []string{"LOW", "MID", "HIGH"}

// ServoPositionNode moves every servo to one of three positions.
type ServoPositionNode struct {
	act    actuator.Actuator
	cursor int
}

func NewServoPositionNode(act actuator.Actuator) *ServoPositionNode {
	return &ServoPositionNode{act: act}
}

func (n *ServoPositionNode) Title() string { return "Servo position" }
func (n *ServoPositionNode) Focus() error  { return nil }
func (n *ServoPositionNode) Blur()         {}
func (n *ServoPositionNode) Cancel() bool  { return false }

func (n *ServoPositionNode) Next() { n.cursor = (n.cursor + 1) % len(servoPositions) }
func (n *ServoPositionNode) Previous() {
	n.cursor = (n.cursor - 1 + len(servoPositions)) % len(servoPositions)
}

func (n *ServoPositionNode) Execute() (Node, error) {
	switch n.cursor {
	case 0:
		n.act.SetAllLow()
	case 1:
		n.act.SetAllMid()
	case 2:
		n.act.SetAllHigh()
	}
	return nil, nil
}

func (n *ServoPositionNode) Display() Display {
	return Display{Line1: "Servos:", Line2: servoPositions[n.cursor]}
}

// -------------------- String routine --------------------

// DefaultRoutineInterval is the swing period of the string test routine.
const DefaultRoutineInterval = 500 * time.Millisecond

// StringRoutineNode swings one servo back and forth over its string until
// cancelled, so the servo can be positioned above the string.
type StringRoutineNode struct {
	mu       sync.Mutex
	act      actuator.Actuator
	interval time.Duration
	str      int
	stop     context.CancelFunc
	done     chan struct{}
}

func NewStringRoutineNode(act actuator.Actuator, interval time.Duration) *StringRoutineNode {
	if interval <= 0 {
		interval = DefaultRoutineInterval
	}
	return &StringRoutineNode{act: act, interval: interval}
}

func (n *StringRoutineNode) Title() string { return "String test" }
func (n *StringRoutineNode) Focus() error  { return nil }
func (n *StringRoutineNode) Blur()         { n.halt() }

func (n *StringRoutineNode) Next() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stop == nil {
		n.str = (n.str + 1) % actuator.NumServos
	}
}

func (n *StringRoutineNode) Previous() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stop == nil {
		n.str = (n.str - 1 + actuator.NumServos) % actuator.NumServos
	}
}

func (n *StringRoutineNode) Execute() (Node, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stop != nil {
		return nil, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	n.stop = cancel
	n.done = make(chan struct{})
	go n.swing(ctx, n.str, n.done)
	return nil, nil
}

func (n *StringRoutineNode) swing(ctx context.Context, str int, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()
	n.act.Trigger(str)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.act.Trigger(str)
		}
	}
}

// Cancel stops a running routine; while browsing it leaves the node.
func (n *StringRoutineNode) Cancel() bool {
	return n.halt()
}

// halt stops the routine and waits for its last swing. It reports whether a
// routine was running.
func (n *StringRoutineNode) halt() bool {
	n.mu.Lock()
	stop, done := n.stop, n.done
	n.stop, n.done = nil, nil
	n.mu.Unlock()
	if stop == nil {
		return false
	}
	stop()
	<-done
	return true
}

// Running reports whether the routine is swinging a servo.
func (n *StringRoutineNode) Running() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stop != nil
}

func (n *StringRoutineNode) Display() Display {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stop != nil {
		return Display{Line1: fmt.Sprintf("String %d", n.str+1), Line2: "playing"}
	}
	return Display{Line1: fmt.Sprintf("String %d", n.str+1), Line2: fmt.Sprintf("%d/%d", n.str+1, actuator.NumServos)}
}

// -------------------- PWM editor --------------------

// PwmStep is the PWM change per key press in the editor.
const PwmStep = 10

// Calibrator is the servo bank as seen by the PWM editor.
type Calibrator interface {
	Calibration() actuator.Calibration
	SetCalibration(actuator.Calibration) error
	Hold(str, value int) error
}

type pwmEditorState int

const (
	browseStrings pwmEditorState = iota
	browseModes
	settingValue
)

const (
	modeLow = iota
	modeMid
	modeHigh
)

// PwmEditorNode edits one servo's LOW offset, MID value or HIGH offset and
// holds the servo at the edited position while the value changes.
type PwmEditorNode struct {
	mu    sync.Mutex
	cal   Calibrator
	state pwmEditorState
	str   int
	mode  int
	err   error
}

func NewPwmEditorNode(cal Calibrator) *PwmEditorNode {
	return &PwmEditorNode{cal: cal}
}

func (n *PwmEditorNode) Title() string { return "PWM editor" }

func (n *PwmEditorNode) Focus() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state = browseStrings
	n.err = nil
	return nil
}

func (n *PwmEditorNode) Blur() {}

func (n *PwmEditorNode) Next()     { n.step(1) }
func (n *PwmEditorNode) Previous() { n.step(-1) }

func (n *PwmEditorNode) step(dir int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch n.state {
	case browseStrings:
		n.str = (n.str + dir + actuator.NumServos) % actuator.NumServos
	case browseModes:
		n.mode = (n.mode + dir + len(servoPositions)) % len(servoPositions)
	case settingValue:
		n.adjustLocked(dir * PwmStep)
	}
}

// adjustLocked changes the edited value by delta, stores the calibration and
// holds the servo at the resulting position. A rejected value is kept out of
// the calibration and shown on the display.
func (n *PwmEditorNode) adjustLocked(delta int) {
	cal := n.cal.Calibration()
	switch n.mode {
	case modeLow:
		cal.LowOffset[n.str] += delta
	case modeMid:
		cal.Mid[n.str] += delta
	case modeHigh:
		cal.HighOffset[n.str] += delta
	}
	if err := n.cal.SetCalibration(cal); err != nil {
		n.err = err
		return
	}
	n.err = n.holdLocked(cal)
}

func (n *PwmEditorNode) holdLocked(cal actuator.Calibration) error {
	pos := cal.Mid[n.str]
	switch n.mode {
	case modeLow:
		pos -= cal.LowOffset[n.str]
	case modeHigh:
		pos += cal.HighOffset[n.str]
	}
	return n.cal.Hold(n.str, pos)
}

func (n *PwmEditorNode) Execute() (Node, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch n.state {
	case browseStrings:
		n.state = browseModes
	case browseModes:
		n.state = settingValue
		n.err = n.holdLocked(n.cal.Calibration())
	}
	return nil, nil
}

func (n *PwmEditorNode) Cancel() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = nil
	switch n.state {
	case settingValue:
		n.state = browseModes
	case browseModes:
		n.state = browseStrings
	default:
		return false
	}
	return true
}

func (n *PwmEditorNode) Display() Display {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch n.state {
	case browseModes:
		return Display{Line1: servoPositions[n.mode], Line2: fmt.Sprintf("%d/%d", n.mode+1, len(servoPositions))}
	case settingValue:
		cal := n.cal.Calibration()
		line1, value := "Offset from mid", cal.LowOffset[n.str]
		switch n.mode {
		case modeMid:
			line1, value = "Mid value", cal.Mid[n.str]
		case modeHigh:
			value = cal.HighOffset[n.str]
		}
		if n.err != nil {
			return Display{Line1: line1, Line2: fmt.Sprintf("%d out of range", value)}
		}
		return Display{Line1: line1, Line2: fmt.Sprint(value)}
	}
	return Display{Line1: fmt.Sprintf("String %d", n.str+1), Line2: fmt.Sprintf("%d/%d", n.str+1, actuator.NumServos)}
}
