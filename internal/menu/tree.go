package menu

import (
	"time"

	"github.com/chase3718/lou-looper/internal/actuator"
	"github.com/chase3718/lou-looper/internal/loopstore"
	"github.com/chase3718/lou-looper/internal/metronome"
	"github.com/chase3718/lou-looper/internal/session"
)

// Deps are the components the menu acts on.
type Deps struct {
	Store      *loopstore.Store
	Metronome  *metronome.Metronome
	Recorder   *session.Recorder
	Player     *session.Player
	Servos     actuator.Actuator
	Calibrator Calibrator
	// Redraw, if set, is notified when a session changes on its own.
	Redraw *Redraw
	// RoutineInterval is the string test swing period; zero means
	// DefaultRoutineInterval.
	RoutineInterval time.Duration
}

// Build assembles the menu:
//
//	Lou looper
//	├── Tabs -> <tab> -> Recorder | Player
//	├── New tab -> <tab> -> Recorder | Player
//	├── Tab player
//	├── Free play
//	├── Servo position
//	├── String test
//	└── PWM editor
func Build(d Deps) *Branch {
	open := func(tab loopstore.TabID) Node {
		return NewBranch(string(tab),
			NewRecorderNode(d.Recorder, tab, d.Redraw),
			NewLoopPlayerNode(d.Player, d.Store, tab, d.Redraw),
		)
	}
	return NewBranch("Lou looper",
		NewTabListNode("Tabs", d.Store, open),
		NewTabCreatorNode(d.Metronome, d.Store, open),
		NewTabPlayerNode(d.Store, d.Player),
		NewFreePlayNode(d.Metronome),
		NewServoPositionNode(d.Servos),
		NewStringRoutineNode(d.Servos, d.RoutineInterval),
		NewPwmEditorNode(d.Calibrator),
	)
}
