// Package session sequences the metronome, the loop store and the actuator:
// a Recorder captures one bar of plucks into a Loop and a Player schedules
// stored Loops or external tabs for actuation.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chase3718/lou-looper/internal/actuator"
	"github.com/chase3718/lou-looper/internal/loopstore"
	"github.com/chase3718/lou-looper/internal/scheduler"
)

const (
	DefaultPreviewRepeats  = 4
	DefaultCompletionDelay = 200 * time.Millisecond
)

// ErrNoTab is returned by Recorder.Start before a tab has been focused.
var ErrNoTab = errors.New("session: no tab selected")

// Scheduler is the part of *scheduler.Scheduler a session drives. Each
// session owns its scheduler, so CancelAll only touches its own tasks.
type Scheduler interface {
	ScheduleBatch(events []scheduler.Event) ([]*scheduler.Task, error)
	CancelAll() int
}

// Metronome is the part of *metronome.Metronome the Recorder drives.
type Metronome interface {
	Start(onTick func(overflow bool))
	Stop()
	ResetBeat()
	Configure(tempo, beats int)
	CurrentBeat() int
}

// TapActuator is an actuator whose button presses can be observed.
type TapActuator interface {
	actuator.Actuator
	SetObserver(fn func(str int))
}

// LoopReader loads stored tabs.
type LoopReader interface {
	LoadTabMeta(tab loopstore.TabID) (loopstore.Meta, error)
	LoadLoop(tab loopstore.TabID, index int) ([]loopstore.NoteEvent, error)
}

// LoopWriter appends recorded loops.
type LoopWriter interface {
	LoadTabMeta(tab loopstore.TabID) (loopstore.Meta, error)
	SaveLoop(tab loopstore.TabID, events []loopstore.RawEvent) (int, error)
}

// InvalidRangeError reports a loop range that cannot be played.
type InvalidRangeError struct {
	From, To  int
	LoopCount int
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("session: loop range %d..%d outside 1..%d", e.From, e.To, e.LoopCount)
}

// Option configures a Recorder or a Player.
type Option func(*options)

type options struct {
	log             *slog.Logger
	now             func() time.Time
	previewRepeats  int
	completionDelay time.Duration
}

func defaultOptions() options {
	return options{
		log:             slog.Default(),
		now:             time.Now,
		previewRepeats:  DefaultPreviewRepeats,
		completionDelay: DefaultCompletionDelay,
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithClock replaces time.Now for capture timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithPreviewRepeats sets how many times a staged loop is auditioned.
func WithPreviewRepeats(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.previewRepeats = n
		}
	}
}

// WithCompletionDelay sets how long after the last note the Player reports
// completion.
func WithCompletionDelay(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.completionDelay = d
		}
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
