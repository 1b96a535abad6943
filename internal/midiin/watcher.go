// Package midiin turns a MIDI controller into the six string buttons. The
// watcher follows hot-plug and hot-unplug of the preferred device.
package midiin

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
)

// -------------------- Hot-swap config --------------------

const (
	NumStrings     = 6
	RescanInterval = 1000 * time.Millisecond
)

// Options selects and maps the controller.
type Options struct {
	// Preferred devices matching any of these are picked first.
	Preferred []string
	// Excluded virtual/system ports are never auto-connected.
	Excluded []string
	// BaseNote is the key for string 0; strings 1..5 follow chromatically.
	BaseNote int
}

// -------------------- Watcher --------------------

// Watcher monitors available MIDI inputs and keeps a connection to the
// preferred device.
//
// onPress is called for every NoteOn that maps to a string. onDisconnect is
// called (from a goroutine) when the active device is lost.
type Watcher struct {
	mu           sync.Mutex
	drv          *rtmididrv.Driver
	inPort       drivers.In
	stopFn       func()
	connected    bool
	selectedName string
	lastRescanAt time.Time

	opts         Options
	onPress      func(str int)
	onDisconnect func()
	log          *slog.Logger
}

// NewWatcher initialises the rtmidi driver. Call Close when done.
func NewWatcher(opts Options, onPress func(str int), onDisconnect func(), log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	drv, err := rtmididrv.New()
	if err != nil {
		return nil, fmt.Errorf("rtmididrv: %w", err)
	}
	return &Watcher{
		drv:          drv,
		opts:         opts,
		onPress:      onPress,
		onDisconnect: onDisconnect,
		log:          log.With("component", "midi"),
	}, nil
}

// Close shuts down the active MIDI connection and the rtmidi driver.
func (w *Watcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closeConn()
	w.drv.Close()
}

// Run rescans once per interval until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(RescanInterval)
	defer ticker.Stop()
	w.Tick()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Tick()
		}
	}
}

// Connected reports the active device name, if any.
func (w *Watcher) Connected() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.selectedName, w.connected
}

// Tick scans for devices, auto-connects to a preferred one and detects
// disappearances.
func (w *Watcher) Tick() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	if !w.lastRescanAt.IsZero() && now.Sub(w.lastRescanAt) < RescanInterval {
		return
	}
	w.lastRescanAt = now

	inputs := w.listInputs()

	if w.connected {
		for _, n := range inputs {
			if n == w.selectedName {
				return
			}
		}
		w.log.Warn("midi: device disappeared", "device", w.selectedName)
		w.closeConn()
		w.lastRescanAt = time.Time{}
		if w.onDisconnect != nil {
			go w.onDisconnect()
		}
		return
	}

	cand, ok := PickPreferred(inputs, w.opts.Preferred)
	if !ok {
		return
	}
	if err := w.openByName(cand); err != nil {
		w.log.Error("midi: connect failed", "device", cand, "err", err)
	}
}

// -------------------- internal --------------------

func (w *Watcher) listInputs() []string {
	ins, err := w.drv.Ins()
	if err != nil {
		w.log.Error("midi: list inputs failed", "err", err)
		return nil
	}
	names := make([]string, 0, len(ins))
	for _, in := range ins {
		names = append(names, in.String())
	}
	kept := FilterExcluded(names, w.opts.Excluded)
	w.log.Debug("midi: inputs found", "count", len(kept), "devices", strings.Join(kept, ", "))
	return kept
}

func (w *Watcher) closeConn() {
	if w.stopFn != nil {
		w.stopFn()
		w.stopFn = nil
	}
	if w.inPort != nil {
		_ = w.inPort.Close()
		w.inPort = nil
	}
	w.connected = false
	w.selectedName = ""
}

func (w *Watcher) openByName(name string) error {
	ins, err := w.drv.Ins()
	if err != nil {
		return err
	}
	var found drivers.In
	for _, in := range ins {
		if in.String() == name {
			found = in
			break
		}
	}
	if found == nil {
		return fmt.Errorf("input %q not found", name)
	}
	if err := found.Open(); err != nil {
		return fmt.Errorf("open %q: %w", name, err)
	}

	stop, err := midi.ListenTo(found, w.handle, midi.HandleError(func(listenErr error) {
		w.log.Warn("midi: listener error", "device", name, "err", listenErr)
		// closeConn stops the listener, so it cannot run on the listener goroutine
		go func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			if w.connected && w.selectedName == name {
				w.closeConn()
				w.lastRescanAt = time.Time{}
				if w.onDisconnect != nil {
					go w.onDisconnect()
				}
			}
		}()
	}))
	if err != nil {
		_ = found.Close()
		return fmt.Errorf("listen %q: %w", name, err)
	}

	w.inPort = found
	w.stopFn = stop
	w.connected = true
	w.selectedName = name
	w.log.Info("midi: connected", "device", name)
	return nil
}

func (w *Watcher) handle(msg midi.Message, _ int32) {
	var ch, key, vel uint8
	if !msg.GetNoteStart(&ch, &key, &vel) {
		w.log.Debug("midi: unhandled message", "msg", msg.String())
		return
	}
	str, ok := StringForKey(int(key), w.opts.BaseNote)
	if !ok {
		w.log.Debug("midi: key outside string range", "key", key, "base", w.opts.BaseNote)
		return
	}
	w.log.Debug("midi: string press", "ch", ch, "key", key, "vel", vel, "string", str)
	if w.onPress != nil {
		w.onPress(str)
	}
}

// -------------------- utility --------------------

// StringForKey maps key to a string index when it lies in base..base+5.
func StringForKey(key, base int) (int, bool) {
	s := key - base
	if s < 0 || s >= NumStrings {
		return 0, false
	}
	return s, true
}

// FilterExcluded drops names matching any excluded pattern.
func FilterExcluded(names, excluded []string) []string {
	var out []string
	for _, name := range names {
		skip := false
		for _, pat := range excluded {
			if containsCI(name, pat) {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, name)
		}
	}
	return out
}

// PickPreferred returns the first input matching a preferred pattern, in
// pattern order, or the only input when there is exactly one.
func PickPreferred(inputs, preferred []string) (string, bool) {
	for _, pat := range preferred {
		for _, name := range inputs {
			if containsCI(name, pat) {
				return name, true
			}
		}
	}
	if len(inputs) == 1 {
		return inputs[0], true
	}
	return "", false
}

func containsCI(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
