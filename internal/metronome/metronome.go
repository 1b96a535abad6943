// Package metronome generates beat ticks with a self-rescheduling timer chain
// and flags the tick that wraps the beat counter into a new bar.
package metronome

import (
	"log/slog"
	"sync"
	"time"
)

// -------------------- Tunables --------------------

const (
	DefaultTempo     = 60
	DefaultBeats     = 4
	DefaultTempoStep = 5

	MinTempo = 1
	MaxTempo = 400
	MinBeats = 1
	MaxBeats = 32
)

// Pulser produces the audible or visual pulse of a beat. Pulse must not block.
type Pulser interface {
	Pulse(downbeat bool)
}

// Option configures a Metronome.
type Option func(*Metronome)

// WithPulser adds a pulse sink; several may be registered.
func WithPulser(p Pulser) Option {
	return func(m *Metronome) {
		if p != nil {
			m.pulsers = append(m.pulsers, p)
		}
	}
}

// WithTempoStep sets the increment used by IncreaseTempo/DecreaseTempo.
func WithTempoStep(step int) Option {
	return func(m *Metronome) {
		if step > 0 {
			m.tempoStep = step
		}
	}
}

// WithLogger sets the logger; nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Metronome) {
		if l != nil {
			m.log = l
		}
	}
}

// Metronome ticks every 60/tempo seconds while active. Each tick increments
// the current beat; the tick that would pass BeatsPerLoop wraps to 1 and is
// reported with overflow=true.
type Metronome struct {
	mu           sync.Mutex
	tempo        int
	beatsPerLoop int
	defaultTempo int
	tempoStep    int
	currentBeat  int
	active       bool
	chain        uint64 // bumped on every Start so stale timers retire
	timer        *time.Timer
	onTick       func(overflow bool)

	pulsers []Pulser
	log     *slog.Logger
}

// New returns an inactive metronome.
func New(tempo, beats int, opts ...Option) *Metronome {
	m := &Metronome{
		tempo:        clamp(tempo, MinTempo, MaxTempo),
		beatsPerLoop: clamp(beats, MinBeats, MaxBeats),
		tempoStep:    DefaultTempoStep,
		log:          slog.Default(),
	}
	m.defaultTempo = m.tempo
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start begins ticking; it is a no-op while already active. The start instant
// is beat 1 and sounds immediately; the first onTick arrives one interval
// later. onTick replaces any previously registered observer.
func (m *Metronome) Start(onTick func(overflow bool)) {
	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		return
	}
	m.active = true
	m.currentBeat = 1
	m.onTick = onTick
	m.chain++
	chain := m.chain
	interval := m.intervalLocked()
	m.timer = time.AfterFunc(interval, func() { m.tick(chain, time.Now()) })
	m.log.Info("metronome: started", "tempo", m.tempo, "beats", m.beatsPerLoop)
	m.mu.Unlock()

	m.pulse(true)
}

// Stop marks the metronome inactive. A tick already firing still completes.
func (m *Metronome) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return
	}
	m.active = false
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.log.Info("metronome: stopped", "beat", m.currentBeat)
}

func (m *Metronome) tick(chain uint64, firedAt time.Time) {
	m.mu.Lock()
	if !m.active || chain != m.chain {
		m.mu.Unlock()
		return
	}
	m.currentBeat++
	overflow := false
	if m.currentBeat > m.beatsPerLoop {
		m.currentBeat = 1
		overflow = true
	}
	beat := m.currentBeat
	onTick := m.onTick
	m.mu.Unlock()

	m.log.Debug("metronome: tick", "beat", beat, "overflow", overflow)

	// observers see the bar boundary before the pulse
	if onTick != nil {
		onTick(overflow)
	}
	m.pulse(beat == 1)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active || chain != m.chain {
		return
	}
	next := m.intervalLocked() - time.Since(firedAt)
	if next < 0 {
		next = 0
	}
	fireAt := firedAt.Add(m.intervalLocked())
	m.timer = time.AfterFunc(next, func() { m.tick(chain, fireAt) })
}

func (m *Metronome) pulse(downbeat bool) {
	for _, p := range m.pulsers {
		p.Pulse(downbeat)
	}
}

func (m *Metronome) intervalLocked() time.Duration {
	return Interval(m.tempo)
}

// Interval is the time between two beats at tempo BPM.
func Interval(tempo int) time.Duration {
	return time.Duration(float64(time.Minute) / float64(tempo))
}

// BarDuration is beats*60/tempo.
func BarDuration(tempo, beats int) time.Duration {
	return time.Duration(beats) * Interval(tempo)
}

// -------------------- Accessors --------------------

func (m *Metronome) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *Metronome) Tempo() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tempo
}

func (m *Metronome) BeatsPerLoop() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.beatsPerLoop
}

func (m *Metronome) CurrentBeat() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentBeat
}

// -------------------- Adjustments --------------------

// AdjustTempo changes the tempo by delta. While active the new tempo applies
// from the next scheduled tick.
func (m *Metronome) AdjustTempo(delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tempo = clamp(m.tempo+delta, MinTempo, MaxTempo)
	m.log.Debug("metronome: tempo", "tempo", m.tempo)
}

// AdjustBeats changes beats per loop; callers avoid doing this mid-bar.
func (m *Metronome) AdjustBeats(delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beatsPerLoop = clamp(m.beatsPerLoop+delta, MinBeats, MaxBeats)
	m.log.Debug("metronome: beats", "beats", m.beatsPerLoop)
}

func (m *Metronome) IncreaseTempo() { m.AdjustTempo(m.step()) }
func (m *Metronome) DecreaseTempo() { m.AdjustTempo(-m.step()) }

func (m *Metronome) step() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tempoStep
}

// Configure sets tempo and beats together.
func (m *Metronome) Configure(tempo, beats int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tempo = clamp(tempo, MinTempo, MaxTempo)
	m.beatsPerLoop = clamp(beats, MinBeats, MaxBeats)
}

// ResetTempo restores the tempo the metronome was created with.
func (m *Metronome) ResetTempo() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tempo = m.defaultTempo
}

// ResetBeat makes the next tick beat 1 of a count-in bar.
func (m *Metronome) ResetBeat() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentBeat = 0
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
