package actuator

import "log/slog"

const (
	BuzzFreq   = 440
	BuzzMillis = 70
)

// Buzzer pulses the MCU buzzer on every metronome beat. Downbeats sound an
// octave higher.
type Buzzer struct {
	Driver Driver
	Log    *slog.Logger
}

func (b Buzzer) Pulse(downbeat bool) {
	freq := BuzzFreq
	if downbeat {
		freq *= 2
	}
	if err := b.Driver.Send(BuzzFrame(freq, BuzzMillis)); err != nil && b.Log != nil {
		b.Log.Warn("buzzer: pulse failed", "err", err)
	}
}
