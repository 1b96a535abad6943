// Package click sounds the metronome through the default audio device.
package click

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
)

const (
	SampleRate = 44100
	Freq       = 440.0
	Length     = 70 * time.Millisecond

	amplitude = 0.4
	fade      = 5 * time.Millisecond
)

// Player plays a short sine burst per beat; downbeats an octave higher.
type Player struct {
	mu      sync.Mutex
	ctx     *oto.Context
	beat    []byte
	down    []byte
	playing []*oto.Player
	log     *slog.Logger
}

// New opens the audio device and renders both click tones.
func New(log *slog.Logger) (*Player, error) {
	if log == nil {
		log = slog.Default()
	}
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   SampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
	})
	if err != nil {
		return nil, fmt.Errorf("click: cannot create oto context: %w", err)
	}
	<-ready
	log.Info("click: audio ready", "sample_rate", SampleRate)
	return &Player{
		ctx:  ctx,
		beat: Tone(Freq, Length, SampleRate),
		down: Tone(2*Freq, Length, SampleRate),
		log:  log,
	}, nil
}

// Pulse starts a click and returns immediately.
func (p *Player) Pulse(downbeat bool) {
	buf := p.beat
	if downbeat {
		buf = p.down
	}
	pl := p.ctx.NewPlayer(bytes.NewReader(buf))
	pl.Play()

	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.playing[:0]
	for _, old := range p.playing {
		if old.IsPlaying() {
			kept = append(kept, old)
			continue
		}
		if err := old.Close(); err != nil {
			p.log.Debug("click: close player", "err", err)
		}
	}
	p.playing = append(kept, pl)
}

// Close releases finished and playing clicks.
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pl := range p.playing {
		_ = pl.Close()
	}
	p.playing = nil
	return nil
}

// Tone renders a mono 16-bit little-endian sine burst with short linear
// fades at both ends.
func Tone(freq float64, d time.Duration, sampleRate int) []byte {
	n := int(d.Seconds() * float64(sampleRate))
	ramp := int(fade.Seconds() * float64(sampleRate))
	out := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		env := 1.0
		if ramp > 0 {
			if i < ramp {
				env = float64(i) / float64(ramp)
			} else if n-1-i < ramp {
				env = float64(n-1-i) / float64(ramp)
			}
		}
		v := amplitude * env * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate))
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(v*math.MaxInt16)))
	}
	return out
}
