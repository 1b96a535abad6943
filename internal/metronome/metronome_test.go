package metronome

import (
	"sync"
	"testing"
	"time"
)

type countingPulser struct {
	mu        sync.Mutex
	pulses    int
	downbeats int
}

func (p *countingPulser) Pulse(downbeat bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pulses++
	if downbeat {
		p.downbeats++
	}
}

func TestOverflowOnLastTickOfBar(t *testing.T) {
	for _, beats := range []int{1, 3, 4} {
		m := New(400, beats) // 150ms per beat
		ticks := make(chan bool, 16)
		m.Start(func(overflow bool) { ticks <- overflow })

		for i := 1; i <= beats; i++ {
			select {
			case overflow := <-ticks:
				if i < beats && overflow {
					t.Fatalf("beats=%d: tick %d overflowed early", beats, i)
				}
				if i == beats && !overflow {
					t.Fatalf("beats=%d: tick %d did not overflow", beats, i)
				}
			case <-time.After(time.Second):
				t.Fatalf("beats=%d: tick %d never arrived", beats, i)
			}
		}
		m.Stop()
		if got := m.CurrentBeat(); got < 1 || got > beats {
			t.Fatalf("beats=%d: current beat %d out of range", beats, got)
		}
	}
}

func TestStartIsNoOpWhileActive(t *testing.T) {
	m := New(600, 4)
	first := make(chan bool, 8)
	second := make(chan bool, 8)
	m.Start(func(o bool) { first <- o })
	m.Start(func(o bool) { second <- o })
	defer m.Stop()

	select {
	case <-first:
	case <-time.After(time.Second):
		t.Fatalf("first observer never ticked")
	}
	select {
	case <-second:
		t.Fatalf("second Start replaced the running observer")
	default:
	}
}

func TestStopEndsChain(t *testing.T) {
	m := New(400, 4)
	ticks := make(chan bool, 64)
	m.Start(func(o bool) { ticks <- o })
	<-ticks
	m.Stop()
	if m.Active() {
		t.Fatalf("Active() = true after Stop")
	}
	// drain a possibly in-flight tick, then expect silence
	time.Sleep(60 * time.Millisecond)
	for len(ticks) > 0 {
		<-ticks
	}
	time.Sleep(150 * time.Millisecond)
	if n := len(ticks); n != 0 {
		t.Fatalf("%d ticks after Stop", n)
	}
}

func TestResetBeatStartsCountIn(t *testing.T) {
	m := New(400, 2)
	ticks := make(chan int, 8)
	m.Start(func(bool) { ticks <- m.CurrentBeat() })
	defer m.Stop()

	m.ResetBeat()
	select {
	case beat := <-ticks:
		if beat != 1 {
			t.Fatalf("beat after ResetBeat = %d, want 1", beat)
		}
	case <-time.After(time.Second):
		t.Fatalf("no tick")
	}
}

func TestPulseOnStartAndTicks(t *testing.T) {
	p := &countingPulser{}
	m := New(400, 2, WithPulser(p))
	ticks := make(chan bool, 8)
	m.Start(func(o bool) { ticks <- o })
	// the pulse follows onTick, so wait for a third tick to be sure the
	// second one has pulsed
	<-ticks
	<-ticks
	<-ticks
	m.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pulses < 3 {
		t.Fatalf("pulses = %d, want >= 3", p.pulses)
	}
	if p.downbeats < 2 {
		t.Fatalf("downbeats = %d, want >= 2", p.downbeats)
	}
}

func TestAdjustmentsClamp(t *testing.T) {
	m := New(10, 2, WithTempoStep(5))
	m.DecreaseTempo()
	m.DecreaseTempo()
	m.DecreaseTempo()
	if got := m.Tempo(); got != MinTempo {
		t.Fatalf("tempo = %d, want %d", got, MinTempo)
	}
	m.AdjustBeats(-5)
	if got := m.BeatsPerLoop(); got != MinBeats {
		t.Fatalf("beats = %d, want %d", got, MinBeats)
	}
	m.IncreaseTempo()
	if got := m.Tempo(); got != MinTempo+5 {
		t.Fatalf("tempo = %d, want %d", got, MinTempo+5)
	}
	m.ResetTempo()
	if got := m.Tempo(); got != 10 {
		t.Fatalf("tempo after reset = %d, want 10", got)
	}
}

func TestBarDuration(t *testing.T) {
	if got := BarDuration(120, 4); got != 2*time.Second {
		t.Fatalf("BarDuration(120,4) = %v, want 2s", got)
	}
	if got := BarDuration(60, 4); got != 4*time.Second {
		t.Fatalf("BarDuration(60,4) = %v, want 4s", got)
	}
}

func TestTempoChangeAppliesFromNextScheduledTick(t *testing.T) {
	m := New(300, 4) // 200ms per beat
	ticks := make(chan time.Time, 8)
	start := time.Now()
	m.Start(func(bool) { ticks <- time.Now() })
	defer m.Stop()
	// the first tick is already scheduled at the old tempo
	m.AdjustTempo(100)

	var at [2]time.Time
	for i := range at {
		select {
		case at[i] = <-ticks:
		case <-time.After(time.Second):
			t.Fatalf("tick %d never arrived", i+1)
		}
	}
	if gap := at[0].Sub(start); gap < 190*time.Millisecond {
		t.Fatalf("first gap = %v, want the old 200ms interval", gap)
	}
	if gap := at[1].Sub(at[0]); gap < 140*time.Millisecond || gap > 185*time.Millisecond {
		t.Fatalf("second gap = %v, want the new 150ms interval", gap)
	}
}

func TestSingleBeatBarOverflowsEveryTick(t *testing.T) {
	m := New(400, 1)
	ticks := make(chan bool, 8)
	m.Start(func(overflow bool) { ticks <- overflow })
	defer m.Stop()

	for i := 1; i <= 4; i++ {
		select {
		case overflow := <-ticks:
			if !overflow {
				t.Fatalf("tick %d did not overflow", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("tick %d never arrived", i)
		}
		if beat := m.CurrentBeat(); beat != 1 {
			t.Fatalf("beat after tick %d = %d, want 1", i, beat)
		}
	}
}
