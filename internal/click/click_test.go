package click

import (
	"encoding/binary"
	"testing"
	"time"
)

func TestToneLengthAndFades(t *testing.T) {
	buf := Tone(Freq, Length, SampleRate)
	samples := int(Length.Seconds() * SampleRate)
	if len(buf) != 2*samples {
		t.Fatalf("len = %d, want %d", len(buf), 2*samples)
	}
	first := int16(binary.LittleEndian.Uint16(buf[0:]))
	last := int16(binary.LittleEndian.Uint16(buf[len(buf)-2:]))
	if first != 0 || last != 0 {
		t.Fatalf("edges = %d, %d, want silent", first, last)
	}
	var peak int16
	for i := 0; i < len(buf); i += 2 {
		if v := int16(binary.LittleEndian.Uint16(buf[i:])); v > peak {
			peak = v
		}
	}
	if peak < 10000 || peak > 14000 {
		t.Fatalf("peak = %d, want about 0.4 of full scale", peak)
	}
}

func TestToneZeroDuration(t *testing.T) {
	if buf := Tone(Freq, 0, SampleRate); len(buf) != 0 {
		t.Fatalf("len = %d, want 0", len(buf))
	}
	if buf := Tone(Freq, time.Millisecond, SampleRate); len(buf) != 88 {
		t.Fatalf("1ms tone len = %d, want 88", len(buf))
	}
}
