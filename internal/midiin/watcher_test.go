package midiin

import (
	"io"
	"log/slog"
	"testing"

	"gitlab.com/gomidi/midi/v2"
)

func TestStringForKey(t *testing.T) {
	for key, want := range map[int]int{48: 0, 50: 2, 53: 5} {
		got, ok := StringForKey(key, 48)
		if !ok || got != want {
			t.Fatalf("StringForKey(%d) = %d, %v; want %d", key, got, ok, want)
		}
	}
	for _, key := range []int{47, 54} {
		if _, ok := StringForKey(key, 48); ok {
			t.Fatalf("StringForKey(%d) accepted", key)
		}
	}
}

func TestPickPreferred(t *testing.T) {
	inputs := []string{"USB Keys 0", "Launchkey Mini MK3 1"}
	got, ok := PickPreferred(inputs, []string{"launchkey"})
	if !ok || got != "Launchkey Mini MK3 1" {
		t.Fatalf("PickPreferred = %q, %v", got, ok)
	}
	if _, ok := PickPreferred(inputs, nil); ok {
		t.Fatalf("ambiguous inputs picked without a preference")
	}
	if got, ok := PickPreferred([]string{"Only"}, nil); !ok || got != "Only" {
		t.Fatalf("single input = %q, %v", got, ok)
	}
}

func TestFilterExcluded(t *testing.T) {
	got := FilterExcluded([]string{"Midi Through Port-0", "Launchkey", "Dummy MIDI"}, []string{"midi through", "Dummy"})
	if len(got) != 1 || got[0] != "Launchkey" {
		t.Fatalf("FilterExcluded = %v", got)
	}
}

func TestHandleMapsNoteOnToString(t *testing.T) {
	var pressed []int
	w := &Watcher{
		opts:    Options{BaseNote: 60},
		onPress: func(s int) { pressed = append(pressed, s) },
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	w.handle(midi.NoteOn(0, 63, 100), 0)
	w.handle(midi.NoteOff(0, 63), 0)
	w.handle(midi.NoteOn(0, 40, 100), 0)
	w.handle(midi.NoteOn(0, 63, 0), 0) // velocity 0 is a note off
	if len(pressed) != 1 || pressed[0] != 3 {
		t.Fatalf("pressed = %v, want [3]", pressed)
	}
}
