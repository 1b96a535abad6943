// Package tabfile reads external tab files into a measure/voice/beat tree.
// Standard MIDI Files are supported; pitches are placed on guitar strings
// the same way the live MIDI path does.
package tabfile

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"
)

const (
	NumStrings   = 6
	MaxFret      = 12
	DefaultTempo = 120.0
)

// OpenPitch is the MIDI pitch of each open string, low E first:
// E2(40)  A2(45)  D3(50)  G3(55)  B3(59)  E4(64)
var OpenPitch = [NumStrings]int{40, 45, 50, 55, 59, 64}

// TicksPerBeat maps a time-signature denominator to the tick length of one
// beat in Beat.DurationTicks.
var TicksPerBeat = map[int]int{1: 3840, 2: 1920, 4: 960, 8: 1440}

// Extensions lists the file extensions Parse accepts.
var Extensions = []string{".mid", ".midi"}

type (
	// Note is a pluck on String 1..6 (1 = low E).
	Note struct {
		String int
		Pitch  int
	}

	Beat struct {
		DurationTicks int
		Notes         []Note
	}

	Voice struct {
		Beats []Beat
	}

	Measure struct {
		Voices []Voice
	}

	Tab struct {
		Path        string
		Tempo       float64
		Numerator   int
		Denominator int
		Measures    []Measure
	}

	// Onset is a note inside one measure: String is 0-based, Fraction is
	// the position within the bar in [0,1).
	Onset struct {
		String   int
		Fraction float64
	}
)

// UnsupportedFormatError reports a tab that cannot be played.
type UnsupportedFormatError struct {
	Path   string
	Reason string
	Err    error
}

func (e *UnsupportedFormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tabfile: %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("tabfile: %s: %s", e.Path, e.Reason)
}

func (e *UnsupportedFormatError) Unwrap() error { return e.Err }

// IsTabFile reports whether name has a supported extension.
func IsTabFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// BeatTicks is the tick length of one beat.
func (t *Tab) BeatTicks() int { return TicksPerBeat[t.Denominator] }

// MeasureSeconds is the wall-clock length of one measure.
func (t *Tab) MeasureSeconds() float64 {
	return float64(t.Numerator) * 60 / t.Tempo
}

// TickSeconds converts beat ticks to seconds.
func (t *Tab) TickSeconds(ticks int) float64 {
	return float64(ticks) / float64(t.BeatTicks()) * 60 / t.Tempo
}

// Bars flattens each measure into sorted onsets, one slice per measure.
func (t *Tab) Bars() [][]Onset {
	measureTicks := float64(t.Numerator * t.BeatTicks())
	bars := make([][]Onset, 0, len(t.Measures))
	for _, m := range t.Measures {
		var onsets []Onset
		for _, v := range m.Voices {
			pos := 0
			for _, b := range v.Beats {
				for _, n := range b.Notes {
					onsets = append(onsets, Onset{String: n.String - 1, Fraction: float64(pos) / measureTicks})
				}
				pos += b.DurationTicks
			}
		}
		sort.SliceStable(onsets, func(i, j int) bool {
			if onsets[i].Fraction != onsets[j].Fraction {
				return onsets[i].Fraction < onsets[j].Fraction
			}
			return onsets[i].String < onsets[j].String
		})
		bars = append(bars, onsets)
	}
	return bars
}

// NoteCount returns the number of notes in the tab.
func (t *Tab) NoteCount() int {
	n := 0
	for _, m := range t.Measures {
		for _, v := range m.Voices {
			for _, b := range v.Beats {
				n += len(b.Notes)
			}
		}
	}
	return n
}

// -------------------- Parsing --------------------

type onset struct {
	tick    int64
	pitches []int
}

// Parse reads a Standard MIDI File. Every track with notes becomes a voice.
func Parse(path string, log *slog.Logger) (*Tab, error) {
	if log == nil {
		log = slog.Default()
	}
	if !IsTabFile(path) {
		return nil, &UnsupportedFormatError{Path: path, Reason: "unknown extension"}
	}
	rd, err := smf.ReadFile(path)
	if err != nil {
		return nil, &UnsupportedFormatError{Path: path, Reason: "unreadable", Err: err}
	}
	ticks, ok := rd.TimeFormat.(smf.MetricTicks)
	if !ok {
		return nil, &UnsupportedFormatError{Path: path, Reason: "timecode-based files are not supported"}
	}

	tab := &Tab{Path: path, Tempo: DefaultTempo, Numerator: 4, Denominator: 4}
	if tc := rd.TempoChanges(); len(tc) > 0 && tc[0].BPM > 0 {
		tab.Tempo = tc[0].BPM
	}
	num, den, found := meter(rd)
	if found {
		tab.Numerator, tab.Denominator = int(num), int(den)
	}
	if _, ok := TicksPerBeat[tab.Denominator]; !ok {
		return nil, &UnsupportedFormatError{Path: path, Reason: fmt.Sprintf("time signature denominator %d not supported (1, 2, 4 or 8)", tab.Denominator)}
	}
	if tab.Numerator < 1 {
		return nil, &UnsupportedFormatError{Path: path, Reason: "time signature numerator must be positive"}
	}

	// one beat in file ticks and in tree ticks
	srcBeat := int64(ticks.Resolution()) * 4 / int64(tab.Denominator)
	srcMeasure := srcBeat * int64(tab.Numerator)
	dstBeat := int64(tab.BeatTicks())
	toTree := func(d int64) int { return int(d * dstBeat / srcBeat) }

	var voices [][]onset
	var last int64
	for _, tr := range rd.Tracks {
		on := trackOnsets(tr)
		if len(on) == 0 {
			continue
		}
		voices = append(voices, on)
		if t := on[len(on)-1].tick; t > last {
			last = t
		}
	}
	if len(voices) == 0 {
		return nil, &UnsupportedFormatError{Path: path, Reason: "no notes"}
	}

	measures := int(last/srcMeasure) + 1
	tab.Measures = make([]Measure, measures)
	dropped := 0
	for _, on := range voices {
		for mi := 0; mi < measures; mi++ {
			start := int64(mi) * srcMeasure
			end := start + srcMeasure
			var beats []Beat
			pos := start
			for i, o := range on {
				if o.tick < start || o.tick >= end {
					continue
				}
				if o.tick > pos {
					beats = append(beats, Beat{DurationTicks: toTree(o.tick - pos)})
				}
				next := end
				if i+1 < len(on) && on[i+1].tick < end {
					next = on[i+1].tick
				}
				notes, lost := assignStrings(o.pitches)
				dropped += lost
				beats = append(beats, Beat{DurationTicks: toTree(next - o.tick), Notes: notes})
				pos = next
			}
			if pos < end {
				beats = append(beats, Beat{DurationTicks: toTree(end - pos)})
			}
			tab.Measures[mi].Voices = append(tab.Measures[mi].Voices, Voice{Beats: beats})
		}
	}
	if dropped > 0 {
		log.Warn("tabfile: pitches without a free string dropped", "path", path, "count", dropped)
	}
	if tab.NoteCount() == 0 {
		return nil, &UnsupportedFormatError{Path: path, Reason: "no playable notes"}
	}
	log.Info("tabfile: parsed", "path", path, "tempo", tab.Tempo, "meter", fmt.Sprintf("%d/%d", tab.Numerator, tab.Denominator), "measures", len(tab.Measures), "voices", len(voices), "notes", tab.NoteCount())
	return tab, nil
}

func meter(rd *smf.SMF) (num, den uint8, found bool) {
	for _, tr := range rd.Tracks {
		for _, ev := range tr {
			if ev.Message.GetMetaMeter(&num, &den) {
				return num, den, true
			}
		}
	}
	return 0, 0, false
}

// trackOnsets groups note starts of a track by absolute tick.
func trackOnsets(tr smf.Track) []onset {
	var out []onset
	var abs int64
	for _, ev := range tr {
		abs += int64(ev.Delta)
		var ch, key, vel uint8
		if !midi.Message(ev.Message).GetNoteStart(&ch, &key, &vel) {
			continue
		}
		if n := len(out); n > 0 && out[n-1].tick == abs {
			out[n-1].pitches = append(out[n-1].pitches, int(key))
			continue
		}
		out = append(out, onset{tick: abs, pitches: []int{int(key)}})
	}
	return out
}

// -------------------- String assignment --------------------

// inRangeOrRemap folds a pitch by octaves into the playable range.
func inRangeOrRemap(pitch int) (int, bool) {
	lo := OpenPitch[0]
	hi := OpenPitch[NumStrings-1] + MaxFret
	p := pitch
	for p < lo {
		p += 12
	}
	for p > hi {
		p -= 12
	}
	return p, p >= lo && p <= hi
}

// StringsFor lists the 0-based strings that can sound pitch, lowest fret
// first, ties by string.
func StringsFor(pitch int) []int {
	type pos struct{ s, f int }
	var out []pos
	for s := 0; s < NumStrings; s++ {
		f := pitch - OpenPitch[s]
		if f >= 0 && f <= MaxFret {
			out = append(out, pos{s, f})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].f != out[j].f {
			return out[i].f < out[j].f
		}
		return out[i].s < out[j].s
	})
	strs := make([]int, len(out))
	for i, p := range out {
		strs[i] = p.s
	}
	return strs
}

// assignStrings gives each pitch of a chord its own string. It returns the
// notes and the number of pitches that found no free string.
func assignStrings(pitches []int) ([]Note, int) {
	var claimed [NumStrings]bool
	notes := make([]Note, 0, len(pitches))
	dropped := 0
	sorted := append([]int(nil), pitches...)
	sort.Ints(sorted)
	for _, p := range sorted {
		mapped, ok := inRangeOrRemap(p)
		if !ok {
			dropped++
			continue
		}
		assigned := false
		for _, s := range StringsFor(mapped) {
			if !claimed[s] {
				claimed[s] = true
				notes = append(notes, Note{String: s + 1, Pitch: mapped})
				assigned = true
				break
			}
		}
		if !assigned {
			dropped++
		}
	}
	return notes, dropped
}
