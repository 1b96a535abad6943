package loopstore

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/chase3718/lou-looper/internal/tabfile"
)

func TestCreateTabAllocatesSequentialNames(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "CustomTabs"), "", nil)
	for i, want := range []TabID{"tab_1", "tab_2", "tab_3"} {
		got, err := s.CreateTab(120, 4)
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		if got != want {
			t.Fatalf("tab %d = %q, want %q", i, got, want)
		}
	}
	data, err := os.ReadFile(filepath.Join(s.TabPath("tab_1"), MetaFile))
	if err != nil {
		t.Fatalf("read meta: %v", err)
	}
	if string(data) != "Tempo,120\nBeats,4\n" {
		t.Fatalf("meta = %q", data)
	}
}

func TestCreateTabUnwritableRoot(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	s := New(filepath.Join(blocker, "tabs"), "", nil)
	_, err := s.CreateTab(120, 4)
	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want StorageError", err)
	}
}

func TestSaveLoopWritesFractions(t *testing.T) {
	s := New(t.TempDir(), "", nil)
	tab, err := s.CreateTab(120, 4)
	if err != nil {
		t.Fatal(err)
	}
	n, err := s.SaveLoop(tab, []RawEvent{{String: 0, Seconds: 0}, {String: 4, Seconds: 1.0}})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if n != 1 {
		t.Fatalf("loop count = %d, want 1", n)
	}
	data, err := os.ReadFile(filepath.Join(s.TabPath(tab), "Loop_1"))
	if err != nil {
		t.Fatalf("read loop: %v", err)
	}
	if string(data) != "0,0.0\n4,0.5\n" {
		t.Fatalf("loop file = %q, want %q", data, "0,0.0\n4,0.5\n")
	}

	n, err = s.SaveLoop(tab, []RawEvent{{String: 2, Seconds: 0.5}})
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	meta, err := s.LoadTabMeta(tab)
	if err != nil {
		t.Fatalf("meta: %v", err)
	}
	if n != 2 || meta.LoopCount() != 2 || meta.Loops[1] != "Loop_2" {
		t.Fatalf("meta = %+v, count %d", meta, n)
	}
}

func TestLoopRoundTrip(t *testing.T) {
	s := New(t.TempDir(), "", nil)
	tab, err := s.CreateTab(60, 4) // 4s bar
	if err != nil {
		t.Fatal(err)
	}
	raw := []RawEvent{{String: 3, Seconds: 2.5}, {String: 1, Seconds: 0.3}, {String: 5, Seconds: 0.3}, {String: 2, Seconds: 1.0}}
	if _, err := s.SaveLoop(tab, raw); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadLoop(tab, 1)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := []NoteEvent{{1, 0.075}, {5, 0.075}, {2, 0.25}, {3, 0.625}}
	if len(got) != len(want) {
		t.Fatalf("loaded %v, want %v", got, want)
	}
	for i := range want {
		if got[i].String != want[i].String || math.Abs(got[i].Onset-want[i].Onset) > 1e-9 {
			t.Fatalf("loaded %v, want %v", got, want)
		}
	}
	if _, err := s.LoadLoop(tab, 2); err == nil {
		t.Fatalf("loading missing loop succeeded")
	}
}

func TestLoadTabMetaAcceptsLegacyHeader(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "tab_7")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, legacyMetaFile), []byte("Tempo, 90\nBeats, 3\nLoop_1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	meta, err := New(root, "", nil).LoadTabMeta("tab_7")
	if err != nil {
		t.Fatalf("meta: %v", err)
	}
	if meta.Tempo != 90 || meta.BeatsPerLoop != 3 || meta.LoopCount() != 1 {
		t.Fatalf("meta = %+v", meta)
	}
}

func TestFractionClampsIntoBar(t *testing.T) {
	if got := Fraction(-0.01, 2); got != 0 {
		t.Fatalf("Fraction(-0.01) = %v, want 0", got)
	}
	if got := Fraction(2.001, 2); got >= 1 {
		t.Fatalf("Fraction(2.001, 2) = %v, want < 1", got)
	}
}

func writeExternal(t *testing.T, dir, name string) string {
	t.Helper()
	sm := smf.New()
	sm.TimeFormat = smf.MetricTicks(960)
	var track0 smf.Track
	track0.Add(0, smf.MetaMeter(3, 4))
	track0.Add(0, smf.MetaTempo(90))
	track0.Close(0)
	if err := sm.Add(track0); err != nil {
		t.Fatal(err)
	}
	var track smf.Track
	track.Add(0, midi.NoteOn(0, 40, 100))
	track.Add(2880, midi.NoteOn(0, 64, 100)) // second bar
	track.Close(960)
	if err := sm.Add(track); err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(dir, name)
	if err := sm.WriteFile(p); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestListAvailableTabsFilters(t *testing.T) {
	root := t.TempDir()
	ext := t.TempDir()
	s := New(root, ext, nil)
	if _, err := s.CreateTab(100, 4); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(root, "junk"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeExternal(t, ext, "riff.mid")
	if err := os.WriteFile(filepath.Join(ext, "broken.mid"), []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}

	all, err := s.ListAvailableTabs(FilterAll)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].Name != "riff.mid" || all[1].Name != "tab_1" {
		t.Fatalf("all = %+v", all)
	}
	native, _ := s.ListAvailableTabs(FilterNative)
	if len(native) != 1 || !native[0].Native {
		t.Fatalf("native = %+v", native)
	}
	external, _ := s.ListAvailableTabs(FilterExternal)
	if len(external) != 1 || external[0].Native {
		t.Fatalf("external = %+v", external)
	}
}

func TestImportCreatesLoopPerMeasure(t *testing.T) {
	s := New(t.TempDir(), "", nil)
	p := writeExternal(t, t.TempDir(), "riff.mid")
	parsed, err := tabfile.Parse(p, nil)
	if err != nil {
		t.Fatal(err)
	}
	tab, err := s.Import(parsed)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	meta, err := s.LoadTabMeta(tab)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Tempo != 90 || meta.BeatsPerLoop != 3 || meta.LoopCount() != 2 {
		t.Fatalf("meta = %+v", meta)
	}
	second, err := s.LoadLoop(tab, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 1 || second[0].String != 5 || second[0].Onset != 0 {
		t.Fatalf("loop 2 = %v, want [{5 0}]", second)
	}
}

func TestCreateTabRejectsSettingsTheMetronomeCannotCount(t *testing.T) {
	root := t.TempDir()
	s := New(root, "", nil)
	for _, c := range []struct{ tempo, beats int }{{480, 40}, {0, 4}, {120, 0}, {120, 33}} {
		if _, err := s.CreateTab(c.tempo, c.beats); !errors.Is(err, ErrSettings) {
			t.Fatalf("CreateTab(%d, %d) err = %v, want ErrSettings", c.tempo, c.beats, err)
		}
	}
	entries, _ := os.ReadDir(root)
	if len(entries) != 0 {
		t.Fatalf("rejected tabs left %d entries", len(entries))
	}
	if _, err := s.CreateTab(400, 32); err != nil {
		t.Fatalf("CreateTab(400, 32): %v", err)
	}
}

func TestImportRejectsOutOfRangeTempo(t *testing.T) {
	s := New(t.TempDir(), "", nil)
	fast := &tabfile.Tab{Path: "fast.mid", Tempo: 480, Numerator: 4, Denominator: 4, Measures: []tabfile.Measure{{}}}
	if _, err := s.Import(fast); !errors.Is(err, ErrSettings) {
		t.Fatalf("import err = %v, want ErrSettings", err)
	}
}

func TestParseEventRejectsOnsetOne(t *testing.T) {
	if _, err := parseEvent("2,1.0"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("onset 1.0 err = %v, want ErrMalformed", err)
	}
	ev, err := parseEvent("2,0.999")
	if err != nil || ev.String != 2 {
		t.Fatalf("parseEvent(2,0.999) = %+v, %v", ev, err)
	}
}
