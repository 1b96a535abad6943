// Package loopstore keeps recorded Tabs on disk. A Tab is a directory holding
// a Meta file (tempo, beats per loop, loop list) and one file per Loop.
package loopstore

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chase3718/lou-looper/internal/metronome"
)

const (
	NumStrings = 6

	MetaFile       = "Meta"
	legacyMetaFile = "MetaDefault.agu"
	LoopPrefix     = "Loop_"
	TabPrefix      = "tab_"
)

// TabID names a tab directory under the store root.
type TabID string

// NoteEvent is one pluck onset inside a bar, as a fraction of bar duration.
type NoteEvent struct {
	String int
	Onset  float64
}

// RawEvent is a captured pluck, in seconds from the start of the bar.
type RawEvent struct {
	String  int
	Seconds float64
}

// Meta is the header of a Tab.
type Meta struct {
	Tempo        int
	BeatsPerLoop int
	Loops        []string
}

func (m Meta) LoopCount() int { return len(m.Loops) }

// BarDuration is BeatsPerLoop*60/Tempo.
func (m Meta) BarDuration() time.Duration {
	return time.Duration(float64(m.BeatsPerLoop) * float64(time.Minute) / float64(m.Tempo))
}

// StorageError reports a failed directory or file operation.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("loopstore: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ErrMalformed marks a Meta or Loop file that does not parse.
var ErrMalformed = errors.New("malformed tab file")

// ErrSettings marks a tempo or beat count outside the metronome's range.
var ErrSettings = errors.New("loopstore: tempo or beats out of range")

// Store manages native tabs under root and lists external tab files under
// externalRoot.
type Store struct {
	root         string
	externalRoot string

	mu       sync.Mutex
	tabLocks map[TabID]*sync.Mutex

	log *slog.Logger
}

// New returns a store; directories are created lazily.
func New(root, externalRoot string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		root:         root,
		externalRoot: externalRoot,
		tabLocks:     make(map[TabID]*sync.Mutex),
		log:          log,
	}
}

func (s *Store) Root() string { return s.root }

// TabPath returns the directory of a native tab.
func (s *Store) TabPath(tab TabID) string {
	return filepath.Join(s.root, string(tab))
}

func (s *Store) lockTab(tab TabID) func() {
	s.mu.Lock()
	l, ok := s.tabLocks[tab]
	if !ok {
		l = &sync.Mutex{}
		s.tabLocks[tab] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// -------------------- Create --------------------

// ValidSettings reports whether the metronome can count tempo and
// beatsPerLoop as they are, so recorded bars and stored bars agree.
func ValidSettings(tempo, beatsPerLoop int) error {
	if tempo < metronome.MinTempo || tempo > metronome.MaxTempo ||
		beatsPerLoop < metronome.MinBeats || beatsPerLoop > metronome.MaxBeats {
		return fmt.Errorf("%w: tempo %d (%d-%d), beats %d (%d-%d)", ErrSettings,
			tempo, metronome.MinTempo, metronome.MaxTempo,
			beatsPerLoop, metronome.MinBeats, metronome.MaxBeats)
	}
	return nil
}

// CreateTab allocates the first unused tab_N directory and writes its header.
func (s *Store) CreateTab(tempo, beatsPerLoop int) (TabID, error) {
	if err := ValidSettings(tempo, beatsPerLoop); err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return "", &StorageError{Op: "mkdir", Path: s.root, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var tab TabID
	var dir string
	for i := 1; ; i++ {
		tab = TabID(TabPrefix + strconv.Itoa(i))
		dir = filepath.Join(s.root, string(tab))
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", &StorageError{Op: "mkdir", Path: dir, Err: err}
		}
	}

	header := fmt.Sprintf("Tempo,%d\nBeats,%d\n", tempo, beatsPerLoop)
	metaPath := filepath.Join(dir, MetaFile)
	if err := os.WriteFile(metaPath, []byte(header), 0o644); err != nil {
		_ = os.RemoveAll(dir)
		return "", &StorageError{Op: "write", Path: metaPath, Err: err}
	}
	s.log.Info("loopstore: tab created", "tab", tab, "tempo", tempo, "beats", beatsPerLoop)
	return tab, nil
}

// -------------------- Save --------------------

// SaveLoop converts raw bar-relative timestamps to onset fractions, writes
// them as the next Loop_N file and appends it to the tab's loop list. It
// returns the new loop count.
func (s *Store) SaveLoop(tab TabID, events []RawEvent) (int, error) {
	unlock := s.lockTab(tab)
	defer unlock()

	meta, err := s.LoadTabMeta(tab)
	if err != nil {
		return 0, err
	}
	bar := meta.BarDuration().Seconds()

	notes := make([]NoteEvent, 0, len(events))
	for _, ev := range events {
		notes = append(notes, NoteEvent{String: ev.String, Onset: Fraction(ev.Seconds, bar)})
	}
	SortEvents(notes)
	return s.appendLoop(tab, notes)
}

// appendLoop writes notes as a new loop; callers hold the tab lock.
func (s *Store) appendLoop(tab TabID, notes []NoteEvent) (int, error) {
	dir := s.TabPath(tab)
	metaPath, err := s.metaPath(tab)
	if err != nil {
		return 0, err
	}

	var name, loopPath string
	for i := 1; ; i++ {
		name = LoopPrefix + strconv.Itoa(i)
		loopPath = filepath.Join(dir, name)
		if _, err := os.Stat(loopPath); errors.Is(err, fs.ErrNotExist) {
			break
		}
	}

	var b strings.Builder
	for _, n := range notes {
		b.WriteString(strconv.Itoa(n.String))
		b.WriteByte(',')
		b.WriteString(formatFraction(n.Onset))
		b.WriteByte('\n')
	}
	if err := os.WriteFile(loopPath, []byte(b.String()), 0o644); err != nil {
		return 0, &StorageError{Op: "write", Path: loopPath, Err: err}
	}

	f, err := os.OpenFile(metaPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		_ = os.Remove(loopPath)
		return 0, &StorageError{Op: "open", Path: metaPath, Err: err}
	}
	_, werr := f.WriteString(name + "\n")
	cerr := f.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(loopPath)
		return 0, &StorageError{Op: "append", Path: metaPath, Err: errors.Join(werr, cerr)}
	}

	meta, err := s.LoadTabMeta(tab)
	if err != nil {
		return 0, err
	}
	s.log.Info("loopstore: loop saved", "tab", tab, "loop", name, "events", len(notes))
	return meta.LoopCount(), nil
}

// Fraction maps seconds into [0,1) of a bar.
func Fraction(seconds, bar float64) float64 {
	if bar <= 0 || seconds <= 0 {
		return 0
	}
	f := seconds / bar
	if f >= 1 {
		return math.Nextafter(1, 0)
	}
	return f
}

// formatFraction always keeps a decimal point, e.g. 0 -> "0.0".
func formatFraction(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

// SortEvents orders events by onset, then by string.
func SortEvents(events []NoteEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Onset != events[j].Onset {
			return events[i].Onset < events[j].Onset
		}
		return events[i].String < events[j].String
	})
}

// -------------------- Load --------------------

func (s *Store) metaPath(tab TabID) (string, error) {
	dir := s.TabPath(tab)
	for _, name := range []string{MetaFile, legacyMetaFile} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", &StorageError{Op: "stat", Path: filepath.Join(dir, MetaFile), Err: fs.ErrNotExist}
}

// LoadTabMeta reads a tab's tempo, beats and ordered loop list.
func (s *Store) LoadTabMeta(tab TabID) (Meta, error) {
	p, err := s.metaPath(tab)
	if err != nil {
		return Meta{}, err
	}
	f, err := os.Open(p)
	if err != nil {
		return Meta{}, &StorageError{Op: "open", Path: p, Err: err}
	}
	defer f.Close()

	var meta Meta
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		line++
		switch line {
		case 1:
			meta.Tempo, err = headerValue(text, "tempo")
		case 2:
			meta.BeatsPerLoop, err = headerValue(text, "beats")
		default:
			meta.Loops = append(meta.Loops, text)
		}
		if err != nil {
			return Meta{}, &StorageError{Op: "parse", Path: p, Err: err}
		}
	}
	if err := sc.Err(); err != nil {
		return Meta{}, &StorageError{Op: "read", Path: p, Err: err}
	}
	if meta.Tempo <= 0 || meta.BeatsPerLoop < 1 {
		return Meta{}, &StorageError{Op: "parse", Path: p, Err: fmt.Errorf("%w: missing tempo or beats", ErrMalformed)}
	}
	return meta, nil
}

func headerValue(line, key string) (int, error) {
	k, v, ok := strings.Cut(line, ",")
	if !ok || !strings.EqualFold(strings.TrimSpace(k), key) {
		return 0, fmt.Errorf("%w: expected %q header, got %q", ErrMalformed, key, line)
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return n, nil
}

// LoadLoop reads loop index (1-based) of tab, sorted by onset.
func (s *Store) LoadLoop(tab TabID, index int) ([]NoteEvent, error) {
	meta, err := s.LoadTabMeta(tab)
	if err != nil {
		return nil, err
	}
	if index < 1 || index > meta.LoopCount() {
		return nil, &StorageError{Op: "load", Path: s.TabPath(tab), Err: fmt.Errorf("loop %d out of range [1,%d]", index, meta.LoopCount())}
	}
	p := filepath.Join(s.TabPath(tab), meta.Loops[index-1])
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, &StorageError{Op: "read", Path: p, Err: err}
	}

	var events []NoteEvent
	for i, raw := range strings.Split(string(data), "\n") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ev, err := parseEvent(raw)
		if err != nil {
			return nil, &StorageError{Op: "parse", Path: fmt.Sprintf("%s:%d", p, i+1), Err: err}
		}
		events = append(events, ev)
	}
	SortEvents(events)
	return events, nil
}

func parseEvent(line string) (NoteEvent, error) {
	a, b, ok := strings.Cut(line, ",")
	if !ok {
		return NoteEvent{}, fmt.Errorf("%w: %q", ErrMalformed, line)
	}
	str, err := strconv.Atoi(strings.TrimSpace(a))
	if err != nil || str < 0 || str >= NumStrings {
		return NoteEvent{}, fmt.Errorf("%w: bad string in %q", ErrMalformed, line)
	}
	onset, err := strconv.ParseFloat(strings.TrimSpace(b), 64)
	if err != nil || onset < 0 || onset >= 1 {
		return NoteEvent{}, fmt.Errorf("%w: bad onset in %q", ErrMalformed, line)
	}
	return NoteEvent{String: str, Onset: onset}, nil
}
