package loopstore

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/chase3718/lou-looper/internal/tabfile"
)

// Filter selects which tab kinds ListAvailableTabs returns.
type Filter int

const (
	FilterAll Filter = iota
	FilterNative
	FilterExternal
)

// TabRef is one entry of the tab list.
type TabRef struct {
	Name   string
	Path   string
	Native bool
}

// ListAvailableTabs returns native tabs with a readable Meta file and
// external tab files that parse, sorted by name.
func (s *Store) ListAvailableTabs(filter Filter) ([]TabRef, error) {
	var refs []TabRef
	if filter == FilterAll || filter == FilterNative {
		native, err := s.listNative()
		if err != nil {
			return nil, err
		}
		refs = append(refs, native...)
	}
	if filter == FilterAll || filter == FilterExternal {
		external, err := s.listExternal()
		if err != nil {
			return nil, err
		}
		refs = append(refs, external...)
	}
	sort.SliceStable(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

func (s *Store) listNative() ([]TabRef, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "list", Path: s.root, Err: err}
	}
	var refs []TabRef
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := s.LoadTabMeta(TabID(e.Name())); err != nil {
			s.log.Debug("loopstore: skipping directory", "dir", e.Name(), "err", err)
			continue
		}
		refs = append(refs, TabRef{Name: e.Name(), Path: filepath.Join(s.root, e.Name()), Native: true})
	}
	return refs, nil
}

func (s *Store) listExternal() ([]TabRef, error) {
	if s.externalRoot == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(s.externalRoot)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "list", Path: s.externalRoot, Err: err}
	}
	var refs []TabRef
	for _, e := range entries {
		if e.IsDir() || !tabfile.IsTabFile(e.Name()) {
			continue
		}
		p := filepath.Join(s.externalRoot, e.Name())
		if _, err := tabfile.Parse(p, s.log); err != nil {
			s.log.Debug("loopstore: skipping external file", "file", e.Name(), "err", err)
			continue
		}
		refs = append(refs, TabRef{Name: e.Name(), Path: p})
	}
	return refs, nil
}

// Import creates a native tab holding one loop per measure of an external tab.
func (s *Store) Import(t *tabfile.Tab) (TabID, error) {
	tempo := int(math.Round(t.Tempo))
	if err := ValidSettings(tempo, t.Numerator); err != nil {
		return "", fmt.Errorf("import %s: %w", t.Path, err)
	}
	tab, err := s.CreateTab(tempo, t.Numerator)
	if err != nil {
		return "", err
	}
	unlock := s.lockTab(tab)
	defer unlock()

	for _, bar := range t.Bars() {
		notes := make([]NoteEvent, 0, len(bar))
		for _, o := range bar {
			notes = append(notes, NoteEvent{String: o.String, Onset: o.Fraction})
		}
		if _, err := s.appendLoop(tab, notes); err != nil {
			_ = os.RemoveAll(s.TabPath(tab))
			return "", err
		}
	}
	s.log.Info("loopstore: tab imported", "tab", tab, "source", t.Path, "loops", len(t.Measures))
	return tab, nil
}
