// Package config loads the looper's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chase3718/lou-looper/internal/metronome"
)

type Config struct {
	TabsRoot     string `yaml:"tabs_root"`
	ExternalRoot string `yaml:"external_root"`

	Serial    Serial    `yaml:"serial"`
	MIDI      MIDI      `yaml:"midi"`
	Servos    Servos    `yaml:"servos"`
	Metronome Metronome `yaml:"metronome"`
	Recorder  Recorder  `yaml:"recorder"`
	Player    Player    `yaml:"player"`
	HTTP      HTTP      `yaml:"http"`
	UI        UI        `yaml:"ui"`
}

type Serial struct {
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`
	DryRun bool   `yaml:"dry_run"`
}

// MIDI selects the controller whose keys act as string buttons. BaseNote is
// the key for string 0; the next five keys map to strings 1..5.
type MIDI struct {
	Preferred []string `yaml:"preferred"`
	Excluded  []string `yaml:"excluded"`
	BaseNote  int      `yaml:"base_note"`
}

type Servos struct {
	Mid        []int `yaml:"mid"`
	LowOffset  []int `yaml:"low_offset"`
	HighOffset []int `yaml:"high_offset"`
}

type Metronome struct {
	Tempo     int  `yaml:"tempo"`
	Beats     int  `yaml:"beats"`
	TempoStep int  `yaml:"tempo_step"`
	Click     bool `yaml:"click"`
}

type Recorder struct {
	PreviewRepeats int `yaml:"preview_repeats"`
}

type Player struct {
	CompletionDelay time.Duration `yaml:"completion_delay"`
}

type HTTP struct {
	Listen string `yaml:"listen"`
}

type UI struct {
	TUI bool `yaml:"tui"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		TabsRoot:     "CustomTabs",
		ExternalRoot: "tabs",
		Serial: Serial{
			Device: "/dev/ttyACM0",
			Baud:   500000,
		},
		MIDI: MIDI{
			Preferred: []string{"Launchkey", "Novation"},
			Excluded:  []string{"Midi Through", "Through Port", "Dummy"},
			BaseNote:  48,
		},
		Servos: Servos{
			Mid:        []int{275, 285, 295, 295, 295, 285},
			LowOffset:  []int{40, 40, 40, 40, 40, 40},
			HighOffset: []int{40, 40, 40, 40, 40, 40},
		},
		Metronome: Metronome{
			Tempo:     60,
			Beats:     4,
			TempoStep: 5,
			Click:     true,
		},
		Recorder: Recorder{PreviewRepeats: 4},
		Player:   Player{CompletionDelay: 200 * time.Millisecond},
		HTTP:     HTTP{Listen: ""},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects settings the looper cannot run with.
func (c Config) Validate() error {
	if c.Metronome.Tempo < metronome.MinTempo || c.Metronome.Tempo > metronome.MaxTempo {
		return fmt.Errorf("metronome.tempo must be %d-%d, got %d", metronome.MinTempo, metronome.MaxTempo, c.Metronome.Tempo)
	}
	if c.Metronome.Beats < metronome.MinBeats || c.Metronome.Beats > metronome.MaxBeats {
		return fmt.Errorf("metronome.beats must be %d-%d, got %d", metronome.MinBeats, metronome.MaxBeats, c.Metronome.Beats)
	}
	if c.Metronome.TempoStep < 1 {
		return fmt.Errorf("metronome.tempo_step must be >= 1, got %d", c.Metronome.TempoStep)
	}
	for name, v := range map[string][]int{
		"servos.mid":         c.Servos.Mid,
		"servos.low_offset":  c.Servos.LowOffset,
		"servos.high_offset": c.Servos.HighOffset,
	} {
		if len(v) != 6 {
			return fmt.Errorf("%s needs 6 values, got %d", name, len(v))
		}
	}
	if c.Recorder.PreviewRepeats < 1 {
		return fmt.Errorf("recorder.preview_repeats must be >= 1, got %d", c.Recorder.PreviewRepeats)
	}
	if c.Player.CompletionDelay < 0 {
		return fmt.Errorf("player.completion_delay must be >= 0, got %s", c.Player.CompletionDelay)
	}
	if c.MIDI.BaseNote < 0 || c.MIDI.BaseNote > 122 {
		return fmt.Errorf("midi.base_note must leave room for 6 keys, got %d", c.MIDI.BaseNote)
	}
	if c.TabsRoot == "" {
		return errors.New("tabs_root must be set")
	}
	return nil
}
