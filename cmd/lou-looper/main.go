// Command lou-looper runs the servo guitar looper: menu, metronome, loop
// recording and playback, driven from a MIDI controller, the terminal or HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/chase3718/lou-looper/internal/actuator"
	"github.com/chase3718/lou-looper/internal/click"
	"github.com/chase3718/lou-looper/internal/config"
	"github.com/chase3718/lou-looper/internal/httpapi"
	"github.com/chase3718/lou-looper/internal/loopstore"
	"github.com/chase3718/lou-looper/internal/menu"
	"github.com/chase3718/lou-looper/internal/metronome"
	"github.com/chase3718/lou-looper/internal/midiin"
	"github.com/chase3718/lou-looper/internal/scheduler"
	"github.com/chase3718/lou-looper/internal/session"
	"github.com/chase3718/lou-looper/internal/tui"
)

// -------------------- Logger --------------------

var logger = slog.Default()

// initLogger configures the shared slog logger and makes it the default.
func initLogger(debug bool, w io.Writer) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: debug,
	})
	logger = slog.New(h)
	slog.SetDefault(logger)
}

// -------------------- Main --------------------

func main() {
	cfgPath := flag.String("config", "lou-looper.yaml", "YAML configuration file")
	debug := flag.Bool("debug", false, "enable debug logging (adds source location)")
	serialDev := flag.String("serial", "", "serial port device (overrides config)")
	baud := flag.Int("baud", 0, "serial baud rate (overrides config)")
	dry := flag.Bool("dry", false, "log MCU frames instead of opening the serial port")
	listen := flag.String("listen", "", "HTTP control address, e.g. :8080 (overrides config)")
	useTUI := flag.Bool("tui", false, "show the display in the terminal")
	logPath := flag.String("log", "", "write logs to this file instead of stderr")
	flag.Parse()

	if err := run(*cfgPath, *debug, *serialDev, *baud, *dry, *listen, *useTUI, *logPath); err != nil {
		logger.Error("lou-looper: fatal", "err", err)
		os.Exit(1)
	}
}

func run(cfgPath string, debug bool, serialDev string, baud int, dry bool, listen string, useTUI bool, logPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		initLogger(debug, os.Stderr)
		return err
	}
	if serialDev != "" {
		cfg.Serial.Device = serialDev
	}
	if baud > 0 {
		cfg.Serial.Baud = baud
	}
	if dry {
		cfg.Serial.DryRun = true
	}
	if listen != "" {
		cfg.HTTP.Listen = listen
	}
	if useTUI {
		cfg.UI.TUI = true
	}

	var logOut io.Writer = os.Stderr
	switch {
	case logPath != "":
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log %s: %w", logPath, err)
		}
		defer f.Close()
		logOut = f
	case cfg.UI.TUI:
		// stderr would tear the alternate screen
		logOut = io.Discard
	}
	initLogger(debug, logOut)
	logger.Info("lou-looper starting",
		"config", cfgPath,
		"serial", cfg.Serial.Device,
		"baud", cfg.Serial.Baud,
		"dry_run", cfg.Serial.DryRun,
		"tabs_root", cfg.TabsRoot,
		"tempo", cfg.Metronome.Tempo,
		"beats", cfg.Metronome.Beats,
		"debug", debug,
	)

	// -------------------- Hardware --------------------

	var drv actuator.Driver = actuator.LogDriver{Log: logger}
	if !cfg.Serial.DryRun {
		sp, err := actuator.OpenSerial(cfg.Serial.Device, cfg.Serial.Baud, logger)
		if err != nil {
			return err
		}
		drv = sp
	}
	defer drv.Close()

	cal := calibration(cfg.Servos)
	if err := cal.Validate(); err != nil {
		return fmt.Errorf("servos: %w", err)
	}
	servos := actuator.NewServos(drv, cal, logger)
	defer servos.SetAllLow()

	metOpts := []metronome.Option{
		metronome.WithLogger(logger),
		metronome.WithTempoStep(cfg.Metronome.TempoStep),
		metronome.WithPulser(actuator.Buzzer{Driver: drv, Log: logger}),
	}
	if cfg.Metronome.Click {
		cp, err := click.New(logger)
		if err != nil {
			logger.Warn("click: audio unavailable, buzzer only", "err", err)
		} else {
			defer cp.Close()
			metOpts = append(metOpts, metronome.WithPulser(cp))
		}
	}
	met := metronome.New(cfg.Metronome.Tempo, cfg.Metronome.Beats, metOpts...)
	defer met.Stop()

	// -------------------- Sessions --------------------

	recSched := scheduler.New(scheduler.WithName("recorder"), scheduler.WithLogger(logger))
	defer recSched.Close()
	playSched := scheduler.New(scheduler.WithName("player"), scheduler.WithLogger(logger))
	defer playSched.Close()

	store := loopstore.New(cfg.TabsRoot, cfg.ExternalRoot, logger)
	rec := session.NewRecorder(met, servos, store, recSched,
		session.WithLogger(logger),
		session.WithPreviewRepeats(cfg.Recorder.PreviewRepeats),
	)
	player := session.NewPlayer(store, servos, playSched,
		session.WithLogger(logger),
		session.WithCompletionDelay(cfg.Player.CompletionDelay),
	)
	defer player.Stop()

	redraw := menu.NewRedraw()
	nav := menu.NewNavigator(menu.Build(menu.Deps{
		Store:      store,
		Metronome:  met,
		Recorder:   rec,
		Player:     player,
		Servos:     servos,
		Calibrator: servos,
		Redraw:     redraw,
	}), logger)

	// -------------------- Run --------------------

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	watcher, err := midiin.NewWatcher(midiin.Options{
		Preferred: cfg.MIDI.Preferred,
		Excluded:  cfg.MIDI.Excluded,
		BaseNote:  cfg.MIDI.BaseNote,
	}, servos.Press, func() {
		logger.Warn("midi: disconnect, releasing all strings")
		servos.SetAllLow()
	}, logger)
	if err != nil {
		logger.Warn("midi: controller input disabled", "err", err)
	} else {
		defer watcher.Close()
		g.Go(func() error { return watcher.Run(ctx) })
	}

	if cfg.HTTP.Listen != "" {
		srv := httpapi.New(nav, servos, store, rec, player, logger)
		g.Go(func() error { return srv.Serve(ctx, cfg.HTTP.Listen) })
	}

	if cfg.UI.TUI {
		g.Go(func() error {
			defer stop()
			return tui.Run(ctx, nav, servos,
				tui.WithRedraw(redraw.C()),
				tui.WithStatus(func() string { return midiStatus(watcher) }),
			)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("lou-looper: shutting down")
		return nil
	})

	logger.Info("running", "display", nav.Display().Line1)
	return g.Wait()
}

func midiStatus(w *midiin.Watcher) string {
	if w == nil {
		return "MIDI: disabled"
	}
	if name, ok := w.Connected(); ok {
		return "MIDI: " + name
	}
	return "MIDI: none"
}

func calibration(s config.Servos) actuator.Calibration {
	var cal actuator.Calibration
	copy(cal.Mid[:], s.Mid)
	copy(cal.LowOffset[:], s.LowOffset)
	copy(cal.HighOffset[:], s.HighOffset)
	return cal
}
