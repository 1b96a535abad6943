// Command tab2loop converts external tablature files into native loop tabs,
// one loop per measure.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/chase3718/lou-looper/internal/config"
	"github.com/chase3718/lou-looper/internal/loopstore"
	"github.com/chase3718/lou-looper/internal/tabfile"
)

func main() {
	cfgPath := flag.String("config", "lou-looper.yaml", "YAML configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: tab2loop [flags] file.mid ...\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level, AddSource: *debug}))
	slog.SetDefault(log)

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Error("tab2loop: config", "err", err)
		os.Exit(1)
	}
	store := loopstore.New(cfg.TabsRoot, cfg.ExternalRoot, log)

	failed := 0
	for _, path := range flag.Args() {
		tab, err := convert(store, path, log)
		if err != nil {
			var unsupported *tabfile.UnsupportedFormatError
			if errors.As(err, &unsupported) {
				log.Warn("tab2loop: skipped", "file", path, "reason", unsupported.Reason)
			} else {
				log.Error("tab2loop: failed", "file", path, "err", err)
			}
			failed++
			continue
		}
		fmt.Printf("%s -> %s\n", path, store.TabPath(tab))
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func convert(store *loopstore.Store, path string, log *slog.Logger) (loopstore.TabID, error) {
	t, err := tabfile.Parse(path, log)
	if err != nil {
		return "", err
	}
	if len(t.Measures) == 0 {
		return "", fmt.Errorf("%s: no measures", path)
	}
	return store.Import(t)
}
