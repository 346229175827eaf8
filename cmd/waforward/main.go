// Copyright 2024-2026 Aiku AI

// Command waforward keeps messaging sessions connected and forwards marked
// messages from one sender to a set of target chats.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/aiku/waforward/pkg/config"
	"github.com/aiku/waforward/pkg/connector"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath      = flag.StringP("config", "c", "config.yaml", "Path to the config file (YAML or TOML).")
	generateExample = flag.BoolP("generate-example-config", "e", false, "Write an example config to --config and exit.")
	noSave          = flag.Bool("no-update", false, "Do not write upgraded config values back to the config file.")
	version         = flag.BoolP("version", "v", false, "Print the version and exit.")
	help            = flag.BoolP("help", "h", false, "Show this help.")
)

func main() {
	flag.Parse()
	if *help {
		flag.Usage()
		return
	}
	if *version {
		fmt.Printf("waforward %s (commit %s, built %s)\n", Tag, Commit, BuildTime)
		return
	}
	if *generateExample {
		if err := config.WriteExample(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("Wrote example config to %s\n", *configPath)
		return
	}
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(*configPath, !*noSave)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 10
	}
	log, err := cfg.Logger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 11
	}
	log.Info().Str("version", Tag).Str("commit", Commit).Str("built", BuildTime).Msg("Starting waforward")

	conn := connector.New(cfg, *log)
	if err = conn.Init(); err != nil {
		log.Err(err).Msg("Failed to initialize")
		return 12
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err = conn.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Err(err).Msg("Stopped with error")
		return 1
	}
	log.Info().Msg("Stopped")
	return 0
}
