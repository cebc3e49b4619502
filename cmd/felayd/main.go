// Package main provides the entry point for the felay daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zqq-nuli/felay/internal/config"
	"github.com/zqq-nuli/felay/internal/daemon"
	"github.com/zqq-nuli/felay/internal/logging"
	"github.com/zqq-nuli/felay/internal/router"
)

var (
	logLevel = flag.String("log-level", "", "Log level (debug, info, warn, error)")
	logFile  = flag.Bool("log-file", false, "Also log to ~/.felay/daemon.log")
	pretty   = flag.Bool("pretty", false, "Human-readable log output")
	version  = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("felayd %s\n", router.Version)
		os.Exit(0)
	}

	rt, err := config.LoadRuntime()
	if err != nil {
		fmt.Fprintf(os.Stderr, "felayd: bad environment: %v\n", err)
		os.Exit(1)
	}

	paths := config.GetPaths()
	if rt.Home != "" {
		paths = &config.Paths{Home: rt.Home}
	}

	level := rt.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	logCfg := logging.Config{
		Level:  logging.ParseLevel(level),
		Output: os.Stderr,
		Pretty: *pretty || rt.LogPretty,
	}
	if *logFile || rt.LogToFile {
		logCfg.LogPath = paths.LogPath()
	}
	logging.Init(logCfg)
	defer logging.Close()

	d, err := daemon.New(paths)
	if err != nil {
		logging.Error().Err(err).Msg("daemon startup failed")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.Run(ctx); err != nil {
		logging.Error().Err(err).Msg("daemon failed")
		os.Exit(1)
	}
}
