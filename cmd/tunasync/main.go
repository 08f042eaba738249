// Command tunasync is the mirror job supervisor daemon: it loads a TOML
// configuration, spawns one worker goroutine per configured mirror, and
// serves operator commands from tunasynctl over a Unix control socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"github.com/tuna/tunasync/internal/supervisor"
)

const exitTimeout = 10 * time.Second

const (
	exitCodeSuccess       = 0
	exitCodeFailure       = 1
	exitCodeConfigFailure = 2
)

var defaultLogLevel = slog.LevelInfo

func main() {
	var exitCode int

	defer func() { os.Exit(exitCode) }()

	opts, err := parseArgs(os.Args)
	if err != nil {
		exitCode = exitCodeConfigFailure

		return
	}

	level, levelErr := parseLogLevel(opts.logLevel)
	if levelErr != nil {
		level = defaultLogLevel
	}

	log := supervisor.NewLogger(opts.jsonLogs, level)

	sup, err := supervisor.New(afero.NewOsFs(), opts.configPath, log)
	if err != nil {
		log.Error("failed to load configuration", "path", opts.configPath, "error", err)
		exitCode = exitCodeConfigFailure

		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	doneChan := make(chan error, 1)

	go func() {
		doneChan <- sup.Run(ctx)
	}()

	select {
	case err := <-doneChan:
		if err != nil {
			log.Error("supervisor exited with error", "error", err)
			exitCode = exitCodeFailure
		}

		return

	case <-sigChan:
		log.Warn("received interrupt signal; shutting down (waiting up to 10s)...")
		cancel()

		select {
		case err := <-doneChan:
			if err != nil {
				log.Error("supervisor exited with error", "error", err)
				exitCode = exitCodeFailure
			}

			return

		case <-time.After(exitTimeout):
			log.Error("timed out waiting for supervisor to exit; forcing termination")
			exitCode = exitCodeFailure

			return
		}
	}
}

type options struct {
	configPath string
	logLevel   string
	jsonLogs   bool
}

func parseArgs(args []string) (options, error) {
	var opts options

	flags := flag.NewFlagSet("tunasync", flag.ContinueOnError)
	flags.StringVar(&opts.configPath, "c", "/etc/tunasync/tunasync.conf", "path to the daemon's TOML configuration file")
	flags.StringVar(&opts.configPath, "config", "/etc/tunasync/tunasync.conf", "path to the daemon's TOML configuration file")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log verbosity: debug, info, warn, error")
	flags.BoolVar(&opts.jsonLogs, "json", false, "emit logs as JSON instead of colorized text")

	if err := flags.Parse(args[1:]); err != nil {
		return options{}, fmt.Errorf("parsing arguments: %w", err)
	}

	return opts, nil
}

func parseLogLevel(levelStr string) (slog.Level, error) {
	switch strings.TrimSpace(strings.ToLower(levelStr)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return defaultLogLevel, fmt.Errorf("unrecognized log level %q", levelStr)
	}
}
