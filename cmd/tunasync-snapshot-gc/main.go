// Command tunasync-snapshot-gc reclaims the retired btrfs subvolumes that
// SnapshotHook leaves behind after a successful sync: each commit renames
// the previous service_dir out of the way instead of deleting it inline,
// so disk usage grows until this is run (typically from cron).
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"github.com/tuna/tunasync/internal/config"
	"github.com/tuna/tunasync/internal/hooks"
	"github.com/tuna/tunasync/internal/supervisor"
)

const defaultPattern = `^_gc_[0-9]+$`

func main() {
	if err := run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	root       string
	pattern    string
	maxLevel   int
	jsonLogs   bool
}

func run(args []string) error {
	var opts options

	flags := flag.NewFlagSet("tunasync-snapshot-gc", flag.ContinueOnError)
	flags.StringVar(&opts.configPath, "c", "", "path to tunasync's TOML configuration (sweeps mirror_root and the parent of every snapshot-enabled mirror's service_dir)")
	flags.StringVar(&opts.configPath, "config", "", "path to tunasync's TOML configuration (sweeps mirror_root and the parent of every snapshot-enabled mirror's service_dir)")
	flags.StringVar(&opts.root, "root", "", "sweep this directory directly instead of reading a configuration file")
	flags.StringVar(&opts.pattern, "pattern", defaultPattern, "regexp a directory name must match to be considered garbage")
	flags.IntVar(&opts.maxLevel, "max-level", 1, "how many directory levels deep to descend while sweeping")
	flags.BoolVar(&opts.jsonLogs, "json", false, "emit logs as JSON instead of colorized text")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: tunasync-snapshot-gc (-c config | --root dir) [--pattern re] [--max-level n]\n\n")
		flags.PrintDefaults()
	}

	if err := flags.Parse(args[1:]); err != nil {
		return fmt.Errorf("parsing arguments: %w", err)
	}

	if opts.configPath == "" && opts.root == "" {
		flags.Usage()

		return fmt.Errorf("either -c/--config or --root must be given")
	}

	re, err := regexp.Compile(opts.pattern)
	if err != nil {
		return fmt.Errorf("invalid --pattern: %w", err)
	}

	isGCName := re.MatchString
	log := supervisor.NewLogger(opts.jsonLogs, slog.LevelInfo)

	roots, err := gcRoots(opts, log)
	if err != nil {
		return err
	}

	for _, root := range roots {
		if err := sweepLevels(log, root, isGCName, opts.maxLevel); err != nil {
			log.Error("sweep failed", "root", root, "error", err)
		}
	}

	return nil
}

// gcRoots resolves the set of directories to sweep: either the single
// explicit --root, or every snapshot-enabled mirror's service_dir parent
// plus the global mirror_root, derived from the daemon's own configuration.
func gcRoots(opts options, log *slog.Logger) ([]string, error) {
	if opts.root != "" {
		return []string{opts.root}, nil
	}

	settings, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	mirrors, err := config.DeriveAll(settings)
	if err != nil {
		return nil, fmt.Errorf("deriving mirror configuration: %w", err)
	}

	seen := make(map[string]bool)
	roots := []string{settings.Global.MirrorRoot}
	seen[settings.Global.MirrorRoot] = true

	for _, mc := range mirrors {
		if !mc.UseSnapshot {
			continue
		}

		dir := filepath.Dir(mc.ServiceDirTmpl)
		if seen[dir] {
			continue
		}

		seen[dir] = true
		roots = append(roots, dir)
	}

	log.Info("resolved sweep roots", "count", len(roots))

	return roots, nil
}

// sweepLevels runs GCSweep on root and, while levels remain, descends into
// every surviving (non-garbage) subdirectory and sweeps it too. A
// max-level of 1, the default, matches the single-directory behavior
// tunasync has always had; raising it lets a deeper layout be swept in
// one invocation.
func sweepLevels(log *slog.Logger, root string, isGCName func(string) bool, levels int) error {
	if levels <= 0 {
		return nil
	}

	if err := hooks.GCSweep(log, root, isGCName); err != nil {
		return err
	}

	if levels == 1 {
		return nil
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("failed to read %q: %w", root, err)
	}

	for _, e := range entries {
		if !e.IsDir() || isGCName(e.Name()) {
			continue
		}

		if err := sweepLevels(log, filepath.Join(root, e.Name()), isGCName, levels-1); err != nil {
			log.Error("sweep failed", "path", filepath.Join(root, e.Name()), "error", err)
		}
	}

	return nil
}
