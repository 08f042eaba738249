package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tuna/tunasync/internal/hooks"
	"github.com/tuna/tunasync/internal/procrunner"
)

// ErrUnknownStage1Profile is returned when a two-stage mirror names a
// stage1_profile this binary does not recognize.
var ErrUnknownStage1Profile = errors.New("unrecognized stage1 profile")

var stage1Options = []string{
	"-aHvh", "--no-o", "--no-g",
	"--exclude", ".~tmp~/",
	"--safe-links", "--timeout=120", "--contimeout=120",
}

var stage2Extra = []string{
	"--stats", "--delete", "--delete-after", "--delay-updates",
}

// stage1Profiles maps a named metadata profile to the extra --exclude
// patterns stage 1 applies.
var stage1Profiles = map[string][]string{
	"debian": {
		"Packages*", "Sources*", "Release*",
		"InRelease", "i18n/*", "ls-lR*",
	},
}

// TwoStageRsyncConfig holds the static fields needed to build a
// TwoStageRsync provider.
type TwoStageRsyncConfig struct {
	RsyncConfig

	Stage1Profile string
}

// TwoStageRsync runs a metadata-light stage 1 before a full stage 2 sync,
// Stage 1 failure aborts stage 2; the final status is stage 2's.
type TwoStageRsync struct {
	Rsync

	stage1Excludes []string
}

// NewTwoStageRsync builds a TwoStageRsync provider, validating the named
// stage1 profile up front.
func NewTwoStageRsync(cfg TwoStageRsyncConfig) (*TwoStageRsync, error) {
	excludes, ok := stage1Profiles[cfg.Stage1Profile]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStage1Profile, cfg.Stage1Profile)
	}

	return &TwoStageRsync{
		Rsync:          *NewRsync(cfg.RsyncConfig),
		stage1Excludes: excludes,
	}, nil
}

func (t *TwoStageRsync) stage1Argv(dest string) []string {
	args := make([]string, 0, len(stage1Options)+2*len(t.stage1Excludes)+6)
	args = append(args, stage1Options...)

	for _, exc := range t.stage1Excludes {
		args = append(args, "--exclude", exc)
	}

	if t.useIPv6 {
		args = append(args, "-6")
	}

	if t.excludeFile != "" {
		args = append(args, "--exclude-from", t.excludeFile)
	}

	args = append(args, t.upstreamURL, dest)

	return args
}

func (t *TwoStageRsync) stage2Argv(dest string) []string {
	args := make([]string, 0, len(stage1Options)+len(stage2Extra)+6)
	args = append(args, stage1Options...)
	args = append(args, stage2Extra...)

	if t.useIPv6 {
		args = append(args, "-6")
	}

	if t.excludeFile != "" {
		args = append(args, "--exclude-from", t.excludeFile)
	}

	args = append(args, t.upstreamURL, dest)

	return args
}

// Run executes stage 1 then, if it succeeds, stage 2, both logging into the
// same file. The returned handle is stage 2's (or stage 1's, if stage 1
// failed and there is nothing left to wait on).
func (t *TwoStageRsync) Run(ctx context.Context, jctx *hooks.JobContext) (*procrunner.Handle, error) {
	dest := currentDir(jctx, t.localDir)
	logFile := resolveLogFile(jctx, t.logFileTmpl)
	jctx.LogFile = logFile

	env := mergedEnvIfPassword(t.password)

	writeStageBanner(logFile, 1, false)

	h1, err := procrunner.Spawn(ctx, append([]string{"rsync"}, t.stage1Argv(dest)...), env, procrunner.Sink{LogFile: logFile, Append: true})
	if err != nil {
		return nil, err
	}

	code, err := h1.Wait()
	if err != nil || code != 0 {
		return h1, nil // exec stage maps non-zero/err to fail; stage 2 is skipped
	}

	writeStageBanner(logFile, 2, true)

	return procrunner.Spawn(ctx, append([]string{"rsync"}, t.stage2Argv(dest)...), env, procrunner.Sink{LogFile: logFile, Append: true})
}

// writeStageBanner marks the start of a stage in the shared log file,
// mirroring the original Python provider's "==== Stage N Begins ====" marker.
func writeStageBanner(logFile string, stage int, appendMode bool) {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if appendMode {
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}

	f, err := os.OpenFile(logFile, flags, 0o644)
	if err != nil {
		return
	}
	defer f.Close()

	fmt.Fprintf(f, "==== Stage %d Begins ====\n\n", stage)
}
