package provider

import (
	"context"
	"time"

	"github.com/tuna/tunasync/internal/hooks"
	"github.com/tuna/tunasync/internal/procrunner"
)

// defaultRsyncOptions is the argv prefix every Rsync invocation starts
// from.
var defaultRsyncOptions = []string{
	"-aHvh", "--no-o", "--no-g", "--stats",
	"--exclude", ".~tmp~/",
	"--delete", "--delete-after", "--delay-updates",
	"--safe-links", "--timeout=120", "--contimeout=120",
}

// RsyncConfig holds the static fields needed to build an Rsync provider.
type RsyncConfig struct {
	Name        string
	UpstreamURL string
	LocalDir    string
	LogDir      string
	LogFileTmpl string
	Interval    time.Duration
	Delay       time.Duration
	UseIPv6     bool
	ExcludeFile string
	Password    string
	Hooks       []hooks.Hook
}

// Rsync is the single-stage rsync transfer strategy.
type Rsync struct {
	base

	upstreamURL string
	useIPv6     bool
	excludeFile string
	password    string
}

// NewRsync builds an Rsync provider from its static configuration.
func NewRsync(cfg RsyncConfig) *Rsync {
	return &Rsync{
		base: base{
			name:        cfg.Name,
			localDir:    cfg.LocalDir,
			logDir:      cfg.LogDir,
			logFileTmpl: cfg.LogFileTmpl,
			interval:    cfg.Interval,
			delay:       cfg.Delay,
			hookChain:   cfg.Hooks,
		},
		upstreamURL: cfg.UpstreamURL,
		useIPv6:     cfg.UseIPv6,
		excludeFile: cfg.ExcludeFile,
		password:    cfg.Password,
	}
}

func (r *Rsync) argv(dest string) []string {
	args := make([]string, 0, len(defaultRsyncOptions)+6)
	args = append(args, defaultRsyncOptions...)

	if r.useIPv6 {
		args = append(args, "-6")
	}

	if r.excludeFile != "" {
		args = append(args, "--exclude-from", r.excludeFile)
	}

	args = append(args, r.upstreamURL, dest)

	return args
}

// Run spawns a single rsync invocation, merging stdout/stderr into the
// iteration's log file.
func (r *Rsync) Run(ctx context.Context, jctx *hooks.JobContext) (*procrunner.Handle, error) {
	dest := currentDir(jctx, r.localDir)
	logFile := resolveLogFile(jctx, r.logFileTmpl)
	jctx.LogFile = logFile

	env := mergedEnvIfPassword(r.password)

	return procrunner.Spawn(ctx, append([]string{"rsync"}, r.argv(dest)...), env, procrunner.Sink{LogFile: logFile})
}

func mergedEnvIfPassword(password string) []string {
	if password == "" {
		return nil
	}

	return mergedEnv(map[string]string{"RSYNC_PASSWORD": password})
}
