package provider

import (
	"context"
	"strings"
	"time"

	"github.com/tuna/tunasync/internal/hooks"
	"github.com/tuna/tunasync/internal/procrunner"
)

// ShellConfig holds the static fields needed to build a Shell provider.
type ShellConfig struct {
	Name        string
	Command     string
	UpstreamURL string
	LocalDir    string
	LogDir      string
	LogFileTmpl string
	Interval    time.Duration
	Delay       time.Duration
	LogStdout   bool
	Hooks       []hooks.Hook
}

// Shell runs an arbitrary shell pipeline as the transfer strategy, per
// the mirror's local directory.
type Shell struct {
	base

	command     []string
	upstreamURL string
	logStdout   bool
}

// NewShell builds a Shell provider, splitting Command by POSIX token rules.
func NewShell(cfg ShellConfig) *Shell {
	return &Shell{
		base: base{
			name:        cfg.Name,
			localDir:    cfg.LocalDir,
			logDir:      cfg.LogDir,
			logFileTmpl: cfg.LogFileTmpl,
			interval:    cfg.Interval,
			delay:       cfg.Delay,
			hookChain:   cfg.Hooks,
		},
		command:     splitPosix(cfg.Command),
		upstreamURL: cfg.UpstreamURL,
		logStdout:   cfg.LogStdout,
	}
}

func (s *Shell) Run(ctx context.Context, jctx *hooks.JobContext) (*procrunner.Handle, error) {
	dest := currentDir(jctx, s.localDir)
	logFile := resolveLogFile(jctx, s.logFileTmpl)
	jctx.LogFile = logFile

	env := mergedEnv(map[string]string{
		"TUNASYNC_MIRROR_NAME": s.name,
		"TUNASYNC_LOCAL_DIR":   s.localDir,
		"TUNASYNC_WORKING_DIR": dest,
		"TUNASYNC_UPSTREAM_URL": s.upstreamURL,
		"TUNASYNC_LOG_FILE":    logFile,
	})

	sink := procrunner.Sink{LogFile: logFile}
	if !s.logStdout {
		sink = procrunner.Sink{LogFile: ""}
	}

	return procrunner.Spawn(ctx, s.command, env, sink)
}

// splitPosix tokenizes a command string by POSIX shell quoting rules
// (a minimal subset: whitespace-separated, single- and double-quoted
// substrings).
func splitPosix(command string) []string {
	var fields []string

	var cur strings.Builder

	var quote rune

	flush := func() {
		if cur.Len() > 0 {
			fields = append(fields, cur.String())
			cur.Reset()
		}
	}

	for _, r := range command {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
		case r == ' ' || r == '\t' || r == '\n':
			flush()
		default:
			cur.WriteRune(r)
		}
	}

	flush()

	return fields
}
