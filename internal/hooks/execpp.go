package hooks

import (
	"os"
	"os/exec"
	"strings"

	"github.com/tuna/tunasync/internal/event"
)

// ExecAt decides which stage of the job a command-exec hook attaches to.
type ExecAt int

const (
	PostSync ExecAt = iota
	PreSync
)

// CmdExecHook runs a single shell command with an environment augmented by
// the TUNASYNC_* variables, attached at either pre_sync or post_sync
// around the transfer itself.
type CmdExecHook struct {
	NoopHook

	Command string
	At      ExecAt
}

func (h *CmdExecHook) BeforeJob(p ProviderView, ctx *JobContext) error {
	if h.At == PreSync {
		return h.run(ctx, "")
	}

	return nil
}

func (h *CmdExecHook) AfterJob(p ProviderView, ctx *JobContext, status event.Status) error {
	if h.At == PostSync {
		return h.run(ctx, string(status))
	}

	return nil
}

func (h *CmdExecHook) run(ctx *JobContext, status string) error {
	fields := strings.Fields(h.Command)
	if len(fields) == 0 {
		return nil
	}

	cmd := exec.Command(fields[0], fields[1:]...) //nolint:gosec

	cmd.Env = append(os.Environ(),
		"TUNASYNC_MIRROR_NAME="+ctx.MirrorName,
		"TUNASYNC_WORKING_DIR="+ctx.CurrentDir,
		"TUNASYNC_JOB_EXIT_STATUS="+status,
	)

	return cmd.Run()
}
