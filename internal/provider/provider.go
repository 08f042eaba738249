// Package provider implements the mirror-specific transfer strategies:
// Rsync, TwoStageRsync, and Shell.
package provider

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/tuna/tunasync/internal/hooks"
	"github.com/tuna/tunasync/internal/procrunner"
)

// Provider is a mirror-specific transfer strategy.
type Provider interface {
	hooks.ProviderView

	Interval() time.Duration
	Delay() time.Duration
	SetDelay(d time.Duration)
	Hooks() []hooks.Hook

	Run(ctx context.Context, jctx *hooks.JobContext) (*procrunner.Handle, error)
	Terminate(h *procrunner.Handle) error
}

// base holds the fields and behavior common to all providers.
type base struct {
	name        string
	localDir    string
	logDir      string
	logFileTmpl string
	interval    time.Duration
	delay       time.Duration
	hookChain   []hooks.Hook
}

func (b *base) Name() string               { return b.name }
func (b *base) LocalDir() string           { return b.localDir }
func (b *base) LogDir() string             { return b.logDir }
func (b *base) LogFileTemplate() string    { return b.logFileTmpl }
func (b *base) Interval() time.Duration    { return b.interval }
func (b *base) Delay() time.Duration       { return b.delay }
func (b *base) SetDelay(d time.Duration)   { b.delay = d }
func (b *base) Hooks() []hooks.Hook        { return b.hookChain }

func (b *base) Terminate(h *procrunner.Handle) error {
	if h == nil {
		return nil
	}

	return h.Terminate()
}

func currentDir(jctx *hooks.JobContext, fallback string) string {
	if jctx.CurrentDir != "" {
		return jctx.CurrentDir
	}

	return fallback
}

func resolveLogFile(jctx *hooks.JobContext, tmpl string) string {
	if jctx.LogFile != "" {
		return jctx.LogFile
	}

	return strings.ReplaceAll(tmpl, "{date}", time.Now().Format("2006-01-02_15-04-05"))
}

func mergedEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}

	return env
}
