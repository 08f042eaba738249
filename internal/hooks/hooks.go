// Package hooks implements the pre/post capability pairs attached to a
// provider: copy-on-write snapshotting, log rotation, and external
// pre/post-sync commands.
package hooks

import "github.com/tuna/tunasync/internal/event"

// JobContext is the per-run mutable map shared with hooks and the
// provider. A fresh JobContext is created at the start of every sync
// iteration and discarded once the iteration's status has been published.
type JobContext struct {
	RunID      string
	MirrorName string
	CurrentDir string
	LocalDir   string
	LogFile    string
	LogLink    string
}

// Snapshot returns a string-keyed copy suitable for attaching to an
// event.Update.
func (c *JobContext) Snapshot() map[string]string {
	return map[string]string{
		"run_id":      c.RunID,
		"mirror_name": c.MirrorName,
		"current_dir": c.CurrentDir,
		"log_file":    c.LogFile,
		"log_link":    c.LogLink,
	}
}

// ProviderView exposes the read-only subset of provider metadata that hooks
// need, without giving hooks the ability to invoke Run/Wait/Terminate
// themselves.
type ProviderView interface {
	Name() string
	LocalDir() string
	LogDir() string
	LogFileTemplate() string
}

// Hook is the four-method capability interface. Implementations embed
// NoopHook to get no-op defaults for the pairs they don't care about.
type Hook interface {
	BeforeJob(p ProviderView, ctx *JobContext) error
	AfterJob(p ProviderView, ctx *JobContext, status event.Status) error
	BeforeExec(p ProviderView, ctx *JobContext) error
	AfterExec(p ProviderView, ctx *JobContext, status event.Status) error
}

// NoopHook provides a no-op implementation of every Hook method; concrete
// hooks embed it and override only the pair they care about.
type NoopHook struct{}

func (NoopHook) BeforeJob(ProviderView, *JobContext) error                       { return nil }
func (NoopHook) AfterJob(ProviderView, *JobContext, event.Status) error          { return nil }
func (NoopHook) BeforeExec(ProviderView, *JobContext) error                      { return nil }
func (NoopHook) AfterExec(ProviderView, *JobContext, event.Status) error         { return nil }
