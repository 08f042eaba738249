package hooks

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tinyzimmer/btrsync/pkg/btrfs"

	"github.com/tuna/tunasync/internal/event"
)

// ErrInvalidSubvolume is returned when service_dir is not a valid
// snapshot-capable btrfs subvolume.
var ErrInvalidSubvolume = errors.New("not a valid btrfs subvolume")

// SnapshotHook prepares a copy-on-write working directory before a sync and
// publishes it atomically by rename on success.
type SnapshotHook struct {
	NoopHook

	ServiceDirTmpl string
	WorkingDirTmpl string
	GCDirTmpl      string

	Log *slog.Logger
}

func (h *SnapshotHook) serviceDir(p ProviderView) string {
	return expandMirrorName(h.ServiceDirTmpl, p.Name())
}

func (h *SnapshotHook) workingDir(p ProviderView) string {
	return expandMirrorName(h.WorkingDirTmpl, p.Name())
}

func (h *SnapshotHook) gcDir(p ProviderView, ts int64) string {
	tmpl := expandMirrorName(h.GCDirTmpl, p.Name())

	return replaceTimestamp(tmpl, ts)
}

// BeforeJob verifies service_dir is a snapshot-capable subvolume. If a stale
// working_dir exists it warns and reuses it as is; otherwise it snapshots
// service_dir into working_dir. Either way ctx.CurrentDir points at it.
func (h *SnapshotHook) BeforeJob(p ProviderView, ctx *JobContext) error {
	serviceDir := h.serviceDir(p)
	workingDir := h.workingDir(p)

	if ok, err := btrfs.IsBtrfs(serviceDir); err != nil || !ok {
		return fmt.Errorf("%w: %q", ErrInvalidSubvolume, serviceDir)
	}

	if _, err := os.Stat(workingDir); err == nil {
		h.Log.Warn("stale working directory found; a prior sync may not have committed cleanly",
			"mirror", p.Name(), "working_dir", workingDir)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to stat working dir %q: %w", workingDir, err)
	} else {
		if err := btrfs.SnapshotSubvolume(serviceDir, workingDir); err != nil {
			return fmt.Errorf("failed to snapshot %q -> %q: %w", serviceDir, workingDir, err)
		}
	}

	ctx.CurrentDir = workingDir

	return nil
}

// AfterJob publishes the working directory as the new service_dir on
// success; on any other outcome working_dir is left for a later GC pass.
func (h *SnapshotHook) AfterJob(p ProviderView, ctx *JobContext, status event.Status) error {
	if status != event.StatusSuccess {
		return nil
	}

	serviceDir := h.serviceDir(p)
	workingDir := h.workingDir(p)
	gcDir := h.gcDir(p, time.Now().Unix())

	if ok, err := btrfs.IsBtrfs(serviceDir); err != nil || !ok {
		return fmt.Errorf("%w: %q", ErrInvalidSubvolume, serviceDir)
	}

	if err := os.Rename(serviceDir, gcDir); err != nil {
		return fmt.Errorf("failed to retire %q -> %q: %w", serviceDir, gcDir, err)
	}

	if err := os.Rename(workingDir, serviceDir); err != nil {
		return fmt.Errorf("failed to commit %q -> %q: %w", workingDir, serviceDir, err)
	}

	return nil
}

func expandMirrorName(tmpl, name string) string {
	return strings.ReplaceAll(tmpl, "{mirror_name}", name)
}

func replaceTimestamp(tmpl string, ts int64) string {
	return strings.ReplaceAll(tmpl, "{timestamp}", strconv.FormatInt(ts, 10))
}

// GCSweep deletes every top-level child of mirrorRoot whose name matches
// the garbage-snapshot pattern (`_gc_<digits>`), via btrfs's subvolume
// delete primitive. This is the logic behind the standalone
// tunasync-snapshot-gc utility.
func GCSweep(log *slog.Logger, mirrorRoot string, isGCName func(string) bool) error {
	entries, err := os.ReadDir(mirrorRoot)
	if err != nil {
		return fmt.Errorf("failed to read %q: %w", mirrorRoot, err)
	}

	for _, e := range entries {
		if !e.IsDir() || !isGCName(e.Name()) {
			continue
		}

		target := filepath.Join(mirrorRoot, e.Name())

		log.Info("deleting garbage snapshot", "path", target)

		if err := btrfs.DeleteSubvolume(target); err != nil {
			log.Error("failed to delete garbage snapshot", "path", target, "error", err)

			continue
		}
	}

	return nil
}
