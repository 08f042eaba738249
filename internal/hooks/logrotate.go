package hooks

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tuna/tunasync/internal/event"
)

// LogRotateHook ensures a mirror's log directory exists, computes the
// dated log file name, prunes old logs beyond limit, and maintains a
// "latest" symlink. log_file="/dev/null" disables everything.
type LogRotateHook struct {
	NoopHook

	Limit int
}

const defaultLogLimit = 10

func (h *LogRotateHook) limit() int {
	if h.Limit <= 0 {
		return defaultLogLimit
	}

	return h.Limit
}

func (h *LogRotateHook) BeforeJob(p ProviderView, ctx *JobContext) error {
	logDir := p.LogDir()

	logFile := strings.ReplaceAll(p.LogFileTemplate(), "{date}", time.Now().Format("2006-01-02_15-04-05"))
	ctx.LogFile = logFile

	if logFile == os.DevNull {
		return nil
	}

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}

	if err := pruneOldLogs(logDir, p.Name(), h.limit()); err != nil {
		return err
	}

	logLink := filepath.Join(logDir, "latest")
	ctx.LogLink = logLink

	return createLink(logLink, logFile)
}

func (h *LogRotateHook) AfterJob(p ProviderView, ctx *JobContext, status event.Status) error {
	if ctx.LogFile == "" || ctx.LogFile == os.DevNull {
		return nil
	}

	if status != event.StatusFail {
		return nil
	}

	failFile := ctx.LogFile + ".fail"
	if err := os.Rename(ctx.LogFile, failFile); err != nil {
		return err
	}

	return createLink(ctx.LogLink, failFile)
}

func pruneOldLogs(logDir, mirrorName string, limit int) error {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return err
	}

	type fileEntry struct {
		path  string
		mtime time.Time
	}

	var matched []fileEntry

	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), mirrorName) {
			continue
		}

		info, err := e.Info()
		if err != nil {
			continue
		}

		matched = append(matched, fileEntry{filepath.Join(logDir, e.Name()), info.ModTime()})
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].mtime.After(matched[j].mtime)
	})

	if len(matched) <= limit {
		return nil
	}

	for _, f := range matched[limit:] {
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	return nil
}

func createLink(link, target string) error {
	if link == "" || target == "" || link == target {
		return nil
	}

	if _, err := os.Lstat(link); err == nil {
		if err := os.Remove(link); err != nil {
			return err
		}
	}

	return os.Symlink(target, link)
}
