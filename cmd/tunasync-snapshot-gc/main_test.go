package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSweepLevels_ZeroLevels_DoesNothing(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "_gc_1"), 0o755))

	re := regexp.MustCompile(defaultPattern)
	require.NoError(t, sweepLevels(discardLogger(), root, re.MatchString, 0))

	_, err := os.Stat(filepath.Join(root, "_gc_1"))
	require.NoError(t, err) // untouched, since levels == 0
}

func TestSweepLevels_NonBtrfsDir_LogsAndContinues(t *testing.T) {
	t.Parallel()

	// GCSweep calls btrfs.DeleteSubvolume for each match, which fails
	// against a plain directory; the failure is logged, not returned.
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "_gc_1"), 0o755))

	re := regexp.MustCompile(defaultPattern)
	err := sweepLevels(discardLogger(), root, re.MatchString, 1)
	// GCSweep logs and continues past individual delete failures rather
	// than propagating them, so this should not error.
	require.NoError(t, err)
}

func TestSweepLevels_RecursesIntoNonGarbageDirs(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	nested := filepath.Join(root, "debian")
	require.NoError(t, os.MkdirAll(filepath.Join(nested, "_gc_2"), 0o755))

	re := regexp.MustCompile(defaultPattern)

	visited := []string{}
	// sweepLevels itself doesn't report visited dirs, so instead verify
	// it at least walks without error two levels deep and leaves the
	// real mirror directory alone.
	err := sweepLevels(discardLogger(), root, re.MatchString, 2)
	require.NoError(t, err)

	_, statErr := os.Stat(nested)
	require.NoError(t, statErr)
	_ = visited
}

func TestGCRoots_ExplicitRoot_SkipsConfig(t *testing.T) {
	t.Parallel()

	roots, err := gcRoots(options{root: "/srv/mirrors"}, discardLogger())
	require.NoError(t, err)
	require.Equal(t, []string{"/srv/mirrors"}, roots)
}

func TestRun_NeitherConfigNorRoot_Fails(t *testing.T) {
	t.Parallel()

	require.Error(t, run([]string{"tunasync-snapshot-gc"}))
}

func TestRun_InvalidPattern_Fails(t *testing.T) {
	t.Parallel()

	require.Error(t, run([]string{"tunasync-snapshot-gc", "--root", t.TempDir(), "--pattern", "("}))
}
