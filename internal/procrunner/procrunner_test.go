package procrunner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSpawn_SuccessfulCommand_ExitsZero(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logFile := filepath.Join(dir, "out.log")

	h, err := Spawn(context.Background(), []string{"/bin/echo", "hello"}, nil, Sink{LogFile: logFile})
	require.NoError(t, err)

	code, err := h.Wait()
	require.NoError(t, err)
	require.Equal(t, 0, code)

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	require.Contains(t, string(data), "hello")
}

func TestSpawn_NonZeroExit_ReportsCode(t *testing.T) {
	t.Parallel()

	h, err := Spawn(context.Background(), []string{"/bin/sh", "-c", "exit 7"}, nil, Sink{})
	require.NoError(t, err)

	code, err := h.Wait()
	require.NoError(t, err)
	require.Equal(t, 7, code)
}

func TestSpawn_MissingExecutable_Fails(t *testing.T) {
	t.Parallel()

	_, err := Spawn(context.Background(), []string{"/no/such/binary"}, nil, Sink{})
	require.ErrorIs(t, err, ErrSpawnFailed)
}

func TestSpawn_EmptyArgv_Fails(t *testing.T) {
	t.Parallel()

	_, err := Spawn(context.Background(), nil, nil, Sink{})
	require.ErrorIs(t, err, ErrSpawnFailed)
}

func TestSpawn_AppendSink_PreservesPriorContent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logFile := filepath.Join(dir, "out.log")
	require.NoError(t, os.WriteFile(logFile, []byte("stage1\n"), 0o644))

	h, err := Spawn(context.Background(), []string{"/bin/echo", "stage2"}, nil, Sink{LogFile: logFile, Append: true})
	require.NoError(t, err)

	_, err = h.Wait()
	require.NoError(t, err)

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	require.Contains(t, string(data), "stage1")
	require.Contains(t, string(data), "stage2")
}

func TestHandle_Wait_IsIdempotent(t *testing.T) {
	t.Parallel()

	h, err := Spawn(context.Background(), []string{"/bin/echo", "hi"}, nil, Sink{})
	require.NoError(t, err)

	code1, err1 := h.Wait()
	code2, err2 := h.Wait()
	require.NoError(t, err1)
	require.NoError(t, err2)
	require.Equal(t, code1, code2)
}

func TestHandle_Terminate_AfterExit_NoError(t *testing.T) {
	t.Parallel()

	h, err := Spawn(context.Background(), []string{"/bin/echo", "hi"}, nil, Sink{})
	require.NoError(t, err)

	_, err = h.Wait()
	require.NoError(t, err)

	require.NoError(t, h.Terminate())
}

func TestSpawn_LineFuncSink_ReceivesOutput(t *testing.T) {
	t.Parallel()

	var got []byte

	h, err := Spawn(context.Background(), []string{"/bin/echo", "captured"}, nil, Sink{
		LineFunc: func(p []byte) { got = append(got, p...) },
	})
	require.NoError(t, err)

	_, err = h.Wait()
	require.NoError(t, err)
	require.Contains(t, string(got), "captured")
}
