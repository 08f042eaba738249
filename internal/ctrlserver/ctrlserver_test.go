package ctrlserver

import (
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tuna/tunasync/internal/ctrlproto"
	"github.com/tuna/tunasync/internal/event"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestServer_RequestReply_RoundTrip(t *testing.T) {
	t.Parallel()

	addr := filepath.Join(t.TempDir(), "tunasync.sock")
	events := make(chan event.Event, 4)
	s := New(addr, events, discardLogger())

	go s.Run()
	defer s.Close()

	waitForSocket(t, addr)

	go func() {
		ev := <-events
		cmd, ok := ev.(event.Cmd)
		require.True(t, ok)
		require.Equal(t, "status", cmd.Op)
		cmd.Reply <- "debian: success"
	}()

	conn, err := net.Dial("unix", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, ctrlproto.WriteFrame(conn, ctrlproto.Request{Op: "status", Target: "debian"}))

	var resp ctrlproto.Response
	require.NoError(t, ctrlproto.ReadFrame(conn, &resp))
	require.Equal(t, "debian: success", resp.Message)
}

func TestServer_MalformedFrame_RepliesInvalidCommand(t *testing.T) {
	t.Parallel()

	addr := filepath.Join(t.TempDir(), "tunasync.sock")
	events := make(chan event.Event, 4)
	s := New(addr, events, discardLogger())

	go s.Run()
	defer s.Close()

	waitForSocket(t, addr)

	conn, err := net.Dial("unix", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{0x00, 0x01}) // claims a 1-byte body, never sent
	require.NoError(t, err)
	conn.(*net.UnixConn).CloseWrite()

	var resp ctrlproto.Response
	require.NoError(t, ctrlproto.ReadFrame(conn, &resp))
	require.Equal(t, "Invalid Command", resp.Message)

	select {
	case ev := <-events:
		t.Fatalf("malformed request must not reach the event bus, got %#v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestServer_RemovesStaleSocketOnRestart(t *testing.T) {
	t.Parallel()

	addr := filepath.Join(t.TempDir(), "tunasync.sock")
	events := make(chan event.Event, 4)

	s1 := New(addr, events, discardLogger())
	go s1.Run()
	waitForSocket(t, addr)
	require.NoError(t, s1.Close())

	s2 := New(addr, events, discardLogger())
	go s2.Run()
	defer s2.Close()

	waitForSocket(t, addr)
}

func waitForSocket(t *testing.T, addr string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", addr); err == nil {
			conn.Close()

			return
		}

		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("control socket %q never became ready", addr)
}
