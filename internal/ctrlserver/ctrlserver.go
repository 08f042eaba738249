// Package ctrlserver listens on a Unix domain socket and forwards operator
// commands (tunasynctl) onto the supervisor's event bus, blocking each
// connection on a single request/reply exchange.
package ctrlserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/tuna/tunasync/internal/ctrlproto"
	"github.com/tuna/tunasync/internal/event"
)

// Server accepts one connection at a time on a Unix socket, matching the
// original daemon's single-listener control channel.
type Server struct {
	addr     string
	events   chan<- event.Event
	log      *slog.Logger
	listener net.Listener
}

// New builds a Server that will listen on addr once Run is called.
func New(addr string, events chan<- event.Event, log *slog.Logger) *Server {
	return &Server{addr: addr, events: events, log: log}
}

// Run unlinks any stale socket file, binds a fresh one at 0700, and serves
// connections one at a time until ctx-equivalent shutdown via Close.
func (s *Server) Run() error {
	if err := removeStaleSocket(s.addr); err != nil {
		return err
	}

	l, err := net.Listen("unix", s.addr)
	if err != nil {
		return fmt.Errorf("binding control socket %q: %w", s.addr, err)
	}

	if err := os.Chmod(s.addr, 0o700); err != nil {
		l.Close()

		return fmt.Errorf("chmod control socket %q: %w", s.addr, err)
	}

	s.listener = l

	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}

			s.log.Warn("control socket accept failed", "error", err)

			continue
		}

		s.handle(conn)
	}
}

// Close stops Run's accept loop.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}

	return s.listener.Close()
}

func removeStaleSocket(addr string) error {
	if _, err := os.Stat(addr); err == nil {
		if err := os.Remove(addr); err != nil {
			return fmt.Errorf("removing stale control socket %q: %w", addr, err)
		}
	}

	return nil
}

// handle serves exactly one request/reply exchange before closing conn, per
// the protocol's one-shot-per-connection design.
func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	var req ctrlproto.Request
	if err := ctrlproto.ReadFrame(conn, &req); err != nil {
		s.log.Warn("malformed control request", "error", err)
		_ = ctrlproto.WriteFrame(conn, ctrlproto.Response{Message: "Invalid Command"})

		return
	}

	reply := make(chan string, 1)

	s.events <- event.Cmd{Op: req.Op, Target: req.Target, Kwargs: req.Kwargs, Reply: reply}

	msg := <-reply

	if err := ctrlproto.WriteFrame(conn, ctrlproto.Response{Message: msg}); err != nil {
		s.log.Warn("failed to write control response", "error", err)
	}
}
