// Command tunasynctl is the operator's CLI client for tunasync: it sends a
// single framed command down the daemon's Unix control socket and prints
// the reply.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"

	"github.com/tuna/tunasync/internal/ctrlproto"
)

const defaultTarget = "__ALL__"

func main() {
	if err := run(os.Args, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr *os.File) error {
	var socketPath string

	flags := flag.NewFlagSet("tunasynctl", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&socketPath, "s", "/run/tunasync/tunasync.sock", "path to the daemon's control socket")
	flags.StringVar(&socketPath, "socket", "/run/tunasync/tunasync.sock", "path to the daemon's control socket")
	flags.Usage = func() {
		fmt.Fprintf(stderr, "usage: tunasynctl [-s socket] <start|stop|restart|status|log|reload> [target]\n\n")
		flags.PrintDefaults()
	}

	if err := flags.Parse(args[1:]); err != nil {
		return fmt.Errorf("parsing arguments: %w", err)
	}

	rest := flags.Args()
	if len(rest) == 0 {
		flags.Usage()

		return fmt.Errorf("no command given")
	}

	req := ctrlproto.Request{Op: rest[0], Target: defaultTarget}
	if len(rest) > 1 {
		req.Target = rest[1]
	}

	if req.Op == "reload" {
		req.Kwargs = map[string]any{"force": len(rest) > 1 && rest[1] == "force"}
	}

	resp, err := send(socketPath, req)
	if err != nil {
		return err
	}

	fmt.Fprintln(stdout, resp.Message)

	return nil
}

func send(socketPath string, req ctrlproto.Request) (ctrlproto.Response, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return ctrlproto.Response{}, fmt.Errorf("connecting to %q: %w", socketPath, err)
	}
	defer conn.Close()

	if err := ctrlproto.WriteFrame(conn, req); err != nil {
		return ctrlproto.Response{}, fmt.Errorf("sending request: %w", err)
	}

	var resp ctrlproto.Response
	if err := ctrlproto.ReadFrame(conn, &resp); err != nil {
		return ctrlproto.Response{}, fmt.Errorf("reading response: %w", err)
	}

	return resp, nil
}
