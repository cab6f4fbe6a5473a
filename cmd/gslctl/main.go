// Command gslctl is a thin test/tuning client against a running gslhostd:
// it sends one JSON request line and prints the JSON response, or (with
// the "console" subcommand) opens an interactive pty-backed session for
// manual exercising of the client API. The console uses creack/pty's
// pure-Go pty allocation rather than a cgo openpty call.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/creack/pty"
	"github.com/spf13/pflag"

	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/gsllog"
)

var log = gsllog.For("gslctl")

func main() {
	socketPath := pflag.StringP("socket", "s", "/run/gsl/gslhostd.sock", "gslhostd client API socket.")
	masterProc := pflag.Uint32P("master-proc", "m", 1, "Master processor id to open against.")
	srcPort := pflag.Uint32P("src-port", "p", 0x2000, "Source port to register for this request.")
	console := pflag.Bool("console", false, "Open an interactive pty-backed console instead of a single request.")
	pflag.Parse()

	if *console || (pflag.NArg() > 0 && pflag.Arg(0) == "console") {
		runConsole(*socketPath)
		return
	}

	op := "open"
	if pflag.NArg() > 0 {
		op = pflag.Arg(0)
	}
	resp, err := sendOne(*socketPath, op, *masterProc, *srcPort)
	if err != nil {
		log.Fatal("request failed", "err", err)
	}
	fmt.Fprintf(os.Stdout, "%+v\n", resp)
}

func sendOne(socketPath, op string, masterProc, srcPort uint32) (map[string]any, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("gslctl: dial %s: %w", socketPath, err)
	}
	defer conn.Close()

	req := map[string]any{"op": op, "master_proc": masterProc, "src_port": srcPort}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("gslctl: encode request: %w", err)
	}

	var resp map[string]any
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("gslctl: decode response: %w", err)
	}
	return resp, nil
}

// runConsole allocates a pty, starts a line-reading loop against it, and
// relays each typed line to gslhostd as an "op" request, printing the reply
// back to the controlling terminal.
func runConsole(socketPath string) {
	ptmx, tty, err := pty.Open()
	if err != nil {
		log.Fatal("opening pty", "err", err)
	}
	defer ptmx.Close()
	defer tty.Close()

	log.Info("console ready", "tty", tty.Name())
	fmt.Fprintf(ptmx, "connected to %s; type an op name (open/prepare/start/stop/suspend/flush/close) per line, Ctrl-D to exit\n", socketPath)

	scanner := bufio.NewScanner(ptmx)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		resp, err := sendOne(socketPath, line, 1, 0x2000)
		if err != nil {
			fmt.Fprintf(ptmx, "error: %v\n", err)
			continue
		}
		fmt.Fprintf(ptmx, "%+v\n", resp)
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		log.Error("console session ended", "err", err)
	}
}
