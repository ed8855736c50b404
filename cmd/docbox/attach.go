package main

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/p-arndt/docbox/internal/relay"
)

var attachCmd = &cobra.Command{
	Use:   "attach <url>",
	Short: "Open an interactive terminal over a daemon websocket",
	Long: `attach connects the local terminal to a docbox terminal route, e.g.

  docbox attach ws://127.0.0.1:8080/v1/terminal/laravel-11
  docbox attach ws://127.0.0.1:8080/v1/sessions/<id>/terminal

Press Ctrl-] to detach.`,
	Args: cobra.ExactArgs(1),
	RunE: runAttach,
}

func init() {
	rootCmd.AddCommand(attachCmd)
}

// detachKey is Ctrl-].
const detachKey = 0x1d

// exitCodeError carries the remote shell's exit code out of RunE.
type exitCodeError struct{ code int }

func (e *exitCodeError) Error() string { return "remote shell exited with code " + strconv.Itoa(e.code) }

func termSize() (cols, rows int) {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return 80, 30
	}
	c, r, err := term.GetSize(fd)
	if err != nil || c <= 0 || r <= 0 {
		return 80, 30
	}
	return c, r
}

func attachURL(raw string, cols, rows int) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	q := u.Query()
	if q.Get("cols") == "" {
		q.Set("cols", strconv.Itoa(cols))
	}
	if q.Get("rows") == "" {
		q.Set("rows", strconv.Itoa(rows))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// attachConn serializes writes to the websocket.
type attachConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *attachConn) send(f relay.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(f)
}

func runAttach(cmd *cobra.Command, args []string) error {
	cols, rows := termSize()
	target, err := attachURL(args[0], cols, rows)
	if err != nil {
		return err
	}

	conn, resp, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("connect %s: %s", target, resp.Status)
		}
		return fmt.Errorf("connect %s: %w", target, err)
	}
	ac := &attachConn{conn: conn}
	defer conn.Close()

	restore := func() {}
	stdinFd := int(os.Stdin.Fd())
	if term.IsTerminal(stdinFd) {
		oldState, err := term.MakeRaw(stdinFd)
		if err != nil {
			return fmt.Errorf("set terminal raw mode: %w", err)
		}
		restore = func() { _ = term.Restore(stdinFd, oldState) }
	}
	defer restore()

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGWINCH)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			c, r := termSize()
			_ = ac.send(relay.Frame{Type: relay.FrameResize, Cols: c, Rows: r})
		}
	}()

	go pumpStdin(ac, os.Stdin)

	code, err := readFrames(conn, os.Stdout, os.Stderr)
	restore()
	if err != nil {
		return err
	}
	if code != 0 {
		return &exitCodeError{code: code}
	}
	return nil
}

func pumpStdin(ac *attachConn, r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if i := strings.IndexByte(string(chunk), detachKey); i >= 0 {
				if i > 0 {
					_ = ac.send(relay.Frame{Type: relay.FrameInput, Data: string(chunk[:i])})
				}
				ac.mu.Lock()
				_ = ac.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "detach"))
				ac.mu.Unlock()
				return
			}
			if err := ac.send(relay.Frame{Type: relay.FrameInput, Data: string(chunk)}); err != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// readFrames copies output frames to stdout until the connection closes and
// returns the remote exit code, if one was reported.
func readFrames(conn *websocket.Conn, stdout, stderr io.Writer) (int, error) {
	code := 0
	for {
		var f relay.Frame
		if err := conn.ReadJSON(&f); err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				if ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway {
					return code, nil
				}
				return code, fmt.Errorf("terminal closed: %s", ce.Text)
			}
			return code, err
		}
		switch f.Type {
		case relay.FrameOutput:
			io.WriteString(stdout, f.Data)
		case relay.FrameSession:
			fmt.Fprintf(stderr, "[docbox] session %s\r\n", f.SessionID)
		case relay.FrameFileUpdate:
			fmt.Fprintf(stderr, "[docbox] files changed: %s\r\n", strings.Join(f.Paths, ", "))
		case relay.FrameError:
			fmt.Fprintf(stderr, "[docbox] error: %s\r\n", f.Error)
		case relay.FrameExit:
			if f.Code != nil {
				code = *f.Code
			}
		}
	}
}
