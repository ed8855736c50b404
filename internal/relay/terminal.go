package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/kballard/go-shellquote"

	"github.com/p-arndt/docbox/internal/environment"
	"github.com/p-arndt/docbox/internal/policy"
	"github.com/p-arndt/docbox/internal/session"
)

const (
	maxFrameBytes  = 64 * 1024
	writeWait      = 10 * time.Second
	destroyTimeout = 30 * time.Second
	clearLine      = "\x15"
)

var errClosed = errors.New("terminal closed")

// Terminal is one websocket connection bridged to one interactive process.
type Terminal struct {
	hub       *Hub
	conn      *websocket.Conn
	term      environment.Terminal
	info      *session.Info
	dedicated bool
	logger    *slog.Logger

	writeMu sync.Mutex

	timerMu sync.Mutex
	welcome *time.Timer
	probe   *time.Timer

	closeOnce sync.Once
	done      chan struct{}
}

func newTerminal(h *Hub, conn *websocket.Conn, term environment.Terminal, info *session.Info, dedicated bool) *Terminal {
	return &Terminal{
		hub:       h,
		conn:      conn,
		term:      term,
		info:      info,
		dedicated: dedicated,
		logger:    h.logger.With("session_id", info.ID, "dedicated", dedicated),
		done:      make(chan struct{}),
	}
}

// run serves the connection until either side ends.
func (t *Terminal) run() {
	defer t.close()
	if !t.hub.track(t) {
		t.logger.Info("terminal dropped, relay shutting down")
		return
	}

	t.logger.Info("terminal opened")
	if err := t.send(Frame{Type: FrameSession, SessionID: t.info.ID}); err != nil {
		return
	}

	go t.pumpOutput()

	t.timerMu.Lock()
	t.welcome = time.AfterFunc(t.hub.cfg.WelcomeDelay, t.sendWelcome)
	t.timerMu.Unlock()

	t.readLoop()
}

// readLoop handles client frames in arrival order.
func (t *Terminal) readLoop() {
	t.conn.SetReadLimit(maxFrameBytes)
	for {
		_, msg, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			if t.send(Frame{Type: FrameError, Error: "invalid frame: " + err.Error()}) != nil {
				return
			}
			continue
		}
		if err := t.handle(f); err != nil {
			if errors.Is(err, errClosed) {
				return
			}
			t.logger.Warn("frame handling failed", "type", f.Type, "error", err)
		}
	}
}

func (t *Terminal) handle(f Frame) error {
	switch f.Type {
	case FrameInput:
		if _, err := t.term.Write([]byte(f.Data)); err != nil {
			return err
		}
		t.scheduleProbe()
	case FrameCommand:
		if _, err := t.term.Write([]byte(clearLine + f.Command + "\r")); err != nil {
			return err
		}
		t.scheduleProbe()
	case FrameResize:
		if f.Cols <= 0 || f.Rows <= 0 {
			return nil
		}
		return t.term.Resize(min(f.Cols, environment.MaxTerminalSize), min(f.Rows, environment.MaxTerminalSize))
	case FramePing:
		return t.send(Frame{Type: FramePong})
	default:
		return t.send(Frame{Type: FrameError, Error: "unknown frame type: " + f.Type})
	}
	return nil
}

// pumpOutput forwards process output until the process ends, then reports
// its exit code and closes the connection.
func (t *Terminal) pumpOutput() {
	buf := make([]byte, 32*1024)
	var pending []byte
	for {
		n, err := t.term.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			cut := completeUTF8(pending)
			if cut > 0 {
				if t.send(Frame{Type: FrameOutput, Data: string(pending[:cut])}) != nil {
					t.close()
					return
				}
				pending = append(pending[:0], pending[cut:]...)
			}
		}
		if err != nil {
			break
		}
	}
	if len(pending) > 0 {
		_ = t.send(Frame{Type: FrameOutput, Data: string(pending)})
	}

	code := environment.ExitCode(t.term.Wait())
	select {
	case <-t.done:
		return
	default:
	}
	t.logger.Info("terminal process exited", "code", code)
	_ = t.send(Frame{Type: FrameExit, Code: &code})
	t.close()
}

func (t *Terminal) sendWelcome() {
	lines := []string{
		"Welcome to " + t.info.Framework + "-" + t.info.FrameworkVersion + " Sandbox!",
		"Laravel Spectrum version: " + t.info.SpectrumVersion,
		"",
		"Type 'php artisan' to see available commands",
		"",
	}
	script := "cd /app && clear\r"
	for _, l := range lines {
		script += "echo " + shellquote.Join(l) + "\r"
	}
	select {
	case <-t.done:
		return
	default:
	}
	if _, err := t.term.Write([]byte(script)); err != nil {
		t.logger.Debug("welcome write failed", "error", err)
	}
}

// scheduleProbe announces the watched paths once input settles.
func (t *Terminal) scheduleProbe() {
	t.timerMu.Lock()
	defer t.timerMu.Unlock()
	if t.probe != nil {
		t.probe.Stop()
	}
	t.probe = time.AfterFunc(t.hub.cfg.FileProbeDelay, func() {
		_ = t.send(Frame{Type: FrameFileUpdate, Paths: policy.WatchedPaths})
	})
}

func (t *Terminal) send(f Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	select {
	case <-t.done:
		return errClosed
	default:
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := t.conn.WriteJSON(f); err != nil {
		t.logger.Warn("websocket write failed", "type", f.Type, "error", err)
		return err
	}
	return nil
}

// close tears both sides down exactly once.
func (t *Terminal) close() {
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		close(t.done)
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = t.conn.Close()
		t.writeMu.Unlock()

		t.timerMu.Lock()
		if t.welcome != nil {
			t.welcome.Stop()
		}
		if t.probe != nil {
			t.probe.Stop()
		}
		t.timerMu.Unlock()

		_ = t.term.Close()

		if t.dedicated {
			ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
			if err := t.hub.sessions.Destroy(ctx, t.info.ID); err != nil {
				t.logger.Error("terminal session destroy failed", "error", err)
			}
			cancel()
		}

		t.hub.untrack(t)
		t.logger.Info("terminal closed")
	})
}

// completeUTF8 returns the length of the longest prefix of b that does not
// end inside a multi-byte sequence.
func completeUTF8(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}
