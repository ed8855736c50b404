// Package relay bridges browser terminals to interactive processes inside
// sandbox environments over websockets.
package relay

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/p-arndt/docbox/internal/config"
	"github.com/p-arndt/docbox/internal/environment"
	"github.com/p-arndt/docbox/internal/session"
)

const (
	defaultSpectrumVersion = "dev-main"
	defaultCols            = 80
	defaultRows            = 30
)

// SessionService is the part of the session manager the relay drives.
type SessionService interface {
	Create(ctx context.Context, spec session.CreateSpec) (*session.Info, error)
	Destroy(ctx context.Context, id string) error
	AttachTerminal(ctx context.Context, id string, opts environment.AttachOpts) (environment.Terminal, *session.Info, error)
}

// Hub accepts terminal connections and tracks the live ones.
type Hub struct {
	cfg      config.RelayConfig
	sessions SessionService
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu        sync.Mutex
	slots     int
	terminals map[*Terminal]struct{}
	closed    bool
}

func NewHub(cfg config.RelayConfig, svc SessionService, logger *slog.Logger) *Hub {
	h := &Hub{
		cfg:       cfg,
		sessions:  svc,
		logger:    logger,
		terminals: make(map[*Terminal]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// ServeDedicated provisions a fresh session for the connection and destroys
// it when the connection ends. The path value "class" names the sandbox as
// <framework>-<version>.
func (h *Hub) ServeDedicated(w http.ResponseWriter, r *http.Request) {
	framework, version, ok := parseClass(r.PathValue("class"))
	if !ok {
		http.Error(w, "invalid terminal class, expected <framework>-<version>", http.StatusBadRequest)
		return
	}
	if !h.acquire() {
		http.Error(w, "terminal limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.release()
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	q := r.URL.Query()
	spectrum := q.Get("spectrum")
	if spectrum == "" {
		spectrum = defaultSpectrumVersion
	}
	info, err := h.sessions.Create(r.Context(), session.CreateSpec{
		Framework:        framework,
		FrameworkVersion: version,
		SpectrumVersion:  spectrum,
		PHPVersion:       q.Get("php"),
	})
	if err != nil {
		h.logger.Error("terminal session create failed", "class", r.PathValue("class"), "error", err)
		h.reject(conn, err)
		return
	}

	term, _, err := h.sessions.AttachTerminal(r.Context(), info.ID, h.attachOpts(info.ID, r))
	if err != nil {
		h.logger.Error("terminal attach failed", "session_id", info.ID, "error", err)
		if derr := h.sessions.Destroy(context.WithoutCancel(r.Context()), info.ID); derr != nil {
			h.logger.Error("terminal session destroy failed", "session_id", info.ID, "error", derr)
		}
		h.reject(conn, err)
		return
	}

	newTerminal(h, conn, term, info, true).run()
}

// ServeAttach opens a shell in an existing session. Teardown ends only the
// shell; the session lives on.
func (h *Hub) ServeAttach(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.acquire() {
		http.Error(w, "terminal limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.release()
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	term, info, err := h.sessions.AttachTerminal(r.Context(), id, h.attachOpts(id, r))
	if err != nil {
		h.logger.Warn("terminal attach failed", "session_id", id, "error", err)
		h.reject(conn, err)
		return
	}

	newTerminal(h, conn, term, info, false).run()
}

// Count returns the number of live terminals.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.terminals)
}

// CloseAll tears down every live terminal and refuses new ones.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	h.closed = true
	live := make([]*Terminal, 0, len(h.terminals))
	for t := range h.terminals {
		live = append(live, t)
	}
	h.mu.Unlock()

	for _, t := range live {
		t.close()
	}
}

func (h *Hub) acquire() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	if h.cfg.MaxTerminals > 0 && h.slots >= h.cfg.MaxTerminals {
		return false
	}
	h.slots++
	return true
}

func (h *Hub) release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.slots > 0 {
		h.slots--
	}
}

// track registers t unless CloseAll already ran.
func (h *Hub) track(t *Terminal) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.terminals[t] = struct{}{}
	return true
}

func (h *Hub) untrack(t *Terminal) {
	h.mu.Lock()
	delete(h.terminals, t)
	h.mu.Unlock()
	h.release()
}

// reject reports err to the client and hangs up.
func (h *Hub) reject(conn *websocket.Conn, err error) {
	_ = conn.WriteJSON(Frame{Type: FrameError, Error: err.Error()})
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session unavailable"))
	_ = conn.Close()
	h.release()
}

func (h *Hub) attachOpts(sessionID string, r *http.Request) environment.AttachOpts {
	shell := h.cfg.Shell
	if shell == "" {
		shell = "bash"
	}
	return environment.AttachOpts{
		Argv:    []string{shell},
		WorkDir: "/app",
		Env: map[string]string{
			"TERM":       "xterm-256color",
			"COLORTERM":  "truecolor",
			"SESSION_ID": sessionID,
		},
		Cols: queryInt(r, "cols", defaultCols),
		Rows: queryInt(r, "rows", defaultRows),
	}
}

func queryInt(r *http.Request, key string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n <= 0 || n > environment.MaxTerminalSize {
		return def
	}
	return n
}

// parseClass splits "laravel-11" into framework and version.
func parseClass(class string) (framework, version string, ok bool) {
	i := strings.LastIndex(class, "-")
	if i <= 0 || i == len(class)-1 {
		return "", "", false
	}
	return class[:i], class[i+1:], true
}

// checkOrigin admits requests without an Origin header, origins on the
// allow-list (exact, "*" or "https://*.example.com"), and same-host origins
// when no list is configured.
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(h.cfg.AllowedOrigins) == 0 {
		host := origin
		if i := strings.Index(host, "://"); i >= 0 {
			host = host[i+3:]
		}
		return strings.EqualFold(host, r.Host)
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
		if strings.Contains(allowed, "*") && matchWildcardOrigin(origin, allowed) {
			return true
		}
	}
	h.logger.Warn("websocket origin rejected", "origin", origin)
	return false
}

func matchWildcardOrigin(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	prefix, suffix := parts[0], parts[1]
	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}
	if len(origin) < len(prefix)+len(suffix) {
		return false
	}
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return middle != "" && !strings.Contains(middle, "/")
}
