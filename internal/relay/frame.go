package relay

// Frame types exchanged over the terminal websocket.
const (
	FrameInput      = "input"
	FrameResize     = "resize"
	FrameCommand    = "command"
	FramePing       = "ping"
	FrameOutput     = "output"
	FrameFileUpdate = "file-update"
	FrameSession    = "session"
	FrameError      = "error"
	FramePong       = "pong"
	FrameExit       = "exit"
)

// Frame is one JSON text message in either direction. Only the fields of
// the given Type are set.
type Frame struct {
	Type      string   `json:"type"`
	Data      string   `json:"data,omitempty"`
	Command   string   `json:"command,omitempty"`
	Cols      int      `json:"cols,omitempty"`
	Rows      int      `json:"rows,omitempty"`
	Paths     []string `json:"paths,omitempty"`
	SessionID string   `json:"sessionId,omitempty"`
	Error     string   `json:"error,omitempty"`
	Code      *int     `json:"code,omitempty"`
}
