// websocket.go - WebSocket progress feed
package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/rules-engine/ocr-service/internal/progress"
)

// WebSocket message types for the progress protocol
const (
	// Client -> Server messages
	MsgTypePing = "ping"

	// Server -> Client messages
	MsgTypeConnected = "connected"
	MsgTypeProgress  = "progress"
	MsgTypeComplete  = "complete"
	MsgTypeError     = "error"
	MsgTypePong      = "pong"
)

// WSMessage is the envelope for every frame on the progress socket.
type WSMessage struct {
	Type      string             `json:"type"`
	JobID     string             `json:"job_id,omitempty"`
	Progress  *progress.Snapshot `json:"progress,omitempty"`
	Message   string             `json:"message,omitempty"`
	Timestamp int64              `json:"timestamp"`
}

// WebSocketHandler streams job progress over a WebSocket connection.
type WebSocketHandler struct {
	tracker  *progress.Tracker
	upgrader websocket.Upgrader
	interval time.Duration
	log      *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket progress handler
func NewWebSocketHandler(tracker *progress.Tracker, log *slog.Logger) *WebSocketHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebSocketHandler{
		tracker: tracker,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 4 * 1024,
		},
		interval: 500 * time.Millisecond,
		log:      log,
	}
}

// wsConn serializes frame writes; the read loop answers pings while the
// ticker loop pushes progress.
type wsConn struct {
	*websocket.Conn
	mu sync.Mutex
}

// HandleProgressSocket upgrades the connection and pushes progress frames
// until the job settles or the client disconnects.
func (wsh *WebSocketHandler) HandleProgressSocket(c echo.Context) error {
	id := c.Param("jobId")
	if id == "" {
		return NewValidationError("jobId")
	}
	if _, err := wsh.tracker.Snapshot(id); err != nil {
		return NewNotFoundError("job", id)
	}

	conn, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	ws := &wsConn{Conn: conn}
	defer ws.Close()

	wsh.log.Debug("progress socket connected", "job", id)
	wsh.send(ws, WSMessage{Type: MsgTypeConnected, JobID: id})

	// drain client frames so pings are answered and closes are noticed
	done := make(chan struct{})
	go wsh.readLoop(ws, done)

	ticker := time.NewTicker(wsh.interval)
	defer ticker.Stop()

	lastSent := -1.0
	for {
		select {
		case <-done:
			wsh.log.Debug("progress socket closed by client", "job", id)
			return nil

		case <-ticker.C:
			snap, err := wsh.tracker.Snapshot(id)
			if err != nil {
				wsh.send(ws, WSMessage{Type: MsgTypeError, JobID: id, Message: "job not found"})
				return nil
			}

			if snap.Percentage != lastSent || snap.Status != progress.StatusProcessing {
				wsh.send(ws, WSMessage{Type: MsgTypeProgress, JobID: id, Progress: &snap})
				lastSent = snap.Percentage
			}

			if snap.Status != progress.StatusProcessing {
				wsh.send(ws, WSMessage{Type: MsgTypeComplete, JobID: id, Progress: &snap})
				return nil
			}
		}
	}
}

func (wsh *WebSocketHandler) readLoop(ws *wsConn, done chan<- struct{}) {
	defer close(done)
	for {
		var msg WSMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsh.log.Debug("progress socket read error", "error", err)
			}
			return
		}
		if msg.Type == MsgTypePing {
			wsh.send(ws, WSMessage{Type: MsgTypePong})
		}
	}
}

func (wsh *WebSocketHandler) send(ws *wsConn, msg WSMessage) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	msg.Timestamp = time.Now().UnixMilli()
	if err := ws.WriteJSON(msg); err != nil {
		wsh.log.Debug("progress socket write failed", "error", err)
	}
}
