package wsgateway

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/asedra/fleetctl/internal/common/logger"
	"github.com/asedra/fleetctl/internal/terminal"
)

// terminalUpgrader is the WebSocket upgrader for UI-facing terminal
// connections: the same buffer sizes as the agent gateway's upgrader,
// but a same-origin check instead of its permissive one, since this
// endpoint is reached directly from a browser.
var terminalUpgrader = gorillaws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     checkWebSocketOrigin,
}

func checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if strings.HasPrefix(origin, "http://localhost") ||
		strings.HasPrefix(origin, "http://127.0.0.1") ||
		strings.HasPrefix(origin, "https://localhost") ||
		strings.HasPrefix(origin, "https://127.0.0.1") {
		return true
	}
	host := r.Host
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	originHost := originURL.Hostname()
	requestHost := host
	if colonIdx := strings.LastIndex(requestHost, ":"); colonIdx != -1 {
		requestHost = requestHost[:colonIdx]
	}
	return originHost == requestHost
}

// uiConn wraps a UI-facing WebSocket connection and satisfies
// terminal.UIClient. JSON frames throughout, since the agent transport
// already speaks JSON (pkg/wire).
type uiConn struct {
	conn *gorillaws.Conn
	mu   sync.Mutex
}

func (u *uiConn) Send(message interface{}) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.conn.WriteJSON(message)
}

func (u *uiConn) Close() error {
	return u.conn.Close()
}

// terminalCreateRequest is the first message a UI client must send
// after connecting, to open a session against an agent.
type terminalCreateRequest struct {
	Rows             int    `json:"rows"`
	Cols             int    `json:"cols"`
	WorkingDirectory string `json:"working_directory,omitempty"`
	UserID           string `json:"user_id,omitempty"`
}

type terminalInboundFrame struct {
	Type      string `json:"type"`
	Data      string `json:"data,omitempty"`
	Rows      int    `json:"rows,omitempty"`
	Cols      int    `json:"cols,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// TerminalHandler upgrades UI-facing terminal connections at
// WS /agents/{id}/terminal and bridges them into terminal.Manager.
type TerminalHandler struct {
	manager *terminal.Manager
	log     *logger.Logger
}

func NewTerminalHandler(manager *terminal.Manager, log *logger.Logger) *TerminalHandler {
	return &TerminalHandler{manager: manager, log: log.WithFields(zap.String("component", "terminal_ws"))}
}

// HandleConnection implements WS /agents/{id}/terminal: the first
// inbound frame creates the session (rows/cols/working directory),
// after which terminal_input/terminal_resize/terminal_ping/
// terminal_close are forwarded to the terminal session manager.
func (h *TerminalHandler) HandleConnection(c *gin.Context) {
	agentID := c.Param("id")
	if agentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agent id is required"})
		return
	}

	conn, err := terminalUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Error("failed to upgrade terminal websocket")
		return
	}
	ui := &uiConn{conn: conn}
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return
	}
	var createReq terminalCreateRequest
	if err := json.Unmarshal(raw, &createReq); err != nil {
		_ = ui.Send(map[string]interface{}{"type": "terminal_error", "data": "invalid session request: " + err.Error()})
		return
	}
	rows, cols := createReq.Rows, createReq.Cols
	if rows == 0 {
		rows = 24
	}
	if cols == 0 {
		cols = 80
	}

	session, err := h.manager.Create(agentID, createReq.UserID, rows, cols, createReq.WorkingDirectory, ui)
	if err != nil {
		_ = ui.Send(map[string]interface{}{"type": "terminal_error", "data": err.Error()})
		return
	}
	h.log.WithSessionID(session.ID).WithAgentID(agentID).Info("terminal session opened")

	_ = ui.Send(map[string]interface{}{"type": "session_created", "session_id": session.ID})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var frame terminalInboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case "terminal_input":
			_ = h.manager.HandleInput(session.ID, frame.Data)
		case "terminal_resize":
			_ = h.manager.HandleResize(session.ID, frame.Rows, frame.Cols)
		case "terminal_ping":
			_ = h.manager.HandlePing(session.ID)
		case "terminal_close":
			_ = h.manager.Close(session.ID)
			return
		}
	}

	_ = h.manager.Close(session.ID)
	h.log.WithSessionID(session.ID).WithAgentID(agentID).Info("terminal session closed")
}
