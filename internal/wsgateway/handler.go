package wsgateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/asedra/fleetctl/internal/common/logger"
	"github.com/asedra/fleetctl/internal/messagehandler"
	"github.com/asedra/fleetctl/internal/registry"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Agents are backend processes, not browsers; no CSRF surface to
		// gate on Origin here.
		return true
	},
}

// Handler upgrades inbound agent connections and wires them into the
// Connection Registry and Message Handler.
type Handler struct {
	registry *registry.Registry
	handler  *messagehandler.Handler
	log      *logger.Logger
}

func NewHandler(reg *registry.Registry, mh *messagehandler.Handler, log *logger.Logger) *Handler {
	return &Handler{registry: reg, handler: mh, log: log.WithFields(zap.String("component", "wsgateway"))}
}

// HandleConnection upgrades the HTTP request to a WebSocket and runs
// the agent's read/write pumps until disconnect.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Error("failed to upgrade agent websocket connection")
		return
	}

	agentConn := newAgentConn(conn, h.log)
	session := h.registry.Attach(agentConn)

	h.log.WithConnectionID(session.ConnectionID).Info("agent connection established")

	go agentConn.writePump()

	ctx := c.Request.Context()
	firstMessage := true
	agentConn.readPump(func(raw []byte) error {
		err := h.handler.Handle(ctx, session.ConnectionID, raw, firstMessage)
		firstMessage = false
		return err
	})

	h.registry.Detach(session.ConnectionID)
	_ = agentConn.Close()
	h.log.WithConnectionID(session.ConnectionID).Info("agent connection closed")
}
