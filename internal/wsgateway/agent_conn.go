// Package wsgateway implements the WebSocket transports: one
// gorilla/websocket connection per agent, registered with the
// connection registry and decoded through the message handler, plus
// the UI-facing terminal endpoint.
package wsgateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/asedra/fleetctl/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1MB, agent output can be large
)

// AgentConn wraps one gorilla/websocket connection and satisfies
// registry.Transport.
type AgentConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool

	log *logger.Logger
}

func newAgentConn(conn *websocket.Conn, log *logger.Logger) *AgentConn {
	return &AgentConn{
		conn: conn,
		send: make(chan []byte, 256),
		log:  log,
	}
}

// Send marshals message as JSON and queues it for the write pump.
// Satisfies registry.Transport.
func (a *AgentConn) Send(message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return websocket.ErrCloseSent
	}
	select {
	case a.send <- data:
		return nil
	default:
		return websocket.ErrCloseSent
	}
}

// Close shuts down the write pump and the underlying connection.
// Satisfies registry.Transport. Idempotent.
func (a *AgentConn) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.send)
	a.mu.Unlock()
	return a.conn.Close()
}

// readPump pumps inbound frames to onMessage until the connection
// breaks. onMessage returning a non-nil error (registration-protocol
// violation) ends the pump.
func (a *AgentConn) readPump(onMessage func(raw []byte) error) {
	a.conn.SetReadLimit(maxMessageSize)
	_ = a.conn.SetReadDeadline(time.Now().Add(pongWait))
	a.conn.SetPongHandler(func(string) error {
		return a.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := a.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure) {
				a.log.Debug("agent websocket read error", zap.Error(err))
			}
			return
		}
		if err := onMessage(message); err != nil {
			a.log.Warn("closing agent connection", zap.Error(err))
			return
		}
	}
}

// writePump pumps queued outbound frames and periodic pings to the
// connection until send is closed or a write fails.
func (a *AgentConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = a.conn.Close()
	}()

	for {
		select {
		case message, ok := <-a.send:
			_ = a.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = a.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := a.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = a.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := a.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
