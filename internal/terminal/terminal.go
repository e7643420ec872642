// Package terminal multiplexes PTY-like interactive sessions between a
// UI transport and an agent transport, with per-session output
// buffering, resize propagation, idle-timeout cleanup, and a
// command-history audit trail.
package terminal

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/asedra/fleetctl/internal/apierr"
	"github.com/asedra/fleetctl/internal/common/config"
	"github.com/asedra/fleetctl/internal/common/logger"
	"github.com/asedra/fleetctl/internal/registry"
	"github.com/asedra/fleetctl/internal/store"
)

// Status is a terminal session's lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusClosed   Status = "closed"
	StatusError    Status = "error"
)

const maxBufferChunks = 1000
const bufferOverflowRetain = 500

// UIClient is the UI-side transport a session forwards output to.
type UIClient interface {
	Send(message interface{}) error
	Close() error
}

// Session is one multiplexed interactive session.
type Session struct {
	mu sync.Mutex

	ID               string
	AgentID          string
	UserID           string
	Status           Status
	CreatedAt        time.Time
	LastActivity     time.Time
	Rows             int
	Cols             int
	WorkingDirectory string

	ui      UIClient
	buffer  []string
	history []string
}

func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActivity = time.Now()
}

// appendOutput appends a chunk to the bounded buffer: once the buffer
// has reached maxBufferChunks, the existing chunks are first truncated
// to the newest bufferOverflowRetain before the new chunk is appended,
// dropping the older half atomically (1000 chunks plus one more yields
// a length of 501, not 500).
func (s *Session) appendOutput(chunk string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buffer) >= maxBufferChunks {
		s.buffer = append([]string(nil), s.buffer[len(s.buffer)-bufferOverflowRetain:]...)
	}
	s.buffer = append(s.buffer, chunk)
	s.LastActivity = time.Now()
}

func (s *Session) bufferLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

func (s *Session) appendHistory(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, line)
}

func (s *Session) idleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.LastActivity)
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = status
}

func (s *Session) getStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Status
}

// Manager owns the session-id -> session map and the sweeper.
type Manager struct {
	mapMu    sync.Mutex
	sessions map[string]*Session

	registry *registry.Registry
	store    store.Store
	cfg      config.TerminalConfig
	log      *logger.Logger

	stopSweep chan struct{}
}

func New(reg *registry.Registry, st store.Store, cfg config.TerminalConfig, log *logger.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		registry: reg,
		store:    st,
		cfg:      cfg,
		log:      log,
	}
}

// Create opens a session for a UI client. Fails with AGENT_NOT_CONNECTED
// if the target agent has no live connection.
func (m *Manager) Create(agentID, userID string, rows, cols int, workingDirectory string, ui UIClient) (*Session, error) {
	if !m.registry.IsConnected(agentID) {
		return nil, apierr.New(apierr.AgentNotConnected, "agent is not connected, cannot start terminal session")
	}

	session := &Session{
		ID:               uuid.NewString(),
		AgentID:          agentID,
		UserID:           userID,
		Status:           StatusActive,
		CreatedAt:        time.Now(),
		LastActivity:     time.Now(),
		Rows:             rows,
		Cols:             cols,
		WorkingDirectory: workingDirectory,
		ui:               ui,
	}

	m.mapMu.Lock()
	m.sessions[session.ID] = session
	m.mapMu.Unlock()

	startMsg := map[string]interface{}{
		"type":              "terminal_start",
		"session_id":        session.ID,
		"rows":              rows,
		"cols":              cols,
		"working_directory": workingDirectory,
	}
	m.registry.Send(agentID, startMsg)

	return session, nil
}

func (m *Manager) get(sessionID string) (*Session, bool) {
	m.mapMu.Lock()
	defer m.mapMu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// HandleInput processes `terminal_input` from the UI: a complete line
// (trailing newline) is appended to the persisted command history
// before the data is forwarded to the agent.
func (m *Manager) HandleInput(sessionID, data string) error {
	session, ok := m.get(sessionID)
	if !ok {
		return apierr.New(apierr.NotFound, "terminal session not found")
	}
	if hasTrailingNewline(data) {
		session.appendHistory(trimNewline(data))
		m.persistHistoryLine(session, trimNewline(data))
	}
	session.touch()
	m.registry.Send(session.AgentID, map[string]interface{}{
		"type":       "terminal_input",
		"session_id": sessionID,
		"data":       data,
	})
	return nil
}

// HandleResize processes `terminal_resize`.
func (m *Manager) HandleResize(sessionID string, rows, cols int) error {
	session, ok := m.get(sessionID)
	if !ok {
		return apierr.New(apierr.NotFound, "terminal session not found")
	}
	session.mu.Lock()
	session.Rows, session.Cols = rows, cols
	session.mu.Unlock()
	session.touch()
	m.registry.Send(session.AgentID, map[string]interface{}{
		"type":       "terminal_resize",
		"session_id": sessionID,
		"rows":       rows,
		"cols":       cols,
	})
	return nil
}

// HandlePing replies terminal_pong to the UI and updates last_activity.
func (m *Manager) HandlePing(sessionID string) error {
	session, ok := m.get(sessionID)
	if !ok {
		return apierr.New(apierr.NotFound, "terminal session not found")
	}
	session.touch()
	if session.ui != nil {
		_ = session.ui.Send(map[string]interface{}{"type": "terminal_pong", "session_id": sessionID})
	}
	return nil
}

// Close processes `terminal_close`: notify the agent, transition to
// closed, close the UI transport, free resources.
func (m *Manager) Close(sessionID string) error {
	session, ok := m.get(sessionID)
	if !ok {
		return apierr.New(apierr.NotFound, "terminal session not found")
	}
	m.registry.Send(session.AgentID, map[string]interface{}{
		"type":       "terminal_close",
		"session_id": sessionID,
	})
	session.setStatus(StatusClosed)
	if session.ui != nil {
		_ = session.ui.Close()
	}
	m.mapMu.Lock()
	delete(m.sessions, sessionID)
	m.mapMu.Unlock()
	return nil
}

// OnAgentOutput forwards agent-side terminal_output to the UI and
// appends it to the bounded buffer.
func (m *Manager) OnAgentOutput(sessionID, data string) {
	session, ok := m.get(sessionID)
	if !ok {
		return
	}
	session.appendOutput(data)
	if session.ui != nil {
		_ = session.ui.Send(map[string]interface{}{"type": "terminal_output", "session_id": sessionID, "data": data})
	}
}

// OnAgentError forwards agent-side terminal_error to the UI.
func (m *Manager) OnAgentError(sessionID, data string) {
	session, ok := m.get(sessionID)
	if !ok {
		return
	}
	if session.ui != nil {
		_ = session.ui.Send(map[string]interface{}{"type": "terminal_error", "session_id": sessionID, "data": data})
	}
}

// OnAgentClosed transitions the session to closed on an agent-initiated
// close.
func (m *Manager) OnAgentClosed(sessionID string) {
	session, ok := m.get(sessionID)
	if !ok {
		return
	}
	session.setStatus(StatusClosed)
	if session.ui != nil {
		_ = session.ui.Close()
	}
	m.mapMu.Lock()
	delete(m.sessions, sessionID)
	m.mapMu.Unlock()
}

// BufferLen exposes the session's current buffer length.
func (m *Manager) BufferLen(sessionID string) (int, bool) {
	session, ok := m.get(sessionID)
	if !ok {
		return 0, false
	}
	return session.bufferLen(), true
}

// StartSweeper runs the background sweeper: every SweepInterval, any
// session idle for more than SessionTimeout is closed. Restartable and
// idempotent — calling it twice without stopping the first is a no-op
// on the second call.
func (m *Manager) StartSweeper() {
	if m.stopSweep != nil {
		return
	}
	m.stopSweep = make(chan struct{})
	ticker := time.NewTicker(m.cfg.SweepInterval())
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweep()
			case <-m.stopSweep:
				return
			}
		}
	}()
}

// StopSweeper halts the background sweeper.
func (m *Manager) StopSweeper() {
	if m.stopSweep == nil {
		return
	}
	close(m.stopSweep)
	m.stopSweep = nil
}

func (m *Manager) sweep() {
	now := time.Now()
	timeout := m.cfg.SessionTimeout()

	m.mapMu.Lock()
	var stale []*Session
	for _, s := range m.sessions {
		if s.idleFor(now) > timeout {
			stale = append(stale, s)
		}
	}
	m.mapMu.Unlock()

	for _, s := range stale {
		m.log.WithSessionID(s.ID).WithAgentID(s.AgentID).Info("closing idle terminal session")
		_ = m.Close(s.ID)
	}
}

func (m *Manager) persistHistoryLine(session *Session, line string) {
	if m.store == nil {
		return
	}
	_ = m.store.CommandHistory().Append(context.Background(), store.CommandHistoryEntry{
		AgentID:   session.AgentID,
		SessionID: session.ID,
		UserID:    session.UserID,
		Command:   line,
		Timestamp: time.Now(),
	})
}

func hasTrailingNewline(s string) bool {
	return len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r')
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
