// Package registry tracks which agents are currently connected and over
// which transport session: the in-memory mapping of agent-id to live
// connection, plus the lifecycle operations (attach, bind, detach) that
// keep both directions of the mapping consistent.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/asedra/fleetctl/internal/common/logger"
	bus "github.com/asedra/fleetctl/internal/eventbus"
)

// Transport is anything capable of writing a framed message to a remote
// agent and being told to close. Both the real gorilla/websocket-backed
// connection (internal/wsgateway) and the mock agent's synthetic
// transport (internal/mockagent) implement this.
type Transport interface {
	Send(message interface{}) error
	Close() error
}

// Session is one live transport connection, optionally bound to an
// agent.
type Session struct {
	ConnectionID  string
	AgentID       string // empty until bound
	Transport     Transport
	ConnectedAt   time.Time
	LastHeartbeat time.Time
}

// Registry maintains the connection_id<->session and agent_id<->
// connection_id mappings. All mutations are serialised behind a single
// lock; lookups copy out of the critical section so callers never hold
// the lock during I/O.
type Registry struct {
	mu sync.Mutex

	log    *logger.Logger
	events bus.EventBus // optional; nil is a valid no-op publisher

	sessions   map[string]*Session // connection_id -> session
	agentIndex map[string]string   // agent_id -> connection_id
}

// New constructs an empty Registry. events may be nil, in which case
// lifecycle notifications (agent.connected/disconnected/heartbeat) are
// simply not published.
func New(log *logger.Logger, events bus.EventBus) *Registry {
	return &Registry{
		log:        log,
		events:     events,
		sessions:   make(map[string]*Session),
		agentIndex: make(map[string]string),
	}
}

// publish fans a lifecycle event out over the configured EventBus, if
// any. Always called outside the critical section; the lock never
// covers I/O.
func (r *Registry) publish(eventType, agentID, connectionID string) {
	if r.events == nil {
		return
	}
	event := bus.NewEvent(eventType, "registry", map[string]interface{}{
		"agent_id":      agentID,
		"connection_id": connectionID,
	})
	if err := r.events.Publish(context.Background(), eventType, event); err != nil {
		r.log.WithAgentID(agentID).WithError(err).Debug("failed to publish registry event")
	}
}

// Attach creates a new session for a freshly accepted transport.
// agent_id is unbound until Bind is called.
func (r *Registry) Attach(transport Transport) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	session := &Session{
		ConnectionID: uuid.NewString(),
		Transport:    transport,
		ConnectedAt:  time.Now(),
	}
	r.sessions[session.ConnectionID] = session
	return session
}

// Bind associates connectionID with agentID. If another session already
// holds agentID, the prior binding is replaced: its agent_id pointer is
// cleared under the same lock, but its transport is not closed here —
// the caller is responsible for best-effort closing it once the lock is
// released, so the swap stays atomic without any I/O in the critical
// section.
func (r *Registry) Bind(connectionID, agentID string) (evictedConnectionID string, evictedTransport Transport, ok bool) {
	r.mu.Lock()
	session, exists := r.sessions[connectionID]
	if !exists {
		r.mu.Unlock()
		return "", nil, false
	}

	if priorConnID, had := r.agentIndex[agentID]; had && priorConnID != connectionID {
		if prior, stillThere := r.sessions[priorConnID]; stillThere {
			evictedConnectionID = priorConnID
			evictedTransport = prior.Transport
			prior.AgentID = ""
		}
	}

	session.AgentID = agentID
	r.agentIndex[agentID] = connectionID
	r.mu.Unlock()

	r.publish(bus.SubjectAgentConnected, agentID, connectionID)
	return evictedConnectionID, evictedTransport, true
}

// Detach removes both directions for connectionID. Idempotent.
func (r *Registry) Detach(connectionID string) {
	r.mu.Lock()
	agentID := ""
	if session, exists := r.sessions[connectionID]; exists {
		agentID = session.AgentID
	}
	r.detachLocked(connectionID)
	r.mu.Unlock()

	if agentID != "" {
		r.publish(bus.SubjectAgentDisconnected, agentID, connectionID)
	}
}

func (r *Registry) detachLocked(connectionID string) {
	session, exists := r.sessions[connectionID]
	if !exists {
		return
	}
	if session.AgentID != "" {
		if cur, ok := r.agentIndex[session.AgentID]; ok && cur == connectionID {
			delete(r.agentIndex, session.AgentID)
		}
	}
	delete(r.sessions, connectionID)
}

// IsConnected reports whether agentID currently has a live session.
func (r *Registry) IsConnected(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.agentIndex[agentID]
	return ok
}

// SessionOf returns a copy of the session bound to agentID, if any.
func (r *Registry) SessionOf(agentID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	connID, ok := r.agentIndex[agentID]
	if !ok {
		return Session{}, false
	}
	session, ok := r.sessions[connID]
	if !ok {
		return Session{}, false
	}
	return *session, true
}

// AgentIDOf returns the agent_id bound to connectionID, if any. Used by
// the message handler to resolve a connection-scoped frame (heartbeat,
// system_info_update) to the agent it belongs to.
func (r *Registry) AgentIDOf(connectionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[connectionID]
	if !ok || session.AgentID == "" {
		return "", false
	}
	return session.AgentID, true
}

// ConnectedAgents returns the agent-ids currently bound to a session.
func (r *Registry) ConnectedAgents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.agentIndex))
	for id := range r.agentIndex {
		ids = append(ids, id)
	}
	return ids
}

// Heartbeat updates last_heartbeat for the given connection.
func (r *Registry) Heartbeat(connectionID string, at time.Time) {
	r.mu.Lock()
	agentID := ""
	if session, ok := r.sessions[connectionID]; ok {
		session.LastHeartbeat = at
		agentID = session.AgentID
	}
	r.mu.Unlock()

	if agentID != "" {
		r.publish(bus.SubjectAgentHeartbeat, agentID, connectionID)
	}
}

// Send looks up the session bound to agentID and hands the message to
// its transport. A transport failure detaches the session, so a broken
// agent immediately reads as disconnected.
func (r *Registry) Send(agentID string, message interface{}) bool {
	r.mu.Lock()
	connID, ok := r.agentIndex[agentID]
	var transport Transport
	if ok {
		if session, exists := r.sessions[connID]; exists {
			transport = session.Transport
		}
	}
	r.mu.Unlock()

	if transport == nil {
		return false
	}

	if err := transport.Send(message); err != nil {
		r.log.WithAgentID(agentID).WithError(err).Warn("send failed, detaching session")
		r.Detach(connID)
		return false
	}
	return true
}
