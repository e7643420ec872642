// Package correlator turns a fire-and-forget transport message into a
// synchronous reply, with timeout, late-arrival, and idempotent-replay
// handling. Its core primitive is a per-request one-shot that makes
// "mark timed out" and "deliver response" mutually exclusive: exactly
// one of the two settles an entry, and the outcome never changes after.
package correlator

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/asedra/fleetctl/internal/common/logger"
)

// Status is a pending command's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusTimeout   Status = "timeout"
)

// Response is a completed command's outcome.
type Response struct {
	Success       bool
	Output        string
	Error         string
	ExitCode      int
	ExecutionTime float64
	Timestamp     time.Time
}

// entry is a pending command plus its one-shot wait primitive. The
// state field and done channel are only ever mutated under mu, and
// "close done" happens at most once, guaranteed by the settled flag,
// which is what makes "mark timed out" and "deliver" mutually
// exclusive.
type entry struct {
	mu          sync.Mutex
	requestID   string
	agentID     string
	command     string
	submittedAt time.Time
	status      Status
	response    *Response
	done        chan struct{}
	settled     bool
}

// Correlator tracks in-flight requests by request_id.
type Correlator struct {
	mu        sync.Mutex
	entries   map[string]*entry
	retention time.Duration
	log       *logger.Logger
}

// New constructs a Correlator. retention bounds how long a
// completed/timed-out entry is kept for late retrieval before it is
// garbage-collected; zero disables eviction.
func New(log *logger.Logger, retention time.Duration) *Correlator {
	return &Correlator{
		entries:   make(map[string]*entry),
		retention: retention,
		log:       log,
	}
}

// NewRequestID generates a collision-resistant id: a high-resolution
// timestamp plus a random nonce.
func NewRequestID() string {
	return fmt.Sprintf("req-%d-%06d", time.Now().UnixNano(), rand.Intn(1_000_000))
}

// Begin registers a pending entry with an unsignalled one-shot and
// returns its request_id.
func (c *Correlator) Begin(agentID, command string) string {
	requestID := NewRequestID()
	e := &entry{
		requestID:   requestID,
		agentID:     agentID,
		command:     command,
		submittedAt: time.Now(),
		status:      StatusPending,
		done:        make(chan struct{}),
	}

	c.mu.Lock()
	c.entries[requestID] = e
	c.mu.Unlock()

	return requestID
}

// Await blocks on the one-shot up to timeout. On timeout it marks the
// entry StatusTimeout and returns a timeout Response; a late Deliver
// for the same id will then find the entry already settled and is a
// no-op. Re-awaiting an already-completed entry returns the cached
// response immediately (idempotent).
func (c *Correlator) Await(requestID string, timeout time.Duration) (Response, Status) {
	c.mu.Lock()
	e, ok := c.entries[requestID]
	c.mu.Unlock()
	if !ok {
		return Response{Success: false, Error: "unknown request_id"}, StatusTimeout
	}

	select {
	case <-e.done:
		e.mu.Lock()
		resp := *e.response
		status := e.status
		e.mu.Unlock()
		return resp, status
	case <-time.After(timeout):
		return c.timeoutEntry(e, timeout)
	}
}

// timeoutEntry atomically marks e as timed out unless it has already
// been settled by a concurrent Deliver.
func (c *Correlator) timeoutEntry(e *entry, timeout time.Duration) (Response, Status) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.settled {
		// A Deliver raced us and settled the entry first; use its result.
		return *e.response, e.status
	}

	resp := Response{
		Success:   false,
		Error:     fmt.Sprintf("Command timed out after %.0fs", timeout.Seconds()),
		Timestamp: time.Now(),
	}
	e.response = &resp
	e.status = StatusTimeout
	e.settled = true
	close(e.done)

	c.scheduleEviction(e.requestID)
	return resp, StatusTimeout
}

// Deliver stores the response and signals the one-shot, reporting
// whether this call settled the entry. Ignored (with a debug log,
// returning false) if no pending entry exists, or if the entry is
// already settled (prior timeout or an earlier Deliver) — multiple
// Deliver calls for the same id are permitted; only the first wins.
func (c *Correlator) Deliver(requestID string, response Response) bool {
	c.mu.Lock()
	e, ok := c.entries[requestID]
	c.mu.Unlock()
	if !ok {
		c.log.Debug("deliver for unknown request_id, ignored", zap.String("request_id", requestID))
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.settled {
		c.log.Debug("late deliver for already-settled request_id, ignored", zap.String("request_id", requestID))
		return false
	}

	response.Timestamp = time.Now()
	e.response = &response
	e.status = StatusCompleted
	e.settled = true
	close(e.done)

	c.scheduleEviction(requestID)
	return true
}

// Meta returns the agent_id and original command text an in-flight or
// settled request_id was begun with. Used by the message handler to
// attribute an inbound command_result frame to its agent/command for
// the command-history audit row, since the wire frame itself carries
// only request_id.
func (c *Correlator) Meta(requestID string) (agentID, command string, ok bool) {
	c.mu.Lock()
	e, found := c.entries[requestID]
	c.mu.Unlock()
	if !found {
		return "", "", false
	}
	return e.agentID, e.command, true
}

// Get is a polling accessor for async-style callers.
func (c *Correlator) Get(requestID string) (Response, Status, bool) {
	c.mu.Lock()
	e, ok := c.entries[requestID]
	c.mu.Unlock()
	if !ok {
		return Response{}, "", false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.settled {
		return Response{}, StatusPending, true
	}
	return *e.response, e.status, true
}

// scheduleEviction removes the entry after the retention window.
// Called with e.mu held; the goroutine it spawns only touches the
// top-level map under c.mu, never e.mu, so no lock ordering issue
// arises.
func (c *Correlator) scheduleEviction(requestID string) {
	if c.retention <= 0 {
		return
	}
	go func() {
		time.Sleep(c.retention)
		c.mu.Lock()
		delete(c.entries, requestID)
		c.mu.Unlock()
	}()
}
