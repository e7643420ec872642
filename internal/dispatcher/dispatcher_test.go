package dispatcher

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asedra/fleetctl/internal/apierr"
	"github.com/asedra/fleetctl/internal/common/config"
	"github.com/asedra/fleetctl/internal/common/logger"
	"github.com/asedra/fleetctl/internal/correlator"
	"github.com/asedra/fleetctl/internal/registry"
	"github.com/asedra/fleetctl/internal/store"
)

// capturingTransport records every message sent to it, so tests can pull
// the generated request_id out of the outbound frame and simulate an
// agent reply.
type capturingTransport struct {
	mu   sync.Mutex
	sent []map[string]interface{}
	fail bool
}

func (c *capturingTransport) Send(message interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return assertSendErr
	}
	msg := message.(map[string]interface{})
	c.sent = append(c.sent, msg)
	return nil
}

func (c *capturingTransport) Close() error { return nil }

func (c *capturingTransport) last() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[len(c.sent)-1]
}

type sendErr struct{}

func (sendErr) Error() string { return "send failed" }

var assertSendErr = sendErr{}

func newTestDispatcher(t *testing.T, mockCfg config.MockAgentsConfig) (*Dispatcher, *registry.Registry) {
	t.Helper()
	log := logger.Default()
	reg := registry.New(log, nil)
	corr := correlator.New(log, time.Minute)
	cfg := config.DispatchConfig{DefaultTimeoutSeconds: 30, PendingRetentionSeconds: 300}
	return New(reg, corr, nil, cfg, mockCfg, log), reg
}

// TestExecuteAgentNotConnected: an unknown, non-mock agent id fails
// with AGENT_NOT_CONNECTED and surfaces diagnostic lists.
func TestExecuteAgentNotConnected(t *testing.T) {
	d, _ := newTestDispatcher(t, config.MockAgentsConfig{})

	_, err := d.Execute(context.Background(), "UNKNOWN", "Get-Date", time.Second)
	require.Error(t, err)
	apiErr := apierr.As(err)
	assert.Equal(t, apierr.AgentNotConnected, apiErr.Kind)
	assert.Contains(t, apiErr.Details, "available_agents")
	assert.Contains(t, apiErr.Details, "mock_agents")
}

// TestExecuteRealAgentRoundTrip: the agent transport receives a
// powershell_command frame, replies via Deliver, and Execute returns
// the synchronous result.
func TestExecuteRealAgentRoundTrip(t *testing.T) {
	d, reg := newTestDispatcher(t, config.MockAgentsConfig{})
	transport := &capturingTransport{}
	session := reg.Attach(transport)
	_, _, ok := reg.Bind(session.ConnectionID, "A1")
	require.True(t, ok)

	go func() {
		assert.Eventually(t, func() bool {
			transport.mu.Lock()
			defer transport.mu.Unlock()
			return len(transport.sent) > 0
		}, time.Second, time.Millisecond)
		requestID, _ := transport.last()["request_id"].(string)
		d.Deliver(requestID, correlator.Response{
			Success:       true,
			Output:        "2024-01-01",
			ExecutionTime: 0.1,
		})
	}()

	resp, err := d.Execute(context.Background(), "A1", "Get-Date", time.Second)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "2024-01-01", resp.Output)
	assert.NotEmpty(t, resp.RequestID)

	assert.Equal(t, "powershell_command", transport.last()["type"])
	assert.Equal(t, "Get-Date", transport.last()["command"])
}

// TestExecuteSendFailed: a transport write error maps to SEND_FAILED
// and detaches the session as a side effect.
func TestExecuteSendFailed(t *testing.T) {
	d, reg := newTestDispatcher(t, config.MockAgentsConfig{})
	transport := &capturingTransport{fail: true}
	session := reg.Attach(transport)
	_, _, _ = reg.Bind(session.ConnectionID, "A1")

	_, err := d.Execute(context.Background(), "A1", "Get-Date", time.Second)
	require.Error(t, err)
	assert.Equal(t, apierr.SendFailed, apierr.As(err).Kind)
	assert.False(t, reg.IsConnected("A1"))
}

// TestExecuteTimeout: no reply arrives before the timeout.
func TestExecuteTimeout(t *testing.T) {
	d, reg := newTestDispatcher(t, config.MockAgentsConfig{})
	transport := &capturingTransport{}
	session := reg.Attach(transport)
	_, _, _ = reg.Bind(session.ConnectionID, "A1")

	resp, err := d.Execute(context.Background(), "A1", "sleep", 30*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "timed out")
}

// TestExecuteTimeoutThenLateArrival: a late reply after the caller
// already got a timeout is retrievable via GetResult as the same cached
// timeout result, not the late value.
func TestExecuteTimeoutThenLateArrival(t *testing.T) {
	d, reg := newTestDispatcher(t, config.MockAgentsConfig{})
	transport := &capturingTransport{}
	session := reg.Attach(transport)
	_, _, _ = reg.Bind(session.ConnectionID, "A1")

	resp, err := d.Execute(context.Background(), "A1", "sleep", 20*time.Millisecond)
	require.NoError(t, err)
	require.False(t, resp.Success)

	d.Deliver(resp.RequestID, correlator.Response{Success: true, Output: "too late"})

	cached, status, ok := d.GetResult(resp.RequestID)
	require.True(t, ok)
	assert.Equal(t, correlator.StatusTimeout, status)
	assert.False(t, cached.Success)
	assert.NotEqual(t, "too late", cached.Output)
}

// TestExecuteClampsTimeout checks both edges of the [1s, 300s] clamp.
func TestExecuteClampsTimeout(t *testing.T) {
	d, reg := newTestDispatcher(t, config.MockAgentsConfig{})
	transport := &capturingTransport{}
	session := reg.Attach(transport)
	_, _, _ = reg.Bind(session.ConnectionID, "A1")

	requestID, err := d.Submit(context.Background(), "A1", "Get-Date", 0)
	require.NoError(t, err)
	d.Deliver(requestID, correlator.Response{Success: true})
	assert.InDelta(t, 1.0, transport.last()["timeout"].(float64), 0.001)

	requestID, err = d.Submit(context.Background(), "A1", "Get-Date", 10000*time.Second)
	require.NoError(t, err)
	d.Deliver(requestID, correlator.Response{Success: true})
	assert.InDelta(t, 300.0, transport.last()["timeout"].(float64), 0.001)
}

// TestExecuteMockAgentRoundTrip: a mock agent id is serviced without
// any real transport and returns a canned response.
func TestExecuteMockAgentRoundTrip(t *testing.T) {
	d, _ := newTestDispatcher(t, config.MockAgentsConfig{Enabled: true, IDs: []string{"mock-01"}})

	resp, err := d.Execute(context.Background(), "mock-01", "Get-Process", time.Second)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.Output)
	assert.True(t, resp.IsMock)

	cached, _, ok := d.GetResult(resp.RequestID)
	require.True(t, ok)
	assert.True(t, cached.IsMock)
}

// TestExecuteMockAgentErrorInjection: a command mentioning "error"
// yields a deterministic mock failure.
func TestExecuteMockAgentErrorInjection(t *testing.T) {
	d, _ := newTestDispatcher(t, config.MockAgentsConfig{Enabled: true, IDs: []string{"mock-01"}})

	resp, err := d.Execute(context.Background(), "mock-01", "Invoke-Thing -error", time.Second)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.NotZero(t, resp.ExitCode)
	assert.True(t, resp.IsMock)
}

// TestExecuteRealAgentResponseNotMarkedMock: a real agent's response
// never sets is_mock, so it stays the sole observable difference in
// diagnostic responses.
func TestExecuteRealAgentResponseNotMarkedMock(t *testing.T) {
	d, reg := newTestDispatcher(t, config.MockAgentsConfig{Enabled: true, IDs: []string{"mock-01"}})
	transport := &capturingTransport{}
	session := reg.Attach(transport)
	_, _, _ = reg.Bind(session.ConnectionID, "A1")

	go func() {
		assert.Eventually(t, func() bool {
			transport.mu.Lock()
			defer transport.mu.Unlock()
			return len(transport.sent) > 0
		}, time.Second, time.Millisecond)
		requestID, _ := transport.last()["request_id"].(string)
		d.Deliver(requestID, correlator.Response{Success: true})
	}()

	resp, err := d.Execute(context.Background(), "A1", "Get-Date", time.Second)
	require.NoError(t, err)
	assert.False(t, resp.IsMock)
	assert.False(t, d.IsMock("A1"))
	assert.True(t, d.IsMock("mock-01"))
}

// TestDefaultTimeoutSettingsOverride: a stored
// dispatch.defaultTimeoutSeconds setting wins over the configured
// default, still clamped to [1s, 300s].
func TestDefaultTimeoutSettingsOverride(t *testing.T) {
	log := logger.Default()
	reg := registry.New(log, nil)
	corr := correlator.New(log, time.Minute)
	path := filepath.Join(t.TempDir(), "dispatch-settings-test.db")
	st, err := store.Open(context.Background(), config.DatabaseConfig{Driver: "sqlite", Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.DispatchConfig{DefaultTimeoutSeconds: 30, PendingRetentionSeconds: 300}
	d := New(reg, corr, st, cfg, config.MockAgentsConfig{}, log)

	assert.Equal(t, 30*time.Second, d.DefaultTimeout(context.Background()))

	require.NoError(t, st.Settings().Set(context.Background(), "dispatch.defaultTimeoutSeconds", "90"))
	assert.Equal(t, 90*time.Second, d.DefaultTimeout(context.Background()))

	require.NoError(t, st.Settings().Set(context.Background(), "dispatch.defaultTimeoutSeconds", "99999"))
	assert.Equal(t, 300*time.Second, d.DefaultTimeout(context.Background()))
}

// TestSubmitThenGetResult covers the async submit-then-poll path.
func TestSubmitThenGetResult(t *testing.T) {
	d, reg := newTestDispatcher(t, config.MockAgentsConfig{})
	transport := &capturingTransport{}
	session := reg.Attach(transport)
	_, _, _ = reg.Bind(session.ConnectionID, "A1")

	requestID, err := d.Submit(context.Background(), "A1", "Get-Date", time.Second)
	require.NoError(t, err)

	_, _, ok := d.GetResult(requestID)
	require.True(t, ok) // pending, but known

	d.Deliver(requestID, correlator.Response{Success: true, Output: "done"})

	resp, status, ok := d.GetResult(requestID)
	require.True(t, ok)
	assert.Equal(t, correlator.StatusCompleted, status)
	assert.Equal(t, "done", resp.Output)
}

func TestGetResultUnknownRequestID(t *testing.T) {
	d, _ := newTestDispatcher(t, config.MockAgentsConfig{})
	_, _, ok := d.GetResult("nope")
	assert.False(t, ok)
}

// TestMockSlowerThanTimeoutRecordsSingleRow: a mock whose simulated
// delay exceeds the await timeout loses the settle race; the timeout
// row Execute records must stay the only history row, and the polled
// result must keep reporting the timeout, not the late mock success.
func TestMockSlowerThanTimeoutRecordsSingleRow(t *testing.T) {
	log := logger.Default()
	reg := registry.New(log, nil)
	corr := correlator.New(log, time.Minute)
	path := filepath.Join(t.TempDir(), "dispatch-mock-timeout-test.db")
	st, err := store.Open(context.Background(), config.DatabaseConfig{Driver: "sqlite", Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.DispatchConfig{DefaultTimeoutSeconds: 30, PendingRetentionSeconds: 300}
	d := New(reg, corr, st, cfg, config.MockAgentsConfig{Enabled: true, IDs: []string{"mock-01"}}, log)

	// Long enough that the simulated delay clears the 1s minimum timeout.
	command := "Get-Process " + strings.Repeat("-Verbose ", 70)

	resp, err := d.Execute(context.Background(), "mock-01", command, time.Second)
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Contains(t, resp.Error, "timed out")

	// Let the mock goroutine fire its late, losing delivery.
	time.Sleep(700 * time.Millisecond)

	cached, status, ok := d.GetResult(resp.RequestID)
	require.True(t, ok)
	assert.Equal(t, correlator.StatusTimeout, status)
	assert.False(t, cached.Success)

	entries, err := st.CommandHistory().ListByAgent(context.Background(), "mock-01", 0, time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Success)
	assert.Contains(t, entries[0].Error, "timed out")
}
