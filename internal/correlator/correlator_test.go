package correlator

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asedra/fleetctl/internal/common/logger"
)

func newTestCorrelator(t *testing.T, retention time.Duration) *Correlator {
	t.Helper()
	return New(logger.Default(), retention)
}

func TestBeginAwaitDeliver(t *testing.T) {
	c := newTestCorrelator(t, time.Minute)
	requestID := c.Begin("A1", "Get-Date")
	require.NotEmpty(t, requestID)

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.Deliver(requestID, Response{Success: true, Output: "2024-01-01", ExecutionTime: 0.1})
	}()

	resp, status := c.Await(requestID, time.Second)
	assert.Equal(t, StatusCompleted, status)
	assert.True(t, resp.Success)
	assert.Equal(t, "2024-01-01", resp.Output)
}

func TestAwaitTimeout(t *testing.T) {
	c := newTestCorrelator(t, time.Minute)
	requestID := c.Begin("A1", "sleep 10")

	resp, status := c.Await(requestID, 30*time.Millisecond)
	assert.Equal(t, StatusTimeout, status)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "timed out")
}

// TestLateDeliverAfterTimeout: a late Deliver for an already-timed-out
// id must not panic and must not overwrite the cached timeout response.
func TestLateDeliverAfterTimeout(t *testing.T) {
	c := newTestCorrelator(t, time.Minute)
	requestID := c.Begin("A1", "sleep 10")

	_, status := c.Await(requestID, 20*time.Millisecond)
	require.Equal(t, StatusTimeout, status)

	assert.NotPanics(t, func() {
		assert.False(t, c.Deliver(requestID, Response{Success: true, Output: "late"}))
	})

	resp, status, ok := c.Get(requestID)
	require.True(t, ok)
	assert.Equal(t, StatusTimeout, status)
	assert.False(t, resp.Success)
	assert.NotEqual(t, "late", resp.Output)
}

// TestDeliverThenLateDeliver: only the first Deliver wins.
func TestDeliverThenLateDeliver(t *testing.T) {
	c := newTestCorrelator(t, time.Minute)
	requestID := c.Begin("A1", "Get-Date")

	assert.True(t, c.Deliver(requestID, Response{Success: true, Output: "first"}))
	assert.False(t, c.Deliver(requestID, Response{Success: false, Output: "second"}))

	resp, status, ok := c.Get(requestID)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, status)
	assert.Equal(t, "first", resp.Output)
}

// TestIdempotentReawait: re-awaiting an already-completed entry returns
// the cached response immediately.
func TestIdempotentReawait(t *testing.T) {
	c := newTestCorrelator(t, time.Minute)
	requestID := c.Begin("A1", "Get-Date")
	c.Deliver(requestID, Response{Success: true, Output: "cached"})

	start := time.Now()
	resp, status := c.Await(requestID, 5*time.Second)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, StatusCompleted, status)
	assert.Equal(t, "cached", resp.Output)
}

// TestDeliverForUnknownRequestID: ignored, not a panic.
func TestDeliverForUnknownRequestID(t *testing.T) {
	c := newTestCorrelator(t, time.Minute)
	assert.NotPanics(t, func() {
		assert.False(t, c.Deliver("req-does-not-exist", Response{Success: true}))
	})
}

func TestAwaitUnknownRequestID(t *testing.T) {
	c := newTestCorrelator(t, time.Minute)
	resp, status := c.Await("nope", 10*time.Millisecond)
	assert.Equal(t, StatusTimeout, status)
	assert.False(t, resp.Success)
}

// TestConcurrentDeliverAndTimeoutExactlyOneWins: under a real race,
// exactly one of {delivered, timed-out} is observable, and it never
// changes afterward.
func TestConcurrentDeliverAndTimeoutExactlyOneWins(t *testing.T) {
	for i := 0; i < 50; i++ {
		c := newTestCorrelator(t, time.Minute)
		requestID := c.Begin("A1", "Get-Date")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.Deliver(requestID, Response{Success: true, Output: "delivered"})
		}()
		go func() {
			defer wg.Done()
			c.Await(requestID, time.Millisecond)
		}()
		wg.Wait()

		resp1, status1, _ := c.Get(requestID)
		time.Sleep(time.Millisecond)
		resp2, status2, _ := c.Get(requestID)
		assert.Equal(t, status1, status2)
		assert.Equal(t, resp1, resp2)
	}
}

func TestMeta(t *testing.T) {
	c := newTestCorrelator(t, time.Minute)
	requestID := c.Begin("A1", "Get-Process")

	agentID, command, ok := c.Meta(requestID)
	require.True(t, ok)
	assert.Equal(t, "A1", agentID)
	assert.Equal(t, "Get-Process", command)

	_, _, ok = c.Meta("unknown")
	assert.False(t, ok)
}

func TestRequestIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewRequestID()
		require.False(t, seen[id], "duplicate request id generated: %s", id)
		seen[id] = true
	}
}

func TestEvictionAfterRetention(t *testing.T) {
	c := newTestCorrelator(t, 20*time.Millisecond)
	requestID := c.Begin("A1", "Get-Date")
	c.Deliver(requestID, Response{Success: true})

	_, _, ok := c.Get(requestID)
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		_, _, ok := c.Get(requestID)
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestZeroRetentionNeverEvicts(t *testing.T) {
	c := newTestCorrelator(t, 0)
	requestID := c.Begin("A1", "Get-Date")
	c.Deliver(requestID, Response{Success: true})

	time.Sleep(30 * time.Millisecond)
	_, _, ok := c.Get(requestID)
	assert.True(t, ok)
}
