package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devdesk-terminal/host/internal/logging"
	"github.com/devdesk-terminal/host/internal/model"
)

// fakeClock captures scheduled reconnect timers so tests can fire them
// without waiting.
type fakeClock struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
}

func (c *fakeClock) afterFunc(d time.Duration, fn func()) *time.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delays = append(c.delays, d)
	c.fns = append(c.fns, fn)
	t := time.NewTimer(time.Hour)
	t.Stop()
	return t
}

func (c *fakeClock) scheduled() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

func (c *fakeClock) fire(i int) {
	c.mu.Lock()
	fn := c.fns[i]
	c.mu.Unlock()
	fn()
}

// testLink is the far side of the bridge's endpoint pair: it plays both
// the front end and the host, collecting what the bridge forwards.
type testLink struct {
	mu        sync.Mutex
	ui        Endpoint
	host      Endpoint
	requests  []model.Request
	responses []model.Response
}

func (l *testLink) factory() (Endpoint, Endpoint, error) {
	uiSide, front := NewPair()
	hostLink, hostSide := NewPair()

	uiSide.SetOnMessage(func(data []byte) {
		var resp model.Response
		if json.Unmarshal(data, &resp) == nil {
			l.mu.Lock()
			l.responses = append(l.responses, resp)
			l.mu.Unlock()
		}
	})
	hostSide.SetOnMessage(func(data []byte) {
		var req model.Request
		if json.Unmarshal(data, &req) == nil {
			l.mu.Lock()
			l.requests = append(l.requests, req)
			l.mu.Unlock()
		}
	})
	uiSide.Start()
	hostSide.Start()

	l.mu.Lock()
	l.ui = uiSide
	l.host = hostSide
	l.mu.Unlock()
	return front, hostLink, nil
}

func (l *testLink) requestCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.requests)
}

func (l *testLink) request(i int) model.Request {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.requests[i]
}

func (l *testLink) responseCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.responses)
}

func (l *testLink) postResponse(t *testing.T, resp model.Response) {
	t.Helper()
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	l.mu.Lock()
	host := l.host
	l.mu.Unlock()
	require.NoError(t, host.Post(data))
}

func TestReconnectBackoff(t *testing.T) {
	clock := &fakeClock{}
	failing := func() (Endpoint, Endpoint, error) {
		return nil, nil, errors.New("link refused")
	}

	var maxed bool
	var mu sync.Mutex
	b := New(failing, logging.NewNop())
	b.afterFunc = clock.afterFunc
	b.SetOnMaxReconnect(func() {
		mu.Lock()
		maxed = true
		mu.Unlock()
	})

	require.Error(t, b.Initialize())

	// Each fired timer fails again and schedules the next attempt.
	for i := 0; i < 4; i++ {
		clock.fire(i)
	}
	want := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		10 * time.Second,
	}
	require.Equal(t, want, clock.scheduled())

	clock.fire(4)
	require.Len(t, clock.scheduled(), 5, "no retry after the attempt limit")
	mu.Lock()
	defer mu.Unlock()
	require.True(t, maxed)

	b.Cleanup()
}

func TestManualReconnectResetsAttempts(t *testing.T) {
	clock := &fakeClock{}
	link := &testLink{}
	fail := true
	factory := func() (Endpoint, Endpoint, error) {
		if fail {
			return nil, nil, errors.New("link refused")
		}
		return link.factory()
	}

	b := New(factory, logging.NewNop())
	b.afterFunc = clock.afterFunc
	defer b.Cleanup()

	require.Error(t, b.Initialize())
	require.Equal(t, 1, b.Status().ReconnectAttempts)

	fail = false
	require.NoError(t, b.Reconnect())
	st := b.Status()
	require.True(t, st.Connected)
	require.Equal(t, 0, st.ReconnectAttempts)
}

func TestQueueWhileDisconnected(t *testing.T) {
	link := &testLink{}
	b := New(link.factory, logging.NewNop())
	defer b.Cleanup()

	b.SetTerminalID("term-1")
	require.ErrorIs(t, b.Write("first"), model.ErrNotConnected)
	require.ErrorIs(t, b.Write("second"), model.ErrNotConnected)
	require.ErrorIs(t, b.Resize(120, 40), model.ErrNotConnected)
	require.Equal(t, 3, b.Status().QueuedMessages)

	require.NoError(t, b.Initialize())
	require.Eventually(t, func() bool { return link.requestCount() == 3 },
		2*time.Second, 5*time.Millisecond)

	require.Equal(t, 0, b.Status().QueuedMessages)
	require.Equal(t, "first", link.request(0).Data.Text)
	require.Equal(t, "second", link.request(1).Data.Text)
	require.Equal(t, model.RequestResize, link.request(2).Type)
	require.Equal(t, 120, link.request(2).Data.Cols)
}

func TestRequestStamping(t *testing.T) {
	link := &testLink{}
	b := New(link.factory, logging.NewNop())
	defer b.Cleanup()

	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return fixed }

	require.NoError(t, b.Initialize())
	require.NoError(t, b.CreateTerminal("term-9", model.TerminalOptions{Name: "build"}))
	require.Eventually(t, func() bool { return link.requestCount() == 1 },
		2*time.Second, 5*time.Millisecond)

	req := link.request(0)
	require.Equal(t, model.RequestCreate, req.Type)
	require.Equal(t, "term-9", req.TerminalID)
	require.Equal(t, fixed.UnixMilli(), req.Timestamp)
	require.Equal(t, fmt.Sprintf("create-%s-%d", b.ChannelID(), req.Timestamp), req.RequestID)
}

func TestLatencyAccounting(t *testing.T) {
	link := &testLink{}
	b := New(link.factory, logging.NewNop())
	defer b.Cleanup()

	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return fixed }

	require.NoError(t, b.Initialize())

	// A timed response: latency is measured against the echoed timestamp.
	link.postResponse(t, model.Response{
		Success:   true,
		RequestID: "write-abc-1",
		Timestamp: fixed.Add(-40 * time.Millisecond).UnixMilli(),
	})
	require.Eventually(t, func() bool {
		return b.Status().Performance.MessageCount == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 40.0, b.Status().Performance.AvgLatencyMs)
	require.Equal(t, 40.0, b.Status().Performance.MaxLatencyMs)

	// An unsolicited response counts as a message but not toward latency.
	link.postResponse(t, model.Response{Success: true})
	require.Eventually(t, func() bool {
		return b.Status().Performance.MessageCount == 2
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 40.0, b.Status().Performance.AvgLatencyMs)
}

func TestOutputResponsesEmitDataAndRelay(t *testing.T) {
	link := &testLink{}
	b := New(link.factory, logging.NewNop())
	defer b.Cleanup()

	var mu sync.Mutex
	var outputs []string
	b.SetOnData(func(resp model.Response) {
		mu.Lock()
		outputs = append(outputs, resp.Data.Output)
		mu.Unlock()
	})

	require.NoError(t, b.Initialize())
	link.postResponse(t, model.Response{
		Success: true,
		Data:    &model.ResponseData{ID: "term-1", Output: "hello\n"},
	})

	require.Eventually(t, func() bool { return link.responseCount() == 1 },
		2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"hello\n"}, outputs)
}

func TestEndpointClosureTriggersReconnect(t *testing.T) {
	clock := &fakeClock{}
	link := &testLink{}
	b := New(link.factory, logging.NewNop())
	b.afterFunc = clock.afterFunc
	defer b.Cleanup()

	var mu sync.Mutex
	var dropped bool
	b.SetOnDisconnected(func() {
		mu.Lock()
		dropped = true
		mu.Unlock()
	})

	require.NoError(t, b.Initialize())
	require.NoError(t, link.host.Close())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dropped
	}, 2*time.Second, 5*time.Millisecond)
	st := b.Status()
	require.False(t, st.Connected)
	require.Equal(t, 1, st.ReconnectAttempts)
	require.Equal(t, []time.Duration{2 * time.Second}, clock.scheduled())
}

func TestCleanupIdempotent(t *testing.T) {
	link := &testLink{}
	b := New(link.factory, logging.NewNop())

	var mu sync.Mutex
	cleanups := 0
	b.SetOnCleanup(func() {
		mu.Lock()
		cleanups++
		mu.Unlock()
	})

	require.NoError(t, b.Initialize())
	b.Cleanup()
	b.Cleanup()

	mu.Lock()
	require.Equal(t, 1, cleanups)
	mu.Unlock()
	require.ErrorIs(t, b.Write("late"), model.ErrBridgeClosed)
	require.ErrorIs(t, b.Reconnect(), model.ErrBridgeClosed)
}

func TestCleanupReleasesEndpointGoroutines(t *testing.T) {
	before := runtime.NumGoroutine()

	// Each cycle starts four endpoint pumps that Cleanup must retire,
	// including the two on the far side of the link.
	for i := 0; i < 20; i++ {
		link := &testLink{}
		b := New(link.factory, logging.NewNop())
		require.NoError(t, b.Initialize())
		b.Cleanup()
	}

	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDisconnectRetiresBothEndpointPairs(t *testing.T) {
	clock := &fakeClock{}
	before := runtime.NumGoroutine()

	link := &testLink{}
	b := New(link.factory, logging.NewNop())
	b.afterFunc = clock.afterFunc
	defer b.Cleanup()

	require.NoError(t, b.Initialize())
	require.NoError(t, link.host.Close())

	// The front-end pair must be torn down along with the dropped host
	// pair while the bridge waits out the backoff.
	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+2
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []time.Duration{2 * time.Second}, clock.scheduled())
}
