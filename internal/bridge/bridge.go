package bridge

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devdesk-terminal/host/internal/logging"
	"github.com/devdesk-terminal/host/internal/model"
)

// ConnState describes the bridge's connection lifecycle.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

// String returns the display name of the state.
func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

const (
	// maxReconnectAttempts bounds automatic retries; a manual Reconnect
	// resets the counter.
	maxReconnectAttempts = 5

	// backoffBase doubles per attempt.
	backoffBase = time.Second

	// Delays double up to 16 s, then settle at the 10 s ceiling.
	backoffOverflow = 16 * time.Second
	backoffCeiling  = 10 * time.Second
)

// reconnectDelay returns the backoff before retry number attempt (1-based):
// 2 s, 4 s, 8 s, 16 s, then the ceiling.
func reconnectDelay(attempt int) time.Duration {
	d := backoffBase * time.Duration(1<<attempt)
	if d > backoffOverflow {
		d = backoffCeiling
	}
	return d
}

// LinkFactory creates the bridge's endpoint pair: A faces the front end,
// B faces the host coordinator. Called on every (re)connection so both
// sides are re-wired after a drop.
type LinkFactory func() (front Endpoint, host Endpoint, err error)

// PerformanceStats are the bridge's cumulative channel metrics.
type PerformanceStats struct {
	MessageCount   int64   `json:"messageCount"`
	AvgLatencyMs   float64 `json:"avgLatency"`
	MaxLatencyMs   float64 `json:"maxLatency"`
	ChannelsActive int     `json:"channelsActive"`
}

// Status is a snapshot of the bridge's connection state.
type Status struct {
	Connected         bool             `json:"connected"`
	ReconnectAttempts int              `json:"reconnectAttempts"`
	QueuedMessages    int              `json:"queuedMessages"`
	Performance       PerformanceStats `json:"performance"`
}

// Bridge connects a front-end-facing endpoint to a host-facing endpoint
// with request/response correlation, outbound queuing while disconnected,
// and bounded exponential-backoff reconnection. Each bridge exclusively
// owns one endpoint pair.
type Bridge struct {
	channelID string
	log       *logging.Logger
	factory   LinkFactory

	mu                sync.Mutex
	state             ConnState
	front             Endpoint
	host              Endpoint
	terminalID        string
	queue             []model.Request
	reconnectAttempts int
	reconnectTimer    *time.Timer
	cleanedUp         bool

	messageCount   int64
	timedCount     int64
	totalLatency   time.Duration
	maxLatency     time.Duration
	channelsActive int

	onConnected    func()
	onDisconnected func()
	onData         func(resp model.Response)
	onError        func(err error)
	onResponse     func(resp model.Response)
	onCleanup      func()
	onMaxReconnect func()

	// now and afterFunc are swapped in tests for deterministic timing.
	now       func() time.Time
	afterFunc func(d time.Duration, fn func()) *time.Timer
}

// New creates a bridge around the given link factory. Call Initialize to
// connect.
func New(factory LinkFactory, log *logging.Logger) *Bridge {
	if log == nil {
		log = logging.NewNop()
	}
	id := uuid.New().String()
	return &Bridge{
		channelID: id,
		log:       log.With(zap.String("channel", id)),
		factory:   factory,
		state:     Disconnected,
		now:       time.Now,
		afterFunc: time.AfterFunc,
	}
}

// ChannelID returns the bridge's channel identifier.
func (b *Bridge) ChannelID() string { return b.channelID }

// SetTerminalID binds the bridge to a terminal for subsequent requests.
func (b *Bridge) SetTerminalID(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.terminalID = id
}

// SetOnConnected registers the connected event callback.
func (b *Bridge) SetOnConnected(fn func()) { b.mu.Lock(); b.onConnected = fn; b.mu.Unlock() }

// SetOnDisconnected registers the disconnected event callback.
func (b *Bridge) SetOnDisconnected(fn func()) { b.mu.Lock(); b.onDisconnected = fn; b.mu.Unlock() }

// SetOnData registers the callback for responses that carry output.
func (b *Bridge) SetOnData(fn func(resp model.Response)) { b.mu.Lock(); b.onData = fn; b.mu.Unlock() }

// SetOnError registers the error event callback.
func (b *Bridge) SetOnError(fn func(err error)) { b.mu.Lock(); b.onError = fn; b.mu.Unlock() }

// SetOnResponse registers the callback for every host response.
func (b *Bridge) SetOnResponse(fn func(resp model.Response)) {
	b.mu.Lock()
	b.onResponse = fn
	b.mu.Unlock()
}

// SetOnCleanup registers the cleanup event callback.
func (b *Bridge) SetOnCleanup(fn func()) { b.mu.Lock(); b.onCleanup = fn; b.mu.Unlock() }

// SetOnMaxReconnect registers the retry-exhaustion callback.
func (b *Bridge) SetOnMaxReconnect(fn func()) { b.mu.Lock(); b.onMaxReconnect = fn; b.mu.Unlock() }

// Initialize creates and starts the endpoint pair, wires message and
// close handlers, and flushes any queued requests. Failure schedules a
// reconnect attempt and is returned to the caller.
func (b *Bridge) Initialize() error {
	b.mu.Lock()
	if b.cleanedUp {
		b.mu.Unlock()
		return model.ErrBridgeClosed
	}
	b.state = Connecting
	b.mu.Unlock()

	front, host, err := b.factory()
	if err != nil {
		b.log.Error("channel initialization failed", zap.Error(err))
		b.handleDisconnect()
		return fmt.Errorf("failed to initialize channel: %w", err)
	}

	front.SetOnMessage(b.handleFrontMessage)
	front.SetOnClose(func() { b.handleEndpointClosed("front") })
	host.SetOnMessage(b.handleHostMessage)
	host.SetOnClose(func() { b.handleEndpointClosed("host") })

	front.Start()
	host.Start()

	b.mu.Lock()
	oldFront, oldHost := b.front, b.host
	b.front = front
	b.host = host
	b.state = Connected
	b.reconnectAttempts = 0
	if b.reconnectTimer != nil {
		b.reconnectTimer.Stop()
		b.reconnectTimer = nil
	}
	b.channelsActive++
	queued := b.queue
	b.queue = nil
	onConnected := b.onConnected
	b.mu.Unlock()

	// A manual Reconnect while connected displaces a live pair.
	closeLink(oldFront, oldHost)

	b.log.Info("channel connected", zap.Int("queued", len(queued)))
	if onConnected != nil {
		onConnected()
	}

	// Replay in original enqueue order. Each send is independent: one
	// failure is reported but does not block the rest.
	for _, req := range queued {
		if err := b.post(req); err != nil {
			b.log.Warn("failed to flush queued request",
				zap.String("requestId", req.RequestID), zap.Error(err))
			b.emitError(err)
		}
	}
	return nil
}

// handleFrontMessage forwards front-end requests to the host endpoint.
func (b *Bridge) handleFrontMessage(data []byte) {
	var req model.Request
	if err := json.Unmarshal(data, &req); err != nil {
		b.log.Warn("discarding malformed front-end message", zap.Error(err))
		return
	}
	if req.Timestamp == 0 {
		req.Timestamp = b.now().UnixMilli()
	}
	if err := b.post(req); err != nil {
		b.emitError(err)
	}
}

// handleHostMessage treats host messages as responses: accounts latency
// when the response echoes a timestamp, re-emits output-bearing
// responses as data, and relays everything to the front end.
func (b *Bridge) handleHostMessage(data []byte) {
	var resp model.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		b.log.Warn("discarding malformed host message", zap.Error(err))
		return
	}

	b.mu.Lock()
	b.messageCount++
	if resp.Timestamp > 0 && resp.RequestID != "" {
		latency := b.now().Sub(time.UnixMilli(resp.Timestamp))
		if latency < 0 {
			latency = 0
		}
		b.timedCount++
		b.totalLatency += latency
		if latency > b.maxLatency {
			b.maxLatency = latency
		}
	}
	front := b.front
	onResponse := b.onResponse
	onData := b.onData
	b.mu.Unlock()

	if onResponse != nil {
		onResponse(resp)
	}
	if resp.Data != nil && resp.Data.Output != "" && onData != nil {
		onData(resp)
	}

	if front != nil {
		if err := front.Post(data); err != nil {
			b.log.Warn("failed to relay response to front end", zap.Error(err))
		}
	}
}

// CreateTerminal requests a new terminal on the host side and binds the
// bridge to it.
func (b *Bridge) CreateTerminal(terminalID string, opts model.TerminalOptions) error {
	b.SetTerminalID(terminalID)
	return b.send(model.Request{
		Type:       model.RequestCreate,
		TerminalID: terminalID,
		Data:       &model.RequestData{Options: &opts},
	})
}

// Write sends input text to the bound terminal.
func (b *Bridge) Write(text string) error {
	return b.send(model.Request{
		Type:       model.RequestWrite,
		TerminalID: b.boundTerminal(),
		Data:       &model.RequestData{Text: text},
	})
}

// Resize updates the bound terminal's geometry.
func (b *Bridge) Resize(cols, rows int) error {
	return b.send(model.Request{
		Type:       model.RequestResize,
		TerminalID: b.boundTerminal(),
		Data:       &model.RequestData{Cols: cols, Rows: rows},
	})
}

// Kill terminates the bound terminal.
func (b *Bridge) Kill() error {
	return b.send(model.Request{
		Type:       model.RequestKill,
		TerminalID: b.boundTerminal(),
	})
}

// List requests the host's terminal inventory.
func (b *Bridge) List() error {
	return b.send(model.Request{Type: model.RequestList})
}

func (b *Bridge) boundTerminal() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.terminalID
}

// send stamps the request and posts it, or queues it while disconnected.
// Queuing is a side effect of the failure, not a success: the caller is
// told the channel is down.
func (b *Bridge) send(req model.Request) error {
	b.mu.Lock()
	if b.cleanedUp {
		b.mu.Unlock()
		return model.ErrBridgeClosed
	}
	req.Timestamp = b.now().UnixMilli()
	req.RequestID = fmt.Sprintf("%s-%s-%d", req.Type, b.channelID, req.Timestamp)

	if b.state != Connected {
		b.queue = append(b.queue, req)
		n := len(b.queue)
		b.mu.Unlock()
		b.log.Debug("request queued while disconnected",
			zap.String("type", string(req.Type)), zap.Int("queued", n))
		return model.ErrNotConnected
	}
	b.mu.Unlock()

	if err := b.post(req); err != nil {
		b.log.Error("failed to post request",
			zap.String("requestId", req.RequestID), zap.Error(err))
		b.emitError(err)
		return err
	}
	return nil
}

// post marshals and writes one request to the host endpoint.
func (b *Bridge) post(req model.Request) error {
	b.mu.Lock()
	host := b.host
	b.mu.Unlock()

	if host == nil {
		return model.ErrNotConnected
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return host.Post(data)
}

// handleEndpointClosed drives the disconnection path when either side of
// the link goes away.
func (b *Bridge) handleEndpointClosed(side string) {
	b.log.Warn("endpoint closed", zap.String("side", side))
	b.handleDisconnect()
}

// handleDisconnect tears down the endpoint pair, marks the bridge
// disconnected, and schedules a retry with exponential backoff, up to
// the attempt limit.
func (b *Bridge) handleDisconnect() {
	b.mu.Lock()
	if b.cleanedUp {
		b.mu.Unlock()
		return
	}
	wasConnected := b.state == Connected
	b.state = Disconnected
	front, host := b.front, b.host
	b.front = nil
	b.host = nil
	if wasConnected && b.channelsActive > 0 {
		b.channelsActive--
	}
	onDisconnected := b.onDisconnected

	if b.reconnectAttempts >= maxReconnectAttempts {
		onMax := b.onMaxReconnect
		b.mu.Unlock()

		closeLink(front, host)
		b.log.Error("reconnect attempts exhausted", zap.Int("attempts", maxReconnectAttempts))
		if onDisconnected != nil {
			onDisconnected()
		}
		if onMax != nil {
			onMax()
		}
		return
	}

	b.reconnectAttempts++
	attempt := b.reconnectAttempts
	delay := reconnectDelay(attempt)
	if b.reconnectTimer != nil {
		b.reconnectTimer.Stop()
	}
	b.reconnectTimer = b.afterFunc(delay, func() {
		// Initialize schedules the next attempt itself on failure.
		_ = b.Initialize()
	})
	b.mu.Unlock()

	closeLink(front, host)
	b.log.Warn("channel disconnected, retry scheduled",
		zap.Int("attempt", attempt), zap.Duration("delay", delay))
	if onDisconnected != nil {
		onDisconnected()
	}
}

// closeLink retires a dead endpoint pair. Closing an endpoint shuts its
// peer down too, so no pump outlives the connection.
func closeLink(front, host Endpoint) {
	if front != nil {
		front.Close()
	}
	if host != nil {
		host.Close()
	}
}

// Reconnect resets the attempt counter and connects immediately.
func (b *Bridge) Reconnect() error {
	b.mu.Lock()
	if b.cleanedUp {
		b.mu.Unlock()
		return model.ErrBridgeClosed
	}
	b.reconnectAttempts = 0
	if b.reconnectTimer != nil {
		b.reconnectTimer.Stop()
		b.reconnectTimer = nil
	}
	b.mu.Unlock()

	return b.Initialize()
}

// Status returns a snapshot of connection state and channel metrics.
// Average latency is 0 when no timed responses have arrived.
func (b *Bridge) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	avg := 0.0
	if b.timedCount > 0 {
		avg = float64(b.totalLatency.Milliseconds()) / float64(b.timedCount)
	}
	return Status{
		Connected:         b.state == Connected,
		ReconnectAttempts: b.reconnectAttempts,
		QueuedMessages:    len(b.queue),
		Performance: PerformanceStats{
			MessageCount:   b.messageCount,
			AvgLatencyMs:   avg,
			MaxLatencyMs:   float64(b.maxLatency.Milliseconds()),
			ChannelsActive: b.channelsActive,
		},
	}
}

// Cleanup disconnects, drains the queue, and closes both endpoints.
// Idempotent.
func (b *Bridge) Cleanup() {
	b.mu.Lock()
	if b.cleanedUp {
		b.mu.Unlock()
		return
	}
	b.cleanedUp = true
	b.state = Disconnected
	b.queue = nil
	b.channelsActive = 0
	if b.reconnectTimer != nil {
		b.reconnectTimer.Stop()
		b.reconnectTimer = nil
	}
	front, host := b.front, b.host
	b.front = nil
	b.host = nil
	onCleanup := b.onCleanup
	b.mu.Unlock()

	closeLink(front, host)

	b.log.Info("channel cleaned up")
	if onCleanup != nil {
		onCleanup()
	}
}

func (b *Bridge) emitError(err error) {
	b.mu.Lock()
	fn := b.onError
	b.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}
