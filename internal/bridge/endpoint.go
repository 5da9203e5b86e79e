// Package bridge carries session-control requests and output data across
// the process boundary between the front end and the host, resilient to
// transient disconnection.
package bridge

import (
	"sync"

	"github.com/devdesk-terminal/host/internal/model"
)

// Endpoint is one side of a message-oriented link. Messages posted on an
// endpoint arrive, in order, at its linked peer's message callback.
// Closing either side shuts down the whole link and fires the peer's
// close callback.
type Endpoint interface {
	// Start begins delivery. Messages posted before Start are queued.
	Start()

	// Post sends one message to the peer. It never blocks; a full or
	// closed link is reported as an error.
	Post(data []byte) error

	SetOnMessage(fn func(data []byte))
	SetOnClose(fn func())

	Close() error
}

// inboxSize bounds undelivered messages per endpoint.
const inboxSize = 256

// pipeEndpoint is the in-process Endpoint used between the bridge and
// the host-side coordinator, and by tests.
type pipeEndpoint struct {
	mu        sync.Mutex
	peer      *pipeEndpoint
	onMessage func([]byte)
	onClose   func()
	inbox     chan []byte
	quit      chan struct{}
	started   bool
	closed    bool
}

// NewPair returns two linked in-process endpoints.
func NewPair() (Endpoint, Endpoint) {
	a := &pipeEndpoint{inbox: make(chan []byte, inboxSize), quit: make(chan struct{})}
	b := &pipeEndpoint{inbox: make(chan []byte, inboxSize), quit: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

func (e *pipeEndpoint) Start() {
	e.mu.Lock()
	if e.started || e.closed {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	go e.pump()
}

// pump delivers inbox messages one at a time, preserving post order.
func (e *pipeEndpoint) pump() {
	for {
		select {
		case data := <-e.inbox:
			e.mu.Lock()
			fn := e.onMessage
			e.mu.Unlock()
			if fn != nil {
				fn(data)
			}
		case <-e.quit:
			return
		}
	}
}

func (e *pipeEndpoint) Post(data []byte) error {
	e.mu.Lock()
	peer := e.peer
	closed := e.closed
	e.mu.Unlock()

	if closed {
		return model.ErrEndpointClosed
	}
	return peer.enqueue(data)
}

func (e *pipeEndpoint) enqueue(data []byte) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return model.ErrEndpointClosed
	}
	e.mu.Unlock()

	select {
	case e.inbox <- data:
		return nil
	default:
		return model.ErrEndpointBacklogged
	}
}

func (e *pipeEndpoint) SetOnMessage(fn func(data []byte)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onMessage = fn
}

func (e *pipeEndpoint) SetOnClose(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onClose = fn
}

func (e *pipeEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	peer := e.peer
	close(e.quit)
	e.mu.Unlock()

	// The link is dead once either side closes: shut the peer down too
	// so its pump stops, mirroring a remote endpoint going away.
	peer.shutdown()
	return nil
}

// shutdown closes an endpoint in response to its peer closing, stopping
// the pump and firing the close callback once.
func (e *pipeEndpoint) shutdown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	fn := e.onClose
	close(e.quit)
	e.mu.Unlock()

	if fn != nil {
		fn()
	}
}
