package model

import "errors"

var (
	// ErrSessionNotFound is returned when a session id does not resolve.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionNotRunning is returned for operations that need a live subprocess.
	ErrSessionNotRunning = errors.New("session is not running")

	// ErrNotConnected is returned when a request is issued while the channel
	// bridge is disconnected. The request is queued as a side effect.
	ErrNotConnected = errors.New("channel not connected")

	// ErrBridgeClosed is returned for operations on a cleaned-up bridge.
	ErrBridgeClosed = errors.New("channel bridge is closed")

	// ErrEndpointClosed is returned when posting to a closed endpoint.
	ErrEndpointClosed = errors.New("endpoint is closed")

	// ErrEndpointBacklogged is returned when an endpoint's delivery
	// queue is full and the message cannot be accepted without blocking.
	ErrEndpointBacklogged = errors.New("endpoint delivery queue is full")
)
