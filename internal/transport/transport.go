// Package transport provides the Transport interface and the BLE/TCP
// implementations that carry serial data to an HM-10 style device.
package transport

import (
	"time"
)

// ConnectionState describes the current link status.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// Frame is a raw inbound byte sequence as it arrived from the device.
type Frame struct {
	Data      []byte
	Timestamp time.Time
}

// Transport is the abstraction over the BLE and TCP serial links.
// Implementations must be safe for concurrent use.
type Transport interface {
	// Connect establishes the physical link. Idempotent if already connected.
	Connect() error
	// Disconnect tears down the link gracefully.
	Disconnect() error
	// Send queues p for transmission and waits for it to be accepted.
	Send(p []byte) error
	// Receive returns a channel of inbound frames. Closed when disconnected.
	Receive() <-chan Frame
	// State returns the current link state.
	State() ConnectionState
}
