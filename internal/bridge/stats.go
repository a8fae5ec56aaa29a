package bridge

import (
	"sync"
	"time"

	"github.com/andrestotorica/hm10link/internal/transport"
)

// Stats tracks runtime counters for the serial link.
// All exported methods are safe for concurrent use.
type Stats struct {
	mu             sync.RWMutex
	framesIn       uint64
	framesOut      uint64
	bytesIn        uint64
	bytesOut       uint64
	sendErrors     uint64
	state          transport.ConnectionState
	connectedSince time.Time
}

// NewStats returns a zeroed Stats tracker.
func NewStats() *Stats {
	return &Stats{state: transport.StateDisconnected}
}

// RecordIn accounts one inbound frame of n bytes.
func (s *Stats) RecordIn(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.framesIn++
	s.bytesIn += uint64(n)
}

// RecordOut accounts one outbound frame of n bytes.
func (s *Stats) RecordOut(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.framesOut++
	s.bytesOut += uint64(n)
}

// RecordSendError accounts a failed send.
func (s *Stats) RecordSendError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErrors++
}

// SetState records a link state change and tracks uptime.
func (s *Stats) SetState(st transport.ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st == transport.StateConnected && s.state != transport.StateConnected {
		s.connectedSince = time.Now().UTC()
	}
	s.state = st
}

// Snapshot is a point-in-time copy of the counters, shaped for the
// status endpoint.
type Snapshot struct {
	State          string    `json:"state"`
	ConnectedSince time.Time `json:"connected_since,omitempty"`
	FramesIn       uint64    `json:"frames_in"`
	FramesOut      uint64    `json:"frames_out"`
	BytesIn        uint64    `json:"bytes_in"`
	BytesOut       uint64    `json:"bytes_out"`
	SendErrors     uint64    `json:"send_errors"`
}

// Snapshot returns a consistent copy of all counters.
func (s *Stats) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		State:      s.state.String(),
		FramesIn:   s.framesIn,
		FramesOut:  s.framesOut,
		BytesIn:    s.bytesIn,
		BytesOut:   s.bytesOut,
		SendErrors: s.sendErrors,
	}
	if s.state == transport.StateConnected {
		snap.ConnectedSince = s.connectedSince
	}
	return snap
}
