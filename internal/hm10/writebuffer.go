// Package hm10 implements the serial port abstraction for HM-10 Bluetooth
// LE modules. The central piece is WriteBuffer, which turns the single
// ≤20-byte asynchronous GATT write primitive into a flow-controlled sink
// for arbitrarily sized buffers.
package hm10

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/andrestotorica/hm10link/internal/gatt"
)

// MaxWriteChunkSize is the largest value a single GATT write may carry.
// Most GATT devices do not support characteristic values larger than
// 20 bytes.
const MaxWriteChunkSize = 20

// drainTimeout bounds how long Drain (and the implicit wait inside Write)
// blocks for the in-flight chunks to finish.
const drainTimeout = 5000 * time.Millisecond

// WriteBuffer splits outgoing buffers into chunks and feeds them to the
// GATT client one write at a time, each chunk issued only after the
// previous one's completion callback fired.
//
// Two goroutines touch a WriteBuffer: the producer calling Write, Drain
// and Reset, and the GATT event goroutine calling DecoyReadComplete,
// ChunkWriteComplete and SetError. A single mutex guards all state; the
// callback methods never block.
//
// The first chunk of a session is never written from the producer
// goroutine. Issuing a write while a read completion may be in flight on
// the event goroutine interleaves badly on some stacks, so Write instead
// issues a read of an unrelated characteristic (the GAP device name) and
// the first chunk write happens in that read's completion callback. All
// transport operations for a session therefore originate from the event
// goroutine.
type WriteBuffer struct {
	mu  sync.Mutex
	log *zap.Logger

	chunks [][]byte
	next   int

	// done is closed when the current session is cleared. Nil while no
	// session exists.
	done chan struct{}

	// busy is true while exactly one read or write has been issued and
	// its completion has not arrived. The stack forbids a second
	// outstanding operation.
	busy bool

	// writeErr latches an asynchronous failure until the next Drain
	// observes it.
	writeErr bool
}

// NewWriteBuffer returns an idle WriteBuffer.
func NewWriteBuffer(log *zap.Logger) *WriteBuffer {
	return &WriteBuffer{log: log}
}

// Write splits p into chunks and queues them for transmission on dataC.
// It returns len(p) once the whole buffer is accepted, or 0 if nothing was
// queued. Acceptance is immediate; transmission continues asynchronously
// and its outcome is reported by Drain.
//
// If a previous session is still in flight, Write first waits for it
// (bounded by the drain timeout). A latched error from an earlier session
// does not make Write reject the new buffer; the latch stays set for the
// caller to observe via Drain.
//
// decoyC is the characteristic used for the workaround read; its value is
// never looked at.
func (b *WriteBuffer) Write(cl gatt.Client, dataC, decoyC *gatt.Characteristic, p []byte) int {
	if len(p) == 0 {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.chunks != nil {
		// Wait for the previous session; on timeout it is replaced
		// below and the still-pending completion will start the new
		// session's first chunk.
		b.awaitIdleLocked(drainTimeout)
	}

	if dataC == nil || decoyC == nil {
		return 0
	}

	b.chunks = splitChunks(p)
	b.next = 0
	if b.done == nil {
		b.done = make(chan struct{})
	}

	if !b.busy {
		if err := cl.ReadCharacteristic(decoyC); err != nil {
			b.log.Error("characteristic read request failed", zap.Error(err))
			b.setErrorLocked()
			return 0
		}
		b.busy = true
	}

	return len(p)
}

// Drain blocks until the current session completes, the drain timeout
// elapses, or a latched error is observed. It returns true only if the
// session finished (or none existed) with no latched error.
//
// A failure latched while Drain is already waiting wakes it with true;
// the latch is consumed by the next Drain call.
func (b *WriteBuffer) Drain() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.writeErr {
		// The last write failed asynchronously; report it now so the
		// caller knows something went wrong.
		b.writeErr = false
		return false
	}

	return b.awaitIdleLocked(drainTimeout)
}

// Reset returns the buffer to idle: error latch, pending-operation flag
// and any in-flight session are discarded without waiting. A blocked
// Drain caller wakes up. Called when the link is torn down.
func (b *WriteBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writeErr = false
	b.busy = false
	b.clearLocked()
}

// DecoyReadComplete advances the state machine after the workaround read
// finished: it issues the session's next chunk write from the event
// goroutine. Returns whether a new operation was started.
func (b *WriteBuffer) DecoyReadComplete(cl gatt.Client, dataC *gatt.Characteristic) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.busy = false
	return b.writeNextChunkLocked(cl, dataC)
}

// ChunkWriteComplete advances the state machine after a chunk write
// finished: it issues the next chunk, or clears the session when the last
// chunk has been confirmed. Returns whether a new operation was started.
func (b *WriteBuffer) ChunkWriteComplete(cl gatt.Client, dataC *gatt.Characteristic) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.busy = false
	if b.chunks != nil && b.next >= len(b.chunks) {
		// Last chunk confirmed; writing is done.
		b.clearLocked()
		return false
	}
	return b.writeNextChunkLocked(cl, dataC)
}

// SetError latches an asynchronous transport failure and aborts the
// current session. The latch is sticky until the next Drain observes it.
func (b *WriteBuffer) SetError() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setErrorLocked()
}

func (b *WriteBuffer) setErrorLocked() {
	b.writeErr = true
	b.busy = false
	b.clearLocked()
}

func (b *WriteBuffer) clearLocked() {
	b.chunks = nil
	b.next = 0
	if b.done != nil {
		close(b.done)
		b.done = nil
	}
}

func (b *WriteBuffer) writeNextChunkLocked(cl gatt.Client, dataC *gatt.Characteristic) bool {
	if b.chunks == nil {
		return false
	}

	if err := cl.WriteCharacteristic(dataC, b.chunks[b.next]); err != nil {
		b.log.Error("characteristic write request failed", zap.Error(err))
		b.setErrorLocked()
		return false
	}

	b.busy = true
	b.next++
	return true
}

// awaitIdleLocked waits until no session exists or the timeout elapses,
// releasing the mutex while blocked. The deadline is fixed at entry, so
// spurious wakeups do not extend the total wait. Reports whether the
// session is gone.
func (b *WriteBuffer) awaitIdleLocked(timeout time.Duration) bool {
	if b.chunks == nil {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for b.chunks != nil {
		done := b.done
		b.mu.Unlock()
		select {
		case <-done:
		case <-timer.C:
			b.mu.Lock()
			return b.chunks == nil
		}
		b.mu.Lock()
	}
	return true
}

// splitChunks slices p into consecutive pieces of at most
// MaxWriteChunkSize bytes, preserving order and content.
func splitChunks(p []byte) [][]byte {
	n := (len(p) + MaxWriteChunkSize - 1) / MaxWriteChunkSize
	chunks := make([][]byte, 0, n)
	for len(p) > MaxWriteChunkSize {
		chunks = append(chunks, p[:MaxWriteChunkSize])
		p = p[MaxWriteChunkSize:]
	}
	return append(chunks, p)
}
