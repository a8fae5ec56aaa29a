package hm10

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/andrestotorica/hm10link/internal/gatt"
	"github.com/andrestotorica/hm10link/internal/transport"
)

const portFrameChanSize = 256

// Port carries serial data over a GATT connection to an HM-10 module.
// It implements transport.Transport and is the gatt.Handler for its own
// connection: characteristic completions are routed into the WriteBuffer
// and notifications into the receive channel.
type Port struct {
	dialer gatt.Dialer
	addr   string
	log    *zap.Logger
	buf    *WriteBuffer

	state atomic.Int32 // transport.ConnectionState

	mu     sync.Mutex
	cl     gatt.Client
	dataC  *gatt.Characteristic
	nameC  *gatt.Characteristic
	frames chan transport.Frame
}

// NewPort constructs a Port for the peripheral at addr. Call Connect to
// establish the link.
func NewPort(d gatt.Dialer, addr string, log *zap.Logger) *Port {
	p := &Port{
		dialer: d,
		addr:   addr,
		log:    log,
		buf:    NewWriteBuffer(log),
	}
	p.state.Store(int32(transport.StateDisconnected))
	return p
}

// Connect dials the peripheral, resolves the HM-10 data characteristic and
// the GAP device-name characteristic, and enables data notifications.
func (p *Port) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if transport.ConnectionState(p.state.Load()) == transport.StateConnected {
		return nil
	}
	p.state.Store(int32(transport.StateConnecting))

	cl, err := p.dialer.Dial(p.addr, p)
	if err != nil {
		p.state.Store(int32(transport.StateFailed))
		return fmt.Errorf("hm10: dial %s: %w", p.addr, err)
	}

	dataC, err := cl.DiscoverCharacteristic(gatt.HM10ServiceUUID, gatt.HM10DataUUID)
	if err != nil {
		cl.Close()
		p.state.Store(int32(transport.StateFailed))
		return fmt.Errorf("hm10: data characteristic: %w", err)
	}
	nameC, err := cl.DiscoverCharacteristic(gatt.GAPServiceUUID, gatt.DeviceNameUUID)
	if err != nil {
		cl.Close()
		p.state.Store(int32(transport.StateFailed))
		return fmt.Errorf("hm10: device name characteristic: %w", err)
	}
	if err := cl.Subscribe(dataC); err != nil {
		cl.Close()
		p.state.Store(int32(transport.StateFailed))
		return fmt.Errorf("hm10: subscribe: %w", err)
	}

	p.cl = cl
	p.dataC = dataC
	p.nameC = nameC
	p.frames = make(chan transport.Frame, portFrameChanSize)
	p.state.Store(int32(transport.StateConnected))
	p.log.Info("HM-10 link up", zap.String("addr", p.addr))
	return nil
}

// Disconnect closes the peripheral connection and discards any in-flight
// write session. A concurrently blocked Send returns promptly.
func (p *Port) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cl == nil {
		p.state.Store(int32(transport.StateDisconnected))
		return nil
	}
	err := p.cl.Close()
	p.teardownLocked()
	return err
}

// Send queues p for transmission and blocks until the whole buffer was
// written to the device, a transport error occurred, or the drain timeout
// elapsed.
func (p *Port) Send(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	p.mu.Lock()
	cl, dataC, nameC := p.cl, p.dataC, p.nameC
	p.mu.Unlock()

	if transport.ConnectionState(p.state.Load()) != transport.StateConnected {
		return gatt.ErrNotConnected
	}

	n := p.buf.Write(cl, dataC, nameC, data)
	if n != len(data) {
		return fmt.Errorf("hm10: write of %d bytes rejected", len(data))
	}
	if !p.buf.Drain() {
		return fmt.Errorf("hm10: write of %d bytes failed or timed out", len(data))
	}
	return nil
}

// Receive returns the inbound frame channel. It is closed on disconnect.
func (p *Port) Receive() <-chan transport.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames
}

// State returns the current link state.
func (p *Port) State() transport.ConnectionState {
	return transport.ConnectionState(p.state.Load())
}

// ── gatt.Handler ──────────────────────────────────────────────────────────

// ReadComplete handles the workaround read's completion by starting the
// first chunk write from the event goroutine.
func (p *Port) ReadComplete(c *gatt.Characteristic, _ []byte, err error) {
	if err != nil {
		p.log.Warn("characteristic read failed", zap.Error(err))
		p.buf.SetError()
		return
	}
	if c.UUID != gatt.DeviceNameUUID {
		return
	}
	p.mu.Lock()
	cl, dataC := p.cl, p.dataC
	p.mu.Unlock()
	if cl != nil {
		p.buf.DecoyReadComplete(cl, dataC)
	}
}

// WriteComplete advances the write session after a chunk was confirmed.
func (p *Port) WriteComplete(_ *gatt.Characteristic, err error) {
	if err != nil {
		p.log.Warn("characteristic write failed", zap.Error(err))
		p.buf.SetError()
		return
	}
	p.mu.Lock()
	cl, dataC := p.cl, p.dataC
	p.mu.Unlock()
	if cl != nil {
		p.buf.ChunkWriteComplete(cl, dataC)
	}
}

// Notified delivers inbound serial data. Overflow drops the frame rather
// than blocking the event goroutine.
func (p *Port) Notified(c *gatt.Characteristic, value []byte) {
	if c.UUID != gatt.HM10DataUUID {
		return
	}
	frame := transport.Frame{
		Data:      append([]byte(nil), value...),
		Timestamp: time.Now().UTC(),
	}
	p.mu.Lock()
	frames := p.frames
	p.mu.Unlock()
	if frames == nil {
		return
	}
	select {
	case frames <- frame:
	default:
		p.log.Warn("inbound frame dropped", zap.Int("len", len(value)))
	}
}

// Disconnected handles link loss reported by the stack.
func (p *Port) Disconnected(err error) {
	if err != nil {
		p.log.Warn("HM-10 link lost", zap.Error(err))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teardownLocked()
}

// teardownLocked clears the connection state and wakes anyone blocked on
// the write buffer or the frame channel.
func (p *Port) teardownLocked() {
	p.buf.Reset()
	p.cl = nil
	p.dataC = nil
	p.nameC = nil
	if p.frames != nil {
		close(p.frames)
		p.frames = nil
	}
	p.state.Store(int32(transport.StateDisconnected))
}
