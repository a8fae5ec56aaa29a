package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	tcpInitialBackoff = 2 * time.Second
	tcpMaxBackoff     = 60 * time.Second
	tcpDialTimeout    = 5 * time.Second
	tcpReadBufSize    = 4096
	tcpFrameChanSize  = 256
)

// TCPTransport carries raw serial data over a TCP connection, for HM-10
// WiFi bridges and for bench setups without a radio. The stream is not
// framed: each successful read surfaces as one Frame.
type TCPTransport struct {
	addr   string
	log    *zap.Logger
	frames chan Frame
	state  atomic.Int32 // ConnectionState
	mu     sync.Mutex
	conn   net.Conn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTCPTransport constructs a TCPTransport. Call Connect to begin the
// connect loop.
func NewTCPTransport(addr string, log *zap.Logger) *TCPTransport {
	t := &TCPTransport{
		addr:   addr,
		log:    log,
		frames: make(chan Frame, tcpFrameChanSize),
	}
	t.state.Store(int32(StateDisconnected))
	return t
}

func (t *TCPTransport) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ConnectionState(t.state.Load()) == StateConnected {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.wg.Add(1)
	go t.readLoop(ctx)
	return nil
}

func (t *TCPTransport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.wg.Wait()
	t.state.Store(int32(StateDisconnected))
	return nil
}

// Send writes p to the connection. TCP gives a synchronous byte stream,
// so unlike the BLE port there is nothing to drain afterwards.
func (t *TCPTransport) Send(p []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("tcp: not connected")
	}
	if _, err := conn.Write(p); err != nil {
		return fmt.Errorf("tcp: send: %w", err)
	}
	return nil
}

func (t *TCPTransport) Receive() <-chan Frame { return t.frames }

func (t *TCPTransport) State() ConnectionState {
	return ConnectionState(t.state.Load())
}

// ── internal ──────────────────────────────────────────────────────────────

func (t *TCPTransport) readLoop(ctx context.Context) {
	defer t.wg.Done()

	backoff := tcpInitialBackoff
	for {
		if ctx.Err() != nil {
			t.state.Store(int32(StateDisconnected))
			return
		}

		t.state.Store(int32(StateConnecting))
		conn, err := net.DialTimeout("tcp", t.addr, tcpDialTimeout)
		if err != nil {
			t.log.Warn("tcp: dial failed",
				zap.String("addr", t.addr),
				zap.Duration("retry_in", backoff),
				zap.Error(err),
			)
			t.state.Store(int32(StateFailed))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
				backoff = minDuration(backoff*2, tcpMaxBackoff)
				continue
			}
		}

		backoff = tcpInitialBackoff
		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()
		t.state.Store(int32(StateConnected))
		t.log.Info("tcp: connected", zap.String("addr", t.addr))

		t.readStream(ctx, conn)

		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()
		t.state.Store(int32(StateDisconnected))

		if ctx.Err() != nil {
			return
		}
		t.log.Info("tcp: connection lost, reconnecting",
			zap.Duration("backoff", backoff))
	}
}

func (t *TCPTransport) readStream(ctx context.Context, conn net.Conn) {
	buf := make([]byte, tcpReadBufSize)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	for {
		n, err := conn.Read(buf)
		if err != nil {
			if ctx.Err() == nil {
				t.log.Debug("tcp: read", zap.Error(err))
			}
			return
		}
		if n == 0 {
			continue
		}
		frame := Frame{
			Data:      append([]byte(nil), buf[:n]...),
			Timestamp: time.Now().UTC(),
		}
		select {
		case t.frames <- frame:
		case <-ctx.Done():
			return
		default:
			t.log.Warn("tcp: frame channel full – dropping frame")
		}
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
