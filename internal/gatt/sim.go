package gatt

import (
	"fmt"
	"sync"
)

// Simulator is an in-process HM-10 peripheral for bench setups and tests.
// It behaves like the real module's GATT surface: one operation at a time,
// completions delivered asynchronously on a dedicated event goroutine, and
// written serial data echoed back as notifications.
type Simulator struct{}

// NewSimulator returns a Dialer that connects to the simulated peripheral.
func NewSimulator() *Simulator {
	return &Simulator{}
}

// Dial connects to the simulated peripheral. Any addr is accepted.
func (s *Simulator) Dial(_ string, h Handler) (Client, error) {
	c := &simClient{
		h:     h,
		ops:   make(chan func(), 64),
		dataC: &Characteristic{Service: HM10ServiceUUID, UUID: HM10DataUUID},
		nameC: &Characteristic{Service: GAPServiceUUID, UUID: DeviceNameUUID},
	}
	go c.eventLoop()
	return c, nil
}

type simClient struct {
	h     Handler
	ops   chan func()
	dataC *Characteristic
	nameC *Characteristic

	mu        sync.Mutex
	busy      bool
	notifying bool
	closed    bool
}

func (c *simClient) eventLoop() {
	for f := range c.ops {
		f()
	}
}

func (c *simClient) DiscoverCharacteristic(service, uuid UUID) (*Characteristic, error) {
	switch {
	case service == HM10ServiceUUID && uuid == HM10DataUUID:
		return c.dataC, nil
	case service == GAPServiceUUID && uuid == DeviceNameUUID:
		return c.nameC, nil
	default:
		return nil, ErrNoSuchCharacteristic
	}
}

func (c *simClient) ReadCharacteristic(ch *Characteristic) error {
	return c.post(func() {
		c.release()
		c.h.ReadComplete(ch, []byte("HMSoft"), nil)
	})
}

func (c *simClient) WriteCharacteristic(ch *Characteristic, value []byte) error {
	if len(value) == 0 || len(value) > 20 {
		return fmt.Errorf("gatt: invalid write of %d bytes", len(value))
	}
	echo := append([]byte(nil), value...)
	return c.post(func() {
		c.release()
		c.h.WriteComplete(ch, nil)
		// HM-10 echo firmware: written serial data comes back as a
		// notification on the same characteristic.
		c.mu.Lock()
		notifying := c.notifying
		c.mu.Unlock()
		if notifying && ch.UUID == HM10DataUUID {
			c.h.Notified(c.dataC, echo)
		}
	})
}

func (c *simClient) Subscribe(ch *Characteristic) error {
	if ch.UUID != HM10DataUUID {
		return ErrNoSuchCharacteristic
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotConnected
	}
	c.notifying = true
	return nil
}

func (c *simClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	close(c.ops)
	return nil
}

// post queues f for the event goroutine. The busy gate guarantees at most
// one queued operation, so the buffered send cannot block under the lock.
func (c *simClient) post(f func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotConnected
	}
	if c.busy {
		return ErrBusy
	}
	c.busy = true
	c.ops <- f
	return nil
}

func (c *simClient) release() {
	c.mu.Lock()
	c.busy = false
	c.mu.Unlock()
}
