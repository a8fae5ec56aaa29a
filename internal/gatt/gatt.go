// Package gatt defines the boundary to a connected Bluetooth LE peripheral.
// It abstracts the platform GATT stack down to the two things the rest of
// the code needs: issuing characteristic operations and receiving their
// completions on the stack's event goroutine.
package gatt

import "errors"

// UUID is a 128-bit Bluetooth UUID in its canonical string form.
type UUID string

// HM-10 modules expose a single custom service with one characteristic
// carrying serial data in both directions. The GAP device-name
// characteristic is read-only and its value is irrelevant here; it only
// serves as a harmless target for workaround reads.
const (
	HM10ServiceUUID UUID = "0000ffe0-0000-1000-8000-00805f9b34fb"
	HM10DataUUID    UUID = "0000ffe1-0000-1000-8000-00805f9b34fb"
	GAPServiceUUID  UUID = "00001800-0000-1000-8000-00805f9b34fb"
	DeviceNameUUID  UUID = "00002a00-0000-1000-8000-00805f9b34fb"
)

var (
	// ErrBusy is returned when an operation is issued while another
	// read or write is still outstanding. GATT allows only one.
	ErrBusy = errors.New("gatt: operation already in progress")

	// ErrNotConnected is returned when the peripheral link is down.
	ErrNotConnected = errors.New("gatt: not connected")

	// ErrNoSuchCharacteristic is returned by discovery when the peripheral
	// does not expose the requested characteristic.
	ErrNoSuchCharacteristic = errors.New("gatt: no such characteristic")
)

// Characteristic identifies a characteristic on the remote peripheral.
type Characteristic struct {
	Service UUID
	UUID    UUID
}

// Client issues operations against a connected peripheral.
//
// Read/write calls return nil if the request was accepted by the stack;
// the operation itself completes later, reported to the Handler registered
// at connect time. At most one read or write may be outstanding at a time
// (the stack rejects a second with ErrBusy).
type Client interface {
	// DiscoverCharacteristic resolves a characteristic by service and
	// characteristic UUID.
	DiscoverCharacteristic(service, uuid UUID) (*Characteristic, error)

	// ReadCharacteristic issues an asynchronous read request.
	ReadCharacteristic(c *Characteristic) error

	// WriteCharacteristic issues an asynchronous write request. The value
	// must fit in a single ATT write (20 bytes for HM-10 links).
	WriteCharacteristic(c *Characteristic, value []byte) error

	// Subscribe enables notifications for the characteristic. Values
	// arrive via Handler.Notified.
	Subscribe(c *Characteristic) error

	// Close tears down the peripheral connection.
	Close() error
}

// Dialer establishes connections to peripherals. The handler passed to
// Dial receives all callbacks for the returned client.
type Dialer interface {
	Dial(addr string, h Handler) (Client, error)
}

// Handler receives completions and notifications from the stack's single
// event goroutine. Calls are serialized; implementations must not block
// and must not issue from any other goroutine while a callback runs.
type Handler interface {
	// ReadComplete reports the outcome of a ReadCharacteristic call.
	ReadComplete(c *Characteristic, value []byte, err error)

	// WriteComplete reports the outcome of a WriteCharacteristic call.
	WriteComplete(c *Characteristic, err error)

	// Notified delivers an unsolicited characteristic value update.
	Notified(c *Characteristic, value []byte)

	// Disconnected reports loss of the peripheral link. No further
	// callbacks follow until a new connection is established.
	Disconnected(err error)
}
