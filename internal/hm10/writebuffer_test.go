package hm10

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/andrestotorica/hm10link/internal/gatt"
)

var (
	testDataC = &gatt.Characteristic{Service: gatt.HM10ServiceUUID, UUID: gatt.HM10DataUUID}
	testNameC = &gatt.Characteristic{Service: gatt.GAPServiceUUID, UUID: gatt.DeviceNameUUID}
)

// fakeClient records issued operations and enforces the one-outstanding-
// operation rule. Completions are driven by the test acting as the stack's
// event goroutine.
type fakeClient struct {
	mu       sync.Mutex
	busy     bool
	reads    int
	writes   [][]byte
	readErr  error
	writeErr error
}

func (f *fakeClient) DiscoverCharacteristic(service, uuid gatt.UUID) (*gatt.Characteristic, error) {
	return &gatt.Characteristic{Service: service, UUID: uuid}, nil
}

func (f *fakeClient) ReadCharacteristic(*gatt.Characteristic) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return f.readErr
	}
	if f.busy {
		return gatt.ErrBusy
	}
	f.busy = true
	f.reads++
	return nil
}

func (f *fakeClient) WriteCharacteristic(_ *gatt.Characteristic, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	if f.busy {
		return gatt.ErrBusy
	}
	f.busy = true
	f.writes = append(f.writes, append([]byte(nil), value...))
	return nil
}

func (f *fakeClient) Subscribe(*gatt.Characteristic) error { return nil }
func (f *fakeClient) Close() error                         { return nil }

// complete marks the outstanding operation as finished, as the stack does
// right before invoking the completion callback.
func (f *fakeClient) complete() {
	f.mu.Lock()
	f.busy = false
	f.mu.Unlock()
}

func (f *fakeClient) writtenChunks() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.writes))
	copy(out, f.writes)
	return out
}

func (f *fakeClient) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func TestSplitChunks(t *testing.T) {
	tests := []struct {
		name   string
		length int
		chunks []int
	}{
		{"single byte", 1, []int{1}},
		{"one short chunk", 19, []int{19}},
		{"exactly one chunk", 20, []int{20}},
		{"one byte over", 21, []int{20, 1}},
		{"two full chunks", 40, []int{20, 20}},
		{"forty-five bytes", 45, []int{20, 20, 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := make([]byte, tt.length)
			for i := range p {
				p[i] = byte(i)
			}
			chunks := splitChunks(p)
			require.Len(t, chunks, len(tt.chunks))
			for i, c := range chunks {
				assert.Len(t, c, tt.chunks[i])
			}
			assert.Equal(t, p, bytes.Join(chunks, nil))
		})
	}

	// Every length up to a few chunks reassembles bit-for-bit.
	for length := 1; length <= 64; length++ {
		p := make([]byte, length)
		for i := range p {
			p[i] = byte(length + i)
		}
		chunks := splitChunks(p)
		require.Len(t, chunks, (length+MaxWriteChunkSize-1)/MaxWriteChunkSize)
		for _, c := range chunks {
			require.LessOrEqual(t, len(c), MaxWriteChunkSize)
			require.NotEmpty(t, c)
		}
		require.Equal(t, p, bytes.Join(chunks, nil))
	}
}

func TestWriteZeroLength(t *testing.T) {
	cl := &fakeClient{}
	wb := NewWriteBuffer(zap.NewNop())

	assert.Zero(t, wb.Write(cl, testDataC, testNameC, nil))
	assert.Zero(t, cl.readCount())
	assert.Empty(t, cl.writtenChunks())
	assert.True(t, wb.Drain(), "no session and no error to report")
}

func TestWriteNilCharacteristics(t *testing.T) {
	cl := &fakeClient{}
	wb := NewWriteBuffer(zap.NewNop())

	assert.Zero(t, wb.Write(cl, nil, testNameC, []byte("x")))
	assert.Zero(t, wb.Write(cl, testDataC, nil, []byte("x")))
	assert.Zero(t, cl.readCount())
	assert.True(t, wb.Drain())
}

// driveSession plays the stack: completes the decoy read, then completes
// chunk writes until the buffer stops issuing.
func driveSession(cl *fakeClient, wb *WriteBuffer) {
	cl.complete()
	started := wb.DecoyReadComplete(cl, testDataC)
	for started {
		cl.complete()
		started = wb.ChunkWriteComplete(cl, testDataC)
	}
}

func TestWriteChunkedSession(t *testing.T) {
	p := make([]byte, 45)
	for i := range p {
		p[i] = byte(i * 3)
	}
	cl := &fakeClient{}
	wb := NewWriteBuffer(zap.NewNop())

	require.Equal(t, 45, wb.Write(cl, testDataC, testNameC, p))
	require.Equal(t, 1, cl.readCount(), "workaround read issued first")
	require.Empty(t, cl.writtenChunks(), "first chunk waits for the read callback")

	// Park a drain in the background; it must wake on the last completion.
	drained := make(chan bool, 1)
	go func() { drained <- wb.Drain() }()

	driveSession(cl, wb)

	chunks := cl.writtenChunks()
	require.Len(t, chunks, 3)
	assert.Equal(t, p[:20], chunks[0])
	assert.Equal(t, p[20:40], chunks[1])
	assert.Equal(t, p[40:], chunks[2])

	select {
	case ok := <-drained:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("drain did not unblock after the session completed")
	}

	// The next write starts immediately with a fresh workaround read.
	require.Equal(t, 7, wb.Write(cl, testDataC, testNameC, []byte("restart")))
	assert.Equal(t, 2, cl.readCount())
}

func TestSessionKeepsOneOperationOutstanding(t *testing.T) {
	// fakeClient rejects a second outstanding operation with ErrBusy, so
	// a full session passing means the buffer never overlapped two ops.
	p := make([]byte, 100)
	cl := &fakeClient{}
	wb := NewWriteBuffer(zap.NewNop())

	require.Equal(t, 100, wb.Write(cl, testDataC, testNameC, p))
	driveSession(cl, wb)

	assert.Len(t, cl.writtenChunks(), 5)
	assert.True(t, wb.Drain())
}

func TestAsyncFailureLatchedUntilObserved(t *testing.T) {
	cl := &fakeClient{}
	wb := NewWriteBuffer(zap.NewNop())

	require.Equal(t, 45, wb.Write(cl, testDataC, testNameC, make([]byte, 45)))
	cl.complete()
	wb.DecoyReadComplete(cl, testDataC)

	// First chunk's completion reports failure.
	cl.complete()
	wb.SetError()

	assert.False(t, wb.Drain(), "latched failure observed exactly once")
	assert.True(t, wb.Drain(), "latch consumed by the previous drain")
}

func TestWriteProceedsWithLatchedError(t *testing.T) {
	// A latched but unobserved error does not make Write reject the next
	// buffer; the latch is returned by the following drain instead. This
	// mirrors the original port's acceptance semantics.
	cl := &fakeClient{}
	wb := NewWriteBuffer(zap.NewNop())

	require.Equal(t, 5, wb.Write(cl, testDataC, testNameC, []byte("abcde")))
	cl.complete()
	wb.SetError()

	require.Equal(t, 5, wb.Write(cl, testDataC, testNameC, []byte("fghij")))
	assert.False(t, wb.Drain(), "pre-existing failure reported")

	driveSession(cl, wb)
	assert.True(t, wb.Drain(), "second session finished cleanly")
	assert.Equal(t, [][]byte{[]byte("fghij")}, cl.writtenChunks())
}

func TestDecoyReadIssueFailure(t *testing.T) {
	cl := &fakeClient{readErr: errors.New("stack busy")}
	wb := NewWriteBuffer(zap.NewNop())

	assert.Zero(t, wb.Write(cl, testDataC, testNameC, []byte("payload")))
	assert.False(t, wb.Drain(), "synchronous issue failure latched")
	assert.True(t, wb.Drain())
}

func TestChunkWriteIssueFailure(t *testing.T) {
	cl := &fakeClient{writeErr: errors.New("request rejected")}
	wb := NewWriteBuffer(zap.NewNop())

	require.Equal(t, 3, wb.Write(cl, testDataC, testNameC, []byte("abc")))
	cl.complete()
	assert.False(t, wb.DecoyReadComplete(cl, testDataC))
	assert.False(t, wb.Drain())
	assert.True(t, wb.Drain())
}

func TestResetUnblocksDrain(t *testing.T) {
	cl := &fakeClient{}
	wb := NewWriteBuffer(zap.NewNop())

	require.Equal(t, 10, wb.Write(cl, testDataC, testNameC, make([]byte, 10)))

	drained := make(chan bool, 1)
	go func() { drained <- wb.Drain() }()
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	wb.Reset()

	select {
	case ok := <-drained:
		// A forcibly cleared session is indistinguishable from a
		// completed one; drain reports success with no latched error.
		assert.True(t, ok)
		assert.Less(t, time.Since(start), time.Second)
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not wake on reset")
	}
}

func TestSecondWriteBlocksOnOutstandingSession(t *testing.T) {
	cl := &fakeClient{}
	wb := NewWriteBuffer(zap.NewNop())

	require.Equal(t, 30, wb.Write(cl, testDataC, testNameC, make([]byte, 30)))

	returned := make(chan int, 1)
	go func() { returned <- wb.Write(cl, testDataC, testNameC, []byte("second")) }()

	select {
	case <-returned:
		t.Fatal("second write did not wait for the outstanding session")
	case <-time.After(50 * time.Millisecond):
	}

	driveSession(cl, wb)

	select {
	case n := <-returned:
		assert.Equal(t, 6, n)
	case <-time.After(time.Second):
		t.Fatal("second write still blocked after the first session completed")
	}

	driveSession(cl, wb)
	assert.True(t, wb.Drain())
}

func TestDrainTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the full 5s drain timeout")
	}

	cl := &fakeClient{}
	wb := NewWriteBuffer(zap.NewNop())

	require.Equal(t, 4, wb.Write(cl, testDataC, testNameC, []byte("stub")))

	// No completion ever arrives; drain must give up after 5s.
	start := time.Now()
	assert.False(t, wb.Drain())
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 5*time.Second)
	assert.Less(t, elapsed, 6*time.Second)

	// The timed-out session is still queued: a new write waits again,
	// then replaces it without a second workaround read (the read already
	// in flight will start the new session when it completes).
	require.Equal(t, 5, wb.Write(cl, testDataC, testNameC, []byte("fresh")))
	require.Equal(t, 1, cl.readCount())

	driveSession(cl, wb)
	assert.Equal(t, [][]byte{[]byte("fresh")}, cl.writtenChunks())
	assert.True(t, wb.Drain())
}
