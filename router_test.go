package mcumgr

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// unsyncedTransport is a bare Transport with no internal locking of its
// own, unlike MemTransport (whose SendFrame happens to take an internal
// mutex and so cannot tell writer-serialization bugs in the router apart
// from ones it silently papers over itself).
type unsyncedTransport struct {
	inFlight  atomic.Int32
	maxSeen   atomic.Int32
	sendFrame func(ctx context.Context, frame []byte) error
	frames    chan []byte
	errs      chan error
}

func newUnsyncedTransport() *unsyncedTransport {
	return &unsyncedTransport{
		frames: make(chan []byte, 16),
		errs:   make(chan error, 1),
	}
}

func (t *unsyncedTransport) SendFrame(ctx context.Context, frame []byte) error {
	n := t.inFlight.Add(1)
	defer t.inFlight.Add(-1)
	for {
		max := t.maxSeen.Load()
		if n <= max || t.maxSeen.CompareAndSwap(max, n) {
			break
		}
	}
	if t.sendFrame != nil {
		return t.sendFrame(ctx, frame)
	}
	return nil
}

func (t *unsyncedTransport) Frames() <-chan []byte { return t.frames }
func (t *unsyncedTransport) Errors() <-chan error  { return t.errs }
func (t *unsyncedTransport) Close() error          { return nil }

// TestExecuteTimeout checks that execute with a short timeout against a
// server that never responds fails with Timeout, and the pending table is
// empty afterward.
func TestExecuteTimeout(t *testing.T) {
	t.Parallel()

	transport := NewMemTransport() // no Handle: SendFrame never produces a response

	r := newRouter(transport)
	defer r.close()

	_, err := r.execute(context.Background(), OpReadRequest, GroupOS, cmdOSParams, struct{}{}, 10*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	r.mu.Lock()
	pendingCount := len(r.pending)
	r.mu.Unlock()

	if pendingCount != 0 {
		t.Fatalf("pending table not drained after timeout: %d entries", pendingCount)
	}
}

// TestExecuteEcho sends an echo request against a loopback server.
func TestExecuteEcho(t *testing.T) {
	t.Parallel()

	transport := NewMemTransport()
	transport.Handle = func(ctx context.Context, frame []byte) ([]byte, error) {
		req, err := decodeFrame(frame)
		if err != nil {
			return nil, err
		}
		return encodeFrame(OpWriteResponse, req.Group, req.ID, req.Sequence, echoResponse{R: "hello"})
	}

	client := NewClient(transport)
	defer client.Close()

	got, err := client.Echo(context.Background(), "hello", time.Second)
	if err != nil {
		t.Fatalf("echo: %s", err)
	}
	if got != "hello" {
		t.Fatalf("got %q want %q", got, "hello")
	}
}

// TestParamsDefaultOnUnsupported checks that a device replying rc=8
// (unsupported) lets the caller fall back to {20, 1}.
func TestParamsDefaultOnUnsupported(t *testing.T) {
	t.Parallel()

	transport := NewMemTransport()
	transport.Handle = func(ctx context.Context, frame []byte) ([]byte, error) {
		req, err := decodeFrame(frame)
		if err != nil {
			return nil, err
		}
		return encodeFrame(OpReadResponse, req.Group, req.ID, req.Sequence, rcPayload{RC: 8})
	}

	client := NewClient(transport)
	defer client.Close()

	_, err := client.Params(context.Background(), time.Second)
	if err == nil {
		t.Fatal("expected device error")
	}

	rc, ok := DeviceRC(err)
	if !ok || rc != 8 {
		t.Fatalf("expected rc=8 device error, got %v", err)
	}

	got := DefaultBufferParams
	if got != (BufferParams{BufSize: 20, BufCount: 1}) {
		t.Fatalf("unexpected defaults: %+v", got)
	}
}

// TestRouterDiscardsUnmatchedFrames checks that a frame with no matching
// pending request is discarded rather than surfaced as an error.
func TestRouterDiscardsUnmatchedFrames(t *testing.T) {
	t.Parallel()

	transport := NewMemTransport()
	r := newRouter(transport)
	defer r.close()

	stray, err := encodeFrame(OpWriteResponse, GroupOS, 0, 250, echoResponse{R: "unsolicited"})
	if err != nil {
		t.Fatalf("encode stray frame: %s", err)
	}
	transport.Push(stray)

	// Give the receive loop a moment to process and discard the stray
	// frame, then confirm a normal request still works.
	time.Sleep(10 * time.Millisecond)

	transport.Handle = func(ctx context.Context, frame []byte) ([]byte, error) {
		req, err := decodeFrame(frame)
		if err != nil {
			return nil, err
		}
		return encodeFrame(OpWriteResponse, req.Group, req.ID, req.Sequence, echoResponse{R: "ok"})
	}

	msg, err := r.execute(context.Background(), OpWriteRequest, GroupOS, cmdOSEcho, echoRequest{D: "x"}, time.Second)
	if err != nil {
		t.Fatalf("execute: %s", err)
	}

	resp, err := decodePayload[echoResponse](msg.Payload)
	if err != nil {
		t.Fatalf("decode: %s", err)
	}
	if resp.R != "ok" {
		t.Fatalf("got %q want %q", resp.R, "ok")
	}
}

// TestCloseDrainsPending checks that closing the client fails every
// pending request with Closed and a later execute fails the same way
// without touching the transport.
func TestCloseDrainsPending(t *testing.T) {
	t.Parallel()

	transport := NewMemTransport() // never responds

	r := newRouter(transport)

	const n = 5
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := r.execute(context.Background(), OpReadRequest, GroupOS, cmdOSParams, struct{}{}, 5*time.Second)
			errs <- err
		}()
	}

	// Give the goroutines a chance to register before closing.
	time.Sleep(20 * time.Millisecond)

	if err := r.close(); err != nil {
		t.Fatalf("close: %s", err)
	}

	for i := 0; i < n; i++ {
		err := <-errs
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	}

	_, err := r.execute(context.Background(), OpReadRequest, GroupOS, cmdOSParams, struct{}{}, time.Second)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}

	// Close must be idempotent.
	if err := r.close(); err != nil {
		t.Fatalf("second close: %s", err)
	}
}

// TestSequenceUniqueness checks that no two outstanding requests share a
// sequence number.
func TestSequenceUniqueness(t *testing.T) {
	t.Parallel()

	transport := NewMemTransport()

	seen := make(chan uint8, 300)
	transport.Handle = func(ctx context.Context, frame []byte) ([]byte, error) {
		req, err := decodeFrame(frame)
		if err != nil {
			return nil, err
		}
		seen <- req.Sequence
		// Never respond; requests stay pending until the caller's
		// timeout so sequences stay allocated concurrently.
		return nil, nil
	}

	r := newRouter(transport)
	defer r.close()

	const n = 200
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func() {
			r.execute(context.Background(), OpReadRequest, GroupOS, cmdOSParams, struct{}{}, 50*time.Millisecond)
			done <- struct{}{}
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}

	close(seen)
	counts := make(map[uint8]int)
	for seq := range seen {
		counts[seq]++
	}
	// Since all n requests are concurrently pending (none get a
	// response), the router must have allocated n distinct sequences
	// (n <= 256).
	if len(counts) != n {
		t.Fatalf("expected %d distinct sequences, got %d", n, len(counts))
	}
}

// TestOverload checks that once all 256 sequence numbers are pending, the
// next execute fails immediately with Overloaded.
func TestOverload(t *testing.T) {
	t.Parallel()

	transport := NewMemTransport()
	transport.Handle = func(ctx context.Context, frame []byte) ([]byte, error) {
		return nil, nil // never respond
	}

	r := newRouter(transport)
	defer r.close()

	done := make(chan error, maxOutstanding)
	for i := 0; i < maxOutstanding; i++ {
		go func() {
			_, err := r.execute(context.Background(), OpReadRequest, GroupOS, cmdOSParams, struct{}{}, time.Second)
			done <- err
		}()
	}

	// Wait until all 256 are registered.
	deadline := time.After(2 * time.Second)
	for {
		r.mu.Lock()
		n := len(r.pending)
		r.mu.Unlock()
		if n == maxOutstanding {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("pending table never reached %d entries (got %d)", maxOutstanding, n)
		case <-time.After(time.Millisecond):
		}
	}

	_, err := r.execute(context.Background(), OpReadRequest, GroupOS, cmdOSParams, struct{}{}, time.Second)
	if !errors.Is(err, ErrOverloaded) {
		t.Fatalf("expected ErrOverloaded, got %v", err)
	}

	for i := 0; i < maxOutstanding; i++ {
		<-done
	}
}

// TestExecuteSerializesWrites checks that concurrent execute calls never
// have more than one SendFrame call in flight on the transport at once,
// even when the transport itself does no locking.
func TestExecuteSerializesWrites(t *testing.T) {
	t.Parallel()

	transport := newUnsyncedTransport()
	transport.sendFrame = func(ctx context.Context, frame []byte) error {
		// Give any concurrent SendFrame call a window to overlap with
		// this one, if the router failed to serialize them.
		time.Sleep(time.Millisecond)
		return nil
	}

	r := newRouter(transport)
	defer r.close()

	const n = 50
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func() {
			r.execute(context.Background(), OpReadRequest, GroupOS, cmdOSParams, struct{}{}, 50*time.Millisecond)
			done <- struct{}{}
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}

	if max := transport.maxSeen.Load(); max > 1 {
		t.Fatalf("observed %d concurrent SendFrame calls, want at most 1", max)
	}
}
