package mcumgr

import (
	"context"
	"sync"
)

// MemTransport is an in-process Transport, grounded on the teacher's
// testTransport (transport_ble_test.go) and the channel-based responder in
// smp_image_test.go. It is exported so callers can exercise the router
// against a synthetic device in their own tests, the same way this
// module's own tests do.
type MemTransport struct {
	// Handle is invoked synchronously for every SendFrame call and
	// returns the raw response frame bytes to deliver back, or an error
	// to surface from SendFrame itself. A nil Handle makes SendFrame a
	// no-op that never produces a response (useful for S7-style timeout
	// tests).
	Handle func(ctx context.Context, frame []byte) ([]byte, error)

	mu     sync.Mutex
	frames chan []byte
	errs   chan error
	closed bool
}

var _ Transport = (*MemTransport)(nil)

// NewMemTransport creates a ready-to-use in-memory transport.
func NewMemTransport() *MemTransport {
	return &MemTransport{
		frames: make(chan []byte, 16),
		errs:   make(chan error, 1),
	}
}

func (t *MemTransport) SendFrame(ctx context.Context, frame []byte) error {
	if t.Handle == nil {
		return nil
	}

	resp, err := t.Handle(ctx, frame)
	if err != nil {
		return err
	}
	if resp == nil {
		return nil
	}

	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil
	}

	select {
	case t.frames <- resp:
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

// Push delivers a frame as if it arrived unsolicited from the device,
// useful for exercising the router's "unmatched frames are discarded"
// rule.
func (t *MemTransport) Push(frame []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.frames <- frame
}

// Fail pushes an asynchronous transport error, as a real link drop would.
func (t *MemTransport) Fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.errs <- err:
	default:
	}
}

func (t *MemTransport) Frames() <-chan []byte { return t.frames }
func (t *MemTransport) Errors() <-chan error  { return t.errs }

func (t *MemTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.frames)
	close(t.errs)
	return nil
}
