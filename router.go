package mcumgr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// maxOutstanding is the size of the 8-bit sequence space: at most 256
// requests may be in flight at once.
const maxOutstanding = 256

// pendingRequest tracks one outstanding request. It is resolved exactly
// once, either by a matching response or by the router failing it
// (timeout, transport error, shutdown).
type pendingRequest struct {
	resultCh chan result
}

type result struct {
	msg Message
	err error
}

// router is the request/response correlation layer: it owns the
// pending-request table and sequence counter, and runs the single receive
// loop that drains the transport's frame source. Grounded on the teacher's
// transport_ble.go waitForResp/cbs-map pattern, generalized so the router
// itself — not the transport — owns correlation, keeping the transport a
// plain frame sink/source.
type router struct {
	transport Transport
	seq       sequenceCounter

	mu      sync.Mutex
	pending map[pendingKey]*pendingRequest
	closed  bool

	// writeMu serializes SendFrame calls: only one write is ever in flight
	// on the transport at a time, regardless of how many goroutines call
	// execute concurrently.
	writeMu sync.Mutex

	closeCh chan struct{}
	doneCh  chan struct{}
}

func newRouter(t Transport) *router {
	r := &router{
		transport: t,
		pending:   make(map[pendingKey]*pendingRequest),
		closeCh:   make(chan struct{}),
		doneCh:    make(chan struct{}),
	}

	go r.receiveLoop()

	return r
}

func (r *router) receiveLoop() {
	defer close(r.doneCh)

	frames := r.transport.Frames()
	errs := r.transport.Errors()

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				r.failAll(wrap(KindTransport, nil, "transport closed"))
				return
			}
			r.handleFrame(frame)

		case err, ok := <-errs:
			if !ok {
				continue
			}
			r.failAll(wrap(KindTransport, err, "transport error"))
			return

		case <-r.closeCh:
			return
		}
	}
}

func (r *router) handleFrame(frame []byte) {
	msg, err := decodeFrame(frame)
	if err != nil {
		slog.Debug("discarding malformed frame", "err", err)
		return
	}

	key := msg.key()

	r.mu.Lock()
	pending, ok := r.pending[key]
	if ok {
		delete(r.pending, key)
	}
	r.mu.Unlock()

	if !ok {
		// Unmatched frames are discarded, not an error — the device
		// occasionally emits notifications the client did not request, or
		// the caller already gave up waiting.
		slog.Debug("discarding unmatched frame", "group", msg.Group, "id", msg.ID, "sequence", msg.Sequence)
		return
	}

	pending.resultCh <- result{msg: msg}
}

func (r *router) failAll(err error) {
	r.mu.Lock()
	r.closed = true
	pending := r.pending
	r.pending = make(map[pendingKey]*pendingRequest)
	r.mu.Unlock()

	for _, p := range pending {
		p.resultCh <- result{err: err}
	}
}

// allocateSequence picks the next free 8-bit sequence number, scanning
// forward from the counter past any sequence currently pending. Must be
// called with r.mu held.
func (r *router) allocateSequence() (uint8, error) {
	if len(r.pending) >= maxOutstanding {
		return 0, ErrOverloaded
	}

	for i := 0; i < maxOutstanding; i++ {
		seq := r.seq.next()
		inUse := false
		for key := range r.pending {
			if key.Sequence == seq {
				inUse = true
				break
			}
		}
		if !inUse {
			return seq, nil
		}
	}

	return 0, ErrOverloaded
}

// execute sends payload as one SMP request and waits for the matching
// response.
func (r *router) execute(ctx context.Context, op uint8, group uint16, id uint8, payload any, timeout time.Duration) (Message, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Message{}, wrap(KindClosed, nil, "execute")
	}

	seq, err := r.allocateSequence()
	if err != nil {
		r.mu.Unlock()
		return Message{}, fmt.Errorf("execute group=%d id=%d: %w", group, id, err)
	}

	key := pendingKey{Group: group, ID: id, Sequence: seq}
	p := &pendingRequest{resultCh: make(chan result, 1)}
	r.pending[key] = p
	r.mu.Unlock()

	cleanup := func() {
		r.mu.Lock()
		delete(r.pending, key)
		r.mu.Unlock()
	}

	frame, err := encodeFrame(op, group, id, seq, payload)
	if err != nil {
		cleanup()
		return Message{}, wrapf(KindMalformedFrame, err, "encode group=%d id=%d", group, id)
	}

	r.writeMu.Lock()
	err = r.transport.SendFrame(ctx, frame)
	r.writeMu.Unlock()
	if err != nil {
		cleanup()
		return Message{}, wrapf(KindTransport, err, "send group=%d id=%d", group, id)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case res := <-p.resultCh:
		if res.err != nil {
			return Message{}, res.err
		}
		return res.msg, nil

	case <-deadline.C:
		cleanup()
		return Message{}, wrapf(KindTimeout, nil, "execute group=%d id=%d timed out after %s", group, id, timeout)

	case <-ctx.Done():
		cleanup()
		return Message{}, wrapf(KindTransport, ctx.Err(), "execute group=%d id=%d: context cancelled", group, id)
	}
}

// close shuts the router down: every pending request fails with Closed,
// and the receive loop stops. Idempotent.
func (r *router) close() error {
	r.mu.Lock()
	select {
	case <-r.closeCh:
		// Already closed by an earlier call.
		r.mu.Unlock()
		return nil
	default:
	}
	// A transport failure may already have set closed; the transport
	// itself is still closed below.
	close(r.closeCh)
	r.closed = true
	pending := r.pending
	r.pending = make(map[pendingKey]*pendingRequest)
	r.mu.Unlock()

	for _, p := range pending {
		p.resultCh <- result{err: wrap(KindClosed, nil, "client closed")}
	}

	<-r.doneCh

	if err := r.transport.Close(); err != nil {
		return fmt.Errorf("close transport: %w", err)
	}

	return nil
}
