package mcumgr

import (
	"context"
	"time"
)

// DefaultTimeout is used by operations that don't take an explicit timeout.
const DefaultTimeout = 5 * time.Second

// Client is the public surface of this module: open a transport, issue
// OS/image/filesystem operations against it, close when done. Grounded on
// the teacher's SMPClient/NewSMPClient in types.go, generalized from a
// single transport-owned request/response call to own the router that
// performs correlation.
type Client struct {
	router *router
}

// NewClient opens a client over an already-connected transport. The
// transport's receive loop starts immediately.
func NewClient(t Transport) *Client {
	return &Client{router: newRouter(t)}
}

// Close shuts the client down: every pending request fails with Closed,
// and the underlying transport is closed. Idempotent.
func (c *Client) Close() error {
	return c.router.close()
}

// Execute sends a raw SMP request and returns the matching response
// message. It is the escape hatch for command groups and IDs this package
// doesn't wrap in a typed method: req is CBOR-encoded as the request
// payload exactly as the typed op wrappers below do it, and the caller is
// responsible for decoding resp.Payload into whatever shape the target
// command returns.
func (c *Client) Execute(ctx context.Context, op uint8, group uint16, id uint8, req any, timeout time.Duration) (Message, error) {
	return c.router.execute(ctx, op, group, id, req, timeout)
}
