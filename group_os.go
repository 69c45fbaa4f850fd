package mcumgr

import (
	"context"
	"time"
)

// echoRequest/echoResponse model GroupOS id=0, grounded on the teacher's
// request/response struct style (ResetRequest/ResetResponse in types.go).
type echoRequest struct {
	D string `cbor:"d"`
}

type echoResponse struct {
	R string `cbor:"r"`
}

// Echo sends msg to the device's echo command and returns the string it
// echoes back.
func (c *Client) Echo(ctx context.Context, msg string, timeout time.Duration) (string, error) {
	resp, err := c.Execute(ctx, OpWriteRequest, GroupOS, cmdOSEcho, echoRequest{D: msg}, timeout)
	if err != nil {
		return "", err
	}

	if err := checkRC(resp.Payload); err != nil {
		return "", err
	}

	out, err := decodePayload[echoResponse](resp.Payload)
	if err != nil {
		return "", wrap(KindUnexpectedPayload, err, "echo response")
	}

	return out.R, nil
}

// resetRequest is GroupOS id=5's empty payload. The teacher's ResetRequest
// carried a non-standard "force" field some mcumgr forks accept; reset here
// is the plain `{}` write the base protocol defines.
type resetRequest struct{}

// Reset asks the device to reboot. The device may disconnect before a
// response arrives; the resulting TransportError is expected and not a
// sign of failure.
func (c *Client) Reset(ctx context.Context, timeout time.Duration) error {
	resp, err := c.Execute(ctx, OpWriteRequest, GroupOS, cmdOSReset, resetRequest{}, timeout)
	if err != nil {
		return err
	}

	return checkRC(resp.Payload)
}

// BufferParams describes the device's MCUmgr receive buffer, used by
// uploaders to size chunks. Defaults to {20, 1} when the device doesn't
// implement the query.
type BufferParams struct {
	BufSize  int
	BufCount int
}

// DefaultBufferParams is what callers should fall back to when Params
// fails (e.g. the device replies rc=8/unsupported).
var DefaultBufferParams = BufferParams{BufSize: 20, BufCount: 1}

type paramsResponse struct {
	BufSize  int `cbor:"buf_size"`
	BufCount int `cbor:"buf_count"`
}

// Params reads the device's buffer configuration (GroupOS id=6).
func (c *Client) Params(ctx context.Context, timeout time.Duration) (BufferParams, error) {
	resp, err := c.Execute(ctx, OpReadRequest, GroupOS, cmdOSParams, struct{}{}, timeout)
	if err != nil {
		return BufferParams{}, err
	}

	if err := checkRC(resp.Payload); err != nil {
		return BufferParams{}, err
	}

	out, err := decodePayload[paramsResponse](resp.Payload)
	if err != nil {
		return BufferParams{}, wrap(KindUnexpectedPayload, err, "params response")
	}

	return BufferParams{BufSize: out.BufSize, BufCount: out.BufCount}, nil
}
