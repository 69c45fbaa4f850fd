package mcumgr

import (
	"context"
	"time"
)

// fsReadRequest/fsReadResponse model the filesystem read-chunk op: Len is
// only present in the response whose Off == 0, and gives the total file
// length.
type fsReadRequest struct {
	Off  uint32 `cbor:"off"`
	Name string `cbor:"name"`
}

type fsReadResponse struct {
	Off  uint32  `cbor:"off"`
	Data []byte  `cbor:"data"`
	Len  *uint32 `cbor:"len,omitempty"`
}

// fsReadChunk issues one filesystem read-chunk request.
func (c *Client) fsReadChunk(ctx context.Context, name string, off uint32, timeout time.Duration) (fsReadResponse, error) {
	resp, err := c.Execute(ctx, OpReadRequest, GroupFS, cmdFSFile, fsReadRequest{Off: off, Name: name}, timeout)
	if err != nil {
		return fsReadResponse{}, err
	}

	if err := checkRC(resp.Payload); err != nil {
		return fsReadResponse{}, err
	}

	out, err := decodePayload[fsReadResponse](resp.Payload)
	if err != nil {
		return fsReadResponse{}, wrap(KindUnexpectedPayload, err, "fs read response")
	}

	return out, nil
}

// fsWriteRequest models the filesystem write-chunk op: the first chunk
// carries name/data/len/off:0, subsequent chunks carry name/data/off.
type fsWriteRequest struct {
	Name string `cbor:"name"`
	Data []byte `cbor:"data"`
	Len  uint32 `cbor:"len,omitempty"`
	Off  uint32 `cbor:"off"`
}

type fsWriteResponse struct {
	Off uint32 `cbor:"off"`
}

// fsWriteChunk sends one filesystem write-chunk request and returns the
// device's acknowledged next offset.
func (c *Client) fsWriteChunk(ctx context.Context, name string, totalLen uint32, off uint32, data []byte, timeout time.Duration) (uint32, error) {
	req := fsWriteRequest{Name: name, Data: data, Off: off}
	if off == 0 {
		req.Len = totalLen
	}

	resp, err := c.Execute(ctx, OpWriteRequest, GroupFS, cmdFSFile, req, timeout)
	if err != nil {
		return 0, err
	}

	if err := checkRC(resp.Payload); err != nil {
		return 0, err
	}

	out, err := decodePayload[fsWriteResponse](resp.Payload)
	if err != nil {
		return 0, wrap(KindUnexpectedPayload, err, "fs write response")
	}

	return out.Off, nil
}
