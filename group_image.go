package mcumgr

import (
	"context"
	"time"
)

// ImageInfo describes one slot entry in an image-state response, grounded
// on the teacher's ImageInfo (types.go) and apache-mynewt-newtmgr's
// ImageStateEntry, which carries the same field set.
type ImageInfo struct {
	Slot      int    `cbor:"slot"`
	Version   string `cbor:"version"`
	Hash      []byte `cbor:"hash,omitempty"`
	Bootable  bool   `cbor:"bootable,omitempty"`
	Pending   bool   `cbor:"pending,omitempty"`
	Confirmed bool   `cbor:"confirmed,omitempty"`
	Active    bool   `cbor:"active,omitempty"`
	Permanent bool   `cbor:"permanent,omitempty"`
}

// ImageState is the decoded response to a read-image-state request.
type ImageState struct {
	SplitStatus int         `cbor:"splitStatus,omitempty"`
	Images      []ImageInfo `cbor:"images"`
}

type imageStateRequest struct{}

type imageStateResponse struct {
	SplitStatus int         `cbor:"splitStatus,omitempty"`
	Images      []ImageInfo `cbor:"images"`
}

// ReadImageState reads the device's current image slots (GroupImage id=0,
// read).
func (c *Client) ReadImageState(ctx context.Context, timeout time.Duration) (ImageState, error) {
	resp, err := c.Execute(ctx, OpReadRequest, GroupImage, cmdImageState, imageStateRequest{}, timeout)
	if err != nil {
		return ImageState{}, err
	}

	if err := checkRC(resp.Payload); err != nil {
		return ImageState{}, err
	}

	out, err := decodePayload[imageStateResponse](resp.Payload)
	if err != nil {
		return ImageState{}, wrap(KindUnexpectedPayload, err, "image state response")
	}

	return ImageState{SplitStatus: out.SplitStatus, Images: out.Images}, nil
}

// Images is a convenience wrapper unwrapping ReadImageState's Images
// field, for callers that only care about the slot list.
func (c *Client) Images(ctx context.Context, timeout time.Duration) ([]ImageInfo, error) {
	state, err := c.ReadImageState(ctx, timeout)
	if err != nil {
		return nil, err
	}
	return state.Images, nil
}

type setPendingImageRequest struct {
	Hash    []byte `cbor:"hash,omitempty"`
	Confirm bool   `cbor:"confirm"`
}

// SetPendingImage marks the image identified by hash as pending (or
// confirmed, if confirm is true). An empty hash means "the currently
// booted image".
func (c *Client) SetPendingImage(ctx context.Context, hash []byte, confirm bool, timeout time.Duration) (ImageState, error) {
	resp, err := c.Execute(ctx, OpWriteRequest, GroupImage, cmdImageState, setPendingImageRequest{Hash: hash, Confirm: confirm}, timeout)
	if err != nil {
		return ImageState{}, err
	}

	if err := checkRC(resp.Payload); err != nil {
		return ImageState{}, err
	}

	out, err := decodePayload[imageStateResponse](resp.Payload)
	if err != nil {
		return ImageState{}, wrap(KindUnexpectedPayload, err, "set pending image response")
	}

	return ImageState{SplitStatus: out.SplitStatus, Images: out.Images}, nil
}

// ConfirmImageState confirms the currently booted image: it is equivalent
// to SetPendingImage(nil, true).
func (c *Client) ConfirmImageState(ctx context.Context, timeout time.Duration) (ImageState, error) {
	return c.SetPendingImage(ctx, nil, true, timeout)
}

type imageEraseRequest struct{}
type imageEraseResponse struct{}

// Erase erases the inactive image slot (GroupImage id=5, write).
func (c *Client) Erase(ctx context.Context, timeout time.Duration) error {
	resp, err := c.Execute(ctx, OpWriteRequest, GroupImage, cmdImageErase, imageEraseRequest{}, timeout)
	if err != nil {
		return err
	}

	return checkRC(resp.Payload)
}

// imageUploadRequest is the image-group upload chunk payload: the first
// chunk additionally carries image/len/off:0/sha, subsequent chunks carry
// only data/off. The image field is left out whenever it is 0, on the
// first chunk too. Grounded on the teacher's FirmwareUploadRequest
// (types.go).
type imageUploadRequest struct {
	Image uint32 `cbor:"image,omitempty"`
	Len   uint32 `cbor:"len,omitempty"`
	Off   uint32 `cbor:"off"`
	SHA   []byte `cbor:"sha,omitempty"`
	Data  []byte `cbor:"data"`
}

// imageUploadResponse is the device's ack for one upload chunk. Off is the
// next offset the device expects; Off == length of the full image
// indicates completion.
type imageUploadResponse struct {
	Off uint32 `cbor:"off"`
}

// uploadImageChunk sends one image-upload chunk request and returns the
// device's acknowledged next offset.
func (c *Client) uploadImageChunk(ctx context.Context, image uint32, totalLen uint32, off uint32, sha []byte, data []byte, timeout time.Duration) (uint32, error) {
	req := imageUploadRequest{Off: off, Data: data}
	if off == 0 {
		req.Image = image
		req.Len = totalLen
		req.SHA = sha
	}

	resp, err := c.Execute(ctx, OpWriteRequest, GroupImage, cmdImageUpload, req, timeout)
	if err != nil {
		return 0, err
	}

	if err := checkRC(resp.Payload); err != nil {
		return 0, err
	}

	out, err := decodePayload[imageUploadResponse](resp.Payload)
	if err != nil {
		return 0, wrap(KindUnexpectedPayload, err, "image upload response")
	}

	return out.Off, nil
}
