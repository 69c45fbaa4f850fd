package mcumgr

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// encodePayload CBOR-encodes a payload value (a struct with `cbor:"..."`
// tags, or a map[string]any) the same way the teacher's EncodeCBOR does.
func encodePayload(v any) ([]byte, error) {
	b, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode cbor payload: %w", err)
	}
	return b, nil
}

// decodePayload decodes CBOR payload bytes into T, mirroring the teacher's
// generic DecodeCBOR helper.
func decodePayload[T any](data []byte) (T, error) {
	var val T
	if err := cbor.Unmarshal(data, &val); err != nil {
		return val, fmt.Errorf("decode cbor payload: %w", err)
	}
	return val, nil
}

// encodeFrame builds the wire bytes for one SMP frame: 8-byte header
// followed by the CBOR payload, with Length always set to the exact
// encoded payload size.
func encodeFrame(op uint8, group uint16, id uint8, seq uint8, payload any) ([]byte, error) {
	body, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	h := header{
		Op:       op,
		Length:   uint16(len(body)),
		Group:    group,
		Sequence: seq,
		ID:       id,
	}

	frame := make([]byte, 0, headerSize+len(body))
	frame = append(frame, h.encode()...)
	frame = append(frame, body...)

	return frame, nil
}

// decodeFrame parses a received wire frame into a Message, rejecting frames
// whose declared length does not match the tail size.
func decodeFrame(raw []byte) (Message, error) {
	if len(raw) < headerSize {
		return Message{}, wrapf(KindMalformedFrame, nil, "frame too small: %d bytes", len(raw))
	}

	h := decodeHeader(raw[:headerSize])
	tail := raw[headerSize:]

	if int(h.Length) != len(tail) {
		return Message{}, wrapf(KindMalformedFrame, nil,
			"declared length %d does not match payload size %d", h.Length, len(tail))
	}

	return Message{header: h, Payload: tail}, nil
}

// rcPayload is the minimal shape every response payload is probed for: a
// missing rc field, or rc == 0, means the request succeeded.
type rcPayload struct {
	RC int `cbor:"rc,omitempty"`
}

// checkRC decodes the rc field (if present) out of a response payload and
// turns a non-zero value into a DeviceError.
func checkRC(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}

	rc, err := decodePayload[rcPayload](payload)
	if err != nil {
		return wrap(KindUnexpectedPayload, err, "probe rc field")
	}

	if rc.RC != 0 {
		return newDeviceError(rc.RC)
	}

	return nil
}
