package mcumgr

import "context"

// Transport is the capability interface a host application implements to
// carry SMP frames over a BLE characteristic, a serial link, or anything
// else that delivers complete, variable-size frames. Any type satisfying
// this contract — including an in-memory test double — is a valid
// transport.
//
// Implementations MUST NOT fragment or reassemble: one SendFrame call puts
// exactly one management frame on the wire, and each frame delivered on the
// channel returned by Frames is exactly one complete frame.
type Transport interface {
	// SendFrame writes one complete SMP frame to the wire.
	SendFrame(ctx context.Context, frame []byte) error

	// Frames returns the channel frames arrive on. It is closed exactly
	// once, when the transport is done delivering frames (on Close, or on
	// an unrecoverable transport failure); Errors carries the reason for
	// an unrecoverable failure, if there was one.
	Frames() <-chan []byte

	// Errors surfaces asynchronous transport failures (e.g. a dropped BLE
	// link) detected outside of a SendFrame call. It is closed alongside
	// the Frames channel.
	Errors() <-chan error

	// Close shuts the transport down. Idempotent.
	Close() error
}
