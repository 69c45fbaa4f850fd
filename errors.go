package mcumgr

import (
	"errors"
	"fmt"
)

// Kind is the taxonomic error category returned by every operation in this
// module. Callers should branch on Kind (via errors.As into *Error, or the
// sentinel vars below) rather than on error strings.
type Kind int

const (
	KindMalformedFrame Kind = iota
	KindUnexpectedPayload
	KindDeviceError
	KindTimeout
	KindTransport
	KindClosed
	KindBufferTooSmall
	KindFormat
	KindOverrun
)

func (k Kind) String() string {
	switch k {
	case KindMalformedFrame:
		return "malformed frame"
	case KindUnexpectedPayload:
		return "unexpected payload"
	case KindDeviceError:
		return "device error"
	case KindTimeout:
		return "timeout"
	case KindTransport:
		return "transport error"
	case KindClosed:
		return "closed"
	case KindBufferTooSmall:
		return "buffer too small"
	case KindFormat:
		return "format error"
	case KindOverrun:
		return "overrun"
	default:
		return "unknown"
	}
}

// Sentinel errors for errors.Is checks against a bare Kind, independent of
// the wrapped *Error's Op/Cause detail.
var (
	ErrMalformedFrame    = errors.New("malformed frame")
	ErrUnexpectedPayload = errors.New("unexpected payload")
	ErrTimeout           = errors.New("timeout")
	ErrTransport         = errors.New("transport error")
	ErrClosed            = errors.New("closed")
	ErrBufferTooSmall    = errors.New("buffer too small")
	ErrOverrun           = errors.New("overrun")
)

func sentinelFor(k Kind) error {
	switch k {
	case KindMalformedFrame:
		return ErrMalformedFrame
	case KindUnexpectedPayload:
		return ErrUnexpectedPayload
	case KindTimeout:
		return ErrTimeout
	case KindTransport:
		return ErrTransport
	case KindClosed:
		return ErrClosed
	case KindBufferTooSmall:
		return ErrBufferTooSmall
	case KindOverrun:
		return ErrOverrun
	default:
		return nil
	}
}

// Error is the wrapped error type every operation in this module returns,
// grounded on the teacher corpus's CacheError{Op, Name, Cause}/Unwrap
// pattern (unkn0wn-root-kioshun/errors.go), extended with a taxonomic Kind.
type Error struct {
	Kind  Kind
	Op    string
	Cause error
	// RC holds the device-reported result code when Kind == KindDeviceError.
	RC int
	// What holds a short description for KindFormat failures.
	What string
}

func (e *Error) Error() string {
	switch {
	case e.Kind == KindDeviceError:
		return fmt.Sprintf("%s: device error rc=%d", e.Op, e.RC)
	case e.Kind == KindFormat:
		if e.What != "" {
			return fmt.Sprintf("%s: format error: %s", e.Op, e.What)
		}
		return fmt.Sprintf("%s: format error", e.Op)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Cause)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return sentinelFor(e.Kind)
}

// Is lets errors.Is(err, ErrTimeout) etc. match without a Cause set.
func (e *Error) Is(target error) bool {
	return sentinelFor(e.Kind) == target
}

func wrap(kind Kind, cause error, op string) error {
	return &Error{Kind: kind, Op: op, Cause: cause}
}

func wrapf(kind Kind, cause error, format string, args ...any) error {
	return &Error{Kind: kind, Op: fmt.Sprintf(format, args...), Cause: cause}
}

func newDeviceError(rc int) error {
	return &Error{Kind: KindDeviceError, Op: "device", RC: rc}
}

func newFormatError(what string) error {
	return &Error{Kind: KindFormat, Op: "decode", What: what}
}

// DeviceRC reports the device-reported result code carried by err, if any.
func DeviceRC(err error) (int, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindDeviceError {
		return e.RC, true
	}
	return 0, false
}

// ErrOverloaded is returned by execute when all 256 sequence numbers are
// currently in flight.
var ErrOverloaded = errors.New("overloaded: no free sequence number")
