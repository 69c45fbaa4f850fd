package mcumgr

import "sync/atomic"

// Operation codes for the SMP header's op field.
const (
	OpReadRequest   = 0
	OpReadResponse  = 1
	OpWriteRequest  = 2
	OpWriteResponse = 3
)

// Group IDs dispatched by this client.
const (
	GroupOS    = 0
	GroupImage = 1
	GroupFS    = 8
)

// Command IDs within GroupOS.
const (
	cmdOSEcho   = 0
	cmdOSReset  = 5
	cmdOSParams = 6
)

// Command IDs within GroupImage.
const (
	cmdImageState  = 0
	cmdImageUpload = 1
	cmdImageErase  = 5
)

// Command IDs within GroupFS.
const (
	cmdFSFile = 0
)

// headerSize is the fixed size of the SMP frame header in bytes.
const headerSize = 8

// header is the 8-byte SMP frame header: op, flags, payload length, group,
// sequence, and command ID.
type header struct {
	Op       uint8
	Flags    uint8
	Length   uint16
	Group    uint16
	Sequence uint8
	ID       uint8
}

func (h header) encode() []byte {
	b := make([]byte, headerSize)
	b[0] = h.Op
	b[1] = h.Flags
	b[2] = byte(h.Length >> 8)
	b[3] = byte(h.Length)
	b[4] = byte(h.Group >> 8)
	b[5] = byte(h.Group)
	b[6] = h.Sequence
	b[7] = h.ID
	return b
}

func decodeHeader(b []byte) header {
	return header{
		Op:       b[0],
		Flags:    b[1],
		Length:   uint16(b[2])<<8 | uint16(b[3]),
		Group:    uint16(b[4])<<8 | uint16(b[5]),
		Sequence: b[6],
		ID:       b[7],
	}
}

// Message is a decoded SMP datagram: header plus raw CBOR payload bytes.
type Message struct {
	header
	Payload []byte
}

// pendingKey identifies one outstanding request by (group, id, sequence).
type pendingKey struct {
	Group    uint16
	ID       uint8
	Sequence uint8
}

func (m Message) key() pendingKey {
	return pendingKey{Group: m.Group, ID: m.ID, Sequence: m.Sequence}
}

// sequenceCounter is the router's monotonically increasing 8-bit sequence
// allocator. It wraps modulo 256, as the teacher's NextSeqNum does, but the
// router (not this type) is responsible for skipping sequences currently
// in use.
type sequenceCounter struct {
	n atomic.Uint32
}

func (s *sequenceCounter) next() uint8 {
	return uint8(s.n.Add(1))
}
