// Package wire frames pipeline results into network messages and parses them
// back on the receiving side.
//
// Every message starts with a packed header word (id<<1 | 1, the low bit
// marking a system message) followed by packed integer fields. Snapshot data
// travels as raw bytes after its length field.
package wire

import (
	"errors"
	"fmt"

	"snapsync/broker/internal/pipeline"
	"snapsync/broker/internal/snapshot"
	"snapsync/broker/internal/varint"
)

// Message ids.
const (
	MsgSnap       = 5
	MsgSnapEmpty  = 6
	MsgSnapSingle = 7
)

var (
	// ErrMalformed reports a message that cannot be parsed.
	ErrMalformed = errors.New("wire: malformed message")
	// ErrUnknownMessage reports a header that is not a snapshot message.
	ErrUnknownMessage = errors.New("wire: unknown message")
)

// Message is a decoded snapshot message.
type Message struct {
	ID   int
	Tick int32
	// DeltaTick is the baseline tick, or pipeline.NoTick for the empty snapshot.
	DeltaTick int32
	NumParts  int
	Part      int
	Crc       uint32
	// Data aliases the packet it was decoded from.
	Data []byte
}

// Messages frames a result: one empty message, one single message or one
// message per payload slice.
func Messages(r pipeline.Result) [][]byte {
	offset := r.Tick - r.DeltaTick
	if r.Empty || r.NumParts() == 0 {
		packet := header(nil, MsgSnapEmpty)
		packet = varint.Append(packet, r.Tick)
		packet = varint.Append(packet, offset)
		return [][]byte{packet}
	}
	if r.NumParts() == 1 {
		data := r.Packet(0)
		packet := header(make([]byte, 0, 4*varint.MaxBytesPacked+len(data)+1), MsgSnapSingle)
		packet = varint.Append(packet, r.Tick)
		packet = varint.Append(packet, offset)
		packet = varint.Append(packet, int32(r.Crc))
		packet = varint.Append(packet, int32(len(data)))
		return [][]byte{append(packet, data...)}
	}
	packets := make([][]byte, 0, r.NumParts())
	for i := 0; i < r.NumParts(); i++ {
		data := r.Packet(i)
		packet := header(make([]byte, 0, 6*varint.MaxBytesPacked+len(data)+1), MsgSnap)
		packet = varint.Append(packet, r.Tick)
		packet = varint.Append(packet, offset)
		packet = varint.Append(packet, int32(r.NumParts()))
		packet = varint.Append(packet, int32(i))
		packet = varint.Append(packet, int32(r.Crc))
		packet = varint.Append(packet, int32(len(data)))
		packets = append(packets, append(packet, data...))
	}
	return packets
}

// Decode parses one snapshot message.
func Decode(packet []byte) (Message, error) {
	r := reader{buf: packet}
	head := r.int()
	if r.err != nil {
		return Message{}, r.err
	}
	if head&1 == 0 {
		return Message{}, fmt.Errorf("%w: not a system message", ErrUnknownMessage)
	}
	msg := Message{ID: int(head >> 1)}
	switch msg.ID {
	case MsgSnapEmpty:
		msg.Tick = r.int()
		msg.DeltaTick = msg.Tick - r.int()
	case MsgSnapSingle:
		msg.Tick = r.int()
		msg.DeltaTick = msg.Tick - r.int()
		msg.NumParts = 1
		msg.Crc = uint32(r.int())
		msg.Data = r.bytes()
	case MsgSnap:
		msg.Tick = r.int()
		msg.DeltaTick = msg.Tick - r.int()
		msg.NumParts = int(r.int())
		msg.Part = int(r.int())
		msg.Crc = uint32(r.int())
		msg.Data = r.bytes()
		if r.err == nil && (msg.NumParts < 1 || msg.NumParts > snapshot.MaxParts || msg.Part < 0 || msg.Part >= msg.NumParts) {
			return Message{}, fmt.Errorf("%w: part %d of %d", ErrMalformed, msg.Part, msg.NumParts)
		}
	default:
		return Message{}, fmt.Errorf("%w: id %d", ErrUnknownMessage, msg.ID)
	}
	if r.err != nil {
		return Message{}, r.err
	}
	if msg.DeltaTick < pipeline.NoTick {
		msg.DeltaTick = pipeline.NoTick
	}
	return msg, nil
}

func header(dst []byte, id int32) []byte {
	return varint.Append(dst, id<<1|1)
}

type reader struct {
	buf []byte
	err error
}

func (r *reader) int() int32 {
	if r.err != nil {
		return 0
	}
	v, rest, err := varint.Unpack(r.buf)
	if err != nil {
		r.err = fmt.Errorf("%w: %v", ErrMalformed, err)
		return 0
	}
	r.buf = rest
	return v
}

func (r *reader) bytes() []byte {
	n := r.int()
	if r.err != nil {
		return nil
	}
	if n < 0 || int(n) > len(r.buf) {
		r.err = fmt.Errorf("%w: data size %d with %d bytes left", ErrMalformed, n, len(r.buf))
		return nil
	}
	data := r.buf[:n:n]
	r.buf = r.buf[n:]
	return data
}
