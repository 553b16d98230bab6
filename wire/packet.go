// Package wire defines the on-the-wire packet formats exchanged between
// two endpoints of a reliable session: data segments carrying window
// blocks, control segments carrying cumulative ACKs and NAK ranges, and
// the optional forward-error-correction envelope wrapped around data
// segments (control and keepalive segments are sent without it).
// Layout mirrors kcp.go's flat binary segment header (conv/cmd/frg/wnd/
// ts/sn/una/len fields read with encoding/binary) and fec.go's
// (seqid, flag, data) shard framing.
package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Segment types, carried in the one-byte Type field of every packet.
const (
	TypeData     byte = 0x01 // carries a window.Block payload
	TypeACK      byte = 0x02 // cumulative ack + trailing NAK ranges
	TypeKeepAlive byte = 0x03
)

// headerSize is the fixed portion common to every packet: 1B type, 4B
// connection id, 4B sequence, 8B submit timestamp (ms), 1B retransmit flag.
const headerSize = 18

// ErrShortPacket is returned when a buffer is too small to contain even a
// packet header.
var ErrShortPacket = errors.New("wire: packet shorter than header")

// DataPacket is the wire representation of a single window.Block.
type DataPacket struct {
	ConnID       uint32
	Sequence     uint32
	SubmitTime   int64
	IsRetransmit bool
	Payload      []byte
}

// EncodeData serializes a DataPacket into dst (or a freshly allocated
// slice if dst is too small), returning the encoded slice.
func EncodeData(p *DataPacket, dst []byte) []byte {
	total := headerSize + len(p.Payload)
	if cap(dst) < total {
		dst = make([]byte, total)
	} else {
		dst = dst[:total]
	}
	dst[0] = TypeData
	binary.LittleEndian.PutUint32(dst[1:], p.ConnID)
	binary.LittleEndian.PutUint32(dst[5:], p.Sequence)
	binary.LittleEndian.PutUint64(dst[9:], uint64(p.SubmitTime))
	if p.IsRetransmit {
		dst[17] = 1
	} else {
		dst[17] = 0
	}
	copy(dst[headerSize:], p.Payload)
	return dst
}

// DecodeData parses a DataPacket from a received buffer. The returned
// Payload aliases buf; callers that retain it across the next receive
// must copy it first.
func DecodeData(buf []byte) (*DataPacket, error) {
	if len(buf) < headerSize {
		return nil, ErrShortPacket
	}
	if buf[0] != TypeData {
		return nil, errors.Errorf("wire: expected data packet, got type 0x%02x", buf[0])
	}
	return &DataPacket{
		ConnID:       binary.LittleEndian.Uint32(buf[1:]),
		Sequence:     binary.LittleEndian.Uint32(buf[5:]),
		SubmitTime:   int64(binary.LittleEndian.Uint64(buf[9:])),
		IsRetransmit: buf[17] != 0,
		Payload:      buf[headerSize:],
	}, nil
}

// AckPacket reports the cumulative receive front (every sequence before
// CumulativeAck has been delivered) plus zero or more NAK ranges the
// receiver still has gaps in, mirroring PendingRanges output.
type AckPacket struct {
	ConnID        uint32
	CumulativeAck uint32
	NakRanges     [][2]uint32
}

// ackRangeSize is the wire size of one NAK range (lo, hi uint32 pair).
const ackRangeSize = 8

// EncodeAck serializes an AckPacket.
func EncodeAck(p *AckPacket) []byte {
	total := 1 + 4 + 4 + 2 + len(p.NakRanges)*ackRangeSize
	dst := make([]byte, total)
	dst[0] = TypeACK
	binary.LittleEndian.PutUint32(dst[1:], p.ConnID)
	binary.LittleEndian.PutUint32(dst[5:], p.CumulativeAck)
	binary.LittleEndian.PutUint16(dst[9:], uint16(len(p.NakRanges)))
	off := 11
	for _, r := range p.NakRanges {
		binary.LittleEndian.PutUint32(dst[off:], r[0])
		binary.LittleEndian.PutUint32(dst[off+4:], r[1])
		off += ackRangeSize
	}
	return dst
}

// DecodeAck parses an AckPacket.
func DecodeAck(buf []byte) (*AckPacket, error) {
	if len(buf) < 11 {
		return nil, ErrShortPacket
	}
	if buf[0] != TypeACK {
		return nil, errors.Errorf("wire: expected ack packet, got type 0x%02x", buf[0])
	}
	p := &AckPacket{
		ConnID:        binary.LittleEndian.Uint32(buf[1:]),
		CumulativeAck: binary.LittleEndian.Uint32(buf[5:]),
	}
	n := int(binary.LittleEndian.Uint16(buf[9:]))
	off := 11
	for i := 0; i < n; i++ {
		if off+ackRangeSize > len(buf) {
			return nil, ErrShortPacket
		}
		lo := binary.LittleEndian.Uint32(buf[off:])
		hi := binary.LittleEndian.Uint32(buf[off+4:])
		p.NakRanges = append(p.NakRanges, [2]uint32{lo, hi})
		off += ackRangeSize
	}
	return p, nil
}

// EncodeKeepAlive serializes a bare keepalive packet for the given
// connection id.
func EncodeKeepAlive(connID uint32) []byte {
	dst := make([]byte, 5)
	dst[0] = TypeKeepAlive
	binary.LittleEndian.PutUint32(dst[1:], connID)
	return dst
}

// PacketType returns the type byte of an encoded packet without fully
// parsing it, for routing in the session's read loop.
func PacketType(buf []byte) (byte, error) {
	if len(buf) < 1 {
		return 0, ErrShortPacket
	}
	return buf[0], nil
}

// ConnIDOf extracts the connection id common to every packet type.
func ConnIDOf(buf []byte) (uint32, error) {
	if len(buf) < 5 {
		return 0, ErrShortPacket
	}
	return binary.LittleEndian.Uint32(buf[1:]), nil
}
