package protocol

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	HeaderLen = 6 // seq (4) + checksum (2)
	AckLen    = 4
)

// EOFMarker is the payload of the terminal packet.
var EOFMarker = []byte("EOF")

// Packet is one data datagram: [seq u32][checksum u16][payload], big endian.
type Packet struct {
	SeqNum   uint32
	Checksum uint16
	Payload  []byte
}

// Checksum sums the payload bytes modulo 65535. It is weak on purpose: it
// misses any corruption that keeps the byte sum, reordering included.
func Checksum(payload []byte) uint16 {
	var sum uint64
	for _, b := range payload {
		sum += uint64(b)
	}
	return uint16(sum % 65535)
}

func NewPacket(seqNum uint32, payload []byte) *Packet {
	return &Packet{
		SeqNum:   seqNum,
		Checksum: Checksum(payload),
		Payload:  payload,
	}
}

func NewEOFPacket(seqNum uint32) *Packet {
	return NewPacket(seqNum, EOFMarker)
}

func (p *Packet) Marshal() []byte {
	buf := make([]byte, HeaderLen+len(p.Payload))
	binary.BigEndian.PutUint32(buf[0:4], p.SeqNum)
	binary.BigEndian.PutUint16(buf[4:6], p.Checksum)
	copy(buf[HeaderLen:], p.Payload)
	return buf
}

func UnmarshalPacket(b []byte) (*Packet, error) {
	if len(b) < HeaderLen {
		return nil, errors.Wrapf(ErrMalformedPacket, "%d bytes, need %d", len(b), HeaderLen)
	}
	payload := make([]byte, len(b)-HeaderLen)
	copy(payload, b[HeaderLen:])
	return &Packet{
		SeqNum:   binary.BigEndian.Uint32(b[0:4]),
		Checksum: binary.BigEndian.Uint16(b[4:6]),
		Payload:  payload,
	}, nil
}

// Verify recomputes the checksum over the payload the packet carries.
func (p *Packet) Verify() bool {
	return Checksum(p.Payload) == p.Checksum
}

func (p *Packet) IsEOF() bool {
	return bytes.Equal(p.Payload, EOFMarker)
}

func MarshalAck(next uint32) []byte {
	buf := make([]byte, AckLen)
	binary.BigEndian.PutUint32(buf, next)
	return buf
}

func UnmarshalAck(b []byte) (uint32, error) {
	if len(b) < AckLen {
		return 0, errors.Wrapf(ErrMalformedPacket, "ack of %d bytes", len(b))
	}
	return binary.BigEndian.Uint32(b[:AckLen]), nil
}
