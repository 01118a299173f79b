package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformed is returned when a datagram cannot be decoded.
var ErrMalformed = errors.New("malformed packet")

// Encode serializes a Packet into a byte slice for transmission. The header
// length field is always taken from len(pkt.Payload).
func Encode(pkt *Packet) []byte {
	size := HeaderSize + len(pkt.Payload)
	buf := make([]byte, size)
	buf[0] = pkt.Type
	binary.BigEndian.PutUint32(buf[1:5], pkt.Seq)
	binary.BigEndian.PutUint16(buf[5:7], uint16(len(pkt.Payload)))
	if len(pkt.Payload) > 0 {
		copy(buf[HeaderSize:], pkt.Payload)
	}
	return buf
}

// Decode deserializes a byte slice into a Packet. A declared length above
// MaxPayloadSize is malformed. Bytes past the declared payload length are
// ignored.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes (need at least %d)", ErrMalformed, len(data), HeaderSize)
	}
	pkt := &Packet{
		Header: Header{
			Type:   data[0],
			Seq:    binary.BigEndian.Uint32(data[1:5]),
			Length: binary.BigEndian.Uint16(data[5:7]),
		},
	}
	if pkt.Length > MaxPayloadSize {
		return nil, fmt.Errorf("%w: declared length %d exceeds max payload %d",
			ErrMalformed, pkt.Length, MaxPayloadSize)
	}
	if int(pkt.Length) > len(data)-HeaderSize {
		return nil, fmt.Errorf("%w: declared length %d exceeds %d remaining bytes",
			ErrMalformed, pkt.Length, len(data)-HeaderSize)
	}
	if pkt.Length > 0 {
		pkt.Payload = make([]byte, pkt.Length)
		copy(pkt.Payload, data[HeaderSize:HeaderSize+int(pkt.Length)])
	}
	return pkt, nil
}
