// Package protocol defines the PowerUDP wire format: the datagram header and
// payload framing, the configuration message, and the control-channel
// requests exchanged with the registration server.
package protocol

// Packet type constants.
const (
	TypeData uint8 = 0x01 // Payload-carrying datagram
	TypeAck  uint8 = 0x02 // Positive acknowledgement
	TypeNack uint8 = 0x03 // Negative acknowledgement
)

// HeaderSize is the fixed header size: Type(1) + Seq(4) + Length(2).
const HeaderSize = 7

// MaxPayloadSize is the largest payload a single DATA packet may carry.
const MaxPayloadSize = 1024

// MaxPacketSize is the largest datagram the protocol produces.
const MaxPacketSize = HeaderSize + MaxPayloadSize

// Header is the fixed-size prefix of every datagram.
type Header struct {
	Type   uint8  // TypeData, TypeAck or TypeNack
	Seq    uint32 // Sender sequence number, echoed by ACK/NACK
	Length uint16 // Number of payload bytes that follow
}

// Packet is a decoded datagram. Payload is empty for ACK and NACK.
type Packet struct {
	Header
	Payload []byte
}

// NewData builds a DATA packet for the given sequence number.
func NewData(seq uint32, payload []byte) *Packet {
	return &Packet{
		Header:  Header{Type: TypeData, Seq: seq, Length: uint16(len(payload))},
		Payload: payload,
	}
}

// NewAck builds an ACK echoing seq.
func NewAck(seq uint32) *Packet {
	return &Packet{Header: Header{Type: TypeAck, Seq: seq}}
}

// NewNack builds a NACK echoing seq.
func NewNack(seq uint32) *Packet {
	return &Packet{Header: Header{Type: TypeNack, Seq: seq}}
}

// TypeName returns a short label for a packet type, used in log lines.
func TypeName(t uint8) string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeAck:
		return "ACK"
	case TypeNack:
		return "NACK"
	default:
		return "UNKNOWN"
	}
}
