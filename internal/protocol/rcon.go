// Package protocol implements the stateless wire codecs used by Bastion:
// the Source RCON binary packet format (TCP) and the A2S server query
// datagram format (UDP).
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// RCON packet types as defined by the Source RCON protocol.
// SERVERDATA_AUTH_RESPONSE and SERVERDATA_EXECCOMMAND share the value 2;
// direction disambiguates them.
const (
	RconTypeResponseValue int32 = 0
	RconTypeExecCommand   int32 = 2
	RconTypeAuthResponse  int32 = 2
	RconTypeAuth          int32 = 3
)

const (
	// RconAuthFailedID is the sentinel request id the server returns in an
	// auth response when the password was rejected. It is never a real
	// correlation id.
	RconAuthFailedID int32 = -1

	// rconHeaderSize is id (4) + type (4).
	rconHeaderSize = 8

	// rconOverhead is id + type + body NUL + empty-string NUL. The size
	// field of every packet equals len(body) + rconOverhead.
	rconOverhead = 10

	// MaxRconPacketSize caps the size field of inbound packets. The size
	// field is attacker-controlled input; without a cap a single bogus
	// packet could pin the stream buffer forever waiting for gigabytes.
	MaxRconPacketSize = 1 << 20
)

// ErrNonASCIIBody is returned when an outbound RCON body contains bytes
// outside the printable ASCII range. The protocol is ASCII-only.
var ErrNonASCIIBody = errors.New("rcon: body contains non-ASCII bytes")

// ErrRconPacketTooLarge is returned when a decoded size field exceeds
// MaxRconPacketSize, which indicates a corrupt or hostile stream.
var ErrRconPacketTooLarge = errors.New("rcon: packet size field too large")

// RconPacket is one framed unit of the RCON TCP protocol.
type RconPacket struct {
	ID   int32
	Type int32
	Body string
}

// EncodeRconPacket serializes a packet to its little-endian wire form:
// [size:4][id:4][type:4][body][0x00][0x00]. The body must be ASCII.
func EncodeRconPacket(id, packetType int32, body string) ([]byte, error) {
	for i := 0; i < len(body); i++ {
		if body[i] > 0x7F {
			return nil, fmt.Errorf("%w: byte 0x%02X at offset %d", ErrNonASCIIBody, body[i], i)
		}
	}

	size := len(body) + rconOverhead
	buf := make([]byte, 4+size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(size))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(id))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(packetType))
	copy(buf[12:], body)
	// Trailing body NUL and empty-string NUL are already zero.

	return buf, nil
}

// DecodeRconPacket attempts to decode one packet from the front of buf.
//
// It returns the number of bytes consumed; a zero count with a nil error
// means buf does not yet hold a complete packet. That is an expected
// steady-state condition under TCP, not a failure: callers accumulate
// bytes and retry. A non-nil error means the stream is corrupt and the
// connection should be torn down.
func DecodeRconPacket(buf []byte) (*RconPacket, int, error) {
	if len(buf) < 4 {
		return nil, 0, nil
	}

	size := int32(binary.LittleEndian.Uint32(buf[0:4]))
	if size < rconHeaderSize {
		return nil, 0, fmt.Errorf("rcon: size field %d below header minimum", size)
	}
	if size > MaxRconPacketSize {
		return nil, 0, fmt.Errorf("%w: %d", ErrRconPacketTooLarge, size)
	}
	if len(buf) < 4+int(size) {
		return nil, 0, nil
	}

	pkt := &RconPacket{
		ID:   int32(binary.LittleEndian.Uint32(buf[4:8])),
		Type: int32(binary.LittleEndian.Uint32(buf[8:12])),
	}

	// Body runs up to its NUL terminator. Some servers omit the trailing
	// terminator pair on empty responses; tolerate that.
	body := buf[12 : 4+size]
	for i, b := range body {
		if b == 0 {
			body = body[:i]
			break
		}
	}
	pkt.Body = string(body)

	return pkt, 4 + int(size), nil
}
