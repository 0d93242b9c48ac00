package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// A2S datagram types.
const (
	A2STypeInfoRequest  byte = 0x54 // 'T'
	A2STypeChallenge    byte = 0x41 // 'A'
	A2STypeInfoResponse byte = 0x49 // 'I'
)

// a2sInfoPayload is the fixed request payload mandated by the protocol.
const a2sInfoPayload = "Source Engine Query\x00"

// a2sHeader is the 4-byte out-of-band marker prefixing every A2S datagram.
var a2sHeader = []byte{0xFF, 0xFF, 0xFF, 0xFF}

// ErrMalformedResponse is returned when an A2S reply is too short to hold
// the fixed fields of its declared type.
var ErrMalformedResponse = errors.New("a2s: malformed response")

// ServerInfo is an immutable snapshot of A2S_INFO response fields.
// It is produced fresh per query and never cached.
type ServerInfo struct {
	Protocol    uint8  `json:"protocol"`
	Name        string `json:"name"`
	Map         string `json:"map"`
	Folder      string `json:"folder"`
	Game        string `json:"game"`
	AppID       uint16 `json:"app_id"`
	Players     uint8  `json:"players"`
	MaxPlayers  uint8  `json:"max_players"`
	Bots        uint8  `json:"bots"`
	ServerType  string `json:"server_type"`
	Environment string `json:"environment"`
	Visibility  uint8  `json:"visibility"`
	VAC         uint8  `json:"vac"`
	Version     string `json:"version"`
}

// BuildA2SInfoRequest builds an A2S_INFO request datagram. When challenge
// is non-nil its 4 bytes are appended, as required after a challenge reply.
func BuildA2SInfoRequest(challenge []byte) []byte {
	buf := make([]byte, 0, 4+1+len(a2sInfoPayload)+4)
	buf = append(buf, a2sHeader...)
	buf = append(buf, A2STypeInfoRequest)
	buf = append(buf, a2sInfoPayload...)
	if challenge != nil {
		buf = append(buf, challenge[:4]...)
	}
	return buf
}

// A2SResponseType classifies a raw reply datagram. Replies shorter than
// 5 bytes or without the OOB header yield ok=false and must be ignored:
// UDP carries no delivery guarantee and stray traffic is expected.
func A2SResponseType(buf []byte) (responseType byte, ok bool) {
	if len(buf) < 5 {
		return 0, false
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != 0xFFFFFFFF {
		return 0, false
	}
	return buf[4], true
}

// ParseA2SChallenge extracts the 4-byte challenge from a challenge reply.
func ParseA2SChallenge(buf []byte) ([]byte, error) {
	if len(buf) < 9 {
		return nil, fmt.Errorf("%w: challenge reply is %d bytes", ErrMalformedResponse, len(buf))
	}
	return buf[5:9], nil
}

// ParseA2SInfoResponse decodes an A2S_INFO reply into a ServerInfo.
// buf must include the OOB header and type byte.
func ParseA2SInfoResponse(buf []byte) (*ServerInfo, error) {
	// Header (4) + type (1) + protocol (1) + four strings (>= 4 NULs) +
	// appid (2) + players/max/bots (3) + type/env (2) + visibility/vac (2).
	if len(buf) < 19 {
		return nil, fmt.Errorf("%w: info reply is %d bytes", ErrMalformedResponse, len(buf))
	}

	cur := &cursor{buf: buf, pos: 5}

	info := &ServerInfo{}
	info.Protocol = cur.byte()
	info.Name = cur.cstring()
	info.Map = cur.cstring()
	info.Folder = cur.cstring()
	info.Game = cur.cstring()
	info.AppID = cur.uint16le()
	info.Players = cur.byte()
	info.MaxPlayers = cur.byte()
	info.Bots = cur.byte()
	info.ServerType = cur.char()
	info.Environment = cur.char()
	info.Visibility = cur.byte()
	info.VAC = cur.byte()
	info.Version = cur.cstring()

	return info, nil
}

// cursor walks an A2S payload. Reads past the end yield zero values so a
// truncated capture degrades to empty trailing fields instead of an error.
type cursor struct {
	buf []byte
	pos int
}

func (c *cursor) byte() uint8 {
	if c.pos >= len(c.buf) {
		return 0
	}
	b := c.buf[c.pos]
	c.pos++
	return b
}

func (c *cursor) char() string {
	b := c.byte()
	if b == 0 {
		return ""
	}
	return string(rune(b))
}

func (c *cursor) uint16le() uint16 {
	if c.pos+2 > len(c.buf) {
		c.pos = len(c.buf)
		return 0
	}
	v := binary.LittleEndian.Uint16(c.buf[c.pos : c.pos+2])
	c.pos += 2
	return v
}

// cstring reads a null-terminated UTF-8 run. A missing terminator yields
// the remainder of the buffer rather than an error.
func (c *cursor) cstring() string {
	if c.pos >= len(c.buf) {
		return ""
	}
	start := c.pos
	for c.pos < len(c.buf) && c.buf[c.pos] != 0 {
		c.pos++
	}
	s := string(c.buf[start:c.pos])
	if c.pos < len(c.buf) {
		c.pos++ // consume the NUL
	}
	return s
}
