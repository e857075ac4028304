// Package rtp implements the single-leg RTP session used to carry call
// audio: packet framing, a paced 20ms transmit loop, a receive loop with
// symmetric-RTP address learning, and port allocation.
package rtp

import "encoding/binary"

const (
	// HeaderSize is the fixed RTP header length with no CSRCs or extensions.
	HeaderSize = 12

	// version is the RTP protocol version, always 2.
	version = 2

	// SamplesPerFrame is the number of 8kHz samples carried per 20ms frame.
	SamplesPerFrame = 160

	// TimestampIncrement is the RTP timestamp advance per 20ms frame at
	// the 8kHz clock rate the session always negotiates internally.
	TimestampIncrement = SamplesPerFrame

	// PayloadPCMU is the static RTP payload type for G.711 u-law, the
	// only codec this bridge negotiates.
	PayloadPCMU = 0
)

// BuildHeader writes a 12-byte RTP header into buf, which must be at
// least HeaderSize bytes long.
func BuildHeader(buf []byte, payloadType int, marker bool, seq uint16, timestamp, ssrc uint32) {
	buf[0] = version << 6
	buf[1] = byte(payloadType & 0x7F)
	if marker {
		buf[1] |= 0x80
	}
	binary.BigEndian.PutUint16(buf[2:4], seq)
	binary.BigEndian.PutUint32(buf[4:8], timestamp)
	binary.BigEndian.PutUint32(buf[8:12], ssrc)
}

// Header is a parsed RTP packet header.
type Header struct {
	PayloadType int
	Marker      bool
	Sequence    uint16
	Timestamp   uint32
	SSRC        uint32
}

// ParseHeader validates and parses the header of an inbound RTP packet.
// It returns false if the packet is too short or not RTP version 2.
func ParseHeader(pkt []byte) (Header, []byte, bool) {
	if len(pkt) < HeaderSize {
		return Header{}, nil, false
	}
	if pkt[0]>>6 != version {
		return Header{}, nil, false
	}
	h := Header{
		PayloadType: int(pkt[1] & 0x7F),
		Marker:      pkt[1]&0x80 != 0,
		Sequence:    binary.BigEndian.Uint16(pkt[2:4]),
		Timestamp:   binary.BigEndian.Uint32(pkt[4:8]),
		SSRC:        binary.BigEndian.Uint32(pkt[8:12]),
	}
	return h, pkt[HeaderSize:], true
}
