package rtp

import (
	"errors"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync/atomic"
	"time"
)

const (
	// frameInterval is the pacing cadence of the transmit loop: one G.711
	// frame every 20ms at 8kHz.
	frameInterval = 20 * time.Millisecond

	// readDeadline bounds each receive-socket read so the loop can notice
	// a stop request without blocking indefinitely.
	readDeadline = 100 * time.Millisecond

	// maxPacketSize is large enough for any RTP packet this bridge sends
	// or expects to receive.
	maxPacketSize = 1500
)

// atomicAddr is a lock-free holder for the symmetric-RTP remote address,
// set the first time a valid packet arrives and read by the transmit loop.
type atomicAddr struct {
	v atomic.Pointer[net.UDPAddr]
}

func (a *atomicAddr) load() *net.UDPAddr {
	return a.v.Load()
}

func (a *atomicAddr) update(addr *net.UDPAddr) {
	a.v.Store(addr)
}

// ErrNoPacketsReceived is returned by the receive loop when Stop ends it
// without it ever having seen a valid inbound packet.
var ErrNoPacketsReceived = errors.New("rtp: no packets received before socket closed")

// Session is a single call's RTP leg: one local socket, a learned remote
// address, and the packet/timestamp state needed to send a continuous
// stream of G.711 frames.
type Session struct {
	conn        *net.UDPConn
	payloadType int
	logger      *slog.Logger

	remote atomicAddr

	ssrc uint32
	seq  uint16
	ts   uint32

	stopped atomic.Bool

	packetsReceived atomic.Uint64
	packetsSent     atomic.Uint64
	bytesReceived   atomic.Uint64
	bytesSent       atomic.Uint64
}

// Stats returns the session's cumulative packet/byte counters, read by the
// metrics collector at scrape time.
func (s *Session) Stats() (packetsReceived, packetsSent, bytesReceived, bytesSent uint64) {
	return s.packetsReceived.Load(), s.packetsSent.Load(), s.bytesReceived.Load(), s.bytesSent.Load()
}

// NewSession wraps an already-bound UDP socket as an RTP session using the
// given payload type, as negotiated in SDP (PayloadPCMU in practice,
// since PCMU is the only codec this bridge negotiates).
func NewSession(conn *net.UDPConn, payloadType int, logger *slog.Logger) *Session {
	return &Session{
		conn:        conn,
		payloadType: payloadType,
		logger:      logger.With("subsystem", "rtp-session"),
		ssrc:        rand.Uint32(),
		seq:         uint16(rand.UintN(65536)),
		ts:          rand.Uint32(),
	}
}

// Stop halts the transmit and receive loops. Safe to call more than once.
func (s *Session) Stop() {
	s.stopped.Store(true)
}

// RemoteAddr returns the symmetric-RTP-learned remote address, or nil if
// no packet has been received yet.
func (s *Session) RemoteAddr() *net.UDPAddr {
	return s.remote.load()
}

// SetRemoteAddr seeds the remote address from the SDP offer before the
// first inbound packet arrives; symmetric RTP will override it once real
// traffic is observed.
func (s *Session) SetRemoteAddr(addr *net.UDPAddr) {
	s.remote.update(addr)
}

// Receive runs the inbound read loop until Stop is called or the socket
// errors. Every packet that parses as a well-formed RTP header is handed
// to onFrame, regardless of its payload type -- this bridge forwards
// whatever arrives rather than filtering on the negotiated codec. The
// remote address is (re)learned from every valid packet, per symmetric
// RTP.
func (s *Session) Receive(onFrame func(payload []byte)) error {
	buf := make([]byte, maxPacketSize)
	sawPacket := false

	for !s.stopped.Load() {
		if err := s.conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			return err
		}

		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if s.stopped.Load() {
				return nil
			}
			return err
		}

		_, payload, ok := ParseHeader(buf[:n])
		if !ok {
			s.logger.Debug("dropping malformed rtp packet", "bytes", n)
			continue
		}

		sawPacket = true
		s.remote.update(addr)
		s.packetsReceived.Add(1)
		s.bytesReceived.Add(uint64(n))
		onFrame(payload)
	}

	if !sawPacket {
		return ErrNoPacketsReceived
	}
	return nil
}

// Transmit runs the outbound send loop until Stop is called. Every 20ms
// it calls nextFrame for exactly one 160-byte G.711 frame and sends it as
// an RTP packet, pacing against wall-clock time to avoid cumulative
// drift from per-iteration processing overhead.
func (s *Session) Transmit(nextFrame func() []byte) {
	pkt := make([]byte, HeaderSize+SamplesPerFrame)
	start := time.Now()
	sent := 0
	marker := true

	for !s.stopped.Load() {
		remote := s.remote.load()
		if remote == nil {
			time.Sleep(frameInterval)
			continue
		}

		frame := nextFrame()
		copy(pkt[HeaderSize:], frame)

		BuildHeader(pkt[:HeaderSize], s.payloadType, marker, s.seq, s.ts, s.ssrc)
		marker = false

		if _, err := s.conn.WriteToUDP(pkt, remote); err != nil {
			s.logger.Warn("rtp send failed", "error", err)
		} else {
			s.packetsSent.Add(1)
			s.bytesSent.Add(uint64(len(pkt)))
		}

		s.seq++
		s.ts += TimestampIncrement
		sent++

		elapsed := time.Since(start)
		expected := time.Duration(sent) * frameInterval
		if sleep := expected - elapsed; sleep > 0 {
			time.Sleep(sleep)
		}
	}
}
