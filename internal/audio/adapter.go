// Package audio bridges the telephone-rate RTP stream and the AI-rate
// WebSocket stream with bounded, frame-paced queues in both directions.
package audio

import (
	"log/slog"
	"time"

	"github.com/fjfricke/ha-voice-bridge/internal/codec"
)

const (
	// FrameInterval is the fixed cadence of the media pipeline.
	FrameInterval = 20 * time.Millisecond

	// TelephoneRate and AIRate are the two sample rates the adapter
	// converts between. The ratio between them is always exactly 3.
	TelephoneRate = 8000
	AIRate        = 24000

	// TelephoneFrameBytes and AIFrameBytes are the exact frame sizes at
	// each rate for 20ms of 16-bit mono PCM (rate * 0.020 * 2).
	TelephoneFrameBytes = TelephoneRate / 1000 * 20 * 2
	AIFrameBytes        = AIRate / 1000 * 20 * 2

	// queueCapacity is the bounded depth of each direction's frame queue,
	// chosen to hold >=10 frames (~200ms) per the back-pressure policy.
	queueCapacity = 16
)

// Silence returns an all-zero frame of the given length, used whenever a
// pull deadline expires with nothing queued.
func Silence(length int) []byte {
	return make([]byte, length)
}

// frameQueue is a bounded, drop-oldest-on-overflow channel of frames.
type frameQueue struct {
	ch chan []byte
}

func newFrameQueue(capacity int) *frameQueue {
	return &frameQueue{ch: make(chan []byte, capacity)}
}

// push enqueues a frame, dropping the oldest queued frame if the queue is
// already full. It never blocks.
func (q *frameQueue) push(frame []byte) {
	select {
	case q.ch <- frame:
		return
	default:
	}
	select {
	case <-q.ch:
	default:
	}
	select {
	case q.ch <- frame:
	default:
	}
}

// pull waits up to the adapter's frame deadline for a queued frame.
func (q *frameQueue) pull(deadline time.Duration) ([]byte, bool) {
	select {
	case f := <-q.ch:
		return f, true
	case <-time.After(deadline):
		return nil, false
	}
}

// Adapter holds the per-call uplink and downlink frame queues and performs
// rate conversion as frames cross it. The uplink carries telephone-rate
// audio from the RTP session up to the AI; the downlink carries AI-rate
// audio back down to the RTP session.
type Adapter struct {
	logger *slog.Logger

	uplink   *frameQueue // telephone-rate frames awaiting resampling to AI rate
	downlink *frameQueue // telephone-rate frames ready to send to the RTP session

	// downAccum holds AI-rate-resampled-to-telephone-rate bytes that have
	// not yet filled a whole telephone frame.
	downAccum []byte

	// downRemainder holds AI-rate PCM16 bytes left over from the previous
	// PushDownlink call because they didn't complete a whole
	// codec.DownRatio-sample group; it is prepended to the next call's
	// chunk so no audio is ever discarded for failing to land on a
	// 3-sample boundary.
	downRemainder []byte
}

// NewAdapter creates an audio adapter for a single call.
func NewAdapter(logger *slog.Logger) *Adapter {
	return &Adapter{
		logger:   logger.With("subsystem", "audio-adapter"),
		uplink:   newFrameQueue(queueCapacity),
		downlink: newFrameQueue(queueCapacity),
	}
}

// PushUplink enqueues exactly one 20ms telephone-rate PCM16 frame received
// from the RTP session. Resampling to the AI rate happens on PullUplink.
func (a *Adapter) PushUplink(frame []byte) {
	a.uplink.push(frame)
}

// PullUplink blocks up to one frame interval for a queued telephone-rate
// frame, resamples it to the AI rate, and returns it. On timeout it
// resamples a silence frame instead so the AI sees an unbroken cadence.
func (a *Adapter) PullUplink() []byte {
	frame, ok := a.uplink.pull(FrameInterval)
	if !ok {
		frame = Silence(TelephoneFrameBytes)
	}

	out, err := codec.ResampleUp(frame)
	if err != nil {
		a.logger.Warn("uplink resample failed, substituting silence", "error", err)
		return Silence(AIFrameBytes)
	}
	return out
}

// PushDownlink resamples a variable-length AI-rate PCM16 chunk down to the
// telephone rate and appends it to the byte accumulator, releasing any
// whole telephone-rate frames it completes, in order, into the downlink
// queue. AI-rate chunks arrive with no alignment guarantee, so any bytes
// that don't complete a whole codec.DownRatio-sample group are held in
// downRemainder and prepended to the next chunk rather than dropped.
func (a *Adapter) PushDownlink(chunkAtAIRate []byte) {
	pending := append(a.downRemainder, chunkAtAIRate...)

	const groupBytes = codec.DownRatio * 2 // bytes per sample * samples per group
	usable := len(pending) - len(pending)%groupBytes
	a.downRemainder = append([]byte(nil), pending[usable:]...)
	if usable == 0 {
		return
	}

	down, err := codec.ResampleDown(pending[:usable])
	if err != nil {
		a.logger.Warn("downlink resample failed, dropping chunk", "error", err)
		return
	}

	a.downAccum = append(a.downAccum, down...)
	for len(a.downAccum) >= TelephoneFrameBytes {
		frame := make([]byte, TelephoneFrameBytes)
		copy(frame, a.downAccum[:TelephoneFrameBytes])
		a.downAccum = a.downAccum[TelephoneFrameBytes:]
		a.downlink.push(frame)
	}
}

// PullDownlink blocks up to one frame interval for a queued telephone-rate
// frame ready to hand to the RTP session. On timeout it returns silence.
func (a *Adapter) PullDownlink() []byte {
	frame, ok := a.downlink.pull(FrameInterval)
	if !ok {
		return Silence(TelephoneFrameBytes)
	}
	return frame
}
