package sipagent

import (
	"fmt"

	"github.com/fjfricke/ha-voice-bridge/internal/rtp"
)

// ErrNoCompatibleCodec is returned when an offer contains no PCMU codec
// this bridge can negotiate.
var ErrNoCompatibleCodec = fmt.Errorf("sdp offer contains no PCMU codec")

// NegotiateCodec picks the codec to use for a call from the caller's
// offer. Only PCMU (mu-law) is supported, at its well-known static
// payload type 0 or any dynamic type whose rtpmap name is PCMU. The
// bridge always negotiates 8kHz internally regardless of what the offer
// advertises for the clock rate.
func NegotiateCodec(offer *SessionDescription) (payloadType int, err error) {
	audio := offer.AudioMedia()
	if audio == nil {
		return 0, fmt.Errorf("sdp offer has no audio media section")
	}
	if c := audio.CodecByPayloadType(rtp.PayloadPCMU); c != nil {
		return rtp.PayloadPCMU, nil
	}
	if c := audio.CodecByName("PCMU"); c != nil {
		return c.PayloadType, nil
	}
	return 0, ErrNoCompatibleCodec
}

// BuildAnswer constructs the SDP answer for a negotiated call: our local
// IP/port carrying the chosen codec, single audio media section,
// sendrecv. Per the "always 8kHz" policy, the answer always advertises an
// 8000 Hz clock rate for the codec -- the bridge never negotiates any
// other rate even if the offer suggested one, since internally audio is
// always resampled to/from 8kHz at the RTP boundary.
func BuildAnswer(localIP string, localPort, payloadType int, sessionID string) *SessionDescription {
	const name = "PCMU"

	return &SessionDescription{
		Version: 0,
		Origin: Origin{
			Username:       "voicebridge",
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetType:        "IN",
			AddrType:       "IP4",
			Address:        localIP,
		},
		SessionName: "-",
		Connection:  &Connection{NetType: "IN", AddrType: "IP4", Address: localIP},
		Time:        "0 0",
		Media: []MediaDescription{
			{
				Type:      "audio",
				Port:      localPort,
				Proto:     "RTP/AVP",
				Formats:   []int{payloadType},
				Direction: "sendrecv",
				Codecs: []Codec{
					{PayloadType: payloadType, Name: name, ClockRate: 8000},
				},
				Attributes: []string{
					fmt.Sprintf("rtpmap:%d %s/8000", payloadType, name),
					"sendrecv",
				},
			},
		},
	}
}
