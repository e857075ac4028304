package codec

import "fmt"

// UpRatio and DownRatio are the fixed conversion ratios between the
// telephone rate (8 kHz) and the AI rate (24 kHz). The pipeline never
// negotiates any other ratio.
const (
	UpRatio   = 3 // 8kHz -> 24kHz
	DownRatio = 3 // 24kHz -> 8kHz
)

// ResampleUp converts 16-bit little-endian PCM samples from 8 kHz to
// 24 kHz using linear interpolation, preserving strict frame alignment:
// n input samples yield exactly 3n output samples.
func ResampleUp(in []byte) ([]byte, error) {
	samples, err := bytesToInt16(in)
	if err != nil {
		return nil, err
	}

	out := make([]int16, len(samples)*UpRatio)
	for i, s := range samples {
		var next int16
		if i+1 < len(samples) {
			next = samples[i+1]
		} else {
			next = s
		}
		out[i*UpRatio] = s
		out[i*UpRatio+1] = interpolate(s, next, 1, UpRatio)
		out[i*UpRatio+2] = interpolate(s, next, 2, UpRatio)
	}
	return int16ToBytes(out), nil
}

// ResampleDown converts 16-bit little-endian PCM samples from 24 kHz to
// 8 kHz by averaging each group of 3 samples (a simple decimation low-pass
// filter). in must contain a whole number of 3-sample groups.
func ResampleDown(in []byte) ([]byte, error) {
	samples, err := bytesToInt16(in)
	if err != nil {
		return nil, err
	}
	if len(samples)%DownRatio != 0 {
		return nil, fmt.Errorf("resample down: %d samples is not a multiple of %d", len(samples), DownRatio)
	}

	out := make([]int16, len(samples)/DownRatio)
	for i := range out {
		var sum int32
		for j := 0; j < DownRatio; j++ {
			sum += int32(samples[i*DownRatio+j])
		}
		out[i] = int16(sum / DownRatio)
	}
	return int16ToBytes(out), nil
}

// interpolate returns the linearly-interpolated sample at fractional
// position step/total between a and b.
func interpolate(a, b int16, step, total int) int16 {
	delta := int32(b) - int32(a)
	return int16(int32(a) + delta*int32(step)/int32(total))
}

func bytesToInt16(in []byte) ([]int16, error) {
	if len(in)%2 != 0 {
		return nil, fmt.Errorf("pcm16 buffer has odd length %d", len(in))
	}
	out := make([]int16, len(in)/2)
	for i := range out {
		out[i] = int16(uint16(in[i*2]) | uint16(in[i*2+1])<<8)
	}
	return out, nil
}

func int16ToBytes(in []int16) []byte {
	out := make([]byte, len(in)*2)
	for i, s := range in {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}
