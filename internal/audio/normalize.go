package audio

import (
	"encoding/binary"
	"math"
)

const (
	// quietPeak is the level below which a capture is considered quiet.
	quietPeak = 0.5
	// targetPeak is where quiet captures are lifted to.
	targetPeak = 0.8
)

// Peak returns the largest absolute sample value across all channels.
func Peak(b Buffer) float64 {
	peak := 0.0
	for _, ch := range b.Channels {
		for _, s := range ch {
			if a := math.Abs(s); a > peak {
				peak = a
			}
		}
	}
	return peak
}

// Normalize lifts quiet buffers so their peak lands at 0.8. Silent and
// already-loud buffers are left alone. It reports the applied gain.
func Normalize(b Buffer) (Buffer, float64) {
	peak := Peak(b)
	if peak == 0 || peak >= quietPeak {
		return b, 1
	}
	gain := targetPeak / peak
	out := Buffer{SampleRate: b.SampleRate, Channels: make([][]float64, len(b.Channels))}
	for i, ch := range b.Channels {
		scaled := make([]float64, len(ch))
		for j, s := range ch {
			scaled[j] = s * gain
		}
		out.Channels[i] = scaled
	}
	return out, gain
}

// Downmix averages all channels into one.
func Downmix(b Buffer) []float64 {
	switch len(b.Channels) {
	case 0:
		return nil
	case 1:
		return b.Channels[0]
	}
	n := b.Frames()
	out := make([]float64, n)
	scale := 1 / float64(len(b.Channels))
	for _, ch := range b.Channels {
		for i := 0; i < n && i < len(ch); i++ {
			out[i] += ch[i] * scale
		}
	}
	return out
}

// EncodePCM16LE clamps samples to [-1, 1] and packs them as signed 16-bit
// little-endian integers.
func EncodePCM16LE(samples []float64) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		s = math.Max(-1, math.Min(1, s))
		var v int16
		if s < 0 {
			v = int16(s * 0x8000)
		} else {
			v = int16(s * 0x7FFF)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}
