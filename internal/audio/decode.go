package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	wav "github.com/youpy/go-wav"

	"github.com/zrea200/epkeeper-chatbot/internal/speech"
)

const audioFormatExtensible = 0xFFFE

// Capture is an encoded recording as handed over by the client.
type Capture struct {
	Data     []byte
	MIMEType string
	// SampleRate and Channels describe headerless PCM captures.
	SampleRate int
	Channels   int
	// Duration is the client-reported length; zero means derive it from the data.
	Duration time.Duration
}

// Buffer holds de-interleaved float samples in [-1, 1].
type Buffer struct {
	SampleRate int
	Channels   [][]float64
}

func (b Buffer) Frames() int {
	if len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// Decode turns a capture into float samples. WAV is parsed with go-wav;
// headerless PCM16LE needs the caller-declared rate and channel count.
func Decode(c Capture) (Buffer, error) {
	mime := strings.ToLower(strings.TrimSpace(c.MIMEType))
	switch {
	case IsWAV(c.Data):
		return decodeWAV(c.Data)
	case isRawPCM(mime):
		if c.SampleRate <= 0 {
			return Buffer{}, &speech.InputValidationError{Field: "rate", Reason: "pcm capture needs a sample rate"}
		}
		channels := c.Channels
		if channels <= 0 {
			channels = 1
		}
		return deinterleave(c.Data, c.SampleRate, channels, 16, wav.AudioFormatPCM)
	default:
		if mime == "" {
			mime = "unknown"
		}
		return Buffer{}, &speech.InputValidationError{Field: "audio", Reason: fmt.Sprintf("unsupported audio container %s, send wav or pcm", mime)}
	}
}

func isRawPCM(mime string) bool {
	mime = strings.ToLower(strings.TrimSpace(mime))
	return strings.HasPrefix(mime, "audio/pcm") || strings.HasPrefix(mime, "audio/l16") || mime == "pcm" || mime == "raw"
}

func decodeWAV(data []byte) (Buffer, error) {
	format, payload, err := readWAV(data)
	if err != nil {
		return Buffer{}, &speech.InputValidationError{Field: "audio", Reason: "malformed wav: " + err.Error()}
	}
	return deinterleave(payload, int(format.SampleRate), int(format.NumChannels), int(format.BitsPerSample), format.AudioFormat)
}

func deinterleave(payload []byte, rate, channels, bits int, audioFormat uint16) (Buffer, error) {
	if err := checkLayout(rate, channels); err != nil {
		return Buffer{}, err
	}
	isFloat := audioFormat == wav.AudioFormatIEEEFloat
	if audioFormat != wav.AudioFormatPCM && !isFloat && audioFormat != audioFormatExtensible {
		return Buffer{}, &speech.InputValidationError{Field: "audio", Reason: fmt.Sprintf("unsupported wav encoding %d", audioFormat)}
	}
	width := bits / 8
	if width < 1 || width > 4 || (isFloat && width != 4) {
		return Buffer{}, &speech.InputValidationError{Field: "audio", Reason: fmt.Sprintf("unsupported bit depth %d", bits)}
	}
	frameSize := width * channels
	frames := len(payload) / frameSize
	// Bounded before allocating: the resampler output scales with frames.
	if clipDuration(frames, rate) > MaxCaptureDuration {
		return Buffer{}, tooLong()
	}

	out := Buffer{SampleRate: rate, Channels: make([][]float64, channels)}
	for ch := range out.Channels {
		out.Channels[ch] = make([]float64, frames)
	}
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			off := i*frameSize + ch*width
			out.Channels[ch][i] = sampleAt(payload[off:off+width], isFloat)
		}
	}
	return out, nil
}

func sampleAt(b []byte, isFloat bool) float64 {
	switch len(b) {
	case 1:
		// 8-bit WAV is unsigned.
		return (float64(b[0]) - 128) / 128
	case 2:
		return float64(int16(binary.LittleEndian.Uint16(b))) / 32768
	case 3:
		v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
		if v&0x800000 != 0 {
			v |= ^0xFFFFFF
		}
		return float64(v) / 8388608
	default:
		bits := binary.LittleEndian.Uint32(b)
		if isFloat {
			return float64(math.Float32frombits(bits))
		}
		return float64(int32(bits)) / 2147483648
	}
}
