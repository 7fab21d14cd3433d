package audio

import (
	"fmt"
	"time"

	wav "github.com/youpy/go-wav"

	"github.com/zrea200/epkeeper-chatbot/internal/speech"
)

const (
	// MinCaptureBytes rejects captures that almost certainly failed to record.
	MinCaptureBytes = 1000
	// MinCaptureDuration rejects recordings too short to recognize.
	MinCaptureDuration = 500 * time.Millisecond
	// MaxCaptureDuration is the longest clip the vendors accept in one call.
	MaxCaptureDuration = 60 * time.Second

	MinSourceRate = 8000
	MaxSourceRate = 192000
	maxChannels   = 8
)

// ValidateCapture applies the size and duration gates. A zero Duration is
// only checked after decoding.
func ValidateCapture(c Capture) error {
	if len(c.Data) < MinCaptureBytes {
		return &speech.InputValidationError{Field: "audio", Reason: "recording failed, please try again"}
	}
	if c.Duration > 0 && c.Duration < MinCaptureDuration {
		return &speech.InputValidationError{Field: "audio", Reason: "recording too short"}
	}
	return nil
}

// CheckCapture applies the size, rate and duration gates from the container
// header alone, without decoding samples. Headerless PCM is measured with the
// declared rate and channel count; other containers only get the size gate.
func CheckCapture(c Capture) (time.Duration, error) {
	if err := ValidateCapture(c); err != nil {
		return 0, err
	}
	var rate, channels, width, size int
	switch {
	case IsWAV(c.Data):
		h, err := ParseWAVHeader(c.Data)
		if err != nil {
			return 0, &speech.InputValidationError{Field: "audio", Reason: "malformed wav: " + err.Error()}
		}
		rate, channels, width, size = h.SampleRate, h.Channels, h.BitsPerSample/8, h.DataSize
	case isRawPCM(c.MIMEType):
		rate, channels, width, size = c.SampleRate, max(c.Channels, 1), 2, len(c.Data)
	default:
		return 0, nil
	}
	if err := checkLayout(rate, channels); err != nil {
		return 0, err
	}
	if width < 1 {
		return 0, &speech.InputValidationError{Field: "audio", Reason: "invalid bit depth"}
	}
	d := clipDuration(size/(width*channels), rate)
	if d < MinCaptureDuration {
		return d, &speech.InputValidationError{Field: "audio", Reason: "recording too short"}
	}
	if d > MaxCaptureDuration {
		return d, tooLong()
	}
	return d, nil
}

func checkLayout(rate, channels int) error {
	if rate < MinSourceRate || rate > MaxSourceRate {
		return &speech.InputValidationError{Field: "audio", Reason: fmt.Sprintf("sample rate %d Hz outside %d..%d", rate, MinSourceRate, MaxSourceRate)}
	}
	if channels < 1 || channels > maxChannels {
		return &speech.InputValidationError{Field: "audio", Reason: fmt.Sprintf("unsupported channel count %d", channels)}
	}
	return nil
}

func clipDuration(frames, rate int) time.Duration {
	return time.Duration(frames) * time.Second / time.Duration(rate)
}

func tooLong() error {
	return &speech.InputValidationError{Field: "audio", Reason: fmt.Sprintf("recording too long, keep it under %s", MaxCaptureDuration)}
}

// ToPCMWav converts a capture into a mono 16-bit WAV at targetRate.
func ToPCMWav(c Capture, targetRate int) ([]byte, error) {
	pcm, err := ToPCM(c, targetRate)
	if err != nil {
		return nil, err
	}
	return EncodeWAVPCM16LE(pcm, targetRate)
}

// ToPCM runs the same pipeline as ToPCMWav without the container.
func ToPCM(c Capture, targetRate int) ([]byte, error) {
	if targetRate != 8000 && targetRate != 16000 {
		return nil, &speech.InputValidationError{Field: "rate", Reason: fmt.Sprintf("target rate must be 8000 or 16000, got %d", targetRate)}
	}
	if err := ValidateCapture(c); err != nil {
		return nil, err
	}
	buf, err := Decode(c)
	if err != nil {
		return nil, err
	}
	if buf.Duration() < MinCaptureDuration {
		return nil, &speech.InputValidationError{Field: "audio", Reason: "recording too short"}
	}
	buf = ResampleBuffer(buf, targetRate)
	buf, _ = Normalize(buf)
	return EncodePCM16LE(Downmix(buf)), nil
}

// ExtractPCM returns mono PCM16LE at rate from a WAV or headerless PCM
// payload. WAV input already in that shape is passed through untouched;
// anything else is converted. Headerless input is assumed to be PCM16LE mono
// at rate already.
func ExtractPCM(data []byte, rate int) ([]byte, error) {
	if !IsWAV(data) {
		return data, nil
	}
	format, payload, err := readWAV(data)
	if err != nil {
		return nil, &speech.InputValidationError{Field: "audio", Reason: err.Error()}
	}
	if format.AudioFormat == wav.AudioFormatPCM && format.NumChannels == 1 && format.BitsPerSample == 16 && int(format.SampleRate) == rate {
		return payload, nil
	}
	buf, err := deinterleave(payload, int(format.SampleRate), int(format.NumChannels), int(format.BitsPerSample), format.AudioFormat)
	if err != nil {
		return nil, err
	}
	buf = ResampleBuffer(buf, rate)
	return EncodePCM16LE(Downmix(buf)), nil
}
