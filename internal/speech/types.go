package speech

import (
	"context"
	"fmt"
	"strings"
)

// Vendor identifies one of the cloud speech backends.
type Vendor string

const (
	VendorBaidu  Vendor = "baidu"
	VendorXunfei Vendor = "xunfei"
	VendorMock   Vendor = "mock"
)

// ParseVendor normalizes a vendor name from a path segment or config list.
func ParseVendor(raw string) (Vendor, error) {
	switch v := Vendor(strings.ToLower(strings.TrimSpace(raw))); v {
	case VendorBaidu, VendorXunfei, VendorMock:
		return v, nil
	default:
		return "", fmt.Errorf("unsupported vendor %q", raw)
	}
}

type RecognizeRequest struct {
	// Audio holds a WAV container or raw PCM16LE mono samples.
	Audio      []byte
	Format     string
	SampleRate int
	Channels   int
	// Language is "zh" or "en"; vendors map it to their own model ids.
	Language string
}

type Recognition struct {
	Text   string
	Vendor Vendor
	// Partial is set when a stream ended early and the text is what arrived.
	Partial bool
}

// VoiceParams carries optional synthesis knobs. Nil fields take vendor defaults.
type VoiceParams struct {
	Speed  *int
	Pitch  *int
	Volume *int
	// Voice is the persona id: Baidu "per", Xunfei "vcn".
	Voice string
	// Codec is the vendor output codec flag ("aue").
	Codec string
}

type SynthesizeRequest struct {
	Text      string
	Voice     VoiceParams
	Character string
}

type Synthesis struct {
	Audio    []byte
	MIMEType string
	Vendor   Vendor
}

type Recognizer interface {
	Recognize(ctx context.Context, req RecognizeRequest) (Recognition, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesizeRequest) (Synthesis, error)
}

// Provider is one interchangeable implementation of the speech capability.
type Provider interface {
	Vendor() Vendor
	Recognizer
	Synthesizer
}

// StreamSynthesizer delivers audio chunks in arrival order. The returned
// Synthesis carries the MIME type; its Audio is nil.
type StreamSynthesizer interface {
	SynthesizeStream(ctx context.Context, req SynthesizeRequest, onChunk func([]byte) error) (Synthesis, error)
}

// Int returns a pointer to v for VoiceParams fields.
func Int(v int) *int { return &v }

// IntOr dereferences p or returns fallback.
func IntOr(p *int, fallback int) int {
	if p == nil {
		return fallback
	}
	return *p
}
