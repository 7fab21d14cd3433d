package speech

import (
	"context"
	"encoding/binary"
	"math"
	"strings"
	"sync"
)

// MockProvider is a local provider used for development when no vendor
// credentials are configured. It never touches the network.
type MockProvider struct {
	mu          sync.Mutex
	recognized  int
	synthesized int
}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) Vendor() Vendor { return VendorMock }

func (p *MockProvider) Recognize(ctx context.Context, req RecognizeRequest) (Recognition, error) {
	if err := ctx.Err(); err != nil {
		return Recognition{}, ErrCancelled
	}
	if len(req.Audio) == 0 {
		return Recognition{}, &InputValidationError{Field: "audio", Reason: "missing audio"}
	}
	p.mu.Lock()
	p.recognized++
	p.mu.Unlock()
	return Recognition{Text: "simulated voice input", Vendor: VendorMock}, nil
}

func (p *MockProvider) Synthesize(ctx context.Context, req SynthesizeRequest) (Synthesis, error) {
	if err := ctx.Err(); err != nil {
		return Synthesis{}, ErrCancelled
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return Synthesis{}, &InputValidationError{Field: "text", Reason: "missing text"}
	}
	p.mu.Lock()
	p.synthesized++
	p.mu.Unlock()

	// A short 440Hz beep per rune, capped, so callers get audible feedback.
	const rate = 16000
	n := len([]rune(text)) * rate / 10
	if n > rate*3 {
		n = rate * 3
	}
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(0.2 * math.Sin(2*math.Pi*440*float64(i)/rate) * math.MaxInt16)
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return Synthesis{Audio: mockWAV(pcm, rate), MIMEType: MIMEWAV, Vendor: VendorMock}, nil
}

// Calls reports how many recognize and synthesize calls succeeded.
func (p *MockProvider) Calls() (recognized, synthesized int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recognized, p.synthesized
}

func mockWAV(pcm []byte, rate int) []byte {
	out := make([]byte, 44+len(pcm))
	copy(out[0:], "RIFF")
	binary.LittleEndian.PutUint32(out[4:], uint32(36+len(pcm)))
	copy(out[8:], "WAVEfmt ")
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], 1)
	binary.LittleEndian.PutUint16(out[22:], 1)
	binary.LittleEndian.PutUint32(out[24:], uint32(rate))
	binary.LittleEndian.PutUint32(out[28:], uint32(rate*2))
	binary.LittleEndian.PutUint16(out[32:], 2)
	binary.LittleEndian.PutUint16(out[34:], 16)
	copy(out[36:], "data")
	binary.LittleEndian.PutUint32(out[40:], uint32(len(pcm)))
	copy(out[44:], pcm)
	return out
}
