package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	wav "github.com/youpy/go-wav"
)

// WAVHeaderSize is the size of the minimal RIFF/fmt/data header we emit.
const WAVHeaderSize = 44

// Header describes a parsed WAV container.
type Header struct {
	AudioFormat   uint16
	SampleRate    int
	Channels      int
	BitsPerSample int
	DataSize      int
}

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(WAVHeaderSize + len(pcm))
	if err := WriteWAVPCM16LETo(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVPCM16LEFile writes raw PCM16LE mono audio bytes as a WAV file.
func WriteWAVPCM16LEFile(path string, pcm []byte, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return WriteWAVPCM16LETo(f, pcm, sampleRate)
}

// WriteWAVPCM16LETo writes raw PCM16LE mono audio bytes to out as a WAV stream.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	const (
		numChannels   = 1
		bitsPerSample = 16
		audioFormat   = wav.AudioFormatPCM
	)
	if sampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm16 payload has odd length %d", len(pcm))
	}

	dataSize := uint32(len(pcm))
	byteRate := uint32(sampleRate * numChannels * bitsPerSample / 8)
	blockAlign := uint16(numChannels * bitsPerSample / 8)

	w := bufio.NewWriter(out)
	fields := []any{
		[]byte("RIFF"), uint32(36) + dataSize, []byte("WAVE"),
		[]byte("fmt "), uint32(16), uint16(audioFormat), uint16(numChannels),
		uint32(sampleRate), byteRate, blockAlign, uint16(bitsPerSample),
		[]byte("data"), dataSize,
	}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

// ParseWAVHeader reads the format chunk and data size of a WAV container.
func ParseWAVHeader(data []byte) (Header, error) {
	format, payload, err := readWAV(data)
	if err != nil {
		return Header{}, err
	}
	return Header{
		AudioFormat:   format.AudioFormat,
		SampleRate:    int(format.SampleRate),
		Channels:      int(format.NumChannels),
		BitsPerSample: int(format.BitsPerSample),
		DataSize:      len(payload),
	}, nil
}

func readWAV(data []byte) (format *wav.WavFormat, payload []byte, err error) {
	if err := checkRIFF(data); err != nil {
		return nil, nil, err
	}
	// go-riff panics on short reads it does not expect.
	defer func() {
		if r := recover(); r != nil {
			format, payload, err = nil, nil, fmt.Errorf("read wav: %v", r)
		}
	}()
	r := wav.NewReader(bytes.NewReader(data))
	format, err = r.Format()
	if err != nil {
		return nil, nil, fmt.Errorf("read wav format: %w", err)
	}
	payload, err = io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("read wav data: %w", err)
	}
	return format, payload, nil
}

// checkRIFF walks the chunk list and requires a complete fmt chunk followed
// by a data chunk. A data chunk longer than the buffer is accepted as a
// truncated stream.
func checkRIFF(data []byte) error {
	if len(data) < WAVHeaderSize || !IsWAV(data) {
		return fmt.Errorf("wav header truncated: %d bytes", len(data))
	}
	sawFmt := false
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		switch id {
		case "fmt ":
			if size < 16 || body+size > len(data) {
				return fmt.Errorf("wav fmt chunk truncated")
			}
			sawFmt = true
		case "data":
			if !sawFmt {
				return fmt.Errorf("wav data chunk before fmt chunk")
			}
			return nil
		}
		if size < 0 || body+size > len(data) {
			return fmt.Errorf("wav %q chunk truncated", id)
		}
		off = body + size + size%2
	}
	return fmt.Errorf("wav data chunk missing")
}

// IsWAV reports whether data starts with a RIFF/WAVE signature.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}
