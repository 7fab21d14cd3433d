package speech

import "strings"

const (
	MIMEMPEG  = "audio/mpeg"
	MIMEWAV   = "audio/wav"
	MIMEOctet = "application/octet-stream"
)

// MIMEForCodec maps a vendor output codec flag to the MIME type attached to
// synthesized bytes. Raw PCM codecs are reported as WAV because callers wrap
// them with RawPCMRate before returning.
func MIMEForCodec(codec string) string {
	switch strings.ToLower(strings.TrimSpace(codec)) {
	case "lame", "mp3", "3":
		return MIMEMPEG
	case "wav", "6":
		return MIMEWAV
	case "raw", "pcm", "4", "5":
		return MIMEWAV
	default:
		return MIMEOctet
	}
}

// RawPCMRate reports whether codec yields headerless PCM16LE and at which rate.
func RawPCMRate(codec string) (int, bool) {
	switch strings.ToLower(strings.TrimSpace(codec)) {
	case "raw", "pcm", "4":
		return 16000, true
	case "5":
		return 8000, true
	default:
		return 0, false
	}
}
