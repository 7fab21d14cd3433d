package baidu

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cast"

	"github.com/zrea200/epkeeper-chatbot/internal/audio"
	"github.com/zrea200/epkeeper-chatbot/internal/reliability"
	"github.com/zrea200/epkeeper-chatbot/internal/speech"
)

type ttsError struct {
	ErrNo  int    `json:"err_no"`
	ErrMsg string `json:"err_msg"`
	SN     string `json:"sn"`
	Idx    int    `json:"idx"`
}

// aueFor maps a codec flag to Baidu's numeric aue. Unknown values fall back
// to the configured default.
func aueFor(codec, fallback string) string {
	switch strings.ToLower(strings.TrimSpace(codec)) {
	case "3", "mp3", "lame":
		return "3"
	case "4", "pcm", "raw":
		return "4"
	case "5":
		return "5"
	case "6", "wav":
		return "6"
	default:
		return fallback
	}
}

func clampLevel(p *int, fallback int) string {
	v := speech.IntOr(p, fallback)
	if v < 0 {
		v = 0
	}
	if v > 15 {
		v = 15
	}
	return strconv.Itoa(v)
}

func (c *Client) Synthesize(ctx context.Context, req speech.SynthesizeRequest) (speech.Synthesis, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return speech.Synthesis{}, &speech.InputValidationError{Field: "text", Reason: "missing text"}
	}
	aue := aueFor(req.Voice.Codec, aueFor(c.cfg.TTSCodec, "3"))
	per := 0
	if v, err := cast.ToIntE(req.Voice.Voice); err == nil && v >= 0 {
		per = v
	}

	form := map[string]string{
		// The form encoder escapes once more; the vendor expects tex encoded twice.
		"tex":  url.QueryEscape(text),
		"cuid": c.cfg.CUID,
		"ctp":  "1",
		"lan":  "zh",
		"spd":  clampLevel(req.Voice.Speed, 5),
		"pit":  clampLevel(req.Voice.Pitch, 5),
		"vol":  clampLevel(req.Voice.Volume, 5),
		"per":  strconv.Itoa(per),
		"aue":  aue,
	}

	var payload []byte
	err := c.withRetry(ctx, "tts", func(ctx context.Context, token string) (vendorStatus, error) {
		form["tok"] = token
		resp, err := c.http.R().
			SetContext(ctx).
			SetFormData(form).
			Post(c.cfg.TTSURL)
		if err != nil {
			return vendorStatus{}, c.transportError("tts", err)
		}
		if strings.HasPrefix(strings.ToLower(resp.Header().Get("Content-Type")), "audio/") {
			payload = resp.Body()
			return vendorStatus{}, nil
		}
		var out ttsError
		jerr := json.Unmarshal(resp.Body(), &out)
		if jerr != nil && reliability.IsRetryableHTTPStatus(resp.StatusCode()) {
			return vendorStatus{}, c.transportError("tts", fmt.Errorf("http status %d", resp.StatusCode()))
		}
		if jerr != nil || out.ErrNo == 0 {
			return vendorStatus{}, &speech.VendorBusinessError{Vendor: speech.VendorBaidu, Code: resp.StatusCode(), Message: "unexpected synthesis response"}
		}
		return vendorStatus{Code: out.ErrNo, Message: out.ErrMsg}, nil
	})
	if err != nil {
		return speech.Synthesis{}, err
	}

	if rate, raw := speech.RawPCMRate(aue); raw {
		wrapped, werr := audio.EncodeWAVPCM16LE(evenLength(payload), rate)
		if werr != nil {
			return speech.Synthesis{}, werr
		}
		payload = wrapped
	}
	return speech.Synthesis{Audio: payload, MIMEType: speech.MIMEForCodec(aue), Vendor: speech.VendorBaidu}, nil
}

func evenLength(b []byte) []byte {
	return b[:len(b)&^1]
}
