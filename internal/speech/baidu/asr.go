package baidu

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/zrea200/epkeeper-chatbot/internal/reliability"
	"github.com/zrea200/epkeeper-chatbot/internal/speech"
)

type asrRequest struct {
	Format  string `json:"format"`
	Rate    int    `json:"rate"`
	Channel int    `json:"channel"`
	CUID    string `json:"cuid"`
	Token   string `json:"token"`
	Speech  string `json:"speech"`
	Len     int    `json:"len"`
	DevPID  int    `json:"dev_pid"`
}

type asrResponse struct {
	ErrNo    int      `json:"err_no"`
	ErrMsg   string   `json:"err_msg"`
	SN       string   `json:"sn"`
	CorpusNo string   `json:"corpus_no"`
	Result   []string `json:"result"`
}

// DevPID maps a language tag to the recognition model id.
func DevPID(language string) int {
	if strings.EqualFold(strings.TrimSpace(language), "en") {
		return devPIDEnglish
	}
	return devPIDMandarin
}

func (c *Client) Recognize(ctx context.Context, req speech.RecognizeRequest) (speech.Recognition, error) {
	if len(req.Audio) == 0 {
		return speech.Recognition{}, &speech.InputValidationError{Field: "audio", Reason: "missing audio"}
	}
	format := strings.ToLower(strings.TrimSpace(req.Format))
	switch format {
	case "":
		format = "wav"
	case "wav", "pcm", "amr", "m4a":
	default:
		return speech.Recognition{}, &speech.InputValidationError{Field: "format", Reason: fmt.Sprintf("unsupported format %q", req.Format)}
	}
	rate := req.SampleRate
	if rate == 0 {
		rate = 16000
	}
	if rate != 8000 && rate != 16000 {
		return speech.Recognition{}, &speech.InputValidationError{Field: "rate", Reason: fmt.Sprintf("rate must be 8000 or 16000, got %d", rate)}
	}

	body := asrRequest{
		Format:  format,
		Rate:    rate,
		Channel: 1,
		CUID:    c.cfg.CUID,
		Speech:  base64.StdEncoding.EncodeToString(req.Audio),
		Len:     len(req.Audio),
		DevPID:  DevPID(req.Language),
	}

	var text string
	err := c.withRetry(ctx, "asr", func(ctx context.Context, token string) (vendorStatus, error) {
		body.Token = token
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(body).
			Post(c.cfg.ASRURL)
		if err != nil {
			return vendorStatus{}, c.transportError("asr", err)
		}
		var out asrResponse
		if jerr := json.Unmarshal(resp.Body(), &out); jerr != nil {
			if reliability.IsRetryableHTTPStatus(resp.StatusCode()) {
				return vendorStatus{}, c.transportError("asr", fmt.Errorf("http status %d", resp.StatusCode()))
			}
			return vendorStatus{}, &speech.VendorBusinessError{Vendor: speech.VendorBaidu, Code: resp.StatusCode(), Message: "malformed recognition response"}
		}
		if out.ErrNo != 0 {
			c.logger.Warn("recognition error",
				zap.Int("err_no", out.ErrNo),
				zap.String("err_msg", out.ErrMsg),
				zap.String("sn", out.SN),
			)
			return vendorStatus{Code: out.ErrNo, Message: out.ErrMsg}, nil
		}
		if len(out.Result) > 0 {
			text = out.Result[0]
		}
		return vendorStatus{}, nil
	})
	if err != nil {
		return speech.Recognition{}, err
	}
	return speech.Recognition{Text: text, Vendor: speech.VendorBaidu}, nil
}
