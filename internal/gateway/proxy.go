package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/zrea200/epkeeper-chatbot/internal/audit"
	"github.com/zrea200/epkeeper-chatbot/internal/speech"
)

// ProxyClient calls the speech endpoints of a hosting server, which holds
// the vendor secrets and re-issues the request on the caller's behalf.
type ProxyClient struct {
	vendor speech.Vendor
	base   string
	http   *resty.Client
	logger *zap.Logger
}

type proxyASRRequest struct {
	Format   string `json:"format"`
	Rate     int    `json:"rate"`
	Channel  int    `json:"channel"`
	Base64   string `json:"base64"`
	Language string `json:"language,omitempty"`
}

type proxyASRResponse struct {
	Text    string `json:"text"`
	Success bool   `json:"success"`
	Partial bool   `json:"partial,omitempty"`
}

type proxyTTSRequest struct {
	Text      string `json:"text"`
	Character string `json:"character,omitempty"`
	Voice     string `json:"vcn,omitempty"`
	Speed     *int   `json:"speed,omitempty"`
	Pitch     *int   `json:"pitch,omitempty"`
	Volume    *int   `json:"volume,omitempty"`
	Codec     string `json:"aue,omitempty"`
}

type proxyError struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

func NewProxyClient(baseURL string, vendor speech.Vendor, httpClient *resty.Client, logger *zap.Logger) *ProxyClient {
	if httpClient == nil {
		httpClient = resty.New().SetTimeout(DefaultTimeout)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProxyClient{
		vendor: vendor,
		base:   strings.TrimRight(baseURL, "/"),
		http:   httpClient,
		logger: logger.With(zap.String("component", "proxy_client"), zap.String("vendor", string(vendor))),
	}
}

func (p *ProxyClient) Vendor() speech.Vendor { return p.vendor }

func (p *ProxyClient) Recognize(ctx context.Context, req speech.RecognizeRequest) (speech.Recognition, error) {
	body := proxyASRRequest{
		Format:   req.Format,
		Rate:     req.SampleRate,
		Channel:  req.Channels,
		Base64:   base64.StdEncoding.EncodeToString(req.Audio),
		Language: req.Language,
	}
	if body.Format == "" {
		body.Format = "wav"
	}
	if body.Rate == 0 {
		body.Rate = 16000
	}
	if body.Channel == 0 {
		body.Channel = 1
	}

	resp, err := p.request(ctx).
		SetBody(body).
		Post(p.base + "/api/asr/" + string(p.vendor))
	if err != nil {
		return speech.Recognition{}, p.transportError(ctx, "asr", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return speech.Recognition{}, p.decodeError(resp)
	}
	var out proxyASRResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return speech.Recognition{}, &speech.TransportError{Vendor: p.vendor, Op: "asr", Err: fmt.Errorf("decode proxy response: %w", err)}
	}
	return speech.Recognition{Text: out.Text, Vendor: p.vendor, Partial: out.Partial}, nil
}

func (p *ProxyClient) Synthesize(ctx context.Context, req speech.SynthesizeRequest) (speech.Synthesis, error) {
	body := proxyTTSRequest{
		Text:      req.Text,
		Character: req.Character,
		Voice:     req.Voice.Voice,
		Speed:     req.Voice.Speed,
		Pitch:     req.Voice.Pitch,
		Volume:    req.Voice.Volume,
		Codec:     req.Voice.Codec,
	}
	resp, err := p.request(ctx).
		SetBody(body).
		Post(p.base + "/api/tts/" + string(p.vendor))
	if err != nil {
		return speech.Synthesis{}, p.transportError(ctx, "tts", err)
	}
	ct := resp.Header().Get("Content-Type")
	if resp.StatusCode() == http.StatusOK && strings.HasPrefix(ct, "audio/") {
		mime := ct
		if i := strings.Index(mime, ";"); i >= 0 {
			mime = strings.TrimSpace(mime[:i])
		}
		return speech.Synthesis{Audio: resp.Body(), MIMEType: mime, Vendor: p.vendor}, nil
	}
	return speech.Synthesis{}, p.decodeError(resp)
}

func (p *ProxyClient) transportError(ctx context.Context, op string, err error) error {
	if cerr := speech.ContextError(ctx, p.vendor, op, DefaultTimeout); cerr != nil {
		return cerr
	}
	return &speech.TransportError{Vendor: p.vendor, Op: op, Err: err}
}

// decodeError maps the server's {error, error_description} envelope back
// onto the taxonomy. A body that is not the envelope, such as a load
// balancer page, is a transport failure.
func (p *ProxyClient) decodeError(resp *resty.Response) error {
	var env proxyError
	if err := json.Unmarshal(resp.Body(), &env); err != nil || env.Error == "" {
		return &speech.TransportError{Vendor: p.vendor, Op: "proxy", Err: fmt.Errorf("unexpected proxy response status %d", resp.StatusCode())}
	}
	p.logger.Debug("proxy returned error", zap.Int("status", resp.StatusCode()), zap.String("error", env.Error))
	switch env.Error {
	case "missing_audio", "invalid_audio", "missing_text", "invalid_request":
		return &speech.InputValidationError{Field: "proxy", Reason: env.Description}
	case "missing_config":
		return &speech.ConfigurationError{Vendor: p.vendor, Missing: []string{"server credentials"}}
	case "timeout":
		return &speech.TimeoutError{Vendor: p.vendor, Op: "proxy", After: DefaultTimeout}
	case "rate_limited":
		return &speech.RateLimitError{Vendor: p.vendor, Code: resp.StatusCode(), Message: env.Description, Attempts: 1}
	default:
		return &speech.VendorBusinessError{Vendor: p.vendor, Code: resp.StatusCode(), Message: env.Error + ": " + env.Description}
	}
}

// request carries the caller's client id so the server can supersede its
// previous call.
func (p *ProxyClient) request(ctx context.Context) *resty.Request {
	r := p.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json")
	if id := audit.CallerFrom(ctx).ClientID; id != "" {
		r.SetHeader("X-Client-ID", id)
	}
	return r
}
