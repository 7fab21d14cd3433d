package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/zrea200/epkeeper-chatbot/internal/audio"
	"github.com/zrea200/epkeeper-chatbot/internal/audit"
	"github.com/zrea200/epkeeper-chatbot/internal/credential"
	"github.com/zrea200/epkeeper-chatbot/internal/policy"
	"github.com/zrea200/epkeeper-chatbot/internal/speech"
)

const pathServer = "server"

type asrBody struct {
	Format    string `json:"format"`
	Rate      any    `json:"rate"`
	Channel   any    `json:"channel"`
	Base64    string `json:"base64"`
	Language  string `json:"language"`
	APIKey    string `json:"apiKey"`
	SecretKey string `json:"secretKey"`
}

type asrResponse struct {
	Text    string `json:"text"`
	Success bool   `json:"success"`
	Partial bool   `json:"partial,omitempty"`
	Vendor  string `json:"vendor,omitempty"`
}

// ttsBody accepts both the vendor-native short names and the long names.
type ttsBody struct {
	Text      string `json:"text"`
	Character string `json:"character"`
	Spd       any    `json:"spd"`
	Speed     any    `json:"speed"`
	Pit       any    `json:"pit"`
	Pitch     any    `json:"pitch"`
	Vol       any    `json:"vol"`
	Volume    any    `json:"volume"`
	Per       any    `json:"per"`
	Vcn       string `json:"vcn"`
	Aue       any    `json:"aue"`
	APIKey    string `json:"apiKey"`
	SecretKey string `json:"secretKey"`
}

// apiError is a request rejected before any vendor call.
type apiError struct {
	status      int
	code        string
	description string
}

func (e *apiError) write(w http.ResponseWriter) {
	respondError(w, e.status, e.code, e.description)
}

func badRequest(code, description string) *apiError {
	return &apiError{status: http.StatusBadRequest, code: code, description: description}
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	vendor, err := speech.ParseVendor(chi.URLParam(r, "vendor"))
	if err != nil || vendor != speech.VendorBaidu {
		respondError(w, http.StatusNotFound, "unsupported_vendor", "token exchange is only available for baidu")
		return
	}
	if s.tokens == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "token exchange not configured")
		return
	}
	q := r.URL.Query()
	apiKey := firstNonEmpty(q.Get("apiKey"), s.cfg.BaiduAPIKey)
	secretKey := firstNonEmpty(q.Get("secretKey"), s.cfg.BaiduSecretKey)
	if apiKey == "" || secretKey == "" {
		respondError(w, http.StatusBadRequest, "missing_config", "apiKey and secretKey are required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	status, body, err := s.tokens.Exchange(ctx, apiKey, secretKey)
	if err != nil {
		s.logger.Warn("token exchange failed", zap.Error(err))
		respondError(w, http.StatusBadGateway, "proxy_failed", "token exchange failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (s *Server) handleASR(w http.ResponseWriter, r *http.Request) {
	vendor, ok := s.vendorParam(w, r)
	if !ok {
		return
	}
	var body asrBody
	if err := decodeJSON(r, &body); respondDecodeError(w, err) {
		return
	}
	req, apiErr := recognizeRequest(body)
	if apiErr != nil {
		apiErr.write(w)
		return
	}
	provider, err := s.provider(vendor, body.APIKey, body.SecretKey, r.URL.Query())
	if err != nil {
		s.respondSpeechError(w, "asr_failed", err)
		return
	}

	ctx, done := s.beginCall(r, "asr")
	defer done()
	start := time.Now()
	out, err := provider.Recognize(ctx, req)
	s.observe(ctx, vendor, "asr", start, err, len(out.Text), out.Partial)
	if err != nil {
		s.respondSpeechError(w, "asr_failed", err)
		return
	}
	s.logTranscript(r, out)
	respondJSON(w, http.StatusOK, asrResponse{Text: out.Text, Success: true, Partial: out.Partial, Vendor: string(vendor)})
}

func (s *Server) handleTTS(w http.ResponseWriter, r *http.Request) {
	vendor, ok := s.vendorParam(w, r)
	if !ok {
		return
	}
	var body ttsBody
	if err := decodeJSON(r, &body); respondDecodeError(w, err) {
		return
	}
	req, apiErr := s.synthesizeRequest(body)
	if apiErr != nil {
		apiErr.write(w)
		return
	}
	provider, err := s.provider(vendor, body.APIKey, body.SecretKey, r.URL.Query())
	if err != nil {
		s.respondSpeechError(w, "tts_failed", err)
		return
	}

	ctx, done := s.beginCall(r, "tts")
	defer done()
	start := time.Now()
	out, err := provider.Synthesize(ctx, req)
	s.observe(ctx, vendor, "tts", start, err, len(out.Audio), false)
	if err != nil {
		s.respondSpeechError(w, "tts_failed", err)
		return
	}
	respondAudio(w, out)
}

// handleGatewayASR runs the full fallback chain across vendors.
func (s *Server) handleGatewayASR(w http.ResponseWriter, r *http.Request) {
	if s.gateway == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "speech gateway not configured")
		return
	}
	var body asrBody
	if err := decodeJSON(r, &body); respondDecodeError(w, err) {
		return
	}
	req, apiErr := recognizeRequest(body)
	if apiErr != nil {
		apiErr.write(w)
		return
	}
	ctx, done := s.beginCall(r, "asr")
	defer done()
	out, err := s.gateway.Recognize(ctx, req)
	if err != nil {
		s.respondSpeechError(w, "asr_failed", err)
		return
	}
	s.logTranscript(r, out)
	respondJSON(w, http.StatusOK, asrResponse{Text: out.Text, Success: true, Partial: out.Partial, Vendor: string(out.Vendor)})
}

func (s *Server) handleGatewayTTS(w http.ResponseWriter, r *http.Request) {
	if s.gateway == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "speech gateway not configured")
		return
	}
	var body ttsBody
	if err := decodeJSON(r, &body); respondDecodeError(w, err) {
		return
	}
	req, apiErr := s.synthesizeRequest(body)
	if apiErr != nil {
		apiErr.write(w)
		return
	}
	ctx, done := s.beginCall(r, "tts")
	defer done()
	out, err := s.gateway.Synthesize(ctx, req)
	if err != nil {
		s.respondSpeechError(w, "tts_failed", err)
		return
	}
	respondAudio(w, out)
}

func (s *Server) vendorParam(w http.ResponseWriter, r *http.Request) (speech.Vendor, bool) {
	vendor, err := speech.ParseVendor(chi.URLParam(r, "vendor"))
	if err != nil {
		respondError(w, http.StatusNotFound, "unsupported_vendor", err.Error())
		return "", false
	}
	return vendor, true
}

// provider resolves the client for vendor. Browser-supplied credentials
// are honored for the REST vendor only, body first, then query.
func (s *Server) provider(vendor speech.Vendor, bodyKey, bodySecret string, query map[string][]string) (speech.Provider, error) {
	if s.providers == nil {
		return nil, &speech.ConfigurationError{Vendor: vendor, Missing: []string{"provider factory"}}
	}
	var override *credential.Credential
	if vendor == speech.VendorBaidu {
		q := func(k string) string {
			if v := query[k]; len(v) > 0 {
				return strings.TrimSpace(v[0])
			}
			return ""
		}
		key := firstNonEmpty(bodyKey, q("apiKey"))
		secret := firstNonEmpty(bodySecret, q("secretKey"))
		if key != "" && secret != "" {
			override = &credential.Credential{Vendor: vendor, ClientID: key, ClientSecret: secret}
		}
	}
	return s.providers(vendor, override)
}

// beginCall bounds the call by the request timeout, registers it for
// supersede by X-Client-ID and tags it for audit.
func (s *Server) beginCall(r *http.Request, op string) (context.Context, func()) {
	clientID := clientIDOf(r)
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	ctx, call, done := s.calls.Begin(ctx, clientID, op)
	if call.Supersedes != "" {
		s.logger.Info("superseded in-flight call",
			zap.String("client_id", clientID),
			zap.String("op", op),
			zap.String("call_id", call.Supersedes),
		)
	}
	ctx = audit.WithCaller(ctx, audit.Caller{RequestID: middleware.GetReqID(r.Context()), ClientID: clientID})
	return ctx, func() {
		done()
		cancel()
	}
}

func clientIDOf(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Client-ID")); id != "" {
		return id
	}
	return strings.TrimSpace(r.URL.Query().Get("client_id"))
}

// observe records a server-path call in metrics and the audit log.
func (s *Server) observe(ctx context.Context, vendor speech.Vendor, op string, start time.Time, err error, n int, partial bool) {
	elapsed := time.Since(start)
	outcome := "ok"
	switch {
	case errors.Is(err, speech.ErrCancelled):
		outcome = "cancelled"
	case err != nil:
		outcome = "error"
	}
	if s.metrics != nil {
		s.metrics.ObserveAttempt(string(vendor), op, pathServer, outcome, elapsed)
	}
	if s.audit == nil {
		return
	}
	caller := audit.CallerFrom(ctx)
	rec := audit.Record{
		ID:        uuid.NewString(),
		RequestID: caller.RequestID,
		ClientID:  caller.ClientID,
		Vendor:    string(vendor),
		Operation: op,
		Path:      pathServer,
		Outcome:   outcome,
		ErrorKind: speech.Kind(err),
		ErrorCode: speech.VendorCode(err),
		Partial:   partial,
		Bytes:     n,
		LatencyMS: elapsed.Milliseconds(),
		CreatedAt: time.Now().UTC(),
	}
	if aerr := s.audit.Append(context.WithoutCancel(ctx), rec); aerr != nil {
		s.logger.Warn("audit append failed", zap.Error(aerr))
	}
}

// respondSpeechError maps the error taxonomy onto the proxy's error codes.
// failCode is used for vendor and transport failures.
func (s *Server) respondSpeechError(w http.ResponseWriter, failCode string, err error) {
	var (
		inErr   *speech.InputValidationError
		cfgErr  *speech.ConfigurationError
		timeErr *speech.TimeoutError
		rateErr *speech.RateLimitError
	)
	msg := speech.UserMessage(err)
	switch {
	case errors.Is(err, speech.ErrCancelled):
		respondError(w, http.StatusConflict, "cancelled", msg)
	case errors.Is(err, speech.ErrDegraded):
		respondError(w, http.StatusServiceUnavailable, "degraded", msg)
	case errors.As(err, &inErr):
		respondError(w, http.StatusBadRequest, inputErrorCode(inErr), msg)
	case errors.As(err, &cfgErr):
		respondError(w, http.StatusBadRequest, "missing_config", msg)
	case errors.As(err, &timeErr):
		respondError(w, http.StatusGatewayTimeout, "timeout", msg)
	case errors.As(err, &rateErr):
		respondJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate_limited", Description: msg, VendorCode: rateErr.Code})
	default:
		s.logger.Warn("speech call failed", zap.String("code", failCode), zap.String("kind", speech.Kind(err)), zap.Error(err))
		respondJSON(w, http.StatusBadGateway, errorResponse{Error: failCode, Description: msg, VendorCode: speech.VendorCode(err)})
	}
}

func inputErrorCode(err *speech.InputValidationError) string {
	switch err.Field {
	case "text":
		return "missing_text"
	case "audio", "proxy":
		return "invalid_audio"
	default:
		return "invalid_request"
	}
}

func recognizeRequest(body asrBody) (speech.RecognizeRequest, *apiError) {
	encoded := strings.TrimSpace(body.Base64)
	if strings.HasPrefix(encoded, "data:") {
		if i := strings.Index(encoded, ","); i >= 0 {
			encoded = encoded[i+1:]
		}
	}
	if encoded == "" {
		return speech.RecognizeRequest{}, badRequest("missing_audio", "base64 audio is required")
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return speech.RecognizeRequest{}, badRequest("invalid_audio", "audio is not valid base64")
	}
	rate, err := intOr(body.Rate, 16000)
	if err != nil {
		return speech.RecognizeRequest{}, badRequest("invalid_request", "rate must be a number")
	}
	channels, err := intOr(body.Channel, 1)
	if err != nil {
		return speech.RecognizeRequest{}, badRequest("invalid_request", "channel must be a number")
	}
	req := speech.RecognizeRequest{
		Audio:      data,
		Format:     strings.ToLower(firstNonEmpty(body.Format, "wav")),
		SampleRate: rate,
		Channels:   channels,
		Language:   firstNonEmpty(body.Language, "zh"),
	}
	if _, err := audio.CheckCapture(audio.Capture{
		Data:       req.Audio,
		MIMEType:   req.Format,
		SampleRate: req.SampleRate,
		Channels:   req.Channels,
	}); err != nil {
		return speech.RecognizeRequest{}, inputError("invalid_audio", err)
	}
	if apiErr := conformWAV(&req); apiErr != nil {
		return speech.RecognizeRequest{}, apiErr
	}
	return req, nil
}

// inputError reports err's reason under code.
func inputError(code string, err error) *apiError {
	var inErr *speech.InputValidationError
	if errors.As(err, &inErr) {
		return badRequest(code, inErr.Reason)
	}
	return badRequest(code, err.Error())
}

// conformWAV transcodes a WAV upload that is not already mono PCM16 at a
// vendor rate. The declared rate picks the target; anything but 8k is 16k.
// recognizeRequest has already bounded its rate and duration.
func conformWAV(req *speech.RecognizeRequest) *apiError {
	if req.Format != "wav" || !audio.IsWAV(req.Audio) {
		return nil
	}
	target := 16000
	if req.SampleRate == 8000 {
		target = 8000
	}
	hdr, err := audio.ParseWAVHeader(req.Audio)
	if err != nil {
		return badRequest("invalid_audio", "malformed wav: "+err.Error())
	}
	if hdr.SampleRate == target && hdr.Channels == 1 && hdr.BitsPerSample == 16 {
		req.SampleRate, req.Channels = target, 1
		return nil
	}
	converted, err := audio.ToPCMWav(audio.Capture{Data: req.Audio, MIMEType: speech.MIMEWAV}, target)
	if err != nil {
		return inputError("invalid_audio", err)
	}
	req.Audio, req.SampleRate, req.Channels = converted, target, 1
	return nil
}

func (s *Server) synthesizeRequest(body ttsBody) (speech.SynthesizeRequest, *apiError) {
	text := strings.TrimSpace(body.Text)
	if text == "" {
		return speech.SynthesizeRequest{}, badRequest("missing_text", "text is required")
	}
	req := speech.SynthesizeRequest{
		Text:      text,
		Character: body.Character,
		Voice: speech.VoiceParams{
			Voice: firstNonEmpty(body.Vcn, cast.ToString(body.Per)),
			Codec: strings.TrimSpace(cast.ToString(body.Aue)),
		},
	}
	var err error
	if req.Voice.Speed, err = optionalInt(body.Spd, body.Speed); err != nil {
		return req, badRequest("invalid_request", "speed must be a number")
	}
	if req.Voice.Pitch, err = optionalInt(body.Pit, body.Pitch); err != nil {
		return req, badRequest("invalid_request", "pitch must be a number")
	}
	if req.Voice.Volume, err = optionalInt(body.Vol, body.Volume); err != nil {
		return req, badRequest("invalid_request", "volume must be a number")
	}
	return speech.ApplyPreset(req, s.presets), nil
}

func respondAudio(w http.ResponseWriter, out speech.Synthesis) {
	mime := out.MIMEType
	if mime == "" {
		mime = speech.MIMEOctet
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Content-Length", strconv.Itoa(len(out.Audio)))
	if out.Vendor != "" {
		w.Header().Set("X-Speech-Vendor", string(out.Vendor))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out.Audio)
}

// optionalInt returns the first set value among candidates as an int.
func optionalInt(candidates ...any) (*int, error) {
	for _, v := range candidates {
		if v == nil {
			continue
		}
		if str, ok := v.(string); ok && strings.TrimSpace(str) == "" {
			continue
		}
		n, err := cast.ToIntE(v)
		if err != nil {
			return nil, err
		}
		return &n, nil
	}
	return nil, nil
}

func intOr(v any, fallback int) (int, error) {
	n, err := optionalInt(v)
	if err != nil {
		return 0, err
	}
	if n == nil || *n == 0 {
		return fallback, nil
	}
	return *n, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// logTranscript keeps recognized text out of info logs and masks PII in it.
func (s *Server) logTranscript(r *http.Request, out speech.Recognition) {
	if ce := s.logger.Check(zap.DebugLevel, "recognized"); ce != nil {
		text, _ := policy.RedactPII(out.Text)
		ce.Write(
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("vendor", string(out.Vendor)),
			zap.String("text", text),
			zap.Bool("partial", out.Partial),
		)
	}
}
