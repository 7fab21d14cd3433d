package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zrea200/epkeeper-chatbot/internal/audit"
	"github.com/zrea200/epkeeper-chatbot/internal/config"
	"github.com/zrea200/epkeeper-chatbot/internal/credential"
	"github.com/zrea200/epkeeper-chatbot/internal/gateway"
	"github.com/zrea200/epkeeper-chatbot/internal/observability"
	"github.com/zrea200/epkeeper-chatbot/internal/policy"
	"github.com/zrea200/epkeeper-chatbot/internal/session"
	"github.com/zrea200/epkeeper-chatbot/internal/speech"
)

// ProviderFactory returns the server-side client for vendor. A nil override
// means the server's own credentials; a ConfigurationError means none exist.
type ProviderFactory func(vendor speech.Vendor, override *credential.Credential) (speech.Provider, error)

// TokenExchanger performs the raw OAuth exchange for the token proxy.
type TokenExchanger interface {
	Exchange(ctx context.Context, apiKey, secretKey string) (int, []byte, error)
}

type Deps struct {
	Providers ProviderFactory
	Tokens    TokenExchanger
	Gateway   *gateway.Gateway
	Calls     *session.Registry
	Metrics   *observability.Metrics
	Audit     audit.Store
	Presets   map[string]speech.VoicePreset
	Logger    *zap.Logger
}

type Server struct {
	cfg       config.Config
	providers ProviderFactory
	tokens    TokenExchanger
	gateway   *gateway.Gateway
	calls     *session.Registry
	metrics   *observability.Metrics
	audit     audit.Store
	presets   map[string]speech.VoicePreset
	logger    *zap.Logger
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = gateway.DefaultTimeout
	}
	if cfg.StreamIdleTimeout <= 0 {
		cfg.StreamIdleTimeout = 2 * time.Minute
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	calls := deps.Calls
	if calls == nil {
		calls = session.NewRegistry(0)
	}
	presets := deps.Presets
	if presets == nil {
		presets = speech.DefaultPresets()
	}
	s := &Server{
		cfg:       cfg,
		providers: deps.Providers,
		tokens:    deps.Tokens,
		gateway:   deps.Gateway,
		calls:     calls,
		metrics:   deps.Metrics,
		audit:     deps.Audit,
		presets:   presets,
		logger:    logger.With(zap.String("component", "httpapi")),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 16384,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if s.cfg.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:     s.allowedOrigins(),
		AllowedMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:     []string{"Accept", "Authorization", "Content-Type", "X-Client-ID", "X-Request-Id"},
		ExposedHeaders:     []string{"X-Request-Id", "X-Speech-Vendor"},
		MaxAge:             300,
		OptionsPassthrough: true,
	}))
	r.Use(preflightNoContent)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(s.logRequests)
		if s.cfg.RateLimitPerMin > 0 {
			r.Use(httprate.Limit(s.cfg.RateLimitPerMin, time.Minute,
				httprate.WithKeyFuncs(s.rateLimitKey),
				httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
					respondError(w, http.StatusTooManyRequests, "rate_limited", "too many requests, slow down")
				}),
			))
		}
		r.Use(s.limitBody)

		r.Get("/health", s.handleAPIHealth)
		r.Get("/speech/status", s.handleSpeechStatus)
		r.Post("/speech/asr", s.handleGatewayASR)
		r.Post("/speech/tts", s.handleGatewayTTS)
		r.Get("/perf/latency", s.handlePerfLatency)
		r.Get("/calls/recent", s.handleRecentCalls)
		r.Post("/calls/{clientID}/cancel", s.handleCancelCall)

		r.Get("/{vendor}/token", s.handleToken)
		r.Post("/asr/{vendor}", s.handleASR)
		r.Post("/tts/{vendor}", s.handleTTS)
		r.Get("/tts/{vendor}/stream", s.handleTTSStream)

		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			respondError(w, http.StatusNotFound, "api_not_found", "no API route for "+r.Method+" "+r.URL.Path)
		})
		r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
			respondError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" is not allowed on "+r.URL.Path)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"active_calls": s.calls.ActiveCount(),
	})
}

// handleReady reports not ready while no vendor route has any usable path.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	usable := 0
	if s.gateway != nil {
		for _, v := range s.gateway.Order() {
			if route := s.gateway.Route(v); route != nil && (route.Configured() || route.HasProxy()) {
				usable++
			}
		}
	}
	status, code := "ready", http.StatusOK
	if usable == 0 {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]any{
		"status":        status,
		"usable_routes": usable,
	})
}

func (s *Server) handleAPIHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) allowedOrigins() []string {
	if len(s.cfg.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return s.cfg.AllowedOrigins
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// Non-browser clients often omit Origin.
		return true
	}
	for _, allowed := range s.allowedOrigins() {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (s *Server) rateLimitKey(r *http.Request) (string, error) {
	if s.cfg.TrustProxyHeaders {
		return httprate.KeyByRealIP(r)
	}
	return httprate.KeyByIP(r)
}

// preflightNoContent answers CORS preflights after the cors middleware has
// set its headers.
func preflightNoContent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.MaxBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// logRequests writes one line per API call. The query string is redacted
// because the token route carries vendor secrets in it.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		fields := []zap.Field{
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("latency", time.Since(start)),
		}
		if r.URL.RawQuery != "" {
			fields = append(fields, zap.String("query", policy.RedactSecrets(r.URL.RawQuery)))
		}
		if ww.Status() >= http.StatusInternalServerError {
			s.logger.Warn("api request", fields...)
			return
		}
		s.logger.Info("api request", fields...)
	})
}

type errorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
	VendorCode  int    `json:"vendor_code,omitempty"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, description string) {
	respondJSON(w, status, errorResponse{Error: code, Description: description})
}

// respondDecodeError handles a failed decodeJSON. Empty bodies decode to
// the zero request and are reported by field validation instead.
func respondDecodeError(w http.ResponseWriter, err error) bool {
	if err == nil || errors.Is(err, errEmptyBody) {
		return false
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		respondError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds the size limit")
		return true
	}
	respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	return true
}
