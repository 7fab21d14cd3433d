package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/zrea200/epkeeper-chatbot/internal/speech"
)

// Config contains all runtime settings for the speech gateway.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	LogFormat        string
	AllowedOrigins   []string
	RateLimitPerMin  int
	MaxBodyBytes     int64
	// TrustProxyHeaders keys the inbound rate limit on X-Forwarded-For.
	TrustProxyHeaders bool

	ProviderOrder     []speech.Vendor
	RequestTimeout    time.Duration
	CUID              string
	VoicePresetsFile  string
	UpstreamProxyURL  string
	StreamIdleTimeout time.Duration

	BaiduAPIKey         string
	BaiduSecretKey      string
	BaiduMinInterval    time.Duration
	BaiduRetryBaseDelay time.Duration
	BaiduMaxRetries     int
	BaiduTTSCodec       string

	XunfeiAppID       string
	XunfeiAPIKey      string
	XunfeiAPISecret   string
	XunfeiMinInterval time.Duration

	RedisURL    string
	DatabaseURL string
}

// BaiduConfigured reports whether server-side Baidu credentials are set.
func (c Config) BaiduConfigured() bool {
	return c.BaiduAPIKey != "" && c.BaiduSecretKey != ""
}

// XunfeiConfigured reports whether server-side Xunfei credentials are set.
func (c Config) XunfeiConfigured() bool {
	return c.XunfeiAppID != "" && c.XunfeiAPIKey != "" && c.XunfeiAPISecret != ""
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":3001"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "speechgw"),
		LogLevel:         envOrDefault("APP_LOG_LEVEL", "info"),
		LogFormat:        envOrDefault("APP_LOG_FORMAT", "json"),
		AllowedOrigins:   splitList(envOrDefault("APP_ALLOWED_ORIGINS", "*")),
		RateLimitPerMin:  120,
		MaxBodyBytes:     10 << 20,
		ShutdownTimeout:  15 * time.Second,

		RequestTimeout:    30 * time.Second,
		StreamIdleTimeout: 2 * time.Minute,
		CUID:              envOrDefault("SPEECH_CUID", "epkeeper-chatbot"),
		VoicePresetsFile:  stringsTrimSpace("SPEECH_VOICE_PRESETS_FILE"),
		UpstreamProxyURL:  stringsTrimSpace("SPEECH_PROXY_BASE_URL"),

		BaiduAPIKey:         stringsTrimSpace("BAIDU_API_KEY"),
		BaiduSecretKey:      stringsTrimSpace("BAIDU_SECRET_KEY"),
		BaiduMinInterval:    2500 * time.Millisecond,
		BaiduRetryBaseDelay: 5 * time.Second,
		BaiduMaxRetries:     3,
		BaiduTTSCodec:       envOrDefault("BAIDU_TTS_AUE", "3"),

		XunfeiAppID:       stringsTrimSpace("XUNFEI_APP_ID"),
		XunfeiAPIKey:      stringsTrimSpace("XUNFEI_API_KEY"),
		XunfeiAPISecret:   stringsTrimSpace("XUNFEI_API_SECRET"),
		XunfeiMinInterval: 2000 * time.Millisecond,

		RedisURL:    stringsTrimSpace("REDIS_URL"),
		DatabaseURL: stringsTrimSpace("DATABASE_URL"),
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RequestTimeout, err = durationFromEnv("SPEECH_REQUEST_TIMEOUT", cfg.RequestTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.StreamIdleTimeout, err = durationFromEnv("SPEECH_STREAM_IDLE_TIMEOUT", cfg.StreamIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TrustProxyHeaders, err = boolFromEnv("APP_TRUST_PROXY_HEADERS", cfg.TrustProxyHeaders)
	if err != nil {
		return Config{}, err
	}
	cfg.RateLimitPerMin, err = intFromEnv("APP_RATE_LIMIT_PER_MINUTE", cfg.RateLimitPerMin)
	if err != nil {
		return Config{}, err
	}
	maxBody, err := intFromEnv("APP_MAX_BODY_BYTES", int(cfg.MaxBodyBytes))
	if err != nil {
		return Config{}, err
	}
	cfg.MaxBodyBytes = int64(maxBody)

	// Vendor intervals are plain millisecond counts.
	cfg.BaiduMinInterval, err = millisFromEnv("BAIDU_API_MIN_INTERVAL", cfg.BaiduMinInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.BaiduRetryBaseDelay, err = millisFromEnv("BAIDU_RETRY_BASE_DELAY", cfg.BaiduRetryBaseDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.BaiduMaxRetries, err = intFromEnv("BAIDU_MAX_RETRIES", cfg.BaiduMaxRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.XunfeiMinInterval, err = millisFromEnv("XUNFEI_API_MIN_INTERVAL", cfg.XunfeiMinInterval)
	if err != nil {
		return Config{}, err
	}

	cfg.ProviderOrder, err = parseOrder(envOrDefault("SPEECH_PROVIDER_ORDER", "baidu,xunfei"))
	if err != nil {
		return Config{}, err
	}

	if cfg.RequestTimeout < time.Second {
		return Config{}, fmt.Errorf("SPEECH_REQUEST_TIMEOUT must be at least 1s")
	}
	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("APP_MAX_BODY_BYTES must be positive")
	}
	if cfg.RateLimitPerMin < 0 {
		return Config{}, fmt.Errorf("APP_RATE_LIMIT_PER_MINUTE must be >= 0")
	}
	if cfg.BaiduMaxRetries < 0 {
		return Config{}, fmt.Errorf("BAIDU_MAX_RETRIES must be >= 0")
	}
	switch cfg.LogFormat {
	case "json", "console":
	default:
		return Config{}, fmt.Errorf("APP_LOG_FORMAT must be json or console")
	}

	return cfg, nil
}

func parseOrder(v string) ([]speech.Vendor, error) {
	var out []speech.Vendor
	seen := make(map[speech.Vendor]bool)
	for _, name := range splitList(v) {
		vendor, err := speech.ParseVendor(name)
		if err != nil {
			return nil, fmt.Errorf("SPEECH_PROVIDER_ORDER: %w", err)
		}
		if seen[vendor] {
			continue
		}
		seen[vendor] = true
		out = append(out, vendor)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("SPEECH_PROVIDER_ORDER must name at least one vendor")
	}
	return out, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func millisFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	n, err := intFromEnv(key, int(fallback/time.Millisecond))
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("%s must be >= 0", key)
	}
	return time.Duration(n) * time.Millisecond, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
