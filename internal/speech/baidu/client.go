// Package baidu implements the Baidu REST speech vendor: OAuth2 client
// credentials, JSON recognition and form-encoded synthesis.
package baidu

import (
	"context"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/zrea200/epkeeper-chatbot/internal/credential"
	"github.com/zrea200/epkeeper-chatbot/internal/ratelimit"
	"github.com/zrea200/epkeeper-chatbot/internal/reliability"
	"github.com/zrea200/epkeeper-chatbot/internal/speech"
)

const (
	DefaultTokenURL = "https://aip.baidubce.com/oauth/2.0/token"
	DefaultASRURL   = "https://vop.baidu.com/server_api"
	DefaultTTSURL   = "https://tsn.baidu.com/text2audio"

	// codeTooFrequent is "request too frequent"; it is retried with backoff.
	codeTooFrequent = 3305
	// codeAuthFailed and the OAuth codes below mean the token is unusable.
	codeAuthFailed   = 3302
	codeTokenInvalid = 110
	codeTokenExpired = 111

	devPIDMandarin = 1537
	devPIDEnglish  = 1737
)

type Config struct {
	Credential credential.Credential
	// CUID is the device id sent with every call.
	CUID           string
	MinInterval    time.Duration
	RetryBaseDelay time.Duration
	MaxRetries     int
	// TTSCodec is the default "aue" flag: 3 mp3, 4 pcm-16k, 5 pcm-8k, 6 wav.
	TTSCodec string
	Timeout  time.Duration

	TokenURL string
	ASRURL   string
	TTSURL   string
}

func DefaultConfig() Config {
	return Config{
		CUID:           "epkeeper-chatbot",
		MinInterval:    2500 * time.Millisecond,
		RetryBaseDelay: 5 * time.Second,
		MaxRetries:     3,
		TTSCodec:       "3",
		Timeout:        30 * time.Second,
		TokenURL:       DefaultTokenURL,
		ASRURL:         DefaultASRURL,
		TTSURL:         DefaultTTSURL,
	}
}

// RetryObserver is told about every rate-limit retry.
type RetryObserver interface {
	ObserveVendorRetry(vendor, op string)
}

// Deps are shared collaborators. Nil fields are created per client.
type Deps struct {
	HTTP     *resty.Client
	Tokens   *credential.Cache
	Governor *ratelimit.Governor
	Observer RetryObserver
	Logger   *zap.Logger
}

type Client struct {
	cfg      Config
	http     *resty.Client
	tokens   *credential.Cache
	governor *ratelimit.Governor
	observer RetryObserver
	logger   *zap.Logger
}

// New validates cfg and returns a ConfigurationError when the API key or
// secret key is missing.
func New(cfg Config, deps Deps) (*Client, error) {
	def := DefaultConfig()
	cfg.Credential.Vendor = speech.VendorBaidu
	if err := cfg.Credential.Validate(false); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.CUID) == "" {
		cfg.CUID = def.CUID
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = def.MinInterval
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.TTSCodec == "" {
		cfg.TTSCodec = def.TTSCodec
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = def.TokenURL
	}
	if cfg.ASRURL == "" {
		cfg.ASRURL = def.ASRURL
	}
	if cfg.TTSURL == "" {
		cfg.TTSURL = def.TTSURL
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := deps.HTTP
	if httpClient == nil {
		httpClient = NewHTTPClient(cfg.Timeout)
	}
	tokens := deps.Tokens
	if tokens == nil {
		tokens = credential.NewCache(credential.DefaultCacheConfig(), nil, NewTokenFetcher(httpClient, cfg.TokenURL), nil, logger)
	}
	governor := deps.Governor
	if governor == nil {
		governor = ratelimit.NewGovernor(cfg.MinInterval, logger)
	}
	return &Client{
		cfg:      cfg,
		http:     httpClient,
		tokens:   tokens,
		governor: governor,
		observer: deps.Observer,
		logger:   logger.With(zap.String("vendor", string(speech.VendorBaidu))),
	}, nil
}

// NewHTTPClient returns the resty client used for Baidu endpoints.
func NewHTTPClient(timeout time.Duration) *resty.Client {
	return resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "*/*").
		SetHeader("User-Agent", "epkeeper-speech-gateway")
}

func (c *Client) Vendor() speech.Vendor { return speech.VendorBaidu }

type vendorStatus struct {
	Code    int
	Message string
}

func isTooFrequent(st vendorStatus) bool {
	return st.Code == codeTooFrequent
}

func looksRateLimited(st vendorStatus) bool {
	msg := strings.ToLower(st.Message)
	return strings.Contains(msg, "pv too much") || strings.Contains(msg, "qps")
}

// withRetry runs call under the token cache and rate governor. A 3305 reply
// waits RetryBaseDelay*(attempt+1), backdates the governor and tries again,
// at most MaxRetries times, and only while the wait fits before ctx's
// deadline.
func (c *Client) withRetry(ctx context.Context, op string, call func(ctx context.Context, token string) (vendorStatus, error)) error {
	key := string(speech.VendorBaidu) + "/" + op
	for attempt := 0; ; attempt++ {
		token, err := c.tokens.Token(ctx, c.cfg.Credential)
		if err != nil {
			if cerr := speech.ContextError(ctx, speech.VendorBaidu, op, c.cfg.Timeout); cerr != nil {
				return cerr
			}
			return err
		}
		if err := c.governor.AwaitSlot(ctx, key); err != nil {
			if cerr := speech.ContextError(ctx, speech.VendorBaidu, op, c.cfg.Timeout); cerr != nil {
				return cerr
			}
			return err
		}

		st, err := call(ctx, token)
		if err != nil {
			if cerr := speech.ContextError(ctx, speech.VendorBaidu, op, c.cfg.Timeout); cerr != nil {
				return cerr
			}
			return err
		}
		if st.Code == 0 {
			return nil
		}

		switch {
		case isTooFrequent(st):
			if attempt >= c.cfg.MaxRetries {
				return &speech.RateLimitError{Vendor: speech.VendorBaidu, Code: st.Code, Message: st.Message, Attempts: attempt + 1}
			}
			wait := reliability.LinearBackoff(attempt, c.cfg.RetryBaseDelay)
			if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < wait {
				// Sleeping would only turn the vendor's answer into a timeout.
				c.logger.Warn("vendor rate limited, backoff exceeds call budget",
					zap.String("op", op),
					zap.Int("attempt", attempt+1),
					zap.Duration("wait", wait),
				)
				return &speech.RateLimitError{Vendor: speech.VendorBaidu, Code: st.Code, Message: st.Message, Attempts: attempt + 1}
			}
			c.logger.Warn("vendor rate limited, backing off",
				zap.String("op", op),
				zap.Int("attempt", attempt+1),
				zap.Duration("wait", wait),
			)
			if c.observer != nil {
				c.observer.ObserveVendorRetry(string(speech.VendorBaidu), op)
			}
			if err := reliability.Sleep(ctx, wait); err != nil {
				return speech.ContextError(ctx, speech.VendorBaidu, op, c.cfg.Timeout)
			}
			c.governor.Backdate(key)
			continue
		case looksRateLimited(st):
			return &speech.RateLimitError{Vendor: speech.VendorBaidu, Code: st.Code, Message: st.Message, Attempts: attempt + 1}
		case st.Code == codeAuthFailed || st.Code == codeTokenInvalid || st.Code == codeTokenExpired:
			c.tokens.Invalidate(ctx, c.cfg.Credential)
		}
		return &speech.VendorBusinessError{Vendor: speech.VendorBaidu, Code: st.Code, Message: st.Message}
	}
}

func (c *Client) transportError(op string, err error) error {
	return &speech.TransportError{Vendor: speech.VendorBaidu, Op: op, Err: err}
}
