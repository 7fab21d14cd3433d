package app

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/zrea200/epkeeper-chatbot/internal/config"
	"github.com/zrea200/epkeeper-chatbot/internal/credential"
	"github.com/zrea200/epkeeper-chatbot/internal/observability"
	"github.com/zrea200/epkeeper-chatbot/internal/ratelimit"
	"github.com/zrea200/epkeeper-chatbot/internal/speech"
	"github.com/zrea200/epkeeper-chatbot/internal/speech/baidu"
	"github.com/zrea200/epkeeper-chatbot/internal/speech/xunfei"
)

// providerSet owns the vendor clients and the state they share: one token
// cache, one governor per vendor and one outbound HTTP client.
type providerSet struct {
	cfg     config.Config
	metrics *observability.Metrics
	logger  *zap.Logger

	http        *resty.Client
	fetcher     *baidu.TokenFetcher
	tokens      *credential.Cache
	baiduGov    *ratelimit.Governor
	xunfeiGov   *ratelimit.Governor
	baidu       *baidu.Client
	xunfei      *xunfei.Client
	tokenStore  string
	cleanupFunc func() error
}

func newProviderSet(ctx context.Context, cfg config.Config, metrics *observability.Metrics, logger *zap.Logger) (*providerSet, error) {
	p := &providerSet{
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger,
		http:       baidu.NewHTTPClient(cfg.RequestTimeout),
		baiduGov:   ratelimit.NewGovernor(cfg.BaiduMinInterval, logger.With(zap.String("vendor", string(speech.VendorBaidu)))),
		xunfeiGov:  ratelimit.NewGovernor(cfg.XunfeiMinInterval, logger.With(zap.String("vendor", string(speech.VendorXunfei)))),
		tokenStore: "memory",
	}
	p.fetcher = baidu.NewTokenFetcher(p.http, "")

	var store credential.Store = credential.NewMemoryStore()
	if cfg.RedisURL != "" {
		redisStore, err := credential.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("token store init failed: %w", err)
		}
		store = redisStore
		p.tokenStore = "redis"
		p.cleanupFunc = redisStore.Close
	}
	p.tokens = credential.NewCache(credential.DefaultCacheConfig(), store, p.fetcher, metrics, logger)

	if cfg.BaiduConfigured() {
		client, err := p.newBaidu(credential.Credential{ClientID: cfg.BaiduAPIKey, ClientSecret: cfg.BaiduSecretKey})
		if err != nil {
			return nil, err
		}
		p.baidu = client
	}
	if cfg.XunfeiConfigured() {
		client, err := xunfei.New(xunfei.Config{
			Credential: credential.Credential{
				AppID:        cfg.XunfeiAppID,
				ClientID:     cfg.XunfeiAPIKey,
				ClientSecret: cfg.XunfeiAPISecret,
			},
			MinInterval: cfg.XunfeiMinInterval,
			Timeout:     cfg.RequestTimeout,
		}, xunfei.Deps{Governor: p.xunfeiGov, Logger: logger})
		if err != nil {
			return nil, err
		}
		p.xunfei = client
	}
	return p, nil
}

func (p *providerSet) newBaidu(cred credential.Credential) (*baidu.Client, error) {
	return baidu.New(baidu.Config{
		Credential:     cred,
		CUID:           p.cfg.CUID,
		MinInterval:    p.cfg.BaiduMinInterval,
		RetryBaseDelay: p.cfg.BaiduRetryBaseDelay,
		MaxRetries:     p.cfg.BaiduMaxRetries,
		TTSCodec:       p.cfg.BaiduTTSCodec,
		Timeout:        p.cfg.RequestTimeout,
	}, baidu.Deps{
		HTTP:     p.http,
		Tokens:   p.tokens,
		Governor: p.baiduGov,
		Observer: p.metrics,
		Logger:   p.logger,
	})
}

// direct returns the server-credential client for vendor, or nil.
func (p *providerSet) direct(vendor speech.Vendor) speech.Provider {
	switch vendor {
	case speech.VendorBaidu:
		if p.baidu != nil {
			return p.baidu
		}
	case speech.VendorXunfei:
		if p.xunfei != nil {
			return p.xunfei
		}
	case speech.VendorMock:
		return speech.NewMockProvider()
	}
	return nil
}

// spacing is the minimum dispatch interval enforced for vendor, zero when
// the vendor is not governed.
func (p *providerSet) spacing(vendor speech.Vendor) time.Duration {
	switch vendor {
	case speech.VendorBaidu:
		return p.baiduGov.Interval()
	case speech.VendorXunfei:
		return p.xunfeiGov.Interval()
	}
	return 0
}

// provider backs the server-side proxy endpoints. Browser-supplied Baidu
// credentials get a per-request client that still shares the token cache
// and the vendor governor.
func (p *providerSet) provider(vendor speech.Vendor, override *credential.Credential) (speech.Provider, error) {
	if override != nil && vendor == speech.VendorBaidu {
		return p.newBaidu(*override)
	}
	if client := p.direct(vendor); client != nil {
		return client, nil
	}
	switch vendor {
	case speech.VendorBaidu:
		return nil, &speech.ConfigurationError{Vendor: vendor, Missing: []string{"BAIDU_API_KEY", "BAIDU_SECRET_KEY"}}
	case speech.VendorXunfei:
		return nil, &speech.ConfigurationError{Vendor: vendor, Missing: []string{"XUNFEI_APP_ID", "XUNFEI_API_KEY", "XUNFEI_API_SECRET"}}
	default:
		return nil, &speech.ConfigurationError{Vendor: vendor, Missing: []string{"vendor support"}}
	}
}

func (p *providerSet) cleanup() error {
	if p.cleanupFunc == nil {
		return nil
	}
	return p.cleanupFunc()
}
