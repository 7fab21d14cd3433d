package credential

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/zrea200/epkeeper-chatbot/internal/reliability"
	"github.com/zrea200/epkeeper-chatbot/internal/speech"
)

// Fetcher performs the vendor's client-credentials exchange.
type Fetcher interface {
	FetchToken(ctx context.Context, cred Credential) (Token, error)
}

type FetcherFunc func(ctx context.Context, cred Credential) (Token, error)

func (f FetcherFunc) FetchToken(ctx context.Context, cred Credential) (Token, error) {
	return f(ctx, cred)
}

// RefreshObserver is notified after every token exchange.
type RefreshObserver interface {
	ObserveTokenRefresh(vendor string, ok bool)
}

type CacheConfig struct {
	// RefreshMargin is how long before expiry a token stops being reused.
	RefreshMargin    time.Duration
	MaxFetchAttempts int
	RetryBase        time.Duration
	RetryCap         time.Duration
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		RefreshMargin:    time.Hour,
		MaxFetchAttempts: 2,
		RetryBase:        200 * time.Millisecond,
		RetryCap:         2 * time.Second,
	}
}

// Cache returns a bearer token per credential, fetching a new one on a miss
// or when the cached one is inside the refresh margin.
type Cache struct {
	cfg      CacheConfig
	store    Store
	fetcher  Fetcher
	observer RefreshObserver
	logger   *zap.Logger
	now      func() time.Time
}

func NewCache(cfg CacheConfig, store Store, fetcher Fetcher, observer RefreshObserver, logger *zap.Logger) *Cache {
	def := DefaultCacheConfig()
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = def.RefreshMargin
	}
	if cfg.MaxFetchAttempts <= 0 {
		cfg.MaxFetchAttempts = def.MaxFetchAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = def.RetryCap
	}
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		cfg:      cfg,
		store:    store,
		fetcher:  fetcher,
		observer: observer,
		logger:   logger.With(zap.String("component", "token_cache")),
		now:      time.Now,
	}
}

// Token returns a usable bearer token for cred.
func (c *Cache) Token(ctx context.Context, cred Credential) (string, error) {
	key := cred.Key()
	tok, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("token store read failed", zap.String("credential", cred.String()), zap.Error(err))
	}
	if ok && tok.Fresh(c.now(), c.cfg.RefreshMargin) {
		return tok.Value, nil
	}

	tok, err = c.fetch(ctx, cred)
	if c.observer != nil {
		c.observer.ObserveTokenRefresh(string(cred.Vendor), err == nil)
	}
	if err != nil {
		return "", err
	}
	ttl := tok.ExpiresAt.Add(-c.cfg.RefreshMargin).Sub(c.now())
	if err := c.store.Set(ctx, key, tok, ttl); err != nil {
		c.logger.Warn("token store write failed", zap.String("credential", cred.String()), zap.Error(err))
	}
	c.logger.Info("token refreshed",
		zap.String("credential", cred.String()),
		zap.Time("expires_at", tok.ExpiresAt),
	)
	return tok.Value, nil
}

// Invalidate drops the cached token for cred so the next call refetches.
func (c *Cache) Invalidate(ctx context.Context, cred Credential) {
	if err := c.store.Delete(ctx, cred.Key()); err != nil {
		c.logger.Warn("token store delete failed", zap.String("credential", cred.String()), zap.Error(err))
	}
}

func (c *Cache) fetch(ctx context.Context, cred Credential) (Token, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxFetchAttempts; attempt++ {
		if attempt > 0 {
			if err := reliability.Sleep(ctx, reliability.ExponentialBackoff(attempt-1, c.cfg.RetryBase, c.cfg.RetryCap)); err != nil {
				break
			}
		}
		tok, err := c.fetcher.FetchToken(ctx, cred)
		if err == nil {
			if tok.IssuedAt.IsZero() {
				tok.IssuedAt = c.now()
			}
			return tok, nil
		}
		lastErr = err
		if !reliability.IsNetworkError(err) || ctx.Err() != nil {
			break
		}
	}
	return Token{}, &speech.TokenAcquisitionError{Vendor: cred.Vendor, Err: lastErr}
}
