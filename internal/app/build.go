package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zrea200/epkeeper-chatbot/internal/audit"
	"github.com/zrea200/epkeeper-chatbot/internal/config"
	"github.com/zrea200/epkeeper-chatbot/internal/gateway"
	"github.com/zrea200/epkeeper-chatbot/internal/httpapi"
	"github.com/zrea200/epkeeper-chatbot/internal/observability"
	"github.com/zrea200/epkeeper-chatbot/internal/session"
	"github.com/zrea200/epkeeper-chatbot/internal/speech"
)

// RouteInfo summarizes one vendor route for the startup log.
type RouteInfo struct {
	Vendor string
	Direct bool
	Proxy  bool
	// MinInterval is the vendor's dispatch spacing.
	MinInterval time.Duration
}

type BuildResult struct {
	Config  config.Config
	API     *httpapi.Server
	Gateway *gateway.Gateway
	Calls   *session.Registry
	Metrics *observability.Metrics
	Audit   audit.Store
	Routes  []RouteInfo
	// TokenStore is "memory" or "redis".
	TokenStore string

	// Cleanup should be called on shutdown to release external resources (DB, Redis).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace, nil)

	presets := speech.DefaultPresets()
	if cfg.VoicePresetsFile != "" {
		loaded, err := config.LoadVoicePresets(cfg.VoicePresetsFile)
		if err != nil {
			return nil, err
		}
		presets = loaded
	}

	auditStore, err := audit.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("audit store init failed: %w", err)
	}

	providers, err := newProviderSet(ctx, cfg, metrics, logger)
	if err != nil {
		_ = auditStore.Close()
		return nil, err
	}

	routes := make([]*gateway.Orchestrator, 0, len(cfg.ProviderOrder))
	infos := make([]RouteInfo, 0, len(cfg.ProviderOrder))
	for _, vendor := range cfg.ProviderOrder {
		var proxy speech.Provider
		if cfg.UpstreamProxyURL != "" && vendor != speech.VendorMock {
			proxy = gateway.NewProxyClient(cfg.UpstreamProxyURL, vendor, nil, logger)
		}
		direct := providers.direct(vendor)
		routes = append(routes, gateway.NewOrchestrator(gateway.Config{
			Vendor:  vendor,
			Direct:  direct,
			Proxy:   proxy,
			Timeout: cfg.RequestTimeout,
		}, gateway.Deps{
			Observer: metrics,
			Audit:    auditStore,
			Logger:   logger,
		}))
		infos = append(infos, RouteInfo{
			Vendor:      string(vendor),
			Direct:      direct != nil,
			Proxy:       proxy != nil,
			MinInterval: providers.spacing(vendor),
		})
	}
	gw := gateway.New(routes, metrics, logger)

	calls := session.NewRegistry(cfg.RequestTimeout + cfg.RequestTimeout/2)
	calls.SetExpireHook(func(c session.Call) {
		logger.Warn("expired in-flight speech call",
			zap.String("call_id", c.ID),
			zap.String("client_id", c.ClientID),
			zap.String("op", c.Operation),
		)
	})

	api := httpapi.New(cfg, httpapi.Deps{
		Providers: providers.provider,
		Tokens:    providers.fetcher,
		Gateway:   gw,
		Calls:     calls,
		Metrics:   metrics,
		Audit:     auditStore,
		Presets:   presets,
		Logger:    logger,
	})

	cleanup := func() error {
		return errors.Join(providers.cleanup(), auditStore.Close())
	}

	return &BuildResult{
		Config:     cfg,
		API:        api,
		Gateway:    gw,
		Calls:      calls,
		Metrics:    metrics,
		Audit:      auditStore,
		Routes:     infos,
		TokenStore: providers.tokenStore,
		Cleanup:    cleanup,
	}, nil
}
