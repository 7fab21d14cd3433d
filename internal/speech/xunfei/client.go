// Package xunfei implements the Xunfei WebSocket speech vendor.
package xunfei

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zrea200/epkeeper-chatbot/internal/credential"
	"github.com/zrea200/epkeeper-chatbot/internal/ratelimit"
	"github.com/zrea200/epkeeper-chatbot/internal/speech"
)

const (
	DefaultASRURL = "wss://iat.xf-yun.com/v1"
	DefaultTTSURL = "wss://tts-api.xfyun.cn/v2/tts"

	// FrameBytes is 40ms of 16kHz mono PCM16.
	FrameBytes = 1280

	statusFirst    = 0
	statusContinue = 1
	statusLast     = 2
)

type Config struct {
	Credential  credential.Credential
	MinInterval time.Duration
	// Timeout bounds a whole recognition; for synthesis it is an idle
	// timeout that restarts on every received frame.
	Timeout       time.Duration
	FrameInterval time.Duration
	ASRURL        string
	TTSURL        string
}

func DefaultConfig() Config {
	return Config{
		MinInterval:   2000 * time.Millisecond,
		Timeout:       30 * time.Second,
		FrameInterval: 40 * time.Millisecond,
		ASRURL:        DefaultASRURL,
		TTSURL:        DefaultTTSURL,
	}
}

type Deps struct {
	Dialer   *websocket.Dialer
	Governor *ratelimit.Governor
	Logger   *zap.Logger
}

type Client struct {
	cfg      Config
	dialer   *websocket.Dialer
	governor *ratelimit.Governor
	logger   *zap.Logger
	now      func() time.Time
}

// New returns a ConfigurationError unless app id, api key and api secret
// are all present.
func New(cfg Config, deps Deps) (*Client, error) {
	def := DefaultConfig()
	cfg.Credential.Vendor = speech.VendorXunfei
	if err := cfg.Credential.Validate(true); err != nil {
		return nil, err
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = def.MinInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.FrameInterval < 0 {
		cfg.FrameInterval = 0
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
	dialer := deps.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	governor := deps.Governor
	if governor == nil {
		governor = ratelimit.NewGovernor(cfg.MinInterval, logger)
	}
	return &Client{
		cfg:      cfg,
		dialer:   dialer,
		governor: governor,
		logger:   logger.With(zap.String("vendor", string(speech.VendorXunfei))),
		now:      time.Now,
	}, nil
}

func (c *Client) Vendor() speech.Vendor { return speech.VendorXunfei }

// dial waits for a governor slot and opens a signed connection to endpoint.
func (c *Client) dial(ctx context.Context, op, endpoint string) (*websocket.Conn, error) {
	if err := c.governor.AwaitSlot(ctx, string(speech.VendorXunfei)+"/"+op); err != nil {
		return nil, c.contextError(ctx, op, err)
	}
	signed, err := SignURL(endpoint, c.cfg.Credential.ClientID, c.cfg.Credential.ClientSecret, c.now())
	if err != nil {
		return nil, &speech.ConfigurationError{Vendor: speech.VendorXunfei, Missing: []string{"valid " + op + " endpoint"}}
	}
	conn, resp, err := c.dialer.DialContext(ctx, signed, nil)
	if err != nil {
		if cerr := speech.ContextError(ctx, speech.VendorXunfei, op, c.cfg.Timeout); cerr != nil {
			return nil, cerr
		}
		if resp != nil {
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, &speech.VendorBusinessError{Vendor: speech.VendorXunfei, Code: resp.StatusCode, Message: "handshake rejected: check api key and secret"}
			}
			err = fmt.Errorf("%w (handshake status %d)", err, resp.StatusCode)
		}
		return nil, &speech.TransportError{Vendor: speech.VendorXunfei, Op: op, Err: err}
	}
	return conn, nil
}

func (c *Client) contextError(ctx context.Context, op string, err error) error {
	if cerr := speech.ContextError(ctx, speech.VendorXunfei, op, c.cfg.Timeout); cerr != nil {
		return cerr
	}
	return err
}
