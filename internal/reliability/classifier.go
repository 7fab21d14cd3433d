package reliability

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/zrea200/epkeeper-chatbot/internal/speech"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

var networkMarkers = []string{
	"failed to fetch",
	"networkerror",
	"network request failed",
	"connection refused",
	"connection reset",
	"no such host",
	"bad handshake",
}

// IsNetworkError reports whether err is a transport-level failure with no
// structured vendor response behind it. Vendor envelopes are never network
// errors even when they arrive over a flaky link.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var biz *speech.VendorBusinessError
	if errors.As(err, &biz) {
		return false
	}
	var transport *speech.TransportError
	if errors.As(err, &transport) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range networkMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// LinearBackoff returns base*(attempt+1), the vendor-recommended wait after a
// "request too frequent" reply.
func LinearBackoff(attempt int, base time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return base * time.Duration(attempt+1)
}

// Sleep waits for d or until ctx ends, returning ctx.Err() in the latter case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
