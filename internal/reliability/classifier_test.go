package reliability

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/zrea200/epkeeper-chatbot/internal/speech"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestIsNetworkError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"fetch marker", errors.New("TypeError: Failed to fetch"), true},
		{"network marker", errors.New("NetworkError when attempting to fetch resource."), true},
		{"url error", &url.Error{Op: "Post", URL: "https://vop.baidu.com/server_api", Err: errors.New("dial tcp: i/o timeout")}, true},
		{"transport", &speech.TransportError{Vendor: speech.VendorXunfei, Op: "dial", Err: errors.New("tls")}, true},
		{"business", &speech.VendorBusinessError{Vendor: speech.VendorBaidu, Code: 3301, Message: "speech quality error"}, false},
		{"wrapped business over url", fmt.Errorf("%w", &speech.VendorBusinessError{Code: 10165, Message: "invalid handle"}), false},
		{"plain", errors.New("recognition failed"), false},
	}
	for _, tc := range cases {
		if got := IsNetworkError(tc.err); got != tc.want {
			t.Fatalf("%s: IsNetworkError() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}

func TestLinearBackoff(t *testing.T) {
	base := 5 * time.Second
	for attempt, want := range []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second} {
		if got := LinearBackoff(attempt, base); got != want {
			t.Fatalf("LinearBackoff(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestSleepHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := Sleep(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("Sleep() error = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("Sleep() did not return promptly")
	}
}
