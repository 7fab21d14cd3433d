package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zrea200/epkeeper-chatbot/internal/audit"
	"github.com/zrea200/epkeeper-chatbot/internal/speech"
)

type fakeProvider struct {
	vendor speech.Vendor

	mu       sync.Mutex
	asrCalls int
	ttsCalls int
	asrErr   error
	ttsErr   error
	text     string
	block    bool
}

func (f *fakeProvider) Vendor() speech.Vendor { return f.vendor }

func (f *fakeProvider) Recognize(ctx context.Context, _ speech.RecognizeRequest) (speech.Recognition, error) {
	f.mu.Lock()
	f.asrCalls++
	err, text, block := f.asrErr, f.text, f.block
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return speech.Recognition{}, speech.ContextError(ctx, f.vendor, "asr", time.Second)
	}
	if err != nil {
		return speech.Recognition{}, err
	}
	return speech.Recognition{Text: text}, nil
}

func (f *fakeProvider) Synthesize(_ context.Context, _ speech.SynthesizeRequest) (speech.Synthesis, error) {
	f.mu.Lock()
	f.ttsCalls++
	err := f.ttsErr
	f.mu.Unlock()
	if err != nil {
		return speech.Synthesis{}, err
	}
	return speech.Synthesis{Audio: []byte("audio-" + string(f.vendor)), MIMEType: speech.MIMEMPEG}, nil
}

func (f *fakeProvider) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.asrCalls, f.ttsCalls
}

type streamProvider struct {
	fakeProvider
	chunks [][]byte
	failAt int
}

func (s *streamProvider) SynthesizeStream(_ context.Context, _ speech.SynthesizeRequest, onChunk func([]byte) error) (speech.Synthesis, error) {
	var all []byte
	for i, c := range s.chunks {
		if i == s.failAt {
			return speech.Synthesis{}, &speech.TransportError{Vendor: s.vendor, Op: "tts", Err: errors.New("socket reset")}
		}
		if err := onChunk(c); err != nil {
			return speech.Synthesis{}, err
		}
		all = append(all, c...)
	}
	return speech.Synthesis{Audio: all, MIMEType: speech.MIMEMPEG}, nil
}

type recordingObserver struct {
	mu        sync.Mutex
	attempts  []string
	fallbacks []string
	degraded  []string
}

func (r *recordingObserver) ObserveAttempt(vendor, op, path, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, vendor+"/"+op+"/"+path+"/"+outcome)
}

func (r *recordingObserver) ObserveFallback(vendor, op, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks = append(r.fallbacks, vendor+"/"+op+"/"+reason)
}

func (r *recordingObserver) ObserveDegraded(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.degraded = append(r.degraded, op)
}

func networkErr() error {
	return &url.Error{Op: "Post", URL: "https://vop.baidu.com/server_api", Err: errors.New("Failed to fetch")}
}

func newOrchestrator(direct, proxy speech.Provider, obs Observer) *Orchestrator {
	cfg := Config{Vendor: speech.VendorBaidu, Proxy: proxy}
	if direct != nil {
		cfg.Direct = direct
	}
	return NewOrchestrator(cfg, Deps{Observer: obs})
}

func TestNetworkFailureFallsBackToProxyOnce(t *testing.T) {
	direct := &fakeProvider{vendor: speech.VendorBaidu, asrErr: networkErr()}
	proxy := &fakeProvider{vendor: speech.VendorBaidu, text: "你好"}
	obs := &recordingObserver{}
	o := newOrchestrator(direct, proxy, obs)

	out, trace, err := o.recognize(context.Background(), speech.RecognizeRequest{})
	require.NoError(t, err)
	assert.Equal(t, "你好", out.Text)
	assert.Equal(t, speech.VendorBaidu, out.Vendor)
	assert.Equal(t, []State{StateDirectAttempt, StateProxyAttempt, StateSucceeded}, trace.States)
	assert.Equal(t, PathProxy, trace.Path)

	proxyASR, _ := proxy.calls()
	assert.Equal(t, 1, proxyASR)
	assert.Equal(t, []string{"baidu/asr/network"}, obs.fallbacks)
	assert.Equal(t, []string{"baidu/asr/direct/transport", "baidu/asr/proxy/ok"}, obs.attempts)
}

func TestBusinessErrorAlsoTriesProxy(t *testing.T) {
	directErr := &speech.VendorBusinessError{Vendor: speech.VendorBaidu, Code: 3301, Message: "speech quality error"}
	proxyErr := &speech.VendorBusinessError{Vendor: speech.VendorBaidu, Code: 502, Message: "asr_failed"}
	direct := &fakeProvider{vendor: speech.VendorBaidu, asrErr: directErr}
	proxy := &fakeProvider{vendor: speech.VendorBaidu, asrErr: proxyErr}
	o := newOrchestrator(direct, proxy, nil)

	_, trace, err := o.recognize(context.Background(), speech.RecognizeRequest{})
	require.Error(t, err)
	assert.Equal(t, StateFailed, trace.Final())

	var fb *FallbackError
	require.ErrorAs(t, err, &fb)
	assert.Same(t, directErr, fb.Direct)
	assert.Same(t, proxyErr, fb.Proxy)

	var biz *speech.VendorBusinessError
	require.ErrorAs(t, err, &biz)
	assert.Equal(t, 3301, biz.Code, "direct error is surfaced first")
	assert.Contains(t, err.Error(), "asr_failed")
}

func TestFallbackErrorClassifiesByDirectFailure(t *testing.T) {
	directErr := &speech.VendorBusinessError{Vendor: speech.VendorBaidu, Code: 3301, Message: "speech quality error"}
	proxyErr := &speech.TimeoutError{Vendor: speech.VendorBaidu, Op: "asr", After: time.Second}
	o := newOrchestrator(
		&fakeProvider{vendor: speech.VendorBaidu, asrErr: directErr},
		&fakeProvider{vendor: speech.VendorBaidu, asrErr: proxyErr},
		nil,
	)

	_, _, err := o.recognize(context.Background(), speech.RecognizeRequest{})
	var fb *FallbackError
	require.ErrorAs(t, err, &fb)
	assert.Same(t, proxyErr, fb.Proxy)

	var timeout *speech.TimeoutError
	assert.False(t, errors.As(err, &timeout), "proxy timeout must not reclassify the call")
	assert.Equal(t, "vendor", speech.Kind(err))
	assert.Equal(t, 3301, speech.VendorCode(err))
}

func TestInputValidationSkipsProxy(t *testing.T) {
	direct := &fakeProvider{vendor: speech.VendorBaidu, asrErr: &speech.InputValidationError{Field: "audio", Reason: "recording too short"}}
	proxy := &fakeProvider{vendor: speech.VendorBaidu}
	o := newOrchestrator(direct, proxy, nil)

	_, trace, err := o.recognize(context.Background(), speech.RecognizeRequest{})
	var ve *speech.InputValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, []State{StateDirectAttempt, StateFailed}, trace.States)
	n, _ := proxy.calls()
	assert.Zero(t, n)
}

func TestCancellationIsTerminal(t *testing.T) {
	direct := &fakeProvider{vendor: speech.VendorBaidu, block: true}
	proxy := &fakeProvider{vendor: speech.VendorBaidu}
	o := newOrchestrator(direct, proxy, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, trace, err := o.recognize(ctx, speech.RecognizeRequest{})
	assert.ErrorIs(t, err, speech.ErrCancelled)
	assert.Equal(t, StateCancelled, trace.Final())
	n, _ := proxy.calls()
	assert.Zero(t, n)
}

func TestEndToEndTimeout(t *testing.T) {
	direct := &fakeProvider{vendor: speech.VendorBaidu, block: true}
	proxy := &fakeProvider{vendor: speech.VendorBaidu}
	o := NewOrchestrator(Config{Vendor: speech.VendorBaidu, Direct: direct, Proxy: proxy, Timeout: 30 * time.Millisecond}, Deps{})

	_, trace, err := o.recognize(context.Background(), speech.RecognizeRequest{})
	var te *speech.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StateFailed, trace.Final())
	n, _ := proxy.calls()
	assert.Zero(t, n)
}

func TestMissingDirectCredentialsUsesProxy(t *testing.T) {
	proxy := &fakeProvider{vendor: speech.VendorBaidu, text: "ok"}
	obs := &recordingObserver{}
	o := newOrchestrator(nil, proxy, obs)
	assert.False(t, o.Configured())

	out, err := o.Recognize(context.Background(), speech.RecognizeRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Text)
	assert.Equal(t, []string{"baidu/asr/configuration"}, obs.fallbacks)
}

func TestNoProxyReturnsDirectError(t *testing.T) {
	direct := &fakeProvider{vendor: speech.VendorBaidu, ttsErr: networkErr()}
	o := newOrchestrator(direct, nil, nil)

	_, trace, err := o.synthesize(context.Background(), speech.SynthesizeRequest{Text: "hi"}, nil)
	var ue *url.Error
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, []State{StateDirectAttempt, StateFailed}, trace.States)
}

func TestStreamFailureAfterChunkDoesNotFallBack(t *testing.T) {
	direct := &streamProvider{
		fakeProvider: fakeProvider{vendor: speech.VendorXunfei},
		chunks:       [][]byte{[]byte("a"), []byte("b")},
		failAt:       1,
	}
	proxy := &fakeProvider{vendor: speech.VendorXunfei}
	o := NewOrchestrator(Config{Vendor: speech.VendorXunfei, Direct: direct, Proxy: proxy}, Deps{})

	var got []string
	_, err := o.SynthesizeStream(context.Background(), speech.SynthesizeRequest{Text: "hi"}, func(c []byte) error {
		got = append(got, string(c))
		return nil
	})
	var te *speech.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, []string{"a"}, got)
	_, n := proxy.calls()
	assert.Zero(t, n)
}

func TestStreamFailureBeforeChunkFallsBack(t *testing.T) {
	direct := &streamProvider{
		fakeProvider: fakeProvider{vendor: speech.VendorXunfei},
		chunks:       [][]byte{[]byte("a")},
		failAt:       0,
	}
	proxy := &fakeProvider{vendor: speech.VendorXunfei}
	o := NewOrchestrator(Config{Vendor: speech.VendorXunfei, Direct: direct, Proxy: proxy}, Deps{})

	var got [][]byte
	out, err := o.SynthesizeStream(context.Background(), speech.SynthesizeRequest{Text: "hi"}, func(c []byte) error {
		got = append(got, c)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("audio-xunfei")}, got)
	assert.Equal(t, speech.VendorXunfei, out.Vendor)
}

func TestAttemptsAreAudited(t *testing.T) {
	store := audit.NewInMemoryStore(10)
	direct := &fakeProvider{vendor: speech.VendorBaidu, asrErr: &speech.VendorBusinessError{Vendor: speech.VendorBaidu, Code: 3307, Message: "recognition error"}}
	proxy := &fakeProvider{vendor: speech.VendorBaidu, text: "好的"}
	o := NewOrchestrator(Config{Vendor: speech.VendorBaidu, Direct: direct, Proxy: proxy}, Deps{Audit: store})

	ctx := audit.WithCaller(context.Background(), audit.Caller{RequestID: "req-1", ClientID: "kiosk"})
	_, err := o.Recognize(ctx, speech.RecognizeRequest{})
	require.NoError(t, err)

	recs, err := store.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "proxy", recs[0].Path)
	assert.Equal(t, "ok", recs[0].Outcome)
	assert.Equal(t, len("好的"), recs[0].Bytes)
	assert.Equal(t, "direct", recs[1].Path)
	assert.Equal(t, "vendor", recs[1].ErrorKind)
	assert.Equal(t, 3307, recs[1].ErrorCode)
	assert.Equal(t, "req-1", recs[1].RequestID)
	assert.Equal(t, "kiosk", recs[1].ClientID)
}

func TestGatewayStickyFailover(t *testing.T) {
	baidu := &fakeProvider{vendor: speech.VendorBaidu, ttsErr: networkErr()}
	xunfei := &fakeProvider{vendor: speech.VendorXunfei}
	g := New([]*Orchestrator{
		NewOrchestrator(Config{Vendor: speech.VendorBaidu, Direct: baidu}, Deps{}),
		NewOrchestrator(Config{Vendor: speech.VendorXunfei, Direct: xunfei}, Deps{}),
	}, nil, nil)
	assert.Equal(t, []speech.Vendor{speech.VendorBaidu, speech.VendorXunfei}, g.Order())
	assert.Equal(t, speech.VendorBaidu, g.Active())

	out, err := g.Synthesize(context.Background(), speech.SynthesizeRequest{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, speech.VendorXunfei, out.Vendor)
	assert.Equal(t, speech.VendorXunfei, g.Active())

	// The fallback stays preferred while it works.
	_, err = g.Synthesize(context.Background(), speech.SynthesizeRequest{Text: "hi"})
	require.NoError(t, err)
	_, baiduTTS := baidu.calls()
	assert.Equal(t, 1, baiduTTS)

	// When it fails the primary is retried.
	xunfei.mu.Lock()
	xunfei.ttsErr = networkErr()
	xunfei.mu.Unlock()
	baidu.mu.Lock()
	baidu.ttsErr = nil
	baidu.mu.Unlock()
	out, err = g.Synthesize(context.Background(), speech.SynthesizeRequest{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, speech.VendorBaidu, out.Vendor)
	assert.Equal(t, speech.VendorBaidu, g.Active())
}

func TestGatewayDegradedWhenEveryRouteFails(t *testing.T) {
	obs := &recordingObserver{}
	g := New([]*Orchestrator{
		NewOrchestrator(Config{Vendor: speech.VendorBaidu, Direct: &fakeProvider{vendor: speech.VendorBaidu, asrErr: networkErr()}}, Deps{}),
		NewOrchestrator(Config{Vendor: speech.VendorXunfei, Direct: &fakeProvider{vendor: speech.VendorXunfei, asrErr: &speech.VendorBusinessError{Vendor: speech.VendorXunfei, Code: 10165}}}, Deps{}),
	}, obs, nil)

	_, err := g.Recognize(context.Background(), speech.RecognizeRequest{})
	assert.ErrorIs(t, err, speech.ErrDegraded)
	var biz *speech.VendorBusinessError
	require.ErrorAs(t, err, &biz)
	assert.Equal(t, 10165, biz.Code)
	assert.Equal(t, []string{"asr"}, obs.degraded)
	assert.Equal(t, "Speech is unavailable, switching to text mode.", speech.UserMessage(err))
}

func TestGatewayStopsOnInvalidInput(t *testing.T) {
	xunfei := &fakeProvider{vendor: speech.VendorXunfei}
	g := New([]*Orchestrator{
		NewOrchestrator(Config{Vendor: speech.VendorBaidu, Direct: &fakeProvider{vendor: speech.VendorBaidu, asrErr: &speech.InputValidationError{Field: "audio", Reason: "recording too short"}}}, Deps{}),
		NewOrchestrator(Config{Vendor: speech.VendorXunfei, Direct: xunfei}, Deps{}),
	}, nil, nil)

	_, err := g.Recognize(context.Background(), speech.RecognizeRequest{})
	assert.NotErrorIs(t, err, speech.ErrDegraded)
	n, _ := xunfei.calls()
	assert.Zero(t, n)
}

func TestGatewayFailsOverWhenOnlyProxyRejectsInput(t *testing.T) {
	xunfei := &fakeProvider{vendor: speech.VendorXunfei, text: "你好"}
	g := New([]*Orchestrator{
		newOrchestrator(
			&fakeProvider{vendor: speech.VendorBaidu, asrErr: networkErr()},
			&fakeProvider{vendor: speech.VendorBaidu, asrErr: &speech.InputValidationError{Field: "proxy", Reason: "invalid_request"}},
			nil,
		),
		NewOrchestrator(Config{Vendor: speech.VendorXunfei, Direct: xunfei}, Deps{}),
	}, nil, nil)

	out, err := g.Recognize(context.Background(), speech.RecognizeRequest{})
	require.NoError(t, err)
	assert.Equal(t, speech.VendorXunfei, out.Vendor)
	n, _ := xunfei.calls()
	assert.Equal(t, 1, n)
}

func TestGatewayWithoutRoutes(t *testing.T) {
	_, err := New(nil, nil, nil).Recognize(context.Background(), speech.RecognizeRequest{})
	assert.ErrorIs(t, err, speech.ErrDegraded)
}

func TestProxyClientRecognize(t *testing.T) {
	var got proxyASRRequest
	var clientID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/asr/baidu", r.URL.Path)
		clientID = r.Header.Get("X-Client-ID")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"打开空调","success":true}`))
	}))
	defer srv.Close()

	p := NewProxyClient(srv.URL+"/", speech.VendorBaidu, nil, nil)
	ctx := audit.WithCaller(context.Background(), audit.Caller{ClientID: "kiosk-7"})
	out, err := p.Recognize(ctx, speech.RecognizeRequest{Audio: []byte{1, 2, 3}})
	require.NoError(t, err)
	assert.Equal(t, "打开空调", out.Text)
	assert.Equal(t, "wav", got.Format)
	assert.Equal(t, 16000, got.Rate)
	assert.Equal(t, 1, got.Channel)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{1, 2, 3}), got.Base64)
	assert.Equal(t, "kiosk-7", clientID)
}

func TestProxyClientSynthesize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body proxyTTSRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "escort", body.Character)
		require.NotNil(t, body.Speed)
		assert.Equal(t, 9, *body.Speed)
		w.Header().Set("Content-Type", "audio/mpeg; charset=binary")
		_, _ = w.Write([]byte("ID3"))
	}))
	defer srv.Close()

	p := NewProxyClient(srv.URL, speech.VendorXunfei, nil, nil)
	out, err := p.Synthesize(context.Background(), speech.SynthesizeRequest{Text: "hi", Character: "escort", Voice: speech.VoiceParams{Speed: speech.Int(9)}})
	require.NoError(t, err)
	assert.Equal(t, []byte("ID3"), out.Audio)
	assert.Equal(t, speech.MIMEMPEG, out.MIMEType)
}

func TestProxyClientErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{"validation", 400, `{"error":"invalid_audio","error_description":"recording too short"}`, func(t *testing.T, err error) {
			var e *speech.InputValidationError
			require.ErrorAs(t, err, &e)
			assert.Equal(t, "recording too short", e.Reason)
		}},
		{"config", 400, `{"error":"missing_config","error_description":"no keys"}`, func(t *testing.T, err error) {
			var e *speech.ConfigurationError
			require.ErrorAs(t, err, &e)
		}},
		{"timeout", 504, `{"error":"timeout","error_description":"vendor slow"}`, func(t *testing.T, err error) {
			var e *speech.TimeoutError
			require.ErrorAs(t, err, &e)
		}},
		{"vendor", 502, `{"error":"asr_failed","error_description":"3301 speech quality error"}`, func(t *testing.T, err error) {
			var e *speech.VendorBusinessError
			require.ErrorAs(t, err, &e)
			assert.Equal(t, 502, e.Code)
			assert.Contains(t, e.Message, "3301")
		}},
		{"not an envelope", 502, `<html>bad gateway</html>`, func(t *testing.T, err error) {
			var e *speech.TransportError
			require.ErrorAs(t, err, &e)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()
			_, err := NewProxyClient(srv.URL, speech.VendorBaidu, nil, nil).Recognize(context.Background(), speech.RecognizeRequest{Audio: []byte{0}})
			tt.check(t, err)
		})
	}
}

func TestProxyClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	_, err := NewProxyClient(base, speech.VendorBaidu, nil, nil).Synthesize(context.Background(), speech.SynthesizeRequest{Text: "hi"})
	var te *speech.TransportError
	require.ErrorAs(t, err, &te)
	assert.True(t, errors.Is(err, te.Err))
}
