package baidu

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zrea200/epkeeper-chatbot/internal/credential"
	"github.com/zrea200/epkeeper-chatbot/internal/speech"
)

type fakeVendor struct {
	t *testing.T

	tokenCalls atomic.Int32
	asrCalls   atomic.Int32
	ttsCalls   atomic.Int32

	mu       sync.Mutex
	asrReply []string
	ttsReply func(w http.ResponseWriter, r *http.Request)
	lastASR  asrRequest
	lastForm url.Values
}

func (f *fakeVendor) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/2.0/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		if r.URL.Query().Get("client_secret") != "secret-key" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid_client","error_description":"unknown client id"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"24.abc","expires_in":2592000,"scope":"audio_voice_assistant_get"}`))
	})
	mux.HandleFunc("/server_api", func(w http.ResponseWriter, r *http.Request) {
		n := int(f.asrCalls.Add(1))
		var req asrRequest
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.lastASR = req
		reply := f.asrReply[len(f.asrReply)-1]
		if n <= len(f.asrReply) {
			reply = f.asrReply[n-1]
		}
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(reply))
	})
	mux.HandleFunc("/text2audio", func(w http.ResponseWriter, r *http.Request) {
		f.ttsCalls.Add(1)
		require.NoError(f.t, r.ParseForm())
		f.mu.Lock()
		f.lastForm = r.PostForm
		reply := f.ttsReply
		f.mu.Unlock()
		reply(w, r)
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeVendor, mutate func(*Config)) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.Credential = credential.Credential{ClientID: "api-key", ClientSecret: "secret-key"}
	cfg.TokenURL = srv.URL + "/oauth/2.0/token"
	cfg.ASRURL = srv.URL + "/server_api"
	cfg.TTSURL = srv.URL + "/text2audio"
	cfg.MinInterval = time.Millisecond
	cfg.RetryBaseDelay = 20 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg, Deps{Logger: zap.NewNop()})
	require.NoError(t, err)
	return c
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(Config{Credential: credential.Credential{ClientID: "only-key"}}, Deps{})
	var cfgErr *speech.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, speech.VendorBaidu, cfgErr.Vendor)
}

func TestRecognizeRetriesTooFrequentThenSucceeds(t *testing.T) {
	f := &fakeVendor{t: t, asrReply: []string{
		`{"err_no":3305,"err_msg":"request pv too much"}`,
		`{"err_no":3305,"err_msg":"request pv too much"}`,
		`{"err_no":0,"err_msg":"success.","result":["你好"]}`,
	}}
	c := newTestClient(t, f, nil)

	audioBytes := []byte("RIFF....WAVEfmt fake-audio-payload")
	start := time.Now()
	got, err := c.Recognize(context.Background(), speech.RecognizeRequest{Audio: audioBytes, Format: "wav", SampleRate: 16000, Language: "zh"})
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.Equal(t, "你好", got.Text)
	assert.Equal(t, int32(3), f.asrCalls.Load())
	assert.Equal(t, int32(1), f.tokenCalls.Load())

	// Backoffs of base*1 and base*2; the governor adds nothing after Backdate.
	want := 20*time.Millisecond + 40*time.Millisecond
	assert.GreaterOrEqual(t, elapsed, want)
	assert.Less(t, elapsed, want+500*time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, "24.abc", f.lastASR.Token)
	assert.Equal(t, 1537, f.lastASR.DevPID)
	assert.Equal(t, 1, f.lastASR.Channel)
	assert.Equal(t, len(audioBytes), f.lastASR.Len)
	assert.Equal(t, base64.StdEncoding.EncodeToString(audioBytes), f.lastASR.Speech)
	assert.Equal(t, "epkeeper-chatbot", f.lastASR.CUID)
}

func TestRecognizeGivesUpAfterRetryBudget(t *testing.T) {
	f := &fakeVendor{t: t, asrReply: []string{`{"err_no":3305,"err_msg":"request pv too much"}`}}
	c := newTestClient(t, f, func(cfg *Config) {
		cfg.RetryBaseDelay = time.Millisecond
	})

	_, err := c.Recognize(context.Background(), speech.RecognizeRequest{Audio: []byte{1, 2}, Language: "en"})
	var rateErr *speech.RateLimitError
	require.ErrorAs(t, err, &rateErr)
	assert.Equal(t, 4, rateErr.Attempts)
	assert.Equal(t, int32(4), f.asrCalls.Load())
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, 1737, f.lastASR.DevPID)
}

func TestRecognizeStopsRetryingWhenBackoffExceedsDeadline(t *testing.T) {
	f := &fakeVendor{t: t, asrReply: []string{`{"err_no":3305,"err_msg":"request pv too much"}`}}
	c := newTestClient(t, f, func(cfg *Config) {
		cfg.RetryBaseDelay = 100 * time.Millisecond
	})

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := c.Recognize(ctx, speech.RecognizeRequest{Audio: []byte{1, 2}})

	var rateErr *speech.RateLimitError
	require.ErrorAs(t, err, &rateErr, "an exhausted budget is a rate limit, not a timeout")
	assert.Equal(t, 3305, rateErr.Code)
	assert.Equal(t, 2, rateErr.Attempts)
	assert.Equal(t, int32(2), f.asrCalls.Load())
	assert.Less(t, time.Since(start), 250*time.Millisecond)
}

func TestRecognizeBusinessErrorIsTerminal(t *testing.T) {
	f := &fakeVendor{t: t, asrReply: []string{`{"err_no":3301,"err_msg":"speech quality error."}`}}
	c := newTestClient(t, f, nil)

	_, err := c.Recognize(context.Background(), speech.RecognizeRequest{Audio: []byte{1, 2}})
	var bizErr *speech.VendorBusinessError
	require.ErrorAs(t, err, &bizErr)
	assert.Equal(t, 3301, bizErr.Code)
	assert.Equal(t, "speech quality error.", bizErr.Message)
	assert.Equal(t, int32(1), f.asrCalls.Load())
}

func TestRecognizeValidatesInput(t *testing.T) {
	f := &fakeVendor{t: t, asrReply: []string{`{"err_no":0}`}}
	c := newTestClient(t, f, nil)

	_, err := c.Recognize(context.Background(), speech.RecognizeRequest{})
	var inErr *speech.InputValidationError
	require.ErrorAs(t, err, &inErr)

	_, err = c.Recognize(context.Background(), speech.RecognizeRequest{Audio: []byte{1}, SampleRate: 44100})
	require.ErrorAs(t, err, &inErr)
	assert.Equal(t, int32(0), f.asrCalls.Load())
}

func TestRecognizeTokenFailure(t *testing.T) {
	f := &fakeVendor{t: t, asrReply: []string{`{"err_no":0}`}}
	c := newTestClient(t, f, func(cfg *Config) {
		cfg.Credential.ClientSecret = "wrong"
	})

	_, err := c.Recognize(context.Background(), speech.RecognizeRequest{Audio: []byte{1, 2}})
	var tokErr *speech.TokenAcquisitionError
	require.ErrorAs(t, err, &tokErr)
	assert.Contains(t, tokErr.Error(), "invalid_client")
	assert.Equal(t, int32(0), f.asrCalls.Load())
}

func TestSynthesizeReturnsAudio(t *testing.T) {
	f := &fakeVendor{t: t, ttsReply: func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "audio/mp3")
		_, _ = w.Write([]byte("ID3-fake-mp3"))
	}}
	c := newTestClient(t, f, nil)

	out, err := c.Synthesize(context.Background(), speech.SynthesizeRequest{
		Text:  "欢迎光临",
		Voice: speech.VoiceParams{Speed: speech.Int(20), Volume: speech.Int(9), Voice: "4"},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("ID3-fake-mp3"), out.Audio)
	assert.Equal(t, speech.MIMEMPEG, out.MIMEType)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, url.QueryEscape("欢迎光临"), f.lastForm.Get("tex"))
	assert.Equal(t, "24.abc", f.lastForm.Get("tok"))
	assert.Equal(t, "15", f.lastForm.Get("spd"))
	assert.Equal(t, "5", f.lastForm.Get("pit"))
	assert.Equal(t, "9", f.lastForm.Get("vol"))
	assert.Equal(t, "4", f.lastForm.Get("per"))
	assert.Equal(t, "3", f.lastForm.Get("aue"))
	assert.Equal(t, "1", f.lastForm.Get("ctp"))
	assert.Equal(t, "zh", f.lastForm.Get("lan"))
}

func TestSynthesizeJSONErrorSurfacesCodeAndMessage(t *testing.T) {
	f := &fakeVendor{t: t, ttsReply: func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"err_no":501,"err_msg":"no resource","sn":"abc","idx":1}`))
	}}
	c := newTestClient(t, f, nil)

	_, err := c.Synthesize(context.Background(), speech.SynthesizeRequest{Text: "hello"})
	var bizErr *speech.VendorBusinessError
	require.ErrorAs(t, err, &bizErr)
	assert.Equal(t, 501, bizErr.Code)
	assert.Equal(t, "no resource", bizErr.Message)
	assert.Contains(t, err.Error(), "501")
	assert.Contains(t, err.Error(), "no resource")
}

func TestSynthesizeRawPCMIsWrappedAsWAV(t *testing.T) {
	f := &fakeVendor{t: t, ttsReply: func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "audio/basic;codec=pcm;rate=16000;channel=1")
		_, _ = w.Write(make([]byte, 640))
	}}
	c := newTestClient(t, f, nil)

	out, err := c.Synthesize(context.Background(), speech.SynthesizeRequest{Text: "hi", Voice: speech.VoiceParams{Codec: "pcm"}})
	require.NoError(t, err)
	assert.Equal(t, speech.MIMEWAV, out.MIMEType)
	assert.Len(t, out.Audio, 44+640)
	assert.Equal(t, "RIFF", string(out.Audio[:4]))
}

func TestSynthesizeRetriesTooFrequent(t *testing.T) {
	var n atomic.Int32
	f := &fakeVendor{t: t, ttsReply: func(w http.ResponseWriter, _ *http.Request) {
		if n.Add(1) == 1 {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"err_no":3305,"err_msg":"request pv too much"}`))
			return
		}
		w.Header().Set("Content-Type", "audio/mp3")
		_, _ = w.Write([]byte("mp3"))
	}}
	c := newTestClient(t, f, nil)

	out, err := c.Synthesize(context.Background(), speech.SynthesizeRequest{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, []byte("mp3"), out.Audio)
	assert.Equal(t, int32(2), f.ttsCalls.Load())
}

func TestSynthesizeCancelledDuringBackoff(t *testing.T) {
	f := &fakeVendor{t: t, ttsReply: func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"err_no":3305,"err_msg":"request pv too much"}`))
	}}
	c := newTestClient(t, f, func(cfg *Config) {
		cfg.RetryBaseDelay = time.Hour
	})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	_, err := c.Synthesize(ctx, speech.SynthesizeRequest{Text: "hi"})
	assert.ErrorIs(t, err, speech.ErrCancelled)
}

func TestTokenFetcherExchangeIsVerbatim(t *testing.T) {
	f := &fakeVendor{t: t}
	srv := httptest.NewServer(f.handler())
	defer srv.Close()

	fetcher := NewTokenFetcher(NewHTTPClient(time.Second), srv.URL+"/oauth/2.0/token")
	status, body, err := fetcher.Exchange(context.Background(), "api-key", "secret-key")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"access_token":"24.abc","expires_in":2592000,"scope":"audio_voice_assistant_get"}`, string(body))

	tok, err := fetcher.FetchToken(context.Background(), credential.Credential{ClientID: "api-key", ClientSecret: "secret-key"})
	require.NoError(t, err)
	assert.Equal(t, "24.abc", tok.Value)
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), tok.ExpiresAt, time.Minute)
}
