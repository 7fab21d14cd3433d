package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zrea200/epkeeper-chatbot/internal/app"
	"github.com/zrea200/epkeeper-chatbot/internal/audio"
	"github.com/zrea200/epkeeper-chatbot/internal/config"
	"github.com/zrea200/epkeeper-chatbot/internal/logging"
	"github.com/zrea200/epkeeper-chatbot/internal/protocol"
	"github.com/zrea200/epkeeper-chatbot/internal/speech"
)

type options struct {
	mode        string
	in          string
	out         string
	dump        string
	text        string
	character   string
	language    string
	rate        int
	baseURL     string
	vendor      string
	concurrency int
	timeout     time.Duration
	verbose     bool
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "speechprobe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "speechprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	fs := flag.NewFlagSet("speechprobe", flag.ContinueOnError)
	fs.StringVar(&cfg.mode, "mode", "asr", "asr|tts|stream")
	fs.StringVar(&cfg.in, "in", "", "audio file to recognize (wav or raw pcm16le)")
	fs.StringVar(&cfg.out, "out", "", "file for synthesized audio (default probe.<ext>)")
	fs.StringVar(&cfg.dump, "dump", "", "asr: also write the transcoded upload to this wav file")
	fs.StringVar(&cfg.text, "text", "", "text to synthesize")
	fs.StringVar(&cfg.character, "character", "", "voice preset name (leader|escort)")
	fs.StringVar(&cfg.language, "language", "zh", "recognition language zh|en")
	fs.IntVar(&cfg.rate, "rate", 16000, "target sample rate 8000|16000; also the rate of raw pcm input")
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:3001", "gateway server for -mode stream")
	fs.StringVar(&cfg.vendor, "vendor", "auto", "vendor for -mode stream")
	fs.IntVar(&cfg.concurrency, "concurrency", 1, "parallel calls; exercises vendor spacing")
	fs.DurationVar(&cfg.timeout, "timeout", 2*time.Minute, "overall deadline")
	fs.BoolVar(&cfg.verbose, "verbose", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.mode = strings.ToLower(strings.TrimSpace(cfg.mode))
	switch cfg.mode {
	case "asr":
		if strings.TrimSpace(cfg.in) == "" {
			return options{}, fmt.Errorf("-in is required for asr")
		}
	case "tts", "stream":
		if strings.TrimSpace(cfg.text) == "" {
			return options{}, fmt.Errorf("-text is required for %s", cfg.mode)
		}
	default:
		return options{}, fmt.Errorf("invalid -mode %q (expected asr|tts|stream)", cfg.mode)
	}
	if cfg.rate != 8000 && cfg.rate != 16000 {
		return options{}, fmt.Errorf("-rate must be 8000 or 16000")
	}
	if cfg.concurrency < 1 || cfg.concurrency > 16 {
		return options{}, fmt.Errorf("-concurrency must be in [1,16]")
	}
	if cfg.timeout < time.Second {
		cfg.timeout = time.Second
	}
	return cfg, nil
}

func run(opts options) error {
	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	if opts.mode == "stream" {
		return runStream(ctx, opts)
	}

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	level := "warn"
	if opts.verbose {
		level = "debug"
	}
	logger, err := logging.New(level, "console")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	built, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = built.Cleanup() }()

	if opts.mode == "asr" {
		return runASR(ctx, opts, built, logger)
	}
	return runTTS(ctx, opts, built)
}

func runASR(ctx context.Context, opts options, built *app.BuildResult, logger *zap.Logger) error {
	raw, err := os.ReadFile(opts.in)
	if err != nil {
		return err
	}
	capture := audio.Capture{Data: raw, MIMEType: mimeForPath(opts.in), SampleRate: opts.rate, Channels: 1}
	wav, err := audio.ToPCMWav(capture, opts.rate)
	if err != nil {
		return fmt.Errorf("transcode %s: %s", opts.in, speech.UserMessage(err))
	}
	logger.Debug("transcoded capture", zap.Int("in_bytes", len(raw)), zap.Int("out_bytes", len(wav)))
	if opts.dump != "" {
		pcm, err := audio.ExtractPCM(wav, opts.rate)
		if err != nil {
			return err
		}
		if err := audio.WriteWAVPCM16LEFile(opts.dump, pcm, opts.rate); err != nil {
			return fmt.Errorf("dump transcoded capture: %w", err)
		}
	}

	req := speech.RecognizeRequest{Audio: wav, Format: "wav", SampleRate: opts.rate, Channels: 1, Language: opts.language}
	results := make([]speech.Recognition, opts.concurrency)
	g, gctx := errgroup.WithContext(ctx)
	for i := range results {
		g.Go(func() error {
			out, err := built.Gateway.Recognize(gctx, req)
			if err != nil {
				return fmt.Errorf("call %d: %s (%w)", i+1, speech.UserMessage(err), err)
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i, out := range results {
		partial := ""
		if out.Partial {
			partial = " (partial)"
		}
		fmt.Printf("[%d] %s: %s%s\n", i+1, out.Vendor, out.Text, partial)
	}
	return nil
}

func runTTS(ctx context.Context, opts options, built *app.BuildResult) error {
	req := speech.SynthesizeRequest{Text: opts.text, Character: opts.character}
	var (
		mu    sync.Mutex
		first speech.Synthesis
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.concurrency; i++ {
		g.Go(func() error {
			out, err := built.Gateway.Synthesize(gctx, req)
			if err != nil {
				return fmt.Errorf("call %d: %s (%w)", i+1, speech.UserMessage(err), err)
			}
			mu.Lock()
			if first.Audio == nil {
				first = out
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	path := outputPath(opts.out, first.MIMEType)
	if err := os.WriteFile(path, first.Audio, 0o644); err != nil {
		return err
	}
	fmt.Printf("%s: wrote %d bytes of %s to %s\n", first.Vendor, len(first.Audio), first.MIMEType, path)
	return nil
}

// runStream drives a running gateway's TTS socket and writes the chunks
// to a file as they arrive.
func runStream(ctx context.Context, opts options) error {
	wsURL, err := streamURL(opts.baseURL, opts.vendor)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	requestID := fmt.Sprintf("probe-%d", time.Now().UnixNano())
	if err := conn.WriteJSON(protocol.Synthesize{
		Type:      protocol.TypeSynthesize,
		RequestID: requestID,
		Text:      opts.text,
		Character: opts.character,
	}); err != nil {
		return err
	}

	var (
		sink    io.WriteCloser
		tmpPath string
		start   = time.Now()
		first   time.Duration
	)
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("ws read: %w", err)
		}
		if kind == websocket.BinaryMessage {
			if sink == nil {
				first = time.Since(start)
				tmpPath = outputPath(opts.out, "") + ".part"
				if sink, err = os.Create(tmpPath); err != nil {
					return err
				}
				defer sink.Close()
			}
			if _, err := sink.Write(data); err != nil {
				return err
			}
			continue
		}
		msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			return err
		}
		switch ev := msg.(type) {
		case protocol.Done:
			if sink == nil {
				return fmt.Errorf("stream finished without audio")
			}
			if err := sink.Close(); err != nil {
				return err
			}
			path := outputPath(opts.out, ev.MIME)
			if err := os.Rename(tmpPath, path); err != nil {
				return err
			}
			fmt.Printf("%s: %d chunks, %d bytes, first audio after %s, wrote %s\n", ev.Vendor, ev.Chunks, ev.Bytes, first.Round(time.Millisecond), path)
			return nil
		case protocol.ErrorEvent:
			return fmt.Errorf("stream error %s: %s", ev.Code, ev.Detail)
		case protocol.Superseded:
			return fmt.Errorf("stream superseded by %s", ev.By)
		}
	}
}

func streamURL(baseURL, vendor string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	if strings.TrimSpace(vendor) == "" {
		vendor = "auto"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/tts/" + url.PathEscape(vendor) + "/stream"
	return u.String(), nil
}

func mimeForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav", ".wave":
		return speech.MIMEWAV
	case ".pcm", ".raw":
		return "audio/pcm"
	}
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return ""
}

func outputPath(explicit, mimeType string) string {
	if strings.TrimSpace(explicit) != "" {
		return explicit
	}
	switch mimeType {
	case speech.MIMEMPEG:
		return "probe.mp3"
	case speech.MIMEWAV:
		return "probe.wav"
	default:
		return "probe.bin"
	}
}
