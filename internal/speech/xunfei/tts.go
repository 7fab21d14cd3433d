package xunfei

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zrea200/epkeeper-chatbot/internal/audio"
	"github.com/zrea200/epkeeper-chatbot/internal/speech"
)

const (
	DefaultVoice  = "xiaoyan"
	DefaultCodec  = "lame"
	defaultLevel  = 50
	rawPCMFormat  = "audio/L16;rate=16000"
	maxTextLength = 8000
)

type ttsFrame struct {
	Common   ttsCommon   `json:"common"`
	Business ttsBusiness `json:"business"`
	Data     ttsData     `json:"data"`
}

type ttsCommon struct {
	AppID string `json:"app_id"`
}

type ttsBusiness struct {
	AUE    string `json:"aue"`
	AUF    string `json:"auf,omitempty"`
	VCN    string `json:"vcn"`
	Speed  int    `json:"speed"`
	Pitch  int    `json:"pitch"`
	Volume int    `json:"volume"`
	BGS    int    `json:"bgs"`
	TTE    string `json:"tte"`
}

type ttsData struct {
	Status int    `json:"status"`
	Text   string `json:"text"`
}

type ttsMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	SID     string `json:"sid"`
	Data    *struct {
		Audio  string `json:"audio"`
		Status int    `json:"status"`
	} `json:"data"`
}

func clampLevel(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func (c *Client) ttsFrame(req speech.SynthesizeRequest) (ttsFrame, string) {
	codec := strings.TrimSpace(req.Voice.Codec)
	if codec == "" {
		codec = DefaultCodec
	}
	voice := strings.TrimSpace(req.Voice.Voice)
	if voice == "" {
		voice = DefaultVoice
	}
	business := ttsBusiness{
		AUE:    codec,
		VCN:    voice,
		Speed:  clampLevel(speech.IntOr(req.Voice.Speed, defaultLevel)),
		Pitch:  clampLevel(speech.IntOr(req.Voice.Pitch, defaultLevel)),
		Volume: clampLevel(speech.IntOr(req.Voice.Volume, defaultLevel)),
		BGS:    0,
		TTE:    "utf8",
	}
	if codec == "raw" {
		business.AUF = rawPCMFormat
	}
	return ttsFrame{
		Common:   ttsCommon{AppID: c.cfg.Credential.AppID},
		Business: business,
		Data: ttsData{
			Status: statusLast,
			Text:   base64.StdEncoding.EncodeToString([]byte(req.Text)),
		},
	}, codec
}

// Synthesize buffers every audio frame and returns the concatenation.
func (c *Client) Synthesize(ctx context.Context, req speech.SynthesizeRequest) (speech.Synthesis, error) {
	return c.SynthesizeStream(ctx, req, nil)
}

// SynthesizeStream sends the text as one frame and hands each decoded audio
// chunk to onChunk as it arrives. The idle timeout restarts on every frame.
// Raw PCM output is wrapped in a WAV header in the returned Synthesis only;
// streamed chunks are passed through unchanged.
func (c *Client) SynthesizeStream(ctx context.Context, req speech.SynthesizeRequest, onChunk func([]byte) error) (speech.Synthesis, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return speech.Synthesis{}, &speech.InputValidationError{Field: "text", Reason: "text is required"}
	}
	if len(req.Text) > maxTextLength {
		return speech.Synthesis{}, &speech.InputValidationError{Field: "text", Reason: "text exceeds 8000 bytes"}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn, err := c.dial(ctx, "tts", c.cfg.TTSURL)
	if err != nil {
		return speech.Synthesis{}, err
	}
	defer conn.Close()

	// Unblock the read loop when the caller goes away.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	frame, codec := c.ttsFrame(req)
	if err := conn.WriteJSON(frame); err != nil {
		if cerr := speech.ContextError(ctx, speech.VendorXunfei, "tts", c.cfg.Timeout); cerr != nil {
			return speech.Synthesis{}, cerr
		}
		return speech.Synthesis{}, &speech.TransportError{Vendor: speech.VendorXunfei, Op: "tts", Err: err}
	}

	var buf bytes.Buffer
	chunks := 0
	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.Timeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if cerr := speech.ContextError(ctx, speech.VendorXunfei, "tts", c.cfg.Timeout); cerr != nil {
				return speech.Synthesis{}, cerr
			}
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				return speech.Synthesis{}, &speech.TimeoutError{Vendor: speech.VendorXunfei, Op: "tts", After: c.cfg.Timeout}
			}
			if chunks > 0 {
				level := zap.WarnLevel
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					level = zap.DebugLevel
				}
				c.logger.Log(level, "socket closed before final frame, keeping received audio", zap.Int("chunks", chunks), zap.Error(err))
				return c.finish(buf.Bytes(), codec), nil
			}
			return speech.Synthesis{}, &speech.TransportError{Vendor: speech.VendorXunfei, Op: "tts", Err: err}
		}

		var msg ttsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("ignoring undecodable frame", zap.Error(err))
			continue
		}
		if msg.Code != 0 {
			return speech.Synthesis{}, &speech.VendorBusinessError{Vendor: speech.VendorXunfei, Code: msg.Code, Message: msg.Message}
		}
		if msg.Data == nil {
			continue
		}
		if msg.Data.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(msg.Data.Audio)
			if err != nil {
				return speech.Synthesis{}, &speech.TransportError{Vendor: speech.VendorXunfei, Op: "tts", Err: err}
			}
			chunks++
			buf.Write(chunk)
			if onChunk != nil {
				if err := onChunk(chunk); err != nil {
					return speech.Synthesis{}, err
				}
			}
		}
		if msg.Data.Status == statusLast {
			return c.finish(buf.Bytes(), codec), nil
		}
	}
}

func (c *Client) finish(data []byte, codec string) speech.Synthesis {
	if rate, ok := speech.RawPCMRate(codec); ok && len(data)%2 == 0 {
		if wav, err := audio.EncodeWAVPCM16LE(data, rate); err == nil {
			return speech.Synthesis{Audio: wav, MIMEType: speech.MIMEWAV, Vendor: speech.VendorXunfei}
		}
	}
	return speech.Synthesis{Audio: data, MIMEType: speech.MIMEForCodec(codec), Vendor: speech.VendorXunfei}
}
