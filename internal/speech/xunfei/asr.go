package xunfei

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zrea200/epkeeper-chatbot/internal/audio"
	"github.com/zrea200/epkeeper-chatbot/internal/speech"
)

type iatFrame struct {
	Header    iatHeader     `json:"header"`
	Parameter *iatParameter `json:"parameter,omitempty"`
	Payload   iatPayload    `json:"payload"`
}

type iatHeader struct {
	AppID  string `json:"app_id"`
	Status int    `json:"status"`
}

type iatParameter struct {
	IAT iatParams `json:"iat"`
}

type iatParams struct {
	Domain   string          `json:"domain"`
	Language string          `json:"language"`
	Accent   string          `json:"accent"`
	DWA      string          `json:"dwa"`
	EOS      int             `json:"eos"`
	VInfo    int             `json:"vinfo"`
	Result   iatResultFormat `json:"result"`
}

type iatResultFormat struct {
	Encoding string `json:"encoding"`
	Compress string `json:"compress"`
	Format   string `json:"format"`
}

type iatPayload struct {
	Audio iatAudio `json:"audio"`
}

type iatAudio struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	BitDepth   int    `json:"bit_depth"`
	Seq        int    `json:"seq"`
	Status     int    `json:"status"`
	Audio      string `json:"audio"`
}

type iatMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Header  struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		SID     string `json:"sid"`
		Status  int    `json:"status"`
	} `json:"header"`
	Payload struct {
		Result struct {
			Status int    `json:"status"`
			Text   string `json:"text"`
		} `json:"result"`
	} `json:"payload"`
}

// iatResult is the base64-decoded payload.result.text.
type iatResult struct {
	SN  *int   `json:"sn"`
	PGS string `json:"pgs"`
	RG  []int  `json:"rg"`
	LS  bool   `json:"ls"`
	WS  []struct {
		CW []struct {
			W string `json:"w"`
		} `json:"cw"`
	} `json:"ws"`
}

func (r iatResult) text() string {
	var out string
	for _, ws := range r.WS {
		for _, cw := range ws.CW {
			out += cw.W
		}
	}
	return out
}

func iatLanguage(lang string) (language, accent string) {
	if lang == "en" || lang == "en_us" {
		return "en_us", "mandarin"
	}
	return "zh_cn", "mandarin"
}

// Recognize streams the audio in 40ms frames and merges the incremental
// results. On timeout or an early close, text received so far is returned
// with Partial set.
func (c *Client) Recognize(ctx context.Context, req speech.RecognizeRequest) (speech.Recognition, error) {
	rate := req.SampleRate
	if rate == 0 {
		rate = 16000
	}
	pcm, err := audio.ExtractPCM(req.Audio, rate)
	if err != nil {
		return speech.Recognition{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	conn, err := c.dial(ctx, "asr", c.cfg.ASRURL)
	if err != nil {
		return speech.Recognition{}, err
	}
	defer conn.Close()

	segments := NewSegmentMap()
	readDone := make(chan error, 1)
	go func() {
		readDone <- c.readRecognition(conn, segments)
	}()

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- c.sendAudio(ctx, conn, pcm, rate, req.Language)
	}()

	var readErr error
	select {
	case readErr = <-readDone:
	case <-ctx.Done():
		// Closing the socket unblocks the reader; wait so segments is no
		// longer being written.
		_ = conn.Close()
		<-readDone
		text := segments.Text()
		cerr := speech.ContextError(ctx, speech.VendorXunfei, "asr", c.cfg.Timeout)
		var timeoutErr *speech.TimeoutError
		if text != "" && errors.As(cerr, &timeoutErr) {
			c.logger.Warn("recognition timed out, returning partial text", zap.Int("segments", segments.Len()))
			return speech.Recognition{Text: text, Vendor: speech.VendorXunfei, Partial: true}, nil
		}
		return speech.Recognition{}, cerr
	}
	_ = conn.Close()
	if werr := <-writeErr; werr != nil && readErr == nil {
		c.logger.Debug("audio writer stopped early", zap.Error(werr))
	}

	text := segments.Text()
	switch {
	case readErr == nil:
		return speech.Recognition{Text: text, Vendor: speech.VendorXunfei}, nil
	case isBusiness(readErr):
		return speech.Recognition{}, readErr
	case text != "":
		c.logger.Warn("socket closed before final result, returning partial text", zap.Error(readErr))
		return speech.Recognition{Text: text, Vendor: speech.VendorXunfei, Partial: true}, nil
	default:
		return speech.Recognition{}, &speech.TransportError{Vendor: speech.VendorXunfei, Op: "asr", Err: readErr}
	}
}

func isBusiness(err error) bool {
	var biz *speech.VendorBusinessError
	return errors.As(err, &biz)
}

// sendAudio writes the frames in order: status 0 first, 1 in between and 2
// last. A single frame is followed by an empty closing frame.
func (c *Client) sendAudio(ctx context.Context, conn *websocket.Conn, pcm []byte, rate int, lang string) error {
	language, accent := iatLanguage(lang)
	params := &iatParameter{IAT: iatParams{
		Domain:   "slm",
		Language: language,
		Accent:   accent,
		DWA:      "wpgs",
		EOS:      6000,
		VInfo:    1,
		Result:   iatResultFormat{Encoding: "utf8", Compress: "raw", Format: "plain"},
	}}
	seq := 0
	send := func(status int, chunk []byte) error {
		seq++
		frame := iatFrame{
			Header:    iatHeader{AppID: c.cfg.Credential.AppID, Status: status},
			Parameter: params,
			Payload: iatPayload{Audio: iatAudio{
				Encoding:   "raw",
				SampleRate: rate,
				Channels:   1,
				BitDepth:   16,
				Seq:        seq,
				Status:     status,
				Audio:      base64.StdEncoding.EncodeToString(chunk),
			}},
		}
		return conn.WriteJSON(frame)
	}

	total := (len(pcm) + FrameBytes - 1) / FrameBytes
	if total <= 1 {
		if err := send(statusFirst, pcm); err != nil {
			return err
		}
		return send(statusLast, nil)
	}
	for i := 0; i < total; i++ {
		start := i * FrameBytes
		end := start + FrameBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		status := statusContinue
		switch i {
		case 0:
			status = statusFirst
		case total - 1:
			status = statusLast
		}
		if err := send(status, pcm[start:end]); err != nil {
			return err
		}
		if status == statusLast || c.cfg.FrameInterval <= 0 {
			continue
		}
		t := time.NewTimer(c.cfg.FrameInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// readRecognition applies result messages to segments until a terminal
// status. It returns nil on completion, a VendorBusinessError on an error
// code, or the read error when the socket ends first.
func (c *Client) readRecognition(conn *websocket.Conn, segments *SegmentMap) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg iatMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("ignoring undecodable frame", zap.Error(err))
			continue
		}
		code, message := msg.Header.Code, msg.Header.Message
		if code == 0 {
			code, message = msg.Code, msg.Message
		}
		if code != 0 {
			return &speech.VendorBusinessError{Vendor: speech.VendorXunfei, Code: code, Message: message}
		}

		last := false
		if encoded := msg.Payload.Result.Text; encoded != "" {
			res, err := decodeResult(encoded)
			if err != nil {
				c.logger.Debug("ignoring undecodable result", zap.Error(err))
			} else {
				applyResult(segments, res)
				last = res.LS
			}
		}
		if msg.Header.Status == statusLast || msg.Payload.Result.Status == statusLast || last {
			return nil
		}
	}
}

func decodeResult(encoded string) (iatResult, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return iatResult{}, err
	}
	var res iatResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return iatResult{}, err
	}
	return res, nil
}

// applyResult honours a replace instruction before storing the new text.
func applyResult(segments *SegmentMap, res iatResult) {
	if res.PGS == "rpl" && len(res.RG) == 2 {
		segments.InvalidateRange(res.RG[0], res.RG[1])
	}
	sn := segments.Len()
	if res.SN != nil {
		sn = *res.SN
	}
	segments.Set(sn, res.text())
}
