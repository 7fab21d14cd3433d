package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zrea200/epkeeper-chatbot/internal/audit"
	"github.com/zrea200/epkeeper-chatbot/internal/protocol"
	"github.com/zrea200/epkeeper-chatbot/internal/session"
	"github.com/zrea200/epkeeper-chatbot/internal/speech"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamReadLimit    = 64 << 10
)

// streamer is satisfied by both a single vendor route and the gateway.
type streamer interface {
	SynthesizeStream(ctx context.Context, req speech.SynthesizeRequest, onChunk func([]byte) error) (speech.Synthesis, error)
}

// outFrame is either a binary audio chunk or a JSON event.
type outFrame struct {
	audio []byte
	event any
}

// streamJob is one synthesis running on a socket.
type streamJob struct {
	requestID string
	cancel    context.CancelCauseFunc
	done      chan struct{}
	by        atomic.Value
}

func (s *Server) handleTTSStream(w http.ResponseWriter, r *http.Request) {
	target, ok := s.streamTarget(w, r)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if s.metrics != nil {
		s.metrics.ActiveStreams.Inc()
		defer s.metrics.ActiveStreams.Dec()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	ctx = audit.WithCaller(ctx, audit.Caller{RequestID: middleware.GetReqID(r.Context()), ClientID: clientIDOf(r)})

	outbound := make(chan outFrame, 64)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
				var err error
				if f.event != nil {
					err = conn.WriteJSON(f.event)
					s.observeWS("outbound", f.event)
				} else {
					err = conn.WriteMessage(websocket.BinaryMessage, f.audio)
					s.observeWS("outbound", nil)
				}
				if err != nil {
					cancel()
					return
				}
			}
		}
	}()

	send := func(ctx context.Context, f outFrame) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case outbound <- f:
			return nil
		}
	}

	var (
		mu      sync.Mutex
		current *streamJob
	)
	stop := func(cause error, by string) {
		mu.Lock()
		job := current
		current = nil
		mu.Unlock()
		if job == nil {
			return
		}
		if by != "" {
			job.by.Store(by)
		}
		job.cancel(cause)
		<-job.done
	}

	idle := s.cfg.StreamIdleTimeout
	conn.SetReadLimit(streamReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			_ = send(ctx, outFrame{event: protocol.ErrorEvent{
				Type:   protocol.TypeError,
				Code:   "invalid_client_message",
				Detail: err.Error(),
			}})
			continue
		}
		s.observeWS("inbound", parsed)

		switch msg := parsed.(type) {
		case protocol.Synthesize:
			if strings.TrimSpace(msg.RequestID) == "" {
				msg.RequestID = uuid.NewString()
			}
			req, err := msg.Request()
			if err != nil {
				_ = send(ctx, outFrame{event: protocol.ErrorEvent{
					Type:      protocol.TypeError,
					RequestID: msg.RequestID,
					Code:      "invalid_request",
					Detail:    speech.UserMessage(err),
				}})
				continue
			}
			req = speech.ApplyPreset(req, s.presets)
			stop(session.ErrSuperseded, msg.RequestID)

			job := &streamJob{requestID: msg.RequestID, done: make(chan struct{})}
			jobCtx, call, release := s.calls.Begin(ctx, clientIDOf(r), "tts_stream")
			jobCtx, job.cancel = context.WithCancelCause(jobCtx)
			jobCtx, timeout := context.WithTimeout(jobCtx, s.cfg.RequestTimeout)
			mu.Lock()
			current = job
			mu.Unlock()
			if call.Supersedes != "" {
				s.logger.Info("stream superseded another call", zap.String("call_id", call.Supersedes))
			}
			go func() {
				defer close(job.done)
				defer release()
				defer timeout()
				s.runStreamJob(ctx, jobCtx, job, target, req, send)
			}()
		case protocol.Cancel:
			stop(context.Canceled, "")
		}
	}

	stop(context.Canceled, "")
	cancel()
	<-writerDone
}

// runStreamJob streams one synthesis. connCtx outlives the job so the final
// event can still be queued after jobCtx ends.
func (s *Server) runStreamJob(connCtx, jobCtx context.Context, job *streamJob, target streamer, req speech.SynthesizeRequest, send func(context.Context, outFrame) error) {
	if err := send(jobCtx, outFrame{event: protocol.Started{Type: protocol.TypeStarted, RequestID: job.requestID}}); err != nil {
		return
	}
	var bytes, chunks int
	out, err := target.SynthesizeStream(jobCtx, req, func(chunk []byte) error {
		if len(chunk) == 0 {
			return nil
		}
		bytes += len(chunk)
		chunks++
		return send(jobCtx, outFrame{audio: chunk})
	})

	if cause := context.Cause(jobCtx); errors.Is(cause, session.ErrSuperseded) {
		by, _ := job.by.Load().(string)
		_ = send(connCtx, outFrame{event: protocol.Superseded{Type: protocol.TypeSuperseded, RequestID: job.requestID, By: by}})
		return
	}
	if err != nil {
		_ = send(connCtx, outFrame{event: protocol.ErrorEvent{
			Type:      protocol.TypeError,
			RequestID: job.requestID,
			Code:      speech.Kind(err),
			Detail:    speech.UserMessage(err),
			Retryable: retryableKind(speech.Kind(err)),
		}})
		return
	}
	_ = send(connCtx, outFrame{event: protocol.Done{
		Type:      protocol.TypeDone,
		RequestID: job.requestID,
		Vendor:    string(out.Vendor),
		MIME:      out.MIMEType,
		Bytes:     bytes,
		Chunks:    chunks,
	}})
}

// streamTarget resolves {vendor}; "auto" streams through the whole gateway.
func (s *Server) streamTarget(w http.ResponseWriter, r *http.Request) (streamer, bool) {
	if s.gateway == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "speech gateway not configured")
		return nil, false
	}
	raw := chi.URLParam(r, "vendor")
	if strings.EqualFold(raw, "auto") {
		return s.gateway, true
	}
	vendor, err := speech.ParseVendor(raw)
	if err != nil {
		respondError(w, http.StatusNotFound, "unsupported_vendor", err.Error())
		return nil, false
	}
	route := s.gateway.Route(vendor)
	if route == nil {
		respondError(w, http.StatusNotFound, "unsupported_vendor", "vendor "+string(vendor)+" is not enabled")
		return nil, false
	}
	return route, true
}

func (s *Server) observeWS(direction string, msg any) {
	if s.metrics == nil {
		return
	}
	t := "audio"
	switch m := msg.(type) {
	case protocol.Synthesize:
		t = string(m.Type)
	case protocol.Cancel:
		t = string(m.Type)
	case protocol.Started:
		t = string(m.Type)
	case protocol.Done:
		t = string(m.Type)
	case protocol.Superseded:
		t = string(m.Type)
	case protocol.ErrorEvent:
		t = string(m.Type)
	}
	s.metrics.WSMessages.WithLabelValues(direction, t).Inc()
}

func retryableKind(kind string) bool {
	switch kind {
	case "timeout", "transport", "rate_limited", "token", "degraded":
		return true
	default:
		return false
	}
}
