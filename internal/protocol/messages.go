// Package protocol defines the JSON messages of the TTS streaming socket.
// Audio itself travels as binary frames between "started" and "done".
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cast"

	"github.com/zrea200/epkeeper-chatbot/internal/speech"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeSynthesize MessageType = "synthesize"
	TypeCancel     MessageType = "cancel"

	TypeStarted    MessageType = "started"
	TypeDone       MessageType = "done"
	TypeSuperseded MessageType = "superseded"
	TypeError      MessageType = "error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// Synthesize asks for text to be spoken. Numeric fields accept numbers or
// numeric strings.
type Synthesize struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id"`
	Text      string      `json:"text"`
	Character string      `json:"character,omitempty"`
	Voice     string      `json:"vcn,omitempty"`
	Speed     any         `json:"speed,omitempty"`
	Pitch     any         `json:"pitch,omitempty"`
	Volume    any         `json:"volume,omitempty"`
	Codec     string      `json:"aue,omitempty"`
}

type Cancel struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
}

type Started struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id"`
	Vendor    string      `json:"vendor"`
}

type Done struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id"`
	Vendor    string      `json:"vendor"`
	MIME      string      `json:"mime"`
	Bytes     int         `json:"bytes"`
	Chunks    int         `json:"chunks"`
}

type Superseded struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id"`
	By        string      `json:"by,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail"`
	Retryable bool        `json:"retryable"`
}

// Request converts the message into a synthesis request.
func (m Synthesize) Request() (speech.SynthesizeRequest, error) {
	req := speech.SynthesizeRequest{
		Text:      m.Text,
		Character: m.Character,
		Voice: speech.VoiceParams{
			Voice: strings.TrimSpace(m.Voice),
			Codec: strings.TrimSpace(m.Codec),
		},
	}
	var err error
	if req.Voice.Speed, err = optionalInt("speed", m.Speed); err != nil {
		return req, err
	}
	if req.Voice.Pitch, err = optionalInt("pitch", m.Pitch); err != nil {
		return req, err
	}
	if req.Voice.Volume, err = optionalInt("volume", m.Volume); err != nil {
		return req, err
	}
	return req, nil
}

func optionalInt(field string, v any) (*int, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
		return nil, nil
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return nil, &speech.InputValidationError{Field: field, Reason: "must be a number"}
	}
	return &n, nil
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeSynthesize:
		var msg Synthesize
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, errors.New("invalid synthesize: text is required")
		}
		return msg, nil
	case TypeCancel:
		var msg Cancel
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// ParseServerMessage decodes an event sent by the gateway. Clients use it
// to follow a stream; binary frames never reach it.
func ParseServerMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	var (
		msg any
		err error
	)
	switch env.Type {
	case TypeStarted:
		var m Started
		err = json.Unmarshal(raw, &m)
		msg = m
	case TypeDone:
		var m Done
		err = json.Unmarshal(raw, &m)
		msg = m
	case TypeSuperseded:
		var m Superseded
		err = json.Unmarshal(raw, &m)
		msg = m
	case TypeError:
		var m ErrorEvent
		err = json.Unmarshal(raw, &m)
		msg = m
	default:
		return nil, ErrUnsupportedType
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}
