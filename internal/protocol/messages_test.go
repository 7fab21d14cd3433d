package protocol

import (
	"errors"
	"testing"
)

func TestParseClientMessageSynthesize(t *testing.T) {
	raw := []byte(`{"type":"synthesize","request_id":"r1","text":"欢迎","character":"escort","speed":"70","pitch":60}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	syn, ok := msg.(Synthesize)
	if !ok {
		t.Fatalf("message type = %T, want Synthesize", msg)
	}
	req, err := syn.Request()
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if req.Text != "欢迎" || req.Character != "escort" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if req.Voice.Speed == nil || *req.Voice.Speed != 70 {
		t.Fatalf("Speed = %v, want 70", req.Voice.Speed)
	}
	if req.Voice.Pitch == nil || *req.Voice.Pitch != 60 {
		t.Fatalf("Pitch = %v, want 60", req.Voice.Pitch)
	}
	if req.Voice.Volume != nil {
		t.Fatalf("Volume = %v, want nil", *req.Voice.Volume)
	}
}

func TestSynthesizeRequestRejectsNonNumeric(t *testing.T) {
	_, err := Synthesize{Text: "hi", Speed: "fast"}.Request()
	if err == nil {
		t.Fatalf("Request() error = nil, want validation error")
	}
}

func TestParseClientMessageRejectsEmptyText(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{"type":"synthesize","text":"  "}`)); err == nil {
		t.Fatalf("ParseClientMessage() error = nil, want error")
	}
}

func TestParseClientMessageCancel(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"cancel","request_id":"r1"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if c, ok := msg.(Cancel); !ok || c.RequestID != "r1" {
		t.Fatalf("unexpected cancel: %#v", msg)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseServerMessage(t *testing.T) {
	msg, err := ParseServerMessage([]byte(`{"type":"done","request_id":"r1","vendor":"xunfei","mime":"audio/mpeg","bytes":12,"chunks":3}`))
	if err != nil {
		t.Fatalf("ParseServerMessage() error = %v", err)
	}
	done, ok := msg.(Done)
	if !ok {
		t.Fatalf("message type = %T, want Done", msg)
	}
	if done.Vendor != "xunfei" || done.Chunks != 3 || done.Bytes != 12 {
		t.Fatalf("unexpected done: %+v", done)
	}

	msg, err = ParseServerMessage([]byte(`{"type":"superseded","request_id":"r1","by":"r2"}`))
	if err != nil {
		t.Fatalf("ParseServerMessage() error = %v", err)
	}
	if sup, ok := msg.(Superseded); !ok || sup.By != "r2" {
		t.Fatalf("unexpected message: %#v", msg)
	}

	if _, err := ParseServerMessage([]byte(`{"type":"synthesize","text":"x"}`)); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}
