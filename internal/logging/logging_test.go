package logging

import "testing"

func TestNew(t *testing.T) {
	for _, format := range []string{"json", "console", ""} {
		logger, err := New("debug", format)
		if err != nil {
			t.Fatalf("New(debug, %q) error = %v", format, err)
		}
		if !logger.Core().Enabled(-1) {
			t.Fatalf("format %q: debug level not enabled", format)
		}
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	if _, err := New("loud", "json"); err == nil {
		t.Fatalf("New(loud) error = nil, want error")
	}
	if _, err := New("info", "xml"); err == nil {
		t.Fatalf("New(info, xml) error = nil, want error")
	}
}
