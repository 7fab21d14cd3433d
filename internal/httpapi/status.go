package httpapi

import (
	"net/http"
	"slices"
	"strings"
)

type vendorCheck struct {
	Vendor     string `json:"vendor"`
	Status     string `json:"status"` // ok|warn|error
	Configured bool   `json:"configured"`
	Proxy      bool   `json:"proxy"`
	Detail     string `json:"detail,omitempty"`
	Fix        string `json:"fix,omitempty"`
}

type speechStatusResponse struct {
	Order        []string      `json:"order"`
	Active       string        `json:"active"`
	Vendors      []vendorCheck `json:"vendors"`
	ActiveCalls  int           `json:"active_calls"`
	Superseded   int           `json:"superseded_calls"`
	VoicePresets []string      `json:"voice_presets"`
}

func (s *Server) handleSpeechStatus(w http.ResponseWriter, _ *http.Request) {
	resp := speechStatusResponse{
		Order:        []string{},
		Vendors:      []vendorCheck{},
		ActiveCalls:  s.calls.ActiveCount(),
		Superseded:   s.calls.SupersededCount(),
		VoicePresets: make([]string, 0, len(s.presets)),
	}
	for name := range s.presets {
		resp.VoicePresets = append(resp.VoicePresets, name)
	}
	slices.Sort(resp.VoicePresets)

	if s.gateway != nil {
		resp.Active = string(s.gateway.Active())
		for _, v := range s.gateway.Order() {
			resp.Order = append(resp.Order, string(v))
			route := s.gateway.Route(v)
			check := vendorCheck{
				Vendor:     string(v),
				Configured: route.Configured(),
				Proxy:      route.HasProxy(),
			}
			switch {
			case check.Configured && check.Proxy:
				check.Status = "ok"
				check.Detail = "direct with proxy fallback"
			case check.Configured:
				check.Status = "ok"
				check.Detail = "direct only"
			case check.Proxy:
				check.Status = "warn"
				check.Detail = "proxy only"
				check.Fix = "Set " + strings.ToUpper(string(v)) + "_* credentials to call the vendor directly."
			default:
				check.Status = "error"
				check.Detail = "no usable path"
				check.Fix = "Set " + strings.ToUpper(string(v)) + "_* credentials or SPEECH_PROXY_BASE_URL."
			}
			resp.Vendors = append(resp.Vendors, check)
		}
	}
	respondJSON(w, http.StatusOK, resp)
}
