package speech

import "strings"

// VoicePreset is a named character voice.
type VoicePreset struct {
	Voice  string `yaml:"voice" json:"voice"`
	Speed  *int   `yaml:"speed" json:"speed,omitempty"`
	Pitch  *int   `yaml:"pitch" json:"pitch,omitempty"`
	Volume *int   `yaml:"volume" json:"volume,omitempty"`
	Codec  string `yaml:"codec" json:"codec,omitempty"`
}

// DefaultPresets are the built-in characters: a steady host and a brisk guide.
func DefaultPresets() map[string]VoicePreset {
	return map[string]VoicePreset{
		"leader": {Voice: "xiaoyu", Speed: Int(50), Pitch: Int(50), Volume: Int(50), Codec: "lame"},
		"escort": {Voice: "xiaoyu", Speed: Int(70), Pitch: Int(60), Volume: Int(50), Codec: "lame"},
	}
}

// ApplyPreset fills unset fields of req.Voice from the preset named by
// req.Character. Explicit request values win.
func ApplyPreset(req SynthesizeRequest, presets map[string]VoicePreset) SynthesizeRequest {
	name := strings.ToLower(strings.TrimSpace(req.Character))
	if name == "" {
		return req
	}
	p, ok := presets[name]
	if !ok {
		return req
	}
	v := req.Voice
	if v.Voice == "" {
		v.Voice = p.Voice
	}
	if v.Speed == nil {
		v.Speed = p.Speed
	}
	if v.Pitch == nil {
		v.Pitch = p.Pitch
	}
	if v.Volume == nil {
		v.Volume = p.Volume
	}
	if v.Codec == "" {
		v.Codec = p.Codec
	}
	req.Voice = v
	return req
}
