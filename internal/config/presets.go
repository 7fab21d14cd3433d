package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zrea200/epkeeper-chatbot/internal/speech"
)

type presetsFile struct {
	Characters map[string]speech.VoicePreset `yaml:"characters"`
}

// LoadVoicePresets returns the built-in character presets overlaid with the
// YAML file at path. An empty path returns the defaults.
//
//	characters:
//	  guide:
//	    voice: xiaoyan
//	    speed: 55
func LoadVoicePresets(path string) (map[string]speech.VoicePreset, error) {
	presets := speech.DefaultPresets()
	if strings.TrimSpace(path) == "" {
		return presets, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read voice presets: %w", err)
	}
	var file presetsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse voice presets %s: %w", path, err)
	}
	for name, p := range file.Characters {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		presets[name] = p
	}
	return presets, nil
}
