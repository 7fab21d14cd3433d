// Package credential holds vendor secrets and caches the bearer tokens
// derived from them.
package credential

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/zrea200/epkeeper-chatbot/internal/speech"
)

// Credential is immutable for the life of the process. Only derived tokens
// ever leave the server.
type Credential struct {
	Vendor       speech.Vendor
	AppID        string
	ClientID     string
	ClientSecret string
}

// Validate returns a ConfigurationError naming every missing field.
func (c Credential) Validate(requireAppID bool) error {
	var missing []string
	if requireAppID && strings.TrimSpace(c.AppID) == "" {
		missing = append(missing, "app id")
	}
	if strings.TrimSpace(c.ClientID) == "" {
		missing = append(missing, "api key")
	}
	if strings.TrimSpace(c.ClientSecret) == "" {
		missing = append(missing, "api secret")
	}
	if len(missing) > 0 {
		return &speech.ConfigurationError{Vendor: c.Vendor, Missing: missing}
	}
	return nil
}

// Key identifies the credential in shared stores without exposing the client id.
func (c Credential) Key() string {
	sum := sha256.Sum256([]byte(c.ClientID))
	return "speech:token:" + string(c.Vendor) + ":" + hex.EncodeToString(sum[:6])
}

// String never prints the secret.
func (c Credential) String() string {
	id := c.ClientID
	if len(id) > 4 {
		id = id[:4] + "***"
	}
	return string(c.Vendor) + "(" + id + ")"
}

type Token struct {
	Value     string    `json:"value"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Fresh reports whether the token may still be used at now given margin.
func (t Token) Fresh(now time.Time, margin time.Duration) bool {
	return t.Value != "" && now.Before(t.ExpiresAt.Add(-margin))
}
