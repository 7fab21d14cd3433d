package policy

import "regexp"

type redactRule struct {
	pattern *regexp.Regexp
	marker  string
}

// piiRules run in order. Longer digit runs come first so a resident ID or
// card number is never half-matched as a phone number.
var piiRules = []redactRule{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b[1-9]\d{5}(?:19|20)\d{2}(?:0[1-9]|1[0-2])(?:0[1-9]|[12]\d|3[01])\d{3}[\dXx]\b`), "[REDACTED_ID]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// Query or JSON credential fields, e.g. client_secret=..., "apiKey":"...".
var secretParamPattern = regexp.MustCompile(`(?i)((?:client_id|client_secret|api_?key|secret_?key|api_?secret|access_token|tok|authorization)["']?\s*[=:]\s*["']?)([^&"'\s,}]+)`)

// RedactPII masks contact details and identity numbers in recognized text.
func RedactPII(input string) (string, bool) {
	out := input
	for _, rule := range piiRules {
		out = rule.pattern.ReplaceAllString(out, rule.marker)
	}
	return out, out != input
}

// RedactSecrets masks vendor credentials and tokens in URLs, query strings
// and JSON fragments before they reach a log line.
func RedactSecrets(input string) string {
	return secretParamPattern.ReplaceAllString(input, "${1}[REDACTED]")
}
