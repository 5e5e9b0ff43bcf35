// Package redact strips credentials from strings before they are logged or
// persisted as a task's error message. Handler errors frequently embed
// connection strings and tokens, and task rows outlive the process that
// produced them.
package redact

import (
	"net/url"
	"regexp"
)

// Constants for redaction placeholders
const (
	RedactedCredentialPlaceholder = "[REDACTED_CREDENTIAL]"
	RedactedKeyPlaceholder        = "[REDACTED_KEY]"
	RedactedJWTPlaceholder        = "[REDACTED_JWT]"
	RedactedStackPlaceholder      = "[STACK_TRACE_REDACTED]"
)

// Precompiled regex patterns
var (
	// Database and broker connection strings with userinfo
	connRegex = regexp.MustCompile(`(?i)\b(postgres|postgresql|mysql|mongodb|redis|amqp|nats)://[^@\s/]+@`)

	// Credentials and tokens
	passwordRegex = regexp.MustCompile(`(?i)(password|passwd|pwd)([=:\s]?['"]?)[^'"&\s]{3,}`)
	apiKeyRegex   = regexp.MustCompile(
		`(?i)(api[_-]?key|token|secret|access[_-]?key)(['"\s:=]+)[A-Za-z0-9_\-.~+/]{8,}`,
	)
	awsKeyRegex = regexp.MustCompile(`\bAKIA[A-Z0-9]{12,}\b`)
	// JWT token pattern - matches the standard three-part base64url-encoded JWT token format
	jwtTokenRegex = regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`)

	// Stack trace fragments
	stackTraceRegex = regexp.MustCompile(`goroutine \d+ \[[^\]]*\]:[\s\S]*`)

	rules = []struct {
		re          *regexp.Regexp
		placeholder string
	}{
		{stackTraceRegex, RedactedStackPlaceholder},
		{connRegex, "${1}://" + RedactedCredentialPlaceholder + "@"},
		{jwtTokenRegex, RedactedJWTPlaceholder},
		{passwordRegex, RedactedCredentialPlaceholder},
		{apiKeyRegex, RedactedKeyPlaceholder},
		{awsKeyRegex, RedactedKeyPlaceholder},
	}
)

// String redacts sensitive information from the input string
func String(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, r := range rules {
		result = r.re.ReplaceAllString(result, r.placeholder)
	}
	return result
}

// Error redacts sensitive information from an error's Error() output
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}

// DatabaseURL masks the password of a connection URL for logging. Values that
// do not parse as URLs are passed through String.
func DatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return String(raw)
	}
	return u.Redacted()
}
