package logging

import (
	"regexp"
	"strings"
)

const (
	// MaxQueryLogLength is the maximum length of a query to log
	MaxQueryLogLength = 120
	// RedactedText is the replacement text for sensitive data
	RedactedText = "[REDACTED]"
)

var (
	// password=xxx, pwd=xxx, pass=xxx up to the next delimiter
	passwordPattern = regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s]+`)

	bearerPattern = regexp.MustCompile(`Bearer\s+[A-Za-z0-9-_.~+/]+=*`)

	apiKeyPattern = regexp.MustCompile(`(?i)(api[_-]?key|apikey|key|token|secret)=[A-Za-z0-9-_]{16,}`)

	// user:pass@host
	connStringPattern = regexp.MustCompile(`://[^:/\s]+:[^@\s]+@[^/\s]+`)

	// Quoted literals in SQL are user data and may carry PII.
	sqlLiteralPattern = regexp.MustCompile(`'(?:[^']|'')*'`)
)

// sensitiveDescriptorKeys are redacted by SanitizeDescriptor.
var sensitiveDescriptorKeys = []string{"password", "secret", "token", "api_key", "apikey", "credential", "private_key"}

// SanitizeConnectionString removes credentials from DSNs and URLs.
func SanitizeConnectionString(connStr string) string {
	if connStr == "" {
		return ""
	}
	sanitized := passwordPattern.ReplaceAllString(connStr, "${1}="+RedactedText)
	return connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)
}

// SanitizeError strips credentials and tokens from an error message before it is logged.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	sanitized := passwordPattern.ReplaceAllString(err.Error(), "${1}="+RedactedText)
	sanitized = bearerPattern.ReplaceAllString(sanitized, "Bearer "+RedactedText)
	sanitized = apiKeyPattern.ReplaceAllString(sanitized, "${1}="+RedactedText)
	return connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)
}

// SanitizeQuery masks string literals and truncates a query for logging.
func SanitizeQuery(query string) string {
	if query == "" {
		return ""
	}
	sanitized := sqlLiteralPattern.ReplaceAllString(query, "'?'")
	sanitized = passwordPattern.ReplaceAllString(sanitized, "${1}="+RedactedText)
	sanitized = apiKeyPattern.ReplaceAllString(sanitized, "${1}="+RedactedText)
	return TruncateString(sanitized, MaxQueryLogLength)
}

// SanitizeDescriptor returns a copy of a data source descriptor with secret values redacted.
func SanitizeDescriptor(descriptor map[string]any) map[string]any {
	if descriptor == nil {
		return nil
	}
	out := make(map[string]any, len(descriptor))
	for k, v := range descriptor {
		if isSensitiveKey(k) {
			out[k] = RedactedText
			continue
		}
		if s, ok := v.(string); ok {
			out[k] = SanitizeConnectionString(s)
			continue
		}
		out[k] = v
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, k := range sensitiveDescriptorKeys {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// TruncateString truncates a string to maxLen and adds ellipsis if needed
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
