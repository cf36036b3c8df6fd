package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces credential-bearing log fields.
const RedactedValue = "[REDACTED]"

// Keys that carry gateway credentials or session material. Authority tokens
// and deposit references are deliberately not redacted; they are the
// correlation handles support works with.
var sensitiveKeys = map[string]struct{}{
	"merchant_id": {},
	"api_key":     {},
	"secret":      {},
	"jwt":         {},
	"bearer":      {},
	"password":    {},
}

// IsSensitive reports whether a log key must never be emitted verbatim.
func IsSensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := sensitiveKeys[normalized]
	return ok
}

// redactAttr rewrites sensitive attributes before they reach any sink.
func redactAttr(attr slog.Attr) slog.Attr {
	if IsSensitive(attr.Key) {
		return slog.String(attr.Key, RedactedValue)
	}
	return attr
}
