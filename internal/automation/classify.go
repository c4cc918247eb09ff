package automation

import (
	"context"
	"errors"
	"strings"
)

// rateLimitSignatures are the fragments providers use when throttling.
var rateLimitSignatures = []string{
	"429",
	"rate limit",
	"rate_limit",
	"ratelimit",
	"too many requests",
	"resource_exhausted",
	"resource exhausted",
	"quota exceeded",
	"overloaded",
}

// fatalSignatures identify failures that a retry cannot fix.
var fatalSignatures = []string{
	"invalid username or password",
	"incorrect username or password",
	"account locked",
	"invalid api key",
	"invalid x-api-key",
	"permission denied",
	"browser not initialized",
	"browser has been closed",
}

// Classify determines how err should be handled. Typed errors win; raw errors
// are matched against known signatures and default to transient, so anything
// not explicitly recognised as terminal gets another attempt.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	if kind := KindOf(err); kind != KindUnknown {
		return kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindFatal
	}

	msg := strings.ToLower(err.Error())
	for _, sig := range rateLimitSignatures {
		if strings.Contains(msg, sig) {
			return KindRateLimit
		}
	}
	for _, sig := range fatalSignatures {
		if strings.Contains(msg, sig) {
			return KindFatal
		}
	}
	return KindTransient
}

// authRejectionSignatures are shown by the portal when it drops or refuses
// the browser session itself. A fresh page load usually clears them.
var authRejectionSignatures = []string{
	"403",
	"forbidden",
	"access denied",
	"session expired",
	"session has expired",
}

// IsAuthRejection reports whether text reads like a rejected session rather
// than rejected credentials.
func IsAuthRejection(text string) bool {
	msg := strings.ToLower(text)
	for _, sig := range fatalSignatures {
		if strings.Contains(msg, sig) {
			return false
		}
	}
	for _, sig := range authRejectionSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
