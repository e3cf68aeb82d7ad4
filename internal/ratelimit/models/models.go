package models

import (
	"strings"
	"time"
)

// EndpointClass groups routes that share a request budget.
type EndpointClass string

const (
	// ClassChallenge covers routes that send a one-time code by email.
	ClassChallenge EndpointClass = "challenge"
	// ClassAttempt covers routes that check a secret: logins and OTP verification.
	ClassAttempt EndpointClass = "attempt"
)

func (c EndpointClass) IsValid() bool {
	return c == ClassChallenge || c == ClassAttempt
}

// Limit is a request budget over a sliding window.
type Limit struct {
	RequestsPerWindow int
	Window            time.Duration
}

// Result is the outcome of one rate limit check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	// RetryAfter is in whole seconds and only set when the request is rejected.
	RetryAfter int
	// Degraded is set when the answer came from the per-process fallback.
	Degraded bool
}

// NewIPKey builds the bucket key for one client address and endpoint class.
func NewIPKey(class EndpointClass, ip string) string {
	return "rl:ip:" + string(class) + ":" + SanitizeKeySegment(ip)
}

// SanitizeKeySegment replaces the key delimiter so a crafted address such as
// an IPv6 literal cannot land in another bucket's namespace.
func SanitizeKeySegment(s string) string {
	return strings.ReplaceAll(s, ":", "_")
}

// RetryAfterSeconds rounds the wait up so clients never retry early.
func RetryAfterSeconds(resetAt, now time.Time) int {
	d := resetAt.Sub(now)
	if d <= 0 {
		return 0
	}
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}
