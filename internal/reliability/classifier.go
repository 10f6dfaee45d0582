package reliability

import (
	"net/http"
	"time"
)

// IsRetryableStatus reports whether an HTTP response from the telephony
// provider, the voice engine handshake or a notification webhook is worth
// another attempt.
func IsRetryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// Voice engine error codes that describe a passing condition rather than a
// broken session.
const (
	EngineCodeRateLimited     = "rate_limited"
	EngineCodeOverloaded      = "overloaded"
	EngineCodeUpstreamTimeout = "upstream_timeout"
	EngineCodeQueueOverflow   = "queue_overflow"
)

// IsRetryableEngineCode reports whether an error frame from the voice engine
// leaves the session usable.
func IsRetryableEngineCode(code string) bool {
	switch code {
	case EngineCodeRateLimited, EngineCodeOverloaded, EngineCodeUpstreamTimeout, EngineCodeQueueOverflow:
		return true
	default:
		return false
	}
}

// Backoff is the wait before retry number attempt+1: Base doubled per
// attempt, never above Cap.
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.Cap {
			return p.Cap
		}
	}
	return d
}
