package reliability

import (
	"net/http"
	"time"
)

// IsRetryableHTTPStatus reports whether a failed websocket handshake with this
// status is worth another dial attempt.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsRetryableUpstreamError classifies error codes reported inside upstream
// error events. Retryable errors tell the client the service is degraded,
// not that its audio was rejected.
func IsRetryableUpstreamError(code string) bool {
	switch code {
	case "rate_limit_exceeded", "server_error", "session_expired", "internal_error":
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
