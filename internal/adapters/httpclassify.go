package adapters

import (
	"context"
	"errors"
	"net"
	"net/http"
)

// classifyHTTPStatus maps an upstream status code onto the receipt reason
// taxonomy: 429 is retried, other 4xx are not, 5xx are transient.
func classifyHTTPStatus(status int) (reason string, failed bool) {
	switch {
	case status >= 200 && status < 300:
		return "", false
	case status == http.StatusTooManyRequests:
		return ReasonRateLimited, true
	case status >= 500:
		return ReasonTransientError, true
	default:
		return ReasonUpstreamError, true
	}
}

// classifyError maps a transport error onto the receipt reason taxonomy.
func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ReasonCancelled
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout
	}
	return ReasonTransientError
}
