package reliability

import (
	"errors"
	"net"

	"github.com/katidev/kati/internal/api"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableBackendError reports whether a failed backend call is worth
// trying again on the next utterance. Auth and validation failures are not;
// transport errors and overloaded-server statuses are.
func IsRetryableBackendError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, api.ErrUnauthorized) || errors.Is(err, api.ErrValidation) {
		return false
	}
	var be *api.BackendError
	if errors.As(err, &be) {
		return IsRetryableHTTPStatus(be.Status)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Connection refused and friends arrive as *url.Error wrapping syscall
	// errors; treat any non-backend failure as transient.
	return true
}
