package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrTimeout is returned when an attempt's deadline expires before the
	// upstream responds.
	ErrTimeout = errors.New("upstream request timed out")

	// ErrMissingCredential is returned when a request carries no credential.
	ErrMissingCredential = errors.New("API key is required for upstream calls")
)

// StatusError is a non-2xx upstream response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	switch e.StatusCode {
	case http.StatusUnauthorized:
		return "authentication failed: please reconnect your account"
	case http.StatusPaymentRequired:
		return "insufficient balance: please add credit to your account"
	case http.StatusForbidden:
		return "access denied: check your API key permissions"
	}
	if e.Body == "" {
		return fmt.Sprintf("upstream error: %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream error: %d - %s", e.StatusCode, e.Body)
}

// IsRetryable reports whether another attempt could succeed. Client errors
// other than 408 and 429 are final, as is a missing credential or a caller
// cancellation. Network failures, timeouts and 5xx responses are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrMissingCredential) || errors.Is(err, context.Canceled) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		code := statusErr.StatusCode
		if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
			return true
		}
		return code < 400 || code >= 500
	}

	return true
}
