// Package resilience classifies fetch/extraction failures and provides the
// bounded retry loop and circuit breaker used around external calls.
package resilience

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// PolicyError marks a request refused by local policy (SSRF, domain
// allowlist, robots.txt). Never retried.
type PolicyError struct {
	Reason string
	URL    string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("policy: %s: %s", e.Reason, e.URL)
}

// NewPolicyError builds a PolicyError.
func NewPolicyError(reason, url string) *PolicyError {
	return &PolicyError{Reason: reason, URL: url}
}

// IsPolicy reports whether err carries a PolicyError.
func IsPolicy(err error) bool {
	var pe *PolicyError
	return errors.As(err, &pe)
}

// BlockingError marks a response that signals the target is refusing us
// (403/429 or a challenge page). Not retried within a run.
type BlockingError struct {
	StatusCode int
	Hint       string
	URL        string
}

func (e *BlockingError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("blocked (%d, %s): %s", e.StatusCode, e.Hint, e.URL)
	}
	return fmt.Sprintf("blocked (%d): %s", e.StatusCode, e.URL)
}

// IsBlocking reports whether err carries a BlockingError.
func IsBlocking(err error) bool {
	var be *BlockingError
	return errors.As(err, &be)
}

// AsBlocking extracts the BlockingError from err's chain.
func AsBlocking(err error) (*BlockingError, bool) {
	var be *BlockingError
	ok := errors.As(err, &be)
	return be, ok
}

// TransientError wraps an error that is safe to retry (timeout, reset, 5xx).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// IsTransient returns true if the error chain holds a TransientError or a
// network-level timeout/reset. Policy and blocking errors are never transient.
func IsTransient(err error) bool {
	if err == nil || IsPolicy(err) || IsBlocking(err) {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus reports whether a status is a retryable server-side failure.
// 429 is deliberately excluded: it is a blocking signal for scraping targets.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsBlockingHTTPStatus reports whether a status means the target refuses us.
func IsBlockingHTTPStatus(statusCode int) bool {
	return statusCode == 403 || statusCode == 429
}
