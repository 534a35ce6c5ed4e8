package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/sells-group/factsync/internal/model"
)

// TransientError wraps an error that is safe to retry (e.g., 429, 5xx, network timeout).
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

// AdapterError carries an explicit classification set by the adapter that
// produced it.
type AdapterError struct {
	Kind model.ErrorKind
	Err  error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// NewValidationError marks err as malformed or out-of-range source data.
func NewValidationError(err error) *AdapterError {
	return &AdapterError{Kind: model.ErrorKindValidation, Err: err}
}

// NewNavigationError marks err as a failure to reach the data on the source
// (missing page, moved resource, unexpected layout).
func NewNavigationError(err error) *AdapterError {
	return &AdapterError{Kind: model.ErrorKindNavigation, Err: err}
}

// NewNetworkError marks err as a transport failure.
func NewNetworkError(err error) *AdapterError {
	return &AdapterError{Kind: model.ErrorKindNetwork, Err: err}
}

// Classify maps err to an ErrorKind. Explicit AdapterErrors win; otherwise
// context, network and transient patterns are inspected.
func Classify(err error) model.ErrorKind {
	if err == nil {
		return model.ErrorKindNone
	}

	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Kind
	}

	if errors.Is(err, context.Canceled) {
		return model.ErrorKindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.ErrorKindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.ErrorKindTimeout
	}

	if IsTransient(err) {
		return model.ErrorKindNetwork
	}
	return model.ErrorKindUnknown
}

// Retryable reports whether an adapter failure of this kind may succeed on a
// later attempt. Validation failures and cancellations are final.
func Retryable(err error) bool {
	switch Classify(err) {
	case model.ErrorKindTimeout, model.ErrorKindNetwork, model.ErrorKindNavigation:
		return true
	default:
		return false
	}
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
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

	// Connection reset / refused / DNS.
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"connection refused",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
		"unexpected eof",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}
