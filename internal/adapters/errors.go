package adapters

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates the remote resource does not exist. Not retryable.
var ErrNotFound = errors.New("resource not found")

// ServiceError is a failure talking to an external service. Transient
// failures (network, rate limit, 5xx) are retryable at the adapter layer;
// everything else surfaces immediately.
type ServiceError struct {
	Service   string // "tracker", "git", "codehost", "ci"
	Operation string // e.g. "create_pr"
	Err       error
	Transient bool
	Status    int // HTTP status when applicable, else 0
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s failed (status %d): %v", e.Service, e.Operation, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s failed: %v", e.Service, e.Operation, e.Err)
}

// Unwrap allows errors.Is and errors.As to reach the underlying error.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// NewServiceError builds a ServiceError classified by HTTP status. Status
// zero (no response, e.g. network error) is treated as transient.
func NewServiceError(service, operation string, status int, err error) *ServiceError {
	return &ServiceError{
		Service:   service,
		Operation: operation,
		Err:       err,
		Status:    status,
		Transient: transientStatus(status),
	}
}

// transientStatus classifies HTTP status codes as retryable.
func transientStatus(status int) bool {
	switch status {
	case 0, 429, 500, 502, 503, 504:
		return true
	default:
		return status >= 500 && status < 600
	}
}

// IsTransient reports whether the error is a retryable service failure.
func IsTransient(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Transient
	}
	return false
}
