package errors

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// TimeoutError represents a deadline hit while waiting on a shared resource,
// e.g. the write lock of an RCU variable or an etcd round trip.
type TimeoutError struct {
	Operation string
	Target    string
	Err       error
}

// Error returns a human-readable error message.
func (e *TimeoutError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("timeout: %s on %s: %v", e.Operation, e.Target, e.Err)
	}
	return fmt.Sprintf("timeout: %s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error.
func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation, target string, err error) *TimeoutError {
	return &TimeoutError{
		Operation: operation,
		Target:    target,
		Err:       err,
	}
}

// FromContext converts the error of a finished context into the error a
// waiting operation should return: a TimeoutError for an expired deadline,
// ctx.Err() unchanged for cancellation.
func FromContext(ctx context.Context, operation, target string) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError(operation, target, err)
	}
	return err
}

// IsTimeout reports whether err is a timeout error. It checks for TimeoutError,
// context.DeadlineExceeded, and gRPC DeadlineExceeded status codes.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}

	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if s, ok := status.FromError(err); ok {
		return s.Code() == codes.DeadlineExceeded
	}

	return false
}
