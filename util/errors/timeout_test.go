package errors

import (
	"context"
	"fmt"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestErrorMessage_WithTarget(t *testing.T) {
	err := NewTimeoutError("StartWrite", "routing", context.DeadlineExceeded)
	expected := "timeout: StartWrite on routing: context deadline exceeded"
	if err.Error() != expected {
		t.Fatalf("got %q, want %q", err.Error(), expected)
	}
}

func TestErrorMessage_WithoutTarget(t *testing.T) {
	err := NewTimeoutError("Connect", "", context.DeadlineExceeded)
	expected := "timeout: Connect: context deadline exceeded"
	if err.Error() != expected {
		t.Fatalf("got %q, want %q", err.Error(), expected)
	}
}

func TestUnwrap(t *testing.T) {
	inner := context.DeadlineExceeded
	err := NewTimeoutError("op", "id", inner)
	if err.Unwrap() != inner {
		t.Fatalf("Unwrap returned wrong error")
	}
}

func TestNewTimeoutError_Fields(t *testing.T) {
	err := NewTimeoutError("Assign", "config", context.Canceled)
	if err.Operation != "Assign" {
		t.Fatalf("Operation = %q", err.Operation)
	}
	if err.Target != "config" {
		t.Fatalf("Target = %q", err.Target)
	}
	if err.Err != context.Canceled {
		t.Fatalf("Err = %v", err.Err)
	}
}

func TestFromContext_Deadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()

	err := FromContext(ctx, "StartWrite", "routing")
	te, ok := err.(*TimeoutError)
	if !ok {
		t.Fatalf("FromContext returned %T, want *TimeoutError", err)
	}
	if te.Operation != "StartWrite" || te.Target != "routing" {
		t.Fatalf("unexpected fields: %+v", te)
	}
	if !IsTimeout(err) {
		t.Fatalf("IsTimeout(%v) = false", err)
	}
}

func TestFromContext_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := FromContext(ctx, "StartWrite", "routing")
	if err != context.Canceled {
		t.Fatalf("FromContext = %v, want context.Canceled", err)
	}
	if IsTimeout(err) {
		t.Fatalf("cancellation must not be reported as timeout")
	}
}

func TestIsTimeout(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"DeadlineExceeded", context.DeadlineExceeded, true},
		{"TimeoutError", NewTimeoutError("op", "id", fmt.Errorf("x")), true},
		{"wrapped DeadlineExceeded", fmt.Errorf("wrap: %w", context.DeadlineExceeded), true},
		{"wrapped TimeoutError", fmt.Errorf("wrap: %w", NewTimeoutError("op", "id", fmt.Errorf("x"))), true},
		{"gRPC DeadlineExceeded", status.Error(codes.DeadlineExceeded, "timeout"), true},
		{"wrapped gRPC DeadlineExceeded", fmt.Errorf("wrap: %w", status.Error(codes.DeadlineExceeded, "timeout")), true},
		{"gRPC Unavailable", status.Error(codes.Unavailable, "unavailable"), false},
		{"regular error", fmt.Errorf("some error"), false},
		{"context.Canceled", context.Canceled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTimeout(tt.err); got != tt.want {
				t.Fatalf("IsTimeout(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
