package rcu

import (
	"errors"
	"fmt"
)

var (
	// ErrHandleClosed is raised by a WriteHandle used after Commit or Discard.
	ErrHandleClosed = errors.New("write handle already committed or discarded")
	// ErrSnapshotReleased is raised by a Snapshot used after Release.
	ErrSnapshotReleased = errors.New("snapshot already released")
	// ErrClosed is raised by a Variable used after Close.
	ErrClosed = errors.New("variable closed")
)

// ContractError is the panic value of a misused Variable, Snapshot or
// WriteHandle. It wraps one of the sentinel errors of this package.
type ContractError struct {
	Op       string
	Variable string
	Err      error
}

// Error returns a human-readable error message.
func (e *ContractError) Error() string {
	if e.Variable != "" {
		return fmt.Sprintf("rcu: %s on %s: %v", e.Op, e.Variable, e.Err)
	}
	return fmt.Sprintf("rcu: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying sentinel error.
func (e *ContractError) Unwrap() error {
	return e.Err
}

func contractViolation(op, variable string, err error) {
	panic(&ContractError{Op: op, Variable: variable, Err: err})
}
