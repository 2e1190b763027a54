package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by repositories when a record does not exist
	ErrNotFound = errors.New("not found")

	// ErrPreconditionFailed matches every *PreconditionFailedError
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrInvalidStateTransition matches every *InvalidStateTransitionError
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrTransport matches every *TransportError, including refused campaign recipients
	ErrTransport = errors.New("transport error")

	// ErrClassification matches every *ClassificationError. Sync skips such
	// messages and keeps going.
	ErrClassification = errors.New("classification error")

	// ErrRateLimitExceeded marks a send skipped because the daily cap is reached.
	// It is an expected steady-state condition.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)

// PreconditionFailedError reports a lifecycle operation whose requirements are not met
type PreconditionFailedError struct {
	Reason string
}

func (e *PreconditionFailedError) Error() string {
	return fmt.Sprintf("precondition failed: %s", e.Reason)
}

func (e *PreconditionFailedError) Is(target error) bool {
	return target == ErrPreconditionFailed
}

// InvalidStateTransitionError reports a lifecycle action attempted from a state that does not allow it
type InvalidStateTransitionError struct {
	Action string
	From   WarmupStatus
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: cannot %s warmup in state %q", e.Action, e.From)
}

func (e *InvalidStateTransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}

// TransportError wraps a failure of the mail transport
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// ClassificationError reports a remote message that could not be classified
type ClassificationError struct {
	UID    uint32
	Reason string
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("cannot classify message uid %d: %s", e.UID, e.Reason)
}

func (e *ClassificationError) Is(target error) bool {
	return target == ErrClassification
}
