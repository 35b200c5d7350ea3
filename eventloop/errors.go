package eventloop

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrLoopAlreadyRunning is returned when Run is called on a loop that is already running.
	ErrLoopAlreadyRunning = errors.New("eventloop: loop is already running")

	// ErrLoopTerminated is returned when work is offered to a terminated loop.
	ErrLoopTerminated = errors.New("eventloop: loop has been terminated")

	// ErrLoopOverloaded is passed to the overload callback when a tick leaves
	// external tasks behind after exhausting its budget.
	ErrLoopOverloaded = errors.New("eventloop: loop is overloaded")

	// ErrReentrantRun is returned when Run is called from the loop goroutine.
	ErrReentrantRun = errors.New("eventloop: cannot call Run from within the loop")

	// ErrTimerNotFound is returned when cancelling or resetting an unknown or
	// already finished timer.
	ErrTimerNotFound = errors.New("eventloop: timer not found")

	// ErrInvalidInterval is returned for a negative timer interval.
	ErrInvalidInterval = errors.New("eventloop: invalid timer interval")

	// ErrGoexit rejects a promisified operation whose goroutine called runtime.Goexit.
	ErrGoexit = errors.New("eventloop: goroutine exited via runtime.Goexit")
)

// PanicError wraps a value recovered from a panicking task or operation.
type PanicError struct {
	Value any
}

func (e PanicError) Error() string {
	return fmt.Sprintf("eventloop: panic: %v", e.Value)
}

// Unwrap returns Value if it is an error.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// AggregateError is the rejection reason of [Any] when every input rejected.
type AggregateError struct {
	Errors  []error
	Message string
}

func (e *AggregateError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "all promises were rejected"
	}
	if len(e.Errors) == 0 {
		return msg
	}
	parts := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		parts[i] = err.Error()
	}
	return msg + ": " + strings.Join(parts, "; ")
}

func (e *AggregateError) Unwrap() []error { return e.Errors }

// TimeoutError is a generic deadline failure, used by packages built on the loop.
type TimeoutError struct {
	Cause   error
	Message string
}

func (e *TimeoutError) Error() string {
	if e.Message == "" {
		return "operation timed out"
	}
	return e.Message
}

func (e *TimeoutError) Unwrap() error { return e.Cause }

// Timeout implements the net.Error style predicate.
func (e *TimeoutError) Timeout() bool { return true }

// RejectionError wraps a non-error rejection reason so it can travel as an error.
type RejectionError struct {
	Reason any
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("promise rejected: %v", e.Reason)
}

// AsError converts a rejection reason to an error.
func AsError(reason any) error {
	switch v := reason.(type) {
	case nil:
		return &RejectionError{}
	case error:
		return v
	default:
		return &RejectionError{Reason: v}
	}
}
