package taskruntime

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrQueueFull             = errors.New("task queue is full")
	ErrNoPendingConfirmation = errors.New("no pending confirmation")
	ErrShuttingDown          = errors.New("service shutting down")
)

// ValidationError rejects a request before any state changes.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// TimeoutError is the failure recorded when a task exceeds its execution
// budget.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task timed out after %s", e.After)
}
