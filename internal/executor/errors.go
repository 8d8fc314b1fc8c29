package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error is the typed failure executors return. Retryable marks transient
// conditions (rate limited, temporarily unavailable) as opposed to bad input.
type Error struct {
	Op        string
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	message := e.Message
	if message == "" && e.Err != nil {
		message = e.Err.Error()
	}
	if e.Op == "" {
		return message
	}
	return fmt.Sprintf("%s: %s", e.Op, message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Transient(op string, err error) error {
	return &Error{Op: op, Retryable: true, Err: err}
}

func Permanent(op, message string) error {
	return &Error{Op: op, Message: message}
}

// IsRetryable reports whether err is worth resubmitting as a new task.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "timeout") || strings.Contains(message, "tempor")
}
