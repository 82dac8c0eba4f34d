package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loomlabs/loom/internal/store"
)

// ErrorKind classifies failures inside the agent loop. The kind decides the
// loop's reaction: transient errors retry, tool failures continue the loop,
// cancelled stops the run, fatal fails it.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNotFound
	KindValidation
	KindTransient
	KindToolFailure
	KindCancelled
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindToolFailure:
		return "tool_failure"
	case KindCancelled:
		return "cancelled"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// RunError wraps an underlying error with its kind and the operation that
// produced it.
type RunError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *RunError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Errf builds a RunError from a format string.
func Errf(kind ErrorKind, op, format string, args ...any) *RunError {
	return &RunError{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WrapErr attaches kind and op to err. A nil err yields nil.
func WrapErr(kind ErrorKind, op string, err error) *RunError {
	if err == nil {
		return nil
	}
	return &RunError{Kind: kind, Op: op, Err: err}
}

// Classify maps an arbitrary error to its kind. RunErrors report their own
// kind; store sentinels and context cancellation are recognized; HTTP-ish
// transient failures are matched on message as a last resort. Everything else
// is fatal to the run.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var re *RunError
	if errors.As(err, &re) {
		return re.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	case errors.Is(err, store.ErrNotFound):
		return KindNotFound
	case errors.Is(err, store.ErrConflict):
		return KindValidation
	case errors.Is(err, store.ErrUnavailable):
		return KindTransient
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"timeout",
		"deadline exceeded",
		"connection refused",
		"connection reset",
		"temporarily unavailable",
		"rate limit",
		"429",
		"502",
		"503",
		"504",
	} {
		if strings.Contains(msg, pattern) {
			return KindTransient
		}
	}
	return KindFatal
}

// Retryable reports whether the error is worth another attempt.
func Retryable(err error) bool {
	return Classify(err) == KindTransient
}
