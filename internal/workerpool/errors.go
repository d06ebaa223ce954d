package workerpool

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for errors.Is checks on pool failures.
var (
	ErrTimeout   = errors.New("task timed out")
	ErrCancelled = errors.New("task cancelled")
	ErrCrashed   = errors.New("worker crashed")
	ErrShutdown  = errors.New("shutting down")
)

// ErrorKind classifies a pool failure.
type ErrorKind string

const (
	KindTimeout   ErrorKind = "timeout"
	KindCancelled ErrorKind = "cancelled"
	KindCrash     ErrorKind = "crash"
	KindShutdown  ErrorKind = "shutdown"
)

// Error is a task failure produced by the pool itself, as opposed to an
// error returned by the tool.
type Error struct {
	Kind    ErrorKind
	Tool    string
	Timeout time.Duration
	Detail  string
	Cause   error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindTimeout:
		return fmt.Sprintf("tool %s timed out after %s", e.Tool, e.Timeout)
	case KindCancelled:
		return fmt.Sprintf("tool %s cancelled", e.Tool)
	case KindCrash:
		return fmt.Sprintf("tool %s crashed: %s", e.Tool, e.Detail)
	case KindShutdown:
		return fmt.Sprintf("tool %s rejected: shutting down", e.Tool)
	}
	return fmt.Sprintf("tool %s failed", e.Tool)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is maps kinds onto the package sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrCancelled:
		return e.Kind == KindCancelled
	case ErrCrashed:
		return e.Kind == KindCrash
	case ErrShutdown:
		return e.Kind == KindShutdown
	}
	return false
}
