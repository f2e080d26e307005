package compiler

import (
	"errors"
	"fmt"
)

// Kind classifies compilation failures.
type Kind int

const (
	// KindValidation means the dataset model is structurally inconsistent.
	KindValidation Kind = iota + 1
	// KindPartition means a partition table could not supply a required row or value.
	KindPartition
	// KindListener means the listener rejected or failed to process an event.
	KindListener
	// KindCancelled means the run was deliberately stopped.
	KindCancelled
	// KindInternal means an invariant of the compiler was violated.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPartition:
		return "partition"
	case KindListener:
		return "listener"
	case KindCancelled:
		return "cancelled"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// ErrCancelled matches (with errors.Is) the error returned by a cancelled run.
var ErrCancelled = errors.New("mart construction cancelled")

// Error is the terminal failure of a compilation run.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes every cancellation match ErrCancelled.
func (e *Error) Is(target error) bool {
	return target == ErrCancelled && e.Kind == KindCancelled
}

// KindOf returns the kind of a compilation error, or 0 if err is not one.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return 0
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func internalf(format string, args ...any) *Error {
	return newError(KindInternal, "", fmt.Errorf(format, args...))
}

func validationf(format string, args ...any) *Error {
	return newError(KindValidation, "", fmt.Errorf(format, args...))
}
