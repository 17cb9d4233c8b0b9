package hot

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why importing or applying an update failed.
type ErrorKind int

const (
	// ResolutionFailed: the module could not be fetched or located.
	ResolutionFailed ErrorKind = iota
	// MalformedSource: the module source does not parse.
	MalformedSource
	// EvaluationFailed: the module body raised an error while running.
	EvaluationFailed
	// CallbackFailed: an accept or dispose callback returned an error.
	CallbackFailed
)

func (k ErrorKind) String() string {
	switch k {
	case ResolutionFailed:
		return "resolution-failed"
	case MalformedSource:
		return "malformed-source"
	case EvaluationFailed:
		return "evaluation-failed"
	case CallbackFailed:
		return "callback-failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ImportError is produced by importers and callback wrappers.
type ImportError struct {
	Kind   ErrorKind
	ID     string
	File   string // source location, when known
	Line   int
	Column int
	Stack  string
	Err    error
}

func (e *ImportError) Error() string {
	loc := e.ID
	if e.File != "" {
		loc = e.File
	}
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d", loc, e.Line)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, loc, e.Err)
}

func (e *ImportError) Unwrap() error {
	return e.Err
}

// KindOf classifies err. Errors that carry no ImportError are treated as
// resolution failures.
func KindOf(err error) ErrorKind {
	var ie *ImportError
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return ResolutionFailed
}

// callbackError wraps an error returned by a module callback, keeping an
// existing classification if the callback already produced one.
func callbackError(id string, err error) error {
	if err == nil {
		return nil
	}
	var ie *ImportError
	if errors.As(err, &ie) {
		return err
	}
	return &ImportError{Kind: CallbackFailed, ID: id, Err: err}
}

// CallSafely runs fn, converting a panic into a CallbackFailed error.
func CallSafely(id string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ImportError{Kind: CallbackFailed, ID: id, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return callbackError(id, fn())
}
