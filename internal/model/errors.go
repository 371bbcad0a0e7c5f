package model

import "errors"

var (
	// ErrFrozen is returned when weights are changed after Freeze.
	ErrFrozen = errors.New("model is frozen")
	// ErrNotFrozen is returned when prediction runs on a mutable model.
	ErrNotFrozen = errors.New("model must be frozen before prediction")
)

// dependencyUnavailableError signals a missing external dependency such as
// the llama.cpp bindings or the llama-server binary.
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing runtime dependency.
func IsDependencyUnavailable(err error) bool {
	var target dependencyUnavailableError
	return errors.As(err, &target)
}

// runtimeError wraps a failure reported by the runtime for one prompt.
type runtimeError struct {
	backend string
	err     error
}

func (e runtimeError) Error() string { return e.backend + ": " + e.err.Error() }

func (e runtimeError) Unwrap() error { return e.err }

// IsRuntimeError reports whether err came from the generation runtime.
func IsRuntimeError(err error) bool {
	var target runtimeError
	return errors.As(err, &target)
}
