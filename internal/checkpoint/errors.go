package checkpoint

import "errors"

// restoreError wraps any failure to read or unpack an artifact.
type restoreError struct {
	stage string
	path  string
	err   error
}

func (e restoreError) Error() string {
	return "restore " + e.stage + " from " + e.path + ": " + e.err.Error()
}

func (e restoreError) Unwrap() error { return e.err }

// IsRestoreError reports whether err came from artifact restoration.
func IsRestoreError(err error) bool {
	var re restoreError
	return errors.As(err, &re)
}

// incompatibleError signals an adapter that does not fit the base model.
type incompatibleError struct{ msg string }

func (e incompatibleError) Error() string { return "incompatible adapter: " + e.msg }

// IsIncompatible reports whether err indicates a base/adapter mismatch.
func IsIncompatible(err error) bool {
	var ie incompatibleError
	return errors.As(err, &ie)
}

// unsupportedSchemeError is returned for PEFT schemes the runtime cannot
// apply.
type unsupportedSchemeError struct{ scheme string }

func (e unsupportedSchemeError) Error() string {
	return "unsupported peft scheme: " + e.scheme + " (supported: lora)"
}

// IsUnsupportedScheme reports whether err names an unsupported PEFT scheme.
func IsUnsupportedScheme(err error) bool {
	var ue unsupportedSchemeError
	return errors.As(err, &ue)
}
