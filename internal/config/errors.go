package config

import "errors"

// overrideError reports a malformed or inapplicable command line override.
type overrideError struct {
	arg string
	msg string
}

func (e overrideError) Error() string { return "override " + e.arg + ": " + e.msg }

// IsOverrideError reports whether err came from parsing or applying overrides.
func IsOverrideError(err error) bool {
	var oe overrideError
	return errors.As(err, &oe)
}

// missingFieldError signals a mandatory config key that is absent or null.
type missingFieldError struct{ key string }

func (e missingFieldError) Error() string { return "missing mandatory config value: " + e.key }

// ErrMissingField constructs a missingFieldError for key.
func ErrMissingField(key string) error { return missingFieldError{key: key} }

// IsMissingField reports whether err indicates a missing mandatory key.
func IsMissingField(err error) bool {
	var me missingFieldError
	return errors.As(err, &me)
}

// MissingKey returns the key named by a missing-field error, or "".
func MissingKey(err error) string {
	var me missingFieldError
	if errors.As(err, &me) {
		return me.key
	}
	return ""
}
