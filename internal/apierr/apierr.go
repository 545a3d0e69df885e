// Package apierr defines the small set of behavioral error types the HTTP
// layer maps to status codes (spec §7), mirroring the teacher's pattern of
// centralizing error-to-status mapping in one place rather than scattering
// status-code decisions through handler code.
package apierr

import "errors"

// PolicyError reports an admission-time policy violation (spec §4.4, §7).
// It is never returned alongside a created job.
type PolicyError struct {
	Action  string
	Reason  string
	Context map[string]any
}

func (e *PolicyError) Error() string { return e.Reason }

// ValidationError reports a malformed or out-of-range request (spec §7).
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// NotFoundError reports a missing resource (spec §7).
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// AsPolicy reports whether err is (or wraps) a *PolicyError.
func AsPolicy(err error) (*PolicyError, bool) {
	var e *PolicyError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// AsValidation reports whether err is (or wraps) a *ValidationError.
func AsValidation(err error) (*ValidationError, bool) {
	var e *ValidationError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// AsNotFound reports whether err is (or wraps) a *NotFoundError.
func AsNotFound(err error) (*NotFoundError, bool) {
	var e *NotFoundError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
