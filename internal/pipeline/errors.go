package pipeline

import (
	"errors"
	"fmt"
)

// ErrSuspended is returned by a run that reached the gate. It is not a
// failure: the run is waiting and resumes via the persisted token.
var ErrSuspended = errors.New("run suspended pending human review")

// ErrAdjustmentsExhausted terminates the decide/draft/gate loop after the
// bounded number of adjustment rounds.
var ErrAdjustmentsExhausted = errors.New("adjustment limit reached")

type transientError struct{ err error }

func (e transientError) Error() string { return "transient: " + e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

// Transient wraps an infrastructure error that the calling scheduler should
// retry. Never swallowed inside a stage.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

func IsTransient(err error) bool {
	var t transientError
	return errors.As(err, &t)
}

type domainError struct {
	pauseReason string
	err         error
}

func (e domainError) Error() string {
	return fmt.Sprintf("domain error (%s): %v", e.pauseReason, e.err)
}
func (e domainError) Unwrap() error { return e.err }

// DomainErr wraps a business rule failure. The pipeline boundary blocks the
// proposal and pauses the case with pauseReason.
func DomainErr(pauseReason string, err error) error {
	if err == nil {
		return nil
	}
	return domainError{pauseReason: pauseReason, err: err}
}

// DomainPause extracts the pause reason from a domain error.
func DomainPause(err error) (string, bool) {
	var d domainError
	if errors.As(err, &d) {
		return d.pauseReason, true
	}
	return "", false
}

// policyViolation is a validation failure inside the decision chain. Handled
// locally by falling through to the next candidate; never escapes the chain.
type policyViolation struct{ reason string }

func (e policyViolation) Error() string { return "policy: " + e.reason }
