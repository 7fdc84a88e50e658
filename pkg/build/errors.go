package build

import (
	"errors"
	"fmt"
)

// BuildError classifies a handler failure as a user or infrastructure
// problem. Handlers convert every collaborator error into one of these and
// persist the classification on the module build instead of propagating.
type BuildError struct {
	Type   FailureType
	Reason string
	Err    error
}

func (e *BuildError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *BuildError) Unwrap() error { return e.Err }

// UserErrorf builds a user-classified BuildError.
func UserErrorf(format string, args ...any) *BuildError {
	return &BuildError{Type: FailureUser, Reason: fmt.Sprintf(format, args...)}
}

// InfraErrorf builds an infra-classified BuildError.
func InfraErrorf(format string, args ...any) *BuildError {
	return &BuildError{Type: FailureInfra, Reason: fmt.Sprintf(format, args...)}
}

// WrapInfra wraps a collaborator error as an infra failure.
func WrapInfra(reason string, err error) *BuildError {
	return &BuildError{Type: FailureInfra, Reason: reason, Err: err}
}

// Classify extracts the failure type and human-readable reason from err.
// Unclassified errors are treated as infra failures: anything a bad module
// specification can cause is raised as a user BuildError at the source.
func Classify(err error) (FailureType, string) {
	var be *BuildError
	if errors.As(err, &be) {
		return be.Type, be.Error()
	}
	return FailureInfra, err.Error()
}
