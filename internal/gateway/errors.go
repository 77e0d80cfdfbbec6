package gateway

import (
	"errors"
	"fmt"

	"github.com/dejisec/lode/internal/domain"
)

// Failure is a typed invocation failure surfaced after retries are
// exhausted (or immediately, for non-retryable kinds).
type Failure struct {
	Kind     domain.ErrorKind
	Role     domain.StageRole
	Attempts int
	Err      error
}

// Error implements the error interface.
func (f *Failure) Error() string {
	return fmt.Sprintf("%s invocation failed (%s) after %d attempt(s): %v", f.Role, f.Kind, f.Attempts, f.Err)
}

// Unwrap returns the underlying error.
func (f *Failure) Unwrap() error {
	return f.Err
}

// Kind extracts the error kind from an invocation error. Errors that are
// not gateway failures classify as provider errors.
func Kind(err error) domain.ErrorKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return domain.ErrKindProviderError
}
