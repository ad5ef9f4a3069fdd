package app

import (
	"context"
	"errors"
	"fmt"
)

// Error classes. Every error returned by App wraps exactly one of these so
// callers can classify it with errors.Is.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrStorage         = errors.New("storage unavailable")
	ErrTimeout         = fmt.Errorf("%w: timeout", ErrStorage)
)

var (
	// ErrInvalidCredentials is shown to end users and must not tell an
	// unknown email apart from a wrong password.
	ErrInvalidCredentials = fmt.Errorf("%w: incorrect email address or password", ErrUnauthorized)
	ErrInvalidToken       = fmt.Errorf("%w: invalid or expired token", ErrUnauthorized)

	ErrEmailAndPasswordRequired = fmt.Errorf("%w: email and password required", ErrInvalidArgument)
	ErrInvalidEmail             = fmt.Errorf("%w: invalid email address", ErrInvalidArgument)
	ErrEmailAlreadyExists       = fmt.Errorf("%w: email already exists", ErrConflict)
	ErrNameRequired             = fmt.Errorf("%w: name required", ErrInvalidArgument)
	ErrInvalidStatus            = fmt.Errorf("%w: unknown status", ErrInvalidArgument)
	ErrEmptyMessage             = fmt.Errorf("%w: message content is empty", ErrInvalidArgument)
	ErrSelfContact              = fmt.Errorf("%w: cannot add yourself as a contact", ErrInvalidArgument)
	ErrSelfMessage              = fmt.Errorf("%w: cannot message yourself", ErrInvalidArgument)

	ErrUserNotFound = fmt.Errorf("%w: user not found", ErrNotFound)
)

// PartialEdgeError reports a contact change where the first direction was
// written and the second was not. Nothing is rolled back; retrying the
// same operation repairs the relationship.
type PartialEdgeError struct {
	Applied string
	Failed  string
	Err     error
}

func (e *PartialEdgeError) Error() string {
	return fmt.Sprintf("contact edge %s applied but %s failed: %v", e.Applied, e.Failed, e.Err)
}

func (e *PartialEdgeError) Unwrap() []error {
	return []error{ErrStorage, e.Err}
}

// storageErr classifies a store failure as ErrTimeout or ErrStorage.
func storageErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// invalidArg wraps a validation failure from a helper package.
func invalidArg(err error) error {
	return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
}

var errNilListener = errors.New("listener required")
