package types

import "errors"

// Error kinds. Every failure surfaced to a caller matches exactly one of these
// through errors.Is, which is what the HTTP layer maps to a status code.
var (
	ErrValidation    = errors.New("validation failed")
	ErrAuthorization = errors.New("not authorized")
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrUpstream      = errors.New("upstream failure")
	ErrRateLimited   = errors.New("rate limit exceeded")
)

// Error carries a kind, a human-readable reason and an optional cause.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// Well-known failures shared by the stores and the registry.
var (
	ErrAccessCodeTaken   = &Error{Kind: ErrConflict, Message: "access code already in use"}
	ErrAlreadyMember     = &Error{Kind: ErrConflict, Message: "you are already in this classroom"}
	ErrInvalidAccessCode = &Error{Kind: ErrNotFound, Message: "invalid access code"}
	ErrClassroomNotFound = &Error{Kind: ErrNotFound, Message: "classroom not found"}
	ErrUserNotFound      = &Error{Kind: ErrNotFound, Message: "user not found"}
	ErrMessageNotFound   = &Error{Kind: ErrNotFound, Message: "message not found"}
	ErrNotTeacher        = &Error{Kind: ErrAuthorization, Message: "only teachers can create classrooms"}
)

// Validation builds an ErrValidation failure.
func Validation(message string) error {
	return &Error{Kind: ErrValidation, Message: message}
}

// Conflict builds an ErrConflict failure.
func Conflict(message string) error {
	return &Error{Kind: ErrConflict, Message: message}
}

// Upstream wraps a storage or collaborator failure.
func Upstream(message string, err error) error {
	return &Error{Kind: ErrUpstream, Message: message, Err: err}
}

// RateLimited builds an ErrRateLimited failure.
func RateLimited(message string) error {
	return &Error{Kind: ErrRateLimited, Message: message}
}

// Reason returns the user-facing message of err, without the internal cause.
func Reason(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
