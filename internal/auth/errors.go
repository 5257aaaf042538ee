package auth

import (
	"errors"
	"fmt"
)

// Kind classifies lifecycle failures.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindConflict          Kind = "conflict"
	KindNotFound          Kind = "not_found"
	KindExpired           Kind = "expired"
	KindUnauthorized      Kind = "unauthorized"
	KindCapacity          Kind = "capacity"
	KindDependencyFailure Kind = "dependency_failure"
)

// Reason is a stable, client facing code describing why an operation failed.
type Reason string

const (
	ReasonInvalidEmail     Reason = "invalid_email"
	ReasonInvalidPassword  Reason = "invalid_password"
	ReasonPasswordMismatch Reason = "password_mismatch"
	ReasonPasswordRequired Reason = "password_required"
	ReasonInvalidMode      Reason = "invalid_mode"
	ReasonEmailExists      Reason = "email_exists"
	ReasonAlreadyVerified  Reason = "already_verified"
	ReasonUserNotFound     Reason = "user_not_found"
	ReasonInvalidToken     Reason = "invalid_token"
	ReasonTokenExpired     Reason = "token_expired"
	ReasonEmailNotVerified Reason = "email_not_verified"
	ReasonBetaFull         Reason = "beta_full"
	ReasonRateLimited      Reason = "rate_limited"
	ReasonInternal         Reason = "internal_error"
)

var reasonInfo = map[Reason]struct {
	kind    Kind
	message string
}{
	ReasonInvalidEmail:     {KindValidation, "Please provide a valid email address."},
	ReasonInvalidPassword:  {KindValidation, "The password does not meet the requirements."},
	ReasonPasswordMismatch: {KindValidation, "The passwords do not match."},
	ReasonPasswordRequired: {KindValidation, "A password is required for this account."},
	ReasonInvalidMode:      {KindValidation, "Unknown authentication mode."},
	ReasonEmailExists:      {KindConflict, "An account with this email address already exists."},
	ReasonAlreadyVerified:  {KindConflict, "This email address is already verified."},
	ReasonUserNotFound:     {KindNotFound, "No account found for this email address."},
	ReasonInvalidToken:     {KindUnauthorized, "The link or code is invalid."},
	ReasonTokenExpired:     {KindExpired, "The link or code has expired, please request a new one."},
	ReasonEmailNotVerified: {KindUnauthorized, "Please verify your email address first."},
	ReasonBetaFull:         {KindCapacity, "The beta is full, please try again later."},
	ReasonRateLimited:      {KindCapacity, "Too many requests, please try again later."},
	ReasonInternal:         {KindDependencyFailure, "Something went wrong, please try again later."},
}

// Kind returns the kind of failure for the reason.
func (r Reason) Kind() Kind {
	info, ok := reasonInfo[r]
	if !ok {
		return KindDependencyFailure
	}
	return info.kind
}

// Message returns the default user facing message.
func (r Reason) Message() string {
	info, ok := reasonInfo[r]
	if !ok {
		return reasonInfo[ReasonInternal].message
	}
	return info.message
}

// Error is a failed lifecycle operation.
// Message is safe to show to users, Err is only meant for logging.
type Error struct {
	Kind    Kind
	Reason  Reason
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return string(e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(r Reason, err error) *Error {
	return &Error{
		Kind:    r.Kind(),
		Reason:  r,
		Message: r.Message(),
		Err:     err,
	}
}

// withMessage replaces the default message of the error.
func (e *Error) withMessage(msg string) *Error {
	e.Message = msg
	return e
}

// withKind overrides the kind of the error.
func (e *Error) withKind(k Kind) *Error {
	e.Kind = k
	return e
}

// AsError returns err as an *Error. Errors that are not lifecycle errors
// are treated as internal errors.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return newError(ReasonInternal, err)
}
