package errors

import (
	"errors"
	"fmt"
)

// ErrCode represents an error code
type ErrCode string

const (
	ErrCodeNotFound     ErrCode = "NOT_FOUND"
	ErrCodeUnauthorized ErrCode = "UNAUTHORIZED"
	ErrCodeInternal     ErrCode = "INTERNAL_ERROR"
	ErrCodeBadRequest   ErrCode = "BAD_REQUEST"
	ErrCodeNoCredential ErrCode = "NO_CREDENTIAL"
	ErrCodeUpstream     ErrCode = "UPSTREAM_ERROR"
)

// Reason narrows down an upstream failure
type Reason string

const (
	ReasonNotFound    Reason = "not_found"
	ReasonForbidden   Reason = "forbidden"
	ReasonRateLimited Reason = "rate_limited"
	ReasonUnavailable Reason = "unavailable"
)

// AppError represents an application error
type AppError struct {
	Code    ErrCode
	Message string
	Reason  Reason
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
	}
}

// NewUnauthorizedError creates a new unauthorized error
func NewUnauthorizedError(message string) *AppError {
	return &AppError{
		Code:    ErrCodeUnauthorized,
		Message: message,
	}
}

// NewInternalError creates a new internal error
func NewInternalError(message string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeInternal,
		Message: message,
		Err:     err,
	}
}

// NewBadRequestError creates a new bad request error
func NewBadRequestError(message string) *AppError {
	return &AppError{
		Code:    ErrCodeBadRequest,
		Message: message,
	}
}

// NewNoCredentialError is returned when no token is stored for the user
func NewNoCredentialError(userID, provider string) *AppError {
	return &AppError{
		Code:    ErrCodeNoCredential,
		Message: fmt.Sprintf("no %s credential stored for user %s", provider, userID),
	}
}

// NewAuthError is returned when the upstream API rejects the credential
func NewAuthError(message string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeUnauthorized,
		Message: message,
		Err:     err,
	}
}

// NewUpstreamError wraps a failed call to the remote repository API
func NewUpstreamError(message string, reason Reason, err error) *AppError {
	return &AppError{
		Code:    ErrCodeUpstream,
		Message: message,
		Reason:  reason,
		Err:     err,
	}
}

func hasCode(err error, code ErrCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsRateLimited checks if the error is an upstream failure caused by the
// API rate limit
func IsRateLimited(err error) bool {
	return ReasonOf(err) == ReasonRateLimited
}

// IsNoCredential checks if the error reports a missing credential
func IsNoCredential(err error) bool {
	return hasCode(err, ErrCodeNoCredential)
}

// IsAuth checks if the error reports a rejected credential
func IsAuth(err error) bool {
	return hasCode(err, ErrCodeUnauthorized)
}

// IsUpstream checks if the error is an upstream API failure
func IsUpstream(err error) bool {
	return hasCode(err, ErrCodeUpstream)
}

// ReasonOf returns the upstream reason carried by err, if any
func ReasonOf(err error) Reason {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Reason
	}
	return ""
}
