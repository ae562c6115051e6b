package errors

import "fmt"

// AppError represents an application error
type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new AppError wrapping another error
func Wrap(code, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// The constructors below fix the Code for each member of the proxy's
// rejection taxonomy (spec.md §7), so callers never hand-roll the string.

// NotReady reports that the router has no upstream connected yet.
func NotReady(message string) *AppError {
	return New("NotReady", message)
}

// Unauthorised reports that the destination identity is not registered.
func Unauthorised(message string) *AppError {
	return New("Unauthorised", message)
}

// RateLimited reports that the caller exhausted its admission budget.
func RateLimited(message string) *AppError {
	return New("RateLimited", message)
}

// RefireExhausted reports that a request's refire chain hit MaxRefire.
func RefireExhausted(message string) *AppError {
	return New("RefireExhausted", message)
}

// AdminInvalid reports a rejected admin mutation: unknown admin identity,
// malformed command, or a failed add_user call.
func AdminInvalid(message string) *AppError {
	return New("AdminInvalid", message)
}

// AdminInvalidWrap is AdminInvalid with an underlying cause attached.
func AdminInvalidWrap(message string, err error) *AppError {
	return Wrap("AdminInvalid", message, err)
}
