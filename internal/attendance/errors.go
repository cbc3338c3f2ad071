package attendance

import (
	"errors"
	"fmt"
)

// Error is a stable, transport-independent failure. Match with errors.Is.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

var (
	ErrInvalidTransition           = &Error{Code: "INVALID_TRANSITION", Message: "invalid session transition"}
	ErrSessionNotAcceptingAttempts = &Error{Code: "SESSION_NOT_ACCEPTING_ATTEMPTS", Message: "session is not accepting attempts"}
	ErrMaxAttemptsExceeded         = &Error{Code: "MAX_ATTEMPTS_EXCEEDED", Message: "maximum attempts exceeded"}
	ErrDuplicateTerminalAttempt    = &Error{Code: "DUPLICATE_TERMINAL_ATTEMPT", Message: "attendance already recorded"}
	ErrQRTokenInvalid              = &Error{Code: "QR_TOKEN_INVALID", Message: "qr token invalid"}
	ErrValidationFailed            = &Error{Code: "VALIDATION_FAILED", Message: "validation failed"}
	ErrNotEnrolled                 = &Error{Code: "NOT_ENROLLED", Message: "student is not enrolled in this course"}
	ErrNotFound                    = &Error{Code: "NOT_FOUND", Message: "not found"}
)

// CodeOf returns the code of the first *Error in err's chain, or "INTERNAL".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "INTERNAL"
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidationFailed}, args...)...)
}

func illegal(op string, from Status) error {
	return fmt.Errorf("%w: cannot %s a %s session", ErrInvalidTransition, op, from)
}
