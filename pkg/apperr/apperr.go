package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a business-rule rejection. Every state-changing operation in
// the core returns one of these instead of panicking; hard failures (storage
// corruption, broken connections) travel as plain errors.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuthorization
	KindState
	KindConflict
	KindSignature
	KindNotFound
)

type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

func E(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Validation(code, format string, args ...any) *Error {
	return E(KindValidation, code, format, args...)
}

func Authorization(code, format string, args ...any) *Error {
	return E(KindAuthorization, code, format, args...)
}

func State(code, format string, args ...any) *Error {
	return E(KindState, code, format, args...)
}

func Conflict(code, format string, args ...any) *Error {
	return E(KindConflict, code, format, args...)
}

func Signature(code, format string, args ...any) *Error {
	return E(KindSignature, code, format, args...)
}

func NotFound(code, format string, args ...any) *Error {
	return E(KindNotFound, code, format, args...)
}

// KindOf returns the kind of err, or KindInternal for anything that is not an
// *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func IsKind(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }

func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "INTERNAL"
}

// HTTPStatus maps an error to the status the API layer renders.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindState:
		return http.StatusConflict
	case KindConflict:
		return http.StatusConflict
	case KindSignature:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
