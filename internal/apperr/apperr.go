// Package apperr defines the typed failures surfaced by the provisioning,
// request and notification paths. Each failure carries a machine-readable
// code and a human message.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

type Code string

const (
	CodeUnexpected      Code = "unexpected_error"
	CodeNotFound        Code = "object_not_found"
	CodeValidation      Code = "validation_error"
	CodePanel           Code = "xui_error"
	CodeUniqueViolation Code = "unique_violation_error"
	CodeNotImplemented  Code = "not_implemented_error"
)

// SQLSTATE unique_violation.
const pgUniqueViolation = "23505"

type Error struct {
	Code    Code
	Msg     string
	Err     error
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code, so errors.Is(err, &Error{Code: CodeNotFound})
// works without comparing messages.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func newf(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Err: err}
}

func NotFound(format string, args ...any) *Error {
	return newf(CodeNotFound, nil, format, args...)
}

func Validation(format string, args ...any) *Error {
	return newf(CodeValidation, nil, format, args...)
}

// Panel reports a rejected or failed call to the proxy panel. payload is the
// raw panel response, if any.
func Panel(payload string, err error, format string, args ...any) *Error {
	e := newf(CodePanel, err, format, args...)
	if payload != "" {
		e.Context = map[string]any{"payload": payload}
	}
	return e
}

func UniqueViolation(err error, format string, args ...any) *Error {
	return newf(CodeUniqueViolation, err, format, args...)
}

func NotImplemented(format string, args ...any) *Error {
	return newf(CodeNotImplemented, nil, format, args...)
}

func Unexpected(err error, format string, args ...any) *Error {
	return newf(CodeUnexpected, err, format, args...)
}

// CodeOf returns the code of the first *Error in err's chain, or
// CodeUnexpected.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	if IsUniqueViolation(err) {
		return CodeUniqueViolation
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return CodeNotFound
	}
	return CodeUnexpected
}

func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsUniqueViolation recognizes duplicate-key failures from gorm's error
// translation and from raw pgx errors.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Code == CodeUniqueViolation {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// FromDB maps a gorm error onto the taxonomy; object names the entity that
// was being read or written.
func FromDB(err error, object string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return &Error{Code: CodeNotFound, Msg: object + " not found", Err: err}
	case IsUniqueViolation(err):
		return UniqueViolation(err, "%s already exists", object)
	default:
		return err
	}
}

// HTTPStatus maps a failure onto the status code the API answers with.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeValidation:
		return http.StatusUnprocessableEntity
	case CodePanel:
		return http.StatusBadRequest
	case CodeUniqueViolation:
		return http.StatusConflict
	case CodeNotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
