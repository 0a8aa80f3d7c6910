package qerr

import (
	"errors"
	"fmt"
)

// Code represents a stable error category that callers can switch on.
type Code string

const (
	CodeUnknown Code = "unknown"

	// CodeSchema marks a malformed or unsupported option schema.
	CodeSchema Code = "schema"

	CodeRange        Code = "validation.range"
	CodeEnum         Code = "validation.enum"
	CodeType         Code = "validation.type"
	CodeUnknownKey   Code = "validation.unknown"
	CodeExport       Code = "export"
	CodeSpawn        Code = "spawn"
	CodeProcess      Code = "process"
	CodeImport       Code = "import"
	CodeBusy         Code = "busy"
	CodeNotFound     Code = "not_found"
	CodeUnauthorized Code = "unauthorized"
)

// Error is a simple value type that carries a Code plus the underlying error.
type Error struct {
	Code Code
	err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// New wraps an error with the provided code. If err is nil a nil is returned.
func New(code Code, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, err: err}
}

// Errorf is New with a formatted message.
func Errorf(code Code, format string, args ...any) error {
	return &Error{Code: code, err: fmt.Errorf(format, args...)}
}

// IsCode reports whether any error in err's chain carries code.
func IsCode(err error, code Code) bool {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.err
	}
	return false
}

// IsValidation reports whether err is any of the validation codes.
func IsValidation(err error) bool {
	return IsCode(err, CodeRange) || IsCode(err, CodeEnum) ||
		IsCode(err, CodeType) || IsCode(err, CodeUnknownKey)
}

// CodeOf returns the outermost code in err's chain, or CodeUnknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}
