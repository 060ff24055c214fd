package apperrors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrConflict               = errors.New("conflict")
	ErrCredentialsKeyMismatch = errors.New("datasource credentials were encrypted with a different key")

	// ErrDuplicateAnswer is returned when an answer repeats the most recent
	// committed answer of the same conversation.
	ErrDuplicateAnswer = errors.New("duplicate answer")
)

// Code is the stable, user-visible identifier of a query-core failure.
type Code string

const (
	CodeDataSourceNotFound      Code = "datasource_not_found"
	CodeFileUnavailable         Code = "file_unavailable"
	CodeAmbiguousTableReference Code = "ambiguous_table_reference"
	CodeQuerySyntaxError        Code = "query_syntax_error"
	CodeEngineUnavailable       Code = "engine_unavailable"
	CodeQueryTimeout            Code = "query_timeout"
	CodeResultTooLarge          Code = "result_too_large"
	CodeNotFound                Code = "not_found"
)

// Error is a typed query-core failure. Two Errors match under errors.Is when
// their codes are equal, so callers can compare against the sentinels below
// regardless of message or cause.
type Error struct {
	Code     Code
	Message  string
	Fragment string // offending query fragment, when the engine reported one
	Cause    error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Fragment != "" {
		msg += fmt.Sprintf(" (near %q)", e.Fragment)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code.
// ErrNotFound is also matched by CodeNotFound so repository-level checks keep working.
func (e *Error) Is(target error) bool {
	if target == ErrNotFound {
		return e.Code == CodeNotFound
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrDataSourceNotFound      = &Error{Code: CodeDataSourceNotFound}
	ErrFileUnavailable         = &Error{Code: CodeFileUnavailable}
	ErrAmbiguousTableReference = &Error{Code: CodeAmbiguousTableReference}
	ErrQuerySyntax             = &Error{Code: CodeQuerySyntaxError}
	ErrEngineUnavailable       = &Error{Code: CodeEngineUnavailable}
	ErrQueryTimeout            = &Error{Code: CodeQueryTimeout}
	ErrResultTooLarge          = &Error{Code: CodeResultTooLarge}
	ErrConversationNotFound    = &Error{Code: CodeNotFound}
)

// New creates a typed error with a message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates a typed error carrying an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// DataSourceNotFound reports a missing or inactive data source. The message asks for re-selection
// rather than suggesting a substitute.
func DataSourceNotFound(id string, cause error) *Error {
	return &Error{
		Code:    CodeDataSourceNotFound,
		Message: fmt.Sprintf("data source %s is not available; select a data source", id),
		Cause:   cause,
	}
}

// QuerySyntax reports a syntax error returned verbatim by an engine.
func QuerySyntax(message, fragment string, cause error) *Error {
	return &Error{Code: CodeQuerySyntaxError, Message: message, Fragment: fragment, Cause: cause}
}

// CodeOf returns the code carried by err, or "" if err is not a typed error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, ErrNotFound) {
		return CodeNotFound
	}
	return ""
}
