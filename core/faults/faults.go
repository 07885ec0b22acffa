// Package faults defines the stable error codes surfaced by the deploy
// pipeline. Callers branch on the code to decide remediation: a reauth error
// means "reconnect your account", a build error means "fix your repo", and a
// fetch/upload error is usually transient.
package faults

import (
	"errors"
	"fmt"
)

// Code is a stable error code string.
type Code string

const (
	CodeCredentialMissing Code = "E_CREDENTIAL_MISSING"
	CodeReauthRequired    Code = "E_REAUTH_REQUIRED"
	CodeFetchFailed       Code = "E_FETCH_FAILED"
	CodeExtractFailed     Code = "E_EXTRACT_FAILED"
	CodeNoBuildScript     Code = "E_NO_BUILD_SCRIPT"
	CodeBuildFailed       Code = "E_BUILD_FAILED"
	CodeUploadFailed      Code = "E_UPLOAD_FAILED"
	CodeStatusUnavailable Code = "E_STATUS_UNAVAILABLE"
	CodeBadJob            Code = "E_BAD_JOB"
	CodeInternal          Code = "E_INTERNAL"
)

// Error is the standard pipeline error. Status carries the HTTP status code
// of a failed remote call when one applies; zero means "not an HTTP failure".
type Error struct {
	Code   Code
	Msg    string
	Status int
	Cause  error
}

// Error returns the stable "CODE: message" format.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error with the given code and message.
func New(code Code, msg string) error {
	return &Error{Code: code, Msg: msg}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error wrapping an underlying cause.
func Wrap(code Code, msg string, cause error) error {
	return &Error{Code: code, Msg: msg, Cause: cause}
}

// NewHTTP creates an Error carrying the remote call's HTTP status.
func NewHTTP(code Code, status int, msg string) error {
	return &Error{Code: code, Msg: msg, Status: status}
}

// GetCode extracts the code from err, or empty when err carries none.
func GetCode(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// HTTPStatus extracts the HTTP status from err when one was recorded.
func HTTPStatus(err error) (int, bool) {
	var fe *Error
	if errors.As(err, &fe) && fe.Status != 0 {
		return fe.Status, true
	}
	return 0, false
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return GetCode(err) == code
}
