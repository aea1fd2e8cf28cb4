package domain

import (
	"errors"
	"fmt"
)

// Code is the stable identifier of a failure class, also used as the API error code.
type Code string

const (
	CodeInvalidDefectID     Code = "err_invalid_bug_id_format"
	CodeMetadataUnavailable Code = "err_record_not_found"
	CodeContextMismatch     Code = "err_context_mismatch_byte_range"
	CodeExtractionFailure   Code = "err_extract_code_fail"
	CodeEmptyPatchContent   Code = "err_no_patch_content_identified"
	CodeBuildTimeout        Code = "err_build_timeout"
	CodeBuildFailure        Code = "err_build_failure"
	CodeCacheUnavailable    Code = "err_cache_unavailable"
)

// Error carries a Code plus a human readable message.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Errorf builds an *Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, err error, format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	if err != nil {
		msg = msg + ": " + err.Error()
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}

var (
	ErrInvalidDefectID     = &Error{Code: CodeInvalidDefectID}
	ErrMetadataUnavailable = &Error{Code: CodeMetadataUnavailable}
	ErrContextMismatch     = &Error{Code: CodeContextMismatch}
	ErrExtractionFailure   = &Error{Code: CodeExtractionFailure}
	ErrEmptyPatchContent   = &Error{Code: CodeEmptyPatchContent}
	ErrBuildTimeout        = &Error{Code: CodeBuildTimeout}
	ErrBuildFailure        = &Error{Code: CodeBuildFailure}
	ErrCacheUnavailable    = &Error{Code: CodeCacheUnavailable}
)

var (
	// ErrNotFound reports an unknown job handle or record.
	ErrNotFound = errors.New("not found")
	// ErrExists rejects inserting a job handle twice.
	ErrExists = errors.New("job already exists")
	// ErrInvalidTransition rejects moves the job state machine does not allow.
	ErrInvalidTransition = errors.New("invalid job state transition")
)
