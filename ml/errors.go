package ml

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode classifies failures surfaced by the loader and predictor.
type ErrorCode string

const (
	CodeArtifactNotFound      ErrorCode = "ARTIFACT_NOT_FOUND"
	CodeArtifactLoadFailed    ErrorCode = "ARTIFACT_LOAD_FAILED"
	CodeMissingFeatureColumns ErrorCode = "MISSING_FEATURE_COLUMNS"
	CodePredictionFailed      ErrorCode = "PREDICTION_FAILED"
)

// Error is the structured error returned by this package. Columns is only set
// for CodeMissingFeatureColumns.
type Error struct {
	Code    ErrorCode
	Message string
	Columns []string
	Err     error
}

var (
	ErrArtifactNotFound      = &Error{Code: CodeArtifactNotFound}
	ErrArtifactLoadFailed    = &Error{Code: CodeArtifactLoadFailed}
	ErrMissingFeatureColumns = &Error{Code: CodeMissingFeatureColumns}
	ErrPredictionFailed      = &Error{Code: CodePredictionFailed}
	ErrNotLoaded             = &Error{Code: CodePredictionFailed, Message: "model artifacts not loaded"}
)

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = strings.ToLower(strings.ReplaceAll(string(e.Code), "_", " "))
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Code, and on Message when the target sets one, so the
// package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

func newError(code ErrorCode, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func missingColumnsError(columns []string) *Error {
	return &Error{
		Code:    CodeMissingFeatureColumns,
		Message: fmt.Sprintf("missing columns: %s", strings.Join(columns, ", ")),
		Columns: columns,
	}
}

// CodeOf returns the code carried by err, or CodePredictionFailed for foreign errors.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodePredictionFailed
}
