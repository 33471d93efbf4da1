// Package pipeline runs the hubpack operations: baseline preparation, patch
// maintenance, variant checks, tool refresh, release and publication.
//
// Every operation is built from the same configuration value and reports
// failures as classified ReleaseErrors so the CLI can decide on exit codes.
package pipeline

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of a pipeline failure.
type ErrorClass string

const (
	// ErrorClassConfig indicates an unusable configuration.
	ErrorClassConfig ErrorClass = "config"

	// ErrorClassRetrieval indicates the baseline could not be fetched or extracted.
	ErrorClassRetrieval ErrorClass = "retrieval"

	// ErrorClassBaseline indicates a version mismatch or a reused tree.
	ErrorClassBaseline ErrorClass = "baseline"

	// ErrorClassPolicy indicates the release gate denied the run.
	ErrorClassPolicy ErrorClass = "policy"

	// ErrorClassAssembly indicates the output tree could not be built.
	ErrorClassAssembly ErrorClass = "assembly"

	// ErrorClassStructural indicates the archive failed verification.
	ErrorClassStructural ErrorClass = "structural"

	// ErrorClassIndex indicates the package index could not be updated.
	// The computed data is surfaced as a fallback document.
	ErrorClassIndex ErrorClass = "index"

	// ErrorClassPublish indicates the SFTP upload failed.
	ErrorClassPublish ErrorClass = "publish"

	// ErrorClassHistory indicates the audit record could not be written.
	ErrorClassHistory ErrorClass = "history"
)

// Fatal reports whether a failure of this class aborts the run before
// later stages execute.
func (c ErrorClass) Fatal() bool {
	switch c {
	case ErrorClassIndex, ErrorClassPublish, ErrorClassHistory:
		return false
	default:
		return true
	}
}

// ReleaseError is a classified pipeline failure.
type ReleaseError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Stage is the pipeline stage that failed.
	Stage string `json:"stage,omitempty"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Fallback is the computed index data when an index update failed.
	Fallback []byte `json:"-"`
}

// Error implements the error interface.
func (e *ReleaseError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Stage != "" {
		return fmt.Sprintf("[%s] %s (stage=%s)", e.Class, msg, e.Stage)
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *ReleaseError) Unwrap() error {
	return e.Err
}

// Is matches another ReleaseError of the same class.
func (e *ReleaseError) Is(target error) bool {
	t, ok := target.(*ReleaseError)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

func newError(class ErrorClass, stage, message string, err error) *ReleaseError {
	return &ReleaseError{Class: class, Stage: stage, Message: message, Err: err}
}

// IsFatal checks if err is a ReleaseError of a fatal class. Unclassified
// errors are fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var re *ReleaseError
	if errors.As(err, &re) {
		return re.Class.Fatal()
	}
	return true
}

// ClassOf extracts the class from err, or "" if err is not classified.
func ClassOf(err error) ErrorClass {
	var re *ReleaseError
	if errors.As(err, &re) {
		return re.Class
	}
	return ""
}

// FallbackOf returns the fallback index document carried by err, if any.
func FallbackOf(err error) []byte {
	var re *ReleaseError
	if errors.As(err, &re) {
		return re.Fallback
	}
	return nil
}
