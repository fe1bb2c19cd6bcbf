package llm

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed parse.
type ErrorKind string

const (
	// KindServiceError means the model could not be reached or returned nothing.
	KindServiceError ErrorKind = "service_error"
	// KindUnparseableInput means the model rejected the input or answered with non-JSON text.
	KindUnparseableInput ErrorKind = "unparseable_input"
	// KindInvalidDescriptor means the model answered with JSON that failed validation.
	KindInvalidDescriptor ErrorKind = "invalid_descriptor"
)

// ParseError is returned by Bridge.ParseInstruction.
type ParseError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// KindOf returns the ParseError kind of err, or KindServiceError for any other error.
func KindOf(err error) ErrorKind {
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindServiceError
}

func serviceError(msg string, err error) *ParseError {
	return &ParseError{Kind: KindServiceError, Msg: msg, Err: err}
}

func unparseable(msg string) *ParseError {
	return &ParseError{Kind: KindUnparseableInput, Msg: msg}
}

func invalidDescriptor(format string, args ...interface{}) *ParseError {
	return &ParseError{Kind: KindInvalidDescriptor, Msg: fmt.Sprintf(format, args...)}
}
