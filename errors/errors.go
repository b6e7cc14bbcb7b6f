// Package errors provides the structured error type shared by the persistent stack packages.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents the type of error that occurred
type ErrorCode string

const (
	ErrCodeStorageFailure    ErrorCode = "STORAGE_FAILURE"
	ErrCodeNetworkFailure    ErrorCode = "NETWORK_FAILURE"
	ErrCodeConfigFailure     ErrorCode = "CONFIG_FAILURE"
	ErrCodeValidationFailure ErrorCode = "VALIDATION_FAILURE"
)

// Operation names the step during which an error occurred.
type Operation string

const (
	OpConfigure    Operation = "configure"
	OpReconfigure  Operation = "reconfigure"
	OpLoad         Operation = "load"
	OpDetach       Operation = "detach"
	OpFetch        Operation = "fetch"
	OpMerge        Operation = "merge"
	OpSave         Operation = "save"
	OpPersistToken Operation = "persist_token"
	OpLoadToken    Operation = "load_token"
	OpImport       Operation = "import"
	OpExport       Operation = "export"
	OpAttach       Operation = "attach"
	OpClose        Operation = "close"
)

// Kind classifies an error for callers that need to react to it.
type Kind uint8

const (
	KindOther Kind = iota
	KindInvalidConfig
	KindLoad
	KindFetch
	KindDetach
	KindStorage
	KindNotFound
	KindUnavailable
	KindClosed
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidConfig:
		return "invalid_config"
	case KindLoad:
		return "load"
	case KindFetch:
		return "fetch"
	case KindDetach:
		return "detach"
	case KindStorage:
		return "storage"
	case KindNotFound:
		return "not_found"
	case KindUnavailable:
		return "unavailable"
	case KindClosed:
		return "closed"
	case KindInternal:
		return "internal"
	default:
		return "other"
	}
}

// Component names the package or subsystem that produced the error.
type Component string

// Error is the structured error returned across package boundaries.
type Error struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "storage/sqlite", "history")
	Component Component

	Kind Kind

	// Code for the error family
	Code ErrorCode

	// Whether the operation can be retried
	Retryable bool

	// Underlying error
	Err error

	// Metadata for additional context
	Metadata map[string]interface{}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(string(e.Op))
		b.WriteString(" operation failed")
	} else {
		b.WriteString("operation failed")
	}
	if e.Component != "" {
		fmt.Fprintf(&b, " in %s component", e.Component)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " [%s]", e.Code)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds an *Error from its arguments. Recognized argument types are
// Operation, Component, Kind, ErrorCode, error, string (appended as context to
// the wrapped error) and map[string]interface{} (metadata). Kinds imply a code and
// retryability unless those are given explicitly.
func E(args ...interface{}) error {
	if len(args) == 0 {
		panic("errors.E called with no arguments")
	}
	e := &Error{}
	var msgs []string
	codeSet := false
	for _, arg := range args {
		switch a := arg.(type) {
		case Operation:
			e.Op = a
		case Component:
			e.Component = a
		case Kind:
			e.Kind = a
		case ErrorCode:
			e.Code = a
			codeSet = true
		case error:
			e.Err = a
		case string:
			msgs = append(msgs, a)
		case map[string]interface{}:
			e.Metadata = a
		default:
			msgs = append(msgs, fmt.Sprint(a))
		}
	}
	if len(msgs) > 0 {
		msg := strings.Join(msgs, ": ")
		if e.Err == nil {
			e.Err = errors.New(msg)
		} else {
			e.Err = fmt.Errorf("%s: %w", msg, e.Err)
		}
	}
	if !codeSet {
		e.Code = codeForKind(e.Kind)
	}
	e.Retryable = retryableKind(e.Kind)
	return e
}

func codeForKind(k Kind) ErrorCode {
	switch k {
	case KindInvalidConfig:
		return ErrCodeConfigFailure
	case KindLoad, KindStorage, KindFetch, KindDetach:
		return ErrCodeStorageFailure
	case KindUnavailable:
		return ErrCodeNetworkFailure
	case KindNotFound:
		return ErrCodeValidationFailure
	default:
		return ""
	}
}

func retryableKind(k Kind) bool {
	switch k {
	case KindFetch, KindStorage, KindUnavailable:
		return true
	default:
		return false
	}
}

// New creates a new Error
func New(op Operation, err error) *Error {
	return &Error{
		Op:  op,
		Err: err,
	}
}

// NewWithComponent creates a new Error with component information
func NewWithComponent(op Operation, component Component, err error) *Error {
	return &Error{
		Op:        op,
		Component: component,
		Err:       err,
	}
}

// NewRetryable creates a new retryable Error
func NewRetryable(op Operation, err error) *Error {
	return &Error{
		Op:        op,
		Err:       err,
		Retryable: true,
	}
}

// IsRetryable reports whether any *Error in err's chain is retryable.
func IsRetryable(err error) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Retryable {
			return true
		}
		err = e.Err
	}
	return false
}

// KindOf returns the first non-zero Kind in err's chain.
func KindOf(err error) Kind {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return KindOther
		}
		if e.Kind != KindOther {
			return e.Kind
		}
		err = e.Err
	}
	return KindOther
}

// Is reports whether err has the given Kind.
func Is(kind Kind, err error) bool {
	return KindOf(err) == kind
}
