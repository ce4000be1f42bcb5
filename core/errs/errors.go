package errs

import (
	"errors"
	"fmt"
)

const (
	CodeValidation             = "validation"
	CodeOutOfRange             = "out_of_range"
	CodeDuplicateEvidence      = "duplicate_evidence"
	CodeAnchorConflict         = "anchor_conflict"
	CodeInvalidTransition      = "invalid_transition"
	CodeTerminalState          = "terminal_state"
	CodeConcurrentModification = "concurrent_modification"
	CodeForbidden              = "forbidden"
	CodeNotFound               = "not_found"
	CodePersistence            = "persistence_failure"
)

// Sentinels for errors.Is; DomainError.Is compares by code.
var (
	ErrValidation             = &DomainError{Code: CodeValidation}
	ErrOutOfRange             = &DomainError{Code: CodeOutOfRange}
	ErrDuplicateEvidence      = &DomainError{Code: CodeDuplicateEvidence}
	ErrAnchorConflict         = &DomainError{Code: CodeAnchorConflict}
	ErrInvalidTransition      = &DomainError{Code: CodeInvalidTransition}
	ErrTerminalState          = &DomainError{Code: CodeTerminalState}
	ErrConcurrentModification = &DomainError{Code: CodeConcurrentModification}
	ErrForbidden              = &DomainError{Code: CodeForbidden}
	ErrNotFound               = &DomainError{Code: CodeNotFound}
	ErrPersistence            = &DomainError{Code: CodePersistence}
)

type DomainError struct {
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	case e.Message != "":
		return e.Code + ": " + e.Message
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return e.Code
	}
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	if e.Code == t.Code {
		return true
	}
	// OutOfRange is a ValidationError.
	return e.Code == CodeOutOfRange && t.Code == CodeValidation
}

func New(code, message string) *DomainError {
	return &DomainError{Code: code, Message: message}
}

func Validation(format string, args ...any) *DomainError {
	return &DomainError{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func OutOfRange(format string, args ...any) *DomainError {
	return &DomainError{Code: CodeOutOfRange, Message: fmt.Sprintf(format, args...)}
}

func NotFound(entity, id string) *DomainError {
	return &DomainError{Code: CodeNotFound, Message: entity + " " + id}
}

// Persistence wraps a store failure. Domain errors pass through untouched.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsDomainError(err); ok {
		return err
	}
	return &DomainError{Code: CodePersistence, Message: op, Err: err}
}

func AsDomainError(err error) (*DomainError, bool) {
	var de *DomainError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

func CodeOf(err error) string {
	if de, ok := AsDomainError(err); ok {
		return de.Code
	}
	if err != nil {
		return CodePersistence
	}
	return ""
}
