package domain

import (
	"errors"
	"fmt"
)

// Kind names an entity type in errors and events.
type Kind string

const (
	KindProject    Kind = "Project"
	KindEpic       Kind = "Epic"
	KindFeature    Kind = "Feature"
	KindDefinition Kind = "TestCaseDefinition"
	KindRun        Kind = "TestRun"
	KindCase       Kind = "TestCase"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrValidation   = errors.New("validation failed")
	ErrArtifact     = errors.New("artifact storage")
)

type NotFoundError struct {
	Kind Kind
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func NotFound(kind Kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// ParentNotFoundError is returned when a create names a parent that does not exist.
type ParentNotFoundError struct {
	Kind Kind
	ID   string
}

func (e *ParentNotFoundError) Error() string {
	return fmt.Sprintf("parent %s %s not found", e.Kind, e.ID)
}

func (e *ParentNotFoundError) Is(target error) bool { return target == ErrNotFound }

func ParentNotFound(kind Kind, id string) error {
	return &ParentNotFoundError{Kind: kind, ID: id}
}

type DeletionConstraintError struct {
	Kind   Kind
	ID     string
	Reason string
}

func (e *DeletionConstraintError) Error() string {
	return fmt.Sprintf("cannot delete %s %s: %s", e.Kind, e.ID, e.Reason)
}

func (e *DeletionConstraintError) Is(target error) bool { return target == ErrConflict }

func DeletionConstraint(kind Kind, id, reason string) error {
	return &DeletionConstraintError{Kind: kind, ID: id, Reason: reason}
}

// DuplicateError reports a unique field collision.
type DuplicateError struct {
	Kind  Kind
	Field string
	Value string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s with %s %q already exists", e.Kind, e.Field, e.Value)
}

func (e *DuplicateError) Is(target error) bool { return target == ErrConflict }

type InvalidStateError struct {
	Kind    Kind
	ID      string
	Message string
}

func (e *InvalidStateError) Error() string {
	if e.ID == "" {
		return e.Message
	}
	return fmt.Sprintf("%s %s %s", e.Kind, e.ID, e.Message)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

func InvalidState(kind Kind, id, msg string) error {
	return &InvalidStateError{Kind: kind, ID: id, Message: msg}
}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ArtifactError wraps a screenshot storage failure. It is logged, never surfaced
// as the result of a recording operation.
type ArtifactError struct {
	Op   string
	Path string
	Err  error
}

func (e *ArtifactError) Error() string {
	return fmt.Sprintf("artifact %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ArtifactError) Unwrap() error { return e.Err }

func (e *ArtifactError) Is(target error) bool { return target == ErrArtifact }
