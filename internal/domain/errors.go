package domain

import (
	"errors"
	"fmt"
)

// Sentinels matched by the typed errors below via errors.Is.
var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError reports invalid input to a mutating operation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError reports a missing conversation, message or participant.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConflictError reports an attempt to bind a second, different context.
type ConflictError struct {
	ConversationID string
	Existing       ContextBinding
	Requested      ContextBinding
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conversation %s already bound to %s:%s (requested %s:%s)",
		e.ConversationID, e.Existing.Type, e.Existing.SubjectID, e.Requested.Type, e.Requested.SubjectID)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }
