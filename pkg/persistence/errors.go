// Package persistence provides standardized error types for storage operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrDefinitionNotFound indicates no definition exists for the given ID.
	ErrDefinitionNotFound = errors.New("definition not found")

	// ErrPublishedNotFound indicates no published version exists for the tree key.
	ErrPublishedNotFound = errors.New("published definition not found")

	// ErrDraftNotFound indicates no draft exists for the tree key.
	ErrDraftNotFound = errors.New("draft definition not found")

	// ErrRunNotFound indicates a workflow run was not found.
	ErrRunNotFound = errors.New("workflow run not found")

	// ErrRunNodeNotFound indicates a run node was not found.
	ErrRunNodeNotFound = errors.New("run node not found")

	// ErrFanOutGroupNotFound indicates a fan-out group was not found.
	ErrFanOutGroupNotFound = errors.New("fan-out group not found")

	// ErrArtifactNotFound indicates an artifact was not found.
	ErrArtifactNotFound = errors.New("artifact not found")

	// ErrRevisionConflict indicates an optimistic-concurrency token was stale:
	// the stored draft revision no longer matches the expected one.
	ErrRevisionConflict = errors.New("draft revision conflict")

	// ErrStatusConflict indicates a conditional status transition lost a race:
	// the entity was no longer in the expected status.
	ErrStatusConflict = errors.New("status precondition conflict")
)

// DefinitionError wraps definition-related errors with operation context.
type DefinitionError struct {
	Op      string // Operation being performed (e.g. "GetDraft", "PublishDraft")
	TreeKey string
	ID      string
	Err     error
}

func (e *DefinitionError) Error() string {
	target := e.ID
	if e.TreeKey != "" {
		target = fmt.Sprintf("tree %s", e.TreeKey)
	}

	return fmt.Sprintf("%s operation failed for definition %s: %v", e.Op, target, e.Err)
}

func (e *DefinitionError) Unwrap() error {
	return e.Err
}

func (e *DefinitionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// RunError wraps run-related errors with operation context.
type RunError struct {
	Op    string
	RunID string
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s operation failed for run %s: %v", e.Op, e.RunID, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

func (e *RunError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsNotFound reports whether an error is any of the not-found sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDefinitionNotFound) ||
		errors.Is(err, ErrPublishedNotFound) ||
		errors.Is(err, ErrDraftNotFound) ||
		errors.Is(err, ErrRunNotFound) ||
		errors.Is(err, ErrRunNodeNotFound) ||
		errors.Is(err, ErrFanOutGroupNotFound) ||
		errors.Is(err, ErrArtifactNotFound)
}

// IsConflict reports whether an error is an optimistic-concurrency loss the
// caller should resolve by re-fetching and retrying.
func IsConflict(err error) bool {
	return errors.Is(err, ErrRevisionConflict) || errors.Is(err, ErrStatusConflict)
}
