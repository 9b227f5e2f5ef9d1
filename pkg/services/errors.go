// Package services implements the business operations behind the API:
// draft lifecycle, run start/read, and operator run control.
package services

import (
	"errors"
	"fmt"

	"github.com/arborworks/treeline/pkg/persistence"
	"github.com/arborworks/treeline/pkg/protocol"
	"github.com/arborworks/treeline/pkg/validation"
)

// Error codes surfaced in API responses. The HTTP status is derived from the
// code, never the other way around.
const (
	CodeInvalidRequest = "invalid_request"
	CodeNotFound       = "not_found"
	CodeConflict       = "conflict"
	CodeAuthRequired   = "auth_required"
	CodeInternalError  = "internal_error"
)

var (
	// ErrInvalidRequest marks malformed or out-of-range input. Always
	// caller-fixable, never retried.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrValidationFailed marks a publish refused because the draft's
	// topology has validation errors.
	ErrValidationFailed = errors.New("definition validation failed")

	// ErrVersionMismatch marks a draft operation addressed at a version
	// that is not the stored draft's version.
	ErrVersionMismatch = errors.New("draft version mismatch")
)

// ValidationFailedError carries the full validation result so the API can
// return every problem at once.
type ValidationFailedError struct {
	Result *validation.Result
}

func (e *ValidationFailedError) Error() string {
	return fmt.Sprintf("definition validation failed with %d error(s)", len(e.Result.Errors))
}

func (e *ValidationFailedError) Is(target error) bool {
	return target == ErrValidationFailed
}

// ErrorCode maps an error from the service layer to its API error code.
func ErrorCode(err error) string {
	var authErr *protocol.AuthError

	switch {
	case errors.Is(err, ErrInvalidRequest) || errors.Is(err, ErrValidationFailed):
		return CodeInvalidRequest
	case persistence.IsNotFound(err):
		return CodeNotFound
	case persistence.IsConflict(err) || errors.Is(err, ErrVersionMismatch):
		return CodeConflict
	case errors.As(err, &authErr):
		return CodeAuthRequired
	default:
		return CodeInternalError
	}
}
