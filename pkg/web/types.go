// Package web provides the HTTP surface of the run engine: draft lifecycle,
// run start/read, operator run control, and the node event stream.
package web

import (
	"github.com/arborworks/treeline/pkg/models"
	"github.com/arborworks/treeline/pkg/validation"
)

// UpdateDraftBody is the PUT body replacing a draft's content. DraftRevision
// is the compare-and-swap token read with the draft.
type UpdateDraftBody struct {
	DraftRevision int                      `json:"draft_revision"`
	Name          string                   `json:"name"          validate:"required,min=1"`
	Description   string                   `json:"description"`
	VersionNotes  string                   `json:"version_notes"`
	Nodes         []*models.DefinitionNode `json:"nodes"`
	Edges         []*models.DefinitionEdge `json:"edges"`
}

// ValidationResponse is the body of draft validate calls and the details of
// refused publishes.
type ValidationResponse struct {
	Valid                   bool               `json:"valid"`
	Errors                  []validation.Issue `json:"errors"`
	Warnings                []validation.Issue `json:"warnings"`
	InitialRunnableNodeKeys []string           `json:"initial_runnable_node_keys"`
}

func newValidationResponse(result *validation.Result) ValidationResponse {
	return ValidationResponse{
		Valid:                   result.Valid(),
		Errors:                  result.Errors,
		Warnings:                result.Warnings,
		InitialRunnableNodeKeys: result.InitialRunnableNodeKeys,
	}
}
