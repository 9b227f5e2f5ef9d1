// Package models defines the core domain models for the agentic workflow run engine.
package models

import "time"

// DefinitionStatus represents the lifecycle state of a workflow definition version.
type DefinitionStatus string

const (
	DefinitionStatusDraft       DefinitionStatus = "draft"       // Editable, not runnable
	DefinitionStatusPublished   DefinitionStatus = "published"   // Current active, runnable
	DefinitionStatusUnpublished DefinitionStatus = "unpublished" // Historical version, immutable
)

// WorkflowDefinition is one version of a workflow tree. The TreeKey is the
// stable slug linking all versions; Version is monotonic per key. At most one
// draft and one currently-published record exist per TreeKey; older published
// versions are retained as history and never mutated.
type WorkflowDefinition struct {
	ID            string            `json:"id"`
	TreeKey       string            `json:"tree_key"       validate:"required,min=1"`
	Version       int               `json:"version"        validate:"min=1"`
	Status        DefinitionStatus  `json:"status"         validate:"required"`
	DraftRevision int               `json:"draft_revision"` // Optimistic-concurrency counter, draft only
	Name          string            `json:"name"           validate:"required,min=1"`
	Description   string            `json:"description"`
	VersionNotes  string            `json:"version_notes"`
	Nodes         []*DefinitionNode `json:"nodes"`
	Edges         []*DefinitionEdge `json:"edges"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	PublishedAt   *time.Time        `json:"published_at,omitempty"`
}

// NodeByKey returns the node with the given key, or nil.
func (d *WorkflowDefinition) NodeByKey(nodeKey string) *DefinitionNode {
	for _, node := range d.Nodes {
		if node.NodeKey == nodeKey {
			return node
		}
	}

	return nil
}

// OutgoingEdges returns the edges leaving the given node, in insertion order.
func (d *WorkflowDefinition) OutgoingEdges(nodeKey string) []*DefinitionEdge {
	edges := make([]*DefinitionEdge, 0)

	for _, edge := range d.Edges {
		if edge.SourceNodeKey == nodeKey {
			edges = append(edges, edge)
		}
	}

	return edges
}
