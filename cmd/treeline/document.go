package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/arborworks/treeline/pkg/models"
)

// definitionDocument is the on-disk shape of a tree definition handled by the
// validate and push commands.
type definitionDocument struct {
	TreeKey      string                   `json:"tree_key"`
	Name         string                   `json:"name"`
	Description  string                   `json:"description"`
	VersionNotes string                   `json:"version_notes"`
	Nodes        []*models.DefinitionNode `json:"nodes"`
	Edges        []*models.DefinitionEdge `json:"edges"`
}

// documentSchema is the structural contract a definition document must meet
// before the topology validator looks at it.
var documentSchema = map[string]any{
	"type":     "object",
	"required": []string{"name", "nodes", "edges"},
	"properties": map[string]any{
		"tree_key":      map[string]any{"type": "string"},
		"name":          map[string]any{"type": "string", "minLength": 1},
		"description":   map[string]any{"type": "string"},
		"version_notes": map[string]any{"type": "string"},
		"nodes": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":     "object",
				"required": []string{"node_key", "node_type"},
				"properties": map[string]any{
					"node_key":  map[string]any{"type": "string", "minLength": 1},
					"node_type": map[string]any{"type": "string", "enum": []string{"agent", "human", "tool"}},
					"node_role": map[string]any{"type": "string", "enum": []string{"", "standard", "spawner", "join"}},
					"provider":  map[string]any{"type": "string"},
					"model":     map[string]any{"type": "string"},
					"max_children": map[string]any{
						"type":    "integer",
						"minimum": 0,
					},
				},
			},
		},
		"edges": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":     "object",
				"required": []string{"source_node_key", "target_node_key"},
				"properties": map[string]any{
					"source_node_key": map[string]any{"type": "string", "minLength": 1},
					"target_node_key": map[string]any{"type": "string", "minLength": 1},
					"route_on":        map[string]any{"type": "string", "enum": []string{"", "success", "failure"}},
					"priority":        map[string]any{"type": "integer"},
					"auto":            map[string]any{"type": "boolean"},
				},
			},
		},
	},
}

// loadDocument reads a definition document and checks it against the JSON
// schema before decoding into the model types.
func loadDocument(path string) (*definitionDocument, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition file: %w", err)
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("definition file is not valid JSON: %w", err)
	}

	schemaLoader := gojsonschema.NewGoLoader(documentSchema)
	documentLoader := gojsonschema.NewGoLoader(generic)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	if !result.Valid() {
		descriptions := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			descriptions = append(descriptions, desc.String())
		}

		return nil, fmt.Errorf("definition document is malformed: %s", strings.Join(descriptions, "; "))
	}

	var doc definitionDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode definition document: %w", err)
	}

	return &doc, nil
}
