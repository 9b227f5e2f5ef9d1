package workflow

import (
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/arborworks/treeline/pkg/models"
)

// RenderPrompt executes a node's prompt template against its result context.
// Templates use text/template syntax with the context exposed as the root
// object. A nil template renders to the empty string.
func RenderPrompt(prompt *models.PromptTemplate, resultContext map[string]any) (string, error) {
	if prompt == nil || prompt.Content == "" {
		return "", nil
	}

	tmpl, err := template.
		New("prompt").
		Option("missingkey=zero").
		Funcs(template.FuncMap{
			"now": func() string {
				return time.Now().UTC().Format(time.RFC3339)
			},
		}).Parse(prompt.Content)
	if err != nil {
		return "", fmt.Errorf("failed to parse prompt template: %w", err)
	}

	var buf strings.Builder

	if err := tmpl.Execute(&buf, resultContext); err != nil {
		return "", fmt.Errorf("failed to render prompt template: %w", err)
	}

	return buf.String(), nil
}
