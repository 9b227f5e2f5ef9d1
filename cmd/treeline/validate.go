package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/arborworks/treeline/pkg/validation"
)

var ErrDefinitionInvalid = errors.New("definition has validation errors")

func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Aliases:   []string{"v"},
		Usage:     "Validate a tree definition document with publish-level strictness",
		ArgsUsage: "<definition.json>",
		Action: func(ctx context.Context, command *cli.Command) error {
			if command.Args().Len() != 1 {
				return errors.New("expected exactly one definition file argument")
			}

			doc, err := loadDocument(command.Args().First())
			if err != nil {
				return err
			}

			result := validation.ValidateForPublish(doc.Nodes, doc.Edges)
			printResult(result)

			if !result.Valid() {
				return ErrDefinitionInvalid
			}

			return nil
		},
	}
}

func printResult(result *validation.Result) {
	for _, issue := range result.Errors {
		_, _ = fmt.Fprintf(os.Stdout, "error   %-24s %s%s\n", issue.Code, issue.Message, issueLocation(issue))
	}

	for _, issue := range result.Warnings {
		_, _ = fmt.Fprintf(os.Stdout, "warning %-24s %s%s\n", issue.Code, issue.Message, issueLocation(issue))
	}

	if result.Valid() {
		_, _ = fmt.Fprintf(os.Stdout, "valid: %d warning(s), initial runnable nodes: %v\n",
			len(result.Warnings), result.InitialRunnableNodeKeys)
	} else {
		_, _ = fmt.Fprintf(os.Stdout, "invalid: %d error(s), %d warning(s)\n",
			len(result.Errors), len(result.Warnings))
	}
}

func issueLocation(issue validation.Issue) string {
	switch {
	case issue.NodeKey != "":
		return " (node " + issue.NodeKey + ")"
	case issue.EdgeID != "":
		return " (edge " + issue.EdgeID + ")"
	default:
		return ""
	}
}
