// Package files implements the sandbox file tools.
//
// Two tools are registered:
//   - CreateOrUpdateFile: writes a batch of files and records them in the run state
//   - readFiles: returns the contents of a list of files as a JSON array
package files

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jkaninda/kodo/internal/step"
	"github.com/jkaninda/kodo/internal/tools"
)

// Durable step names.
const (
	WriteStepName = "createOrUpdateFile"
	ReadStepName  = "readFiles"
)

// --- CreateOrUpdateFile ---

// WriteTool writes files into the sandbox.
type WriteTool struct{}

// NewWriteTool creates the CreateOrUpdateFile tool.
func NewWriteTool() *WriteTool { return &WriteTool{} }

func (t *WriteTool) Name() string        { return "CreateOrUpdateFile" }
func (t *WriteTool) Description() string { return "Create or update files in the sandbox" }
func (t *WriteTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"files": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path":    map[string]any{"type": "string"},
						"content": map[string]any{"type": "string"},
					},
					"required": []string{"path", "content"},
				},
			},
		},
		"required": []string{"files"},
	}
}

// writeOutcome is the memoized result of a batch write: either the files
// written or the diagnostic of the first failure.
type writeOutcome struct {
	Files      map[string]string `json:"files,omitempty"`
	Diagnostic string            `json:"diagnostic,omitempty"`
}

// Execute writes the files in order. The run state is updated only when the
// whole batch succeeded; on failure earlier writes remain in the sandbox but
// none of the batch becomes visible in the run state.
func (t *WriteTool) Execute(ctx context.Context, inv *tools.Invocation) (string, error) {
	files, err := tools.RequireFiles(inv.Params, "files")
	if err != nil {
		return "", err
	}
	env := inv.Env
	outcome, err := step.Run(ctx, env.Steps, inv.StepKey(WriteStepName), func(ctx context.Context) (writeOutcome, error) {
		session, err := env.Session(ctx)
		if err != nil {
			return writeOutcome{Diagnostic: tools.Diagnostic("Error creating or updating file", err, "", "")}, nil
		}
		written := make(map[string]string, len(files))
		for _, f := range files {
			if err := session.WriteFile(ctx, f.Path, f.Content); err != nil {
				return writeOutcome{Diagnostic: tools.Diagnostic("Error creating or updating file", err, "", "")}, nil
			}
			written[f.Path] = f.Content
		}
		return writeOutcome{Files: written}, nil
	})
	if err != nil {
		return "", err
	}
	if outcome.Diagnostic != "" {
		return outcome.Diagnostic, nil
	}
	env.State.MergeFiles(outcome.Files)
	return "", nil
}

// --- readFiles ---

// ReadTool reads files from the sandbox.
type ReadTool struct{}

// NewReadTool creates the readFiles tool.
func NewReadTool() *ReadTool { return &ReadTool{} }

func (t *ReadTool) Name() string        { return "readFiles" }
func (t *ReadTool) Description() string { return "Read files from the sandbox" }
func (t *ReadTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"files": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		},
		"required": []string{"files"},
	}
}

// Execute returns a JSON array of {path, content} in input order, or a
// diagnostic if any read fails.
func (t *ReadTool) Execute(ctx context.Context, inv *tools.Invocation) (string, error) {
	paths, err := tools.RequireStrings(inv.Params, "files")
	if err != nil {
		return "", err
	}
	env := inv.Env
	return step.Run(ctx, env.Steps, inv.StepKey(ReadStepName), func(ctx context.Context) (string, error) {
		session, err := env.Session(ctx)
		if err != nil {
			return tools.Diagnostic("Error reading files", err, "", ""), nil
		}
		contents := make([]tools.File, 0, len(paths))
		for _, p := range paths {
			content, err := session.ReadFile(ctx, p)
			if err != nil {
				return tools.Diagnostic("Error reading files", err, "", ""), nil
			}
			contents = append(contents, tools.File{Path: p, Content: content})
		}
		data, err := json.Marshal(contents)
		if err != nil {
			return tools.Diagnostic("Error reading files", fmt.Errorf("encoding contents: %w", err), "", ""), nil
		}
		return string(data), nil
	})
}

var (
	_ tools.Tool = (*WriteTool)(nil)
	_ tools.Tool = (*ReadTool)(nil)
)
