// Package tools implements the tool invocation protocol: the registry of
// callable tools, their executor, and the classifier that turns tool
// failures into actionable advisories instead of aborts.
package tools

import (
	"encoding/json"
	"fmt"

	"github.com/gamelist1990/GeminiGUI-sub001/internal/backend"
)

// ApprovalMode controls which tool calls run without explicit user approval.
type ApprovalMode string

const (
	// ApprovalDefault permits read-only tools.
	ApprovalDefault ApprovalMode = "default"
	// ApprovalAutoEdit additionally permits file mutations.
	ApprovalAutoEdit ApprovalMode = "auto_edit"
	// ApprovalYolo permits everything, including command execution.
	ApprovalYolo ApprovalMode = "yolo"
)

// ParseApprovalMode maps a settings string onto a known mode, defaulting to
// the restrictive one.
func ParseApprovalMode(s string) ApprovalMode {
	switch ApprovalMode(s) {
	case ApprovalAutoEdit, ApprovalYolo:
		return ApprovalMode(s)
	default:
		return ApprovalDefault
	}
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("failed to marshal: %v", err))
	}
	return data
}

// Definitions returns the schemas of every registered tool, in the
// backend-neutral shape both variants consume.
func Definitions() []backend.ToolDefinition {
	return []backend.ToolDefinition{
		{
			Name:        "read_file",
			Description: "Read the contents of a file inside the workspace",
			Parameters: mustMarshal(map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": map[string]interface{}{
						"type":        "string",
						"description": "Path to the file, relative to the workspace root",
					},
				},
				"required": []string{"path"},
			}),
		},
		{
			Name:        "write_file",
			Description: "Create or overwrite a file with the given content",
			Parameters: mustMarshal(map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": map[string]interface{}{
						"type":        "string",
						"description": "Path to the file, relative to the workspace root",
					},
					"content": map[string]interface{}{
						"type":        "string",
						"description": "Content to write",
					},
				},
				"required": []string{"path", "content"},
			}),
		},
		{
			Name:        "edit_file",
			Description: "Replace old_text with new_text in a file (exact match, first occurrence)",
			Parameters: mustMarshal(map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": map[string]interface{}{
						"type":        "string",
						"description": "Path to the file, relative to the workspace root",
					},
					"old_text": map[string]interface{}{
						"type":        "string",
						"description": "Text to find",
					},
					"new_text": map[string]interface{}{
						"type":        "string",
						"description": "Replacement text",
					},
				},
				"required": []string{"path", "old_text", "new_text"},
			}),
		},
		{
			Name:        "list_dir",
			Description: "List entries of a directory inside the workspace",
			Parameters: mustMarshal(map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": map[string]interface{}{
						"type":        "string",
						"description": "Directory path, relative to the workspace root (default: .)",
					},
				},
			}),
		},
		{
			Name:        "search_files",
			Description: "Find workspace files whose relative path matches a glob pattern",
			Parameters: mustMarshal(map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"pattern": map[string]interface{}{
						"type":        "string",
						"description": "Glob pattern, ** is supported (e.g. internal/**/*.go)",
					},
				},
				"required": []string{"pattern"},
			}),
		},
		{
			Name:        "run_command",
			Description: "Run a shell command in the workspace root and return combined output",
			Parameters: mustMarshal(map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"command": map[string]interface{}{
						"type":        "string",
						"description": "The command to run",
					},
					"timeout": map[string]interface{}{
						"type":        "integer",
						"description": "Timeout in seconds (default: 30)",
					},
				},
				"required": []string{"command"},
			}),
		},
	}
}

// Names returns the registered tool names in declaration order.
func Names() []string {
	defs := Definitions()
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
	}
	return names
}
