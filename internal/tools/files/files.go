// Package files provides the fs.* tools. Every path argument passes
// through the workspace guard before any I/O happens.
package files

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rovot/rovot/internal/agent"
	"github.com/rovot/rovot/internal/workspace"
)

// Tools binds the filesystem tool handlers to a workspace guard.
type Tools struct {
	guard *workspace.Guard
}

// New returns the filesystem tool set.
func New(guard *workspace.Guard) *Tools {
	return &Tools{guard: guard}
}

// Descriptors returns the fs.read, fs.write, and fs.list_dir tools.
func (t *Tools) Descriptors() []agent.Descriptor {
	return []agent.Descriptor{
		{
			Name:        "fs.read",
			Description: "Read a UTF-8 text file within the workspace.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{"type": "string"},
				},
				"required":             []any{"path"},
				"additionalProperties": false,
			},
			Handler: t.read,
		},
		{
			Name:        "fs.write",
			Description: "Write a UTF-8 text file within the workspace.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    map[string]any{"type": "string"},
					"content": map[string]any{"type": "string"},
				},
				"required":             []any{"path", "content"},
				"additionalProperties": false,
			},
			RequiresWrite: true,
			Handler:       t.write,
		},
		{
			Name:        "fs.list_dir",
			Description: "List a directory within the workspace.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{"type": "string"},
				},
				"required":             []any{},
				"additionalProperties": false,
			},
			Handler: t.listDir,
		},
	}
}

func (t *Tools) read(_ context.Context, args map[string]any) (any, error) {
	path, _ := args["path"].(string)
	abs, err := t.guard.Resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

func (t *Tools) write(_ context.Context, args map[string]any) (any, error) {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	abs, err := t.guard.Resolve(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("create parent dirs for %s: %w", path, err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	return map[string]any{"bytes_written": len(content)}, nil
}

// listDir returns entry names prefixed with their kind. A missing or
// non-directory path yields an empty list, matching fs.read's contract
// that only reads fail on absence.
func (t *Tools) listDir(_ context.Context, args map[string]any) (any, error) {
	path, ok := args["path"].(string)
	if !ok || path == "" {
		path = "."
	}
	abs, err := t.guard.Resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return []string{}, nil
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, "[dir] "+e.Name())
		} else {
			out = append(out, "[file] "+e.Name())
		}
	}
	return out, nil
}
