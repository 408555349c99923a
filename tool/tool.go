// Package tool provides the tool registry and the approval-gated execution
// engine. Agents request tools by id; the engine records every request,
// holds gated tools for a human decision, and runs approved work outside
// the caller's transaction so results survive dispatch failures.
package tool

import (
	"context"
)

// Tool is the interface all tool implementations must satisfy.
type Tool interface {
	// Name returns the tool id (matches the tool definition in storage)
	Name() string

	// Execute runs the tool with the request payload and returns the result
	Execute(ctx context.Context, payload map[string]any) (map[string]any, error)
}

// funcTool is a simple Tool implementation using a function
type funcTool struct {
	name string
	fn   func(context.Context, map[string]any) (map[string]any, error)
}

// Name implements Tool
func (t *funcTool) Name() string {
	return t.name
}

// Execute implements Tool
func (t *funcTool) Execute(ctx context.Context, payload map[string]any) (map[string]any, error) {
	return t.fn(ctx, payload)
}

// Func creates a Tool from a function. Useful for tests and small tools
// that don't warrant a dedicated type.
func Func(name string, fn func(context.Context, map[string]any) (map[string]any, error)) Tool {
	return &funcTool{name: name, fn: fn}
}
