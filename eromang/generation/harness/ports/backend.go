package harnessports

import (
	"context"
	"encoding/json"
	"strings"
)

// ToolSpec describes a callable tool exposed to the model.
type ToolSpec struct {
	Name        string // unique logical name
	Description string // concise doc for model selection
	JSONSchema  []byte // JSON schema for args
}

// ContentBlock is one unit of tool output.
type ContentBlock struct {
	Type string          `json:"type"` // "text" or "json"
	Text string          `json:"text,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// TaskResult is what the backend returns for one invocation.
type TaskResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"is_error"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Text returns the first text block, falling back to the first structured block.
func (r TaskResult) Text() string {
	for _, b := range r.Content {
		if b.Type == "text" {
			return b.Text
		}
	}
	for _, b := range r.Content {
		if len(b.Data) > 0 {
			return string(b.Data)
		}
	}
	return ""
}

// ErrorResult builds an IsError result carrying a diagnostic message.
func ErrorResult(msg string) TaskResult {
	return TaskResult{
		Content: []ContentBlock{{Type: "text", Text: strings.TrimSpace(msg)}},
		IsError: true,
	}
}

// ToolBackend is a live session with a tool-execution backend. It is not
// assumed safe for concurrent calls.
type ToolBackend interface {
	ListTools(ctx context.Context) ([]ToolSpec, error)
	CallTool(ctx context.Context, name string, args map[string]any) (TaskResult, error)
	Close() error
}

// BackendDialer opens a ToolBackend session.
type BackendDialer interface {
	Dial(ctx context.Context) (ToolBackend, error)
}

// Tool defines an in-process tool runtime that can be served to a backend.
type Tool interface {
	Name() string
	Description() string
	Schema() []byte
	Invoke(ctx context.Context, args json.RawMessage) (any, error)
}
