package harnessports

import (
	"context"
)

// PromptInput aggregates everything the provider needs to produce a completion.
type PromptInput struct {
	Messages []Message         // ordered chat history, system prompt first
	Tools    []ToolSpec        // tool declarations available to the model
	Meta     map[string]string // lightweight metadata for tracing
}

// Options controls sampling, limits and tool preferences.
type Options struct {
	MaxNewTokens int
	Temperature  float32
	// ToolChoice: "" | "auto" | "none" | specific tool name
	ToolChoice string
}

// Usage captures token accounting for cost/telemetry.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionChunk is the provider's streaming delta. A chunk carrying Err
// is the last one the provider sends.
type CompletionChunk struct {
	Chunk Chunk
	Usage *Usage // on final chunk when available
	Err   error
}

// Provider is the abstraction for all LLM backends.
type Provider interface {
	Stream(ctx context.Context, in PromptInput, opts Options) (<-chan CompletionChunk, error)
}
