// Package models contains streaming chat providers.
package models

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	ports "github.com/xinge0721/Eromang/eromang/generation/harness/ports"
)

const maxErrorBody = 4 << 10

// OpenAIConfig configures an OpenAI-compatible chat completions endpoint.
type OpenAIConfig struct {
	BaseURL     string // e.g. https://api.deepseek.com/v1
	APIKey      string
	Model       string
	Temperature float32
	Timeout     time.Duration // whole request, stream included; 0 disables
}

// OpenAIProvider streams chat completions over SSE.
type OpenAIProvider struct {
	cfg    OpenAIConfig
	client *http.Client
	logger zerolog.Logger
}

// NewOpenAIProvider creates a provider. A nil client uses http.DefaultClient.
func NewOpenAIProvider(cfg OpenAIConfig, client *http.Client, logger zerolog.Logger) *OpenAIProvider {
	if client == nil {
		client = http.DefaultClient
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &OpenAIProvider{
		cfg:    cfg,
		client: client,
		logger: logger.With().Str("provider", "openai").Str("model", cfg.Model).Logger(),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature *float32      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Tools       []chatTool    `json:"tools,omitempty"`
	ToolChoice  any           `json:"tool_choice,omitempty"`
}

type streamToolCall struct {
	Index    *int   `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content          string           `json:"content"`
			ReasoningContent string           `json:"reasoning_content"`
			ToolCalls        []streamToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Stream posts a streaming chat completion and relays every delta as a
// labeled chunk. The channel is closed when the stream ends; a transport or
// decode failure arrives as a final chunk carrying Err.
func (p *OpenAIProvider) Stream(ctx context.Context, in ports.PromptInput, opts ports.Options) (<-chan ports.CompletionChunk, error) {
	body, err := json.Marshal(p.buildRequest(in, opts))
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat request: %w", err)
	}

	cancel := context.CancelFunc(func() {})
	if p.cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("chat request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		defer cancel()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("chat request failed: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	out := make(chan ports.CompletionChunk)
	go func() {
		defer close(out)
		defer cancel()
		defer resp.Body.Close()
		p.relay(ctx, resp.Body, out)
	}()
	return out, nil
}

func (p *OpenAIProvider) buildRequest(in ports.PromptInput, opts ports.Options) chatRequest {
	req := chatRequest{
		Model:     p.cfg.Model,
		Stream:    true,
		MaxTokens: opts.MaxNewTokens,
	}

	temp := p.cfg.Temperature
	if opts.Temperature > 0 {
		temp = opts.Temperature
	}
	if temp > 0 {
		req.Temperature = &temp
	}

	for _, m := range in.Messages {
		req.Messages = append(req.Messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}

	for _, t := range in.Tools {
		fn := chatFunction{Name: t.Name, Description: t.Description}
		if len(t.JSONSchema) > 0 {
			fn.Parameters = json.RawMessage(t.JSONSchema)
		}
		req.Tools = append(req.Tools, chatTool{Type: "function", Function: fn})
	}

	if len(req.Tools) > 0 {
		switch opts.ToolChoice {
		case "":
		case "auto", "none", "required":
			req.ToolChoice = opts.ToolChoice
		default:
			req.ToolChoice = map[string]any{
				"type":     "function",
				"function": map[string]string{"name": opts.ToolChoice},
			}
		}
	}

	return req
}

func (p *OpenAIProvider) relay(ctx context.Context, body io.Reader, out chan<- ports.CompletionChunk) {
	send := func(c ports.CompletionChunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := newSSEScanner(body)
	for scanner.Next() {
		data := strings.TrimSpace(scanner.Event().Data)
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			send(ports.CompletionChunk{Err: fmt.Errorf("failed to decode stream chunk: %w", err)})
			return
		}

		var usage *ports.Usage
		if chunk.Usage != nil {
			usage = &ports.Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
			p.logger.Debug().Int("total_tokens", usage.TotalTokens).Msg("stream usage")
		}

		for _, choice := range chunk.Choices {
			d := choice.Delta
			if d.ReasoningContent != "" {
				if !send(ports.CompletionChunk{Chunk: ports.Chunk{Kind: ports.ChunkThinking, Text: d.ReasoningContent}}) {
					return
				}
			}
			if d.Content != "" {
				if !send(ports.CompletionChunk{Chunk: ports.Chunk{Kind: ports.ChunkContent, Text: d.Content}}) {
					return
				}
			}
			for _, tc := range d.ToolCalls {
				frag := &ports.Fragment{
					ID:        tc.ID,
					Kind:      tc.Type,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				}
				if tc.Index != nil {
					frag.Index = *tc.Index
				}
				if !send(ports.CompletionChunk{Chunk: ports.Chunk{Kind: ports.ChunkToolCalls, Fragment: frag}}) {
					return
				}
			}
		}

		if usage != nil && len(chunk.Choices) == 0 {
			if !send(ports.CompletionChunk{Usage: usage}) {
				return
			}
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		send(ports.CompletionChunk{Err: fmt.Errorf("stream read failed: %w", err)})
	}
}

var _ ports.Provider = (*OpenAIProvider)(nil)
