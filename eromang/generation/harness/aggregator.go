package harness

import (
	"iter"
	"strings"

	ports "github.com/xinge0721/Eromang/eromang/generation/harness/ports"
)

// Aggregate is the reduced form of one model stream.
type Aggregate struct {
	Text      string           // content chunks only
	Reasoning string           // thinking chunks, display and history only
	Fragments []ports.Fragment // tool-call fragments in arrival order
}

// AggregateStream consumes stream exactly once. Content and thinking chunks
// are forwarded to sink as they arrive; tool_calls fragments are collected.
// Empty or unrecognized chunks are skipped.
func AggregateStream(stream iter.Seq[ports.Chunk], sink ports.Sink) Aggregate {
	var text, reasoning strings.Builder
	var frags []ports.Fragment

	for chunk := range stream {
		switch chunk.Kind {
		case ports.ChunkContent:
			if chunk.Text == "" {
				continue
			}
			text.WriteString(chunk.Text)
			if sink != nil {
				sink(chunk.Kind, chunk.Text)
			}
		case ports.ChunkThinking:
			if chunk.Text == "" {
				continue
			}
			reasoning.WriteString(chunk.Text)
			if sink != nil {
				sink(chunk.Kind, chunk.Text)
			}
		case ports.ChunkToolCalls:
			if chunk.Fragment != nil {
				frags = append(frags, *chunk.Fragment)
			}
		}
	}

	return Aggregate{
		Text:      text.String(),
		Reasoning: reasoning.String(),
		Fragments: frags,
	}
}

// SliceStream adapts a fixed chunk list to a stream.
func SliceStream(chunks []ports.Chunk) iter.Seq[ports.Chunk] {
	return func(yield func(ports.Chunk) bool) {
		for _, c := range chunks {
			if !yield(c) {
				return
			}
		}
	}
}

// ChannelStream adapts a provider channel to a stream. The first error the
// provider reports ends the stream and is stored in *errp.
func ChannelStream(ch <-chan ports.CompletionChunk, errp *error) iter.Seq[ports.Chunk] {
	return func(yield func(ports.Chunk) bool) {
		for c := range ch {
			if c.Err != nil {
				if errp != nil && *errp == nil {
					*errp = c.Err
				}
				return
			}
			if !yield(c.Chunk) {
				return
			}
		}
	}
}
