package harness

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ports "github.com/xinge0721/Eromang/eromang/generation/harness/ports"
)

func content(s string) ports.Chunk  { return ports.Chunk{Kind: ports.ChunkContent, Text: s} }
func thinking(s string) ports.Chunk { return ports.Chunk{Kind: ports.ChunkThinking, Text: s} }
func fragment(f ports.Fragment) ports.Chunk {
	return ports.Chunk{Kind: ports.ChunkToolCalls, Fragment: &f}
}

type sinkEvent struct {
	kind ports.ChunkKind
	text string
}

func TestAggregateStream(t *testing.T) {
	var events []sinkEvent
	sink := func(kind ports.ChunkKind, text string) { events = append(events, sinkEvent{kind, text}) }

	agg := AggregateStream(SliceStream([]ports.Chunk{
		thinking("let me "),
		thinking("think"),
		content("Hel"),
		content(""),
		fragment(ports.Fragment{Index: 0, ID: "call_1", Name: "add"}),
		content("lo"),
		{Kind: "unknown", Text: "ignored"},
		{Kind: ports.ChunkToolCalls},
		fragment(ports.Fragment{Index: 0, Arguments: `{"a":1}`}),
	}), sink)

	assert.Equal(t, "Hello", agg.Text)
	assert.Equal(t, "let me think", agg.Reasoning)
	require.Len(t, agg.Fragments, 2)
	assert.Equal(t, "call_1", agg.Fragments[0].ID)

	assert.Equal(t, []sinkEvent{
		{ports.ChunkThinking, "let me "},
		{ports.ChunkThinking, "think"},
		{ports.ChunkContent, "Hel"},
		{ports.ChunkContent, "lo"},
	}, events)
}

func TestAggregateStreamEmpty(t *testing.T) {
	agg := AggregateStream(SliceStream(nil), nil)
	assert.Empty(t, agg.Text)
	assert.Empty(t, agg.Reasoning)
	assert.Empty(t, agg.Fragments)
}

// Any split of a text into content chunks aggregates back to the text.
func TestAggregateStreamConcatenation(t *testing.T) {
	text := "hello, 世界!"
	for i := 0; i <= len(text); i++ {
		for j := i; j <= len(text); j++ {
			chunks := []ports.Chunk{content(text[:i]), content(text[i:j]), content(text[j:])}
			assert.Equal(t, text, AggregateStream(SliceStream(chunks), nil).Text, "split at %d,%d", i, j)
		}
	}
}

func TestChannelStreamStopsOnError(t *testing.T) {
	boom := errors.New("connection reset")
	ch := make(chan ports.CompletionChunk, 4)
	ch <- ports.CompletionChunk{Chunk: content("partial")}
	ch <- ports.CompletionChunk{Err: boom}
	ch <- ports.CompletionChunk{Chunk: content(" never")}
	close(ch)

	var err error
	agg := AggregateStream(ChannelStream(ch, &err), nil)
	assert.Equal(t, "partial", agg.Text)
	assert.ErrorIs(t, err, boom)
}

func TestMergeFragments(t *testing.T) {
	t.Run("split arguments", func(t *testing.T) {
		invs := MergeFragments([]ports.Fragment{
			{Index: 0, ID: "x", Name: "add", Arguments: ""},
			{Index: 0, Arguments: `{"a":1}`},
		})
		assert.Equal(t, []ports.ToolInvocation{
			{Index: 0, ID: "x", Kind: "function", Name: "add", Arguments: `{"a":1}`},
		}, invs)
	})

	t.Run("single fragment without arguments", func(t *testing.T) {
		invs := MergeFragments([]ports.Fragment{{Index: 0, ID: "x", Name: "noop"}})
		require.Len(t, invs, 1)
		assert.Equal(t, "noop", invs[0].Name)
		assert.Equal(t, "function", invs[0].Kind)
		assert.Empty(t, invs[0].Arguments)
	})

	t.Run("interleaved indexes keep first appearance order", func(t *testing.T) {
		invs := MergeFragments([]ports.Fragment{
			{Index: 1, ID: "b", Name: "second", Arguments: `{"q":`},
			{Index: 0, ID: "a", Name: "first", Arguments: `{}`},
			{Index: 1, Arguments: `"x"}`},
		})
		require.Len(t, invs, 2)
		assert.Equal(t, "second", invs[0].Name)
		assert.Equal(t, `{"q":"x"}`, invs[0].Arguments)
		assert.Equal(t, "first", invs[1].Name)
	})

	t.Run("last non-empty name wins", func(t *testing.T) {
		invs := MergeFragments([]ports.Fragment{
			{Index: 0, Name: "draft"},
			{Index: 0, Name: "final", Kind: "function"},
			{Index: 0, Name: ""},
		})
		require.Len(t, invs, 1)
		assert.Equal(t, "final", invs[0].Name)
	})

	t.Run("empty", func(t *testing.T) {
		assert.Nil(t, MergeFragments(nil))
	})
}

// Concatenated argument slices of one index always rebuild the document.
func TestMergeFragmentsArgumentsRoundTrip(t *testing.T) {
	doc := `{"path":"notes/todo.md","include_contents":true,"max_content_size":512}`
	for size := 1; size <= len(doc); size++ {
		var frags []ports.Fragment
		for i := 0; i < len(doc); i += size {
			frags = append(frags, ports.Fragment{Index: 0, Arguments: doc[i:min(i+size, len(doc))]})
		}
		frags[0].ID, frags[0].Name = "call", "file_info"

		invs := MergeFragments(frags)
		require.Len(t, invs, 1)
		assert.True(t, json.Valid([]byte(invs[0].Arguments)))
		assert.Equal(t, doc, invs[0].Arguments)
	}
}
