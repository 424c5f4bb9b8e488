package harnessports

// ChunkKind labels a single streamed model chunk.
type ChunkKind string

const (
	ChunkContent   ChunkKind = "content"
	ChunkThinking  ChunkKind = "thinking"
	ChunkToolCalls ChunkKind = "tool_calls"
)

// Chunk is one labeled unit of a model stream. Text is set for content and
// thinking chunks, Fragment for tool_calls chunks.
type Chunk struct {
	Kind     ChunkKind
	Text     string
	Fragment *Fragment
}

// Fragment is a partial tool call keyed by its position index. ID, Kind and
// Name usually arrive once; Arguments arrives as a concatenable suffix.
type Fragment struct {
	Index     int
	ID        string
	Kind      string
	Name      string
	Arguments string
}

// ToolInvocation is a complete tool call reassembled from fragments.
type ToolInvocation struct {
	Index     int
	ID        string
	Kind      string // always "function" today
	Name      string
	Arguments string // raw text, expected to parse as a JSON object
}

// Sink receives every content and thinking chunk in arrival order.
type Sink func(kind ChunkKind, text string)
