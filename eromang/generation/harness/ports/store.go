package harnessports

import (
	"context"
	"time"
)

// HistoryPersister stores whole history documents keyed by role identity.
// Save must replace the stored document atomically.
type HistoryPersister interface {
	Save(ctx context.Context, key string, msgs []Message) error
	Load(ctx context.Context, key string) (msgs []Message, found bool, err error)
}

// Turn represents one recorded exchange in a conversation transcript.
type Turn struct {
	Role      string    // "user" | "assistant" | "system" | "tool"
	Content   string    // text or JSON string (for tool outputs)
	CreatedAt time.Time // server-side timestamp
}

// TranscriptStore records completed turns and tool artifacts.
type TranscriptStore interface {
	SaveTurn(ctx context.Context, conversationID string, turn Turn) error
	LoadContext(ctx context.Context, conversationID string, k int) ([]Turn, error) // last-k turns
	AppendToolArtifact(ctx context.Context, conversationID, name string, payload []byte) error
}
