package adapters

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	ports "github.com/xinge0721/Eromang/eromang/generation/harness/ports"
)

// LibSQLHistoryPersister stores one JSON history document per key in the
// history_documents table.
type LibSQLHistoryPersister struct {
	db *sql.DB
}

// NewLibSQLHistoryPersister creates a persister on a migrated database.
func NewLibSQLHistoryPersister(db *sql.DB) *LibSQLHistoryPersister {
	return &LibSQLHistoryPersister{db: db}
}

// Save replaces the document for key in a single statement.
func (p *LibSQLHistoryPersister) Save(ctx context.Context, key string, msgs []ports.Message) error {
	doc, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	query := `
		INSERT INTO history_documents (doc_key, messages, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(doc_key) DO UPDATE SET messages = excluded.messages, updated_at = excluded.updated_at
	`
	if _, err := p.db.ExecContext(ctx, query, key, string(doc), timestamp(time.Now())); err != nil {
		return fmt.Errorf("failed to save history %s: %w", key, err)
	}
	return nil
}

// Load returns the stored document for key.
func (p *LibSQLHistoryPersister) Load(ctx context.Context, key string) ([]ports.Message, bool, error) {
	var doc string
	err := p.db.QueryRowContext(ctx, `SELECT messages FROM history_documents WHERE doc_key = ?`, key).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load history %s: %w", key, err)
	}

	var msgs []ports.Message
	if err := json.Unmarshal([]byte(doc), &msgs); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal history %s: %w", key, err)
	}
	return msgs, true, nil
}

// LibSQLTranscriptStore records conversation turns and tool artifacts.
type LibSQLTranscriptStore struct {
	db *sql.DB
}

// NewLibSQLTranscriptStore creates a transcript store on a migrated database.
func NewLibSQLTranscriptStore(db *sql.DB) *LibSQLTranscriptStore {
	return &LibSQLTranscriptStore{db: db}
}

// SaveTurn appends turn to the conversation.
func (s *LibSQLTranscriptStore) SaveTurn(ctx context.Context, conversationID string, turn ports.Turn) error {
	return saveTurn(ctx, s.db, conversationID, turn)
}

// LoadContext returns the last k turns in chronological order. A
// non-positive k returns every turn.
func (s *LibSQLTranscriptStore) LoadContext(ctx context.Context, conversationID string, k int) ([]ports.Turn, error) {
	if k <= 0 {
		k = -1 // sqlite: no limit
	}
	query := `
		SELECT role, content, created_at FROM conversation_turns
		WHERE conversation_id = ?
		ORDER BY id DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID, k)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	var turns []ports.Turn
	for rows.Next() {
		var turn ports.Turn
		var created string
		if err := rows.Scan(&turn.Role, &turn.Content, &created); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		if turn.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("invalid turn timestamp %q: %w", created, err)
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating turns: %w", err)
	}

	// oldest first
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// AppendToolArtifact stores the raw payload and a tool turn referencing it
// in one transaction.
func (s *LibSQLTranscriptStore) AppendToolArtifact(ctx context.Context, conversationID, name string, payload []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tool_artifacts (conversation_id, name, payload, created_at) VALUES (?, ?, ?, ?)`,
		conversationID, name, string(payload), timestamp(now),
	); err != nil {
		return fmt.Errorf("failed to save artifact %s: %w", name, err)
	}

	turn := ports.Turn{Role: "tool", Content: fmt.Sprintf("%s: %s", name, payload), CreatedAt: now}
	if err := saveTurn(ctx, tx, conversationID, turn); err != nil {
		return err
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func saveTurn(ctx context.Context, db execer, conversationID string, turn ports.Turn) error {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO conversation_turns (conversation_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		conversationID, turn.Role, turn.Content, timestamp(turn.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save turn: %w", err)
	}
	return nil
}

// timestamp formats t the way the schema's TEXT columns expect.
func timestamp(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

var (
	_ ports.HistoryPersister = (*LibSQLHistoryPersister)(nil)
	_ ports.TranscriptStore  = (*LibSQLTranscriptStore)(nil)
)
