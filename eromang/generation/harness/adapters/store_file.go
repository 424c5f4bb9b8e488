package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	ports "github.com/xinge0721/Eromang/eromang/generation/harness/ports"
)

// FileHistoryPersister keeps one JSON document per key under dir. Saves go
// through a temp file and rename so readers never see a partial document.
type FileHistoryPersister struct {
	dir string
}

// NewFileHistoryPersister creates dir if needed.
func NewFileHistoryPersister(dir string) (*FileHistoryPersister, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history dir: %w", err)
	}
	return &FileHistoryPersister{dir: dir}, nil
}

func (p *FileHistoryPersister) path(key string) (string, error) {
	if key == "" {
		return "", errors.New("history key cannot be empty")
	}
	return filepath.Join(p.dir, url.PathEscape(key)+".json"), nil
}

// Save atomically replaces the document for key.
func (p *FileHistoryPersister) Save(ctx context.Context, key string, msgs []ports.Message) error {
	path, err := p.path(key)
	if err != nil {
		return err
	}
	doc, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	tmp, err := os.CreateTemp(p.dir, ".history-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(doc); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write history: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync history: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close history: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace history %s: %w", key, err)
	}
	return nil
}

// Load reads the document for key.
func (p *FileHistoryPersister) Load(ctx context.Context, key string) ([]ports.Message, bool, error) {
	path, err := p.path(key)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read history %s: %w", key, err)
	}

	var msgs []ports.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal history %s: %w", key, err)
	}
	return msgs, true, nil
}

var _ ports.HistoryPersister = (*FileHistoryPersister)(nil)
