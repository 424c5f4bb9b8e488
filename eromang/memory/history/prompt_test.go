package history

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPromptDocument(t *testing.T) {
	dir := t.TempDir()

	jsoncPath := filepath.Join(dir, "dialogue.json")
	require.NoError(t, os.WriteFile(jsoncPath, []byte(`{
  // answers the user directly when it can
  "role": "system",
  "content": "You are the dialogue model.",
}`), 0o644))

	doc, err := LoadPromptDocument(jsoncPath)
	require.NoError(t, err)
	assert.Equal(t, "You are the dialogue model.", doc.Content)

	yamlPath := filepath.Join(dir, "knowledge.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("content: |\n  You plan work.\n"), 0o644))

	doc, err = LoadPromptDocument(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "You plan work.", doc.Content)
}

func TestLoadPromptDocument_Invalid(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadPromptDocument(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`{"content": "   "}`), 0o644))
	_, err = LoadPromptDocument(empty)
	assert.ErrorIs(t, err, ErrEmptyContent)

	wrongRole := filepath.Join(dir, "user.json")
	require.NoError(t, os.WriteFile(wrongRole, []byte(`{"role": "user", "content": "x"}`), 0o644))
	_, err = LoadPromptDocument(wrongRole)
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestWatchPrompt_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dialogue.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"content": "first"}`), 0o644))

	doc, err := LoadPromptDocument(path)
	require.NoError(t, err)
	s := newTestStore(t, 100, doc.Content, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, WatchPrompt(ctx, path, s, zerolog.Nop()))

	require.NoError(t, os.WriteFile(path, []byte(`{"content": "second"}`), 0o644))

	assert.Eventually(t, func() bool {
		return s.Get()[0].Content == "second"
	}, 2*time.Second, 10*time.Millisecond)
}
