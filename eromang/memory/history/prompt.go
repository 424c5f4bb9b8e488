package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// PromptDocument is the on-disk form of a role's system prompt.
// JSON documents may carry comments and trailing commas.
type PromptDocument struct {
	Role    string `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

// LoadPromptDocument reads a .json, .jsonc, .yaml or .yml prompt document.
func LoadPromptDocument(path string) (PromptDocument, error) {
	var doc PromptDocument

	raw, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("failed to read prompt document: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return doc, fmt.Errorf("failed to parse prompt document %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(raw), &doc); err != nil {
			return doc, fmt.Errorf("failed to parse prompt document %s: %w", path, err)
		}
	}

	if doc.Role != "" && doc.Role != "system" {
		return doc, fmt.Errorf("prompt document %s: %w: %q", path, ErrInvalidRole, doc.Role)
	}
	doc.Content = strings.TrimSpace(doc.Content)
	if doc.Content == "" {
		return doc, fmt.Errorf("prompt document %s: %w", path, ErrEmptyContent)
	}
	return doc, nil
}
