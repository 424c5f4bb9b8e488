package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	ports "github.com/xinge0721/Eromang/eromang/generation/harness/ports"
)

const (
	defaultMaxContent = 8 << 10
	maxContentLimit   = 1 << 20
)

// FileInfoSchema defines the arguments of file_info.
const FileInfoSchema = `{
  "type": "object",
  "properties": {
    "path": {
      "type": "string",
      "description": "Path relative to the workspace root"
    },
    "include_contents": {
      "type": "boolean",
      "description": "Include the contents of text files",
      "default": false
    },
    "max_content_size": {
      "type": "integer",
      "minimum": 1,
      "maximum": 1048576,
      "default": 8192
    }
  },
  "required": ["path"]
}`

// FileMetadata describes a workspace file or directory.
type FileMetadata struct {
	Path       string         `json:"path"`
	Name       string         `json:"name"`
	Type       string         `json:"type"` // "file" or "directory"
	Size       int64          `json:"size"`
	ModifiedAt time.Time      `json:"modified_at"`
	MimeType   string         `json:"mime_type,omitempty"`
	Contents   string         `json:"contents,omitempty"`
	Truncated  bool           `json:"truncated,omitempty"`
	Children   []FileMetadata `json:"children,omitempty"`
}

// FileInfoTool is a read-only view of a workspace directory the knowledge
// model can use to gather data for a subtask.
type FileInfoTool struct {
	root string
}

// NewFileInfoTool confines lookups to root.
func NewFileInfoTool(root string) *FileInfoTool {
	return &FileInfoTool{root: root}
}

func (t *FileInfoTool) Name() string { return "file_info" }

func (t *FileInfoTool) Description() string {
	return "Read metadata of a workspace file or list a directory; optionally return the contents of text files."
}

func (t *FileInfoTool) Schema() []byte { return []byte(FileInfoSchema) }

// Invoke returns metadata for the requested path.
func (t *FileInfoTool) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		Path            string `json:"path"`
		IncludeContents bool   `json:"include_contents"`
		MaxContentSize  int    `json:"max_content_size"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if params.Path == "" {
		return nil, fmt.Errorf("path is required")
	}
	if params.MaxContentSize <= 0 {
		params.MaxContentSize = defaultMaxContent
	}
	params.MaxContentSize = min(params.MaxContentSize, maxContentLimit)

	full, err := t.resolve(params.Path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(full)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", params.Path, err)
	}
	meta := describe(params.Path, info)

	if info.IsDir() {
		entries, err := os.ReadDir(full)
		if err != nil {
			return nil, fmt.Errorf("failed to read directory: %w", err)
		}
		for _, entry := range entries {
			child, err := entry.Info()
			if err != nil {
				continue
			}
			meta.Children = append(meta.Children, describe(filepath.Join(params.Path, entry.Name()), child))
		}
		return meta, nil
	}

	if params.IncludeContents && isText(meta.MimeType) {
		meta.Contents, meta.Truncated, err = readPrefix(full, params.MaxContentSize)
		if err != nil {
			return nil, fmt.Errorf("failed to read contents: %w", err)
		}
	}
	return meta, nil
}

// resolve maps a workspace path to the filesystem, rejecting escapes.
func (t *FileInfoTool) resolve(p string) (string, error) {
	root, err := filepath.Abs(t.root)
	if err != nil {
		return "", err
	}
	full := filepath.Join(root, filepath.Clean("/"+p))
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.New("path escapes the workspace")
	}
	return full, nil
}

func describe(path string, info os.FileInfo) FileMetadata {
	meta := FileMetadata{
		Path:       filepath.ToSlash(path),
		Name:       info.Name(),
		Size:       info.Size(),
		ModifiedAt: info.ModTime(),
	}
	if info.IsDir() {
		meta.Type = "directory"
		return meta
	}
	meta.Type = "file"
	meta.MimeType = mimeOf(filepath.Ext(path))
	return meta
}

func mimeOf(ext string) string {
	switch strings.ToLower(ext) {
	case ".go", ".py", ".sh", ".toml", ".ini", ".log":
		return "text/plain"
	case ".md":
		return "text/markdown"
	case ".yaml", ".yml":
		return "application/yaml"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

func isText(mimeType string) bool {
	return strings.HasPrefix(mimeType, "text/") ||
		strings.HasPrefix(mimeType, "application/json") ||
		strings.HasPrefix(mimeType, "application/yaml") ||
		strings.HasPrefix(mimeType, "application/xml")
}

func readPrefix(path string, limit int) (string, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", false, err
	}
	defer f.Close()

	buf, err := io.ReadAll(io.LimitReader(f, int64(limit)+1))
	if err != nil {
		return "", false, err
	}
	if len(buf) > limit {
		return string(buf[:limit]), true, nil
	}
	return string(buf), false, nil
}

var _ ports.Tool = (*FileInfoTool)(nil)
