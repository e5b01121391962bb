package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// FileIngestor reads a local file. Markdown and HTML are detected by
// extension; anything else is treated as plain text carried as markdown.
type FileIngestor struct{}

// NewFileIngestor constructs a FileIngestor.
func NewFileIngestor() *FileIngestor {
	return &FileIngestor{}
}

// Ingest reads sourceRef from the local filesystem.
func (f *FileIngestor) Ingest(_ context.Context, sourceRef string, onProgress ProgressFunc) (Result, error) {
	if err := onProgress(10); err != nil {
		return Result{}, err
	}
	raw, err := os.ReadFile(sourceRef)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Result{}, NewCodedError(CodeFileMissing, err)
		}
		return Result{}, NewCodedError(CodeFetchFailed, err)
	}
	if err := onProgress(70); err != nil {
		return Result{}, err
	}

	base := filepath.Base(sourceRef)
	title := strings.TrimSuffix(base, filepath.Ext(base))
	result := Result{
		Title:       title,
		ContentHash: HashContent(raw),
		RawMetadata: map[string]string{"source_path": sourceRef},
	}
	switch strings.ToLower(filepath.Ext(sourceRef)) {
	case ".html", ".htm":
		result.ContentHTML = string(raw)
	default:
		result.ContentMarkdown = string(raw)
	}

	if err := onProgress(100); err != nil {
		return Result{}, err
	}
	return result, nil
}
