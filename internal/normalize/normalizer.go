// Package normalize turns raw ingested content into a storable document
// shape: a title, plain text, and an opaque change-log update blob.
package normalize

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/lodeworks/lodestone/internal/ingest"
	"github.com/microcosm-cc/bluemonday"
	"gopkg.in/yaml.v3"
)

// updateBlobMagic versions the opaque update framing.
var updateBlobMagic = []byte("LSU1")

// Content is the normalized, storable form of an ingest result.
type Content struct {
	Title       string
	TextContent string
	CRDTUpdate  []byte
	Metadata    map[string]string
}

// Normalizer converts ingest results into storable content.
type Normalizer struct {
	sanitizer *bluemonday.Policy
	converter *converter.Converter
}

// New constructs a Normalizer.
func New() *Normalizer {
	return &Normalizer{
		sanitizer: bluemonday.UGCPolicy(),
		converter: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// Normalize builds storable content from an ingest result. Markdown is
// preferred over HTML, which is preferred over an empty body; YAML front
// matter is stripped from markdown and merged into metadata, and a front
// matter title overrides the ingest title.
func (n *Normalizer) Normalize(result ingest.Result) (Content, error) {
	metadata := make(map[string]string, len(result.RawMetadata)+4)
	for key, value := range result.RawMetadata {
		metadata[key] = value
	}
	if result.CanonicalURL != "" {
		metadata["canonical_url"] = result.CanonicalURL
	}
	if result.Author != "" {
		metadata["author"] = result.Author
	}
	if result.PublishedAt != "" {
		metadata["published_at"] = result.PublishedAt
	}
	if result.ContentHash != "" {
		metadata["content_hash"] = result.ContentHash
	}

	title := strings.TrimSpace(result.Title)
	text := ""
	switch {
	case strings.TrimSpace(result.ContentMarkdown) != "":
		body, front := splitFrontMatter(result.ContentMarkdown)
		for key, value := range front {
			if key == "title" && strings.TrimSpace(value) != "" {
				title = strings.TrimSpace(value)
				continue
			}
			metadata["fm_"+key] = value
		}
		text = strings.TrimSpace(body)
	case strings.TrimSpace(result.ContentHTML) != "":
		sanitized := n.sanitizer.Sanitize(result.ContentHTML)
		converted, err := n.converter.ConvertString(sanitized)
		if err != nil {
			return Content{}, fmt.Errorf("convert html: %w", err)
		}
		text = strings.TrimSpace(converted)
	}

	return Content{
		Title:       title,
		TextContent: text,
		CRDTUpdate:  EncodeUpdateBlob(title, text),
		Metadata:    metadata,
	}, nil
}

// splitFrontMatter strips a leading YAML front matter block and returns the
// remaining body plus the parsed keys stringified. Malformed front matter is
// left in the body untouched.
func splitFrontMatter(markdown string) (string, map[string]string) {
	const fence = "---"
	trimmed := strings.TrimLeft(markdown, "\uFEFF")
	if !strings.HasPrefix(trimmed, fence+"\n") && trimmed != fence {
		return markdown, nil
	}
	rest := trimmed[len(fence)+1:]
	end := strings.Index(rest, "\n"+fence)
	if end < 0 {
		return markdown, nil
	}
	block := rest[:end]
	body := rest[end+len(fence)+1:]
	body = strings.TrimPrefix(body, "\n")

	var parsed map[string]any
	if err := yaml.Unmarshal([]byte(block), &parsed); err != nil {
		return markdown, nil
	}
	front := make(map[string]string, len(parsed))
	for key, value := range parsed {
		front[key] = fmt.Sprintf("%v", value)
	}
	return body, front
}

// EncodeUpdateBlob frames a title and text as an opaque update payload. The
// storage layer stores and forwards these bytes without interpreting them.
func EncodeUpdateBlob(title, text string) []byte {
	var buffer bytes.Buffer
	buffer.Write(updateBlobMagic)
	writeField(&buffer, []byte(title))
	writeField(&buffer, []byte(text))
	return buffer.Bytes()
}

// DecodeUpdateBlob reverses EncodeUpdateBlob.
func DecodeUpdateBlob(blob []byte) (string, string, error) {
	if len(blob) < len(updateBlobMagic) || !bytes.Equal(blob[:len(updateBlobMagic)], updateBlobMagic) {
		return "", "", fmt.Errorf("unrecognized update framing")
	}
	reader := bytes.NewReader(blob[len(updateBlobMagic):])
	title, err := readField(reader)
	if err != nil {
		return "", "", err
	}
	text, err := readField(reader)
	if err != nil {
		return "", "", err
	}
	return string(title), string(text), nil
}

func writeField(buffer *bytes.Buffer, field []byte) {
	var length [binary.MaxVarintLen64]byte
	written := binary.PutUvarint(length[:], uint64(len(field)))
	buffer.Write(length[:written])
	buffer.Write(field)
}

func readField(reader *bytes.Reader) ([]byte, error) {
	length, err := binary.ReadUvarint(reader)
	if err != nil {
		return nil, fmt.Errorf("read field length: %w", err)
	}
	if length > uint64(reader.Len()) {
		return nil, fmt.Errorf("field length %d exceeds payload", length)
	}
	field := make([]byte, length)
	if _, err := reader.Read(field); err != nil {
		return nil, fmt.Errorf("read field: %w", err)
	}
	return field, nil
}
