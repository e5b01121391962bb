package normalize

import (
	"strings"
	"testing"

	"github.com/lodeworks/lodestone/internal/ingest"
)

func TestNormalizePrefersMarkdownOverHTML(t *testing.T) {
	content, err := New().Normalize(ingest.Result{
		Title:           "Ingest Title",
		ContentMarkdown: "# Heading\n\nBody text.",
		ContentHTML:     "<p>ignored</p>",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if content.Title != "Ingest Title" {
		t.Fatalf("unexpected title %q", content.Title)
	}
	if !strings.Contains(content.TextContent, "Body text.") {
		t.Fatalf("expected markdown body kept, got %q", content.TextContent)
	}
	if strings.Contains(content.TextContent, "ignored") {
		t.Fatalf("expected html body ignored when markdown present")
	}
}

func TestNormalizeFrontMatterTitleWins(t *testing.T) {
	markdown := "---\ntitle: Front Matter Title\nauthor: someone\ntags: reading, go\n---\n\nBody."
	content, err := New().Normalize(ingest.Result{
		Title:           "Ingest Title",
		ContentMarkdown: markdown,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if content.Title != "Front Matter Title" {
		t.Fatalf("expected front matter title, got %q", content.Title)
	}
	if strings.Contains(content.TextContent, "Front Matter Title") {
		t.Fatalf("expected front matter stripped from body, got %q", content.TextContent)
	}
	if content.TextContent != "Body." {
		t.Fatalf("unexpected body %q", content.TextContent)
	}
	if content.Metadata["fm_author"] != "someone" {
		t.Fatalf("expected front matter merged into metadata, got %#v", content.Metadata)
	}
	if content.Metadata["fm_tags"] == "" {
		t.Fatalf("expected tags carried through metadata")
	}
}

func TestNormalizeStripsFrontMatterAfterByteOrderMark(t *testing.T) {
	markdown := "\uFEFF---\ntitle: Marked\n---\nBody."
	content, err := New().Normalize(ingest.Result{ContentMarkdown: markdown})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if content.Title != "Marked" {
		t.Fatalf("expected front matter parsed past the BOM, got title %q", content.Title)
	}
	if content.TextContent != "Body." {
		t.Fatalf("unexpected body %q", content.TextContent)
	}
}

func TestNormalizeMalformedFrontMatterLeftInBody(t *testing.T) {
	markdown := "---\n: not yaml [\n---\nBody."
	content, err := New().Normalize(ingest.Result{ContentMarkdown: markdown})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(content.TextContent, "not yaml") {
		t.Fatalf("expected malformed front matter kept, got %q", content.TextContent)
	}
}

func TestNormalizeConvertsAndSanitizesHTML(t *testing.T) {
	content, err := New().Normalize(ingest.Result{
		Title:       "Page",
		ContentHTML: `<h1>Header</h1><p>Some <strong>bold</strong> text.</p><script>alert("x")</script>`,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(content.TextContent, "**bold**") {
		t.Fatalf("expected markdown conversion, got %q", content.TextContent)
	}
	if strings.Contains(content.TextContent, "alert") {
		t.Fatalf("expected script content sanitized away, got %q", content.TextContent)
	}
}

func TestNormalizeEmptyBody(t *testing.T) {
	content, err := New().Normalize(ingest.Result{Title: "Empty"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if content.TextContent != "" {
		t.Fatalf("expected empty text, got %q", content.TextContent)
	}
	if len(content.CRDTUpdate) == 0 {
		t.Fatalf("expected an update blob even for an empty body")
	}
}

func TestNormalizeCarriesSourceMetadata(t *testing.T) {
	content, err := New().Normalize(ingest.Result{
		Title:           "Page",
		ContentMarkdown: "Body.",
		CanonicalURL:    "https://example.com/a",
		Author:          "author",
		PublishedAt:     "2026-01-01",
		ContentHash:     "abc123",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for key, want := range map[string]string{
		"canonical_url": "https://example.com/a",
		"author":        "author",
		"published_at":  "2026-01-01",
		"content_hash":  "abc123",
	} {
		if content.Metadata[key] != want {
			t.Fatalf("expected metadata %q=%q, got %q", key, want, content.Metadata[key])
		}
	}
}

func TestUpdateBlobRoundTrip(t *testing.T) {
	blob := EncodeUpdateBlob("A Title", "Some text content.")
	title, text, err := DecodeUpdateBlob(blob)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if title != "A Title" || text != "Some text content." {
		t.Fatalf("round trip mismatch: %q / %q", title, text)
	}
	if _, _, err := DecodeUpdateBlob([]byte("garbage")); err == nil {
		t.Fatalf("expected unrecognized framing error")
	}
}
