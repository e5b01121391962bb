package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func noProgress(int) error { return nil }

func mustCode(t *testing.T, err error, want string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %q", want)
	}
	code, ok := ErrorCode(err)
	if !ok || code != want {
		t.Fatalf("expected code %q, got %q (%v)", want, code, err)
	}
}

func TestFileIngestorReadsMarkdown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "field-notes.md")
	if err := os.WriteFile(path, []byte("# Notes\n\nbody"), 0o600); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}

	result, err := NewFileIngestor().Ingest(context.Background(), path, noProgress)
	if err != nil {
		t.Fatalf("unexpected ingest error: %v", err)
	}
	if result.Title != "field-notes" {
		t.Fatalf("unexpected title %q", result.Title)
	}
	if result.ContentMarkdown != "# Notes\n\nbody" || result.ContentHTML != "" {
		t.Fatalf("expected markdown content, got %#v", result)
	}
	if result.ContentHash != HashContent([]byte("# Notes\n\nbody")) {
		t.Fatalf("unexpected content hash %q", result.ContentHash)
	}
}

func TestFileIngestorDetectsHTMLByExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "page.html")
	if err := os.WriteFile(path, []byte("<p>body</p>"), 0o600); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}

	result, err := NewFileIngestor().Ingest(context.Background(), path, noProgress)
	if err != nil {
		t.Fatalf("unexpected ingest error: %v", err)
	}
	if result.ContentHTML != "<p>body</p>" || result.ContentMarkdown != "" {
		t.Fatalf("expected html content, got %#v", result)
	}
}

func TestFileIngestorMissingFileCode(t *testing.T) {
	_, err := NewFileIngestor().Ingest(context.Background(), filepath.Join(t.TempDir(), "absent.md"), noProgress)
	mustCode(t, err, CodeFileMissing)
}

func TestFileIngestorPropagatesProgressError(t *testing.T) {
	stop := errors.New("stop requested")
	_, err := NewFileIngestor().Ingest(context.Background(), "irrelevant.md", func(int) error { return stop })
	if !errors.Is(err, stop) {
		t.Fatalf("expected progress error to propagate, got %v", err)
	}
}

func TestURLIngestorFetchesAndSanitizes(t *testing.T) {
	page := `<html><head><title>  An Article  </title></head>` +
		`<body><p>keep</p><script>alert(1)</script></body></html>`
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(page))
	}))
	defer remote.Close()

	ingestor := NewURLIngestor(URLIngestorConfig{Client: remote.Client()})
	result, err := ingestor.Ingest(context.Background(), remote.URL, noProgress)
	if err != nil {
		t.Fatalf("unexpected ingest error: %v", err)
	}
	if result.Title != "An Article" {
		t.Fatalf("unexpected title %q", result.Title)
	}
	if !strings.Contains(result.ContentHTML, "keep") {
		t.Fatalf("expected body content kept, got %q", result.ContentHTML)
	}
	if strings.Contains(result.ContentHTML, "script") || strings.Contains(result.ContentHTML, "alert") {
		t.Fatalf("expected script stripped, got %q", result.ContentHTML)
	}
	if result.CanonicalURL != remote.URL {
		t.Fatalf("unexpected canonical url %q", result.CanonicalURL)
	}
}

func TestURLIngestorBadStatusCode(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer remote.Close()

	ingestor := NewURLIngestor(URLIngestorConfig{Client: remote.Client()})
	_, err := ingestor.Ingest(context.Background(), remote.URL, noProgress)
	mustCode(t, err, CodeBadStatus)
}

func TestURLIngestorRejectsMalformedReference(t *testing.T) {
	ingestor := NewURLIngestor(URLIngestorConfig{})
	_, err := ingestor.Ingest(context.Background(), "not a url", noProgress)
	mustCode(t, err, CodeFetchFailed)
}

const sampleRSS = `<?xml version="1.0"?>
<rss version="2.0">
  <channel>
    <title>Daily Notes</title>
    <link>https://example.com</link>
    <item>
      <guid>note-1</guid>
      <title>First</title>
      <link>https://example.com/1</link>
      <description>first summary</description>
      <pubDate>Mon, 02 Jan 2006 15:04:05 GMT</pubDate>
    </item>
    <item>
      <title>Second</title>
      <link>https://example.com/2</link>
    </item>
  </channel>
</rss>`

const sampleAtom = `<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Atom Notes</title>
  <link rel="alternate" href="https://example.org"/>
  <entry>
    <id>urn:entry:1</id>
    <title>Entry One</title>
    <link rel="alternate" href="https://example.org/1"/>
    <summary>one</summary>
    <updated>2006-01-02T15:04:05Z</updated>
    <author><name>Casey</name></author>
  </entry>
</feed>`

func TestParseFeedDetectsRSS(t *testing.T) {
	feed, err := parseFeed([]byte(sampleRSS))
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if feed.Title != "Daily Notes" || len(feed.Entries) != 2 {
		t.Fatalf("unexpected feed %#v", feed)
	}
	if feed.Entries[0].GUID != "note-1" || feed.Entries[0].Summary != "first summary" {
		t.Fatalf("unexpected first entry %#v", feed.Entries[0])
	}
	if feed.Entries[1].GUID != "https://example.com/2" {
		t.Fatalf("expected link fallback guid, got %q", feed.Entries[1].GUID)
	}
}

func TestParseFeedDetectsAtom(t *testing.T) {
	feed, err := parseFeed([]byte(sampleAtom))
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if feed.Title != "Atom Notes" || feed.Link != "https://example.org" {
		t.Fatalf("unexpected feed %#v", feed)
	}
	if len(feed.Entries) != 1 {
		t.Fatalf("unexpected entry count %d", len(feed.Entries))
	}
	entry := feed.Entries[0]
	if entry.GUID != "urn:entry:1" || entry.Link != "https://example.org/1" {
		t.Fatalf("unexpected entry %#v", entry)
	}
	if entry.Published != "2006-01-02T15:04:05Z" || entry.Author != "Casey" {
		t.Fatalf("unexpected entry metadata %#v", entry)
	}
}

func TestParseFeedRejectsUnknownRoot(t *testing.T) {
	if _, err := parseFeed([]byte("<html></html>")); err == nil {
		t.Fatalf("expected unknown root to be rejected")
	}
	if _, err := parseFeed([]byte("   ")); err == nil {
		t.Fatalf("expected empty payload to be rejected")
	}
}

func TestFeedIngestorRendersDigest(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(sampleRSS))
	}))
	defer remote.Close()

	ingestor := NewFeedIngestor(FeedIngestorConfig{Client: remote.Client()})
	result, err := ingestor.Ingest(context.Background(), remote.URL, noProgress)
	if err != nil {
		t.Fatalf("unexpected ingest error: %v", err)
	}
	if result.Title != "Daily Notes" {
		t.Fatalf("unexpected title %q", result.Title)
	}
	if !strings.Contains(result.ContentMarkdown, "## First") ||
		!strings.Contains(result.ContentMarkdown, "<https://example.com/1>") {
		t.Fatalf("unexpected digest:\n%s", result.ContentMarkdown)
	}
	if result.RawMetadata["entry_count"] != "2" {
		t.Fatalf("unexpected metadata %#v", result.RawMetadata)
	}
}

func TestFeedIngestorCapsEntries(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(sampleRSS))
	}))
	defer remote.Close()

	ingestor := NewFeedIngestor(FeedIngestorConfig{Client: remote.Client(), MaxEntries: 1})
	result, err := ingestor.Ingest(context.Background(), remote.URL, noProgress)
	if err != nil {
		t.Fatalf("unexpected ingest error: %v", err)
	}
	if strings.Contains(result.ContentMarkdown, "## Second") {
		t.Fatalf("expected second entry dropped:\n%s", result.ContentMarkdown)
	}
}

func TestFeedIngestorInvalidFeedCode(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>not a feed</html>"))
	}))
	defer remote.Close()

	ingestor := NewFeedIngestor(FeedIngestorConfig{Client: remote.Client()})
	_, err := ingestor.Ingest(context.Background(), remote.URL, noProgress)
	mustCode(t, err, CodeFeedInvalid)
}

func TestTranscriptIngestorJoinsCaptionLines(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("v") != "vid123" {
			t.Errorf("unexpected video id %q", r.URL.Query().Get("v"))
		}
		_, _ = w.Write([]byte(`<transcript>` +
			`<text start="0.0">first line</text>` +
			`<text start="2.5">  </text>` +
			`<text start="5.0">second line</text>` +
			`</transcript>`))
	}))
	defer remote.Close()

	ingestor := NewTranscriptIngestor(TranscriptIngestorConfig{
		Client:  remote.Client(),
		BaseURL: remote.URL,
	})
	result, err := ingestor.Ingest(context.Background(), "vid123", noProgress)
	if err != nil {
		t.Fatalf("unexpected ingest error: %v", err)
	}
	if result.ContentMarkdown != "first line\nsecond line\n" {
		t.Fatalf("unexpected transcript %q", result.ContentMarkdown)
	}
	if result.CanonicalURL != "https://www.youtube.com/watch?v=vid123" {
		t.Fatalf("unexpected canonical url %q", result.CanonicalURL)
	}
}

func TestTranscriptIngestorMissingTrackCode(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<transcript></transcript>`))
	}))
	defer remote.Close()

	ingestor := NewTranscriptIngestor(TranscriptIngestorConfig{
		Client:  remote.Client(),
		BaseURL: remote.URL,
	})
	_, err := ingestor.Ingest(context.Background(), "vid123", noProgress)
	mustCode(t, err, CodeTranscriptMissing)
}

func TestErrorCodeExtraction(t *testing.T) {
	cause := errors.New("underlying")
	wrapped := NewCodedError(CodeParseFailed, cause)
	code, ok := ErrorCode(wrapped)
	if !ok || code != CodeParseFailed {
		t.Fatalf("unexpected extraction %q %v", code, ok)
	}
	if !errors.Is(wrapped, cause) {
		t.Fatalf("expected cause to unwrap")
	}
	if _, ok := ErrorCode(errors.New("plain")); ok {
		t.Fatalf("expected no code on plain error")
	}
}
