package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultMaxFeedEntries = 50

// FeedIngestor fetches an RSS or Atom feed and renders it as a markdown
// digest document.
type FeedIngestor struct {
	client     *http.Client
	maxEntries int
}

// FeedIngestorConfig describes the inputs required to build a FeedIngestor.
type FeedIngestorConfig struct {
	Client     *http.Client
	Timeout    time.Duration
	MaxEntries int
}

// NewFeedIngestor constructs a FeedIngestor.
func NewFeedIngestor(cfg FeedIngestorConfig) *FeedIngestor {
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultFetchTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = defaultMaxFeedEntries
	}
	return &FeedIngestor{client: client, maxEntries: maxEntries}
}

// Ingest fetches and parses the feed at sourceRef.
func (f *FeedIngestor) Ingest(ctx context.Context, sourceRef string, onProgress ProgressFunc) (Result, error) {
	if err := onProgress(10); err != nil {
		return Result{}, err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceRef, nil)
	if err != nil {
		return Result{}, NewCodedError(CodeFetchFailed, err)
	}
	request.Header.Set("User-Agent", userAgent)
	response, err := f.client.Do(request)
	if err != nil {
		return Result{}, NewCodedError(CodeFetchFailed, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return Result{}, NewCodedError(CodeBadStatus, fmt.Errorf("unexpected status %d", response.StatusCode))
	}
	raw, err := io.ReadAll(io.LimitReader(response.Body, defaultMaxBodyBytes))
	if err != nil {
		return Result{}, NewCodedError(CodeFetchFailed, err)
	}
	if err := onProgress(60); err != nil {
		return Result{}, err
	}

	feed, err := parseFeed(raw)
	if err != nil {
		return Result{}, NewCodedError(CodeFeedInvalid, err)
	}

	title := feed.Title
	if title == "" {
		title = sourceRef
	}
	markdown := renderFeedMarkdown(feed, f.maxEntries)

	if err := onProgress(100); err != nil {
		return Result{}, err
	}
	return Result{
		Title:           title,
		ContentMarkdown: markdown,
		CanonicalURL:    sourceRef,
		ContentHash:     HashContent(raw),
		RawMetadata: map[string]string{
			"feed_url":    sourceRef,
			"feed_link":   feed.Link,
			"entry_count": fmt.Sprintf("%d", len(feed.Entries)),
		},
	}, nil
}

func renderFeedMarkdown(feed *feedDocument, maxEntries int) string {
	var builder strings.Builder
	builder.WriteString("# " + feed.Title + "\n")
	entries := feed.Entries
	if len(entries) > maxEntries {
		entries = entries[:maxEntries]
	}
	for _, entry := range entries {
		builder.WriteString("\n## ")
		if entry.Title != "" {
			builder.WriteString(entry.Title)
		} else {
			builder.WriteString(entry.GUID)
		}
		builder.WriteString("\n")
		if entry.Link != "" {
			builder.WriteString("\n<" + entry.Link + ">\n")
		}
		if entry.Published != "" {
			builder.WriteString("\n*" + entry.Published + "*\n")
		}
		if entry.Summary != "" {
			builder.WriteString("\n" + entry.Summary + "\n")
		}
	}
	return builder.String()
}
