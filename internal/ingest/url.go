package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	defaultFetchTimeout = 30 * time.Second
	defaultMaxBodyBytes = 8 << 20
	userAgent           = "lodestone-import/1.0"
)

// URLIngestor fetches a web page and returns sanitized HTML content.
type URLIngestor struct {
	client       *http.Client
	sanitizer    *bluemonday.Policy
	maxBodyBytes int64
}

// URLIngestorConfig describes the inputs required to build a URLIngestor.
type URLIngestorConfig struct {
	Client       *http.Client
	Timeout      time.Duration
	MaxBodyBytes int64
}

// NewURLIngestor constructs a URLIngestor.
func NewURLIngestor(cfg URLIngestorConfig) *URLIngestor {
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultFetchTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	return &URLIngestor{
		client:       client,
		sanitizer:    bluemonday.UGCPolicy(),
		maxBodyBytes: maxBody,
	}
}

// Ingest fetches sourceRef and returns its sanitized HTML plus the page
// title.
func (u *URLIngestor) Ingest(ctx context.Context, sourceRef string, onProgress ProgressFunc) (Result, error) {
	parsed, err := url.Parse(sourceRef)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return Result{}, NewCodedError(CodeFetchFailed, fmt.Errorf("invalid url %q", sourceRef))
	}
	if err := onProgress(10); err != nil {
		return Result{}, err
	}

	raw, err := u.fetch(ctx, sourceRef)
	if err != nil {
		return Result{}, err
	}
	if err := onProgress(60); err != nil {
		return Result{}, err
	}

	title := extractTitle(raw)
	sanitized := u.sanitizer.Sanitize(string(raw))

	if err := onProgress(100); err != nil {
		return Result{}, err
	}
	return Result{
		Title:        title,
		ContentHTML:  sanitized,
		CanonicalURL: sourceRef,
		ContentHash:  HashContent(raw),
		RawMetadata:  map[string]string{"source_url": sourceRef},
	}, nil
}

func (u *URLIngestor) fetch(ctx context.Context, target string) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, NewCodedError(CodeFetchFailed, err)
	}
	request.Header.Set("User-Agent", userAgent)

	response, err := u.client.Do(request)
	if err != nil {
		return nil, NewCodedError(CodeFetchFailed, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, NewCodedError(CodeBadStatus, fmt.Errorf("unexpected status %d", response.StatusCode))
	}
	raw, err := io.ReadAll(io.LimitReader(response.Body, u.maxBodyBytes))
	if err != nil {
		return nil, NewCodedError(CodeFetchFailed, err)
	}
	return raw, nil
}

// extractTitle returns the first <title> element's text, if any.
func extractTitle(raw []byte) string {
	doc, err := html.Parse(strings.NewReader(string(raw)))
	if err != nil {
		return ""
	}
	var title string
	var walk func(node *html.Node)
	walk = func(node *html.Node) {
		if title != "" {
			return
		}
		if node.Type == html.ElementNode && node.DataAtom == atom.Title {
			var text strings.Builder
			for child := node.FirstChild; child != nil; child = child.NextSibling {
				if child.Type == html.TextNode {
					text.WriteString(child.Data)
				}
			}
			title = strings.TrimSpace(text.String())
			return
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return title
}
