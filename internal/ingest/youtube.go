package ingest

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultTimedTextBaseURL = "https://video.google.com/timedtext"

// TranscriptIngestor fetches a video's caption track from a timed-text
// endpoint and renders it as a plain transcript.
type TranscriptIngestor struct {
	client   *http.Client
	baseURL  string
	language string
}

// TranscriptIngestorConfig describes the inputs required to build a
// TranscriptIngestor.
type TranscriptIngestorConfig struct {
	Client   *http.Client
	Timeout  time.Duration
	BaseURL  string
	Language string
}

// NewTranscriptIngestor constructs a TranscriptIngestor.
func NewTranscriptIngestor(cfg TranscriptIngestorConfig) *TranscriptIngestor {
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultFetchTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultTimedTextBaseURL
	}
	language := cfg.Language
	if language == "" {
		language = "en"
	}
	return &TranscriptIngestor{client: client, baseURL: baseURL, language: language}
}

type timedTextXML struct {
	Texts []struct {
		Start string `xml:"start,attr"`
		Body  string `xml:",chardata"`
	} `xml:"text"`
}

// Ingest fetches the caption track for the video id in sourceRef.
func (t *TranscriptIngestor) Ingest(ctx context.Context, sourceRef string, onProgress ProgressFunc) (Result, error) {
	videoID := strings.TrimSpace(sourceRef)
	if videoID == "" {
		return Result{}, NewCodedError(CodeFetchFailed, fmt.Errorf("empty video id"))
	}
	if err := onProgress(10); err != nil {
		return Result{}, err
	}

	target := fmt.Sprintf("%s?lang=%s&v=%s", t.baseURL, url.QueryEscape(t.language), url.QueryEscape(videoID))
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Result{}, NewCodedError(CodeFetchFailed, err)
	}
	response, err := t.client.Do(request)
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

	var parsed timedTextXML
	if err := xml.Unmarshal(raw, &parsed); err != nil {
		return Result{}, NewCodedError(CodeParseFailed, err)
	}
	if len(parsed.Texts) == 0 {
		return Result{}, NewCodedError(CodeTranscriptMissing, fmt.Errorf("no caption track for %s", videoID))
	}

	var builder strings.Builder
	for _, line := range parsed.Texts {
		text := strings.TrimSpace(line.Body)
		if text == "" {
			continue
		}
		builder.WriteString(text)
		builder.WriteString("\n")
	}

	if err := onProgress(100); err != nil {
		return Result{}, err
	}
	return Result{
		Title:           fmt.Sprintf("Transcript %s", videoID),
		ContentMarkdown: builder.String(),
		CanonicalURL:    "https://www.youtube.com/watch?v=" + url.QueryEscape(videoID),
		ContentHash:     HashContent(raw),
		RawMetadata: map[string]string{
			"video_id": videoID,
			"language": t.language,
		},
	}, nil
}
