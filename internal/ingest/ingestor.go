// Package ingest provides the ingestor contract and the built-in source
// implementations that turn a source reference into raw content.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrCodes carried by ingestion failures. The import manager surfaces them as
// the job's user-visible error code.
const (
	CodeFetchFailed       = "fetch_failed"
	CodeBadStatus         = "bad_status"
	CodeParseFailed       = "parse_failed"
	CodeFileMissing       = "file_missing"
	CodeFeedInvalid       = "feed_invalid"
	CodeTranscriptMissing = "transcript_missing"
)

// ProgressFunc receives completion percentages (0-100). It returns an error
// when the job has been cancelled; ingestors must propagate that error
// promptly to unwind.
type ProgressFunc func(pct int) error

// Result carries the raw content produced by an ingestor.
type Result struct {
	Title           string
	ContentHTML     string
	ContentMarkdown string
	CanonicalURL    string
	Author          string
	PublishedAt     string
	ContentHash     string
	RawMetadata     map[string]string
}

// Ingestor turns a source reference into raw content, reporting progress at
// checkpoints. Implementations must call onProgress at least once near
// completion.
type Ingestor func(ctx context.Context, sourceRef string, onProgress ProgressFunc) (Result, error)

// CodedError attaches a stable result code to an ingestion failure.
type CodedError struct {
	Code string
	Err  error
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

// Unwrap exposes the cause.
func (e *CodedError) Unwrap() error {
	return e.Err
}

// NewCodedError wraps cause with a result code.
func NewCodedError(code string, cause error) error {
	return &CodedError{Code: code, Err: cause}
}

// ErrorCode extracts the result code from err, if any.
func ErrorCode(err error) (string, bool) {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, true
	}
	return "", false
}

// HashContent returns the hex sha256 of the raw payload.
func HashContent(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
