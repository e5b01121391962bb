package importer

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/lodeworks/lodestone/internal/storage"
)

// docIDSeparator keeps the hashed fields from colliding across boundaries.
const docIDSeparator = "\x1f"

// DeriveDocumentID produces a stable document identifier for an imported
// source. The same source and normalized content always map to the same
// document, so re-importing is naturally idempotent.
func DeriveDocumentID(sourceType storage.SourceType, sourceRef string, title string, textContent string) string {
	digest := sha256.New()
	digest.Write([]byte(string(sourceType)))
	digest.Write([]byte(docIDSeparator))
	digest.Write([]byte(sourceRef))
	digest.Write([]byte(docIDSeparator))
	digest.Write([]byte(title))
	digest.Write([]byte(docIDSeparator))
	digest.Write([]byte(textContent))
	return "doc-" + hex.EncodeToString(digest.Sum(nil))[:32]
}
