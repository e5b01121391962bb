package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotInitialized indicates an operation was invoked before Init succeeded.
	ErrNotInitialized = errors.New("storage: driver not initialized")
	// ErrNotFound indicates an operation targeted a row that does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrMigration indicates the backend refused a schema change. The local
	// store is a disposable cache; recovery is Reset followed by Init.
	ErrMigration = errors.New("storage: migration failed")
	// ErrInvalidInput indicates the caller supplied an unusable argument.
	ErrInvalidInput = errors.New("storage: invalid input")
)

// DriverKind identifies a storage backend implementation.
type DriverKind string

const (
	// DriverKindSQLite is the primary relational backend.
	DriverKindSQLite DriverKind = "sqlite"
	// DriverKindFileStore is the document-store fallback backend.
	DriverKindFileStore DriverKind = "filestore"
)

// InitResult reports the outcome of driver initialization.
type InitResult struct {
	DriverKind    DriverKind `json:"driverKind"`
	SchemaVersion int        `json:"schemaVersion"`
	InitTimeMs    int64      `json:"initTimeMs"`
}

// HealthReport describes driver health for observability. Producing one must
// never fail.
type HealthReport struct {
	DriverKind         DriverKind `json:"driverKind"`
	SchemaVersion      int        `json:"schemaVersion"`
	IsLeader           bool       `json:"isLeader"`
	SQLiteAvailable    bool       `json:"sqliteAvailable"`
	FileStoreAvailable bool       `json:"filestoreAvailable"`
	FallbackReason     string     `json:"fallbackReason,omitempty"`
}

// OrderField selects a document listing sort column.
type OrderField string

const (
	// OrderByUpdatedAt sorts by last modification time.
	OrderByUpdatedAt OrderField = "updatedAt"
	// OrderByCreatedAt sorts by creation time.
	OrderByCreatedAt OrderField = "createdAt"
	// OrderByTitle sorts by title.
	OrderByTitle OrderField = "title"
	// OrderBySavedAt sorts by the time the document entered the saved set.
	OrderBySavedAt OrderField = "savedAt"
)

// ListDocumentsOptions controls document listing. A zero OrderBy means
// unspecified: listings default to updatedAt descending, or savedAt
// descending when SavedOnly is set.
type ListDocumentsOptions struct {
	Offset     int
	Limit      int
	OrderBy    OrderField
	Descending bool
	SavedOnly  bool
}

// DocumentInput describes a create-or-update write. Nil pointer fields leave
// the stored value unchanged on update and take defaults on insert. SavedAt
// is only written when SetSavedAt is true, so a document can be removed from
// the saved set by supplying SetSavedAt with a nil SavedAtSeconds.
type DocumentInput struct {
	DocID            string
	Title            *string
	CreatedAtSeconds *int64
	ActivePolicyID   *string
	HeadFrontier     []byte
	SetSavedAt       bool
	SavedAtSeconds   *int64
}

// OutboxInput describes a new outbox item.
type OutboxInput struct {
	DocID   string
	Kind    OutboxKind
	Payload []byte
}

// Tx is the restricted sub-interface available inside Transaction closures.
type Tx interface {
	UpsertDocument(input DocumentInput) (Document, error)
	AppendUpdate(entry UpdateEntry) (bool, error)
	UpsertAnnotation(annotation Annotation) (Annotation, error)
	EnqueueOutbox(input OutboxInput) (OutboxItem, error)
}

// Driver is the uniform storage contract implemented by every backend.
//
// Init is idempotent and cached: concurrent callers share a single
// initialization. Every other method requires a prior successful Init and
// returns ErrNotInitialized otherwise, except HealthCheck which always
// produces a report.
type Driver interface {
	// Init opens or creates the backend and runs schema migrations keyed by a
	// monotonically increasing integer version.
	Init(ctx context.Context) (InitResult, error)
	// Close releases backend resources.
	Close() error
	// Kind identifies the backend.
	Kind() DriverKind
	// HealthCheck reports backend health. It never fails.
	HealthCheck(ctx context.Context) HealthReport
	// Reset destroys all data irreversibly. Callers must Init again afterward.
	Reset(ctx context.Context) error

	// UpsertDocument creates or updates a document. On insert, CreatedAt
	// defaults to now; on update, CreatedAt and SavedAt are preserved unless
	// explicitly supplied.
	UpsertDocument(ctx context.Context, input DocumentInput) (Document, error)
	// GetDocument returns a document or ErrNotFound.
	GetDocument(ctx context.Context, docID string) (Document, error)
	// SetDocumentTitle updates a title, returning ErrNotFound for a missing row.
	SetDocumentTitle(ctx context.Context, docID string, title string) error
	// SetDocumentSaved moves a document into or out of the saved set.
	SetDocumentSaved(ctx context.Context, docID string, savedAtSeconds *int64) error
	// DeleteDocument transactionally removes the document and every
	// change-log entry, annotation, outbox item, asset link and topic link
	// attached to it.
	DeleteDocument(ctx context.Context, docID string) error
	// ListDocuments returns documents per the provided options.
	ListDocuments(ctx context.Context, opts ListDocumentsOptions) ([]Document, error)

	// AppendUpdate appends a change-log entry. Re-appending an existing
	// (doc, actor, seq) key is a no-op; the boolean reports whether a new row
	// was stored.
	AppendUpdate(ctx context.Context, entry UpdateEntry) (bool, error)
	// ListUpdates returns entries for a document with lamport greater than
	// afterLamport, in non-decreasing lamport order. A non-positive limit
	// means no limit.
	ListUpdates(ctx context.Context, docID string, afterLamport int64, limit int) ([]UpdateEntry, error)

	// UpsertAnnotation creates or replaces an annotation, bumping its version
	// counter on replace.
	UpsertAnnotation(ctx context.Context, annotation Annotation) (Annotation, error)
	// GetAnnotation returns an annotation or ErrNotFound.
	GetAnnotation(ctx context.Context, annotationID string) (Annotation, error)
	// SetAnnotationState transitions an annotation's lifecycle state. The
	// deleted state is terminal; transitions out of it fail.
	SetAnnotationState(ctx context.Context, annotationID string, state AnnotationState, reason *string) error
	// ListAnnotations returns annotations attached to a document.
	ListAnnotations(ctx context.Context, docID string) ([]Annotation, error)

	// EnqueueOutbox stores a new pending outbox item.
	EnqueueOutbox(ctx context.Context, input OutboxInput) (OutboxItem, error)
	// ClaimOutboxItems atomically selects up to limit due pending items,
	// flips them to in_flight with attempts incremented, and returns the
	// post-increment rows. Concurrent claimers never receive the same item.
	ClaimOutboxItems(ctx context.Context, limit int) ([]OutboxItem, error)
	// AckOutboxItem marks a claimed item delivered.
	AckOutboxItem(ctx context.Context, outboxID string) error
	// FailOutboxItem returns a claimed item to pending with the supplied
	// retry time, or marks it permanently failed when retryAtSeconds is nil.
	FailOutboxItem(ctx context.Context, outboxID string, retryAtSeconds *int64) error
	// ListOutboxItems returns outbox items for a document.
	ListOutboxItems(ctx context.Context, docID string) ([]OutboxItem, error)

	// PutImportJob creates or replaces a job row.
	PutImportJob(ctx context.Context, job ImportJob) error
	// GetImportJob returns a job or ErrNotFound.
	GetImportJob(ctx context.Context, jobID string) (ImportJob, error)
	// FindImportJobBySource returns the most recently updated job for a
	// source key, reporting whether one exists.
	FindImportJobBySource(ctx context.Context, sourceType SourceType, sourceRef string) (ImportJob, bool, error)
	// ListImportJobs returns jobs, optionally filtered by status.
	ListImportJobs(ctx context.Context, statuses ...JobStatus) ([]ImportJob, error)
	// DeleteImportJob removes a job row or returns ErrNotFound.
	DeleteImportJob(ctx context.Context, jobID string) error

	// AddDocumentAsset links an asset to a document.
	AddDocumentAsset(ctx context.Context, docID string, assetID string) error
	// AddDocumentTopic links a topic to a document.
	AddDocumentTopic(ctx context.Context, docID string, topic string) error

	// Transaction executes fn against the restricted sub-interface with
	// all-or-nothing commit semantics.
	Transaction(ctx context.Context, fn func(tx Tx) error) error
}
