// Package storage defines the driver contract shared by every storage
// backend, together with the persisted row models and their enumerations.
package storage

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDocID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocID = errors.New("storage: invalid document id")
	// ErrInvalidActorID indicates that an actor identifier is empty or exceeds storage bounds.
	ErrInvalidActorID = errors.New("storage: invalid actor id")
)

// DocID represents a validated document identifier.
type DocID string

// NewDocID validates raw input and returns a DocID.
func NewDocID(rawInput string) (DocID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocID, maxIdentifierLength)
	}
	return DocID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocID) String() string {
	return string(id)
}

// ActorID represents a validated actor (device/site) identifier.
type ActorID string

// NewActorID validates raw input and returns an ActorID.
func NewActorID(rawInput string) (ActorID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidActorID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidActorID, maxIdentifierLength)
	}
	return ActorID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ActorID) String() string {
	return string(id)
}

// UpdateSource identifies where a change-log entry originated.
type UpdateSource string

const (
	// UpdateSourceLocal marks an entry produced on this device.
	UpdateSourceLocal UpdateSource = "local"
	// UpdateSourceRemote marks an entry received from the sync target.
	UpdateSourceRemote UpdateSource = "remote"
	// UpdateSourceReplay marks an entry re-applied during recovery.
	UpdateSourceReplay UpdateSource = "replay"
)

// AnnotationState enumerates annotation lifecycle states.
type AnnotationState string

const (
	// AnnotationStateActive marks a fully anchored annotation.
	AnnotationStateActive AnnotationState = "active"
	// AnnotationStateActivePartial marks an annotation whose anchor was partially edited away.
	AnnotationStateActivePartial AnnotationState = "active_partial"
	// AnnotationStateOrphan marks an annotation whose anchor target no longer exists.
	AnnotationStateOrphan AnnotationState = "orphan"
	// AnnotationStateHidden marks an annotation hidden by the user.
	AnnotationStateHidden AnnotationState = "hidden"
	// AnnotationStateDeleted marks a deleted annotation. The state is terminal.
	AnnotationStateDeleted AnnotationState = "deleted"
)

// OutboxKind enumerates the payload kinds carried by outbox items.
type OutboxKind string

const (
	// OutboxKindUpdateBatch carries a batch of change-log entries.
	OutboxKindUpdateBatch OutboxKind = "crdt_update_batch"
	// OutboxKindAnnotation carries an annotation mutation.
	OutboxKindAnnotation OutboxKind = "annotation_mutation"
	// OutboxKindPolicy carries a policy update.
	OutboxKindPolicy OutboxKind = "policy_update"
)

// OutboxStatus enumerates outbox item delivery states.
type OutboxStatus string

const (
	// OutboxStatusPending marks an item awaiting delivery.
	OutboxStatusPending OutboxStatus = "pending"
	// OutboxStatusInFlight marks an item claimed by a delivery loop.
	// Only Claim/Ack/Fail may move items into or out of this state.
	OutboxStatusInFlight OutboxStatus = "in_flight"
	// OutboxStatusAcked marks an item confirmed by the sync target.
	OutboxStatusAcked OutboxStatus = "acked"
	// OutboxStatusFailed marks an item that exhausted its delivery attempts.
	OutboxStatusFailed OutboxStatus = "failed"
)

// SourceType enumerates the ingestion source kinds.
type SourceType string

const (
	// SourceTypeURL ingests a web page.
	SourceTypeURL SourceType = "url"
	// SourceTypeFile ingests a local file.
	SourceTypeFile SourceType = "file"
	// SourceTypeRSS ingests an RSS or Atom feed.
	SourceTypeRSS SourceType = "rss"
	// SourceTypeYouTube ingests a video transcript.
	SourceTypeYouTube SourceType = "youtube"
)

// JobStatus enumerates import job lifecycle states.
type JobStatus string

const (
	// JobStatusQueued marks a job waiting for a concurrency slot.
	JobStatusQueued JobStatus = "queued"
	// JobStatusIngesting marks a job whose ingestor is running.
	JobStatusIngesting JobStatus = "ingesting"
	// JobStatusNormalizing marks a job whose content is being normalized.
	JobStatusNormalizing JobStatus = "normalizing"
	// JobStatusStoring marks a job persisting its result.
	JobStatusStoring JobStatus = "storing"
	// JobStatusDone marks a successfully completed job.
	JobStatusDone JobStatus = "done"
	// JobStatusFailed marks a failed job, retryable while attempts remain.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCanceled marks a user-cancelled job.
	JobStatusCanceled JobStatus = "canceled"
)

// Terminal reports whether the status ends the job lifecycle.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusDone, JobStatusFailed, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// Running reports whether the status indicates in-flight processing.
func (s JobStatus) Running() bool {
	switch s {
	case JobStatusIngesting, JobStatusNormalizing, JobStatusStoring:
		return true
	default:
		return false
	}
}

// Document models a logical editable unit.
type Document struct {
	DocID            string  `gorm:"column:doc_id;primaryKey;size:190;not null"`
	Title            *string `gorm:"column:title;size:512"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64   `gorm:"column:updated_at_s;not null;index:idx_documents_updated"`
	ActivePolicyID   *string `gorm:"column:active_policy_id;size:190"`
	HeadFrontier     []byte  `gorm:"column:head_frontier;type:blob"`
	SavedAtSeconds   *int64  `gorm:"column:saved_at_s;index:idx_documents_saved"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// Saved reports whether the document is part of the user's saved set.
func (d Document) Saved() bool {
	return d.SavedAtSeconds != nil
}

// UpdateEntry stores one append-only change-log row. The (doc, actor, seq)
// key is never overwritten; a duplicate insert is a silent no-op.
type UpdateEntry struct {
	DocID             string       `gorm:"column:doc_id;primaryKey;size:190;not null;index:idx_updates_doc_lamport,priority:1"`
	ActorID           string       `gorm:"column:actor_id;primaryKey;size:190;not null"`
	Seq               int64        `gorm:"column:seq;primaryKey;not null"`
	Lamport           int64        `gorm:"column:lamport;not null;index:idx_updates_doc_lamport,priority:2"`
	Update            []byte       `gorm:"column:update_blob;type:blob;not null"`
	ReceivedAtSeconds int64        `gorm:"column:received_at_s;not null"`
	Source            UpdateSource `gorm:"column:source;size:16;not null"`
}

// TableName provides the explicit table binding for GORM.
func (UpdateEntry) TableName() string {
	return "doc_updates"
}

// Annotation models a comment or highlight anchored to document content.
type Annotation struct {
	AnnotationID     string          `gorm:"column:annotation_id;primaryKey;size:190;not null"`
	DocID            string          `gorm:"column:doc_id;size:190;not null;index:idx_annotations_doc"`
	Kind             string          `gorm:"column:kind;size:64;not null"`
	ThreadID         *string         `gorm:"column:thread_id;size:190"`
	PayloadJSON      string          `gorm:"column:payload_json;type:text;not null"`
	State            AnnotationState `gorm:"column:state;size:32;not null"`
	Reason           *string         `gorm:"column:reason;size:190"`
	Version          int64           `gorm:"column:v;not null;default:1"`
	CreatedAtSeconds int64           `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64           `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Annotation) TableName() string {
	return "annotations"
}

// OutboxItem models a durable not-yet-synced local write.
type OutboxItem struct {
	OutboxID           string       `gorm:"column:outbox_id;primaryKey;size:190;not null"`
	DocID              string       `gorm:"column:doc_id;size:190;not null;index:idx_outbox_doc"`
	Kind               OutboxKind   `gorm:"column:kind;size:32;not null"`
	Payload            []byte       `gorm:"column:payload;type:blob;not null"`
	Attempts           int64        `gorm:"column:attempts;not null;default:0"`
	NextRetryAtSeconds *int64       `gorm:"column:next_retry_at_s"`
	Status             OutboxStatus `gorm:"column:status;size:16;not null;index:idx_outbox_status"`
	CreatedAtSeconds   int64        `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (OutboxItem) TableName() string {
	return "outbox_items"
}

// ImportJob tracks one ingestion attempt through its state machine.
type ImportJob struct {
	JobID              string     `gorm:"column:job_id;primaryKey;size:190;not null"`
	SourceType         SourceType `gorm:"column:source_type;size:16;not null;index:idx_jobs_source,priority:1"`
	SourceRef          string     `gorm:"column:source_ref;size:1024;not null;index:idx_jobs_source,priority:2"`
	Status             JobStatus  `gorm:"column:status;size:16;not null;index:idx_jobs_status"`
	Progress           *int64     `gorm:"column:progress"`
	ErrorCode          *string    `gorm:"column:error_code;size:64"`
	ErrorMessage       *string    `gorm:"column:error_message;size:2048"`
	ResultDocumentID   *string    `gorm:"column:result_document_id;size:190"`
	AttemptCount       int64      `gorm:"column:attempt_count;not null;default:0"`
	NextRetryAtSeconds *int64     `gorm:"column:next_retry_at_s"`
	CreatedAtSeconds   int64      `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds   int64      `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ImportJob) TableName() string {
	return "import_jobs"
}

// DocumentAsset links a document to a stored asset. Participates in cascade delete.
type DocumentAsset struct {
	DocID   string `gorm:"column:doc_id;primaryKey;size:190;not null"`
	AssetID string `gorm:"column:asset_id;primaryKey;size:190;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentAsset) TableName() string {
	return "document_assets"
}

// DocumentTopic links a document to a topic label. Participates in cascade delete.
type DocumentTopic struct {
	DocID string `gorm:"column:doc_id;primaryKey;size:190;not null"`
	Topic string `gorm:"column:topic;primaryKey;size:190;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentTopic) TableName() string {
	return "document_topics"
}
