// Package filestore implements the document-store fallback backend. The
// whole dataset is held as an in-memory snapshot and persisted as one JSON
// file with write-temp-then-rename atomicity, which keeps transactional
// semantics trivial at local-cache scale.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lodeworks/lodestone/internal/storage"
	"go.uber.org/zap"
)

// currentSchemaVersion matches the relational backend so health reports are
// comparable across drivers.
const currentSchemaVersion = 3

const updateKeySeparator = "\x1f"

type snapshot struct {
	SchemaVersion int                              `json:"schemaVersion"`
	Documents     map[string]storage.Document      `json:"documents"`
	Updates       map[string]storage.UpdateEntry   `json:"updates"`
	Annotations   map[string]storage.Annotation    `json:"annotations"`
	Outbox        map[string]storage.OutboxItem    `json:"outbox"`
	Jobs          map[string]storage.ImportJob     `json:"jobs"`
	Assets        map[string]storage.DocumentAsset `json:"assets"`
	Topics        map[string]storage.DocumentTopic `json:"topics"`
}

func newSnapshot() *snapshot {
	return &snapshot{
		SchemaVersion: currentSchemaVersion,
		Documents:     make(map[string]storage.Document),
		Updates:       make(map[string]storage.UpdateEntry),
		Annotations:   make(map[string]storage.Annotation),
		Outbox:        make(map[string]storage.OutboxItem),
		Jobs:          make(map[string]storage.ImportJob),
		Assets:        make(map[string]storage.DocumentAsset),
		Topics:        make(map[string]storage.DocumentTopic),
	}
}

func updateKey(docID, actorID string, seq int64) string {
	return strings.Join([]string{docID, actorID, fmt.Sprintf("%d", seq)}, updateKeySeparator)
}

func linkKey(first, second string) string {
	return first + updateKeySeparator + second
}

// Config describes the inputs required to construct a Driver.
type Config struct {
	Path   string
	Clock  func() time.Time
	Logger *zap.Logger
}

// Driver is the JSON-snapshot storage.Driver implementation.
type Driver struct {
	path   string
	clock  func() time.Time
	logger *zap.Logger

	mu          sync.Mutex
	state       *snapshot
	initialized bool
	initResult  storage.InitResult
}

// New constructs an uninitialized Driver.
func New(cfg Config) (*Driver, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: store path is required", storage.ErrInvalidInput)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{path: cfg.Path, clock: clock, logger: logger}, nil
}

// Kind identifies the backend.
func (d *Driver) Kind() storage.DriverKind {
	return storage.DriverKindFileStore
}

// Init loads or creates the snapshot file and upgrades older snapshots
// additively. The result is cached for concurrent and repeated callers.
func (d *Driver) Init(ctx context.Context) (storage.InitResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.initialized {
		return d.initResult, nil
	}

	started := d.clock()
	state, err := d.load()
	if err != nil {
		return storage.InitResult{}, err
	}
	if state.SchemaVersion > currentSchemaVersion {
		return storage.InitResult{}, fmt.Errorf("%w: snapshot version %d is newer than %d",
			storage.ErrMigration, state.SchemaVersion, currentSchemaVersion)
	}
	if state.SchemaVersion < currentSchemaVersion {
		upgradeSnapshot(state)
		if err := d.persist(state); err != nil {
			return storage.InitResult{}, fmt.Errorf("%w: upgrade persist: %v", storage.ErrMigration, err)
		}
		d.logger.Info("filestore snapshot upgraded", zap.Int("schema_version", currentSchemaVersion))
	}

	d.state = state
	d.initialized = true
	d.initResult = storage.InitResult{
		DriverKind:    storage.DriverKindFileStore,
		SchemaVersion: currentSchemaVersion,
		InitTimeMs:    d.clock().Sub(started).Milliseconds(),
	}
	d.logger.Info("filestore driver initialized", zap.String("path", d.path))
	return d.initResult, nil
}

func (d *Driver) load() (*snapshot, error) {
	raw, err := os.ReadFile(d.path)
	if errors.Is(err, os.ErrNotExist) {
		return newSnapshot(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	state := newSnapshot()
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, fmt.Errorf("%w: decode snapshot: %v", storage.ErrMigration, err)
	}
	// Maps may be nil in hand-edited or truncated files.
	fresh := newSnapshot()
	fresh.SchemaVersion = state.SchemaVersion
	mergeSnapshot(fresh, state)
	return fresh, nil
}

func mergeSnapshot(dst, src *snapshot) {
	for k, v := range src.Documents {
		dst.Documents[k] = v
	}
	for k, v := range src.Updates {
		dst.Updates[k] = v
	}
	for k, v := range src.Annotations {
		dst.Annotations[k] = v
	}
	for k, v := range src.Outbox {
		dst.Outbox[k] = v
	}
	for k, v := range src.Jobs {
		dst.Jobs[k] = v
	}
	for k, v := range src.Assets {
		dst.Assets[k] = v
	}
	for k, v := range src.Topics {
		dst.Topics[k] = v
	}
}

// upgradeSnapshot backfills defaults introduced by later schema versions.
func upgradeSnapshot(state *snapshot) {
	for key, entry := range state.Updates {
		if entry.Source == "" {
			entry.Source = storage.UpdateSourceLocal
			state.Updates[key] = entry
		}
	}
	for key, item := range state.Outbox {
		if item.Status == "" {
			item.Status = storage.OutboxStatusPending
			state.Outbox[key] = item
		}
	}
	state.SchemaVersion = currentSchemaVersion
}

func (d *Driver) persist(state *snapshot) error {
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	dir := filepath.Dir(d.path)
	tmp, err := os.CreateTemp(dir, ".lodestone-snapshot-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, d.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func cloneSnapshot(state *snapshot) (*snapshot, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	clone := newSnapshot()
	if err := json.Unmarshal(raw, clone); err != nil {
		return nil, err
	}
	return clone, nil
}

// mutate applies fn to a staged copy of the snapshot, persists it and swaps
// it in. Failures leave the committed state untouched.
func (d *Driver) mutate(fn func(state *snapshot) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return storage.ErrNotInitialized
	}
	staged, err := cloneSnapshot(d.state)
	if err != nil {
		return fmt.Errorf("stage snapshot: %w", err)
	}
	if err := fn(staged); err != nil {
		return err
	}
	if err := d.persist(staged); err != nil {
		return err
	}
	d.state = staged
	return nil
}

// view runs fn against the committed snapshot under the lock.
func (d *Driver) view(fn func(state *snapshot) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return storage.ErrNotInitialized
	}
	return fn(d.state)
}

// Close drops the in-memory snapshot.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = nil
	d.initialized = false
	return nil
}

// HealthCheck reports driver health. It never fails.
func (d *Driver) HealthCheck(_ context.Context) storage.HealthReport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return storage.HealthReport{
		DriverKind:         storage.DriverKindFileStore,
		SchemaVersion:      currentSchemaVersion,
		FileStoreAvailable: true,
	}
}

// Reset removes the snapshot file irreversibly.
func (d *Driver) Reset(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = nil
	d.initialized = false
	if err := os.Remove(d.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove snapshot: %w", err)
	}
	d.logger.Warn("filestore driver reset", zap.String("path", d.path))
	return nil
}

func (d *Driver) nowSeconds() int64 {
	return d.clock().UTC().Unix()
}

// UpsertDocument creates or updates a document with preserve semantics.
func (d *Driver) UpsertDocument(_ context.Context, input storage.DocumentInput) (storage.Document, error) {
	var resolved storage.Document
	err := d.mutate(func(state *snapshot) error {
		var err error
		resolved, err = upsertDocumentState(state, input, d.nowSeconds())
		return err
	})
	if err != nil {
		return storage.Document{}, err
	}
	return resolved, nil
}

func upsertDocumentState(state *snapshot, input storage.DocumentInput, nowSeconds int64) (storage.Document, error) {
	if input.DocID == "" {
		return storage.Document{}, fmt.Errorf("%w: empty doc id", storage.ErrInvalidInput)
	}
	var existingPtr *storage.Document
	if existing, ok := state.Documents[input.DocID]; ok {
		existingPtr = &existing
	}
	resolved := storage.ApplyDocumentInput(existingPtr, input, nowSeconds)
	state.Documents[input.DocID] = resolved
	return resolved, nil
}

// GetDocument returns a document or storage.ErrNotFound.
func (d *Driver) GetDocument(_ context.Context, docID string) (storage.Document, error) {
	var doc storage.Document
	err := d.view(func(state *snapshot) error {
		stored, ok := state.Documents[docID]
		if !ok {
			return fmt.Errorf("%w: document %s", storage.ErrNotFound, docID)
		}
		doc = stored
		return nil
	})
	return doc, err
}

// SetDocumentTitle updates a title. Missing rows surface storage.ErrNotFound.
func (d *Driver) SetDocumentTitle(_ context.Context, docID string, title string) error {
	return d.mutate(func(state *snapshot) error {
		doc, ok := state.Documents[docID]
		if !ok {
			return fmt.Errorf("%w: document %s", storage.ErrNotFound, docID)
		}
		doc.Title = &title
		doc.UpdatedAtSeconds = d.nowSeconds()
		state.Documents[docID] = doc
		return nil
	})
}

// SetDocumentSaved moves a document into or out of the saved set.
func (d *Driver) SetDocumentSaved(_ context.Context, docID string, savedAtSeconds *int64) error {
	return d.mutate(func(state *snapshot) error {
		doc, ok := state.Documents[docID]
		if !ok {
			return fmt.Errorf("%w: document %s", storage.ErrNotFound, docID)
		}
		doc.SavedAtSeconds = savedAtSeconds
		doc.UpdatedAtSeconds = d.nowSeconds()
		state.Documents[docID] = doc
		return nil
	})
}

// DeleteDocument removes the document and every dependent row atomically.
func (d *Driver) DeleteDocument(_ context.Context, docID string) error {
	return d.mutate(func(state *snapshot) error {
		if _, ok := state.Documents[docID]; !ok {
			return fmt.Errorf("%w: document %s", storage.ErrNotFound, docID)
		}
		delete(state.Documents, docID)
		for key, entry := range state.Updates {
			if entry.DocID == docID {
				delete(state.Updates, key)
			}
		}
		for key, annotation := range state.Annotations {
			if annotation.DocID == docID {
				delete(state.Annotations, key)
			}
		}
		for key, item := range state.Outbox {
			if item.DocID == docID {
				delete(state.Outbox, key)
			}
		}
		for key, link := range state.Assets {
			if link.DocID == docID {
				delete(state.Assets, key)
			}
		}
		for key, link := range state.Topics {
			if link.DocID == docID {
				delete(state.Topics, key)
			}
		}
		return nil
	})
}

// ListDocuments returns documents per the provided options.
func (d *Driver) ListDocuments(_ context.Context, opts storage.ListDocumentsOptions) ([]storage.Document, error) {
	var docs []storage.Document
	err := d.view(func(state *snapshot) error {
		for _, doc := range state.Documents {
			if opts.SavedOnly && doc.SavedAtSeconds == nil {
				continue
			}
			docs = append(docs, doc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	field, descending := storage.ResolveListOrder(opts)
	sort.SliceStable(docs, func(i, j int) bool {
		less := compareDocuments(docs[i], docs[j], field)
		if less == 0 {
			return docs[i].DocID < docs[j].DocID
		}
		if descending {
			return less > 0
		}
		return less < 0
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(docs) {
			return nil, nil
		}
		docs = docs[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(docs) {
		docs = docs[:opts.Limit]
	}
	return docs, nil
}

func compareDocuments(a, b storage.Document, field storage.OrderField) int {
	switch field {
	case storage.OrderByCreatedAt:
		return compareInt64(a.CreatedAtSeconds, b.CreatedAtSeconds)
	case storage.OrderByTitle:
		return strings.Compare(derefString(a.Title), derefString(b.Title))
	case storage.OrderBySavedAt:
		return compareInt64(derefInt64(a.SavedAtSeconds), derefInt64(b.SavedAtSeconds))
	default:
		return compareInt64(a.UpdatedAtSeconds, b.UpdatedAtSeconds)
	}
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func derefInt64(value *int64) int64 {
	if value == nil {
		return 0
	}
	return *value
}

// AppendUpdate appends a change-log entry, treating duplicate keys as a no-op.
func (d *Driver) AppendUpdate(_ context.Context, entry storage.UpdateEntry) (bool, error) {
	var stored bool
	err := d.mutate(func(state *snapshot) error {
		var err error
		stored, err = appendUpdateState(state, entry, d.nowSeconds())
		return err
	})
	if err != nil {
		return false, err
	}
	return stored, nil
}

func appendUpdateState(state *snapshot, entry storage.UpdateEntry, nowSeconds int64) (bool, error) {
	if entry.DocID == "" || entry.ActorID == "" {
		return false, fmt.Errorf("%w: update entry requires doc and actor ids", storage.ErrInvalidInput)
	}
	key := updateKey(entry.DocID, entry.ActorID, entry.Seq)
	if _, ok := state.Updates[key]; ok {
		return false, nil
	}
	if entry.ReceivedAtSeconds == 0 {
		entry.ReceivedAtSeconds = nowSeconds
	}
	if entry.Source == "" {
		entry.Source = storage.UpdateSourceLocal
	}
	state.Updates[key] = entry
	return true, nil
}

// ListUpdates returns change-log entries after the lamport cursor in
// non-decreasing lamport order.
func (d *Driver) ListUpdates(_ context.Context, docID string, afterLamport int64, limit int) ([]storage.UpdateEntry, error) {
	var entries []storage.UpdateEntry
	err := d.view(func(state *snapshot) error {
		for _, entry := range state.Updates {
			if entry.DocID == docID && entry.Lamport > afterLamport {
				entries = append(entries, entry)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Lamport != entries[j].Lamport {
			return entries[i].Lamport < entries[j].Lamport
		}
		if entries[i].ActorID != entries[j].ActorID {
			return entries[i].ActorID < entries[j].ActorID
		}
		return entries[i].Seq < entries[j].Seq
	})
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	return entries, nil
}

// UpsertAnnotation creates or replaces an annotation.
func (d *Driver) UpsertAnnotation(_ context.Context, annotation storage.Annotation) (storage.Annotation, error) {
	var resolved storage.Annotation
	err := d.mutate(func(state *snapshot) error {
		var err error
		resolved, err = upsertAnnotationState(state, annotation, d.nowSeconds())
		return err
	})
	if err != nil {
		return storage.Annotation{}, err
	}
	return resolved, nil
}

func upsertAnnotationState(state *snapshot, annotation storage.Annotation, nowSeconds int64) (storage.Annotation, error) {
	if annotation.AnnotationID == "" || annotation.DocID == "" {
		return storage.Annotation{}, fmt.Errorf("%w: annotation requires id and doc id", storage.ErrInvalidInput)
	}
	var existingPtr *storage.Annotation
	if existing, ok := state.Annotations[annotation.AnnotationID]; ok {
		existingPtr = &existing
	}
	resolved := storage.ResolveAnnotationUpsert(existingPtr, annotation, nowSeconds)
	state.Annotations[annotation.AnnotationID] = resolved
	return resolved, nil
}

// GetAnnotation returns an annotation or storage.ErrNotFound.
func (d *Driver) GetAnnotation(_ context.Context, annotationID string) (storage.Annotation, error) {
	var annotation storage.Annotation
	err := d.view(func(state *snapshot) error {
		stored, ok := state.Annotations[annotationID]
		if !ok {
			return fmt.Errorf("%w: annotation %s", storage.ErrNotFound, annotationID)
		}
		annotation = stored
		return nil
	})
	return annotation, err
}

// SetAnnotationState transitions an annotation's lifecycle state. Deleted is
// terminal.
func (d *Driver) SetAnnotationState(_ context.Context, annotationID string, annotationState storage.AnnotationState, reason *string) error {
	return d.mutate(func(state *snapshot) error {
		existing, ok := state.Annotations[annotationID]
		if !ok {
			return fmt.Errorf("%w: annotation %s", storage.ErrNotFound, annotationID)
		}
		if existing.State == storage.AnnotationStateDeleted {
			return fmt.Errorf("%w: annotation %s is deleted", storage.ErrInvalidInput, annotationID)
		}
		existing.State = annotationState
		existing.Reason = reason
		existing.Version++
		existing.UpdatedAtSeconds = d.nowSeconds()
		state.Annotations[annotationID] = existing
		return nil
	})
}

// ListAnnotations returns annotations attached to a document.
func (d *Driver) ListAnnotations(_ context.Context, docID string) ([]storage.Annotation, error) {
	var annotations []storage.Annotation
	err := d.view(func(state *snapshot) error {
		for _, annotation := range state.Annotations {
			if annotation.DocID == docID {
				annotations = append(annotations, annotation)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(annotations, func(i, j int) bool {
		if annotations[i].CreatedAtSeconds != annotations[j].CreatedAtSeconds {
			return annotations[i].CreatedAtSeconds < annotations[j].CreatedAtSeconds
		}
		return annotations[i].AnnotationID < annotations[j].AnnotationID
	})
	return annotations, nil
}

// EnqueueOutbox stores a new pending outbox item.
func (d *Driver) EnqueueOutbox(_ context.Context, input storage.OutboxInput) (storage.OutboxItem, error) {
	var item storage.OutboxItem
	err := d.mutate(func(state *snapshot) error {
		var err error
		item, err = enqueueOutboxState(state, input, d.nowSeconds())
		return err
	})
	if err != nil {
		return storage.OutboxItem{}, err
	}
	return item, nil
}

func enqueueOutboxState(state *snapshot, input storage.OutboxInput, nowSeconds int64) (storage.OutboxItem, error) {
	if input.DocID == "" || input.Kind == "" {
		return storage.OutboxItem{}, fmt.Errorf("%w: outbox item requires doc id and kind", storage.ErrInvalidInput)
	}
	item := storage.OutboxItem{
		OutboxID:         newRowID(),
		DocID:            input.DocID,
		Kind:             input.Kind,
		Payload:          input.Payload,
		Status:           storage.OutboxStatusPending,
		CreatedAtSeconds: nowSeconds,
	}
	state.Outbox[item.OutboxID] = item
	return item, nil
}

// ClaimOutboxItems atomically claims up to limit due pending items.
func (d *Driver) ClaimOutboxItems(_ context.Context, limit int) ([]storage.OutboxItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	var claimed []storage.OutboxItem
	err := d.mutate(func(state *snapshot) error {
		now := d.nowSeconds()
		var due []storage.OutboxItem
		for _, item := range state.Outbox {
			if item.Status != storage.OutboxStatusPending {
				continue
			}
			if item.NextRetryAtSeconds != nil && *item.NextRetryAtSeconds > now {
				continue
			}
			due = append(due, item)
		}
		sort.SliceStable(due, func(i, j int) bool {
			if due[i].CreatedAtSeconds != due[j].CreatedAtSeconds {
				return due[i].CreatedAtSeconds < due[j].CreatedAtSeconds
			}
			return due[i].OutboxID < due[j].OutboxID
		})
		if len(due) > limit {
			due = due[:limit]
		}
		for _, item := range due {
			item.Status = storage.OutboxStatusInFlight
			item.Attempts++
			item.NextRetryAtSeconds = nil
			state.Outbox[item.OutboxID] = item
			claimed = append(claimed, item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// AckOutboxItem marks a claimed item delivered.
func (d *Driver) AckOutboxItem(_ context.Context, outboxID string) error {
	return d.settleOutboxItem(outboxID, func(item *storage.OutboxItem) {
		item.Status = storage.OutboxStatusAcked
	})
}

// FailOutboxItem returns a claimed item to pending for retry, or marks it
// permanently failed when retryAtSeconds is nil.
func (d *Driver) FailOutboxItem(_ context.Context, outboxID string, retryAtSeconds *int64) error {
	return d.settleOutboxItem(outboxID, func(item *storage.OutboxItem) {
		if retryAtSeconds != nil {
			item.Status = storage.OutboxStatusPending
			item.NextRetryAtSeconds = retryAtSeconds
			return
		}
		item.Status = storage.OutboxStatusFailed
		item.NextRetryAtSeconds = nil
	})
}

func (d *Driver) settleOutboxItem(outboxID string, apply func(item *storage.OutboxItem)) error {
	return d.mutate(func(state *snapshot) error {
		item, ok := state.Outbox[outboxID]
		if !ok || item.Status != storage.OutboxStatusInFlight {
			return fmt.Errorf("%w: in-flight outbox item %s", storage.ErrNotFound, outboxID)
		}
		apply(&item)
		state.Outbox[outboxID] = item
		return nil
	})
}

// ListOutboxItems returns outbox items for a document.
func (d *Driver) ListOutboxItems(_ context.Context, docID string) ([]storage.OutboxItem, error) {
	var items []storage.OutboxItem
	err := d.view(func(state *snapshot) error {
		for _, item := range state.Outbox {
			if item.DocID == docID {
				items = append(items, item)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].CreatedAtSeconds != items[j].CreatedAtSeconds {
			return items[i].CreatedAtSeconds < items[j].CreatedAtSeconds
		}
		return items[i].OutboxID < items[j].OutboxID
	})
	return items, nil
}

// PutImportJob creates or replaces a job row.
func (d *Driver) PutImportJob(_ context.Context, job storage.ImportJob) error {
	if job.JobID == "" {
		return fmt.Errorf("%w: empty job id", storage.ErrInvalidInput)
	}
	return d.mutate(func(state *snapshot) error {
		now := d.nowSeconds()
		if job.CreatedAtSeconds == 0 {
			job.CreatedAtSeconds = now
		}
		job.UpdatedAtSeconds = now
		state.Jobs[job.JobID] = job
		return nil
	})
}

// GetImportJob returns a job or storage.ErrNotFound.
func (d *Driver) GetImportJob(_ context.Context, jobID string) (storage.ImportJob, error) {
	var job storage.ImportJob
	err := d.view(func(state *snapshot) error {
		stored, ok := state.Jobs[jobID]
		if !ok {
			return fmt.Errorf("%w: import job %s", storage.ErrNotFound, jobID)
		}
		job = stored
		return nil
	})
	return job, err
}

// FindImportJobBySource returns the most recently updated job for a source key.
func (d *Driver) FindImportJobBySource(_ context.Context, sourceType storage.SourceType, sourceRef string) (storage.ImportJob, bool, error) {
	var found storage.ImportJob
	var ok bool
	err := d.view(func(state *snapshot) error {
		for _, job := range state.Jobs {
			if job.SourceType != sourceType || job.SourceRef != sourceRef {
				continue
			}
			if !ok || job.UpdatedAtSeconds > found.UpdatedAtSeconds {
				found = job
				ok = true
			}
		}
		return nil
	})
	if err != nil {
		return storage.ImportJob{}, false, err
	}
	return found, ok, nil
}

// ListImportJobs returns jobs, optionally filtered by status.
func (d *Driver) ListImportJobs(_ context.Context, statuses ...storage.JobStatus) ([]storage.ImportJob, error) {
	wanted := make(map[storage.JobStatus]bool, len(statuses))
	for _, status := range statuses {
		wanted[status] = true
	}
	var jobs []storage.ImportJob
	err := d.view(func(state *snapshot) error {
		for _, job := range state.Jobs {
			if len(wanted) > 0 && !wanted[job.Status] {
				continue
			}
			jobs = append(jobs, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].CreatedAtSeconds != jobs[j].CreatedAtSeconds {
			return jobs[i].CreatedAtSeconds < jobs[j].CreatedAtSeconds
		}
		return jobs[i].JobID < jobs[j].JobID
	})
	return jobs, nil
}

// DeleteImportJob removes a job row.
func (d *Driver) DeleteImportJob(_ context.Context, jobID string) error {
	return d.mutate(func(state *snapshot) error {
		if _, ok := state.Jobs[jobID]; !ok {
			return fmt.Errorf("%w: import job %s", storage.ErrNotFound, jobID)
		}
		delete(state.Jobs, jobID)
		return nil
	})
}

// AddDocumentAsset links an asset to a document.
func (d *Driver) AddDocumentAsset(_ context.Context, docID string, assetID string) error {
	return d.mutate(func(state *snapshot) error {
		state.Assets[linkKey(docID, assetID)] = storage.DocumentAsset{DocID: docID, AssetID: assetID}
		return nil
	})
}

// AddDocumentTopic links a topic to a document.
func (d *Driver) AddDocumentTopic(_ context.Context, docID string, topic string) error {
	return d.mutate(func(state *snapshot) error {
		state.Topics[linkKey(docID, topic)] = storage.DocumentTopic{DocID: docID, Topic: topic}
		return nil
	})
}

// Transaction executes fn against the restricted sub-interface with
// all-or-nothing commit semantics: the closure mutates a staged copy that is
// only swapped in, and persisted, when it returns nil.
func (d *Driver) Transaction(_ context.Context, fn func(tx storage.Tx) error) error {
	return d.mutate(func(state *snapshot) error {
		return fn(&restrictedTx{state: state, nowSeconds: d.nowSeconds()})
	})
}

type restrictedTx struct {
	state      *snapshot
	nowSeconds int64
}

func (r *restrictedTx) UpsertDocument(input storage.DocumentInput) (storage.Document, error) {
	return upsertDocumentState(r.state, input, r.nowSeconds)
}

func (r *restrictedTx) AppendUpdate(entry storage.UpdateEntry) (bool, error) {
	return appendUpdateState(r.state, entry, r.nowSeconds)
}

func (r *restrictedTx) UpsertAnnotation(annotation storage.Annotation) (storage.Annotation, error) {
	return upsertAnnotationState(r.state, annotation, r.nowSeconds)
}

func (r *restrictedTx) EnqueueOutbox(input storage.OutboxInput) (storage.OutboxItem, error) {
	return enqueueOutboxState(r.state, input, r.nowSeconds)
}

func newRowID() string {
	value, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return value.String()
}
