// Package sqlitedriver implements the primary, relational storage backend on
// SQLite via GORM.
package sqlitedriver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/lodeworks/lodestone/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	queryDocID         = "doc_id = ?"
	queryOutboxID      = "outbox_id = ?"
	queryJobID         = "job_id = ?"
	queryAnnotationID  = "annotation_id = ?"
	orderLamportAsc    = "lamport ASC, actor_id ASC, seq ASC"
	orderCreatedAtAsc  = "created_at_s ASC, outbox_id ASC"
	orderJobUpdatedDes = "updated_at_s DESC, created_at_s DESC"
)

// Config describes the inputs required to construct a Driver.
type Config struct {
	Path   string
	Clock  func() time.Time
	Logger *zap.Logger
}

// Driver is the SQLite-backed storage.Driver implementation.
type Driver struct {
	path   string
	clock  func() time.Time
	logger *zap.Logger

	mu            sync.Mutex
	db            *gorm.DB
	initialized   bool
	initResult    storage.InitResult
	schemaVersion int
}

// New constructs an uninitialized Driver.
func New(cfg Config) (*Driver, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: database path is required", storage.ErrInvalidInput)
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
	return storage.DriverKindSQLite
}

// Init opens the database and applies pending migrations. The result is
// cached: concurrent and repeated callers share one initialization.
func (d *Driver) Init(ctx context.Context) (storage.InitResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.initialized {
		return d.initResult, nil
	}

	started := d.clock()

	db, err := gorm.Open(sqlite.Open(d.path), &gorm.Config{})
	if err != nil {
		return storage.InitResult{}, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return storage.InitResult{}, fmt.Errorf("obtain sql handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	version, err := applyMigrations(db.WithContext(ctx), d.clock, d.logger)
	if err != nil {
		sqlDB.Close()
		return storage.InitResult{}, err
	}

	d.db = db
	d.initialized = true
	d.schemaVersion = version
	d.initResult = storage.InitResult{
		DriverKind:    storage.DriverKindSQLite,
		SchemaVersion: version,
		InitTimeMs:    d.clock().Sub(started).Milliseconds(),
	}
	d.logger.Info("sqlite driver initialized",
		zap.String("path", d.path),
		zap.Int("schema_version", version))
	return d.initResult, nil
}

// Close releases the underlying database handle.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return nil
	}
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	d.db = nil
	d.initialized = false
	return sqlDB.Close()
}

// HealthCheck reports driver health. It never fails.
func (d *Driver) HealthCheck(ctx context.Context) storage.HealthReport {
	d.mu.Lock()
	initialized := d.initialized
	version := d.schemaVersion
	db := d.db
	d.mu.Unlock()

	available := initialized
	if initialized && db != nil {
		if sqlDB, err := db.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
			available = false
		}
	}
	return storage.HealthReport{
		DriverKind:         storage.DriverKindSQLite,
		SchemaVersion:      version,
		SQLiteAvailable:    available,
		FileStoreAvailable: true,
	}
}

// Reset destroys the database files. The driver must be initialized again
// before further use.
func (d *Driver) Reset(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db != nil {
		if sqlDB, err := d.db.DB(); err == nil {
			sqlDB.Close()
		}
		d.db = nil
	}
	d.initialized = false
	d.schemaVersion = 0
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(d.path + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s%s: %w", d.path, suffix, err)
		}
	}
	d.logger.Warn("sqlite driver reset", zap.String("path", d.path))
	return nil
}

func (d *Driver) handle() (*gorm.DB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized || d.db == nil {
		return nil, storage.ErrNotInitialized
	}
	return d.db, nil
}

func (d *Driver) nowSeconds() int64 {
	return d.clock().UTC().Unix()
}

// UpsertDocument creates or updates a document with preserve semantics for
// CreatedAt and SavedAt.
func (d *Driver) UpsertDocument(ctx context.Context, input storage.DocumentInput) (storage.Document, error) {
	db, err := d.handle()
	if err != nil {
		return storage.Document{}, err
	}
	if input.DocID == "" {
		return storage.Document{}, fmt.Errorf("%w: empty doc id", storage.ErrInvalidInput)
	}

	var resolved storage.Document
	txErr := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		resolved, err = upsertDocumentTx(tx, input, d.nowSeconds())
		return err
	})
	if txErr != nil {
		return storage.Document{}, txErr
	}
	return resolved, nil
}

func upsertDocumentTx(tx *gorm.DB, input storage.DocumentInput, nowSeconds int64) (storage.Document, error) {
	var existing storage.Document
	var existingPtr *storage.Document
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryDocID, input.DocID).
		Take(&existing).Error
	if err == nil {
		existingPtr = &existing
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.Document{}, err
	}

	resolved := storage.ApplyDocumentInput(existingPtr, input, nowSeconds)
	if err := tx.Save(&resolved).Error; err != nil {
		return storage.Document{}, err
	}
	return resolved, nil
}

// GetDocument returns a document or storage.ErrNotFound.
func (d *Driver) GetDocument(ctx context.Context, docID string) (storage.Document, error) {
	db, err := d.handle()
	if err != nil {
		return storage.Document{}, err
	}
	var doc storage.Document
	if err := db.WithContext(ctx).Where(queryDocID, docID).Take(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return storage.Document{}, fmt.Errorf("%w: document %s", storage.ErrNotFound, docID)
		}
		return storage.Document{}, err
	}
	return doc, nil
}

// SetDocumentTitle updates a title. Missing rows surface storage.ErrNotFound.
func (d *Driver) SetDocumentTitle(ctx context.Context, docID string, title string) error {
	db, err := d.handle()
	if err != nil {
		return err
	}
	result := db.WithContext(ctx).Model(&storage.Document{}).
		Where(queryDocID, docID).
		Updates(map[string]any{"title": title, "updated_at_s": d.nowSeconds()})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: document %s", storage.ErrNotFound, docID)
	}
	return nil
}

// SetDocumentSaved moves a document into or out of the saved set.
func (d *Driver) SetDocumentSaved(ctx context.Context, docID string, savedAtSeconds *int64) error {
	db, err := d.handle()
	if err != nil {
		return err
	}
	result := db.WithContext(ctx).Model(&storage.Document{}).
		Where(queryDocID, docID).
		Updates(map[string]any{"saved_at_s": savedAtSeconds, "updated_at_s": d.nowSeconds()})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: document %s", storage.ErrNotFound, docID)
	}
	return nil
}

// DeleteDocument removes the document and every dependent row in one
// transaction.
func (d *Driver) DeleteDocument(ctx context.Context, docID string) error {
	db, err := d.handle()
	if err != nil {
		return err
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var doc storage.Document
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryDocID, docID).
			Take(&doc).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: document %s", storage.ErrNotFound, docID)
			}
			return err
		}
		for _, model := range []any{
			&storage.UpdateEntry{},
			&storage.Annotation{},
			&storage.OutboxItem{},
			&storage.DocumentAsset{},
			&storage.DocumentTopic{},
		} {
			if err := tx.Where(queryDocID, docID).Delete(model).Error; err != nil {
				return err
			}
		}
		return tx.Where(queryDocID, docID).Delete(&storage.Document{}).Error
	})
}

// ListDocuments returns documents per the provided options.
func (d *Driver) ListDocuments(ctx context.Context, opts storage.ListDocumentsOptions) ([]storage.Document, error) {
	db, err := d.handle()
	if err != nil {
		return nil, err
	}

	field, descending := storage.ResolveListOrder(opts)
	column, ok := orderColumns[field]
	if !ok {
		return nil, fmt.Errorf("%w: order field %q", storage.ErrInvalidInput, field)
	}
	direction := "ASC"
	if descending {
		direction = "DESC"
	}

	query := db.WithContext(ctx).Model(&storage.Document{}).
		Order(fmt.Sprintf("%s %s, doc_id ASC", column, direction))
	if opts.SavedOnly {
		query = query.Where("saved_at_s IS NOT NULL")
	}
	if opts.Offset > 0 {
		query = query.Offset(opts.Offset)
	}
	if opts.Limit > 0 {
		query = query.Limit(opts.Limit)
	}

	var docs []storage.Document
	if err := query.Find(&docs).Error; err != nil {
		return nil, err
	}
	return docs, nil
}

var orderColumns = map[storage.OrderField]string{
	storage.OrderByUpdatedAt: "updated_at_s",
	storage.OrderByCreatedAt: "created_at_s",
	storage.OrderByTitle:     "title",
	storage.OrderBySavedAt:   "saved_at_s",
}

// AppendUpdate appends a change-log entry, treating duplicate keys as a no-op.
func (d *Driver) AppendUpdate(ctx context.Context, entry storage.UpdateEntry) (bool, error) {
	db, err := d.handle()
	if err != nil {
		return false, err
	}
	return appendUpdateTx(db.WithContext(ctx), entry, d.nowSeconds())
}

func appendUpdateTx(tx *gorm.DB, entry storage.UpdateEntry, nowSeconds int64) (bool, error) {
	if entry.DocID == "" || entry.ActorID == "" {
		return false, fmt.Errorf("%w: update entry requires doc and actor ids", storage.ErrInvalidInput)
	}
	if entry.ReceivedAtSeconds == 0 {
		entry.ReceivedAtSeconds = nowSeconds
	}
	if entry.Source == "" {
		entry.Source = storage.UpdateSourceLocal
	}
	result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ListUpdates returns change-log entries after the lamport cursor in
// non-decreasing lamport order.
func (d *Driver) ListUpdates(ctx context.Context, docID string, afterLamport int64, limit int) ([]storage.UpdateEntry, error) {
	db, err := d.handle()
	if err != nil {
		return nil, err
	}
	query := db.WithContext(ctx).
		Where("doc_id = ? AND lamport > ?", docID, afterLamport).
		Order(orderLamportAsc)
	if limit > 0 {
		query = query.Limit(limit)
	}
	var entries []storage.UpdateEntry
	if err := query.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// UpsertAnnotation creates or replaces an annotation.
func (d *Driver) UpsertAnnotation(ctx context.Context, annotation storage.Annotation) (storage.Annotation, error) {
	db, err := d.handle()
	if err != nil {
		return storage.Annotation{}, err
	}
	var resolved storage.Annotation
	txErr := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		resolved, err = upsertAnnotationTx(tx, annotation, d.nowSeconds())
		return err
	})
	if txErr != nil {
		return storage.Annotation{}, txErr
	}
	return resolved, nil
}

func upsertAnnotationTx(tx *gorm.DB, annotation storage.Annotation, nowSeconds int64) (storage.Annotation, error) {
	if annotation.AnnotationID == "" || annotation.DocID == "" {
		return storage.Annotation{}, fmt.Errorf("%w: annotation requires id and doc id", storage.ErrInvalidInput)
	}
	var existing storage.Annotation
	var existingPtr *storage.Annotation
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryAnnotationID, annotation.AnnotationID).
		Take(&existing).Error
	if err == nil {
		existingPtr = &existing
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.Annotation{}, err
	}
	resolved := storage.ResolveAnnotationUpsert(existingPtr, annotation, nowSeconds)
	if err := tx.Save(&resolved).Error; err != nil {
		return storage.Annotation{}, err
	}
	return resolved, nil
}

// GetAnnotation returns an annotation or storage.ErrNotFound.
func (d *Driver) GetAnnotation(ctx context.Context, annotationID string) (storage.Annotation, error) {
	db, err := d.handle()
	if err != nil {
		return storage.Annotation{}, err
	}
	var annotation storage.Annotation
	if err := db.WithContext(ctx).Where(queryAnnotationID, annotationID).Take(&annotation).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return storage.Annotation{}, fmt.Errorf("%w: annotation %s", storage.ErrNotFound, annotationID)
		}
		return storage.Annotation{}, err
	}
	return annotation, nil
}

// SetAnnotationState transitions an annotation's lifecycle state. Deleted is
// terminal.
func (d *Driver) SetAnnotationState(ctx context.Context, annotationID string, state storage.AnnotationState, reason *string) error {
	db, err := d.handle()
	if err != nil {
		return err
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing storage.Annotation
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryAnnotationID, annotationID).
			Take(&existing).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: annotation %s", storage.ErrNotFound, annotationID)
			}
			return err
		}
		if existing.State == storage.AnnotationStateDeleted {
			return fmt.Errorf("%w: annotation %s is deleted", storage.ErrInvalidInput, annotationID)
		}
		return tx.Model(&storage.Annotation{}).
			Where(queryAnnotationID, annotationID).
			Updates(map[string]any{
				"state":        state,
				"reason":       reason,
				"v":            existing.Version + 1,
				"updated_at_s": d.nowSeconds(),
			}).Error
	})
}

// ListAnnotations returns annotations attached to a document.
func (d *Driver) ListAnnotations(ctx context.Context, docID string) ([]storage.Annotation, error) {
	db, err := d.handle()
	if err != nil {
		return nil, err
	}
	var annotations []storage.Annotation
	if err := db.WithContext(ctx).
		Where(queryDocID, docID).
		Order("created_at_s ASC, annotation_id ASC").
		Find(&annotations).Error; err != nil {
		return nil, err
	}
	return annotations, nil
}

// EnqueueOutbox stores a new pending outbox item.
func (d *Driver) EnqueueOutbox(ctx context.Context, input storage.OutboxInput) (storage.OutboxItem, error) {
	db, err := d.handle()
	if err != nil {
		return storage.OutboxItem{}, err
	}
	return enqueueOutboxTx(db.WithContext(ctx), input, d.nowSeconds())
}

func enqueueOutboxTx(tx *gorm.DB, input storage.OutboxInput, nowSeconds int64) (storage.OutboxItem, error) {
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
	if err := tx.Create(&item).Error; err != nil {
		return storage.OutboxItem{}, err
	}
	return item, nil
}

// ClaimOutboxItems atomically claims up to limit due pending items.
func (d *Driver) ClaimOutboxItems(ctx context.Context, limit int) ([]storage.OutboxItem, error) {
	db, err := d.handle()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	var claimed []storage.OutboxItem
	txErr := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []storage.OutboxItem
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("status = ? AND (next_retry_at_s IS NULL OR next_retry_at_s <= ?)",
				storage.OutboxStatusPending, d.nowSeconds()).
			Order(orderCreatedAtAsc).
			Limit(limit).
			Find(&candidates).Error; err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}
		ids := make([]string, 0, len(candidates))
		for _, item := range candidates {
			ids = append(ids, item.OutboxID)
		}
		if err := tx.Model(&storage.OutboxItem{}).
			Where("outbox_id IN ?", ids).
			Updates(map[string]any{
				"status":          storage.OutboxStatusInFlight,
				"attempts":        gorm.Expr("attempts + 1"),
				"next_retry_at_s": nil,
			}).Error; err != nil {
			return err
		}
		return tx.Where("outbox_id IN ?", ids).Order(orderCreatedAtAsc).Find(&claimed).Error
	})
	if txErr != nil {
		return nil, txErr
	}
	return claimed, nil
}

// AckOutboxItem marks a claimed item delivered.
func (d *Driver) AckOutboxItem(ctx context.Context, outboxID string) error {
	return d.settleOutboxItem(ctx, outboxID, map[string]any{
		"status": storage.OutboxStatusAcked,
	})
}

// FailOutboxItem returns a claimed item to pending for retry, or marks it
// permanently failed when retryAtSeconds is nil.
func (d *Driver) FailOutboxItem(ctx context.Context, outboxID string, retryAtSeconds *int64) error {
	updates := map[string]any{
		"status":          storage.OutboxStatusFailed,
		"next_retry_at_s": nil,
	}
	if retryAtSeconds != nil {
		updates["status"] = storage.OutboxStatusPending
		updates["next_retry_at_s"] = *retryAtSeconds
	}
	return d.settleOutboxItem(ctx, outboxID, updates)
}

func (d *Driver) settleOutboxItem(ctx context.Context, outboxID string, updates map[string]any) error {
	db, err := d.handle()
	if err != nil {
		return err
	}
	result := db.WithContext(ctx).Model(&storage.OutboxItem{}).
		Where("outbox_id = ? AND status = ?", outboxID, storage.OutboxStatusInFlight).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: in-flight outbox item %s", storage.ErrNotFound, outboxID)
	}
	return nil
}

// ListOutboxItems returns outbox items for a document.
func (d *Driver) ListOutboxItems(ctx context.Context, docID string) ([]storage.OutboxItem, error) {
	db, err := d.handle()
	if err != nil {
		return nil, err
	}
	var items []storage.OutboxItem
	if err := db.WithContext(ctx).
		Where(queryDocID, docID).
		Order(orderCreatedAtAsc).
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// PutImportJob creates or replaces a job row.
func (d *Driver) PutImportJob(ctx context.Context, job storage.ImportJob) error {
	db, err := d.handle()
	if err != nil {
		return err
	}
	if job.JobID == "" {
		return fmt.Errorf("%w: empty job id", storage.ErrInvalidInput)
	}
	now := d.nowSeconds()
	if job.CreatedAtSeconds == 0 {
		job.CreatedAtSeconds = now
	}
	job.UpdatedAtSeconds = now
	return db.WithContext(ctx).Save(&job).Error
}

// GetImportJob returns a job or storage.ErrNotFound.
func (d *Driver) GetImportJob(ctx context.Context, jobID string) (storage.ImportJob, error) {
	db, err := d.handle()
	if err != nil {
		return storage.ImportJob{}, err
	}
	var job storage.ImportJob
	if err := db.WithContext(ctx).Where(queryJobID, jobID).Take(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return storage.ImportJob{}, fmt.Errorf("%w: import job %s", storage.ErrNotFound, jobID)
		}
		return storage.ImportJob{}, err
	}
	return job, nil
}

// FindImportJobBySource returns the most recently updated job for a source key.
func (d *Driver) FindImportJobBySource(ctx context.Context, sourceType storage.SourceType, sourceRef string) (storage.ImportJob, bool, error) {
	db, err := d.handle()
	if err != nil {
		return storage.ImportJob{}, false, err
	}
	var job storage.ImportJob
	err = db.WithContext(ctx).
		Where("source_type = ? AND source_ref = ?", sourceType, sourceRef).
		Order(orderJobUpdatedDes).
		Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.ImportJob{}, false, nil
	}
	if err != nil {
		return storage.ImportJob{}, false, err
	}
	return job, true, nil
}

// ListImportJobs returns jobs, optionally filtered by status.
func (d *Driver) ListImportJobs(ctx context.Context, statuses ...storage.JobStatus) ([]storage.ImportJob, error) {
	db, err := d.handle()
	if err != nil {
		return nil, err
	}
	query := db.WithContext(ctx).Model(&storage.ImportJob{}).Order("created_at_s ASC, job_id ASC")
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}
	var jobs []storage.ImportJob
	if err := query.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// DeleteImportJob removes a job row.
func (d *Driver) DeleteImportJob(ctx context.Context, jobID string) error {
	db, err := d.handle()
	if err != nil {
		return err
	}
	result := db.WithContext(ctx).Where(queryJobID, jobID).Delete(&storage.ImportJob{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: import job %s", storage.ErrNotFound, jobID)
	}
	return nil
}

// AddDocumentAsset links an asset to a document.
func (d *Driver) AddDocumentAsset(ctx context.Context, docID string, assetID string) error {
	db, err := d.handle()
	if err != nil {
		return err
	}
	link := storage.DocumentAsset{DocID: docID, AssetID: assetID}
	return db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error
}

// AddDocumentTopic links a topic to a document.
func (d *Driver) AddDocumentTopic(ctx context.Context, docID string, topic string) error {
	db, err := d.handle()
	if err != nil {
		return err
	}
	link := storage.DocumentTopic{DocID: docID, Topic: topic}
	return db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error
}

// Transaction executes fn against the restricted sub-interface with
// all-or-nothing commit semantics.
func (d *Driver) Transaction(ctx context.Context, fn func(tx storage.Tx) error) error {
	db, err := d.handle()
	if err != nil {
		return err
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&restrictedTx{tx: tx, nowSeconds: d.nowSeconds()})
	})
}

type restrictedTx struct {
	tx         *gorm.DB
	nowSeconds int64
}

func (r *restrictedTx) UpsertDocument(input storage.DocumentInput) (storage.Document, error) {
	return upsertDocumentTx(r.tx, input, r.nowSeconds)
}

func (r *restrictedTx) AppendUpdate(entry storage.UpdateEntry) (bool, error) {
	return appendUpdateTx(r.tx, entry, r.nowSeconds)
}

func (r *restrictedTx) UpsertAnnotation(annotation storage.Annotation) (storage.Annotation, error) {
	return upsertAnnotationTx(r.tx, annotation, r.nowSeconds)
}

func (r *restrictedTx) EnqueueOutbox(input storage.OutboxInput) (storage.OutboxItem, error) {
	return enqueueOutboxTx(r.tx, input, r.nowSeconds)
}
