// Package importer schedules import jobs over a registry of ingestors,
// driving each job through its persisted state machine with bounded
// concurrency, cooperative cancellation and exponential retry backoff.
package importer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lodeworks/lodestone/internal/ingest"
	"github.com/lodeworks/lodestone/internal/normalize"
	"github.com/lodeworks/lodestone/internal/storage"
	"go.uber.org/zap"
)

const (
	defaultConcurrency       = 2
	defaultMaxRetries        = 3
	defaultBaseDelay         = 30 * time.Second
	defaultRetryScanInterval = time.Minute

	errorCodeCanceled    = "canceled"
	errorCodeUnsupported = "unsupported_source"
	errorCodeIngest      = "ingest_failed"
	errorCodeNormalize   = "normalize_failed"
	errorCodeStore       = "store_failed"
)

var (
	// ErrUnknownSourceType indicates no ingestor is registered for the source.
	ErrUnknownSourceType = errors.New("importer: unknown source type")
	// ErrJobNotTerminal indicates deletion was attempted on an active job.
	ErrJobNotTerminal = errors.New("importer: job is not terminal")
	// ErrJobNotRetryable indicates retry was attempted from the wrong state.
	ErrJobNotRetryable = errors.New("importer: job is not retryable")
	// ErrJobAlreadyTerminal indicates cancellation of a finished job.
	ErrJobAlreadyTerminal = errors.New("importer: job already terminal")

	errJobCanceled = errors.New("importer: job canceled")
)

// EnqueueInput describes an import request.
type EnqueueInput struct {
	SourceType    storage.SourceType
	SourceRef     string
	ForceReimport bool
}

// ManagerConfig carries the dependencies for NewManager.
type ManagerConfig struct {
	Driver            storage.Driver
	Normalizer        *normalize.Normalizer
	Ingestors         map[storage.SourceType]ingest.Ingestor
	Concurrency       int
	MaxRetries        int
	BaseDelay         time.Duration
	RetryScanInterval time.Duration
	Clock             func() time.Time
	IDProvider        func() string
	Logger            *zap.Logger
}

// Manager owns the in-memory queue and cancellation flags while persisting
// every durable fact through the storage driver, so a restarted process can
// rebuild its queue from job rows alone.
type Manager struct {
	driver            storage.Driver
	normalizer        *normalize.Normalizer
	ingestors         map[storage.SourceType]ingest.Ingestor
	concurrency       int
	maxRetries        int
	baseDelay         time.Duration
	retryScanInterval time.Duration
	clock             func() time.Time
	idProvider        func() string
	logger            *zap.Logger
	events            *EventDispatcher

	// enqueueMu serializes the find-then-put pair in Enqueue so concurrent
	// callers cannot both create a job for the same source key.
	enqueueMu sync.Mutex

	mu       sync.Mutex
	queue    []string
	queued   map[string]struct{}
	canceled map[string]struct{}
	active   int
	runCtx   context.Context

	stopScan  chan struct{}
	scanGroup sync.WaitGroup
	started   bool
}

// NewManager validates the configuration and builds a Manager.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.Driver == nil {
		return nil, errors.New("importer: driver is required")
	}
	if config.Normalizer == nil {
		return nil, errors.New("importer: normalizer is required")
	}
	if len(config.Ingestors) == 0 {
		return nil, errors.New("importer: at least one ingestor is required")
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaultConcurrency
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaultMaxRetries
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = defaultBaseDelay
	}
	if config.RetryScanInterval <= 0 {
		config.RetryScanInterval = defaultRetryScanInterval
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.IDProvider == nil {
		config.IDProvider = func() string { return "job-" + uuid.NewString() }
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &Manager{
		driver:            config.Driver,
		normalizer:        config.Normalizer,
		ingestors:         config.Ingestors,
		concurrency:       config.Concurrency,
		maxRetries:        config.MaxRetries,
		baseDelay:         config.BaseDelay,
		retryScanInterval: config.RetryScanInterval,
		clock:             config.Clock,
		idProvider:        config.IDProvider,
		logger:            config.Logger,
		events:            NewEventDispatcher(),
		queued:            make(map[string]struct{}),
		canceled:          make(map[string]struct{}),
		runCtx:            context.Background(),
		stopScan:          make(chan struct{}),
	}, nil
}

// Events exposes the job event stream.
func (m *Manager) Events() *EventDispatcher {
	return m.events
}

// Enqueue registers an import request, deduplicating by source key. An
// existing non-terminal job wins; a completed job with a result document is
// returned as-is unless ForceReimport is set; any other terminal job is
// reset to queued and rerun.
func (m *Manager) Enqueue(ctx context.Context, input EnqueueInput) (string, error) {
	if strings.TrimSpace(input.SourceRef) == "" {
		return "", fmt.Errorf("%w: empty source ref", storage.ErrInvalidInput)
	}
	if _, ok := m.ingestors[input.SourceType]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownSourceType, input.SourceType)
	}

	m.enqueueMu.Lock()
	defer m.enqueueMu.Unlock()

	existing, found, err := m.driver.FindImportJobBySource(ctx, input.SourceType, input.SourceRef)
	if err != nil {
		return "", err
	}
	if found {
		if !existing.Status.Terminal() {
			return existing.JobID, nil
		}
		if existing.Status == storage.JobStatusDone && existing.ResultDocumentID != nil && !input.ForceReimport {
			return existing.JobID, nil
		}
		reset := m.resetToQueued(existing)
		reset.AttemptCount = 0
		if err := m.driver.PutImportJob(ctx, reset); err != nil {
			return "", err
		}
		m.push(reset.JobID)
		return reset.JobID, nil
	}

	now := m.clock().Unix()
	progress := int64(0)
	job := storage.ImportJob{
		JobID:            m.idProvider(),
		SourceType:       input.SourceType,
		SourceRef:        input.SourceRef,
		Status:           storage.JobStatusQueued,
		Progress:         &progress,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	if err := m.driver.PutImportJob(ctx, job); err != nil {
		return "", err
	}
	m.push(job.JobID)
	return job.JobID, nil
}

// CancelJob cancels a job wherever it is in its lifecycle. Waiting jobs are
// removed from the queue; running jobs abort at their next progress report.
func (m *Manager) CancelJob(ctx context.Context, jobID string) error {
	job, err := m.driver.GetImportJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return ErrJobAlreadyTerminal
	}

	m.mu.Lock()
	if _, waiting := m.queued[jobID]; waiting {
		// A waiting job never runs again once dequeued, so no flag is left
		// behind for run's cleanup to collect.
		delete(m.queued, jobID)
		for index, queuedID := range m.queue {
			if queuedID == jobID {
				m.queue = append(m.queue[:index], m.queue[index+1:]...)
				break
			}
		}
	} else {
		m.canceled[jobID] = struct{}{}
	}
	m.mu.Unlock()

	code := errorCodeCanceled
	message := "canceled by user"
	job.Status = storage.JobStatusCanceled
	job.ErrorCode = &code
	job.ErrorMessage = &message
	job.UpdatedAtSeconds = m.clock().Unix()
	if err := m.driver.PutImportJob(ctx, job); err != nil {
		return err
	}
	m.events.Publish(JobEvent{
		EventType: EventJobFailed,
		JobID:     job.JobID,
		Status:    job.Status,
		ErrorCode: code,
	})
	return nil
}

// RetryJob re-queues a failed or canceled job with cleared error state.
func (m *Manager) RetryJob(ctx context.Context, jobID string) error {
	job, err := m.driver.GetImportJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != storage.JobStatusFailed && job.Status != storage.JobStatusCanceled {
		return fmt.Errorf("%w: status %q", ErrJobNotRetryable, job.Status)
	}
	reset := m.resetToQueued(job)
	if err := m.driver.PutImportJob(ctx, reset); err != nil {
		return err
	}
	m.push(reset.JobID)
	return nil
}

// DeleteJob removes a terminal job row. Active jobs must be canceled first.
func (m *Manager) DeleteJob(ctx context.Context, jobID string) error {
	job, err := m.driver.GetImportJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.Status.Terminal() {
		return fmt.Errorf("%w: status %q", ErrJobNotTerminal, job.Status)
	}
	if err := m.driver.DeleteImportJob(ctx, jobID); err != nil {
		return err
	}
	m.events.Publish(JobEvent{
		EventType: EventJobDeleted,
		JobID:     jobID,
		Status:    job.Status,
	})
	return nil
}

// GetJob returns one job row.
func (m *Manager) GetJob(ctx context.Context, jobID string) (storage.ImportJob, error) {
	return m.driver.GetImportJob(ctx, jobID)
}

// ListJobs returns job rows, optionally filtered by status.
func (m *Manager) ListJobs(ctx context.Context, statuses ...storage.JobStatus) ([]storage.ImportJob, error) {
	return m.driver.ListImportJobs(ctx, statuses...)
}

// Resume rebuilds the runnable queue from persisted rows. Jobs that were
// persisted mid-flight are reset to queued with zero progress because the
// partial side effects of an interrupted ingest cannot be trusted.
func (m *Manager) Resume(ctx context.Context) error {
	jobs, err := m.driver.ListImportJobs(ctx)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		switch {
		case job.Status == storage.JobStatusQueued:
			m.push(job.JobID)
		case job.Status.Running():
			reset := m.resetToQueued(job)
			if err := m.driver.PutImportJob(ctx, reset); err != nil {
				return err
			}
			m.logger.Info("reset interrupted import job",
				zap.String("job_id", job.JobID),
				zap.String("previous_status", string(job.Status)))
			m.push(reset.JobID)
		}
	}
	return nil
}

// Start binds the worker context and launches the periodic retry scanner.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.runCtx = ctx
	m.mu.Unlock()

	m.scanGroup.Add(1)
	go func() {
		defer m.scanGroup.Done()
		ticker := time.NewTicker(m.retryScanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.scanRetries(ctx)
			case <-ctx.Done():
				return
			case <-m.stopScan:
				return
			}
		}
	}()
	m.schedule()
}

// Stop halts the retry scanner. Running jobs finish their current attempt.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	close(m.stopScan)
	m.mu.Unlock()
	m.scanGroup.Wait()
}

// scanRetries re-queues failed jobs whose backoff window has elapsed.
func (m *Manager) scanRetries(ctx context.Context) {
	jobs, err := m.driver.ListImportJobs(ctx, storage.JobStatusFailed)
	if err != nil {
		m.logger.Warn("retry scan failed", zap.Error(err))
		return
	}
	now := m.clock().Unix()
	for _, job := range jobs {
		if job.NextRetryAtSeconds == nil || *job.NextRetryAtSeconds > now {
			continue
		}
		reset := m.resetToQueued(job)
		if err := m.driver.PutImportJob(ctx, reset); err != nil {
			m.logger.Warn("retry re-queue failed", zap.String("job_id", job.JobID), zap.Error(err))
			continue
		}
		m.push(reset.JobID)
	}
}

// push appends a job to the runnable queue and kicks the scheduler.
func (m *Manager) push(jobID string) {
	m.mu.Lock()
	if _, already := m.queued[jobID]; !already {
		m.queue = append(m.queue, jobID)
		m.queued[jobID] = struct{}{}
	}
	delete(m.canceled, jobID)
	m.mu.Unlock()
	m.schedule()
}

// schedule pulls queued jobs into free concurrency slots. Nothing runs
// before Start, so a non-leader process can accept and persist jobs without
// processing them.
func (m *Manager) schedule() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	for m.active < m.concurrency && len(m.queue) > 0 {
		jobID := m.queue[0]
		m.queue = m.queue[1:]
		delete(m.queued, jobID)
		m.active++
		ctx := m.runCtx
		go m.run(ctx, jobID)
	}
}

// run executes one job and releases its slot whatever the outcome. The slot
// release and re-schedule must run on every exit path or the queue stalls.
func (m *Manager) run(ctx context.Context, jobID string) {
	defer func() {
		m.mu.Lock()
		m.active--
		delete(m.canceled, jobID)
		m.mu.Unlock()
		m.schedule()
	}()
	m.processJob(ctx, jobID)
}

func (m *Manager) isCanceled(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, canceled := m.canceled[jobID]
	return canceled
}

// processJob walks one job through ingesting, normalizing and storing.
// Cancellation is checked before every transition and inside the progress
// callback; a canceled job never emits a completion event even when its
// ingestor later returns success.
func (m *Manager) processJob(ctx context.Context, jobID string) {
	job, err := m.driver.GetImportJob(ctx, jobID)
	if err != nil {
		m.logger.Warn("job vanished before processing", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if m.isCanceled(jobID) || job.Status.Terminal() {
		return
	}

	ingestor, ok := m.ingestors[job.SourceType]
	if !ok {
		m.failJob(ctx, job, errorCodeUnsupported, fmt.Errorf("no ingestor for %q", job.SourceType))
		return
	}

	if err := m.transition(ctx, &job, storage.JobStatusIngesting, 0); err != nil {
		return
	}
	onProgress := func(pct int) error {
		if m.isCanceled(jobID) {
			return errJobCanceled
		}
		progress := int64(pct)
		job.Progress = &progress
		job.UpdatedAtSeconds = m.clock().Unix()
		if err := m.driver.PutImportJob(ctx, job); err != nil {
			m.logger.Warn("progress persist failed", zap.String("job_id", jobID), zap.Error(err))
		}
		m.events.Publish(JobEvent{
			EventType: EventJobUpdated,
			JobID:     jobID,
			Status:    job.Status,
			Progress:  &progress,
		})
		return nil
	}
	result, err := ingestor(ctx, job.SourceRef, onProgress)
	if err != nil {
		if errors.Is(err, errJobCanceled) || m.isCanceled(jobID) {
			return
		}
		code, coded := ingest.ErrorCode(err)
		if !coded {
			code = errorCodeIngest
		}
		m.failJob(ctx, job, code, err)
		return
	}
	if m.isCanceled(jobID) {
		return
	}

	if err := m.transition(ctx, &job, storage.JobStatusNormalizing, 0); err != nil {
		return
	}
	content, err := m.normalizer.Normalize(result)
	if err != nil {
		m.failJob(ctx, job, errorCodeNormalize, err)
		return
	}
	if m.isCanceled(jobID) {
		return
	}

	if err := m.transition(ctx, &job, storage.JobStatusStoring, 0); err != nil {
		return
	}
	docID := DeriveDocumentID(job.SourceType, job.SourceRef, content.Title, content.TextContent)
	if err := m.storeResult(ctx, job, docID, content); err != nil {
		m.failJob(ctx, job, errorCodeStore, err)
		return
	}
	if m.isCanceled(jobID) {
		return
	}

	progress := int64(100)
	job.Status = storage.JobStatusDone
	job.Progress = &progress
	job.ResultDocumentID = &docID
	job.ErrorCode = nil
	job.ErrorMessage = nil
	job.NextRetryAtSeconds = nil
	job.UpdatedAtSeconds = m.clock().Unix()
	if err := m.driver.PutImportJob(ctx, job); err != nil {
		m.logger.Warn("completion persist failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	m.events.Publish(JobEvent{
		EventType:  EventJobCompleted,
		JobID:      jobID,
		Status:     storage.JobStatusDone,
		Progress:   &progress,
		DocumentID: docID,
	})
	m.logger.Info("import job completed",
		zap.String("job_id", jobID),
		zap.String("doc_id", docID))
}

// storeResult persists the document, its change-log entry and the outbox
// record for remote sync inside one storage transaction, then links any
// front matter topics.
func (m *Manager) storeResult(ctx context.Context, job storage.ImportJob, docID string, content normalize.Content) error {
	now := m.clock().Unix()
	actorID := "import:" + job.JobID
	seq := job.AttemptCount + 1
	err := m.driver.Transaction(ctx, func(tx storage.Tx) error {
		title := content.Title
		if _, err := tx.UpsertDocument(storage.DocumentInput{
			DocID: docID,
			Title: &title,
		}); err != nil {
			return err
		}
		if _, err := tx.AppendUpdate(storage.UpdateEntry{
			DocID:             docID,
			ActorID:           actorID,
			Seq:               seq,
			Lamport:           seq,
			Update:            content.CRDTUpdate,
			ReceivedAtSeconds: now,
			Source:            storage.UpdateSourceLocal,
		}); err != nil {
			return err
		}
		if _, err := tx.EnqueueOutbox(storage.OutboxInput{
			DocID:   docID,
			Kind:    storage.OutboxKindUpdateBatch,
			Payload: content.CRDTUpdate,
		}); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, topic := range splitTopics(content.Metadata["fm_tags"]) {
		if err := m.driver.AddDocumentTopic(ctx, docID, topic); err != nil {
			m.logger.Warn("topic link failed",
				zap.String("doc_id", docID),
				zap.String("topic", topic),
				zap.Error(err))
		}
	}
	return nil
}

// transition persists a status change and publishes it. It is skipped when
// the job was canceled in the meantime.
func (m *Manager) transition(ctx context.Context, job *storage.ImportJob, status storage.JobStatus, pct int64) error {
	if m.isCanceled(job.JobID) {
		return errJobCanceled
	}
	job.Status = status
	job.Progress = &pct
	job.UpdatedAtSeconds = m.clock().Unix()
	if err := m.driver.PutImportJob(ctx, *job); err != nil {
		m.logger.Warn("status persist failed",
			zap.String("job_id", job.JobID),
			zap.String("status", string(status)),
			zap.Error(err))
		return err
	}
	m.events.Publish(JobEvent{
		EventType: EventJobUpdated,
		JobID:     job.JobID,
		Status:    status,
		Progress:  &pct,
	})
	return nil
}

// failJob records a failure and schedules a retry while attempts remain.
// The backoff doubles with every recorded attempt.
func (m *Manager) failJob(ctx context.Context, job storage.ImportJob, code string, cause error) {
	if m.isCanceled(job.JobID) {
		return
	}
	attempts := job.AttemptCount + 1
	message := cause.Error()
	job.Status = storage.JobStatusFailed
	job.AttemptCount = attempts
	job.ErrorCode = &code
	job.ErrorMessage = &message
	job.UpdatedAtSeconds = m.clock().Unix()
	if attempts < int64(m.maxRetries) {
		retryAt := m.clock().Add(m.backoffDelay(attempts)).Unix()
		job.NextRetryAtSeconds = &retryAt
	} else {
		job.NextRetryAtSeconds = nil
	}
	if err := m.driver.PutImportJob(ctx, job); err != nil {
		m.logger.Warn("failure persist failed", zap.String("job_id", job.JobID), zap.Error(err))
		return
	}
	m.events.Publish(JobEvent{
		EventType: EventJobFailed,
		JobID:     job.JobID,
		Status:    storage.JobStatusFailed,
		ErrorCode: code,
	})
	m.logger.Warn("import job failed",
		zap.String("job_id", job.JobID),
		zap.String("error_code", code),
		zap.Int64("attempt_count", attempts),
		zap.Error(cause))
}

// backoffDelay returns baseDelay doubled per attempt.
func (m *Manager) backoffDelay(attempts int64) time.Duration {
	delay := m.baseDelay
	for i := int64(0); i < attempts; i++ {
		delay *= 2
	}
	return delay
}

// resetToQueued clears the transient fields of a job for another run.
func (m *Manager) resetToQueued(job storage.ImportJob) storage.ImportJob {
	progress := int64(0)
	job.Status = storage.JobStatusQueued
	job.Progress = &progress
	job.ErrorCode = nil
	job.ErrorMessage = nil
	job.NextRetryAtSeconds = nil
	job.UpdatedAtSeconds = m.clock().Unix()
	return job
}

func splitTopics(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == '[' || r == ']'
	})
	topics := make([]string, 0, len(parts))
	for _, part := range parts {
		if topic := strings.TrimSpace(part); topic != "" {
			topics = append(topics, topic)
		}
	}
	return topics
}
