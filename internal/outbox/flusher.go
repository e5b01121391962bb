// Package outbox drains durable not-yet-synced writes to a remote sync
// target. Only the elected leader runs a flusher so concurrent processes
// never deliver the same item twice.
package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lodeworks/lodestone/internal/storage"
	"go.uber.org/zap"
)

const (
	defaultInterval    = 15 * time.Second
	defaultBatchSize   = 32
	defaultMaxAttempts = 5
	defaultRetryDelay  = 30 * time.Second
)

// SyncTarget delivers one outbox payload to the remote side.
type SyncTarget interface {
	Deliver(ctx context.Context, item storage.OutboxItem) error
}

// SyncTargetFunc adapts a function to SyncTarget.
type SyncTargetFunc func(ctx context.Context, item storage.OutboxItem) error

// Deliver implements SyncTarget.
func (f SyncTargetFunc) Deliver(ctx context.Context, item storage.OutboxItem) error {
	return f(ctx, item)
}

// FlusherConfig carries the dependencies for NewFlusher.
type FlusherConfig struct {
	Driver      storage.Driver
	Target      SyncTarget
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	RetryDelay  time.Duration
	IsLeader    func() bool
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Flusher periodically claims due pending items, delivers them, and settles
// each one as acked or failed with a doubled retry delay per attempt.
type Flusher struct {
	driver      storage.Driver
	target      SyncTarget
	interval    time.Duration
	batchSize   int
	maxAttempts int
	retryDelay  time.Duration
	isLeader    func() bool
	clock       func() time.Time
	logger      *zap.Logger

	stop     chan struct{}
	stopOnce sync.Once
	done     sync.WaitGroup
}

// NewFlusher validates the configuration and builds a Flusher.
func NewFlusher(config FlusherConfig) (*Flusher, error) {
	if config.Driver == nil {
		return nil, errors.New("outbox: driver is required")
	}
	if config.Target == nil {
		return nil, errors.New("outbox: sync target is required")
	}
	if config.Interval <= 0 {
		config.Interval = defaultInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaultBatchSize
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaultMaxAttempts
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaultRetryDelay
	}
	if config.IsLeader == nil {
		config.IsLeader = func() bool { return true }
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &Flusher{
		driver:      config.Driver,
		target:      config.Target,
		interval:    config.Interval,
		batchSize:   config.BatchSize,
		maxAttempts: config.MaxAttempts,
		retryDelay:  config.RetryDelay,
		isLeader:    config.IsLeader,
		clock:       config.Clock,
		logger:      config.Logger,
		stop:        make(chan struct{}),
	}, nil
}

// Start launches the periodic flush loop.
func (f *Flusher) Start(ctx context.Context) {
	f.done.Add(1)
	go func() {
		defer f.done.Done()
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if !f.isLeader() {
					continue
				}
				if err := f.FlushOnce(ctx); err != nil {
					f.logger.Warn("outbox flush failed", zap.Error(err))
				}
			case <-ctx.Done():
				return
			case <-f.stop:
				return
			}
		}
	}()
}

// Stop halts the loop and waits for the in-flight flush to finish.
func (f *Flusher) Stop() {
	f.stopOnce.Do(func() { close(f.stop) })
	f.done.Wait()
}

// FlushOnce claims one batch and settles every claimed item.
func (f *Flusher) FlushOnce(ctx context.Context) error {
	items, err := f.driver.ClaimOutboxItems(ctx, f.batchSize)
	if err != nil {
		return err
	}
	for _, item := range items {
		if err := f.target.Deliver(ctx, item); err != nil {
			f.settleFailure(ctx, item, err)
			continue
		}
		if err := f.driver.AckOutboxItem(ctx, item.OutboxID); err != nil {
			f.logger.Warn("outbox ack failed",
				zap.String("outbox_id", item.OutboxID),
				zap.Error(err))
		}
	}
	if len(items) > 0 {
		f.logger.Debug("outbox batch flushed", zap.Int("claimed", len(items)))
	}
	return nil
}

// settleFailure returns the item to pending with a doubled delay per attempt,
// or marks it permanently failed once attempts are exhausted. Attempts were
// already incremented by the claim.
func (f *Flusher) settleFailure(ctx context.Context, item storage.OutboxItem, cause error) {
	var retryAt *int64
	if item.Attempts < int64(f.maxAttempts) {
		delay := f.retryDelay
		for i := int64(1); i < item.Attempts; i++ {
			delay *= 2
		}
		at := f.clock().Add(delay).Unix()
		retryAt = &at
	}
	if err := f.driver.FailOutboxItem(ctx, item.OutboxID, retryAt); err != nil {
		f.logger.Warn("outbox settle failed",
			zap.String("outbox_id", item.OutboxID),
			zap.Error(err))
		return
	}
	f.logger.Warn("outbox delivery failed",
		zap.String("outbox_id", item.OutboxID),
		zap.Int64("attempts", item.Attempts),
		zap.Bool("permanent", retryAt == nil),
		zap.Error(cause))
}
