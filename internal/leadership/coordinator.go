// Package leadership elects exactly one process as leader for background
// work using an advisory file lock shared through the data directory.
package leadership

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

const defaultRetryDelay = 250 * time.Millisecond

// Config describes the inputs required to construct a Coordinator.
type Config struct {
	// LockPath is the lock file shared by all processes. An empty path
	// degrades the coordinator to the single-process assumption: always
	// leader.
	LockPath string
	// RetryDelay is the poll interval while a follower waits for promotion.
	RetryDelay time.Duration
	Logger     *zap.Logger
}

// Coordinator elects a leader over a named file lock.
//
// Lock acquisition errors degrade to assume-leader rather than failing
// closed. That favors availability of background work but can produce two
// leaders after an error; the degraded mode is always logged.
type Coordinator struct {
	lockPath   string
	retryDelay time.Duration
	logger     *zap.Logger

	mu       sync.Mutex
	lock     *flock.Flock
	isLeader bool
	degraded bool
	acquired bool
	released chan struct{}
	onChange func(bool)
}

// New constructs a Coordinator.
func New(cfg Config) *Coordinator {
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		lockPath:   cfg.LockPath,
		retryDelay: retryDelay,
		logger:     logger,
		released:   make(chan struct{}),
	}
}

// IsLeader reports whether this process currently holds leadership.
func (c *Coordinator) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isLeader
}

// AcquireLeadership attempts a non-blocking acquisition and reports the
// outcome through onChange immediately. A follower keeps a blocking request
// open and reports true once promoted; a promoted follower holds leadership
// until the process exits. Callback panics are recovered and logged.
func (c *Coordinator) AcquireLeadership(ctx context.Context, onChange func(leader bool)) {
	c.mu.Lock()
	if c.acquired {
		c.mu.Unlock()
		c.logger.Warn("leadership already acquired, ignoring repeat call")
		return
	}
	c.acquired = true
	c.onChange = onChange
	c.mu.Unlock()

	if c.lockPath == "" {
		c.logger.Info("no lock path configured, assuming leadership")
		c.setLeader(true, true)
		return
	}

	lock := flock.New(c.lockPath)
	c.mu.Lock()
	c.lock = lock
	c.mu.Unlock()

	held, err := lock.TryLock()
	if err != nil {
		c.logger.Error("leader lock acquisition failed, assuming leadership", zap.Error(err))
		c.setLeader(true, true)
		return
	}
	if held {
		c.logger.Info("leadership acquired", zap.String("lock_path", c.lockPath))
		c.setLeader(true, false)
		go c.holdUntilReleased(lock)
		return
	}

	c.logger.Info("leadership held elsewhere, waiting for promotion",
		zap.String("lock_path", c.lockPath))
	c.notify(false)
	go c.waitForPromotion(ctx, lock)
}

// holdUntilReleased keeps the lock until Release is called.
func (c *Coordinator) holdUntilReleased(lock *flock.Flock) {
	<-c.released
	if err := lock.Unlock(); err != nil {
		c.logger.Warn("leader lock release failed", zap.Error(err))
	}
	c.setLeader(false, false)
	c.logger.Info("leadership released")
}

// waitForPromotion blocks for the lock. There is no programmatic release for
// a promoted follower; it holds leadership until the process exits or the
// context is cancelled.
func (c *Coordinator) waitForPromotion(ctx context.Context, lock *flock.Flock) {
	held, err := lock.TryLockContext(ctx, c.retryDelay)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.logger.Error("leader promotion wait failed, assuming leadership", zap.Error(err))
		c.setLeader(true, true)
		return
	}
	if !held {
		return
	}
	c.logger.Info("promoted to leader", zap.String("lock_path", c.lockPath))
	c.setLeader(true, false)
}

// Release gives up leadership acquired through the initial non-blocking path.
func (c *Coordinator) Release() {
	c.mu.Lock()
	if !c.acquired {
		c.mu.Unlock()
		return
	}
	select {
	case <-c.released:
		c.mu.Unlock()
		return
	default:
	}
	close(c.released)
	degraded := c.degraded
	c.mu.Unlock()

	if degraded {
		// Degraded mode never held the lock; just report the transition.
		c.setLeader(false, true)
	}
}

func (c *Coordinator) setLeader(leader bool, degraded bool) {
	c.mu.Lock()
	c.isLeader = leader
	c.degraded = degraded
	c.mu.Unlock()
	c.notify(leader)
}

func (c *Coordinator) notify(leader bool) {
	c.mu.Lock()
	onChange := c.onChange
	c.mu.Unlock()
	if onChange == nil {
		return
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			c.logger.Error("leadership callback panicked", zap.Any("panic", recovered))
		}
	}()
	onChange(leader)
}
