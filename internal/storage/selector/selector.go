// Package selector probes platform capability and picks the storage backend,
// applying a sticky fallback preference so repeated failed probes are not
// retried on every start.
package selector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lodeworks/lodestone/internal/storage"
	"go.uber.org/zap"
)

// State enumerates selector lifecycle states.
type State string

const (
	// StateUninitialized is the construction state.
	StateUninitialized State = "uninitialized"
	// StateProbing marks an Init in progress.
	StateProbing State = "probing"
	// StateReady marks a selected, initialized driver.
	StateReady State = "ready"
	// StateFailed marks a selector whose fallback also failed to initialize.
	StateFailed State = "failed"
)

// ReasonStickyPreference marks a fallback chosen from a persisted preference
// without probing the primary backend.
const ReasonStickyPreference = "sticky-preference"

// ReasonPrimaryUnavailable marks a failed capability probe.
const ReasonPrimaryUnavailable = "sqlite-unavailable"

const defaultStickyTTL = 6 * time.Hour

// InitOutcome is the driver init result merged with the selector's fallback
// telemetry.
type InitOutcome struct {
	storage.InitResult
	FallbackReason string `json:"fallbackReason,omitempty"`
}

// Config describes the inputs required to construct a Selector.
type Config struct {
	Primary     storage.Driver
	Fallback    storage.Driver
	Probe       func(ctx context.Context) error
	Preferences *Preferences
	StickyTTL   time.Duration
	Leader      func() bool
	Logger      *zap.Logger
}

// Selector owns backend selection and surfaces merged health telemetry.
type Selector struct {
	primary     storage.Driver
	fallback    storage.Driver
	probe       func(ctx context.Context) error
	preferences *Preferences
	stickyTTL   time.Duration
	leader      func() bool
	logger      *zap.Logger

	mu             sync.Mutex
	state          State
	driver         storage.Driver
	outcome        InitOutcome
	fallbackReason string
	primaryCapable bool
}

// New constructs a Selector.
func New(cfg Config) (*Selector, error) {
	if cfg.Primary == nil {
		return nil, fmt.Errorf("%w: primary driver is required", storage.ErrInvalidInput)
	}
	if cfg.Fallback == nil {
		return nil, fmt.Errorf("%w: fallback driver is required", storage.ErrInvalidInput)
	}
	if cfg.Preferences == nil {
		return nil, fmt.Errorf("%w: preference store is required", storage.ErrInvalidInput)
	}
	probe := cfg.Probe
	if probe == nil {
		probe = func(context.Context) error { return nil }
	}
	ttl := cfg.StickyTTL
	if ttl <= 0 {
		ttl = defaultStickyTTL
	}
	leader := cfg.Leader
	if leader == nil {
		leader = func() bool { return false }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{
		primary:     cfg.Primary,
		fallback:    cfg.Fallback,
		probe:       probe,
		preferences: cfg.Preferences,
		stickyTTL:   ttl,
		leader:      leader,
		logger:      logger,
		state:       StateUninitialized,
	}, nil
}

// State returns the current lifecycle state.
func (s *Selector) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Driver returns the selected driver once the selector is ready.
func (s *Selector) Driver() (storage.Driver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady || s.driver == nil {
		return nil, storage.ErrNotInitialized
	}
	return s.driver, nil
}

// FallbackReason returns the cached fallback reason for this session.
func (s *Selector) FallbackReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fallbackReason
}

// Init selects and initializes a backend. An unexpired sticky fallback
// preference skips probing the primary entirely; otherwise the primary is
// probed and initialized, and any failure routes to the fallback with the
// failure captured as the fallback reason. Repeated calls return the cached
// outcome.
func (s *Selector) Init(ctx context.Context) (InitOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateReady {
		return s.outcome, nil
	}
	s.state = StateProbing

	sticky, ok, err := s.preferences.StickyDriver()
	if err != nil {
		s.logger.Warn("sticky preference read failed", zap.Error(err))
	}
	if err == nil && ok && sticky == s.fallback.Kind() {
		s.logger.Info("sticky fallback preference active, skipping primary probe")
		return s.initFallbackLocked(ctx, ReasonStickyPreference)
	}

	if err := s.probe(ctx); err != nil {
		s.logger.Warn("primary capability probe failed", zap.Error(err))
		s.primaryCapable = false
		return s.initFallbackLocked(ctx, ReasonPrimaryUnavailable)
	}
	s.primaryCapable = true

	result, err := s.primary.Init(ctx)
	if err != nil {
		s.logger.Warn("primary driver init failed, falling back", zap.Error(err))
		return s.initFallbackLocked(ctx, err.Error())
	}

	if err := s.preferences.ClearSticky(); err != nil {
		s.logger.Warn("sticky preference clear failed", zap.Error(err))
	}
	if err := s.preferences.ClearLastFallbackReason(); err != nil {
		s.logger.Warn("fallback reason clear failed", zap.Error(err))
	}
	s.state = StateReady
	s.driver = s.primary
	s.fallbackReason = ""
	s.outcome = InitOutcome{InitResult: result}
	return s.outcome, nil
}

func (s *Selector) initFallbackLocked(ctx context.Context, reason string) (InitOutcome, error) {
	result, err := s.fallback.Init(ctx)
	if err != nil {
		s.state = StateFailed
		return InitOutcome{}, fmt.Errorf("fallback driver init: %w", err)
	}
	if err := s.preferences.RecordFallback(s.fallback.Kind(), reason, s.stickyTTL); err != nil {
		s.logger.Warn("sticky preference persist failed", zap.Error(err))
	}
	s.state = StateReady
	s.driver = s.fallback
	s.fallbackReason = reason
	s.outcome = InitOutcome{InitResult: result, FallbackReason: reason}
	s.logger.Info("fallback driver selected",
		zap.String("driver", string(s.fallback.Kind())),
		zap.String("fallback_reason", reason))
	return s.outcome, nil
}

// HealthCheck merges the live driver report with the selector's cached
// telemetry. The selector's fallback reason takes precedence over anything
// the driver reports, and never fails.
func (s *Selector) HealthCheck(ctx context.Context) storage.HealthReport {
	s.mu.Lock()
	driver := s.driver
	reason := s.fallbackReason
	primaryCapable := s.primaryCapable
	state := s.state
	s.mu.Unlock()

	var report storage.HealthReport
	if driver != nil {
		report = driver.HealthCheck(ctx)
	}
	if state != StateReady {
		report.DriverKind = ""
	}
	if reason == "" {
		if stored, err := s.preferences.LastFallbackReason(); err == nil && report.FallbackReason == "" {
			report.FallbackReason = stored
		}
	} else {
		report.FallbackReason = reason
	}
	if driver != nil && driver.Kind() == storage.DriverKindFileStore {
		report.SQLiteAvailable = primaryCapable
	}
	report.IsLeader = s.leader()
	return report
}
