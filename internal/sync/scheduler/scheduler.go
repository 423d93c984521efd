// Package scheduler drains the mutation queue on a timer while online, so
// entries waiting on backoff are retried without a connectivity transition.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/tasksync/internal/errors"
	"github.com/kimhsiao/tasksync/internal/logging"
	syncpkg "github.com/kimhsiao/tasksync/internal/sync"
	"github.com/kimhsiao/tasksync/internal/sync/queue"
)

// Scheduler manages background drain passes.
type Scheduler struct {
	engine         syncpkg.SyncEngineInterface
	conn           syncpkg.ConnectivityState
	syncInterval   time.Duration
	passTimeout    time.Duration
	stopCh         chan struct{}
	wg             sync.WaitGroup
	triggered      sync.WaitGroup
	mu             sync.RWMutex
	isRunning      bool
	lastSyncTime   time.Time
	lastResult     *syncpkg.DrainResult
	syncInProgress bool
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval time.Duration // How often to drain when online (default: 1 minute)
	PassTimeout  time.Duration // Upper bound of one pass (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval: 1 * time.Minute,
		PassTimeout:  5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler. A nil conn counts as always online.
func NewScheduler(engine syncpkg.SyncEngineInterface, conn syncpkg.ConnectivityState, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	defaults := DefaultSchedulerConfig()
	if config.SyncInterval <= 0 {
		config.SyncInterval = defaults.SyncInterval
	}
	if config.PassTimeout <= 0 {
		config.PassTimeout = defaults.PassTimeout
	}

	return &Scheduler{
		engine:       engine,
		conn:         conn,
		syncInterval: config.SyncInterval,
		passTimeout:  config.PassTimeout,
	}
}

// Start starts the background loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.periodicSyncLoop(ctx)

	logging.Info("Background sync scheduler started",
		map[string]interface{}{"interval_seconds": s.syncInterval.Seconds()})
}

// Stop stops the background loop and waits for an in-flight pass.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	logging.Info("Background sync scheduler stopped")
}

// IsOnline reports the connectivity state the scheduler acts on.
func (s *Scheduler) IsOnline() bool {
	return s.conn == nil || s.conn.IsOnline()
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// periodicSyncLoop drains on every tick while online.
func (s *Scheduler) periodicSyncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}
			s.runSync(ctx)
		}
	}
}

// runSync executes one pass unless one started here is still running.
func (s *Scheduler) runSync(ctx context.Context) {
	s.mu.Lock()
	if s.syncInProgress {
		s.mu.Unlock()
		logging.Debug("Sync already in progress, skipping")
		return
	}
	s.syncInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.syncInProgress = false
		s.mu.Unlock()
	}()

	if _, err := s.drain(ctx); err != nil {
		logging.ErrorWithCode("Periodic sync failed", string(errors.ErrSyncFailed), err,
			map[string]interface{}{"interval_seconds": s.syncInterval.Seconds()})
	}
}

func (s *Scheduler) drain(ctx context.Context) (*syncpkg.DrainResult, error) {
	syncCtx, cancel := context.WithTimeout(ctx, s.passTimeout)
	defer cancel()

	result, err := s.engine.Drain(syncCtx)
	if err != nil {
		return result, err
	}

	s.mu.Lock()
	s.lastResult = result
	if result.Skipped == "" {
		s.lastSyncTime = time.Now()
	}
	s.mu.Unlock()
	return result, nil
}

// TriggerSync starts a pass in the background, offline or not; the engine
// skips passes it cannot run. It returns false when a pass started by the
// scheduler is already running.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	s.mu.RLock()
	isSyncing := s.syncInProgress
	s.mu.RUnlock()

	if isSyncing {
		return false
	}

	s.triggered.Add(1)
	go func() {
		defer s.triggered.Done()
		s.runSync(ctx)
	}()
	return true
}

// Wait blocks until passes started by TriggerSync finish.
func (s *Scheduler) Wait() {
	s.triggered.Wait()
}

// SyncNow runs a pass and waits for it. A failed pass returns its partial
// result with the error.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.DrainResult, error) {
	result, err := s.drain(ctx)
	if err != nil {
		return result, err
	}
	logging.Info("Manual sync completed", map[string]interface{}{
		"applied": result.Applied,
		"failed":  result.Failed,
		"skipped": string(result.Skipped),
	})
	return result, nil
}

// SchedulerStatus is a point-in-time view of the scheduler.
type SchedulerStatus struct {
	IsRunning      bool                 `json:"is_running"`
	IsOnline       bool                 `json:"is_online"`
	LastSyncTime   *time.Time           `json:"last_sync_time,omitempty"`
	SyncInProgress bool                 `json:"sync_in_progress"`
	EngineStatus   syncpkg.SyncStatus   `json:"engine_status"`
	LastResult     *syncpkg.DrainResult `json:"last_result,omitempty"`
	Queue          queue.Stats          `json:"queue"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus(ctx context.Context) (SchedulerStatus, error) {
	running := s.IsRunning()

	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:      running,
		IsOnline:       s.IsOnline(),
		SyncInProgress: s.syncInProgress,
		LastResult:     s.lastResult,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	s.mu.RUnlock()

	status.EngineStatus = s.engine.Status()
	stats, err := s.engine.PendingSync(ctx)
	if err != nil {
		return status, err
	}
	status.Queue = stats
	return status, nil
}
