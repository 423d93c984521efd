// Package scheduler tests for background sync scheduling functionality.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kimhsiao/tasksync/internal/db"
	syncpkg "github.com/kimhsiao/tasksync/internal/sync"
	"github.com/kimhsiao/tasksync/internal/sync/queue"
)

// =====================================================
// Test Helpers
// =====================================================

type fakeEngine struct {
	drains   atomic.Int32
	block    chan struct{}
	err      error
	statsErr error
	pending  queue.Stats
}

func (e *fakeEngine) Drain(ctx context.Context) (*syncpkg.DrainResult, error) {
	e.drains.Add(1)
	if e.block != nil {
		<-e.block
	}
	if e.err != nil {
		return nil, e.err
	}
	return &syncpkg.DrainResult{Applied: 1}, nil
}

func (e *fakeEngine) Reload(ctx context.Context) (db.ReloadStats, error) {
	return db.ReloadStats{}, nil
}
func (e *fakeEngine) SetEventHandler(syncpkg.SyncEventHandler) {}
func (e *fakeEngine) Status() syncpkg.SyncStatus               { return syncpkg.SyncStatusIdle }
func (e *fakeEngine) LastSync() *time.Time                     { return nil }
func (e *fakeEngine) LastError() error                         { return e.err }
func (e *fakeEngine) PendingSync(ctx context.Context) (queue.Stats, error) {
	if e.statsErr != nil {
		return queue.Stats{}, e.statsErr
	}
	return e.pending, nil
}
func (e *fakeEngine) RecentFailures() []syncpkg.ItemFailure { return nil }

type fakeConn struct {
	online atomic.Bool
}

func (c *fakeConn) IsOnline() bool { return c.online.Load() }

func createTestScheduler(t *testing.T) (*fakeEngine, *fakeConn, *Scheduler) {
	t.Helper()
	engine := &fakeEngine{}
	conn := &fakeConn{}
	conn.online.Store(true)
	scheduler := NewScheduler(engine, conn, &SchedulerConfig{
		SyncInterval: 20 * time.Millisecond,
		PassTimeout:  time.Second,
	})
	t.Cleanup(scheduler.Stop)
	t.Cleanup(scheduler.Wait)
	return engine, conn, scheduler
}

func status(t *testing.T, s *Scheduler) SchedulerStatus {
	t.Helper()
	st, err := s.GetStatus(context.Background())
	if err != nil {
		t.Fatalf("GetStatus() failed: %v", err)
	}
	return st
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// =====================================================
// Configuration Tests
// =====================================================

// TestDefaultSchedulerConfig verifies default configuration.
func TestDefaultSchedulerConfig(t *testing.T) {
	config := DefaultSchedulerConfig()

	if config.SyncInterval != time.Minute {
		t.Errorf("SyncInterval = %v, want 1m", config.SyncInterval)
	}
	if config.PassTimeout != 5*time.Minute {
		t.Errorf("PassTimeout = %v, want 5m", config.PassTimeout)
	}
}

// TestNewScheduler_nilConfig verifies defaults apply.
func TestNewScheduler_nilConfig(t *testing.T) {
	scheduler := NewScheduler(&fakeEngine{}, nil, nil)

	if scheduler.syncInterval != time.Minute {
		t.Errorf("syncInterval = %v, want 1m", scheduler.syncInterval)
	}
	if !scheduler.IsOnline() {
		t.Error("nil connectivity should count as online")
	}
}

// =====================================================
// Lifecycle Tests
// =====================================================

// TestScheduler_StartStop verifies start and stop are idempotent.
func TestScheduler_StartStop(t *testing.T) {
	_, _, scheduler := createTestScheduler(t)
	ctx := context.Background()

	scheduler.Start(ctx)
	scheduler.Start(ctx)
	if !scheduler.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}

	scheduler.Stop()
	scheduler.Stop()
	if scheduler.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
}

// TestScheduler_drainsWhileOnline verifies ticks drain the queue.
func TestScheduler_drainsWhileOnline(t *testing.T) {
	engine, _, scheduler := createTestScheduler(t)

	scheduler.Start(context.Background())

	waitFor(t, func() bool { return engine.drains.Load() >= 2 })
	if status(t, scheduler).LastSyncTime == nil {
		t.Error("LastSyncTime not recorded")
	}
}

// TestScheduler_idleWhileOffline verifies no drain runs offline.
func TestScheduler_idleWhileOffline(t *testing.T) {
	engine, conn, scheduler := createTestScheduler(t)
	conn.online.Store(false)

	scheduler.Start(context.Background())
	time.Sleep(80 * time.Millisecond)

	if n := engine.drains.Load(); n != 0 {
		t.Errorf("drains = %d while offline, want 0", n)
	}
}

// TestScheduler_contextCancellation verifies the loop exits with its context.
func TestScheduler_contextCancellation(t *testing.T) {
	_, _, scheduler := createTestScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())

	scheduler.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		scheduler.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not exit after cancellation")
	}
}

// =====================================================
// Manual Trigger Tests
// =====================================================

// TestScheduler_TriggerSync verifies a triggered pass is not doubled.
func TestScheduler_TriggerSync(t *testing.T) {
	engine, _, scheduler := createTestScheduler(t)
	engine.block = make(chan struct{})

	if !scheduler.TriggerSync(context.Background()) {
		t.Fatal("TriggerSync() = false on idle scheduler")
	}
	waitFor(t, func() bool { return status(t, scheduler).SyncInProgress })

	if scheduler.TriggerSync(context.Background()) {
		t.Error("TriggerSync() = true while a pass is running")
	}
	close(engine.block)
	waitFor(t, func() bool { return !status(t, scheduler).SyncInProgress })
}

// TestScheduler_SyncNow verifies the result is returned and recorded.
func TestScheduler_SyncNow(t *testing.T) {
	engine, _, scheduler := createTestScheduler(t)
	engine.pending = queue.Stats{Pending: 2, Total: 2}

	result, err := scheduler.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}
	if result.Applied != 1 {
		t.Errorf("Applied = %d, want 1", result.Applied)
	}

	st := status(t, scheduler)
	if st.LastResult != result {
		t.Error("LastResult not recorded")
	}
	if st.Queue.Pending != 2 {
		t.Errorf("Queue.Pending = %d, want 2", st.Queue.Pending)
	}
	if st.IsRunning || !st.IsOnline {
		t.Errorf("IsRunning/IsOnline = %v/%v, want false/true", st.IsRunning, st.IsOnline)
	}
}

// TestScheduler_GetStatus_queueError verifies queue failures surface.
func TestScheduler_GetStatus_queueError(t *testing.T) {
	engine, _, scheduler := createTestScheduler(t)
	engine.statsErr = errors.New("disk I/O error")

	if _, err := scheduler.GetStatus(context.Background()); err == nil {
		t.Error("GetStatus() should return the queue error")
	}
}

// TestScheduler_Wait verifies Wait returns once triggered passes finish.
func TestScheduler_Wait(t *testing.T) {
	engine, _, scheduler := createTestScheduler(t)

	scheduler.TriggerSync(context.Background())
	scheduler.Wait()

	if n := engine.drains.Load(); n != 1 {
		t.Errorf("drains = %d, want 1", n)
	}
}

// TestScheduler_SyncNow_error verifies engine errors surface.
func TestScheduler_SyncNow_error(t *testing.T) {
	engine, _, scheduler := createTestScheduler(t)
	engine.err = errors.New("boom")

	if _, err := scheduler.SyncNow(context.Background()); err == nil {
		t.Error("SyncNow() should return the engine error")
	}
}

// TestScheduler_concurrentAccess verifies status reads race-free with passes.
func TestScheduler_concurrentAccess(t *testing.T) {
	_, _, scheduler := createTestScheduler(t)
	scheduler.Start(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, _ = scheduler.GetStatus(context.Background())
				scheduler.TriggerSync(context.Background())
			}
		}()
	}
	wg.Wait()
}
