package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/kimhsiao/tasksync/internal/db"
	apperrors "github.com/kimhsiao/tasksync/internal/errors"
	"github.com/kimhsiao/tasksync/internal/logging"
	"github.com/kimhsiao/tasksync/internal/models"
	"github.com/kimhsiao/tasksync/internal/remote"
	"github.com/kimhsiao/tasksync/internal/sync/conflict"
	"github.com/kimhsiao/tasksync/internal/sync/queue"
)

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle     SyncStatus = "idle"
	SyncStatusDraining SyncStatus = "draining"
	SyncStatusFailed   SyncStatus = "failed"
)

// SkipReason says why a drain pass did not run.
type SkipReason string

const (
	SkipBusy         SkipReason = "busy"
	SkipOffline      SkipReason = "offline"
	SkipNoCredential SkipReason = "no_credential"
)

const maxRecentFailures = 50

// Config tunes the engine.
type Config struct {
	RemoteTimeout    time.Duration
	Policy           queue.Policy
	ReloadAfterDrain bool
	ConflictStrategy conflict.ResolutionStrategy
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		RemoteTimeout:    remote.DefaultTimeout,
		Policy:           queue.PolicyAcknowledged,
		ReloadAfterDrain: true,
		ConflictStrategy: conflict.ResolutionStrategyLastWriteWins,
	}
}

// ItemFailure records one entry the remote store did not accept.
type ItemFailure struct {
	Timestamp int64         `json:"timestamp"`
	Action    models.Action `json:"action"`
	TaskID    int64         `json:"task_id"`
	Error     string        `json:"error"`
	Permanent bool          `json:"permanent"`
	At        time.Time     `json:"at"`
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	StartTime time.Time       `json:"start_time"`
	EndTime   time.Time       `json:"end_time"`
	Duration  time.Duration   `json:"duration"`
	Skipped   SkipReason      `json:"skipped,omitempty"`
	Applied   int             `json:"applied"`
	Failed    int             `json:"failed"`
	Deferred  int             `json:"deferred"`
	Dropped   int             `json:"dropped"`
	Pending   int             `json:"pending"`
	Failures  []ItemFailure   `json:"failures,omitempty"`
	Reload    *db.ReloadStats `json:"reload,omitempty"`
	IDMap     map[int64]int64 `json:"id_map,omitempty"`
}

// Engine drains the mutation queue. At most one pass runs at a time.
type Engine struct {
	store  db.SyncRepository
	queue  MutationQueue
	api    RemoteAPI
	creds  CredentialSource
	conn   ConnectivityState
	config Config

	resolver *conflict.Resolver
	lock     *semaphore.Weighted
	reloads  singleflight.Group

	mu       stdsync.RWMutex
	handler  SyncEventHandler
	status   SyncStatus
	lastSync *time.Time
	lastErr  error
	recent   []ItemFailure
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Store        db.SyncRepository
	Queue        MutationQueue
	API          RemoteAPI
	Credentials  CredentialSource
	Connectivity ConnectivityState
}

// NewEngine creates an Engine.
func NewEngine(deps Deps, config Config) *Engine {
	if config.RemoteTimeout <= 0 {
		config.RemoteTimeout = remote.DefaultTimeout
	}
	if config.Policy == "" {
		config.Policy = queue.PolicyAcknowledged
	}
	if config.ConflictStrategy == "" {
		config.ConflictStrategy = conflict.ResolutionStrategyLastWriteWins
	}
	return &Engine{
		store:    deps.Store,
		queue:    deps.Queue,
		api:      deps.API,
		creds:    deps.Credentials,
		conn:     deps.Connectivity,
		config:   config,
		resolver: conflict.NewResolver(config.ConflictStrategy),
		lock:     semaphore.NewWeighted(1),
		status:   SyncStatusIdle,
	}
}

// SetEventHandler sets the event handler for sync notifications.
func (e *Engine) SetEventHandler(handler SyncEventHandler) {
	e.mu.Lock()
	e.handler = handler
	e.mu.Unlock()
}

// Status returns the current sync status.
func (e *Engine) Status() SyncStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// LastSync returns the end time of the last completed pass.
func (e *Engine) LastSync() *time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastSync
}

// LastError returns the error of the last pass.
func (e *Engine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

// RecentFailures returns the latest rejected entries, oldest first.
func (e *Engine) RecentFailures() []ItemFailure {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]ItemFailure, len(e.recent))
	copy(out, e.recent)
	return out
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.config
}

// PendingSync returns the queue counts.
func (e *Engine) PendingSync(ctx context.Context) (queue.Stats, error) {
	return e.queue.Stats(ctx)
}

// OnConnectivityChange is a connectivity listener: it publishes the new
// state and drains on the way back online.
func (e *Engine) OnConnectivityChange(ctx context.Context, online bool) {
	e.emitEvent(SyncEvent{
		Type: SyncEventConnectivity,
		Data: map[string]interface{}{"online": online},
	})
	if !online {
		return
	}
	if _, err := e.Drain(ctx); err != nil {
		logging.ErrorWithCode("Drain after reconnect failed", string(apperrors.CodeOf(err)), err)
	}
}

// =====================================================
// Drain
// =====================================================

// Drain replays every queued entry once, in timestamp order. It is a no-op
// while offline or while another pass runs. Entries queued by another user
// stay queued until that user signs in again.
func (e *Engine) Drain(ctx context.Context) (*DrainResult, error) {
	result := &DrainResult{StartTime: time.Now()}

	if e.conn != nil && !e.conn.IsOnline() {
		return e.skip(result, SkipOffline), nil
	}
	if !e.lock.TryAcquire(1) {
		return e.skip(result, SkipBusy), nil
	}

	ownerID, err := e.drainLocked(ctx, result)
	e.lock.Release(1)

	if err != nil {
		if apperrors.Is(err, apperrors.ErrCredentialMissing) {
			e.setStatus(SyncStatusIdle, nil)
			return e.skip(result, SkipNoCredential), nil
		}
		e.finish(result, err)
		logging.ErrorWithCode("Drain failed", string(apperrors.ErrSyncFailed), err)
		return result, apperrors.Wrap(apperrors.ErrSyncFailed, "drain", err)
	}

	if e.config.ReloadAfterDrain && ownerID > 0 {
		stats, rerr := e.Reload(ctx)
		if rerr != nil {
			logging.Warn("Reload after drain failed", map[string]interface{}{"error": rerr.Error()})
		} else {
			result.Reload = &stats
		}
	}

	e.finish(result, nil)
	return result, nil
}

// drainLocked runs one pass with the drain lock held and returns the owner
// id of the credential used.
func (e *Engine) drainLocked(ctx context.Context, result *DrainResult) (int64, error) {
	claims, err := e.creds.Claims(ctx)
	if err != nil {
		return 0, err
	}
	token, err := e.creds.Token(ctx)
	if err != nil {
		return 0, err
	}

	snapshot, err := e.queue.ListAll(ctx)
	if err != nil {
		return 0, err
	}

	e.setStatus(SyncStatusDraining, nil)
	e.emitEvent(SyncEvent{
		Type: SyncEventStarted,
		Data: map[string]interface{}{"queued": len(snapshot), "policy": string(e.config.Policy)},
	})
	logging.Info("Drain started", map[string]interface{}{"queued": len(snapshot), "policy": string(e.config.Policy)})

	ids := make(map[int64]int64)
	blocked := make(map[int64]bool)
	acknowledged := e.config.Policy == queue.PolicyAcknowledged

	var maxTS int64
	for _, m := range snapshot {
		if m.Timestamp > maxTS {
			maxTS = m.Timestamp
		}
		if ctx.Err() != nil {
			result.Deferred++
			continue
		}
		if !m.OwnedBy(claims.UserID) {
			result.Deferred++
			continue
		}
		if blocked[m.TaskID] {
			result.Deferred++
			continue
		}
		if acknowledged && !e.queue.Ready(m) {
			blocked[m.TaskID] = true
			result.Deferred++
			continue
		}

		applyErr := e.apply(ctx, token, m, ids)
		if applyErr == nil {
			result.Applied++
			if acknowledged {
				if err := e.queue.Ack(ctx, m.Timestamp); err != nil {
					return claims.UserID, err
				}
			}
			continue
		}

		blocked[m.TaskID] = true
		result.Failed++
		failure := ItemFailure{
			Timestamp: m.Timestamp,
			Action:    m.Action,
			TaskID:    m.TaskID,
			Error:     applyErr.Error(),
			At:        time.Now(),
		}
		if acknowledged {
			permanent, err := e.queue.Fail(ctx, m.Timestamp, applyErr, remote.IsRetryable(applyErr))
			if err != nil {
				return claims.UserID, err
			}
			failure.Permanent = permanent
		}
		result.Failures = append(result.Failures, failure)
		logging.ErrorWithCode("Mutation replay failed", string(apperrors.CodeOf(applyErr)), applyErr,
			map[string]interface{}{"timestamp": m.Timestamp, "action": string(m.Action), "task_id": m.TaskID})
	}

	if !acknowledged && maxTS > 0 {
		removed, err := e.queue.ClearThrough(ctx, maxTS, claims.UserID)
		if err != nil {
			return claims.UserID, err
		}
		if dropped := int(removed) - result.Applied; dropped > 0 {
			result.Dropped = dropped
			logging.Warn("Unconfirmed mutations dropped by clear_all policy",
				map[string]interface{}{"dropped": dropped})
		}
	}

	stats, err := e.queue.Stats(ctx)
	if err != nil {
		return claims.UserID, err
	}
	result.Pending = stats.Pending + stats.Failed
	if len(ids) > 0 {
		result.IDMap = ids
	}
	return claims.UserID, nil
}

// apply replays one entry. ids maps placeholders reconciled earlier in the
// pass to their server ids.
func (e *Engine) apply(ctx context.Context, token string, m *models.Mutation, ids map[int64]int64) error {
	callCtx, cancel := context.WithTimeout(ctx, e.config.RemoteTimeout)
	defer cancel()

	taskID := m.TaskID
	if id, ok := ids[taskID]; ok {
		taskID = id
	}

	switch m.Action {
	case models.ActionCreate:
		snap, err := m.Task()
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "create payload", err)
		}
		created, err := e.api.CreateTask(callCtx, token, m.IdempotencyKey, remote.TaskInput{
			Title:       snap.Title,
			Description: snap.Description,
		})
		if err != nil {
			return err
		}
		ids[m.TaskID] = created.ID
		synced, err := e.store.ReconcileCreate(ctx, m.TaskID, created.ID, snap.LastModified)
		if err != nil {
			return err
		}
		logging.Debug("Task created remotely", map[string]interface{}{
			"placeholder_id": m.TaskID, "server_id": created.ID, "synced": synced,
		})
		return nil

	case models.ActionUpdate:
		snap, err := m.Task()
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "update payload", err)
		}
		completed := snap.Completed
		if _, err := e.api.UpdateTask(callCtx, token, m.IdempotencyKey, taskID, remote.TaskInput{
			Title:       snap.Title,
			Description: snap.Description,
			Completed:   &completed,
		}); err != nil {
			return err
		}
		_, err = e.store.MarkSynced(ctx, taskID, snap.LastModified)
		return err

	case models.ActionDelete:
		err := e.api.DeleteTask(callCtx, token, m.IdempotencyKey, taskID)
		if remote.IsNotFound(err) {
			logging.Debug("Task already gone remotely", map[string]interface{}{"task_id": taskID})
			return nil
		}
		return err
	}
	return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown mutation action %q", m.Action))
}

// =====================================================
// Reload
// =====================================================

// Reload fetches the remote list and applies it to the local store.
// Concurrent calls share one fetch.
func (e *Engine) Reload(ctx context.Context) (db.ReloadStats, error) {
	v, err, _ := e.reloads.Do("reload", func() (interface{}, error) {
		claims, err := e.creds.Claims(ctx)
		if err != nil {
			return db.ReloadStats{}, err
		}
		token, err := e.creds.Token(ctx)
		if err != nil {
			return db.ReloadStats{}, err
		}

		callCtx, cancel := context.WithTimeout(ctx, e.config.RemoteTimeout)
		defer cancel()
		tasks, err := e.api.ListTasks(callCtx, token, models.FilterAll)
		if err != nil {
			return db.ReloadStats{}, err
		}
		stats, err := e.store.ApplyRemote(ctx, claims.UserID, tasks, e.resolver)
		if err != nil {
			return db.ReloadStats{}, err
		}
		e.emitEvent(SyncEvent{
			Type: SyncEventReloaded,
			Data: map[string]interface{}{
				"inserted": stats.Inserted, "updated": stats.Updated,
				"removed": stats.Removed, "kept_local": stats.KeptLocal,
			},
		})
		return stats, nil
	})
	if err != nil {
		return db.ReloadStats{}, err
	}
	return v.(db.ReloadStats), nil
}

// =====================================================
// Helpers
// =====================================================

func (e *Engine) skip(result *DrainResult, reason SkipReason) *DrainResult {
	result.Skipped = reason
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	logging.Debug("Drain skipped", map[string]interface{}{"reason": string(reason)})
	e.emitEvent(SyncEvent{
		Type:    SyncEventSkipped,
		Message: string(reason),
		Data:    map[string]interface{}{"reason": string(reason)},
	})
	return result
}

func (e *Engine) finish(result *DrainResult, err error) {
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	e.mu.Lock()
	if err != nil {
		e.status = SyncStatusFailed
		e.lastErr = err
	} else {
		e.status = SyncStatusIdle
		e.lastErr = nil
		end := result.EndTime
		e.lastSync = &end
	}
	e.recent = append(e.recent, result.Failures...)
	if over := len(e.recent) - maxRecentFailures; over > 0 {
		e.recent = append([]ItemFailure(nil), e.recent[over:]...)
	}
	e.mu.Unlock()

	if err != nil {
		return
	}
	e.emitEvent(SyncEvent{
		Type: SyncEventCompleted,
		Data: map[string]interface{}{
			"applied": result.Applied, "failed": result.Failed, "deferred": result.Deferred,
			"dropped": result.Dropped, "pending": result.Pending,
		},
	})
	if len(result.Failures) > 0 {
		e.emitEvent(SyncEvent{
			Type:    SyncEventFailedItems,
			Message: fmt.Sprintf("%d mutation(s) not accepted", len(result.Failures)),
			Data:    map[string]interface{}{"failures": result.Failures},
		})
	}
	logging.Info("Drain completed", map[string]interface{}{
		"applied":  result.Applied,
		"failed":   result.Failed,
		"deferred": result.Deferred,
		"dropped":  result.Dropped,
		"pending":  result.Pending,
	})
}

func (e *Engine) setStatus(status SyncStatus, err error) {
	e.mu.Lock()
	e.status = status
	if err != nil {
		e.lastErr = err
	}
	e.mu.Unlock()
}

// emitEvent sends an event to the handler if set.
func (e *Engine) emitEvent(event SyncEvent) {
	e.mu.RLock()
	handler := e.handler
	e.mu.RUnlock()
	if handler == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	handler.OnSyncEvent(event)
}
