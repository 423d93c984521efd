// Package sync replays queued local mutations against the remote store and
// reconciles the local task list with it.
package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/tasksync/internal/credential"
	"github.com/kimhsiao/tasksync/internal/db"
	"github.com/kimhsiao/tasksync/internal/models"
	"github.com/kimhsiao/tasksync/internal/remote"
	"github.com/kimhsiao/tasksync/internal/sync/queue"
)

// SyncEngineInterface defines the interface for sync engine operations.
// This interface allows for mocking in tests and alternative implementations.
type SyncEngineInterface interface {
	// Drain replays the queue once. A pass that cannot start returns a
	// result with Skipped set and no error.
	Drain(ctx context.Context) (*DrainResult, error)

	// Reload replaces confirmed local rows with the remote task list.
	Reload(ctx context.Context) (db.ReloadStats, error)

	// SetEventHandler sets the event handler for sync notifications.
	SetEventHandler(handler SyncEventHandler)

	// Status returns the current sync status.
	Status() SyncStatus

	// LastSync returns the end time of the last completed pass.
	LastSync() *time.Time

	// PendingSync returns the queue counts.
	PendingSync(ctx context.Context) (queue.Stats, error)

	// LastError returns the error of the last pass, if any.
	LastError() error

	// RecentFailures returns the latest rejected entries.
	RecentFailures() []ItemFailure
}

// MutationQueue is the part of the queue the engine drains.
type MutationQueue interface {
	ListAll(ctx context.Context) ([]*models.Mutation, error)
	Ready(m *models.Mutation) bool
	Ack(ctx context.Context, ts int64) error
	Fail(ctx context.Context, ts int64, cause error, retryable bool) (bool, error)
	ClearThrough(ctx context.Context, ts, ownerID int64) (int64, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

// RemoteAPI is the remote task API.
type RemoteAPI interface {
	CreateTask(ctx context.Context, token, idempotencyKey string, in remote.TaskInput) (*models.Task, error)
	UpdateTask(ctx context.Context, token, idempotencyKey string, id int64, in remote.TaskInput) (*models.Task, error)
	DeleteTask(ctx context.Context, token, idempotencyKey string, id int64) error
	ListTasks(ctx context.Context, token string, filter models.Filter) ([]*models.Task, error)
}

// CredentialSource yields the bearer token and its identity.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
	Claims(ctx context.Context) (*credential.Claims, error)
}

// ConnectivityState reports reachability of the remote store.
type ConnectivityState interface {
	IsOnline() bool
}

// SyncEventType names an event on the status feed.
type SyncEventType string

const (
	SyncEventStarted      SyncEventType = "sync.started"
	SyncEventCompleted    SyncEventType = "sync.completed"
	SyncEventFailedItems  SyncEventType = "sync.failed_items"
	SyncEventSkipped      SyncEventType = "sync.skipped"
	SyncEventReloaded     SyncEventType = "sync.reloaded"
	SyncEventConnectivity SyncEventType = "connectivity.changed"
)

// SyncEvent is one status notification.
type SyncEvent struct {
	Type      SyncEventType          `json:"type"`
	Message   string                 `json:"message,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// SyncEventHandler receives engine events.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// SyncEventHandlerFunc adapts a function to SyncEventHandler.
type SyncEventHandlerFunc func(event SyncEvent)

// OnSyncEvent calls f.
func (f SyncEventHandlerFunc) OnSyncEvent(event SyncEvent) {
	f(event)
}
