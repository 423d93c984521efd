// Package db provides repository interfaces for the local task store.
package db

import (
	"context"
	"database/sql"

	"github.com/kimhsiao/tasksync/internal/models"
	"github.com/kimhsiao/tasksync/internal/sync/conflict"
)

// TaskRepository defines the local task operations user-facing code relies on.
// This interface allows mocking for testing.
type TaskRepository interface {
	// Add stores a new task under a placeholder id and queues its creation.
	Add(ctx context.Context, task *models.Task) (int64, error)

	// Update replaces a task by id and queues the change.
	Update(ctx context.Context, task *models.Task) error

	// Delete removes a task and queues the removal.
	Delete(ctx context.Context, id int64) error

	// Get returns one task by id.
	Get(ctx context.Context, id int64) (*models.Task, error)

	// ListByOwner returns all tasks of one owner.
	ListByOwner(ctx context.Context, ownerID int64) ([]*models.Task, error)

	// ListByOwnerFiltered returns the owner's tasks passing the filter.
	ListByOwnerFiltered(ctx context.Context, ownerID int64, filter models.Filter) ([]*models.Task, error)
}

// SyncRepository defines the reconciliation writes the sync engine performs.
// None of them queue mutations.
type SyncRepository interface {
	ReconcileCreate(ctx context.Context, placeholderID, serverID, snapshotModified int64) (bool, error)
	MarkSynced(ctx context.Context, id, snapshotModified int64) (bool, error)
	ApplyRemote(ctx context.Context, ownerID int64, remote []*models.Task, resolver *conflict.Resolver) (ReloadStats, error)
}

// MutationLog is the part of the mutation queue the store writes through,
// always inside the store's own transaction.
type MutationLog interface {
	AppendTx(ctx context.Context, tx *sql.Tx, m *models.Mutation) error
	RemapTaskIDTx(ctx context.Context, tx *sql.Tx, from, to int64) (int64, error)
	QueuedDeletesTx(ctx context.Context, tx *sql.Tx) (map[int64]bool, error)
}

// Clock hands out strictly increasing millisecond ticks.
type Clock interface {
	Next() int64
	Observe(v int64)
}
