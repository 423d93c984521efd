package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	apperrors "github.com/kimhsiao/tasksync/internal/errors"
	"github.com/kimhsiao/tasksync/internal/logging"
	"github.com/kimhsiao/tasksync/internal/models"
	"github.com/kimhsiao/tasksync/internal/sync/conflict"
)

// TaskStore is the durable local task store. Every user-facing write
// updates the tasks table and appends to the mutation log in one transaction.
type TaskStore struct {
	db    *DB
	log   MutationLog
	clock Clock
}

// ReloadStats summarizes an authoritative reload.
type ReloadStats struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Removed   int `json:"removed"`
	KeptLocal int `json:"kept_local"`
	Unchanged int `json:"unchanged"`
}

// NewTaskStore creates a TaskStore.
func NewTaskStore(db *DB, log MutationLog, clock Clock) *TaskStore {
	return &TaskStore{db: db, log: log, clock: clock}
}

const taskColumns = "id, owner_id, title, description, completed, created_at, synced, last_modified"

// =====================================================
// User-facing writes
// =====================================================

// Add stores task under a fresh placeholder id and queues a create entry
// keyed by the same tick. The assigned id is returned and set on task.
func (s *TaskStore) Add(ctx context.Context, task *models.Task) (int64, error) {
	task.Normalize()
	if err := task.Validate(); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrValidation, "add task", err)
	}

	tick := s.clock.Next()
	task.ID = tick
	task.CreatedAt = tick
	task.LastModified = tick
	task.Synced = false

	err := s.withTx(ctx, "add task", func(tx *sql.Tx) error {
		if err := upsertTask(ctx, tx, task); err != nil {
			return err
		}
		m, err := models.NewTaskMutation(tick, models.ActionCreate, task)
		if err != nil {
			return err
		}
		return s.log.AppendTx(ctx, tx, m)
	})
	if err != nil {
		return 0, err
	}

	logging.Debug("Task added", map[string]interface{}{"task_id": task.ID, "owner_id": task.OwnerID})
	return task.ID, nil
}

// Update replaces the task with task.ID and queues an update entry carrying
// the full snapshot. An unknown id is created. The stored creation time is kept.
func (s *TaskStore) Update(ctx context.Context, task *models.Task) error {
	task.Normalize()
	if err := task.Validate(); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "update task", err)
	}

	tick := s.clock.Next()
	err := s.withTx(ctx, "update task", func(tx *sql.Tx) error {
		var createdAt int64
		err := tx.QueryRowContext(ctx, "SELECT created_at FROM tasks WHERE id = ?", task.ID).Scan(&createdAt)
		switch {
		case err == nil:
			task.CreatedAt = createdAt
		case err == sql.ErrNoRows:
			if task.CreatedAt == 0 {
				task.CreatedAt = tick
			}
		default:
			return err
		}

		task.LastModified = tick
		task.Synced = false
		if err := upsertTask(ctx, tx, task); err != nil {
			return err
		}
		m, err := models.NewTaskMutation(tick, models.ActionUpdate, task)
		if err != nil {
			return err
		}
		return s.log.AppendTx(ctx, tx, m)
	})
	if err != nil {
		return err
	}

	logging.Debug("Task updated", map[string]interface{}{"task_id": task.ID, "completed": task.Completed})
	return nil
}

// Delete removes the task and queues a delete entry owned by the task's
// owner. Deleting an absent id does nothing.
func (s *TaskStore) Delete(ctx context.Context, id int64) error {
	return s.withTx(ctx, "delete task", func(tx *sql.Tx) error {
		var ownerID int64
		err := tx.QueryRowContext(ctx, "SELECT owner_id FROM tasks WHERE id = ?", id).Scan(&ownerID)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id); err != nil {
			return err
		}
		return s.log.AppendTx(ctx, tx, models.NewDeleteMutation(s.clock.Next(), id, ownerID))
	})
}

// =====================================================
// Reads
// =====================================================

// Get returns one task by id.
func (s *TaskStore) Get(ctx context.Context, id int64) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("task %d not found", id))
	}
	if err != nil {
		return nil, apperrors.Storage("get task", err)
	}
	return task, nil
}

// ListByOwner returns the owner's tasks in ascending id order.
func (s *TaskStore) ListByOwner(ctx context.Context, ownerID int64) ([]*models.Task, error) {
	return s.ListByOwnerFiltered(ctx, ownerID, models.FilterAll)
}

// ListByOwnerFiltered returns the owner's tasks passing filter.
func (s *TaskStore) ListByOwnerFiltered(ctx context.Context, ownerID int64, filter models.Filter) ([]*models.Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks WHERE owner_id = ?"
	switch filter {
	case models.FilterCompleted:
		query += " AND completed = 1"
	case models.FilterPending:
		query += " AND completed = 0"
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, apperrors.Storage("list tasks", err)
	}
	defer rows.Close()

	tasks := make([]*models.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, apperrors.Storage("scan task", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Storage("list tasks", err)
	}
	return tasks, nil
}

// HighWater returns the largest id, timestamp or queue key persisted, for
// seeding the clock at startup.
func (s *TaskStore) HighWater(ctx context.Context) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(v) FROM (
		SELECT COALESCE(MAX(id), 0) AS v FROM tasks
		UNION ALL SELECT COALESCE(MAX(last_modified), 0) FROM tasks
		UNION ALL SELECT COALESCE(MAX(created_at), 0) FROM tasks
		UNION ALL SELECT COALESCE(MAX(timestamp), 0) FROM mutations
	)`).Scan(&v)
	if err != nil {
		return 0, apperrors.Storage("read clock high water mark", err)
	}
	return v, nil
}

// =====================================================
// Reconciliation (no queue entries)
// =====================================================

// ReconcileCreate moves the row at placeholderID to serverID and repoints
// queued entries for the placeholder. The row is marked synced only when no
// local write happened after the replayed snapshot. A row already stored at
// serverID is replaced.
func (s *TaskStore) ReconcileCreate(ctx context.Context, placeholderID, serverID, snapshotModified int64) (bool, error) {
	synced := false
	err := s.withTx(ctx, "reconcile created task", func(tx *sql.Tx) error {
		var lastModified int64
		err := tx.QueryRowContext(ctx, "SELECT last_modified FROM tasks WHERE id = ?", placeholderID).Scan(&lastModified)
		exists := err == nil
		if err != nil && err != sql.ErrNoRows {
			return err
		}

		if exists && placeholderID != serverID {
			if _, err := tx.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", serverID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, "UPDATE tasks SET id = ? WHERE id = ?", serverID, placeholderID); err != nil {
				return err
			}
		}
		if exists && lastModified == snapshotModified {
			if _, err := tx.ExecContext(ctx, "UPDATE tasks SET synced = 1 WHERE id = ?", serverID); err != nil {
				return err
			}
			synced = true
		}
		if placeholderID != serverID {
			if _, err := s.log.RemapTaskIDTx(ctx, tx, placeholderID, serverID); err != nil {
				return err
			}
		}
		return nil
	})
	return synced, err
}

// MarkSynced flips synced on id if its last write is the replayed one.
func (s *TaskStore) MarkSynced(ctx context.Context, id, snapshotModified int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET synced = 1 WHERE id = ? AND last_modified = ?", id, snapshotModified)
	if err != nil {
		return false, apperrors.Storage("mark task synced", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ApplyRemote makes the owner's local tasks match the remote list. Rows with
// an unconfirmed local write are kept unless the resolver picks the remote
// copy; confirmed rows missing remotely are removed. Remote rows whose
// delete is still queued locally are skipped.
func (s *TaskStore) ApplyRemote(ctx context.Context, ownerID int64, remote []*models.Task, resolver *conflict.Resolver) (ReloadStats, error) {
	if resolver == nil {
		resolver = conflict.NewResolver(conflict.ResolutionStrategyLastWriteWins)
	}

	var stats ReloadStats
	err := s.withTx(ctx, "apply remote tasks", func(tx *sql.Tx) error {
		local, err := loadOwnerTx(ctx, tx, ownerID)
		if err != nil {
			return err
		}
		deleting, err := s.log.QueuedDeletesTx(ctx, tx)
		if err != nil {
			return err
		}

		seen := make(map[int64]bool, len(remote))
		for _, r := range remote {
			seen[r.ID] = true
			if deleting[r.ID] {
				stats.KeptLocal++
				continue
			}
			incoming := *r
			incoming.OwnerID = ownerID
			incoming.Synced = true

			l, ok := local[r.ID]
			if !ok {
				if incoming.LastModified == 0 {
					incoming.LastModified = incoming.CreatedAt
				}
				if err := upsertTask(ctx, tx, &incoming); err != nil {
					return err
				}
				stats.Inserted++
				continue
			}

			if !l.Synced {
				c, conflicting := resolver.DetectConflict(l, &incoming)
				if !conflicting {
					stats.KeptLocal++
					continue
				}
				res, err := resolver.Resolve(c)
				if err != nil {
					return err
				}
				if res.Resolution == conflict.ResolutionLocalWins {
					stats.KeptLocal++
					continue
				}
			} else if sameTask(l, &incoming) {
				stats.Unchanged++
				continue
			}

			incoming.CreatedAt = l.CreatedAt
			incoming.LastModified = s.clock.Next()
			if err := upsertTask(ctx, tx, &incoming); err != nil {
				return err
			}
			stats.Updated++
		}

		for id, l := range local {
			if seen[id] {
				continue
			}
			if !l.Synced {
				stats.KeptLocal++
				continue
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id); err != nil {
				return err
			}
			stats.Removed++
		}
		return nil
	})
	if err != nil {
		return ReloadStats{}, err
	}

	logging.Info("Applied remote task list", map[string]interface{}{
		"owner_id":   ownerID,
		"inserted":   stats.Inserted,
		"updated":    stats.Updated,
		"removed":    stats.Removed,
		"kept_local": stats.KeptLocal,
	})
	return stats, nil
}

// =====================================================
// Helpers
// =====================================================

// withTx runs fn in a transaction. Errors that are not already AppErrors are
// reported as storage failures.
func (s *TaskStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Storage(op, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			return err
		}
		return apperrors.Storage(op, err)
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Storage(op, err)
	}
	return nil
}

func upsertTask(ctx context.Context, tx *sql.Tx, t *models.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			title = excluded.title,
			description = excluded.description,
			completed = excluded.completed,
			created_at = excluded.created_at,
			synced = excluded.synced,
			last_modified = excluded.last_modified`,
		t.ID, t.OwnerID, t.Title, nullString(t.Description), boolInt(t.Completed),
		t.CreatedAt, boolInt(t.Synced), t.LastModified)
	return err
}

func loadOwnerTx(ctx context.Context, tx *sql.Tx, ownerID int64) (map[int64]*models.Task, error) {
	rows, err := tx.QueryContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE owner_id = ?", ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]*models.Task)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out[t.ID] = t
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(s rowScanner) (*models.Task, error) {
	var (
		t           models.Task
		description sql.NullString
		completed   int
		synced      int
	)
	if err := s.Scan(&t.ID, &t.OwnerID, &t.Title, &description, &completed,
		&t.CreatedAt, &synced, &t.LastModified); err != nil {
		return nil, err
	}
	t.Description = description.String
	t.Completed = completed == 1
	t.Synced = synced == 1
	return &t, nil
}

func sameTask(a, b *models.Task) bool {
	return a.Title == b.Title && a.Description == b.Description && a.Completed == b.Completed
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
