// Package queue persists the ordered log of local task mutations awaiting
// replay against the remote store, with per-entry acknowledgement and
// exponential backoff.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/tasksync/internal/errors"
	"github.com/kimhsiao/tasksync/internal/logging"
	"github.com/kimhsiao/tasksync/internal/models"
	"github.com/kimhsiao/tasksync/internal/uuid"
)

// Policy selects how a drain pass removes entries.
type Policy string

const (
	// PolicyAcknowledged removes an entry only once the remote store
	// confirmed it; failures are retried with backoff.
	PolicyAcknowledged Policy = "acknowledged"
	// PolicyClearAll removes every drained entry after the pass, applied or
	// not. Failed mutations are lost.
	PolicyClearAll Policy = "clear_all"
)

// ParsePolicy maps a config value to a Policy. Empty means acknowledged.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case PolicyAcknowledged, "":
		return PolicyAcknowledged, nil
	case PolicyClearAll:
		return PolicyClearAll, nil
	}
	return PolicyAcknowledged, fmt.Errorf("unknown queue policy %q", s)
}

const (
	DefaultMaxRetries  = 5
	DefaultBackoffBase = 30 * time.Second
	DefaultBackoffMax  = time.Hour
)

// Options configures retry behaviour.
type Options struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = DefaultBackoffMax
	}
	return o
}

// Stats summarizes the queue.
type Stats struct {
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
	Total   int `json:"total"`
}

// Queue is the SQLite-backed mutation queue.
type Queue struct {
	db   *sql.DB
	opts Options
	now  func() time.Time
}

// New creates a Queue over db. The mutations table must already exist.
func New(db *sql.DB, opts Options) *Queue {
	return &Queue{
		db:   db,
		opts: opts.withDefaults(),
		now:  time.Now,
	}
}

// SetNow replaces the wall clock used for retry scheduling.
func (q *Queue) SetNow(now func() time.Time) {
	q.now = now
}

// Options returns the effective retry options.
func (q *Queue) Options() Options {
	return q.opts
}

// Ready reports whether m may be replayed now.
func (q *Queue) Ready(m *models.Mutation) bool {
	return m.Status == models.MutationPending && m.NextRetryAt <= q.now().UnixMilli()
}

// Append inserts m in its own transaction.
func (q *Queue) Append(ctx context.Context, m *models.Mutation) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Storage("begin queue append", err)
	}
	defer tx.Rollback()

	if err := q.AppendTx(ctx, tx, m); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Storage("commit queue append", err)
	}
	return nil
}

// AppendTx inserts m inside the caller's transaction. Missing idempotency
// key, status and retry limit are filled in.
func (q *Queue) AppendTx(ctx context.Context, tx *sql.Tx, m *models.Mutation) error {
	if !m.Action.Valid() {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown mutation action %q", m.Action))
	}
	if m.IdempotencyKey == "" {
		m.IdempotencyKey = uuid.NewKey()
	}
	if m.Status == "" {
		m.Status = models.MutationPending
	}
	if m.MaxRetries <= 0 {
		m.MaxRetries = q.opts.MaxRetries
	}

	query := `INSERT INTO mutations
		(timestamp, action, task_id, owner_id, payload, idempotency_key, status, retry_count, max_retries, next_retry_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, query,
		m.Timestamp, string(m.Action), m.TaskID, m.OwnerID, string(m.Payload), m.IdempotencyKey,
		string(m.Status), m.RetryCount, m.MaxRetries, m.NextRetryAt, nullString(m.LastError))
	if err != nil {
		return apperrors.Storage(fmt.Sprintf("append %s mutation for task %d", m.Action, m.TaskID), err)
	}
	return nil
}

// ListAll returns every entry in ascending timestamp order.
func (q *Queue) ListAll(ctx context.Context) ([]*models.Mutation, error) {
	rows, err := q.db.QueryContext(ctx, "SELECT "+mutationColumns+" FROM mutations ORDER BY timestamp ASC")
	if err != nil {
		return nil, apperrors.Storage("list mutations", err)
	}
	defer rows.Close()

	var out []*models.Mutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, apperrors.Storage("scan mutation", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Storage("list mutations", err)
	}
	return out, nil
}

// Clear removes every entry, replayed or not, and returns the count.
func (q *Queue) Clear(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, "DELETE FROM mutations")
	if err != nil {
		return 0, apperrors.Storage("clear mutations", err)
	}
	n, _ := res.RowsAffected()
	logging.Info("Mutation queue cleared", map[string]interface{}{"count": n})
	return n, nil
}

// ClearThrough removes every entry of ownerID with timestamp <= ts and
// returns the count. Entries recorded without an owner are removed too.
func (q *Queue) ClearThrough(ctx context.Context, ts, ownerID int64) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		"DELETE FROM mutations WHERE timestamp <= ? AND owner_id IN (0, ?)", ts, ownerID)
	if err != nil {
		return 0, apperrors.Storage("clear mutations", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Ack removes a confirmed entry.
func (q *Queue) Ack(ctx context.Context, ts int64) error {
	if _, err := q.db.ExecContext(ctx, "DELETE FROM mutations WHERE timestamp = ?", ts); err != nil {
		return apperrors.Storage(fmt.Sprintf("ack mutation %d", ts), err)
	}
	return nil
}

// Fail records a failed replay. A retryable failure is rescheduled with
// exponential backoff until its retry limit; anything else marks the entry
// failed. permanent reports whether the entry is now excluded from drains.
func (q *Queue) Fail(ctx context.Context, ts int64, cause error, retryable bool) (permanent bool, err error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false, apperrors.Storage("begin queue fail", err)
	}
	defer tx.Rollback()

	var retryCount, maxRetries int
	err = tx.QueryRowContext(ctx, "SELECT retry_count, max_retries FROM mutations WHERE timestamp = ?", ts).
		Scan(&retryCount, &maxRetries)
	if err == sql.ErrNoRows {
		return false, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("mutation %d not found", ts))
	}
	if err != nil {
		return false, apperrors.Storage("read mutation retry state", err)
	}

	retryCount++
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	status := models.MutationPending
	nextRetryAt := q.now().Add(CalculateBackoff(retryCount, q.opts.BackoffBase, q.opts.BackoffMax)).UnixMilli()
	if !retryable || retryCount >= maxRetries {
		status = models.MutationFailed
		permanent = true
	}

	_, err = tx.ExecContext(ctx, `UPDATE mutations
		SET retry_count = ?, status = ?, next_retry_at = ?, last_error = ?
		WHERE timestamp = ?`, retryCount, string(status), nextRetryAt, msg, ts)
	if err != nil {
		return false, apperrors.Storage("record mutation failure", err)
	}
	if err := tx.Commit(); err != nil {
		return false, apperrors.Storage("commit queue fail", err)
	}

	if permanent {
		logging.Warn("Mutation failed permanently",
			map[string]interface{}{"timestamp": ts, "retry_count": retryCount, "error": msg})
	} else {
		logging.Info("Mutation rescheduled",
			map[string]interface{}{"timestamp": ts, "retry_count": retryCount, "next_retry_at": nextRetryAt})
	}
	return permanent, nil
}

// RemapTaskIDTx points every entry for task from at task to, rewriting the
// snapshot id as well, and returns the number of entries touched.
func (q *Queue) RemapTaskIDTx(ctx context.Context, tx *sql.Tx, from, to int64) (int64, error) {
	res, err := tx.ExecContext(ctx,
		"UPDATE mutations SET task_id = ?, payload = json_set(payload, '$.id', ?) WHERE task_id = ?",
		to, to, from)
	if err != nil {
		return 0, apperrors.Storage(fmt.Sprintf("remap queued task %d", from), err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// QueuedDeletesTx returns the task ids with a pending or failed delete entry.
func (q *Queue) QueuedDeletesTx(ctx context.Context, tx *sql.Tx) (map[int64]bool, error) {
	rows, err := tx.QueryContext(ctx, "SELECT DISTINCT task_id FROM mutations WHERE action = ?", string(models.ActionDelete))
	if err != nil {
		return nil, apperrors.Storage("list queued deletes", err)
	}
	defer rows.Close()

	ids := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.Storage("scan queued delete", err)
		}
		ids[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Storage("list queued deletes", err)
	}
	return ids, nil
}

// RetryFailed resets every failed entry to pending and due now.
func (q *Queue) RetryFailed(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, `UPDATE mutations
		SET status = ?, retry_count = 0, next_retry_at = 0, last_error = NULL
		WHERE status = ?`, string(models.MutationPending), string(models.MutationFailed))
	if err != nil {
		return 0, apperrors.Storage("retry failed mutations", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Info("Reset failed mutations for retry", map[string]interface{}{"count": n})
	}
	return n, nil
}

// Stats returns queue statistics.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := q.db.QueryRowContext(ctx, `SELECT
		COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
		COUNT(*)
		FROM mutations`).Scan(&s.Pending, &s.Failed, &s.Total)
	if err != nil {
		return Stats{}, apperrors.Storage("queue stats", err)
	}
	return s, nil
}

// CalculateBackoff returns base·2^(retryCount-1), capped at max.
func CalculateBackoff(retryCount int, base, max time.Duration) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	backoff := base
	for i := 1; i < retryCount; i++ {
		backoff *= 2
		if backoff >= max {
			return max
		}
	}
	if backoff > max {
		return max
	}
	return backoff
}

const mutationColumns = `timestamp, action, task_id, owner_id, payload, idempotency_key,
	status, retry_count, max_retries, next_retry_at, last_error`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMutation(s scanner) (*models.Mutation, error) {
	var (
		m       models.Mutation
		action  string
		status  string
		payload string
		lastErr sql.NullString
	)
	if err := s.Scan(&m.Timestamp, &action, &m.TaskID, &m.OwnerID, &payload, &m.IdempotencyKey,
		&status, &m.RetryCount, &m.MaxRetries, &m.NextRetryAt, &lastErr); err != nil {
		return nil, err
	}
	m.Action = models.Action(action)
	m.Status = models.MutationStatus(status)
	m.Payload = []byte(payload)
	m.LastError = lastErr.String
	return &m, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
