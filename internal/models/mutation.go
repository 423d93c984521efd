package models

import (
	"encoding/json"
	"fmt"
)

// Action is the kind of local write a queued mutation replays.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// MutationStatus tracks a queue entry through retries.
type MutationStatus string

const (
	MutationPending MutationStatus = "pending"
	MutationFailed  MutationStatus = "failed"
)

// Mutation is a queued local write awaiting replay against the remote store.
// Timestamp is the queue key and defines replay order.
type Mutation struct {
	Timestamp      int64           `db:"timestamp" json:"timestamp"`
	Action         Action          `db:"action" json:"action"`
	TaskID         int64           `db:"task_id" json:"task_id"`
	OwnerID        int64           `db:"owner_id" json:"owner_id"`
	Payload        json.RawMessage `db:"payload" json:"payload"`
	IdempotencyKey string          `db:"idempotency_key" json:"idempotency_key"`
	Status         MutationStatus  `db:"status" json:"status"`
	RetryCount     int             `db:"retry_count" json:"retry_count"`
	MaxRetries     int             `db:"max_retries" json:"max_retries"`
	NextRetryAt    int64           `db:"next_retry_at" json:"next_retry_at"`
	LastError      string          `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for Mutation.
func (Mutation) TableName() string {
	return "mutations"
}

// DeletePayload is the payload of a delete mutation.
type DeletePayload struct {
	ID int64 `json:"id"`
}

// NewTaskMutation builds a create or update entry carrying a full snapshot.
func NewTaskMutation(ts int64, action Action, task *Task) (*Mutation, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("encode task snapshot: %w", err)
	}
	return &Mutation{
		Timestamp: ts,
		Action:    action,
		TaskID:    task.ID,
		OwnerID:   task.OwnerID,
		Payload:   payload,
		Status:    MutationPending,
	}, nil
}

// NewDeleteMutation builds a delete entry for a task of ownerID.
func NewDeleteMutation(ts, taskID, ownerID int64) *Mutation {
	payload, _ := json.Marshal(DeletePayload{ID: taskID})
	return &Mutation{
		Timestamp: ts,
		Action:    ActionDelete,
		TaskID:    taskID,
		OwnerID:   ownerID,
		Payload:   payload,
		Status:    MutationPending,
	}
}

// OwnedBy reports whether the entry may be replayed under userID's
// credential. Entries queued before owners were recorded match anyone.
func (m *Mutation) OwnedBy(userID int64) bool {
	return m.OwnerID == 0 || m.OwnerID == userID
}

// Task decodes the snapshot of a create or update entry.
func (m *Mutation) Task() (*Task, error) {
	if m.Action == ActionDelete {
		return nil, fmt.Errorf("delete mutation %d carries no task snapshot", m.Timestamp)
	}
	var t Task
	if err := json.Unmarshal(m.Payload, &t); err != nil {
		return nil, fmt.Errorf("decode task snapshot: %w", err)
	}
	return &t, nil
}
