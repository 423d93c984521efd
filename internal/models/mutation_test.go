package models

import (
	"encoding/json"
	"testing"
)

// =====================================================
// Mutation Tests
// =====================================================

// TestAction_Valid verifies the known action set.
func TestAction_Valid(t *testing.T) {
	for _, a := range []Action{ActionCreate, ActionUpdate, ActionDelete} {
		if !a.Valid() {
			t.Errorf("%q should be valid", a)
		}
	}
	if Action("patch").Valid() {
		t.Error("'patch' should not be valid")
	}
}

// TestNewTaskMutation verifies the snapshot payload.
func TestNewTaskMutation(t *testing.T) {
	task := &Task{ID: 1700000000000, OwnerID: 7, Title: "Buy milk", LastModified: 1700000000000}

	m, err := NewTaskMutation(1700000000000, ActionCreate, task)
	if err != nil {
		t.Fatalf("NewTaskMutation() error = %v", err)
	}
	if m.TaskID != task.ID || m.OwnerID != 7 {
		t.Errorf("TaskID, OwnerID = %d, %d; want %d, 7", m.TaskID, m.OwnerID, task.ID)
	}
	if m.Status != MutationPending {
		t.Errorf("Status = %q, want pending", m.Status)
	}

	snapshot, err := m.Task()
	if err != nil {
		t.Fatalf("Task() error = %v", err)
	}
	if snapshot.Title != "Buy milk" || snapshot.OwnerID != 7 || snapshot.LastModified != task.LastModified {
		t.Errorf("snapshot = %+v", snapshot)
	}
}

// TestNewDeleteMutation verifies the {"id":N} payload.
func TestNewDeleteMutation(t *testing.T) {
	m := NewDeleteMutation(5, 42, 7)

	var p DeletePayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if p.ID != 42 {
		t.Errorf("payload id = %d, want 42", p.ID)
	}
	if string(m.Payload) != `{"id":42}` {
		t.Errorf("payload = %s", m.Payload)
	}
	if _, err := m.Task(); err == nil {
		t.Error("Task() on a delete entry should fail")
	}
	if m.OwnerID != 7 {
		t.Errorf("OwnerID = %d, want 7", m.OwnerID)
	}
}

// TestMutation_OwnedBy verifies entries replay only under their owner.
func TestMutation_OwnedBy(t *testing.T) {
	tests := []struct {
		owner, user int64
		want        bool
	}{
		{7, 7, true},
		{7, 8, false},
		{0, 8, true},
	}
	for _, tt := range tests {
		m := &Mutation{OwnerID: tt.owner}
		if got := m.OwnedBy(tt.user); got != tt.want {
			t.Errorf("OwnedBy(%d) with owner %d = %v, want %v", tt.user, tt.owner, got, tt.want)
		}
	}
}

// TestMutation_Task_corrupt verifies undecodable payloads surface an error.
func TestMutation_Task_corrupt(t *testing.T) {
	m := &Mutation{Action: ActionUpdate, Payload: json.RawMessage(`{"id":`)}
	if _, err := m.Task(); err == nil {
		t.Error("Task() should fail on a truncated payload")
	}
}
