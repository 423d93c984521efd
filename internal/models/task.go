// Package models provides data model definitions for tasksync.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Task is one entry of a user's task list as held on this device.
// ID is a local placeholder until the remote store assigns the real one.
type Task struct {
	ID           int64  `db:"id" json:"id"`
	OwnerID      int64  `db:"owner_id" json:"owner_id"`
	Title        string `db:"title" json:"title"`
	Description  string `db:"description" json:"description,omitempty"`
	Completed    bool   `db:"completed" json:"completed"`
	CreatedAt    int64  `db:"created_at" json:"created_at"`
	Synced       bool   `db:"synced" json:"synced"`
	LastModified int64  `db:"last_modified" json:"last_modified"`
}

// TableName returns the table name for Task.
func (Task) TableName() string {
	return "tasks"
}

// Validate checks the fields a local write needs.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.Title) == "" {
		return fmt.Errorf("title must not be empty")
	}
	return nil
}

// Normalize trims the free-text fields in place.
func (t *Task) Normalize() {
	t.Title = strings.TrimSpace(t.Title)
	t.Description = strings.TrimSpace(t.Description)
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (t *Task) CreatedAtTime() time.Time {
	return time.UnixMilli(t.CreatedAt)
}

// LastModifiedTime returns the LastModified as time.Time.
func (t *Task) LastModifiedTime() time.Time {
	return time.UnixMilli(t.LastModified)
}

// Filter selects tasks by completion state.
type Filter string

const (
	FilterAll       Filter = "all"
	FilterCompleted Filter = "completed"
	FilterPending   Filter = "pending"
)

// ParseFilter maps a query value to a Filter. Empty means all.
func ParseFilter(s string) (Filter, error) {
	switch Filter(strings.ToLower(strings.TrimSpace(s))) {
	case FilterAll, "":
		return FilterAll, nil
	case FilterCompleted:
		return FilterCompleted, nil
	case FilterPending:
		return FilterPending, nil
	}
	return FilterAll, fmt.Errorf("unknown filter %q", s)
}

// Match reports whether t passes the filter.
func (f Filter) Match(t *Task) bool {
	switch f {
	case FilterCompleted:
		return t.Completed
	case FilterPending:
		return !t.Completed
	default:
		return true
	}
}
