package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/kimhsiao/tasksync/internal/models"
)

// TaskInput is the body of task create and update calls.
type TaskInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Completed   *bool  `json:"completed,omitempty"`
}

// wireTask is a task row as the remote store serializes it: completed may
// be 0/1 and created_at a SQLite DATETIME string.
type wireTask struct {
	ID          int64    `json:"id"`
	UserID      int64    `json:"user_id"`
	Title       string   `json:"title"`
	Description *string  `json:"description"`
	Completed   flexBool `json:"completed"`
	CreatedAt   flexTime `json:"created_at"`
}

func (w *wireTask) toModel() *models.Task {
	t := &models.Task{
		ID:        w.ID,
		OwnerID:   w.UserID,
		Title:     w.Title,
		Completed: bool(w.Completed),
		CreatedAt: int64(w.CreatedAt),
		Synced:    true,
	}
	if w.Description != nil {
		t.Description = *w.Description
	}
	return t
}

type envelope struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	TaskID  int64           `json:"taskId"`
	Token   string          `json:"token"`
	UserID  int64           `json:"userId"`
}

type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	switch string(bytes.TrimSpace(data)) {
	case "true", "1", `"1"`, `"true"`:
		*b = true
	case "false", "0", `"0"`, `"false"`, "null":
		*b = false
	default:
		return fmt.Errorf("cannot decode %s as completed flag", data)
	}
	return nil
}

// flexTime holds unix milliseconds.
type flexTime int64

var timeLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
}

func (ft *flexTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if string(data) == "null" {
		*ft = 0
		return nil
	}
	if len(data) > 0 && data[0] != '"' {
		ms, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("cannot decode %s as created_at", data)
		}
		*ft = flexTime(ms)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			*ft = flexTime(t.UnixMilli())
			return nil
		}
	}
	return fmt.Errorf("cannot decode %q as created_at", s)
}
