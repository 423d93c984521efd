// Package models tests for data model definitions.
package models

import (
	"testing"
	"time"
)

// =====================================================
// Task Tests
// =====================================================

// TestTask_TableName verifies the table name.
func TestTask_TableName(t *testing.T) {
	if got := (Task{}).TableName(); got != "tasks" {
		t.Errorf("TableName() = %q, want 'tasks'", got)
	}
}

// TestTask_Validate verifies title validation.
func TestTask_Validate(t *testing.T) {
	tests := []struct {
		name    string
		title   string
		wantErr bool
	}{
		{"plain title", "Buy milk", false},
		{"padded title", "  Buy milk  ", false},
		{"empty title", "", true},
		{"whitespace only", " \t\n", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := &Task{Title: tt.title}
			if err := task.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestTask_Normalize verifies trimming of free text.
func TestTask_Normalize(t *testing.T) {
	task := &Task{Title: "  Buy milk ", Description: " 2 litres\n"}
	task.Normalize()

	if task.Title != "Buy milk" {
		t.Errorf("Title = %q", task.Title)
	}
	if task.Description != "2 litres" {
		t.Errorf("Description = %q", task.Description)
	}
}

// TestTask_timeHelpers verifies millisecond conversion.
func TestTask_timeHelpers(t *testing.T) {
	task := &Task{CreatedAt: 1700000000123, LastModified: 1700000000456}

	if got := task.CreatedAtTime(); !got.Equal(time.UnixMilli(1700000000123)) {
		t.Errorf("CreatedAtTime() = %v", got)
	}
	if got := task.LastModifiedTime().UnixMilli(); got != 1700000000456 {
		t.Errorf("LastModifiedTime() = %d", got)
	}
}

// =====================================================
// Filter Tests
// =====================================================

// TestParseFilter verifies filter parsing.
func TestParseFilter(t *testing.T) {
	tests := []struct {
		in      string
		want    Filter
		wantErr bool
	}{
		{"", FilterAll, false},
		{"all", FilterAll, false},
		{"Completed", FilterCompleted, false},
		{"pending", FilterPending, false},
		{"done", FilterAll, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFilter(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFilter(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseFilter(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

// TestFilter_Match verifies each filter partitions tasks by completion.
func TestFilter_Match(t *testing.T) {
	done := &Task{Completed: true}
	open := &Task{Completed: false}

	tests := []struct {
		filter   Filter
		wantDone bool
		wantOpen bool
	}{
		{FilterAll, true, true},
		{FilterCompleted, true, false},
		{FilterPending, false, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.filter), func(t *testing.T) {
			if got := tt.filter.Match(done); got != tt.wantDone {
				t.Errorf("Match(completed) = %v, want %v", got, tt.wantDone)
			}
			if got := tt.filter.Match(open); got != tt.wantOpen {
				t.Errorf("Match(pending) = %v, want %v", got, tt.wantOpen)
			}
		})
	}
}
