// Package conflict decides between a pending local task write and the remote
// copy of the same task during an authoritative reload.
package conflict

import (
	"time"

	"github.com/kimhsiao/tasksync/internal/logging"
	"github.com/kimhsiao/tasksync/internal/models"
)

// ResolutionStrategy defines how conflicts are resolved.
type ResolutionStrategy string

const (
	ResolutionStrategyLastWriteWins ResolutionStrategy = "last_write_wins"
	ResolutionStrategyRemoteWins    ResolutionStrategy = "remote_wins"
)

// Resolution names the side that won.
type Resolution string

const (
	ResolutionLocalWins  Resolution = "local_wins"
	ResolutionRemoteWins Resolution = "remote_wins"
)

// Resolver handles conflict resolution during reload.
type Resolver struct {
	strategy ResolutionStrategy
}

// NewResolver creates a new Resolver with the specified strategy.
func NewResolver(strategy ResolutionStrategy) *Resolver {
	return &Resolver{
		strategy: strategy,
	}
}

// Strategy returns the configured strategy.
func (r *Resolver) Strategy() ResolutionStrategy {
	return r.strategy
}

// Conflict is a task that changed locally without confirmation while the
// remote store holds a different version of it.
type Conflict struct {
	TaskID     int64
	Local      *models.Task
	Remote     *models.Task
	DetectedAt int64
}

// ResolveResult represents the outcome of conflict resolution.
type ResolveResult struct {
	Winner     *models.Task
	Loser      *models.Task
	Resolution Resolution
	Strategy   ResolutionStrategy
}

// DetectConflict reports a conflict when the local row carries an
// unconfirmed write whose content differs from the remote row.
func (r *Resolver) DetectConflict(local, remote *models.Task) (*Conflict, bool) {
	if local == nil || remote == nil {
		return nil, false
	}
	if local.ID != remote.ID || local.Synced {
		return nil, false
	}
	if sameContent(local, remote) {
		return nil, false
	}

	logging.Debug("Pending local write conflicts with remote copy",
		map[string]interface{}{
			"task_id":        local.ID,
			"local_modified": local.LastModified,
			"remote_created": remote.CreatedAt,
		})

	return &Conflict{
		TaskID:     local.ID,
		Local:      local,
		Remote:     remote,
		DetectedAt: time.Now().UnixMilli(),
	}, true
}

// Resolve resolves a conflict using the configured strategy.
func (r *Resolver) Resolve(c *Conflict) (*ResolveResult, error) {
	if c == nil || c.Local == nil || c.Remote == nil {
		return nil, ErrInvalidConflict
	}
	if c.Local.ID != c.Remote.ID {
		return nil, ErrTaskIDMismatch
	}

	result := &ResolveResult{Strategy: r.strategy}
	switch {
	case r.strategy == ResolutionStrategyRemoteWins:
		result.Winner, result.Loser, result.Resolution = c.Remote, c.Local, ResolutionRemoteWins
	case c.Local.LastModified >= c.Remote.LastModified:
		// The remote store does not stamp modifications, so its copy is only
		// as new as the last confirmed write; an unconfirmed local one is newer.
		result.Winner, result.Loser, result.Resolution = c.Local, c.Remote, ResolutionLocalWins
	default:
		result.Winner, result.Loser, result.Resolution = c.Remote, c.Local, ResolutionRemoteWins
	}

	logging.Info("Task conflict resolved",
		map[string]interface{}{
			"task_id":         c.TaskID,
			"resolution":      result.Resolution,
			"strategy":        r.strategy,
			"local_modified":  c.Local.LastModified,
			"remote_modified": c.Remote.LastModified,
		})

	return result, nil
}

func sameContent(a, b *models.Task) bool {
	return a.Title == b.Title && a.Description == b.Description && a.Completed == b.Completed
}

// Errors
var (
	ErrInvalidConflict = &ConflictError{Message: "invalid conflict: both tasks must be non-nil"}
	ErrTaskIDMismatch  = &ConflictError{Message: "task ID mismatch"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
