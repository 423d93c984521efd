// Package services provides the task operations the UI layer calls.
package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kimhsiao/tasksync/internal/credential"
	"github.com/kimhsiao/tasksync/internal/db"
	apperrors "github.com/kimhsiao/tasksync/internal/errors"
	"github.com/kimhsiao/tasksync/internal/logging"
	"github.com/kimhsiao/tasksync/internal/models"
	syncpkg "github.com/kimhsiao/tasksync/internal/sync"
	"github.com/kimhsiao/tasksync/internal/sync/queue"
	"github.com/kimhsiao/tasksync/internal/sync/scheduler"
)

// Credentials is the token store the service signs users in and out with.
type Credentials interface {
	Save(ctx context.Context, token string) error
	Clear(ctx context.Context) error
	Claims(ctx context.Context) (*credential.Claims, error)
	Identity(ctx context.Context) (*credential.Claims, error)
}

// Accounts is the remote account API.
type Accounts interface {
	Login(ctx context.Context, username, password string) (string, error)
	Register(ctx context.Context, username, password string) (int64, error)
}

// QueueAdmin exposes queue inspection, manual retry and reset.
type QueueAdmin interface {
	ListAll(ctx context.Context) ([]*models.Mutation, error)
	RetryFailed(ctx context.Context) (int64, error)
	Clear(ctx context.Context) (int64, error)
}

// Scheduler runs drain passes for the service.
type Scheduler interface {
	TriggerSync(ctx context.Context) bool
	SyncNow(ctx context.Context) (*syncpkg.DrainResult, error)
	GetStatus(ctx context.Context) (scheduler.SchedulerStatus, error)
	Wait()
}

// ServiceConfig holds configuration for the task service.
type ServiceConfig struct {
	// Drain in the background after every local write while online.
	SyncOnWrite bool
}

// DefaultServiceConfig returns sensible defaults.
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{SyncOnWrite: true}
}

// SyncState is the sync summary shown to the user.
type SyncState struct {
	Online           bool                  `json:"online"`
	LoggedIn         bool                  `json:"logged_in"`
	Username         string                `json:"username,omitempty"`
	Status           syncpkg.SyncStatus    `json:"status"`
	LastSync         *time.Time            `json:"last_sync,omitempty"`
	LastError        string                `json:"last_error,omitempty"`
	Queue            queue.Stats           `json:"queue"`
	SchedulerRunning bool                  `json:"scheduler_running"`
	SyncInProgress   bool                  `json:"sync_in_progress"`
	LastResult       *syncpkg.DrainResult  `json:"last_result,omitempty"`
	RecentFailures   []syncpkg.ItemFailure `json:"recent_failures,omitempty"`
}

// TaskService coordinates the local store, the credential store and the
// sync engine.
type TaskService struct {
	tasks    db.TaskRepository
	engine   syncpkg.SyncEngineInterface
	sched    Scheduler
	creds    Credentials
	accounts Accounts
	queue    QueueAdmin
	conn     syncpkg.ConnectivityState
	config   *ServiceConfig
}

// NewTaskService creates a TaskService.
func NewTaskService(
	tasks db.TaskRepository,
	engine syncpkg.SyncEngineInterface,
	sched Scheduler,
	creds Credentials,
	accounts Accounts,
	q QueueAdmin,
	conn syncpkg.ConnectivityState,
	config *ServiceConfig,
) *TaskService {
	if config == nil {
		config = DefaultServiceConfig()
	}
	return &TaskService{
		tasks:    tasks,
		engine:   engine,
		sched:    sched,
		creds:    creds,
		accounts: accounts,
		queue:    q,
		conn:     conn,
		config:   config,
	}
}

// =====================================================
// Tasks
// =====================================================

// Add creates a task for the signed-in user.
func (s *TaskService) Add(ctx context.Context, title, description string) (*models.Task, error) {
	owner, err := s.owner(ctx)
	if err != nil {
		return nil, err
	}
	task := &models.Task{OwnerID: owner, Title: title, Description: description}
	if _, err := s.tasks.Add(ctx, task); err != nil {
		return nil, err
	}
	s.afterWrite()
	return task, nil
}

// List returns the signed-in user's tasks passing filter.
func (s *TaskService) List(ctx context.Context, filter models.Filter) ([]*models.Task, error) {
	owner, err := s.owner(ctx)
	if err != nil {
		return nil, err
	}
	return s.tasks.ListByOwnerFiltered(ctx, owner, filter)
}

// Toggle flips the completion state of task id.
func (s *TaskService) Toggle(ctx context.Context, id int64) (*models.Task, error) {
	task, err := s.owned(ctx, id)
	if err != nil {
		return nil, err
	}
	task.Completed = !task.Completed
	if err := s.tasks.Update(ctx, task); err != nil {
		return nil, err
	}
	s.afterWrite()
	return task, nil
}

// Edit replaces the title and description of task id.
func (s *TaskService) Edit(ctx context.Context, id int64, title, description string) (*models.Task, error) {
	task, err := s.owned(ctx, id)
	if err != nil {
		return nil, err
	}
	task.Title = title
	task.Description = description
	if err := s.tasks.Update(ctx, task); err != nil {
		return nil, err
	}
	s.afterWrite()
	return task, nil
}

// Delete removes task id.
func (s *TaskService) Delete(ctx context.Context, id int64) error {
	if _, err := s.owned(ctx, id); err != nil {
		return err
	}
	if err := s.tasks.Delete(ctx, id); err != nil {
		return err
	}
	s.afterWrite()
	return nil
}

// =====================================================
// Sync
// =====================================================

// Sync runs a drain pass now and waits for it.
func (s *TaskService) Sync(ctx context.Context) (*syncpkg.DrainResult, error) {
	return s.sched.SyncNow(ctx)
}

// Refresh reloads the task list from the remote store.
func (s *TaskService) Refresh(ctx context.Context) (db.ReloadStats, error) {
	if !s.online() {
		return db.ReloadStats{}, apperrors.New(apperrors.ErrConnectivity, "remote store unreachable")
	}
	return s.engine.Reload(ctx)
}

// Status summarizes connectivity, identity, scheduler and queue state.
func (s *TaskService) Status(ctx context.Context) (*SyncState, error) {
	st, err := s.sched.GetStatus(ctx)
	if err != nil {
		return nil, err
	}
	state := &SyncState{
		Online:           st.IsOnline,
		Status:           st.EngineStatus,
		LastSync:         s.engine.LastSync(),
		Queue:            st.Queue,
		SchedulerRunning: st.IsRunning,
		SyncInProgress:   st.SyncInProgress,
		LastResult:       st.LastResult,
	}
	if lastErr := s.engine.LastError(); lastErr != nil {
		state.LastError = lastErr.Error()
	}
	if claims, err := s.creds.Claims(ctx); err == nil {
		state.LoggedIn = true
		state.Username = claims.Username
	}
	state.RecentFailures = s.engine.RecentFailures()
	return state, nil
}

// PendingMutations lists the queue.
func (s *TaskService) PendingMutations(ctx context.Context) ([]*models.Mutation, error) {
	return s.queue.ListAll(ctx)
}

// RetryFailed requeues permanently failed mutations and drains.
func (s *TaskService) RetryFailed(ctx context.Context) (int64, error) {
	n, err := s.queue.RetryFailed(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.afterWrite()
	}
	return n, nil
}

// ClearQueue discards every queued mutation, replayed or not. Local tasks
// are kept but their unsent changes never reach the remote store.
func (s *TaskService) ClearQueue(ctx context.Context) (int64, error) {
	n, err := s.queue.Clear(ctx)
	if err != nil {
		return 0, err
	}
	logging.Warn("Queued mutations discarded", map[string]interface{}{"count": n})
	return n, nil
}

// =====================================================
// Accounts
// =====================================================

// Register creates a remote account.
func (s *TaskService) Register(ctx context.Context, username, password string) (int64, error) {
	if err := validateCredentials(username, password); err != nil {
		return 0, err
	}
	return s.accounts.Register(ctx, strings.TrimSpace(username), password)
}

// Login signs in, stores the token and drains anything queued.
func (s *TaskService) Login(ctx context.Context, username, password string) (*credential.Claims, error) {
	if err := validateCredentials(username, password); err != nil {
		return nil, err
	}
	token, err := s.accounts.Login(ctx, strings.TrimSpace(username), password)
	if err != nil {
		return nil, err
	}
	if err := s.creds.Save(ctx, token); err != nil {
		return nil, err
	}
	claims, err := s.creds.Claims(ctx)
	if err != nil {
		return nil, err
	}
	logging.Info("Signed in", map[string]interface{}{"user_id": claims.UserID, "username": claims.Username})
	s.afterWrite()
	return claims, nil
}

// Logout forgets the stored token. Local tasks and queued mutations stay;
// the mutations replay once their owner signs in again.
func (s *TaskService) Logout(ctx context.Context) error {
	if err := s.creds.Clear(ctx); err != nil {
		return err
	}
	logging.Info("Signed out")
	return nil
}

// Wait blocks until background drains started by writes finish.
func (s *TaskService) Wait() {
	s.sched.Wait()
}

// =====================================================
// Helpers
// =====================================================

func (s *TaskService) owner(ctx context.Context) (int64, error) {
	claims, err := s.creds.Identity(ctx)
	if err != nil {
		return 0, err
	}
	return claims.UserID, nil
}

func (s *TaskService) owned(ctx context.Context, id int64) (*models.Task, error) {
	owner, err := s.owner(ctx)
	if err != nil {
		return nil, err
	}
	task, err := s.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.OwnerID != owner {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("task %d not found", id))
	}
	return task, nil
}

func (s *TaskService) online() bool {
	return s.conn == nil || s.conn.IsOnline()
}

// afterWrite starts a background drain when online.
func (s *TaskService) afterWrite() {
	if !s.config.SyncOnWrite || !s.online() {
		return
	}
	if !s.sched.TriggerSync(context.Background()) {
		logging.Debug("Drain already running, write left for the next pass")
	}
}

func validateCredentials(username, password string) error {
	if strings.TrimSpace(username) == "" || password == "" {
		return apperrors.New(apperrors.ErrValidation, "username and password are required")
	}
	return nil
}
