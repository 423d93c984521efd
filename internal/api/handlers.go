// Package api serves the local HTTP bridge the task UI talks to.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/kimhsiao/tasksync/internal/credential"
	"github.com/kimhsiao/tasksync/internal/db"
	apperrors "github.com/kimhsiao/tasksync/internal/errors"
	"github.com/kimhsiao/tasksync/internal/logging"
	"github.com/kimhsiao/tasksync/internal/models"
	"github.com/kimhsiao/tasksync/internal/remote"
	"github.com/kimhsiao/tasksync/internal/services"
	syncpkg "github.com/kimhsiao/tasksync/internal/sync"
	"github.com/kimhsiao/tasksync/internal/telemetry"
)

// TaskService is the application surface behind the bridge.
type TaskService interface {
	Add(ctx context.Context, title, description string) (*models.Task, error)
	List(ctx context.Context, filter models.Filter) ([]*models.Task, error)
	Toggle(ctx context.Context, id int64) (*models.Task, error)
	Edit(ctx context.Context, id int64, title, description string) (*models.Task, error)
	Delete(ctx context.Context, id int64) error
	Sync(ctx context.Context) (*syncpkg.DrainResult, error)
	Refresh(ctx context.Context) (db.ReloadStats, error)
	Status(ctx context.Context) (*services.SyncState, error)
	PendingMutations(ctx context.Context) ([]*models.Mutation, error)
	RetryFailed(ctx context.Context) (int64, error)
	ClearQueue(ctx context.Context) (int64, error)
	Register(ctx context.Context, username, password string) (int64, error)
	Login(ctx context.Context, username, password string) (*credential.Claims, error)
	Logout(ctx context.Context) error
}

// MetricsSource reports local sync counters.
type MetricsSource interface {
	Snapshot() telemetry.Snapshot
}

// Handler handles task, sync and account requests.
type Handler struct {
	svc     TaskService
	metrics MetricsSource
}

// NewHandler creates a Handler.
func NewHandler(svc TaskService) *Handler {
	return &Handler{svc: svc}
}

// WithMetrics enables GET /api/sync/metrics.
func (h *Handler) WithMetrics(m MetricsSource) *Handler {
	h.metrics = m
	return h
}

type taskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// =====================================================
// Tasks
// =====================================================

// ListTasks handles GET /api/tasks?status=all|completed|pending
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	filter, err := models.ParseFilter(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "status filter", err))
		return
	}
	tasks, err := h.svc.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": tasks})
}

// CreateTask handles POST /api/tasks
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if !decode(w, r, &req) {
		return
	}
	task, err := h.svc.Add(r.Context(), req.Title, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"data": task})
}

// UpdateTask handles PUT /api/tasks/{id}
func (h *Handler) UpdateTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	var req taskRequest
	if !decode(w, r, &req) {
		return
	}
	task, err := h.svc.Edit(r.Context(), id, req.Title, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": task})
}

// ToggleTask handles POST /api/tasks/{id}/toggle
func (h *Handler) ToggleTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	task, err := h.svc.Toggle(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": task})
}

// DeleteTask handles DELETE /api/tasks/{id}
func (h *Handler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	if err := h.svc.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"message": "deleted"})
}

// =====================================================
// Sync
// =====================================================

// Sync handles POST /api/sync
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.Sync(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Refresh handles POST /api/sync/refresh
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Refresh(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Status handles GET /api/sync/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	state, err := h.svc.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// Queue handles GET /api/sync/queue
func (h *Handler) Queue(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.PendingMutations(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*models.Mutation{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": list})
}

// Retry handles POST /api/sync/retry
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.RetryFailed(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"requeued": n})
}

// ClearQueue handles DELETE /api/sync/queue
func (h *Handler) ClearQueue(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.ClearQueue(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"discarded": n})
}

// Metrics handles GET /api/sync/metrics
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.metrics.Snapshot())
}

// =====================================================
// Accounts
// =====================================================

// Register handles POST /api/register
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := h.svc.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"userId": id})
}

// Login handles POST /api/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decode(w, r, &req) {
		return
	}
	claims, err := h.svc.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"userId": claims.UserID, "username": claims.Username})
}

// Logout handles POST /api/logout
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Logout(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"message": "logged out"})
}

// =====================================================
// Helpers
// =====================================================

func taskID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "task id must be a positive integer"))
		return 0, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("Failed to encode response", err)
	}
}

// ErrorBody is the JSON shape of a failed request.
type ErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := statusFor(err, code)
	if status >= 500 {
		logging.ErrorWithCode("Request failed", string(code), err)
	}
	var body ErrorBody
	body.Error.Code = string(code)
	body.Error.Message = err.Error()
	writeJSON(w, status, body)
}

func statusFor(err error, code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrInvalid, apperrors.ErrValidation:
		return http.StatusBadRequest
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrCredentialMissing:
		return http.StatusUnauthorized
	case apperrors.ErrConnectivity:
		return http.StatusServiceUnavailable
	case apperrors.ErrRemoteRejection:
		if s := remote.StatusCode(err); s >= 400 && s < 500 {
			return s
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
