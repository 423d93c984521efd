package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/tasksync/internal/credential"
	"github.com/kimhsiao/tasksync/internal/db"
	apperrors "github.com/kimhsiao/tasksync/internal/errors"
	"github.com/kimhsiao/tasksync/internal/models"
	"github.com/kimhsiao/tasksync/internal/remote"
	"github.com/kimhsiao/tasksync/internal/services"
	syncpkg "github.com/kimhsiao/tasksync/internal/sync"
)

type fakeService struct {
	tasks     []*models.Task
	lastTitle string
	lastDesc  string
	filter    models.Filter
	err       error
	loggedOut bool
}

func (f *fakeService) Add(_ context.Context, title, description string) (*models.Task, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.lastTitle, f.lastDesc = title, description
	return &models.Task{ID: 100, OwnerID: 1, Title: title, Description: description}, nil
}

func (f *fakeService) List(_ context.Context, filter models.Filter) ([]*models.Task, error) {
	f.filter = filter
	return f.tasks, f.err
}

func (f *fakeService) Toggle(_ context.Context, id int64) (*models.Task, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.Task{ID: id, Completed: true}, nil
}

func (f *fakeService) Edit(_ context.Context, id int64, title, description string) (*models.Task, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.Task{ID: id, Title: title, Description: description}, nil
}

func (f *fakeService) Delete(_ context.Context, id int64) error { return f.err }

func (f *fakeService) Sync(context.Context) (*syncpkg.DrainResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &syncpkg.DrainResult{Applied: 2}, nil
}

func (f *fakeService) Refresh(context.Context) (db.ReloadStats, error) {
	return db.ReloadStats{}, f.err
}

func (f *fakeService) Status(context.Context) (*services.SyncState, error) {
	return &services.SyncState{Online: true, LoggedIn: true, Username: "alice"}, f.err
}

func (f *fakeService) PendingMutations(context.Context) ([]*models.Mutation, error) {
	return nil, f.err
}

func (f *fakeService) RetryFailed(context.Context) (int64, error) { return 3, f.err }

func (f *fakeService) ClearQueue(context.Context) (int64, error) { return 4, f.err }

func (f *fakeService) Register(_ context.Context, username, _ string) (int64, error) {
	return 9, f.err
}

func (f *fakeService) Login(_ context.Context, username, _ string) (*credential.Claims, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &credential.Claims{UserID: 9, Username: username}, nil
}

func (f *fakeService) Logout(context.Context) error {
	f.loggedOut = true
	return f.err
}

func serve(t *testing.T, svc TaskService, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	NewRouter(NewHandler(svc), nil, nil).ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHandler_Health(t *testing.T) {
	rec := serve(t, &fakeService{}, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestHandler_ListTasks(t *testing.T) {
	svc := &fakeService{tasks: []*models.Task{{ID: 1, Title: "Buy milk"}}}

	rec := serve(t, svc, http.MethodGet, "/api/tasks?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.FilterPending, svc.filter)
	data := decodeBody(t, rec)["data"].([]interface{})
	require.Len(t, data, 1)
	assert.Equal(t, "Buy milk", data[0].(map[string]interface{})["title"])
}

func TestHandler_ListTasks_badFilter(t *testing.T) {
	rec := serve(t, &fakeService{}, http.MethodGet, "/api/tasks?status=later", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_CreateTask(t *testing.T) {
	svc := &fakeService{}
	rec := serve(t, svc, http.MethodPost, "/api/tasks", map[string]string{"title": "Buy milk", "description": "2 liters"})

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "Buy milk", svc.lastTitle)
	assert.Equal(t, "2 liters", svc.lastDesc)
}

func TestHandler_CreateTask_malformedBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	NewRouter(NewHandler(&fakeService{}), nil, nil).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(apperrors.ErrInvalid), body.Error.Code)
}

func TestHandler_taskRoutes(t *testing.T) {
	svc := &fakeService{}

	rec := serve(t, svc, http.MethodPut, "/api/tasks/5", map[string]string{"title": "new"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, svc, http.MethodPost, "/api/tasks/5/toggle", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["data"].(map[string]interface{})["completed"])

	rec = serve(t, svc, http.MethodDelete, "/api/tasks/5", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, svc, http.MethodDelete, "/api/tasks/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_errorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", apperrors.New(apperrors.ErrValidation, "title must not be empty"), http.StatusBadRequest},
		{"not found", apperrors.New(apperrors.ErrNotFound, "task 5"), http.StatusNotFound},
		{"credential", apperrors.New(apperrors.ErrCredentialMissing, "not logged in"), http.StatusUnauthorized},
		{"offline", apperrors.New(apperrors.ErrConnectivity, "offline"), http.StatusServiceUnavailable},
		{"storage", apperrors.Storage("write", assert.AnError), http.StatusInternalServerError},
		{"plain", assert.AnError, http.StatusInternalServerError},
		{"remote 409", apperrors.Wrap(apperrors.ErrRemoteRejection, "register",
			&remote.StatusError{Method: http.MethodPost, Path: "/register", StatusCode: http.StatusConflict}), http.StatusConflict},
		{"remote 500", apperrors.Wrap(apperrors.ErrRemoteRejection, "create",
			&remote.StatusError{Method: http.MethodPost, Path: "/tasks", StatusCode: http.StatusInternalServerError}), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, &fakeService{err: tt.err}, http.MethodPost, "/api/tasks", map[string]string{"title": "x"})
			assert.Equal(t, tt.want, rec.Code)
			var body ErrorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, string(apperrors.CodeOf(tt.err)), body.Error.Code)
		})
	}
}

func TestHandler_syncRoutes(t *testing.T) {
	svc := &fakeService{}

	rec := serve(t, svc, http.MethodPost, "/api/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var result syncpkg.DrainResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 2, result.Applied)

	rec = serve(t, svc, http.MethodGet, "/api/sync/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", decodeBody(t, rec)["username"])

	rec = serve(t, svc, http.MethodGet, "/api/sync/queue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []interface{}{}, decodeBody(t, rec)["data"])

	rec = serve(t, svc, http.MethodPost, "/api/sync/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), decodeBody(t, rec)["requeued"])

	rec = serve(t, svc, http.MethodDelete, "/api/sync/queue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(4), decodeBody(t, rec)["discarded"])

	rec = serve(t, svc, http.MethodPost, "/api/sync/refresh", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_accountRoutes(t *testing.T) {
	svc := &fakeService{}
	creds := map[string]string{"username": "alice", "password": "secret"}

	rec := serve(t, svc, http.MethodPost, "/api/register", creds)
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = serve(t, svc, http.MethodPost, "/api/login", creds)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", decodeBody(t, rec)["username"])

	rec = serve(t, svc, http.MethodPost, "/api/logout", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, svc.loggedOut)
}

func TestRouter_CORS(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/api/tasks", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()

	NewRouter(NewHandler(&fakeService{}), nil, nil).ServeHTTP(rec, req)

	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}
