package remote_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/tasksync/internal/errors"
	"github.com/kimhsiao/tasksync/internal/models"
	"github.com/kimhsiao/tasksync/internal/remote"
	"github.com/kimhsiao/tasksync/internal/remote/remotetest"
)

func newClient(t *testing.T) (*remote.Client, *remotetest.Server, int64, string) {
	t.Helper()
	srv := remotetest.Start()
	t.Cleanup(srv.Close)
	userID, token := srv.CreateUser("alice", "secret")
	return remote.New(srv.APIURL(), 2*time.Second), srv, userID, token
}

func TestClient_CreateTask(t *testing.T) {
	c, srv, userID, token := newClient(t)
	ctx := context.Background()

	task, err := c.CreateTask(ctx, token, "key-1", remote.TaskInput{Title: "Buy milk", Description: "2 litres"})
	require.NoError(t, err)
	assert.Positive(t, task.ID)
	assert.Equal(t, userID, task.OwnerID)
	assert.Equal(t, "Buy milk", task.Title)
	assert.Equal(t, "2 litres", task.Description)
	assert.False(t, task.Completed)
	assert.True(t, task.Synced)
	assert.Positive(t, task.CreatedAt)

	calls := srv.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, http.MethodPost, calls[0].Method)
	assert.Equal(t, "/tasks", calls[0].Path)
	assert.Equal(t, "key-1", calls[0].IdempotencyKey)
}

func TestClient_CreateTask_replayedKey(t *testing.T) {
	c, srv, userID, token := newClient(t)
	ctx := context.Background()

	first, err := c.CreateTask(ctx, token, "same-key", remote.TaskInput{Title: "once"})
	require.NoError(t, err)
	second, err := c.CreateTask(ctx, token, "same-key", remote.TaskInput{Title: "once"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, srv.Tasks(userID), 1)
	calls := srv.Calls()
	require.Len(t, calls, 2)
	assert.True(t, calls[1].Replayed)
}

func TestClient_UpdateTask(t *testing.T) {
	c, srv, userID, token := newClient(t)
	ctx := context.Background()
	id := srv.SeedTask(userID, "draft", "", false)

	done := true
	task, err := c.UpdateTask(ctx, token, "k", id, remote.TaskInput{Title: "final", Description: "notes", Completed: &done})
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "final", task.Title)
	assert.True(t, task.Completed)

	stored := srv.Tasks(userID)
	require.Len(t, stored, 1)
	assert.True(t, stored[0].Completed)
}

func TestClient_UpdateTask_notFound(t *testing.T) {
	c, _, _, token := newClient(t)

	_, err := c.UpdateTask(context.Background(), token, "k", 999, remote.TaskInput{Title: "x"})
	require.Error(t, err)
	assert.True(t, remote.IsNotFound(err))
	assert.False(t, remote.IsRetryable(err))
	assert.True(t, apperrors.Is(err, apperrors.ErrRemoteRejection))
}

func TestClient_DeleteTask(t *testing.T) {
	c, srv, userID, token := newClient(t)
	ctx := context.Background()
	id := srv.SeedTask(userID, "gone", "", false)

	require.NoError(t, c.DeleteTask(ctx, token, "k", id))
	assert.Empty(t, srv.Tasks(userID))

	err := c.DeleteTask(ctx, token, "k2", id)
	assert.True(t, remote.IsNotFound(err))
}

func TestClient_ListTasks(t *testing.T) {
	c, srv, userID, token := newClient(t)
	ctx := context.Background()
	srv.SeedTask(userID, "open", "", false)
	srv.SeedTask(userID, "done", "", true)
	other, _ := srv.CreateUser("bob", "pw")
	srv.SeedTask(other, "not mine", "", false)

	all, err := c.ListTasks(ctx, token, models.FilterAll)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	completed, err := c.ListTasks(ctx, token, models.FilterCompleted)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, "done", completed[0].Title)

	pending, err := c.ListTasks(ctx, token, models.FilterPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "open", pending[0].Title)
}

func TestClient_auth(t *testing.T) {
	c, _, _, _ := newClient(t)
	ctx := context.Background()

	_, err := c.ListTasks(ctx, "", models.FilterAll)
	assert.Equal(t, http.StatusUnauthorized, remote.StatusCode(err))
	assert.True(t, remote.IsRetryable(err))

	_, err = c.ListTasks(ctx, "not-a-jwt", models.FilterAll)
	assert.Equal(t, http.StatusForbidden, remote.StatusCode(err))
	assert.True(t, remote.IsRetryable(err))
}

func TestClient_LoginRegister(t *testing.T) {
	c, _, _, _ := newClient(t)
	ctx := context.Background()

	id, err := c.Register(ctx, "carol", "pw")
	require.NoError(t, err)
	assert.Positive(t, id)

	_, err = c.Register(ctx, "carol", "pw")
	assert.Equal(t, http.StatusConflict, remote.StatusCode(err))

	token, err := c.Login(ctx, "carol", "pw")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	_, err = c.Login(ctx, "carol", "wrong")
	assert.Equal(t, http.StatusUnauthorized, remote.StatusCode(err))
}

func TestClient_serverErrorIsRetryable(t *testing.T) {
	c, srv, _, token := newClient(t)
	srv.InjectFault(remotetest.Fault{Method: http.MethodPost, PathPrefix: "/tasks", Status: http.StatusInternalServerError})

	_, err := c.CreateTask(context.Background(), token, "k", remote.TaskInput{Title: "x"})
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, remote.StatusCode(err))
	assert.True(t, remote.IsRetryable(err))
}

func TestClient_validationIsPermanent(t *testing.T) {
	c, _, _, token := newClient(t)

	_, err := c.CreateTask(context.Background(), token, "k", remote.TaskInput{Title: ""})
	assert.Equal(t, http.StatusBadRequest, remote.StatusCode(err))
	assert.False(t, remote.IsRetryable(err))
}

func TestClient_unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := remote.New(url+"/api", time.Second)
	err := c.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrConnectivity))

	_, err = c.ListTasks(context.Background(), "t", models.FilterAll)
	assert.True(t, apperrors.Is(err, apperrors.ErrConnectivity))
	assert.True(t, remote.IsRetryable(err))
}

func TestClient_Ping(t *testing.T) {
	c, _, _, _ := newClient(t)
	assert.NoError(t, c.Ping(context.Background()))
}

func TestClient_timeout(t *testing.T) {
	srv := remotetest.Start()
	defer srv.Close()
	_, token := srv.CreateUser("slow", "pw")
	release := make(chan struct{})
	srv.SetHook(func(remotetest.Call) { <-release })
	defer close(release)

	c := remote.New(srv.APIURL(), 50*time.Millisecond)
	_, err := c.ListTasks(context.Background(), token, models.FilterAll)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrConnectivity))
}
