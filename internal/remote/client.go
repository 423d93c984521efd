// Package remote is the HTTP client for the authoritative task API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/tasksync/internal/errors"
	"github.com/kimhsiao/tasksync/internal/models"
)

// IdempotencyHeader carries the per-mutation key on replayed writes.
const IdempotencyHeader = "Idempotency-Key"

// DefaultTimeout bounds a single call when the caller sets none.
const DefaultTimeout = 10 * time.Second

// Client talks to the remote task API rooted at baseURL (for example
// http://localhost:5000/api).
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
}

// New creates a Client. Each call is bounded by timeout.
func New(baseURL string, timeout time.Duration) *Client {
	return NewWithHTTPClient(baseURL, timeout, &http.Client{})
}

// NewWithHTTPClient creates a Client over a caller-supplied http.Client.
func NewWithHTTPClient(baseURL string, timeout time.Duration, hc *http.Client) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    hc,
		timeout: timeout,
	}
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// =====================================================
// Tasks
// =====================================================

// CreateTask creates a task and returns the stored row with its server id.
func (c *Client) CreateTask(ctx context.Context, token, idempotencyKey string, in TaskInput) (*models.Task, error) {
	body := TaskInput{Title: in.Title, Description: in.Description}
	env, err := c.do(ctx, http.MethodPost, "/tasks", token, idempotencyKey, body)
	if err != nil {
		return nil, err
	}
	if len(env.Data) > 0 && string(env.Data) != "null" {
		return decodeTask(env.Data)
	}
	if env.TaskID > 0 {
		return &models.Task{ID: env.TaskID, Title: in.Title, Description: in.Description, Synced: true}, nil
	}
	return nil, apperrors.New(apperrors.ErrRemoteRejection, "create response carries no task id")
}

// UpdateTask replaces title, description and completion of task id.
func (c *Client) UpdateTask(ctx context.Context, token, idempotencyKey string, id int64, in TaskInput) (*models.Task, error) {
	env, err := c.do(ctx, http.MethodPut, fmt.Sprintf("/tasks/%d", id), token, idempotencyKey, in)
	if err != nil {
		return nil, err
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, nil
	}
	return decodeTask(env.Data)
}

// DeleteTask removes task id.
func (c *Client) DeleteTask(ctx context.Context, token, idempotencyKey string, id int64) error {
	_, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/tasks/%d", id), token, idempotencyKey, nil)
	return err
}

// ListTasks returns the caller's tasks passing filter.
func (c *Client) ListTasks(ctx context.Context, token string, filter models.Filter) ([]*models.Task, error) {
	path := "/tasks"
	if filter == models.FilterCompleted || filter == models.FilterPending {
		path += "?status=" + url.QueryEscape(string(filter))
	}
	env, err := c.do(ctx, http.MethodGet, path, token, "", nil)
	if err != nil {
		return nil, err
	}

	var rows []wireTask
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &rows); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrRemoteRejection, "decode task list", err)
		}
	}
	tasks := make([]*models.Task, 0, len(rows))
	for i := range rows {
		tasks = append(tasks, rows[i].toModel())
	}
	return tasks, nil
}

// =====================================================
// Accounts
// =====================================================

// Login exchanges credentials for a bearer token.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	env, err := c.do(ctx, http.MethodPost, "/login", "", "", map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return "", err
	}
	if env.Token == "" {
		return "", apperrors.New(apperrors.ErrRemoteRejection, "login response carries no token")
	}
	return env.Token, nil
}

// Register creates an account and returns its user id.
func (c *Client) Register(ctx context.Context, username, password string) (int64, error) {
	env, err := c.do(ctx, http.MethodPost, "/register", "", "", map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return 0, err
	}
	return env.UserID, nil
}

// Ping reports whether the API host answers at all. Any HTTP response counts.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/", nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "build probe request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrConnectivity, "probe "+c.baseURL, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

// =====================================================
// Transport
// =====================================================

func (c *Client) do(ctx context.Context, method, path, token, idempotencyKey string, body interface{}) (*envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "encode request body", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if idempotencyKey != "" {
		req.Header.Set(IdempotencyHeader, idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConnectivity, fmt.Sprintf("%s %s", method, path), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConnectivity, fmt.Sprintf("read %s %s response", method, path), err)
	}

	var env envelope
	if len(bytes.TrimSpace(raw)) > 0 {
		if jerr := json.Unmarshal(raw, &env); jerr != nil && resp.StatusCode < 300 {
			return nil, apperrors.Wrap(apperrors.ErrRemoteRejection, fmt.Sprintf("decode %s %s response", method, path), jerr)
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := env.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, rejection(method, path, resp.StatusCode, msg)
	}
	return &env, nil
}

func decodeTask(data json.RawMessage) (*models.Task, error) {
	var w wireTask
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRemoteRejection, "decode task", err)
	}
	if w.ID <= 0 {
		return nil, apperrors.New(apperrors.ErrRemoteRejection, "task carries no id")
	}
	return w.toModel(), nil
}
