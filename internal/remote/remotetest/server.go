// Package remotetest serves an in-memory rendition of the remote task API
// for tests and local development, with call recording, fault injection and
// idempotency-key deduplication.
package remotetest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const sqliteTimeLayout = "2006-01-02 15:04:05"

// Task is a stored remote task.
type Task struct {
	ID          int64
	UserID      int64
	Title       string
	Description *string
	Completed   bool
	CreatedAt   time.Time
}

// Call is one recorded request.
type Call struct {
	Method         string
	Path           string
	IdempotencyKey string
	Status         int
	Replayed       bool
}

// Fault makes matching requests fail. With AfterApply the request is
// processed first and only the response is replaced, as when a reply is
// lost in transit.
type Fault struct {
	Method     string
	PathPrefix string
	Status     int
	Times      int
	AfterApply bool
}

type user struct {
	id       int64
	username string
	hash     []byte
}

type recorded struct {
	status int
	body   gin.H
}

// Server is the fake remote store.
type Server struct {
	mu         sync.Mutex
	secret     []byte
	users      map[string]*user
	tasks      map[int64]*Task
	idem       map[string]recorded
	calls      []Call
	faults     []*Fault
	hook       func(Call)
	nextUserID int64
	nextTaskID int64
	now        func() time.Time

	engine *gin.Engine
	ts     *httptest.Server
}

// New creates a Server without starting a listener.
func New() *Server {
	gin.SetMode(gin.TestMode)
	s := &Server{
		secret:     []byte("remotetest-secret"),
		users:      make(map[string]*user),
		tasks:      make(map[int64]*Task),
		idem:       make(map[string]recorded),
		nextUserID: 1,
		nextTaskID: 1,
		now:        time.Now,
	}
	s.engine = s.routes()
	return s
}

// Start creates a Server listening on a loopback port.
func Start() *Server {
	s := New()
	s.ts = httptest.NewServer(s.engine)
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// APIURL returns the API root, ending in /api.
func (s *Server) APIURL() string {
	if s.ts == nil {
		return ""
	}
	return s.ts.URL + "/api"
}

// Close stops the listener.
func (s *Server) Close() {
	if s.ts != nil {
		s.ts.Close()
	}
}

// SetHook installs fn to run at the start of every API request, outside the
// server lock. Tests use it to block or observe in-flight calls.
func (s *Server) SetHook(fn func(Call)) {
	s.mu.Lock()
	s.hook = fn
	s.mu.Unlock()
}

// InjectFault adds a fault rule.
func (s *Server) InjectFault(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.Times <= 0 {
		f.Times = 1
	}
	s.faults = append(s.faults, &f)
}

// Calls returns the recorded calls.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// ResetCalls forgets the recorded calls.
func (s *Server) ResetCalls() {
	s.mu.Lock()
	s.calls = nil
	s.mu.Unlock()
}

// CreateUser registers a user directly and returns its id and a valid token.
func (s *Server) CreateUser(username, password string) (int64, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.addUserLocked(username, password)
	if err != nil {
		panic(err)
	}
	return u.id, s.signLocked(u, time.Hour)
}

// TokenFor signs a token for an existing user with the given lifetime.
func (s *Server) TokenFor(userID int64, ttl time.Duration) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.id == userID {
			return s.signLocked(u, ttl)
		}
	}
	return ""
}

// SeedTask stores a task directly.
func (s *Server) SeedTask(userID int64, title, description string, completed bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.insertLocked(userID, title, description)
	t.Completed = completed
	return t.ID
}

// Tasks returns the user's tasks in id order.
func (s *Server) Tasks(userID int64) []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Task
	for _, t := range s.tasks {
		if t.UserID == userID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// =====================================================
// Routing
// =====================================================

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "Task Handler Backend is running!") })
	r.HEAD("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	api := r.Group("/api")
	api.HEAD("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	api.POST("/register", s.public(s.register))
	api.POST("/login", s.public(s.login))
	api.GET("/tasks", s.authed(s.listTasks))
	api.GET("/tasks/:id", s.authed(s.getTask))
	api.POST("/tasks", s.authed(s.createTask))
	api.PUT("/tasks/:id", s.authed(s.updateTask))
	api.DELETE("/tasks/:id", s.authed(s.deleteTask))
	return r
}

type handlerFunc func(c *gin.Context, userID int64) (int, gin.H)

func (s *Server) public(fn handlerFunc) gin.HandlerFunc {
	return s.serve(false, fn)
}

func (s *Server) authed(fn handlerFunc) gin.HandlerFunc {
	return s.serve(true, fn)
}

// serve wraps a handler with the hook, auth, faults and idempotency replay.
func (s *Server) serve(requireAuth bool, fn handlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		call := Call{
			Method:         c.Request.Method,
			Path:           strings.TrimPrefix(c.Request.URL.Path, "/api"),
			IdempotencyKey: c.GetHeader("Idempotency-Key"),
		}

		s.mu.Lock()
		hook := s.hook
		s.mu.Unlock()
		if hook != nil {
			hook(call)
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		status, body := s.handleLocked(c, requireAuth, fn, &call)
		call.Status = status
		s.calls = append(s.calls, call)
		if body == nil {
			c.Status(status)
			return
		}
		c.JSON(status, body)
	}
}

func (s *Server) handleLocked(c *gin.Context, requireAuth bool, fn handlerFunc, call *Call) (int, gin.H) {
	var userID int64
	if requireAuth {
		id, status := s.authenticateLocked(c.GetHeader("Authorization"))
		if status != 0 {
			return status, nil
		}
		userID = id
	}

	fault := s.matchFaultLocked(call)
	if fault != nil && !fault.AfterApply {
		return fault.Status, gin.H{"message": "injected fault"}
	}

	idemKey := ""
	if call.IdempotencyKey != "" {
		idemKey = fmt.Sprintf("%d:%s", userID, call.IdempotencyKey)
		if prev, ok := s.idem[idemKey]; ok {
			call.Replayed = true
			return prev.status, prev.body
		}
	}

	status, body := fn(c, userID)
	if idemKey != "" && status < 500 {
		s.idem[idemKey] = recorded{status: status, body: body}
	}
	if fault != nil {
		return fault.Status, gin.H{"message": "injected fault"}
	}
	return status, body
}

func (s *Server) matchFaultLocked(call *Call) *Fault {
	for i, f := range s.faults {
		if f.Method != "" && f.Method != call.Method {
			continue
		}
		if !strings.HasPrefix(call.Path, f.PathPrefix) {
			continue
		}
		f.Times--
		if f.Times <= 0 {
			s.faults = append(s.faults[:i], s.faults[i+1:]...)
		}
		return f
	}
	return nil
}

func (s *Server) authenticateLocked(header string) (int64, int) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return 0, http.StatusUnauthorized
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(header[len(prefix):]), claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return 0, http.StatusForbidden
	}
	id, ok := claims["id"].(float64)
	if !ok {
		return 0, http.StatusForbidden
	}
	return int64(id), 0
}

func (s *Server) signLocked(u *user, ttl time.Duration) string {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"id":       u.id,
		"username": u.username,
		"exp":      s.now().Add(ttl).Unix(),
	}).SignedString(s.secret)
	if err != nil {
		panic(err)
	}
	return token
}

// =====================================================
// Handlers
// =====================================================

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) register(c *gin.Context, _ int64) (int, gin.H) {
	var in credentials
	if err := c.ShouldBindJSON(&in); err != nil || in.Username == "" || in.Password == "" {
		return http.StatusBadRequest, gin.H{"message": "Username and password are required"}
	}
	u, err := s.addUserLocked(in.Username, in.Password)
	if err != nil {
		return http.StatusConflict, gin.H{"message": "Username already exists"}
	}
	return http.StatusCreated, gin.H{"message": "User registered successfully", "userId": u.id}
}

func (s *Server) login(c *gin.Context, _ int64) (int, gin.H) {
	var in credentials
	if err := c.ShouldBindJSON(&in); err != nil || in.Username == "" || in.Password == "" {
		return http.StatusBadRequest, gin.H{"message": "Username and password are required"}
	}
	u, ok := s.users[in.Username]
	if !ok || bcrypt.CompareHashAndPassword(u.hash, []byte(in.Password)) != nil {
		return http.StatusUnauthorized, gin.H{"message": "Invalid username or password"}
	}
	return http.StatusOK, gin.H{"message": "Login successful", "token": s.signLocked(u, time.Hour)}
}

func (s *Server) listTasks(c *gin.Context, userID int64) (int, gin.H) {
	status := c.Query("status")
	rows := make([]gin.H, 0)
	var list []*Task
	for _, t := range s.tasks {
		if t.UserID != userID {
			continue
		}
		if status == "completed" && !t.Completed || status == "pending" && t.Completed {
			continue
		}
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID > list[j].ID
	})
	for _, t := range list {
		rows = append(rows, row(t))
	}
	return http.StatusOK, gin.H{"message": "success", "data": rows}
}

func (s *Server) getTask(c *gin.Context, userID int64) (int, gin.H) {
	t := s.ownedLocked(c.Param("id"), userID)
	if t == nil {
		return http.StatusNotFound, gin.H{"message": "Task not found or does not belong to user"}
	}
	return http.StatusOK, gin.H{"message": "success", "data": row(t)}
}

func (s *Server) createTask(c *gin.Context, userID int64) (int, gin.H) {
	var in struct {
		Title       string  `json:"title"`
		Description *string `json:"description"`
	}
	if err := c.ShouldBindJSON(&in); err != nil || in.Title == "" {
		return http.StatusBadRequest, gin.H{"message": "Task title is required"}
	}
	desc := ""
	if in.Description != nil {
		desc = *in.Description
	}
	t := s.insertLocked(userID, in.Title, desc)
	return http.StatusCreated, gin.H{"message": "Task created successfully", "data": row(t)}
}

func (s *Server) updateTask(c *gin.Context, userID int64) (int, gin.H) {
	t := s.ownedLocked(c.Param("id"), userID)
	if t == nil {
		return http.StatusNotFound, gin.H{"message": "Task not found or does not belong to user"}
	}
	var in struct {
		Title       *string `json:"title"`
		Description *string `json:"description"`
		Completed   *bool   `json:"completed"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		return http.StatusBadRequest, gin.H{"message": "No valid fields to update"}
	}
	if in.Title == nil && in.Description == nil && in.Completed == nil {
		return http.StatusBadRequest, gin.H{"message": "No valid fields to update"}
	}
	if in.Title != nil {
		t.Title = *in.Title
	}
	if in.Description != nil {
		t.Description = in.Description
	}
	if in.Completed != nil {
		t.Completed = *in.Completed
	}
	return http.StatusOK, gin.H{"message": "Task updated successfully", "data": row(t)}
}

func (s *Server) deleteTask(c *gin.Context, userID int64) (int, gin.H) {
	t := s.ownedLocked(c.Param("id"), userID)
	if t == nil {
		return http.StatusNotFound, gin.H{"message": "Task not found or does not belong to user"}
	}
	delete(s.tasks, t.ID)
	return http.StatusOK, gin.H{"message": "Task deleted successfully"}
}

// =====================================================
// Storage helpers
// =====================================================

func (s *Server) addUserLocked(username, password string) (*user, error) {
	if _, exists := s.users[username]; exists {
		return nil, fmt.Errorf("user %q exists", username)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return nil, err
	}
	u := &user{id: s.nextUserID, username: username, hash: hash}
	s.nextUserID++
	s.users[username] = u
	return u, nil
}

func (s *Server) insertLocked(userID int64, title, description string) *Task {
	t := &Task{
		ID:        s.nextTaskID,
		UserID:    userID,
		Title:     title,
		CreatedAt: s.now().UTC().Truncate(time.Second),
	}
	if description != "" {
		t.Description = &description
	}
	s.nextTaskID++
	s.tasks[t.ID] = t
	return t
}

func (s *Server) ownedLocked(rawID string, userID int64) *Task {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return nil
	}
	t, ok := s.tasks[id]
	if !ok || t.UserID != userID {
		return nil
	}
	return t
}

// row renders t the way the SQLite-backed server does.
func row(t *Task) gin.H {
	completed := 0
	if t.Completed {
		completed = 1
	}
	var desc interface{}
	if t.Description != nil {
		desc = *t.Description
	}
	return gin.H{
		"id":          t.ID,
		"user_id":     t.UserID,
		"title":       t.Title,
		"description": desc,
		"completed":   completed,
		"created_at":  t.CreatedAt.Format(sqliteTimeLayout),
	}
}
