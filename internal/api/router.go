package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/kimhsiao/tasksync/internal/logging"
)

// DefaultAllowedOrigins lists the browser origins the bridge accepts.
var DefaultAllowedOrigins = []string{"http://localhost:3000", "http://127.0.0.1:3000"}

// NewRouter builds the bridge routes wrapped in CORS handling.
func NewRouter(h *Handler, hub *Hub, allowedOrigins []string) http.Handler {
	r := mux.NewRouter()
	r.Use(requestLogger)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", health).Methods(http.MethodGet)

	api.HandleFunc("/tasks", h.ListTasks).Methods(http.MethodGet)
	api.HandleFunc("/tasks", h.CreateTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}", h.UpdateTask).Methods(http.MethodPut)
	api.HandleFunc("/tasks/{id}", h.DeleteTask).Methods(http.MethodDelete)
	api.HandleFunc("/tasks/{id}/toggle", h.ToggleTask).Methods(http.MethodPost)

	api.HandleFunc("/sync", h.Sync).Methods(http.MethodPost)
	api.HandleFunc("/sync/refresh", h.Refresh).Methods(http.MethodPost)
	api.HandleFunc("/sync/status", h.Status).Methods(http.MethodGet)
	api.HandleFunc("/sync/queue", h.Queue).Methods(http.MethodGet)
	api.HandleFunc("/sync/queue", h.ClearQueue).Methods(http.MethodDelete)
	api.HandleFunc("/sync/retry", h.Retry).Methods(http.MethodPost)
	if h.metrics != nil {
		api.HandleFunc("/sync/metrics", h.Metrics).Methods(http.MethodGet)
	}

	api.HandleFunc("/register", h.Register).Methods(http.MethodPost)
	api.HandleFunc("/login", h.Login).Methods(http.MethodPost)
	api.HandleFunc("/logout", h.Logout).Methods(http.MethodPost)

	if hub != nil {
		api.HandleFunc("/ws", hub.ServeWS)
	}

	if len(allowedOrigins) == 0 {
		allowedOrigins = DefaultAllowedOrigins
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

func health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "service": "tasksync"})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logging.Debug("HTTP request", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}
