package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"kidbot/internal/models"
	"kidbot/internal/task/cronexpr"
	"kidbot/internal/task/ratelimit"
	"kidbot/internal/task/registry"
	"kidbot/internal/task/scheduler"
)

// Scheduler is the facade the API drives; *scheduler.Scheduler implements it.
type Scheduler interface {
	CreateTask(ctx context.Context, tenant string, spec registry.Spec) (models.Task, error)
	ListTasks(tenant string) []models.Task
	Task(tenant, id string) (models.Task, error)
	CancelTask(ctx context.Context, tenant, id string) (bool, error)
	SetTaskEnabled(ctx context.Context, tenant, id string, enabled bool) (bool, error)
	AddReminder(ctx context.Context, tenant, text string, dueAt time.Time, source models.Source) (models.Reminder, error)
	ListReminders(ctx context.Context, tenant string) ([]models.Reminder, error)
	CancelReminder(ctx context.Context, tenant, id string) (bool, error)
	Usage(tenant string) ratelimit.Usage
	RemoveTenant(ctx context.Context, tenant string) (int, error)
	Snapshot() scheduler.Stats
}

// Router builds the HTTP router. An empty token disables auth; /healthz is always open.
func (s *Server) Router(token string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(token))
		if s.metrics != nil {
			r.Mount("/metrics", s.metrics)
		}
		r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, s.sched.Snapshot())
		})
		r.Route("/tenants/{tenant}", func(r chi.Router) {
			r.Use(validTenant)
			r.Delete("/", s.handleRemoveTenant)
			r.Get("/usage", s.handleUsage)

			r.Get("/tasks", s.handleListTasks)
			r.Post("/tasks", s.handleCreateTask)
			r.Get("/tasks/{id}", s.handleGetTask)
			r.Delete("/tasks/{id}", s.handleCancelTask)
			r.Post("/tasks/{id}/enable", s.handleSetEnabled(true))
			r.Post("/tasks/{id}/disable", s.handleSetEnabled(false))

			r.Get("/reminders", s.handleListReminders)
			r.Post("/reminders", s.handleAddReminder)
			r.Delete("/reminders/{id}", s.handleCancelReminder)
		})
	})
	return r
}

type createTaskRequest struct {
	Name             string `json:"name"`
	Cron             string `json:"cron"`
	Description      string `json:"description"`
	Disabled         bool   `json:"disabled"`
	RetryInterval    string `json:"retry_interval"`
	MaxRetryDuration string `json:"max_retry_duration"`
}

type addReminderRequest struct {
	Text  string    `json:"text"`
	DueAt time.Time `json:"due_at"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !decode(w, r, &req) {
		return
	}
	spec := registry.Spec{Name: req.Name, Cron: req.Cron, Description: req.Description, Kind: models.KindMessage, Disabled: req.Disabled}
	var err error
	if spec.RetryInterval, err = parseDuration(req.RetryInterval); err != nil {
		writeError(w, http.StatusBadRequest, "retry_interval: "+err.Error())
		return
	}
	if spec.MaxRetryDuration, err = parseDuration(req.MaxRetryDuration); err != nil {
		writeError(w, http.StatusBadRequest, "max_retry_duration: "+err.Error())
		return
	}
	t, err := s.sched.CreateTask(r.Context(), chi.URLParam(r, "tenant"), spec)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.sched.ListTasks(chi.URLParam(r, "tenant"))
	if tasks == nil {
		tasks = []models.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.sched.Task(chi.URLParam(r, "tenant"), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	ok, err := s.sched.CancelTask(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if !ok {
		writeErr(w, registry.ErrTaskNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant, id := chi.URLParam(r, "tenant"), chi.URLParam(r, "id")
		ok, err := s.sched.SetTaskEnabled(r.Context(), tenant, id, enabled)
		if err != nil {
			writeErr(w, err)
			return
		}
		if !ok {
			writeErr(w, registry.ErrTaskNotFound)
			return
		}
		t, err := s.sched.Task(tenant, id)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func (s *Server) handleAddReminder(w http.ResponseWriter, r *http.Request) {
	var req addReminderRequest
	if !decode(w, r, &req) {
		return
	}
	rem, err := s.sched.AddReminder(r.Context(), chi.URLParam(r, "tenant"), req.Text, req.DueAt, models.SourceManual)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rem)
}

func (s *Server) handleListReminders(w http.ResponseWriter, r *http.Request) {
	rs, err := s.sched.ListReminders(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if rs == nil {
		rs = []models.Reminder{}
	}
	writeJSON(w, http.StatusOK, rs)
}

func (s *Server) handleCancelReminder(w http.ResponseWriter, r *http.Request) {
	ok, err := s.sched.CancelReminder(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "reminder not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Usage(chi.URLParam(r, "tenant")))
}

func (s *Server) handleRemoveTenant(w http.ResponseWriter, r *http.Request) {
	n, err := s.sched.RemoveTenant(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"tasks_removed": n})
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const p = "Bearer "
			ah := r.Header.Get("Authorization")
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "unauthorized")
		})
	}
}

func validTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !models.ValidTenant(chi.URLParam(r, "tenant")) {
			writeError(w, http.StatusBadRequest, "invalid tenant")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}

func parseDuration(s string) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// writeErr maps domain errors to status codes.
func writeErr(w http.ResponseWriter, err error) {
	var qe *ratelimit.QuotaError
	switch {
	case errors.As(err, &qe):
		if qe.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(qe.RetryAfter.Seconds()))))
		}
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, cronexpr.ErrInvalidExpression),
		errors.Is(err, registry.ErrInvalidTask),
		errors.Is(err, scheduler.ErrInvalidReminder):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, registry.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrTaskExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, registry.ErrSystemTask):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
