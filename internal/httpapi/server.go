// Package httpapi exposes run control and read access to the ledger and
// progress over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"reflect"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/zigazaga4/emailer/internal/dispatch"
	"github.com/zigazaga4/emailer/internal/models"
	"github.com/zigazaga4/emailer/internal/progress"
	"github.com/zigazaga4/emailer/internal/validator"
)

// Ledger is the read and delete side of the delivery ledger.
type Ledger interface {
	ListSessions(ctx context.Context, channel string, limit int) ([]models.DispatchSession, error)
	GetSession(ctx context.Context, id int64) (*models.DispatchSession, error)
	DeleteSession(ctx context.Context, id int64) error
	LogsForSession(ctx context.Context, sessionID int64) ([]models.DeliveryLogEntry, error)
	LogsForContact(ctx context.Context, channel string, contactID int64) ([]models.ContactLogEntry, error)
	StatsForContact(ctx context.Context, channel string, contactID int64) (models.ContactStats, error)
}

// Planner resolves run requests.
type Planner interface {
	Plan(ctx context.Context, req *validator.RunRequest) (dispatch.Request, error)
}

// Engine prepares and cancels runs. Prepare returns nil for a run with no
// recipients.
type Engine interface {
	Prepare(ctx context.Context, req dispatch.Request) (*dispatch.PreparedRun, error)
	Cancel(runKey string) bool
	Active() []string
}

// HealthCheck reports the health of one dependency.
type HealthCheck func(ctx context.Context) error

// Deps collects the server collaborators. ConfigView and Health are optional.
type Deps struct {
	Ledger     Ledger
	Progress   *progress.Tracker
	Planner    Planner
	Engine     Engine
	ConfigView func() any
	Health     map[string]HealthCheck
	Logger     zerolog.Logger
}

// Server holds the handlers.
type Server struct {
	deps   Deps
	logger zerolog.Logger

	// runCtx parents background runs started over HTTP.
	runCtx context.Context
}

// New builds a Server. Runs started through POST /runs live under ctx, not
// under the request.
func New(ctx context.Context, deps Deps) *Server {
	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	if deps.Progress == nil {
		deps.Progress = progress.NewTracker()
	}
	return &Server{
		deps:   deps,
		logger: logger.With().Str("component", "httpapi").Logger(),
		runCtx: ctx,
	}
}

// Routes returns the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.health)
	r.Get("/config", s.config)

	r.Route("/progress", func(r chi.Router) {
		r.Get("/", s.listProgress)
		r.Get("/stream", s.streamProgress)
		r.Get("/{runKey}", s.getProgress)
		r.Delete("/{runKey}", s.resetProgress)
	})

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Get("/{id}", s.getSession)
		r.Delete("/{id}", s.deleteSession)
		r.Get("/{id}/logs", s.sessionLogs)
	})

	r.Get("/contacts/{id}/logs", s.contactLogs)
	r.Get("/contacts/{id}/stats", s.contactStats)

	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.activeRuns)
		r.Post("/", s.startRun)
		r.Post("/{runKey}/cancel", s.cancelRun)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
