package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zigazaga4/emailer/internal/contacts"
	"github.com/zigazaga4/emailer/internal/dispatch"
	"github.com/zigazaga4/emailer/internal/ledger"
	"github.com/zigazaga4/emailer/internal/models"
	"github.com/zigazaga4/emailer/internal/util"
	"github.com/zigazaga4/emailer/internal/validator"
)

const maxRunRequestBytes = 32 << 20

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(s.deps.Health))
	status := http.StatusOK
	for name, check := range s.deps.Health {
		if err := check(r.Context()); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	writeJSON(w, status, map[string]any{"status": http.StatusText(status), "checks": checks})
}

func (s *Server) config(w http.ResponseWriter, _ *http.Request) {
	if s.deps.ConfigView == nil {
		writeError(w, http.StatusNotFound, "config view disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.ConfigView())
}

func (s *Server) listProgress(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Progress.Snapshot())
}

func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	st, ok := s.deps.Progress.Get(chi.URLParam(r, "runKey"))
	if !ok {
		writeError(w, http.StatusNotFound, "no progress for run")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) resetProgress(w http.ResponseWriter, r *http.Request) {
	s.deps.Progress.Reset(chi.URLParam(r, "runKey"))
	w.WriteHeader(http.StatusNoContent)
}

// streamProgress writes every snapshot as a server-sent event until the
// client goes away.
func (s *Server) streamProgress(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	updates, unsubscribe := s.deps.Progress.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			payload, err := json.Marshal(snap)
			if err != nil {
				s.logger.Warn().Err(err).Msg("progress stream marshal failed")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: progress\ndata: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	sessions, err := s.deps.Ledger.ListSessions(r.Context(), strings.ToLower(q.Get("channel")), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	session, err := s.deps.Ledger.GetSession(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Ledger.DeleteSession(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) sessionLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := s.deps.Ledger.GetSession(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	logs, err := s.deps.Ledger.LogsForSession(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) contactLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	channel, ok := channelParam(w, r)
	if !ok {
		return
	}
	logs, err := s.deps.Ledger.LogsForContact(r.Context(), channel, id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) contactStats(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	channel, ok := channelParam(w, r)
	if !ok {
		return
	}
	stats, err := s.deps.Ledger.StatsForContact(r.Context(), channel, id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) activeRuns(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"active": s.deps.Engine.Active()})
}

// startRun plans and prepares the run synchronously, so request, setup and
// duplicate-key errors come back as 4xx/5xx, then executes it in the
// background and answers 202 with the run key and session id.
func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRunRequestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	req, err := validator.ParseRunRequest(body)
	if err != nil {
		s.fail(w, err)
		return
	}
	plan, err := s.deps.Planner.Plan(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	prepared, err := s.deps.Engine.Prepare(r.Context(), plan)
	if err != nil {
		s.fail(w, err)
		return
	}
	if prepared == nil {
		writeJSON(w, http.StatusOK, map[string]any{"run_key": plan.RunKey, "recipients": 0})
		return
	}

	session := prepared.Session()
	logger := s.logger.With().Str("run_key", plan.RunKey).Int64("session_id", session.ID).Logger()
	go func() {
		final := prepared.Execute(s.runCtx)
		logger.Info().Str("status", final.Status).Msg("run finished")
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_key":    plan.RunKey,
		"session_id": session.ID,
		"recipients": len(plan.Recipients),
	})
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Engine.Cancel(chi.URLParam(r, "runKey")) {
		writeError(w, http.StatusNotFound, "run not active")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, contacts.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, validator.ErrInvalid), errors.Is(err, dispatch.ErrValidation), errors.Is(err, util.ErrUnknownChannel):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrRunActive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, dispatch.ErrSetup):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusRequestTimeout, err.Error())
	default:
		s.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

// channelParam reads ?channel=, defaulting to email.
func channelParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	switch c := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("channel"))); c {
	case "":
		return models.ChannelEmail, true
	case models.ChannelEmail, models.ChannelWhatsApp:
		return c, true
	default:
		writeError(w, http.StatusBadRequest, util.ErrUnknownChannel.Error()+": "+c)
		return "", false
	}
}
