package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ManuGH/xglive/internal/api/problem"
	"github.com/ManuGH/xglive/internal/ingest"
	"github.com/ManuGH/xglive/internal/log"
	"github.com/ManuGH/xglive/internal/media"
	"github.com/ManuGH/xglive/internal/session"
	"github.com/go-chi/chi/v5"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// SessionList is the body of GET /api/v1/sessions.
type SessionList struct {
	Sessions []session.Info `json:"sessions"`
}

// IngestStatus is the body of GET /api/v1/ingest.
type IngestStatus struct {
	Listeners map[media.Protocol]bool `json:"listeners"`
}

// VersionInfo is the body of GET /api/v1/version.
type VersionInfo struct {
	Version string `json:"version"`
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, VersionInfo{Version: s.opts.Version})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("history") != "true" {
		list := s.opts.Sessions.List()
		if list == nil {
			list = []session.Info{}
		}
		writeJSON(w, r, http.StatusOK, SessionList{Sessions: list})
		return
	}

	if s.opts.History == nil {
		writeProblem(w, r, http.StatusNotImplemented, "admin/history_disabled", "Not Implemented", "HISTORY_DISABLED", "session journal is not configured")
		return
	}
	limit := defaultHistoryLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeProblem(w, r, http.StatusBadRequest, "admin/invalid_limit", "Bad Request", "INVALID_INPUT", "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	list, err := s.opts.History.History(r.Context(), limit)
	if err != nil {
		writeError(w, r, fmt.Errorf("read session history: %w", err))
		return
	}
	if list == nil {
		list = []session.Info{}
	}
	writeJSON(w, r, http.StatusOK, SessionList{Sessions: list})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	info, err := s.opts.Sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, info)
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.opts.Sessions.Terminate(id, media.ReasonOperatorStop); err != nil {
		writeError(w, r, err)
		return
	}
	log.FromContext(r.Context()).Info().
		Str(log.FieldEvent, "admin.session_terminated").
		Str(log.FieldSessionID, id).
		Msg("session terminated by operator")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFailover(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	if err := s.opts.Sessions.Failover(channel); err != nil {
		writeError(w, r, err)
		return
	}
	log.FromContext(r.Context()).Info().
		Str(log.FieldEvent, "admin.failover").
		Str(log.FieldChannelID, channel).
		Msg("operator failover")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIngestStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, IngestStatus{Listeners: s.opts.Ingest.Status()})
}

func (s *Server) handleIngestStart(w http.ResponseWriter, r *http.Request) {
	p := media.Protocol(chi.URLParam(r, "protocol"))
	if err := s.opts.Ingest.Start(s.opts.BaseContext(), p); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIngestStop(w http.ResponseWriter, r *http.Request) {
	p := media.Protocol(chi.URLParam(r, "protocol"))
	if err := s.opts.Ingest.Stop(p); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeError maps domain errors onto problem responses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, media.ErrNotFound):
		writeProblem(w, r, http.StatusNotFound, "admin/not_found", "Not Found", "NOT_FOUND", err.Error())
	case errors.Is(err, session.ErrNoStandby):
		writeProblem(w, r, http.StatusConflict, "admin/no_standby", "Conflict", "NO_STANDBY", err.Error())
	case errors.Is(err, ingest.ErrUnknownProtocol):
		writeProblem(w, r, http.StatusBadRequest, "admin/unknown_protocol", "Bad Request", "UNKNOWN_PROTOCOL", err.Error())
	case errors.Is(err, session.ErrClosed):
		problem.Unavailable(w, r, "admin/shutting_down", err.Error(), 1)
	default:
		log.FromContext(r.Context()).Error().Err(err).Str(log.FieldEvent, "admin.error").Msg("admin request failed")
		writeProblem(w, r, http.StatusInternalServerError, "admin/internal", "Internal Server Error", "INTERNAL", "internal error")
	}
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, problemType, title, code, detail string) {
	problem.Write(w, r, status, problemType, title, code, detail, nil)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.FromContext(r.Context()).Error().Err(err).Msg("failed to encode admin response")
	}
}
