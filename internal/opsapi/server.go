// Package opsapi exposes a small read-only HTTP surface for operators:
// a liveness probe and a status snapshot of the last sync run and the
// scheduled jobs. It carries no authentication and is meant to be bound
// to loopback.
package opsapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/biamino/reportbot/internal/syncer"
)

// SyncReporter reports the outcome of the most recent import run.
type SyncReporter interface {
	LastRun() (syncer.RunInfo, bool)
}

// JobLister names the jobs registered with the scheduler.
type JobLister interface {
	Jobs() []string
}

type Server struct {
	sync      SyncReporter
	jobs      JobLister
	startedAt time.Time
}

func NewServer(sync SyncReporter, jobs JobLister) *Server {
	return &Server{
		sync:      sync,
		jobs:      jobs,
		startedAt: time.Now().UTC(),
	}
}

type statusResponse struct {
	UptimeSeconds int64           `json:"uptimeSeconds"`
	Jobs          []string        `json:"jobs"`
	LastSync      *syncer.RunInfo `json:"lastSync"`
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}

	switch r.URL.Path {
	case "/healthz":
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case "/status":
		s.handleStatus(w)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter) {
	resp := statusResponse{
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Jobs:          []string{},
	}
	if s.jobs != nil {
		if names := s.jobs.Jobs(); names != nil {
			resp.Jobs = names
		}
	}
	if s.sync != nil {
		if info, ok := s.sync.LastRun(); ok {
			resp.LastSync = &info
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
