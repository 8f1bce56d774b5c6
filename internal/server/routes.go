package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agleyzer/livecaption/internal/session"
	"github.com/agleyzer/livecaption/internal/store"
)

var contentTypes = map[string]string{
	".m3u8": "application/vnd.apple.mpegurl",
	".ts":   "video/mp2t",
	".vtt":  "text/vtt; charset=utf-8",
	".wav":  "audio/wav",
	".json": "application/json",
}

// SessionResponse is a session's status plus the links a player needs.
type SessionResponse struct {
	session.Status
	MasterURL string `json:"master_url"`
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(requestIDMiddleware())
	r.Use(recoveryMiddleware(s.logger))
	r.Use(loggingMiddleware(s.logger))

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1/sessions", func(r chi.Router) {
		r.Post("/", s.handleStartSession)
		r.Get("/", s.handleListSessions)
		r.Get("/{id}", s.handleGetSession)
		r.Delete("/{id}", s.handleStopSession)
		r.Get("/{id}/events", s.handleSessionEvents)
	})

	r.Get("/sessions/{id}/*", s.handleArtifact)

	return r
}

// handleHealth serves health check information
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	statuses := s.opts.Sessions.List()
	running := 0
	for _, st := range statuses {
		if st.State == session.StateRunning {
			running++
		}
	}

	health := map[string]interface{}{
		"status":   "ok",
		"uptime_s": int64(time.Since(s.startTime).Seconds()),
		"stats": map[string]interface{}{
			"sessions": len(statuses),
			"running":  running,
		},
	}
	if s.opts.Replica != nil {
		health["cluster"] = s.opts.Replica.GetStats()
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	if s.opts.Replica != nil && !s.opts.Replica.IsLeader() {
		writeError(w, http.StatusServiceUnavailable,
			"not the cluster leader; leader is "+s.opts.Replica.LeaderAddr(), "NOT_LEADER")
		return
	}

	var req session.Request
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "INVALID_REQUEST")
		return
	}

	sess, err := s.opts.Sessions.Start(r.Context(), req)
	if err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.sessionResponse(sess.Status()))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	statuses := s.opts.Sessions.List()
	out := make([]SessionResponse, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, s.sessionResponse(st))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.opts.Sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.sessionResponse(sess.Status()))
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.opts.Sessions.Stop(id); err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	sess, err := s.opts.Sessions.Get(id)
	if err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.sessionResponse(sess.Status()))
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if s.opts.Events == nil {
		writeError(w, http.StatusNotFound, "journal is disabled", "NOT_FOUND")
		return
	}
	events, err := s.opts.Events.List(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.logger.Error("failed to list journal events", "error", err, "request_id", requestID(r))
		writeError(w, http.StatusInternalServerError, "failed to read journal", "INTERNAL_ERROR")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) writeSessionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
	case errors.Is(err, session.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_REQUEST")
	case errors.Is(err, session.ErrAlreadyRunning), errors.Is(err, store.ErrLocked), errors.Is(err, store.ErrNotEmpty):
		writeError(w, http.StatusConflict, err.Error(), "CONFLICT")
	default:
		s.logger.Error("session request failed", "error", err, "request_id", requestID(r))
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
	}
}

func (s *Server) sessionResponse(st session.Status) SessionResponse {
	return SessionResponse{
		Status:    st,
		MasterURL: s.opts.PublicBase + "/sessions/" + st.ID + "/" + store.MasterManifest,
	}
}

// handleArtifact serves a session file. A node that does not run the session
// falls back to manifests replicated from the leader.
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rel, ok := artifactPath(chi.URLParam(r, "*"))
	if !ok {
		http.NotFound(w, r)
		return
	}

	if sess, err := s.opts.Sessions.Get(id); err == nil {
		s.serveFile(w, r, sess.Dir(), rel)
		return
	}

	if s.opts.Replica != nil {
		if m, ok := s.opts.Replica.Manifest(id + "/" + rel); ok {
			setArtifactHeaders(w, rel)
			http.ServeContent(w, r, path.Base(rel), m.UpdatedAt, strings.NewReader(m.Body))
			return
		}
		if s.opts.PublicBase != "" && !s.opts.Replica.IsLeader() {
			http.Redirect(w, r, s.opts.PublicBase+"/sessions/"+id+"/"+rel, http.StatusTemporaryRedirect)
			return
		}
	}
	http.NotFound(w, r)
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, root, rel string) {
	f, err := os.Open(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}
	setArtifactHeaders(w, rel)
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// artifactPath cleans a request path relative to a session directory. Hidden
// names (the lock file) and files still being written are refused.
func artifactPath(p string) (string, bool) {
	clean := strings.TrimPrefix(path.Clean("/"+p), "/")
	if clean == "" || strings.HasSuffix(clean, store.TempSuffix) {
		return "", false
	}
	for _, part := range strings.Split(clean, "/") {
		if strings.HasPrefix(part, ".") {
			return "", false
		}
	}
	return clean, true
}

func setArtifactHeaders(w http.ResponseWriter, rel string) {
	if ct, ok := contentTypes[path.Ext(rel)]; ok {
		w.Header().Set("Content-Type", ct)
	}
	// Manifests and the concatenated tracks are rewritten as the stream grows.
	if path.Ext(rel) == ".m3u8" || path.Dir(rel) == "subtitles" {
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
}
