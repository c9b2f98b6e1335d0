// Package httpapi exposes the checkpoint store and link codec to the
// browser front-end: REST endpoints for checkpoint operations, an SSE feed
// of change events, link encode/decode, and a per-tab websocket session that
// drives the route synchronizer.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/jsonview/checkpoint"
	"github.com/hazyhaar/jsonview/engine"
	"github.com/hazyhaar/jsonview/linkcodec"
)

// Server holds the API dependencies.
type Server struct {
	store  *checkpoint.Store
	codec  *linkcodec.Codec
	logger *slog.Logger

	// bcrypt hash of the API password; nil disables auth.
	passwordHash []byte
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithBasicAuth guards the API with HTTP basic auth. hash is a bcrypt hash
// of the shared password; the username is ignored.
func WithBasicAuth(hash []byte) Option {
	return func(s *Server) { s.passwordHash = hash }
}

// New creates a Server over the store and codec.
func New(store *checkpoint.Store, codec *linkcodec.Codec, opts ...Option) *Server {
	s := &Server{store: store, codec: codec, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Router builds the chi router for the API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		if s.passwordHash != nil {
			r.Use(s.basicAuth)
		}
		r.Route("/api", func(r chi.Router) {
			r.Get("/checkpoints", s.handleList)
			r.Post("/checkpoints", s.handleUpsert)
			r.Get("/checkpoints/latest", s.handleLatest)
			r.Patch("/checkpoints/{hash}", s.handleRename)
			r.Get("/checkpoints/{hash}/exists", s.handleExists)
			r.Get("/checkpoints/{hash}/sibling", s.handleSibling)
			r.Get("/events", s.handleEvents)
			r.Post("/link/encode", s.handleEncode)
			r.Post("/link/decode", s.handleDecode)
			r.Get("/session", s.handleSession)
		})
	})

	return r
}

func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, password, ok := r.BasicAuth()
		if !ok || bcrypt.CompareHashAndPassword(s.passwordHash, []byte(password)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="jsonview"`)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type checkpointDTO struct {
	Hash    string `json:"hash"`
	Date    int64  `json:"date"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
	Source  string `json:"source"`
}

func toDTO(cp checkpoint.Checkpoint) checkpointDTO {
	return checkpointDTO{
		Hash:    cp.Hash,
		Date:    cp.Date.Unix(),
		Name:    cp.Name,
		Content: cp.Content,
		Source:  string(cp.Source),
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	f := checkpoint.Filter{
		Source: checkpoint.Source(r.URL.Query().Get("source")),
		Query:  r.URL.Query().Get("q"),
	}
	list, err := s.store.List(r.Context(), f)
	if err != nil {
		s.storeError(w, "list checkpoints", err)
		return
	}
	out := make([]checkpointDTO, 0, len(list))
	for _, cp := range list {
		out = append(out, toDTO(cp))
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": out})
}

func (s *Server) handleUpsert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
		Source  string `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}
	if err := s.store.Upsert(r.Context(), req.Content, checkpoint.Source(req.Source)); err != nil {
		if errors.Is(err, checkpoint.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.storeError(w, "upsert checkpoint", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	cp, err := s.store.Latest(r.Context())
	if err != nil {
		s.storeError(w, "latest checkpoint", err)
		return
	}
	if cp == nil {
		writeError(w, http.StatusNotFound, "no checkpoints")
		return
	}
	writeJSON(w, http.StatusOK, toDTO(*cp))
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}
	// Renaming an absent hash is a no-op by contract, so this always 204s
	// on a healthy store.
	if err := s.store.Rename(r.Context(), chi.URLParam(r, "hash"), req.Name); err != nil {
		s.storeError(w, "rename checkpoint", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExists(w http.ResponseWriter, r *http.Request) {
	ok, err := s.store.Exists(r.Context(), chi.URLParam(r, "hash"))
	if err != nil {
		s.storeError(w, "checkpoint exists", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"exists": ok})
}

func (s *Server) handleSibling(w http.ResponseWriter, r *http.Request) {
	dir := checkpoint.Direction(r.URL.Query().Get("dir"))
	cp, err := s.store.Sibling(r.Context(), chi.URLParam(r, "hash"), dir)
	if err != nil {
		if errors.Is(err, checkpoint.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.storeError(w, "sibling checkpoint", err)
		return
	}
	if cp == nil {
		writeError(w, http.StatusNotFound, "no such sibling")
		return
	}
	writeJSON(w, http.StatusOK, toDTO(*cp))
}

// handleEvents streams checkpoint change signals as server-sent events.
// Consumers re-fetch the list on every event; the event carries no payload.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	changes, cancel := s.store.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-changes:
			fmt.Fprint(w, "event: change\ndata: {}\n\n")
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func (s *Server) handleEncode(w http.ResponseWriter, r *http.Request) {
	var state linkcodec.RouteState
	if err := json.NewDecoder(r.Body).Decode(&state); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}
	fragment, err := s.codec.Encode(r.Context(), state)
	if err != nil {
		s.logger.Error("httpapi: encode link", "error", err)
		writeError(w, http.StatusInternalServerError, "encode failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"fragment": fragment})
}

func (s *Server) handleDecode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Fragment string `json:"fragment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}
	state, err := s.codec.Decode(r.Context(), req.Fragment)
	if err != nil {
		s.logger.Error("httpapi: decode link", "error", err)
		writeError(w, http.StatusInternalServerError, "decode failed")
		return
	}
	if state == nil {
		// Malformed or empty fragment: no state, not an error.
		writeJSON(w, http.StatusOK, map[string]any{"found": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"found":                true,
		"text":                 state.Text,
		"initiallyFocusedPath": state.InitiallyFocusedPath,
	})
}

func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	status := http.StatusInternalServerError
	if errors.Is(err, engine.ErrSchemaMismatch) {
		status = http.StatusBadGateway // stored data does not match the schema we expect
	}
	s.logger.Error("httpapi: "+op, "error", err)
	writeError(w, status, op+" failed")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("httpapi: write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
