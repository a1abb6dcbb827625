// Package api implements the Loom HTTP API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/loom/internal/agent"
	"github.com/nugget/loom/internal/buildinfo"
	"github.com/nugget/loom/internal/card"
	"github.com/nugget/loom/internal/store"
	"github.com/nugget/loom/internal/usage"
)

// maxBodyBytes caps request bodies; lorebooks are the largest documents.
const maxBodyBytes = 4 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, code int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address string
	engine  *agent.Engine
	usage   *usage.Store
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server bound to address (host:port).
func NewServer(address string, engine *agent.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		engine:  engine,
		logger:  logger.With("component", "api"),
	}
}

// SetUsageStore enables the usage endpoint.
func (s *Server) SetUsageStore(u *usage.Store) {
	s.usage = u
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/sessions", s.handleSessionList)
	mux.HandleFunc("POST /v1/sessions", s.handleSessionCreate)
	mux.HandleFunc("POST /v1/sessions/{id}/chat", s.handleChat)
	mux.HandleFunc("POST /v1/sessions/{id}/reset", s.handleReset)
	mux.HandleFunc("GET /v1/sessions/{id}/history", s.handleHistory)
	mux.HandleFunc("GET /v1/sessions/{id}/preview", s.handlePreview)
	mux.HandleFunc("PUT /v1/sessions/{id}/documents/{kind}", s.handleDocumentPut)

	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)

	return s.withLogging(mux)
}

// Start serves HTTP until the server is shut down.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.address,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // a turn may walk the whole fallback chain
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	s.logger.Info("starting API server", "address", s.address)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

// storeError maps document errors to a status code.
func (s *Server) storeError(w http.ResponseWriter, err error) {
	var me *store.MissingError
	var fe *card.FieldError
	switch {
	case errors.As(err, &me):
		s.errorResponse(w, http.StatusNotFound, err.Error())
	case errors.As(err, &fe):
		s.errorResponse(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error("store operation failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.engine.Sessions(r.Context())
	if err != nil {
		s.storeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []store.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions}, s.logger)
}

// CreateSessionRequest creates a session from a persona.
type CreateSessionRequest struct {
	ID      string        `json:"id,omitempty"`
	Persona *card.Persona `json:"persona"`
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id, err := s.engine.CreateSession(r.Context(), req.ID, req.Persona)
	if errors.Is(err, agent.ErrSessionExists) {
		s.errorResponse(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id}, s.logger)
}

// ChatRequest is one user turn.
type ChatRequest struct {
	Message  string `json:"message"`
	UserName string `json:"user_name,omitempty"`
}

// ChatResponse carries the reply, which is null when the turn failed.
type ChatResponse struct {
	Reply     *string `json:"reply"`
	RequestID string  `json:"request_id,omitempty"`
	Error     string  `json:"error,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	res, err := s.engine.Turn(r.Context(), agent.TurnRequest{
		SessionID: id,
		Text:      req.Message,
		UserName:  req.UserName,
		RequestID: w.Header().Get("X-Request-ID"),
	})
	if err != nil {
		s.logger.Error("turn failed", "session", id, "error", err)
		code := http.StatusBadGateway
		var me *store.MissingError
		if errors.As(err, &me) {
			code = http.StatusNotFound
		}
		writeJSON(w, code, ChatResponse{Error: err.Error()}, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, ChatResponse{Reply: &res.Reply, RequestID: res.RequestID}, s.logger)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	h, err := s.engine.Reset(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h, s.logger)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	h, err := s.engine.History(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h, s.logger)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	text := r.URL.Query().Get("text")
	if strings.TrimSpace(text) == "" {
		s.errorResponse(w, http.StatusBadRequest, "text query parameter is required")
		return
	}
	msgs, err := s.engine.Preview(r.Context(), r.PathValue("id"), text)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs}, s.logger)
}

// documentFormat picks the decoder for an uploaded document: an
// explicit ?format= wins, then a YAML content type, then JSON.
func documentFormat(r *http.Request) string {
	if f := r.URL.Query().Get("format"); f != "" {
		return f
	}
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if strings.Contains(mt, "yaml") {
		return "yaml"
	}
	return "json"
}

func (s *Server) handleDocumentPut(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	kind, err := store.ParseKind(r.PathValue("kind"))
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err.Error())
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.errorResponse(w, http.StatusRequestEntityTooLarge, "document too large")
		return
	}

	if err := s.engine.Import(r.Context(), id, kind, data, documentFormat(r)); err != nil {
		s.errorResponse(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUsage reports turn totals. ?session= narrows to one session and
// ?since= (a Go duration, default 24h) sets the window.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusNotFound, "usage tracking is not enabled")
		return
	}

	window := 24 * time.Hour
	if v := r.URL.Query().Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "since must be a positive duration")
			return
		}
		window = d
	}
	end := time.Now()
	start := end.Add(-window)

	session := r.URL.Query().Get("session")
	total, err := s.usage.Summary(r.Context(), session, start, end.Add(time.Second))
	if err != nil {
		s.storeError(w, err)
		return
	}
	resp := map[string]any{
		"since": start.UTC(),
		"total": total,
	}
	if session == "" {
		bySession, err := s.usage.SummaryBySession(r.Context(), start, end.Add(time.Second))
		if err != nil {
			s.storeError(w, err)
			return
		}
		resp["sessions"] = bySession
	}
	writeJSON(w, http.StatusOK, resp, s.logger)
}
