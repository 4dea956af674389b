// Package api implements the Colloquy HTTP API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/colloquy/internal/auth"
	"github.com/nugget/colloquy/internal/buildinfo"
	"github.com/nugget/colloquy/internal/chat"
	"github.com/nugget/colloquy/internal/connwatch"
	"github.com/nugget/colloquy/internal/events"
	"github.com/nugget/colloquy/internal/metrics"
	"github.com/nugget/colloquy/internal/store"
	"github.com/nugget/colloquy/internal/usage"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// ModelLister reports the models installed in the generation runtime.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// Server is the HTTP API server.
type Server struct {
	address      string
	port         int
	chat         *chat.Service
	store        *store.Store
	auth         *auth.Service
	models       ModelLister
	defaultModel string
	health       *connwatch.Manager
	usage        *usage.Store
	bus          *events.Bus
	metrics      *metrics.Metrics
	metricsPath  string
	logger       *slog.Logger
	server       *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, chatSvc *chat.Service, st *store.Store, authSvc *auth.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		chat:    chatSvc,
		store:   st,
		auth:    authSvc,
		logger:  logger,
	}
}

// SetModels configures the model listing endpoint.
func (s *Server) SetModels(lister ModelLister, defaultModel string) {
	s.models = lister
	s.defaultModel = defaultModel
}

// SetHealth configures the dependency health endpoints.
func (s *Server) SetHealth(mgr *connwatch.Manager) {
	s.health = mgr
}

// SetUsage configures the usage summary endpoint.
func (s *Server) SetUsage(u *usage.Store) {
	s.usage = u
}

// SetEvents configures the WebSocket event feed.
func (s *Server) SetEvents(bus *events.Bus) {
	s.bus = bus
}

// SetMetrics exposes the Prometheus registry at path.
func (s *Server) SetMetrics(m *metrics.Metrics, path string) {
	s.metrics = m
	s.metricsPath = path
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Service endpoints
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/health/{service}", s.handleServiceHealth)
	if s.metrics != nil && s.metricsPath != "" {
		mux.Handle("GET "+s.metricsPath, s.metrics.Handler())
	}

	// Accounts
	mux.HandleFunc("POST /v1/auth/register", s.handleRegister)
	mux.HandleFunc("POST /v1/auth/login", s.handleLogin)
	mux.HandleFunc("GET /v1/auth/me", s.requireAuth(s.handleMe))
	mux.HandleFunc("POST /v1/auth/refresh", s.requireAuth(s.handleRefresh))

	// Turns
	mux.HandleFunc("POST /v1/chat/send", s.requireAuth(s.handleChatSend))
	mux.HandleFunc("POST /v1/chat/regenerate", s.requireAuth(s.handleChatRegenerate))
	mux.HandleFunc("GET /v1/chat/models", s.handleModels)

	// Conversations
	mux.HandleFunc("GET /v1/conversations", s.requireAuth(s.handleConversationList))
	mux.HandleFunc("POST /v1/conversations", s.requireAuth(s.handleConversationCreate))
	mux.HandleFunc("GET /v1/conversations/{id}", s.requireAuth(s.handleConversationGet))
	mux.HandleFunc("PUT /v1/conversations/{id}", s.requireAuth(s.handleConversationUpdate))
	mux.HandleFunc("DELETE /v1/conversations/{id}", s.requireAuth(s.handleConversationDelete))
	mux.HandleFunc("GET /v1/conversations/{id}/messages", s.requireAuth(s.handleMessageList))
	mux.HandleFunc("DELETE /v1/conversations/{id}/messages/{messageID}", s.requireAuth(s.handleMessageDelete))
	mux.HandleFunc("GET /v1/conversations/{id}/export", s.requireAuth(s.handleConversationExport))

	// Live feed and accounting
	mux.HandleFunc("GET /v1/events", s.requireAuth(s.handleEvents))
	mux.HandleFunc("GET /v1/usage", s.requireAuth(s.handleUsage))

	return s.withLogging(mux)
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 150 * time.Second, // generation may take up to two minutes
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Colloquy",
		"version": buildinfo.Info()["version"],
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"status":  "healthy",
		"service": "colloquy",
		"version": buildinfo.Info()["version"],
	}, s.logger)
}

func errorType(code int) string {
	switch {
	case code == http.StatusUnauthorized:
		return "authentication_error"
	case code == http.StatusForbidden:
		return "permission_error"
	case code == http.StatusNotFound:
		return "not_found_error"
	case code >= 500:
		return "server_error"
	default:
		return "invalid_request_error"
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errorType(code),
			"code":    code,
		},
	}, s.logger)
}

// decodeJSON reads a bounded JSON body into v, answering 400 itself
// when the body is unusable.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.errorResponse(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}

// pathID parses a positive integer path value.
func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	return id, err == nil && id > 0
}
