package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/felixgeelhaar/picala/internal/config"
	"github.com/felixgeelhaar/picala/internal/identity"
	"github.com/felixgeelhaar/picala/internal/metrics"
)

// Version is reported by the status endpoint
var Version = "0.1.0"

// Server represents the Picala daemon HTTP server
type Server struct {
	cfg     *config.LocalConfig
	server  *http.Server
	router  chi.Router
	svc     *services
	metrics *metrics.Collector
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// ServerConfig holds configuration for creating a new server
type ServerConfig struct {
	Config *config.LocalConfig
	// DataDir holds the token database and vault; empty keeps tokens in memory
	DataDir string
	// InitialURL is a deep link the daemon was launched with
	InitialURL string
	// Backend overrides the provider selected by Config
	Backend identity.Backend
	// Registry receives the metrics (default: a fresh registry)
	Registry *prometheus.Registry
	Logger   *slog.Logger
}

// NewServer creates a new daemon server. ctx bounds the background loops.
func NewServer(ctx context.Context, cfg ServerConfig) (*Server, error) {
	if cfg.Config == nil {
		return nil, errors.New("config is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	collector := metrics.NewCollector(registry)

	svc, err := newServices(cfg, collector, logger)
	if err != nil {
		return nil, fmt.Errorf("wire services: %w", err)
	}

	s := &Server{
		cfg:     cfg.Config,
		svc:     svc,
		metrics: collector,
		logger:  logger,
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.setupRoutes(registry)

	addr := fmt.Sprintf("%s:%d", cfg.Config.Daemon.Bind, cfg.Config.Daemon.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	r := chi.NewRouter()
	r.Use(recoveryMiddleware(s.logger))
	r.Use(correlationIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(metricsMiddleware(s.metrics))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.jsonError(w, http.StatusNotFound, "not found", "")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.jsonError(w, http.StatusMethodNotAllowed, "method not allowed", "")
	})

	// Browser redirect target for email links
	r.Get("/callback", s.handleCallback)
	r.Handle("/metrics", metrics.Handler(gatherer))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)

		r.Route("/auth", func(r chi.Router) {
			r.Get("/state", s.handleAuthState)
			r.Get("/route", s.handleAuthRoute)
			r.Get("/user", s.handleGetUser)
			r.Post("/signup", s.handleSignUp)
			r.Post("/signin", s.handleSignIn)
			r.Post("/signout", s.handleSignOut)
			r.Post("/refresh", s.handleRefresh)
			r.Post("/resend", s.handleResend)
			r.Post("/forgot-password", s.handleForgotPassword)
			r.Post("/password-strength", s.handlePasswordStrength)
		})

		r.Post("/links", s.handleLink)
		r.Post("/lifecycle", s.handleLifecycle)
		r.Get("/navigation", s.handleNavigation)
	})

	s.router = r
}

// Boot rehydrates the session and starts the keepalive, deep link and
// events loops. Start calls it; tests that serve through the router call it
// directly.
func (s *Server) Boot() {
	s.svc.start(s.ctx)
}

// Start boots the services and serves HTTP until Shutdown
func (s *Server) Start() error {
	s.Boot()
	s.logger.Info("starting picala daemon",
		"addr", s.server.Addr,
		"provider", s.svc.client.BackendName(),
		"token_store", s.svc.store.Mode(),
	)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server and the services
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down daemon...")
	err := s.server.Shutdown(ctx)
	s.cancel()
	s.svc.close()
	return err
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, status int, message, code string) {
	response := map[string]any{
		"error": message,
	}
	if code != "" {
		response["code"] = code
	}
	s.jsonResponse(w, status, response)
}

// authError writes a normalized identity error
func (s *Server) authError(w http.ResponseWriter, err error) {
	var ae *identity.Error
	if !errors.As(err, &ae) {
		s.logger.Error("unexpected auth failure", "error", err)
		s.jsonError(w, http.StatusInternalServerError, identity.Message(identity.CodeUnknown), string(identity.CodeUnknown))
		return
	}
	s.jsonError(w, statusFor(ae.Code), ae.Message, string(ae.Code))
}

// statusFor maps an error code to an HTTP status
func statusFor(code identity.Code) int {
	switch code {
	case identity.CodeInvalidCredentials, identity.CodeSessionMissing:
		return http.StatusUnauthorized
	case identity.CodeEmailNotConfirmed, identity.CodeVerificationRequired:
		return http.StatusForbidden
	case identity.CodeUserAlreadyExists:
		return http.StatusConflict
	case identity.CodeUserNotFound:
		return http.StatusNotFound
	case identity.CodeRateLimited:
		return http.StatusTooManyRequests
	case identity.CodeNetworkError:
		return http.StatusBadGateway
	case identity.CodeWeakPassword, identity.CodeInvalidEmail, identity.CodeInvalidInput,
		identity.CodeVerificationFailed, identity.CodeInvalidOrExpiredToken:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid request body", string(identity.CodeInvalidInput))
		return false
	}
	return true
}
