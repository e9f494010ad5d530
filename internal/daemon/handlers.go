package daemon

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/felixgeelhaar/picala/internal/authstate"
	"github.com/felixgeelhaar/picala/internal/domain"
	"github.com/felixgeelhaar/picala/internal/identity"
	"github.com/felixgeelhaar/picala/internal/password"
)

// Request bodies

type credentialsRequest struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password,omitempty"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type passwordRequest struct {
	Password string `json:"password"`
}

type linkRequest struct {
	URL string `json:"url"`
}

type lifecycleRequest struct {
	State string `json:"state"`
}

// Health & status

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	state := s.svc.container.State()
	ka := s.svc.keepalive.Status()
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"status":      "running",
		"version":     Version,
		"provider":    s.svc.client.BackendName(),
		"token_store": s.svc.store.Mode(),
		"phase":       s.svc.container.Phase().String(),
		"auth":        state,
		"keepalive": map[string]any{
			"app_state": ka.AppState,
			"armed":     ka.Armed,
			"interval":  ka.Interval.String(),
			"margin":    ka.Margin.String(),
		},
		"events_connected": s.svc.bus != nil && s.svc.bus.IsConnected(),
	})
}

// Auth state

func (s *Server) handleAuthState(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, s.svc.container.State())
}

// handleAuthRoute answers the route guard. With wait=true it blocks until
// the session has been rehydrated instead of answering "loading".
func (s *Server) handleAuthRoute(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("wait") == "true" {
		select {
		case <-s.svc.container.Ready():
		case <-r.Context().Done():
			s.jsonError(w, http.StatusServiceUnavailable, "auth state still loading", "Loading")
			return
		}
	}
	state := s.svc.container.State()
	allowed, redirect := authstate.Guard(state)
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"destination": authstate.Destination(state),
		"allowed":     allowed,
		"redirect":    redirect,
	})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.svc.client.GetUser(r.Context())
	if err != nil {
		s.authError(w, err)
		return
	}
	if user == nil {
		s.jsonError(w, http.StatusUnauthorized, identity.Message(identity.CodeSessionMissing), string(identity.CodeSessionMissing))
		return
	}
	s.jsonResponse(w, http.StatusOK, user)
}

// User actions

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.ConfirmPassword != "" {
		if err := identity.ValidateRegistration(identity.Registration{
			Email:           req.Email,
			Password:        req.Password,
			ConfirmPassword: req.ConfirmPassword,
		}); err != nil {
			s.authError(w, err)
			return
		}
	}

	result, err := s.svc.client.SignUp(r.Context(), req.Email, req.Password)
	if err != nil {
		s.authError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, result)
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !s.decode(w, r, &req) {
		return
	}
	user, err := s.svc.client.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		s.authError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, user)
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	err := s.svc.client.SignOut(r.Context())
	if err == nil {
		s.jsonResponse(w, http.StatusOK, map[string]any{"signed_out": true})
		return
	}

	// The local session is gone either way.
	var ae *identity.Error
	if errors.As(err, &ae) {
		s.jsonResponse(w, http.StatusOK, map[string]any{
			"signed_out": true,
			"warning":    ae.Message,
			"code":       ae.Code,
		})
		return
	}
	s.authError(w, err)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	session, err := s.svc.client.RefreshSession(r.Context())
	if err != nil {
		s.authError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"user":       session.User,
		"expires_at": session.ExpiresAt,
	})
}

func (s *Server) handleResend(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !s.decode(w, r, &req) {
		return
	}
	notice, err := s.svc.client.ResendVerificationEmail(r.Context(), req.Email)
	if err != nil {
		s.authError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, notice)
}

func (s *Server) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !s.decode(w, r, &req) {
		return
	}
	notice, err := s.svc.client.ForgotPassword(r.Context(), req.Email)
	if err != nil {
		s.authError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, notice)
}

func (s *Server) handlePasswordStrength(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.jsonResponse(w, http.StatusOK, password.Evaluate(req.Password))
}

// Deep links

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		s.jsonError(w, http.StatusBadRequest, "url is required", string(identity.CodeInvalidInput))
		return
	}

	out := s.svc.links.Handle(r.Context(), req.URL)
	resp := map[string]any{
		"kind":    out.Kind,
		"purpose": out.Purpose,
		"result":  out.Result,
	}
	if out.Route != nil {
		resp["route"] = out.Route.String()
	}
	if out.Error != nil {
		resp["code"] = out.Error.Code
		resp["error"] = out.Error.Message
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

// handleCallback receives email links opened in a browser and hands them to
// the deep link listener as if the app had been opened with them
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	link := s.cfg.DeepLinks.Scheme + "://callback"
	if r.URL.RawQuery != "" {
		link += "?" + r.URL.RawQuery
	}
	if !s.svc.inbox.Push(link) {
		http.Error(w, "The app is busy. Please open the link again.", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte("Link received. You can return to Picala.\n"))
}

// Lifecycle

func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	var req lifecycleRequest
	if !s.decode(w, r, &req) {
		return
	}
	state, err := domain.ParseAppState(req.State)
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, err.Error(), string(identity.CodeInvalidInput))
		return
	}
	// a client that disconnects does not abort the refresh
	refreshed := s.svc.keepalive.AppStateChanged(context.WithoutCancel(r.Context()), state)
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"state":     state,
		"refreshed": refreshed,
	})
}

// Navigation

func (s *Server) handleNavigation(w http.ResponseWriter, r *http.Request) {
	visits := s.svc.history.Recent()
	out := make([]map[string]any, 0, len(visits))
	for _, v := range visits {
		out = append(out, map[string]any{
			"route": v.Route.Name,
			"path":  v.Path,
			"at":    v.At.UTC().Format(time.RFC3339),
		})
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"visits": out})
}
