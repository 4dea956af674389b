package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/colloquy/internal/auth"
	"github.com/nugget/colloquy/internal/store"
)

// credentials is the register and login request body.
type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// tokenResponse is returned by login and refresh.
type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	ExpiresAt   time.Time   `json:"expires_at"`
	User        *store.User `json:"user,omitempty"`
}

// bearerToken extracts the token from the Authorization header. The
// access_token query parameter is accepted for WebSocket clients,
// which cannot set headers.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

// requireAuth resolves the bearer token to a user and stores it in the
// request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			s.errorResponse(w, http.StatusUnauthorized, "not authenticated")
			return
		}

		u, err := s.auth.Authenticate(r.Context(), token)
		switch {
		case err == nil:
		case errors.Is(err, auth.ErrInactive):
			s.errorResponse(w, http.StatusForbidden, "inactive user")
			return
		case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
			w.Header().Set("WWW-Authenticate", "Bearer")
			s.errorResponse(w, http.StatusUnauthorized, "could not validate credentials")
			return
		default:
			s.logger.Error("authentication failed", "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "internal server error")
			return
		}

		next(w, r.WithContext(auth.WithUser(r.Context(), u)))
	}
}

// currentUser returns the user stored by requireAuth.
func currentUser(r *http.Request) *store.User {
	u, _ := auth.UserFrom(r.Context())
	return u
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if !s.decodeJSON(w, r, &req) {
		return
	}

	u, err := s.auth.Register(r.Context(), req.Email, req.Password)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrEmailTaken):
		s.errorResponse(w, http.StatusBadRequest, "Email already registered")
		return
	case errors.Is(err, auth.ErrInvalidInput):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	default:
		s.logger.Error("registration failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal server error")
		return
	}

	s.logger.Info("user registered", "user_id", u.ID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, u, s.logger)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if !s.decodeJSON(w, r, &req) {
		return
	}

	token, exp, u, err := s.auth.Login(r.Context(), req.Email, req.Password)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrInvalidCredentials):
		w.Header().Set("WWW-Authenticate", "Bearer")
		s.errorResponse(w, http.StatusUnauthorized, "Incorrect email or password")
		return
	case errors.Is(err, auth.ErrInactive):
		s.errorResponse(w, http.StatusForbidden, "inactive user")
		return
	default:
		s.logger.Error("login failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, tokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresAt:   exp,
		User:        u,
	}, s.logger)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, currentUser(r), s.logger)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token, exp, err := s.auth.Issuer().Issue(currentUser(r))
	if err != nil {
		s.logger.Error("token refresh failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, tokenResponse{AccessToken: token, TokenType: "bearer", ExpiresAt: exp}, s.logger)
}
