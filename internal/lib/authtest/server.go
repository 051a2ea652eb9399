// Package authtest runs an in-process Authentication Service speaking the
// same HTTP/JSON API as the real backend. It is used by tests and by
// `authctl --fake` for local development.
package authtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/LucasBBacon/tabletop-homebrew-app/internal/lib/jwt"
)

const (
	MsgInvalidCredentials  = "Incorrect username or password."
	MsgInvalidToken        = "Invalid or expired token."
	MsgRefreshTokenRevoked = "Refresh token has been revoked."
	MsgUsernameRegistered  = "Username already registered."
	MsgEmailRegistered     = "Email already registered."
)

const secret = "authtest-signing-secret"

type user struct {
	email    string
	password string
}

// Options tune the fake service.
type Options struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// RotateRefresh issues a new refresh token on every refresh.
	RotateRefresh bool
	// IssueTokensOnRegister returns a token pair from /auth/register.
	IssueTokensOnRegister bool
}

// Service is the handler; wrap it with httptest via NewServer or mount it.
type Service struct {
	opts Options

	mu      sync.Mutex
	users   map[string]user
	revoked map[string]bool
	down    bool

	LoginCalls    atomic.Int64
	RegisterCalls atomic.Int64
	RefreshCalls  atomic.Int64
	LogoutCalls   atomic.Int64
}

func New(opts Options) *Service {
	if opts.AccessTTL == 0 {
		opts.AccessTTL = 30 * time.Minute
	}
	if opts.RefreshTTL == 0 {
		opts.RefreshTTL = 7 * 24 * time.Hour
	}

	return &Service{
		opts:    opts,
		users:   make(map[string]user),
		revoked: make(map[string]bool),
	}
}

// NewServer starts the service on a loopback listener and closes it with t.
func NewServer(t interface{ Cleanup(func()) }, opts Options) (*Service, *httptest.Server) {
	svc := New(opts)
	srv := httptest.NewServer(svc)
	t.Cleanup(srv.Close)
	return svc, srv
}

// AddUser seeds an account.
func (s *Service) AddUser(username, email, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = user{email: email, password: password}
}

// Revoke blacklists a token as if it had been logged out elsewhere.
func (s *Service) Revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[token] = true
}

func (s *Service) IsRevoked(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revoked[token]
}

// SetDown makes every endpoint answer 503.
func (s *Service) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	down := s.down
	s.mu.Unlock()

	if down {
		writeError(w, http.StatusServiceUnavailable, "INTERNAL_SERVER_ERROR", "An unexpected internal server error occurred.")
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "HTTP_ERROR", "Method Not Allowed")
		return
	}

	switch r.URL.Path {
	case "/auth/login":
		s.login(w, r)
	case "/auth/register":
		s.register(w, r)
	case "/auth/refresh-token":
		s.refresh(w, r)
	case "/auth/logout":
		s.logout(w, r)
	default:
		writeError(w, http.StatusNotFound, "HTTP_ERROR", "Not Found")
	}
}

func (s *Service) login(w http.ResponseWriter, r *http.Request) {
	s.LoginCalls.Add(1)

	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Input validation failed.")
		return
	}

	username, password := r.PostForm.Get("username"), r.PostForm.Get("password")

	s.mu.Lock()
	u, ok := s.users[username]
	s.mu.Unlock()

	if !ok || u.password != password {
		writeError(w, http.StatusUnauthorized, "HTTP_ERROR", MsgInvalidCredentials)
		return
	}

	s.writePair(w, http.StatusOK, username)
}

func (s *Service) register(w http.ResponseWriter, r *http.Request) {
	s.RegisterCalls.Add(1)

	var in struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Username == "" || in.Password == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Input validation failed.")
		return
	}

	s.mu.Lock()
	if _, exists := s.users[in.Username]; exists {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, "HTTP_ERROR", MsgUsernameRegistered)
		return
	}
	for _, u := range s.users {
		if strings.EqualFold(u.email, in.Email) {
			s.mu.Unlock()
			writeError(w, http.StatusBadRequest, "HTTP_ERROR", MsgEmailRegistered)
			return
		}
	}
	s.users[in.Username] = user{email: in.Email, password: in.Password}
	s.mu.Unlock()

	if s.opts.IssueTokensOnRegister {
		s.writePair(w, http.StatusCreated, in.Username)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"msg": "User registered successfully",
		"id":  uuid.NewString(),
	})
}

func (s *Service) refresh(w http.ResponseWriter, r *http.Request) {
	s.RefreshCalls.Add(1)

	var in struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.RefreshToken == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Input validation failed.")
		return
	}

	if s.IsRevoked(in.RefreshToken) {
		writeError(w, http.StatusUnauthorized, "HTTP_ERROR", MsgRefreshTokenRevoked)
		return
	}

	claims, err := jwt.ParseToken(in.RefreshToken, secret)
	if err != nil || claims.Subject == "" {
		writeError(w, http.StatusUnauthorized, "HTTP_ERROR", MsgInvalidToken)
		return
	}

	access, err := jwt.NewToken(claims.Subject, secret, s.opts.AccessTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", err.Error())
		return
	}

	out := map[string]any{
		"access_token": access,
		"token_type":   "bearer",
	}

	if s.opts.RotateRefresh {
		rotated, err := jwt.NewToken(claims.Subject, secret, s.opts.RefreshTTL)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", err.Error())
			return
		}
		s.Revoke(in.RefreshToken)
		out["refresh_token"] = rotated
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Service) logout(w http.ResponseWriter, r *http.Request) {
	s.LogoutCalls.Add(1)

	access, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || access == "" {
		writeError(w, http.StatusUnauthorized, "HTTP_ERROR", "Not authenticated")
		return
	}

	var in struct {
		RefreshToken string `json:"refresh_token"`
	}
	_ = json.NewDecoder(r.Body).Decode(&in)

	s.Revoke(access)
	if in.RefreshToken != "" {
		s.Revoke(in.RefreshToken)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Logged out successfully",
	})
}

func (s *Service) writePair(w http.ResponseWriter, status int, username string) {
	access, err := jwt.NewToken(username, secret, s.opts.AccessTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", err.Error())
		return
	}
	refresh, err := jwt.NewToken(username, secret, s.opts.RefreshTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", err.Error())
		return
	}

	writeJSON(w, status, map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "bearer",
	})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"success":    false,
		"error_code": code,
		"message":    message,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
