package api

import (
	"errors"
	"net/http"

	"github.com/flowmerce/flowmerce/internal/auth"
	"github.com/flowmerce/flowmerce/internal/store"
)

type authResponse struct {
	User    *store.User `json:"user"`
	Access  string      `json:"access"`
	Refresh string      `json:"refresh"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterInput
	if !s.decodeJSON(w, r, &req) {
		return
	}
	user, err := s.auth.Register(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	pair, user, err := s.auth.Login(r.Context(), user.Email, req.Password)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.audit(r, "user.registered", user.ID, nil)
	writeJSON(w, http.StatusCreated, authResponse{User: user, Access: pair.Access, Refresh: pair.Refresh})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	pair, user, err := s.auth.Login(r.Context(), req.Email, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		s.audit(r, "login.failed", 0, map[string]string{"email": auth.NormalizeEmail(req.Email)})
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.audit(r, "login.success", user.ID, nil)
	writeJSON(w, http.StatusOK, authResponse{User: user, Access: pair.Access, Refresh: pair.Refresh})
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	access, err := s.auth.Refresh(r.Context(), req.Refresh)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			writeError(w, http.StatusUnauthorized, "token is invalid or expired")
			return
		}
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access": access})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if err := s.auth.Logout(r.Context(), req.Refresh); err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			writeError(w, http.StatusBadRequest, "token is invalid or expired")
			return
		}
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusResetContent)
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	user, err := s.auth.GetUser(r.Context(), identity.UserID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	var req auth.ProfileUpdate
	if !s.decodeJSON(w, r, &req) {
		return
	}
	user, err := s.auth.UpdateProfile(r.Context(), identity.UserID, req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	listHandler(s, w, r, func(p store.Page) ([]store.User, int, error) {
		return s.auth.ListUsers(r.Context(), p)
	})
}
