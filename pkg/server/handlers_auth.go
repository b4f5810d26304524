package server

import (
	"encoding/json"
	"net/http"

	"github.com/storeplane/storeplane/pkg/apierror"
	"github.com/storeplane/storeplane/pkg/audit"
	"github.com/storeplane/storeplane/pkg/auth"
)

type registerPayload struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	RequestID string     `json:"requestId"`
	User      *auth.User `json:"user"`
	Token     string     `json:"token"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if err := s.guard.CheckRegistration(ip); err != nil {
		writeError(w, r, s.log, err)
		return
	}

	var payload registerPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, r, s.log, apierror.New(apierror.CodeValidation, "invalid JSON body"))
		return
	}

	user, err := s.auth.Register(r.Context(), auth.RegisterRequest{
		Email:    payload.Email,
		Username: payload.Username,
		Password: payload.Password,
	})
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}

	s.audit.Record(r.Context(), audit.Entry{
		EventType: audit.EventSecurity,
		Message:   "user registered",
		IPAddress: ip,
		UserEmail: user.Email,
	})

	token, err := s.auth.IssueToken(user)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, authResponse{
		RequestID: RequestIDFrom(r.Context()),
		User:      user,
		Token:     token,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var payload loginPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, r, s.log, apierror.New(apierror.CodeValidation, "invalid JSON body"))
		return
	}

	ip := clientIP(r)
	email := auth.NormalizeEmail(payload.Email)
	if err := s.guard.CheckLogin(ip, email); err != nil {
		s.audit.Record(r.Context(), audit.Entry{
			EventType: audit.EventSecurity,
			Message:   "login blocked: " + string(apierror.CodeOf(err)),
			IPAddress: ip,
			UserEmail: email,
		})
		writeError(w, r, s.log, err)
		return
	}

	user, token, err := s.auth.Login(r.Context(), email, payload.Password)
	if err != nil {
		if apierror.CodeOf(err) == apierror.CodeInvalidCredentials {
			s.guard.RecordLoginFailure(email)
			s.audit.Record(r.Context(), audit.Entry{
				EventType: audit.EventSecurity,
				Message:   "login failed",
				IPAddress: ip,
				UserEmail: email,
			})
		}
		writeError(w, r, s.log, err)
		return
	}

	s.guard.RecordLoginSuccess(email)
	writeJSON(w, http.StatusOK, authResponse{
		RequestID: RequestIDFrom(r.Context()),
		User:      user,
		Token:     token,
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"requestId": RequestIDFrom(r.Context()),
		"user": map[string]any{
			"id":    identity.ID,
			"email": identity.Email,
			"role":  identity.Role,
		},
	})
}
