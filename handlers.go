package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/memberauth/internal/logctx"
	"github.com/example/memberauth/internal/member"
	"github.com/example/memberauth/internal/security"
)

type creds struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type reissueRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v)
}

// HandleLogin: POST /auth
func (a *App) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var c creds
	if err := decodeJSON(w, r, &c); err != nil {
		a.writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(c.Email) == "" || c.Password == "" {
		a.writeError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}

	res, err := a.Auth.Login(r.Context(), c.Email, c.Password)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// HandleReissue: PUT /auth
func (a *App) HandleReissue(w http.ResponseWriter, r *http.Request) {
	var in reissueRequest
	if err := decodeJSON(w, r, &in); err != nil {
		a.writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(in.RefreshToken) == "" {
		a.writeError(w, r, http.StatusBadRequest, "refresh token is required")
		return
	}

	if _, err := a.Auth.FindStoredRefreshToken(r.Context(), in.RefreshToken); err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	res, err := a.Auth.Reauthenticate(r.Context(), in.RefreshToken)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// HandleLogout: DELETE /auth with the refresh token as bearer.
func (a *App) HandleLogout(w http.ResponseWriter, r *http.Request) {
	tok, ok := security.BearerToken(r)
	if !ok || tok == "" {
		a.writeError(w, r, http.StatusBadRequest, "refresh token is required")
		return
	}
	if err := a.Auth.Logout(r.Context(), tok); err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]bool{"loggedOut": true})
}

// HandleSignup: POST /members
func (a *App) HandleSignup(w http.ResponseWriter, r *http.Request) {
	var in signupRequest
	if err := decodeJSON(w, r, &in); err != nil {
		a.writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(in.Email))
	if err != nil || addr.Address != strings.TrimSpace(in.Email) {
		a.writeError(w, r, http.StatusBadRequest, "a valid email is required")
		return
	}
	if len(in.Password) < 8 {
		a.writeError(w, r, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}
	// bcrypt only takes the first 72 bytes
	if len(in.Password) > 72 {
		a.writeError(w, r, http.StatusBadRequest, "password must be at most 72 bytes")
		return
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		a.writeError(w, r, http.StatusBadRequest, "name is required")
		return
	}

	hashed, err := member.HashPassword(in.Password)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	m, err := a.Members.CreateMember(r.Context(), member.Member{
		Email:        addr.Address,
		DisplayName:  name,
		PasswordHash: hashed,
		Roles:        member.NewRoleSet(member.RoleUser),
	})
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	logctx.From(r.Context()).Info("member registered", "member_id", m.ID)
	writeJSON(w, r, http.StatusCreated, m.Principal())
}

// HandleMe: GET /members/me
func (a *App) HandleMe(w http.ResponseWriter, r *http.Request) {
	p, ok := security.PrincipalFrom(r.Context())
	if !ok {
		a.Responder.Unauthorized(w, r)
		return
	}
	writeJSON(w, r, http.StatusOK, p)
}

// HandleCountExpired: GET /admin/refresh-tokens/expired
func (a *App) HandleCountExpired(w http.ResponseWriter, r *http.Request) {
	n, err := a.Store.CountExpiredBefore(r.Context(), time.Now())
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]int64{"expired": n})
}

// HandleSweep: POST /admin/refresh-tokens/sweep
func (a *App) HandleSweep(w http.ResponseWriter, r *http.Request) {
	rep, err := a.Sweeper.RunOnce(r.Context())
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rep)
}

// HandleDeleteRefreshToken: DELETE /admin/refresh-tokens/{id}
func (a *App) HandleDeleteRefreshToken(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		a.writeError(w, r, http.StatusBadRequest, "invalid id")
		return
	}
	if err := a.Store.DeleteByID(r.Context(), id); err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (a *App) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for _, dep := range []any{a.Store, a.Members} {
		p, ok := dep.(pinger)
		if !ok {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			logctx.From(r.Context()).Warn("readiness check failed", "error", err)
			writeJSON(w, r, http.StatusServiceUnavailable, map[string]bool{"ready": false})
			return
		}
	}
	writeJSON(w, r, http.StatusOK, map[string]bool{"ready": true})
}
