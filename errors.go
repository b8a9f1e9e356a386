package main

import (
	"errors"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/example/memberauth/internal/auth"
	"github.com/example/memberauth/internal/logctx"
	"github.com/example/memberauth/internal/member"
	"github.com/example/memberauth/internal/security"
	"github.com/example/memberauth/internal/store"
)

// writeError writes a structured error response
func (a *App) writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	a.Responder.Error(w, r, status, message)
}

// writeAuthError maps service errors to responses. Anything unrecognized is
// logged and answered with 500.
func (a *App) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrBadCredentials):
		a.writeError(w, r, http.StatusUnauthorized, "invalid email or password")
	case errors.Is(err, auth.ErrRefreshExpired):
		a.Responder.TokenError(w, r, security.CodeExpiredRefreshToken)
	case errors.Is(err, auth.ErrUnknownTokenError):
		a.Responder.TokenError(w, r, security.CodeUnknownError)
	case errors.Is(err, auth.ErrRefreshTokenUnknown):
		a.writeError(w, r, http.StatusNotFound, "refresh token not found")
	case errors.Is(err, auth.ErrMissingToken):
		a.writeError(w, r, http.StatusBadRequest, "refresh token is required")
	case errors.Is(err, bcrypt.ErrPasswordTooLong):
		a.writeError(w, r, http.StatusBadRequest, "password must be at most 72 bytes")
	case errors.Is(err, member.ErrEmailTaken):
		a.writeError(w, r, http.StatusConflict, "email already registered")
	case errors.Is(err, store.ErrNotFound):
		a.writeError(w, r, http.StatusNotFound, "not found")
	default:
		logctx.From(r.Context()).Error("request failed", "error", err)
		a.writeError(w, r, http.StatusInternalServerError, "internal server error")
	}
}
