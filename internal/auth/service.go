// Package auth orchestrates login, access token re-issue and logout on top of
// the token codec, the refresh token store and a credential verifier.
//
// A Service holds no per-request state and is safe for concurrent use as long
// as its store is.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/example/memberauth/internal/member"
	"github.com/example/memberauth/internal/metrics"
	"github.com/example/memberauth/internal/store"
	"github.com/example/memberauth/internal/token"
)

var (
	// ErrBadCredentials: the email/password pair was rejected. Callers never
	// learn whether the email exists. HTTP 401.
	ErrBadCredentials = errors.New("bad credentials")

	// ErrRefreshExpired: the refresh token is past its exp. Its record has
	// already been removed. HTTP 401 EXPIRED_REFRESH_TOKEN.
	ErrRefreshExpired = errors.New("refresh token expired")

	// ErrUnknownTokenError: the refresh token failed verification for any
	// reason other than expiry. HTTP 401 UNKNOWN_ERROR.
	ErrUnknownTokenError = errors.New("refresh token rejected")

	// ErrRefreshTokenUnknown: no stored record holds the token. HTTP 404.
	ErrRefreshTokenUnknown = errors.New("refresh token not found")

	// ErrMissingToken: logout was called without a token. HTTP 400.
	ErrMissingToken = errors.New("refresh token is missing")
)

// RotationPolicy decides what re-issue does with the refresh token.
type RotationPolicy int

const (
	// RotateNever hands the presented refresh token back unchanged.
	RotateNever RotationPolicy = iota
	// RotateOnUse issues a new refresh token on every re-issue and replaces
	// the stored one.
	RotateOnUse
)

func ParseRotationPolicy(s string) (RotationPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "never":
		return RotateNever, nil
	case "on_use":
		return RotateOnUse, nil
	default:
		return RotateNever, fmt.Errorf("unknown refresh rotation policy %q", s)
	}
}

func (p RotationPolicy) String() string {
	if p == RotateOnUse {
		return "on_use"
	}
	return "never"
}

// Result is returned by Login and Reauthenticate.
type Result struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	Email        string `json:"email"`
	Name         string `json:"name"`
}

type Deps struct {
	Codec    *token.Codec
	Store    store.RefreshTokenStore
	Verifier member.CredentialVerifier
	Policy   RotationPolicy
	// Metrics is optional.
	Metrics *metrics.Metrics
}

type Service struct {
	codec    *token.Codec
	store    store.RefreshTokenStore
	verifier member.CredentialVerifier
	policy   RotationPolicy
	metrics  *metrics.Metrics
}

func New(d Deps) (*Service, error) {
	if d.Codec == nil || d.Store == nil || d.Verifier == nil {
		return nil, errors.New("auth: codec, store and verifier are required")
	}
	return &Service{
		codec:    d.Codec,
		store:    d.Store,
		verifier: d.Verifier,
		policy:   d.Policy,
		metrics:  d.Metrics,
	}, nil
}
