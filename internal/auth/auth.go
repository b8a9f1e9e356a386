package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/example/memberauth/internal/logctx"
	"github.com/example/memberauth/internal/member"
	"github.com/example/memberauth/internal/metrics"
	"github.com/example/memberauth/internal/store"
	"github.com/example/memberauth/internal/token"
)

// Login verifies the credentials and starts a new session. Any previous
// refresh token of the member is replaced, so only the latest login can
// re-issue.
func (s *Service) Login(ctx context.Context, email, password string) (*Result, error) {
	const op = "auth.Login"
	log := logctx.From(ctx)

	p, err := s.verifier.Verify(ctx, email, password)
	if err != nil {
		if errors.Is(err, member.ErrBadCredentials) {
			s.metrics.Login(metrics.OutcomeBadCredentials)
			return nil, fmt.Errorf("%s: %w", op, ErrBadCredentials)
		}
		s.metrics.Login(metrics.OutcomeError)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if old, err := s.store.FindByMemberEmail(ctx, p.Email); err == nil {
		log.Info("replacing refresh token", "member_id", p.MemberID, "token_id", old.ID)
	} else if !errors.Is(err, store.ErrNotFound) {
		s.metrics.Login(metrics.OutcomeError)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	p.Roles = p.Roles.Expand()

	access, err := s.codec.Issue(p, token.Access)
	if err != nil {
		s.metrics.Login(metrics.OutcomeError)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	refresh, exp, err := s.codec.IssueWithExpiry(p, token.Refresh)
	if err != nil {
		s.metrics.Login(metrics.OutcomeError)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if _, err := s.store.Replace(ctx, p.MemberID, refresh, exp); err != nil {
		s.metrics.Login(metrics.OutcomeError)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.metrics.Login(metrics.OutcomeSuccess)
	log.Info("member logged in", "member_id", p.MemberID)
	return &Result{
		AccessToken:  access,
		RefreshToken: refresh,
		Email:        p.Email,
		Name:         p.DisplayName,
	}, nil
}

// Reauthenticate issues a new access token from a refresh token. A refresh
// token that fails verification is deleted from the store before the error
// is returned.
func (s *Service) Reauthenticate(ctx context.Context, refreshToken string) (*Result, error) {
	const op = "auth.Reauthenticate"
	log := logctx.From(ctx)

	claims, err := s.codec.Verify(refreshToken, token.Refresh)
	if err != nil {
		if delErr := s.store.DeleteByToken(ctx, refreshToken); delErr != nil {
			log.Error("delete rejected refresh token", "error", delErr)
		}
		if errors.Is(err, token.ErrTokenExpired) {
			s.metrics.Reissue(metrics.OutcomeExpired)
			return nil, fmt.Errorf("%s: %w", op, ErrRefreshExpired)
		}
		s.metrics.Reissue(metrics.OutcomeInvalid)
		log.Warn("refresh token rejected", "error", err)
		return nil, fmt.Errorf("%s: %w", op, ErrUnknownTokenError)
	}

	p, err := claims.Principal()
	if err != nil {
		s.metrics.Reissue(metrics.OutcomeInvalid)
		return nil, fmt.Errorf("%s: %w", op, ErrUnknownTokenError)
	}

	rt, err := s.store.FindByToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.metrics.Reissue(metrics.OutcomeInvalid)
			return nil, fmt.Errorf("%s: %w", op, ErrRefreshTokenUnknown)
		}
		s.metrics.Reissue(metrics.OutcomeError)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	access, err := s.codec.Issue(p, token.Access)
	if err != nil {
		s.metrics.Reissue(metrics.OutcomeError)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	res := &Result{
		AccessToken:  access,
		RefreshToken: refreshToken,
		Email:        p.Email,
		Name:         p.DisplayName,
	}

	if s.policy == RotateOnUse {
		next, exp, err := s.codec.IssueWithExpiry(p, token.Refresh)
		if err != nil {
			s.metrics.Reissue(metrics.OutcomeError)
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if _, err := s.store.Replace(ctx, rt.MemberID, next, exp); err != nil {
			s.metrics.Reissue(metrics.OutcomeError)
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		res.RefreshToken = next
	}

	s.metrics.Reissue(metrics.OutcomeSuccess)
	return res, nil
}

// Logout removes the refresh token. Unknown tokens are not an error.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	const op = "auth.Logout"

	if strings.TrimSpace(refreshToken) == "" {
		return fmt.Errorf("%s: %w", op, ErrMissingToken)
	}
	if err := s.store.DeleteByToken(ctx, refreshToken); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	logctx.From(ctx).Info("refresh token revoked")
	return nil
}

// FindStoredRefreshToken returns the stored record of refreshToken.
func (s *Service) FindStoredRefreshToken(ctx context.Context, refreshToken string) (*store.RefreshToken, error) {
	const op = "auth.FindStoredRefreshToken"

	rt, err := s.store.FindByToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", op, ErrRefreshTokenUnknown)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return rt, nil
}
