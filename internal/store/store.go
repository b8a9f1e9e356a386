// Package store persists refresh tokens. It holds no business logic: every
// operation is plain CRUD, and callers decide when records are created or
// removed.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by lookups that match no record.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a unique column would be duplicated.
	ErrAlreadyExists = errors.New("already exists")
)

// RefreshToken is a persisted refresh token.
type RefreshToken struct {
	ID        int64
	MemberID  int64
	Token     string
	ExpiresAt time.Time
	CreatedAt time.Time
}

func (t *RefreshToken) IsExpired(now time.Time) bool {
	return t.ExpiresAt.Before(now)
}

// RefreshTokenStore is the durable home of refresh tokens.
type RefreshTokenStore interface {
	Save(ctx context.Context, memberID int64, token string, expiresAt time.Time) (*RefreshToken, error)
	// Replace removes every record of memberID and inserts the new one
	// atomically, so no reader sees two live tokens for the member.
	Replace(ctx context.Context, memberID int64, token string, expiresAt time.Time) (*RefreshToken, error)
	FindByToken(ctx context.Context, token string) (*RefreshToken, error)
	FindByMemberEmail(ctx context.Context, email string) (*RefreshToken, error)
	// DeleteByID and DeleteByToken succeed when nothing matches.
	DeleteByID(ctx context.Context, id int64) error
	DeleteByToken(ctx context.Context, token string) error
	// DeleteAllExpiredBefore and CountExpiredBefore match expires_at < now.
	DeleteAllExpiredBefore(ctx context.Context, now time.Time) (int64, error)
	CountExpiredBefore(ctx context.Context, now time.Time) (int64, error)
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
