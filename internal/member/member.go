// Package member holds the identity types the token layer works with and the
// narrow collaborators it consumes: a directory of members and a credential
// verifier.
package member

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrMemberNotFound = errors.New("member not found")
	ErrEmailTaken     = errors.New("email already taken")
	ErrBadCredentials = errors.New("bad credentials")
)

// Member is a stored member record.
type Member struct {
	ID           int64
	Email        string
	DisplayName  string
	PasswordHash string
	Roles        RoleSet
	CreatedAt    time.Time
}

// Principal is the authenticated identity carried by a token. It is a value:
// every request gets its own copy rebuilt from claims.
type Principal struct {
	MemberID    int64   `json:"memberId"`
	Email       string  `json:"email"`
	DisplayName string  `json:"name"`
	Roles       RoleSet `json:"roles"`
}

func (m *Member) Principal() Principal {
	return Principal{
		MemberID:    m.ID,
		Email:       m.Email,
		DisplayName: m.DisplayName,
		Roles:       m.Roles,
	}
}

// Directory looks members up by email.
type Directory interface {
	FindByEmail(ctx context.Context, email string) (*Member, error)
}

// Registry creates members. Only signup uses it.
type Registry interface {
	CreateMember(ctx context.Context, m Member) (*Member, error)
}

// CredentialVerifier authenticates an email/password pair.
type CredentialVerifier interface {
	Verify(ctx context.Context, email, password string) (Principal, error)
}

// NormalizeEmail trims and lower-cases an email so lookups are stable.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
