// Package token signs and verifies the access and refresh JWTs. A Codec holds
// no state beyond its immutable keys; every call derives its result from the
// token bytes alone.
package token

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/memberauth/internal/member"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Kind selects the key and lifetime used for a token.
type Kind int

const (
	Access Kind = iota
	Refresh
)

func (k Kind) String() string {
	switch k {
	case Access:
		return "access"
	case Refresh:
		return "refresh"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Verification failures, checked in this order. Exactly one is returned.
var (
	ErrTokenEmpty            = errors.New("token is empty")
	ErrTokenMalformed        = errors.New("token is malformed")
	ErrTokenSignatureInvalid = errors.New("token signature is invalid")
	ErrTokenExpired          = errors.New("token is expired")
	ErrTokenInvalidClaims    = errors.New("token claims are invalid")
)

// KeyConfig is the secret and lifetime of one token kind.
type KeyConfig struct {
	Secret []byte
	TTL    time.Duration
}

// Config holds the signing keys and lifetimes of both token kinds.
type Config struct {
	Access  KeyConfig
	Refresh KeyConfig
	// Issuer is written to and required in every token when set.
	Issuer string
	// Now defaults to time.Now.
	Now func() time.Time
}

// Claims is the payload of both token kinds.
type Claims struct {
	MemberID int64    `json:"memberId"`
	Name     string   `json:"name"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

// Principal rebuilds a fresh principal value from the claims.
func (c *Claims) Principal() (member.Principal, error) {
	if c.Subject == "" {
		return member.Principal{}, fmt.Errorf("missing subject: %w", ErrTokenInvalidClaims)
	}
	roles, err := member.RoleSetFromStrings(c.Roles)
	if err != nil {
		return member.Principal{}, fmt.Errorf("%v: %w", err, ErrTokenInvalidClaims)
	}
	return member.Principal{
		MemberID:    c.MemberID,
		Email:       c.Subject,
		DisplayName: c.Name,
		Roles:       roles,
	}, nil
}

// Codec issues and verifies HS256 access and refresh tokens.
type Codec struct {
	cfg Config
}

// NewCodec validates cfg and returns a ready Codec.
func NewCodec(cfg Config) (*Codec, error) {
	if len(cfg.Access.Secret) == 0 || len(cfg.Refresh.Secret) == 0 {
		return nil, errors.New("access and refresh secrets are required")
	}
	if bytes.Equal(cfg.Access.Secret, cfg.Refresh.Secret) {
		return nil, errors.New("access and refresh secrets must differ")
	}
	if cfg.Access.TTL <= 0 || cfg.Refresh.TTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Codec{cfg: cfg}, nil
}

func (c *Codec) key(kind Kind) KeyConfig {
	if kind == Refresh {
		return c.cfg.Refresh
	}
	return c.cfg.Access
}

// TTL returns the configured lifetime of kind.
func (c *Codec) TTL(kind Kind) time.Duration { return c.key(kind).TTL }

// Issue signs a token of the given kind for p.
func (c *Codec) Issue(p member.Principal, kind Kind) (string, error) {
	signed, _, err := c.IssueWithExpiry(p, kind)
	return signed, err
}

// IssueWithExpiry is Issue that also reports the exp claim written, so
// callers can persist the same instant.
func (c *Codec) IssueWithExpiry(p member.Principal, kind Kind) (string, time.Time, error) {
	k := c.key(kind)
	// NumericDate has second precision, so truncate first to keep exp-iat exact.
	now := c.cfg.Now().Truncate(time.Second)
	exp := now.Add(k.TTL)

	claims := Claims{
		MemberID: p.MemberID,
		Name:     p.DisplayName,
		Roles:    p.Roles.Strings(),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   p.Email,
			Issuer:    c.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(k.Secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token.Issue %s: %w", kind, err)
	}
	return signed, exp, nil
}

// Verify parses tokenStr with the key of kind and classifies any failure as
// one of the ErrToken* values.
func (c *Codec) Verify(tokenStr string, kind Kind) (*Claims, error) {
	if strings.TrimSpace(tokenStr) == "" {
		return nil, ErrTokenEmpty
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.cfg.Now),
	}
	if c.cfg.Issuer != "" {
		options = append(options, jwt.WithIssuer(c.cfg.Issuer))
	}

	secret := c.key(kind).Secret
	claims := &Claims{}
	tok, err := jwt.NewParser(options...).ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil {
		return nil, classify(err)
	}
	if !tok.Valid {
		return nil, ErrTokenInvalidClaims
	}
	return claims, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrTokenSignatureInvalid, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrTokenExpired, err)
	default:
		return fmt.Errorf("%w: %v", ErrTokenInvalidClaims, err)
	}
}
