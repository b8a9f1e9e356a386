package token

import (
	"testing"
	"time"

	"github.com/example/memberauth/internal/member"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newCodec(t *testing.T, clock *fakeClock) *Codec {
	t.Helper()
	cfg := Config{
		Access:  KeyConfig{Secret: []byte("access-secret-access-secret"), TTL: 30 * time.Minute},
		Refresh: KeyConfig{Secret: []byte("refresh-secret-refresh-secret"), TTL: 7 * 24 * time.Hour},
		Issuer:  "memberauth",
	}
	if clock != nil {
		cfg.Now = clock.Now
	}
	c, err := NewCodec(cfg)
	require.NoError(t, err)
	return c
}

var alice = member.Principal{
	MemberID:    42,
	Email:       "a@b.com",
	DisplayName: "Alice",
	Roles:       member.NewRoleSet(member.RoleUser, member.RoleAdmin),
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	c := newCodec(t, nil)
	for _, kind := range []Kind{Access, Refresh} {
		tok, err := c.Issue(alice, kind)
		require.NoError(t, err)

		claims, err := c.Verify(tok, kind)
		require.NoError(t, err, kind.String())
		require.Equal(t, "a@b.com", claims.Subject)
		require.Equal(t, "memberauth", claims.Issuer)

		p, err := claims.Principal()
		require.NoError(t, err)
		require.Equal(t, alice, p)
	}
}

func TestKeyIsolation(t *testing.T) {
	c := newCodec(t, nil)

	access, err := c.Issue(alice, Access)
	require.NoError(t, err)
	_, err = c.Verify(access, Refresh)
	require.ErrorIs(t, err, ErrTokenSignatureInvalid)

	refresh, err := c.Issue(alice, Refresh)
	require.NoError(t, err)
	_, err = c.Verify(refresh, Access)
	require.ErrorIs(t, err, ErrTokenSignatureInvalid)
}

func TestExpiryMinusIssuedAtEqualsTTL(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 600_000_000, time.UTC)}
	c := newCodec(t, clock)
	for _, kind := range []Kind{Access, Refresh} {
		tok, err := c.Issue(alice, kind)
		require.NoError(t, err)
		claims, err := c.Verify(tok, kind)
		require.NoError(t, err)
		require.Equal(t, c.TTL(kind), claims.ExpiresAt.Sub(claims.IssuedAt.Time))

		_, exp, err := c.IssueWithExpiry(alice, kind)
		require.NoError(t, err)
		require.True(t, exp.Equal(claims.ExpiresAt.Time))
	}
}

func TestVerifyClassification(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	c := newCodec(t, clock)

	valid, err := c.Issue(alice, Access)
	require.NoError(t, err)

	other, err := NewCodec(Config{
		Access:  KeyConfig{Secret: []byte("someone-else"), TTL: time.Minute},
		Refresh: KeyConfig{Secret: []byte("someone-else-refresh"), TTL: time.Hour},
		Issuer:  "memberauth",
	})
	require.NoError(t, err)
	forged, err := other.Issue(alice, Access)
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "a@b.com",
		Issuer:    "memberauth",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", ErrTokenEmpty},
		{"blank", "   ", ErrTokenEmpty},
		{"not a jwt", "definitely-not-a-token", ErrTokenMalformed},
		{"bad segments", "not.a.jwt", ErrTokenMalformed},
		{"foreign key", forged, ErrTokenSignatureInvalid},
		{"alg none", unsigned, ErrTokenSignatureInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Verify(tt.token, Access)
			require.ErrorIs(t, err, tt.want)
		})
	}

	clock.Advance(31 * time.Minute)
	_, err = c.Verify(valid, Access)
	require.ErrorIs(t, err, ErrTokenExpired)
	require.NotErrorIs(t, err, ErrTokenSignatureInvalid)
}

func TestVerifyRejectsWrongIssuerAndUnknownRole(t *testing.T) {
	c := newCodec(t, nil)
	secret := []byte("access-secret-access-secret")

	wrongIssuer := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "a@b.com",
			Issuer:    "elsewhere",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	})
	signed, err := wrongIssuer.SignedString(secret)
	require.NoError(t, err)
	_, err = c.Verify(signed, Access)
	require.ErrorIs(t, err, ErrTokenInvalidClaims)

	rootRole := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Roles: []string{"ROOT"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "a@b.com",
			Issuer:    "memberauth",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	})
	signed, err = rootRole.SignedString(secret)
	require.NoError(t, err)
	claims, err := c.Verify(signed, Access)
	require.NoError(t, err)
	_, err = claims.Principal()
	require.ErrorIs(t, err, ErrTokenInvalidClaims)
}

func TestNewCodecValidation(t *testing.T) {
	good := KeyConfig{Secret: []byte("a"), TTL: time.Minute}

	_, err := NewCodec(Config{Access: good, Refresh: KeyConfig{TTL: time.Minute}})
	require.Error(t, err)

	_, err = NewCodec(Config{Access: good, Refresh: good})
	require.Error(t, err, "shared secret must be rejected")

	_, err = NewCodec(Config{Access: good, Refresh: KeyConfig{Secret: []byte("b")}})
	require.Error(t, err)
}
