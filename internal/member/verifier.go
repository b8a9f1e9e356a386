package member

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

func HashPassword(p string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(p), bcrypt.DefaultCost)
	return string(b), err
}

func comparePassword(hash, p string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(p)) == nil
}

// BcryptVerifier checks passwords against bcrypt hashes held in a Directory.
type BcryptVerifier struct {
	dir   Directory
	dummy string
}

func NewBcryptVerifier(dir Directory) (*BcryptVerifier, error) {
	// compared against when the email is unknown, so a miss costs the same
	// as a wrong password
	dummy, err := HashPassword("not-a-real-password")
	if err != nil {
		return nil, fmt.Errorf("member.NewBcryptVerifier: %w", err)
	}
	return &BcryptVerifier{dir: dir, dummy: dummy}, nil
}

func (v *BcryptVerifier) Verify(ctx context.Context, email, password string) (Principal, error) {
	const op = "member.BcryptVerifier.Verify"

	m, err := v.dir.FindByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrMemberNotFound) {
			comparePassword(v.dummy, password)
			return Principal{}, fmt.Errorf("%s: %w", op, ErrBadCredentials)
		}
		return Principal{}, fmt.Errorf("%s: %w", op, err)
	}
	if !comparePassword(m.PasswordHash, password) {
		return Principal{}, fmt.Errorf("%s: %w", op, ErrBadCredentials)
	}
	return m.Principal(), nil
}
