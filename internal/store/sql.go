package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/example/memberauth/internal/member"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type dialect struct {
	name            string
	numbered        bool // $1, $2 ... instead of ?
	returningID     bool
	uniqueViolation func(error) bool
}

// SQLStore is the database/sql implementation shared by the SQLite and
// Postgres adapters. Besides refresh tokens it serves the members table, so it
// is also the member directory for SQL deployments.
type SQLStore struct {
	db *sql.DB
	d  dialect
}

func (s *SQLStore) q(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		} else if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) insertReturningID(ctx context.Context, db DBTX, query string, args ...any) (int64, error) {
	if s.d.returningID {
		var id int64
		err := db.QueryRowContext(ctx, s.q(query+" RETURNING id"), args...).Scan(&id)
		return id, err
	}
	res, err := db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLStore) insertToken(ctx context.Context, db DBTX, memberID int64, token string, expiresAt time.Time) (*RefreshToken, error) {
	now := time.Now().UTC()
	id, err := s.insertReturningID(ctx, db,
		`INSERT INTO refresh_tokens(member_id, token, expires_at, created_at) VALUES(?, ?, ?, ?)`,
		memberID, token, toMillis(expiresAt), toMillis(now))
	if err != nil {
		if s.d.uniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, err
	}
	return &RefreshToken{
		ID:        id,
		MemberID:  memberID,
		Token:     token,
		ExpiresAt: fromMillis(toMillis(expiresAt)),
		CreatedAt: fromMillis(toMillis(now)),
	}, nil
}

func (s *SQLStore) Save(ctx context.Context, memberID int64, token string, expiresAt time.Time) (*RefreshToken, error) {
	const op = "store.sql.Save"

	rt, err := s.insertToken(ctx, s.db, memberID, token, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return rt, nil
}

func (s *SQLStore) Replace(ctx context.Context, memberID int64, token string, expiresAt time.Time) (*RefreshToken, error) {
	const op = "store.sql.Replace"

	var rt *RefreshToken
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM refresh_tokens WHERE member_id = ?`), memberID); err != nil {
			return err
		}
		var err error
		rt, err = s.insertToken(ctx, tx, memberID, token, expiresAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return rt, nil
}

func (s *SQLStore) scanToken(row *sql.Row, op string) (*RefreshToken, error) {
	var (
		rt               RefreshToken
		expires, created int64
	)
	if err := row.Scan(&rt.ID, &rt.MemberID, &rt.Token, &expires, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	rt.ExpiresAt = fromMillis(expires)
	rt.CreatedAt = fromMillis(created)
	return &rt, nil
}

func (s *SQLStore) FindByToken(ctx context.Context, token string) (*RefreshToken, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT id, member_id, token, expires_at, created_at FROM refresh_tokens WHERE token = ?`), token)
	return s.scanToken(row, "store.sql.FindByToken")
}

func (s *SQLStore) FindByMemberEmail(ctx context.Context, email string) (*RefreshToken, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT rt.id, rt.member_id, rt.token, rt.expires_at, rt.created_at
		FROM refresh_tokens rt
		JOIN members m ON m.id = rt.member_id
		WHERE m.email = ?
		ORDER BY rt.id DESC
		LIMIT 1`), member.NormalizeEmail(email))
	return s.scanToken(row, "store.sql.FindByMemberEmail")
}

func (s *SQLStore) DeleteByID(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM refresh_tokens WHERE id = ?`), id); err != nil {
		return fmt.Errorf("store.sql.DeleteByID: %w", err)
	}
	return nil
}

func (s *SQLStore) DeleteByToken(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM refresh_tokens WHERE token = ?`), token); err != nil {
		return fmt.Errorf("store.sql.DeleteByToken: %w", err)
	}
	return nil
}

func (s *SQLStore) DeleteAllExpiredBefore(ctx context.Context, now time.Time) (int64, error) {
	const op = "store.sql.DeleteAllExpiredBefore"

	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM refresh_tokens WHERE expires_at < ?`), toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}

func (s *SQLStore) CountExpiredBefore(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM refresh_tokens WHERE expires_at < ?`), toMillis(now)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store.sql.CountExpiredBefore: %w", err)
	}
	return n, nil
}

// CreateMember inserts a member. The email is normalized first.
func (s *SQLStore) CreateMember(ctx context.Context, m member.Member) (*member.Member, error) {
	const op = "store.sql.CreateMember"

	m.Email = member.NormalizeEmail(m.Email)
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	id, err := s.insertReturningID(ctx, s.db,
		`INSERT INTO members(email, display_name, password_hash, roles, created_at) VALUES(?, ?, ?, ?, ?)`,
		m.Email, m.DisplayName, m.PasswordHash, m.Roles.String(), toMillis(m.CreatedAt))
	if err != nil {
		if s.d.uniqueViolation(err) {
			return nil, fmt.Errorf("%s: %w", op, member.ErrEmailTaken)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	m.ID = id
	return &m, nil
}

func (s *SQLStore) FindByEmail(ctx context.Context, email string) (*member.Member, error) {
	const op = "store.sql.FindByEmail"

	var (
		m       member.Member
		roles   string
		created int64
	)
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT id, email, display_name, password_hash, roles, created_at FROM members WHERE email = ?`),
		member.NormalizeEmail(email)).
		Scan(&m.ID, &m.Email, &m.DisplayName, &m.PasswordHash, &roles, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, member.ErrMemberNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if m.Roles, err = member.ParseRoleSet(roles); err != nil {
		return nil, fmt.Errorf("%s: member %d: %w", op, m.ID, err)
	}
	m.CreatedAt = fromMillis(created)
	return &m, nil
}

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLStore) Close() error { return s.db.Close() }

// DB exposes the underlying handle, for migrations and tests.
func (s *SQLStore) DB() *sql.DB { return s.db }
