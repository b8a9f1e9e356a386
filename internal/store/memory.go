package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/memberauth/internal/member"
)

// MemoryStore keeps refresh tokens in process. Emails are resolved through the
// member directory it is given.
type MemoryStore struct {
	mu      sync.Mutex
	members member.Directory
	byID    map[int64]*RefreshToken
	seq     int64
}

func NewMemoryStore(members member.Directory) *MemoryStore {
	return &MemoryStore{members: members, byID: map[int64]*RefreshToken{}, seq: 1}
}

func (m *MemoryStore) Save(_ context.Context, memberID int64, token string, expiresAt time.Time) (*RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(memberID, token, expiresAt)
}

func (m *MemoryStore) Replace(_ context.Context, memberID int64, token string, expiresAt time.Time) (*RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.byID {
		if t.MemberID == memberID {
			delete(m.byID, id)
		}
	}
	return m.insertLocked(memberID, token, expiresAt)
}

func (m *MemoryStore) insertLocked(memberID int64, token string, expiresAt time.Time) (*RefreshToken, error) {
	for _, t := range m.byID {
		if t.Token == token {
			return nil, ErrAlreadyExists
		}
	}
	rt := &RefreshToken{
		ID:        m.seq,
		MemberID:  memberID,
		Token:     token,
		ExpiresAt: expiresAt.UTC(),
		CreatedAt: time.Now().UTC(),
	}
	m.seq++
	m.byID[rt.ID] = rt
	out := *rt
	return &out, nil
}

func (m *MemoryStore) FindByToken(_ context.Context, token string) (*RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.byID {
		if t.Token == token {
			out := *t
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) FindByMemberEmail(ctx context.Context, email string) (*RefreshToken, error) {
	const op = "store.MemoryStore.FindByMemberEmail"

	mem, err := m.members.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, member.ErrMemberNotFound) {
			return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *RefreshToken
	for _, t := range m.byID {
		if t.MemberID == mem.ID && (latest == nil || t.ID > latest.ID) {
			latest = t
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	out := *latest
	return &out, nil
}

func (m *MemoryStore) DeleteByID(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, id)
	return nil
}

func (m *MemoryStore) DeleteByToken(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.byID {
		if t.Token == token {
			delete(m.byID, id)
		}
	}
	return nil
}

func (m *MemoryStore) DeleteAllExpiredBefore(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, t := range m.byID {
		if t.IsExpired(now) {
			delete(m.byID, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CountExpiredBefore(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, t := range m.byID {
		if t.IsExpired(now) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
