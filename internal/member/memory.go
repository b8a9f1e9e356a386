package member

import (
	"context"
	"sync"
	"time"
)

// MemoryDirectory is an in-process Directory and Registry.
type MemoryDirectory struct {
	mu      sync.RWMutex
	byEmail map[string]*Member
	seq     int64
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{byEmail: map[string]*Member{}, seq: 1}
}

func (d *MemoryDirectory) CreateMember(_ context.Context, m Member) (*Member, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m.Email = NormalizeEmail(m.Email)
	if _, ok := d.byEmail[m.Email]; ok {
		return nil, ErrEmailTaken
	}
	m.ID = d.seq
	d.seq++
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	stored := m
	d.byEmail[m.Email] = &stored
	out := stored
	return &out, nil
}

func (d *MemoryDirectory) FindByEmail(_ context.Context, email string) (*Member, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	m, ok := d.byEmail[NormalizeEmail(email)]
	if !ok {
		return nil, ErrMemberNotFound
	}
	out := *m
	return &out, nil
}
