package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"chat_broker/internal/domain"
)

type MemoryRepository struct {
	mu      sync.RWMutex
	seq     uint64
	byID    map[uuid.UUID]*domain.Message
	ordered []*domain.Message
	keys    map[string]uuid.UUID
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID: make(map[uuid.UUID]*domain.Message),
		keys: make(map[string]uuid.UUID),
	}
}

func clientKey(authorID, key string) string {
	return authorID + "\x00" + key
}

func (r *MemoryRepository) NextSeq(_ context.Context) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return r.seq, nil
}

func (r *MemoryRepository) Insert(_ context.Context, m *domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[m.ID]; ok {
		return fmt.Errorf("message %s already exists", m.ID)
	}
	if m.ClientKey != "" {
		if _, ok := r.keys[clientKey(m.AuthorID, m.ClientKey)]; ok {
			return ErrDuplicateKey
		}
		r.keys[clientKey(m.AuthorID, m.ClientKey)] = m.ID
	}
	stored := m.Clone()
	r.byID[m.ID] = stored

	i := sort.Search(len(r.ordered), func(i int) bool { return stored.Before(r.ordered[i]) })
	r.ordered = append(r.ordered, nil)
	copy(r.ordered[i+1:], r.ordered[i:])
	r.ordered[i] = stored
	if m.Seq > r.seq {
		r.seq = m.Seq
	}
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: message %s", domain.ErrNotFound, id)
	}
	return m.Clone(), nil
}

func (r *MemoryRepository) Update(_ context.Context, id uuid.UUID, fn Mutation) (*domain.Message, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.byID[id]
	if !ok {
		return nil, false, fmt.Errorf("%w: message %s", domain.ErrNotFound, id)
	}
	next := stored.Clone()
	changed, err := fn(next)
	if err != nil {
		return nil, false, err
	}
	if !changed {
		return stored.Clone(), false, nil
	}
	// ordering fields are immutable, so the slot in ordered is reused
	*stored = *next
	return next.Clone(), true, nil
}

func (r *MemoryRepository) Delete(_ context.Context, id uuid.UUID, check func(m *domain.Message) error) (*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: message %s", domain.ErrNotFound, id)
	}
	if check != nil {
		if err := check(stored.Clone()); err != nil {
			return nil, err
		}
	}
	delete(r.byID, id)
	if stored.ClientKey != "" {
		delete(r.keys, clientKey(stored.AuthorID, stored.ClientKey))
	}
	for i, m := range r.ordered {
		if m == stored {
			r.ordered = append(r.ordered[:i], r.ordered[i+1:]...)
			break
		}
	}
	return stored.Clone(), nil
}

func (r *MemoryRepository) List(_ context.Context, q ListQuery) ([]*domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Message, 0, len(r.ordered))
	for _, m := range r.ordered {
		if q.PinnedOnly && !m.Pinned {
			continue
		}
		out = append(out, m.Clone())
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

func (r *MemoryRepository) FindByClientKey(_ context.Context, authorID, key string) (*domain.Message, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.keys[clientKey(authorID, key)]
	if !ok {
		return nil, false, nil
	}
	return r.byID[id].Clone(), true, nil
}
