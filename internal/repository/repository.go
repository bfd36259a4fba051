// Package repository persists messages. Implementations keep every message in
// the single total order (createdAt, seq) and apply mutations atomically per
// message.
package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"chat_broker/internal/domain"
)

// ErrDuplicateKey is returned by Insert when the author already has a message
// with the same client key.
var ErrDuplicateKey = errors.New("duplicate client key")

type ListQuery struct {
	PinnedOnly bool
	// Limit keeps only the most recent messages. Zero means all.
	Limit int
}

// Mutation edits m in place and reports whether anything changed. Returning
// an error aborts the mutation.
type Mutation func(m *domain.Message) (bool, error)

type MessageRepository interface {
	// NextSeq hands out the assignment sequence number of a new message.
	NextSeq(ctx context.Context) (uint64, error)
	Insert(ctx context.Context, m *domain.Message) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Message, error)
	// Update applies fn to the stored message and persists it when fn reports
	// a change. The returned message is a copy of the stored state.
	Update(ctx context.Context, id uuid.UUID, fn Mutation) (*domain.Message, bool, error)
	// Delete removes the message after check approves it.
	Delete(ctx context.Context, id uuid.UUID, check func(m *domain.Message) error) (*domain.Message, error)
	// List returns messages in ascending (createdAt, seq) order.
	List(ctx context.Context, q ListQuery) ([]*domain.Message, error)
	FindByClientKey(ctx context.Context, authorID, key string) (*domain.Message, bool, error)
}
