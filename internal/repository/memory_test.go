package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat_broker/internal/domain"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func message(seq uint64, at time.Duration, author string) *domain.Message {
	return &domain.Message{
		ID:        uuid.New(),
		Seq:       seq,
		AuthorID:  author,
		Body:      "hi",
		CreatedAt: base.Add(at),
		Status:    domain.StatusSent,
		ReadBy:    []string{author},
	}
}

// exercise runs the shared repository contract against r.
func exercise(t *testing.T, r MessageRepository) {
	ctx := context.Background()

	t.Run("list is ordered by createdAt then seq", func(t *testing.T) {
		c := message(3, 0, "carol")
		a := message(1, 0, "alice")
		b := message(2, time.Microsecond, "bob")
		for _, m := range []*domain.Message{c, b, a} {
			require.NoError(t, r.Insert(ctx, m))
		}

		all, err := r.List(ctx, ListQuery{})
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(all), 3)
		for i := 1; i < len(all); i++ {
			assert.True(t, all[i-1].Before(all[i]), "position %d out of order", i)
		}

		last, err := r.List(ctx, ListQuery{Limit: 1})
		require.NoError(t, err)
		require.Len(t, last, 1)
		assert.Equal(t, all[len(all)-1].ID, last[0].ID)
	})

	t.Run("update applies only on change", func(t *testing.T) {
		m := message(10, time.Second, "alice")
		require.NoError(t, r.Insert(ctx, m))

		got, changed, err := r.Update(ctx, m.ID, func(m *domain.Message) (bool, error) { return false, nil })
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, "hi", got.Body)

		got, changed, err = r.Update(ctx, m.ID, func(m *domain.Message) (bool, error) {
			m.Body = "edited"
			m.Edited = true
			m.Pinned = true
			return true, nil
		})
		require.NoError(t, err)
		assert.True(t, changed)
		assert.True(t, got.Edited)

		stored, err := r.Get(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, "edited", stored.Body)

		pinned, err := r.List(ctx, ListQuery{PinnedOnly: true})
		require.NoError(t, err)
		require.NotEmpty(t, pinned)
		for _, p := range pinned {
			assert.True(t, p.Pinned)
		}
	})

	t.Run("failed mutation leaves message unchanged", func(t *testing.T) {
		m := message(11, 2*time.Second, "alice")
		require.NoError(t, r.Insert(ctx, m))

		_, _, err := r.Update(ctx, m.ID, func(m *domain.Message) (bool, error) {
			m.Body = "hijacked"
			return true, domain.ErrNotAuthor
		})
		require.ErrorIs(t, err, domain.ErrNotAuthor)

		stored, err := r.Get(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, "hi", stored.Body)
	})

	t.Run("delete respects check", func(t *testing.T) {
		m := message(12, 3*time.Second, "alice")
		require.NoError(t, r.Insert(ctx, m))

		_, err := r.Delete(ctx, m.ID, func(*domain.Message) error { return domain.ErrNotAuthor })
		require.ErrorIs(t, err, domain.ErrNotAuthor)

		_, err = r.Delete(ctx, m.ID, nil)
		require.NoError(t, err)
		_, err = r.Get(ctx, m.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = r.Delete(ctx, m.ID, nil)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("client keys are unique per author", func(t *testing.T) {
		key := uuid.NewString()
		m := message(20, 4*time.Second, "alice")
		m.ClientKey = key
		require.NoError(t, r.Insert(ctx, m))

		dup := message(21, 5*time.Second, "alice")
		dup.ClientKey = key
		assert.True(t, errors.Is(r.Insert(ctx, dup), ErrDuplicateKey))

		other := message(22, 6*time.Second, "bob")
		other.ClientKey = key
		require.NoError(t, r.Insert(ctx, other))

		found, ok, err := r.FindByClientKey(ctx, "alice", key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, m.ID, found.ID)
	})

	t.Run("missing message", func(t *testing.T) {
		_, _, err := r.Update(ctx, uuid.New(), func(*domain.Message) (bool, error) { return true, nil })
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestMemoryRepository(t *testing.T) {
	exercise(t, NewMemoryRepository())
}

func TestMemoryRepository_NextSeq(t *testing.T) {
	t.Parallel()
	r := NewMemoryRepository()
	ctx := context.Background()

	require.NoError(t, r.Insert(ctx, message(41, 0, "alice")))
	next, err := r.NextSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), next)
}
