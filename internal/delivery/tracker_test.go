package delivery

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"chat_broker/internal/domain"
)

func newMessage() *domain.Message {
	m := &domain.Message{AuthorID: "alice"}
	NewTracker().Initialize(m)
	return m
}

func TestTracker_MarkRead(t *testing.T) {
	t.Parallel()

	tr := NewTracker()

	t.Run("author read keeps sent", func(t *testing.T) {
		m := newMessage()
		assert.False(t, tr.MarkRead(m, "alice"))
		assert.Equal(t, domain.StatusSent, m.Status)
		assert.Equal(t, []string{"alice"}, m.ReadBy)
	})

	t.Run("first other reader flips to read", func(t *testing.T) {
		m := newMessage()
		assert.True(t, tr.MarkRead(m, "bob"))
		assert.Equal(t, domain.StatusRead, m.Status)
		assert.Equal(t, []string{"alice", "bob"}, m.ReadBy)
	})

	t.Run("idempotent", func(t *testing.T) {
		m := newMessage()
		tr.MarkRead(m, "bob")
		once := m.Clone()
		assert.False(t, tr.MarkRead(m, "bob"))
		assert.Equal(t, once.ReadBy, m.ReadBy)
		assert.Equal(t, once.Status, m.Status)
	})

	t.Run("read is monotonic", func(t *testing.T) {
		m := newMessage()
		tr.MarkRead(m, "bob")
		m.ReadBy = []string{"alice"}
		tr.recompute(m)
		assert.Equal(t, domain.StatusRead, m.Status)
		assert.False(t, tr.MarkDelivered(m, "carol"))
		assert.Equal(t, domain.StatusRead, m.Status)
	})
}

func TestTracker_MarkDelivered(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	m := newMessage()

	assert.False(t, tr.MarkDelivered(m, "alice"))
	assert.Equal(t, domain.StatusSent, m.Status)

	assert.True(t, tr.MarkDelivered(m, "bob"))
	assert.Equal(t, domain.StatusDelivered, m.Status)
	assert.False(t, tr.MarkDelivered(m, "carol"))

	assert.True(t, tr.MarkRead(m, "bob"))
	assert.Equal(t, domain.StatusRead, m.Status)
}

func TestAdvance(t *testing.T) {
	t.Parallel()

	assert.Equal(t, domain.StatusRead, Advance(domain.StatusRead, domain.StatusSent))
	assert.Equal(t, domain.StatusDelivered, Advance(domain.StatusSent, domain.StatusDelivered))
}
