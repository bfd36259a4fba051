package typing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat_broker/internal/domain"
	"chat_broker/internal/fanout"
	"chat_broker/internal/logging"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type principals map[string]bool

func (p principals) Known(_ context.Context, id string) (bool, error) {
	if id == "broken" {
		return false, domain.ErrUnavailable
	}
	return p[id], nil
}

func newStore(t *testing.T) (*Store, *fanout.Engine, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	engine := fanout.NewEngine(fanout.Options{NodeID: "test", Buffer: 64, Logger: logging.Discard()})
	store := NewStore(engine, principals{"alice": true, "bob": true}, Options{
		Now:    clk.Now,
		Logger: logging.Discard(),
	})
	return store, engine, clk
}

func TestStore_SetTypingValidatesPrincipal(t *testing.T) {
	t.Parallel()
	store, _, _ := newStore(t)
	ctx := context.Background()

	_, err := store.SetTyping(ctx, "mallory", "Mallory")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = store.SetTyping(ctx, "broken", "x")
	assert.True(t, errors.Is(err, domain.ErrUnavailable))

	sig, err := store.SetTyping(ctx, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, "alice", sig.UserName)
}

func TestStore_OneSignalPerPrincipal(t *testing.T) {
	t.Parallel()
	store, _, clk := newStore(t)
	ctx := context.Background()

	_, err := store.SetTyping(ctx, "alice", "Alice")
	require.NoError(t, err)
	clk.Advance(time.Second)
	second, err := store.SetTyping(ctx, "alice", "Alice")
	require.NoError(t, err)

	current := store.Current("")
	require.Len(t, current, 1)
	assert.Equal(t, second.Timestamp, current[0].Timestamp)
}

func TestStore_ExpiresAfterTTL(t *testing.T) {
	t.Parallel()
	store, engine, clk := newStore(t)
	ctx := context.Background()

	_, err := store.SetTyping(ctx, "alice", "Alice")
	require.NoError(t, err)

	sub, err := engine.Subscribe(ctx, fanout.Filter{Topic: fanout.TopicTyping, Viewer: "bob"})
	require.NoError(t, err)
	defer sub.Close()
	require.Len(t, sub.Snapshot(), 1)
	assert.Equal(t, "Alice", sub.Snapshot()[0].Typing.UserName)

	clk.Advance(3100 * time.Millisecond)
	assert.Empty(t, store.Current("bob"))

	assert.Equal(t, 1, store.Sweep())
	d := <-sub.C()
	assert.Equal(t, fanout.OpDelete, d.Op)
	assert.Equal(t, "alice", d.Key)
	assert.Zero(t, store.Sweep())
}

func TestStore_ClearTyping(t *testing.T) {
	t.Parallel()
	store, engine, _ := newStore(t)
	ctx := context.Background()

	sub, err := engine.Subscribe(ctx, fanout.Filter{Topic: fanout.TopicTyping, Viewer: "alice"})
	require.NoError(t, err)
	defer sub.Close()

	_, err = store.SetTyping(ctx, "bob", "Bob")
	require.NoError(t, err)
	require.NoError(t, store.ClearTyping(ctx, "bob"))
	require.NoError(t, store.ClearTyping(ctx, "bob"))

	assert.Equal(t, fanout.OpInsert, (<-sub.C()).Op)
	assert.Equal(t, fanout.OpDelete, (<-sub.C()).Op)
	select {
	case extra := <-sub.C():
		t.Fatalf("second clear published %+v", extra)
	default:
	}
}

func TestStore_SnapshotExcludesViewer(t *testing.T) {
	t.Parallel()
	store, engine, _ := newStore(t)
	ctx := context.Background()

	_, err := store.SetTyping(ctx, "alice", "Alice")
	require.NoError(t, err)
	_, err = store.SetTyping(ctx, "bob", "Bob")
	require.NoError(t, err)

	sub, err := engine.Subscribe(ctx, fanout.Filter{Topic: fanout.TopicTyping, Viewer: "alice"})
	require.NoError(t, err)
	defer sub.Close()

	require.Len(t, sub.Snapshot(), 1)
	assert.Equal(t, "bob", sub.Snapshot()[0].Key)
}
