package fanout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat_broker/internal/domain"
	"chat_broker/internal/logging"
)

// memSource is a tiny keyed store driven through the engine.
type memSource struct {
	mu    sync.Mutex
	items map[string]*domain.Message
	order []string
}

func newMemSource() *memSource {
	return &memSource{items: map[string]*domain.Message{}}
}

func (m *memSource) snapshot(_ context.Context, f Filter) ([]Delta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Delta{}
	for _, k := range m.order {
		msg, ok := m.items[k]
		if !ok {
			continue
		}
		if f.Topic == TopicPinned && !msg.Pinned {
			continue
		}
		out = append(out, MessageDelta(OpInsert, msg.Clone()))
	}
	return out, nil
}

func (m *memSource) put(e *Engine, msg *domain.Message, op Op) error {
	return e.Commit(TopicMessages, msg.ID.String(), func() ([]Delta, error) {
		m.mu.Lock()
		if _, ok := m.items[msg.ID.String()]; !ok {
			m.order = append(m.order, msg.ID.String())
		}
		m.items[msg.ID.String()] = msg.Clone()
		m.mu.Unlock()
		return []Delta{MessageDelta(op, msg.Clone())}, nil
	})
}

func newEngine(buffer int) (*Engine, *memSource) {
	e := NewEngine(Options{NodeID: "node-a", Buffer: buffer, Logger: logging.Discard()})
	src := newMemSource()
	e.Register(TopicMessages, src.snapshot)
	e.Register(TopicPinned, src.snapshot)
	e.Register(TopicTyping, func(context.Context, Filter) ([]Delta, error) { return nil, nil })
	return e, src
}

func recv(t *testing.T, sub *Subscription) Delta {
	t.Helper()
	select {
	case d, ok := <-sub.C():
		require.True(t, ok, "subscription closed: %v", sub.Err())
		return d
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delta")
	}
	return Delta{}
}

func TestEngine_SnapshotThenDeltas(t *testing.T) {
	t.Parallel()

	e, src := newEngine(16)
	first := &domain.Message{ID: uuid.New(), Body: "first"}
	require.NoError(t, src.put(e, first, OpInsert))

	sub, err := e.Subscribe(context.Background(), Filter{Topic: TopicMessages})
	require.NoError(t, err)
	defer sub.Close()

	require.Len(t, sub.Snapshot(), 1)
	assert.Equal(t, "first", sub.Snapshot()[0].Message.Body)

	second := &domain.Message{ID: uuid.New(), Body: "second"}
	require.NoError(t, src.put(e, second, OpInsert))

	d := recv(t, sub)
	assert.Equal(t, OpInsert, d.Op)
	assert.Equal(t, "second", d.Message.Body)
	assert.Equal(t, uint64(1), d.Seq)
	assert.Equal(t, "node-a", d.Origin)
}

func TestEngine_FailedCommitPublishesNothing(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(16)
	sub, err := e.Subscribe(context.Background(), Filter{Topic: TopicMessages})
	require.NoError(t, err)
	defer sub.Close()

	boom := errors.New("boom")
	err = e.Commit(TopicMessages, "k", func() ([]Delta, error) { return nil, boom })
	require.ErrorIs(t, err, boom)

	select {
	case d := <-sub.C():
		t.Fatalf("unexpected delta %+v", d)
	default:
	}
}

func TestEngine_PerEntityOrder(t *testing.T) {
	t.Parallel()

	e, src := newEngine(1024)
	sub, err := e.Subscribe(context.Background(), Filter{Topic: TopicMessages})
	require.NoError(t, err)
	defer sub.Close()

	msg := &domain.Message{ID: uuid.New()}
	var wg sync.WaitGroup
	var mu sync.Mutex
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mu.Lock()
			msg.Version++
			snap := msg.Clone()
			mu.Unlock()
			_ = e.Commit(TopicMessages, snap.ID.String(), func() ([]Delta, error) {
				return []Delta{MessageDelta(OpUpdate, snap)}, nil
			})
		}()
	}
	wg.Wait()
	_ = src

	seen := 0
	for seen < 50 {
		d := recv(t, sub)
		seen++
		assert.Equal(t, uint64(seen), d.Seq)
	}
}

func TestEngine_PinnedView(t *testing.T) {
	t.Parallel()

	e, src := newEngine(16)
	pinned := &domain.Message{ID: uuid.New(), Pinned: true}
	plain := &domain.Message{ID: uuid.New()}
	require.NoError(t, src.put(e, pinned, OpInsert))
	require.NoError(t, src.put(e, plain, OpInsert))

	sub, err := e.Subscribe(context.Background(), Filter{Topic: TopicPinned})
	require.NoError(t, err)
	defer sub.Close()
	require.Len(t, sub.Snapshot(), 1)

	plain.Pinned = true
	require.NoError(t, src.put(e, plain, OpUpdate))
	d := recv(t, sub)
	assert.Equal(t, TopicPinned, d.Topic)
	assert.Equal(t, OpInsert, d.Op)
	assert.Equal(t, plain.ID.String(), d.Key)

	pinned.Pinned = false
	require.NoError(t, src.put(e, pinned, OpUpdate))
	d = recv(t, sub)
	assert.Equal(t, OpDelete, d.Op)
	assert.Equal(t, pinned.ID.String(), d.Key)

	// an unrelated unpinned edit is invisible
	pinned.Body = "edited"
	require.NoError(t, src.put(e, pinned, OpUpdate))

	require.NoError(t, e.Commit(TopicMessages, plain.ID.String(), func() ([]Delta, error) {
		return []Delta{{Topic: TopicMessages, Op: OpDelete, Key: plain.ID.String()}}, nil
	}))
	d = recv(t, sub)
	assert.Equal(t, OpDelete, d.Op)
	assert.Equal(t, plain.ID.String(), d.Key)
}

func TestEngine_TypingExceptViewer(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(16)
	sub, err := e.Subscribe(context.Background(), Filter{Topic: TopicTyping, Viewer: "bob"})
	require.NoError(t, err)
	defer sub.Close()

	now := time.Now()
	for _, who := range []string{"bob", "alice"} {
		sig := domain.TypingSignal{PrincipalID: who, UserName: who, Timestamp: now}
		require.NoError(t, e.Commit(TopicTyping, who, func() ([]Delta, error) {
			return []Delta{TypingDelta(OpInsert, sig)}, nil
		}))
	}

	d := recv(t, sub)
	assert.Equal(t, "alice", d.Key)
	select {
	case extra := <-sub.C():
		t.Fatalf("unexpected delta %+v", extra)
	default:
	}
}

func TestEngine_CloseStopsDelivery(t *testing.T) {
	t.Parallel()

	e, src := newEngine(16)
	keep, err := e.Subscribe(context.Background(), Filter{Topic: TopicMessages})
	require.NoError(t, err)
	defer keep.Close()
	gone, err := e.Subscribe(context.Background(), Filter{Topic: TopicMessages})
	require.NoError(t, err)

	gone.Close()
	assert.ErrorIs(t, gone.Err(), ErrClosed)
	assert.Equal(t, 1, e.Subscribers(TopicMessages))

	require.NoError(t, src.put(e, &domain.Message{ID: uuid.New()}, OpInsert))
	_, ok := <-gone.C()
	assert.False(t, ok)
	recv(t, keep)
}

func TestEngine_ContextCancelCloses(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(16)
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := e.Subscribe(ctx, Filter{Topic: TopicMessages})
	require.NoError(t, err)

	cancel()
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription not closed on cancel")
	}
	assert.Equal(t, 0, e.Subscribers(TopicMessages))
}

func TestEngine_LaggedSubscriberIsDropped(t *testing.T) {
	t.Parallel()

	e, src := newEngine(2)
	slow, err := e.Subscribe(context.Background(), Filter{Topic: TopicMessages})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, src.put(e, &domain.Message{ID: uuid.New()}, OpInsert))
	}

	<-slow.Done()
	assert.ErrorIs(t, slow.Err(), ErrLagged)
	assert.Equal(t, 0, e.Subscribers(TopicMessages))

	// resubscribing replays the full state
	again, err := e.Subscribe(context.Background(), Filter{Topic: TopicMessages})
	require.NoError(t, err)
	defer again.Close()
	assert.Len(t, again.Snapshot(), 3)
}

func TestEngine_UnknownTopic(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(1)
	_, err := e.Subscribe(context.Background(), Filter{Topic: "nope"})
	assert.ErrorIs(t, err, ErrNoTopic)

	_, err = e.Subscribe(context.Background(), Filter{Topic: TopicPresence})
	assert.ErrorIs(t, err, ErrNoTopic)
}
