package outbox

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat_broker/internal/domain"
	"chat_broker/internal/fanout"
	"chat_broker/internal/logging"
	"chat_broker/internal/messages"
	"chat_broker/internal/repository"
)

type memAppender struct {
	mu     sync.Mutex
	events []domain.OutboxEvent
}

func (a *memAppender) Append(_ context.Context, event domain.OutboxEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *memAppender) snapshot() []domain.OutboxEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.OutboxEvent(nil), a.events...)
}

func TestWorker_JournalsLocalMessageEvents(t *testing.T) {
	t.Parallel()
	logger := logging.Discard()
	engine := fanout.NewEngine(fanout.Options{NodeID: "node-a", Logger: logger})
	store := messages.NewStore(repository.NewMemoryRepository(), engine, messages.Options{Logger: logger})
	appender := &memAppender{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewWorker(engine, appender, logger).Start(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()
	require.Eventually(t, func() bool {
		return engine.Subscribers(fanout.TopicMessages) == 1
	}, time.Second, 5*time.Millisecond)

	m, err := store.Send(ctx, "alice", domain.Content{Body: "hello"})
	require.NoError(t, err)
	_, err = store.Edit(ctx, m.ID, "alice", "hello!")
	require.NoError(t, err)

	remote := fanout.MessageDelta(fanout.OpInsert, &domain.Message{ID: uuid.New(), AuthorID: "bob", Body: "elsewhere"})
	remote.Origin = "node-b"
	engine.Inject(remote)

	require.NoError(t, store.Delete(ctx, m.ID, "alice"))

	require.Eventually(t, func() bool { return len(appender.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	events := appender.snapshot()
	assert.Equal(t, domain.EventTypeMessageCreated, events[0].EventType)
	assert.Equal(t, domain.EventTypeMessageUpdated, events[1].EventType)
	assert.Equal(t, domain.EventTypeMessageDeleted, events[2].EventType)
	for _, e := range events {
		assert.Equal(t, m.ID.String(), e.Key)
		assert.Equal(t, "node-a", e.Origin)
		assert.NotEqual(t, uuid.Nil, e.ID)
	}

	var edited domain.Message
	require.NoError(t, json.Unmarshal(events[1].Payload, &edited))
	assert.Equal(t, "hello!", edited.Body)
	assert.True(t, edited.Edited)
}

func TestDecodeEvent(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(domain.OutboxEvent{
		ID:        uuid.New(),
		EventType: domain.EventTypeMessageCreated,
		Key:       "k",
		Payload:   json.RawMessage(`{"body":"hi"}`),
	})
	require.NoError(t, err)

	event, err := DecodeEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, "k", event.Key)
	assert.JSONEq(t, `{"body":"hi"}`, string(event.Payload))

	_, err = DecodeEvent([]byte(`{"key":"k"}`))
	assert.Error(t, err)

	_, err = DecodeEvent([]byte(`not json`))
	assert.Error(t, err)
}
