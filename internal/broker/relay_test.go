package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat_broker/internal/domain"
	"chat_broker/internal/fanout"
	"chat_broker/internal/logging"
)

type fakeTransport struct {
	mu        sync.Mutex
	published []fanout.Delta
	in        chan fanout.Delta
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan fanout.Delta, 16)}
}

func (f *fakeTransport) PublishDelta(_ context.Context, d fanout.Delta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, d)
	return nil
}

func (f *fakeTransport) ConsumeDeltas(context.Context) (<-chan fanout.Delta, error) {
	return f.in, nil
}

func (f *fakeTransport) sent() []fanout.Delta {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fanout.Delta(nil), f.published...)
}

func newRelayEngine() *fanout.Engine {
	e := fanout.NewEngine(fanout.Options{NodeID: "node-a", Logger: logging.Discard()})
	empty := func(context.Context, fanout.Filter) ([]fanout.Delta, error) { return nil, nil }
	for _, topic := range []fanout.Topic{fanout.TopicMessages, fanout.TopicPinned, fanout.TopicTyping, fanout.TopicPresence} {
		e.Register(topic, empty)
	}
	return e
}

func startRelay(t *testing.T, engine *fanout.Engine, transport Transport) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- NewRelay(engine, transport, logging.Discard()).Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-errc)
	})
	require.Eventually(t, func() bool {
		return engine.Subscribers(fanout.TopicMessages) == 1 &&
			engine.Subscribers(fanout.TopicTyping) == 1 &&
			engine.Subscribers(fanout.TopicPresence) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRelay_PublishesLocalDeltas(t *testing.T) {
	t.Parallel()
	engine := newRelayEngine()
	transport := newFakeTransport()
	startRelay(t, engine, transport)

	rec := domain.PresenceRecord{PrincipalID: "alice", Online: true}
	require.NoError(t, engine.Commit(fanout.TopicPresence, "alice", func() ([]fanout.Delta, error) {
		return []fanout.Delta{fanout.PresenceDelta(fanout.OpInsert, rec)}, nil
	}))

	require.Eventually(t, func() bool { return len(transport.sent()) == 1 }, time.Second, 5*time.Millisecond)
	got := transport.sent()[0]
	assert.Equal(t, "node-a", got.Origin)
	assert.Equal(t, uint64(0), got.Seq)
	assert.Equal(t, "alice", got.Key)
}

func TestRelay_InjectsRemoteDeltas(t *testing.T) {
	t.Parallel()
	engine := newRelayEngine()
	transport := newFakeTransport()
	startRelay(t, engine, transport)

	sub, err := engine.Subscribe(context.Background(), fanout.Filter{Topic: fanout.TopicTyping, Viewer: "carol"})
	require.NoError(t, err)
	defer sub.Close()

	echo := fanout.TypingDelta(fanout.OpInsert, domain.TypingSignal{PrincipalID: "echo"})
	echo.Origin = "node-a"
	remote := fanout.TypingDelta(fanout.OpInsert, domain.TypingSignal{PrincipalID: "bob", UserName: "Bob"})
	remote.Origin = "node-b"
	remote.Seq = 41
	transport.in <- echo
	transport.in <- remote

	select {
	case d := <-sub.C():
		assert.Equal(t, "bob", d.Key)
		assert.Equal(t, "node-b", d.Origin)
		assert.Equal(t, uint64(1), d.Seq)
	case <-time.After(time.Second):
		t.Fatal("remote delta not injected")
	}

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, transport.sent(), "remote deltas must not be relayed back")
}
