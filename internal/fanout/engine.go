// Package fanout maintains live queries and pushes committed deltas to them.
//
// Every mutation goes through Commit, which serializes commits touching the
// same entity and publishes their deltas before releasing the entity. A new
// subscription snapshots its source and registers while no commit is in
// flight, so the delta stream continues exactly where the snapshot ends.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"chat_broker/internal/metrics"
)

var (
	ErrLagged  = errors.New("fanout: subscriber lagged")
	ErrClosed  = errors.New("fanout: subscription closed")
	ErrNoTopic = errors.New("fanout: unknown topic")
)

const stripeCount = 64

// SnapshotFunc returns the current state of a live query as insert deltas.
type SnapshotFunc func(ctx context.Context, f Filter) ([]Delta, error)

type Options struct {
	NodeID string
	// Buffer bounds the number of undelivered deltas per subscription.
	Buffer int
	Logger *slog.Logger
}

type Engine struct {
	nodeID string
	buffer int
	logger *slog.Logger

	commitMu sync.RWMutex
	stripes  [stripeCount]sync.Mutex

	mu      sync.RWMutex
	sources map[Topic]SnapshotFunc
	subs    map[uint64]*Subscription
	nextID  uint64
}

func NewEngine(opts Options) *Engine {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		nodeID:  opts.NodeID,
		buffer:  opts.Buffer,
		logger:  opts.Logger,
		sources: make(map[Topic]SnapshotFunc),
		subs:    make(map[uint64]*Subscription),
	}
}

func (e *Engine) NodeID() string {
	return e.nodeID
}

// Register installs the snapshot source of a topic.
func (e *Engine) Register(topic Topic, fn SnapshotFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sources[topic] = fn
}

// Commit runs fn while holding the entity identified by (topic, key) and
// publishes the deltas it returns. Nothing is published when fn fails.
func (e *Engine) Commit(topic Topic, key string, fn func() ([]Delta, error)) error {
	e.commitMu.RLock()
	defer e.commitMu.RUnlock()

	stripe := e.stripe(topic, key)
	stripe.Lock()
	defer stripe.Unlock()

	deltas, err := fn()
	if err != nil {
		return err
	}
	e.publish(deltas)
	return nil
}

// Inject publishes a delta committed elsewhere, keeping its origin.
func (e *Engine) Inject(d Delta) {
	_ = e.Commit(d.Topic, d.Key, func() ([]Delta, error) {
		return []Delta{d}, nil
	})
}

// Subscribe starts a live query. The returned subscription carries the
// snapshot and then streams deltas until it is closed, ctx is done, or the
// subscriber falls behind.
func (e *Engine) Subscribe(ctx context.Context, f Filter) (*Subscription, error) {
	if !f.Topic.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrNoTopic, f.Topic)
	}
	e.mu.RLock()
	src := e.sources[f.Topic]
	e.mu.RUnlock()
	if src == nil {
		return nil, fmt.Errorf("%w: no source for %q", ErrNoTopic, f.Topic)
	}

	// Commits wait for the snapshot so none falls between it and the stream.
	e.commitMu.Lock()
	snapshot, err := src(ctx, f)
	if err != nil {
		e.commitMu.Unlock()
		return nil, fmt.Errorf("snapshot %s: %w", f.Topic, err)
	}
	sub := newSubscription(e, f, snapshot, e.buffer)
	e.mu.Lock()
	e.nextID++
	sub.id = e.nextID
	e.subs[sub.id] = sub
	e.mu.Unlock()
	e.commitMu.Unlock()

	metrics.SubscriptionsActive.WithLabelValues(string(f.Topic)).Inc()
	e.logger.Debug("subscription started", "subscription", sub.id, "topic", f.Topic, "snapshot", len(snapshot))

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

// Subscribers counts live subscriptions on a topic.
func (e *Engine) Subscribers(topic Topic) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, s := range e.subs {
		if s.filter.Topic == topic {
			n++
		}
	}
	return n
}

// Shutdown closes every subscription.
func (e *Engine) Shutdown() {
	e.mu.RLock()
	subs := make([]*Subscription, 0, len(e.subs))
	for _, s := range e.subs {
		subs = append(subs, s)
	}
	e.mu.RUnlock()
	for _, s := range subs {
		s.Close()
	}
}

func (e *Engine) publish(deltas []Delta) {
	if len(deltas) == 0 {
		return
	}
	e.mu.RLock()
	subs := make([]*Subscription, 0, len(e.subs))
	for _, s := range e.subs {
		subs = append(subs, s)
	}
	e.mu.RUnlock()

	for i := range deltas {
		if deltas[i].Origin == "" {
			deltas[i].Origin = e.nodeID
		}
		metrics.DeltasPublishedTotal.WithLabelValues(string(deltas[i].Topic), string(deltas[i].Op)).Inc()
	}

	for _, s := range subs {
		for _, d := range deltas {
			if s.deliver(d) {
				e.remove(s)
				metrics.SubscriptionsLaggedTotal.WithLabelValues(string(s.filter.Topic)).Inc()
				e.logger.Warn("subscription lagged", "subscription", s.id, "topic", s.filter.Topic)
				break
			}
		}
	}
}

func (e *Engine) remove(s *Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.subs[s.id]; ok {
		delete(e.subs, s.id)
		metrics.SubscriptionsActive.WithLabelValues(string(s.filter.Topic)).Dec()
	}
}

func (e *Engine) stripe(topic Topic, key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(topic))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key))
	return &e.stripes[h.Sum32()%stripeCount]
}
