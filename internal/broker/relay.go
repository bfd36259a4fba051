package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"chat_broker/internal/domain"
	"chat_broker/internal/fanout"
	"chat_broker/internal/metrics"
)

// Transport carries deltas between broker nodes.
type Transport interface {
	PublishDelta(ctx context.Context, d fanout.Delta) error
	ConsumeDeltas(ctx context.Context) (<-chan fanout.Delta, error)
}

// Relay forwards deltas committed on this node to its peers and injects the
// deltas committed by peers into the local engine.
type Relay struct {
	engine    *fanout.Engine
	transport Transport
	topics    []fanout.Topic
	logger    *slog.Logger
}

func NewRelay(engine *fanout.Engine, transport Transport, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		engine:    engine,
		transport: transport,
		topics:    []fanout.Topic{fanout.TopicMessages, fanout.TopicTyping, fanout.TopicPresence},
		logger:    logger,
	}
}

func (r *Relay) Run(ctx context.Context) error {
	in, err := r.transport.ConsumeDeltas(ctx)
	if err != nil {
		return fmt.Errorf("consume deltas: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, topic := range r.topics {
		topic := topic
		g.Go(func() error {
			return r.outbound(ctx, topic)
		})
	}
	g.Go(func() error {
		return r.inbound(ctx, in)
	})
	return g.Wait()
}

func (r *Relay) outbound(ctx context.Context, topic fanout.Topic) error {
	for {
		sub, err := r.engine.Subscribe(ctx, fanout.Filter{Topic: topic})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		for d := range sub.C() {
			if d.Origin != r.engine.NodeID() {
				continue
			}
			d.Seq = 0
			err := r.transport.PublishDelta(ctx, d)
			metrics.RelayedDeltasTotal.WithLabelValues("out", metrics.Result(err)).Inc()
			if err != nil {
				r.logger.Warn("failed to relay delta", "topic", d.Topic, "key", d.Key, "error", err)
			}
		}
		if ctx.Err() != nil || !errors.Is(sub.Err(), fanout.ErrLagged) {
			return nil
		}
		r.logger.Warn("relay subscription lagged, resubscribing", "topic", topic)
	}
}

func (r *Relay) inbound(ctx context.Context, in <-chan fanout.Delta) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-in:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: delta stream closed", domain.ErrUnavailable)
			}
			if d.Origin == "" || d.Origin == r.engine.NodeID() || !d.Topic.Valid() || d.Topic == fanout.TopicPinned {
				continue
			}
			d.Seq = 0
			r.engine.Inject(d)
			metrics.RelayedDeltasTotal.WithLabelValues("in", "success").Inc()
		}
	}
}
