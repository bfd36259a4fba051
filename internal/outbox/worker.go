// Package outbox journals committed message events to a RabbitMQ stream.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"chat_broker/internal/domain"
	"chat_broker/internal/fanout"
	"chat_broker/internal/metrics"
)

// Appender stores journal events.
type Appender interface {
	Append(ctx context.Context, event domain.OutboxEvent) error
}

type Worker struct {
	engine   *fanout.Engine
	appender Appender
	logger   *slog.Logger
	now      func() time.Time
}

func NewWorker(engine *fanout.Engine, appender Appender, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		engine:   engine,
		appender: appender,
		logger:   logger,
		now:      time.Now,
	}
}

// Start journals every message delta committed on this node until ctx is
// done.
func (w *Worker) Start(ctx context.Context) error {
	for {
		sub, err := w.engine.Subscribe(ctx, fanout.Filter{Topic: fanout.TopicMessages})
		if err != nil {
			return fmt.Errorf("subscribe messages: %w", err)
		}
		w.logger.Info("journal worker started")
		for d := range sub.C() {
			if d.Origin != w.engine.NodeID() {
				continue
			}
			event, err := w.eventFromDelta(d)
			if err != nil {
				w.logger.Error("failed to build journal event", "key", d.Key, "error", err)
				continue
			}
			err = w.appender.Append(ctx, event)
			metrics.JournalEventsTotal.WithLabelValues(event.EventType, metrics.Result(err)).Inc()
			if err != nil {
				w.logger.Error("failed to append journal event", "event_type", event.EventType, "key", event.Key, "error", err)
			}
		}
		if ctx.Err() != nil || !errors.Is(sub.Err(), fanout.ErrLagged) {
			return nil
		}
		w.logger.Warn("journal subscription lagged, resubscribing")
	}
}

func (w *Worker) eventFromDelta(d fanout.Delta) (domain.OutboxEvent, error) {
	var eventType string
	switch d.Op {
	case fanout.OpInsert:
		eventType = domain.EventTypeMessageCreated
	case fanout.OpUpdate:
		eventType = domain.EventTypeMessageUpdated
	case fanout.OpDelete:
		eventType = domain.EventTypeMessageDeleted
	default:
		return domain.OutboxEvent{}, fmt.Errorf("unknown op %q", d.Op)
	}
	payload, err := json.Marshal(d.Message)
	if err != nil {
		return domain.OutboxEvent{}, fmt.Errorf("marshal message: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return domain.OutboxEvent{
		ID:        id,
		EventType: eventType,
		Key:       d.Key,
		Payload:   payload,
		Origin:    d.Origin,
		CreatedAt: w.now().UTC(),
	}, nil
}
