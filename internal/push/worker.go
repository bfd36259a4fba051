// Package push notifies principals that are offline when a message arrives.
package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aquilax/truncate"
	"github.com/dustin/go-humanize"

	"chat_broker/internal/domain"
	"chat_broker/internal/fanout"
	"chat_broker/internal/metrics"
)

// Notification is handed to a Notifier for one offline recipient.
type Notification struct {
	Type      string          `json:"type"`
	Recipient string          `json:"recipient"`
	Message   *domain.Message `json:"message"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Directory lists known principals and their presence.
type Directory interface {
	List(ctx context.Context) ([]domain.PresenceRecord, error)
}

type Worker struct {
	engine    *fanout.Engine
	directory Directory
	notifier  Notifier
	logger    *slog.Logger
}

func NewWorker(engine *fanout.Engine, directory Directory, notifier Notifier, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		engine:    engine,
		directory: directory,
		notifier:  notifier,
		logger:    logger,
	}
}

// Start notifies offline principals of every message sent on this node until
// ctx is done.
func (w *Worker) Start(ctx context.Context) error {
	for {
		sub, err := w.engine.Subscribe(ctx, fanout.Filter{Topic: fanout.TopicMessages})
		if err != nil {
			return fmt.Errorf("subscribe messages: %w", err)
		}
		for d := range sub.C() {
			if d.Op != fanout.OpInsert || d.Origin != w.engine.NodeID() || d.Message == nil {
				continue
			}
			w.dispatch(ctx, d.Message)
		}
		if ctx.Err() != nil || !errors.Is(sub.Err(), fanout.ErrLagged) {
			return nil
		}
		w.logger.Warn("push subscription lagged, resubscribing")
	}
}

func (w *Worker) dispatch(ctx context.Context, m *domain.Message) {
	recs, err := w.directory.List(ctx)
	if err != nil {
		w.logger.Warn("failed to list presence", "message", m.ID, "error", err)
		return
	}
	for _, rec := range recs {
		if rec.Online || rec.PrincipalID == m.AuthorID {
			continue
		}
		err := w.notifier.Notify(ctx, Notification{
			Type:      domain.EventTypeMessageCreated,
			Recipient: rec.PrincipalID,
			Message:   m,
		})
		metrics.PushNotificationsTotal.WithLabelValues(metrics.Result(err)).Inc()
		if err != nil {
			w.logger.Warn("failed to notify", "recipient", rec.PrincipalID, "message", m.ID, "error", err)
		}
	}
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, note Notification) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("push notification",
		"recipient", note.Recipient,
		"message", note.Message.ID,
		"author", note.Message.AuthorID,
		"preview", preview(note.Message),
	)
	return nil
}

func preview(m *domain.Message) string {
	switch {
	case m.Body != "":
		return truncate.Truncate(m.Body, 64, "…", truncate.PositionEnd)
	case m.VoiceNote != nil:
		return fmt.Sprintf("voice note (%.0fs)", m.VoiceNote.DurationSeconds)
	case len(m.Attachments) > 0:
		var size int64
		for _, a := range m.Attachments {
			size += a.ByteSize
		}
		return fmt.Sprintf("%d attachment(s), %s", len(m.Attachments), humanize.Bytes(uint64(size)))
	}
	return ""
}
