// Package messages is the command surface of the message log: it validates
// commands, assigns ordering, enforces authorship and commits every accepted
// mutation through the fan-out engine.
package messages

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chat_broker/internal/blob"
	"chat_broker/internal/delivery"
	"chat_broker/internal/domain"
	"chat_broker/internal/fanout"
	"chat_broker/internal/metrics"
	"chat_broker/internal/repository"
)

// Payloads resolves content references produced by the blob store.
type Payloads interface {
	Exists(ctx context.Context, ref string) (bool, error)
}

type Options struct {
	Limits   domain.Limits
	Payloads Payloads
	Now      func() time.Time
	Logger   *slog.Logger
}

type Store struct {
	repo     repository.MessageRepository
	engine   *fanout.Engine
	tracker  *delivery.Tracker
	payloads Payloads
	limits   domain.Limits
	now      func() time.Time
	logger   *slog.Logger

	clockMu sync.Mutex
	seeded  bool
	last    time.Time

	keyLocks [32]sync.Mutex
}

// NewStore builds the store and installs it as the source of the messages
// and pinned topics.
func NewStore(repo repository.MessageRepository, engine *fanout.Engine, opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Store{
		repo:     repo,
		engine:   engine,
		tracker:  delivery.NewTracker(),
		payloads: opts.Payloads,
		limits:   opts.Limits,
		now:      opts.Now,
		logger:   opts.Logger,
	}
	engine.Register(fanout.TopicMessages, s.snapshot(false))
	engine.Register(fanout.TopicPinned, s.snapshot(true))
	return s
}

func requirePrincipal(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: principal required", domain.ErrUnauthorized)
	}
	return nil
}

// Send appends a new message. A repeated idempotency key from the same author
// returns the message created by the first call.
func (s *Store) Send(ctx context.Context, authorID string, content domain.Content) (*domain.Message, error) {
	m, err := s.send(ctx, authorID, content)
	metrics.CommandsTotal.WithLabelValues("send", metrics.Result(err)).Inc()
	return m, err
}

func (s *Store) send(ctx context.Context, authorID string, content domain.Content) (*domain.Message, error) {
	if err := requirePrincipal(authorID); err != nil {
		return nil, err
	}
	if err := content.Validate(s.limits); err != nil {
		return nil, err
	}
	if err := s.checkPayloads(ctx, content); err != nil {
		return nil, err
	}

	key := strings.TrimSpace(content.IdempotencyKey)
	if key != "" {
		lock := s.keyLock(authorID, key)
		lock.Lock()
		defer lock.Unlock()

		existing, found, err := s.repo.FindByClientKey(ctx, authorID, key)
		if err != nil {
			return nil, err
		}
		if found {
			return existing, nil
		}
	}

	seq, createdAt, err := s.assign(ctx)
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	m := &domain.Message{
		ID:          id,
		Seq:         seq,
		Version:     1,
		AuthorID:    authorID,
		Body:        content.Body,
		CreatedAt:   createdAt,
		Reactions:   []domain.Reaction{},
		Attachments: append([]domain.Attachment(nil), content.Attachments...),
		ClientKey:   key,
	}
	if content.VoiceNote != nil {
		v := *content.VoiceNote
		m.VoiceNote = &v
	}
	s.tracker.Initialize(m)

	err = s.engine.Commit(fanout.TopicMessages, id.String(), func() ([]fanout.Delta, error) {
		if err := s.repo.Insert(ctx, m); err != nil {
			return nil, err
		}
		return []fanout.Delta{fanout.MessageDelta(fanout.OpInsert, m.Clone())}, nil
	})
	if errors.Is(err, repository.ErrDuplicateKey) {
		existing, found, ferr := s.repo.FindByClientKey(ctx, authorID, key)
		if ferr != nil {
			return nil, ferr
		}
		if found {
			return existing, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return m.Clone(), nil
}

func (s *Store) checkPayloads(ctx context.Context, content domain.Content) error {
	if s.payloads == nil {
		return nil
	}
	for _, ref := range content.PayloadRefs() {
		if !blob.IsContentRef(ref) {
			continue
		}
		ok, err := s.payloads.Exists(ctx, ref)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: payload %s has not been uploaded", domain.ErrInvalidContent, ref)
		}
	}
	return nil
}

// assign hands out the sequence number and server timestamp of a new
// message. Timestamps are strictly increasing in assignment order.
func (s *Store) assign(ctx context.Context) (uint64, time.Time, error) {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()

	if !s.seeded {
		latest, err := s.repo.List(ctx, repository.ListQuery{Limit: 1})
		if err != nil {
			return 0, time.Time{}, err
		}
		if len(latest) == 1 {
			s.last = latest[0].CreatedAt
		}
		s.seeded = true
	}

	seq, err := s.repo.NextSeq(ctx)
	if err != nil {
		return 0, time.Time{}, err
	}
	now := s.now().UTC().Truncate(time.Microsecond)
	if !now.After(s.last) {
		now = s.last.Add(time.Microsecond)
	}
	s.last = now
	return seq, now, nil
}

func (s *Store) keyLock(authorID, key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(authorID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key))
	return &s.keyLocks[h.Sum32()%uint32(len(s.keyLocks))]
}

// Edit replaces the body of a message. Only the author may edit.
func (s *Store) Edit(ctx context.Context, id uuid.UUID, byID, body string) (*domain.Message, error) {
	if err := requirePrincipal(byID); err != nil {
		return nil, err
	}
	if err := domain.ValidateBody(body, s.limits); err != nil {
		return nil, err
	}
	return s.mutate(ctx, "edit", id, func(m *domain.Message) (bool, error) {
		if m.AuthorID != byID {
			return false, fmt.Errorf("%w: %s cannot edit message %s", domain.ErrNotAuthor, byID, id)
		}
		next := domain.Content{Body: body, Attachments: m.Attachments, VoiceNote: m.VoiceNote}
		if next.Empty() {
			return false, fmt.Errorf("%w: edit would leave the message empty", domain.ErrInvalidContent)
		}
		if m.Body == body && m.Edited {
			return false, nil
		}
		m.Body = body
		m.Edited = true
		return true, nil
	})
}

// Delete removes a message and every view derived from it. Only the author
// may delete.
func (s *Store) Delete(ctx context.Context, id uuid.UUID, byID string) error {
	if err := requirePrincipal(byID); err != nil {
		return err
	}
	err := s.engine.Commit(fanout.TopicMessages, id.String(), func() ([]fanout.Delta, error) {
		m, err := s.repo.Delete(ctx, id, func(m *domain.Message) error {
			if m.AuthorID != byID {
				return fmt.Errorf("%w: %s cannot delete message %s", domain.ErrNotAuthor, byID, id)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return []fanout.Delta{fanout.MessageDelta(fanout.OpDelete, m)}, nil
	})
	metrics.CommandsTotal.WithLabelValues("delete", metrics.Result(err)).Inc()
	return err
}

// React toggles (emoji, byID) in the reaction set. Calling it twice restores
// the original set, so retries must be deduplicated by the caller.
func (s *Store) React(ctx context.Context, id uuid.UUID, byID, emoji string) (*domain.Message, error) {
	if err := requirePrincipal(byID); err != nil {
		return nil, err
	}
	if err := domain.ValidateEmoji(emoji); err != nil {
		return nil, err
	}
	return s.mutate(ctx, "react", id, func(m *domain.Message) (bool, error) {
		m.ToggleReaction(emoji, byID)
		return true, nil
	})
}

// SetReaction makes (emoji, byID) present or absent. It is safe to retry.
func (s *Store) SetReaction(ctx context.Context, id uuid.UUID, byID, emoji string, present bool) (*domain.Message, error) {
	if err := requirePrincipal(byID); err != nil {
		return nil, err
	}
	if err := domain.ValidateEmoji(emoji); err != nil {
		return nil, err
	}
	return s.mutate(ctx, "set_reaction", id, func(m *domain.Message) (bool, error) {
		return m.SetReaction(emoji, byID, present), nil
	})
}

// MarkRead adds byID to the readers. Repeated calls are no-ops.
func (s *Store) MarkRead(ctx context.Context, id uuid.UUID, byID string) (*domain.Message, error) {
	if err := requirePrincipal(byID); err != nil {
		return nil, err
	}
	return s.mutate(ctx, "mark_read", id, func(m *domain.Message) (bool, error) {
		return s.tracker.MarkRead(m, byID), nil
	})
}

// MarkDelivered records a delivery ack from a recipient.
func (s *Store) MarkDelivered(ctx context.Context, id uuid.UUID, byID string) (*domain.Message, error) {
	if err := requirePrincipal(byID); err != nil {
		return nil, err
	}
	return s.mutate(ctx, "mark_delivered", id, func(m *domain.Message) (bool, error) {
		return s.tracker.MarkDelivered(m, byID), nil
	})
}

// Pin marks a message pinned. Any principal may pin.
func (s *Store) Pin(ctx context.Context, id uuid.UUID, byID string) (*domain.Message, error) {
	if err := requirePrincipal(byID); err != nil {
		return nil, err
	}
	return s.mutate(ctx, "pin", id, func(m *domain.Message) (bool, error) {
		if m.Pinned {
			return false, nil
		}
		at := s.now().UTC()
		m.Pinned = true
		m.PinnedBy = byID
		m.PinnedAt = &at
		return true, nil
	})
}

// Unpin clears the pin of a message. Any principal may unpin.
func (s *Store) Unpin(ctx context.Context, id uuid.UUID, byID string) (*domain.Message, error) {
	if err := requirePrincipal(byID); err != nil {
		return nil, err
	}
	return s.mutate(ctx, "unpin", id, func(m *domain.Message) (bool, error) {
		if !m.Pinned {
			return false, nil
		}
		m.Pinned = false
		m.PinnedBy = ""
		m.PinnedAt = nil
		return true, nil
	})
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	return s.repo.Get(ctx, id)
}

func (s *Store) List(ctx context.Context, q repository.ListQuery) ([]*domain.Message, error) {
	return s.repo.List(ctx, q)
}

// mutate applies fn to one message inside a commit and publishes the new
// state when fn reports a change.
func (s *Store) mutate(ctx context.Context, command string, id uuid.UUID, fn repository.Mutation) (*domain.Message, error) {
	var out *domain.Message
	err := s.engine.Commit(fanout.TopicMessages, id.String(), func() ([]fanout.Delta, error) {
		m, changed, err := s.repo.Update(ctx, id, func(m *domain.Message) (bool, error) {
			changed, err := fn(m)
			if err == nil && changed {
				m.Version++
			}
			return changed, err
		})
		if err != nil {
			return nil, err
		}
		out = m
		if !changed {
			return nil, nil
		}
		return []fanout.Delta{fanout.MessageDelta(fanout.OpUpdate, m.Clone())}, nil
	})
	metrics.CommandsTotal.WithLabelValues(command, metrics.Result(err)).Inc()
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) snapshot(pinnedOnly bool) fanout.SnapshotFunc {
	return func(ctx context.Context, _ fanout.Filter) ([]fanout.Delta, error) {
		msgs, err := s.repo.List(ctx, repository.ListQuery{PinnedOnly: pinnedOnly})
		if err != nil {
			return nil, err
		}
		out := make([]fanout.Delta, 0, len(msgs))
		for _, m := range msgs {
			d := fanout.MessageDelta(fanout.OpInsert, m)
			if pinnedOnly {
				d.Topic = fanout.TopicPinned
			}
			out = append(out, d)
		}
		return out, nil
	}
}
