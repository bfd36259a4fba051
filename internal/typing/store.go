// Package typing holds short-lived typing indicators. A principal has at most
// one signal; readers treat any signal older than the TTL as absent, and a
// sweeper deletes expired signals and publishes their removal.
package typing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"chat_broker/internal/domain"
	"chat_broker/internal/fanout"
	"chat_broker/internal/metrics"
)

const DefaultTTL = 3 * time.Second

// Principals validates that a principal is registered.
type Principals interface {
	Known(ctx context.Context, principalID string) (bool, error)
}

type Options struct {
	TTL    time.Duration
	Now    func() time.Time
	Logger *slog.Logger
}

type Store struct {
	engine     *fanout.Engine
	principals Principals
	ttl        time.Duration
	now        func() time.Time
	logger     *slog.Logger

	mu      sync.RWMutex
	signals map[string]domain.TypingSignal
}

// NewStore builds the store and installs it as the typing source.
func NewStore(engine *fanout.Engine, principals Principals, opts Options) *Store {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Store{
		engine:     engine,
		principals: principals,
		ttl:        opts.TTL,
		now:        opts.Now,
		logger:     opts.Logger,
		signals:    make(map[string]domain.TypingSignal),
	}
	engine.Register(fanout.TopicTyping, s.Snapshot)
	return s
}

func (s *Store) TTL() time.Duration {
	return s.ttl
}

// SetTyping overwrites the principal's signal with a fresh timestamp.
func (s *Store) SetTyping(ctx context.Context, principalID, userName string) (domain.TypingSignal, error) {
	sig, err := s.setTyping(ctx, principalID, userName)
	metrics.CommandsTotal.WithLabelValues("set_typing", metrics.Result(err)).Inc()
	return sig, err
}

func (s *Store) setTyping(ctx context.Context, principalID, userName string) (domain.TypingSignal, error) {
	if strings.TrimSpace(principalID) == "" {
		return domain.TypingSignal{}, fmt.Errorf("%w: principal required", domain.ErrUnauthorized)
	}
	if s.principals != nil {
		known, err := s.principals.Known(ctx, principalID)
		if err != nil {
			return domain.TypingSignal{}, err
		}
		if !known {
			return domain.TypingSignal{}, fmt.Errorf("%w: unknown principal %s", domain.ErrUnauthorized, principalID)
		}
	}
	if strings.TrimSpace(userName) == "" {
		userName = principalID
	}

	var sig domain.TypingSignal
	err := s.engine.Commit(fanout.TopicTyping, principalID, func() ([]fanout.Delta, error) {
		now := s.now()
		sig = domain.TypingSignal{PrincipalID: principalID, UserName: userName, Timestamp: now.UTC()}

		s.mu.Lock()
		prev, live := s.signals[principalID]
		live = live && !prev.Expired(now, s.ttl)
		s.signals[principalID] = sig
		s.mu.Unlock()

		op := fanout.OpInsert
		if live {
			op = fanout.OpUpdate
		}
		return []fanout.Delta{fanout.TypingDelta(op, sig)}, nil
	})
	return sig, err
}

// ClearTyping deletes the principal's signal. Clearing an absent signal is a
// no-op.
func (s *Store) ClearTyping(_ context.Context, principalID string) error {
	err := s.engine.Commit(fanout.TopicTyping, principalID, func() ([]fanout.Delta, error) {
		s.mu.Lock()
		sig, ok := s.signals[principalID]
		delete(s.signals, principalID)
		s.mu.Unlock()
		if !ok {
			return nil, nil
		}
		return []fanout.Delta{fanout.TypingDelta(fanout.OpDelete, sig)}, nil
	})
	metrics.CommandsTotal.WithLabelValues("clear_typing", metrics.Result(err)).Inc()
	return err
}

// Current lists live signals, oldest first, leaving out except.
func (s *Store) Current(except string) []domain.TypingSignal {
	now := s.now()
	s.mu.RLock()
	out := make([]domain.TypingSignal, 0, len(s.signals))
	for id, sig := range s.signals {
		if id == except || sig.Expired(now, s.ttl) {
			continue
		}
		out = append(out, sig)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].PrincipalID < out[j].PrincipalID
	})
	return out
}

func (s *Store) Snapshot(_ context.Context, f fanout.Filter) ([]fanout.Delta, error) {
	current := s.Current(f.Viewer)
	out := make([]fanout.Delta, 0, len(current))
	for _, sig := range current {
		out = append(out, fanout.TypingDelta(fanout.OpInsert, sig))
	}
	return out, nil
}

// Sweep deletes expired signals, publishes their removal and returns how many
// were removed.
func (s *Store) Sweep() int {
	now := s.now()
	s.mu.RLock()
	var expired []string
	for id, sig := range s.signals {
		if sig.Expired(now, s.ttl) {
			expired = append(expired, id)
		}
	}
	s.mu.RUnlock()

	removed := 0
	for _, id := range expired {
		_ = s.engine.Commit(fanout.TopicTyping, id, func() ([]fanout.Delta, error) {
			s.mu.Lock()
			sig, ok := s.signals[id]
			if !ok || !sig.Expired(s.now(), s.ttl) {
				s.mu.Unlock()
				return nil, nil
			}
			delete(s.signals, id)
			s.mu.Unlock()
			removed++
			metrics.TypingExpiredTotal.Inc()
			return []fanout.Delta{fanout.TypingDelta(fanout.OpDelete, sig)}, nil
		})
	}
	return removed
}

// Run sweeps expired signals every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Debug("expired typing signals", "count", n)
			}
		}
	}
}
