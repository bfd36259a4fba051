// Package presence is the identity and session registry: one last-write-wins
// presence record per principal, plus a heartbeat staleness sweep that flips
// silent principals offline.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chat_broker/internal/domain"
	"chat_broker/internal/fanout"
	"chat_broker/internal/metrics"
)

type Options struct {
	// StaleAfter is how long an online principal may go without a heartbeat.
	StaleAfter time.Duration
	Now        func() time.Time
	Logger     *slog.Logger
}

type Registry struct {
	repo       Repository
	engine     *fanout.Engine
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// NewRegistry builds the registry and installs it as the presence source.
func NewRegistry(repo Repository, engine *fanout.Engine, opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Registry{
		repo:       repo,
		engine:     engine,
		staleAfter: opts.StaleAfter,
		now:        opts.Now,
		logger:     opts.Logger,
	}
	engine.Register(fanout.TopicPresence, r.Snapshot)
	return r
}

// UpsertPresence merges the given fields into the principal's record. Empty
// display name and avatar keep the stored values.
func (r *Registry) UpsertPresence(ctx context.Context, principalID, displayName, avatarRef string, online bool) (domain.PresenceRecord, error) {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return domain.PresenceRecord{}, fmt.Errorf("%w: principal required", domain.ErrUnauthorized)
	}

	var out domain.PresenceRecord
	err := r.engine.Commit(fanout.TopicPresence, principalID, func() ([]fanout.Delta, error) {
		rec, found, err := r.repo.Get(ctx, principalID)
		if err != nil {
			return nil, err
		}
		if !found {
			rec = domain.PresenceRecord{PrincipalID: principalID, DisplayName: principalID}
		}
		if displayName != "" {
			rec.DisplayName = displayName
		}
		if avatarRef != "" {
			rec.AvatarRef = avatarRef
		}
		rec.Online = online
		rec.LastSeen = r.now().UTC()
		if err := r.repo.Upsert(ctx, rec); err != nil {
			return nil, err
		}
		out = rec
		op := fanout.OpUpdate
		if !found {
			op = fanout.OpInsert
		}
		return []fanout.Delta{fanout.PresenceDelta(op, rec)}, nil
	})
	metrics.CommandsTotal.WithLabelValues("upsert_presence", metrics.Result(err)).Inc()
	return out, err
}

// Heartbeat asserts the principal is online and refreshes lastSeen.
func (r *Registry) Heartbeat(ctx context.Context, principalID string) (domain.PresenceRecord, error) {
	return r.UpsertPresence(ctx, principalID, "", "", true)
}

// MarkOffline flips the principal offline. Unknown principals and principals
// already offline are left untouched.
func (r *Registry) MarkOffline(ctx context.Context, principalID string) error {
	err := r.engine.Commit(fanout.TopicPresence, principalID, func() ([]fanout.Delta, error) {
		rec, found, err := r.repo.Get(ctx, principalID)
		if err != nil || !found || !rec.Online {
			return nil, err
		}
		rec.Online = false
		rec.LastSeen = r.now().UTC()
		if err := r.repo.Upsert(ctx, rec); err != nil {
			return nil, err
		}
		return []fanout.Delta{fanout.PresenceDelta(fanout.OpUpdate, rec)}, nil
	})
	metrics.CommandsTotal.WithLabelValues("mark_offline", metrics.Result(err)).Inc()
	return err
}

func (r *Registry) Get(ctx context.Context, principalID string) (domain.PresenceRecord, error) {
	rec, found, err := r.repo.Get(ctx, principalID)
	if err != nil {
		return domain.PresenceRecord{}, err
	}
	if !found {
		return domain.PresenceRecord{}, fmt.Errorf("%w: principal %s", domain.ErrNotFound, principalID)
	}
	return rec, nil
}

func (r *Registry) List(ctx context.Context) ([]domain.PresenceRecord, error) {
	return r.repo.List(ctx)
}

// Known reports whether the principal has ever registered.
func (r *Registry) Known(ctx context.Context, principalID string) (bool, error) {
	_, found, err := r.repo.Get(ctx, principalID)
	return found, err
}

// Online reports whether the principal is currently online.
func (r *Registry) Online(ctx context.Context, principalID string) (bool, error) {
	rec, found, err := r.repo.Get(ctx, principalID)
	if err != nil {
		return false, err
	}
	return found && rec.Online, nil
}

func (r *Registry) Snapshot(ctx context.Context, _ fanout.Filter) ([]fanout.Delta, error) {
	recs, err := r.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]fanout.Delta, 0, len(recs))
	for _, rec := range recs {
		out = append(out, fanout.PresenceDelta(fanout.OpInsert, rec))
	}
	return out, nil
}

// SweepStale flips every online principal whose last heartbeat is older than
// the staleness timeout offline and returns how many were flipped.
func (r *Registry) SweepStale(ctx context.Context) (int, error) {
	if r.staleAfter <= 0 {
		return 0, nil
	}
	recs, err := r.repo.List(ctx)
	if err != nil {
		return 0, err
	}
	flipped := 0
	for _, candidate := range recs {
		if !candidate.Online || r.now().Sub(candidate.LastSeen) <= r.staleAfter {
			continue
		}
		id := candidate.PrincipalID
		err := r.engine.Commit(fanout.TopicPresence, id, func() ([]fanout.Delta, error) {
			rec, found, err := r.repo.Get(ctx, id)
			if err != nil || !found || !rec.Online || r.now().Sub(rec.LastSeen) <= r.staleAfter {
				return nil, err
			}
			rec.Online = false
			if err := r.repo.Upsert(ctx, rec); err != nil {
				return nil, err
			}
			flipped++
			metrics.PresenceStaleTotal.Inc()
			return []fanout.Delta{fanout.PresenceDelta(fanout.OpUpdate, rec)}, nil
		})
		if err != nil {
			return flipped, err
		}
	}
	return flipped, nil
}

// Run sweeps stale presence every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := r.SweepStale(ctx)
			if err != nil {
				r.logger.Warn("presence sweep failed", "error", err)
				continue
			}
			if n > 0 {
				r.logger.Info("flipped stale principals offline", "count", n)
			}
		}
	}
}
