package presence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"

	"chat_broker/internal/domain"
)

type Repository interface {
	Upsert(ctx context.Context, rec domain.PresenceRecord) error
	Get(ctx context.Context, principalID string) (domain.PresenceRecord, bool, error)
	List(ctx context.Context) ([]domain.PresenceRecord, error)
}

type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]domain.PresenceRecord
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]domain.PresenceRecord)}
}

func (r *MemoryRepository) Upsert(_ context.Context, rec domain.PresenceRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.PrincipalID] = rec
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, principalID string) (domain.PresenceRecord, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[principalID]
	return rec, ok, nil
}

func (r *MemoryRepository) List(_ context.Context) ([]domain.PresenceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.PresenceRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PrincipalID < out[j].PrincipalID })
	return out, nil
}

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Migrate creates the presence table when missing.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS presence (
			principal_id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			avatar_ref   TEXT NOT NULL DEFAULT '',
			online       BOOLEAN NOT NULL DEFAULT FALSE,
			last_seen    TIMESTAMPTZ NOT NULL
		)
	`
	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("%w: failed to migrate presence: %v", domain.ErrUnavailable, err)
	}
	return nil
}

func (r *PostgresRepository) Upsert(ctx context.Context, rec domain.PresenceRecord) error {
	query := `
		INSERT INTO presence (principal_id, display_name, avatar_ref, online, last_seen)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (principal_id) DO UPDATE
		SET display_name = $2, avatar_ref = $3, online = $4, last_seen = $5
	`
	_, err := r.db.ExecContext(ctx, query, rec.PrincipalID, rec.DisplayName, rec.AvatarRef, rec.Online, rec.LastSeen)
	if err != nil {
		return fmt.Errorf("%w: failed to upsert presence: %v", domain.ErrUnavailable, err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, principalID string) (domain.PresenceRecord, bool, error) {
	query := `
		SELECT principal_id, display_name, avatar_ref, online, last_seen
		FROM presence
		WHERE principal_id = $1
	`
	var rec domain.PresenceRecord
	err := r.db.QueryRowContext(ctx, query, principalID).
		Scan(&rec.PrincipalID, &rec.DisplayName, &rec.AvatarRef, &rec.Online, &rec.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PresenceRecord{}, false, nil
	}
	if err != nil {
		return domain.PresenceRecord{}, false, fmt.Errorf("%w: failed to get presence: %v", domain.ErrUnavailable, err)
	}
	return rec, true, nil
}

func (r *PostgresRepository) List(ctx context.Context) ([]domain.PresenceRecord, error) {
	query := `
		SELECT principal_id, display_name, avatar_ref, online, last_seen
		FROM presence
		ORDER BY principal_id
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list presence: %v", domain.ErrUnavailable, err)
	}
	defer rows.Close()

	var out []domain.PresenceRecord
	for rows.Next() {
		var rec domain.PresenceRecord
		if err := rows.Scan(&rec.PrincipalID, &rec.DisplayName, &rec.AvatarRef, &rec.Online, &rec.LastSeen); err != nil {
			return nil, fmt.Errorf("%w: failed to scan presence: %v", domain.ErrUnavailable, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	return out, nil
}
