package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"chat_broker/internal/domain"
)

const messageColumns = `id, seq, version, author_id, body, created_at, edited, status, read_by,
	reactions, pinned, pinned_by, pinned_at, attachments, voice_note, client_key`

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: failed to %s: %v", domain.ErrUnavailable, op, err)
}

// Migrate creates the messages table and its indexes when missing.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE SEQUENCE IF NOT EXISTS message_seq`,
		`CREATE TABLE IF NOT EXISTS messages (
			id          UUID PRIMARY KEY,
			seq         BIGINT NOT NULL UNIQUE,
			version     BIGINT NOT NULL DEFAULT 0,
			author_id   TEXT NOT NULL,
			body        TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL,
			edited      BOOLEAN NOT NULL DEFAULT FALSE,
			status      TEXT NOT NULL,
			read_by     TEXT[] NOT NULL,
			reactions   JSONB NOT NULL DEFAULT '[]',
			pinned      BOOLEAN NOT NULL DEFAULT FALSE,
			pinned_by   TEXT NOT NULL DEFAULT '',
			pinned_at   TIMESTAMPTZ,
			attachments JSONB NOT NULL DEFAULT '[]',
			voice_note  JSONB,
			client_key  TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS messages_order_idx ON messages (created_at, seq)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS messages_client_key_idx ON messages (author_id, client_key) WHERE client_key <> ''`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return unavailable("migrate messages", err)
		}
	}
	return nil
}

func (r *PostgresRepository) NextSeq(ctx context.Context) (uint64, error) {
	var seq int64
	if err := r.db.QueryRowContext(ctx, `SELECT nextval('message_seq')`).Scan(&seq); err != nil {
		return 0, unavailable("allocate sequence", err)
	}
	return uint64(seq), nil
}

func (r *PostgresRepository) Insert(ctx context.Context, m *domain.Message) error {
	reactions, attachments, voice, err := encodeJSON(m)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, m.ID, int64(m.Seq), int64(m.Version), m.AuthorID, m.Body, m.CreatedAt, m.Edited, string(m.Status),
		pq.Array(m.ReadBy), reactions, m.Pinned, m.PinnedBy, m.PinnedAt, attachments, voice, m.ClientKey)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" && m.ClientKey != "" {
			return ErrDuplicateKey
		}
		return unavailable("insert message", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: message %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, unavailable("get message", err)
	}
	return m, nil
}

func (r *PostgresRepository) Update(ctx context.Context, id uuid.UUID, fn Mutation) (*domain.Message, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, unavailable("begin transaction", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1 FOR UPDATE`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("%w: message %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, false, unavailable("lock message", err)
	}

	changed, err := fn(m)
	if err != nil {
		return nil, false, err
	}
	if !changed {
		return m, false, nil
	}

	reactions, attachments, voice, err := encodeJSON(m)
	if err != nil {
		return nil, false, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE messages
		SET version = $2, body = $3, edited = $4, status = $5, read_by = $6, reactions = $7,
		    pinned = $8, pinned_by = $9, pinned_at = $10, attachments = $11, voice_note = $12
		WHERE id = $1
	`, m.ID, int64(m.Version), m.Body, m.Edited, string(m.Status), pq.Array(m.ReadBy), reactions,
		m.Pinned, m.PinnedBy, m.PinnedAt, attachments, voice)
	if err != nil {
		return nil, false, unavailable("update message", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, unavailable("commit message", err)
	}
	return m, true, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id uuid.UUID, check func(m *domain.Message) error) (*domain.Message, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("begin transaction", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1 FOR UPDATE`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: message %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, unavailable("lock message", err)
	}
	if check != nil {
		if err := check(m.Clone()); err != nil {
			return nil, err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id); err != nil {
		return nil, unavailable("delete message", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable("commit delete", err)
	}
	return m, nil
}

func (r *PostgresRepository) List(ctx context.Context, q ListQuery) ([]*domain.Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	where := ""
	if q.PinnedOnly {
		where = "WHERE pinned"
	}
	if q.Limit > 0 {
		// newest N, flipped back to ascending below
		rows, err = r.db.QueryContext(ctx, `
			SELECT `+messageColumns+` FROM messages `+where+`
			ORDER BY created_at DESC, seq DESC
			LIMIT $1
		`, q.Limit)
	} else {
		rows, err = r.db.QueryContext(ctx, `
			SELECT `+messageColumns+` FROM messages `+where+`
			ORDER BY created_at ASC, seq ASC
		`)
	}
	if err != nil {
		return nil, unavailable("list messages", err)
	}
	defer rows.Close()

	var out []*domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, unavailable("scan message", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list messages", err)
	}

	if q.Limit > 0 {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func (r *PostgresRepository) FindByClientKey(ctx context.Context, authorID, key string) (*domain.Message, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE author_id = $1 AND client_key = $2
	`, authorID, key)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable("find message by client key", err)
	}
	return m, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (*domain.Message, error) {
	var (
		m                      domain.Message
		seq, version           int64
		status                 string
		reactions, attachments []byte
		voice                  []byte
		pinnedAt               sql.NullTime
	)
	err := s.Scan(&m.ID, &seq, &version, &m.AuthorID, &m.Body, &m.CreatedAt, &m.Edited, &status,
		pq.Array(&m.ReadBy), &reactions, &m.Pinned, &m.PinnedBy, &pinnedAt, &attachments, &voice, &m.ClientKey)
	if err != nil {
		return nil, err
	}
	m.Seq = uint64(seq)
	m.Version = uint64(version)
	m.Status = domain.Status(status)
	m.CreatedAt = m.CreatedAt.UTC()
	if pinnedAt.Valid {
		t := pinnedAt.Time.UTC()
		m.PinnedAt = &t
	}
	if err := json.Unmarshal(reactions, &m.Reactions); err != nil {
		return nil, fmt.Errorf("decode reactions: %w", err)
	}
	if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
		return nil, fmt.Errorf("decode attachments: %w", err)
	}
	if len(voice) > 0 {
		if err := json.Unmarshal(voice, &m.VoiceNote); err != nil {
			return nil, fmt.Errorf("decode voice note: %w", err)
		}
	}
	return m.Clone(), nil
}

// encodeJSON renders the JSONB columns. voice is nil when the message has no
// voice note so it is stored as NULL.
func encodeJSON(m *domain.Message) (reactions, attachments string, voice any, err error) {
	rs := m.Reactions
	if rs == nil {
		rs = []domain.Reaction{}
	}
	b, err := json.Marshal(rs)
	if err != nil {
		return "", "", nil, fmt.Errorf("encode reactions: %w", err)
	}
	reactions = string(b)

	as := m.Attachments
	if as == nil {
		as = []domain.Attachment{}
	}
	if b, err = json.Marshal(as); err != nil {
		return "", "", nil, fmt.Errorf("encode attachments: %w", err)
	}
	attachments = string(b)

	if m.VoiceNote != nil {
		if b, err = json.Marshal(m.VoiceNote); err != nil {
			return "", "", nil, fmt.Errorf("encode voice note: %w", err)
		}
		voice = string(b)
	}
	return reactions, attachments, voice, nil
}
