package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS upload_recovery (
	engine_id  TEXT        NOT NULL,
	file_id    TEXT        NOT NULL,
	name       TEXT        NOT NULL,
	type       TEXT        NOT NULL DEFAULT '',
	size       BIGINT      NOT NULL DEFAULT 0,
	state      TEXT        NOT NULL,
	url        TEXT        NOT NULL DEFAULT '',
	data       BYTEA,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (engine_id, file_id)
);
CREATE INDEX IF NOT EXISTS upload_recovery_expires_at_idx ON upload_recovery (expires_at);
`

// PostgresStore is a Store backed by a PostgreSQL table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pool. Call EnsureSchema once before use.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the recovery table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create upload_recovery: %w", err)
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, e Entry) error {
	// A nil Data keeps previously spooled bytes.
	_, err := s.pool.Exec(ctx, `
		INSERT INTO upload_recovery
			(engine_id, file_id, name, type, size, state, url, data, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (engine_id, file_id) DO UPDATE SET
			name       = EXCLUDED.name,
			type       = EXCLUDED.type,
			size       = EXCLUDED.size,
			state      = EXCLUDED.state,
			url        = EXCLUDED.url,
			data       = COALESCE(EXCLUDED.data, upload_recovery.data),
			expires_at = EXCLUDED.expires_at`,
		e.EngineID, e.FileID, e.Name, e.Type, e.Size, e.State, e.URL, e.Data, e.CreatedAt, e.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("save recovery entry %s/%s: %w", e.EngineID, e.FileID, err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, engineID string, now time.Time) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT engine_id, file_id, name, type, size, state, url, data, created_at, expires_at
		FROM upload_recovery
		WHERE engine_id = $1 AND expires_at > $2
		ORDER BY created_at`, engineID, now)
	if err != nil {
		return nil, fmt.Errorf("load recovery entries for %s: %w", engineID, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.EngineID, &e.FileID, &e.Name, &e.Type, &e.Size, &e.State,
			&e.URL, &e.Data, &e.CreatedAt, &e.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan recovery entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Delete(ctx context.Context, engineID, fileID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM upload_recovery WHERE engine_id = $1 AND file_id = $2`, engineID, fileID)
	if err != nil {
		return fmt.Errorf("delete recovery entry %s/%s: %w", engineID, fileID, err)
	}
	return nil
}

func (s *PostgresStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM upload_recovery WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge recovery entries: %w", err)
	}
	return tag.RowsAffected(), nil
}
