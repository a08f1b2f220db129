package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/trackwatch/trackwatch/internal/database/models"
)

type streamRepo struct {
	db *DB
}

// NewStreamRepository creates a new StreamRepository.
func NewStreamRepository(db *DB) StreamRepository {
	return &streamRepo{db: db}
}

// EnsureStream upserts a stream by name. Config reload is the only caller
// that mutates an existing stream's url/enabled flag; streams are never
// deleted, only disabled.
func (r *streamRepo) EnsureStream(ctx context.Context, name, url string, enabled bool) (int64, error) {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO streams (name, url, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, datetime('now'), datetime('now'))
		 ON CONFLICT(name) DO UPDATE SET
		   url = excluded.url,
		   enabled = excluded.enabled,
		   updated_at = datetime('now')`,
		name, url, enabled,
	)
	if err != nil {
		return 0, fmt.Errorf("upserting stream %q: %w", name, err)
	}

	var id int64
	if err := r.db.QueryRowContext(ctx, `SELECT id FROM streams WHERE name = ?`, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("fetching stream id for %q: %w", name, err)
	}
	return id, nil
}

// GetByName returns a stream by name, or nil if it doesn't exist.
func (r *streamRepo) GetByName(ctx context.Context, name string) (*models.Stream, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT id, name, url, enabled, created_at, updated_at FROM streams WHERE name = ?`, name,
	))
}

// List returns all streams ordered by name.
func (r *streamRepo) List(ctx context.Context) ([]models.Stream, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, url, enabled, created_at, updated_at FROM streams ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying streams: %w", err)
	}
	defer rows.Close()
	return r.scanMany(rows)
}

// ListEnabled returns only enabled streams, ordered by name.
func (r *streamRepo) ListEnabled(ctx context.Context) ([]models.Stream, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, url, enabled, created_at, updated_at FROM streams WHERE enabled = 1 ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying enabled streams: %w", err)
	}
	defer rows.Close()
	return r.scanMany(rows)
}

func (r *streamRepo) scanOne(row *sql.Row) (*models.Stream, error) {
	var s models.Stream
	err := row.Scan(&s.ID, &s.Name, &s.URL, &s.Enabled, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning stream: %w", err)
	}
	return &s, nil
}

func (r *streamRepo) scanMany(rows *sql.Rows) ([]models.Stream, error) {
	var out []models.Stream
	for rows.Next() {
		var s models.Stream
		if err := rows.Scan(&s.ID, &s.Name, &s.URL, &s.Enabled, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning stream row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
