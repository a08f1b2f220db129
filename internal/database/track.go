package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/trackwatch/trackwatch/internal/database/models"
)

type trackRepo struct {
	db *DB
}

// NewTrackRepository creates a new TrackRepository.
func NewTrackRepository(db *DB) TrackRepository {
	return &trackRepo{db: db}
}

// UpsertTrack inserts a track on first recognition, or updates its
// attributes on conflict (provider, provider_track_id), matching spec.md's
// "created on first successful recognition; updated-on-conflict" lifecycle.
func (r *trackRepo) UpsertTrack(ctx context.Context, t *models.Track) (int64, error) {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO tracks (provider, provider_track_id, title, artist, album,
		 isrc, artwork_url, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, datetime('now'), datetime('now'))
		 ON CONFLICT(provider, provider_track_id) DO UPDATE SET
		   title = excluded.title,
		   artist = excluded.artist,
		   album = excluded.album,
		   isrc = excluded.isrc,
		   artwork_url = excluded.artwork_url,
		   metadata = excluded.metadata,
		   updated_at = datetime('now')`,
		t.Provider, t.ProviderTrackID, t.Title, t.Artist, t.Album, t.ISRC, t.ArtworkURL, t.Metadata,
	)
	if err != nil {
		return 0, fmt.Errorf("upserting track %s/%s: %w", t.Provider, t.ProviderTrackID, err)
	}

	var id int64
	err = r.db.QueryRowContext(ctx,
		`SELECT id FROM tracks WHERE provider = ? AND provider_track_id = ?`,
		t.Provider, t.ProviderTrackID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("fetching track id for %s/%s: %w", t.Provider, t.ProviderTrackID, err)
	}
	t.ID = id
	return id, nil
}

// GetByID returns a track by id, or nil if it doesn't exist.
func (r *trackRepo) GetByID(ctx context.Context, id int64) (*models.Track, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, provider, provider_track_id, title, artist, album, isrc,
		 artwork_url, metadata, created_at, updated_at FROM tracks WHERE id = ?`, id)

	var t models.Track
	err := row.Scan(&t.ID, &t.Provider, &t.ProviderTrackID, &t.Title, &t.Artist,
		&t.Album, &t.ISRC, &t.ArtworkURL, &t.Metadata, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning track: %w", err)
	}
	return &t, nil
}
