package database

import (
	"context"
	"fmt"
	"time"

	"github.com/trackwatch/trackwatch/internal/database/models"
)

type playRepo struct {
	db *DB
}

// NewPlayRepository creates a new PlayRepository.
func NewPlayRepository(db *DB) PlayRepository {
	return &playRepo{db: db}
}

// InsertPlayIdempotent computes dedup_bucket = floor(epoch_seconds(recognizedAt) / dedupSeconds)
// and inserts the play, relying on the UNIQUE(track_id, stream_id, dedup_bucket)
// constraint to make a repeat within the same bucket a silent no-op, per
// spec.md §4.6 and invariant 1 in §8.
func (r *playRepo) InsertPlayIdempotent(ctx context.Context, streamID, trackID int64, recognizedAt time.Time, confidence float64, dedupSeconds int64) (PlayResult, error) {
	if dedupSeconds <= 0 {
		return PlayResult{}, fmt.Errorf("dedupSeconds must be positive, got %d", dedupSeconds)
	}
	bucket := recognizedAt.UTC().Unix() / dedupSeconds

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO plays (stream_id, track_id, recognized_at, confidence, dedup_bucket)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(track_id, stream_id, dedup_bucket) DO NOTHING`,
		streamID, trackID, recognizedAt.UTC(), confidence, bucket,
	)
	if err != nil {
		return PlayResult{}, fmt.Errorf("inserting play: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return PlayResult{}, fmt.Errorf("getting rows affected: %w", err)
	}
	if affected == 0 {
		return PlayResult{Inserted: false}, nil
	}

	id, err := result.LastInsertId()
	if err != nil {
		return PlayResult{}, fmt.Errorf("getting last insert id: %w", err)
	}
	return PlayResult{Inserted: true, PlayID: id}, nil
}

// ListByStream returns the most recent plays for a stream, newest first.
func (r *playRepo) ListByStream(ctx context.Context, streamID int64, limit int) ([]models.Play, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, stream_id, track_id, recognized_at, confidence, dedup_bucket
		 FROM plays WHERE stream_id = ? ORDER BY recognized_at DESC LIMIT ?`,
		streamID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying plays: %w", err)
	}
	defer rows.Close()

	var out []models.Play
	for rows.Next() {
		var p models.Play
		if err := rows.Scan(&p.ID, &p.StreamID, &p.TrackID, &p.RecognizedAt, &p.Confidence, &p.DedupBucket); err != nil {
			return nil, fmt.Errorf("scanning play row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
