package database

import (
	"context"
	"time"

	"github.com/trackwatch/trackwatch/internal/database/models"
)

// StreamRepository manages configured RTSP audio sources.
type StreamRepository interface {
	// EnsureStream upserts a stream by name, returning its id.
	EnsureStream(ctx context.Context, name, url string, enabled bool) (int64, error)
	GetByName(ctx context.Context, name string) (*models.Stream, error)
	List(ctx context.Context) ([]models.Stream, error)
	ListEnabled(ctx context.Context) ([]models.Stream, error)
}

// TrackRepository manages canonical recognized-track identities.
type TrackRepository interface {
	// UpsertTrack inserts or updates a track keyed by (provider, provider_track_id).
	UpsertTrack(ctx context.Context, t *models.Track) (int64, error)
	GetByID(ctx context.Context, id int64) (*models.Track, error)
}

// RecognitionRepository records every attempt against a provider for a window.
type RecognitionRepository interface {
	InsertRecognition(ctx context.Context, r *models.Recognition) (int64, error)
}

// PlayResult reports the outcome of an idempotent play insert.
type PlayResult struct {
	Inserted bool
	PlayID   int64
}

// PlayRepository manages confirmed, de-duplicated plays.
type PlayRepository interface {
	// InsertPlayIdempotent computes the dedup bucket from recognizedAt and
	// DEDUP_SECONDS, and silently no-ops on a uniqueness conflict.
	InsertPlayIdempotent(ctx context.Context, streamID, trackID int64, recognizedAt time.Time, confidence float64, dedupSeconds int64) (PlayResult, error)
	ListByStream(ctx context.Context, streamID int64, limit int) ([]models.Play, error)
}
