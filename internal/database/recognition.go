package database

import (
	"context"
	"fmt"

	"github.com/trackwatch/trackwatch/internal/database/models"
)

type recognitionRepo struct {
	db *DB
}

// NewRecognitionRepository creates a new RecognitionRepository.
func NewRecognitionRepository(db *DB) RecognitionRepository {
	return &recognitionRepo{db: db}
}

// InsertRecognition appends a recognition attempt. Recognitions are
// append-only: callers insert in window-start order per stream (spec.md §5).
func (r *recognitionRepo) InsertRecognition(ctx context.Context, rec *models.Recognition) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO recognitions (stream_id, provider, window_start, window_end,
		 recognized_at, track_id, confidence, latency_millis, raw, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.StreamID, rec.Provider, rec.WindowStart, rec.WindowEnd, rec.RecognizedAt,
		rec.TrackID, rec.Confidence, rec.LatencyMillis, rec.Raw, rec.ErrorMessage,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting recognition: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("getting last insert id: %w", err)
	}
	rec.ID = id
	return id, nil
}
