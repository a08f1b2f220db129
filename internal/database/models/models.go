// Package models holds the plain data structures persisted by the store.
package models

import "time"

// Stream is a configured RTSP audio source that a worker monitors.
type Stream struct {
	ID        int64
	Name      string
	URL       string
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Track is a canonical identity of recognized music, keyed by
// (provider, provider_track_id).
type Track struct {
	ID              int64
	Provider        string
	ProviderTrackID string
	Title           string
	Artist          string
	Album           *string
	ISRC            *string
	ArtworkURL      *string
	Metadata        *string // opaque provider-specific JSON blob
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Recognition is a single attempt against one provider for one window.
type Recognition struct {
	ID            int64
	StreamID      int64
	Provider      string
	WindowStart   time.Time
	WindowEnd     time.Time
	RecognizedAt  time.Time
	TrackID       *int64
	Confidence    *float64
	LatencyMillis int64
	Raw           string // opaque provider response, JSON
	ErrorMessage  *string
}

// Play is a confirmed, de-duplicated record that music played on a stream.
type Play struct {
	ID           int64
	StreamID     int64
	TrackID      int64
	RecognizedAt time.Time
	Confidence   float64
	DedupBucket  int64
}
