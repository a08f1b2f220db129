// Package provider contains concrete Recognizer adapters for external
// music-recognition HTTP APIs.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"time"

	"github.com/trackwatch/trackwatch/internal/recognize"
)

// Shazamlike is a Recognizer adapter for a Shazam-style fingerprint-matching
// API: POST the WAV payload as a multipart file, parse a list of candidate
// matches ordered by the provider's own ranking.
type Shazamlike struct {
	name    string
	baseURL string
	apiKey  string
	// httpDo allows injecting a fake transport for testing, the same shape
	// as a dial function: inject the seam, keep production code on the real client.
	httpDo func(req *http.Request) (*http.Response, error)
}

// NewShazamlike creates a Shazam-style provider adapter. name is the
// stable identifier recorded in Recognition/Track rows (usually
// "shazamlike"), not necessarily equal to the package type name.
func NewShazamlike(name, baseURL, apiKey string, client *http.Client) *Shazamlike {
	if client == nil {
		client = http.DefaultClient
	}
	return &Shazamlike{name: name, baseURL: baseURL, apiKey: apiKey, httpDo: client.Do}
}

func (s *Shazamlike) Name() string { return s.name }

type shazamlikeMatch struct {
	TrackID    string  `json:"track_id"`
	Title      string  `json:"title"`
	Artist     string  `json:"artist"`
	Album      string  `json:"album"`
	ISRC       string  `json:"isrc"`
	ArtworkURL string  `json:"artwork_url"`
	Skew       float64 `json:"time_frequency_skew"`
}

type shazamlikeResponse struct {
	Matches []shazamlikeMatch `json:"matches"`
}

func (s *Shazamlike) Recognize(ctx context.Context, wav []byte, timeout time.Duration) (*recognize.Result, *recognize.Error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	wav, validateErr := validateWAV(wav)
	if validateErr != nil {
		return nil, validateErr
	}

	body, contentType, err := buildMultipartWAV(wav)
	if err != nil {
		return nil, &recognize.Error{Kind: recognize.KindInternal, Message: "building request body", Cause: err}
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.baseURL+"/v1/recognize", body)
	if err != nil {
		return nil, &recognize.Error{Kind: recognize.KindInternal, Message: "building request", Cause: err}
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpDo(httpReq)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		if reqCtx.Err() != nil {
			return nil, &recognize.Error{Kind: recognize.KindTimeout, Message: "recognize call timed out", Cause: err}
		}
		return nil, &recognize.Error{Kind: recognize.KindTransport, Message: "recognize call failed", Cause: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &recognize.Error{Kind: recognize.KindRateLimited, Message: "provider rate-limited this call"}
	case resp.StatusCode >= 500:
		return nil, &recognize.Error{Kind: recognize.KindProviderError, Message: fmt.Sprintf("provider returned %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return nil, &recognize.Error{Kind: recognize.KindProviderError, Message: fmt.Sprintf("provider rejected request: %d", resp.StatusCode)}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &recognize.Error{Kind: recognize.KindTransport, Message: "reading response body", Cause: err}
	}

	var parsed shazamlikeResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &recognize.Error{Kind: recognize.KindProviderError, Message: "malformed response body", Cause: err}
	}

	if len(parsed.Matches) == 0 {
		return nil, nil // NoMatch
	}

	best := bestShazamlikeMatch(parsed.Matches)
	return &recognize.Result{
		Provider:        s.name,
		ProviderTrackID: best.TrackID,
		Title:           best.Title,
		Artist:          best.Artist,
		Album:           optionalString(best.Album),
		ISRC:            optionalString(best.ISRC),
		ArtworkURL:      optionalString(best.ArtworkURL),
		Confidence:      normalizeSkew(best.Skew),
		LatencyMillis:   latency,
		Raw:             json.RawMessage(raw),
	}, nil
}

// bestShazamlikeMatch picks the highest-confidence match; ties are broken
// by keeping the first in the provider's own result order (a stable sort
// leaves equal-skew matches in place).
func bestShazamlikeMatch(matches []shazamlikeMatch) shazamlikeMatch {
	sorted := make([]shazamlikeMatch, len(matches))
	copy(sorted, matches)
	sort.SliceStable(sorted, func(i, j int) bool {
		return normalizeSkew(sorted[i].Skew) > normalizeSkew(sorted[j].Skew)
	})
	return sorted[0]
}

// normalizeSkew maps the provider's raw time/frequency skew metric onto
// [0,1], monotonically: a skew of 0 is a perfect match (confidence 1), and
// confidence falls off as skew grows. The exact curve is implementation-
// defined; only monotonicity is required.
func normalizeSkew(skew float64) float64 {
	if skew < 0 {
		skew = -skew
	}
	c := 1 / (1 + skew)
	if c > 1 {
		c = 1
	}
	if c < 0 {
		c = 0
	}
	return c
}

func buildMultipartWAV(wav []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("audio", "window.wav")
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(wav); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
