package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/trackwatch/trackwatch/internal/aggregate"
	"github.com/trackwatch/trackwatch/internal/audiosource"
	"github.com/trackwatch/trackwatch/internal/database"
	"github.com/trackwatch/trackwatch/internal/database/models"
	"github.com/trackwatch/trackwatch/internal/fanout"
	"github.com/trackwatch/trackwatch/internal/recognize"
	"github.com/trackwatch/trackwatch/internal/window"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRecognizer returns one canned response per call, in order, then
// NoMatch forever after.
type fakeRecognizer struct {
	name string

	mu        sync.Mutex
	responses []fakeResponse
	i         int
}

type fakeResponse struct {
	result *recognize.Result
	err    *recognize.Error
}

func (f *fakeRecognizer) Name() string { return f.name }

func (f *fakeRecognizer) Recognize(ctx context.Context, wav []byte, timeout time.Duration) (*recognize.Result, *recognize.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.i >= len(f.responses) {
		return nil, nil
	}
	r := f.responses[f.i]
	f.i++
	return r.result, r.err
}

// fakeStore is an in-memory double implementing the Track/Recognition/Play
// repositories so worker logic can be tested without modernc.org/sqlite.
type fakeStore struct {
	mu sync.Mutex

	nextTrackID int64
	trackByKey  map[string]int64

	recognitions []*models.Recognition

	nextPlayID int64
	plays      []models.Play
	dedupSeen  map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		trackByKey: make(map[string]int64),
		dedupSeen:  make(map[string]bool),
	}
}

func (s *fakeStore) UpsertTrack(ctx context.Context, t *models.Track) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := t.Provider + "|" + t.ProviderTrackID
	if id, ok := s.trackByKey[key]; ok {
		return id, nil
	}
	s.nextTrackID++
	s.trackByKey[key] = s.nextTrackID
	return s.nextTrackID, nil
}

func (s *fakeStore) GetByID(ctx context.Context, id int64) (*models.Track, error) {
	return nil, nil
}

func (s *fakeStore) InsertRecognition(ctx context.Context, r *models.Recognition) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recognitions = append(s.recognitions, r)
	return int64(len(s.recognitions)), nil
}

func (s *fakeStore) InsertPlayIdempotent(ctx context.Context, streamID, trackID int64, recognizedAt time.Time, confidence float64, dedupSeconds int64) (database.PlayResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := recognizedAt.Unix() / dedupSeconds
	key := fmt.Sprintf("%d|%d|%d", streamID, trackID, bucket)
	if s.dedupSeen[key] {
		return database.PlayResult{Inserted: false}, nil
	}
	s.dedupSeen[key] = true
	s.nextPlayID++
	play := models.Play{ID: s.nextPlayID, StreamID: streamID, TrackID: trackID, RecognizedAt: recognizedAt, Confidence: confidence, DedupBucket: bucket}
	s.plays = append(s.plays, play)
	return database.PlayResult{Inserted: true, PlayID: s.nextPlayID}, nil
}

func (s *fakeStore) ListByStream(ctx context.Context, streamID int64, limit int) ([]models.Play, error) {
	return nil, nil
}

func (s *fakeStore) recognitionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recognitions)
}

func (s *fakeStore) playCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.plays)
}

func (s *fakeStore) windowStarts() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Time, len(s.recognitions))
	for i, r := range s.recognitions {
		out[i] = r.WindowStart
	}
	return out
}

func newTestWorker(t *testing.T, rec recognize.Recognizer, clock window.Clock, store *fakeStore) *Worker {
	t.Helper()
	fo := fanout.New([]recognize.Recognizer{rec}, 4, 4, time.Second)
	agg := aggregate.New(1)
	cfg := Config{
		StreamID:           1,
		StreamName:         "lobby",
		ConfirmingProvider: rec.Name(),
		DedupSeconds:       300,
	}
	return New(cfg, clock, fo, agg, store, store, store, testLogger())
}

// Two matching hits in consecutive hops confirm exactly one play and record
// a recognition row per hit (the two-hit rule, exercised at worker level).
func TestProcessWindowConfirmsOnSecondMatchingHit(t *testing.T) {
	track := &recognize.Result{Provider: "shazamlike", ProviderTrackID: "abc", Title: "Song", Artist: "Artist", Confidence: 0.8}
	rec := &fakeRecognizer{name: "shazamlike", responses: []fakeResponse{{result: track}, {result: track}}}
	clock := window.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := newFakeStore()
	w := newTestWorker(t, rec, clock, store)

	base := clock.Now()
	win0 := window.Window{WAV: []byte("wav0"), HopIndex: 0, StartUTC: base, EndUTC: base.Add(time.Second)}
	win1 := window.Window{WAV: []byte("wav1"), HopIndex: 1, StartUTC: base.Add(2 * time.Second), EndUTC: base.Add(3 * time.Second)}

	w.processWindow(context.Background(), win0)
	if store.playCount() != 0 {
		t.Fatalf("no play expected after a single hit, got %d", store.playCount())
	}

	w.processWindow(context.Background(), win1)
	if store.playCount() != 1 {
		t.Fatalf("expected exactly 1 confirmed play, got %d", store.playCount())
	}
	if store.recognitionCount() != 2 {
		t.Fatalf("expected 2 recognition rows, got %d", store.recognitionCount())
	}
}

// A lone positive match with nothing corroborating it never confirms a play.
func TestProcessWindowSingleHitNeverConfirms(t *testing.T) {
	track := &recognize.Result{Provider: "shazamlike", ProviderTrackID: "abc", Title: "Song", Artist: "Artist", Confidence: 0.8}
	rec := &fakeRecognizer{name: "shazamlike", responses: []fakeResponse{{result: track}}}
	clock := window.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := newFakeStore()
	w := newTestWorker(t, rec, clock, store)

	win := window.Window{WAV: []byte("wav0"), HopIndex: 0, StartUTC: clock.Now(), EndUTC: clock.Now().Add(time.Second)}
	w.processWindow(context.Background(), win)

	if store.playCount() != 0 {
		t.Fatalf("expected zero plays, got %d", store.playCount())
	}
	if store.recognitionCount() != 1 {
		t.Fatalf("expected 1 recognition row, got %d", store.recognitionCount())
	}
}

// A recognizer error still produces a recognition row (with error_message
// set) and never feeds a confirmation.
func TestProcessWindowRecordsRecognizerError(t *testing.T) {
	rec := &fakeRecognizer{name: "shazamlike", responses: []fakeResponse{{err: &recognize.Error{Kind: recognize.KindTimeout, Message: "provider took too long"}}}}
	clock := window.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := newFakeStore()
	w := newTestWorker(t, rec, clock, store)

	win := window.Window{WAV: []byte("wav0"), HopIndex: 0, StartUTC: clock.Now(), EndUTC: clock.Now().Add(time.Second)}
	w.processWindow(context.Background(), win)

	if store.playCount() != 0 {
		t.Fatalf("expected zero plays, got %d", store.playCount())
	}
	if store.recognitionCount() != 1 {
		t.Fatalf("expected 1 recognition row, got %d", store.recognitionCount())
	}
	if store.recognitions[0].ErrorMessage == nil {
		t.Fatal("expected error_message to be set")
	}
}

// fakeSource is a sourcer double that streams a fixed chunk until a
// configured read count, then fails permanently (simulating a decoder
// crash the worker must restart from).
type fakeSource struct {
	chunk     []byte
	failAfter int // -1 means never fail
	reads     atomic.Int32
}

func (f *fakeSource) Start(ctx context.Context) error { return nil }

func (f *fakeSource) ReadChunk(ctx context.Context) ([]byte, error) {
	n := f.reads.Add(1)
	if f.failAfter >= 0 && int(n) > f.failAfter {
		return nil, fmt.Errorf("fake decoder crashed")
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return f.chunk, nil
}

func (f *fakeSource) Stop() {}

// Scenario S6: an Audio Source failure and restart mid-stream does not
// shift the worker's hop alignment. The Scheduler is created once and
// survives source restarts, so hop boundaries stay anchored to the
// worker's original start time regardless of when the restart completes.
func TestAudioSourceRestartPreservesHopAlignment(t *testing.T) {
	clock := window.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	winCfg := window.Config{WindowSeconds: 1, HopSeconds: 2, SampleRate: 8000, Channels: 1, ReadTimeout: time.Minute}
	pcmChunk := make([]byte, 2000)

	rec := &fakeRecognizer{name: "shazamlike"} // always NoMatch; only used to produce recognition rows
	fo := fanout.New([]recognize.Recognizer{rec}, 4, 4, time.Second)
	agg := aggregate.New(1)
	store := newFakeStore()

	cfg := Config{
		StreamID:            1,
		StreamName:          "lobby",
		ConfirmingProvider:  "shazamlike",
		DedupSeconds:        300,
		AudioSource:         audiosource.Config{URL: "rtsp://fake/stream"},
		Window:              winCfg,
		ShutdownDrainPeriod: 500 * time.Millisecond,
	}
	w := New(cfg, clock, fo, agg, store, store, store, testLogger())

	var attempts atomic.Int32
	w.newSource = func(audiosource.Config, *slog.Logger) sourcer {
		n := attempts.Add(1)
		if n == 1 {
			return &fakeSource{chunk: pcmChunk, failAfter: 20}
		}
		return &fakeSource{chunk: pcmChunk, failAfter: -1}
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- w.Run(ctx) }()

	for i := 0; i < 300 && attempts.Load() < 2; i++ {
		clock.Advance(20 * time.Millisecond)
		time.Sleep(time.Millisecond)
	}
	// let the restarted source emit a few more windows on the same schedule
	for i := 0; i < 100; i++ {
		clock.Advance(20 * time.Millisecond)
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-runDone

	if attempts.Load() < 2 {
		t.Fatal("expected the worker to recreate the audio source at least once")
	}

	starts := store.windowStarts()
	if len(starts) < 2 {
		t.Fatalf("expected at least 2 recognition rows across the restart, got %d", len(starts))
	}
	hop := time.Duration(winCfg.HopSeconds) * time.Second
	for i := 1; i < len(starts); i++ {
		diff := starts[i].Sub(starts[i-1])
		if diff <= 0 || diff%hop != 0 {
			t.Errorf("window start spacing %v between hop %d and %d is not a positive multiple of the hop; alignment was not preserved across restart", diff, i-1, i)
		}
	}
}
