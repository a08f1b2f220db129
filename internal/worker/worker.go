// Package worker glues one stream's Audio Source, Window Scheduler,
// Provider Fan-out, Two-Hit Aggregator, and Store writes into a single
// managed lifecycle.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trackwatch/trackwatch/internal/aggregate"
	"github.com/trackwatch/trackwatch/internal/audiosource"
	"github.com/trackwatch/trackwatch/internal/database"
	"github.com/trackwatch/trackwatch/internal/database/models"
	"github.com/trackwatch/trackwatch/internal/fanout"
	"github.com/trackwatch/trackwatch/internal/recognize"
	"github.com/trackwatch/trackwatch/internal/window"
)

// Config describes one stream worker.
type Config struct {
	StreamID            int64
	StreamName          string
	ConfirmingProvider  string
	DedupSeconds        int64
	AudioSource         audiosource.Config
	Window              window.Config
	ShutdownDrainPeriod time.Duration
	StoreRetryAttempts  int
	StoreRetryBase      time.Duration
}

// sourcer is the subset of *audiosource.Source the worker depends on,
// extracted so tests can substitute a fake decoder.
type sourcer interface {
	Start(ctx context.Context) error
	ReadChunk(ctx context.Context) ([]byte, error)
	Stop()
}

// Worker runs the ingest -> window -> recognize -> confirm -> persist
// pipeline for exactly one stream.
type Worker struct {
	cfg    Config
	logger *slog.Logger
	clock  window.Clock

	fanout     *fanout.Fanout
	aggregator *aggregate.Aggregator
	tracks     database.TrackRepository
	recs       database.RecognitionRepository
	plays      database.PlayRepository

	// newSource constructs the Audio Source for each run attempt. Overridable
	// in tests; defaults to wrapping audiosource.New.
	newSource func(cfg audiosource.Config, logger *slog.Logger) sourcer

	state atomic.Value

	mu              sync.Mutex
	source          sourcer
	identityByTrack map[recognize.Identity]int64
}

// New creates a Worker. clock should be window.NewSystemClock() in
// production and a FakeClock in tests.
func New(
	cfg Config,
	clock window.Clock,
	fo *fanout.Fanout,
	agg *aggregate.Aggregator,
	tracks database.TrackRepository,
	recs database.RecognitionRepository,
	plays database.PlayRepository,
	logger *slog.Logger,
) *Worker {
	if cfg.ShutdownDrainPeriod <= 0 {
		cfg.ShutdownDrainPeriod = 10 * time.Second
	}
	if cfg.StoreRetryAttempts <= 0 {
		cfg.StoreRetryAttempts = 3
	}
	if cfg.StoreRetryBase <= 0 {
		cfg.StoreRetryBase = 200 * time.Millisecond
	}
	w := &Worker{
		cfg:             cfg,
		logger:          logger.With("stream", cfg.StreamName),
		clock:           clock,
		fanout:          fo,
		aggregator:      agg,
		tracks:          tracks,
		recs:            recs,
		plays:           plays,
		identityByTrack: make(map[recognize.Identity]int64),
	}
	w.newSource = func(cfg audiosource.Config, logger *slog.Logger) sourcer {
		return audiosource.New(cfg, logger)
	}
	w.state.Store(StateStarting)
	return w
}

// State returns the worker's current lifecycle state.
func (w *Worker) State() State {
	return w.state.Load().(State)
}

// Run drives the worker until ctx is cancelled. It owns exactly one
// Scheduler for the worker's lifetime (so hop alignment survives Audio
// Source restarts) and replaces the Audio Source with a fresh one, with
// fresh backoff, whenever the current one fails fatally.
func (w *Worker) Run(ctx context.Context) error {
	scheduler := window.NewScheduler(w.cfg.Window, w.clock, w.logger)
	windows := scheduler.Run(ctx)

	var consumeWG sync.WaitGroup
	consumeWG.Add(1)
	go func() {
		defer consumeWG.Done()
		w.consumeWindows(ctx, windows)
	}()

	for {
		select {
		case <-ctx.Done():
			w.state.Store(StateStopping)
			w.waitForDrain(&consumeWG)
			w.state.Store(StateStopped)
			return nil
		default:
		}

		src := w.newSource(w.cfg.AudioSource, w.logger)
		w.mu.Lock()
		w.source = src
		w.mu.Unlock()

		if err := src.Start(ctx); err != nil {
			w.state.Store(StateFailed)
			return fmt.Errorf("starting audio source for stream %q: %w", w.cfg.StreamName, err)
		}
		w.state.Store(StateRunning)

		fatalErr := w.pumpUntilFailure(ctx, src, scheduler)
		src.Stop()

		if ctx.Err() != nil {
			w.state.Store(StateStopping)
			w.waitForDrain(&consumeWG)
			w.state.Store(StateStopped)
			return nil
		}

		w.logger.Warn("audio source failed, restarting with a fresh backoff", "error", fatalErr)
		w.state.Store(StateRestarting)
		// Loop: the next iteration constructs a brand-new Source (fresh
		// backoff state) but the Scheduler above is untouched, so the next
		// emitted window stays aligned to the original hop schedule.
	}
}

// pumpUntilFailure feeds decoded PCM into the scheduler until the source
// fails or the context is cancelled. The leading chunk of every decoder
// run, including runs the Source restarts internally, has its WAV header
// stripped; chunks without a header are fed unchanged.
func (w *Worker) pumpUntilFailure(ctx context.Context, src sourcer, scheduler *window.Scheduler) error {
	for {
		chunk, err := src.ReadChunk(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		chunk = window.StripLeadingWAVHeader(chunk)
		scheduler.Feed(chunk)
	}
}

func (w *Worker) waitForDrain(wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(w.cfg.ShutdownDrainPeriod):
		w.logger.Warn("shutdown drain deadline exceeded, abandoning in-flight recognize calls")
	}
}

// consumeWindows processes emitted windows one at a time until the
// scheduler's channel is closed (worker context cancelled).
func (w *Worker) consumeWindows(ctx context.Context, windows <-chan window.Window) {
	for win := range windows {
		w.processWindow(ctx, win)
	}
}

func (w *Worker) processWindow(ctx context.Context, win window.Window) {
	outcomes := w.fanout.Dispatch(ctx, win.WAV)

	var confirming *fanout.Outcome
	for i := range outcomes {
		o := &outcomes[i]
		if o.Skipped {
			w.logger.Debug("fan-out skipped provider due to capacity exhaustion", "provider", o.Provider, "hop", win.HopIndex)
			continue
		}
		w.recordRecognition(ctx, win, o)
		if o.Provider == w.cfg.ConfirmingProvider {
			confirming = o
		}
	}

	if confirming == nil {
		return
	}
	w.feedAggregator(ctx, win, confirming)
}

func (w *Worker) recordRecognition(ctx context.Context, win window.Window, o *fanout.Outcome) {
	var trackID *int64
	var confidence *float64
	var errMsg *string

	if o.Result != nil {
		id, err := w.upsertTrack(ctx, o.Result)
		if err != nil {
			w.logger.Error("upserting recognized track", "provider", o.Provider, "error", err)
		} else {
			trackID = &id
			c := o.Result.Confidence
			confidence = &c
		}
	} else if o.Err != nil {
		msg := o.Err.Error()
		errMsg = &msg
	}

	rec := &models.Recognition{
		StreamID:      w.cfg.StreamID,
		Provider:      o.Provider,
		WindowStart:   win.StartUTC,
		WindowEnd:     win.EndUTC,
		RecognizedAt:  w.clock.Now().UTC(),
		TrackID:       trackID,
		Confidence:    confidence,
		LatencyMillis: o.LatencyMillis,
		Raw:           rawOutcomeJSON(o),
		ErrorMessage:  errMsg,
	}

	err := w.withStoreRetry(ctx, func(ctx context.Context) error {
		_, err := w.recs.InsertRecognition(ctx, rec)
		return err
	})
	if err != nil {
		w.logger.Error("persisting recognition failed after retries", "provider", o.Provider, "error", err)
	}
}

func (w *Worker) feedAggregator(ctx context.Context, win window.Window, o *fanout.Outcome) {
	var identity *recognize.Identity
	var confidence float64
	if o.Result != nil {
		id := o.Result.Identity()
		identity = &id
		confidence = o.Result.Confidence
	}

	confirmation := w.aggregator.Observe(
		aggregate.Key{Stream: w.cfg.StreamName, Provider: w.cfg.ConfirmingProvider},
		aggregate.Outcome{
			HopIndex: win.HopIndex,
			Identity: identity,
			// recognized_at is the window's own end boundary, not processing
			// wall time, so a confirmed Play's timestamp matches the hop it
			// was corroborated at (spec.md S1: "recognized_at equal to hop
			// 2's window_end").
			Confidence:   confidence,
			RecognizedAt: win.EndUTC,
		},
	)
	if confirmation == nil {
		return
	}

	trackID, ok := w.lookupTrackID(confirmation.Identity)
	if !ok {
		w.logger.Warn("aggregator confirmation references an untracked identity, dropping",
			"provider", confirmation.Identity.Provider, "provider_track_id", confirmation.Identity.ProviderTrackID)
		return
	}

	err := w.withStoreRetry(ctx, func(ctx context.Context) error {
		_, err := w.plays.InsertPlayIdempotent(ctx, w.cfg.StreamID, trackID, confirmation.RecognizedAt, confirmation.Confidence, w.cfg.DedupSeconds)
		return err
	})
	if err != nil {
		w.logger.Error("persisting confirmed play failed after retries", "error", err)
	}
}

func (w *Worker) upsertTrack(ctx context.Context, r *recognize.Result) (int64, error) {
	track := &models.Track{
		Provider:        r.Provider,
		ProviderTrackID: r.ProviderTrackID,
		Title:           r.Title,
		Artist:          r.Artist,
		Album:           r.Album,
		ISRC:            r.ISRC,
		ArtworkURL:      r.ArtworkURL,
	}
	var id int64
	err := w.withStoreRetry(ctx, func(ctx context.Context) error {
		got, err := w.tracks.UpsertTrack(ctx, track)
		if err != nil {
			return err
		}
		id = got
		return nil
	})
	if err != nil {
		return 0, err
	}
	w.mu.Lock()
	w.identityByTrack[r.Identity()] = id
	w.mu.Unlock()
	return id, nil
}

func (w *Worker) lookupTrackID(identity recognize.Identity) (int64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id, ok := w.identityByTrack[identity]
	return id, ok
}

// withStoreRetry retries a store write with bounded exponential backoff.
// Exhausting attempts surfaces the error to the caller, which logs and
// drops the write rather than blocking the window pipeline indefinitely.
func (w *Worker) withStoreRetry(ctx context.Context, fn func(context.Context) error) error {
	delay := w.cfg.StoreRetryBase
	var lastErr error
	for attempt := 0; attempt < w.cfg.StoreRetryAttempts; attempt++ {
		if err := fn(ctx); err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return ctx.Err()
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
			continue
		}
		return nil
	}
	return fmt.Errorf("store write failed after %d attempts: %w", w.cfg.StoreRetryAttempts, lastErr)
}

func rawOutcomeJSON(o *fanout.Outcome) string {
	if o.Result != nil && len(o.Result.Raw) > 0 {
		return string(o.Result.Raw)
	}
	if o.Err != nil {
		b, _ := json.Marshal(map[string]string{"kind": string(o.Err.Kind), "message": o.Err.Message})
		return string(b)
	}
	return "{}"
}
