// Package window buffers incoming PCM audio and emits fixed-length WAV
// windows on a hop schedule aligned to wall-clock boundaries.
package window

import (
	"context"
	"log/slog"
	"time"
)

// Config describes one stream's windowing schedule.
type Config struct {
	WindowSeconds int
	HopSeconds    int
	SampleRate    int
	Channels      int
	ReadTimeout   time.Duration
}

func (c Config) bytesPerSecond() int {
	return c.SampleRate * c.Channels * bytesPerSample
}

func (c Config) windowBytes() int {
	return c.WindowSeconds * c.bytesPerSecond()
}

func (c Config) ringCapacityBytes() int {
	return (c.WindowSeconds + c.HopSeconds) * c.bytesPerSecond()
}

// Window is one emitted, self-contained WAV byte sequence.
type Window struct {
	WAV      []byte
	HopIndex int64
	StartUTC time.Time
	EndUTC   time.Time
}

// Scheduler accumulates PCM bytes (with any WAV header already stripped by
// the caller) and emits aligned windows over a channel.
type Scheduler struct {
	cfg    Config
	clock  Clock
	logger *slog.Logger
	ring   *pcmRing
	t0     time.Time
}

// NewScheduler creates a Scheduler. t0 is the alignment epoch: the floor of
// the worker's start time to HopSeconds, per the hop-alignment contract.
func NewScheduler(cfg Config, clock Clock, logger *slog.Logger) *Scheduler {
	now := clock.Now()
	hop := time.Duration(cfg.HopSeconds) * time.Second
	t0 := now.Truncate(hop)
	return &Scheduler{
		cfg:    cfg,
		clock:  clock,
		logger: logger,
		ring:   newPCMRing(cfg.ringCapacityBytes()),
		t0:     t0,
	}
}

// Feed appends raw PCM bytes (header already stripped) to the ring buffer.
func (s *Scheduler) Feed(pcm []byte) {
	s.ring.feed(pcm, s.clock.Now())
}

// Run drives the hop schedule and emits windows on the returned channel
// until ctx is cancelled, at which point the channel is closed.
func (s *Scheduler) Run(ctx context.Context) <-chan Window {
	out := make(chan Window, 1)
	go s.loop(ctx, out)
	return out
}

func (s *Scheduler) loop(ctx context.Context, out chan<- Window) {
	defer close(out)

	hop := time.Duration(s.cfg.HopSeconds) * time.Second
	halfHop := hop / 2
	windowBytes := s.cfg.windowBytes()

	var k int64
	for {
		boundary := s.t0.Add(time.Duration(k) * hop)
		if wait := boundary.Sub(s.clock.Now()); wait > 0 {
			if err := s.clock.Sleep(ctx, wait); err != nil {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		now := s.clock.Now()
		late := now.Sub(boundary)
		if late > halfHop {
			// Too late for this boundary: skip to the next aligned one in
			// the future rather than emitting a stale window.
			k = s.nextHopIndex(now, hop)
			s.logger.Warn("window scheduler skipped a stale hop boundary", "hop_index", k, "late_by", late)
			continue
		}

		pcm, ok := s.waitForWindow(ctx, windowBytes)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("window scheduler skipped hop due to buffer gap", "hop_index", k)
			k++
			continue
		}

		win := Window{
			WAV:      buildWAV(pcm, s.cfg.SampleRate, s.cfg.Channels),
			HopIndex: k,
			StartUTC: boundary.UTC(),
			EndUTC:   boundary.Add(time.Duration(s.cfg.WindowSeconds) * time.Second).UTC(),
		}

		select {
		case out <- win:
		case <-ctx.Done():
			return
		}

		k++
	}
}

// nextHopIndex returns the smallest hop index whose boundary is not before
// now, used to resynchronize after a stale or skipped hop.
func (s *Scheduler) nextHopIndex(now time.Time, hop time.Duration) int64 {
	elapsed := now.Sub(s.t0)
	idx := int64(elapsed / hop)
	if s.t0.Add(time.Duration(idx)*hop).Before(now) {
		idx++
	}
	return idx
}

// waitForWindow blocks until windowBytes have accumulated in the ring, or
// reports a gap (no feed activity for longer than ReadTimeout), in which
// case the window is skipped rather than waited on indefinitely.
func (s *Scheduler) waitForWindow(ctx context.Context, windowBytes int) ([]byte, bool) {
	const pollInterval = 50 * time.Millisecond
	for {
		if pcm, ok := s.ring.peekLast(windowBytes); ok {
			return pcm, true
		}
		if s.ring.sinceLastFeed(s.clock.Now()) > s.cfg.ReadTimeout {
			return nil, false
		}
		if err := s.clock.Sleep(ctx, pollInterval); err != nil {
			return nil, false
		}
	}
}
