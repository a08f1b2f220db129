package window

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		WindowSeconds: 2,
		HopSeconds:    5,
		SampleRate:    8000,
		Channels:      1,
		ReadTimeout:   time.Minute,
	}
}

func TestSchedulerEmitsMonotoneAlignedWindows(t *testing.T) {
	cfg := testConfig()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewFakeClock(start)
	sched := NewScheduler(cfg, clock, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := sched.Run(ctx)

	// Keep the ring continuously fed so every hop has enough samples.
	bps := cfg.bytesPerSecond()
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				sched.Feed(make([]byte, bps/10))
				time.Sleep(time.Millisecond)
			}
		}
	}()
	defer close(stop)

	var windows []Window
	done := make(chan struct{})
	go func() {
		for w := range out {
			windows = append(windows, w)
			if len(windows) >= 3 {
				close(done)
				return
			}
		}
	}()

	hop := time.Duration(cfg.HopSeconds) * time.Second
	for i := 0; i < 40 && len(windows) < 3; i++ {
		clock.Advance(hop / 8)
		time.Sleep(time.Millisecond)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	cancel()

	if len(windows) < 2 {
		t.Fatalf("expected at least 2 windows, got %d", len(windows))
	}
	for i := 1; i < len(windows); i++ {
		delta := windows[i].StartUTC.Sub(windows[i-1].StartUTC)
		if delta <= 0 || delta%hop != 0 {
			t.Errorf("window %d start delta = %v, want a positive multiple of %v", i, delta, hop)
		}
	}
}

func TestRingDiscardsOlderThanCapacity(t *testing.T) {
	r := newPCMRing(10)
	now := time.Now()
	r.feed([]byte{1, 2, 3, 4, 5}, now)
	r.feed([]byte{6, 7, 8, 9, 10, 11, 12}, now)

	if r.bytesAvailable() != 10 {
		t.Fatalf("bytesAvailable() = %d, want 10", r.bytesAvailable())
	}
	data, ok := r.peekLast(10)
	if !ok {
		t.Fatal("peekLast(10) not ok after feeding 12 bytes into a 10-byte ring")
	}
	want := []byte{3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	for i := range want {
		if data[i] != want[i] {
			t.Fatalf("peekLast content mismatch at %d: got %v want %v", i, data, want)
		}
	}
}

func TestRingGapDetection(t *testing.T) {
	r := newPCMRing(100)
	base := time.Now()
	r.feed([]byte{1, 2, 3}, base)

	if r.sinceLastFeed(base.Add(time.Second)) != time.Second {
		t.Errorf("sinceLastFeed() = %v, want 1s", r.sinceLastFeed(base.Add(time.Second)))
	}
}
