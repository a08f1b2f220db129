package aggregate

import (
	"testing"
	"time"

	"github.com/trackwatch/trackwatch/internal/recognize"
)

var (
	trackT = recognize.Identity{Provider: "shazamlike", ProviderTrackID: "T"}
	trackU = recognize.Identity{Provider: "shazamlike", ProviderTrackID: "U"}
)

func hopTime(base time.Time, hop int64, hopSeconds int) time.Time {
	return base.Add(time.Duration(hop*int64(hopSeconds)) * time.Second)
}

const testKeyStream = "lobby"

var testKey = Key{Stream: testKeyStream, Provider: "shazamlike"}

// S1 — Confirmation within tolerance.
func TestScenarioS1ConfirmationWithinTolerance(t *testing.T) {
	agg := New(1)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	conf := agg.Observe(testKey, Outcome{HopIndex: 0, Identity: &trackT, RecognizedAt: hopTime(base, 0, 120)})
	if conf != nil {
		t.Fatal("unexpected confirmation at hop 0")
	}

	conf = agg.Observe(testKey, Outcome{HopIndex: 1, Identity: nil, RecognizedAt: hopTime(base, 1, 120)})
	if conf != nil {
		t.Fatal("unexpected confirmation at hop 1 (NoMatch)")
	}

	conf = agg.Observe(testKey, Outcome{HopIndex: 2, Identity: &trackT, RecognizedAt: hopTime(base, 2, 120)})
	if conf == nil {
		t.Fatal("expected confirmation at hop 2")
	}
	if conf.Identity != trackT {
		t.Errorf("Identity = %v, want %v", conf.Identity, trackT)
	}
	if !conf.RecognizedAt.Equal(hopTime(base, 2, 120)) {
		t.Errorf("RecognizedAt = %v, want hop 2's time", conf.RecognizedAt)
	}
}

// S2 — No confirmation past tolerance.
func TestScenarioS2NoConfirmationPastTolerance(t *testing.T) {
	agg := New(1)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	agg.Observe(testKey, Outcome{HopIndex: 0, Identity: &trackT, RecognizedAt: hopTime(base, 0, 120)})
	agg.Observe(testKey, Outcome{HopIndex: 1, Identity: nil, RecognizedAt: hopTime(base, 1, 120)})
	agg.Observe(testKey, Outcome{HopIndex: 2, Identity: nil, RecognizedAt: hopTime(base, 2, 120)})

	if agg.Len() != 0 {
		t.Fatalf("expected pending cleared at hop 2, Len() = %d", agg.Len())
	}

	conf := agg.Observe(testKey, Outcome{HopIndex: 3, Identity: &trackT, RecognizedAt: hopTime(base, 3, 120)})
	if conf != nil {
		t.Fatal("expected zero plays past tolerance")
	}
}

// S3 — Different identity resets.
func TestScenarioS3DifferentIdentityResets(t *testing.T) {
	agg := New(1)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	agg.Observe(testKey, Outcome{HopIndex: 0, Identity: &trackT, RecognizedAt: hopTime(base, 0, 120)})
	conf := agg.Observe(testKey, Outcome{HopIndex: 1, Identity: &trackU, RecognizedAt: hopTime(base, 1, 120)})
	if conf != nil {
		t.Fatal("unexpected confirmation when identity changes")
	}

	conf = agg.Observe(testKey, Outcome{HopIndex: 2, Identity: &trackU, RecognizedAt: hopTime(base, 2, 120)})
	if conf == nil {
		t.Fatal("expected confirmation for U")
	}
	if conf.Identity != trackU {
		t.Errorf("Identity = %v, want %v", conf.Identity, trackU)
	}
}

func TestConfirmationUsesMaxConfidence(t *testing.T) {
	agg := New(1)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	agg.Observe(testKey, Outcome{HopIndex: 0, Identity: &trackT, Confidence: 0.6, RecognizedAt: hopTime(base, 0, 120)})
	conf := agg.Observe(testKey, Outcome{HopIndex: 1, Identity: &trackT, Confidence: 0.9, RecognizedAt: hopTime(base, 1, 120)})
	if conf == nil {
		t.Fatal("expected confirmation")
	}
	if conf.Confidence != 0.9 {
		t.Errorf("Confidence = %v, want max(0.6, 0.9) = 0.9", conf.Confidence)
	}
}

func TestAggregatorBoundedness(t *testing.T) {
	agg := New(1)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := int64(0); i < 1000; i++ {
		agg.Observe(testKey, Outcome{HopIndex: i, Identity: &trackT, RecognizedAt: hopTime(base, i, 120)})
		agg.Observe(testKey, Outcome{HopIndex: i, Identity: nil, RecognizedAt: hopTime(base, i, 120)})
	}
	if agg.Len() > 1 {
		t.Errorf("Len() = %d, want at most 1 for a single key regardless of history length", agg.Len())
	}
}

func TestSinglePositiveRecognitionNeverConfirms(t *testing.T) {
	agg := New(1)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	conf := agg.Observe(testKey, Outcome{HopIndex: 0, Identity: &trackT, RecognizedAt: base})
	if conf != nil {
		t.Fatal("a single positive recognition must never confirm")
	}
}
