// Package aggregate implements the two-hit confirmation policy: per
// (stream, provider), a recognized track identity must appear again within
// tolerance before it is confirmed as a Play candidate.
package aggregate

import (
	"sync"
	"time"

	"github.com/trackwatch/trackwatch/internal/recognize"
)

// Outcome is the single recognition outcome fed into the aggregator for one
// hop. A nil Identity means NoMatch or error.
type Outcome struct {
	HopIndex     int64
	Identity     *recognize.Identity
	Confidence   float64
	RecognizedAt time.Time
}

// Confirmation is a confirmed Play candidate emitted by the aggregator.
type Confirmation struct {
	Identity     recognize.Identity
	Confidence   float64
	RecognizedAt time.Time
}

type pending struct {
	identity     recognize.Identity
	hopIndex     int64
	confidence   float64
	recognizedAt time.Time
}

// Key identifies one aggregator slot: a stream paired with its designated
// confirming provider.
type Key struct {
	Stream   string
	Provider string
}

// Aggregator holds at most one pending record per (stream, provider). Its
// state never grows with history: at most one map entry per key, created
// when a hit becomes pending and removed on confirmation or eviction, so
// memory is O(streams x providers).
type Aggregator struct {
	hopTolerance int64

	mu             sync.Mutex
	pending        map[Key]*pending
	confirmedTotal uint64
}

// New creates an Aggregator. hopTolerance is TWO_HIT_HOP_TOLERANCE; the
// maximum allowed hop gap between two corroborating hits is 1+hopTolerance.
func New(hopTolerance int) *Aggregator {
	return &Aggregator{
		hopTolerance: int64(hopTolerance),
		pending:      make(map[Key]*pending),
	}
}

// Observe applies one new recognition outcome for (stream, provider) and
// returns a Confirmation if this outcome corroborates a prior pending hit.
func (a *Aggregator) Observe(key Key, outcome Outcome) *Confirmation {
	a.mu.Lock()
	defer a.mu.Unlock()

	maxGap := 1 + a.hopTolerance
	p, hasPending := a.pending[key]

	if hasPending {
		gap := outcome.HopIndex - p.hopIndex
		if gap > maxGap {
			// Rule 4: pending too old, evict then re-apply rules 1/3 below.
			delete(a.pending, key)
			hasPending = false
			p = nil
		}
	}

	switch {
	case !hasPending:
		// Rule 1: no pending record; a positive match starts one.
		if outcome.Identity != nil {
			a.pending[key] = &pending{
				identity:     *outcome.Identity,
				hopIndex:     outcome.HopIndex,
				confidence:   outcome.Confidence,
				recognizedAt: outcome.RecognizedAt,
			}
		}
		return nil

	case outcome.Identity != nil && *outcome.Identity == p.identity:
		// Rule 2: matching identity within tolerance confirms.
		confidence := outcome.Confidence
		if p.confidence > confidence {
			confidence = p.confidence
		}
		delete(a.pending, key)
		a.confirmedTotal++
		return &Confirmation{
			Identity:     p.identity,
			Confidence:   confidence,
			RecognizedAt: outcome.RecognizedAt,
		}

	case outcome.Identity != nil:
		// Rule 3: different identity overwrites the pending record.
		a.pending[key] = &pending{
			identity:     *outcome.Identity,
			hopIndex:     outcome.HopIndex,
			confidence:   outcome.Confidence,
			recognizedAt: outcome.RecognizedAt,
		}
		return nil

	default:
		// NoMatch/error: the pending record can still be corroborated by a
		// later hit within tolerance, so it survives as long as gap stays
		// under maxGap. Once a non-matching outcome arrives at gap ==
		// maxGap, tolerance is exhausted and the pending record is evicted.
		gap := outcome.HopIndex - p.hopIndex
		if gap >= maxGap {
			delete(a.pending, key)
		}
		return nil
	}
}

// Len reports the number of (stream, provider) keys with live state, for
// testing the boundedness invariant.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// ConfirmedPlaysTotal returns the cumulative number of confirmations this
// aggregator has emitted. A worker attempts an idempotent store insert for
// each one, so this may exceed the number of distinct persisted plays when
// dedup buckets collide.
func (a *Aggregator) ConfirmedPlaysTotal() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.confirmedTotal
}
