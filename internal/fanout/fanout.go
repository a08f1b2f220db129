// Package fanout dispatches a window to every enabled recognizer in
// parallel, subject to global and per-provider admission control, and
// joins the results.
package fanout

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/trackwatch/trackwatch/internal/recognize"
)

// Outcome is one provider's result for one window.
type Outcome struct {
	Provider      string
	Result        *recognize.Result // nil for NoMatch or an error
	Err           *recognize.Error
	Skipped       bool // true if admission control dropped this call
	LatencyMillis int64
}

// Fanout runs a fixed set of recognizers with global and per-provider
// admission control. A single Fanout is shared by every worker so the
// global semaphore bounds in-flight recognize calls across all streams.
type Fanout struct {
	recognizers []recognize.Recognizer
	timeout     time.Duration

	global          *semaphore.Weighted
	globalInflight  atomic.Int64
	perProvider     map[string]*semaphore.Weighted
	providerInflight map[string]*atomic.Int64

	mu               sync.Mutex
	nextRR           int // next provider index for round-robin fairness
	skippedTotal     uint64
	recognitionCounts map[[2]string]uint64 // (provider, outcome) -> count
}

// New creates a Fanout over recognizers, with the given global and
// per-provider in-flight call caps and a per-call timeout.
func New(recognizers []recognize.Recognizer, globalMaxInflight, perProviderMaxInflight int64, timeout time.Duration) *Fanout {
	perProvider := make(map[string]*semaphore.Weighted, len(recognizers))
	providerInflight := make(map[string]*atomic.Int64, len(recognizers))
	for _, r := range recognizers {
		perProvider[r.Name()] = semaphore.NewWeighted(perProviderMaxInflight)
		providerInflight[r.Name()] = &atomic.Int64{}
	}
	return &Fanout{
		recognizers:       recognizers,
		timeout:           timeout,
		global:            semaphore.NewWeighted(globalMaxInflight),
		perProvider:       perProvider,
		providerInflight:  providerInflight,
		recognitionCounts: make(map[[2]string]uint64),
	}
}

// Dispatch issues a recognize call per enabled recognizer in parallel,
// preserving per-provider identity in the returned outcomes. Order of the
// recognizer list is rotated on every call. The rotation index is shared by
// all callers of this Fanout, not kept per stream, so successive windows
// from one stream do not necessarily start with different providers.
func (f *Fanout) Dispatch(ctx context.Context, wav []byte) []Outcome {
	order := f.rotatedOrder()
	outcomes := make([]Outcome, len(order))

	var wg sync.WaitGroup
	for i, r := range order {
		wg.Add(1)
		go func(i int, r recognize.Recognizer) {
			defer wg.Done()
			outcomes[i] = f.call(ctx, r, wav)
		}(i, r)
	}
	wg.Wait()

	return outcomes
}

func (f *Fanout) call(ctx context.Context, r recognize.Recognizer, wav []byte) Outcome {
	provider := r.Name()
	providerSem := f.perProvider[provider]

	if !f.global.TryAcquire(1) {
		f.recordSkip()
		return Outcome{Provider: provider, Skipped: true}
	}
	f.globalInflight.Add(1)
	defer func() {
		f.globalInflight.Add(-1)
		f.global.Release(1)
	}()

	if !providerSem.TryAcquire(1) {
		f.recordSkip()
		return Outcome{Provider: provider, Skipped: true}
	}
	providerCounter := f.providerInflight[provider]
	providerCounter.Add(1)
	defer func() {
		providerCounter.Add(-1)
		providerSem.Release(1)
	}()

	start := time.Now()
	result, recErr := func() (res *recognize.Result, rerr *recognize.Error) {
		defer func() {
			if p := recover(); p != nil {
				rerr = &recognize.Error{Kind: recognize.KindInternal, Message: "recognizer panicked"}
			}
		}()
		return r.Recognize(ctx, wav, f.timeout)
	}()
	latency := time.Since(start).Milliseconds()

	f.recordOutcome(provider, result, recErr)
	return Outcome{Provider: provider, Result: result, Err: recErr, LatencyMillis: latency}
}

func (f *Fanout) recordOutcome(provider string, result *recognize.Result, recErr *recognize.Error) {
	outcome := "no_match"
	switch {
	case recErr != nil:
		outcome = "error"
	case result != nil:
		outcome = "match"
	}
	f.mu.Lock()
	f.recognitionCounts[[2]string{provider, outcome}]++
	f.mu.Unlock()
}

// RecognitionCounts returns cumulative recognition attempt counts keyed by
// (provider, outcome), outcome one of "match", "no_match", "error". Calls
// skipped by admission control are not recognition attempts and are not
// counted here; see SkippedTotal.
func (f *Fanout) RecognitionCounts() map[[2]string]uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[[2]string]uint64, len(f.recognitionCounts))
	for k, v := range f.recognitionCounts {
		out[k] = v
	}
	return out
}

func (f *Fanout) recordSkip() {
	f.mu.Lock()
	f.skippedTotal++
	f.mu.Unlock()
}

// rotatedOrder returns the recognizer list starting from the next
// round-robin index, advancing it for the following call.
func (f *Fanout) rotatedOrder() []recognize.Recognizer {
	if len(f.recognizers) == 0 {
		return nil
	}
	f.mu.Lock()
	start := f.nextRR % len(f.recognizers)
	f.nextRR++
	f.mu.Unlock()

	out := make([]recognize.Recognizer, len(f.recognizers))
	copy(out, f.recognizers[start:])
	copy(out[len(f.recognizers)-start:], f.recognizers[:start])
	return out
}

// GlobalInFlight reports the number of recognize calls currently holding a
// global admission permit.
func (f *Fanout) GlobalInFlight() int64 {
	return f.globalInflight.Load()
}

// PerProviderInFlight reports the number of recognize calls currently
// holding an admission permit for the given provider.
func (f *Fanout) PerProviderInFlight(provider string) int64 {
	if c, ok := f.providerInflight[provider]; ok {
		return c.Load()
	}
	return 0
}

// SkippedTotal returns the cumulative number of calls skipped due to
// capacity exhaustion since the Fanout was created.
func (f *Fanout) SkippedTotal() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.skippedTotal
}
