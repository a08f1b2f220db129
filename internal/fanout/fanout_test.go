package fanout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/trackwatch/trackwatch/internal/recognize"
)

type fakeRecognizer struct {
	name  string
	delay time.Duration
	fn    func() (*recognize.Result, *recognize.Error)
}

func (f *fakeRecognizer) Name() string { return f.name }

func (f *fakeRecognizer) Recognize(ctx context.Context, wav []byte, timeout time.Duration) (*recognize.Result, *recognize.Error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, &recognize.Error{Kind: recognize.KindTimeout, Message: "ctx done"}
		}
	}
	if f.fn != nil {
		return f.fn()
	}
	return nil, nil
}

func TestDispatchReturnsOnePerProvider(t *testing.T) {
	r1 := &fakeRecognizer{name: "a", fn: func() (*recognize.Result, *recognize.Error) {
		return &recognize.Result{Provider: "a", ProviderTrackID: "t1"}, nil
	}}
	r2 := &fakeRecognizer{name: "b"}

	f := New([]recognize.Recognizer{r1, r2}, 10, 10, time.Second)
	outcomes := f.Dispatch(context.Background(), []byte("wav"))

	if len(outcomes) != 2 {
		t.Fatalf("len(outcomes) = %d, want 2", len(outcomes))
	}
	seen := map[string]bool{}
	for _, o := range outcomes {
		seen[o.Provider] = true
		if o.Skipped {
			t.Errorf("provider %s unexpectedly skipped", o.Provider)
		}
	}
	if !seen["a"] || !seen["b"] {
		t.Errorf("expected outcomes for both providers, got %v", outcomes)
	}
}

func TestDispatchRespectsGlobalCapacity(t *testing.T) {
	slow := func(name string) *fakeRecognizer {
		return &fakeRecognizer{name: name, delay: 100 * time.Millisecond}
	}
	f := New([]recognize.Recognizer{slow("a"), slow("b")}, 1, 10, time.Second)

	outcomes := f.Dispatch(context.Background(), []byte("wav"))
	skipped := 0
	for _, o := range outcomes {
		if o.Skipped {
			skipped++
		}
	}
	if skipped != 1 {
		t.Fatalf("expected exactly 1 skipped outcome with global cap 1, got %d", skipped)
	}
	if f.SkippedTotal() != 1 {
		t.Errorf("SkippedTotal() = %d, want 1", f.SkippedTotal())
	}
}

func TestDispatchNeverBlocksBeyondCapacity(t *testing.T) {
	f := New([]recognize.Recognizer{
		&fakeRecognizer{name: "a", delay: 50 * time.Millisecond},
		&fakeRecognizer{name: "b", delay: 50 * time.Millisecond},
		&fakeRecognizer{name: "c", delay: 50 * time.Millisecond},
	}, 2, 10, time.Second)

	var maxObserved int64
	var mu sync.Mutex
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			default:
				mu.Lock()
				if v := f.GlobalInFlight(); v > maxObserved {
					maxObserved = v
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
			}
		}
	}()

	f.Dispatch(context.Background(), []byte("wav"))
	close(done)

	mu.Lock()
	defer mu.Unlock()
	if maxObserved > 2 {
		t.Errorf("observed global in-flight %d, want <= 2", maxObserved)
	}
}

func TestRoundRobinRotatesOrder(t *testing.T) {
	f := New([]recognize.Recognizer{
		&fakeRecognizer{name: "a"},
		&fakeRecognizer{name: "b"},
		&fakeRecognizer{name: "c"},
	}, 10, 10, time.Second)

	first := f.rotatedOrder()
	second := f.rotatedOrder()
	if first[0].Name() == second[0].Name() {
		t.Errorf("expected round-robin rotation to change the lead provider across calls")
	}
}
