package window

import (
	"sync"
	"time"
)

// pcmRing is a rolling byte buffer holding the most recently fed PCM audio,
// sized to at least the window plus one hop of audio. Older samples are
// discarded as new ones arrive.
type pcmRing struct {
	mu           sync.Mutex
	buf          []byte
	cap          int
	totalWritten int64
	lastFeedAt   time.Time
}

func newPCMRing(capacityBytes int) *pcmRing {
	return &pcmRing{cap: capacityBytes, buf: make([]byte, 0, capacityBytes)}
}

// feed appends pcm bytes, discarding the oldest bytes once the ring exceeds
// its capacity.
func (r *pcmRing) feed(pcm []byte, at time.Time) {
	if len(pcm) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf = append(r.buf, pcm...)
	r.totalWritten += int64(len(pcm))
	if len(r.buf) > r.cap {
		drop := len(r.buf) - r.cap
		r.buf = r.buf[drop:]
	}
	r.lastFeedAt = at
}

// peekLast returns the most recent n bytes if that many have been
// accumulated, else ok is false.
func (r *pcmRing) peekLast(n int) (data []byte, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) < n {
		return nil, false
	}
	out := make([]byte, n)
	copy(out, r.buf[len(r.buf)-n:])
	return out, true
}

// sinceLastFeed returns the duration since the ring last received bytes, as
// of "at". A zero lastFeedAt (nothing ever fed) reports a very large gap.
func (r *pcmRing) sinceLastFeed(at time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastFeedAt.IsZero() {
		return time.Duration(1<<62 - 1)
	}
	return at.Sub(r.lastFeedAt)
}

func (r *pcmRing) bytesAvailable() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}
