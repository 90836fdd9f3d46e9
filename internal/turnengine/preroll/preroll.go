// Package preroll implements the pre-roll buffer (C3): a bounded ring that
// retains the last K voice frames so a freshly started recognition session
// sees speech that preceded state entry.
//
// The ring is written on every Voice frame regardless of turn phase; silence
// frames are never buffered (spec.md §4.3). Snapshot returns a copy, never a
// reference, so the recipient (C4) cannot observe further mutation.
package preroll

import (
	"container/ring"
	"sync"

	"github.com/lumina/lumina/pkg/turn"
)

// Ring is a fixed-capacity FIFO of the most recently seen voice frames.
//
// All exported methods are safe for concurrent use.
type Ring struct {
	mu   sync.Mutex
	r    *ring.Ring
	size int
	len  int
}

// New creates a Ring retaining at most capacity voice frames.
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{
		r:    ring.New(capacity),
		size: capacity,
	}
}

// Push records a voice frame, evicting the oldest frame if the ring is full.
func (p *Ring) Push(frame turn.AudioFrame) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.r.Value = frame
	p.r = p.r.Next()
	if p.len < p.size {
		p.len++
	}
}

// Snapshot returns a copy of the buffered frames in capture order (oldest
// first). The returned slice is safe to mutate; it shares no memory with the
// ring's internal state.
func (p *Ring) Snapshot() []turn.AudioFrame {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.len == 0 {
		return nil
	}

	// p.r always points at the next write slot. On a full ring that slot
	// holds the oldest retained value (about to be overwritten), so p.r is
	// already the start of oldest-to-newest order. On a partially filled
	// ring, advancing size-len steps from p.r skips the never-written
	// (nil) slots and lands on index 0, the oldest value written so far.
	start := p.r
	for i := 0; i < p.size-p.len; i++ {
		start = start.Next()
	}

	out := make([]turn.AudioFrame, 0, p.len)
	start.Do(func(v any) {
		if v == nil {
			return
		}
		f := v.(turn.AudioFrame)
		f.Samples = append([]byte(nil), f.Samples...)
		out = append(out, f)
	})
	return out
}

// Reset clears all buffered frames.
func (p *Ring) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.r = ring.New(p.size)
	p.len = 0
}

// Len returns the number of frames currently buffered.
func (p *Ring) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.len
}
