// Package mixer provides a concrete [audio.Mixer] for Lumina's single-voice
// playback: it tracks the one [audio.AudioSegment] currently playing and
// preempts it when a new segment is enqueued or an interrupt fires.
//
// Adapted from the teacher's priority-queue mixer (pkg/audio/mixer), which
// scheduled multiple competing NPC voices with priority preemption and
// inter-segment gaps. Lumina has exactly one speaker and the orchestrator
// (C6) already serializes ReplyTasks one at a time, so the priority queue,
// FIFO tie-breaking, and gap/jitter machinery had no caller left to exercise
// them; this package keeps the teacher's preempt-and-drain discipline
// without the machinery built for voices Lumina never has.
package mixer

import (
	"sync"

	"github.com/lumina/lumina/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Mixer = (*Mixer)(nil)

// Mixer is the concrete [audio.Mixer]. It holds at most one playing segment;
// [Mixer.Enqueue] preempts whatever is currently playing before starting the
// new segment on its own goroutine.
//
// All exported methods are safe for concurrent use.
type Mixer struct {
	output func([]byte) // callback that receives audio chunks for playback

	mu            sync.Mutex
	playing       *audio.AudioSegment
	cancelPlaying chan struct{} // closed to interrupt the current segment
	closed        bool
}

// New creates a Mixer that delivers audio chunks to the output callback.
//
// output must not be nil; it is called sequentially, once per currently
// playing segment, and must not block for extended periods.
func New(output func([]byte)) *Mixer {
	return &Mixer{output: output}
}

// Enqueue preempts whatever segment is currently playing (with
// [audio.Superseded]) and starts streaming segment's audio to the output
// callback on a new goroutine.
func (m *Mixer) Enqueue(segment *audio.AudioSegment) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		go audio.Drain(segment.Audio)
		return
	}
	if m.playing != nil {
		m.interruptLocked(audio.Superseded)
	}
	cancel := make(chan struct{})
	m.playing = segment
	m.cancelPlaying = cancel
	m.mu.Unlock()

	go m.play(segment, cancel)
}

// Interrupt immediately stops the currently playing segment for the given
// reason. If nothing is playing, Interrupt is a no-op.
func (m *Mixer) Interrupt(reason audio.InterruptReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interruptLocked(reason)
}

// interruptLocked cancels the currently playing segment. Must be called
// with m.mu held.
func (m *Mixer) interruptLocked(reason audio.InterruptReason) {
	_ = reason // available for reason-specific behaviour (e.g., fade-out)

	if m.cancelPlaying != nil {
		close(m.cancelPlaying)
		m.cancelPlaying = nil
	}
	m.playing = nil
}

// Close stops accepting new segments, interrupts whatever is playing, and
// releases resources. Close is idempotent.
func (m *Mixer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.interruptLocked(audio.Superseded)
	return nil
}

// play streams audio chunks from seg to the output callback until the
// segment ends naturally or cancel is closed (preemption or interrupt).
func (m *Mixer) play(seg *audio.AudioSegment, cancel chan struct{}) {
	defer func() {
		m.mu.Lock()
		if m.playing == seg {
			m.playing = nil
			m.cancelPlaying = nil
		}
		m.mu.Unlock()
	}()

	for {
		select {
		case <-cancel:
			go audio.Drain(seg.Audio)
			return
		case chunk, ok := <-seg.Audio:
			if !ok {
				return // segment finished naturally
			}
			m.output(chunk)
		}
	}
}
