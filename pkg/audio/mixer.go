package audio

import "sync/atomic"

// InterruptReason identifies why the currently playing segment was cut short.
// It is passed to [Mixer.Interrupt] so an implementation can apply
// reason-specific behaviour (e.g., a different fade-out for each case).
type InterruptReason int

const (
	// Superseded indicates a new reply preempted the one currently playing,
	// e.g. the orchestrator started a successor ReplyTask before the prior
	// one finished speaking.
	Superseded InterruptReason = iota

	// BargeIn indicates the user started speaking while the agent was still
	// talking. Playback yields the floor immediately.
	BargeIn
)

// String returns the human-readable name of the interrupt reason.
func (r InterruptReason) String() string {
	switch r {
	case Superseded:
		return "SUPERSEDED"
	case BargeIn:
		return "BARGE_IN"
	default:
		return "UNKNOWN"
	}
}

// AudioSegment is one reply's synthesized audio, submitted to a [Mixer].
// Audio is streamed — frames arrive incrementally on the Audio channel — so
// the mixer can begin playback before synthesis is complete.
type AudioSegment struct {
	// TaskID identifies the ReplyTask this segment belongs to, for logging
	// and diagnostics.
	TaskID string

	// Audio is a read-only channel of raw audio bytes (PCM or Opus, per the
	// playback connection's negotiated codec). The channel is closed by the
	// producer when the segment ends or when a mid-stream error occurs.
	// After the channel closes, call [AudioSegment.Err] to check whether
	// synthesis completed cleanly.
	Audio <-chan []byte

	// SampleRate is the sample rate in Hz of the PCM data on the Audio channel.
	// Must be > 0.
	SampleRate int

	// Channels is the number of audio channels (1 = mono, 2 = stereo).
	// Must be > 0.
	Channels int

	// streamErr stores the error that caused the Audio channel to close early.
	// Access via Err and SetStreamErr.
	streamErr atomic.Pointer[error]
}

// Err returns the error that caused the Audio channel to close prematurely,
// or nil if the stream completed successfully. Callers should check Err after
// the Audio channel is closed.
func (s *AudioSegment) Err() error {
	if p := s.streamErr.Load(); p != nil {
		return *p
	}
	return nil
}

// SetStreamErr records a mid-stream error. The producer should call this
// before closing the Audio channel so that the [Mixer] can distinguish a
// clean completion from a failure.
func (s *AudioSegment) SetStreamErr(err error) {
	s.streamErr.Store(&err)
}

// Mixer serializes the agent's single voice onto the playback transport.
// Lumina has exactly one speaker (spec.md §1: "all replies share one
// priority band"), so a Mixer plays at most one segment at a time: enqueuing
// a new segment while one is playing preempts it with [Superseded].
//
// Implementations must be safe for concurrent use.
type Mixer interface {
	// Enqueue starts playing segment, preempting whatever is currently
	// playing (with [Superseded]) first.
	Enqueue(segment *AudioSegment)

	// Interrupt immediately stops the currently playing segment for the
	// given reason. A no-op if nothing is playing.
	Interrupt(reason InterruptReason)
}
