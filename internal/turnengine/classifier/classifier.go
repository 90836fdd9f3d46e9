// Package classifier implements the frame classifier (C1): it tags each
// inbound audio frame as Voice or Silence and tracks contiguous silence
// duration, publishing a turn.FrameClassification per frame on the event
// bus.
//
// The classifier itself makes no voice-activity decision — that judgement
// comes from an externally supplied vad.SessionHandle (energy-threshold,
// spectral, or ML-based; see pkg/provider/vad). C1's only job is to
// normalise that decision into a running silence counter, exactly as
// spec.md §4.1 describes.
package classifier

import (
	"fmt"

	"github.com/lumina/lumina/internal/turnengine/bus"
	"github.com/lumina/lumina/pkg/provider/vad"
	"github.com/lumina/lumina/pkg/turn"
)

// Classifier is stateless across sessions; call Reset at a session boundary.
//
// Classifier is not safe for concurrent use — it is driven by a single
// audio-frame-delivery goroutine, matching the vad.SessionHandle contract it
// wraps ("must not block", "should not be shared between goroutines").
type Classifier struct {
	session     vad.SessionHandle
	frameMs     uint32
	bus         *bus.Bus
	silenceMs   uint32
}

// New creates a Classifier that consults session for each frame's
// voice-activity decision and publishes results on b.
func New(session vad.SessionHandle, frameMs uint32, b *bus.Bus) *Classifier {
	return &Classifier{
		session: session,
		frameMs: frameMs,
		bus:     b,
	}
}

// Reset clears the running silence counter and the underlying VAD session's
// internal state. Call at a session boundary.
func (c *Classifier) Reset() {
	c.silenceMs = 0
	if c.session != nil {
		c.session.Reset()
	}
}

// Classify processes one frame, updates the running silence counter, and
// publishes the resulting turn.FrameClassification on the bus.
//
// If frame.Classification is already known (Voice or Silence — e.g. reported
// by a client-side VAD via the out-of-band silence_ms message, per spec.md
// §6), that decision is used directly instead of consulting the VAD session.
func (c *Classifier) Classify(frame turn.AudioFrame) (turn.FrameClassification, error) {
	var isVoice bool

	switch frame.Classification {
	case turn.Voice:
		isVoice = true
	case turn.Silence:
		isVoice = false
	default:
		if c.session == nil {
			return turn.FrameClassification{}, fmt.Errorf("classifier: classify: no VAD session and frame has no external classification")
		}
		ev, err := c.session.ProcessFrame(frame.Samples)
		if err != nil {
			return turn.FrameClassification{}, fmt.Errorf("classifier: classify: %w", err)
		}
		isVoice = ev.Type == vad.VADSpeechStart || ev.Type == vad.VADSpeechContinue
	}

	if isVoice {
		c.silenceMs = 0
	} else {
		c.silenceMs += c.frameMs
	}

	fc := turn.FrameClassification{
		IsVoice:             isVoice,
		ContiguousSilenceMs: c.silenceMs,
	}

	if c.bus != nil {
		c.bus.Publish(bus.Event{Type: bus.EventFrameClassified, Payload: fc})
	}

	return fc, nil
}
