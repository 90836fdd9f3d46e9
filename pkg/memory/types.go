package memory

import "time"

// Speaker identifies who produced a [TranscriptEntry].
type Speaker string

const (
	// SpeakerCaller marks an entry as the caller's finalized speech.
	SpeakerCaller Speaker = "caller"

	// SpeakerReply marks an entry as text spoken back by the orchestrator (C6).
	SpeakerReply Speaker = "reply"
)

// TranscriptEntry is one logged utterance in a dialogue session: either the
// caller's finalized speech or a reply the engine spoke back. It is the
// debugging/observability record described in SPEC_FULL.md §3, not part of
// the turn-taking engine's own state.
type TranscriptEntry struct {
	// SessionID identifies the dialogue session this entry belongs to.
	SessionID string

	// Speaker is who produced this entry.
	Speaker Speaker

	// Text is the utterance text: the finalized transcript for a caller
	// entry, or the triggering sentence for a reply entry.
	Text string

	// Timestamp is when this entry was recorded.
	Timestamp time.Time

	// Duration is the length of the utterance, when known. Zero when not
	// applicable (e.g., a reply entry logged before playback finishes).
	Duration time.Duration
}
