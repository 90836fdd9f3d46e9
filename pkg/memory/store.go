// Package memory defines the session transcript log Lumina uses for
// observability and debugging.
//
// This is a single-layer descendant of the teacher's three-layer memory
// architecture (session log, semantic index, knowledge graph): Lumina's
// turn-taking engine has no NPC identity or long-term knowledge graph to
// maintain, so only the L1 session log survives, re-scoped to log both
// sides of a dialogue turn instead of a multi-NPC campaign transcript.
//
// Implementations must be safe for concurrent use.
package memory

import (
	"context"
	"time"
)

// SearchOpts configures a keyword / full-text search over logged entries.
// All non-zero fields are applied as AND conditions.
type SearchOpts struct {
	// SessionID restricts the search to a single session. Empty searches
	// across all sessions.
	SessionID string

	// Speaker restricts results to entries from a specific speaker. Empty
	// matches both.
	Speaker Speaker

	// After filters entries recorded after this instant (exclusive). A zero
	// Time disables the lower bound.
	After time.Time

	// Before filters entries recorded before this instant (exclusive). A
	// zero Time disables the upper bound.
	Before time.Time

	// Limit caps the number of results returned. A value of 0 means the
	// implementation may apply its own default.
	Limit int
}

// TranscriptStore is a time-ordered, append-only log of [TranscriptEntry]
// records for one or more dialogue sessions.
//
// Entries must be returned in chronological order unless otherwise
// specified. Implementations must be safe for concurrent use.
type TranscriptStore interface {
	// WriteEntry appends entry to the store.
	// Returns an error only on persistent storage failure.
	WriteEntry(ctx context.Context, entry TranscriptEntry) error

	// GetRecent returns all entries for sessionID whose Timestamp is no
	// earlier than time.Now()-since.
	// Returns an empty (non-nil) slice when no matching entries exist.
	GetRecent(ctx context.Context, sessionID string, since time.Duration) ([]TranscriptEntry, error)

	// Search performs keyword / full-text search over stored entries. The
	// query string is matched against the Text field. opts refines the
	// result set by time range, speaker, or session scope.
	// Returns an empty (non-nil) slice when no entries match.
	Search(ctx context.Context, query string, opts SearchOpts) ([]TranscriptEntry, error)
}
