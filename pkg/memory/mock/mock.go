// Package mock provides an in-memory test double for [memory.TranscriptStore].
package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/lumina/lumina/pkg/memory"
)

var _ memory.TranscriptStore = (*TranscriptStore)(nil)

// TranscriptStore is a configurable, in-memory test double for
// [memory.TranscriptStore]. All exported *Err fields default to nil
// (success). Safe for concurrent use.
type TranscriptStore struct {
	mu sync.Mutex

	entries []memory.TranscriptEntry

	// WriteEntryErr is returned by [TranscriptStore.WriteEntry] when non-nil.
	WriteEntryErr error

	// GetRecentErr is returned by [TranscriptStore.GetRecent] when non-nil.
	GetRecentErr error

	// SearchErr is returned by [TranscriptStore.Search] when non-nil.
	SearchErr error
}

// Entries returns a copy of every entry written so far, in write order.
func (m *TranscriptStore) Entries() []memory.TranscriptEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]memory.TranscriptEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

// WriteEntry implements [memory.TranscriptStore].
func (m *TranscriptStore) WriteEntry(_ context.Context, entry memory.TranscriptEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WriteEntryErr != nil {
		return m.WriteEntryErr
	}
	m.entries = append(m.entries, entry)
	return nil
}

// GetRecent implements [memory.TranscriptStore].
func (m *TranscriptStore) GetRecent(_ context.Context, sessionID string, since time.Duration) ([]memory.TranscriptEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetRecentErr != nil {
		return nil, m.GetRecentErr
	}
	cutoff := time.Now().Add(-since)
	out := []memory.TranscriptEntry{}
	for _, e := range m.entries {
		if e.SessionID == sessionID && !e.Timestamp.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Search implements [memory.TranscriptStore] with a simple case-insensitive
// substring match against Text — sufficient for tests, unlike the postgres
// implementation's full-text search.
func (m *TranscriptStore) Search(_ context.Context, query string, opts memory.SearchOpts) ([]memory.TranscriptEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SearchErr != nil {
		return nil, m.SearchErr
	}
	q := strings.ToLower(query)
	out := []memory.TranscriptEntry{}
	for _, e := range m.entries {
		if !strings.Contains(strings.ToLower(e.Text), q) {
			continue
		}
		if opts.SessionID != "" && e.SessionID != opts.SessionID {
			continue
		}
		if opts.Speaker != "" && e.Speaker != opts.Speaker {
			continue
		}
		if !opts.After.IsZero() && !e.Timestamp.After(opts.After) {
			continue
		}
		if !opts.Before.IsZero() && !e.Timestamp.Before(opts.Before) {
			continue
		}
		out = append(out, e)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}
