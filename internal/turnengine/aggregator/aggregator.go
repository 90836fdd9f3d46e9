// Package aggregator implements the sentence aggregator (C5): an in-order
// queue of finalized sentences not yet consumed by the dialogue
// orchestrator, with vendor-fragment merging.
package aggregator

import (
	"strings"
	"sync"
	"time"

	"github.com/lumina/lumina/internal/turnengine/sentencebound"
	"github.com/lumina/lumina/pkg/turn"
)

// DefaultMergeWindow is the spec.md §4.5 default.
const DefaultMergeWindow = 200 * time.Millisecond

// Aggregator maintains the in-order list of finalized sentences awaiting
// consumption. Safe for concurrent use.
type Aggregator struct {
	mergeWindow time.Duration
	now         func() time.Time

	mu    sync.Mutex
	queue []turn.Sentence
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithMergeWindow overrides DefaultMergeWindow.
func WithMergeWindow(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.mergeWindow = d
		}
	}
}

// withClock overrides the time source; used in tests.
func withClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// New creates an Aggregator with an empty queue.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		mergeWindow: DefaultMergeWindow,
		now:         time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Push appends a newly finalized sentence to the tail, merging it into the
// previous entry if it arrived within the merge window with no intervening
// partial of new content — the vendor sometimes emits a comma-terminated
// fragment followed by its continuation (spec.md §4.5).
func (a *Aggregator) Push(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.queue); n > 0 {
		tail := &a.queue[n-1]
		gap := now.Sub(tail.FinalizedAt)
		if gap >= 0 && gap <= a.mergeWindow && !endsWithSentenceBoundary(tail.Text) {
			tail.Text = mergeFragments(tail.Text, text)
			tail.FinalizedAt = now
			return
		}
	}

	a.queue = append(a.queue, turn.Sentence{Text: text, FinalizedAt: now})
}

// ConsumeAll atomically drains the queue and returns it as an ordered slice
// of sentence text. Every finalized sentence is delivered exactly once; the
// list never reorders (spec.md §4.5 invariant).
func (a *Aggregator) ConsumeAll() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.queue) == 0 {
		return nil
	}
	out := make([]string, len(a.queue))
	for i, s := range a.queue {
		out[i] = s.Text
	}
	a.queue = nil
	return out
}

// Len reports the number of sentences currently queued.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// endsWithSentenceBoundary reports whether s already ends on a genuine
// sentence-ending mark, meaning a later fragment should not be merged onto
// it even if it lands inside the merge window.
func endsWithSentenceBoundary(s string) bool {
	return sentencebound.Find(s) == len(s)-1
}

// mergeFragments joins a comma-terminated (or otherwise unfinished)
// fragment with its continuation using a single separating space.
func mergeFragments(head, tail string) string {
	head = strings.TrimRight(head, " ")
	if head == "" {
		return tail
	}
	return head + " " + tail
}
