package mock

import (
	"context"
	"testing"
	"time"

	"github.com/lumina/lumina/pkg/memory"
)

func TestTranscriptStore_WriteAndGetRecent(t *testing.T) {
	store := &TranscriptStore{}
	ctx := context.Background()
	now := time.Now()

	if err := store.WriteEntry(ctx, memory.TranscriptEntry{
		SessionID: "sess-1", Speaker: memory.SpeakerCaller, Text: "hello there", Timestamp: now,
	}); err != nil {
		t.Fatalf("WriteEntry: %v", err)
	}
	if err := store.WriteEntry(ctx, memory.TranscriptEntry{
		SessionID: "sess-1", Speaker: memory.SpeakerReply, Text: "hi, how can I help?", Timestamp: now,
	}); err != nil {
		t.Fatalf("WriteEntry: %v", err)
	}
	if err := store.WriteEntry(ctx, memory.TranscriptEntry{
		SessionID: "sess-2", Speaker: memory.SpeakerCaller, Text: "unrelated", Timestamp: now,
	}); err != nil {
		t.Fatalf("WriteEntry: %v", err)
	}

	got, err := store.GetRecent(ctx, "sess-1", time.Hour)
	if err != nil {
		t.Fatalf("GetRecent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries for sess-1, got %d", len(got))
	}
}

func TestTranscriptStore_GetRecentExcludesOld(t *testing.T) {
	store := &TranscriptStore{}
	ctx := context.Background()

	if err := store.WriteEntry(ctx, memory.TranscriptEntry{
		SessionID: "sess-1", Text: "old", Timestamp: time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("WriteEntry: %v", err)
	}

	got, err := store.GetRecent(ctx, "sess-1", time.Minute)
	if err != nil {
		t.Fatalf("GetRecent: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected 0 recent entries, got %d", len(got))
	}
}

func TestTranscriptStore_Search(t *testing.T) {
	store := &TranscriptStore{}
	ctx := context.Background()
	now := time.Now()

	_ = store.WriteEntry(ctx, memory.TranscriptEntry{SessionID: "s1", Speaker: memory.SpeakerCaller, Text: "I need to reset my password", Timestamp: now})
	_ = store.WriteEntry(ctx, memory.TranscriptEntry{SessionID: "s1", Speaker: memory.SpeakerReply, Text: "Sure, let's reset it", Timestamp: now})
	_ = store.WriteEntry(ctx, memory.TranscriptEntry{SessionID: "s1", Speaker: memory.SpeakerCaller, Text: "what's the weather", Timestamp: now})

	got, err := store.Search(ctx, "reset", memory.SearchOpts{Speaker: memory.SpeakerCaller})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 match, got %d", len(got))
	}
	if got[0].Text != "I need to reset my password" {
		t.Errorf("unexpected match: %q", got[0].Text)
	}
}

func TestTranscriptStore_WriteEntryErr(t *testing.T) {
	store := &TranscriptStore{WriteEntryErr: context.Canceled}
	if err := store.WriteEntry(context.Background(), memory.TranscriptEntry{}); err == nil {
		t.Error("expected error from WriteEntry")
	}
	if len(store.Entries()) != 0 {
		t.Error("expected no entries recorded after error")
	}
}
