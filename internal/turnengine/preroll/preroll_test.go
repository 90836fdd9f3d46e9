package preroll

import (
	"testing"

	"github.com/lumina/lumina/pkg/turn"
)

func frame(tag byte) turn.AudioFrame {
	return turn.AudioFrame{Samples: []byte{tag}}
}

func TestSnapshotPartiallyFilled(t *testing.T) {
	t.Parallel()
	r := New(5)
	r.Push(frame(1))
	r.Push(frame(2))
	r.Push(frame(3))

	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("want 3 frames, got %d", len(snap))
	}
	for i, want := range []byte{1, 2, 3} {
		if snap[i].Samples[0] != want {
			t.Fatalf("index %d: want %d, got %d", i, want, snap[i].Samples[0])
		}
	}
}

func TestSnapshotFullAndWrapped(t *testing.T) {
	t.Parallel()
	r := New(3)
	for i := byte(1); i <= 7; i++ {
		r.Push(frame(i))
	}
	// Ring holds the last 3 pushed: 5, 6, 7, oldest-to-newest.
	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("want 3 frames, got %d", len(snap))
	}
	for i, want := range []byte{5, 6, 7} {
		if snap[i].Samples[0] != want {
			t.Fatalf("index %d: want %d, got %d", i, want, snap[i].Samples[0])
		}
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	t.Parallel()
	r := New(2)
	r.Push(frame(1))
	snap := r.Snapshot()
	snap[0].Samples[0] = 99

	snap2 := r.Snapshot()
	if snap2[0].Samples[0] != 1 {
		t.Fatalf("ring sample bytes mutated through snapshot: got %d", snap2[0].Samples[0])
	}
}

func TestResetClears(t *testing.T) {
	t.Parallel()
	r := New(4)
	r.Push(frame(1))
	r.Push(frame(2))
	r.Reset()
	if r.Len() != 0 {
		t.Fatalf("want empty after reset, got len=%d", r.Len())
	}
	if snap := r.Snapshot(); snap != nil {
		t.Fatalf("want nil snapshot after reset, got %v", snap)
	}
}

func TestEmptySnapshotIsNil(t *testing.T) {
	t.Parallel()
	r := New(4)
	if snap := r.Snapshot(); snap != nil {
		t.Fatalf("want nil snapshot on empty ring, got %v", snap)
	}
}
