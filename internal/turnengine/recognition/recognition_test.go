package recognition

import (
	"sync"
	"testing"
	"time"

	"github.com/lumina/lumina/internal/turnengine/bus"
	"github.com/lumina/lumina/pkg/provider/stt"
	"github.com/lumina/lumina/pkg/provider/stt/mockstt"
	"github.com/lumina/lumina/pkg/turn"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialBackoff = 5 * time.Millisecond
	cfg.FinalDrainTimeout = 50 * time.Millisecond
	cfg.ReconnectBufferFrames = 4
	return cfg
}

func TestStartSessionOpensProviderStream(t *testing.T) {
	t.Parallel()
	p := &mockstt.Provider{}
	m := New(p, testConfig(), nil, nil)

	if err := m.StartSession(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.StartStreamCalls) != 1 {
		t.Fatalf("want 1 StartStream call, got %d", len(p.StartStreamCalls))
	}
}

func TestSendFramesForwardsToSession(t *testing.T) {
	t.Parallel()
	sess := mockstt.NewSession()
	p := &mockstt.Provider{Session: sess}
	m := New(p, testConfig(), nil, nil)
	m.StartSession()

	err := m.SendFrames([]turn.AudioFrame{{Samples: []byte{1, 2}}, {Samples: []byte{3, 4}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.SendAudioCallCount() != 2 {
		t.Fatalf("want 2 SendAudio calls, got %d", sess.SendAudioCallCount())
	}
}

func TestSendFramesWithoutSessionErrors(t *testing.T) {
	t.Parallel()
	m := New(&mockstt.Provider{}, testConfig(), nil, nil)
	if err := m.SendFrames([]turn.AudioFrame{{}}); err == nil {
		t.Fatal("want error sending frames without an open session")
	}
}

func TestFinalsPublishedInSequenceOrder(t *testing.T) {
	t.Parallel()
	sess := mockstt.NewSession()
	p := &mockstt.Provider{Session: sess}
	b := bus.New()
	m := New(p, testConfig(), b, nil)
	m.StartSession()

	var mu sync.Mutex
	var seqs []uint64
	unsub := b.Subscribe(func(ev bus.Event) {
		if ev.Type != bus.EventSentenceFinalized {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		seqs = append(seqs, ev.Payload.(turn.Transcript).Sequence)
	})
	defer unsub()

	sess.FinalsCh <- stt.Transcript{Text: "one", IsFinal: true, Sequence: 1}
	sess.FinalsCh <- stt.Transcript{Text: "two", IsFinal: true, Sequence: 2}
	// Out-of-order / duplicate delivery must be dropped.
	sess.FinalsCh <- stt.Transcript{Text: "stale", IsFinal: true, Sequence: 1}
	sess.FinalsCh <- stt.Transcript{Text: "three", IsFinal: true, Sequence: 3}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(seqs)
		mu.Unlock()
		if n == 3 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seqs) != 3 {
		t.Fatalf("want 3 finals delivered (stale dropped), got %d: %v", len(seqs), seqs)
	}
	for i, want := range []uint64{1, 2, 3} {
		if seqs[i] != want {
			t.Fatalf("index %d: want sequence %d, got %d", i, want, seqs[i])
		}
	}
}

func TestReconnectFlushesBufferedFramesAndPublishesNewSession(t *testing.T) {
	t.Parallel()
	sess1 := mockstt.NewSession()
	sess2 := mockstt.NewSession()
	p := &mockstt.Provider{Session: sess1}
	b := bus.New()
	cfg := testConfig()
	m := New(p, cfg, b, nil)
	m.StartSession()
	firstSessionID := m.sessionID

	// Second call to StartStream (the reconnect) should return sess2.
	p.Session = sess2

	sess1.ErrorsCh <- errFake{}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		reconnected := m.handle == sess2
		m.mu.Unlock()
		if reconnected {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	m.mu.Lock()
	newSessionID := m.sessionID
	handle := m.handle
	m.mu.Unlock()

	if handle != sess2 {
		t.Fatal("want manager to have switched to the reconnected session")
	}
	if newSessionID == firstSessionID {
		t.Fatal("want a new session id after reconnect (spec.md §9: new session, new sequence)")
	}
}

func TestSendFramesBufferedDuringReconnectOverflowFails(t *testing.T) {
	t.Parallel()
	sess1 := mockstt.NewSession()
	p := &mockstt.Provider{Session: sess1, StartStreamErr: nil}
	b := bus.New()
	cfg := testConfig()
	cfg.MaxReconnects = 1
	m := New(p, cfg, b, nil)
	m.StartSession()

	var mu sync.Mutex
	var gotError bool
	unsub := b.Subscribe(func(ev bus.Event) {
		if ev.Type == bus.EventRecognizerError {
			mu.Lock()
			gotError = true
			mu.Unlock()
		}
	})
	defer unsub()

	// Force every reconnect attempt to fail so the buffer stays engaged.
	p.StartStreamErr = errFake{}
	sess1.ErrorsCh <- errFake{}

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		reconnecting := m.reconnecting
		m.mu.Unlock()
		if reconnecting {
			break
		}
		time.Sleep(time.Millisecond)
	}

	overflow := make([]turn.AudioFrame, cfg.ReconnectBufferFrames+1)
	if err := m.SendFrames(overflow); err == nil {
		t.Fatal("want overflow error while buffering during reconnect")
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := gotError
		mu.Unlock()
		if got {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("want EventRecognizerError published on overflow")
}

func TestEndSessionWaitsForFinalThenCloses(t *testing.T) {
	t.Parallel()
	sess := mockstt.NewSession()
	p := &mockstt.Provider{Session: sess}
	m := New(p, testConfig(), nil, nil)
	m.StartSession()

	go func() {
		time.Sleep(5 * time.Millisecond)
		sess.FinalsCh <- stt.Transcript{Text: "last", IsFinal: true, Sequence: 1}
	}()

	start := time.Now()
	if err := m.EndSession(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(start) >= testConfig().FinalDrainTimeout {
		t.Fatal("want EndSession to return promptly once the final arrives, not wait for the full timeout")
	}
	if sess.CloseCallCount != 1 {
		t.Fatalf("want session closed, got CloseCallCount=%d", sess.CloseCallCount)
	}
}

type errFake struct{}

func (errFake) Error() string { return "fake upstream error" }
