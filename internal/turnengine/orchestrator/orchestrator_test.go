package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lumina/lumina/internal/turnengine/aggregator"
	"github.com/lumina/lumina/internal/turnengine/bus"
	"github.com/lumina/lumina/pkg/audio"
	"github.com/lumina/lumina/pkg/provider/llm"
	"github.com/lumina/lumina/pkg/provider/llm/mockllm"
	"github.com/lumina/lumina/pkg/provider/tts/mocktts"
	"github.com/lumina/lumina/pkg/turn"
)

// fakeMixer records every segment it is asked to play and drains its audio
// on a background goroutine, capturing the bytes it saw in order.
type fakeMixer struct {
	mu       sync.Mutex
	segments []*audio.AudioSegment
	received [][]byte
	done     chan struct{}
}

func newFakeMixer() *fakeMixer {
	return &fakeMixer{done: make(chan struct{}, 16)}
}

func (m *fakeMixer) Enqueue(seg *audio.AudioSegment) {
	m.mu.Lock()
	m.segments = append(m.segments, seg)
	m.mu.Unlock()

	go func() {
		for chunk := range seg.Audio {
			m.mu.Lock()
			m.received = append(m.received, chunk)
			m.mu.Unlock()
		}
		m.done <- struct{}{}
	}()
}

func (m *fakeMixer) Interrupt(audio.InterruptReason) {}

func (m *fakeMixer) chunkCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.received)
}

func (m *fakeMixer) segmentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.segments)
}

func (m *fakeMixer) lastSegment() *audio.AudioSegment {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.segments) == 0 {
		return nil
	}
	return m.segments[len(m.segments)-1]
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MonitorInterval = 5 * time.Millisecond
	cfg.LLMTimeout = 500 * time.Millisecond
	cfg.TTSRequestTimeout = 500 * time.Millisecond
	cfg.TTSChunkReadTimeout = 200 * time.Millisecond
	return cfg
}

func echoPrompt(utterance string) llm.CompletionRequest {
	return llm.CompletionRequest{Messages: []llm.Message{{Role: "user", Content: utterance}}}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestOrchestratorConsumesSentencesAndPlaysReply(t *testing.T) {
	t.Parallel()

	agg := aggregator.New()
	b := bus.New()
	mixer := newFakeMixer()
	llmP := &mockllm.Provider{Chunks: []llm.Chunk{
		{Text: "Hello there."},
		{Text: "", FinishReason: "stop"},
	}}
	ttsP := &mocktts.Provider{}

	o := New(testConfig(), agg, llmP, ttsP, mixer, b, echoPrompt, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	agg.Push("hi")

	waitUntil(t, func() bool { return llmP.CallCount() == 1 })
	waitUntil(t, func() bool { return mixer.segmentCount() == 1 })
	waitUntil(t, func() bool { return mixer.chunkCount() >= 1 })
	waitUntil(t, func() bool { return o.ActiveTaskID() == "" })
}

func TestOrchestratorSupersedesActiveTask(t *testing.T) {
	t.Parallel()

	agg := aggregator.New()
	b := bus.New()
	mixer := newFakeMixer()
	// A stream that hangs open after its first chunk never completes on its
	// own — the first task only ends when superseded by the second utterance.
	llmP := &mockllm.Provider{Chunks: []llm.Chunk{{Text: "still thinking"}}, Hang: true}
	ttsP := &mocktts.Provider{}

	o := New(testConfig(), agg, llmP, ttsP, mixer, b, echoPrompt, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	agg.Push("first utterance.")
	waitUntil(t, func() bool { return o.ActiveTaskID() != "" })
	firstTaskID := o.ActiveTaskID()

	agg.Push("second utterance.")
	waitUntil(t, func() bool { return o.ActiveTaskID() != "" && o.ActiveTaskID() != firstTaskID })
}

func TestOrchestratorFallsBackOnLLMStartFailure(t *testing.T) {
	t.Parallel()

	agg := aggregator.New()
	b := bus.New()
	mixer := newFakeMixer()
	llmP := &mockllm.Provider{StreamErr: errBoom{}}
	ttsP := &mocktts.Provider{}

	cfg := testConfig()
	cfg.FallbackMessage = "sorry"
	o := New(cfg, agg, llmP, ttsP, mixer, b, echoPrompt, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	agg.Push("anything")

	waitUntil(t, func() bool { return mixer.segmentCount() == 1 })
	waitUntil(t, func() bool { return mixer.chunkCount() >= 1 })
}

func TestOrchestratorTruncatesOnControlReset(t *testing.T) {
	t.Parallel()

	agg := aggregator.New()
	b := bus.New()
	mixer := newFakeMixer()
	llmP := &mockllm.Provider{Chunks: []llm.Chunk{{Text: "won't finish"}}, Hang: true}
	ttsP := &mocktts.Provider{}

	o := New(testConfig(), agg, llmP, ttsP, mixer, b, echoPrompt, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	agg.Push("trigger.")
	waitUntil(t, func() bool { return o.ActiveTaskID() != "" })

	b.Publish(bus.Event{Type: bus.EventControl, Payload: struct{ Kind int }{}}) // wrong type, ignored
	b.Publish(bus.Event{Type: bus.EventControl, Payload: turn.ControlEvent{Kind: turn.ResetToInitial}})

	waitUntil(t, func() bool { return o.ActiveTaskID() == "" })

	seg := mixer.lastSegment()
	if seg == nil {
		t.Fatal("expected a segment to have been enqueued")
	}
	waitUntil(t, func() bool { return seg.Err() != nil })
}

func TestOrchestratorNoTaskWhenAggregatorEmpty(t *testing.T) {
	t.Parallel()

	agg := aggregator.New()
	b := bus.New()
	mixer := newFakeMixer()
	llmP := &mockllm.Provider{}
	ttsP := &mocktts.Provider{}

	o := New(testConfig(), agg, llmP, ttsP, mixer, b, echoPrompt, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	if llmP.CallCount() != 0 {
		t.Fatalf("want no llm calls with an empty aggregator, got %d", llmP.CallCount())
	}
}

type errBoom struct{}

func (errBoom) Error() string { return "boom" }
