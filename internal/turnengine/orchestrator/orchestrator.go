// Package orchestrator implements the dialogue orchestrator (C6): the
// driver loop that turns finalized user utterances into a spoken reply.
//
// On a fixed interval it drains the sentence aggregator (C5); a non-empty
// drain supersedes any in-flight reply and spawns a new one. Generation
// pipelines LLM token output straight into TTS synthesis and the audio
// chunks straight to the playback transport, sentence by sentence, so the
// agent can start speaking before the model has finished thinking — the
// same low-latency pipelining pattern as internal/engine/cascade, adapted
// from two cascaded LLM calls to one call whose output is chunked by
// sentence boundary.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lumina/lumina/internal/turnengine/aggregator"
	"github.com/lumina/lumina/internal/turnengine/bus"
	"github.com/lumina/lumina/internal/turnengine/sentencebound"
	"github.com/lumina/lumina/internal/turnengine/statemachine"
	"github.com/lumina/lumina/pkg/audio"
	"github.com/lumina/lumina/pkg/provider/llm"
	"github.com/lumina/lumina/pkg/provider/tts"
	"github.com/lumina/lumina/pkg/turn"
)

// terminalSilenceMarker is a zero-length chunk written to the playback
// transport when a reply is truncated, so downstream mixing can flush
// cleanly instead of leaving a dangling partial word (spec.md §4.6 failure
// semantics: "flush a terminal silence marker").
var terminalSilenceMarker = []byte{}

// Config holds the orchestrator's tunables, all named directly after
// spec.md §4.6/§5.
type Config struct {
	// MonitorInterval is how often the driver loop polls the aggregator.
	MonitorInterval time.Duration

	// LLMTimeout bounds one language-model call.
	LLMTimeout time.Duration

	// TTSRequestTimeout bounds one text-to-speech stream, start to finish.
	TTSRequestTimeout time.Duration

	// TTSChunkReadTimeout bounds the wait for the next audio chunk once a
	// TTS stream is underway.
	TTSChunkReadTimeout time.Duration

	// FallbackMessage is spoken when the LLM call fails outright. Empty
	// disables the fallback (the task is simply dropped).
	FallbackMessage string

	// Voice is the TTS voice profile used for every reply.
	Voice tts.VoiceProfile

	// SampleRate and Channels describe the PCM format the TTS provider emits.
	SampleRate int
	Channels   int
}

// DefaultConfig returns spec.md §4.6/§5's stated defaults.
func DefaultConfig() Config {
	return Config{
		MonitorInterval:     100 * time.Millisecond,
		LLMTimeout:          15 * time.Second,
		TTSRequestTimeout:   10 * time.Second,
		TTSChunkReadTimeout: 5 * time.Second,
		FallbackMessage:     "Sorry, could you say that again?",
		SampleRate:          24000,
		Channels:            1,
	}
}

// PromptBuilder turns a finalized, whitespace-joined user utterance into the
// request sent to the LLM provider. Callers own conversation history,
// system prompt assembly, and tool wiring.
type PromptBuilder func(utterance string) llm.CompletionRequest

// ReplyTaskPayload is the bus payload for EventReplyTaskStarted and
// EventReplyTaskEnded.
type ReplyTaskPayload struct {
	TaskID             string
	TriggeringSentence string
	Cancelled          bool
	Produced           bool
}

// Orchestrator is the C6 driver. Safe for concurrent use; Run must only be
// called once.
type Orchestrator struct {
	cfg         Config
	agg         *aggregator.Aggregator
	llmP        llm.Provider
	ttsP        tts.Provider
	mixer       audio.Mixer
	bus         *bus.Bus
	buildPrompt PromptBuilder
	logger      *slog.Logger

	mu        sync.Mutex
	active    *turn.ReplyTask
	seq       uint64
	lastPhase turn.Phase

	wg          sync.WaitGroup
	unsubscribe func()
}

// New creates an Orchestrator. logger defaults to slog.Default() when nil.
func New(cfg Config, agg *aggregator.Aggregator, llmP llm.Provider, ttsP tts.Provider, mixer audio.Mixer, b *bus.Bus, buildPrompt PromptBuilder, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		cfg:         cfg,
		agg:         agg,
		llmP:        llmP,
		ttsP:        ttsP,
		mixer:       mixer,
		bus:         b,
		buildPrompt: buildPrompt,
		logger:      logger,
	}
	o.unsubscribe = b.Subscribe(o.onBusEvent)
	return o
}

// onBusEvent tracks the state machine's current phase so a spawned
// ReplyTask can record which phase it was spawned from (testable property 6)
// and reacts to control events that must cancel the active reply outright.
func (o *Orchestrator) onBusEvent(ev bus.Event) {
	switch ev.Type {
	case bus.EventPhaseChanged:
		if p, ok := ev.Payload.(statemachine.PhaseChangedPayload); ok {
			o.mu.Lock()
			o.lastPhase = p.To
			o.mu.Unlock()
		}
	case bus.EventControl:
		ce, ok := ev.Payload.(turn.ControlEvent)
		if !ok {
			return
		}
		if ce.Kind == turn.ResetToInitial || ce.Kind == turn.ForceEndSession {
			o.cancelActive()
		}
	}
}

func (o *Orchestrator) cancelActive() {
	o.mu.Lock()
	active := o.active
	o.mu.Unlock()
	if active != nil {
		active.Cancel()
	}
}

// CancelActive fires the cancel token of the currently Active ReplyTask, if
// any. Exported so the barge-in coordinator (C7) can drive it directly
// without going through the bus (spec.md §4.7 step 1).
func (o *Orchestrator) CancelActive() {
	o.cancelActive()
}

// Run drives the monitor loop until ctx is cancelled. It blocks until every
// in-flight reply has finished (or been cancelled and unwound).
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.unsubscribe()

	ticker := time.NewTicker(o.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.cancelActive()
			o.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			sentences := o.agg.ConsumeAll()
			if len(sentences) == 0 {
				continue
			}
			o.spawnReply(ctx, strings.Join(sentences, " "))
		}
	}
}

// spawnReply implements spec.md §4.6 steps 1-3: cancel any active task,
// create the successor, and start its pipeline on a new goroutine.
func (o *Orchestrator) spawnReply(ctx context.Context, utterance string) {
	o.mu.Lock()
	if o.active != nil {
		o.active.Cancel()
	}
	o.seq++
	taskID := fmt.Sprintf("reply-%d", o.seq)
	task := turn.NewReplyTask(taskID, utterance, o.lastPhase, time.Now())
	o.active = task
	o.mu.Unlock()

	o.bus.Publish(bus.Event{Type: bus.EventReplyTaskStarted, Payload: ReplyTaskPayload{
		TaskID:             task.TaskID,
		TriggeringSentence: utterance,
	}})

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runReply(ctx, task)
	}()
}

// runReply executes one ReplyTask end to end: LLM inference, chunked into
// TTS submissions, chunked into playback writes.
func (o *Orchestrator) runReply(ctx context.Context, task *turn.ReplyTask) {
	defer o.finishTask(task)

	llmCtx, cancelLLM := context.WithTimeout(ctx, o.cfg.LLMTimeout)
	defer cancelLLM()

	chunks, err := o.llmP.StreamCompletion(llmCtx, o.buildPrompt(task.TriggeringSentence))
	if err != nil {
		o.logger.Warn("orchestrator: llm stream failed to start, using fallback", "task", task.TaskID, "err", err)
		o.speakFallback(ctx, task)
		return
	}

	textCh := make(chan string, 8)
	audioCh, err := o.startTTS(ctx, task, textCh)
	if err != nil {
		o.logger.Warn("orchestrator: tts start failed, dropping task", "task", task.TaskID, "err", err)
		drainLLMChunks(chunks)
		return
	}

	// The LLM-to-TTS and TTS-to-playback stages run concurrently — each
	// sentence flows into synthesis while the model keeps generating the
	// next one. errgroup joins them and would surface the first stage
	// error if either ever returned one (grounded on cascade.Engine's
	// sync.WaitGroup supervision, upgraded here because two independent
	// pipeline stages need to be joined rather than one background send).
	var g errgroup.Group
	g.Go(func() error {
		o.forwardLLMToTTS(llmCtx, task, chunks, textCh)
		return nil
	})
	g.Go(func() error {
		return o.forwardAudio(task, audioCh)
	})
	if err := g.Wait(); err != nil && !turn.IsKind(err, turn.Cancelled) {
		o.logger.Warn("orchestrator: reply pipeline ended with error", "task", task.TaskID, "err", err)
	}
}

// speakFallback synthesizes and plays cfg.FallbackMessage when the LLM call
// itself could not be started (spec.md §4.6 "LLM error" failure semantics).
func (o *Orchestrator) speakFallback(ctx context.Context, task *turn.ReplyTask) {
	if o.cfg.FallbackMessage == "" {
		return
	}
	textCh := make(chan string, 1)
	textCh <- o.cfg.FallbackMessage
	close(textCh)

	audioCh, err := o.startTTS(ctx, task, textCh)
	if err != nil {
		o.logger.Warn("orchestrator: fallback tts failed, dropping task", "task", task.TaskID, "err", err)
		return
	}
	if err := o.forwardAudio(task, audioCh); err != nil {
		o.logger.Warn("orchestrator: fallback playback ended with error", "task", task.TaskID, "err", err)
	}
}

// startTTS opens a synthesis stream bounded by TTSRequestTimeout and torn
// down early if the task is superseded or cancelled.
func (o *Orchestrator) startTTS(ctx context.Context, task *turn.ReplyTask, textCh <-chan string) (<-chan []byte, error) {
	ttsCtx, cancel := context.WithTimeout(ctx, o.cfg.TTSRequestTimeout)
	go func() {
		select {
		case <-task.Cancelled():
			cancel()
		case <-ttsCtx.Done():
		}
	}()
	return o.ttsP.SynthesizeStream(ttsCtx, textCh, o.cfg.Voice)
}

// forwardLLMToTTS reads LLM chunks, accumulates them, and submits each
// complete sentence to textCh as soon as sentencebound finds a boundary —
// grounded on cascade.go's forwardSentences, generalized from a fixed
// two-model cascade to a single streamed call.
func (o *Orchestrator) forwardLLMToTTS(ctx context.Context, task *turn.ReplyTask, chunks <-chan llm.Chunk, textCh chan<- string) {
	defer close(textCh)

	var buf strings.Builder
	for {
		select {
		case <-ctx.Done():
			drainLLMChunks(chunks)
			return
		case <-task.Cancelled():
			drainLLMChunks(chunks)
			return
		case chunk, ok := <-chunks:
			if !ok {
				o.flushRemaining(ctx, task, &buf, textCh)
				return
			}
			buf.WriteString(chunk.Text)

			for {
				idx := sentencebound.Find(buf.String())
				if idx < 0 {
					break
				}
				sentence := buf.String()[:idx+1]
				rest := strings.TrimLeft(buf.String()[idx+1:], " \t\n\r")
				buf.Reset()
				buf.WriteString(rest)
				if !o.sendText(ctx, task, textCh, sentence) {
					return
				}
			}

			if chunk.FinishReason != "" {
				o.flushRemaining(ctx, task, &buf, textCh)
				return
			}
		}
	}
}

func (o *Orchestrator) flushRemaining(ctx context.Context, task *turn.ReplyTask, buf *strings.Builder, textCh chan<- string) {
	if buf.Len() == 0 {
		return
	}
	o.sendText(ctx, task, textCh, buf.String())
}

// sendText delivers one text fragment to the TTS input channel, honouring
// cancellation. Returns false if the send did not happen because the task
// was cancelled or the context ended.
func (o *Orchestrator) sendText(ctx context.Context, task *turn.ReplyTask, textCh chan<- string, text string) bool {
	select {
	case textCh <- text:
		return true
	case <-task.Cancelled():
		return false
	case <-ctx.Done():
		return false
	}
}

// forwardAudio streams TTS output to the mixer as one AudioSegment. The
// select against task.Cancelled() immediately before the send into segCh is
// the transport boundary: it is the last point at which a chunk of a
// cancelled ReplyTask can be dropped (spec.md §8 testable property 3).
func (o *Orchestrator) forwardAudio(task *turn.ReplyTask, audioCh <-chan []byte) error {
	segCh := make(chan []byte, 8)
	seg := &audio.AudioSegment{
		TaskID:     task.TaskID,
		Audio:      segCh,
		SampleRate: o.cfg.SampleRate,
		Channels:   o.cfg.Channels,
	}
	o.mixer.Enqueue(seg)
	defer close(segCh)

	for {
		select {
		case <-task.Cancelled():
			return o.truncate(seg, segCh, audioCh, turn.Cancelled)
		case chunk, ok := <-audioCh:
			if !ok {
				return nil
			}
			select {
			case <-task.Cancelled():
				return o.truncate(seg, segCh, audioCh, turn.Cancelled)
			case segCh <- chunk:
				task.MarkProduced()
			case <-time.After(o.cfg.TTSChunkReadTimeout):
				o.logger.Warn("orchestrator: tts chunk read timed out", "task", task.TaskID)
				return o.truncate(seg, segCh, audioCh, turn.Timeout)
			}
		}
	}
}

// truncate records the reason playback ended early, flushes a terminal
// silence marker, drains whatever the provider still has buffered so its
// goroutine does not leak, and returns the truncation reason as an error so
// the caller's errgroup can observe it.
func (o *Orchestrator) truncate(seg *audio.AudioSegment, segCh chan<- []byte, audioCh <-chan []byte, kind turn.ErrorKind) error {
	err := turn.NewError(kind, "orchestrator.forwardAudio", nil)
	seg.SetStreamErr(err)
	select {
	case segCh <- terminalSilenceMarker:
	default:
	}
	go drainAudioChunks(audioCh)
	return err
}

// finishTask clears the active-task slot (if this task still holds it) and
// publishes EventReplyTaskEnded (spec.md §4.6 step 5).
func (o *Orchestrator) finishTask(task *turn.ReplyTask) {
	o.mu.Lock()
	if o.active == task {
		o.active = nil
	}
	o.mu.Unlock()

	o.bus.Publish(bus.Event{Type: bus.EventReplyTaskEnded, Payload: ReplyTaskPayload{
		TaskID:             task.TaskID,
		TriggeringSentence: task.TriggeringSentence,
		Cancelled:          task.IsCancelled(),
		Produced:           task.HasProduced(),
	}})
}

// ActiveTaskID returns the task ID of the currently active reply, or "" if
// none is active. Intended for observability and tests.
func (o *Orchestrator) ActiveTaskID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		return ""
	}
	return o.active.TaskID
}

func drainLLMChunks(ch <-chan llm.Chunk) {
	for range ch {
	}
}

func drainAudioChunks(ch <-chan []byte) {
	for range ch {
	}
}
