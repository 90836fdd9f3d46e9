// Package engine wires the turn-taking engine's components (C1-C9) into a
// single running unit for one dialogue session.
//
// Grounded on internal/app.App: dependency injection of providers via a
// functional-option constructor, ordered synchronous startup, closers run in
// reverse on Shutdown, and a Run loop that blocks until its context is
// cancelled. app.App wires an entire multi-NPC Discord bot; Engine wires one
// session's worth of C1-C8 plus the shared bus (C9), since each Lumina
// dialogue owns exactly one instance of every component (spec.md §3).
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lumina/lumina/internal/turnengine/aggregator"
	"github.com/lumina/lumina/internal/turnengine/bargein"
	"github.com/lumina/lumina/internal/turnengine/bus"
	"github.com/lumina/lumina/internal/turnengine/classifier"
	"github.com/lumina/lumina/internal/turnengine/control"
	"github.com/lumina/lumina/internal/turnengine/orchestrator"
	"github.com/lumina/lumina/internal/turnengine/preroll"
	"github.com/lumina/lumina/internal/turnengine/recognition"
	"github.com/lumina/lumina/internal/turnengine/statemachine"
	"github.com/lumina/lumina/pkg/audio"
	"github.com/lumina/lumina/pkg/memory"
	"github.com/lumina/lumina/pkg/provider/llm"
	"github.com/lumina/lumina/pkg/provider/stt"
	"github.com/lumina/lumina/pkg/provider/tts"
	"github.com/lumina/lumina/pkg/provider/vad"
	"github.com/lumina/lumina/pkg/turn"
)

// Providers holds one interface value per external dependency, mirroring
// app.Providers. All fields except TranscriptSink are required; Engine has no
// fallback path for a nil provider since a dialogue session cannot run without recognition,
// completion, and synthesis.
type Providers struct {
	VAD   vad.Engine
	STT   stt.Provider
	LLM   llm.Provider
	TTS   tts.Provider
	Mixer audio.Mixer

	// TranscriptSink, when non-nil, receives one memory.TranscriptEntry per
	// finalized caller utterance and per spoken reply, for debugging and
	// observability. Optional — a nil sink disables transcript logging
	// entirely.
	TranscriptSink memory.TranscriptStore
}

// Config aggregates every component's tunables plus the frame duration used
// to size the classifier and VAD session.
type Config struct {
	// SessionID tags every transcript entry written via
	// Providers.TranscriptSink. Ignored when TranscriptSink is nil.
	SessionID string

	FrameMs           uint32
	VAD               vad.Config
	StateMachine      statemachine.Config
	Recognition       recognition.Config
	Orchestrator      orchestrator.Config
	AggregatorOptions []aggregator.Option
}

// DefaultConfig returns every subcomponent's documented defaults, wired
// together at the canonical 20ms frame duration.
func DefaultConfig() Config {
	return Config{
		FrameMs: 20,
		VAD: vad.Config{
			SampleRate:       16000,
			FrameSizeMs:      20,
			SpeechThreshold:  0.5,
			SilenceThreshold: 0.35,
		},
		StateMachine: statemachine.DefaultConfig(),
		Recognition:  recognition.DefaultConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
	}
}

// Engine owns one dialogue session's C1-C9 components. Safe for concurrent
// use: IngestFrame and Submit may be called from independent goroutines,
// matching the teacher's per-participant audio-loop goroutine plus a shared
// control-command entry point.
type Engine struct {
	cfg Config

	bus          *bus.Bus
	vadSession   vad.SessionHandle
	classifier   *classifier.Classifier
	preroll      *preroll.Ring
	stateMachine *statemachine.StateMachine
	recognizer   *recognition.Manager
	aggregator   *aggregator.Aggregator
	orchestrator *orchestrator.Orchestrator
	bargein      *bargein.Coordinator
	control      *control.Channel

	transcriptSink memory.TranscriptStore

	logger *slog.Logger

	mu      sync.Mutex
	closers []func() error
}

// New wires one dialogue session. buildPrompt turns a finalized utterance
// into an LLM request; see orchestrator.PromptBuilder.
func New(cfg Config, providers Providers, buildPrompt orchestrator.PromptBuilder, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if providers.VAD == nil || providers.STT == nil || providers.LLM == nil || providers.TTS == nil || providers.Mixer == nil {
		return nil, fmt.Errorf("engine: all providers (VAD, STT, LLM, TTS, Mixer) are required")
	}

	e := &Engine{cfg: cfg, logger: logger, transcriptSink: providers.TranscriptSink}
	e.bus = bus.New()

	vadSession, err := providers.VAD.NewSession(cfg.VAD)
	if err != nil {
		return nil, fmt.Errorf("engine: create vad session: %w", err)
	}
	e.vadSession = vadSession
	e.closers = append(e.closers, vadSession.Close)

	e.classifier = classifier.New(vadSession, cfg.FrameMs, e.bus)
	e.preroll = preroll.New(cfg.StateMachine.PreRollFrames)
	e.recognizer = recognition.New(providers.STT, cfg.Recognition, e.bus, logger)
	e.stateMachine = statemachine.New(cfg.StateMachine, e.bus, e.preroll, e.recognizer, logger)
	e.aggregator = aggregator.New(cfg.AggregatorOptions...)
	e.orchestrator = orchestrator.New(cfg.Orchestrator, e.aggregator, providers.LLM, providers.TTS, providers.Mixer, e.bus, buildPrompt, logger)
	e.bargein = bargein.New(e.bus, e.orchestrator, providers.Mixer, logger)
	e.control = control.New(e.bus, e.stateMachine, logger)

	e.closers = append(e.closers, func() error { e.control.Close(); return nil })
	e.closers = append(e.closers, func() error { e.bargein.Stop(); return nil })

	unsubRecognizer := e.bus.Subscribe(e.onRecognizerEvent)
	e.closers = append(e.closers, func() error { unsubRecognizer(); return nil })

	if e.transcriptSink != nil {
		unsubTranscript := e.bus.Subscribe(e.onTranscriptEvent)
		e.closers = append(e.closers, func() error { unsubTranscript(); return nil })
	}

	e.bargein.Start()

	return e, nil
}

// onRecognizerEvent bridges C4's bus output to the state machine (C2) and
// the sentence aggregator (C5). C4 has no direct reference to either — it
// only knows about the bus — so this is the one place that closes the loop,
// matching the teacher's callback-to-subsystem adapter shims in
// app.processParticipant/handleSTTFinals.
func (e *Engine) onRecognizerEvent(ev bus.Event) {
	switch ev.Type {
	case bus.EventPartialEmitted:
		t, ok := ev.Payload.(turn.Transcript)
		if ok {
			e.stateMachine.OnRecognizerPartial(t.Text != "")
		}
	case bus.EventSentenceFinalized:
		t, ok := ev.Payload.(turn.Transcript)
		if ok {
			e.aggregator.Push(t.Text)
		}
	case bus.EventRecognizerError:
		p, ok := ev.Payload.(recognition.RecognizerErrorPayload)
		if ok && p.Terminal {
			e.stateMachine.OnRecognizerTerminalFailure()
		}
	}
}

// onTranscriptEvent logs finalized caller speech and completed replies to
// Providers.TranscriptSink for debugging and observability. Only subscribed
// when a sink was configured. Runs on its own bus dispatch goroutine, so a
// slow sink (e.g., a Postgres round trip) never delays C1-C8.
func (e *Engine) onTranscriptEvent(ev bus.Event) {
	switch ev.Type {
	case bus.EventSentenceFinalized:
		t, ok := ev.Payload.(turn.Transcript)
		if !ok || t.Text == "" {
			return
		}
		e.writeTranscript(memory.SpeakerCaller, t.Text, 0)
	case bus.EventReplyTaskEnded:
		p, ok := ev.Payload.(orchestrator.ReplyTaskPayload)
		if !ok || !p.Produced {
			return
		}
		e.writeTranscript(memory.SpeakerReply, p.TriggeringSentence, 0)
	}
}

func (e *Engine) writeTranscript(speaker memory.Speaker, text string, duration time.Duration) {
	entry := memory.TranscriptEntry{
		SessionID: e.cfg.SessionID,
		Speaker:   speaker,
		Text:      text,
		Timestamp: time.Now(),
		Duration:  duration,
	}
	if err := e.transcriptSink.WriteEntry(context.Background(), entry); err != nil {
		e.logger.Warn("engine: write transcript entry", "speaker", speaker, "err", err)
	}
}

// Subscribe registers handler on the session's event bus (C9) and returns an
// unsubscribe function. Exposed so the transport layer can observe
// bus.EventPhaseChanged and emit the outbound {"type":"phase_changed"} wire
// message (spec.md §6) without reaching into engine internals.
func (e *Engine) Subscribe(handler func(bus.Event)) func() {
	return e.bus.Subscribe(handler)
}

// IngestFrame feeds one captured audio frame through the classifier and into
// the state machine. Called from the transport layer's per-session capture
// loop; not safe to call concurrently with itself (matches
// classifier.Classifier's single-writer contract).
func (e *Engine) IngestFrame(frame turn.AudioFrame) error {
	fc, err := e.classifier.Classify(frame)
	if err != nil {
		return fmt.Errorf("engine: classify frame: %w", err)
	}
	e.stateMachine.OnFrameClassified(frame, fc)
	return nil
}

// Submit forwards one control event (spec.md §4.8) into the session.
func (e *Engine) Submit(ev turn.ControlEvent) {
	e.control.Submit(ev)
}

// IngestTick feeds a control event and a captured audio frame that the
// transport observed together in the same capture tick, applying spec.md
// §4.2's same-tick tie-break (statemachine.StateMachine.OnTick) instead of
// resolving the pair through two independent IngestFrame/Submit calls whose
// relative order would otherwise depend on whichever goroutine happened to
// acquire the state machine's mutex first. Either argument may be nil; a nil
// ctrl with a non-nil frame behaves like IngestFrame, and vice versa.
//
// A transport that can tell a control message and an audio frame arrived in
// the same tick uses this instead of IngestFrame/Submit. cmd/luminad's
// captureLoop does not pair them: it calls IngestFrame and Submit separately
// for each message it reads.
func (e *Engine) IngestTick(ctrl *turn.ControlEvent, frame *turn.AudioFrame) error {
	var fc *turn.FrameClassification
	if frame != nil {
		classified, err := e.classifier.Classify(*frame)
		if err != nil {
			return fmt.Errorf("engine: classify frame: %w", err)
		}
		fc = &classified
	}

	e.stateMachine.OnTick(ctrl, frame, fc)

	if ctrl != nil {
		e.control.Publish(*ctrl)
	}
	return nil
}

// Status reports the externally-visible dialogue phase (never
// turn.TransitionBuffer, per testable property 7).
func (e *Engine) Status() turn.Phase {
	return e.control.Status()
}

// Run starts the dialogue orchestrator's driver loop and blocks until ctx is
// cancelled, then tears down every subsystem in reverse wiring order.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.orchestrator.Run(gctx)
	})

	err := g.Wait()
	e.shutdown()
	return err
}

func (e *Engine) shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			e.logger.Warn("engine: closer error", "index", i, "err", err)
		}
	}
	e.closers = nil
}
