package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/lumina/lumina/internal/turnengine/bus"
	"github.com/lumina/lumina/internal/turnengine/engine"
	"github.com/lumina/lumina/internal/turnengine/statemachine"
	"github.com/lumina/lumina/pkg/audio/mixer"
	"github.com/lumina/lumina/pkg/memory"
	"github.com/lumina/lumina/pkg/provider/llm"
	"github.com/lumina/lumina/pkg/transport/control"
	"github.com/lumina/lumina/pkg/transport/playback"
	"github.com/lumina/lumina/pkg/turn"
)

// playbackRegistry correlates a dialogue session's WS connection (audio
// capture ingress + control) with its separately dialled length-prefixed
// playback egress connection (spec.md §6 treats them as distinct transports:
// "the transport is unidirectional (server -> client)" for playback, versus
// the duplex capture stream). A session's audio handler waits on WaitFor
// until the client's playback connection Attaches under the same session ID.
type playbackRegistry struct {
	mu      sync.Mutex
	pending map[string]chan io.WriteCloser
}

func newPlaybackRegistry() *playbackRegistry {
	return &playbackRegistry{pending: make(map[string]chan io.WriteCloser)}
}

func (r *playbackRegistry) chanFor(sessionID string) chan io.WriteCloser {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.pending[sessionID]
	if !ok {
		ch = make(chan io.WriteCloser, 1)
		r.pending[sessionID] = ch
	}
	return ch
}

// waitFor blocks until the playback connection for sessionID attaches, ctx
// is cancelled, or timeout elapses.
func (r *playbackRegistry) waitFor(ctx context.Context, sessionID string, timeout time.Duration) (io.WriteCloser, error) {
	ch := r.chanFor(sessionID)
	select {
	case w := <-ch:
		return w, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("session: no playback connection for %q within %s", sessionID, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// attach delivers w to a waiting (or future) waitFor call for sessionID.
func (r *playbackRegistry) attach(sessionID string, w io.WriteCloser) {
	ch := r.chanFor(sessionID)
	select {
	case ch <- w:
	default:
		// Someone already attached a playback connection for this session;
		// the newcomer is redundant.
		_ = w.Close()
	}
}

func (r *playbackRegistry) forget(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, sessionID)
}

// inboundMessage is the union of the two JSON shapes the audio-capture WS
// connection may carry as text frames: an out-of-band capture signal
// ({"action":"stop"} / {"silence_ms":N}) or a control message
// ({"type":"reset"}, etc). Exactly one of Type or (Action, SilenceMs) is set
// on any given message.
type inboundMessage struct {
	Type      string `json:"type,omitempty"`
	Action    string `json:"action,omitempty"`
	SilenceMs *int   `json:"silence_ms,omitempty"`
}

// server bundles everything a dialogue session needs that outlives any one
// connection: the shared providers, the tuned engine config, and the
// playback rendezvous point.
type server struct {
	providers      *sessionProviders
	engineCfg      engine.Config
	transcriptSink memory.TranscriptStore
	playback       *playbackRegistry
	playbackCodec  string // "" / "pcm" or "opus", see config.ServerConfig.PlaybackCodec
	logger         *slog.Logger
}

// handleSession upgrades r to a WebSocket and runs one dialogue session for
// its lifetime: engine wiring, capture ingress, control ingress/egress, and
// bridging the mixer's audio output to the client's playback connection.
func (s *server) handleSession(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("session: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	sessionID := turn.NewSessionID()
	s.logger.Info("session: opened", "session_id", sessionID)
	defer s.logger.Info("session: closed", "session_id", sessionID)
	defer s.playback.forget(sessionID)

	pw, err := s.buildPlaybackWriter(ctx, sessionID)
	if err != nil {
		s.logger.Warn("session: playback connection", "session_id", sessionID, "err", err)
		conn.Close(websocket.StatusInternalError, "no playback connection")
		return
	}
	defer pw.Close()

	m := mixer.New(func(chunk []byte) {
		if err := pw.WriteChunk(chunk); err != nil {
			s.logger.Warn("session: write playback chunk", "session_id", sessionID, "err", err)
		}
	})

	cfg := s.engineCfg
	cfg.SessionID = sessionID

	eng, err := engine.New(cfg, engine.Providers{
		VAD:            s.providers.vad,
		STT:            s.providers.stt,
		LLM:            s.providers.llm,
		TTS:            s.providers.tts,
		Mixer:          m,
		TranscriptSink: s.transcriptSink,
	}, buildPrompt, s.logger)
	if err != nil {
		s.logger.Error("session: create engine", "session_id", sessionID, "err", err)
		conn.Close(websocket.StatusInternalError, "engine init failed")
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := eng.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("session: engine run", "session_id", sessionID, "err", err)
		}
	}()

	unsubPhase := eng.Subscribe(func(ev bus.Event) {
		if ev.Type != bus.EventPhaseChanged {
			return
		}
		p, ok := ev.Payload.(statemachine.PhaseChangedPayload)
		if !ok || !p.To.Exported() {
			return
		}
		msg, err := control.Encode(control.PhaseChangedMessage(p.To))
		if err != nil {
			return
		}
		if err := conn.Write(runCtx, websocket.MessageText, msg); err != nil {
			s.logger.Debug("session: write phase_changed", "session_id", sessionID, "err", err)
		}
	})
	defer unsubPhase()

	s.captureLoop(runCtx, conn, eng, sessionID)
	cancel()
	wg.Wait()
	_ = pw.End()
}

func (s *server) buildPlaybackWriter(ctx context.Context, sessionID string) (*playback.Writer, error) {
	w, err := s.playback.waitFor(ctx, sessionID, 10*time.Second)
	if err != nil {
		return nil, err
	}
	if s.playbackCodec == "opus" {
		return playback.NewOpusWriter(w)
	}
	return playback.NewWriter(w), nil
}

// captureLoop reads the duplex audio-capture-ingress stream until the
// client disconnects or sends {"action":"stop"}: binary WS messages are raw
// PCM frames fed to the engine, text WS messages are either an out-of-band
// capture signal or a control message (spec.md §6).
func (s *server) captureLoop(ctx context.Context, conn *websocket.Conn, eng *engine.Engine, sessionID string) {
	var pendingSilenceMs int
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Debug("session: capture read ended", "session_id", sessionID, "err", err)
			}
			return
		}

		switch msgType {
		case websocket.MessageBinary:
			if len(data) != turn.SamplesPerFrame*2 {
				s.logger.Warn("session: dropped malformed frame", "session_id", sessionID, "bytes", len(data))
				continue
			}
			frame := turn.AudioFrame{Samples: data}
			if pendingSilenceMs > 0 {
				frame.Classification = turn.Silence
				pendingSilenceMs -= int(turn.FrameDuration.Milliseconds())
			}
			if err := eng.IngestFrame(frame); err != nil {
				s.logger.Warn("session: ingest frame", "session_id", sessionID, "err", err)
			}

		case websocket.MessageText:
			var in inboundMessage
			if err := json.Unmarshal(data, &in); err != nil {
				s.logger.Warn("session: malformed json", "session_id", sessionID, "err", err)
				continue
			}
			switch {
			case in.Type != "":
				ctrl, err := control.ToControlEvent(control.Message{Type: control.Type(in.Type)})
				if err != nil {
					s.logger.Warn("session: bad control message", "session_id", sessionID, "err", err)
					continue
				}
				eng.Submit(ctrl)
			case in.Action == "stop":
				return
			case in.SilenceMs != nil:
				pendingSilenceMs = *in.SilenceMs
			}
		}
	}
}

// buildPrompt turns a finalized utterance into a single-turn completion
// request. A production deployment would thread conversation history in
// here (see pkg/memory.TranscriptStore.GetRecent); Lumina's core contract
// only requires that one utterance maps to one LLM request (spec.md §6).
func buildPrompt(utterance string) llm.CompletionRequest {
	return llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: utterance}},
	}
}
