// Package statemachine implements the turn state machine (C2): the sole
// authority on conversational phase. It consumes frame classifications,
// control events, and recognizer-result signals, and emits PhaseChanged
// events on the bus.
//
// No other component may mutate phase. Components that need to react to
// phase changes subscribe to the bus; components that need to drive audio
// into the recognizer or read the pre-roll buffer are injected here as
// narrow interfaces so the state machine stays the single writer while
// remaining unit-testable without a live recognizer.
package statemachine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/lumina/lumina/internal/turnengine/bus"
	"github.com/lumina/lumina/pkg/turn"
)

// Config holds the tunables from spec.md §4.2, all overridable.
type Config struct {
	// PreRollFrames is the pre-roll ring's capacity. Default 10 (200ms @ 20ms/frame).
	PreRollFrames int

	// MaxSilenceFrames is the contiguous silence needed to end Speaking. Default 25 (500ms).
	MaxSilenceFrames int

	// FrameDuration is the nominal duration of one audio frame. Default 20ms.
	FrameDuration time.Duration

	// TransitionBufferTimeout bounds how long TransitionBuffer waits for a
	// non-empty partial before giving up. Default 500ms.
	TransitionBufferTimeout time.Duration

	// MinVoiceFramesToSpeak is the number of voice frames required, in
	// addition to a non-empty partial, before leaving TransitionBuffer for
	// Speaking. Default 3.
	MinVoiceFramesToSpeak int
}

// DefaultConfig returns the spec.md §4.2 defaults.
func DefaultConfig() Config {
	return Config{
		PreRollFrames:           10,
		MaxSilenceFrames:        25,
		FrameDuration:           20 * time.Millisecond,
		TransitionBufferTimeout: 500 * time.Millisecond,
		MinVoiceFramesToSpeak:   3,
	}
}

// PreRoll is the subset of preroll.Ring the state machine depends on.
type PreRoll interface {
	Push(frame turn.AudioFrame)
	Snapshot() []turn.AudioFrame
	Reset()
}

// SessionDriver abstracts the recognition session manager (C4) lifecycle
// operations the state machine triggers as a side effect of phase
// transitions. Sending audio frames themselves also flows through here so
// that C2 remains the single place deciding what reaches the recognizer.
type SessionDriver interface {
	// StartSession establishes a fresh upstream recognition session,
	// discarding any prior session state. Used on Initial->TransitionBuffer
	// and on barge-in (Listening->TransitionBuffer), per spec.md scenario C's
	// "new session started on the voice frames".
	StartSession() error

	// SendFrames forwards frames to the currently open session, in order.
	SendFrames(frames []turn.AudioFrame) error

	// EndSession requests a graceful drain and close of the current session.
	// Safe to call when no session is open.
	EndSession() error

	// Abort discards the current session immediately, without waiting for a
	// drain. Used when a probationary TransitionBuffer session turns out to
	// have been spurious, or before starting a fresh session over a stale one.
	Abort() error
}

// PhaseChangedPayload is the EventPhaseChanged bus payload.
type PhaseChangedPayload struct {
	From turn.Phase
	To   turn.Phase
	At   time.Time
}

// StateMachine is the sole authoritative owner of conversational phase.
//
// All exported methods are safe for concurrent use; the internal mutex
// serializes every transition so that "the state machine runs to completion
// between events" (spec.md §5) holds even when frame classification and
// control events race in from independent goroutines.
type StateMachine struct {
	cfg     Config
	bus     *bus.Bus
	preroll PreRoll
	session SessionDriver
	logger  *slog.Logger

	mu                      sync.Mutex
	phase                   turn.Phase
	voiceFramesInTransition int
	timeoutGen              uint64
}

// New creates a StateMachine starting in Initial.
func New(cfg Config, b *bus.Bus, preroll PreRoll, session SessionDriver, logger *slog.Logger) *StateMachine {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateMachine{
		cfg:     cfg,
		bus:     b,
		preroll: preroll,
		session: session,
		logger:  logger,
		phase:   turn.Initial,
	}
}

// Phase returns the current phase. Callers outside the turn engine must
// check Phase().Exported() before surfacing this value (testable property 7).
func (m *StateMachine) Phase() turn.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// OnFrameClassified processes one classified audio frame.
func (m *StateMachine) OnFrameClassified(frame turn.AudioFrame, fc turn.FrameClassification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handleFrame(frame, fc)
}

// OnControl processes one control event.
func (m *StateMachine) OnControl(ev turn.ControlEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handleControl(ev)
}

// OnTick processes a control event and a classified frame that were observed
// in the same audio tick, applying the spec.md §4.2 tie-break rules:
//
//   - Voice frame + PlaybackStarted in the same tick: PlaybackStarted wins.
//   - PlaybackEnded + Voice frame in the same tick: the Voice frame wins.
//
// Either argument may be nil. Use this entry point instead of the two
// single-event methods whenever both were observed together; calling them
// separately does not apply the tie-break.
func (m *StateMachine) OnTick(ctrl *turn.ControlEvent, frame *turn.AudioFrame, fc *turn.FrameClassification) {
	m.mu.Lock()
	defer m.mu.Unlock()

	isVoice := fc != nil && fc.IsVoice

	if ctrl != nil && isVoice {
		switch ctrl.Kind {
		case turn.PlaybackStarted:
			m.handleControl(*ctrl)
			return
		case turn.PlaybackEnded:
			m.handleFrame(*frame, *fc)
			return
		}
	}

	if ctrl != nil {
		m.handleControl(*ctrl)
	}
	if frame != nil && fc != nil {
		m.handleFrame(*frame, *fc)
	}
}

// OnRecognizerPartial reports a partial transcript event from C4. Only
// relevant while in TransitionBuffer: leaves TransitionBuffer for Speaking
// once both a non-empty partial has arrived and MinVoiceFramesToSpeak voice
// frames have been observed.
func (m *StateMachine) OnRecognizerPartial(nonEmpty bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != turn.TransitionBuffer || !nonEmpty {
		return
	}
	if m.voiceFramesInTransition >= m.cfg.MinVoiceFramesToSpeak {
		m.timeoutGen++ // invalidate the pending timeout callback
		m.transitionTo(turn.Speaking)
	}
}

// OnRecognizerTerminalFailure reports that C4 has exhausted its reconnect
// budget (spec.md §4.4) and given up on the current session. The state
// machine reacts by resetting to Initial; the recognizer itself is not
// retried further here.
func (m *StateMachine) OnRecognizerTerminalFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase == turn.Initial {
		return
	}
	m.logger.Warn("recognizer terminal failure, resetting to Initial", "phase", m.phase.String())
	m.transitionTo(turn.Initial)
	m.safeAbort()
}

func (m *StateMachine) handleFrame(frame turn.AudioFrame, fc turn.FrameClassification) {
	if fc.IsVoice && m.preroll != nil {
		m.preroll.Push(frame)
	}

	switch m.phase {
	case turn.Initial:
		if fc.IsVoice {
			m.enterTransitionBuffer(frame, true)
		}

	case turn.TransitionBuffer:
		if fc.IsVoice {
			m.voiceFramesInTransition++
		}
		m.safeSendFrames([]turn.AudioFrame{frame})

	case turn.Speaking:
		m.safeSendFrames([]turn.AudioFrame{frame})
		if !fc.IsVoice {
			maxSilenceMs := uint32(m.cfg.MaxSilenceFrames) * uint32(m.cfg.FrameDuration/time.Millisecond)
			if fc.ContiguousSilenceMs >= maxSilenceMs {
				m.transitionTo(turn.Waiting)
			}
		}

	case turn.Waiting:
		m.safeSendFrames([]turn.AudioFrame{frame})
		if fc.IsVoice {
			m.enterTransitionBuffer(frame, false)
		}

	case turn.Listening:
		if fc.IsVoice {
			m.bus.Publish(bus.Event{Type: bus.EventInterruptRequested})
			m.enterTransitionBuffer(frame, true)
		}
	}
}

// enterTransitionBuffer transitions into TransitionBuffer, forwarding the
// pre-roll snapshot plus frame to the recognizer. freshSession controls
// whether a brand new upstream session is started (true: Initial entry and
// barge-in, per scenario C's "new session started") or whether the existing
// session is reused (false: Waiting's "possible continuation").
func (m *StateMachine) enterTransitionBuffer(frame turn.AudioFrame, freshSession bool) {
	if freshSession {
		// Initial never holds an open session, so only barge-in has a stale
		// session to discard.
		if m.phase != turn.Initial {
			m.safeAbort()
		}
		if err := m.session.StartSession(); err != nil {
			m.logger.Error("failed to start recognition session", "err", err)
			return
		}
	}

	m.voiceFramesInTransition = 1
	frames := append(m.snapshotPreroll(), frame)
	m.safeSendFrames(frames)

	m.transitionTo(turn.TransitionBuffer)
	m.armTransitionTimeout()
}

func (m *StateMachine) handleControl(ev turn.ControlEvent) {
	switch ev.Kind {
	case turn.ResetToInitial:
		if m.phase == turn.Initial {
			return
		}
		m.transitionTo(turn.Initial)
		m.safeEndSession()

	case turn.ForceEndSession:
		if m.phase == turn.Initial {
			m.safeAbort()
			return
		}
		m.transitionTo(turn.Initial)
		m.safeAbort()

	case turn.PlaybackStarted:
		if m.phase == turn.Listening {
			return // idempotent, spec.md §4.8
		}
		if m.phase == turn.TransitionBuffer {
			// The tentative session never proved to be real speech.
			m.safeAbort()
		}
		m.transitionTo(turn.Listening)

	case turn.PlaybackEnded:
		if m.phase != turn.Listening {
			return // idempotent
		}
		m.transitionTo(turn.Initial)
		m.safeEndSession()

	case turn.InterruptRequested:
		if m.phase == turn.Listening {
			m.bus.Publish(bus.Event{Type: bus.EventInterruptRequested})
		}
	}
}

func (m *StateMachine) transitionTo(to turn.Phase) {
	from := m.phase
	if from == to {
		return
	}
	m.phase = to
	if to != turn.TransitionBuffer {
		m.voiceFramesInTransition = 0
	}

	m.logger.Debug("turn phase transition", "from", from.String(), "to", to.String())

	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Type: bus.EventPhaseChanged,
			Payload: PhaseChangedPayload{
				From: from,
				To:   to,
				At:   time.Now(),
			},
		})
	}
}

// armTransitionTimeout schedules the TransitionBuffer timeout. The
// generation counter lets a stale timer recognise that the phase has since
// moved on (e.g. to Speaking via OnRecognizerPartial) and become a no-op.
func (m *StateMachine) armTransitionTimeout() {
	m.timeoutGen++
	gen := m.timeoutGen
	time.AfterFunc(m.cfg.TransitionBufferTimeout, func() {
		m.onTransitionTimeout(gen)
	})
}

func (m *StateMachine) onTransitionTimeout(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.timeoutGen || m.phase != turn.TransitionBuffer {
		return
	}
	m.logger.Debug("transition buffer timed out with no partial, treating as spurious")
	m.transitionTo(turn.Initial)
	m.safeAbort()
}

func (m *StateMachine) snapshotPreroll() []turn.AudioFrame {
	if m.preroll == nil {
		return nil
	}
	return m.preroll.Snapshot()
}

func (m *StateMachine) safeSendFrames(frames []turn.AudioFrame) {
	if m.session == nil {
		return
	}
	if err := m.session.SendFrames(frames); err != nil {
		m.logger.Warn("send frames to recognizer failed", "err", err)
	}
}

func (m *StateMachine) safeEndSession() {
	if m.session == nil {
		return
	}
	if err := m.session.EndSession(); err != nil {
		m.logger.Warn("end recognition session failed", "err", err)
	}
}

func (m *StateMachine) safeAbort() {
	if m.session == nil {
		return
	}
	if err := m.session.Abort(); err != nil {
		m.logger.Warn("abort recognition session failed", "err", err)
	}
}
