// Package recognition implements the recognition session manager (C4): the
// sole owner of the connection to the external speech recognizer. It
// normalises vendor callbacks — delivered on arbitrary goroutines — into a
// single ordered event stream keyed by sequence number, and transparently
// reconnects on transient upstream failures.
package recognition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lumina/lumina/internal/resilience"
	"github.com/lumina/lumina/internal/turnengine/bus"
	"github.com/lumina/lumina/pkg/provider/stt"
	"github.com/lumina/lumina/pkg/turn"

	"golang.org/x/sync/singleflight"
)

// Config holds the tunables from spec.md §4.4.
type Config struct {
	// MaxReconnects is the number of reconnection attempts before giving up. Default 2.
	MaxReconnects int

	// InitialBackoff is the first retry delay; doubles each attempt. Default 200ms.
	InitialBackoff time.Duration

	// ReconnectBufferFrames bounds how many frames are queued while
	// reconnecting before overflow forces Failed. Default 100 (2s @ 20ms/frame).
	ReconnectBufferFrames int

	// FinalDrainTimeout bounds how long EndSession waits for a trailing final. Default 1000ms.
	FinalDrainTimeout time.Duration

	StreamConfig stt.StreamConfig
}

// DefaultConfig returns the spec.md §4.4 defaults.
func DefaultConfig() Config {
	return Config{
		MaxReconnects:         2,
		InitialBackoff:        200 * time.Millisecond,
		ReconnectBufferFrames: 100,
		FinalDrainTimeout:     1000 * time.Millisecond,
	}
}

// RecognizerErrorPayload is the EventRecognizerError bus payload.
type RecognizerErrorPayload struct {
	SessionID string
	Err       error
	Terminal  bool // true once reconnect attempts are exhausted
}

// Manager is the C4 recognition session manager. It owns at most one
// upstream session at a time, per spec.md §3's "singleton per dialogue" rule.
//
// All exported methods are safe for concurrent use.
type Manager struct {
	provider stt.Provider
	cfg      Config
	bus      *bus.Bus
	breaker  *resilience.CircuitBreaker
	logger   *slog.Logger
	sf       singleflight.Group

	mu           sync.Mutex
	sessionID    string
	handle       stt.SessionHandle
	sequence     uint64
	closed       bool
	reconnectBuf []turn.AudioFrame
	reconnecting bool
	cancelPump   context.CancelFunc
	draining     chan struct{}
}

// New creates a Manager over provider using the given configuration. bus may
// be nil for tests that only exercise the direct call/return contract.
func New(provider stt.Provider, cfg Config, b *bus.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		provider: provider,
		cfg:      cfg,
		bus:      b,
		logger:   logger,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:        "recognition",
			MaxFailures: cfg.MaxReconnects + 1,
			ResetTimeout: cfg.InitialBackoff * time.Duration(1<<uint(cfg.MaxReconnects+1)),
		}),
	}
}

// StartSession establishes a fresh upstream session, discarding any prior
// session. Satisfies statemachine.SessionDriver.
func (m *Manager) StartSession() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLocked()
}

func (m *Manager) startLocked() error {
	if m.handle != nil {
		_ = m.handle.Close()
	}
	ctx, cancel := context.WithCancel(context.Background())
	handle, err := m.provider.StartStream(ctx, m.cfg.StreamConfig)
	if err != nil {
		cancel()
		return fmt.Errorf("recognition: start session: %w", err)
	}

	m.handle = handle
	m.sessionID = turn.NewSessionID()
	m.sequence = 0
	m.closed = false
	m.reconnectBuf = nil
	m.reconnecting = false
	m.cancelPump = cancel

	go m.pump(ctx, handle, m.sessionID)
	return nil
}

// SendFrames forwards frames to the open session in order. While a
// reconnect is in progress, frames are buffered up to ReconnectBufferFrames;
// overflow is a terminal failure for the current session (spec.md §4.4).
func (m *Manager) SendFrames(frames []turn.AudioFrame) error {
	m.mu.Lock()

	if m.closed || m.handle == nil {
		m.mu.Unlock()
		return turn.ErrSessionClosed
	}

	if m.reconnecting {
		if len(m.reconnectBuf)+len(frames) > m.cfg.ReconnectBufferFrames {
			overflowErr := errors.New("reconnect buffer overflow")
			sessionID, handle := m.failLocked(overflowErr)
			m.mu.Unlock()
			m.finishFail(sessionID, handle, overflowErr)
			return turn.NewError(turn.Timeout, "recognition.SendFrames", overflowErr)
		}
		m.reconnectBuf = append(m.reconnectBuf, frames...)
		m.mu.Unlock()
		return nil
	}

	handle := m.handle
	m.mu.Unlock()

	for _, f := range frames {
		if err := handle.SendAudio(f.Samples); err != nil {
			return fmt.Errorf("recognition: send audio: %w", err)
		}
	}
	return nil
}

// EndSession requests a graceful drain: waits up to FinalDrainTimeout for a
// trailing final transcript before closing.
func (m *Manager) EndSession() error {
	m.mu.Lock()
	if m.handle == nil {
		m.mu.Unlock()
		return nil
	}
	drainCh := make(chan struct{})
	m.draining = drainCh
	m.mu.Unlock()

	select {
	case <-drainCh:
	case <-time.After(m.cfg.FinalDrainTimeout):
	}

	m.mu.Lock()
	if m.draining == drainCh {
		m.draining = nil
	}
	m.mu.Unlock()

	return m.Abort()
}

// Abort discards the current session immediately, without waiting for a drain.
func (m *Manager) Abort() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.abortLocked()
}

func (m *Manager) abortLocked() error {
	if m.handle == nil {
		return nil
	}
	if m.cancelPump != nil {
		m.cancelPump()
	}
	err := m.handle.Close()
	m.handle = nil
	m.closed = true
	if m.bus != nil {
		m.bus.Publish(bus.Event{Type: bus.EventRecognizerClosed, Payload: m.sessionID})
	}
	if err != nil {
		return fmt.Errorf("recognition: close session: %w", err)
	}
	return nil
}

// pump drains the vendor session's Partials/Finals/Errors channels onto the
// bus, normalising into strictly-increasing sequence numbers and dropping
// any callback that arrives out of order. Runs on its own goroutine because
// vendor SDKs deliver results on threads the manager does not control
// (spec.md §4.4, mirroring the teacher's callback-to-bus adapter shims).
func (m *Manager) pump(ctx context.Context, handle stt.SessionHandle, sessionID string) {
	partials := handle.Partials()
	finals := handle.Finals()
	errs := handle.Errors()

	for {
		select {
		case <-ctx.Done():
			return

		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			m.emit(sessionID, bus.EventPartialEmitted, t)

		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			m.emit(sessionID, bus.EventSentenceFinalized, t)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			m.onUpstreamError(ctx, sessionID, err)
		}

		if partials == nil && finals == nil && errs == nil {
			return
		}
	}
}

func (m *Manager) emit(sessionID string, evType bus.EventType, t stt.Transcript) {
	m.mu.Lock()
	if m.handle == nil || m.sessionID != sessionID {
		m.mu.Unlock()
		return // superseded by a reconnect or teardown
	}
	if t.Sequence != 0 && t.Sequence <= m.sequence {
		m.mu.Unlock()
		m.logger.Debug("recognition: dropping out-of-order transcript", "sequence", t.Sequence, "current", m.sequence)
		return
	}
	if t.Sequence != 0 {
		m.sequence = t.Sequence
	} else {
		m.sequence++
	}
	seq := m.sequence
	m.mu.Unlock()

	if evType == bus.EventSentenceFinalized {
		m.mu.Lock()
		if m.draining != nil {
			close(m.draining)
			m.draining = nil
		}
		m.mu.Unlock()
	}

	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{
		Type: evType,
		Payload: turn.Transcript{
			Text:     t.Text,
			IsFinal:  t.IsFinal,
			Sequence: seq,
		},
	})
}

// onUpstreamError attempts reconnection with exponential backoff, collapsing
// concurrent reconnect triggers (e.g. a burst of errors from one dead
// connection) via singleflight so only one reconnect sequence runs at a time.
func (m *Manager) onUpstreamError(ctx context.Context, sessionID string, cause error) {
	m.mu.Lock()
	if m.handle == nil || m.sessionID != sessionID || m.reconnecting {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	m.mu.Unlock()

	_, _, _ = m.sf.Do(sessionID, func() (any, error) {
		err := m.breaker.Execute(func() error {
			return m.reconnectLoop(ctx, sessionID, cause)
		})
		return nil, err
	})
}

func (m *Manager) reconnectLoop(ctx context.Context, sessionID string, cause error) error {
	backoff := m.cfg.InitialBackoff
	var lastErr error = cause

	for attempt := 1; attempt <= m.cfg.MaxReconnects; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		m.logger.Info("recognition: attempting reconnect", "attempt", attempt, "max", m.cfg.MaxReconnects, "cause", lastErr)

		newHandle, err := m.provider.StartStream(context.Background(), m.cfg.StreamConfig)
		if err != nil {
			lastErr = err
			backoff *= 2
			continue
		}

		m.mu.Lock()
		m.handle = newHandle
		m.sessionID = turn.NewSessionID() // new session, new sequence (spec.md §9)
		m.sequence = 0
		buffered := m.reconnectBuf
		m.reconnectBuf = nil
		m.reconnecting = false
		newSessionID := m.sessionID
		m.mu.Unlock()

		for _, f := range buffered {
			if err := newHandle.SendAudio(f.Samples); err != nil {
				m.logger.Warn("recognition: flush buffered frame after reconnect failed", "err", err)
			}
		}

		go m.pump(ctx, newHandle, newSessionID)
		return nil
	}

	m.logger.Error("recognition: reconnect exhausted, session terminally failed", "attempts", m.cfg.MaxReconnects)
	m.fail(lastErr)
	return lastErr
}

// failLocked marks the current session as terminally failed. Callers must
// already hold m.mu; it only mutates state and hands back what the caller
// needs to finish the teardown (closing the handle, publishing the event)
// after releasing the lock, since both can block and must not be done with
// m.mu held.
func (m *Manager) failLocked(err error) (sessionID string, handle stt.SessionHandle) {
	sessionID = m.sessionID
	handle = m.handle
	m.reconnecting = false
	m.closed = true
	m.handle = nil
	return sessionID, handle
}

// fail is failLocked for callers that do not already hold m.mu.
func (m *Manager) fail(err error) {
	m.mu.Lock()
	sessionID, handle := m.failLocked(err)
	m.mu.Unlock()
	m.finishFail(sessionID, handle, err)
}

// finishFail closes the vendor handle and publishes the terminal
// RecognizerError event. Must be called without m.mu held.
func (m *Manager) finishFail(sessionID string, handle stt.SessionHandle, err error) {
	if handle != nil {
		_ = handle.Close()
	}
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Type: bus.EventRecognizerError,
			Payload: RecognizerErrorPayload{
				SessionID: sessionID,
				Err:       err,
				Terminal:  true,
			},
		})
	}
}
