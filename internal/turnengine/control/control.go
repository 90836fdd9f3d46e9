// Package control implements the control channel (C8): the entry point for
// operator/UI-issued out-of-band commands (reset, force-close, playback
// notifications, interrupt requests).
//
// Grounded on internal/discord/voicecmd/filter.go's dispatch shape — a
// single entry point that maps an inbound signal onto the orchestrator and
// logs the outcome — generalised from regex-matched DM chat commands to the
// fixed turn.ControlKind variant set of spec.md §3/§6. The state machine
// (C2) already implements each kind's idempotency rule internally
// (handleControl), so Submit's job is to forward the event and fan it out
// on the bus for observers (C6, C7).
package control

import (
	"log/slog"
	"sync"

	"github.com/lumina/lumina/internal/turnengine/bus"
	"github.com/lumina/lumina/internal/turnengine/statemachine"
	"github.com/lumina/lumina/pkg/turn"
)

// StateMachine is the subset of statemachine.StateMachine the control
// channel drives. Satisfied by *statemachine.StateMachine.
type StateMachine interface {
	OnControl(ev turn.ControlEvent)
}

// Channel is the C8 control channel. Safe for concurrent use.
type Channel struct {
	bus    *bus.Bus
	sm     StateMachine
	logger *slog.Logger

	mu           sync.Mutex
	lastExported turn.Phase

	unsubscribe func()
}

// New creates a Channel and begins tracking phase changes so Status can
// answer without touching the state machine directly.
func New(b *bus.Bus, sm StateMachine, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Channel{bus: b, sm: sm, logger: logger, lastExported: turn.Initial}
	c.unsubscribe = b.Subscribe(c.onBusEvent)
	return c
}

// onBusEvent updates lastExported whenever the state machine settles into
// an externally-visible phase. TransitionBuffer transitions are skipped, so
// Status keeps reporting whatever phase was current before the probation
// began (spec.md §8 testable property 7).
func (c *Channel) onBusEvent(ev bus.Event) {
	if ev.Type != bus.EventPhaseChanged {
		return
	}
	p, ok := ev.Payload.(statemachine.PhaseChangedPayload)
	if !ok || !p.To.Exported() {
		return
	}
	c.mu.Lock()
	c.lastExported = p.To
	c.mu.Unlock()
}

// Submit accepts one control event (spec.md §4.8: ResetToInitial,
// ForceEndSession, PlaybackStarted, PlaybackEnded, InterruptRequested).
// Idempotency for repeated events is enforced by the state machine itself;
// Submit only adds logging and bus fan-out for observability.
func (c *Channel) Submit(ev turn.ControlEvent) {
	c.sm.OnControl(ev)
	c.Publish(ev)
}

// Publish logs and fans ev out on the bus without routing it through the
// state machine's OnControl. Used by the engine's same-tick entry point
// (Engine.IngestTick), which already handed ev to the state machine as part
// of a combined statemachine.StateMachine.OnTick call and only needs the
// logging/bus side effects Submit otherwise bundles with OnControl.
func (c *Channel) Publish(ev turn.ControlEvent) {
	c.logger.Debug("control: event received", "kind", ev.Kind)
	c.bus.Publish(bus.Event{Type: bus.EventControl, Payload: ev})
}

// Status reports the externally-visible dialogue phase. Never returns
// turn.TransitionBuffer.
func (c *Channel) Status() turn.Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastExported
}

// Close stops tracking phase changes. Idempotent.
func (c *Channel) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
}
