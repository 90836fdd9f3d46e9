// Package bargein implements the barge-in coordinator (C7): it watches for
// the user reclaiming the floor while the agent is speaking and cuts the
// agent off.
//
// Grounded on the teacher's pkg/audio/mixer.PriorityMixer.BargeIn, which
// implemented the same "detect voice during playback -> cancel + drop
// buffered audio + notify" contract as a mixer-internal method triggered by
// the mixer's own VAD hook. C7 generalises it into a first-class component
// reacting to bus events, since Lumina's turn state machine is what detects
// the barge-in, not the mixer.
package bargein

import (
	"log/slog"

	"github.com/lumina/lumina/internal/turnengine/bus"
	"github.com/lumina/lumina/internal/turnengine/statemachine"
	"github.com/lumina/lumina/pkg/audio"
	"github.com/lumina/lumina/pkg/turn"
)

// Canceller fires the cancel token of whatever ReplyTask is currently
// Active. Satisfied by *orchestrator.Orchestrator.
type Canceller interface {
	CancelActive()
}

// Coordinator is the C7 barge-in coordinator. Safe for concurrent use.
type Coordinator struct {
	bus       *bus.Bus
	canceller Canceller
	mixer     audio.Mixer
	logger    *slog.Logger

	unsubscribe func()
}

// New creates a Coordinator. Call Start to begin observing the bus.
func New(b *bus.Bus, canceller Canceller, mixer audio.Mixer, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{bus: b, canceller: canceller, mixer: mixer, logger: logger}
}

// Start subscribes the coordinator to the bus. Safe to call once; calling
// again while already started replaces the subscription.
func (c *Coordinator) Start() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.unsubscribe = c.bus.Subscribe(c.onEvent)
}

// Stop unsubscribes from the bus. Idempotent.
func (c *Coordinator) Stop() {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
}

// onEvent reacts to the two triggers named in spec.md §4.7: the state
// machine leaving Listening for TransitionBuffer (voice detected during
// playback), or an explicit InterruptRequested — either published by C2 as
// EventInterruptRequested, or injected by the control channel (C8) as an
// EventControl carrying turn.InterruptRequested.
func (c *Coordinator) onEvent(ev bus.Event) {
	switch ev.Type {
	case bus.EventPhaseChanged:
		p, ok := ev.Payload.(statemachine.PhaseChangedPayload)
		if ok && p.From == turn.Listening && p.To == turn.TransitionBuffer {
			c.handleInterrupt()
		}
	case bus.EventInterruptRequested:
		c.handleInterrupt()
	case bus.EventControl:
		ce, ok := ev.Payload.(turn.ControlEvent)
		if ok && ce.Kind == turn.InterruptRequested {
			c.handleInterrupt()
		}
	}
}

// handleInterrupt implements spec.md §4.7 steps 1-3. Both CancelActive and
// mixer.Interrupt are idempotent, so redundant triggers for the same
// barge-in (C2 publishes both PhaseChanged and InterruptRequested for it)
// are harmless.
func (c *Coordinator) handleInterrupt() {
	c.canceller.CancelActive()
	c.mixer.Interrupt(audio.BargeIn)
	c.logger.Debug("bargein: interrupt acknowledged")
	c.bus.Publish(bus.Event{Type: bus.EventInterruptAcknowledged})
}
