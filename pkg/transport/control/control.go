// Package control implements the JSON control message wire codec for the
// control egress/ingress channel described by spec.md §6:
//
//	{"type":"reset"}
//	{"type":"playback_started"}
//	{"type":"playback_ended"}
//	{"type":"interrupt"}
//	{"type":"phase_changed","phase":"Speaking"}
//
// Types are case-sensitive. Encode/Decode translate between this wire shape
// and the turn.ControlEvent/turn.Phase values C8 and C2 already speak, so
// the WS handler in cmd/luminad never touches raw JSON itself.
package control

import (
	"encoding/json"
	"fmt"

	"github.com/lumina/lumina/pkg/turn"
)

// Type enumerates the wire-level control message discriminators. Case
// matters: these are the literal strings sent over the wire, not Go
// identifiers.
type Type string

const (
	TypeReset           Type = "reset"
	TypePlaybackStarted Type = "playback_started"
	TypePlaybackEnded   Type = "playback_ended"
	TypeInterrupt       Type = "interrupt"
	TypePhaseChanged    Type = "phase_changed"
)

// Message is one control-channel JSON envelope. Phase is only populated on
// outbound TypePhaseChanged messages; it is ignored on every other type.
type Message struct {
	Type  Type   `json:"type"`
	Phase string `json:"phase,omitempty"`
}

// Encode marshals msg to its wire JSON form.
func Encode(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Decode unmarshals wire JSON into a Message.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("control: decode message: %w", err)
	}
	return msg, nil
}

// ToControlEvent maps an inbound wire message onto the turn.ControlEvent
// values C8 accepts. TypePhaseChanged has no inbound meaning — it is
// server-to-client only — and returns an error if received.
func ToControlEvent(msg Message) (turn.ControlEvent, error) {
	switch msg.Type {
	case TypeReset:
		return turn.ControlEvent{Kind: turn.ResetToInitial}, nil
	case TypePlaybackStarted:
		return turn.ControlEvent{Kind: turn.PlaybackStarted}, nil
	case TypePlaybackEnded:
		return turn.ControlEvent{Kind: turn.PlaybackEnded}, nil
	case TypeInterrupt:
		return turn.ControlEvent{Kind: turn.InterruptRequested}, nil
	default:
		return turn.ControlEvent{}, fmt.Errorf("control: unrecognised inbound type %q", msg.Type)
	}
}

// PhaseChangedMessage builds the outbound {"type":"phase_changed",...}
// envelope for phase. Callers must only pass an exported phase (spec.md §8
// testable property 7) — the control channel's Status boundary already
// filters TransitionBuffer, so this is not re-checked here.
func PhaseChangedMessage(phase turn.Phase) Message {
	return Message{Type: TypePhaseChanged, Phase: phase.String()}
}
