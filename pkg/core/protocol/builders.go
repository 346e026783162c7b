package protocol

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// NewID returns a fresh globally unique identifier for packets and correlations.
func NewID() string { return uuid.NewString() }

// PlayerActor is the routing source of every client-originated packet.
var PlayerActor = Actor{Type: ActorPlayer, Name: "player"}

// AgentTargets builds routing targets for the given agent names.
func AgentTargets(names ...string) []Actor {
	out := make([]Actor, 0, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		out = append(out, Actor{Type: ActorAgent, Name: n})
	}
	return out
}

func newClientPacket(now time.Time, correlationID string, targets []Actor, payload Payload) *Packet {
	if correlationID == "" {
		correlationID = NewID()
	}
	routing := Routing{Source: PlayerActor, Targets: append([]Actor(nil), targets...)}
	switch len(targets) {
	case 0:
		routing.Target = Actor{Type: ActorWorld}
	default:
		routing.Target = targets[0]
	}
	return &Packet{
		Timestamp: now.UTC(),
		Type:      payload.PacketType(),
		ID: PacketID{
			PacketID:      NewID(),
			CorrelationID: correlationID,
		},
		Routing: routing,
		Payload: payload,
	}
}

// NewTextPacket builds a typed-in text packet from the player.
func NewTextPacket(now time.Time, text string, targets []Actor) *Packet {
	return newClientPacket(now, "", targets, &TextEvent{Text: text, SourceType: "TYPED_IN", Final: true})
}

// NewCustomTrigger builds a custom trigger packet from the player.
func NewCustomTrigger(now time.Time, name string, params map[string]string, targets []Actor) *Packet {
	ev := &CustomEvent{Name: name}
	for k, v := range params {
		ev.Parameters = append(ev.Parameters, Parameter{Name: k, Value: v})
	}
	sort.Slice(ev.Parameters, func(i, j int) bool { return ev.Parameters[i].Name < ev.Parameters[j].Name })
	return newClientPacket(now, "", targets, ev)
}

// NewControlPacket builds a control packet. correlationID may be empty.
func NewControlPacket(now time.Time, action ControlAction, description, correlationID string, targets []Actor) *Packet {
	return newClientPacket(now, correlationID, targets, &ControlEvent{Action: action, Description: description})
}

// NewAudioChunkPacket builds a PCM16 audio packet. All chunks of one audio
// session share correlationID.
func NewAudioChunkPacket(now time.Time, pcm []byte, correlationID string, targets []Actor) *Packet {
	return newClientPacket(now, correlationID, targets, &DataChunk{Type: "AUDIO", Chunk: pcm})
}

// NewCancelPacket builds a cancel request for an interaction and optionally
// specific utterances.
func NewCancelPacket(now time.Time, interactionID string, utteranceIDs []string, targets []Actor) *Packet {
	return newClientPacket(now, "", targets, &Mutation{CancelResponses: &CancelResponses{
		InteractionID: interactionID,
		UtteranceIDs:  append([]string(nil), utteranceIDs...),
	}})
}
