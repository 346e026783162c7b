// Package protocol defines the session packet model and its JSON wire codec.
//
// Every packet carries identity (packetId) and grouping ids (utteranceId,
// interactionId, correlationId), routing between participants, and exactly one
// payload variant. Payloads form a closed set implemented by the types in this
// package; consumers match them with a type switch.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TimestampLayout is the fixed-precision UTC layout used on the wire.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Audio payload constraints for outgoing and incoming data chunks.
const (
	AudioSampleRateHz   = 16000
	AudioChannels       = 1
	AudioBytesPerSample = 2
)

// PacketType is the wire discriminator for a packet.
type PacketType string

const (
	TypeText            PacketType = "TEXT"
	TypeControl         PacketType = "CONTROL"
	TypeAudio           PacketType = "AUDIO"
	TypeGesture         PacketType = "GESTURE"
	TypeCustom          PacketType = "CUSTOM"
	TypeCancelResponse  PacketType = "CANCEL_RESPONSE"
	TypeEmotion         PacketType = "EMOTION"
	TypeAction          PacketType = "ACTION"
	TypeSessionResponse PacketType = "SESSION_RESPONSE"
)

// ActorType tags a participant identifier.
type ActorType string

const (
	ActorPlayer ActorType = "PLAYER"
	ActorAgent  ActorType = "AGENT"
	ActorWorld  ActorType = "WORLD"
)

// ControlAction is the vocabulary of CONTROL packets.
type ControlAction string

const (
	ControlAudioSessionStart    ControlAction = "AUDIO_SESSION_START"
	ControlAudioSessionEnd      ControlAction = "AUDIO_SESSION_END"
	ControlInteractionEnd       ControlAction = "INTERACTION_END"
	ControlTTSPlaybackStart     ControlAction = "TTS_PLAYBACK_START"
	ControlTTSPlaybackEnd       ControlAction = "TTS_PLAYBACK_END"
	ControlSessionEnd           ControlAction = "SESSION_END"
	ControlConversationUpdate   ControlAction = "CONVERSATION_UPDATE"
	ControlConversationEvent    ControlAction = "CONVERSATION_EVENT"
	ControlCurrentSceneStatus   ControlAction = "CURRENT_SCENE_STATUS"
	ControlSessionConfiguration ControlAction = "SESSION_CONFIGURATION"
	ControlWarning              ControlAction = "WARNING"
)

// DecodeError reports a packet that could not be decoded.
type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badPacket(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_packet", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// Actor identifies a participant.
type Actor struct {
	Type ActorType `json:"type"`
	Name string    `json:"name,omitempty"`
}

// Routing carries source and target participants.
type Routing struct {
	Source  Actor   `json:"source"`
	Target  Actor   `json:"target"`
	Targets []Actor `json:"targets,omitempty"`
}

// PacketID groups a packet's identity and correlation ids.
type PacketID struct {
	PacketID      string `json:"packetId"`
	UtteranceID   string `json:"utteranceId,omitempty"`
	InteractionID string `json:"interactionId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Payload is the closed set of packet payload variants.
type Payload interface {
	PacketType() PacketType
	isPayload()
}

// TextEvent is a text payload.
type TextEvent struct {
	Text       string `json:"text"`
	SourceType string `json:"sourceType,omitempty"`
	Final      bool   `json:"final"`
}

// DataChunk is a binary payload. Chunk is base64 on the wire.
type DataChunk struct {
	Type  string `json:"type"`
	Chunk []byte `json:"chunk"`
}

// Duration returns the playback length of a PCM16 mono 16 kHz chunk.
func (d *DataChunk) Duration() time.Duration {
	if d == nil {
		return 0
	}
	samples := len(d.Chunk) / (AudioBytesPerSample * AudioChannels)
	return time.Duration(samples) * time.Second / AudioSampleRateHz
}

// ControlEvent is a control payload.
type ControlEvent struct {
	Action      ControlAction `json:"action"`
	Description string        `json:"description,omitempty"`
}

// Parameter is a name/value pair for custom triggers.
type Parameter struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CustomEvent is a custom trigger payload.
type CustomEvent struct {
	Name       string      `json:"name"`
	Parameters []Parameter `json:"parameters,omitempty"`
}

// CancelResponses names an interaction and, optionally, specific utterances
// to cancel.
type CancelResponses struct {
	InteractionID string   `json:"interactionId"`
	UtteranceIDs  []string `json:"utteranceId,omitempty"`
}

// Mutation is the cancel-request payload.
type Mutation struct {
	CancelResponses *CancelResponses `json:"cancelResponses,omitempty"`
}

// EmotionEvent is an emotion payload.
type EmotionEvent struct {
	Behavior string `json:"behavior"`
	Strength string `json:"strength,omitempty"`
}

// NarratedAction is the content of a narrated action.
type NarratedAction struct {
	Content string `json:"content"`
}

// ActionEvent is a narrated-action payload.
type ActionEvent struct {
	NarratedAction NarratedAction `json:"narratedAction"`
}

// GestureEvent is a gesture payload.
type GestureEvent struct {
	Type     string `json:"type"`
	Playback string `json:"playback,omitempty"`
}

// AgentInfo describes one loaded participant and its live session id.
type AgentInfo struct {
	AgentID   string `json:"agentId"`
	BrainName string `json:"brainName"`
	GivenName string `json:"givenName,omitempty"`
}

// LoadedScene lists the agents of a loaded scene.
type LoadedScene struct {
	SceneName string      `json:"sceneName,omitempty"`
	Agents    []AgentInfo `json:"agents,omitempty"`
}

// LoadedCharacters lists agents loaded outside a scene.
type LoadedCharacters struct {
	Agents []AgentInfo `json:"agents,omitempty"`
}

// SessionControlResponse is the session negotiation response payload.
type SessionControlResponse struct {
	LoadedScene      *LoadedScene      `json:"loadedScene,omitempty"`
	LoadedCharacters *LoadedCharacters `json:"loadedCharacters,omitempty"`
}

// Agents returns the agents from both the loaded scene and loaded characters.
func (r *SessionControlResponse) Agents() []AgentInfo {
	if r == nil {
		return nil
	}
	var out []AgentInfo
	if r.LoadedScene != nil {
		out = append(out, r.LoadedScene.Agents...)
	}
	if r.LoadedCharacters != nil {
		out = append(out, r.LoadedCharacters.Agents...)
	}
	return out
}

func (*TextEvent) PacketType() PacketType              { return TypeText }
func (*DataChunk) PacketType() PacketType              { return TypeAudio }
func (*ControlEvent) PacketType() PacketType           { return TypeControl }
func (*CustomEvent) PacketType() PacketType            { return TypeCustom }
func (*Mutation) PacketType() PacketType               { return TypeCancelResponse }
func (*EmotionEvent) PacketType() PacketType           { return TypeEmotion }
func (*ActionEvent) PacketType() PacketType            { return TypeAction }
func (*GestureEvent) PacketType() PacketType           { return TypeGesture }
func (*SessionControlResponse) PacketType() PacketType { return TypeSessionResponse }

func (*TextEvent) isPayload()              {}
func (*DataChunk) isPayload()              {}
func (*ControlEvent) isPayload()           {}
func (*CustomEvent) isPayload()            {}
func (*Mutation) isPayload()               {}
func (*EmotionEvent) isPayload()           {}
func (*ActionEvent) isPayload()            {}
func (*GestureEvent) isPayload()           {}
func (*SessionControlResponse) isPayload() {}

// Packet is the atomic protocol unit. Packets are immutable once emitted.
type Packet struct {
	Timestamp time.Time
	Type      PacketType
	ID        PacketID
	Routing   Routing
	Payload   Payload
}

// RecentTime returns the packet timestamp.
func (p *Packet) RecentTime() time.Time { return p.Timestamp }

// IsFromPlayer reports whether the human participant authored the packet.
func (p *Packet) IsFromPlayer() bool {
	return p != nil && p.Routing.Source.Type == ActorPlayer
}

// Text returns the text payload, if any.
func (p *Packet) Text() (*TextEvent, bool) {
	if p == nil {
		return nil, false
	}
	t, ok := p.Payload.(*TextEvent)
	return t, ok
}

// Audio returns the audio payload, if any.
func (p *Packet) Audio() (*DataChunk, bool) {
	if p == nil {
		return nil, false
	}
	d, ok := p.Payload.(*DataChunk)
	return d, ok
}

// Control returns the control payload, if any.
func (p *Packet) Control() (*ControlEvent, bool) {
	if p == nil {
		return nil, false
	}
	c, ok := p.Payload.(*ControlEvent)
	return c, ok
}

// IsControl reports whether p is a CONTROL packet carrying action.
func (p *Packet) IsControl(action ControlAction) bool {
	c, ok := p.Control()
	return ok && c.Action == action
}

// Participant returns the non-player side of the packet: the agent that sent
// it, or the agent it is addressed to when the player sent it.
func (p *Packet) Participant() string {
	if p == nil {
		return ""
	}
	if p.Routing.Source.Type == ActorAgent {
		return p.Routing.Source.Name
	}
	if p.Routing.Target.Type == ActorAgent && p.Routing.Target.Name != "" {
		return p.Routing.Target.Name
	}
	for _, t := range p.Routing.Targets {
		if t.Type == ActorAgent && t.Name != "" {
			return t.Name
		}
	}
	return ""
}

type wirePacket struct {
	Timestamp              string                  `json:"timestamp"`
	Type                   PacketType              `json:"type"`
	PacketID               PacketID                `json:"packetId"`
	Routing                Routing                 `json:"routing"`
	Text                   *TextEvent              `json:"text,omitempty"`
	DataChunk              *DataChunk              `json:"dataChunk,omitempty"`
	Control                *ControlEvent           `json:"control,omitempty"`
	Custom                 *CustomEvent            `json:"custom,omitempty"`
	Mutation               *Mutation               `json:"mutation,omitempty"`
	Emotion                *EmotionEvent           `json:"emotion,omitempty"`
	Action                 *ActionEvent            `json:"action,omitempty"`
	Gesture                *GestureEvent           `json:"gesture,omitempty"`
	SessionControlResponse *SessionControlResponse `json:"sessionControlResponse,omitempty"`
}

// MarshalJSON encodes the packet in its wire shape.
func (p Packet) MarshalJSON() ([]byte, error) {
	w := wirePacket{
		Timestamp: p.Timestamp.UTC().Format(TimestampLayout),
		Type:      p.Type,
		PacketID:  p.ID,
		Routing:   p.Routing,
	}
	switch v := p.Payload.(type) {
	case *TextEvent:
		w.Text = v
	case *DataChunk:
		w.DataChunk = v
	case *ControlEvent:
		w.Control = v
	case *CustomEvent:
		w.Custom = v
	case *Mutation:
		w.Mutation = v
	case *EmotionEvent:
		w.Emotion = v
	case *ActionEvent:
		w.Action = v
	case *GestureEvent:
		w.Gesture = v
	case *SessionControlResponse:
		w.SessionControlResponse = v
	case nil:
		return nil, badPacket("packet has no payload", "payload")
	}
	if w.Type == "" {
		w.Type = p.Payload.PacketType()
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes and validates a wire packet.
func (p *Packet) UnmarshalJSON(data []byte) error {
	decoded, err := Decode(data)
	if err != nil {
		return err
	}
	*p = *decoded
	return nil
}

// Encode marshals a packet to its wire form.
func Encode(p *Packet) ([]byte, error) {
	if p == nil {
		return nil, badPacket("packet must not be nil", "")
	}
	return json.Marshal(*p)
}

// Decode parses a wire packet. The returned error is always a *DecodeError.
func Decode(data []byte) (*Packet, error) {
	var w wirePacket
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, badPacket("invalid json packet", "")
	}
	if strings.TrimSpace(w.PacketID.PacketID) == "" {
		return nil, badPacket("packetId.packetId is required", "packetId")
	}

	var payloads []Payload
	if w.Text != nil {
		payloads = append(payloads, w.Text)
	}
	if w.DataChunk != nil {
		payloads = append(payloads, w.DataChunk)
	}
	if w.Control != nil {
		payloads = append(payloads, w.Control)
	}
	if w.Custom != nil {
		payloads = append(payloads, w.Custom)
	}
	if w.Mutation != nil {
		payloads = append(payloads, w.Mutation)
	}
	if w.Emotion != nil {
		payloads = append(payloads, w.Emotion)
	}
	if w.Action != nil {
		payloads = append(payloads, w.Action)
	}
	if w.Gesture != nil {
		payloads = append(payloads, w.Gesture)
	}
	if w.SessionControlResponse != nil {
		payloads = append(payloads, w.SessionControlResponse)
	}
	switch len(payloads) {
	case 0:
		return nil, badPacket("packet has no payload", "payload")
	case 1:
	default:
		return nil, badPacket("packet has more than one payload", "payload")
	}
	payload := payloads[0]

	typ := PacketType(strings.TrimSpace(string(w.Type)))
	switch typ {
	case "":
		typ = payload.PacketType()
	case TypeText, TypeControl, TypeAudio, TypeGesture, TypeCustom,
		TypeCancelResponse, TypeEmotion, TypeAction, TypeSessionResponse:
		if typ != payload.PacketType() {
			return nil, badPacket(fmt.Sprintf("type %s does not match payload %s", typ, payload.PacketType()), "type")
		}
	default:
		return nil, unsupported("unsupported packet type", "type")
	}

	if m, ok := payload.(*Mutation); ok && (m.CancelResponses == nil || strings.TrimSpace(m.CancelResponses.InteractionID) == "") {
		return nil, badPacket("mutation.cancelResponses.interactionId is required", "mutation")
	}

	var ts time.Time
	if raw := strings.TrimSpace(w.Timestamp); raw != "" {
		parsed, err := parseTimestamp(raw)
		if err != nil {
			return nil, badPacket("invalid timestamp", "timestamp")
		}
		ts = parsed
	}

	return &Packet{
		Timestamp: ts,
		Type:      typ,
		ID:        w.PacketID,
		Routing:   w.Routing,
		Payload:   payload,
	}, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	if t, err := time.Parse(TimestampLayout, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
