package correlate

import (
	"strings"
	"time"

	"github.com/vango-go/vai-converse/pkg/core/protocol"
)

// Utterance is one indivisible playable unit: every packet sharing an
// utterance id, in arrival order, deduplicated by packet id.
type Utterance struct {
	id            string
	interactionID string
	packets       []*protocol.Packet
	seen          map[string]struct{}
	recent        time.Time
}

// NewUtterance creates an empty utterance.
func NewUtterance(id, interactionID string) *Utterance {
	return &Utterance{
		id:            id,
		interactionID: interactionID,
		seen:          make(map[string]struct{}),
	}
}

// ID returns the utterance id.
func (u *Utterance) ID() string { return u.id }

// InteractionID returns the owning interaction id.
func (u *Utterance) InteractionID() string { return u.interactionID }

// RecentTime is the newest member timestamp.
func (u *Utterance) RecentTime() time.Time { return u.recent }

// Add appends p unless a packet with the same id was already added.
func (u *Utterance) Add(p *protocol.Packet) bool {
	if p == nil {
		return false
	}
	if _, dup := u.seen[p.ID.PacketID]; dup {
		return false
	}
	u.seen[p.ID.PacketID] = struct{}{}
	u.packets = append(u.packets, p)
	if p.Timestamp.After(u.recent) {
		u.recent = p.Timestamp
	}
	return true
}

// Has reports whether a packet with packetID was added.
func (u *Utterance) Has(packetID string) bool {
	_, ok := u.seen[packetID]
	return ok
}

// Packets returns the members in arrival order.
func (u *Utterance) Packets() []*protocol.Packet {
	return append([]*protocol.Packet(nil), u.packets...)
}

// Len returns the number of distinct packets.
func (u *Utterance) Len() int { return len(u.packets) }

// IsPlayable reports whether the utterance should be presented as agent
// output. Player-authored echoes never play.
func (u *Utterance) IsPlayable() bool {
	playable := false
	for _, p := range u.packets {
		if p.IsFromPlayer() {
			return false
		}
		switch p.Payload.(type) {
		case *protocol.TextEvent, *protocol.DataChunk:
			playable = true
		}
	}
	return playable
}

// ContainsText reports whether a text member is present.
func (u *Utterance) ContainsText() bool {
	for _, p := range u.packets {
		if _, ok := p.Text(); ok {
			return true
		}
	}
	return false
}

// ContainsAudio reports whether an audio member is present.
func (u *Utterance) ContainsAudio() bool {
	for _, p := range u.packets {
		if _, ok := p.Audio(); ok {
			return true
		}
	}
	return false
}

// ContainsTextAndAudio reports whether both modalities arrived.
func (u *Utterance) ContainsTextAndAudio() bool {
	return u.ContainsText() && u.ContainsAudio()
}

// Text concatenates the text members.
func (u *Utterance) Text() string {
	var b strings.Builder
	for _, p := range u.packets {
		if t, ok := p.Text(); ok {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

// AudioDuration sums the playback length of the audio members.
func (u *Utterance) AudioDuration() time.Duration {
	var d time.Duration
	for _, p := range u.packets {
		if a, ok := p.Audio(); ok {
			d += a.Duration()
		}
	}
	return d
}
