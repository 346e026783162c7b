// Package outgoing buffers client-originated packets until their targets
// resolve to live ids, hands them to the transport, and tracks them until the
// server acknowledges the turn.
package outgoing

import (
	"time"

	"github.com/vango-go/vai-converse/pkg/core/protocol"
)

// Resolver maps a participant brain name to its live session id, returning ""
// when the id is not known yet.
type Resolver interface {
	Resolve(brainName string) string
}

// Packet wraps a client packet with its target resolution state.
type Packet struct {
	Packet *protocol.Packet
	// Targets maps each target brain name to its resolved live id ("" while
	// unresolved).
	Targets map[string]string

	order []string
}

// NewPacket wraps p. The target names default to the agent targets already on
// p's routing.
func NewPacket(p *protocol.Packet, targets ...string) *Packet {
	if len(targets) == 0 {
		for _, a := range p.Routing.Targets {
			if a.Type == protocol.ActorAgent && a.Name != "" {
				targets = append(targets, a.Name)
			}
		}
	}
	op := &Packet{Packet: p, Targets: make(map[string]string, len(targets))}
	for _, t := range targets {
		if _, dup := op.Targets[t]; dup {
			continue
		}
		op.Targets[t] = ""
		op.order = append(op.order, t)
	}
	return op
}

// ID returns the packet id.
func (o *Packet) ID() string { return o.Packet.ID.PacketID }

// RecentTime returns the packet timestamp.
func (o *Packet) RecentTime() time.Time { return o.Packet.Timestamp }

// CorrelationID returns the packet correlation id.
func (o *Packet) CorrelationID() string { return o.Packet.ID.CorrelationID }

// IsCharacterRegistered reports whether every target has a live id. A packet
// without agent targets is always sendable.
func (o *Packet) IsCharacterRegistered() bool {
	for _, id := range o.Targets {
		if id == "" {
			return false
		}
	}
	return true
}

// Resolve re-resolves every target against r and reports whether the packet
// is now sendable. Ids resolved earlier are refreshed too, since a reconnect
// assigns new ones.
func (o *Packet) Resolve(r Resolver) bool {
	for _, name := range o.order {
		o.Targets[name] = r.Resolve(name)
	}
	return o.IsCharacterRegistered()
}

// Finalize returns the wire packet with routing compacted to the resolved
// live ids. It must only be called once IsCharacterRegistered is true.
func (o *Packet) Finalize() *protocol.Packet {
	out := *o.Packet
	if len(o.order) == 0 {
		return &out
	}
	targets := make([]protocol.Actor, 0, len(o.order))
	for _, name := range o.order {
		targets = append(targets, protocol.Actor{Type: protocol.ActorAgent, Name: o.Targets[name]})
	}
	out.Routing.Targets = targets
	out.Routing.Target = targets[0]
	return &out
}
