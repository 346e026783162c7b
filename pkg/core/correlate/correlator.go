// Package correlate groups inbound packets into utterances and interactions.
//
// A stream interleaves packets from several interactions and utterances out
// of order, and late packets for finished work must not resurrect playback.
// The Correlator therefore files each packet into one of four places:
//
//	processed  late sibling of an already-presented interaction (audit only)
//	cancelled  packet for an interrupted or overdue interaction (dropped)
//	current    the interaction being presented right now
//	prepared   a future interaction candidate, FIFO by first arrival
package correlate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vango-go/vai-converse/pkg/core"
	"github.com/vango-go/vai-converse/pkg/core/protocol"
	"github.com/vango-go/vai-converse/pkg/core/queue"
)

// ErrInteractionInProgress is returned when starting an interaction while
// another is current.
var ErrInteractionInProgress = errors.New("correlate: interaction already in progress")

// Disposition is where Route filed a packet.
type Disposition int

const (
	AppendToProcessed Disposition = iota
	AppendToCancelled
	AppendToCurrentInteraction
	AppendToPrepared
)

// String returns a human-readable disposition.
func (d Disposition) String() string {
	switch d {
	case AppendToProcessed:
		return "processed"
	case AppendToCancelled:
		return "cancelled"
	case AppendToCurrentInteraction:
		return "current"
	case AppendToPrepared:
		return "prepared"
	default:
		return "unknown"
	}
}

// Correlator owns the interaction queues of one participant.
type Correlator struct {
	prepared  *queue.Queue[*Interaction]
	processed *queue.Queue[*Interaction]
	cancelled *queue.Queue[*Interaction]
	current   *Interaction
}

// New returns an empty correlator.
func New() *Correlator {
	return &Correlator{
		prepared:  queue.New[*Interaction](),
		processed: queue.New[*Interaction](),
		cancelled: queue.New[*Interaction](),
	}
}

// Route files p and reports where it went. Duplicate packet ids are accepted
// and ignored. Packets without an interaction id are malformed.
func (c *Correlator) Route(p *protocol.Packet) (Disposition, error) {
	if p == nil {
		return 0, core.NewMalformedPacketError("nil packet", nil)
	}
	iid := strings.TrimSpace(p.ID.InteractionID)
	if iid == "" {
		return 0, core.NewMalformedPacketError(fmt.Sprintf("packet %s has no interaction id", p.ID.PacketID), nil)
	}

	if it, ok := c.processed.Get(iid); ok {
		it.Add(p)
		return AppendToProcessed, nil
	}
	if it, ok := c.cancelled.Get(iid); ok {
		it.Add(p)
		return AppendToCancelled, nil
	}
	if c.current != nil && c.current.ID() == iid {
		c.current.Add(p)
		return AppendToCurrentInteraction, nil
	}
	if it, ok := c.prepared.Get(iid); ok {
		it.Add(p)
		return AppendToPrepared, nil
	}

	it := NewInteraction(iid)
	it.Add(p)
	if c.processed.IsOverDue(it) {
		it.Cancel()
		_ = c.cancelled.Enqueue(it)
		return AppendToCancelled, nil
	}
	_ = c.prepared.Enqueue(it)
	return AppendToPrepared, nil
}

// Current returns the in-flight interaction, or nil.
func (c *Correlator) Current() *Interaction { return c.current }

// StartNext pops the oldest prepared interaction and makes it current.
// ok is false when nothing is prepared.
func (c *Correlator) StartNext() (it *Interaction, ok bool, err error) {
	if c.current != nil {
		return nil, false, ErrInteractionInProgress
	}
	it, _, ok = c.prepared.Dequeue(true)
	if !ok {
		return nil, false, nil
	}
	c.current = it
	return it, true, nil
}

// FinishCurrent moves the current interaction to processed, evicting the
// oldest processed entries beyond maxProcessed (no limit when <= 0).
func (c *Correlator) FinishCurrent(maxProcessed int) (evicted []*Interaction) {
	if c.current == nil {
		return nil
	}
	c.current.End()
	_ = c.processed.Enqueue(c.current)
	c.current = nil
	return c.processed.TrimTo(maxProcessed)
}

// CancelCurrent moves the current interaction to cancelled and returns it.
func (c *Correlator) CancelCurrent() *Interaction {
	it := c.current
	if it == nil {
		return nil
	}
	it.Cancel()
	_ = c.cancelled.Enqueue(it)
	c.current = nil
	return it
}

// CancelPrepared moves the whole prepared backlog to cancelled.
func (c *Correlator) CancelPrepared() int {
	backlog := c.prepared.Items()
	moved := c.prepared.PourTo(c.cancelled, nil)
	if moved == 0 {
		// An id already cancelled blocks the pour; drop those first.
		for _, it := range backlog {
			if c.cancelled.Contains(it.ID()) {
				c.prepared.Remove(it.ID())
			}
		}
		backlog = c.prepared.Items()
		moved = c.prepared.PourTo(c.cancelled, nil)
	}
	for _, it := range backlog {
		it.Cancel()
	}
	return moved
}

// CancelInteraction applies a server-side cancellation. With no utterance ids
// the whole interaction is cancelled; otherwise only those pending utterances
// are dropped. It reports whether anything changed.
func (c *Correlator) CancelInteraction(interactionID string, utteranceIDs []string) bool {
	if c.current != nil && c.current.ID() == interactionID {
		if len(utteranceIDs) == 0 {
			c.CancelCurrent()
			return true
		}
		return c.current.DropUtterances(utteranceIDs) > 0
	}
	it, ok := c.prepared.Get(interactionID)
	if !ok {
		return false
	}
	if len(utteranceIDs) == 0 {
		c.prepared.Remove(interactionID)
		it.Cancel()
		_ = c.cancelled.Enqueue(it)
		return true
	}
	return it.DropUtterances(utteranceIDs) > 0
}

// Housekeep releases the contents of cancelled interactions and bounds the
// number of cancelled ids kept for late-packet suppression.
func (c *Correlator) Housekeep(maxCancelled int) {
	c.cancelled.Each(func(it *Interaction) bool {
		it.Release()
		return true
	})
	c.cancelled.TrimTo(maxCancelled)
}

// Prepared returns the prepared interactions in arrival order.
func (c *Correlator) Prepared() []*Interaction { return c.prepared.Items() }

// Processed returns the processed interactions in completion order.
func (c *Correlator) Processed() []*Interaction { return c.processed.Items() }

// Cancelled returns the cancelled interactions.
func (c *Correlator) Cancelled() []*Interaction { return c.cancelled.Items() }

// IsCancelled reports whether interactionID was cancelled.
func (c *Correlator) IsCancelled(interactionID string) bool {
	return c.cancelled.Contains(interactionID)
}

// IsProcessed reports whether interactionID finished presenting.
func (c *Correlator) IsProcessed(interactionID string) bool {
	return c.processed.Contains(interactionID)
}
