package correlate

import (
	"time"

	"github.com/vango-go/vai-converse/pkg/core/protocol"
	"github.com/vango-go/vai-converse/pkg/core/queue"
)

// Interaction is one conversational turn: the utterances sharing an
// interaction id, in first-arrival order, with a cursor on the utterance
// currently being presented.
type Interaction struct {
	id        string
	pending   *queue.Queue[*Utterance]
	played    *queue.Queue[*Utterance]
	current   *Utterance
	ended     bool
	cancelled bool
	recent    time.Time
}

// NewInteraction creates an empty interaction.
func NewInteraction(id string) *Interaction {
	return &Interaction{
		id:      id,
		pending: queue.New[*Utterance](),
		played:  queue.New[*Utterance](),
	}
}

// ID returns the interaction id.
func (i *Interaction) ID() string { return i.id }

// RecentTime is the newest member timestamp.
func (i *Interaction) RecentTime() time.Time { return i.recent }

// IsComplete reports whether the interaction is terminal.
func (i *Interaction) IsComplete() bool { return i.ended || i.cancelled }

// Ended reports whether an INTERACTION_END control was received.
func (i *Interaction) Ended() bool { return i.ended }

// End marks the turn finished.
func (i *Interaction) End() { i.ended = true }

// Cancelled reports whether the interaction was interrupted.
func (i *Interaction) Cancelled() bool { return i.cancelled }

// Cancel marks the interaction terminal. It never reopens.
func (i *Interaction) Cancel() { i.cancelled = true }

// Add files p under its utterance and reports whether p was new. Packets for
// utterances that were already presented are kept for audit but never queued
// again.
func (i *Interaction) Add(p *protocol.Packet) bool {
	uid := utteranceKey(p)
	var added bool
	switch {
	case i.current != nil && i.current.ID() == uid:
		added = i.current.Add(p)
	default:
		if u, ok := i.played.Get(uid); ok {
			added = u.Add(p)
			break
		}
		u, ok := i.pending.Get(uid)
		if !ok {
			u = NewUtterance(uid, i.id)
			_ = i.pending.Enqueue(u)
		}
		added = u.Add(p)
	}
	if !added {
		return false
	}
	if p.Timestamp.After(i.recent) {
		i.recent = p.Timestamp
	}
	if p.IsControl(protocol.ControlInteractionEnd) {
		i.ended = true
	}
	return true
}

// Current returns the utterance being presented, if any.
func (i *Interaction) Current() *Utterance { return i.current }

// PeekNext returns the next pending utterance without advancing.
func (i *Interaction) PeekNext() (*Utterance, bool) {
	return i.pending.Peek()
}

// PendingCount returns the number of utterances not yet presented.
func (i *Interaction) PendingCount() int { return i.pending.Count() }

// Advance moves the next pending utterance under the cursor.
func (i *Interaction) Advance() (*Utterance, bool) {
	u, _, ok := i.pending.Dequeue(true)
	if !ok {
		return nil, false
	}
	i.current = u
	return u, true
}

// FinishCurrent records the current utterance as presented and clears the
// cursor.
func (i *Interaction) FinishCurrent() {
	if i.current == nil {
		return
	}
	_ = i.played.Enqueue(i.current)
	i.current = nil
}

// Played returns the utterances already presented.
func (i *Interaction) Played() []*Utterance { return i.played.Items() }

// Pending returns the utterances not yet presented.
func (i *Interaction) Pending() []*Utterance { return i.pending.Items() }

// Contains reports whether the interaction holds an utterance with id.
func (i *Interaction) Contains(utteranceID string) bool {
	if i.current != nil && i.current.ID() == utteranceID {
		return true
	}
	return i.pending.Contains(utteranceID) || i.played.Contains(utteranceID)
}

// OutstandingUtteranceIDs returns the current and pending utterance ids.
func (i *Interaction) OutstandingUtteranceIDs() []string {
	var out []string
	if i.current != nil {
		out = append(out, i.current.ID())
	}
	for _, u := range i.pending.Items() {
		out = append(out, u.ID())
	}
	return out
}

// DropUtterances removes pending utterances by id and returns how many were
// removed.
func (i *Interaction) DropUtterances(ids []string) int {
	n := 0
	for _, id := range ids {
		if _, ok := i.pending.Remove(id); ok {
			n++
		}
	}
	return n
}

// Release frees packet contents. The id stays valid for late-packet routing.
func (i *Interaction) Release() {
	i.pending.Clear()
	i.played.Clear()
	i.current = nil
}

func utteranceKey(p *protocol.Packet) string {
	if p.ID.UtteranceID != "" {
		return p.ID.UtteranceID
	}
	return p.ID.PacketID
}
