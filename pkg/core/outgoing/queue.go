package outgoing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vango-go/vai-converse/pkg/core"
	"github.com/vango-go/vai-converse/pkg/core/protocol"
	"github.com/vango-go/vai-converse/pkg/core/queue"
)

// Sender hands a finalized packet to the transport.
type Sender interface {
	Send(ctx context.Context, p *protocol.Packet) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, p *protocol.Packet) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, p *protocol.Packet) error { return f(ctx, p) }

// Recorder observes queue activity. metrics.Metrics implements it.
type Recorder interface {
	RecordOutgoingSent(packetType string)
	RecordOutgoingEvicted(stage string)
	RecordOutgoingAcked(n int)
}

// Config bounds the queue.
type Config struct {
	// MaxPrepared caps packets waiting for resolution; the oldest is dropped
	// on overflow.
	MaxPrepared int
	// MaxSent caps packets awaiting acknowledgement; the oldest is forgotten
	// on overflow and never resent.
	MaxSent int
}

// DefaultConfig returns the default queue bounds.
func DefaultConfig() Config {
	return Config{MaxPrepared: 256, MaxSent: 128}
}

// Deps are the collaborators of a Queue.
type Deps struct {
	Resolver Resolver
	Recorder Recorder
	Logger   *slog.Logger
}

// Queue is the outgoing session queue. Enqueue may be called from any
// goroutine; Flush runs on the session tick.
type Queue struct {
	cfg      Config
	resolver Resolver
	recorder Recorder
	logger   *slog.Logger

	flushMu  sync.Mutex
	mu       sync.Mutex
	prepared *queue.Queue[*Packet]
	sent     *queue.Queue[*Packet]
	halted   bool
}

// NewQueue creates an outgoing queue.
func NewQueue(cfg Config, deps Deps) *Queue {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		cfg:      cfg,
		resolver: deps.Resolver,
		recorder: deps.Recorder,
		logger:   logger,
		prepared: queue.New[*Packet](),
		sent:     queue.New[*Packet](),
	}
}

// Enqueue buffers p for sending. Target resolution is deferred to Flush.
func (q *Queue) Enqueue(p *Packet) error {
	if p == nil || p.Packet == nil {
		return core.NewInvalidRequestError("nil outgoing packet")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.prepared.Enqueue(p); err != nil {
		if errors.Is(err, queue.ErrDuplicate) {
			return core.NewInvalidRequestError(fmt.Sprintf("packet %s already queued", p.ID()))
		}
		return err
	}
	for _, old := range q.prepared.TrimTo(q.cfg.MaxPrepared) {
		q.logger.Warn("outgoing packet evicted before its targets resolved",
			"packet_id", old.ID(), "targets", old.order)
		q.recordEvicted("prepared")
	}
	return nil
}

// Flush resolves every prepared packet and sends the sendable ones in
// enqueue order. Unresolved packets stay queued for the next pass. Flush stops
// at the first send error and leaves the failed packet queued.
//
// Sends happen without q.mu held, so Enqueue and the accessors never wait on
// the transport. Concurrent Flush calls are serialized.
func (q *Queue) Flush(ctx context.Context, s Sender) (int, error) {
	if s == nil {
		return 0, nil
	}
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	q.mu.Lock()
	if q.halted {
		q.mu.Unlock()
		return 0, nil
	}
	var ready []*Packet
	for _, p := range q.prepared.Items() {
		if q.resolver != nil {
			if !p.Resolve(q.resolver) {
				continue
			}
		} else if !p.IsCharacterRegistered() {
			continue
		}
		ready = append(ready, p)
	}
	q.mu.Unlock()

	n := 0
	for _, p := range ready {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if q.Halted() {
			return n, nil
		}
		wire := p.Finalize()
		if err := s.Send(ctx, wire); err != nil {
			return n, err
		}
		n++
		if q.recorder != nil {
			q.recorder.RecordOutgoingSent(string(wire.Type))
		}
		q.markSent(p)
	}
	return n, nil
}

// markSent moves p from prepared to sent unless a Clear dropped it while it
// was on the wire.
func (q *Queue) markSent(p *Packet) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.prepared.Remove(p.ID()); !ok {
		return
	}
	_ = q.sent.Enqueue(p)
	for _, old := range q.sent.TrimTo(q.cfg.MaxSent) {
		q.logger.Debug("sent packet evicted before acknowledgement", "packet_id", old.ID())
		q.recordEvicted("sent")
	}
}

// Ack removes every sent packet carrying correlationID and returns how many
// were removed.
func (q *Queue) Ack(correlationID string) int {
	if correlationID == "" {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	var acked []string
	q.sent.Each(func(p *Packet) bool {
		if p.CorrelationID() == correlationID {
			acked = append(acked, p.ID())
		}
		return true
	})
	for _, id := range acked {
		q.sent.Remove(id)
	}
	if len(acked) > 0 && q.recorder != nil {
		q.recorder.RecordOutgoingAcked(len(acked))
	}
	return len(acked)
}

// Halt stops Flush from sending until Resume. Used when the session becomes
// invalid.
func (q *Queue) Halt() {
	q.mu.Lock()
	q.halted = true
	q.mu.Unlock()
}

// Resume lifts a Halt.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.halted = false
	q.mu.Unlock()
}

// Halted reports whether sending is halted.
func (q *Queue) Halted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.halted
}

// Prepared returns the packets waiting to be sent, oldest first.
func (q *Queue) Prepared() []*Packet {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.prepared.Items()
}

// Sent returns the packets awaiting acknowledgement, oldest first.
func (q *Queue) Sent() []*Packet {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sent.Items()
}

// Clear drops every queued packet.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.prepared.Clear()
	q.sent.Clear()
}

func (q *Queue) recordEvicted(stage string) {
	if q.recorder != nil {
		q.recorder.RecordOutgoingEvicted(stage)
	}
}
