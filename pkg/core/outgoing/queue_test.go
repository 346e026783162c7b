package outgoing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/vango-go/vai-converse/pkg/core"
	"github.com/vango-go/vai-converse/pkg/core/directory"
	"github.com/vango-go/vai-converse/pkg/core/protocol"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type recordingSender struct {
	packets []*protocol.Packet
	err     error
}

func (s *recordingSender) Send(_ context.Context, p *protocol.Packet) error {
	if s.err != nil {
		return s.err
	}
	s.packets = append(s.packets, p)
	return nil
}

func (s *recordingSender) texts() []string {
	var out []string
	for _, p := range s.packets {
		if t, ok := p.Text(); ok {
			out = append(out, t.Text)
		}
	}
	return out
}

type countingRecorder struct {
	sent    int
	evicted map[string]int
	acked   int
}

func (r *countingRecorder) RecordOutgoingSent(string) { r.sent++ }
func (r *countingRecorder) RecordOutgoingEvicted(stage string) {
	if r.evicted == nil {
		r.evicted = map[string]int{}
	}
	r.evicted[stage]++
}
func (r *countingRecorder) RecordOutgoingAcked(n int) { r.acked += n }

func textTo(s string, agents ...string) *Packet {
	return NewPacket(protocol.NewTextPacket(t0, s, protocol.AgentTargets(agents...)))
}

func TestQueue_SendHelloToResolvedTarget(t *testing.T) {
	dir := directory.New()
	dir.Update([]protocol.AgentInfo{{AgentID: "live-bob", BrainName: "bob"}})
	rec := &countingRecorder{}
	q := NewQueue(DefaultConfig(), Deps{Resolver: dir, Recorder: rec})
	sender := &recordingSender{}

	op := textTo("Hello", "bob")
	if err := q.Enqueue(op); err != nil {
		t.Fatalf("Enqueue error = %v", err)
	}
	if len(q.Prepared()) != 1 {
		t.Fatalf("prepared=%d, want 1", len(q.Prepared()))
	}

	n, err := q.Flush(context.Background(), sender)
	if err != nil || n != 1 {
		t.Fatalf("Flush=%d,%v", n, err)
	}
	want := []protocol.Actor{{Type: protocol.ActorAgent, Name: "live-bob"}}
	if diff := cmp.Diff(want, sender.packets[0].Routing.Targets); diff != "" {
		t.Fatalf("routing targets mismatch (-want +got):\n%s", diff)
	}
	if len(q.Sent()) != 1 || len(q.Prepared()) != 0 {
		t.Fatalf("sent=%d prepared=%d", len(q.Sent()), len(q.Prepared()))
	}
	if op.Packet.Routing.Targets[0].Name != "bob" {
		t.Fatalf("Finalize mutated the queued packet")
	}

	if got := q.Ack(op.CorrelationID()); got != 1 {
		t.Fatalf("Ack removed %d, want 1", got)
	}
	if len(q.Sent()) != 0 {
		t.Fatalf("sent queue still holds the acknowledged packet")
	}
	if rec.sent != 1 || rec.acked != 1 {
		t.Fatalf("recorder sent=%d acked=%d", rec.sent, rec.acked)
	}
}

func TestQueue_NeverSendsUnresolvedTargets(t *testing.T) {
	dir := directory.New()
	dir.Update([]protocol.AgentInfo{{AgentID: "live-bob", BrainName: "bob"}})
	q := NewQueue(DefaultConfig(), Deps{Resolver: dir})
	sender := &recordingSender{}

	_ = q.Enqueue(textTo("to both", "bob", "alice"))
	_ = q.Enqueue(textTo("to bob", "bob"))

	if _, err := q.Flush(context.Background(), sender); err != nil {
		t.Fatalf("Flush error = %v", err)
	}
	if diff := cmp.Diff([]string{"to bob"}, sender.texts()); diff != "" {
		t.Fatalf("sent mismatch (-want +got):\n%s", diff)
	}
	if len(q.Prepared()) != 1 {
		t.Fatalf("unresolved packet left the prepared queue")
	}

	dir.Update([]protocol.AgentInfo{
		{AgentID: "live-bob", BrainName: "bob"},
		{AgentID: "live-alice", BrainName: "alice"},
	})
	q.Flush(context.Background(), sender)
	if diff := cmp.Diff([]string{"to bob", "to both"}, sender.texts()); diff != "" {
		t.Fatalf("sent mismatch (-want +got):\n%s", diff)
	}
	if got := len(sender.packets[1].Routing.Targets); got != 2 {
		t.Fatalf("targets=%d, want 2", got)
	}
}

func TestQueue_ReconnectPreservesOrder(t *testing.T) {
	dir := directory.New()
	q := NewQueue(DefaultConfig(), Deps{Resolver: dir})
	sender := &recordingSender{}

	_ = q.Enqueue(textTo("first", "bob"))
	_ = q.Enqueue(textTo("second", "bob"))
	if n, _ := q.Flush(context.Background(), sender); n != 0 {
		t.Fatalf("sent %d packets while disconnected", n)
	}

	dir.Update([]protocol.AgentInfo{{AgentID: "live-bob-2", BrainName: "bob"}})
	if n, _ := q.Flush(context.Background(), sender); n != 2 {
		t.Fatalf("sent %d packets after reconnect, want 2", n)
	}
	if diff := cmp.Diff([]string{"first", "second"}, sender.texts()); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestQueue_SendErrorKeepsPacketQueued(t *testing.T) {
	dir := directory.New()
	dir.Update([]protocol.AgentInfo{{AgentID: "live-bob", BrainName: "bob"}})
	q := NewQueue(DefaultConfig(), Deps{Resolver: dir})
	sender := &recordingSender{err: errors.New("broken pipe")}

	_ = q.Enqueue(textTo("hi", "bob"))
	if _, err := q.Flush(context.Background(), sender); err == nil {
		t.Fatalf("Flush swallowed the send error")
	}
	if len(q.Prepared()) != 1 || len(q.Sent()) != 0 {
		t.Fatalf("prepared=%d sent=%d after failed send", len(q.Prepared()), len(q.Sent()))
	}

	sender.err = nil
	if n, _ := q.Flush(context.Background(), sender); n != 1 {
		t.Fatalf("retry sent %d, want 1", n)
	}
}

func TestQueue_HaltAndResume(t *testing.T) {
	q := NewQueue(DefaultConfig(), Deps{})
	sender := &recordingSender{}
	_ = q.Enqueue(NewPacket(protocol.NewCustomTrigger(t0, "wave", nil, nil)))

	q.Halt()
	if n, _ := q.Flush(context.Background(), sender); n != 0 || !q.Halted() {
		t.Fatalf("halted queue sent %d packets", n)
	}
	q.Resume()
	if n, _ := q.Flush(context.Background(), sender); n != 1 {
		t.Fatalf("resumed queue sent %d, want 1", n)
	}
}

func TestQueue_Bounds(t *testing.T) {
	rec := &countingRecorder{}
	q := NewQueue(Config{MaxPrepared: 2, MaxSent: 1}, Deps{Resolver: directory.New(), Recorder: rec})

	first := textTo("a", "nobody")
	_ = q.Enqueue(first)
	_ = q.Enqueue(textTo("b", "nobody"))
	_ = q.Enqueue(textTo("c", "nobody"))
	if len(q.Prepared()) != 2 || q.Prepared()[0].ID() == first.ID() {
		t.Fatalf("oldest prepared packet not evicted")
	}
	if rec.evicted["prepared"] != 1 {
		t.Fatalf("prepared evictions=%d, want 1", rec.evicted["prepared"])
	}

	q2 := NewQueue(Config{MaxPrepared: 10, MaxSent: 1}, Deps{Recorder: rec})
	sender := &recordingSender{}
	_ = q2.Enqueue(NewPacket(protocol.NewTextPacket(t0, "x", nil)))
	_ = q2.Enqueue(NewPacket(protocol.NewTextPacket(t0, "y", nil)))
	q2.Flush(context.Background(), sender)
	if len(sender.packets) != 2 || len(q2.Sent()) != 1 {
		t.Fatalf("sent=%d tracked=%d", len(sender.packets), len(q2.Sent()))
	}
	if rec.evicted["sent"] != 1 {
		t.Fatalf("sent evictions=%d, want 1", rec.evicted["sent"])
	}
}

func TestQueue_EnqueueRejectsDuplicateAndNil(t *testing.T) {
	q := NewQueue(DefaultConfig(), Deps{})
	op := textTo("x", "bob")
	_ = q.Enqueue(op)
	if err := q.Enqueue(op); core.TypeOf(err) != core.ErrInvalidRequest {
		t.Fatalf("duplicate err=%v", err)
	}
	if err := q.Enqueue(nil); core.TypeOf(err) != core.ErrInvalidRequest {
		t.Fatalf("nil err=%v", err)
	}
}

func TestPacket_AckSharesCorrelationID(t *testing.T) {
	q := NewQueue(DefaultConfig(), Deps{})
	sender := &recordingSender{}
	cid := protocol.NewID()
	for i := 0; i < 3; i++ {
		_ = q.Enqueue(NewPacket(protocol.NewAudioChunkPacket(t0, []byte{0, 0}, cid, nil)))
	}
	_ = q.Enqueue(NewPacket(protocol.NewTextPacket(t0, "other", nil)))
	q.Flush(context.Background(), sender)

	if got := q.Ack(cid); got != 3 {
		t.Fatalf("Ack removed %d, want 3", got)
	}
	if len(q.Sent()) != 1 {
		t.Fatalf("sent=%d, want 1", len(q.Sent()))
	}
	if q.Ack("") != 0 {
		t.Fatalf("empty correlation id acknowledged packets")
	}
}

type blockingSender struct {
	started chan struct{}
	release chan struct{}
}

func (s *blockingSender) Send(ctx context.Context, _ *protocol.Packet) error {
	close(s.started)
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestQueue_EnqueueDoesNotWaitOnStalledSend(t *testing.T) {
	dir := directory.New()
	dir.Update([]protocol.AgentInfo{{AgentID: "live-bob", BrainName: "bob"}})
	q := NewQueue(DefaultConfig(), Deps{Resolver: dir})
	if err := q.Enqueue(textTo("first", "bob")); err != nil {
		t.Fatalf("Enqueue error = %v", err)
	}

	sender := &blockingSender{started: make(chan struct{}), release: make(chan struct{})}
	flushed := make(chan int, 1)
	go func() {
		n, _ := q.Flush(context.Background(), sender)
		flushed <- n
	}()
	<-sender.started

	enqueued := make(chan error, 1)
	go func() { enqueued <- q.Enqueue(textTo("second", "bob")) }()
	select {
	case err := <-enqueued:
		if err != nil {
			t.Fatalf("Enqueue error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Enqueue blocked behind an in-flight send")
	}
	if got := len(q.Prepared()); got != 2 {
		t.Fatalf("prepared=%d during send, want 2", got)
	}

	close(sender.release)
	if n := <-flushed; n != 1 {
		t.Fatalf("flushed=%d, want 1", n)
	}
	if len(q.Sent()) != 1 || len(q.Prepared()) != 1 {
		t.Fatalf("sent=%d prepared=%d after send", len(q.Sent()), len(q.Prepared()))
	}
}
