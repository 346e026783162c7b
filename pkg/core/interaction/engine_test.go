package interaction

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/vango-go/vai-converse/pkg/core/correlate"
	"github.com/vango-go/vai-converse/pkg/core/protocol"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type recordingPresenter struct {
	packets    []string
	utterances []string
}

func (r *recordingPresenter) OnPacketReceived(p *protocol.Packet) {
	r.packets = append(r.packets, p.ID.PacketID)
}

func (r *recordingPresenter) OnInteractionPresentable(u *correlate.Utterance) {
	r.utterances = append(r.utterances, u.ID())
}

func packet(pid, uid, iid string, payload protocol.Payload) *protocol.Packet {
	return &protocol.Packet{
		Timestamp: t0,
		Type:      payload.PacketType(),
		ID:        protocol.PacketID{PacketID: pid, UtteranceID: uid, InteractionID: iid},
		Routing: protocol.Routing{
			Source: protocol.Actor{Type: protocol.ActorAgent, Name: "bob"},
			Target: protocol.Actor{Type: protocol.ActorPlayer},
		},
		Payload: payload,
	}
}

func text(pid, uid, iid, s string) *protocol.Packet {
	return packet(pid, uid, iid, &protocol.TextEvent{Text: s, Final: true})
}

func audio(pid, uid, iid string, d time.Duration) *protocol.Packet {
	n := int(d.Milliseconds()) * protocol.AudioSampleRateHz / 1000 * protocol.AudioBytesPerSample
	return packet(pid, uid, iid, &protocol.DataChunk{Type: "AUDIO", Chunk: make([]byte, n)})
}

func end(pid, iid string) *protocol.Packet {
	return packet(pid, "", iid, &protocol.ControlEvent{Action: protocol.ControlInteractionEnd})
}

func newTestEngine(cfg Config) (*Engine, *recordingPresenter, *[]*protocol.Packet) {
	pres := &recordingPresenter{}
	var sent []*protocol.Packet
	e := New("bob", cfg, Deps{
		Presenter: pres,
		Send:      func(p *protocol.Packet) { sent = append(sent, p) },
	})
	return e, pres, &sent
}

func TestEngine_PlaysUtterancesInOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PairWaitWindow = 0
	e, pres, _ := newTestEngine(cfg)

	e.Receive(t0, text("p1", "U1", "I1", "hello"))
	e.Receive(t0, text("p2", "U2", "I1", "world"))
	e.Receive(t0, end("p3", "I1"))

	now := t0
	e.Step(now)
	if e.State() != StatePlaying {
		t.Fatalf("state=%v, want PLAYING", e.State())
	}
	if diff := cmp.Diff([]string{"U1"}, pres.utterances); diff != "" {
		t.Fatalf("utterances mismatch (-want +got):\n%s", diff)
	}

	now = now.Add(100 * time.Millisecond)
	e.Step(now)
	if len(pres.utterances) != 1 {
		t.Fatalf("second utterance presented before the first finished")
	}

	now = now.Add(cfg.MinPlayback)
	e.Step(now)
	if diff := cmp.Diff([]string{"U1", "U2"}, pres.utterances); diff != "" {
		t.Fatalf("utterances mismatch (-want +got):\n%s", diff)
	}

	now = now.Add(cfg.MinPlayback)
	e.Step(now)
	if e.State() != StateIdle {
		t.Fatalf("state=%v, want IDLE after INTERACTION_END", e.State())
	}
	if diff := cmp.Diff([]string{"p3"}, pres.packets); diff != "" {
		t.Fatalf("surfaced packets mismatch (-want +got):\n%s", diff)
	}
	if !e.Correlator().IsProcessed("I1") {
		t.Fatalf("I1 not moved to processed")
	}
}

func TestEngine_PreparedBacklogWaitsForCurrentTurn(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PairWaitWindow = 0
	e, pres, _ := newTestEngine(cfg)

	e.Receive(t0, text("p1", "U1", "I1", "hello"))
	e.Step(t0)
	now := t0.Add(cfg.MinPlayback)
	e.Step(now)
	if e.State() != StateAwaitingUtterance {
		t.Fatalf("state=%v, want AWAITING_UTTERANCE", e.State())
	}

	// A second turn arrives while the first is still streaming.
	if d, _ := e.Receive(now, text("p2", "V1", "I2", "trigger reply")); d != correlate.AppendToPrepared {
		t.Fatalf("V1 disposition=%v, want prepared", d)
	}
	now = now.Add(100 * time.Millisecond)
	e.Step(now)
	if e.Correlator().Current().ID() != "I1" {
		t.Fatalf("current=%s, want I1 kept open", e.Correlator().Current().ID())
	}

	if d, _ := e.Receive(now, text("p3", "U2", "I1", "world")); d != correlate.AppendToCurrentInteraction {
		t.Fatalf("U2 disposition=%v, want current", d)
	}
	e.Receive(now, end("p4", "I1"))
	for i := 0; i < 5; i++ {
		now = now.Add(cfg.MinPlayback)
		e.Step(now)
	}

	if diff := cmp.Diff([]string{"U1", "U2", "V1"}, pres.utterances); diff != "" {
		t.Fatalf("utterances mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_PlayerEchoIsSurfacedNotPlayed(t *testing.T) {
	e, pres, _ := newTestEngine(DefaultConfig())
	echo := text("p1", "U1", "I1", "hi")
	echo.Routing.Source = protocol.PlayerActor
	e.Receive(t0, echo)

	e.Step(t0)
	if len(pres.utterances) != 0 {
		t.Fatalf("player echo was played: %v", pres.utterances)
	}
	if diff := cmp.Diff([]string{"p1"}, pres.packets); diff != "" {
		t.Fatalf("surfaced packets mismatch (-want +got):\n%s", diff)
	}
	if e.State() != StateAwaitingUtterance {
		t.Fatalf("state=%v, want AWAITING_UTTERANCE", e.State())
	}
}

func TestEngine_PairWaitWindow(t *testing.T) {
	cfg := DefaultConfig()
	e, pres, _ := newTestEngine(cfg)
	e.Receive(t0, text("p1", "U1", "I1", "hello"))

	e.Step(t0)
	if len(pres.utterances) != 0 {
		t.Fatalf("text-only utterance played before the pair window elapsed")
	}
	e.Step(t0.Add(cfg.PairWaitWindow - time.Millisecond))
	if len(pres.utterances) != 0 {
		t.Fatalf("played before the window elapsed")
	}
	e.Step(t0.Add(cfg.PairWaitWindow))
	if diff := cmp.Diff([]string{"U1"}, pres.utterances); diff != "" {
		t.Fatalf("utterances mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_PairArrivalEndsWait(t *testing.T) {
	cfg := DefaultConfig()
	e, pres, _ := newTestEngine(cfg)
	e.Receive(t0, text("p1", "U1", "I1", "hello"))
	e.Step(t0)

	e.Receive(t0, audio("p2", "U1", "I1", 300*time.Millisecond))
	e.Step(t0.Add(100 * time.Millisecond))
	if diff := cmp.Diff([]string{"U1"}, pres.utterances); diff != "" {
		t.Fatalf("utterances mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_AudioDurationDrivesPlayback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PairWaitWindow = 0
	e, _, _ := newTestEngine(cfg)
	e.Receive(t0, audio("p1", "U1", "I1", 2*time.Second))
	e.Receive(t0, end("p2", "I1"))

	e.Step(t0)
	e.Step(t0.Add(1900 * time.Millisecond))
	if !e.IsPlaying() {
		t.Fatalf("playback finished before the audio duration")
	}
	e.Step(t0.Add(2 * time.Second))
	if e.IsPlaying() {
		t.Fatalf("still playing after the audio duration")
	}
}

func TestEngine_LateAudioForPlayingUtteranceIsSurfacedOnce(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PairWaitWindow = 0
	e, pres, _ := newTestEngine(cfg)
	e.Receive(t0, text("p1", "U1", "I1", "hello"))
	e.Step(t0)

	late := audio("p2", "U1", "I1", 100*time.Millisecond)
	if d, _ := e.Receive(t0, late); d != correlate.AppendToCurrentInteraction {
		t.Fatalf("disposition=%v, want current", d)
	}
	e.Receive(t0, late)
	if diff := cmp.Diff([]string{"p2"}, pres.packets); diff != "" {
		t.Fatalf("surfaced packets mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_HardCancelDuringPlayback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PairWaitWindow = 0
	e, pres, sent := newTestEngine(cfg)
	e.Receive(t0, text("p1", "U1", "I1", "hello"))
	e.Receive(t0, text("p2", "U2", "I1", "again"))
	e.Receive(t0, text("p3", "U3", "I2", "next"))
	e.Step(t0)

	e.Cancel(t0, true)
	if e.State() != StateCancelled {
		t.Fatalf("state=%v, want CANCELLED", e.State())
	}
	if len(*sent) != 1 {
		t.Fatalf("sent=%d cancel packets, want 1", len(*sent))
	}
	m, ok := (*sent)[0].Payload.(*protocol.Mutation)
	if !ok || m.CancelResponses.InteractionID != "I1" {
		t.Fatalf("cancel payload=%+v", (*sent)[0].Payload)
	}
	if diff := cmp.Diff([]string{"U1", "U2"}, m.CancelResponses.UtteranceIDs); diff != "" {
		t.Fatalf("cancelled utterances mismatch (-want +got):\n%s", diff)
	}
	corr := e.Correlator()
	if corr.Current() != nil || len(corr.Prepared()) != 0 {
		t.Fatalf("current=%v prepared=%d after hard cancel", corr.Current(), len(corr.Prepared()))
	}

	if d, _ := e.Receive(t0, audio("p9", "U1", "I1", time.Second)); d != correlate.AppendToCancelled {
		t.Fatalf("late packet disposition=%v, want cancelled", d)
	}
	e.Step(t0.Add(time.Second))
	if e.State() != StateIdle || len(pres.utterances) != 1 {
		t.Fatalf("state=%v utterances=%v after cancel", e.State(), pres.utterances)
	}
}

func TestEngine_SoftCancelKeepsCurrent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PairWaitWindow = 0
	e, _, sent := newTestEngine(cfg)
	e.Receive(t0, text("p1", "U1", "I1", "hello"))
	e.Receive(t0, text("p2", "U2", "I2", "next"))
	e.Step(t0)

	e.Cancel(t0, false)
	if len(*sent) != 0 {
		t.Fatalf("soft cancel sent %d packets", len(*sent))
	}
	if !e.IsPlaying() || e.Correlator().Current().ID() != "I1" {
		t.Fatalf("soft cancel interrupted the current interaction")
	}
	if !e.Correlator().IsCancelled("I2") {
		t.Fatalf("prepared backlog not cancelled")
	}
}

func TestEngine_StartWhileCurrentIsRejected(t *testing.T) {
	e, _, _ := newTestEngine(DefaultConfig())
	e.Receive(t0, text("p1", "U1", "I1", "a"))
	e.Receive(t0, text("p2", "U2", "I2", "b"))
	e.Step(t0)
	if _, _, err := e.Correlator().StartNext(); !errors.Is(err, ErrInteractionInProgress) {
		t.Fatalf("err=%v, want ErrInteractionInProgress", err)
	}
}

func TestEngine_ServerCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PairWaitWindow = 0
	e, pres, _ := newTestEngine(cfg)
	e.Receive(t0, text("p1", "U1", "I1", "hello"))
	e.Receive(t0, text("p2", "U2", "I1", "world"))
	e.Step(t0)

	if !e.ApplyServerCancel("I1", []string{"U1", "U2"}) {
		t.Fatalf("ApplyServerCancel reported no change")
	}
	if e.IsPlaying() {
		t.Fatalf("cancelled utterance still playing")
	}
	e.Receive(t0, end("p3", "I1"))
	e.Step(t0.Add(10 * time.Millisecond))
	if diff := cmp.Diff([]string{"U1"}, pres.utterances); diff != "" {
		t.Fatalf("utterances mismatch (-want +got):\n%s", diff)
	}

	e.Receive(t0, text("p4", "U4", "I2", "x"))
	e.Step(t0.Add(20 * time.Millisecond))
	if !e.ApplyServerCancel("I2", nil) {
		t.Fatalf("whole-interaction cancel reported no change")
	}
	if e.State() != StateCancelled || !e.Correlator().IsCancelled("I2") {
		t.Fatalf("state=%v cancelled=%v", e.State(), e.Correlator().IsCancelled("I2"))
	}
}

func TestEngine_IdleTimeoutFinishesInteraction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PairWaitWindow = 0
	e, _, _ := newTestEngine(cfg)
	e.Receive(t0, text("p1", "U1", "I1", "hi"))
	e.Step(t0)
	e.Step(t0.Add(cfg.MinPlayback))
	if e.State() != StateAwaitingUtterance {
		t.Fatalf("state=%v, want AWAITING_UTTERANCE", e.State())
	}
	e.Step(t0.Add(cfg.IdleTimeout))
	if e.State() != StateIdle || !e.Correlator().IsProcessed("I1") {
		t.Fatalf("state=%v, interaction not finished after idle timeout", e.State())
	}
}

func TestEngine_MalformedPacketIsDropped(t *testing.T) {
	e, _, _ := newTestEngine(DefaultConfig())
	if _, err := e.Receive(t0, text("p1", "U1", "", "x")); err == nil {
		t.Fatalf("Receive accepted a packet without interaction id")
	}
	e.Step(t0)
	if e.State() != StateIdle {
		t.Fatalf("state=%v, want IDLE", e.State())
	}
}
