// Package interaction drives presentation for one conversational participant.
//
// An Engine walks the participant's interactions in arrival order and hands
// each playable utterance to a Presenter. It never blocks: every wait
// (playback pacing, the paired-modality window) is a deadline checked on the
// next Step.
package interaction

import (
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/vango-go/vai-converse/pkg/core/correlate"
	"github.com/vango-go/vai-converse/pkg/core/protocol"
)

// ErrInteractionInProgress is returned when an interaction is started while
// another one is current.
var ErrInteractionInProgress = correlate.ErrInteractionInProgress

// State is the engine's position in the presentation cycle.
type State int

const (
	// StateIdle means no interaction is current.
	StateIdle State = iota
	// StateAwaitingUtterance means an interaction is current and the engine
	// is waiting for its next playable utterance.
	StateAwaitingUtterance
	// StatePlaying means an utterance is being presented.
	StatePlaying
	// StateCancelled means the engine was interrupted; the next Step
	// housekeeps and returns to idle.
	StateCancelled
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAwaitingUtterance:
		return "AWAITING_UTTERANCE"
	case StatePlaying:
		return "PLAYING"
	case StateCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Presenter receives what the engine decides to show.
type Presenter interface {
	// OnPacketReceived surfaces a packet that is not part of a playable
	// utterance, or one that arrived after its utterance started playing.
	OnPacketReceived(p *protocol.Packet)
	// OnInteractionPresentable hands over one utterance to present.
	OnInteractionPresentable(u *correlate.Utterance)
}

// Config tunes an Engine.
type Config struct {
	// PairWaitWindow bounds how long a playable utterance that has only one of
	// text and audio is held back waiting for the other. Zero disables the
	// wait.
	PairWaitWindow time.Duration

	// TextPacing is the presentation time per character of text-only
	// utterances.
	TextPacing time.Duration

	// MinPlayback is the shortest presentation time of any utterance.
	MinPlayback time.Duration

	// IdleTimeout finishes a current interaction that has no pending
	// utterances and has seen no packet for this long, in case its
	// INTERACTION_END never arrives.
	IdleTimeout time.Duration

	// MaxProcessed caps the processed history kept for late-packet
	// suppression.
	MaxProcessed int

	// MaxCancelled caps the cancelled ids kept for late-packet suppression.
	MaxCancelled int
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		PairWaitWindow: 2 * time.Second,
		TextPacing:     50 * time.Millisecond,
		MinPlayback:    500 * time.Millisecond,
		IdleTimeout:    10 * time.Second,
		MaxProcessed:   64,
		MaxCancelled:   64,
	}
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Presenter Presenter
	// Send enqueues a client packet, used for cancel requests.
	Send   func(p *protocol.Packet)
	Logger *slog.Logger
}

// Engine is the interaction state machine of one participant. It is not safe
// for concurrent use; the session scheduler owns it.
type Engine struct {
	name      string
	cfg       Config
	presenter Presenter
	send      func(p *protocol.Packet)
	logger    *slog.Logger

	corr  *correlate.Correlator
	state State

	playUntil  time.Time
	waiting    bool
	waitStart  time.Time
	lastPacket time.Time
}

// New creates an engine for the named participant.
func New(name string, cfg Config, deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		name:      name,
		cfg:       cfg,
		presenter: deps.Presenter,
		send:      deps.Send,
		logger:    logger.With("participant", name),
		corr:      correlate.New(),
	}
}

// Name returns the participant name.
func (e *Engine) Name() string { return e.name }

// State returns the current state.
func (e *Engine) State() State { return e.state }

// IsPlaying reports whether an utterance is being presented.
func (e *Engine) IsPlaying() bool { return e.state == StatePlaying }

// Correlator exposes the participant's queues for inspection.
func (e *Engine) Correlator() *correlate.Correlator { return e.corr }

// Receive routes an inbound packet. Malformed packets are logged and dropped;
// the returned error is informational only.
func (e *Engine) Receive(now time.Time, p *protocol.Packet) (correlate.Disposition, error) {
	var playing *correlate.Utterance
	if e.state == StatePlaying && p != nil {
		if cur := e.corr.Current().Current(); cur != nil && cur.ID() == uttKey(p) && !cur.Has(p.ID.PacketID) {
			playing = cur
		}
	}
	d, err := e.corr.Route(p)
	if err != nil {
		e.logger.Warn("dropping unroutable packet", "error", err)
		return d, err
	}
	if d == correlate.AppendToCurrentInteraction {
		e.lastPacket = now
		if playing != nil {
			e.present(p)
		}
	}
	return d, nil
}

// Step advances the state machine by one scheduler tick.
func (e *Engine) Step(now time.Time) {
	e.corr.Housekeep(e.cfg.MaxCancelled)
	if e.state == StateCancelled {
		e.state = StateIdle
		if e.corr.Current() != nil {
			e.state = StateAwaitingUtterance
		}
	}

	for {
		switch e.state {
		case StateIdle:
			it, ok, err := e.corr.StartNext()
			if err != nil {
				e.logger.Error("start interaction", "error", err)
				return
			}
			if !ok {
				return
			}
			e.lastPacket = now
			e.state = StateAwaitingUtterance
			e.logger.Debug("interaction started", "interaction_id", it.ID())

		case StateAwaitingUtterance:
			if !e.advance(now) {
				return
			}

		case StatePlaying:
			if now.Before(e.playUntil) {
				return
			}
			e.corr.Current().FinishCurrent()
			e.state = StateAwaitingUtterance

		default:
			return
		}
	}
}

// advance moves from AwaitingUtterance and reports whether Step should keep
// going in the same tick.
func (e *Engine) advance(now time.Time) bool {
	it := e.corr.Current()
	next, ok := it.PeekNext()
	if !ok {
		// A prepared backlog never ends a turn early; only the server's end
		// signal or the idle timeout does.
		if it.Ended() || e.idleExpired(now) {
			e.finishInteraction()
			return true
		}
		return false
	}

	if e.shouldWaitForPair(it, next) {
		if !e.waiting {
			e.waiting = true
			e.waitStart = now
		}
		if now.Sub(e.waitStart) < e.cfg.PairWaitWindow {
			return false
		}
		e.logger.Debug("paired modality did not arrive, presenting partial utterance",
			"interaction_id", it.ID(), "utterance_id", next.ID())
	}
	e.waiting = false

	u, _ := it.Advance()
	if !u.IsPlayable() {
		for _, p := range u.Packets() {
			e.present(p)
		}
		it.FinishCurrent()
		return true
	}

	if e.presenter != nil {
		e.presenter.OnInteractionPresentable(u)
	}
	e.playUntil = now.Add(e.playbackDuration(u))
	e.state = StatePlaying
	return false
}

func (e *Engine) shouldWaitForPair(it *correlate.Interaction, u *correlate.Utterance) bool {
	if e.cfg.PairWaitWindow <= 0 || it.Ended() || it.PendingCount() > 1 {
		return false
	}
	return u.IsPlayable() && !u.ContainsTextAndAudio()
}

func (e *Engine) idleExpired(now time.Time) bool {
	return e.cfg.IdleTimeout > 0 && now.Sub(e.lastPacket) >= e.cfg.IdleTimeout
}

func (e *Engine) finishInteraction() {
	id := e.corr.Current().ID()
	evicted := e.corr.FinishCurrent(e.cfg.MaxProcessed)
	e.state = StateIdle
	e.logger.Debug("interaction finished", "interaction_id", id, "evicted", len(evicted))
}

func (e *Engine) playbackDuration(u *correlate.Utterance) time.Duration {
	d := u.AudioDuration()
	if d == 0 {
		d = time.Duration(utf8.RuneCountInString(u.Text())) * e.cfg.TextPacing
	}
	if d < e.cfg.MinPlayback {
		d = e.cfg.MinPlayback
	}
	return d
}

func (e *Engine) present(p *protocol.Packet) {
	if e.presenter != nil {
		e.presenter.OnPacketReceived(p)
	}
}

// Cancel interrupts the participant. The prepared backlog is always dropped.
// A hard cancel also aborts the current interaction and asks the server to
// stop generating it.
func (e *Engine) Cancel(now time.Time, hard bool) {
	if hard {
		if it := e.corr.Current(); it != nil {
			if e.send != nil {
				e.send(protocol.NewCancelPacket(now, it.ID(), it.OutstandingUtteranceIDs(), protocol.AgentTargets(e.name)))
			}
			e.corr.CancelCurrent()
			e.logger.Info("interaction cancelled", "interaction_id", it.ID())
		}
		e.playUntil = time.Time{}
		e.waiting = false
		e.state = StateCancelled
	}
	if n := e.corr.CancelPrepared(); n > 0 {
		e.logger.Debug("dropped prepared interactions", "count", n)
	}
}

// ApplyServerCancel applies a cancellation requested by the server. An empty
// utteranceIDs cancels the whole interaction.
func (e *Engine) ApplyServerCancel(interactionID string, utteranceIDs []string) bool {
	it := e.corr.Current()
	stopped := false
	if it != nil && it.ID() == interactionID && e.state == StatePlaying && len(utteranceIDs) > 0 {
		if cur := it.Current(); cur != nil && contains(utteranceIDs, cur.ID()) {
			it.FinishCurrent()
			e.playUntil = time.Time{}
			e.state = StateAwaitingUtterance
			stopped = true
		}
	}
	changed := e.corr.CancelInteraction(interactionID, utteranceIDs) || stopped
	if changed && it != nil && e.corr.Current() == nil {
		e.playUntil = time.Time{}
		e.waiting = false
		e.state = StateCancelled
	}
	return changed
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func uttKey(p *protocol.Packet) string {
	if p.ID.UtteranceID != "" {
		return p.ID.UtteranceID
	}
	return p.ID.PacketID
}
