package live

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-converse/pkg/auth"
	"github.com/vango-go/vai-converse/pkg/core"
	"github.com/vango-go/vai-converse/pkg/core/audio"
	"github.com/vango-go/vai-converse/pkg/core/correlate"
	"github.com/vango-go/vai-converse/pkg/core/directory"
	"github.com/vango-go/vai-converse/pkg/core/interaction"
	"github.com/vango-go/vai-converse/pkg/core/outgoing"
	"github.com/vango-go/vai-converse/pkg/core/protocol"
	"github.com/vango-go/vai-converse/pkg/transport"
)

// Handler receives everything the session presents. Presentation callbacks
// run on the tick goroutine in arrival order; OnStatusChanged may also run on
// the connection supervisor goroutine. Handlers may call back into the
// Session.
type Handler interface {
	interaction.Presenter
	OnStatusChanged(status Status, message string)
}

// HandlerFuncs adapts optional functions to Handler.
type HandlerFuncs struct {
	PacketReceived         func(p *protocol.Packet)
	InteractionPresentable func(u *correlate.Utterance)
	StatusChanged          func(status Status, message string)
}

// OnPacketReceived implements Handler.
func (h HandlerFuncs) OnPacketReceived(p *protocol.Packet) {
	if h.PacketReceived != nil {
		h.PacketReceived(p)
	}
}

// OnInteractionPresentable implements Handler.
func (h HandlerFuncs) OnInteractionPresentable(u *correlate.Utterance) {
	if h.InteractionPresentable != nil {
		h.InteractionPresentable(u)
	}
}

// OnStatusChanged implements Handler.
func (h HandlerFuncs) OnStatusChanged(status Status, message string) {
	if h.StatusChanged != nil {
		h.StatusChanged(status, message)
	}
}

// Recorder observes session activity. metrics.Metrics implements it.
type Recorder interface {
	outgoing.Recorder
	audio.Recorder
	RecordPacketReceived(packetType string)
	RecordRouted(disposition string)
	RecordMalformed()
	RecordConnect(result string, duration time.Duration)
	SetStatus(current string, all []string)
	RecordCancel(kind string)
}

type nopRecorder struct{}

func (nopRecorder) RecordOutgoingSent(string)           {}
func (nopRecorder) RecordOutgoingEvicted(string)        {}
func (nopRecorder) RecordOutgoingAcked(int)             {}
func (nopRecorder) RecordAudioChunk(bool)               {}
func (nopRecorder) RecordPacketReceived(string)         {}
func (nopRecorder) RecordRouted(string)                 {}
func (nopRecorder) RecordMalformed()                    {}
func (nopRecorder) RecordConnect(string, time.Duration) {}
func (nopRecorder) SetStatus(string, []string)          {}
func (nopRecorder) RecordCancel(string)                 {}

// Dependencies are the collaborators of a Session.
type Dependencies struct {
	Dialer  transport.Dialer
	Auth    auth.Provider
	Handler Handler
	// Source is the microphone. Nil disables StartAudio.
	Source audio.Source
	// Recorder is optional; leave nil to disable metrics.
	Recorder Recorder
	Logger   *slog.Logger
	// Now is the clock. Default: time.Now.
	Now func() time.Time
}

// Session is one conversation with the remote agent service.
type Session struct {
	cfg     Config
	deps    Dependencies
	handler Handler
	rec     Recorder
	logger  *slog.Logger
	now     func() time.Time

	directory *directory.Directory
	outgoing  *outgoing.Queue
	inbound   chan *protocol.Packet

	// mu guards the engines, the pipeline and the pending notifications.
	mu       sync.Mutex
	engines  map[string]*interaction.Engine
	order    []string
	pipeline *audio.Pipeline
	notes    []func()

	statusMu  sync.Mutex
	status    Status
	statusMsg string
	parked    bool
	wake      chan struct{}

	connMu sync.Mutex
	conn   transport.Conn

	runMu   sync.Mutex
	runCtx  context.Context
	cancel  context.CancelFunc
	running atomic.Bool

	done     chan struct{}
	stopOnce sync.Once
}

// NewSession creates an idle session. Call Run to connect.
func NewSession(cfg Config, deps Dependencies) (*Session, error) {
	if deps.Dialer == nil {
		return nil, core.NewInvalidRequestError("dialer is required")
	}
	if deps.Auth == nil {
		return nil, core.NewInvalidRequestError("auth provider is required")
	}
	cfg = cfg.withDefaults()

	s := &Session{
		cfg:       cfg,
		deps:      deps,
		handler:   deps.Handler,
		rec:       deps.Recorder,
		logger:    deps.Logger,
		now:       deps.Now,
		directory: directory.New(),
		inbound:   make(chan *protocol.Packet, cfg.InboundBuffer),
		engines:   make(map[string]*interaction.Engine),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	if s.handler == nil {
		s.handler = HandlerFuncs{}
	}
	if s.rec == nil {
		s.rec = nopRecorder{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}

	s.outgoing = outgoing.NewQueue(cfg.Outgoing, outgoing.Deps{
		Resolver: s.directory,
		Recorder: s.rec,
		Logger:   s.logger,
	})
	s.pipeline = audio.NewPipeline(cfg.Audio, audio.Deps{
		Source:        deps.Source,
		Enqueue:       s.outgoing.Enqueue,
		AgentSpeaking: s.agentSpeakingLocked,
		Recorder:      s.rec,
		Logger:        s.logger,
	})
	for _, name := range cfg.Agents {
		s.engineLocked(name)
	}
	return s, nil
}

// Run connects and drives the session until ctx is cancelled or Stop is
// called.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return core.NewInvalidRequestError("session is already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.runMu.Lock()
	s.runCtx = ctx
	s.cancel = cancel
	s.runMu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.tickLoop(gctx) })
	g.Go(func() error { return s.supervise(gctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop ends capture, closes the connection and stops Run.
func (s *Session) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.runMu.Lock()
		cancel := s.cancel
		s.runMu.Unlock()
		if cancel != nil {
			cancel()
		}
		close(s.done)

		s.mu.Lock()
		err = multierr.Append(err, s.pipeline.Stop(s.now()))
		s.mu.Unlock()

		s.connMu.Lock()
		conn := s.conn
		s.conn = nil
		s.connMu.Unlock()
		if conn != nil {
			err = multierr.Append(err, conn.Close())
		}
		s.directory.Clear()
		s.setStatus(StatusIdle, "stopped")
	})
	return err
}

func (s *Session) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(s.now())
		}
	}
}

// Tick runs one scheduler step: route inbound packets, advance every
// interaction engine, advance the audio pipeline, then flush the outgoing
// queue. Run calls it every TickInterval.
func (s *Session) Tick(now time.Time) {
	packets := s.drainInbound()

	s.mu.Lock()
	negotiated := false
	for _, p := range packets {
		if s.handlePacketLocked(now, p) {
			negotiated = true
		}
	}
	for _, name := range s.order {
		s.engines[name].Step(now)
	}
	s.pipeline.Tick(now)
	notes := s.notes
	s.notes = nil
	s.mu.Unlock()

	if negotiated && s.currentConn() != nil {
		s.setStatus(StatusConnected, "")
	}
	for _, n := range notes {
		n()
	}
	s.flush()
}

func (s *Session) drainInbound() []*protocol.Packet {
	var out []*protocol.Packet
	for {
		select {
		case p := <-s.inbound:
			out = append(out, p)
		default:
			return out
		}
	}
}

// onMessage runs on the transport read goroutine.
func (s *Session) onMessage(data []byte) {
	p, err := protocol.Decode(data)
	if err != nil {
		s.rec.RecordMalformed()
		s.logger.Warn("dropping undecodable packet", "error", err, "bytes", len(data))
		return
	}
	select {
	case s.inbound <- p:
	case <-s.done:
	case <-s.context().Done():
	}
}

// handlePacketLocked routes one inbound packet and reports whether it
// completed session negotiation.
func (s *Session) handlePacketLocked(now time.Time, p *protocol.Packet) bool {
	s.rec.RecordPacketReceived(string(p.Type))

	switch pl := p.Payload.(type) {
	case *protocol.SessionControlResponse:
		agents := pl.Agents()
		s.directory.Update(agents)
		for _, a := range agents {
			if a.BrainName != "" {
				s.engineLocked(a.BrainName)
			}
		}
		s.logger.Info("session negotiated", "agents", len(agents))
		s.notifyPacket(p)
		return true
	case *protocol.Mutation:
		name := s.participantName(p)
		cr := pl.CancelResponses
		if e, ok := s.engines[name]; ok && e.ApplyServerCancel(cr.InteractionID, cr.UtteranceIDs) {
			s.rec.RecordCancel("server")
			s.logger.Info("interaction cancelled by server",
				"participant", name, "interaction_id", cr.InteractionID, "utterances", len(cr.UtteranceIDs))
		}
		return false
	case *protocol.ControlEvent:
		switch pl.Action {
		case protocol.ControlWarning:
			s.logger.Warn("server warning", "description", pl.Description, "packet_id", p.ID.PacketID)
			s.notifyPacket(p)
			return false
		case protocol.ControlSessionEnd:
			s.logger.Info("server ended the session", "description", pl.Description)
			s.notifyPacket(p)
			return false
		case protocol.ControlInteractionEnd:
			if n := s.outgoing.Ack(p.ID.CorrelationID); n > 0 {
				s.logger.Debug("outgoing packets acknowledged", "correlation_id", p.ID.CorrelationID, "count", n)
			}
		}
	}

	name := s.participantName(p)
	if name == "" || p.ID.InteractionID == "" {
		if name == "" && p.ID.InteractionID != "" {
			s.logger.Debug("surfacing packet from unknown agent",
				"participant", p.Participant(), "packet_id", p.ID.PacketID)
			s.rec.RecordRouted("unaddressed")
		}
		s.notifyPacket(p)
		return false
	}
	d, err := s.engineLocked(name).Receive(now, p)
	if err != nil {
		s.rec.RecordMalformed()
		return false
	}
	s.rec.RecordRouted(d.String())
	return false
}

// participantName maps the packet's agent side to its brain name. It returns
// "" when the directory cannot place the agent, since an engine keyed by an
// unknown id could never address its cancel requests.
func (s *Session) participantName(p *protocol.Packet) string {
	id := p.Participant()
	if id == "" {
		return ""
	}
	if name, ok := s.directory.NameOf(id); ok {
		return name
	}
	// Packets may also name the agent by brain or given name.
	if live := s.directory.Resolve(id); live != "" {
		if name, ok := s.directory.NameOf(live); ok {
			return name
		}
	}
	return ""
}

func (s *Session) engineLocked(name string) *interaction.Engine {
	if e, ok := s.engines[name]; ok {
		return e
	}
	e := interaction.New(name, s.cfg.Interaction, interaction.Deps{
		Presenter: sessionPresenter{s},
		Send:      s.enqueueControl,
		Logger:    s.logger,
	})
	s.engines[name] = e
	s.order = append(s.order, name)
	return e
}

func (s *Session) enqueueControl(p *protocol.Packet) {
	if err := s.outgoing.Enqueue(outgoing.NewPacket(p)); err != nil {
		s.logger.Warn("failed to queue control packet", "packet_id", p.ID.PacketID, "error", err)
	}
}

func (s *Session) notifyPacket(p *protocol.Packet) {
	s.notes = append(s.notes, func() { s.handler.OnPacketReceived(p) })
}

// sessionPresenter defers engine callbacks until the tick releases mu.
type sessionPresenter struct{ s *Session }

func (sp sessionPresenter) OnPacketReceived(p *protocol.Packet) { sp.s.notifyPacket(p) }

func (sp sessionPresenter) OnInteractionPresentable(u *correlate.Utterance) {
	sp.s.notes = append(sp.s.notes, func() { sp.s.handler.OnInteractionPresentable(u) })
}

func (s *Session) flush() {
	conn := s.currentConn()
	if conn == nil {
		return
	}
	if st, _ := s.Status(); st != StatusConnected {
		return
	}
	ctx := s.context()
	sender := outgoing.SenderFunc(func(ctx context.Context, p *protocol.Packet) error {
		data, err := protocol.Encode(p)
		if err != nil {
			return err
		}
		return conn.Send(ctx, data)
	})
	if _, err := s.outgoing.Flush(ctx, sender); err != nil && ctx.Err() == nil {
		s.logger.Warn("outgoing send failed; dropping connection", "error", err)
		// Close waits for the read loop, which may be waiting on this tick.
		go func() { _ = conn.Close() }()
	}
}

// supervise keeps a connection open, reconnecting after transient failures.
func (s *Session) supervise(ctx context.Context) error {
	for {
		if err := s.waitRunnable(ctx); err != nil {
			return err
		}
		conn, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.fail(err)
			continue
		}

		select {
		case <-ctx.Done():
			s.dropConn(conn)
			return ctx.Err()
		case <-conn.Done():
		}
		s.dropConn(conn)

		if err := conn.Err(); err != nil && !core.IsRetryable(err) {
			s.fail(err)
			continue
		}
		s.logger.Warn("connection lost; reconnecting", "error", conn.Err())
		s.setStatus(StatusConnecting, "connection lost")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.ReconnectBaseDelay):
		}
	}
}

func (s *Session) connect(ctx context.Context) (transport.Conn, error) {
	b := retry.NewExponential(s.cfg.ReconnectBaseDelay)
	b = retry.WithJitterPercent(10, b)
	b = retry.WithCappedDuration(s.cfg.ReconnectMaxDelay, b)

	var conn transport.Conn
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		c, err := s.connectOnce(ctx)
		if err != nil {
			if core.IsRetryable(err) {
				s.logger.Warn("connect failed; retrying", "error", err)
				s.setStatus(StatusConnecting, err.Error())
				return retry.RetryableError(err)
			}
			return err
		}
		conn = c
		return nil
	})
	return conn, err
}

func (s *Session) connectOnce(ctx context.Context) (transport.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	start := time.Now()

	s.setStatus(StatusInitializing, "")
	token, err := s.deps.Auth.GetToken(ctx)
	if err != nil {
		s.rec.RecordConnect("auth_error", time.Since(start))
		return nil, err
	}
	s.setStatus(StatusInitialized, "")

	s.setStatus(StatusConnecting, "")
	conn, err := s.deps.Dialer.Dial(ctx, token, s.onMessage)
	if err != nil {
		s.rec.RecordConnect("error", time.Since(start))
		return nil, err
	}
	s.rec.RecordConnect("ok", time.Since(start))

	hello := protocol.NewControlPacket(s.now(), protocol.ControlSessionConfiguration, s.cfg.Scene, "", nil)
	data, err := protocol.Encode(hello)
	if err == nil {
		err = conn.Send(ctx, data)
	}
	if err != nil {
		_ = conn.Close()
		return nil, core.NewTransportError("send session configuration", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	s.logger.Info("connected; negotiating session", "scene", s.cfg.Scene, "session_id", token.SessionID)
	return conn, nil
}

func (s *Session) dropConn(conn transport.Conn) {
	s.connMu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.connMu.Unlock()
	_ = conn.Close()
	s.directory.Clear()
}

func (s *Session) currentConn() transport.Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn
}

// fail parks the supervisor until Reinitialize.
func (s *Session) fail(err error) {
	msg := err.Error()
	s.statusMu.Lock()
	s.parked = true
	s.statusMu.Unlock()

	if core.TypeOf(err) == core.ErrResourceExhausted {
		s.logger.Warn("session quota exhausted", "error", err)
		s.setStatus(StatusExhausted, msg)
		return
	}
	if core.TypeOf(err) == core.ErrSessionInvalid {
		s.outgoing.Halt()
		if inv, ok := s.deps.Auth.(interface{ Invalidate() }); ok {
			inv.Invalidate()
		}
	}
	s.logger.Error("session failed", "error", err)
	s.setStatus(StatusError, msg)
}

func (s *Session) waitRunnable(ctx context.Context) error {
	for {
		s.statusMu.Lock()
		parked := s.parked
		s.statusMu.Unlock()
		if !parked {
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		}
	}
}

// Reinitialize clears an ERROR or EXHAUSTED state: outgoing sends resume and
// the supervisor reconnects.
func (s *Session) Reinitialize() {
	s.outgoing.Resume()
	s.statusMu.Lock()
	parked := s.parked
	s.parked = false
	s.statusMu.Unlock()
	if !parked {
		return
	}
	s.setStatus(StatusIdle, "")
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) setStatus(status Status, message string) {
	s.statusMu.Lock()
	if s.status == status && s.statusMsg == message {
		s.statusMu.Unlock()
		return
	}
	s.status = status
	s.statusMsg = message
	s.statusMu.Unlock()

	s.rec.SetStatus(status.String(), statusNames())
	s.logger.Debug("session status changed", "status", status.String(), "message", message)
	s.handler.OnStatusChanged(status, message)
}

// Status returns the connection status and, for ERROR and EXHAUSTED, the
// reason.
func (s *Session) Status() (Status, string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.status, s.statusMsg
}

func (s *Session) context() context.Context {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.runCtx == nil {
		return context.Background()
	}
	return s.runCtx
}

// SendText queues a typed message. An empty agent addresses the default
// targets. The packet is sent once every target has a live session id.
func (s *Session) SendText(agent, text string) (*protocol.Packet, error) {
	if strings.TrimSpace(text) == "" {
		return nil, core.NewInvalidRequestError("text must not be empty")
	}
	return s.send(agent, s.cfg.InterruptOnSend, func(now time.Time, targets []protocol.Actor) *protocol.Packet {
		return protocol.NewTextPacket(now, text, targets)
	})
}

// SendTrigger queues a custom trigger.
func (s *Session) SendTrigger(agent, name string, params map[string]string) (*protocol.Packet, error) {
	if strings.TrimSpace(name) == "" {
		return nil, core.NewInvalidRequestError("trigger name must not be empty")
	}
	return s.send(agent, false, func(now time.Time, targets []protocol.Actor) *protocol.Packet {
		return protocol.NewCustomTrigger(now, name, params, targets)
	})
}

func (s *Session) send(agent string, interrupt bool, build func(time.Time, []protocol.Actor) *protocol.Packet) (*protocol.Packet, error) {
	targets, err := s.targets(agent)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if interrupt {
		s.mu.Lock()
		s.interruptLocked(now, targets)
		s.mu.Unlock()
	}
	p := build(now, protocol.AgentTargets(targets...))
	if err := s.outgoing.Enqueue(outgoing.NewPacket(p)); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Session) targets(agent string) ([]string, error) {
	if agent = strings.TrimSpace(agent); agent != "" {
		return []string{agent}, nil
	}
	if len(s.cfg.Agents) > 0 {
		return append([]string(nil), s.cfg.Agents...), nil
	}
	var out []string
	for _, a := range s.directory.Agents() {
		out = append(out, a.BrainName)
	}
	if len(out) == 0 {
		return nil, core.NewInvalidRequestError("no agent to address: name one or wait for the session to load agents")
	}
	return out, nil
}

func (s *Session) interruptLocked(now time.Time, targets []string) {
	for _, name := range targets {
		e, ok := s.engines[name]
		if !ok || e.Correlator().Current() == nil {
			continue
		}
		e.Cancel(now, true)
		s.rec.RecordCancel("interrupt")
	}
}

// Cancel interrupts an agent, or every agent when agent is empty. A soft
// cancel drops only interactions that have not started; a hard cancel also
// aborts the current one and asks the server to stop it.
func (s *Session) Cancel(agent string, hard bool) {
	kind := "soft"
	if hard {
		kind = "hard"
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range s.order {
		if agent != "" && name != agent {
			continue
		}
		s.engines[name].Cancel(now, hard)
		s.rec.RecordCancel(kind)
	}
}

// StartAudio starts microphone capture addressed to agents, or to the
// default targets when none are given. Calling it again while capturing
// only changes the targets.
func (s *Session) StartAudio(ctx context.Context, agents ...string) error {
	var targets []string
	for _, a := range agents {
		if a = strings.TrimSpace(a); a != "" {
			targets = append(targets, a)
		}
	}
	if len(targets) == 0 {
		t, err := s.targets("")
		if err != nil {
			return err
		}
		targets = t
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.InterruptOnSend {
		s.interruptLocked(now, targets)
	}
	return s.pipeline.Start(ctx, now, targets...)
}

// StopAudio stops microphone capture.
func (s *Session) StopAudio() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pipeline.Stop(s.now())
}

// SetPushToTalk sets the talk key state for push-to-talk mode.
func (s *Session) SetPushToTalk(held bool) { s.pipeline.SetPushToTalk(held) }

// SetMicMode switches the audio gating mode.
func (s *Session) SetMicMode(m audio.Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipeline.SetMode(m)
}

// MicMode returns the audio gating mode.
func (s *Session) MicMode() audio.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pipeline.Mode()
}

// Recalibrate resamples the microphone noise floor.
func (s *Session) Recalibrate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipeline.Recalibrate(s.now())
}

// AgentSpeaking reports whether any agent is presenting an utterance.
func (s *Session) AgentSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentSpeakingLocked()
}

func (s *Session) agentSpeakingLocked() bool {
	for _, e := range s.engines {
		if e.IsPlaying() {
			return true
		}
	}
	return false
}

// Engine returns the interaction engine of the named agent, or nil.
func (s *Session) Engine(agent string) *interaction.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engines[agent]
}

// Agents returns the names of the agents with an engine, in creation order.
func (s *Session) Agents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Outgoing exposes the outgoing queue for inspection.
func (s *Session) Outgoing() *outgoing.Queue { return s.outgoing }

// Directory exposes the live participant directory.
func (s *Session) Directory() *directory.Directory { return s.directory }
