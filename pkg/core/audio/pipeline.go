// Package audio turns captured microphone samples into outgoing audio
// packets: circular buffering, noise-floor calibration, voice-activity
// gating, framing into PCM16 chunks and rate-limited dispatch.
package audio

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/vango-go/vai-converse/pkg/core/outgoing"
	"github.com/vango-go/vai-converse/pkg/core/protocol"
)

// ErrNoSource is returned by Start when the pipeline has no capture source.
var ErrNoSource = errors.New("audio: no capture source")

// Source is a platform microphone. Start begins writing interleaved PCM16
// samples into w from the capture thread; Stop ends capture.
type Source interface {
	Format() Format
	Start(ctx context.Context, w *CircularBuffer) error
	Stop() error
}

// Mode selects when captured audio is forwarded.
type Mode int

const (
	// ModeNoFilter forwards audio while voice activity is detected.
	ModeNoFilter Mode = iota
	// ModePushToTalk forwards audio only while the talk key is held.
	ModePushToTalk
	// ModeTurnBased forwards detected speech only while no agent is speaking.
	ModeTurnBased
	// ModeAEC forwards everything; echo cancellation happens downstream.
	ModeAEC
)

// String returns a human-readable mode name.
func (m Mode) String() string {
	switch m {
	case ModeNoFilter:
		return "no_filter"
	case ModePushToTalk:
		return "push_to_talk"
	case ModeTurnBased:
		return "turn_based"
	case ModeAEC:
		return "aec"
	default:
		return "unknown"
	}
}

// ParseMode parses the names returned by Mode.String.
func ParseMode(s string) (Mode, bool) {
	for _, m := range []Mode{ModeNoFilter, ModePushToTalk, ModeTurnBased, ModeAEC} {
		if m.String() == s {
			return m, true
		}
	}
	return ModeNoFilter, false
}

// State is the pipeline's position in its capture cycle.
type State int

const (
	StateIdle State = iota
	StateCalibrating
	StateCapturing
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateCalibrating:
		return "CALIBRATING"
	case StateCapturing:
		return "CAPTURING"
	default:
		return "UNKNOWN"
	}
}

// Config tunes a Pipeline.
type Config struct {
	Mode Mode
	// BufferDuration sizes the circular capture buffer.
	BufferDuration time.Duration
	// CalibrationWindow is how long background noise is sampled.
	CalibrationWindow time.Duration
	// Sensitivity multiplies the noise floor to get the speech threshold.
	Sensitivity float64
	// ChunkDuration is the audio length carried by one packet.
	ChunkDuration time.Duration
	// MaxPendingChunks bounds the dispatch FIFO; the oldest chunk is dropped
	// on overflow.
	MaxPendingChunks int
	// Hangover keeps the audio session open this long after speech stops.
	Hangover time.Duration
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		Mode:              ModeNoFilter,
		BufferDuration:    time.Second,
		CalibrationWindow: time.Second,
		Sensitivity:       2.0,
		ChunkDuration:     100 * time.Millisecond,
		MaxPendingChunks:  20,
		Hangover:          800 * time.Millisecond,
	}
}

// Recorder observes pipeline activity. metrics.Metrics implements it.
type Recorder interface {
	RecordAudioChunk(dispatched bool)
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Source Source
	// Enqueue hands a framed packet to the outgoing queue.
	Enqueue func(p *outgoing.Packet) error
	// AgentSpeaking reports whether any agent is presenting; used by
	// ModeTurnBased.
	AgentSpeaking func() bool
	Recorder      Recorder
	Logger        *slog.Logger
}

type pending struct {
	packet *outgoing.Packet
	chunk  bool
}

// Pipeline is the audio capture-to-packet pipeline. Apart from
// SetPushToTalk it is driven from the session scheduler goroutine only; the
// capture producer touches nothing but the circular buffer.
type Pipeline struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	buf    *CircularBuffer
	format Format
	cursor int
	cancel context.CancelFunc

	state      State
	calibStart time.Time
	noiseFloor float64
	speaking   bool
	ptt        atomic.Bool

	targets       []string
	inSession     bool
	correlationID string
	lastVoice     time.Time
	staging       []int16
	queue         []pending
}

// NewPipeline creates an idle pipeline.
func NewPipeline(cfg Config, deps Deps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Sensitivity <= 0 {
		cfg.Sensitivity = DefaultConfig().Sensitivity
	}
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = DefaultConfig().ChunkDuration
	}
	return &Pipeline{cfg: cfg, deps: deps, logger: logger}
}

// State returns the current state.
func (p *Pipeline) State() State { return p.state }

// Mode returns the gating mode.
func (p *Pipeline) Mode() Mode { return p.cfg.Mode }

// SetMode switches the gating mode.
func (p *Pipeline) SetMode(m Mode) { p.cfg.Mode = m }

// NoiseFloor returns the calibrated background RMS.
func (p *Pipeline) NoiseFloor() float64 { return p.noiseFloor }

// Speaking reports whether the last window was above the speech threshold.
func (p *Pipeline) Speaking() bool { return p.speaking }

// InAudioSession reports whether AUDIO_SESSION_START was sent without a
// matching end yet.
func (p *Pipeline) InAudioSession() bool { return p.inSession }

// PendingChunks returns the number of chunks waiting for dispatch.
func (p *Pipeline) PendingChunks() int {
	n := 0
	for _, it := range p.queue {
		if it.chunk {
			n++
		}
	}
	return n
}

// SetPushToTalk sets the talk key state. Safe to call from any goroutine.
func (p *Pipeline) SetPushToTalk(held bool) { p.ptt.Store(held) }

// Start begins capture addressed to targets and calibrates the noise floor.
func (p *Pipeline) Start(ctx context.Context, now time.Time, targets ...string) error {
	if p.deps.Source == nil {
		return ErrNoSource
	}
	if p.state != StateIdle {
		p.targets = append([]string(nil), targets...)
		return nil
	}
	p.format = p.deps.Source.Format()
	size := p.format.SamplesFor(p.cfg.BufferDuration)
	if p.buf == nil || p.buf.Size() != size {
		p.buf = NewCircularBuffer(size)
	} else {
		p.buf.Reset()
	}
	p.cursor = p.buf.WriteCursor()

	ctx, cancel := context.WithCancel(ctx)
	if err := p.deps.Source.Start(ctx, p.buf); err != nil {
		cancel()
		return err
	}
	p.cancel = cancel
	p.targets = append([]string(nil), targets...)
	p.beginCalibration(now)
	p.logger.Info("audio capture started", "mode", p.cfg.Mode.String(), "sample_rate", p.format.SampleRate)
	return nil
}

// Stop ends capture. An open audio session is closed after the already
// framed chunks.
func (p *Pipeline) Stop(now time.Time) error {
	if p.state == StateIdle {
		return nil
	}
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	err := p.deps.Source.Stop()
	if p.inSession {
		p.endSession(now)
	}
	p.state = StateIdle
	p.speaking = false
	p.logger.Info("audio capture stopped")
	return err
}

// Recalibrate restarts noise-floor sampling, for example after a device
// change.
func (p *Pipeline) Recalibrate(now time.Time) {
	if p.state == StateIdle {
		return
	}
	if p.inSession {
		p.endSession(now)
	}
	p.beginCalibration(now)
}

func (p *Pipeline) beginCalibration(now time.Time) {
	p.state = StateCalibrating
	p.calibStart = now
	p.noiseFloor = 0
	p.speaking = false
}

// Tick consumes newly captured samples and dispatches at most one chunk.
func (p *Pipeline) Tick(now time.Time) {
	if p.state != StateIdle {
		p.consume(now)
	}
	p.dispatch()
}

func (p *Pipeline) consume(now time.Time) {
	raw, next := p.buf.ReadSince(p.cursor)
	p.cursor = next
	samples := Resample(raw, p.format)

	if p.state == StateCalibrating {
		if len(samples) > 0 {
			if rms := RMS(samples); rms > p.noiseFloor {
				p.noiseFloor = rms
			}
		}
		if now.Sub(p.calibStart) >= p.cfg.CalibrationWindow {
			p.state = StateCapturing
			p.logger.Debug("audio calibrated", "noise_floor", p.noiseFloor)
		}
		return
	}

	if len(samples) == 0 {
		if p.inSession && !p.gateOpen(now, false) {
			p.endSession(now)
		}
		return
	}

	p.speaking = RMS(samples) > p.noiseFloor*p.cfg.Sensitivity
	if p.speaking {
		p.lastVoice = now
	}
	if !p.gateOpen(now, p.speaking) {
		if p.inSession {
			p.endSession(now)
		}
		return
	}
	if !p.inSession {
		p.beginSession(now)
	}
	p.staging = append(p.staging, samples...)
	per := WireFormat.SamplesFor(p.cfg.ChunkDuration)
	for len(p.staging) >= per {
		p.frame(now, p.staging[:per])
		p.staging = append(p.staging[:0], p.staging[per:]...)
	}
}

// gateOpen decides whether audio is forwarded in the current mode.
func (p *Pipeline) gateOpen(now time.Time, speaking bool) bool {
	voiced := speaking || (p.inSession && now.Sub(p.lastVoice) < p.cfg.Hangover)
	switch p.cfg.Mode {
	case ModeAEC:
		return true
	case ModePushToTalk:
		return p.ptt.Load()
	case ModeTurnBased:
		if p.deps.AgentSpeaking != nil && p.deps.AgentSpeaking() {
			return false
		}
		return voiced
	default:
		return voiced
	}
}

func (p *Pipeline) beginSession(now time.Time) {
	p.inSession = true
	p.correlationID = protocol.NewID()
	p.staging = p.staging[:0]
	p.push(pending{packet: p.control(now, protocol.ControlAudioSessionStart)})
}

func (p *Pipeline) endSession(now time.Time) {
	if len(p.staging) > 0 {
		p.frame(now, p.staging)
		p.staging = p.staging[:0]
	}
	p.push(pending{packet: p.control(now, protocol.ControlAudioSessionEnd)})
	p.inSession = false
	p.correlationID = ""
}

func (p *Pipeline) control(now time.Time, action protocol.ControlAction) *outgoing.Packet {
	pkt := protocol.NewControlPacket(now, action, "", p.correlationID, protocol.AgentTargets(p.targets...))
	return outgoing.NewPacket(pkt, p.targets...)
}

func (p *Pipeline) frame(now time.Time, samples []int16) {
	pkt := protocol.NewAudioChunkPacket(now, EncodePCM16(samples), p.correlationID, protocol.AgentTargets(p.targets...))
	p.push(pending{packet: outgoing.NewPacket(pkt, p.targets...), chunk: true})
}

// push appends to the dispatch FIFO, dropping the oldest chunk beyond the
// capacity. Session controls are never dropped.
func (p *Pipeline) push(it pending) {
	p.queue = append(p.queue, it)
	if !it.chunk || p.cfg.MaxPendingChunks <= 0 {
		return
	}
	for p.PendingChunks() > p.cfg.MaxPendingChunks {
		for i, q := range p.queue {
			if q.chunk {
				p.queue = append(p.queue[:i], p.queue[i+1:]...)
				break
			}
		}
		if p.deps.Recorder != nil {
			p.deps.Recorder.RecordAudioChunk(false)
		}
		p.logger.Debug("audio chunk dropped", "pending", p.cfg.MaxPendingChunks)
	}
}

// dispatch hands leading controls and at most one chunk to the outgoing
// queue.
func (p *Pipeline) dispatch() {
	for len(p.queue) > 0 {
		it := p.queue[0]
		p.queue = p.queue[1:]
		if p.deps.Enqueue != nil {
			if err := p.deps.Enqueue(it.packet); err != nil {
				p.logger.Warn("enqueue audio packet", "error", err)
			}
		}
		if it.chunk {
			if p.deps.Recorder != nil {
				p.deps.Recorder.RecordAudioChunk(true)
			}
			return
		}
	}
}
