package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"

	"github.com/vango-go/vai-converse/pkg/core/audio"
	"github.com/vango-go/vai-converse/pkg/core/protocol"
)

// speaker plays agent audio.
type speaker interface {
	Write(pcm []byte)
	Flush()
	Close()
}

// devices owns the audio backends opened for a run.
type devices struct {
	mic     audio.Source
	speaker speaker
	close   func()
}

func openDevices(enableMic, enableSpeaker bool) (*devices, error) {
	d := &devices{close: func() {}}
	var cleanups []func()

	if enableMic {
		malgoCtx, err := malgo.InitContext(nil, malgo.ContextConfig{ThreadPriority: malgo.ThreadPriorityRealtime}, nil)
		if err != nil {
			return nil, fmt.Errorf("init audio context: %w", err)
		}
		mic := newMicSource(malgoCtx)
		d.mic = mic
		cleanups = append(cleanups, func() {
			_ = mic.Stop()
			_ = malgoCtx.Uninit()
			malgoCtx.Free()
		})
	}

	if enableSpeaker {
		// 100ms of 16kHz mono PCM16.
		otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   protocol.AudioSampleRateHz,
			ChannelCount: protocol.AudioChannels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   3200,
		})
		if err != nil {
			for _, c := range cleanups {
				c()
			}
			return nil, fmt.Errorf("init speaker: %w", err)
		}
		<-ready
		sp := newSpeakerWriter(otoCtx)
		d.speaker = sp
		cleanups = append(cleanups, sp.Close)
	}

	d.close = func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	return d, nil
}

// micSource captures the default input device at the wire format and
// writes samples into the pipeline's ring buffer.
type micSource struct {
	ctx *malgo.AllocatedContext

	mu     sync.Mutex
	device *malgo.Device
}

func newMicSource(ctx *malgo.AllocatedContext) *micSource {
	return &micSource{ctx: ctx}
}

func (m *micSource) Format() audio.Format { return audio.WireFormat }

func (m *micSource) Start(_ context.Context, w *audio.CircularBuffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device != nil {
		return nil
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(audio.WireFormat.Channels)
	cfg.SampleRate = uint32(audio.WireFormat.SampleRate)
	cfg.PeriodSizeInMilliseconds = 20

	device, err := malgo.InitDevice(m.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			w.Write(audio.DecodePCM16(input))
		},
	})
	if err != nil {
		return fmt.Errorf("init microphone: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("start microphone: %w", err)
	}
	m.device = device
	return nil
}

func (m *micSource) Stop() error {
	m.mu.Lock()
	device := m.device
	m.device = nil
	m.mu.Unlock()
	if device == nil {
		return nil
	}
	err := device.Stop()
	device.Uninit()
	return err
}

// speakerWriter feeds an oto player from an in-memory PCM queue.
type speakerWriter struct {
	otoCtx  *oto.Context
	player  *oto.Player
	buf     []byte
	mu      sync.Mutex
	cond    *sync.Cond
	playing bool
	closed  bool
}

func newSpeakerWriter(ctx *oto.Context) *speakerWriter {
	s := &speakerWriter{
		otoCtx: ctx,
		buf:    make([]byte, 0, protocol.AudioSampleRateHz*4),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *speakerWriter) Write(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	s.buf = append(s.buf, data...)
	if !s.playing {
		s.playing = true
		s.player = s.otoCtx.NewPlayer(s)
		s.player.Play()
	}
	s.cond.Signal()
}

// Read implements io.Reader for oto.Player.
func (s *speakerWriter) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.buf) == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.closed && len(s.buf) == 0 {
		clear(p)
		return len(p), nil
	}

	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

func (s *speakerWriter) Close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	player := s.player
	s.mu.Unlock()

	if player != nil {
		_ = player.Close()
	}
}

// Flush drops queued audio and stops the current player so the next reply
// starts clean.
func (s *speakerWriter) Flush() {
	s.mu.Lock()
	s.buf = s.buf[:0]
	if s.player == nil || !s.playing {
		s.mu.Unlock()
		return
	}
	s.playing = false
	player := s.player
	s.player = nil
	s.mu.Unlock()

	player.Pause()
	player.Reset()
	_ = player.Close()
}
