package live

import (
	"time"

	"github.com/vango-go/vai-converse/pkg/core/audio"
	"github.com/vango-go/vai-converse/pkg/core/interaction"
	"github.com/vango-go/vai-converse/pkg/core/outgoing"
)

// Config holds all configuration for a session.
type Config struct {
	// Scene is sent in the SESSION_CONFIGURATION control after connecting.
	Scene string `json:"scene"`

	// Agents are the default targets when a send names no agent. Empty means
	// every agent the server loaded.
	Agents []string `json:"agents,omitempty"`

	// TickInterval is the scheduler period. Default: 100ms.
	TickInterval time.Duration `json:"tick_interval"`

	// InterruptOnSend hard-cancels a playing agent before a new player
	// message or audio session is sent to it. Default: true.
	InterruptOnSend bool `json:"interrupt_on_send"`

	// ConnectTimeout bounds one token fetch plus dial. Default: 15s.
	ConnectTimeout time.Duration `json:"connect_timeout"`

	// ReconnectBaseDelay and ReconnectMaxDelay shape the exponential
	// reconnect backoff. Defaults: 500ms and 10s.
	ReconnectBaseDelay time.Duration `json:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `json:"reconnect_max_delay"`

	// InboundBuffer is the capacity of the decoded-packet hand-off between
	// the transport reader and the tick. Default: 256.
	InboundBuffer int `json:"inbound_buffer"`

	Interaction interaction.Config `json:"interaction"`
	Outgoing    outgoing.Config    `json:"outgoing"`
	Audio       audio.Config       `json:"audio"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:       100 * time.Millisecond,
		InterruptOnSend:    true,
		ConnectTimeout:     15 * time.Second,
		ReconnectBaseDelay: 500 * time.Millisecond,
		ReconnectMaxDelay:  10 * time.Second,
		InboundBuffer:      256,
		Interaction:        interaction.DefaultConfig(),
		Outgoing:           outgoing.DefaultConfig(),
		Audio:              audio.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = d.ReconnectBaseDelay
	}
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		c.ReconnectMaxDelay = c.ReconnectBaseDelay
	}
	if c.InboundBuffer <= 0 {
		c.InboundBuffer = d.InboundBuffer
	}
	if c.Outgoing.MaxPrepared <= 0 {
		c.Outgoing.MaxPrepared = d.Outgoing.MaxPrepared
	}
	if c.Outgoing.MaxSent <= 0 {
		c.Outgoing.MaxSent = d.Outgoing.MaxSent
	}
	return c
}
