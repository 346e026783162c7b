// Package config loads the terminal client configuration from the
// environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/vai-converse/pkg/core/audio"
	"github.com/vango-go/vai-converse/pkg/core/live"
)

type Config struct {
	// Service endpoints.
	WebSocketURL string
	TokenURL     string

	// Credentials: either an API key exchanged at TokenURL, or a ready-made
	// bearer token.
	APIKey string
	Token  string

	// Refresh cached tokens this long before they expire.
	TokenRefreshSkew time.Duration

	// WebSocket transport.
	PingInterval time.Duration
	WriteTimeout time.Duration

	// Observability.
	MetricsAddr string // empty => disabled
	LogLevel    string
	LogFormat   string // auto|text|json

	// Audio devices.
	EnableMic     bool
	EnableSpeaker bool

	Session live.Config
}

func LoadFromEnv() (Config, error) {
	session := live.DefaultConfig()
	session.Scene = envOr("VAI_CONVERSE_SCENE", "")
	session.Agents = splitCSV(os.Getenv("VAI_CONVERSE_AGENTS"))
	session.TickInterval = envDurationOr("VAI_CONVERSE_TICK_INTERVAL", session.TickInterval)
	session.InterruptOnSend = envBoolOr("VAI_CONVERSE_INTERRUPT_ON_SEND", session.InterruptOnSend)
	session.ConnectTimeout = envDurationOr("VAI_CONVERSE_CONNECT_TIMEOUT", session.ConnectTimeout)
	session.ReconnectBaseDelay = envDurationOr("VAI_CONVERSE_RECONNECT_BASE_DELAY", session.ReconnectBaseDelay)
	session.ReconnectMaxDelay = envDurationOr("VAI_CONVERSE_RECONNECT_MAX_DELAY", session.ReconnectMaxDelay)
	session.Interaction.PairWaitWindow = envDurationOr("VAI_CONVERSE_PAIR_WAIT_WINDOW", session.Interaction.PairWaitWindow)
	session.Interaction.TextPacing = envDurationOr("VAI_CONVERSE_TEXT_PACING", session.Interaction.TextPacing)
	session.Interaction.IdleTimeout = envDurationOr("VAI_CONVERSE_INTERACTION_IDLE_TIMEOUT", session.Interaction.IdleTimeout)
	session.Interaction.MaxProcessed = envIntOr("VAI_CONVERSE_MAX_PROCESSED_INTERACTIONS", session.Interaction.MaxProcessed)
	session.Interaction.MaxCancelled = envIntOr("VAI_CONVERSE_MAX_CANCELLED_INTERACTIONS", session.Interaction.MaxCancelled)
	session.Outgoing.MaxPrepared = envIntOr("VAI_CONVERSE_MAX_PREPARED_PACKETS", session.Outgoing.MaxPrepared)
	session.Outgoing.MaxSent = envIntOr("VAI_CONVERSE_MAX_SENT_PACKETS", session.Outgoing.MaxSent)
	session.Audio.Sensitivity = envFloat64Or("VAI_CONVERSE_MIC_SENSITIVITY", session.Audio.Sensitivity)
	session.Audio.CalibrationWindow = envDurationOr("VAI_CONVERSE_MIC_CALIBRATION", session.Audio.CalibrationWindow)
	session.Audio.ChunkDuration = envDurationOr("VAI_CONVERSE_MIC_CHUNK", session.Audio.ChunkDuration)
	session.Audio.MaxPendingChunks = envIntOr("VAI_CONVERSE_MIC_MAX_PENDING_CHUNKS", session.Audio.MaxPendingChunks)
	session.Audio.Hangover = envDurationOr("VAI_CONVERSE_MIC_HANGOVER", session.Audio.Hangover)

	cfg := Config{
		WebSocketURL:     envOr("VAI_CONVERSE_WS_URL", ""),
		TokenURL:         envOr("VAI_CONVERSE_TOKEN_URL", ""),
		APIKey:           envOr("VAI_CONVERSE_API_KEY", ""),
		Token:            envOr("VAI_CONVERSE_TOKEN", ""),
		TokenRefreshSkew: envDurationOr("VAI_CONVERSE_TOKEN_REFRESH_SKEW", 30*time.Second),
		PingInterval:     envDurationOr("VAI_CONVERSE_WS_PING_INTERVAL", 20*time.Second),
		WriteTimeout:     envDurationOr("VAI_CONVERSE_WS_WRITE_TIMEOUT", 5*time.Second),
		MetricsAddr:      envOr("VAI_CONVERSE_METRICS_ADDR", ""),
		LogLevel:         strings.ToLower(envOr("VAI_CONVERSE_LOG_LEVEL", "info")),
		LogFormat:        strings.ToLower(envOr("VAI_CONVERSE_LOG_FORMAT", "auto")),
		EnableMic:        envBoolOr("VAI_CONVERSE_MIC", false),
		EnableSpeaker:    envBoolOr("VAI_CONVERSE_SPEAKER", true),
	}

	mode, ok := audio.ParseMode(strings.ToLower(envOr("VAI_CONVERSE_MIC_MODE", session.Audio.Mode.String())))
	if !ok {
		return Config{}, fmt.Errorf("VAI_CONVERSE_MIC_MODE must be one of no_filter|push_to_talk|turn_based|aec")
	}
	session.Audio.Mode = mode
	cfg.Session = session

	if cfg.WebSocketURL == "" {
		return Config{}, fmt.Errorf("VAI_CONVERSE_WS_URL must be set")
	}
	if u, err := url.Parse(cfg.WebSocketURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return Config{}, fmt.Errorf("VAI_CONVERSE_WS_URL must be a ws:// or wss:// url")
	}
	if cfg.Token == "" && cfg.APIKey == "" {
		return Config{}, fmt.Errorf("one of VAI_CONVERSE_TOKEN or VAI_CONVERSE_API_KEY must be set")
	}
	if cfg.APIKey != "" && cfg.Token == "" && cfg.TokenURL == "" {
		return Config{}, fmt.Errorf("VAI_CONVERSE_TOKEN_URL must be set when VAI_CONVERSE_API_KEY is used")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("VAI_CONVERSE_LOG_LEVEL must be one of debug|info|warn|error")
	}
	switch cfg.LogFormat {
	case "auto", "text", "json":
	default:
		return Config{}, fmt.Errorf("VAI_CONVERSE_LOG_FORMAT must be one of auto|text|json")
	}
	if session.TickInterval <= 0 {
		return Config{}, fmt.Errorf("VAI_CONVERSE_TICK_INTERVAL must be > 0")
	}
	if session.Interaction.PairWaitWindow < 0 {
		return Config{}, fmt.Errorf("VAI_CONVERSE_PAIR_WAIT_WINDOW must be >= 0")
	}
	if session.Interaction.MaxProcessed <= 0 {
		return Config{}, fmt.Errorf("VAI_CONVERSE_MAX_PROCESSED_INTERACTIONS must be > 0")
	}
	if session.Interaction.MaxCancelled <= 0 {
		return Config{}, fmt.Errorf("VAI_CONVERSE_MAX_CANCELLED_INTERACTIONS must be > 0")
	}
	if session.Outgoing.MaxPrepared <= 0 {
		return Config{}, fmt.Errorf("VAI_CONVERSE_MAX_PREPARED_PACKETS must be > 0")
	}
	if session.Outgoing.MaxSent <= 0 {
		return Config{}, fmt.Errorf("VAI_CONVERSE_MAX_SENT_PACKETS must be > 0")
	}
	if session.ReconnectMaxDelay < session.ReconnectBaseDelay {
		return Config{}, fmt.Errorf("VAI_CONVERSE_RECONNECT_MAX_DELAY must be >= VAI_CONVERSE_RECONNECT_BASE_DELAY")
	}
	if session.Audio.Sensitivity <= 0 {
		return Config{}, fmt.Errorf("VAI_CONVERSE_MIC_SENSITIVITY must be > 0")
	}
	if session.Audio.ChunkDuration <= 0 {
		return Config{}, fmt.Errorf("VAI_CONVERSE_MIC_CHUNK must be > 0")
	}
	if session.Audio.MaxPendingChunks <= 0 {
		return Config{}, fmt.Errorf("VAI_CONVERSE_MIC_MAX_PENDING_CHUNKS must be > 0")
	}
	if cfg.WriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_CONVERSE_WS_WRITE_TIMEOUT must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
