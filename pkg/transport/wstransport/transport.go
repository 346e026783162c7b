// Package wstransport implements transport.Dialer over a websocket.
package wstransport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-converse/pkg/auth"
	"github.com/vango-go/vai-converse/pkg/core"
	"github.com/vango-go/vai-converse/pkg/transport"
)

const (
	defaultConnectTimeout = 15 * time.Second
	defaultPingInterval   = 20 * time.Second
	defaultWriteTimeout   = 5 * time.Second
	defaultReadLimit      = 4 << 20
)

// Application close codes used by the service to end a session.
const (
	CloseSessionInvalid    = 4001
	CloseResourceExhausted = 4029
)

// Config configures the dialer.
type Config struct {
	URL string
	// Header is added to every handshake request.
	Header http.Header
	// HandshakeTimeout bounds the dial when ctx has no deadline.
	HandshakeTimeout time.Duration
	// PingInterval is the keepalive period. Zero uses the default; negative
	// disables pings.
	PingInterval time.Duration
	WriteTimeout time.Duration
	ReadLimit    int64
}

// DefaultConfig returns dialer defaults for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:              url,
		HandshakeTimeout: defaultConnectTimeout,
		PingInterval:     defaultPingInterval,
		WriteTimeout:     defaultWriteTimeout,
		ReadLimit:        defaultReadLimit,
	}
}

// Dialer opens websocket connections.
type Dialer struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger
}

// NewDialer creates a Dialer. A nil logger uses slog.Default().
func NewDialer(cfg Config, logger *slog.Logger) *Dialer {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultConnectTimeout
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := *websocket.DefaultDialer
	d.HandshakeTimeout = cfg.HandshakeTimeout
	return &Dialer{cfg: cfg, dialer: &d, logger: logger}
}

// Dial implements transport.Dialer.
func (d *Dialer) Dial(ctx context.Context, token auth.Token, onMessage func(data []byte)) (transport.Conn, error) {
	if strings.TrimSpace(d.cfg.URL) == "" {
		return nil, core.NewInvalidRequestError("websocket url is required")
	}
	headers := make(http.Header)
	for k, v := range d.cfg.Header {
		headers[k] = append([]string(nil), v...)
	}
	if token.Token != "" {
		headers.Set("Authorization", token.AuthorizationHeader())
	}

	dialCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		dialCtx, cancel = context.WithTimeout(ctx, d.cfg.HandshakeTimeout)
		defer cancel()
	}

	ws, resp, err := d.dialer.DialContext(dialCtx, d.cfg.URL, headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			e := core.FromHTTPStatus(resp.StatusCode, strings.TrimSpace(string(body)), resp.Header.Get("Retry-After"))
			e.Cause = err
			return nil, e
		}
		return nil, core.NewTransportError(fmt.Sprintf("websocket dial %s failed", d.cfg.URL), err)
	}
	ws.SetReadLimit(d.cfg.ReadLimit)

	c := &Conn{
		ws:        ws,
		cfg:       d.cfg,
		logger:    d.logger,
		onMessage: onMessage,
		done:      make(chan struct{}),
	}
	go c.readLoop()
	if d.cfg.PingInterval > 0 {
		go c.pingLoop()
	}
	return c, nil
}

// Conn is an open websocket connection.
type Conn struct {
	ws        *websocket.Conn
	cfg       Config
	logger    *slog.Logger
	onMessage func(data []byte)

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}

	errMu sync.Mutex
	err   error
}

var _ transport.Conn = (*Conn)(nil)

// Send writes one text frame.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	if c.closed.Load() {
		return core.NewTransportError("websocket is closed", nil)
	}
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return core.NewTransportError("websocket write failed", err)
	}
	return nil
}

// Close sends a normal close frame, closes the socket and waits for the read
// loop to exit.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
	<-c.done
	return nil
}

// Done is closed when the read loop exits.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the terminal error once Done is closed.
func (c *Conn) Err() error {
	select {
	case <-c.done:
	default:
		return nil
	}
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Conn) setErr(err error) {
	if err == nil {
		return
	}
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *Conn) readLoop() {
	defer close(c.done)
	defer c.closed.Store(true)

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}
			c.setErr(classifyReadError(err))
			_ = c.ws.Close()
			return
		}
		if messageType != websocket.TextMessage {
			c.logger.Debug("ignoring non-text websocket frame", "message_type", messageType)
			continue
		}
		if c.onMessage != nil {
			c.onMessage(data)
		}
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}

// classifyReadError maps a terminal read error to the error taxonomy. A
// normal close is not an error.
func classifyReadError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway:
			return nil
		case websocket.ClosePolicyViolation, CloseSessionInvalid:
			return core.NewSessionInvalidError(closeText(ce), fmt.Sprint(ce.Code))
		case CloseResourceExhausted:
			e := core.NewResourceExhaustedError(closeText(ce), 0)
			e.Code = fmt.Sprint(ce.Code)
			return e
		}
		e := core.NewTransportError(closeText(ce), err)
		e.Code = fmt.Sprint(ce.Code)
		return e
	}
	return core.NewTransportError("websocket read failed", err)
}

func closeText(ce *websocket.CloseError) string {
	if t := strings.TrimSpace(ce.Text); t != "" {
		return t
	}
	return fmt.Sprintf("websocket closed with code %d", ce.Code)
}
