// Package auth acquires the bearer tokens used to open a conversation
// session.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/vai-converse/pkg/core"
)

// Token is a session credential.
type Token struct {
	Token          string    `json:"token"`
	Type           string    `json:"type"`
	ExpirationTime time.Time `json:"expirationTime"`
	SessionID      string    `json:"sessionId,omitempty"`
}

// Valid reports whether the token is usable at now with skew of headroom. A
// token without an expiration never expires.
func (t Token) Valid(now time.Time, skew time.Duration) bool {
	if t.Token == "" {
		return false
	}
	if t.ExpirationTime.IsZero() {
		return true
	}
	return now.Add(skew).Before(t.ExpirationTime)
}

// AuthorizationHeader formats the token for an Authorization header.
func (t Token) AuthorizationHeader() string {
	typ := strings.TrimSpace(t.Type)
	if typ == "" {
		typ = "Bearer"
	}
	return typ + " " + t.Token
}

// Provider returns a token for the next connection attempt.
type Provider interface {
	GetToken(ctx context.Context) (Token, error)
}

// StaticProvider always returns the same token.
type StaticProvider struct {
	Token Token
}

// GetToken implements Provider.
func (p StaticProvider) GetToken(context.Context) (Token, error) {
	if p.Token.Token == "" {
		return Token{}, core.NewSessionInvalidError("no token configured", "missing_token")
	}
	return p.Token, nil
}

// HTTPProvider exchanges an API key for a session token at a token endpoint.
type HTTPProvider struct {
	Endpoint string
	APIKey   string
	// Scene is sent as the resource the token is requested for.
	Scene  string
	Client *http.Client
}

// NewHTTPProvider creates a provider with a client using transport-level
// timeouts.
func NewHTTPProvider(endpoint, apiKey, scene string) *HTTPProvider {
	return &HTTPProvider{
		Endpoint: endpoint,
		APIKey:   apiKey,
		Scene:    scene,
		Client:   newDefaultHTTPClient(),
	}
}

func newDefaultHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ForceAttemptHTTP2:     true,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	return &http.Client{Transport: transport, Timeout: 30 * time.Second}
}

// GetToken implements Provider.
func (p *HTTPProvider) GetToken(ctx context.Context) (Token, error) {
	if p.Endpoint == "" {
		return Token{}, core.NewInvalidRequestError("token endpoint is required")
	}
	body, err := json.Marshal(map[string]string{"resourceName": p.Scene})
	if err != nil {
		return Token{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Token{}, core.NewInvalidRequestError(fmt.Sprintf("build token request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Basic "+p.APIKey)
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Token{}, core.NewTransportError("token request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Token{}, core.NewTransportError("read token response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Token{}, core.FromHTTPStatus(resp.StatusCode, errorMessage(raw), resp.Header.Get("Retry-After"))
	}

	var tok Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return Token{}, core.NewTransportError("decode token response", err)
	}
	if tok.Token == "" {
		return Token{}, core.NewSessionInvalidError("token endpoint returned an empty token", "empty_token")
	}
	return tok, nil
}

func errorMessage(body []byte) string {
	var env struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &env); err == nil {
		if env.Error != nil && env.Error.Message != "" {
			return env.Error.Message
		}
		if env.Message != "" {
			return env.Message
		}
	}
	return strings.TrimSpace(string(body))
}

// CachingProvider reuses a token until Skew before its expiration.
type CachingProvider struct {
	Provider Provider
	Skew     time.Duration

	mu     sync.Mutex
	cached Token
	now    func() time.Time
}

// NewCachingProvider wraps p.
func NewCachingProvider(p Provider, skew time.Duration) *CachingProvider {
	return &CachingProvider{Provider: p, Skew: skew, now: time.Now}
}

// GetToken implements Provider.
func (c *CachingProvider) GetToken(ctx context.Context) (Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now
	if c.now != nil {
		now = c.now
	}
	if c.cached.Valid(now(), c.Skew) {
		return c.cached, nil
	}
	tok, err := c.Provider.GetToken(ctx)
	if err != nil {
		return Token{}, err
	}
	c.cached = tok
	return tok, nil
}

// Invalidate drops the cached token, for example after the server rejected
// it.
func (c *CachingProvider) Invalidate() {
	c.mu.Lock()
	c.cached = Token{}
	c.mu.Unlock()
}
