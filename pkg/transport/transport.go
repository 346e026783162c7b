// Package transport defines the streaming connection the session engine
// talks through. Implementations live in subpackages.
package transport

import (
	"context"

	"github.com/vango-go/vai-converse/pkg/auth"
)

// Conn is an open bidirectional packet stream.
type Conn interface {
	// Send writes one encoded packet. Safe for concurrent use.
	Send(ctx context.Context, data []byte) error
	// Close shuts the connection down and waits for the read loop to exit.
	Close() error
	// Done is closed once the connection has terminated.
	Done() <-chan struct{}
	// Err returns the terminal error after Done, or nil for a clean close.
	// Errors are *core.Error values classified for the reconnect policy.
	Err() error
}

// Dialer opens connections. onMessage is called from the connection's read
// goroutine for every inbound text frame.
type Dialer interface {
	Dial(ctx context.Context, token auth.Token, onMessage func(data []byte)) (Conn, error)
}
