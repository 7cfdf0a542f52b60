// Package conn implements the transport-agnostic Connection model: the
// per-client handle dispatch, channels, and the rate limiter all operate on
// regardless of whether the underlying transport is HTTP, a WebSocket, a CLI
// invocation, or an MCP call. Grounded on the teacher's
// internal/notifications/client.go Client type (hub/conn/send-buffer/
// TrySend), generalized from a WebSocket-only struct into a capability
// (onBroadcast) any transport can implement, per spec §9's rejection of
// inheritance-based "override onBroadcastMessageReceived" polymorphism.
package conn

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// Type identifies which transport owns a Connection.
type Type string

const (
	TypeWeb       Type = "web"
	TypeWebsocket Type = "websocket"
	TypeCLI       Type = "cli"
	TypeMCP       Type = "mcp"
	TypeOAuth     Type = "oauth"
)

// RateLimitInfo is the result the rate limiter attaches to a connection so
// the HTTP layer can emit X-RateLimit-*/Retry-After headers.
type RateLimitInfo struct {
	Limit       int
	Remaining   int
	ResetAt     int64 // unix seconds
	RetryAfter  int   // seconds; 0 means absent
}

// Broadcast is the payload delivered to a connection's OnBroadcast callback
// when a message arrives on one of its subscriptions.
type Broadcast struct {
	Channel string
	Message any
	Sender  string
}

// ErrBroadcastUnsupported is returned by the default OnBroadcast, matching
// spec §9's "the default raises" for connections that never expect to
// receive fan-out (e.g. a one-shot CLI or OAuth connection).
var ErrBroadcastUnsupported = errors.New("conn: this connection type does not support broadcast delivery")

// Connection is a per-client handle. Every field after construction is
// guarded by mu except Publish/OnBroadcast, which callers set once at
// creation before the connection becomes visible to other goroutines.
type Connection struct {
	id            string
	typ           Type
	identifier    string
	correlationID string
	rawTransport  any

	// Publish defers Broadcast to the realtime fabric; set by whichever
	// component creates the connection (spec §4.4: "broadcast... defers to
	// PubSub").
	Publish func(channel string, message any) error

	// OnBroadcast is invoked by the realtime fabric's local fan-out for every
	// message on a channel this connection subscribes to. The zero value
	// raises ErrBroadcastUnsupported.
	OnBroadcast func(b Broadcast) error

	mu                  sync.Mutex
	sessionLoaded       bool
	session             *Session
	requestedSessionID  string
	authenticatedUserID string
	subscriptions       map[string]struct{}
	rateLimitInfo       *RateLimitInfo
	destroyed           bool
}

// New constructs a Connection with a fresh id. identifier is the remote IP
// or a synthetic value for non-network transports (CLI, internal calls).
func New(typ Type, identifier string) *Connection {
	return &Connection{
		id:            uuid.NewString(),
		typ:           typ,
		identifier:    identifier,
		subscriptions: make(map[string]struct{}),
		OnBroadcast: func(Broadcast) error {
			return ErrBroadcastUnsupported
		},
	}
}

func (c *Connection) ID() string         { return c.id }
func (c *Connection) Type() string       { return string(c.typ) }
func (c *Connection) Identifier() string { return c.identifier }

func (c *Connection) CorrelationID() string     { return c.correlationID }
func (c *Connection) SetCorrelationID(id string) { c.correlationID = id }

func (c *Connection) RawTransport() any          { return c.rawTransport }
func (c *Connection) SetRawTransport(t any)      { c.rawTransport = t }

// SessionLoaded reports whether LoadSession has run for this connection yet
// (spec invariant iv).
func (c *Connection) SessionLoaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionLoaded
}

// Session returns the currently attached session, if loaded.
func (c *Connection) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// RequestedSessionID returns the session id the transport parsed from the
// incoming cookie/header, if any. Empty means no session was presented and
// dispatch's session step should mint a new one.
func (c *Connection) RequestedSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestedSessionID
}

// SetRequestedSessionID records the session id a transport read from the
// incoming request, before dispatch's session-load step runs.
func (c *Connection) SetRequestedSessionID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestedSessionID = id
}

// AuthenticatedUserID returns the user id this connection authenticated as,
// if any. Distinct from a session id: a connection can carry this without
// ever having a cookie session (e.g. an MCP call authenticated by bearer
// token), and a session id is never itself a user identity.
func (c *Connection) AuthenticatedUserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticatedUserID
}

// SetAuthenticatedUserID records the user id a transport resolved from its
// own credential (an OAuth bearer token, a verified login). It is a direct
// identity attribute of the connection, never folded into RequestedSessionID
// or any other session-lookup key.
func (c *Connection) SetAuthenticatedUserID(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticatedUserID = userID
}

// AttachSession marks the session loaded exactly once; later calls are no-ops
// so sessionLoaded "then stays true" per spec invariant iv.
func (c *Connection) AttachSession(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionLoaded {
		return
	}
	c.session = s
	c.sessionLoaded = true
}

// RateLimitInfo returns the most recently attached rate-limit result.
func (c *Connection) RateLimitInfo() *RateLimitInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rateLimitInfo
}

// SetRateLimitInfo stores the rate limiter's result for this call.
func (c *Connection) SetRateLimitInfo(info *RateLimitInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rateLimitInfo = info
}

// Subscribe is a local set operation (spec §4.4); callers (the realtime
// fabric) are responsible for running authorization and presence bookkeeping
// before calling this.
func (c *Connection) Subscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[channel] = struct{}{}
}

// Unsubscribe is the dual of Subscribe.
func (c *Connection) Unsubscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, channel)
}

// Subscriptions returns a snapshot of the channels this connection currently
// subscribes to (spec §5: "readers iterate a stable snapshot").
func (c *Connection) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscriptions))
	for ch := range c.subscriptions {
		out = append(out, ch)
	}
	return out
}

// IsSubscribed reports membership without allocating a snapshot.
func (c *Connection) IsSubscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscriptions[channel]
	return ok
}

// Broadcast requires this connection to be subscribed to channel, then
// defers to the injected Publish capability (spec §4.4).
func (c *Connection) Broadcast(channel string, message any) error {
	if !c.IsSubscribed(channel) {
		return errors.New("conn: not subscribed to " + channel)
	}
	if c.Publish == nil {
		return errors.New("conn: no publish capability configured")
	}
	return c.Publish(channel, message)
}

// Destroyed reports whether Destroy has already run.
func (c *Connection) Destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// markDestroyed flips the destroyed flag, returning false if it was already
// set so callers (Manager.Destroy) can enforce exactly-once semantics.
func (c *Connection) markDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return false
	}
	c.destroyed = true
	return true
}
