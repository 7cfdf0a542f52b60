// Package realtime implements the cluster-wide pub/sub fabric, channel
// authorization, and presence tracking (spec §4.5). Grounded on the
// teacher's internal/notifications package (notifier.go's Redis pub/sub
// helpers, hub.go/chat_hub.go's local fan-out and room membership),
// generalized from a fixed set of hand-coded channel families
// (notifications:user:*, chat:conv:*, game:room:*) into declaratively
// registered, authorization-gated channel definitions with cluster presence.
package realtime

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"sync"

	"actionkit/internal/action"
	"actionkit/internal/apperrors"
	"actionkit/internal/conn"
)

var channelNamePattern = regexp.MustCompile(`^[A-Za-z0-9:._-]{1,200}$`)

// ValidateChannelName enforces spec §4.5's naming constraint on a concrete
// (non-pattern) channel name a client is subscribing to.
func ValidateChannelName(name string) error {
	if !channelNamePattern.MatchString(name) {
		return apperrors.New(apperrors.ConnectionChannelValid, fmt.Sprintf("invalid channel name %q", name))
	}
	return nil
}

// Definition is a registered channel (spec §3). Pattern may contain "*"
// segments matched with path.Match semantics (e.g. "chat:conv:*").
type Definition struct {
	Name        string
	Description string
	Middleware  []action.Middleware
	Authorize   func(channelName string, c *conn.Connection) error
	PresenceKey func(c *conn.Connection) string
}

func (d *Definition) matches(name string) bool {
	if !strings.Contains(d.Name, "*") {
		return d.Name == name
	}
	ok, err := path.Match(d.Name, name)
	return err == nil && ok
}

func (d *Definition) presenceKey(c *conn.Connection) string {
	if d.PresenceKey != nil {
		return d.PresenceKey(c)
	}
	return c.ID()
}

// Registry holds every registered channel definition.
type Registry struct {
	mu    sync.RWMutex
	defs  []*Definition
}

// NewRegistry returns an empty channel registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a channel definition.
func (r *Registry) Register(def *Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs = append(r.defs, def)
}

// Find returns the first registered definition whose name matches name,
// literally or as a pattern (spec §4.5: "the first registered channel whose
// name matches").
func (r *Registry) Find(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.defs {
		if d.matches(name) {
			return d, true
		}
	}
	return nil, false
}
