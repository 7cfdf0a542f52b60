package builtins

import (
	"actionkit/internal/conn"
	"actionkit/internal/realtime"
)

// Channels returns the framework's one example channel family: an
// open-membership lobby any connection may join, used to exercise
// subscribe/unsubscribe, presence, and broadcast without any
// application-specific authorization rule attached.
func Channels() []*realtime.Definition {
	return []*realtime.Definition{
		{
			Name:        "lobby:*",
			Description: "Open presence channel, one per lobby name.",
			Authorize: func(channelName string, c *conn.Connection) error {
				return nil
			},
		},
	}
}
