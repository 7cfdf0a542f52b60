// runner.go wires the minimal set of collaborators the CLI transport needs
// to drive dispatch: the SQL store, the action registry, and a Dispatcher
// with no session loader. It deliberately skips Redis, the realtime bus,
// the rate limiter, the OAuth server, and the HTTP/MCP adapters — none of
// them sit on the path of the builtin actions a bare CLI invocation runs
// (spec §4.3: dispatch() is identical across transports, but a transport
// only wires what it needs to reach it; dispatch.New's own doc notes
// session may be nil "for processes that never need cookie/session-backed
// connections (e.g. a CLI action run with no identity)").
package main

import (
	"context"
	"fmt"
	"io"
	"os/user"

	"actionkit/internal/action"
	"actionkit/internal/builtins"
	"actionkit/internal/config"
	"actionkit/internal/conn"
	"actionkit/internal/dispatch"
	"actionkit/internal/logger"
	"actionkit/internal/sqlstore"
)

// cliRuntime holds the collaborators one invocation needs and how to tear
// them down afterward.
type cliRuntime struct {
	dispatcher *dispatch.Dispatcher
	actions    *action.Registry
	teardown   func(ctx context.Context)
}

func newCLIRuntime(ctx context.Context) (*cliRuntime, error) {
	cfg, err := config.Load(nil)
	if err != nil {
		return nil, fmt.Errorf("sanctumctl: load configuration: %w", err)
	}

	log := logger.New(io.Discard, logger.TextFormat)

	store := sqlstore.New(cfg.Database, log)
	if _, err := store.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("sanctumctl: connect database: %w", err)
	}

	actions := action.NewRegistry()
	users := sqlstore.NewUsers(store)
	for _, def := range builtins.Actions(users) {
		if err := actions.Register(def); err != nil {
			_ = store.Stop(ctx)
			return nil, fmt.Errorf("sanctumctl: register builtin actions: %w", err)
		}
	}

	dispatcher := dispatch.New(actions, nil, log)

	return &cliRuntime{
		dispatcher: dispatcher,
		actions:    actions,
		teardown: func(ctx context.Context) {
			_ = store.Stop(ctx)
		},
	}, nil
}

// cliIdentifier returns the invoking OS user's name, falling back to "cli"
// when the lookup fails (containers without /etc/passwd entries, mainly).
func cliIdentifier() string {
	u, err := user.Current()
	if err != nil || u.Username == "" {
		return "cli"
	}
	return u.Username
}

func newCLIConn() *conn.Connection {
	return conn.New(conn.TypeCLI, cliIdentifier())
}
