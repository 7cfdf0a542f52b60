// Package builtins holds the framework's own example actions, channels, and
// background task: the minimal demo surface the OAuth server's configured
// loginAction/signupAction dispatch against, plus enough of a realtime
// channel and a scheduled task to exercise internal/realtime and the task
// binding end to end. None of this is domain-specific; it exists so a fresh
// process has something to dispatch on day one. Grounded on the teacher's
// internal/server/auth_handlers.go (bcrypt hash/compare around a Postgres
// user row), generalized from hand-written Fiber handlers into
// action.Definition Run functions.
package builtins

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"actionkit/internal/action"
	"actionkit/internal/apperrors"
	"actionkit/internal/sqlstore"
)

// Actions returns the framework's built-in action set, ready to pass to
// action.Registry.Register. users may be nil only in processes that never
// register these actions (callers decide whether to wire them at all).
func Actions(users *sqlstore.Users) []*action.Definition {
	return []*action.Definition{
		signupAction(users),
		loginAction(users),
		pingAction(),
	}
}

// signupAction creates a new user row with a bcrypt-hashed password and
// returns its id, the bare string shape internal/oauth expects from
// whichever action config.oauth.signupAction names (spec §4.7).
func signupAction(users *sqlstore.Users) *action.Definition {
	return &action.Definition{
		Name:        "user:signup",
		Description: "Create a new user and return its id.",
		Web:         &action.Web{Method: action.MethodPost, Route: "/auth/signup"},
		MCP:         action.MCP{Enabled: true, IsSignupAction: true},
		InputSchema: action.InputSchema{
			"identifier": {Kind: action.KindString, Description: "username or email"},
			"password":   {Kind: action.KindString, Secret: true},
		},
		Run: func(ctx context.Context, params map[string]any, c action.Conn) (any, error) {
			identifier, _ := params["identifier"].(string)
			password, _ := params["password"].(string)
			if identifier == "" || password == "" {
				return nil, apperrors.New(apperrors.ConnectionParamValidation, "identifier and password are required")
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
			if err != nil {
				return nil, apperrors.Wrap(apperrors.ConnectionActionRun, "signup: hash password", err)
			}
			user, err := users.Create(ctx, uuid.NewString(), identifier, string(hash))
			if err != nil {
				return nil, err
			}
			return user.ID, nil
		},
	}
}

// loginAction verifies a password against the stored hash and returns the
// user's id, the bare string shape internal/oauth expects from whichever
// action config.oauth.loginAction names (spec §4.7).
func loginAction(users *sqlstore.Users) *action.Definition {
	return &action.Definition{
		Name:        "user:login",
		Description: "Verify credentials and return the user's id.",
		Web:         &action.Web{Method: action.MethodPost, Route: "/auth/login"},
		MCP:         action.MCP{Enabled: true, IsLoginAction: true},
		InputSchema: action.InputSchema{
			"identifier": {Kind: action.KindString, Description: "username or email"},
			"password":   {Kind: action.KindString, Secret: true},
		},
		Run: func(ctx context.Context, params map[string]any, c action.Conn) (any, error) {
			identifier, _ := params["identifier"].(string)
			password, _ := params["password"].(string)
			user, err := users.FindByIdentifier(ctx, identifier)
			if err != nil {
				return nil, err
			}
			if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
				return nil, apperrors.New(apperrors.ConnectionParamValidation, "invalid credentials").WithKeyValue("identifier", identifier)
			}
			return user.ID, nil
		},
	}
}

// pingAction is a trivial, dependency-free action: no database, no auth, a
// smoke test for every transport (HTTP, WS, CLI, MCP) and for the task
// runner when bound with a Task frequency.
func pingAction() *action.Definition {
	return &action.Definition{
		Name:        "system:ping",
		Description: "Return a liveness payload. Also runs on a schedule via the task runner.",
		Web:         &action.Web{Method: action.MethodGet, Route: "/ping"},
		MCP:         action.MCP{Enabled: true},
		Task:        &action.Task{FrequencyMS: 30000, Queue: "heartbeat"},
		Run: func(ctx context.Context, params map[string]any, c action.Conn) (any, error) {
			return fmt.Sprintf("pong from %s", c.Type()), nil
		},
	}
}
