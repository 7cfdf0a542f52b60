package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"actionkit/internal/action"
	"actionkit/internal/apperrors"
	"actionkit/internal/config"
	"actionkit/internal/conn"
	"actionkit/internal/dispatch"
	"actionkit/internal/logger"
	"actionkit/internal/ratelimit"
	"actionkit/internal/rdb"
	"actionkit/internal/realtime"
)

type fakeSessionLoader struct {
	session *conn.Session
}

func (f *fakeSessionLoader) LoadOrCreate(ctx context.Context, c *conn.Connection) (*conn.Session, error) {
	return f.session, nil
}

func newTestServer(t *testing.T) (*Server, *action.Registry, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := rdb.New(mr.Addr())
	require.NoError(t, err)

	log := logger.New(io.Discard, logger.TextFormat)
	actions := action.NewRegistry()
	d := dispatch.New(actions, &fakeSessionLoader{session: &conn.Session{ID: "sess-1", Data: map[string]any{}}}, log)
	conns := conn.NewManager()
	channels := realtime.NewRegistry()
	bus := realtime.NewBus(client, conns, channels, 30*time.Second, 10*time.Second, "fabric", log)
	limiter := ratelimit.New(client, "rl")

	webCfg := config.WebServerConfig{
		Port:                    0,
		AllowedOrigins:          []string{"*"},
		AllowedMethods:          []string{"GET", "POST"},
		AllowedHeaders:          []string{"Content-Type"},
		MaxMessagesPerSecond:    10,
		MaxSubscriptions:        5,
		WebsocketDrainTimeoutMS: 100,
	}
	sessionCfg := config.SessionConfig{CookieName: "ak_session", TTLSeconds: 3600, SameSite: "Lax"}
	rlCfg := config.RateLimitConfig{WindowMS: 60000, AuthenticatedLimit: 100, UnauthenticatedLimit: 2, KeyPrefix: "rl"}

	s := New(webCfg, sessionCfg, rlCfg, actions, d, conns, bus, limiter, nil, nil, nil, log)
	_, err = s.Initialize(context.Background())
	require.NoError(t, err)
	return s, actions, mr
}

func doRequest(t *testing.T, s *Server, req *http.Request) *http.Response {
	t.Helper()
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	return resp
}

func TestActionRouteDispatchesAndRendersResponse(t *testing.T) {
	s, actions, _ := newTestServer(t)
	require.NoError(t, actions.Register(&action.Definition{
		Name: "widgets.get",
		Web:  &action.Web{Method: action.MethodGet, Route: "/widgets/:id"},
		InputSchema: action.InputSchema{
			"id": {Kind: action.KindString},
		},
		Run: func(ctx context.Context, params map[string]any, c action.Conn) (any, error) {
			return map[string]any{"id": params["id"]}, nil
		},
	}))
	s.registerActionRoutes(s.App())

	req := httptest.NewRequest(http.MethodGet, "/widgets/42", nil)
	resp := doRequest(t, s, req)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	inner, ok := body["response"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "42", inner["id"])
}

func TestActionRouteFoldsBodyAndQueryParams(t *testing.T) {
	s, actions, _ := newTestServer(t)
	require.NoError(t, actions.Register(&action.Definition{
		Name: "widgets.create",
		Web:  &action.Web{Method: action.MethodPost, Route: "/widgets"},
		InputSchema: action.InputSchema{
			"name":    {Kind: action.KindString},
			"verbose": {Kind: action.KindString},
		},
		Run: func(ctx context.Context, params map[string]any, c action.Conn) (any, error) {
			return params, nil
		},
	}))
	s.registerActionRoutes(s.App())

	body := strings.NewReader(`{"name":"gizmo"}`)
	req := httptest.NewRequest(http.MethodPost, "/widgets?verbose=true", body)
	req.Header.Set("Content-Type", "application/json")
	resp := doRequest(t, s, req)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	inner := out["response"].(map[string]any)
	assert.Equal(t, "gizmo", inner["name"])
	assert.Equal(t, "true", inner["verbose"])
}

// TestActionRouteBodyOverridesPathCaptureForSameKey covers the collision the
// three-layer fold (path, then body, then query) must resolve last-wins
// rather than accumulate into a list.
func TestActionRouteBodyOverridesPathCaptureForSameKey(t *testing.T) {
	s, actions, _ := newTestServer(t)
	require.NoError(t, actions.Register(&action.Definition{
		Name: "widgets.rename",
		Web:  &action.Web{Method: action.MethodPost, Route: "/widgets/:id"},
		InputSchema: action.InputSchema{
			"id": {Kind: action.KindString},
		},
		Run: func(ctx context.Context, params map[string]any, c action.Conn) (any, error) {
			return params, nil
		},
	}))
	s.registerActionRoutes(s.App())

	body := strings.NewReader(`{"id":"override"}`)
	req := httptest.NewRequest(http.MethodPost, "/widgets/5", body)
	req.Header.Set("Content-Type", "application/json")
	resp := doRequest(t, s, req)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	inner := out["response"].(map[string]any)
	assert.Equal(t, "override", inner["id"])
}

// TestActionRouteQueryOverridesBodyForSameKeyButRepeatsAppend covers the
// query layer's own last-wins-against-earlier-layers, append-within-itself
// rule.
func TestActionRouteQueryOverridesBodyForSameKeyButRepeatsAppend(t *testing.T) {
	s, actions, _ := newTestServer(t)
	require.NoError(t, actions.Register(&action.Definition{
		Name: "widgets.tag",
		Web:  &action.Web{Method: action.MethodPost, Route: "/widgets-tag"},
		InputSchema: action.InputSchema{
			"tag": {Kind: action.KindList},
		},
		Run: func(ctx context.Context, params map[string]any, c action.Conn) (any, error) {
			return params, nil
		},
	}))
	s.registerActionRoutes(s.App())

	body := strings.NewReader(`{"tag":"from-body"}`)
	req := httptest.NewRequest(http.MethodPost, "/widgets-tag?tag=q1&tag=q2", body)
	req.Header.Set("Content-Type", "application/json")
	resp := doRequest(t, s, req)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	inner := out["response"].(map[string]any)
	assert.Equal(t, []any{"q1", "q2"}, inner["tag"])
}

func TestActionRouteUnknownActionWeb404ViaFiber(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	resp := doRequest(t, s, req)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestActionRouteTypedErrorRendersEnvelope(t *testing.T) {
	s, actions, _ := newTestServer(t)
	require.NoError(t, actions.Register(&action.Definition{
		Name: "widgets.fail",
		Web:  &action.Web{Method: action.MethodGet, Route: "/widgets-fail"},
		Run: func(ctx context.Context, params map[string]any, c action.Conn) (any, error) {
			return nil, apperrors.New(apperrors.ConnectionParamValidation, "bad input")
		},
	}))
	s.registerActionRoutes(s.App())

	req := httptest.NewRequest(http.MethodGet, "/widgets-fail", nil)
	resp := doRequest(t, s, req)
	defer resp.Body.Close()
	require.NotEqual(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	_, hasError := out["error"]
	assert.True(t, hasError)
}

func TestRateLimitHeadersAttachedAndTripTo429(t *testing.T) {
	s, actions, _ := newTestServer(t)
	require.NoError(t, actions.Register(&action.Definition{
		Name: "pings.get",
		Web:  &action.Web{Method: action.MethodGet, Route: "/ping"},
		Run: func(ctx context.Context, params map[string]any, c action.Conn) (any, error) {
			return "pong", nil
		},
	}))
	s.registerActionRoutes(s.App())

	var lastResp *http.Response
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		lastResp = doRequest(t, s, req)
		if i < 2 {
			require.Equal(t, http.StatusOK, lastResp.StatusCode)
			assert.NotEmpty(t, lastResp.Header.Get("X-RateLimit-Limit"))
			lastResp.Body.Close()
		}
	}
	defer lastResp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, lastResp.StatusCode)
	assert.NotEmpty(t, lastResp.Header.Get("Retry-After"))
}

func TestWellKnownPathsFallThroughTo404WithoutOAuthServer(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil)
	resp := doRequest(t, s, req)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthzReturnsOK(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	resp := doRequest(t, s, req)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// TestAuthenticatedRequestGetsAuthenticatedRateLimit covers the fix for a
// login action writing its resolved user id into the session and the
// server applying AuthenticatedLimit (not UnauthenticatedLimit) to later
// requests presenting that session's cookie.
func TestAuthenticatedRequestGetsAuthenticatedRateLimit(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := rdb.New(mr.Addr())
	require.NoError(t, err)

	log := logger.New(io.Discard, logger.TextFormat)
	actions := action.NewRegistry()
	sessions := conn.NewSessionStore(client, "ak_session", time.Hour)
	d := dispatch.New(actions, sessions, log)
	conns := conn.NewManager()
	channels := realtime.NewRegistry()
	bus := realtime.NewBus(client, conns, channels, 30*time.Second, 10*time.Second, "fabric", log)
	limiter := ratelimit.New(client, "rl-auth")

	require.NoError(t, actions.Register(&action.Definition{
		Name: "user.login",
		Web:  &action.Web{Method: action.MethodPost, Route: "/login"},
		MCP:  action.MCP{Enabled: true, IsLoginAction: true},
		Run: func(ctx context.Context, params map[string]any, c action.Conn) (any, error) {
			return "user-1", nil
		},
	}))
	require.NoError(t, actions.Register(&action.Definition{
		Name: "pings.get",
		Web:  &action.Web{Method: action.MethodGet, Route: "/ping"},
		Run: func(ctx context.Context, params map[string]any, c action.Conn) (any, error) {
			return "pong", nil
		},
	}))

	webCfg := config.WebServerConfig{
		Port:                    0,
		AllowedOrigins:          []string{"*"},
		AllowedMethods:          []string{"GET", "POST"},
		AllowedHeaders:          []string{"Content-Type"},
		MaxMessagesPerSecond:    10,
		MaxSubscriptions:        5,
		WebsocketDrainTimeoutMS: 100,
	}
	sessionCfg := config.SessionConfig{CookieName: "ak_session", TTLSeconds: 3600, SameSite: "Lax"}
	rlCfg := config.RateLimitConfig{WindowMS: 60000, AuthenticatedLimit: 100, UnauthenticatedLimit: 1, KeyPrefix: "rl-auth"}

	s := New(webCfg, sessionCfg, rlCfg, actions, d, conns, bus, limiter, nil, nil, sessions, log)
	_, err = s.Initialize(context.Background())
	require.NoError(t, err)
	s.registerActionRoutes(s.App())

	loginReq := httptest.NewRequest(http.MethodPost, "/login", nil)
	loginResp := doRequest(t, s, loginReq)
	require.Equal(t, http.StatusOK, loginResp.StatusCode)
	var cookie *http.Cookie
	for _, c := range loginResp.Cookies() {
		if c.Name == sessionCfg.CookieName {
			cookie = c
		}
	}
	loginResp.Body.Close()
	require.NotNil(t, cookie, "login response should set the session cookie")

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.AddCookie(cookie)
		resp := doRequest(t, s, req)
		assert.Equal(t, http.StatusOK, resp.StatusCode, "authenticated limit should allow more than UnauthenticatedLimit=1 requests")
		resp.Body.Close()
	}
}

func TestWSRouteRejectsNonUpgradeRequest(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	resp := doRequest(t, s, req)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}

func TestDrainingRejectsNewActionRequestsWith503(t *testing.T) {
	s, actions, _ := newTestServer(t)
	require.NoError(t, actions.Register(&action.Definition{
		Name: "pings.get",
		Web:  &action.Web{Method: action.MethodGet, Route: "/ping"},
		Run: func(ctx context.Context, params map[string]any, c action.Conn) (any, error) {
			return "pong", nil
		},
	}))
	s.registerActionRoutes(s.App())
	s.draining = true

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	resp := doRequest(t, s, req)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealthzStillRespondsWhileDraining(t *testing.T) {
	s, _, _ := newTestServer(t)
	s.draining = true

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	resp := doRequest(t, s, req)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
