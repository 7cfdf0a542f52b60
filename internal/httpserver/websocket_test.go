package httpserver

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"actionkit/internal/action"
	"actionkit/internal/config"
	"actionkit/internal/conn"
	"actionkit/internal/dispatch"
	"actionkit/internal/logger"
	"actionkit/internal/ratelimit"
	"actionkit/internal/rdb"
	"actionkit/internal/realtime"
	"actionkit/internal/registry"
)

// listenTestServer binds s to a real loopback listener (app.Test can't drive
// a WS upgrade, which needs a genuine hijacked TCP connection) and returns
// the address to dial against. The listener is closed on test cleanup.
func listenTestServer(t *testing.T, s *Server) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() { _ = s.App().Listener(ln) }()
	// give the Fiber app's accept loop a moment to start serving.
	time.Sleep(20 * time.Millisecond)
	return ln.Addr().String()
}

// TestWebSocketActionSubscribeAndBroadcastRoundTrip drives a real
// gorilla/websocket client through the subscribe/action/broadcast path
// (internal/httpserver/websocket.go's handleWSFrame), something the
// upgrade-required-guard-only coverage in server_test.go never exercised.
func TestWebSocketActionSubscribeAndBroadcastRoundTrip(t *testing.T) {
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
	channels.Register(&realtime.Definition{Name: "room"})
	bus := realtime.NewBus(client, conns, channels, 30*time.Second, 10*time.Second, "fabric", log)
	require.NoError(t, bus.Start(context.Background(), registry.ModeServer))
	t.Cleanup(func() { _ = bus.Stop(context.Background()) })
	limiter := ratelimit.New(client, "rl-ws")

	require.NoError(t, actions.Register(&action.Definition{
		Name: "system:ping",
		Run: func(ctx context.Context, params map[string]any, c action.Conn) (any, error) {
			return "pong", nil
		},
	}))

	webCfg := config.WebServerConfig{
		AllowedOrigins:          []string{"*"},
		AllowedMethods:          []string{"GET", "POST"},
		AllowedHeaders:          []string{"Content-Type"},
		MaxMessagesPerSecond:    100,
		MaxSubscriptions:        5,
		WebsocketDrainTimeoutMS: 100,
	}
	sessionCfg := config.SessionConfig{CookieName: "ak_session", TTLSeconds: 3600, SameSite: "Lax"}
	rlCfg := config.RateLimitConfig{WindowMS: 60000, AuthenticatedLimit: 1000, UnauthenticatedLimit: 1000, KeyPrefix: "rl-ws"}

	s := New(webCfg, sessionCfg, rlCfg, actions, d, conns, bus, limiter, nil, nil, sessions, log)
	_, err = s.Initialize(context.Background())
	require.NoError(t, err)

	addr := listenTestServer(t, s)

	header := http.Header{}
	ws, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", header)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer ws.Close()

	// readNonPresence returns the next frame that is not a presence join/leave
	// broadcast: Subscribe publishes a join event on the channel, which reaches
	// this socket in no fixed order relative to the replies below.
	readNonPresence := func() (map[string]any, error) {
		for {
			var frame map[string]any
			if err := ws.ReadJSON(&frame); err != nil {
				return nil, err
			}
			if outer, ok := frame["message"].(map[string]any); ok {
				if inner, ok := outer["message"].(map[string]any); ok && inner["event"] != nil {
					continue
				}
			}
			return frame, nil
		}
	}

	require.NoError(t, ws.WriteJSON(wsFrame{MessageType: "subscribe", MessageID: "sub-1", Channel: "room"}))
	subAck, err := readNonPresence()
	require.NoError(t, err)
	assert.Equal(t, "sub-1", subAck["messageId"])
	assert.NotNil(t, subAck["subscribed"])

	require.NoError(t, ws.WriteJSON(wsFrame{MessageType: "action", MessageID: "act-1", Action: "system:ping"}))
	actAck, err := readNonPresence()
	require.NoError(t, err)
	assert.Equal(t, "act-1", actAck["messageId"])
	assert.Equal(t, "pong", actAck["response"])

	require.NoError(t, bus.Publish(context.Background(), "room", map[string]any{"hello": "world"}, "someone-else"))

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	broadcast, err := readNonPresence()
	require.NoError(t, err)
	inner, ok := broadcast["message"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "room", inner["channel"])
	assert.Equal(t, "someone-else", inner["sender"])

	require.NoError(t, ws.WriteJSON(wsFrame{MessageType: "unsubscribe", MessageID: "unsub-1", Channel: "room"}))
	unsubAck, err := readNonPresence()
	require.NoError(t, err)
	assert.NotNil(t, unsubAck["unsubscribed"])
}
