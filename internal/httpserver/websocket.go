package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"actionkit/internal/action"
	"actionkit/internal/apperrors"
	"actionkit/internal/conn"
)

// wsFrame is the client-to-server envelope (spec §6): messageType selects
// which of the three verbs this frame carries.
type wsFrame struct {
	MessageType string          `json:"messageType"`
	MessageID   string          `json:"messageId"`
	Action      string          `json:"action,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
	Channel     string          `json:"channel,omitempty"`
}

// socket pairs a live *websocket.Conn with the framework Connection behind
// it, tracked so Stop can close every live socket during drain.
type socket struct {
	ws   *websocket.Conn
	conn *conn.Connection
	mu   sync.Mutex // guards WriteMessage; the gofiber/websocket Conn is not itself write-safe for concurrent senders

	msgWindowStart int64
	msgCount       int
}

func (sk *socket) writeJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	sk.mu.Lock()
	defer sk.mu.Unlock()
	return sk.ws.WriteMessage(websocket.TextMessage, raw)
}

// registerSocket/unregisterSocket/closeAllSockets/waitForSocketDrain give
// Stop (spec §5) a way to enumerate and close every live WS connection.
func (s *Server) registerSocket(sk *socket) {
	s.socketsMu.Lock()
	defer s.socketsMu.Unlock()
	if s.sockets == nil {
		s.sockets = make(map[*socket]struct{})
	}
	s.sockets[sk] = struct{}{}
}

func (s *Server) unregisterSocket(sk *socket) {
	s.socketsMu.Lock()
	defer s.socketsMu.Unlock()
	delete(s.sockets, sk)
}

func (s *Server) closeAllSockets(reason string) {
	s.socketsMu.Lock()
	targets := make([]*socket, 0, len(s.sockets))
	for sk := range s.sockets {
		targets = append(targets, sk)
	}
	s.socketsMu.Unlock()

	for _, sk := range targets {
		sk.mu.Lock()
		_ = sk.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, reason))
		sk.mu.Unlock()
	}
}

func (s *Server) waitForSocketDrain(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		s.socketsMu.Lock()
		remaining := len(s.sockets)
		s.socketsMu.Unlock()
		if remaining == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// websocketHandler drives one socket's lifetime: upgrade, read loop
// multiplexing action/subscribe/unsubscribe frames, presence cleanup before
// destroy (spec §4.8).
func (s *Server) websocketHandler() func(*websocket.Conn) {
	return func(ws *websocket.Conn) {
		connection := conn.New(conn.TypeWebsocket, ws.RemoteAddr().String())
		if cookieVal, ok := ws.Locals(localsWSCookieKey).(string); ok && cookieVal != "" {
			connection.SetRequestedSessionID(cookieVal)
		}

		sk := &socket{ws: ws, conn: connection}
		connection.Publish = func(channel string, message any) error {
			return s.bus.Publish(context.Background(), channel, message, connection.ID())
		}
		connection.OnBroadcast = func(b conn.Broadcast) error {
			return sk.writeJSON(fiber.Map{"message": fiber.Map{
				"channel": b.Channel, "message": b.Message, "sender": b.Sender,
			}})
		}

		s.conns.Register(connection)
		s.registerSocket(sk)
		defer func() {
			s.unregisterSocket(sk)
			s.destroyConnection(connection)
		}()

		for {
			if s.draining {
				_ = sk.writeJSON(fiber.Map{"error": fiber.Map{"message": "server is draining", "type": string(apperrors.ConnectionServerError)}})
				return
			}
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			s.handleWSFrame(sk, connection, raw)
		}
	}
}

// destroyConnection removes presence for every channel connection still
// subscribes to before destroying it in the manager (spec §4.8: "removes
// presence for every subscribed channel before destroying the connection").
func (s *Server) destroyConnection(connection *conn.Connection) {
	ctx := context.Background()
	for _, channel := range connection.Subscriptions() {
		if err := s.bus.Unsubscribe(ctx, connection, channel); err != nil {
			s.log.Debug("httpserver: unsubscribe during close failed", "channel", channel, "error", err.Error())
		}
	}
	s.conns.Destroy(connection)
}

// handleWSFrame dispatches one inbound frame, applying the per-connection
// message rate limit (spec §4.8: "at most maxMessagesPerSecond per 1-second
// tumbling window") before doing anything else.
func (s *Server) handleWSFrame(sk *socket, connection *conn.Connection, raw []byte) {
	if s.messageRateLimited(sk) {
		_ = sk.writeJSON(fiber.Map{"error": fiber.Map{
			"message": "message rate limit exceeded",
			"type":    string(apperrors.ConnectionRateLimited),
		}})
		return
	}

	var frame wsFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		_ = sk.writeJSON(fiber.Map{"error": fiber.Map{
			"message": "malformed frame",
			"type":    string(apperrors.ConnectionChannelValid),
		}})
		return
	}

	switch frame.MessageType {
	case "action":
		s.handleWSAction(sk, connection, frame)
	case "subscribe":
		s.handleWSSubscribe(sk, connection, frame)
	case "unsubscribe":
		s.handleWSUnsubscribe(sk, connection, frame)
	default:
		_ = sk.writeJSON(fiber.Map{"messageId": frame.MessageID, "error": fiber.Map{
			"message": fmt.Sprintf("unknown messageType %q", frame.MessageType),
			"type":    string(apperrors.ConnectionChannelValid),
		}})
	}
}

// messageRateLimited implements the 1-second tumbling window counter.
func (s *Server) messageRateLimited(sk *socket) bool {
	if s.cfg.MaxMessagesPerSecond <= 0 {
		return false
	}
	now := time.Now().Unix()
	sk.mu.Lock()
	defer sk.mu.Unlock()
	if now != sk.msgWindowStart {
		sk.msgWindowStart = now
		sk.msgCount = 0
	}
	sk.msgCount++
	return sk.msgCount > s.cfg.MaxMessagesPerSecond
}

func (s *Server) handleWSAction(sk *socket, connection *conn.Connection, frame wsFrame) {
	s.ensureSessionLoaded(context.Background(), connection)
	if rlErr := s.enforceConnRateLimit(connection); rlErr != nil {
		typed, _ := apperrors.As(rlErr)
		_ = sk.writeJSON(fiber.Map{"messageId": frame.MessageID, "error": errorFrame(typed, rlErr)})
		return
	}

	raw := action.NewRawParams()
	if frame.Params != nil {
		var params map[string]any
		if err := json.Unmarshal(frame.Params, &params); err == nil {
			for k, v := range params {
				if list, isList := v.([]any); isList {
					for _, item := range list {
						raw.Add(k, item)
					}
					continue
				}
				raw.Set(k, v)
			}
		}
	}

	resp, err := s.dispatcher.Dispatch(context.Background(), connection, frame.Action, raw, "WS", frame.Action)
	if err != nil {
		typed, _ := apperrors.As(err)
		_ = sk.writeJSON(fiber.Map{"messageId": frame.MessageID, "error": errorFrame(typed, err)})
		return
	}
	_ = sk.writeJSON(fiber.Map{"messageId": frame.MessageID, "response": resp.Value})
}

func (s *Server) handleWSSubscribe(sk *socket, connection *conn.Connection, frame wsFrame) {
	if s.cfg.MaxSubscriptions > 0 && len(connection.Subscriptions()) >= s.cfg.MaxSubscriptions {
		err := apperrors.New(apperrors.ConnectionChannelValid, "subscription limit reached")
		_ = sk.writeJSON(fiber.Map{"messageId": frame.MessageID, "error": errorFrame(err, err)})
		return
	}
	if err := s.bus.Subscribe(context.Background(), connection, frame.Channel); err != nil {
		typed, _ := apperrors.As(err)
		_ = sk.writeJSON(fiber.Map{"messageId": frame.MessageID, "error": errorFrame(typed, err)})
		return
	}
	_ = sk.writeJSON(fiber.Map{"messageId": frame.MessageID, "subscribed": fiber.Map{"channel": frame.Channel}})
}

func (s *Server) handleWSUnsubscribe(sk *socket, connection *conn.Connection, frame wsFrame) {
	if err := s.bus.Unsubscribe(context.Background(), connection, frame.Channel); err != nil {
		typed, _ := apperrors.As(err)
		_ = sk.writeJSON(fiber.Map{"messageId": frame.MessageID, "error": errorFrame(typed, err)})
		return
	}
	_ = sk.writeJSON(fiber.Map{"messageId": frame.MessageID, "unsubscribed": fiber.Map{"channel": frame.Channel}})
}

// errorFrame renders a typed error's wire shape for a WS reply; falls back
// to a generic CONNECTION_ACTION_RUN envelope for an untyped error.
func errorFrame(typed *apperrors.Error, err error) fiber.Map {
	if typed == nil {
		return fiber.Map{"message": err.Error(), "type": string(apperrors.ConnectionActionRun)}
	}
	m := fiber.Map{"message": typed.Message, "type": string(typed.TypeOf)}
	if typed.Key != "" {
		m["key"] = typed.Key
	}
	return m
}
