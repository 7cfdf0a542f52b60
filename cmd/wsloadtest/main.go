// Command wsloadtest drives concurrent WebSocket sessions against a running
// actionkit process: log in over HTTP to obtain a session cookie, open a
// WS connection carrying that cookie, subscribe to a channel, then send
// action frames on a ticker for the test duration while counting
// connects/messages/errors. Grounded on the teacher's cmd/chattest/main.go
// (login-then-dial-N-clients-then-print-metrics shape), adapted from the
// teacher's bearer-token/ticket WS handshake to this framework's
// cookie-carried session and messageType-tagged frame protocol
// (internal/httpserver/websocket.go).
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// metrics tracks aggregate results across every simulated client.
type metrics struct {
	connectionsAttempted int64
	connectionsSucceeded int64
	connectionsFailed    int64
	actionsSent          int64
	actionsFailed        int64
	broadcastsReceived   int64
}

var m metrics

// wsFrame mirrors internal/httpserver/websocket.go's wire shape; this CLI
// only sends "action" and "subscribe" frames and reads back whatever comes.
type wsFrame struct {
	MessageType string          `json:"messageType"`
	MessageID   string          `json:"messageId,omitempty"`
	Action      string          `json:"action,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
	Channel     string          `json:"channel,omitempty"`
}

func main() {
	host := flag.String("host", "localhost:8080", "actionkit HTTP/WS host")
	identifier := flag.String("identifier", "loadtest@example.com", "login identifier")
	password := flag.String("password", "password123", "login password")
	channel := flag.String("channel", "lobby:loadtest", "channel to subscribe each client to")
	cookieName := flag.String("cookie", "sid", "session cookie name (session.cookieName)")
	action := flag.String("action", "system:ping", "action name to invoke on each tick")
	clients := flag.Int("clients", 20, "number of concurrent WS clients")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	tickInterval := flag.Duration("tick", 2*time.Second, "interval between action frames per client")
	flag.Parse()

	log.Printf("starting WS load test: host=%s clients=%d duration=%s", *host, *clients, *duration)

	cookie, err := login(*host, *identifier, *password, *cookieName)
	if err != nil {
		log.Fatalf("login failed: %v", err)
	}
	log.Printf("logged in, session cookie acquired")

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go runClient(*host, cookie, *channel, *action, *tickInterval, i, stop, &wg)
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case <-time.After(*duration):
		log.Println("test duration reached")
	case <-interrupt:
		log.Println("interrupted")
	}

	close(stop)
	wg.Wait()
	printMetrics()
}

// login posts credentials to the signup/login action's HTTP binding and
// returns the session cookie the server set on the response (spec §4.3 step
// 2 / §6: a successful login action leaves the session's Data carrying the
// authenticated user id, looked up again on the cookie's next presentation).
func login(host, identifier, password, cookieName string) (*http.Cookie, error) {
	loginURL := fmt.Sprintf("http://%s/auth/login", host)
	payload, _ := json.Marshal(map[string]string{"identifier": identifier, "password": password})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, loginURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("login returned status %d", resp.StatusCode)
	}
	for _, c := range resp.Cookies() {
		if c.Name == cookieName {
			return c, nil
		}
	}
	return nil, fmt.Errorf("login response carried no session cookie")
}

func runClient(host string, cookie *http.Cookie, channel, actionName string, tick time.Duration, id int, stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	atomic.AddInt64(&m.connectionsAttempted, 1)

	u := url.URL{Scheme: "ws", Host: host, Path: "/ws"}
	header := http.Header{}
	header.Set("Cookie", fmt.Sprintf("%s=%s", cookie.Name, cookie.Value))

	ws, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		atomic.AddInt64(&m.connectionsFailed, 1)
		return
	}
	defer ws.Close()
	atomic.AddInt64(&m.connectionsSucceeded, 1)

	subscribe := wsFrame{MessageType: "subscribe", MessageID: fmt.Sprintf("sub-%d", id), Channel: channel}
	if err := ws.WriteJSON(subscribe); err != nil {
		atomic.AddInt64(&m.actionsFailed, 1)
		return
	}

	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
			atomic.AddInt64(&m.broadcastsReceived, 1)
		}
	}()

	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	seq := 0
	for {
		select {
		case <-stop:
			_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			seq++
			frame := wsFrame{MessageType: "action", MessageID: fmt.Sprintf("client-%d-%d", id, seq), Action: actionName}
			if err := ws.WriteJSON(frame); err != nil {
				atomic.AddInt64(&m.actionsFailed, 1)
				return
			}
			atomic.AddInt64(&m.actionsSent, 1)
		}
	}
}

func printMetrics() {
	log.Println("WS load test results")
	log.Printf("connections attempted: %d", atomic.LoadInt64(&m.connectionsAttempted))
	log.Printf("connections succeeded: %d", atomic.LoadInt64(&m.connectionsSucceeded))
	log.Printf("connections failed:    %d", atomic.LoadInt64(&m.connectionsFailed))
	log.Printf("actions sent:          %d", atomic.LoadInt64(&m.actionsSent))
	log.Printf("actions failed:        %d", atomic.LoadInt64(&m.actionsFailed))
	log.Printf("broadcasts received:   %d", atomic.LoadInt64(&m.broadcastsReceived))
}
