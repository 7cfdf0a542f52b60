// Package httpserver adapts the framework's transport-agnostic dispatch
// pipeline onto Fiber: one HTTP route per action.Web binding, one WebSocket
// endpoint multiplexing action/subscribe/unsubscribe frames, plus the
// cookie, CORS, security-header, and rate-limit plumbing every response
// carries. Grounded on the teacher's internal/server/server.go (Server
// struct shape, SetupMiddleware ordering, health-check handlers) and its
// gofiber/websocket/v2 handlers in server/example_handlers.go and
// notifications/hub.go, generalized from per-route, per-feature handlers
// into one generic adapter driven entirely by the action and channel
// registries.
package httpserver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/websocket/v2"

	"actionkit/internal/action"
	"actionkit/internal/config"
	"actionkit/internal/conn"
	"actionkit/internal/dispatch"
	"actionkit/internal/logger"
	"actionkit/internal/mcpserver"
	"actionkit/internal/oauth"
	"actionkit/internal/ratelimit"
	"actionkit/internal/realtime"
	"actionkit/internal/registry"
)

// Server is the HTTP/WS adapter, wired as a registry.Component so the
// process owner sequences it alongside the realtime bus and the rest of the
// framework (spec §4.8).
type Server struct {
	cfg        config.WebServerConfig
	sessionCfg config.SessionConfig
	rlCfg      config.RateLimitConfig

	app        *fiber.App
	actions    *action.Registry
	dispatcher *dispatch.Dispatcher
	conns      *conn.Manager
	bus        *realtime.Bus
	limiter    *ratelimit.Limiter
	oauthSrv   *oauth.Server
	mcpSrv     *mcpserver.Server
	sessions   *conn.SessionStore
	log        *logger.Logger
	prom       *fiberprometheus.FiberPrometheus

	draining  bool
	socketsMu sync.Mutex
	sockets   map[*socket]struct{}
}

// New constructs a Server. oauthSrv may be nil if the process runs without
// the OAuth-gated MCP surface. sessions may be nil, in which case the
// rate limiter never sees a session ahead of dispatch and every request is
// keyed unauthenticated until dispatch's own session step runs.
func New(
	cfg config.WebServerConfig,
	sessionCfg config.SessionConfig,
	rlCfg config.RateLimitConfig,
	actions *action.Registry,
	dispatcher *dispatch.Dispatcher,
	conns *conn.Manager,
	bus *realtime.Bus,
	limiter *ratelimit.Limiter,
	oauthSrv *oauth.Server,
	mcpSrv *mcpserver.Server,
	sessions *conn.SessionStore,
	log *logger.Logger,
) *Server {
	return &Server{
		cfg:        cfg,
		sessionCfg: sessionCfg,
		rlCfg:      rlCfg,
		actions:    actions,
		dispatcher: dispatcher,
		conns:      conns,
		bus:        bus,
		limiter:    limiter,
		oauthSrv:   oauthSrv,
		mcpSrv:     mcpSrv,
		sessions:   sessions,
		log:        log,
	}
}

// App exposes the underlying Fiber app, mainly so tests can drive it with
// app.Test without going through net.Listen.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Name() string       { return "httpserver" }
func (s *Server) LoadPriority() int  { return 50 }
func (s *Server) StartPriority() int { return 50 }
func (s *Server) StopPriority() int  { return 100 }
func (s *Server) RunModes() []registry.RunMode {
	return []registry.RunMode{registry.ModeServer}
}

// Initialize builds the Fiber app and registers every middleware and route.
// Nothing binds a listener yet; Start does that.
func (s *Server) Initialize(ctx context.Context) (any, error) {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(s.correlationMiddleware())
	if s.cfg.TracingEnabled {
		s.prom = fiberprometheus.New("actionkit")
		s.prom.RegisterAt(app, "/metrics")
		app.Use(s.prom.Middleware)
	}
	app.Use(helmet.New())
	app.Use(s.securityHeadersMiddleware())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     joinCSV(s.cfg.AllowedOrigins),
		AllowMethods:     joinCSV(s.cfg.AllowedMethods),
		AllowHeaders:     joinCSV(s.cfg.AllowedHeaders),
		AllowCredentials: true,
		MaxAge:           86400,
	}))
	app.Use(s.drainMiddleware())
	app.Use(s.sessionCookieMiddleware())
	app.Use(s.loggingMiddleware())

	if s.oauthSrv != nil {
		s.oauthSrv.RegisterRoutes(app)
	}
	if s.mcpSrv != nil {
		s.mcpSrv.RegisterRoutes(app)
	}
	app.All("/.well-known/*", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNotFound)
	})

	app.Get("/healthz", s.Health)
	app.Get("/readyz", s.Health)

	s.registerActionRoutes(app)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		if s.draining {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "server is draining"})
		}
		c.Locals(localsWSCookieKey, c.Cookies(s.sessionCfg.CookieName))
		return c.Next()
	})
	app.Get("/ws", websocket.New(s.websocketHandler(), websocket.Config{
		Origins: s.cfg.AllowedOrigins,
	}))

	s.app = app
	return s, nil
}

// Health answers a liveness/readiness probe (spec 4.8 carries no explicit
// health endpoint, but every process needs one; grounded on the teacher's
// HealthCheck/ReadinessCheck handlers).
func (s *Server) Health(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
}

// Start binds the listener. It runs the Fiber app in a background goroutine
// so the registry's Start phase, which is synchronous across components,
// does not block forever on Listen.
func (s *Server) Start(ctx context.Context, mode registry.RunMode) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listen(addr)
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("httpserver: listen %s: %w", addr, err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop enters the draining state (spec §5: reject new upgrades with 503,
// close every live socket with a shutdown reason, wait up to
// websocketDrainTimeoutMs) before shutting the Fiber app down.
func (s *Server) Stop(ctx context.Context) error {
	s.draining = true
	s.closeAllSockets("server shutting down")

	deadline := time.Duration(s.cfg.WebsocketDrainTimeoutMS) * time.Millisecond
	drainCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	s.waitForSocketDrain(drainCtx)

	if s.app == nil {
		return nil
	}
	return s.app.ShutdownWithContext(ctx)
}

func joinCSV(items []string) string {
	out := ""
	for i, item := range items {
		if i > 0 {
			out += ","
		}
		out += item
	}
	return out
}
