// Command sanctumd is the entry point for the actionkit server process: it
// wires every core component into the lifecycle registry and runs until a
// shutdown signal arrives. Grounded on the teacher's cmd/server/main.go
// (config load -> runtime init -> server construction -> listen -> signal-
// driven graceful shutdown), generalized from a fixed DB/Redis/server triple
// into an arbitrary set of registry.Component instances.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"actionkit/internal/action"
	"actionkit/internal/builtins"
	"actionkit/internal/config"
	"actionkit/internal/conn"
	"actionkit/internal/dispatch"
	"actionkit/internal/httpserver"
	"actionkit/internal/logger"
	"actionkit/internal/mcpserver"
	"actionkit/internal/oauth"
	"actionkit/internal/ratelimit"
	"actionkit/internal/rdb"
	"actionkit/internal/realtime"
	"actionkit/internal/registry"
	"actionkit/internal/sqlstore"
	"actionkit/internal/tracing"
)

func main() {
	cfg, err := config.Load(nil)
	if err != nil {
		log.Fatalf("actionkit: load configuration: %v", err)
	}

	format := logger.TextFormat
	if cfg.Logger.Format == "json" {
		format = logger.JSONFormat
	}
	log_ := logger.New(os.Stdout, format)
	log_.SetLevel(parseLevel(cfg.Logger.Level))

	reg, err := wire(context.Background(), cfg, log_)
	if err != nil {
		log_.Error("actionkit: wiring failed", "error", err.Error())
		os.Exit(1)
	}

	ctx := context.Background()
	if err := reg.Start(ctx, registry.ModeServer); err != nil {
		log_.Error("actionkit: start failed", "error", err.Error())
		os.Exit(1)
	}
	log_.Info("actionkit: server started", "port", cfg.Server.Web.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log_.Info("actionkit: shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := reg.Stop(stopCtx); err != nil {
		log_.Error("actionkit: shutdown error", "error", err.Error())
	}
}

// parseLevel maps the config's logger.level string onto a slog.Level,
// defaulting to Info for anything unrecognized.
func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// wire builds every core component and threads them through the registry.
// Tracing, Redis and the SQL store are registered first and initialized
// eagerly with reg.Initialize, because the Redis client and the action
// registry they feed must be ready before the remaining components are
// built and before httpserver/mcpserver.Initialize iterate the actions.
// The components registered afterwards are initialized by reg.Start;
// registry.Registry's per-component Initialize/Start are idempotent, so
// reg.Start skips the three already initialized rather than reconnecting.
func wire(ctx context.Context, cfg *config.Config, log_ *logger.Logger) (*registry.Registry, error) {
	reg := registry.New()

	tracer := tracing.New(cfg.Tracing, cfg.Process.Name, cfg.Process.Env)
	redisComponent := rdb.NewComponent(cfg.Redis.URL)
	store := sqlstore.New(cfg.Database, log_)
	reg.Register(tracer)
	reg.Register(redisComponent)
	reg.Register(store)
	if err := reg.Initialize(ctx); err != nil {
		return nil, err
	}

	redisNS, _ := reg.Get("redis")
	client := redisNS.(*rdb.Client)

	actions := action.NewRegistry()
	channels := realtime.NewRegistry()
	conns := conn.NewManager()

	sessionTTL := time.Duration(cfg.Session.TTLSeconds) * time.Second
	sessions := conn.NewSessionStore(client, cfg.Session.CookieName, sessionTTL)

	presenceTTL := time.Duration(cfg.Channels.PresenceTTLSeconds) * time.Second
	heartbeatIv := time.Duration(cfg.Channels.PresenceHeartbeatIntervalSeconds) * time.Second
	bus := realtime.NewBus(client, conns, channels, presenceTTL, heartbeatIv, cfg.Channels.PubSubChannelName, log_)

	limiter := ratelimit.New(client, cfg.RateLimit.KeyPrefix)

	dispatcher := dispatch.New(actions, sessions, log_)
	dispatcher.SetTracer(tracer)

	clientTTL := time.Duration(cfg.OAuth.ClientTTLSeconds) * time.Second
	codeTTL := time.Duration(cfg.OAuth.CodeTTLSeconds) * time.Second
	oauthStore := oauth.NewStore(client, clientTTL, codeTTL, sessionTTL)
	oauthSrv := oauth.New(oauthStore, dispatcher, cfg.OAuth.Origin, cfg.OAuth.LoginAction, cfg.OAuth.SignupAction, cfg.OAuth.SigningKey, log_)

	users := sqlstore.NewUsers(store)
	for _, def := range builtins.Actions(users) {
		if err := actions.Register(def); err != nil {
			return nil, err
		}
	}
	for _, def := range builtins.Channels() {
		channels.Register(def)
	}

	mcpSrv := mcpserver.New(cfg.Server.MCP, actions, dispatcher, oauthSrv, log_)
	httpSrv := httpserver.New(cfg.Server.Web, cfg.Session, cfg.RateLimit, actions, dispatcher, conns, bus, limiter, oauthSrv, mcpSrv, sessions, log_)
	taskRunner := builtins.NewTaskRunner(actions, dispatcher, log_)

	reg.Register(bus)
	reg.Register(mcpSrv)
	reg.Register(httpSrv)
	reg.Register(taskRunner)

	return reg, nil
}
