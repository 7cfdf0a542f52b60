// Package rdb wraps the framework's Redis collaborator: the command client
// every other core component (session, channels, presence, rate limiter,
// OAuth storage) shares. Grounded on the teacher's internal/cache/redis.go
// InitRedis/GetClient pair and its metricsHook, generalized into a
// registry.Component and a dedicated command/subscriber connection pair
// (spec §1: "the embedded Redis client" is an external collaborator the core
// dispatches through, not a global package var).
package rdb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"actionkit/internal/registry"
)

var errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "actionkit_redis_errors_total",
	Help: "Total Redis command errors by command name.",
}, []string{"command"})

type metricsHook struct{}

func (metricsHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (metricsHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		if err != nil && !errors.Is(err, redis.Nil) {
			errorsTotal.WithLabelValues(cmd.Name()).Inc()
		}
		return err
	}
}

func (metricsHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		err := next(ctx, cmds)
		if err != nil && !errors.Is(err, redis.Nil) {
			errorsTotal.WithLabelValues("pipeline").Inc()
		}
		return err
	}
}

// Client exposes the subset of Redis access the core components need: a
// shared command connection plus a dedicated subscriber connection, since a
// connection blocked in SUBSCRIBE cannot issue other commands.
type Client struct {
	cmd *redis.Client
	url string
}

// New parses addr (a bare host:port or a redis:// URL, matching the teacher's
// InitRedis) and returns an unconnected Client. Connection happens in
// Initialize so failures surface through the registry's lifecycle contract
// instead of a package-level log line.
func New(addr string) (*Client, error) {
	var opts *redis.Options
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url %q: %w", addr, err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: addr}
	}
	c := redis.NewClient(opts)
	c.AddHook(metricsHook{})
	return &Client{cmd: c, url: addr}, nil
}

// Cmd returns the shared command connection.
func (c *Client) Cmd() *redis.Client { return c.cmd }

// Subscriber returns a fresh connection dedicated to one pub/sub
// subscription, matching go-redis's own recommendation that long-lived
// SUBSCRIBE calls not share a connection used for other commands.
func (c *Client) Subscriber(ctx context.Context, channel string) *redis.PubSub {
	return c.cmd.Subscribe(ctx, channel)
}

// Ping verifies connectivity, used both at Initialize and by health checks.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.cmd.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *Client) Close() error { return c.cmd.Close() }

// Component adapts Client to the registry's lifecycle contract, publishing
// the Client under the "redis" namespace for other components to Get.
type Component struct {
	addr   string
	client *Client
}

// NewComponent constructs the redis lifecycle component. addr is the
// redis.url config value.
func NewComponent(addr string) *Component {
	return &Component{addr: addr}
}

func (c *Component) Name() string              { return "redis" }
func (c *Component) LoadPriority() int         { return 10 }
func (c *Component) StartPriority() int        { return 10 }
func (c *Component) StopPriority() int         { return 900 }
func (c *Component) RunModes() []registry.RunMode {
	return []registry.RunMode{registry.ModeServer, registry.ModeCLI}
}

func (c *Component) Initialize(ctx context.Context) (any, error) {
	client, err := New(c.addr)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx); err != nil {
		return nil, fmt.Errorf("connecting to redis at %q: %w", c.addr, err)
	}
	c.client = client
	return client, nil
}

func (c *Component) Start(ctx context.Context, mode registry.RunMode) error { return nil }

func (c *Component) Stop(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}
