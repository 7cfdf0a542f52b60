// Package config loads the framework's nested configuration mapping: built-in
// defaults, optionally overridden per-key by environment variables (with an
// optional "_{ENV}" profile suffix), then deep-merged with a caller-supplied
// override map. Grounded on the teacher's internal/config/config.go, which
// loads a flat app-specific struct through viper.SetDefault/AutomaticEnv and
// a profile-specific config.{env}.yml merge; generalized here into the
// framework's recognized nested sections instead of one flat struct.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Section names recognized at the top level of the nested mapping (spec §4.2).
const (
	SectionProcess   = "process"
	SectionLogger    = "logger"
	SectionDatabase  = "database"
	SectionRedis     = "redis"
	SectionSession   = "session"
	SectionRateLimit = "rateLimit"
	SectionChannels  = "channels"
	SectionActions   = "actions"
	SectionTasks     = "tasks"
	SectionServer    = "server"
	SectionOAuth     = "oauth"
	SectionTracing   = "tracing"
)

// Config is the framework's nested configuration mapping.
type Config struct {
	Process   ProcessConfig   `mapstructure:"process"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Session   SessionConfig   `mapstructure:"session"`
	RateLimit RateLimitConfig `mapstructure:"rateLimit"`
	Channels  ChannelsConfig  `mapstructure:"channels"`
	Actions   ActionsConfig   `mapstructure:"actions"`
	Tasks     TasksConfig     `mapstructure:"tasks"`
	Server    ServerConfig    `mapstructure:"server"`
	OAuth     OAuthConfig     `mapstructure:"oauth"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

type ProcessConfig struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
}

type LoggerConfig struct {
	Format string `mapstructure:"format"` // "text" | "json"
	Level  string `mapstructure:"level"`
}

type DatabaseConfig struct {
	Driver          string `mapstructure:"driver"` // "postgres" | "sqlite"
	DSN             string `mapstructure:"dsn"`
	MaxOpenConns    int    `mapstructure:"maxOpenConns"`
	MaxIdleConns    int    `mapstructure:"maxIdleConns"`
	ConnMaxLifetime int    `mapstructure:"connMaxLifetimeMinutes"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type SessionConfig struct {
	CookieName string `mapstructure:"cookieName"`
	TTLSeconds int    `mapstructure:"ttlSeconds"`
	SameSite   string `mapstructure:"sameSite"`
}

type RateLimitConfig struct {
	WindowMS             int    `mapstructure:"windowMs"`
	AuthenticatedLimit   int    `mapstructure:"authenticatedLimit"`
	UnauthenticatedLimit int    `mapstructure:"unauthenticatedLimit"`
	KeyPrefix            string `mapstructure:"keyPrefix"`
}

type ChannelsConfig struct {
	PresenceHeartbeatIntervalSeconds int    `mapstructure:"presenceHeartbeatIntervalSeconds"`
	PresenceTTLSeconds               int    `mapstructure:"presenceTTLSeconds"`
	PubSubChannelName                string `mapstructure:"pubSubChannelName"`
}

type ActionsConfig struct {
	DefaultTimeoutMS int `mapstructure:"defaultTimeoutMs"`
}

type TasksConfig struct {
	DefaultQueue string `mapstructure:"defaultQueue"`
}

type ServerConfig struct {
	Web WebServerConfig `mapstructure:"web"`
	CLI CLIServerConfig `mapstructure:"cli"`
	MCP MCPServerConfig `mapstructure:"mcp"`
}

type WebServerConfig struct {
	Port                    int      `mapstructure:"port"`
	AllowedOrigins          []string `mapstructure:"allowedOrigins"`
	AllowedMethods          []string `mapstructure:"allowedMethods"`
	AllowedHeaders          []string `mapstructure:"allowedHeaders"`
	TrustProxy              bool     `mapstructure:"trustProxy"`
	CorrelationIDHeader     string   `mapstructure:"correlationIdHeader"`
	MaxMessagesPerSecond    int      `mapstructure:"maxMessagesPerSecond"`
	MaxSubscriptions        int      `mapstructure:"maxSubscriptions"`
	WebsocketDrainTimeoutMS int      `mapstructure:"websocketDrainTimeoutMs"`
	CSPHeader               string   `mapstructure:"cspHeader"`
	HSTSHeader              string   `mapstructure:"hstsHeader"`
	ReferrerPolicy          string   `mapstructure:"referrerPolicy"`
	TracingEnabled          bool     `mapstructure:"tracingEnabled"`
}

type CLIServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type MCPServerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BasePath string `mapstructure:"basePath"`
}

// OAuthConfig configures internal/oauth.Server (spec §4.7).
type OAuthConfig struct {
	Origin           string `mapstructure:"origin"`
	LoginAction      string `mapstructure:"loginAction"`
	SignupAction     string `mapstructure:"signupAction"`
	ClientTTLSeconds int    `mapstructure:"clientTtlSeconds"`
	CodeTTLSeconds   int    `mapstructure:"codeTtlSeconds"`
	SigningKey       string `mapstructure:"signingKey"`
}

// TracingConfig configures internal/tracing.Component (spec §11: ambient
// observability carried regardless of feature Non-goals).
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Exporter     string  `mapstructure:"exporter"` // "stdout" | "otlp"
	OTLPEndpoint string  `mapstructure:"otlpEndpoint"`
	SamplerRatio float64 `mapstructure:"samplerRatio"`
}

// defaults mirrors the teacher's viper.SetDefault calls, one per recognized
// nested key instead of one flat app-specific key.
func defaults() map[string]any {
	return map[string]any{
		"process.name": "actionkit",
		"process.env":  "development",

		"logger.format": "text",
		"logger.level":  "info",

		"database.driver":                 "sqlite",
		"database.dsn":                    "file::memory:?cache=shared",
		"database.maxOpenConns":           25,
		"database.maxIdleConns":           5,
		"database.connMaxLifetimeMinutes": 5,

		"redis.url": "localhost:6379",

		"session.cookieName": "sid",
		"session.ttlSeconds": 86400,
		"session.sameSite":   "Lax",

		"rateLimit.windowMs":             60000,
		"rateLimit.authenticatedLimit":   600,
		"rateLimit.unauthenticatedLimit": 120,
		"rateLimit.keyPrefix":            "rl",

		"channels.presenceHeartbeatIntervalSeconds": 10,
		"channels.presenceTTLSeconds":               25,
		"channels.pubSubChannelName":                "actionkit:pubsub",

		"actions.defaultTimeoutMs": 30000,

		"tasks.defaultQueue": "default",

		"server.web.port":                    8080,
		"server.web.allowedOrigins":          []string{"*"},
		"server.web.allowedMethods":          []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		"server.web.allowedHeaders":          []string{"Origin", "Content-Type", "Accept", "Authorization"},
		"server.web.trustProxy":              false,
		"server.web.correlationIdHeader":     "X-Correlation-ID",
		"server.web.maxMessagesPerSecond":    20,
		"server.web.maxSubscriptions":        50,
		"server.web.websocketDrainTimeoutMs": 5000,
		"server.web.cspHeader":               "default-src 'self'",
		"server.web.hstsHeader":              "max-age=15552000; includeSubDomains",
		"server.web.referrerPolicy":          "no-referrer",
		"server.web.tracingEnabled":          false,

		"server.cli.enabled": true,

		"server.mcp.enabled":  true,
		"server.mcp.basePath": "/mcp",

		"oauth.origin":           "http://localhost:8080",
		"oauth.loginAction":      "user:login",
		"oauth.signupAction":     "user:signup",
		"oauth.clientTtlSeconds": 2592000,
		"oauth.codeTtlSeconds":   300,
		"oauth.signingKey":       "dev-insecure-signing-key-change-me",

		"tracing.enabled":      false,
		"tracing.exporter":     "stdout",
		"tracing.otlpEndpoint": "localhost:4318",
		"tracing.samplerRatio": 1.0,
	}
}

// envKey converts a dotted config path ("server.web.port") to the
// environment variable base name it binds to ("SERVER_WEB_PORT"). A camelCase
// segment is split at each lower-to-upper boundary, so "server.web.trustProxy"
// binds to "SERVER_WEB_TRUST_PROXY" and "rateLimit.windowMs" to
// "RATE_LIMIT_WINDOW_MS".
func envKey(path string) string {
	var b strings.Builder
	var prev rune
	for _, r := range path {
		switch {
		case r == '.':
			b.WriteByte('_')
		case r >= 'A' && r <= 'Z' && ((prev >= 'a' && prev <= 'z') || (prev >= '0' && prev <= '9')):
			b.WriteByte('_')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
		prev = r
	}
	return strings.ToUpper(b.String())
}

// coerceLike parses raw into the same dynamic type as sample, implementing
// the spec's typed-coercion rule: booleans compare case-insensitively against
// "true", numerics are parsed as float when they contain '.' and as int
// otherwise, everything else stays a string.
func coerceLike(sample any, raw string) (any, error) {
	switch sample.(type) {
	case bool:
		return strings.EqualFold(strings.TrimSpace(raw), "true"), nil
	case int:
		if strings.Contains(raw, ".") {
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, err
			}
			return int(f), nil
		}
		return strconv.Atoi(raw)
	case float64:
		return strconv.ParseFloat(raw, 64)
	default:
		return raw, nil
	}
}

// applyEnvOverrides scans the environment for every recognized config key,
// honoring an optional "_{ENV}" profile suffix (e.g. REDIS_URL_TEST overrides
// REDIS_URL when the process environment is "test"), and writes matches into
// v, coerced to match the type of that key's default.
func applyEnvOverrides(v *viper.Viper, def map[string]any, env string) error {
	suffix := ""
	if env != "" {
		suffix = "_" + strings.ToUpper(env)
	}
	for path, sample := range def {
		base := envKey(path)
		raw, ok := "", false
		if suffix != "" {
			if val, found := os.LookupEnv(base + suffix); found {
				raw, ok = val, true
			}
		}
		if !ok {
			if val, found := os.LookupEnv(base); found {
				raw, ok = val, true
			}
		}
		if !ok {
			continue
		}
		coerced, err := coerceLike(sample, raw)
		if err != nil {
			return fmt.Errorf("env %s: invalid value %q for %s: %w", base, raw, path, err)
		}
		v.Set(path, coerced)
	}
	return nil
}

// Load builds a Config from defaults, environment variable overrides, and a
// caller-supplied override map, in that order (spec §4.2). override uses the
// same dotted-path or nested-map shape as defaults; nested maps are merged
// key by key, slices replace the prior value wholesale. Config loading must
// complete before registry discovery begins.
func Load(override map[string]any) (*Config, error) {
	v := viper.New()
	def := defaults()
	for path, val := range def {
		v.SetDefault(path, val)
	}

	env := os.Getenv("APP_ENV")
	if env == "" {
		env = v.GetString("process.env")
	}
	v.Set("process.env", env)

	if err := applyEnvOverrides(v, def, env); err != nil {
		return nil, err
	}

	if len(override) > 0 {
		if err := v.MergeConfigMap(override); err != nil {
			return nil, fmt.Errorf("merging config overrides: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate enforces the framework's own required invariants, in the spirit of
// the teacher's Config.Validate but over the generic sections above instead
// of app-specific fields like JWT secrets or DB passwords.
func (c *Config) Validate() error {
	if c.Server.Web.Port <= 0 {
		return fmt.Errorf("server.web.port must be > 0")
	}
	if c.RateLimit.WindowMS <= 0 {
		return fmt.Errorf("rateLimit.windowMs must be > 0")
	}
	if c.Channels.PresenceTTLSeconds < 2*c.Channels.PresenceHeartbeatIntervalSeconds {
		return fmt.Errorf("channels.presenceTTLSeconds must be at least 2x presenceHeartbeatIntervalSeconds")
	}
	if c.Session.TTLSeconds <= 0 {
		return fmt.Errorf("session.ttlSeconds must be > 0")
	}
	switch c.Logger.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logger.format must be text or json, got %q", c.Logger.Format)
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	if c.OAuth.SigningKey == "" {
		return fmt.Errorf("oauth.signingKey must not be empty")
	}
	return nil
}
