package httpserver

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"actionkit/internal/apperrors"
	"actionkit/internal/conn"
	"actionkit/internal/ratelimit"
)

// localsConnKey is the Fiber locals key the session-cookie middleware stores
// the per-request Connection under, for downstream action/WS handlers to
// reuse instead of minting a second one.
const localsConnKey = "actionkit.conn"

// localsWSCookieKey is the locals key the /ws pre-upgrade middleware stores
// the raw session cookie string under, kept distinct from localsConnKey
// (which always holds a *conn.Connection on the HTTP path) so the two
// pre-upgrade handlers never misinterpret each other's payload type.
const localsWSCookieKey = "actionkit.wsCookie"

func nowMillis() int64 { return time.Now().UnixMilli() }

// correlationMiddleware adopts the configured header as the connection's
// correlation id when trustProxy is enabled, echoing it back (spec §6).
func (s *Server) correlationMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if s.cfg.TrustProxy && s.cfg.CorrelationIDHeader != "" {
			if id := c.Get(s.cfg.CorrelationIDHeader); id != "" {
				c.Locals("correlationId", id)
				c.Set(s.cfg.CorrelationIDHeader, id)
			}
		}
		return c.Next()
	}
}

// securityHeadersMiddleware sets the configurable headers spec §6 requires
// on every response, on top of helmet's hardened defaults.
func (s *Server) securityHeadersMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if s.cfg.CSPHeader != "" {
			c.Set(fiber.HeaderContentSecurityPolicy, s.cfg.CSPHeader)
		}
		if s.cfg.HSTSHeader != "" {
			c.Set(fiber.HeaderStrictTransportSecurity, s.cfg.HSTSHeader)
		}
		if s.cfg.ReferrerPolicy != "" {
			c.Set(fiber.HeaderReferrerPolicy, s.cfg.ReferrerPolicy)
		}
		c.Set(fiber.HeaderXContentTypeOptions, "nosniff")
		c.Set(fiber.HeaderXFrameOptions, "DENY")
		return c.Next()
	}
}

// drainMiddleware rejects new work with 503 once Stop has begun draining
// (spec §5); GET/HEAD health checks still pass through so an orchestrator
// can observe the draining state rather than getting connection refused.
func (s *Server) drainMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if s.draining && c.Path() != "/healthz" && c.Path() != "/readyz" {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "server is draining"})
		}
		return c.Next()
	}
}

// sessionCookieMiddleware mints the per-request Connection, reads the
// incoming session cookie into its RequestedSessionID, and stashes the
// connection in locals for the route handler to dispatch against. It skips
// OAuth and well-known paths, which manage their own connection and do not
// carry the framework session cookie.
func (s *Server) sessionCookieMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if isOAuthPath(c.Path()) {
			return c.Next()
		}
		connection := conn.New(conn.TypeWeb, c.IP())
		if correlationID, ok := c.Locals("correlationId").(string); ok {
			connection.SetCorrelationID(correlationID)
		}
		if cookieVal := c.Cookies(s.sessionCfg.CookieName); cookieVal != "" {
			connection.SetRequestedSessionID(cookieVal)
		}
		c.Locals(localsConnKey, connection)
		return c.Next()
	}
}

func isOAuthPath(path string) bool {
	return len(path) >= 6 && (path[:6] == "/oauth" || (len(path) >= 12 && path[:12] == "/.well-known"))
}

// maybeSetSessionCookie writes the Set-Cookie header once a session has been
// loaded for connection (spec §6: value is the session id, the same id the
// Redis key session:{id} is keyed by).
func (s *Server) maybeSetSessionCookie(c *fiber.Ctx, connection *conn.Connection) {
	if !connection.SessionLoaded() {
		return
	}
	sess := connection.Session()
	if sess == nil {
		return
	}
	c.Cookie(&fiber.Cookie{
		Name:     s.sessionCfg.CookieName,
		Value:    sess.ID,
		Path:     "/",
		MaxAge:   s.sessionCfg.TTLSeconds,
		SameSite: s.sessionCfg.SameSite,
		HTTPOnly: true,
		Secure:   c.Protocol() == "https",
	})
}

// loggingMiddleware emits one line per HTTP request through the framework
// logger, grounded on the teacher's StructuredLogger (status/method/path/
// latency fields).
func (s *Server) loggingMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		s.log.InfoContext(c.UserContext(), "http request",
			"method", c.Method(),
			"path", c.Path(),
			"status", c.Response().StatusCode(),
			"latency_ms", time.Since(start).Milliseconds(),
			"ip", c.IP(),
		)
		return err
	}
}

// ensureSessionLoaded loads connection's session eagerly, before the
// rate-limit check runs, so an authenticated request is keyed and limited
// correctly on its very first action of the call (spec §4.3 step 2 happens
// for every connection regardless of transport; the rate limiter needs that
// same information before step 2's own place in the dispatch pipeline).
// AttachSession is idempotent, so dispatch's later session-load step is a
// no-op when this has already run.
func (s *Server) ensureSessionLoaded(ctx context.Context, connection *conn.Connection) {
	if s.sessions == nil || connection.SessionLoaded() {
		return
	}
	sess, err := s.sessions.LoadOrCreate(ctx, connection)
	if err != nil {
		return
	}
	connection.AttachSession(sess)
}

// enforceRateLimit runs the sliding-window check for this request's
// identity, attaching the result to connection regardless of outcome (spec
// §4.6: "store the result on the connection... and raise
// CONNECTION_RATE_LIMITED when retryAfter is set"). Applied uniformly at the
// HTTP/WS transport boundary since the dispatch pipeline has no
// process-wide middleware slot, only per-action ones.
func (s *Server) enforceRateLimit(c *fiber.Ctx, connection *conn.Connection) error {
	return s.enforceRateLimitCtx(c.Context(), connection)
}

// enforceConnRateLimit runs the same sliding-window check outside of an HTTP
// request context, for WS action frames (spec §4.6 applies per action
// dispatch regardless of transport).
func (s *Server) enforceConnRateLimit(connection *conn.Connection) error {
	return s.enforceRateLimitCtx(context.Background(), connection)
}

func (s *Server) enforceRateLimitCtx(ctx context.Context, connection *conn.Connection) error {
	if s.limiter == nil {
		return nil
	}
	userID := connection.AuthenticatedUserID()
	if userID == "" && connection.SessionLoaded() {
		userID = connection.Session().AuthenticatedUserID()
	}
	key := ratelimit.Key(userID, connection.Identifier())
	limit := s.rlCfg.UnauthenticatedLimit
	if userID != "" {
		limit = s.rlCfg.AuthenticatedLimit
	}
	info, err := s.limiter.Authorize(ctx, key, limit, int64(s.rlCfg.WindowMS), nowMillis())
	if info != nil {
		connection.SetRateLimitInfo(info)
	}
	return err
}

// attachRateLimitHeaders emits X-RateLimit-*/Retry-After on every response
// that carries a rateLimitInfo (spec §6).
func (s *Server) attachRateLimitHeaders(c *fiber.Ctx, connection *conn.Connection) {
	info := connection.RateLimitInfo()
	if info == nil {
		return
	}
	c.Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
	c.Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
	c.Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetAt, 10))
	if info.RetryAfter > 0 {
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(info.RetryAfter))
	}
}

// rateLimitedError renders the typed 429 envelope directly, used when
// enforceRateLimit trips before dispatch ever runs.
func rateLimitedError(c *fiber.Ctx, err *apperrors.Error) error {
	return writeError(c, err)
}
