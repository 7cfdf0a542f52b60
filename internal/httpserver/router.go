package httpserver

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"actionkit/internal/action"
	"actionkit/internal/apperrors"
	"actionkit/internal/conn"
)

// registerActionRoutes mounts one Fiber route per action.Web binding (spec
// §4.8). Fiber's native ":name" capture syntax already matches the shape
// action.Web.Route uses, so no translation layer is needed between the two.
func (s *Server) registerActionRoutes(app *fiber.App) {
	for _, def := range s.actions.All() {
		if def.Web == nil {
			continue
		}
		handler := s.actionHandler(def)
		switch def.Web.Method {
		case action.MethodGet:
			app.Get(def.Web.Route, handler)
		case action.MethodPost:
			app.Post(def.Web.Route, handler)
		case action.MethodPut:
			app.Put(def.Web.Route, handler)
		case action.MethodPatch:
			app.Patch(def.Web.Route, handler)
		case action.MethodDelete:
			app.Delete(def.Web.Route, handler)
		case action.MethodHead:
			app.Head(def.Web.Route, handler)
		}
	}
}

// actionHandler builds the Fiber handler for one action: assemble RawParams
// from captures, body, and query (in that order, per spec §4.8), dispatch,
// then render the response or typed error envelope.
func (s *Server) actionHandler(def *action.Definition) fiber.Handler {
	return func(c *fiber.Ctx) error {
		connection := s.connectionFor(c)
		s.ensureSessionLoaded(c.UserContext(), connection)

		if rlErr := s.enforceRateLimit(c, connection); rlErr != nil {
			s.attachRateLimitHeaders(c, connection)
			if typed, ok := apperrors.As(rlErr); ok {
				return rateLimitedError(c, typed)
			}
			return writeError(c, rlErr)
		}

		raw := action.NewRawParams()
		for _, p := range c.Route().Params {
			if v := c.Params(p); v != "" {
				raw.Set(p, v)
			}
		}
		addBodyParams(c, raw)
		addQueryParams(c, raw)

		resp, err := s.dispatcher.Dispatch(c.UserContext(), connection, def.Name, raw, c.Method(), c.OriginalURL())
		s.attachRateLimitHeaders(c, connection)
		s.maybeSetSessionCookie(c, connection)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(fiber.Map{"response": resp.Value})
	}
}

// addBodyParams folds JSON or form body fields into raw, set-semantics
// (last wins) against any earlier layer, after path captures and before
// query params. A JSON object's keys are already unique, so each one simply
// overwrites whatever an earlier layer (a path capture) set for it — the
// array itself becomes the single value for that key rather than needing to
// be unrolled key by key. Form/multipart/query sources are true multimaps
// (a key can repeat within the same layer), so only the first occurrence of
// a key within this layer overwrites; later occurrences within the same
// layer append.
func addBodyParams(c *fiber.Ctx, raw *action.RawParams) {
	if len(c.Body()) == 0 {
		return
	}
	contentType := string(c.Request().Header.ContentType())
	if strings.Contains(contentType, "application/json") {
		var body map[string]any
		if err := c.BodyParser(&body); err == nil {
			for k, v := range body {
				raw.Set(k, v)
			}
		}
		return
	}
	if strings.Contains(contentType, "application/x-www-form-urlencoded") || strings.Contains(contentType, "multipart/form-data") {
		if form, err := c.MultipartForm(); err == nil {
			for k, values := range form.Value {
				for i, v := range values {
					if i == 0 {
						raw.Set(k, v)
						continue
					}
					raw.Add(k, v)
				}
			}
			return
		}
		seen := make(map[string]bool)
		c.Context().PostArgs().VisitAll(func(key, value []byte) {
			k := string(key)
			if seen[k] {
				raw.Add(k, string(value))
				return
			}
			raw.Set(k, string(value))
			seen[k] = true
		})
	}
}

// addQueryParams folds query-string pairs in last: the first occurrence of a
// key overwrites any earlier layer's value, repeats of that key within the
// query string itself append (spec §4.8: "last wins for set, append for
// repeated").
func addQueryParams(c *fiber.Ctx, raw *action.RawParams) {
	seen := make(map[string]bool)
	c.Context().QueryArgs().VisitAll(func(key, value []byte) {
		k := string(key)
		if seen[k] {
			raw.Add(k, string(value))
			return
		}
		raw.Set(k, string(value))
		seen[k] = true
	})
}

// connectionFor returns the per-request Connection the cookie middleware
// stashed in locals, falling back to a fresh one if the path bypassed that
// middleware (e.g. a test hitting the handler directly).
func (s *Server) connectionFor(c *fiber.Ctx) *conn.Connection {
	if existing, ok := c.Locals(localsConnKey).(*conn.Connection); ok && existing != nil {
		return existing
	}
	connection := conn.New(conn.TypeWeb, c.IP())
	c.Locals(localsConnKey, connection)
	return connection
}

// writeError renders the typed-error envelope (spec §4.8/§7).
func writeError(c *fiber.Ctx, err error) error {
	typed, ok := apperrors.As(err)
	if !ok {
		typed = apperrors.Wrap(apperrors.ConnectionActionRun, "unexpected error", err)
	}
	body := fiber.Map{
		"message":   typed.Message,
		"type":      string(typed.TypeOf),
		"timestamp": nowMillis(),
	}
	if typed.Key != "" {
		body["key"] = typed.Key
	}
	if typed.Value != nil {
		body["value"] = typed.Value
	}
	return c.Status(typed.StatusCode()).JSON(fiber.Map{"error": body})
}
