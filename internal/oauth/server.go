package oauth

import (
	"context"
	"errors"
	"html/template"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v2"

	"actionkit/internal/action"
	"actionkit/internal/apperrors"
	"actionkit/internal/conn"
	"actionkit/internal/dispatch"
	"actionkit/internal/logger"
)

// Server implements the OAuth 2.1 + PKCE endpoints directly against a fiber
// app, gating the MCP endpoint (spec §4.7). Grounded on the teacher's
// internal/server/server.go handler shape (fiber.Ctx methods returning
// c.Status(...).JSON(fiber.Map{...})); no external OAuth server library is
// used, matching the first-principles PKCE approach the spec calls for.
type Server struct {
	store        *Store
	dispatcher   *dispatch.Dispatcher
	origin       string
	loginAction  string
	signupAction string
	signingKey   string
	log          *logger.Logger
}

// New constructs a Server. origin is this deployment's canonical origin
// (scheme://host[:port]), used for the well-known metadata documents and
// redirect-uri origin matching. signingKey signs the HS256 bearer tokens
// this server issues (oauth.signingKey config).
func New(store *Store, dispatcher *dispatch.Dispatcher, origin, loginAction, signupAction, signingKey string, log *logger.Logger) *Server {
	return &Server{
		store:        store,
		dispatcher:   dispatcher,
		origin:       origin,
		loginAction:  loginAction,
		signupAction: signupAction,
		signingKey:   signingKey,
		log:          log,
	}
}

// RegisterRoutes wires every OAuth endpoint onto app, matching spec §4.7's
// route set.
func (s *Server) RegisterRoutes(app *fiber.App) {
	app.Get("/.well-known/oauth-protected-resource", s.ProtectedResourceMetadata)
	app.Get("/.well-known/oauth-authorization-server", s.AuthorizationServerMetadata)
	app.Post("/oauth/register", s.Register)
	app.Get("/oauth/authorize", s.AuthorizePage)
	app.Post("/oauth/authorize", s.AuthorizeSubmit)
	app.Post("/oauth/token", s.Token)
}

// ProtectedResourceMetadata serves the RFC 9728 discovery document.
func (s *Server) ProtectedResourceMetadata(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"resource":              s.origin,
		"authorization_servers": []string{s.origin},
	})
}

// AuthorizationServerMetadata serves the RFC 8414 discovery document.
func (s *Server) AuthorizationServerMetadata(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"issuer":                                s.origin,
		"authorization_endpoint":                s.origin + "/oauth/authorize",
		"token_endpoint":                         s.origin + "/oauth/token",
		"registration_endpoint":                  s.origin + "/oauth/register",
		"response_types_supported":               []string{"code"},
		"grant_types_supported":                  []string{"authorization_code"},
		"code_challenge_methods_supported":       []string{"S256"},
		"token_endpoint_auth_methods_supported":  []string{"none"},
	})
}

type registerRequest struct {
	RedirectURIs  []string `json:"redirect_uris"`
	ClientName    string   `json:"client_name"`
	GrantTypes    []string `json:"grant_types"`
	ResponseTypes []string `json:"response_types"`
}

// Register implements dynamic client registration (spec §4.7 POST /oauth/register).
func (s *Server) Register(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid_request", "error_description": "malformed JSON body",
		})
	}
	if len(req.RedirectURIs) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid_client_metadata", "error_description": "redirect_uris must be a non-empty array",
		})
	}
	for _, raw := range req.RedirectURIs {
		if err := validateRedirectURI(raw); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid_redirect_uri", "error_description": err.Error(),
			})
		}
	}
	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code"}
	}
	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}

	client, err := s.store.RegisterClient(c.Context(), req.RedirectURIs, req.ClientName, grantTypes, responseTypes)
	if err != nil {
		s.log.Error("oauth: client registration failed", "error", err.Error())
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "server_error", "error_description": err.Error(),
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"client_id":                  client.ClientID,
		"redirect_uris":              client.RedirectURIs,
		"client_name":                client.ClientName,
		"grant_types":                client.GrantTypes,
		"response_types":             client.ResponseTypes,
		"token_endpoint_auth_method": client.TokenEndpointAuthMethod,
	})
}

// validateRedirectURI enforces spec §4.7's registration constraints:
// parseable, no fragment, no userinfo, HTTPS unless the host is a loopback
// address.
func validateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Fragment != "" {
		return errors.New("redirect_uri must not contain a fragment")
	}
	if u.User != nil {
		return errors.New("redirect_uri must not contain userinfo")
	}
	if u.Scheme != "https" {
		switch u.Hostname() {
		case "localhost", "127.0.0.1", "::1":
		default:
			return errors.New("redirect_uri must use https unless the host is loopback")
		}
	}
	return nil
}

var authorizePageTemplate = template.Must(template.New("authorize").Parse(`<!DOCTYPE html>
<html>
<head><title>Sign in</title></head>
<body>
<h1>Sign in to continue</h1>
<form method="post" action="/oauth/authorize">
  <input type="hidden" name="client_id" value="{{.ClientID}}">
  <input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
  <input type="hidden" name="code_challenge" value="{{.CodeChallenge}}">
  <input type="hidden" name="code_challenge_method" value="{{.CodeChallengeMethod}}">
  <input type="hidden" name="response_type" value="{{.ResponseType}}">
  <input type="hidden" name="state" value="{{.State}}">
  <label>Email <input type="text" name="identifier"></label>
  <label>Password <input type="password" name="password"></label>
  <button type="submit" name="intent" value="login">Sign in</button>
  <button type="submit" name="intent" value="signup">Create account</button>
</form>
</body>
</html>`))

type authorizePageData struct {
	ClientID, RedirectURI, CodeChallenge, CodeChallengeMethod, ResponseType, State string
}

// AuthorizePage renders the login/signup page, HTML-escaping every echoed
// field (spec §4.7 GET /oauth/authorize).
func (s *Server) AuthorizePage(c *fiber.Ctx) error {
	data := authorizePageData{
		ClientID:             c.Query("client_id"),
		RedirectURI:          c.Query("redirect_uri"),
		CodeChallenge:        c.Query("code_challenge"),
		CodeChallengeMethod:  c.Query("code_challenge_method"),
		ResponseType:         c.Query("response_type"),
		State:                c.Query("state"),
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	return authorizePageTemplate.Execute(c.Response().BodyWriter(), data)
}

var authorizeSuccessTemplate = template.Must(template.New("authorize-success").Parse(`<!DOCTYPE html>
<html>
<head><title>Redirecting</title><meta http-equiv="refresh" content="0;url={{.RedirectTo}}"></head>
<body>Redirecting to <a href="{{.RedirectTo}}">{{.RedirectTo}}</a>&hellip;</body>
</html>`))

// AuthorizeSubmit validates the form, dispatches the configured login or
// signup action, mints an auth code, and redirects back to the client (spec
// §4.7 POST /oauth/authorize).
func (s *Server) AuthorizeSubmit(c *fiber.Ctx) error {
	clientID := c.FormValue("client_id")
	redirectURI := c.FormValue("redirect_uri")
	codeChallenge := c.FormValue("code_challenge")
	codeChallengeMethod := c.FormValue("code_challenge_method")
	state := c.FormValue("state")
	intent := c.FormValue("intent")

	client, err := s.store.GetClient(c.Context(), clientID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).SendString("server error")
	}
	if client == nil {
		return c.Status(fiber.StatusBadRequest).SendString("unknown client")
	}
	if !redirectURIRegistered(client.RedirectURIs, redirectURI) {
		return c.Status(fiber.StatusBadRequest).SendString("redirect_uri does not match a registered URI")
	}
	if codeChallengeMethod != "S256" {
		return c.Status(fiber.StatusBadRequest).SendString("code_challenge_method must be S256")
	}

	actionName := s.loginAction
	if intent == "signup" {
		actionName = s.signupAction
	}

	raw := action.NewRawParams()
	raw.Set("identifier", c.FormValue("identifier"))
	raw.Set("password", c.FormValue("password"))

	authConn := conn.New(conn.TypeOAuth, c.IP())
	resp, err := s.dispatcher.Dispatch(c.Context(), authConn, actionName, raw, fiber.MethodPost, "/oauth/authorize")
	if err != nil {
		status := fiber.StatusUnauthorized
		if typed, ok := apperrors.As(err); ok {
			status = typed.StatusCode()
		}
		return c.Status(status).SendString("authentication failed")
	}

	userID, ok := resp.Value.(string)
	if !ok || userID == "" {
		return c.Status(fiber.StatusInternalServerError).SendString("login action did not return a user id")
	}

	code, err := s.store.IssueAuthCode(c.Context(), clientID, userID, codeChallenge, redirectURI)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).SendString("server error")
	}

	dest, err := url.Parse(redirectURI)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).SendString("server error")
	}
	q := dest.Query()
	q.Set("code", code.Code)
	if state != "" {
		q.Set("state", state)
	}
	dest.RawQuery = q.Encode()

	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	return authorizeSuccessTemplate.Execute(c.Response().BodyWriter(), struct{ RedirectTo string }{dest.String()})
}

// redirectURIRegistered matches redirectURI against the client's registered
// set by origin+path, ignoring query strings (spec §4.7).
func redirectURIRegistered(registered []string, candidate string) bool {
	cu, err := url.Parse(candidate)
	if err != nil {
		return false
	}
	for _, r := range registered {
		ru, err := url.Parse(r)
		if err != nil {
			continue
		}
		if ru.Scheme == cu.Scheme && ru.Host == cu.Host && ru.Path == cu.Path {
			return true
		}
	}
	return false
}

// Token implements the authorization_code grant (spec §4.7 POST /oauth/token).
func (s *Server) Token(c *fiber.Ctx) error {
	grantType := c.FormValue("grant_type")
	if grantType == "" {
		grantType = c.Query("grant_type")
	}
	if grantType != "authorization_code" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "unsupported_grant_type", "error_description": "only authorization_code is supported",
		})
	}

	code := firstNonEmpty(c.FormValue("code"), c.Query("code"))
	verifier := firstNonEmpty(c.FormValue("code_verifier"), c.Query("code_verifier"))
	clientID := firstNonEmpty(c.FormValue("client_id"), c.Query("client_id"))
	redirectURI := firstNonEmpty(c.FormValue("redirect_uri"), c.Query("redirect_uri"))

	if code == "" || verifier == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid_request", "error_description": "code and code_verifier are required",
		})
	}

	authCode, err := s.store.ConsumeAuthCode(c.Context(), code)
	if err != nil {
		s.log.Error("oauth: consuming auth code failed", "error", err.Error())
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "server_error", "error_description": err.Error(),
		})
	}
	if authCode == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid_grant", "error_description": "unknown or already-consumed code",
		})
	}
	if clientID != "" && clientID != authCode.ClientID {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid_grant", "error_description": "client_id does not match the authorization code",
		})
	}
	if redirectURI != "" && redirectURI != authCode.RedirectURI {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid_grant", "error_description": "redirect_uri does not match the authorization code",
		})
	}
	if !verifyPKCE(verifier, authCode.CodeChallenge) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid_grant", "error_description": "code_verifier does not match code_challenge",
		})
	}

	token, err := signAccessToken(s.signingKey, authCode.UserID, authCode.ClientID, []string{}, time.Duration(s.store.TokenTTLSeconds())*time.Second)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "server_error", "error_description": err.Error(),
		})
	}
	if _, err := s.store.IssueAccessToken(c.Context(), token, authCode.UserID, authCode.ClientID, []string{}); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "server_error", "error_description": err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   s.store.TokenTTLSeconds(),
	})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// VerifyAccessToken checks the bearer token's HS256 signature and expiry,
// then confirms its record still exists in Store — rejecting a
// well-signed-but-revoked token the same way the teacher's AuthRequired
// middleware rejects a well-signed-but-expired one, just with revocation
// instead of expiry as the second check. Exposed so other components (the
// MCP transport, the HTTP auth middleware) can authenticate a bearer token
// without importing internal/oauth's storage internals directly.
func (s *Server) VerifyAccessToken(ctx context.Context, token string) (*AccessToken, error) {
	if _, err := parseAccessToken(s.signingKey, token); err != nil {
		return nil, nil
	}
	return s.store.VerifyAccessToken(ctx, token)
}
