package oauth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"html"
	"io"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"actionkit/internal/action"
	"actionkit/internal/apperrors"
	"actionkit/internal/dispatch"
	"actionkit/internal/logger"
	"actionkit/internal/rdb"
)

func newTestServer(t *testing.T) (*fiber.App, *Server, *Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := rdb.New(mr.Addr())
	require.NoError(t, err)

	store := NewStore(client, 30*24*time.Hour, 5*time.Minute, time.Hour)

	actions := action.NewRegistry()
	require.NoError(t, actions.Register(&action.Definition{
		Name: "user:login",
		InputSchema: action.InputSchema{
			"identifier": {Kind: action.KindString},
			"password":   {Kind: action.KindString, Secret: true},
		},
		Run: func(ctx context.Context, params map[string]any, c action.Conn) (any, error) {
			if params["identifier"] == "alice@example.com" && params["password"] == "hunter2" {
				return "user-1", nil
			}
			return nil, apperrors.New(apperrors.ConnectionChannelAuth, "bad credentials")
		},
	}))

	log := logger.New(io.Discard, logger.TextFormat)
	d := dispatch.New(actions, nil, log)

	srv := New(store, d, "https://auth.example.com", "user:login", "user:signup", "test-signing-key", log)

	app := fiber.New()
	srv.RegisterRoutes(app)
	return app, srv, store
}

func TestProtectedResourceMetadata(t *testing.T) {
	app, _, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/.well-known/oauth-protected-resource", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "https://auth.example.com", body["resource"])
}

func TestAuthorizationServerMetadata(t *testing.T) {
	app, _, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/.well-known/oauth-authorization-server", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.ElementsMatch(t, []any{"S256"}, body["code_challenge_methods_supported"])
	assert.ElementsMatch(t, []any{"authorization_code"}, body["grant_types_supported"])
}

func TestRegisterRejectsEmptyRedirectURIs(t *testing.T) {
	app, _, _ := newTestServer(t)
	body, _ := json.Marshal(map[string]any{"redirect_uris": []string{}})
	req := httptest.NewRequest("POST", "/oauth/register", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestRegisterRejectsNonHTTPSNonLoopbackRedirect(t *testing.T) {
	app, _, _ := newTestServer(t)
	body, _ := json.Marshal(map[string]any{"redirect_uris": []string{"http://attacker.example.com/cb"}})
	req := httptest.NewRequest("POST", "/oauth/register", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestRegisterAcceptsLoopbackHTTP(t *testing.T) {
	app, _, _ := newTestServer(t)
	body, _ := json.Marshal(map[string]any{"redirect_uris": []string{"http://127.0.0.1:4000/cb"}})
	req := httptest.NewRequest("POST", "/oauth/register", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusCreated, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.NotEmpty(t, out["client_id"])
}

func TestAuthorizePageEscapesQueryParams(t *testing.T) {
	app, _, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/oauth/authorize?client_id=%3Cscript%3E&redirect_uri=https://x&code_challenge=abc&code_challenge_method=S256&response_type=code&state=s1", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "<script>")
	assert.Contains(t, string(raw), "&lt;script&gt;")
}

func registerClient(t *testing.T, app *fiber.App, redirectURI string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]any{"redirect_uris": []string{redirectURI}})
	req := httptest.NewRequest("POST", "/oauth/register", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out["client_id"].(string)
}

func pkcePair() (verifier, challenge string) {
	verifier = "a-fixed-test-verifier-string-that-is-long-enough"
	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return
}

func TestAuthorizeSubmitAndTokenExchangeFullFlow(t *testing.T) {
	app, _, _ := newTestServer(t)
	redirectURI := "http://127.0.0.1:4000/cb"
	clientID := registerClient(t, app, redirectURI)
	verifier, challenge := pkcePair()

	form := url.Values{}
	form.Set("client_id", clientID)
	form.Set("redirect_uri", redirectURI)
	form.Set("code_challenge", challenge)
	form.Set("code_challenge_method", "S256")
	form.Set("state", "xyz")
	form.Set("identifier", "alice@example.com")
	form.Set("password", "hunter2")
	form.Set("intent", "login")

	req := httptest.NewRequest("POST", "/oauth/authorize", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	redirectTo := extractRedirect(t, string(raw))
	dest, err := url.Parse(redirectTo)
	require.NoError(t, err)
	code := dest.Query().Get("code")
	require.NotEmpty(t, code)
	assert.Equal(t, "xyz", dest.Query().Get("state"))

	tokenForm := url.Values{}
	tokenForm.Set("grant_type", "authorization_code")
	tokenForm.Set("code", code)
	tokenForm.Set("code_verifier", verifier)
	tokenForm.Set("client_id", clientID)
	tokenForm.Set("redirect_uri", redirectURI)

	tokReq := httptest.NewRequest("POST", "/oauth/token", strings.NewReader(tokenForm.Encode()))
	tokReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	tokResp, err := app.Test(tokReq, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, tokResp.StatusCode)

	var tokenOut map[string]any
	require.NoError(t, json.NewDecoder(tokResp.Body).Decode(&tokenOut))
	assert.Equal(t, "Bearer", tokenOut["token_type"])
	assert.NotEmpty(t, tokenOut["access_token"])
}

func TestTokenRejectsReplayedCode(t *testing.T) {
	app, _, store := newTestServer(t)
	verifier, challenge := pkcePair()
	ac, err := store.IssueAuthCode(context.Background(), "client-1", "user-1", challenge, "http://127.0.0.1:4000/cb")
	require.NoError(t, err)

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", ac.Code)
	form.Set("code_verifier", verifier)

	req := httptest.NewRequest("POST", "/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	first, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, first.StatusCode)

	req2 := httptest.NewRequest("POST", "/oauth/token", strings.NewReader(form.Encode()))
	req2.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	second, err := app.Test(req2, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, second.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(second.Body).Decode(&body))
	assert.Equal(t, "invalid_grant", body["error"])
}

func TestTokenRejectsMismatchedVerifier(t *testing.T) {
	app, _, store := newTestServer(t)
	_, challenge := pkcePair()
	ac, err := store.IssueAuthCode(context.Background(), "client-1", "user-1", challenge, "http://127.0.0.1:4000/cb")
	require.NoError(t, err)

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", ac.Code)
	form.Set("code_verifier", "wrong-verifier")

	req := httptest.NewRequest("POST", "/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestTokenRejectsUnsupportedGrantType(t *testing.T) {
	app, _, _ := newTestServer(t)
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	req := httptest.NewRequest("POST", "/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "unsupported_grant_type", body["error"])
}

func TestVerifyAccessTokenRoundTrip(t *testing.T) {
	_, srv, store := newTestServer(t)
	signed, err := signAccessToken("test-signing-key", "user-1", "client-1", nil, time.Hour)
	require.NoError(t, err)
	at, err := store.IssueAccessToken(context.Background(), signed, "user-1", "client-1", []string{})
	require.NoError(t, err)

	got, err := srv.VerifyAccessToken(context.Background(), at.Token)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "user-1", got.UserID)

	missing, err := srv.VerifyAccessToken(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestVerifyAccessTokenRejectsRevokedButWellSignedToken(t *testing.T) {
	_, srv, _ := newTestServer(t)
	signed, err := signAccessToken("test-signing-key", "user-1", "client-1", nil, time.Hour)
	require.NoError(t, err)

	got, err := srv.VerifyAccessToken(context.Background(), signed)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestVerifyAccessTokenRejectsBadSignature(t *testing.T) {
	_, srv, _ := newTestServer(t)
	signed, err := signAccessToken("a-different-key", "user-1", "client-1", nil, time.Hour)
	require.NoError(t, err)

	got, err := srv.VerifyAccessToken(context.Background(), signed)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func extractRedirect(t *testing.T, page string) string {
	t.Helper()
	const marker = `url=`
	idx := strings.Index(page, marker)
	require.Greater(t, idx, -1)
	rest := page[idx+len(marker):]
	end := strings.Index(rest, `">`)
	require.Greater(t, end, -1)
	return html.UnescapeString(rest[:end])
}
