// Package oauth implements the OAuth 2.1 + PKCE authorization server that
// gates the MCP endpoint: dynamic client registration, an HTML
// authorize page, single-use authorization codes, SHA-256 PKCE
// verification, and bearer access tokens. Grounded on the teacher's
// internal/middleware/auth.go JWT-bearer pattern for token shape and
// internal/conn's Redis-record-with-TTL idiom for client/code/token storage;
// no external OAuth server library is used (spec §4.7: "no external oauth
// library"), following the first-principles shape surveyed from
// giantswarm/mcp-oauth and mrsuperei/llm-mux without reusing their code.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"actionkit/internal/rdb"
)

// Client is a registered OAuth client (spec §3 OAuthClient).
type Client struct {
	ClientID                string   `json:"client_id"`
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// AuthCode is a single-use authorization code (spec §3 AuthCode).
type AuthCode struct {
	Code          string `json:"code"`
	ClientID      string `json:"clientId"`
	UserID        string `json:"userId"`
	CodeChallenge string `json:"codeChallenge"`
	RedirectURI   string `json:"redirectUri"`
}

// AccessToken is an issued bearer token (spec §3 AccessToken).
type AccessToken struct {
	Token    string   `json:"token"`
	UserID   string   `json:"userId"`
	ClientID string   `json:"clientId"`
	Scopes   []string `json:"scopes"`
}

// Store persists OAuth records in Redis with TTL, the same pattern
// internal/conn.SessionStore uses for sessions.
type Store struct {
	client    *rdb.Client
	clientTTL time.Duration
	codeTTL   time.Duration
	tokenTTL  time.Duration
}

// NewStore constructs a Store. codeTTL is fixed by the spec at roughly
// 5 minutes; clientTTL and tokenTTL come from oauth config (tokenTTL
// mirrors session.ttl per spec §3: "AccessToken ... TTL = session TTL").
func NewStore(client *rdb.Client, clientTTL, codeTTL, tokenTTL time.Duration) *Store {
	return &Store{client: client, clientTTL: clientTTL, codeTTL: codeTTL, tokenTTL: tokenTTL}
}

func clientKey(id string) string { return fmt.Sprintf("oauth:client:%s", id) }
func codeKey(code string) string { return fmt.Sprintf("oauth:code:%s", code) }
func tokenKey(token string) string { return fmt.Sprintf("oauth:token:%s", token) }

// RegisterClient mints a client id and persists the client record.
func (s *Store) RegisterClient(ctx context.Context, redirectURIs []string, clientName string, grantTypes, responseTypes []string) (*Client, error) {
	c := &Client{
		ClientID:                uuid.NewString(),
		RedirectURIs:            redirectURIs,
		ClientName:              clientName,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		TokenEndpointAuthMethod: "none",
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("oauth: encoding client: %w", err)
	}
	if err := s.client.Cmd().Set(ctx, clientKey(c.ClientID), raw, s.clientTTL).Err(); err != nil {
		return nil, fmt.Errorf("oauth: persisting client: %w", err)
	}
	return c, nil
}

// GetClient fetches a registered client by id, returning (nil, nil) if unknown.
func (s *Store) GetClient(ctx context.Context, id string) (*Client, error) {
	raw, err := s.client.Cmd().Get(ctx, clientKey(id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("oauth: loading client %s: %w", id, err)
	}
	var c Client
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("oauth: decoding client %s: %w", id, err)
	}
	return &c, nil
}

// IssueAuthCode mints and persists a single-use authorization code.
func (s *Store) IssueAuthCode(ctx context.Context, clientID, userID, codeChallenge, redirectURI string) (*AuthCode, error) {
	code := &AuthCode{
		Code:          uuid.NewString(),
		ClientID:      clientID,
		UserID:        userID,
		CodeChallenge: codeChallenge,
		RedirectURI:   redirectURI,
	}
	raw, err := json.Marshal(code)
	if err != nil {
		return nil, fmt.Errorf("oauth: encoding auth code: %w", err)
	}
	if err := s.client.Cmd().Set(ctx, codeKey(code.Code), raw, s.codeTTL).Err(); err != nil {
		return nil, fmt.Errorf("oauth: persisting auth code: %w", err)
	}
	return code, nil
}

// ConsumeAuthCode atomically fetches and deletes an auth code (spec
// invariant v: "deletion precedes any validation response on that code").
// Returns (nil, nil) if the code does not exist or was already consumed.
func (s *Store) ConsumeAuthCode(ctx context.Context, code string) (*AuthCode, error) {
	raw, err := s.client.Cmd().GetDel(ctx, codeKey(code)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("oauth: consuming auth code: %w", err)
	}
	var ac AuthCode
	if err := json.Unmarshal([]byte(raw), &ac); err != nil {
		return nil, fmt.Errorf("oauth: decoding auth code: %w", err)
	}
	return &ac, nil
}

// IssueAccessToken mints and persists a bearer token record keyed by its own
// value, so VerifyAccessToken can look it up directly.
func (s *Store) IssueAccessToken(ctx context.Context, token, userID, clientID string, scopes []string) (*AccessToken, error) {
	at := &AccessToken{Token: token, UserID: userID, ClientID: clientID, Scopes: scopes}
	raw, err := json.Marshal(at)
	if err != nil {
		return nil, fmt.Errorf("oauth: encoding access token: %w", err)
	}
	if err := s.client.Cmd().Set(ctx, tokenKey(token), raw, s.tokenTTL).Err(); err != nil {
		return nil, fmt.Errorf("oauth: persisting access token: %w", err)
	}
	return at, nil
}

// VerifyAccessToken returns the stored record for token, or (nil, nil) if
// absent (spec §4.7: "verifyAccessToken(token) returns the stored record or null").
func (s *Store) VerifyAccessToken(ctx context.Context, token string) (*AccessToken, error) {
	raw, err := s.client.Cmd().Get(ctx, tokenKey(token)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("oauth: loading access token: %w", err)
	}
	var at AccessToken
	if err := json.Unmarshal([]byte(raw), &at); err != nil {
		return nil, fmt.Errorf("oauth: decoding access token: %w", err)
	}
	return &at, nil
}

// TokenTTLSeconds returns the configured access-token lifetime, used for the
// token response's expires_in field.
func (s *Store) TokenTTLSeconds() int64 { return int64(s.tokenTTL.Seconds()) }
