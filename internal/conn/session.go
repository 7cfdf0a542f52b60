package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"actionkit/internal/rdb"
)

// Session is the per-connection session record (spec §3), persisted under
// Redis key session:{id} with a TTL refreshed on every touch.
type Session struct {
	ID         string         `json:"id"`
	CookieName string         `json:"cookieName"`
	CreatedAt  int64          `json:"createdAt"` // epoch-ms
	Data       map[string]any `json:"data"`
}

// SessionStore loads, creates, and persists sessions against Redis.
// Grounded on the teacher's JWT-in-cookie session model (internal/middleware
// auth.go), generalized here into the spec's server-side Redis-backed
// session with explicit TTL refresh rather than a stateless signed token.
type SessionStore struct {
	client     *rdb.Client
	cookieName string
	ttl        time.Duration
}

// NewSessionStore constructs a store bound to client, using cookieName and
// ttl from the session.* config section.
func NewSessionStore(client *rdb.Client, cookieName string, ttl time.Duration) *SessionStore {
	return &SessionStore{client: client, cookieName: cookieName, ttl: ttl}
}

func sessionKey(id string) string { return fmt.Sprintf("session:%s", id) }

// sessionUserIDKey is the Data key a successful user:login/user:signup run
// writes the authenticated user's id under (spec §4.3/§4.4).
const sessionUserIDKey = "userId"

// AuthenticatedUserID returns the user id this session was marked
// authenticated as, if any. Session.ID itself is never a user identity — it
// is the session record's own id, assigned before the caller has
// authenticated at all.
func (s *Session) AuthenticatedUserID() string {
	if s == nil {
		return ""
	}
	userID, _ := s.Data[sessionUserIDKey].(string)
	return userID
}

// Create mints a new session, persists it, and returns it.
func (s *SessionStore) Create(ctx context.Context, createdAtMS int64) (*Session, error) {
	sess := &Session{
		ID:         uuid.NewString(),
		CookieName: s.cookieName,
		CreatedAt:  createdAtMS,
		Data:       make(map[string]any),
	}
	if err := s.persist(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Load fetches a session by id, refreshing its TTL (spec §3: "accessed
// touches refresh the TTL"). Returns (nil, nil) if the session does not
// exist (evicted or never created) so callers can treat it as absent and
// lazily recreate, per spec §9's open-question resolution.
func (s *SessionStore) Load(ctx context.Context, id string) (*Session, error) {
	raw, err := s.client.Cmd().Get(ctx, sessionKey(id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", id, err)
	}
	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", id, err)
	}
	if err := s.client.Cmd().Expire(ctx, sessionKey(id), s.ttl).Err(); err != nil {
		return nil, fmt.Errorf("refreshing session %s ttl: %w", id, err)
	}
	return &sess, nil
}

// LoadOrCreate satisfies dispatch.SessionLoader: it loads the session named
// by c's requested session id, falling back to minting a fresh one if none
// was presented or the presented one was evicted (spec §4.3 step 2).
func (s *SessionStore) LoadOrCreate(ctx context.Context, c *Connection) (*Session, error) {
	if id := c.RequestedSessionID(); id != "" {
		sess, err := s.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			return sess, nil
		}
	}
	return s.Create(ctx, time.Now().UnixMilli())
}

func (s *SessionStore) persist(ctx context.Context, sess *Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", sess.ID, err)
	}
	if err := s.client.Cmd().Set(ctx, sessionKey(sess.ID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("persisting session %s: %w", sess.ID, err)
	}
	return nil
}

// deepMerge merges src into dst recursively: nested maps merge key by key,
// every other value (including slices) replaces the destination wholesale —
// the same "objects merge, arrays replace" rule spec §4.2 applies to config.
func deepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any)
	}
	for k, v := range src {
		if srcMap, ok := v.(map[string]any); ok {
			if dstMap, ok := dst[k].(map[string]any); ok {
				dst[k] = deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[k] = v
	}
	return dst
}

// UpdateSession deep-merges partial into sess.Data and persists the result
// with a refreshed TTL (spec §4.4).
func (s *SessionStore) UpdateSession(ctx context.Context, sess *Session, partial map[string]any) error {
	sess.Data = deepMerge(sess.Data, partial)
	return s.persist(ctx, sess)
}
