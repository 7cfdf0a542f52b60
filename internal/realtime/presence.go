package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"actionkit/internal/rdb"
)

// addPresenceScript atomically adds a connection id to the per-key presence
// set and, only if that set was empty before the add, adds the presence key
// to the channel-wide set (spec §9: "SADD the inner set, conditionally SADD
// the outer set only when the inner set's cardinality was 0 before the
// add, set TTLs on both"). Returns 1 if this was a join transition, else 0.
var addPresenceScript = redis.NewScript(`
local innerKey = KEYS[1]
local outerKey = KEYS[2]
local connID = ARGV[1]
local ttl = ARGV[2]
local presenceKey = ARGV[3]

local existedBefore = redis.call('SCARD', innerKey)
redis.call('SADD', innerKey, connID)
redis.call('EXPIRE', innerKey, ttl)

local joined = 0
if existedBefore == 0 then
	redis.call('SADD', outerKey, presenceKey)
	joined = 1
end
redis.call('EXPIRE', outerKey, ttl)
return joined
`)

// removePresenceScript is the dual: remove the connection id, and if the
// per-key set becomes empty, remove the presence key from the channel set.
// Returns 1 if this was a leave transition, else 0.
var removePresenceScript = redis.NewScript(`
local innerKey = KEYS[1]
local outerKey = KEYS[2]
local connID = ARGV[1]
local presenceKey = ARGV[3]

redis.call('SREM', innerKey, connID)
local remaining = redis.call('SCARD', innerKey)

local left = 0
if remaining == 0 then
	redis.call('SREM', outerKey, presenceKey)
	left = 1
end
return left
`)

// touchPresenceScript refreshes the TTL on both presence keys without
// altering membership; used by the heartbeat task.
var touchPresenceScript = redis.NewScript(`
local innerKey = KEYS[1]
local outerKey = KEYS[2]
local ttl = ARGV[2]

if redis.call('EXISTS', innerKey) == 1 then
	redis.call('EXPIRE', innerKey, ttl)
end
if redis.call('EXISTS', outerKey) == 1 then
	redis.call('EXPIRE', outerKey, ttl)
end
return 1
`)

func presenceInnerKey(channel, presenceKey string) string {
	return fmt.Sprintf("presence:%s:%s", channel, presenceKey)
}

func presenceOuterKey(channel string) string {
	return fmt.Sprintf("presence:%s", channel)
}

// Presence wraps the atomic presence scripts against a shared Redis client.
type Presence struct {
	client *rdb.Client
	ttl    time.Duration
}

// NewPresence constructs a Presence tracker. ttl is channels.presenceTTLSeconds.
func NewPresence(client *rdb.Client, ttl time.Duration) *Presence {
	return &Presence{client: client, ttl: ttl}
}

// Add records connID as holding presenceKey on channel. Returns true iff
// this call caused an empty->non-empty transition (a "join").
func (p *Presence) Add(ctx context.Context, channel, connID, presenceKey string) (bool, error) {
	res, err := addPresenceScript.Run(ctx, p.client.Cmd(), []string{
		presenceInnerKey(channel, presenceKey),
		presenceOuterKey(channel),
	}, connID, int(p.ttl.Seconds()), presenceKey).Int()
	if err != nil {
		return false, fmt.Errorf("realtime: add presence: %w", err)
	}
	return res == 1, nil
}

// Remove is the dual of Add. Returns true iff this call caused a
// non-empty->empty transition (a "leave").
func (p *Presence) Remove(ctx context.Context, channel, connID, presenceKey string) (bool, error) {
	res, err := removePresenceScript.Run(ctx, p.client.Cmd(), []string{
		presenceInnerKey(channel, presenceKey),
		presenceOuterKey(channel),
	}, connID, 0, presenceKey).Int()
	if err != nil {
		return false, fmt.Errorf("realtime: remove presence: %w", err)
	}
	return res == 1, nil
}

// Touch refreshes TTL on both presence keys for (channel, presenceKey)
// without altering membership. Used by the heartbeat task.
func (p *Presence) Touch(ctx context.Context, channel, presenceKey string) error {
	_, err := touchPresenceScript.Run(ctx, p.client.Cmd(), []string{
		presenceInnerKey(channel, presenceKey),
		presenceOuterKey(channel),
	}, 0, int(p.ttl.Seconds())).Result()
	if err != nil {
		return fmt.Errorf("realtime: touch presence: %w", err)
	}
	return nil
}

// Members returns the distinct presence keys currently held on channel
// (spec §4.5 "members(channel)").
func (p *Presence) Members(ctx context.Context, channel string) ([]string, error) {
	return p.client.Cmd().SMembers(ctx, presenceOuterKey(channel)).Result()
}
