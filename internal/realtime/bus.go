package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"actionkit/internal/apperrors"
	"actionkit/internal/conn"
	"actionkit/internal/logger"
	"actionkit/internal/rdb"
	"actionkit/internal/registry"
)

// Message is the wire envelope carried on the single deployment-wide pub/sub
// channel (spec §3 PubSubMessage).
type Message struct {
	Channel string `json:"channel"`
	Message any    `json:"message"`
	Sender  string `json:"sender"`
}

// PresenceEvent is the join/leave notification broadcast on a channel when
// a presence transition occurs.
type PresenceEvent struct {
	Event       string `json:"event"` // "join" | "leave"
	PresenceKey string `json:"presenceKey"`
}

// Bus is the cluster-wide pub/sub + presence component: one Redis channel
// per deployment, bridged to each process's local connection map. Grounded
// on the teacher's notifications.Notifier pattern-subscriber goroutines,
// generalized from several hard-coded channel-name families into one fabric
// channel carrying a typed envelope that names its logical channel, plus
// authorization and presence tracking the teacher's notifier never had.
type Bus struct {
	client         *rdb.Client
	conns          *conn.Manager
	channels       *Registry
	presence       *Presence
	log            *logger.Logger
	busChannelName string
	heartbeatIv    time.Duration

	cancel context.CancelFunc
}

// NewBus constructs a Bus. busChannelName is channels.pubSubChannelName;
// heartbeatIv and presenceTTL come from channels.presenceHeartbeatIntervalSeconds
// and channels.presenceTTLSeconds.
func NewBus(client *rdb.Client, conns *conn.Manager, channels *Registry, presenceTTL, heartbeatIv time.Duration, busChannelName string, log *logger.Logger) *Bus {
	return &Bus{
		client:         client,
		conns:          conns,
		channels:       channels,
		presence:       NewPresence(client, presenceTTL),
		log:            log,
		busChannelName: busChannelName,
		heartbeatIv:    heartbeatIv,
	}
}

// Publish encodes and publishes an envelope on the shared fabric channel
// (spec §4.5: "broadcast(channel, message, sender) publishes
// {channel, message, sender} JSON-encoded").
func (f *Bus) Publish(ctx context.Context, channel string, message any, sender string) error {
	raw, err := json.Marshal(Message{Channel: channel, Message: message, Sender: sender})
	if err != nil {
		return fmt.Errorf("realtime: encoding message: %w", err)
	}
	return f.client.Cmd().Publish(ctx, f.busChannelName, raw).Err()
}

// Subscribe runs the full subscribe protocol (spec §4.5): channel lookup,
// before-middleware, channel authorization, local subscription, presence
// add, and a join broadcast if this was the first holder of the key.
func (f *Bus) Subscribe(ctx context.Context, c *conn.Connection, channelName string) error {
	if err := ValidateChannelName(channelName); err != nil {
		return err
	}
	def, ok := f.channels.Find(channelName)
	if !ok {
		return apperrors.New(apperrors.ConnectionChannelAuth, fmt.Sprintf("unknown channel %q", channelName))
	}
	for _, mw := range def.Middleware {
		if mw.RunBefore == nil {
			continue
		}
		if _, err := mw.RunBefore(ctx, nil, c); err != nil {
			return err
		}
	}
	if def.Authorize != nil {
		if err := def.Authorize(channelName, c); err != nil {
			return err
		}
	}

	c.Subscribe(channelName)
	key := def.presenceKey(c)
	joined, err := f.presence.Add(ctx, channelName, c.ID(), key)
	if err != nil {
		return err
	}
	if joined {
		if err := f.Publish(ctx, channelName, PresenceEvent{Event: "join", PresenceKey: key}, c.ID()); err != nil {
			f.log.ErrorContext(ctx, "realtime: failed to publish join event", "error", err.Error())
		}
	}
	return nil
}

// Unsubscribe removes the local subscription and presence membership,
// broadcasting a leave event if this was the last holder of the key.
func (f *Bus) Unsubscribe(ctx context.Context, c *conn.Connection, channelName string) error {
	def, ok := f.channels.Find(channelName)
	if !ok {
		return apperrors.New(apperrors.ConnectionNotSubscribed, fmt.Sprintf("not subscribed to %q", channelName))
	}
	c.Unsubscribe(channelName)
	key := def.presenceKey(c)
	left, err := f.presence.Remove(ctx, channelName, c.ID(), key)
	if err != nil {
		return err
	}
	if left {
		if err := f.Publish(ctx, channelName, PresenceEvent{Event: "leave", PresenceKey: key}, c.ID()); err != nil {
			f.log.ErrorContext(ctx, "realtime: failed to publish leave event", "error", err.Error())
		}
	}
	return nil
}

// Members returns the distinct presence keys currently held on channel.
func (f *Bus) Members(ctx context.Context, channel string) ([]string, error) {
	return f.presence.Members(ctx, channel)
}

// fanOut delivers one received envelope to every locally connected
// subscriber (spec §4.5: "iterates the local connection map and calls
// onBroadcast(payload) for every connection whose subscriptions contains
// payload.channel").
func (f *Bus) fanOut(ctx context.Context, payload Message) {
	for _, c := range f.conns.Snapshot() {
		if !c.IsSubscribed(payload.Channel) {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					f.log.ErrorContext(ctx, "realtime: panic in OnBroadcast", "connection_id", c.ID(), "stack", string(debug.Stack()))
				}
			}()
			if err := c.OnBroadcast(conn.Broadcast{Channel: payload.Channel, Message: payload.Message, Sender: payload.Sender}); err != nil {
				f.log.Debug("realtime: OnBroadcast returned error", "connection_id", c.ID(), "error", err.Error())
			}
		}()
	}
}

// Name, priorities, and RunModes satisfy registry.Component: the bus
// runs under both SERVER (WS/HTTP broadcast) and CLI (so a CLI dispatch can
// still publish) modes.
func (f *Bus) Name() string       { return "realtime" }
func (f *Bus) LoadPriority() int  { return 20 }
func (f *Bus) StartPriority() int { return 20 }
func (f *Bus) StopPriority() int  { return 800 }
func (f *Bus) RunModes() []registry.RunMode {
	return []registry.RunMode{registry.ModeServer, registry.ModeCLI}
}

func (f *Bus) Initialize(ctx context.Context) (any, error) { return f, nil }

// Start subscribes to the bus channel and launches the fan-out and
// heartbeat goroutines.
func (f *Bus) Start(ctx context.Context, mode registry.RunMode) error {
	runCtx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel

	sub := f.client.Cmd().Subscribe(runCtx, f.busChannelName)
	ch := sub.Channel()

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-runCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var payload Message
				if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
					f.log.Error("realtime: malformed pub/sub envelope", "error", err.Error())
					continue
				}
				f.fanOut(runCtx, payload)
			}
		}
	}()

	if f.heartbeatIv > 0 {
		go f.heartbeatLoop(runCtx)
	}
	return nil
}

func (f *Bus) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(f.heartbeatIv)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.heartbeatOnce(ctx)
		}
	}
}

// heartbeatOnce refreshes TTL on every (channel, presenceKey) this process's
// connections currently hold (spec §4.5 liveness model).
func (f *Bus) heartbeatOnce(ctx context.Context) {
	for _, c := range f.conns.Snapshot() {
		for _, channelName := range c.Subscriptions() {
			def, ok := f.channels.Find(channelName)
			if !ok {
				continue
			}
			key := def.presenceKey(c)
			if err := f.presence.Touch(ctx, channelName, key); err != nil {
				f.log.Debug("realtime: heartbeat touch failed", "channel", channelName, "error", err.Error())
			}
		}
	}
}

// Stop cancels the fan-out and heartbeat goroutines.
func (f *Bus) Stop(ctx context.Context) error {
	if f.cancel != nil {
		f.cancel()
	}
	return nil
}
