package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alephauto/alephauto/internal/logger"
	"github.com/redis/go-redis/v9"
)

// wireEvent is the JSON envelope used on the Redis channel. Payload is
// re-marshalled opaquely; subscribers on the far side decode it as
// map[string]interface{} or a concrete type of their choosing.
type wireEvent struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// RedisForwarder mirrors a local Bus across processes over a single Redis
// pub/sub channel, grounded on the teacher's
// internal/realtime/bus/redis_bus.go. It is an optional component: a
// single-process deployment never constructs one (spec.md §1 explicitly
// excludes distributed queueing; this only broadcasts *events*, not job
// state, across API/worker replicas sharing one Job Store).
type RedisForwarder struct {
	client  *redis.Client
	channel string
	log     *logger.Logger
	local   *Bus
	cancel  context.CancelFunc
}

// NewRedisForwarder wires client to channel. Call Start to begin
// forwarding local publishes out and remote publishes in.
func NewRedisForwarder(client *redis.Client, channel string, local *Bus, log *logger.Logger) *RedisForwarder {
	return &RedisForwarder{
		client:  client,
		channel: channel,
		local:   local,
		log:     log.With("component", "EventBusRedisForwarder"),
	}
}

// Forward publishes evt onto the Redis channel for other processes to
// pick up. Errors are logged, not returned, matching the Event Bus's
// "publish never raises to callers" contract (spec.md §7).
func (f *RedisForwarder) Forward(ctx context.Context, channel string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		f.log.Warn("failed to marshal event for redis forward", "error", err.Error())
		return
	}
	wire, err := json.Marshal(wireEvent{Channel: channel, Payload: raw})
	if err != nil {
		f.log.Warn("failed to marshal wire envelope", "error", err.Error())
		return
	}
	if err := f.client.Publish(ctx, f.channel, wire).Err(); err != nil {
		f.log.Warn("redis publish failed", "error", err.Error())
	}
}

// Start subscribes to the Redis channel and republishes every received
// frame onto the local Bus, so local WS subscribers see events published
// by other processes. It runs until ctx is cancelled.
func (f *RedisForwarder) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel

	sub := f.client.Subscribe(ctx, f.channel)
	if _, err := sub.Receive(ctx); err != nil {
		cancel()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	f.local.SetForwarder(func(channel string, payload interface{}) {
		f.Forward(ctx, channel, payload)
	})

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var wire wireEvent
				if err := json.Unmarshal([]byte(msg.Payload), &wire); err != nil {
					f.log.Warn("failed to decode redis event", "error", err.Error())
					continue
				}
				var payload interface{}
				if err := json.Unmarshal(wire.Payload, &payload); err != nil {
					payload = string(wire.Payload)
				}
				f.local.publishLocal(wire.Channel, payload)
			}
		}
	}()
	return nil
}

// Close stops the forwarder.
func (f *RedisForwarder) Close() error {
	f.local.SetForwarder(nil)
	if f.cancel != nil {
		f.cancel()
	}
	return f.client.Close()
}
