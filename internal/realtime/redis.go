package realtime

import (
	"context"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "realtime:"

// RedisBroadcaster forwards frames to redis so the API process, which owns
// the websocket connections, can relay them. The worker publishes through it.
type RedisBroadcaster struct {
	rdb *redis.Client
}

func NewRedisBroadcaster(rdb *redis.Client) *RedisBroadcaster {
	return &RedisBroadcaster{rdb: rdb}
}

func (b *RedisBroadcaster) Broadcast(ctx context.Context, topic string, frame []byte) error {
	return b.rdb.Publish(ctx, channelPrefix+topic, frame).Err()
}

// RedisRelay copies every realtime:* redis message into a local hub.
type RedisRelay struct {
	rdb *redis.Client
	hub Broadcaster
}

func NewRedisRelay(rdb *redis.Client, hub Broadcaster) *RedisRelay {
	return &RedisRelay{rdb: rdb, hub: hub}
}

// Run blocks until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	ps := r.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer ps.Close()

	// wait for the subscription to be confirmed before relaying
	if _, err := ps.Receive(ctx); err != nil {
		return err
	}
	slog.Info("realtime relay subscribed", "pattern", channelPrefix+"*")

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			topic := strings.TrimPrefix(msg.Channel, channelPrefix)
			_ = r.hub.Broadcast(ctx, topic, []byte(msg.Payload))
		}
	}
}
