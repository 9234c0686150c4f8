package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

const (
	// redisRoomPrefix keeps the original colon-delimited channel
	// convention on the Redis side: "room:<id>".
	redisRoomPrefix = "room:"

	redisRoomPattern = "room:*"
)

// RedisBroker implements Broker over Redis pub/sub.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker connects to Redis at the given URL
// (redis://[:password@]host:port[/db]).
func NewRedisBroker(ctx context.Context, url string) (*RedisBroker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close() //nolint:errcheck
		return nil, fmt.Errorf("pinging redis at %s: %w", url, err)
	}
	return &RedisBroker{client: client}, nil
}

// PublishRoom implements Broker.
func (b *RedisBroker) PublishRoom(ctx context.Context, roomID string, data []byte) error {
	return b.client.Publish(ctx, redisRoomPrefix+roomID, data).Err()
}

// SubscribeRooms implements Broker using a pattern subscription over
// all room channels.
func (b *RedisBroker) SubscribeRooms() (<-chan Delivery, func(), error) {
	pubsub := b.client.PSubscribe(context.Background(), redisRoomPattern)
	// Receive forces the subscription handshake so the pattern is live
	// before we return.
	if _, err := pubsub.Receive(context.Background()); err != nil {
		pubsub.Close() //nolint:errcheck
		return nil, nil, fmt.Errorf("subscribing to %s: %w", redisRoomPattern, err)
	}

	ch := make(chan Delivery, 64)
	done := make(chan struct{})
	var once sync.Once

	go func() {
		defer close(ch)
		for msg := range pubsub.Channel() {
			roomID := strings.TrimPrefix(msg.Channel, redisRoomPrefix)
			select {
			case ch <- Delivery{RoomID: roomID, Data: []byte(msg.Payload)}:
			case <-done:
				return
			default:
			}
		}
	}()

	cancel := func() {
		once.Do(func() {
			close(done)
			pubsub.Close() //nolint:errcheck
		})
	}

	return ch, cancel, nil
}

// Close implements Broker.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}
