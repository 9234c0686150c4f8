package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// natsRoomPrefix is the subject prefix for room channels. A room's
	// events travel on "room.<id>"; the bridge subscribes to "room.>".
	natsRoomPrefix = "room."

	natsRoomWildcard = "room.>"
)

// NATSBroker implements Broker over a NATS connection.
type NATSBroker struct {
	conn *nats.Conn
}

// NewNATSBroker connects to NATS with automatic reconnection support.
// Extra nats.Option values (e.g. disconnect/reconnect handlers) can be
// appended.
func NewNATSBroker(url string, opts ...nats.Option) (*NATSBroker, error) {
	defaults := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSBroker{conn: nc}, nil
}

// PublishRoom implements Broker.
func (b *NATSBroker) PublishRoom(_ context.Context, roomID string, data []byte) error {
	return b.conn.Publish(natsRoomPrefix+roomID, data)
}

// SubscribeRooms implements Broker. Messages are dropped rather than
// blocking the NATS client when the consumer falls behind.
func (b *NATSBroker) SubscribeRooms() (<-chan Delivery, func(), error) {
	ch := make(chan Delivery, 64)

	var (
		mu     sync.Mutex
		closed bool
		once   sync.Once
	)

	sub, err := b.conn.Subscribe(natsRoomWildcard, func(msg *nats.Msg) {
		roomID := strings.TrimPrefix(msg.Subject, natsRoomPrefix)
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- Delivery{RoomID: roomID, Data: msg.Data}:
		default:
		}
	})
	if err != nil {
		close(ch)
		return nil, nil, fmt.Errorf("subscribing to %s: %w", natsRoomWildcard, err)
	}
	// Flush ensures the subscription is registered on the server before
	// returning, so that messages published on other connections are routed.
	if err := b.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		close(ch)
		return nil, nil, fmt.Errorf("flushing subscription: %w", err)
	}

	cancel := func() {
		once.Do(func() {
			_ = sub.Unsubscribe()
			mu.Lock()
			closed = true
			mu.Unlock()
			// Drain remaining messages so senders don't block, then close.
			for {
				select {
				case <-ch:
				default:
					close(ch)
					return
				}
			}
		})
	}

	return ch, cancel, nil
}

// Close implements Broker.
func (b *NATSBroker) Close() error {
	b.conn.Close()
	return nil
}
