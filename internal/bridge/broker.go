// Package bridge fans room events out across server processes through
// a shared pub/sub broker and injects peer-originated events back into
// the local dispatch path. Cross-process delivery is best-effort: when
// the broker is down, local delivery is unaffected.
package bridge

import (
	"context"
	"sync"
)

// Delivery is one raw message received from the broker.
type Delivery struct {
	RoomID string
	Data   []byte
}

// Broker is the pub/sub primitive the bridge runs on. Implementations
// own their subject naming convention for room channels.
type Broker interface {
	// PublishRoom publishes a payload on the room's channel.
	PublishRoom(ctx context.Context, roomID string, data []byte) error

	// SubscribeRooms subscribes to every room channel. Call the
	// returned cancel function to unsubscribe and close the channel.
	SubscribeRooms() (<-chan Delivery, func(), error)

	Close() error
}

// NoopBroker is a Broker that does nothing (single-process deployments
// with no broker configured).
type NoopBroker struct{}

// PublishRoom implements Broker.
func (NoopBroker) PublishRoom(context.Context, string, []byte) error { return nil }

// SubscribeRooms implements Broker. The returned channel never
// delivers; cancel closes it.
func (NoopBroker) SubscribeRooms() (<-chan Delivery, func(), error) {
	ch := make(chan Delivery)
	var once sync.Once
	cancel := func() { once.Do(func() { close(ch) }) }
	return ch, cancel, nil
}

// Close implements Broker.
func (NoopBroker) Close() error { return nil }
