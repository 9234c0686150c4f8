package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/propline/coord/internal/event"
	"github.com/propline/coord/internal/idgen"
)

// LocalDispatcher replays peer-originated events into the local room
// dispatch path. The message router implements it.
type LocalDispatcher interface {
	DispatchRemote(ev *event.Event) bool
}

// envelope wraps a stamped event with the origin process ID so peers
// can drop their own publications (loop prevention).
type envelope struct {
	Origin string       `json:"origin"`
	Event  *event.Event `json:"event"`
}

// Bridge publishes local room events to the broker and injects events
// arriving from peer processes.
type Bridge struct {
	broker Broker
	local  LocalDispatcher
	origin string

	mu     sync.Mutex
	cancel func()
	done   chan struct{}
}

// New creates a bridge over the broker. Each bridge gets a unique
// origin ID identifying this process on the shared topic space.
func New(broker Broker, local LocalDispatcher) (*Bridge, error) {
	origin, err := idgen.WithPrefix("proc-")
	if err != nil {
		return nil, err
	}
	return &Bridge{broker: broker, local: local, origin: origin}, nil
}

// Origin returns this process's identity on the broker.
func (b *Bridge) Origin() string { return b.origin }

// Start subscribes to the wildcard room topic and begins injecting
// peer events. Broker subscribe failure is degraded, not fatal: the
// engine keeps serving local traffic.
func (b *Bridge) Start() error {
	ch, cancel, err := b.broker.SubscribeRooms()
	if err != nil {
		slog.Warn("bridge: subscribe failed, cross-process delivery degraded", "error", err)
		return err
	}

	b.mu.Lock()
	b.cancel = cancel
	b.done = make(chan struct{})
	done := b.done
	b.mu.Unlock()

	go func() {
		defer close(done)
		for d := range ch {
			b.inject(d)
		}
	}()

	slog.Info("bridge: subscribed to room channels", "origin", b.origin)
	return nil
}

// Stop unsubscribes and waits for the inject loop to drain.
func (b *Bridge) Stop() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	if err := b.broker.Close(); err != nil {
		slog.Warn("bridge: broker close failed", "error", err)
	}
}

// Forward publishes a stamped room event to peer processes. Remote
// events are never re-published; broker errors degrade silently.
func (b *Bridge) Forward(ctx context.Context, ev *event.Event) {
	if ev.Remote || ev.RoomID == "" {
		return
	}
	data, err := json.Marshal(envelope{Origin: b.origin, Event: ev})
	if err != nil {
		slog.Warn("bridge: marshal failed", "event_id", ev.ID, "error", err)
		return
	}
	if err := b.broker.PublishRoom(ctx, ev.RoomID, data); err != nil {
		slog.Warn("bridge: publish failed, local delivery unaffected",
			"room_id", ev.RoomID, "event_id", ev.ID, "error", err)
	}
}

// inject decodes a broker delivery and replays it locally, tagging the
// event remote so it is not forwarded again.
func (b *Bridge) inject(d Delivery) {
	var env envelope
	if err := json.Unmarshal(d.Data, &env); err != nil {
		slog.Warn("bridge: dropping undecodable delivery", "room_id", d.RoomID, "error", err)
		return
	}
	if env.Origin == b.origin || env.Event == nil {
		return
	}
	env.Event.Remote = true
	if env.Event.RoomID == "" {
		env.Event.RoomID = d.RoomID
	}
	if !b.local.DispatchRemote(env.Event) {
		slog.Debug("bridge: no local room for peer event",
			"room_id", env.Event.RoomID, "event_id", env.Event.ID)
	}
}
