// Package router validates, stamps, and delivers events to resolved
// recipients: a single user's connections, all holders of a role, or a
// room's membership. Per-connection transport failures are absorbed and
// counted so one dead socket cannot abort a fan-out.
package router

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/propline/coord/internal/event"
	"github.com/propline/coord/internal/idgen"
	"github.com/propline/coord/internal/registry"
	"github.com/propline/coord/internal/room"
)

// Forwarder publishes fully-stamped room events to peer processes. The
// fan-out bridge implements it; a nil-safe noop stands in when no
// broker is configured.
type Forwarder interface {
	Forward(ctx context.Context, ev *event.Event)
}

// NoopForwarder discards events (single-process deployments).
type NoopForwarder struct{}

// Forward implements Forwarder.
func (NoopForwarder) Forward(context.Context, *event.Event) {}

// Router resolves recipients and writes to transports.
type Router struct {
	registry *registry.Registry
	rooms    *room.Directory

	forwarder Forwarder
	clock     func() time.Time
	failures  atomic.Uint64
	delivered atomic.Uint64
}

// New creates a router over the given registry and room directory.
func New(reg *registry.Registry, rooms *room.Directory) *Router {
	return &Router{
		registry:  reg,
		rooms:     rooms,
		forwarder: NoopForwarder{},
		clock:     time.Now,
	}
}

// SetForwarder wires the cross-process bridge. Must be called before
// the engine starts routing.
func (r *Router) SetForwarder(f Forwarder) {
	if f == nil {
		f = NoopForwarder{}
	}
	r.forwarder = f
}

// SetClock overrides the time source for tests.
func (r *Router) SetClock(clock func() time.Time) {
	r.clock = clock
}

// FailureCount returns the aggregate number of per-connection delivery
// failures absorbed so far.
func (r *Router) FailureCount() uint64 {
	return r.failures.Load()
}

// DeliveredCount returns the aggregate number of successful dispatches.
func (r *Router) DeliveredCount() uint64 {
	return r.delivered.Load()
}

// Stamp assigns identity and a timestamp to a draft, exactly once.
func (r *Router) Stamp(d event.Draft, roomID string) (*event.Event, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	id, err := idgen.Event()
	if err != nil {
		return nil, err
	}
	priority := d.Priority
	if priority == "" {
		priority = event.PriorityMedium
	}
	return &event.Event{
		ID:          id,
		Type:        d.Type,
		Priority:    priority,
		Title:       d.Title,
		Body:        d.Body,
		Payload:     d.Payload,
		TargetUsers: d.TargetUsers,
		TargetRoles: d.TargetRoles,
		RoomID:      roomID,
		Sender:      d.Sender,
		SenderRole:  d.SenderRole,
		System:      d.System,
		Timestamp:   r.clock().UTC(),
		ExpiresAt:   d.ExpiresAt,
		AckRequired: d.AckRequired,
	}, nil
}

// SendToUser stamps the draft and dispatches it to every connection
// registered under userID. Returns the stamped event and the number of
// successful deliveries; zero recipients is not an error.
func (r *Router) SendToUser(userID string, d event.Draft) (*event.Event, int, error) {
	d.TargetUsers = appendMissing(d.TargetUsers, userID)
	ev, err := r.Stamp(d, "")
	if err != nil {
		return nil, 0, err
	}
	sent := 0
	for _, tgt := range r.registry.UserTargets(userID) {
		if r.Dispatch(ev, tgt) {
			sent++
		}
	}
	return ev, sent, nil
}

// SendToRole stamps the draft and dispatches it to every local
// connection holding the role. Cross-process role fan-out is the
// bridge's concern, not handled here.
func (r *Router) SendToRole(role event.Role, d event.Draft) (*event.Event, int, error) {
	d.TargetRoles = appendMissingRole(d.TargetRoles, role)
	ev, err := r.Stamp(d, "")
	if err != nil {
		return nil, 0, err
	}
	sent := 0
	for _, tgt := range r.registry.RoleTargets(role) {
		if r.Dispatch(ev, tgt) {
			sent++
		}
	}
	return ev, sent, nil
}

// BroadcastToRoom stamps the draft with room metadata, delivers it to
// every member connection, appends it to the room's rolling history,
// and forwards it to peer processes. Returns ok=false when the room is
// unknown.
func (r *Router) BroadcastToRoom(ctx context.Context, roomID string, d event.Draft) (*event.Event, bool, error) {
	rm, ok := r.rooms.Get(roomID)
	if !ok {
		return nil, false, nil
	}
	ev, err := r.Stamp(d, roomID)
	if err != nil {
		return nil, false, err
	}
	r.deliverRoom(rm, ev)
	r.forwarder.Forward(ctx, ev)
	return ev, true, nil
}

// DispatchRemote replays a peer-originated event into the local room
// dispatch path. The event is already stamped and tagged remote, so it
// is delivered and recorded locally but never re-forwarded.
func (r *Router) DispatchRemote(ev *event.Event) bool {
	if ev.RoomID == "" {
		return false
	}
	rm, ok := r.rooms.Get(ev.RoomID)
	if !ok {
		return false
	}
	r.deliverRoom(rm, ev)
	return true
}

// SendToConnection dispatches an already-stamped event to one specific
// connection. Used for join-time history replay, which must reach the
// joining connection only.
func (r *Router) SendToConnection(ev *event.Event, connID string) bool {
	tgt, ok := r.registry.Target(connID)
	if !ok {
		return false
	}
	return r.Dispatch(ev, tgt)
}

// deliverRoom fans an event out to the room's membership snapshot, in
// stamp order, then appends to history. The membership snapshot is
// taken once so a single broadcast sees a consistent recipient set.
func (r *Router) deliverRoom(rm *room.Room, ev *event.Event) {
	for _, connID := range rm.MemberConnIDs() {
		tgt, ok := r.registry.Target(connID)
		if !ok {
			continue
		}
		r.Dispatch(ev, tgt)
	}
	rm.AppendHistory(ev, r.clock())
}

// Dispatch is the single point that writes to a transport. A failed
// write is counted, logged, and swallowed; a successful one touches the
// connection's last-activity.
func (r *Router) Dispatch(ev *event.Event, tgt registry.Target) bool {
	if ev.Expired(r.clock()) {
		return false
	}
	if err := tgt.Transport.Send(ev); err != nil {
		r.failures.Add(1)
		slog.Debug("router: dispatch failed",
			"connection_id", tgt.ConnectionID, "event_id", ev.ID, "error", err)
		return false
	}
	r.delivered.Add(1)
	r.registry.Touch(tgt.ConnectionID)
	return true
}

func appendMissing(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func appendMissingRole(list []event.Role, v event.Role) []event.Role {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
