// Package registry tracks live client connections: identity, liveness
// state, and room membership. It is the exclusive owner of connection
// state; the room directory only ever holds connection IDs.
package registry

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/propline/coord/internal/event"
	"github.com/propline/coord/internal/transport"
)

// Status is a connection's liveness classification.
type Status string

const (
	StatusOnline Status = "online"
	StatusAway   Status = "away"
	// StatusOffline is reported for connections mid-eviction; evicted
	// connections leave the registry entirely.
	StatusOffline Status = "offline"
)

// Snapshot is a read-only view of one connection's state.
type Snapshot struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Role         event.Role `json:"role"`
	Status       Status     `json:"status"`
	ConnectedAt  time.Time  `json:"connected_at"`
	LastActivity time.Time  `json:"last_activity"`
	Rooms        []string   `json:"rooms,omitempty"`
}

// Target resolves a connection to its transport for dispatch.
type Target struct {
	ConnectionID string
	UserID       string
	Role         event.Role
	Transport    transport.Transport
}

type conn struct {
	userID       string
	role         event.Role
	tr           transport.Transport
	status       Status
	connectedAt  time.Time
	lastActivity time.Time
	rooms        map[string]struct{}
}

// Registry maintains the in-memory connection table, indexed by
// transport ID and by user ID.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*conn
	byUser map[string]map[string]struct{} // userID -> set of connection IDs

	clock func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		conns:  make(map[string]*conn),
		byUser: make(map[string]map[string]struct{}),
		clock:  time.Now,
	}
}

// SetClock overrides the time source. Used by tests to control
// last-activity stamps.
func (r *Registry) SetClock(clock func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = clock
}

// Register stores a new connection with status online and last-activity
// now. The caller guarantees transport ID uniqueness; re-registering an
// existing ID replaces the previous entry.
func (r *Registry) Register(transportID, userID string, role event.Role, tr transport.Transport) Snapshot {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	c := &conn{
		userID:       userID,
		role:         role,
		tr:           tr,
		status:       StatusOnline,
		connectedAt:  now,
		lastActivity: now,
		rooms:        make(map[string]struct{}),
	}
	r.conns[transportID] = c

	set, ok := r.byUser[userID]
	if !ok {
		set = make(map[string]struct{})
		r.byUser[userID] = set
	}
	set[transportID] = struct{}{}

	slog.Info("registry: connection registered",
		"connection_id", transportID, "user_id", userID, "role", role)
	return snapshotLocked(transportID, c)
}

// Unregister removes a connection and returns its final snapshot so the
// caller can cascade room-membership cleanup. No-op (ok=false) if the
// transport ID is unknown.
func (r *Registry) Unregister(transportID string) (Snapshot, bool) {
	r.mu.Lock()
	c, ok := r.conns[transportID]
	if !ok {
		r.mu.Unlock()
		return Snapshot{}, false
	}
	delete(r.conns, transportID)
	if set, ok := r.byUser[c.userID]; ok {
		delete(set, transportID)
		if len(set) == 0 {
			delete(r.byUser, c.userID)
		}
	}
	c.status = StatusOffline
	snap := snapshotLocked(transportID, c)
	r.mu.Unlock()

	slog.Info("registry: connection unregistered",
		"connection_id", transportID, "user_id", snap.UserID)
	return snap, true
}

// Touch updates last-activity to now and promotes the connection back
// to online. Called on every successful send or receive; it is the only
// path that restores an away connection.
func (r *Registry) Touch(transportID string) bool {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[transportID]
	if !ok {
		return false
	}
	c.lastActivity = now
	c.status = StatusOnline
	return true
}

// SetStatus applies a liveness transition. Only the presence monitor
// calls this.
func (r *Registry) SetStatus(transportID string, status Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[transportID]
	if !ok {
		return false
	}
	c.status = status
	return true
}

// Get returns the snapshot for one connection.
func (r *Registry) Get(transportID string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[transportID]
	if !ok {
		return Snapshot{}, false
	}
	return snapshotLocked(transportID, c), true
}

// ListActive returns a snapshot of all registered connections, sorted
// by most recent activity.
func (r *Registry) ListActive() []Snapshot {
	r.mu.RLock()
	snaps := make([]Snapshot, 0, len(r.conns))
	for id, c := range r.conns {
		snaps = append(snaps, snapshotLocked(id, c))
	}
	r.mu.RUnlock()

	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].LastActivity.After(snaps[j].LastActivity)
	})
	return snaps
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CountByRole returns connection counts keyed by role.
func (r *Registry) CountByRole() map[event.Role]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[event.Role]int)
	for _, c := range r.conns {
		counts[c.role]++
	}
	return counts
}

// Target resolves a single connection for dispatch.
func (r *Registry) Target(transportID string) (Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[transportID]
	if !ok {
		return Target{}, false
	}
	return Target{ConnectionID: transportID, UserID: c.userID, Role: c.role, Transport: c.tr}, true
}

// UserTargets resolves every connection registered under a user ID.
func (r *Registry) UserTargets(userID string) []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids, ok := r.byUser[userID]
	if !ok {
		return nil
	}
	targets := make([]Target, 0, len(ids))
	for id := range ids {
		if c, ok := r.conns[id]; ok {
			targets = append(targets, Target{ConnectionID: id, UserID: c.userID, Role: c.role, Transport: c.tr})
		}
	}
	return targets
}

// RoleTargets resolves every connection whose role matches. Linear scan
// of the local table.
func (r *Registry) RoleTargets(role event.Role) []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var targets []Target
	for id, c := range r.conns {
		if c.role == role {
			targets = append(targets, Target{ConnectionID: id, UserID: c.userID, Role: c.role, Transport: c.tr})
		}
	}
	return targets
}

// AddRoom records a room on the connection's membership set.
func (r *Registry) AddRoom(transportID, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[transportID]
	if !ok {
		return false
	}
	c.rooms[roomID] = struct{}{}
	return true
}

// RemoveRoom drops a room from the connection's membership set.
func (r *Registry) RemoveRoom(transportID, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[transportID]
	if !ok {
		return false
	}
	delete(c.rooms, roomID)
	return true
}

// Rooms returns the connection's current room membership.
func (r *Registry) Rooms(transportID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[transportID]
	if !ok {
		return nil
	}
	rooms := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	sort.Strings(rooms)
	return rooms
}

func (r *Registry) now() time.Time {
	r.mu.RLock()
	clock := r.clock
	r.mu.RUnlock()
	return clock()
}

func snapshotLocked(id string, c *conn) Snapshot {
	rooms := make([]string, 0, len(c.rooms))
	for rid := range c.rooms {
		rooms = append(rooms, rid)
	}
	sort.Strings(rooms)
	return Snapshot{
		ID:           id,
		UserID:       c.userID,
		Role:         c.role,
		Status:       c.status,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastActivity,
		Rooms:        rooms,
	}
}
