// Package room tracks named collaboration rooms: membership keyed by
// user ID, required participant roles, correlation metadata, and a
// bounded rolling history of recent events.
package room

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/propline/coord/internal/event"
)

// ErrRoomExists is returned by Create when the room ID is taken.
var ErrRoomExists = errors.New("room already exists")

// Type classifies a room's collaboration context.
type Type string

const (
	TypeTransaction Type = "transaction"
	TypeProject     Type = "project"
	TypeTask        Type = "task"
	TypeGeneral     Type = "general"
)

// IsValid checks whether the room type is a known value.
func (t Type) IsValid() bool {
	switch t {
	case TypeTransaction, TypeProject, TypeTask, TypeGeneral:
		return true
	}
	return false
}

// Metadata carries free-form correlation keys used to route
// application-specific events to the right room.
type Metadata struct {
	TransactionID string `json:"transaction_id,omitempty"`
	ProjectID     string `json:"project_id,omitempty"`
	TaskID        string `json:"task_id,omitempty"`
}

// Snapshot is a read-only view of a room.
type Snapshot struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Type          Type         `json:"type"`
	RequiredRoles []event.Role `json:"required_roles,omitempty"`
	Metadata      Metadata     `json:"metadata"`
	Members       []string     `json:"members"` // distinct user IDs
	Active        bool         `json:"active"`
	CreatedAt     time.Time    `json:"created_at"`
	LastActivity  time.Time    `json:"last_activity"`
	InactiveSince time.Time    `json:"inactive_since,omitzero"`
}

// Room is a single collaboration room. Membership maps user IDs to the
// set of that user's live connection IDs; connection state itself lives
// in the registry.
type Room struct {
	id            string
	name          string
	typ           Type
	requiredRoles []event.Role
	meta          Metadata

	mu            sync.RWMutex
	members       map[string]map[string]struct{}
	history       []*event.Event
	historyCap    int
	active        bool
	createdAt     time.Time
	lastActivity  time.Time
	inactiveSince time.Time
}

// ID returns the room's identifier.
func (rm *Room) ID() string { return rm.id }

// Type returns the room's type.
func (rm *Room) Type() Type { return rm.typ }

// RequiredRoles returns the roles auto-invited to this room.
func (rm *Room) RequiredRoles() []event.Role { return rm.requiredRoles }

// Metadata returns the room's correlation keys.
func (rm *Room) Metadata() Metadata { return rm.meta }

// Join adds a connection for the given user. Returns whether the user
// was newly added to membership (first live connection).
func (rm *Room) Join(userID, connID string, now time.Time) (newMember bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	set, ok := rm.members[userID]
	if !ok {
		set = make(map[string]struct{})
		rm.members[userID] = set
		newMember = true
	}
	set[connID] = struct{}{}
	rm.active = true
	rm.inactiveSince = time.Time{}
	rm.lastActivity = now
	return newMember
}

// Leave removes a connection for the given user. memberGone reports
// that the user's last connection left; empty reports that the room's
// membership reached zero (the room is marked inactive, not deleted —
// metadata and history are retained for later inspection).
func (rm *Room) Leave(userID, connID string, now time.Time) (left, memberGone, empty bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	set, ok := rm.members[userID]
	if !ok {
		return false, false, false
	}
	if _, ok := set[connID]; !ok {
		return false, false, false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(rm.members, userID)
		memberGone = true
	}
	if len(rm.members) == 0 {
		rm.active = false
		rm.inactiveSince = now
		empty = true
	}
	rm.lastActivity = now
	return true, memberGone, empty
}

// HasMember reports whether the user currently has at least one live
// connection in the room.
func (rm *Room) HasMember(userID string) bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	_, ok := rm.members[userID]
	return ok
}

// MemberConnIDs returns every connection ID currently in the room.
func (rm *Room) MemberConnIDs() []string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	var ids []string
	for _, set := range rm.members {
		for id := range set {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// MemberCount returns the number of distinct user IDs with at least one
// live connection in the room.
func (rm *Room) MemberCount() int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.members)
}

// Active reports whether the room has any members.
func (rm *Room) Active() bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.active
}

// InactiveSince returns when membership last reached zero, or the zero
// time for active rooms.
func (rm *Room) InactiveSince() time.Time {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.inactiveSince
}

// AppendHistory records a stamped event in the rolling history,
// evicting the oldest entry once capacity is reached, and bumps the
// room's last-activity.
func (rm *Room) AppendHistory(ev *event.Event, now time.Time) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.history = append(rm.history, ev)
	if len(rm.history) > rm.historyCap {
		// Drop oldest first. Copy to avoid retaining evicted events in
		// the backing array.
		excess := len(rm.history) - rm.historyCap
		rm.history = append(rm.history[:0:0], rm.history[excess:]...)
	}
	rm.lastActivity = now
}

// History returns up to n most recent events in original send order.
// Pass n <= 0 for the full retained history.
func (rm *Room) History(n int) []*event.Event {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	if n <= 0 || n > len(rm.history) {
		n = len(rm.history)
	}
	out := make([]*event.Event, n)
	copy(out, rm.history[len(rm.history)-n:])
	return out
}

// Snapshot returns a read-only view of the room.
func (rm *Room) Snapshot() Snapshot {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	members := make([]string, 0, len(rm.members))
	for userID := range rm.members {
		members = append(members, userID)
	}
	sort.Strings(members)
	return Snapshot{
		ID:            rm.id,
		Name:          rm.name,
		Type:          rm.typ,
		RequiredRoles: rm.requiredRoles,
		Metadata:      rm.meta,
		Members:       members,
		Active:        rm.active,
		CreatedAt:     rm.createdAt,
		LastActivity:  rm.lastActivity,
		InactiveSince: rm.inactiveSince,
	}
}

// Directory is the process-wide table of rooms.
type Directory struct {
	mu         sync.RWMutex
	rooms      map[string]*Room
	historyCap int
	clock      func() time.Time
}

// DefaultHistoryCapacity is the per-room rolling history limit.
const DefaultHistoryCapacity = 100

// NewDirectory creates an empty directory. historyCap <= 0 selects
// DefaultHistoryCapacity.
func NewDirectory(historyCap int) *Directory {
	if historyCap <= 0 {
		historyCap = DefaultHistoryCapacity
	}
	return &Directory{
		rooms:      make(map[string]*Room),
		historyCap: historyCap,
		clock:      time.Now,
	}
}

// SetClock overrides the time source for tests.
func (d *Directory) SetClock(clock func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clock = clock
}

// Now returns the directory's current time.
func (d *Directory) Now() time.Time {
	d.mu.RLock()
	clock := d.clock
	d.mu.RUnlock()
	return clock()
}

// Create registers a new room. Fails with ErrRoomExists when the ID is
// taken; the caller decides whether that is benign.
func (d *Directory) Create(id, name string, typ Type, requiredRoles []event.Role, meta Metadata) (*Room, error) {
	now := d.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.rooms[id]; ok {
		return nil, ErrRoomExists
	}
	rm := &Room{
		id:            id,
		name:          name,
		typ:           typ,
		requiredRoles: requiredRoles,
		meta:          meta,
		members:       make(map[string]map[string]struct{}),
		historyCap:    d.historyCap,
		active:        false,
		createdAt:     now,
		lastActivity:  now,
	}
	d.rooms[id] = rm
	slog.Info("room: created", "room_id", id, "type", typ, "required_roles", requiredRoles)
	return rm, nil
}

// Get returns the room with the given ID.
func (d *Directory) Get(id string) (*Room, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rm, ok := d.rooms[id]
	return rm, ok
}

// Remove deletes a room outright. Used only by the retention sweeper
// after a room has been archived.
func (d *Directory) Remove(id string) (*Room, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rm, ok := d.rooms[id]
	if !ok {
		return nil, false
	}
	delete(d.rooms, id)
	return rm, true
}

// ListActive returns rooms with membership > 0, sorted by ID.
func (d *Directory) ListActive() []*Room {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*Room
	for _, rm := range d.rooms {
		if rm.Active() {
			out = append(out, rm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// ListAll returns every room, active or not, sorted by ID.
func (d *Directory) ListAll() []*Room {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Room, 0, len(d.rooms))
	for _, rm := range d.rooms {
		out = append(out, rm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// CountActiveByType returns active-room counts keyed by room type.
func (d *Directory) CountActiveByType() map[Type]int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	counts := make(map[Type]int)
	for _, rm := range d.rooms {
		if rm.Active() {
			counts[rm.typ]++
		}
	}
	return counts
}
