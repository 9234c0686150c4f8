// Package engine is the coordination facade: one object that owns the
// connection registry, room directory, message router, presence
// monitor, fan-out bridge, and retention sweeper, and exposes the
// operations the HTTP/WS surface calls.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/propline/coord/internal/archive"
	"github.com/propline/coord/internal/bridge"
	"github.com/propline/coord/internal/config"
	"github.com/propline/coord/internal/event"
	"github.com/propline/coord/internal/idgen"
	"github.com/propline/coord/internal/identity"
	"github.com/propline/coord/internal/presence"
	"github.com/propline/coord/internal/registry"
	"github.com/propline/coord/internal/room"
	"github.com/propline/coord/internal/router"
	"github.com/propline/coord/internal/transport"
)

// ErrUnknownConnection is returned for operations on a connection ID
// that is not registered.
var ErrUnknownConnection = errors.New("engine: unknown connection")

// ErrUnknownRoom is returned for operations on a room ID that does not
// exist.
var ErrUnknownRoom = errors.New("engine: unknown room")

// Options configures an Engine. Zero-value fields get defaults.
type Options struct {
	// Identity resolves roles and entitlements at registration time.
	// Nil disables lookups; connections keep their caller-supplied role.
	Identity identity.Directory

	// Broker enables cross-process room fan-out. Nil keeps the engine
	// single-process.
	Broker bridge.Broker

	// Archive receives retired-room records. Nil drops them.
	Archive archive.Destination

	// Tuning holds history, replay, and health thresholds. A zero
	// Tuning selects config.DefaultTuning.
	Tuning config.Tuning

	HeartbeatInterval time.Duration // presence sweep interval
	AwayThreshold     time.Duration // idle demotion threshold
	RoomRetention     time.Duration // inactive-room retention; 0 = forever

	Logger *slog.Logger
	Clock  presence.Clock
}

// Engine coordinates every live connection and room in the process.
type Engine struct {
	registry *registry.Registry
	rooms    *room.Directory
	router   *router.Router
	monitor  *presence.Monitor
	bridge   *bridge.Bridge
	sweeper  *archive.Sweeper
	identity identity.Directory

	tuning config.Tuning
	logger *slog.Logger
	clock  presence.Clock
}

// New wires an engine from options. Call Start before serving traffic.
func New(opts Options) (*Engine, error) {
	if opts.Tuning == (config.Tuning{}) {
		opts.Tuning = config.DefaultTuning()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = presence.SystemClock{}
	}

	reg := registry.New()
	reg.SetClock(opts.Clock.Now)
	rooms := room.NewDirectory(opts.Tuning.HistoryCapacity)
	rooms.SetClock(opts.Clock.Now)
	rt := router.New(reg, rooms)
	rt.SetClock(opts.Clock.Now)

	e := &Engine{
		registry: reg,
		rooms:    rooms,
		router:   rt,
		identity: opts.Identity,
		tuning:   opts.Tuning,
		logger:   opts.Logger,
		clock:    opts.Clock,
	}

	e.monitor = presence.NewMonitor(reg, presence.Config{
		SweepInterval: opts.HeartbeatInterval,
		AwayThreshold: opts.AwayThreshold,
		Clock:         opts.Clock,
		OnEvict:       func(connID string) { e.dropConnection(connID, "evicted") },
	})

	if opts.Broker != nil {
		br, err := bridge.New(opts.Broker, rt)
		if err != nil {
			return nil, fmt.Errorf("engine: create bridge: %w", err)
		}
		e.bridge = br
		rt.SetForwarder(br)
	}

	e.sweeper = archive.NewSweeper(rooms, opts.Archive, opts.RoomRetention, time.Hour, opts.Logger)
	return e, nil
}

// Start launches the presence monitor, the retention sweeper, and (when
// a broker is configured) the fan-out bridge. A bridge subscribe
// failure degrades to single-process operation instead of failing
// startup.
func (e *Engine) Start() {
	e.monitor.Start()
	e.sweeper.Start()
	if e.bridge != nil {
		if err := e.bridge.Start(); err != nil {
			e.logger.Warn("engine: running without cross-process fan-out", "error", err)
		}
	}
	e.logger.Info("engine: started")
}

// Stop tears the engine down: background loops first, then every live
// connection is unregistered and its transport closed, then rooms with
// remaining members are marked inactive.
func (e *Engine) Stop() {
	e.monitor.Stop()
	e.sweeper.Stop()
	if e.bridge != nil {
		e.bridge.Stop()
	}
	for _, snap := range e.registry.ListActive() {
		e.dropConnection(snap.ID, "shutdown")
	}
	e.logger.Info("engine: stopped")
}

// RegisterConnection registers a transport under a user and role and
// returns the new connection's snapshot. When an identity directory is
// configured, the stored role and entitlements override the caller's
// role, matching rooms are auto-joined, and role-required rooms send
// the connection an invitation. A directory miss is not an error; the
// caller-supplied role stands.
func (e *Engine) RegisterConnection(ctx context.Context, userID string, role event.Role, tr transport.Transport) (registry.Snapshot, error) {
	if userID == "" {
		return registry.Snapshot{}, errors.New("engine: empty user ID")
	}
	if !role.IsValid() {
		return registry.Snapshot{}, fmt.Errorf("engine: invalid role %q", role)
	}
	connID, err := idgen.Connection()
	if err != nil {
		return registry.Snapshot{}, err
	}

	var profile *identity.Profile
	if e.identity != nil {
		profile, err = e.identity.Lookup(ctx, userID)
		switch {
		case err == nil:
			role = profile.Role
		case errors.Is(err, identity.ErrNotFound):
			// Unknown to the directory; keep the declared role.
		default:
			e.logger.Warn("engine: identity lookup failed, using declared role",
				"user_id", userID, "error", err)
		}
	}

	e.registry.Register(connID, userID, role, tr)

	// Auto-subscribe to rooms the user is entitled to, and invite the
	// connection to rooms that require its role.
	for _, rm := range e.rooms.ListAll() {
		if profile != nil && entitled(profile, rm.Metadata()) {
			if err := e.JoinRoom(ctx, connID, rm.ID()); err != nil {
				e.logger.Warn("engine: auto-join failed",
					"connection_id", connID, "room_id", rm.ID(), "error", err)
			}
			continue
		}
		if requiresRole(rm.RequiredRoles(), role) && !rm.HasMember(userID) {
			e.invite(connID, rm)
		}
	}

	snap, _ := e.registry.Get(connID)
	return snap, nil
}

// UnregisterConnection removes a connection, cascades its room
// memberships, and closes its transport.
func (e *Engine) UnregisterConnection(connID string) error {
	if !e.dropConnection(connID, "unregistered") {
		return ErrUnknownConnection
	}
	return nil
}

// dropConnection is the single teardown path shared by explicit
// unregister, presence eviction, and shutdown.
func (e *Engine) dropConnection(connID, reason string) bool {
	tgt, hasTransport := e.registry.Target(connID)
	snap, ok := e.registry.Unregister(connID)
	if !ok {
		return false
	}
	for _, roomID := range snap.Rooms {
		e.leaveRoom(snap, connID, roomID)
	}
	if hasTransport && tgt.Transport != nil {
		if err := tgt.Transport.Close(); err != nil {
			e.logger.Debug("engine: transport close failed",
				"connection_id", connID, "error", err)
		}
	}
	e.logger.Info("engine: connection dropped",
		"connection_id", connID, "user_id", snap.UserID, "reason", reason)
	return true
}

// TouchConnection records client activity (a heartbeat or an inbound
// message), promoting away connections back to online.
func (e *Engine) TouchConnection(connID string) bool {
	return e.registry.Touch(connID)
}

// Connection returns one connection's snapshot.
func (e *Engine) Connection(connID string) (registry.Snapshot, bool) {
	return e.registry.Get(connID)
}

// Connections lists all registered connections, most recently active
// first.
func (e *Engine) Connections() []registry.Snapshot {
	return e.registry.ListActive()
}

// CreateRoom registers a new room and invites every currently-connected
// holder of the room's required roles. An empty id gets a generated
// one. Duplicate IDs fail with room.ErrRoomExists.
func (e *Engine) CreateRoom(id, name string, typ room.Type, requiredRoles []event.Role, meta room.Metadata) (room.Snapshot, error) {
	if !typ.IsValid() {
		return room.Snapshot{}, fmt.Errorf("engine: invalid room type %q", typ)
	}
	if id == "" {
		var err error
		if id, err = idgen.Room(); err != nil {
			return room.Snapshot{}, err
		}
	}
	rm, err := e.rooms.Create(id, name, typ, requiredRoles, meta)
	if err != nil {
		return room.Snapshot{}, err
	}

	seen := make(map[string]struct{})
	for _, role := range requiredRoles {
		for _, tgt := range e.registry.RoleTargets(role) {
			if _, dup := seen[tgt.ConnectionID]; dup {
				continue
			}
			seen[tgt.ConnectionID] = struct{}{}
			e.invite(tgt.ConnectionID, rm)
		}
	}
	return rm.Snapshot(), nil
}

// invite dispatches a coordination request pointing one connection at a
// room it should join.
func (e *Engine) invite(connID string, rm *room.Room) {
	meta := rm.Metadata()
	ev, err := e.router.Stamp(event.Draft{
		Type:     event.TypeCoordinationRequest,
		Priority: event.PriorityHigh,
		Title:    "Coordination room available",
		System:   true,
		Payload: event.CoordinationPayload{
			TransactionID: meta.TransactionID,
			ProjectID:     meta.ProjectID,
			Action:        "invite",
			RoomID:        rm.ID(),
		},
	}, "")
	if err != nil {
		e.logger.Warn("engine: stamp invite failed", "room_id", rm.ID(), "error", err)
		return
	}
	e.router.SendToConnection(ev, connID)
}

// JoinRoom adds a connection to a room. Existing members receive a
// member-joined alert; the joining connection alone receives a replay
// of the most recent history.
func (e *Engine) JoinRoom(ctx context.Context, connID, roomID string) error {
	tgt, ok := e.registry.Target(connID)
	if !ok {
		return ErrUnknownConnection
	}
	rm, ok := e.rooms.Get(roomID)
	if !ok {
		return ErrUnknownRoom
	}

	// Replay covers activity from before the join, so capture the
	// window before announcing.
	history := rm.History(e.tuning.ReplayLimit)

	// Announce to the current membership before adding the joiner; the
	// joiner must not hear its own announcement live.
	if _, _, err := e.router.BroadcastToRoom(ctx, roomID, event.Draft{
		Type:     event.TypeSystemAlert,
		Priority: event.PriorityLow,
		Title:    "Member joined",
		System:   true,
		Payload: event.SystemAlertPayload{
			Reason: "member_joined",
			UserID: tgt.UserID,
			Role:   tgt.Role,
		},
	}); err != nil {
		return err
	}

	rm.Join(tgt.UserID, connID, e.clock.Now())
	e.registry.AddRoom(connID, roomID)

	if len(history) > 0 {
		replay, err := e.router.Stamp(event.Draft{
			Type:     event.TypeSystemAlert,
			Priority: event.PriorityLow,
			Title:    "Recent room activity",
			System:   true,
			Payload: event.SystemAlertPayload{
				Reason:  "history_replay",
				History: history,
			},
		}, roomID)
		if err != nil {
			return err
		}
		e.router.SendToConnection(replay, connID)
	}

	e.logger.Info("engine: joined room",
		"connection_id", connID, "user_id", tgt.UserID, "room_id", roomID)
	return nil
}

// LeaveRoom removes a connection from a room and notifies the remaining
// members when the user's last connection has left.
func (e *Engine) LeaveRoom(connID, roomID string) error {
	snap, ok := e.registry.Get(connID)
	if !ok {
		return ErrUnknownConnection
	}
	if _, ok := e.rooms.Get(roomID); !ok {
		return ErrUnknownRoom
	}
	e.leaveRoom(snap, connID, roomID)
	return nil
}

func (e *Engine) leaveRoom(snap registry.Snapshot, connID, roomID string) {
	rm, ok := e.rooms.Get(roomID)
	if !ok {
		return
	}
	left, memberGone, empty := rm.Leave(snap.UserID, connID, e.clock.Now())
	e.registry.RemoveRoom(connID, roomID)
	if !left {
		return
	}
	if memberGone && !empty {
		_, _, err := e.router.BroadcastToRoom(context.Background(), roomID, event.Draft{
			Type:     event.TypeSystemAlert,
			Priority: event.PriorityLow,
			Title:    "Member left",
			System:   true,
			Payload: event.SystemAlertPayload{
				Reason: "member_left",
				UserID: snap.UserID,
				Role:   snap.Role,
			},
		})
		if err != nil {
			e.logger.Warn("engine: member-left alert failed", "room_id", roomID, "error", err)
		}
	}
	if empty {
		e.logger.Info("engine: room inactive", "room_id", roomID)
	}
}

// Room returns one room's snapshot.
func (e *Engine) Room(roomID string) (room.Snapshot, bool) {
	rm, ok := e.rooms.Get(roomID)
	if !ok {
		return room.Snapshot{}, false
	}
	return rm.Snapshot(), true
}

// Rooms lists every room, active and inactive.
func (e *Engine) Rooms() []room.Snapshot {
	all := e.rooms.ListAll()
	out := make([]room.Snapshot, 0, len(all))
	for _, rm := range all {
		out = append(out, rm.Snapshot())
	}
	return out
}

// BroadcastToRoom sends an event to every member of a room and to peer
// processes.
func (e *Engine) BroadcastToRoom(ctx context.Context, roomID string, d event.Draft) (*event.Event, error) {
	ev, ok, err := e.router.BroadcastToRoom(ctx, roomID, d)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnknownRoom
	}
	return ev, nil
}

// SendToUser delivers an event to every connection a user holds.
// Returns the stamped event and the local delivery count.
func (e *Engine) SendToUser(userID string, d event.Draft) (*event.Event, int, error) {
	return e.router.SendToUser(userID, d)
}

// SendToRole delivers an event to every connection holding a role.
func (e *Engine) SendToRole(role event.Role, d event.Draft) (*event.Event, int, error) {
	if !role.IsValid() {
		return nil, 0, fmt.Errorf("engine: invalid role %q", role)
	}
	return e.router.SendToRole(role, d)
}

// SendCoordinationUpdate broadcasts a coordination event to every room
// correlated with the transaction. Returns the number of rooms reached.
func (e *Engine) SendCoordinationUpdate(ctx context.Context, transactionID, action, title string, participants []string) (int, error) {
	if transactionID == "" {
		return 0, errors.New("engine: empty transaction ID")
	}
	reached := 0
	for _, rm := range e.rooms.ListActive() {
		if rm.Metadata().TransactionID != transactionID {
			continue
		}
		_, _, err := e.router.BroadcastToRoom(ctx, rm.ID(), event.Draft{
			Type:     event.TypeCoordinationRequest,
			Priority: event.PriorityHigh,
			Title:    title,
			System:   true,
			Payload: event.CoordinationPayload{
				TransactionID: transactionID,
				Action:        action,
				RoomID:        rm.ID(),
				Participants:  participants,
			},
		})
		if err != nil {
			return reached, err
		}
		reached++
	}
	return reached, nil
}

// SendTaskStatusUpdate broadcasts a task progress event to every room
// correlated with the task, and additionally to the assignee's
// connections when one is named.
func (e *Engine) SendTaskStatusUpdate(ctx context.Context, taskID, status, assignedTo string, progress int) (int, error) {
	if taskID == "" {
		return 0, errors.New("engine: empty task ID")
	}
	payload := event.TaskUpdatePayload{
		TaskID:     taskID,
		Status:     status,
		AssignedTo: assignedTo,
		Progress:   progress,
	}
	reached := 0
	for _, rm := range e.rooms.ListActive() {
		if rm.Metadata().TaskID != taskID {
			continue
		}
		_, _, err := e.router.BroadcastToRoom(ctx, rm.ID(), event.Draft{
			Type:     event.TypeTaskUpdate,
			Priority: event.PriorityMedium,
			Title:    "Task status changed",
			System:   true,
			Payload:  payload,
		})
		if err != nil {
			return reached, err
		}
		reached++
	}
	if assignedTo != "" {
		_, _, err := e.router.SendToUser(assignedTo, event.Draft{
			Type:     event.TypeTaskUpdate,
			Priority: event.PriorityMedium,
			Title:    "Task status changed",
			System:   true,
			Payload:  payload,
		})
		if err != nil {
			return reached, err
		}
	}
	return reached, nil
}

// Stats is a point-in-time operational summary.
type Stats struct {
	Connections       int                `json:"connections"`
	ConnectionsByRole map[event.Role]int `json:"connections_by_role"`
	ActiveRooms       int                `json:"active_rooms"`
	RoomsByType       map[room.Type]int  `json:"rooms_by_type"`
	Delivered         uint64             `json:"delivered"`
	Failures          uint64             `json:"failures"`
	SystemHealth      string             `json:"system_health"`
}

// Stats reports connection and room counts, delivery counters, and the
// derived system health classification.
func (e *Engine) Stats() Stats {
	conns := e.registry.Count()
	byType := e.rooms.CountActiveByType()
	activeRooms := 0
	for _, n := range byType {
		activeRooms += n
	}
	return Stats{
		Connections:       conns,
		ConnectionsByRole: e.registry.CountByRole(),
		ActiveRooms:       activeRooms,
		RoomsByType:       byType,
		Delivered:         e.router.DeliveredCount(),
		Failures:          e.router.FailureCount(),
		SystemHealth:      e.systemHealth(conns, activeRooms),
	}
}

// systemHealth classifies overall load. Thresholds come from tuning:
// healthy above both minimums, unhealthy below both maximums, degraded
// in between.
func (e *Engine) systemHealth(conns, activeRooms int) string {
	switch {
	case conns > e.tuning.HealthyMinConnections && activeRooms > e.tuning.HealthyMinRooms:
		return "healthy"
	case conns < e.tuning.UnhealthyMaxConnections && activeRooms < e.tuning.UnhealthyMaxRooms:
		return "unhealthy"
	default:
		return "degraded"
	}
}

// Health is the liveness report served at /v1/health.
type Health struct {
	Status       string    `json:"status"`
	Connections  int       `json:"connections"`
	ActiveRooms  int       `json:"active_rooms"`
	SystemHealth string    `json:"system_health"`
	Timestamp    time.Time `json:"timestamp"`
}

// HealthCheck reports liveness plus the current health classification.
func (e *Engine) HealthCheck() Health {
	conns := e.registry.Count()
	activeRooms := len(e.rooms.ListActive())
	return Health{
		Status:       "ok",
		Connections:  conns,
		ActiveRooms:  activeRooms,
		SystemHealth: e.systemHealth(conns, activeRooms),
		Timestamp:    e.clock.Now().UTC(),
	}
}

// entitled reports whether a profile's entitlements cover the room's
// correlation metadata.
func entitled(p *identity.Profile, meta room.Metadata) bool {
	if meta.TransactionID != "" {
		for _, id := range p.Transactions {
			if id == meta.TransactionID {
				return true
			}
		}
	}
	if meta.ProjectID != "" {
		for _, id := range p.Projects {
			if id == meta.ProjectID {
				return true
			}
		}
	}
	return false
}

func requiresRole(roles []event.Role, role event.Role) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
