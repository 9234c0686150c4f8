package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/propline/coord/internal/event"
	"github.com/propline/coord/internal/transport"
)

// readWait is the read deadline; the peer (or our own write pump's
// pings) must produce traffic within it or the socket is dropped.
const readWait = 60 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin checks belong to the fronting proxy; the engine itself
	// authenticates via the bearer token.
	CheckOrigin: func(*http.Request) bool { return true },
}

// clientMessage is what a connected client may send over the socket.
type clientMessage struct {
	Action   string `json:"action"` // "join", "leave", "chat", "heartbeat"
	RoomID   string `json:"room_id,omitempty"`
	Text     string `json:"text,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
}

// handleWebSocket handles GET /v1/ws?user_id=&role=: upgrades the
// connection, registers it with the engine, and runs the read loop
// until the peer disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	role := event.Role(r.URL.Query().Get("role"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if !role.IsValid() {
		writeError(w, http.StatusBadRequest, "invalid role")
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		slog.Debug("server: websocket upgrade failed", "error", err)
		return
	}

	tr := transport.NewWSTransport(ws)
	snap, err := s.engine.RegisterConnection(r.Context(), userID, role, tr)
	if err != nil {
		slog.Warn("server: registration failed", "user_id", userID, "error", err)
		_ = tr.Close()
		return
	}

	s.readLoop(ws, snap.ID, snap.UserID, snap.Role)
}

// readLoop consumes client frames until the socket dies, then tears the
// connection down. Every frame counts as activity.
func (s *Server) readLoop(ws *websocket.Conn, connID, userID string, role event.Role) {
	defer func() {
		if err := s.engine.UnregisterConnection(connID); err != nil {
			// Already evicted by the presence monitor.
			slog.Debug("server: unregister on close", "connection_id", connID, "error", err)
		}
	}()

	_ = ws.SetReadDeadline(time.Now().Add(readWait))
	ws.SetPongHandler(func(string) error {
		s.engine.TouchConnection(connID)
		return ws.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("server: websocket read failed", "connection_id", connID, "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(readWait))
		s.engine.TouchConnection(connID)

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("server: dropping undecodable client frame", "connection_id", connID, "error", err)
			continue
		}
		s.handleClientMessage(connID, userID, role, msg)
	}
}

func (s *Server) handleClientMessage(connID, userID string, role event.Role, msg clientMessage) {
	switch msg.Action {
	case "heartbeat":
		// Activity already recorded by the read loop.
	case "join":
		if err := s.engine.JoinRoom(context.Background(), connID, msg.RoomID); err != nil {
			slog.Debug("server: join failed", "connection_id", connID, "room_id", msg.RoomID, "error", err)
		}
	case "leave":
		if err := s.engine.LeaveRoom(connID, msg.RoomID); err != nil {
			slog.Debug("server: leave failed", "connection_id", connID, "room_id", msg.RoomID, "error", err)
		}
	case "chat":
		_, err := s.engine.BroadcastToRoom(context.Background(), msg.RoomID, event.Draft{
			Type:       event.TypeLiveChat,
			Title:      "Chat message",
			Sender:     userID,
			SenderRole: role,
			Payload:    event.ChatPayload{Text: msg.Text, ThreadID: msg.ThreadID},
		})
		if err != nil {
			slog.Debug("server: chat broadcast failed", "connection_id", connID, "room_id", msg.RoomID, "error", err)
		}
	default:
		slog.Debug("server: unknown client action", "connection_id", connID, "action", msg.Action)
	}
}
