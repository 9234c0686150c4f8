// Package server exposes the coordination engine over HTTP: a JSON API
// for rooms, stats, and targeted sends, plus the WebSocket endpoint
// clients hold open for live delivery.
package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/propline/coord/internal/engine"
	"github.com/propline/coord/internal/event"
	"github.com/propline/coord/internal/room"
)

// Server bridges HTTP requests to the engine.
type Server struct {
	engine *engine.Engine
}

// New creates a server over the engine.
func New(e *engine.Engine) *Server {
	return &Server{engine: e}
}

// NewHTTPHandler returns an http.Handler with all routes registered.
// When authToken is non-empty, requests (except GET /v1/health) must
// include a valid Authorization: Bearer <token> header.
func (s *Server) NewHTTPHandler(authToken string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /v1/connections", s.handleListConnections)
	mux.HandleFunc("GET /v1/rooms", s.handleListRooms)
	mux.HandleFunc("POST /v1/rooms", s.handleCreateRoom)
	mux.HandleFunc("GET /v1/rooms/{id}", s.handleGetRoom)
	mux.HandleFunc("POST /v1/rooms/{id}/broadcast", s.handleBroadcast)
	mux.HandleFunc("POST /v1/notify", s.handleNotify)
	mux.HandleFunc("POST /v1/coordination", s.handleCoordination)
	mux.HandleFunc("POST /v1/tasks/{id}/status", s.handleTaskStatus)
	mux.HandleFunc("GET /v1/ws", s.handleWebSocket)
	return AuthMiddleware(authToken, mux)
}

// handleHealth handles GET /v1/health.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.HealthCheck())
}

// handleStats handles GET /v1/stats.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

// handleListConnections handles GET /v1/connections.
func (s *Server) handleListConnections(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"connections": s.engine.Connections(),
	})
}

// handleListRooms handles GET /v1/rooms. ?active=true filters to rooms
// with live membership.
func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms := s.engine.Rooms()
	if r.URL.Query().Get("active") == "true" {
		filtered := rooms[:0]
		for _, rm := range rooms {
			if rm.Active {
				filtered = append(filtered, rm)
			}
		}
		rooms = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}

type createRoomRequest struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Type          room.Type     `json:"type"`
	RequiredRoles []event.Role  `json:"required_roles"`
	Metadata      room.Metadata `json:"metadata"`
}

// handleCreateRoom handles POST /v1/rooms.
func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	for _, role := range req.RequiredRoles {
		if !role.IsValid() {
			writeError(w, http.StatusBadRequest, "invalid role: "+role.String())
			return
		}
	}
	snap, err := s.engine.CreateRoom(req.ID, req.Name, req.Type, req.RequiredRoles, req.Metadata)
	if err != nil {
		if errors.Is(err, room.ErrRoomExists) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

// handleGetRoom handles GET /v1/rooms/{id}.
func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.engine.Room(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// eventRequest is the caller-supplied portion of an event. The payload
// is decoded against the declared type.
type eventRequest struct {
	Type     event.Type      `json:"type"`
	Priority event.Priority  `json:"priority"`
	Title    string          `json:"title"`
	Body     string          `json:"body"`
	Payload  json.RawMessage `json:"payload"`

	Sender     string     `json:"sender"`
	SenderRole event.Role `json:"sender_role"`
}

func (req *eventRequest) draft() (event.Draft, error) {
	d := event.Draft{
		Type:       req.Type,
		Priority:   req.Priority,
		Title:      req.Title,
		Body:       req.Body,
		Sender:     req.Sender,
		SenderRole: req.SenderRole,
	}
	if len(req.Payload) > 0 && string(req.Payload) != "null" {
		payload, err := event.DecodePayload(req.Type, req.Payload)
		if err != nil {
			return event.Draft{}, err
		}
		d.Payload = payload
	}
	return d, nil
}

// handleBroadcast handles POST /v1/rooms/{id}/broadcast.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	d, err := req.draft()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ev, err := s.engine.BroadcastToRoom(r.Context(), r.PathValue("id"), d)
	if err != nil {
		if errors.Is(err, engine.ErrUnknownRoom) {
			writeError(w, http.StatusNotFound, "room not found")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"event_id": ev.ID})
}

type notifyRequest struct {
	eventRequest
	UserID string     `json:"user_id"`
	Role   event.Role `json:"role"`
}

// handleNotify handles POST /v1/notify: a targeted send to one user's
// connections or to every holder of a role. Exactly one target axis
// must be set.
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if (req.UserID == "") == (req.Role == "") {
		writeError(w, http.StatusBadRequest, "exactly one of user_id or role is required")
		return
	}
	d, err := req.draft()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var (
		ev   *event.Event
		sent int
	)
	if req.UserID != "" {
		ev, sent, err = s.engine.SendToUser(req.UserID, d)
	} else {
		ev, sent, err = s.engine.SendToRole(req.Role, d)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"event_id": ev.ID, "delivered": sent})
}

type coordinationRequest struct {
	TransactionID string   `json:"transaction_id"`
	Action        string   `json:"action"`
	Title         string   `json:"title"`
	Participants  []string `json:"participants"`
}

// handleCoordination handles POST /v1/coordination: fans a coordination
// update out to every room correlated with the transaction.
func (s *Server) handleCoordination(w http.ResponseWriter, r *http.Request) {
	var req coordinationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.TransactionID == "" {
		writeError(w, http.StatusBadRequest, "transaction_id is required")
		return
	}
	if req.Title == "" {
		req.Title = "Coordination update"
	}
	reached, err := s.engine.SendCoordinationUpdate(r.Context(), req.TransactionID, req.Action, req.Title, req.Participants)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms_reached": reached})
}

type taskStatusRequest struct {
	Status     string `json:"status"`
	AssignedTo string `json:"assigned_to"`
	Progress   int    `json:"progress"`
}

// handleTaskStatus handles POST /v1/tasks/{id}/status.
func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	var req taskStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Status == "" {
		writeError(w, http.StatusBadRequest, "status is required")
		return
	}
	reached, err := s.engine.SendTaskStatusUpdate(r.Context(), r.PathValue("id"), req.Status, req.AssignedTo, req.Progress)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms_reached": reached})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
