package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/propline/coord/internal/engine"
	"github.com/propline/coord/internal/event"
	"github.com/propline/coord/internal/room"
)

func dialWS(t *testing.T, srv *httptest.Server, userID, role string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws?user_id=" + userID + "&role=" + role
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readEvent(t *testing.T, ws *websocket.Conn) *event.Event {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev event.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	return &ev
}

func TestWebSocketChatRoundTrip(t *testing.T) {
	eng, handler := newTestServer(t, "")
	srv := httptest.NewServer(handler)
	defer srv.Close()

	if _, err := eng.CreateRoom("room-1", "r", room.TypeGeneral, nil, room.Metadata{}); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	listener := dialWS(t, srv, "user-listen", "buyer")
	speaker := dialWS(t, srv, "user-speak", "agent")

	join, _ := json.Marshal(clientMessage{Action: "join", RoomID: "room-1"})
	if err := listener.WriteMessage(websocket.TextMessage, join); err != nil {
		t.Fatalf("listener join: %v", err)
	}
	waitForMembers(t, eng, "room-1", 1)
	if err := speaker.WriteMessage(websocket.TextMessage, join); err != nil {
		t.Fatalf("speaker join: %v", err)
	}
	waitForMembers(t, eng, "room-1", 2)

	// The listener hears the speaker's join announcement first.
	ev := readEvent(t, listener)
	if ev.Type != event.TypeSystemAlert {
		t.Fatalf("first event = %s, want system_alert", ev.Type)
	}
	if p, ok := ev.Payload.(event.SystemAlertPayload); !ok || p.Reason != "member_joined" || p.UserID != "user-speak" {
		t.Fatalf("alert payload = %#v", ev.Payload)
	}

	chat, _ := json.Marshal(clientMessage{Action: "chat", RoomID: "room-1", Text: "offer accepted"})
	if err := speaker.WriteMessage(websocket.TextMessage, chat); err != nil {
		t.Fatalf("speaker chat: %v", err)
	}

	ev = readEvent(t, listener)
	if ev.Type != event.TypeLiveChat {
		t.Fatalf("event type = %s, want live_chat", ev.Type)
	}
	if ev.Sender != "user-speak" || ev.SenderRole != event.RoleAgent {
		t.Errorf("sender = %s (%s)", ev.Sender, ev.SenderRole)
	}
	if p, ok := ev.Payload.(event.ChatPayload); !ok || p.Text != "offer accepted" {
		t.Errorf("chat payload = %#v", ev.Payload)
	}
}

func TestWebSocketDisconnectUnregisters(t *testing.T) {
	eng, handler := newTestServer(t, "")
	srv := httptest.NewServer(handler)
	defer srv.Close()

	ws := dialWS(t, srv, "user-1", "buyer")
	waitForConnections(t, eng, 1)

	ws.Close()
	waitForConnections(t, eng, 0)
}

func TestWebSocketRejectsBadParams(t *testing.T) {
	_, handler := newTestServer(t, "")
	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/ws?role=buyer")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing user_id status = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/v1/ws?user_id=user-1&role=plumber")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad role status = %d", resp.StatusCode)
	}
}

func waitForMembers(t *testing.T, eng *engine.Engine, roomID string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snap, ok := eng.Room(roomID); ok && len(snap.Members) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("room %s did not reach %d members", roomID, want)
}

func waitForConnections(t *testing.T, eng *engine.Engine, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(eng.Connections()) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("connections = %d, want %d", len(eng.Connections()), want)
}
