package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/propline/coord/internal/event"
	"github.com/propline/coord/internal/registry"
	"github.com/propline/coord/internal/room"
)

type fakeTransport struct {
	sent []*event.Event
	fail bool
}

func (f *fakeTransport) Send(ev *event.Event) error {
	if f.fail {
		return errors.New("socket gone")
	}
	f.sent = append(f.sent, ev)
	return nil
}

func (f *fakeTransport) Close() error { return nil }

type recordingForwarder struct {
	forwarded []*event.Event
}

func (r *recordingForwarder) Forward(_ context.Context, ev *event.Event) {
	r.forwarded = append(r.forwarded, ev)
}

func testRouter() (*Router, *registry.Registry, *room.Directory) {
	reg := registry.New()
	rooms := room.NewDirectory(0)
	return New(reg, rooms), reg, rooms
}

func TestStampAssignsIdentityOnce(t *testing.T) {
	rt, _, _ := testRouter()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rt.SetClock(func() time.Time { return fixed })

	ev, err := rt.Stamp(event.Draft{Type: event.TypeNotification, Title: "n"}, "room-1")
	if err != nil {
		t.Fatalf("Stamp: %v", err)
	}
	if ev.ID == "" {
		t.Error("no ID assigned")
	}
	if !ev.Timestamp.Equal(fixed) {
		t.Errorf("timestamp = %v, want %v", ev.Timestamp, fixed)
	}
	if ev.Priority != event.PriorityMedium {
		t.Errorf("default priority = %q, want medium", ev.Priority)
	}
	if ev.RoomID != "room-1" {
		t.Errorf("room = %q", ev.RoomID)
	}

	ev2, _ := rt.Stamp(event.Draft{Type: event.TypeNotification, Title: "n"}, "")
	if ev2.ID == ev.ID {
		t.Error("two stamps produced the same ID")
	}
}

func TestStampRejectsInvalidDraft(t *testing.T) {
	rt, _, _ := testRouter()
	if _, err := rt.Stamp(event.Draft{Type: "bogus"}, ""); err == nil {
		t.Error("invalid draft accepted")
	}
}

func TestSendToUserReachesAllConnections(t *testing.T) {
	rt, reg, _ := testRouter()
	web := &fakeTransport{}
	mobile := &fakeTransport{}
	reg.Register("conn-web", "user-1", event.RoleBuyer, web)
	reg.Register("conn-mobile", "user-1", event.RoleBuyer, mobile)
	reg.Register("conn-other", "user-2", event.RoleAgent, &fakeTransport{})

	ev, sent, err := rt.SendToUser("user-1", event.Draft{Type: event.TypeNotification, Title: "n"})
	if err != nil {
		t.Fatalf("SendToUser: %v", err)
	}
	if sent != 2 {
		t.Fatalf("sent = %d, want 2", sent)
	}
	if len(web.sent) != 1 || len(mobile.sent) != 1 {
		t.Errorf("deliveries: web=%d mobile=%d", len(web.sent), len(mobile.sent))
	}
	if web.sent[0].ID != ev.ID {
		t.Error("delivered event differs from stamped event")
	}
	if len(ev.TargetUsers) != 1 || ev.TargetUsers[0] != "user-1" {
		t.Errorf("target users = %v", ev.TargetUsers)
	}
}

func TestSendToUserNoConnections(t *testing.T) {
	rt, _, _ := testRouter()
	_, sent, err := rt.SendToUser("user-missing", event.Draft{Type: event.TypeNotification, Title: "n"})
	if err != nil {
		t.Fatalf("SendToUser: %v", err)
	}
	if sent != 0 {
		t.Errorf("sent = %d, want 0", sent)
	}
}

func TestSendToRole(t *testing.T) {
	rt, reg, _ := testRouter()
	a := &fakeTransport{}
	b := &fakeTransport{}
	reg.Register("conn-a", "user-1", event.RoleSolicitor, a)
	reg.Register("conn-b", "user-2", event.RoleSolicitor, b)
	reg.Register("conn-c", "user-3", event.RoleBuyer, &fakeTransport{})

	_, sent, err := rt.SendToRole(event.RoleSolicitor, event.Draft{Type: event.TypeNotification, Title: "n"})
	if err != nil {
		t.Fatalf("SendToRole: %v", err)
	}
	if sent != 2 {
		t.Errorf("sent = %d, want 2", sent)
	}
}

func TestBroadcastSurvivesFailingTransport(t *testing.T) {
	rt, reg, rooms := testRouter()
	good1 := &fakeTransport{}
	dead := &fakeTransport{fail: true}
	good2 := &fakeTransport{}
	reg.Register("conn-1", "user-1", event.RoleBuyer, good1)
	reg.Register("conn-2", "user-2", event.RoleAgent, dead)
	reg.Register("conn-3", "user-3", event.RoleLender, good2)

	rm, _ := rooms.Create("room-1", "r", room.TypeGeneral, nil, room.Metadata{})
	now := time.Now()
	rm.Join("user-1", "conn-1", now)
	rm.Join("user-2", "conn-2", now)
	rm.Join("user-3", "conn-3", now)

	_, ok, err := rt.BroadcastToRoom(context.Background(), "room-1", event.Draft{
		Type: event.TypeLiveChat, Title: "c", Payload: event.ChatPayload{Text: "hi"},
	})
	if err != nil || !ok {
		t.Fatalf("BroadcastToRoom = (%v, %v)", ok, err)
	}

	if len(good1.sent) != 1 || len(good2.sent) != 1 {
		t.Errorf("surviving deliveries: %d, %d; want 1, 1", len(good1.sent), len(good2.sent))
	}
	if rt.FailureCount() != 1 {
		t.Errorf("FailureCount = %d, want 1", rt.FailureCount())
	}
	if rt.DeliveredCount() != 2 {
		t.Errorf("DeliveredCount = %d, want 2", rt.DeliveredCount())
	}
	// Failed delivery does not keep the event out of history.
	if len(rm.History(0)) != 1 {
		t.Errorf("history = %d, want 1", len(rm.History(0)))
	}
}

func TestBroadcastUnknownRoom(t *testing.T) {
	rt, _, _ := testRouter()
	_, ok, err := rt.BroadcastToRoom(context.Background(), "room-missing", event.Draft{
		Type: event.TypeLiveChat, Title: "c",
	})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if ok {
		t.Error("unknown room reported ok")
	}
}

func TestBroadcastForwardsOnce(t *testing.T) {
	rt, _, rooms := testRouter()
	fwd := &recordingForwarder{}
	rt.SetForwarder(fwd)
	rooms.Create("room-1", "r", room.TypeGeneral, nil, room.Metadata{})

	ev, _, err := rt.BroadcastToRoom(context.Background(), "room-1", event.Draft{
		Type: event.TypeNotification, Title: "n",
	})
	if err != nil {
		t.Fatalf("BroadcastToRoom: %v", err)
	}
	if len(fwd.forwarded) != 1 || fwd.forwarded[0].ID != ev.ID {
		t.Fatalf("forwarded = %v", fwd.forwarded)
	}
}

func TestDispatchRemoteDoesNotForward(t *testing.T) {
	rt, reg, rooms := testRouter()
	fwd := &recordingForwarder{}
	rt.SetForwarder(fwd)

	tr := &fakeTransport{}
	reg.Register("conn-1", "user-1", event.RoleBuyer, tr)
	rm, _ := rooms.Create("room-1", "r", room.TypeGeneral, nil, room.Metadata{})
	rm.Join("user-1", "conn-1", time.Now())

	remote := &event.Event{
		ID: "evt-remote", Type: event.TypeLiveChat, Priority: event.PriorityMedium,
		Title: "c", RoomID: "room-1", Remote: true, Timestamp: time.Now(),
	}
	if !rt.DispatchRemote(remote) {
		t.Fatal("DispatchRemote failed for known room")
	}
	if len(tr.sent) != 1 {
		t.Errorf("local deliveries = %d, want 1", len(tr.sent))
	}
	if len(fwd.forwarded) != 0 {
		t.Error("remote event was re-forwarded")
	}
	if len(rm.History(0)) != 1 {
		t.Errorf("history = %d, want 1", len(rm.History(0)))
	}

	if rt.DispatchRemote(&event.Event{ID: "evt-x", RoomID: "room-missing"}) {
		t.Error("DispatchRemote succeeded for unknown room")
	}
}

func TestDispatchSkipsExpired(t *testing.T) {
	rt, reg, _ := testRouter()
	tr := &fakeTransport{}
	reg.Register("conn-1", "user-1", event.RoleBuyer, tr)

	past := time.Now().Add(-time.Minute)
	tgt, _ := reg.Target("conn-1")
	if rt.Dispatch(&event.Event{ID: "evt-1", ExpiresAt: &past}, tgt) {
		t.Error("expired event dispatched")
	}
	if len(tr.sent) != 0 {
		t.Error("expired event reached transport")
	}
}

func TestDispatchTouchesConnection(t *testing.T) {
	rt, reg, _ := testRouter()
	tr := &fakeTransport{}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	reg.SetClock(func() time.Time { return now })
	rt.SetClock(func() time.Time { return now })

	reg.Register("conn-1", "user-1", event.RoleBuyer, tr)
	reg.SetStatus("conn-1", registry.StatusAway)
	now = base.Add(time.Minute)

	tgt, _ := reg.Target("conn-1")
	ev, _ := rt.Stamp(event.Draft{Type: event.TypeNotification, Title: "n"}, "")
	if !rt.Dispatch(ev, tgt) {
		t.Fatal("dispatch failed")
	}

	snap, _ := reg.Get("conn-1")
	if snap.Status != registry.StatusOnline {
		t.Errorf("status = %q, want online after successful delivery", snap.Status)
	}
	if !snap.LastActivity.Equal(base.Add(time.Minute)) {
		t.Errorf("last activity = %v", snap.LastActivity)
	}
}
