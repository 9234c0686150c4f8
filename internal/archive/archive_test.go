package archive

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/propline/coord/internal/event"
	"github.com/propline/coord/internal/room"
)

type memoryDestination struct {
	records map[string][]byte
	fail    bool
}

func newMemoryDestination() *memoryDestination {
	return &memoryDestination{records: make(map[string][]byte)}
}

func (d *memoryDestination) PutRecord(_ context.Context, key string, data []byte) error {
	if d.fail {
		return errors.New("bucket unavailable")
	}
	d.records[key] = data
	return nil
}

func testDirectory(start time.Time) (*room.Directory, *time.Time) {
	d := room.NewDirectory(0)
	now := start
	d.SetClock(func() time.Time { return now })
	return d, &now
}

func TestSweepRetiresExpiredInactiveRooms(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rooms, now := testDirectory(start)
	dest := newMemoryDestination()
	s := NewSweeper(rooms, dest, 24*time.Hour, time.Hour, nil)

	rm, _ := rooms.Create("room-stale", "stale", room.TypeTransaction, nil, room.Metadata{TransactionID: "txn-1"})
	rm.Join("user-1", "conn-1", *now)
	rm.AppendHistory(&event.Event{ID: "evt-1", Type: event.TypeLiveChat, Priority: event.PriorityMedium, Title: "c"}, *now)
	rm.Leave("user-1", "conn-1", *now)

	live, _ := rooms.Create("room-live", "live", room.TypeGeneral, nil, room.Metadata{})
	live.Join("user-2", "conn-2", *now)

	// Under the retention window: nothing retires.
	*now = start.Add(12 * time.Hour)
	if retired := s.Sweep(context.Background(), *now); retired != 0 {
		t.Fatalf("early sweep retired %d rooms", retired)
	}

	// Past the window: the inactive room goes, the active one stays.
	*now = start.Add(25 * time.Hour)
	if retired := s.Sweep(context.Background(), *now); retired != 1 {
		t.Fatalf("sweep retired %d rooms, want 1", retired)
	}
	if _, ok := rooms.Get("room-stale"); ok {
		t.Error("retired room still in directory")
	}
	if _, ok := rooms.Get("room-live"); !ok {
		t.Error("active room removed")
	}

	if len(dest.records) != 1 {
		t.Fatalf("records = %d, want 1", len(dest.records))
	}
	for key, data := range dest.records {
		if !strings.HasPrefix(key, "room-stale-") || !strings.HasSuffix(key, ".jsonl") {
			t.Errorf("key = %q", key)
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			t.Fatalf("record decode: %v", err)
		}
		if rec.Room.ID != "room-stale" || rec.Room.Metadata.TransactionID != "txn-1" {
			t.Errorf("record room = %+v", rec.Room)
		}
		if len(rec.History) != 1 || rec.History[0].ID != "evt-1" {
			t.Errorf("record history = %+v", rec.History)
		}
	}
}

func TestSweepKeepsRoomOnExportFailure(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rooms, now := testDirectory(start)
	dest := newMemoryDestination()
	dest.fail = true
	s := NewSweeper(rooms, dest, time.Hour, time.Hour, nil)

	rm, _ := rooms.Create("room-1", "r", room.TypeGeneral, nil, room.Metadata{})
	rm.Join("user-1", "conn-1", *now)
	rm.Leave("user-1", "conn-1", *now)

	*now = start.Add(2 * time.Hour)
	if retired := s.Sweep(context.Background(), *now); retired != 0 {
		t.Fatalf("retired %d rooms despite export failure", retired)
	}
	if _, ok := rooms.Get("room-1"); !ok {
		t.Error("room dropped without a successful export")
	}
}

func TestSweepWithoutDestinationDrops(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rooms, now := testDirectory(start)
	s := NewSweeper(rooms, nil, time.Hour, time.Hour, nil)

	rm, _ := rooms.Create("room-1", "r", room.TypeGeneral, nil, room.Metadata{})
	rm.Join("user-1", "conn-1", *now)
	rm.Leave("user-1", "conn-1", *now)

	*now = start.Add(2 * time.Hour)
	if retired := s.Sweep(context.Background(), *now); retired != 1 {
		t.Fatalf("retired = %d, want 1", retired)
	}
}

func TestRetentionDisabled(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rooms, now := testDirectory(start)
	s := NewSweeper(rooms, nil, 0, time.Hour, nil)

	rm, _ := rooms.Create("room-1", "r", room.TypeGeneral, nil, room.Metadata{})
	rm.Join("user-1", "conn-1", *now)
	rm.Leave("user-1", "conn-1", *now)

	*now = start.AddDate(1, 0, 0)
	if retired := s.Sweep(context.Background(), *now); retired != 0 {
		t.Fatalf("retired = %d with retention disabled", retired)
	}

	// Start is a no-op as well.
	s.Start()
	s.Stop()
}
