package presence

import (
	"testing"
	"time"

	"github.com/propline/coord/internal/event"
	"github.com/propline/coord/internal/registry"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

type nopTransport struct{}

func (nopTransport) Send(*event.Event) error { return nil }
func (nopTransport) Close() error            { return nil }

func testMonitor(away time.Duration) (*Monitor, *registry.Registry, *fakeClock, *[]string) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg := registry.New()
	reg.SetClock(clock.Now)

	var evicted []string
	m := NewMonitor(reg, Config{
		AwayThreshold: away,
		Clock:         clock,
		OnEvict: func(connID string) {
			evicted = append(evicted, connID)
			reg.Unregister(connID)
		},
	})
	return m, reg, clock, &evicted
}

func TestSweepDemotesIdleToAway(t *testing.T) {
	m, reg, clock, evicted := testMonitor(5 * time.Minute)
	reg.Register("conn-1", "user-1", event.RoleBuyer, nopTransport{})

	// Idle past the away threshold but under the eviction threshold.
	clock.advance(6 * time.Minute)
	m.Sweep()

	snap, ok := reg.Get("conn-1")
	if !ok {
		t.Fatal("connection evicted below eviction threshold")
	}
	if snap.Status != registry.StatusAway {
		t.Errorf("status = %q, want away", snap.Status)
	}
	if len(*evicted) != 0 {
		t.Errorf("evicted = %v", *evicted)
	}
}

func TestSweepEvictsPastHardTimeout(t *testing.T) {
	m, reg, clock, evicted := testMonitor(5 * time.Minute)
	reg.Register("conn-stale", "user-1", event.RoleBuyer, nopTransport{})
	reg.Register("conn-fresh", "user-2", event.RoleAgent, nopTransport{})

	clock.advance(11 * time.Minute) // past 2x away threshold
	reg.Touch("conn-fresh")
	m.Sweep()

	if len(*evicted) != 1 || (*evicted)[0] != "conn-stale" {
		t.Fatalf("evicted = %v, want [conn-stale]", *evicted)
	}
	if _, ok := reg.Get("conn-stale"); ok {
		t.Error("evicted connection still registered")
	}
	if _, ok := reg.Get("conn-fresh"); !ok {
		t.Error("fresh connection evicted")
	}
}

func TestTouchResetsAwayCountdown(t *testing.T) {
	m, reg, clock, evicted := testMonitor(5 * time.Minute)
	reg.Register("conn-1", "user-1", event.RoleBuyer, nopTransport{})

	clock.advance(6 * time.Minute)
	m.Sweep()
	if snap, _ := reg.Get("conn-1"); snap.Status != registry.StatusAway {
		t.Fatalf("setup: status = %q, want away", snap.Status)
	}

	// Traffic promotes back to online; the idle clock restarts.
	reg.Touch("conn-1")
	clock.advance(4 * time.Minute)
	m.Sweep()

	snap, ok := reg.Get("conn-1")
	if !ok {
		t.Fatal("connection evicted after fresh activity")
	}
	if snap.Status != registry.StatusOnline {
		t.Errorf("status = %q, want online", snap.Status)
	}
	if len(*evicted) != 0 {
		t.Errorf("evicted = %v", *evicted)
	}
}

func TestSweepWithoutOnEvictUnregisters(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg := registry.New()
	reg.SetClock(clock.Now)
	m := NewMonitor(reg, Config{AwayThreshold: time.Minute, Clock: clock})

	reg.Register("conn-1", "user-1", event.RoleBuyer, nopTransport{})
	clock.advance(3 * time.Minute)
	m.Sweep()

	if reg.Count() != 0 {
		t.Errorf("registry count = %d, want 0", reg.Count())
	}
}

func TestEvictThreshold(t *testing.T) {
	m := NewMonitor(registry.New(), Config{AwayThreshold: 5 * time.Minute})
	if got := m.EvictThreshold(); got != 10*time.Minute {
		t.Errorf("EvictThreshold = %v, want 10m", got)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	m := NewMonitor(registry.New(), Config{SweepInterval: time.Hour})
	m.Start()
	m.Start()
	m.Stop()
	m.Stop()
}
