// Package presence runs the heartbeat monitor: a background sweeper
// that demotes idle connections to away and evicts connections idle
// past a hard timeout. The state machine per connection is
// online -> away -> evicted; only actual traffic (a registry Touch)
// promotes a connection back to online.
package presence

import (
	"log/slog"
	"sync"
	"time"

	"github.com/propline/coord/internal/registry"
)

// Clock abstracts time so tests can advance a virtual clock instead of
// waiting on wall-clock timers.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// Config tunes the monitor.
type Config struct {
	// SweepInterval is how often the monitor scans connections.
	// Default: 30 seconds.
	SweepInterval time.Duration

	// AwayThreshold is how long a connection must be idle before being
	// demoted to away. Default: 5 minutes. A connection idle past
	// twice this threshold is evicted.
	AwayThreshold time.Duration

	// OnEvict is called for each evicted connection, outside any lock.
	// The engine uses it to cascade registry and room cleanup.
	OnEvict func(connectionID string)

	// Clock defaults to the system clock.
	Clock Clock
}

// Monitor owns the sweep goroutine. Created at engine start, torn down
// at engine stop.
type Monitor struct {
	registry *registry.Registry
	cfg      Config

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewMonitor creates a monitor over the registry. Zero config fields
// get defaults.
func NewMonitor(reg *registry.Registry, cfg Config) *Monitor {
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.AwayThreshold == 0 {
		cfg.AwayThreshold = 5 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	return &Monitor{registry: reg, cfg: cfg}
}

// EvictThreshold returns the hard idle timeout (twice the away
// threshold).
func (m *Monitor) EvictThreshold() time.Duration {
	return 2 * m.cfg.AwayThreshold
}

// Start launches the sweep loop. No-op if already running.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.loop(m.stop, m.done)
	slog.Info("presence: monitor started",
		"sweep_interval", m.cfg.SweepInterval,
		"away_threshold", m.cfg.AwayThreshold,
		"evict_threshold", m.EvictThreshold())
}

// Stop shuts down the sweep loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (m *Monitor) loop(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep scans the registry once, demoting and evicting idle
// connections. Exported so tests can drive it deterministically with a
// virtual clock.
func (m *Monitor) Sweep() {
	now := m.cfg.Clock.Now()
	evictAfter := m.EvictThreshold()

	var evicted []string
	for _, snap := range m.registry.ListActive() {
		idle := now.Sub(snap.LastActivity)
		switch {
		case idle > evictAfter:
			evicted = append(evicted, snap.ID)
		case idle > m.cfg.AwayThreshold && snap.Status == registry.StatusOnline:
			m.registry.SetStatus(snap.ID, registry.StatusAway)
			slog.Info("presence: connection away",
				"connection_id", snap.ID, "user_id", snap.UserID, "idle", idle)
		}
	}

	for _, id := range evicted {
		slog.Info("presence: evicting stale connection",
			"connection_id", id, "threshold", evictAfter)
		if m.cfg.OnEvict != nil {
			m.cfg.OnEvict(id)
		} else {
			m.registry.Unregister(id)
		}
	}
}
