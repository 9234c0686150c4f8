// Package archive retires rooms that have been inactive past the
// retention window, optionally exporting each retired room's metadata
// and final history as a JSONL audit record before dropping it. This
// is the engine's answer to keeping inactive rooms "for audits" without
// growing the directory forever.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/propline/coord/internal/event"
	"github.com/propline/coord/internal/room"
)

// Destination receives archived room records (S3, etc.).
type Destination interface {
	// PutRecord writes one JSONL payload under the given object key.
	PutRecord(ctx context.Context, key string, data []byte) error
}

// Record is the exported form of a retired room.
type Record struct {
	Room      room.Snapshot  `json:"room"`
	History   []*event.Event `json:"history,omitempty"`
	RetiredAt time.Time      `json:"retired_at"`
}

// Sweeper periodically retires inactive rooms.
type Sweeper struct {
	rooms     *room.Directory
	dest      Destination // nil = drop without exporting
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a sweeper. retention <= 0 disables retirement
// entirely (rooms are retained forever, the original behavior).
func NewSweeper(rooms *room.Directory, dest Destination, retention, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		rooms:     rooms,
		dest:      dest,
		retention: retention,
		interval:  interval,
		logger:    logger,
	}
}

// Start begins periodic sweeps. No-op when retention is disabled.
func (s *Sweeper) Start() {
	if s.retention <= 0 {
		s.logger.Info("archive: room retention disabled, inactive rooms kept forever")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(ctx, s.rooms.Now())
			}
		}
	}()
	s.logger.Info("archive: sweeper started", "retention", s.retention, "interval", s.interval)
}

// Stop halts the sweep loop.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
		s.wg.Wait()
		s.cancel = nil
	}
}

// Sweep retires every inactive room whose inactivity exceeds the
// retention window. Exported for deterministic tests. Returns the
// number of rooms retired.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) int {
	if s.retention <= 0 {
		return 0
	}
	retired := 0
	for _, rm := range s.rooms.ListAll() {
		if rm.Active() {
			continue
		}
		since := rm.InactiveSince()
		if since.IsZero() || now.Sub(since) < s.retention {
			continue
		}
		if err := s.retire(ctx, rm, now); err != nil {
			s.logger.Warn("archive: export failed, room retained",
				"room_id", rm.ID(), "error", err)
			continue
		}
		s.rooms.Remove(rm.ID())
		retired++
	}
	if retired > 0 {
		s.logger.Info("archive: retired inactive rooms", "count", retired)
	}
	return retired
}

func (s *Sweeper) retire(ctx context.Context, rm *room.Room, now time.Time) error {
	if s.dest == nil {
		return nil
	}
	rec := Record{
		Room:      rm.Snapshot(),
		History:   rm.History(0),
		RetiredAt: now.UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	data = append(data, '\n')
	key := fmt.Sprintf("%s-%s.jsonl", rm.ID(), now.UTC().Format("20060102T150405Z"))
	return s.dest.PutRecord(ctx, key, data)
}
