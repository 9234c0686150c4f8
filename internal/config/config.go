package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	HTTPAddr    string // COORD_HTTP_ADDR (default ":8080")
	NATSURL     string // COORD_NATS_URL (optional; primary broker)
	RedisURL    string // COORD_REDIS_URL (optional; used when NATS is unset)
	DatabaseURL string // COORD_DATABASE_URL (optional participant directory)
	AuthToken   string // COORD_AUTH_TOKEN (optional, empty = auth disabled)

	// Presence settings
	HeartbeatInterval time.Duration // COORD_HEARTBEAT_INTERVAL (default 30s)
	AwayThreshold     time.Duration // COORD_AWAY_THRESHOLD (default 5m)

	// Room retention
	RoomRetention time.Duration // COORD_ROOM_RETENTION (default 24h; 0 = keep forever)

	// Archive settings (inactive-room audit export; S3 enabled when bucket set)
	ArchiveS3Bucket   string // COORD_ARCHIVE_S3_BUCKET
	ArchiveS3Endpoint string // COORD_ARCHIVE_S3_ENDPOINT (custom endpoint for MinIO)
	ArchiveS3Region   string // COORD_ARCHIVE_S3_REGION (default "us-east-1")
	ArchiveS3Prefix   string // COORD_ARCHIVE_S3_PREFIX (default "coord/rooms/")

	Tuning Tuning // COORD_TUNING_FILE (optional TOML overlay)
}

// Tuning holds the engine limits that operators occasionally override
// per deployment. Loaded from a TOML file when COORD_TUNING_FILE is
// set; zero values keep the defaults.
type Tuning struct {
	HistoryCapacity int `toml:"history_capacity"` // per-room rolling history (default 100)
	ReplayLimit     int `toml:"replay_limit"`     // events replayed on join (default 20)

	// systemHealth thresholds.
	HealthyMinConnections   int `toml:"healthy_min_connections"`   // default 50
	HealthyMinRooms         int `toml:"healthy_min_rooms"`         // default 10
	UnhealthyMaxConnections int `toml:"unhealthy_max_connections"` // default 10
	UnhealthyMaxRooms       int `toml:"unhealthy_max_rooms"`       // default 2
}

// DefaultTuning returns the reference limits.
func DefaultTuning() Tuning {
	return Tuning{
		HistoryCapacity:         100,
		ReplayLimit:             20,
		HealthyMinConnections:   50,
		HealthyMinRooms:         10,
		UnhealthyMaxConnections: 10,
		UnhealthyMaxRooms:       2,
	}
}

func Load() (*Config, error) {
	c := &Config{
		HTTPAddr:          envOrDefault("COORD_HTTP_ADDR", ":8080"),
		NATSURL:           os.Getenv("COORD_NATS_URL"),
		RedisURL:          os.Getenv("COORD_REDIS_URL"),
		DatabaseURL:       os.Getenv("COORD_DATABASE_URL"),
		AuthToken:         os.Getenv("COORD_AUTH_TOKEN"),
		ArchiveS3Bucket:   os.Getenv("COORD_ARCHIVE_S3_BUCKET"),
		ArchiveS3Endpoint: os.Getenv("COORD_ARCHIVE_S3_ENDPOINT"),
		ArchiveS3Region:   envOrDefault("COORD_ARCHIVE_S3_REGION", "us-east-1"),
		ArchiveS3Prefix:   envOrDefault("COORD_ARCHIVE_S3_PREFIX", "coord/rooms/"),
		Tuning:            DefaultTuning(),
	}

	var err error
	if c.HeartbeatInterval, err = envDuration("COORD_HEARTBEAT_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if c.AwayThreshold, err = envDuration("COORD_AWAY_THRESHOLD", 5*time.Minute); err != nil {
		return nil, err
	}
	if c.RoomRetention, err = envDuration("COORD_ROOM_RETENTION", 24*time.Hour); err != nil {
		return nil, err
	}

	if path := os.Getenv("COORD_TUNING_FILE"); path != "" {
		if err := loadTuning(path, &c.Tuning); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// loadTuning overlays non-zero values from a TOML file onto t.
func loadTuning(path string, t *Tuning) error {
	var overlay Tuning
	if _, err := toml.DecodeFile(path, &overlay); err != nil {
		return fmt.Errorf("COORD_TUNING_FILE: %w", err)
	}
	if overlay.HistoryCapacity > 0 {
		t.HistoryCapacity = overlay.HistoryCapacity
	}
	if overlay.ReplayLimit > 0 {
		t.ReplayLimit = overlay.ReplayLimit
	}
	if overlay.HealthyMinConnections > 0 {
		t.HealthyMinConnections = overlay.HealthyMinConnections
	}
	if overlay.HealthyMinRooms > 0 {
		t.HealthyMinRooms = overlay.HealthyMinRooms
	}
	if overlay.UnhealthyMaxConnections > 0 {
		t.UnhealthyMaxConnections = overlay.UnhealthyMaxConnections
	}
	if overlay.UnhealthyMaxRooms > 0 {
		t.UnhealthyMaxRooms = overlay.UnhealthyMaxRooms
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
