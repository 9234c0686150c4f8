package identity

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/propline/coord/internal/event"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresDirectory implements Directory backed by the application's
// participant tables.
type PostgresDirectory struct {
	db *sql.DB
}

// Compile-time check that PostgresDirectory implements Directory.
var _ Directory = (*PostgresDirectory)(nil)

// NewPostgres opens a connection to the participant database,
// configures the connection pool, and runs any pending migrations.
func NewPostgres(databaseURL string) (*PostgresDirectory, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &PostgresDirectory{db: db}, nil
}

// NewPostgresFromDB wraps an existing handle. Used by tests with a mock
// connection; no migrations are run.
func NewPostgresFromDB(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// Lookup implements Directory.
func (d *PostgresDirectory) Lookup(ctx context.Context, userID string) (*Profile, error) {
	p := &Profile{UserID: userID}

	var role string
	err := d.db.QueryRowContext(ctx,
		`SELECT role, display_name FROM participants WHERE user_id = $1`,
		userID,
	).Scan(&role, &p.DisplayName)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query participant: %w", err)
	}
	p.Role = event.Role(role)

	rows, err := d.db.QueryContext(ctx,
		`SELECT kind, ref_id FROM participant_entitlements WHERE user_id = $1 ORDER BY ref_id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query entitlements: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kind, refID string
		if err := rows.Scan(&kind, &refID); err != nil {
			return nil, fmt.Errorf("scan entitlement: %w", err)
		}
		switch kind {
		case "transaction":
			p.Transactions = append(p.Transactions, refID)
		case "project":
			p.Projects = append(p.Projects, refID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entitlements: %w", err)
	}

	return p, nil
}

// Close closes the underlying database connection.
func (d *PostgresDirectory) Close() error {
	return d.db.Close()
}
