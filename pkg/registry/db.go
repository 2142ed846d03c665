// Package registry implements the Unified Registry: durable state for
// pipeline runs, stage runs, agents, gate checks, and PR approvals.
package registry

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations
var migrationsFS embed.FS

// DBConfig holds Postgres connection and pool settings.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Registry bundles the shared *sql.DB handle with every per-entity
// repository (spec.md §4.5).
type Registry struct {
	db *sql.DB

	PipelineRuns  *PipelineRunRepository
	StageRuns     *StageRunRepository
	GateChecks    *GateCheckRepository
	Agents        *AgentRepository
	Approvals     *ApprovalRepository
	Associations  *AssociationRepository
	Activity      *ActivityRepository
	Mailbox       *MailboxRepository
}

// DBConfigFromEnv loads Postgres connection settings from the process
// environment, mirroring tarsy's database.LoadConfigFromEnv (pkg/database/
// config.go): SQUADRON_DB_* variables with production-ready defaults.
func DBConfigFromEnv() (DBConfig, error) {
	port, err := strconv.Atoi(envOrDefault("SQUADRON_DB_PORT", "5432"))
	if err != nil {
		return DBConfig{}, fmt.Errorf("invalid SQUADRON_DB_PORT: %w", err)
	}
	maxOpen, err := strconv.Atoi(envOrDefault("SQUADRON_DB_MAX_OPEN_CONNS", "25"))
	if err != nil {
		return DBConfig{}, fmt.Errorf("invalid SQUADRON_DB_MAX_OPEN_CONNS: %w", err)
	}
	maxIdle, err := strconv.Atoi(envOrDefault("SQUADRON_DB_MAX_IDLE_CONNS", "10"))
	if err != nil {
		return DBConfig{}, fmt.Errorf("invalid SQUADRON_DB_MAX_IDLE_CONNS: %w", err)
	}
	maxLifetime, err := time.ParseDuration(envOrDefault("SQUADRON_DB_CONN_MAX_LIFETIME", "1h"))
	if err != nil {
		return DBConfig{}, fmt.Errorf("invalid SQUADRON_DB_CONN_MAX_LIFETIME: %w", err)
	}
	maxIdleTime, err := time.ParseDuration(envOrDefault("SQUADRON_DB_CONN_MAX_IDLE_TIME", "15m"))
	if err != nil {
		return DBConfig{}, fmt.Errorf("invalid SQUADRON_DB_CONN_MAX_IDLE_TIME: %w", err)
	}

	return DBConfig{
		Host:            envOrDefault("SQUADRON_DB_HOST", "localhost"),
		Port:            port,
		User:            envOrDefault("SQUADRON_DB_USER", "squadron"),
		Password:        os.Getenv("SQUADRON_DB_PASSWORD"),
		Database:        envOrDefault("SQUADRON_DB_NAME", "squadron"),
		SSLMode:         envOrDefault("SQUADRON_DB_SSLMODE", "disable"),
		MaxOpenConns:    maxOpen,
		MaxIdleConns:    maxIdle,
		ConnMaxLifetime: maxLifetime,
		ConnMaxIdleTime: maxIdleTime,
	}, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// DB returns the underlying connection pool, for health checks.
func (r *Registry) DB() *sql.DB { return r.db }

// Close releases the underlying connection pool.
func (r *Registry) Close() error { return r.db.Close() }

// NewRegistry opens a Postgres connection pool, applies pending migrations,
// and wires up every repository over the shared handle.
func NewRegistry(ctx context.Context, cfg DBConfig) (*Registry, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db, cfg.Database); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return NewRegistryFromDB(db), nil
}

// NewRegistryFromDB wraps an already-open *sql.DB (migrations already
// applied), useful for tests against testcontainers or sqlmock.
func NewRegistryFromDB(db *sql.DB) *Registry {
	return &Registry{
		db:           db,
		PipelineRuns: &PipelineRunRepository{db: db},
		StageRuns:    &StageRunRepository{db: db},
		GateChecks:   &GateCheckRepository{db: db},
		Agents:       &AgentRepository{db: db},
		Approvals:    &ApprovalRepository{db: db},
		Associations: &AssociationRepository{db: db},
		Activity:     &ActivityRepository{db: db},
		Mailbox:      &MailboxRepository{db: db},
	}
}

// runMigrations applies embedded SQL migrations using golang-migrate,
// mirroring tarsy's pkg/database/client.go runMigrations — minus the Ent
// driver wrapping, since there is no generated Ent client here.
func runMigrations(db *sql.DB, databaseName string) error {
	hasMigrations, err := hasEmbeddedMigrations()
	if err != nil {
		return fmt.Errorf("failed to check embedded migrations: %w", err)
	}
	if !hasMigrations {
		return fmt.Errorf("no embedded migration files found")
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, databaseName, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return sourceDriver.Close()
}

func hasEmbeddedMigrations() (bool, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() && len(name) > 4 && name[len(name)-4:] == ".sql" {
			return true, nil
		}
	}
	return false, nil
}
