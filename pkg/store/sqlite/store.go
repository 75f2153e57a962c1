// Package sqlite implements the kernel's stores on SQLite via the pure Go
// modernc.org/sqlite driver: event streams, reservations, the command
// ledger, stream state and durable tasks share one database so related
// writes can share a transaction.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/plaenen/commandkernel/pkg/domain"
	"github.com/plaenen/commandkernel/pkg/store/sqlite/migrate"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store implements store.EventStore, store.ReservationStore,
// store.CommandStore, store.StateStore and store.TaskStore.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	clock  func() time.Time
	mu     sync.Mutex // serializes write transactions
}

type config struct {
	// dsn is the data source name (file path or ":memory:")
	dsn string

	// maxOpenConns and maxIdleConns size the connection pool
	maxOpenConns int
	maxIdleConns int

	// walMode enables write-ahead logging for better concurrency
	walMode bool

	// autoMigrate runs pending migrations on startup
	autoMigrate bool

	logger *slog.Logger
	clock  func() time.Time
}

func defaultConfig() config {
	return config{
		dsn:          "commandkernel.db",
		maxOpenConns: 25,
		maxIdleConns: 5,
		walMode:      true,
		autoMigrate:  true,
		logger:       slog.Default(),
		clock:        domain.Now,
	}
}

// Option configures a Store.
type Option func(*config)

// WithDSN sets the data source name (file path or ":memory:").
func WithDSN(dsn string) Option {
	return func(c *config) {
		c.dsn = dsn
	}
}

// WithMemoryDatabase uses an in-memory database, for tests.
func WithMemoryDatabase() Option {
	return func(c *config) {
		c.dsn = ":memory:"
	}
}

// WithMaxOpenConns sets the maximum number of open connections.
func WithMaxOpenConns(n int) Option {
	return func(c *config) {
		c.maxOpenConns = n
	}
}

// WithMaxIdleConns sets the maximum number of idle connections.
func WithMaxIdleConns(n int) Option {
	return func(c *config) {
		c.maxIdleConns = n
	}
}

// WithWALMode enables or disables write-ahead logging. Not applicable to
// :memory: databases.
func WithWALMode(enabled bool) Option {
	return func(c *config) {
		c.walMode = enabled
	}
}

// WithAutoMigrate enables or disables running migrations on startup.
func WithAutoMigrate(enabled bool) Option {
	return func(c *config) {
		c.autoMigrate = enabled
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(c *config) {
		c.clock = clock
	}
}

// New opens (and by default migrates) a SQLite-backed store.
//
//	// In-memory store for tests
//	s, err := sqlite.New(sqlite.WithMemoryDatabase())
//
//	// File-backed store
//	s, err := sqlite.New(sqlite.WithDSN("/var/lib/kernel/kernel.db"))
func New(opts ...Option) (*Store, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := sql.Open("sqlite", cfg.dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Each :memory: connection is its own database, so force one.
	if cfg.dsn == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(cfg.maxOpenConns)
		db.SetMaxIdleConns(cfg.maxIdleConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{
		db:     db,
		logger: cfg.logger,
		clock:  cfg.clock,
	}

	if cfg.walMode && cfg.dsn != ":memory:" {
		if _, err := db.Exec(`
			PRAGMA journal_mode = WAL;
			PRAGMA synchronous = NORMAL;
			PRAGMA busy_timeout = 5000;
			PRAGMA foreign_keys = ON;
		`); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}

	if cfg.autoMigrate {
		if err := s.Migrate(context.Background()); err != nil {
			db.Close()
			return nil, err
		}
	}

	return s, nil
}

// Migrate applies pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	migrations, err := migrate.Load(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := migrate.Up(ctx, s.db, migrations); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	version, err := migrate.Version(ctx, s.db)
	if err != nil {
		return err
	}
	s.logger.Debug("schema up to date", "version", version)
	return nil
}

// DB exposes the underlying handle for callers that need to share the
// database (e.g. health checks).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) now() time.Time {
	return s.clock()
}

// nullableUnixMilli converts an optional time to a nullable column value.
func nullableUnixMilli(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

// timeFromUnixMilli converts a stored millisecond timestamp back.
func timeFromUnixMilli(ms int64) time.Time {
	return time.UnixMilli(ms)
}
