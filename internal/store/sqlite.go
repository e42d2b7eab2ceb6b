// ABOUTME: SQL implementation of the Store interface over database/sql
// ABOUTME: Opens SQLite via modernc.org/sqlite or mattn/go-sqlite3 with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"  // modernc.org/sqlite, pure Go
	DriverSQLite3  = "sqlite3" // github.com/mattn/go-sqlite3, cgo
	DriverPostgres = "pgx"     // github.com/jackc/pgx/v5/stdlib
)

// timeFormat is fixed-width so TEXT columns sort chronologically.
const timeFormat = "2006-01-02T15:04:05.000000Z"

// SQLStore implements Store on top of database/sql.
type SQLStore struct {
	db       *sql.DB
	postgres bool
	logger   *slog.Logger
}

// Options selects the database backend.
type Options struct {
	Driver string // one of the Driver constants, defaults to DriverSQLite
	Path   string // SQLite file path or ":memory:"
	DSN    string // Postgres connection string
}

// Open connects to the configured backend and ensures the schema exists.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	switch opts.Driver {
	case "", DriverSQLite, DriverSQLite3:
		driver := opts.Driver
		if driver == "" {
			driver = DriverSQLite
		}
		return openSQLite(ctx, driver, opts.Path, logger)
	case DriverPostgres:
		return openPostgres(ctx, opts.DSN, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLStore, error) {
	return openSQLite(context.Background(), DriverSQLite, path, slog.Default().With("component", "store"))
}

func openSQLite(ctx context.Context, driver, path string, logger *slog.Logger) (*SQLStore, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}

	if path != ":memory:" {
		// Ensure parent directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

const schema = `
	CREATE TABLE IF NOT EXISTS channel_instances (
		id                   TEXT PRIMARY KEY,
		organization_id      TEXT NOT NULL,
		channel_type         TEXT NOT NULL,
		external_name        TEXT NOT NULL,
		status               TEXT NOT NULL,
		qr_code              TEXT,
		qr_issued_at         TEXT,
		qr_expires_at        TEXT,
		last_error           TEXT,
		last_gateway_seen_at TEXT,
		config_json          TEXT NOT NULL,
		version              INTEGER NOT NULL DEFAULT 0,
		created_at           TEXT NOT NULL,
		updated_at           TEXT NOT NULL,

		UNIQUE (channel_type, external_name),
		CHECK (status IN ('disconnected', 'initializing', 'qr_pending', 'connecting', 'connected', 'error', 'deleted'))
	);

	CREATE INDEX IF NOT EXISTS idx_instances_org ON channel_instances(organization_id);
	CREATE INDEX IF NOT EXISTS idx_instances_status ON channel_instances(status);

	CREATE TABLE IF NOT EXISTS audit_log (
		audit_id    TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL,
		action      TEXT NOT NULL,
		actor_type  TEXT NOT NULL,
		ts          TEXT NOT NULL,
		detail_json TEXT,

		CHECK (actor_type IN ('user', 'system', 'webhook'))
	);

	CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_instance ON audit_log(instance_id, ts);
`

// createSchema creates the database tables if they don't exist.
// Statements run one at a time since not every driver accepts batches.
func (s *SQLStore) createSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Ping checks the database connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	s.logger.Info("closing store")
	return s.db.Close()
}

// rebind rewrites ? placeholders into $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// isConstraintViolation checks if the error is a UNIQUE constraint violation
// on either backend.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString returns nil for empty strings so they're stored as NULL
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		// rows written by hand or by older builds
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
