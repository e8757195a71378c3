package state

import (
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/entityevents/internal/event"
)

//go:embed schema.sql
var schemaSQL string

// currentSchemaVersion is recorded in PRAGMA user_version.
// 1 - entity_states and entity_events as in schema.sql
const currentSchemaVersion = 1

// Store is the durable pending-work store and asynchronous event queue,
// backed by a single SQLite file.
type Store struct {
	db  *sql.DB
	ids event.IDGenerator
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithIDGenerator sets the generator used for new record ids.
// Default: UUIDv7.
func WithIDGenerator(gen event.IDGenerator) Option {
	return func(s *Store) { s.ids = gen }
}

// WithNow sets the wall clock used for created_at / updated_at stamps and
// staleness checks. Ordering never depends on it; seq columns do.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (creating if needed) the database at path, applies the
// connection pragmas and brings the schema up to currentSchemaVersion.
// Reopening an existing file is safe.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}

	// One connection: SQLite has a single writer, and ":memory:" databases
	// exist per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, step := range []struct {
		what string
		run  func(*sql.DB) error
	}{
		{"connect", func(db *sql.DB) error { return db.Ping() }},
		{"apply pragmas", applyPragmas},
		{"apply schema", applySchema},
	} {
		if err := step.run(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", step.what, err)
		}
	}

	return New(db, opts...), nil
}

// New wraps an already prepared database. The schema must exist.
// Used by Open and by tests that drive the store through a mock driver.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:  db,
		ids: event.UUIDv7Generator{},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the connection for components sharing the file, such as the
// identity repository and scenario assertions.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) stamp() int64 {
	return s.now().UTC().UnixNano()
}

// pragmas: WAL for readers during writes, NORMAL sync, a 5s busy timeout
// and enforced foreign keys.
var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
}

func applyPragmas(db *sql.DB) error {
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return checkSchemaVersion(db)
}

// checkSchemaVersion stamps a fresh database with currentSchemaVersion
// and refuses files written by a newer schema.
func checkSchemaVersion(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	switch {
	case version == 0:
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	case version > currentSchemaVersion:
		return fmt.Errorf("schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}
	return nil
}
