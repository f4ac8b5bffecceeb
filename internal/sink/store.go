// Package sink provides the storage adapters behind the pipeline's sink
// boundary: SQL-backed time-series, document, and columnar stores, a
// dead-letter file, and a fan-out manager with per-sink retry budgets.
package sink

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/warehouse-ops/conveyor/internal/domain"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Store is the shared database handle behind the SQL sinks. One connection
// pool serves all three adapters; each writes its own tables.
type Store struct {
	db     *sql.DB
	driver string
}

// OpenStore opens the configured database and applies the schema.
func OpenStore(cfg domain.SinkConfig) (*Store, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg.SQLitePath)
	case "postgres":
		db, err = openPostgres(cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unsupported sink driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open sink database: %w", err)
	}

	s := &Store{db: db, driver: cfg.Driver}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run sink migrations: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := s.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// DB exposes the shared pool for read-side queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the shared connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// openSQLite opens a SQLite database.
// Uses modernc.org/sqlite for a pure Go build (no CGO required).
func openSQLite(path string) (*sql.DB, error) {
	if path == "" {
		path = "./conveyor.db"
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}
	return db, nil
}

func openPostgres(dsn string) (*sql.DB, error) {
	if dsn == "" {
		dsn = "host=localhost port=5432 user=conveyor dbname=conveyor sslmode=disable"
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}
	return db, nil
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
