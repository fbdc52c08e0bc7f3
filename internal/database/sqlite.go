package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/CosmoTheDev/scanorch/internal/config"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteDB implements DB on a local file via mattn/go-sqlite3. It is the
// default backend for a single scanorch instance.
type SQLiteDB struct {
	sqlDB
	path string
}

// NewSQLite opens (or creates) the SQLite database at cfg.Path.
func NewSQLite(cfg config.DatabaseConfig) (*SQLiteDB, error) {
	path := cfg.Path
	if path == "" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, config.DefaultDBFile)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// Workers and the API share one file; WAL plus a busy timeout keeps
	// heartbeats from failing while a result is being written.
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer
	db.SetMaxIdleConns(1)

	s := &SQLiteDB{sqlDB: sqlDB{db: db}, path: path}
	if err := s.Ping(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite %s: %w", path, err)
	}
	return s, nil
}

func (s *SQLiteDB) Driver() string { return "sqlite" }

// Migrate applies the embedded migrations not yet recorded in
// schema_migrations.
func (s *SQLiteDB) Migrate(ctx context.Context) error {
	return s.migrate(ctx, s.Driver(), `CREATE TABLE IF NOT EXISTS schema_migrations (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		filename    TEXT    NOT NULL UNIQUE,
		applied_at  TEXT    NOT NULL
	)`, nil)
}

// Insert inserts record using its `db:` tags and returns the rowid.
func (s *SQLiteDB) Insert(ctx context.Context, table string, record interface{}) (int64, error) {
	return s.insert(ctx, table, record)
}

// Upsert inserts record or, on a conflictCols collision, overwrites the
// other columns.
func (s *SQLiteDB) Upsert(ctx context.Context, table string, record interface{}, conflictCols []string) error {
	query, vals := buildConflictUpsert(table, record, conflictCols)
	if _, err := s.db.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("upsert into %s: %w", table, err)
	}
	return nil
}
