package database

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"strings"

	"github.com/CosmoTheDev/scanorch/internal/config"
	_ "github.com/lib/pq"
)

// PostgresDB implements DB using PostgreSQL via lib/pq.
// Queries use ? placeholders like the other backends and are rebound to $n.
type PostgresDB struct {
	sqlDB
}

// NewPostgres opens a PostgreSQL connection using cfg.DSN.
func NewPostgres(cfg config.DatabaseConfig) (*PostgresDB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required when driver is postgres")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	p := &PostgresDB{sqlDB: sqlDB{db: db, rebind: rebindDollar}}
	if err := p.Ping(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return p, nil
}

func (p *PostgresDB) Driver() string { return "postgres" }

// Migrate applies pending SQL migrations translated to PostgreSQL types.
func (p *PostgresDB) Migrate(ctx context.Context) error {
	return p.migrate(ctx, p.Driver(), `CREATE TABLE IF NOT EXISTS schema_migrations (
		id         SERIAL       PRIMARY KEY,
		filename   VARCHAR(255) NOT NULL UNIQUE,
		applied_at VARCHAR(64)  NOT NULL
	)`, postgresAdapt)
}

// Insert inserts record into table using `db:` tags. lib/pq does not support
// LastInsertId, so records with an id column use RETURNING id.
func (p *PostgresDB) Insert(ctx context.Context, table string, record interface{}) (int64, error) {
	query, vals := buildInsert(table, record)
	if !hasIDColumn(record) {
		if _, err := p.db.ExecContext(ctx, rebindDollar(query), vals...); err != nil {
			return 0, fmt.Errorf("insert into %s: %w", table, err)
		}
		return 0, nil
	}
	var id int64
	if err := p.db.QueryRowContext(ctx, rebindDollar(query+" RETURNING id"), vals...).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert into %s: %w", table, err)
	}
	return id, nil
}

// Upsert uses INSERT ... ON CONFLICT ... DO UPDATE.
func (p *PostgresDB) Upsert(ctx context.Context, table string, record interface{}, conflictCols []string) error {
	query, vals := buildConflictUpsert(table, record, conflictCols)
	if _, err := p.db.ExecContext(ctx, rebindDollar(query), vals...); err != nil {
		return fmt.Errorf("upsert into %s: %w", table, err)
	}
	return nil
}

func hasIDColumn(record interface{}) bool {
	t := reflect.TypeOf(record)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).Tag.Get("db") == "id" {
			return true
		}
	}
	return false
}

// postgresAdapt converts the portable migration dialect to PostgreSQL.
func postgresAdapt(sql string) string {
	sql = strings.ReplaceAll(sql, "INTEGER PRIMARY KEY AUTOINCREMENT", "SERIAL PRIMARY KEY")
	sql = strings.ReplaceAll(sql, "LONGTEXT", "TEXT")
	sql = strings.ReplaceAll(sql, "DATETIME", "TIMESTAMP")
	return sql
}
