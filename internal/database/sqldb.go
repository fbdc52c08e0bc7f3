package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// sqlDB carries the query plumbing shared by every backend. rebind, when
// set, rewrites ? placeholders into the backend's own form.
type sqlDB struct {
	db     *sql.DB
	rebind func(string) string
}

func (s *sqlDB) q(query string) string {
	if s.rebind == nil {
		return query
	}
	return s.rebind(query)
}

func (s *sqlDB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlDB) Close() error {
	return s.db.Close()
}

// Select executes query and scans all rows into dest (a pointer to a slice
// of structs or struct pointers).
func (s *sqlDB) Select(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return scanRows(rows, dest)
}

// Get executes query and scans the first row into dest.
func (s *sqlDB) Get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return scanOne(rows, dest)
}

func (s *sqlDB) Exec(ctx context.Context, query string, args ...interface{}) error {
	_, err := s.db.ExecContext(ctx, s.q(query), args...)
	return err
}

func (s *sqlDB) ExecAffected(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Update sets every tagged column of record on the rows matching where.
func (s *sqlDB) Update(ctx context.Context, table string, record interface{}, where string, args ...interface{}) error {
	query, vals := buildUpdate(table, record, where)
	if _, err := s.db.ExecContext(ctx, s.q(query), append(vals, args...)...); err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	return nil
}

// insert is the LastInsertId flavour of Insert used by SQLite and MySQL.
func (s *sqlDB) insert(ctx context.Context, table string, record interface{}) (int64, error) {
	query, vals := buildInsert(table, record)
	res, err := s.db.ExecContext(ctx, s.q(query), vals...)
	if err != nil {
		return 0, fmt.Errorf("insert into %s: %w", table, err)
	}
	return res.LastInsertId()
}

// migrate creates schema_migrations with the given DDL and then
// applies pending migrations.
func (s *sqlDB) migrate(ctx context.Context, driver, ddl string, adapt func(string) string) error {
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}
	return applyMigrations(ctx, s.db, driver, adapt, s.rebind)
}

func buildInsert(table string, record interface{}) (string, []interface{}) {
	cols, placeholders, vals := structToInsert(record)
	// Internal DB helper: table/column names come from trusted application code, values remain parameterized.
	// nosemgrep: go.lang.security.audit.database.string-formatted-query.string-formatted-query
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", ")), vals
}
