package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// applyMigrations runs every embedded migration not yet recorded in
// schema_migrations. adapt translates the portable dialect for the backend
// and rebind rewrites ? placeholders; either may be nil.
func applyMigrations(ctx context.Context, db *sql.DB, driver string, adapt, rebind func(string) string) error {
	if adapt == nil {
		adapt = func(s string) string { return s }
	}
	if rebind == nil {
		rebind = func(s string) string { return s }
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		var count int
		row := db.QueryRowContext(ctx, rebind(`SELECT COUNT(*) FROM schema_migrations WHERE filename = ?`), name)
		if err := row.Scan(&count); err != nil {
			return fmt.Errorf("checking migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}

		for _, stmt := range strings.Split(adapt(string(data)), ";") {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" {
				continue
			}
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("applying migration %s statement: %w\nSQL: %s", name, err, stmt)
			}
		}

		_, err = db.ExecContext(ctx,
			rebind(`INSERT INTO schema_migrations (filename, applied_at) VALUES (?, ?)`),
			name, time.Now().UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
		slog.Info("Applied migration", "file", name, "driver", driver)
	}
	return nil
}

// structToInsert extracts column names, placeholders, and values from a struct.
// Zero-value id fields are skipped.
func structToInsert(record interface{}) (cols, placeholders []string, vals []interface{}) {
	v := reflect.ValueOf(record)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("db")
		if tag == "" || tag == "-" {
			continue
		}
		// Skip zero-value "id" to let the DB auto-assign.
		if tag == "id" && v.Field(i).IsZero() {
			continue
		}
		cols = append(cols, tag)
		placeholders = append(placeholders, "?")
		vals = append(vals, v.Field(i).Interface())
	}
	return
}

// structToUpdate extracts column/value pairs (excluding id).
func structToUpdate(record interface{}) (cols []string, vals []interface{}) {
	v := reflect.ValueOf(record)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("db")
		if tag == "" || tag == "-" || tag == "id" {
			continue
		}
		cols = append(cols, tag)
		vals = append(vals, v.Field(i).Interface())
	}
	return
}

func buildUpdate(table string, record interface{}, where string) (string, []interface{}) {
	cols, vals := structToUpdate(record)
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = c + " = ?"
	}
	// Internal DB helper: callers provide trusted SQL fragments for table/where; data values are bound separately.
	// nosemgrep: go.lang.security.audit.database.string-formatted-query.string-formatted-query
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s", table, strings.Join(sets, ", "), where), vals
}

// buildConflictUpsert renders INSERT ... ON CONFLICT(...) DO UPDATE, shared by
// SQLite and PostgreSQL.
func buildConflictUpsert(table string, record interface{}, conflictCols []string) (string, []interface{}) {
	cols, placeholders, vals := structToInsert(record)
	updateCols := make([]string, 0, len(cols))
	for _, c := range cols {
		if !contains(conflictCols, c) {
			updateCols = append(updateCols, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}

	// Internal DB helper: SQL identifiers are constructed from trusted struct tags/inputs; values are parameterized.
	// nosemgrep: go.lang.security.audit.database.string-formatted-query.string-formatted-query
	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
		table,
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(conflictCols, ", "),
		strings.Join(updateCols, ", "),
	)
	return query, vals
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// scanRows scans sql.Rows into a slice of structs using `db:` tags.
func scanRows(rows *sql.Rows, dest interface{}) error {
	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Ptr || dv.Elem().Kind() != reflect.Slice {
		return fmt.Errorf("Select: dest must be a pointer to a slice")
	}
	sliceVal := dv.Elem()
	elemType := sliceVal.Type().Elem()
	isPtr := elemType.Kind() == reflect.Ptr
	if isPtr {
		elemType = elemType.Elem()
	}

	for rows.Next() {
		elem := reflect.New(elemType).Elem()
		if err := rows.Scan(fieldPointers(elem, cols)...); err != nil {
			return err
		}
		if isPtr {
			sliceVal.Set(reflect.Append(sliceVal, elem.Addr()))
		} else {
			sliceVal.Set(reflect.Append(sliceVal, elem))
		}
	}
	return rows.Err()
}

// scanOne scans the first row into dest. A struct dest is matched by `db:`
// tags; any other dest (e.g. *int) receives the first column.
func scanOne(rows *sql.Rows, dest interface{}) error {
	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Ptr {
		return fmt.Errorf("Get: dest must be a pointer")
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return err
		}
		return sql.ErrNoRows
	}
	elem := dv.Elem()
	_, isScanner := dest.(sql.Scanner)
	if isScanner || elem.Kind() != reflect.Struct || elem.Type() == reflect.TypeOf(time.Time{}) {
		return rows.Scan(dest)
	}
	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	return rows.Scan(fieldPointers(elem, cols)...)
}

// fieldPointers maps column names to struct field pointers via `db:` tags.
func fieldPointers(elem reflect.Value, cols []string) []interface{} {
	tagMap := map[string]interface{}{}
	t := elem.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("db")
		if tag != "" && tag != "-" {
			tagMap[tag] = elem.Field(i).Addr().Interface()
		}
	}
	ptrs := make([]interface{}, len(cols))
	for i, c := range cols {
		if p, ok := tagMap[c]; ok {
			ptrs[i] = p
		} else {
			var discard interface{}
			ptrs[i] = &discard
		}
	}
	return ptrs
}

// rebindDollar rewrites ? placeholders to $1, $2, ... for PostgreSQL.
// Question marks inside single-quoted literals are left alone.
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for _, r := range query {
		switch {
		case r == '\'':
			inQuote = !inQuote
			b.WriteRune(r)
		case r == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
