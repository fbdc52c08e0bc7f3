package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/CosmoTheDev/scanorch/internal/config"
)

// MySQLDB implements DB on a shared MySQL server via go-sql-driver/mysql,
// for installations that run several scanorch instances against one job
// queue.
type MySQLDB struct {
	sqlDB
}

// NewMySQL opens a MySQL connection using cfg.DSN. Time columns are parsed
// into time.Time in UTC regardless of the DSN, and ExecAffected counts
// matched rows like the other backends do.
func NewMySQL(cfg config.DatabaseConfig) (*MySQLDB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("mysql DSN is required when driver is mysql")
	}
	mc, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing mysql DSN: %w", err)
	}
	mc.ParseTime = true
	mc.ClientFoundRows = true
	if mc.Params == nil {
		mc.Params = map[string]string{}
	}
	if _, ok := mc.Params["time_zone"]; !ok {
		mc.Params["time_zone"] = "'+00:00'"
	}

	db, err := sql.Open("mysql", mc.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("opening mysql connection: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	m := &MySQLDB{sqlDB: sqlDB{db: db}}
	if err := m.Ping(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging mysql %s: %w", mc.Addr, err)
	}
	return m, nil
}

func (m *MySQLDB) Driver() string { return "mysql" }

// Migrate applies pending migrations translated to MySQL syntax.
func (m *MySQLDB) Migrate(ctx context.Context) error {
	return m.migrate(ctx, m.Driver(), `CREATE TABLE IF NOT EXISTS schema_migrations (
		id         INT          NOT NULL AUTO_INCREMENT PRIMARY KEY,
		filename   VARCHAR(255) NOT NULL UNIQUE,
		applied_at VARCHAR(64)  NOT NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`, mysqlAdapt)
}

func (m *MySQLDB) Insert(ctx context.Context, table string, record interface{}) (int64, error) {
	return m.insert(ctx, table, record)
}

// Upsert uses INSERT ... ON DUPLICATE KEY UPDATE. conflictCols must be
// covered by a primary or unique key of table.
func (m *MySQLDB) Upsert(ctx context.Context, table string, record interface{}, conflictCols []string) error {
	cols, placeholders, vals := structToInsert(record)
	updatePairs := make([]string, 0, len(cols))
	for _, c := range cols {
		if !contains(conflictCols, c) {
			updatePairs = append(updatePairs, fmt.Sprintf("%s = VALUES(%s)", c, c))
		}
	}

	// Internal DB helper: SQL identifiers are constructed from trusted struct tags/inputs; values are parameterized.
	// nosemgrep: go.lang.security.audit.database.string-formatted-query.string-formatted-query
	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		table,
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(updatePairs, ", "),
	)
	if _, err := m.db.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("upsert into %s: %w", table, err)
	}
	return nil
}

// mysqlAdapt converts the portable migration dialect to MySQL.
func mysqlAdapt(sql string) string {
	sql = strings.ReplaceAll(sql, "AUTOINCREMENT", "AUTO_INCREMENT")
	sql = strings.ReplaceAll(sql, "INTEGER PRIMARY KEY AUTO_INCREMENT",
		"INT NOT NULL AUTO_INCREMENT PRIMARY KEY")
	sql = strings.ReplaceAll(sql, " REAL ", " DOUBLE ")
	return sql
}
