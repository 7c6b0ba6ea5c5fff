// Package database owns the connection to the MySQL database the questions
// are answered from: it builds the DSN, introspects the schema into a textual
// table-info block for the model prompt, and executes generated SQL.
package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/askdb/askdb/internal/config"
)

// ErrConnect wraps every failure to reach or introspect the database, so
// callers can distinguish "database unavailable" from a failing query.
var ErrConnect = errors.New("database unavailable")

// ExecError reports a single SQL statement that the database rejected. The
// driver error is preserved unchanged for the caller.
type ExecError struct {
	Query string
	Err   error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("execute %q: %v", e.Query, e.Err)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

type Config struct {
	User            string
	Password        string
	Host            string
	Name            string
	SampleRows      int
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

// ConfigFromCredentials maps a resolved credential set plus the ambient pool
// settings onto a handle config.
func ConfigFromCredentials(creds config.Credentials, cfg config.Config) Config {
	return Config{
		User:            creds.DBUser,
		Password:        creds.DBPassword,
		Host:            creds.DBHost,
		Name:            creds.DBName,
		SampleRows:      cfg.Chain.SampleRows,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}
}

// Handle is an open database connection plus the schema description captured
// at construction time. The description is only refreshed by building a new
// handle.
type Handle struct {
	db        *sqlx.DB
	name      string
	tables    []string
	tableInfo string
}

// Result holds the rows returned by a single statement.
type Result struct {
	Columns []string
	Rows    [][]any
}

func (r Result) Empty() bool {
	return len(r.Rows) == 0
}

// Open connects to MySQL and eagerly introspects the schema. Any failure on
// this path wraps ErrConnect.
func Open(ctx context.Context, cfg Config) (*Handle, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: database name is required", ErrConnect)
	}

	db, err := sqlx.Open("mysql", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrConnect, err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping: %v", ErrConnect, err)
	}

	handle, err := New(ctx, db, cfg.Name, cfg.SampleRows)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return handle, nil
}

// New introspects the schema over an already-open connection. Split out from
// Open so tests can supply a sqlmock-backed db.
func New(ctx context.Context, db *sqlx.DB, name string, sampleRows int) (*Handle, error) {
	tables, err := listTables(ctx, db, name)
	if err != nil {
		return nil, fmt.Errorf("%w: list tables: %v", ErrConnect, err)
	}

	var info strings.Builder
	for i, table := range tables {
		if i > 0 {
			info.WriteString("\n\n")
		}
		if err := describeTable(ctx, db, name, table, sampleRows, &info); err != nil {
			return nil, fmt.Errorf("%w: describe table %s: %v", ErrConnect, table, err)
		}
	}

	return &Handle{
		db:        db,
		name:      name,
		tables:    tables,
		tableInfo: info.String(),
	}, nil
}

func (h *Handle) Close() error {
	return h.db.Close()
}

func (h *Handle) Ping(ctx context.Context) error {
	if err := h.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrConnect, err)
	}
	return nil
}

// TableNames returns the usable table names captured at construction.
func (h *Handle) TableNames() []string {
	return h.tables
}

// TableInfo returns the textual schema description injected into the model
// prompt: one CREATE-style block per table plus sample rows.
func (h *Handle) TableInfo() string {
	return h.tableInfo
}

// Run executes one SQL statement and returns its rows. Driver errors are
// wrapped in *ExecError and otherwise propagated unchanged.
func (h *Handle) Run(ctx context.Context, query string) (Result, error) {
	rows, err := h.db.QueryxContext(ctx, query)
	if err != nil {
		return Result{}, &ExecError{Query: query, Err: err}
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return Result{}, &ExecError{Query: query, Err: err}
	}

	result := Result{Columns: columns}
	for rows.Next() {
		values, err := rows.SliceScan()
		if err != nil {
			return Result{}, &ExecError{Query: query, Err: err}
		}
		for i, value := range values {
			values[i] = normalizeValue(value)
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return Result{}, &ExecError{Query: query, Err: err}
	}
	return result, nil
}

func dsn(cfg Config) string {
	host := cfg.Host
	if !strings.Contains(host, ":") {
		host += ":3306"
	}
	return fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true", cfg.User, cfg.Password, host, cfg.Name)
}

func listTables(ctx context.Context, db *sqlx.DB, name string) ([]string, error) {
	const query = `
SELECT table_name
FROM information_schema.tables
WHERE table_schema = ? AND table_type = 'BASE TABLE'
ORDER BY table_name`

	var tables []string
	if err := db.SelectContext(ctx, &tables, query, name); err != nil {
		return nil, err
	}
	return tables, nil
}

type columnDef struct {
	Name string `db:"column_name"`
	Type string `db:"column_type"`
}

func describeTable(ctx context.Context, db *sqlx.DB, name, table string, sampleRows int, info *strings.Builder) error {
	const query = `
SELECT column_name, column_type
FROM information_schema.columns
WHERE table_schema = ? AND table_name = ?
ORDER BY ordinal_position`

	var columns []columnDef
	if err := db.SelectContext(ctx, &columns, query, name, table); err != nil {
		return err
	}

	info.WriteString(fmt.Sprintf("CREATE TABLE %s (\n", table))
	for i, column := range columns {
		if i > 0 {
			info.WriteString(",\n")
		}
		info.WriteString(fmt.Sprintf("\t%s %s", column.Name, column.Type))
	}
	info.WriteString("\n)")

	if sampleRows <= 0 {
		return nil
	}
	return appendSampleRows(ctx, db, table, sampleRows, info)
}

func appendSampleRows(ctx context.Context, db *sqlx.DB, table string, limit int, info *strings.Builder) error {
	rows, err := db.QueryxContext(ctx, fmt.Sprintf("SELECT * FROM `%s` LIMIT %d", table, limit))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return err
	}

	info.WriteString(fmt.Sprintf("\n\n/*\n%d rows from %s table:\n", limit, table))
	info.WriteString(strings.Join(columns, "\t"))
	info.WriteString("\n")

	for rows.Next() {
		values, err := rows.SliceScan()
		if err != nil {
			return err
		}
		fields := make([]string, len(values))
		for i, value := range values {
			fields[i] = fmt.Sprintf("%v", normalizeValue(value))
		}
		info.WriteString(strings.Join(fields, "\t"))
		info.WriteString("\n")
	}
	if err := rows.Err(); err != nil {
		return err
	}
	info.WriteString("*/")
	return nil
}

// The MySQL driver hands back text columns as []byte; render them as strings
// so prompts and JSON responses stay readable.
func normalizeValue(value any) any {
	if raw, ok := value.([]byte); ok {
		return string(raw)
	}
	return value
}
