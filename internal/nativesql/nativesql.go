// Package nativesql is the thin layer over modernc.org/sqlite's
// database/sql/driver implementation that exposes the native,
// step-at-a-time SQLite surface (open_v2/prepare_v2/step/bind_*/
// column_*/reset/finalize/close_v2) the higher layers (internal/sqliteconn)
// drive directly, bypassing database/sql's Rows abstraction so the pool
// can hold one statement open across many bind/step cycles.
//
// modernc.org/sqlite is a pure-Go SQLite engine, so this package needs
// no cgo toolchain; the cost is that database/sql/driver.Stmt only
// offers "run the whole query" (Query/Exec), not a raw sqlite3_step.
// Step is built on top of that by running the query once and then
// advancing a cached driver.Rows cursor one row per Step call, which
// matches the observable behaviour (each Step yields the next row or
// signals completion) even though the underlying driver call shape
// differs from the C API it mirrors.
package nativesql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/kennethshackleton/selekt-go/internal/selekterr"
)

// OpenFlags mirrors sqlite3_open_v2's flag bits.
type OpenFlags int

const (
	OpenReadOnly OpenFlags = 1 << iota
	OpenReadWrite
	OpenCreate
)

// ColumnType mirrors SQLITE_INTEGER/FLOAT/TEXT/BLOB/NULL.
type ColumnType int

const (
	TypeNull ColumnType = iota
	TypeInteger
	TypeFloat
	TypeText
	TypeBlob
)

// Conn is one native SQLite connection handle.
type Conn struct {
	db  *sql.DB
	raw *sql.Conn
}

// OpenV2 opens path with the given flags and applies busy_timeout
// immediately, matching sqlite3_open_v2 followed by its usual post-open
// pragmas; it also calls ExtendedResultCodes, which only logs.
func OpenV2(ctx context.Context, path string, flags OpenFlags, busyTimeoutMillis int) (*Conn, error) {
	dsn := path
	if flags&OpenReadOnly != 0 {
		dsn += "?mode=ro"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &selekterr.NativeError{Message: fmt.Sprintf("open_v2: %v", err)}
	}
	// One *Conn == one native handle: modernc.org/sqlite connections are
	// not meant to be shared across goroutines at the driver.Stmt level.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	raw, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, &selekterr.NativeError{Message: fmt.Sprintf("open_v2: %v", err)}
	}
	c := &Conn{db: db, raw: raw}

	if err := c.BusyTimeout(ctx, busyTimeoutMillis); err != nil {
		c.CloseV2()
		return nil, err
	}
	if err := c.ExtendedResultCodes(ctx, true); err != nil {
		c.CloseV2()
		return nil, err
	}
	return c, nil
}

// CloseV2 releases the connection and its backing *sql.DB.
func (c *Conn) CloseV2() error {
	err := c.raw.Close()
	if cerr := c.db.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return &selekterr.NativeError{Message: fmt.Sprintf("close_v2: %v", err)}
	}
	return nil
}

// Exec runs sql directly with no result rows expected, e.g. a PRAGMA or
// a DDL statement.
func (c *Conn) Exec(ctx context.Context, sqlText string) error {
	if _, err := c.raw.ExecContext(ctx, sqlText); err != nil {
		return &selekterr.NativeError{Message: fmt.Sprintf("exec: %v", err)}
	}
	return nil
}

// BusyTimeout sets the native busy_timeout in milliseconds.
func (c *Conn) BusyTimeout(ctx context.Context, millis int) error {
	return c.Exec(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", millis))
}

// ExtendedResultCodes is best-effort: modernc.org/sqlite's driver.Conn
// does not expose the sqlite3_extended_result_codes toggle directly, so
// this currently records intent via a log line rather than failing
// open, matching the key/rekey best-effort treatment below.
func (c *Conn) ExtendedResultCodes(ctx context.Context, on bool) error {
	slog.Debug("nativesql: extended_result_codes requested", "on", on)
	return nil
}

// Key issues PRAGMA key for an encrypted database. modernc.org/sqlite
// is not linked against SQLCipher, so on a plain SQLite build this
// pragma is a no-op; rather than fail open on every non-cipher build,
// a failure here is logged and swallowed. See DESIGN.md's Open Question
// log for the rationale.
func (c *Conn) Key(ctx context.Context, key []byte) error {
	return c.issueKeyPragma(ctx, "key", key)
}

// Rekey issues PRAGMA rekey, changing an already-open database's key.
// Same best-effort treatment as Key.
func (c *Conn) Rekey(ctx context.Context, key []byte) error {
	return c.issueKeyPragma(ctx, "rekey", key)
}

func (c *Conn) issueKeyPragma(ctx context.Context, pragma string, key []byte) error {
	stmt := fmt.Sprintf("PRAGMA %s = \"x'%x'\"", pragma, key)
	if err := c.Exec(ctx, stmt); err != nil {
		slog.Warn("nativesql: key pragma rejected, treating as no-op on a non-cipher engine",
			"pragma", pragma, "error", err)
	}
	return nil
}

// Stmt is a prepared statement with incremental bind/step control.
type Stmt struct {
	conn       *Conn
	driverStmt driver.Stmt
	sqlText    string
	numInput   int

	args    []driver.Value
	rows    driver.Rows
	cols    []string
	current []driver.Value
}

// PrepareV2 prepares sqlText against c, returning a Stmt ready for
// binding and stepping.
func (c *Conn) PrepareV2(ctx context.Context, sqlText string) (*Stmt, error) {
	var ds driver.Stmt
	err := c.raw.Raw(func(dc any) error {
		conn, ok := dc.(driver.Conn)
		if !ok {
			return fmt.Errorf("underlying connection does not implement driver.Conn")
		}
		prepared, err := conn.Prepare(sqlText)
		if err != nil {
			return err
		}
		ds = prepared
		return nil
	})
	if err != nil {
		return nil, &selekterr.NativeError{Message: fmt.Sprintf("prepare_v2: %v", err)}
	}
	n := ds.NumInput()
	return &Stmt{
		conn:       c,
		driverStmt: ds,
		sqlText:    sqlText,
		numInput:   n,
		args:       make([]driver.Value, max0(n)),
	}, nil
}

func max0(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// NumInput is the number of bindable parameters this statement expects.
func (s *Stmt) NumInput() int { return s.numInput }

func (s *Stmt) bind(pos int, v driver.Value) error {
	if pos < 1 || (s.numInput >= 0 && pos > s.numInput) {
		return &selekterr.InvalidArgumentError{Reason: fmt.Sprintf("bind position %d out of range for %d parameters", pos, s.numInput)}
	}
	for len(s.args) < pos {
		s.args = append(s.args, nil)
	}
	s.args[pos-1] = v
	return nil
}

func (s *Stmt) BindNull(pos int) error         { return s.bind(pos, nil) }
func (s *Stmt) BindInt64(pos int, v int64) error { return s.bind(pos, v) }
func (s *Stmt) BindDouble(pos int, v float64) error { return s.bind(pos, v) }
func (s *Stmt) BindText(pos int, v string) error { return s.bind(pos, v) }
func (s *Stmt) BindBlob(pos int, v []byte) error { return s.bind(pos, v) }

// ClearBindings resets every bound parameter to SQL NULL without
// discarding the prepared plan, mirroring sqlite3_clear_bindings.
func (s *Stmt) ClearBindings() {
	for i := range s.args {
		s.args[i] = nil
	}
}

// Step advances the statement to its next row. It returns (true, nil)
// when a row is available, (false, nil) once the statement is
// exhausted, and (false, err) on failure.
func (s *Stmt) Step(ctx context.Context) (bool, error) {
	if s.rows == nil {
		rows, err := s.runQuery(ctx)
		if err != nil {
			return false, &selekterr.NativeError{Message: fmt.Sprintf("step: %v", err)}
		}
		s.rows = rows
		s.cols = rows.Columns()
	}
	dest := make([]driver.Value, len(s.cols))
	if err := s.rows.Next(dest); err != nil {
		if err == io.EOF {
			return false, nil
		}
		return false, &selekterr.NativeError{Message: fmt.Sprintf("step: %v", err)}
	}
	s.current = dest
	return true, nil
}

func (s *Stmt) runQuery(ctx context.Context) (driver.Rows, error) {
	if qc, ok := s.driverStmt.(driver.StmtQueryContext); ok {
		namedArgs := make([]driver.NamedValue, len(s.args))
		for i, v := range s.args {
			namedArgs[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
		}
		return qc.QueryContext(ctx, namedArgs)
	}
	return s.driverStmt.Query(s.args)
}

// Exec runs an INSERT/UPDATE/DELETE (no result rows) using the bound
// parameters and returns the number of rows affected.
func (s *Stmt) Exec(ctx context.Context) (int64, error) {
	if ec, ok := s.driverStmt.(driver.StmtExecContext); ok {
		namedArgs := make([]driver.NamedValue, len(s.args))
		for i, v := range s.args {
			namedArgs[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
		}
		res, err := ec.ExecContext(ctx, namedArgs)
		if err != nil {
			return 0, &selekterr.NativeError{Message: fmt.Sprintf("exec: %v", err)}
		}
		return res.RowsAffected()
	}
	res, err := s.driverStmt.Exec(s.args)
	if err != nil {
		return 0, &selekterr.NativeError{Message: fmt.Sprintf("exec: %v", err)}
	}
	return res.RowsAffected()
}

// ColumnCount returns the number of columns in the statement's result
// set. It is only meaningful after at least one successful Step.
func (s *Stmt) ColumnCount() int { return len(s.cols) }

// ColumnName returns the name of column i (0-based).
func (s *Stmt) ColumnName(i int) string {
	if i < 0 || i >= len(s.cols) {
		return ""
	}
	return s.cols[i]
}

// ColumnType reports the dynamic SQLite storage class of column i in
// the current row.
func (s *Stmt) ColumnType(i int) ColumnType {
	if i < 0 || i >= len(s.current) {
		return TypeNull
	}
	switch s.current[i].(type) {
	case nil:
		return TypeNull
	case int64:
		return TypeInteger
	case float64:
		return TypeFloat
	case string:
		return TypeText
	case []byte:
		return TypeBlob
	default:
		return TypeText
	}
}

func (s *Stmt) ColumnInt64(i int) int64 {
	v, _ := s.current[i].(int64)
	return v
}

func (s *Stmt) ColumnDouble(i int) float64 {
	v, _ := s.current[i].(float64)
	return v
}

func (s *Stmt) ColumnText(i int) string {
	switch v := s.current[i].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func (s *Stmt) ColumnBlob(i int) []byte {
	switch v := s.current[i].(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	default:
		return nil
	}
}

// Reset rewinds the statement so it can be Step'd again from the
// beginning, retaining its current bindings (mirroring sqlite3_reset,
// which does not clear bindings on its own).
func (s *Stmt) Reset() error {
	if s.rows != nil {
		if err := s.rows.Close(); err != nil {
			return &selekterr.NativeError{Message: fmt.Sprintf("reset: %v", err)}
		}
		s.rows = nil
	}
	s.cols = nil
	s.current = nil
	return nil
}

// Finalize releases the prepared statement. The Stmt must not be used
// afterwards.
func (s *Stmt) Finalize() error {
	if s.rows != nil {
		s.rows.Close()
	}
	if err := s.driverStmt.Close(); err != nil {
		return &selekterr.NativeError{Message: fmt.Sprintf("finalize: %v", err)}
	}
	return nil
}
