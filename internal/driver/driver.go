// Package driver implements a database/sql driver for MiniDB, so existing
// Go code can reach the engine through the standard database/sql API
// instead of internal/sqlfront directly.
//
// Grounded on tinySQL's internal/driver package: the DSN-as-path-to-open
// shape, the registered driver name, Conn/Stmt/Rows wiring, and the
// bindPlaceholders/sqlLiteral placeholder-substitution logic survive
// unchanged in idea and mostly in code. Dropped: the mem:// DSN scheme and
// reader/writer semaphore pools (MiniDB's storage layer is always
// file-backed and already serializes writers through its own transaction
// manager) and GOB-based snapshot autosave (superseded by the WAL).
package driver

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/SimonWaldherr/minidb/internal/sqlfront"
	"github.com/SimonWaldherr/minidb/internal/storage/db"
	"github.com/SimonWaldherr/minidb/internal/storage/tuple"
)

func init() {
	sql.Register("minidb", &drv{})
}

// Open returns a *sql.DB backed by the MiniDB data directory at path.
// Equivalent to sql.Open("minidb", path).
func Open(path string) (*sql.DB, error) {
	return sql.Open("minidb", path)
}

// registry keeps one *db.DB per data directory alive across however many
// database/sql connections point at it, the way a connection pool is
// expected to share one underlying resource rather than reopen files per
// Conn — opening the same heap/index files twice would double the WAL
// replay and the checkpoint ticker.
var registry = struct {
	mu    sync.Mutex
	dbs   map[string]*db.DB
	count map[string]int
}{dbs: make(map[string]*db.DB), count: make(map[string]int)}

func acquireDB(path string) (*db.DB, error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if d, ok := registry.dbs[path]; ok {
		registry.count[path]++
		return d, nil
	}
	d, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	registry.dbs[path] = d
	registry.count[path] = 1
	return d, nil
}

func releaseDB(path string) error {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.count[path]--
	if registry.count[path] > 0 {
		return nil
	}
	d := registry.dbs[path]
	delete(registry.dbs, path)
	delete(registry.count, path)
	if d == nil {
		return nil
	}
	return d.Close()
}

// drv implements database/sql/driver.Driver. name is the data directory, an
// optional "file:" prefix is accepted and stripped for callers used to that
// scheme from other drivers.
type drv struct{}

func (drv) Open(name string) (driver.Conn, error) {
	path := strings.TrimPrefix(name, "file:")
	path = filepath.Clean(path)
	d, err := acquireDB(path)
	if err != nil {
		return nil, err
	}
	return &conn{path: path, d: d, sess: sqlfront.NewSession(d)}, nil
}

type conn struct {
	path string
	d    *db.DB
	sess *sqlfront.Session
}

func (c *conn) Prepare(query string) (driver.Stmt, error) { return &stmt{c: c, sql: query}, nil }

func (c *conn) Close() error { return releaseDB(c.path) }

func (c *conn) Begin() (driver.Tx, error) { return c.BeginTx(context.Background(), driver.TxOptions{}) }

func (c *conn) BeginTx(ctx context.Context, _ driver.TxOptions) (driver.Tx, error) {
	if _, err := c.sess.Exec(ctx, "BEGIN"); err != nil {
		return nil, err
	}
	return &tx{c: c}, nil
}

type tx struct{ c *conn }

func (t *tx) Commit() error {
	_, err := t.c.sess.Exec(context.Background(), "COMMIT")
	return err
}

func (t *tx) Rollback() error {
	_, err := t.c.sess.Exec(context.Background(), "ROLLBACK")
	return err
}

func (c *conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	bound, err := bindPlaceholders(query, args)
	if err != nil {
		return nil, err
	}
	if _, err := c.sess.Exec(ctx, bound); err != nil {
		return nil, err
	}
	return driver.RowsAffected(0), nil
}

func (c *conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	bound, err := bindPlaceholders(query, args)
	if err != nil {
		return nil, err
	}
	rs, err := c.sess.Exec(ctx, bound)
	if err != nil {
		return nil, err
	}
	if rs == nil {
		return emptyRows{}, nil
	}
	return &rows{rs: rs}, nil
}

func (c *conn) Exec(query string, args []driver.Value) (driver.Result, error) {
	return c.ExecContext(context.Background(), query, namedValues(args))
}

func (c *conn) Query(query string, args []driver.Value) (driver.Rows, error) {
	return c.QueryContext(context.Background(), query, namedValues(args))
}

func namedValues(args []driver.Value) []driver.NamedValue {
	out := make([]driver.NamedValue, len(args))
	for i, a := range args {
		out[i] = driver.NamedValue{Ordinal: i + 1, Value: a}
	}
	return out
}

func (c *conn) CheckNamedValue(nv *driver.NamedValue) error {
	switch nv.Value.(type) {
	case int64, float64, bool, string, []byte, nil, time.Time:
		return nil
	default:
		return driver.ErrSkip
	}
}

func (c *conn) Ping(ctx context.Context) error { return nil }

type stmt struct {
	c   *conn
	sql string
}

func (s *stmt) Close() error  { return nil }
func (s *stmt) NumInput() int { return -1 }
func (s *stmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.c.Exec(s.sql, args)
}
func (s *stmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.c.Query(s.sql, args)
}
func (s *stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	return s.c.ExecContext(ctx, s.sql, args)
}
func (s *stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	return s.c.QueryContext(ctx, s.sql, args)
}

type rows struct {
	rs *sqlfront.ResultSet
	i  int
}

func (r *rows) Columns() []string { return r.rs.Cols }
func (r *rows) Close() error      { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if r.i >= len(r.rs.Rows) {
		return io.EOF
	}
	row := r.rs.Rows[r.i]
	for i, v := range row {
		dest[i] = valueToDriver(v)
	}
	r.i++
	return nil
}

func valueToDriver(v tuple.Value) driver.Value {
	if v.Null {
		return nil
	}
	switch v.Type {
	case tuple.TypeInt:
		return int64(v.Int)
	case tuple.TypeFloat:
		return v.Float
	case tuple.TypeBool:
		return v.Bool
	case tuple.TypeDate:
		return time.Unix(int64(v.Date)*86400, 0).UTC()
	case tuple.TypeString:
		return v.String
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

func (r *rows) ColumnTypeDatabaseTypeName(i int) string { return "TEXT" }
func (r *rows) ColumnTypeNullable(i int) (bool, bool)   { return true, true }
func (r *rows) ColumnTypeScanType(i int) any            { return "interface{}" }

type emptyRows struct{}

func (emptyRows) Columns() []string                     { return []string{} }
func (emptyRows) Close() error                          { return nil }
func (emptyRows) Next([]driver.Value) error              { return io.EOF }
func (emptyRows) ColumnTypeDatabaseTypeName(int) string { return "TEXT" }
func (emptyRows) ColumnTypeNullable(int) (bool, bool)   { return true, true }
func (emptyRows) ColumnTypeScanType(int) any            { return "interface{}" }

// bindPlaceholders substitutes ?, $N and :N placeholders with escaped SQL
// literals, skipping over single-quoted string literals in the query text.
func bindPlaceholders(sqlStr string, args []driver.NamedValue) (string, error) {
	var sb strings.Builder
	sb.Grow(len(sqlStr) + len(args)*10)
	argi := 0
	numbered := false
	for i := 0; i < len(sqlStr); i++ {
		ch := sqlStr[i]
		if ch == '\'' {
			sb.WriteByte(ch)
			i++
			for i < len(sqlStr) {
				sb.WriteByte(sqlStr[i])
				if sqlStr[i] == '\'' {
					if i+1 < len(sqlStr) && sqlStr[i+1] == '\'' {
						i++
						sb.WriteByte(sqlStr[i])
						i++
						continue
					}
					break
				}
				i++
			}
			continue
		}
		if ch == '?' {
			if argi >= len(args) {
				return "", fmt.Errorf("minidb: not enough args for placeholders")
			}
			sb.WriteString(sqlLiteral(args[argi].Value))
			argi++
			continue
		}
		if (ch == '$' || ch == ':') && i+1 < len(sqlStr) && sqlStr[i+1] >= '0' && sqlStr[i+1] <= '9' {
			j := i + 2
			for j < len(sqlStr) && sqlStr[j] >= '0' && sqlStr[j] <= '9' {
				j++
			}
			idxStr := sqlStr[i+1 : j]
			n, err := strconv.Atoi(idxStr)
			if err != nil || n <= 0 || n > len(args) {
				return "", fmt.Errorf("minidb: invalid placeholder %c%s", ch, idxStr)
			}
			sb.WriteString(sqlLiteral(args[n-1].Value))
			numbered = true
			i = j - 1
			continue
		}
		sb.WriteByte(ch)
	}
	if !numbered && argi != len(args) {
		return "", fmt.Errorf("minidb: too many args for placeholders")
	}
	return sb.String(), nil
}

// sqlLiteral converts a Go value into a SQL literal string suitable for
// substitution in a query.
func sqlLiteral(v any) string {
	if v == nil {
		return "NULL"
	}
	switch x := v.(type) {
	case int64:
		return fmt.Sprintf("%d", x)
	case int:
		return fmt.Sprintf("%d", x)
	case float64:
		return fmt.Sprintf("%g", x)
	case bool:
		if x {
			return "TRUE"
		}
		return "FALSE"
	case string:
		return "'" + strings.ReplaceAll(x, "'", "''") + "'"
	case time.Time:
		return fmt.Sprintf("%d", x.Unix()/86400)
	default:
		b, _ := json.Marshal(x)
		return "'" + strings.ReplaceAll(string(b), "'", "''") + "'"
	}
}
