package sqlfront

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/SimonWaldherr/minidb/internal/storage/catalog"
	"github.com/SimonWaldherr/minidb/internal/storage/db"
	"github.com/SimonWaldherr/minidb/internal/storage/rid"
	"github.com/SimonWaldherr/minidb/internal/storage/tuple"
	"github.com/SimonWaldherr/minidb/internal/storage/txn"
)

// ResultSet is the tabular result of a SELECT, or an empty-column result for
// any other statement that completed without error.
type ResultSet struct {
	Cols []string
	Rows [][]tuple.Value
}

func emptyResult() *ResultSet { return &ResultSet{} }

// Session holds the one piece of state a SQL front end needs across
// statements: the currently open explicit transaction, if any. Statements
// outside an explicit BEGIN run in their own implicit transaction, per §7's
// "aborts the current statement and — unless inside an explicit transaction
// that the client continues — the implicit transaction."
type Session struct {
	DB *db.DB
	tx *txn.Txn
}

// NewSession opens a fresh session against d with no transaction open.
func NewSession(d *db.DB) *Session { return &Session{DB: d} }

// Exec parses and runs a single SQL statement.
func (s *Session) Exec(ctx context.Context, sql string) (*ResultSet, error) {
	stmt, err := ParseStatement(sql)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	return s.ExecStatement(ctx, stmt)
}

// ExecStatement runs an already-parsed statement.
func (s *Session) ExecStatement(ctx context.Context, stmt Statement) (*ResultSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch st := stmt.(type) {
	case Begin:
		if s.tx != nil {
			return nil, errors.New("sqlfront: a transaction is already open")
		}
		s.tx = s.DB.Begin()
		return emptyResult(), nil
	case Commit:
		if s.tx == nil {
			return nil, errors.New("sqlfront: no open transaction")
		}
		tx := s.tx
		s.tx = nil
		return emptyResult(), s.DB.Commit(tx)
	case Rollback:
		if s.tx == nil {
			return nil, errors.New("sqlfront: no open transaction")
		}
		tx := s.tx
		s.tx = nil
		return emptyResult(), s.DB.Rollback(tx)
	case Explain:
		return s.explain(st)
	default:
		return s.execData(stmt)
	}
}

func needsTxn(stmt Statement) bool {
	switch stmt.(type) {
	case Insert, Update, Delete, CreateIndex:
		return true
	default:
		return false
	}
}

// execData runs any DDL/DML statement, wrapping it in an implicit
// single-statement transaction unless the session already has an explicit
// one open.
func (s *Session) execData(stmt Statement) (*ResultSet, error) {
	tx := s.tx
	implicit := false
	if tx == nil && needsTxn(stmt) {
		tx = s.DB.Begin()
		implicit = true
	}

	rs, err := s.dispatch(tx, stmt)

	if implicit {
		if err != nil {
			_ = s.DB.Rollback(tx)
		} else if cerr := s.DB.Commit(tx); cerr != nil {
			return nil, cerr
		}
	}
	return rs, err
}

func (s *Session) dispatch(tx *txn.Txn, stmt Statement) (*ResultSet, error) {
	switch st := stmt.(type) {
	case CreateTable:
		return emptyResult(), s.DB.CreateTable(st.Table, schemaFromColumns(st.Columns))
	case DropTable:
		return emptyResult(), s.DB.DropTable(st.Table)
	case CreateIndex:
		return emptyResult(), s.execCreateIndex(tx, st)
	case DropIndex:
		return emptyResult(), s.DB.DropIndex(st.Name)
	case Insert:
		return emptyResult(), s.execInsert(tx, st)
	case Update:
		return emptyResult(), s.execUpdate(tx, st)
	case Delete:
		return emptyResult(), s.execDelete(tx, st)
	case Select:
		return s.execSelect(st)
	default:
		return nil, fmt.Errorf("sqlfront: unsupported statement %T", stmt)
	}
}

func schemaFromColumns(cols []ColumnDef) tuple.Schema {
	out := tuple.Schema{Columns: make([]tuple.Column, len(cols))}
	for i, c := range cols {
		out.Columns[i] = tuple.Column{Name: c.Name, Type: c.Type, Nullable: c.Nullable}
	}
	return out
}

func (s *Session) execCreateIndex(tx *txn.Txn, st CreateIndex) error {
	schema, err := s.DB.TableSchema(st.Table)
	if err != nil {
		return err
	}
	colIdx := schema.ColumnIndex(st.Column)
	if colIdx < 0 {
		return fmt.Errorf("sqlfront: unknown column %q on table %q", st.Column, st.Table)
	}
	txnID := uint32(0)
	if tx != nil {
		txnID = tx.ID
	}
	return s.DB.CreateIndex(st.Name, st.Table, colIdx, st.Unique, txnID)
}

func (s *Session) execInsert(tx *txn.Txn, st Insert) error {
	schema, err := s.DB.TableSchema(st.Table)
	if err != nil {
		return err
	}
	values, err := buildInsertValues(schema, st)
	if err != nil {
		return err
	}
	_, err = s.DB.Insert(tx, st.Table, values)
	return err
}

func buildInsertValues(schema tuple.Schema, st Insert) ([]tuple.Value, error) {
	values := make([]tuple.Value, len(schema.Columns))
	for i, c := range schema.Columns {
		values[i] = tuple.NullValue(c.Type)
	}
	if len(st.Cols) == 0 {
		if len(st.Values) != len(schema.Columns) {
			return nil, fmt.Errorf("INSERT: expected %d values, got %d", len(schema.Columns), len(st.Values))
		}
		for i, e := range st.Values {
			v, err := evalLiteral(e, schema.Columns[i].Type)
			if err != nil {
				return nil, err
			}
			values[i] = v
		}
		return values, nil
	}
	if len(st.Cols) != len(st.Values) {
		return nil, fmt.Errorf("INSERT: column list length does not match value list")
	}
	for i, colName := range st.Cols {
		idx := schema.ColumnIndex(colName)
		if idx < 0 {
			return nil, fmt.Errorf("INSERT: unknown column %q", colName)
		}
		v, err := evalLiteral(st.Values[i], schema.Columns[idx].Type)
		if err != nil {
			return nil, err
		}
		values[idx] = v
	}
	return values, nil
}

func evalLiteral(e Expr, target tuple.Type) (tuple.Value, error) {
	lit, ok := e.(Literal)
	if !ok {
		return tuple.Value{}, fmt.Errorf("sqlfront: only literal values are supported here")
	}
	if lit.Val.Null {
		return tuple.NullValue(target), nil
	}
	return coerce(lit.Val, target)
}

func coerce(v tuple.Value, target tuple.Type) (tuple.Value, error) {
	if v.Type == target {
		return v, nil
	}
	if v.Type == tuple.TypeInt && target == tuple.TypeFloat {
		return tuple.FloatValue(float64(v.Int)), nil
	}
	return tuple.Value{}, fmt.Errorf("%w: expected %v, got %v", tuple.ErrTypeMismatch, target, v.Type)
}

func coercePair(l, r tuple.Value) (tuple.Value, tuple.Value) {
	if l.Type == r.Type {
		return l, r
	}
	if l.Type == tuple.TypeInt && r.Type == tuple.TypeFloat {
		l = tuple.FloatValue(float64(l.Int))
	} else if r.Type == tuple.TypeInt && l.Type == tuple.TypeFloat {
		r = tuple.FloatValue(float64(r.Int))
	}
	return l, r
}

func (s *Session) execUpdate(tx *txn.Txn, st Update) error {
	schema, err := s.DB.TableSchema(st.Table)
	if err != nil {
		return err
	}
	sets := make(map[int]tuple.Value, len(st.Sets))
	for name, e := range st.Sets {
		idx := schema.ColumnIndex(name)
		if idx < 0 {
			return fmt.Errorf("UPDATE: unknown column %q", name)
		}
		v, err := evalLiteral(e, schema.Columns[idx].Type)
		if err != nil {
			return err
		}
		sets[idx] = v
	}

	cur, err := s.DB.Scan(st.Table)
	if err != nil {
		return err
	}
	defer cur.Close()

	var matches []rid.RID
	var rows [][]tuple.Value
	for {
		r, values, ok, err := cur.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		keep, err := evalWhere(st.Where, schema, values)
		if err != nil {
			return err
		}
		if keep {
			matches = append(matches, r)
			rows = append(rows, values)
		}
	}

	for i, r := range matches {
		newValues := append([]tuple.Value(nil), rows[i]...)
		for idx, v := range sets {
			newValues[idx] = v
		}
		if _, err := s.DB.Update(tx, st.Table, r, newValues); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) execDelete(tx *txn.Txn, st Delete) error {
	schema, err := s.DB.TableSchema(st.Table)
	if err != nil {
		return err
	}
	cur, err := s.DB.Scan(st.Table)
	if err != nil {
		return err
	}
	defer cur.Close()

	var matches []rid.RID
	for {
		r, values, ok, err := cur.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		keep, err := evalWhere(st.Where, schema, values)
		if err != nil {
			return err
		}
		if keep {
			matches = append(matches, r)
		}
	}
	for _, r := range matches {
		if err := s.DB.Delete(tx, st.Table, r); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) execSelect(st Select) (*ResultSet, error) {
	schema, err := s.DB.TableSchema(st.Table)
	if err != nil {
		return nil, err
	}
	rows, _, err := s.collectRows(st.Table, schema, st.Where)
	if err != nil {
		return nil, err
	}

	if len(st.OrderBy) > 0 {
		if err := sortRows(rows, schema, st.OrderBy); err != nil {
			return nil, err
		}
	}
	if st.Limit >= 0 && len(rows) > st.Limit {
		rows = rows[:st.Limit]
	}

	cols := st.Cols
	if len(cols) == 0 {
		cols = make([]string, len(schema.Columns))
		for i, c := range schema.Columns {
			cols[i] = c.Name
		}
	}
	out := make([][]tuple.Value, len(rows))
	for i, row := range rows {
		projected := make([]tuple.Value, len(cols))
		for j, name := range cols {
			idx := schema.ColumnIndex(name)
			if idx < 0 {
				return nil, fmt.Errorf("SELECT: unknown column %q", name)
			}
			projected[j] = row[idx]
		}
		out[i] = projected
	}
	return &ResultSet{Cols: cols, Rows: out}, nil
}

// collectRows runs st's WHERE clause either as an indexed lookup/range scan
// (when it exactly matches an indexed column) or a full sequential scan with
// in-row filtering, returning the decoded rows and a short plan description.
func (s *Session) collectRows(table string, schema tuple.Schema, where Expr) ([][]tuple.Value, string, error) {
	indexes := s.DB.ListIndexes(table)

	if col, val, ok := asEquality(where); ok {
		if ix := findIndexOn(indexes, schema, col); ix != nil {
			key, err := coerce(val, ix.KeyType)
			if err != nil {
				return nil, "", err
			}
			rids, err := s.DB.IndexLookup(ix.Name, key)
			if err != nil {
				return nil, "", err
			}
			rows, err := s.fetchRows(table, rids)
			return rows, fmt.Sprintf("IndexScan(%s) on %s.%s = %s", ix.Name, table, col, val.Render()), err
		}
	}
	if col, low, high, ok := asBetween(where); ok {
		if ix := findIndexOn(indexes, schema, col); ix != nil {
			lo, err := coerce(low, ix.KeyType)
			if err != nil {
				return nil, "", err
			}
			hi, err := coerce(high, ix.KeyType)
			if err != nil {
				return nil, "", err
			}
			var rids []rid.RID
			err = s.DB.IndexRangeScan(ix.Name, &lo, &hi, func(_ tuple.Value, r rid.RID) bool {
				rids = append(rids, r)
				return true
			})
			if err != nil {
				return nil, "", err
			}
			rows, err := s.fetchRows(table, rids)
			return rows, fmt.Sprintf("IndexRangeScan(%s) on %s.%s BETWEEN %s AND %s", ix.Name, table, col, low.Render(), high.Render()), err
		}
	}

	cur, err := s.DB.Scan(table)
	if err != nil {
		return nil, "", err
	}
	defer cur.Close()
	var rows [][]tuple.Value
	for {
		_, values, ok, err := cur.Next()
		if err != nil {
			return nil, "", err
		}
		if !ok {
			break
		}
		keep, err := evalWhere(where, schema, values)
		if err != nil {
			return nil, "", err
		}
		if keep {
			rows = append(rows, values)
		}
	}
	return rows, fmt.Sprintf("SeqScan(%s)", table), nil
}

func (s *Session) fetchRows(table string, rids []rid.RID) ([][]tuple.Value, error) {
	rows := make([][]tuple.Value, 0, len(rids))
	for _, r := range rids {
		values, err := s.DB.Get(table, r)
		if err != nil {
			return nil, err
		}
		rows = append(rows, values)
	}
	return rows, nil
}

// asEquality recognizes a top-level `col = literal` (or `literal = col`)
// predicate eligible for an index point lookup.
func asEquality(where Expr) (col string, val tuple.Value, ok bool) {
	b, isBinary := where.(Binary)
	if !isBinary || b.Op != "=" {
		return "", tuple.Value{}, false
	}
	if c, isCol := b.Left.(ColRef); isCol {
		if l, isLit := b.Right.(Literal); isLit {
			return c.Name, l.Val, true
		}
	}
	if c, isCol := b.Right.(ColRef); isCol {
		if l, isLit := b.Left.(Literal); isLit {
			return c.Name, l.Val, true
		}
	}
	return "", tuple.Value{}, false
}

// asBetween recognizes a top-level `col BETWEEN low AND high` predicate
// eligible for an index range scan.
func asBetween(where Expr) (col string, low, high tuple.Value, ok bool) {
	bt, isBetween := where.(Between)
	if !isBetween {
		return "", tuple.Value{}, tuple.Value{}, false
	}
	c, isCol := bt.Col.(ColRef)
	lo, isLo := bt.Low.(Literal)
	hi, isHi := bt.High.(Literal)
	if !isCol || !isLo || !isHi {
		return "", tuple.Value{}, tuple.Value{}, false
	}
	return c.Name, lo.Val, hi.Val, true
}

func findIndexOn(indexes []catalog.IndexDef, schema tuple.Schema, col string) *catalog.IndexDef {
	idx := schema.ColumnIndex(col)
	if idx < 0 {
		return nil
	}
	for i := range indexes {
		if indexes[i].ColumnIndex == idx {
			return &indexes[i]
		}
	}
	return nil
}

// evalWhere evaluates a WHERE clause against one decoded row. A nil clause
// matches every row.
func evalWhere(e Expr, schema tuple.Schema, values []tuple.Value) (bool, error) {
	if e == nil {
		return true, nil
	}
	switch v := e.(type) {
	case Binary:
		switch v.Op {
		case "AND":
			l, err := evalWhere(v.Left, schema, values)
			if err != nil || !l {
				return false, err
			}
			return evalWhere(v.Right, schema, values)
		case "OR":
			l, err := evalWhere(v.Left, schema, values)
			if err != nil {
				return false, err
			}
			if l {
				return true, nil
			}
			return evalWhere(v.Right, schema, values)
		default:
			return evalComparison(v, schema, values)
		}
	case Unary:
		if v.Op == "NOT" {
			b, err := evalWhere(v.Expr, schema, values)
			return !b, err
		}
		return false, fmt.Errorf("sqlfront: unsupported unary operator %q", v.Op)
	case Between:
		return evalBetween(v, schema, values)
	case Literal:
		if v.Val.Type == tuple.TypeBool && !v.Val.Null {
			return v.Val.Bool, nil
		}
		return false, fmt.Errorf("sqlfront: %v is not a boolean expression", v.Val)
	default:
		return false, fmt.Errorf("sqlfront: %T is not a boolean expression", e)
	}
}

func evalComparison(b Binary, schema tuple.Schema, values []tuple.Value) (bool, error) {
	lv, err := evalValue(b.Left, schema, values)
	if err != nil {
		return false, err
	}
	rv, err := evalValue(b.Right, schema, values)
	if err != nil {
		return false, err
	}
	lv, rv = coercePair(lv, rv)
	if lv.Null || rv.Null {
		return false, nil
	}
	ord, err := tuple.Compare(lv, rv)
	if err != nil {
		return false, err
	}
	switch b.Op {
	case "=":
		return ord == tuple.Equal, nil
	case "!=", "<>":
		return ord != tuple.Equal, nil
	case "<":
		return ord == tuple.Less, nil
	case "<=":
		return ord != tuple.Greater, nil
	case ">":
		return ord == tuple.Greater, nil
	case ">=":
		return ord != tuple.Less, nil
	default:
		return false, fmt.Errorf("sqlfront: unsupported operator %q", b.Op)
	}
}

func evalBetween(bt Between, schema tuple.Schema, values []tuple.Value) (bool, error) {
	cv, err := evalValue(bt.Col, schema, values)
	if err != nil {
		return false, err
	}
	lo, err := evalValue(bt.Low, schema, values)
	if err != nil {
		return false, err
	}
	hi, err := evalValue(bt.High, schema, values)
	if err != nil {
		return false, err
	}
	if cv.Null {
		return false, nil
	}
	_, lo = coercePair(cv, lo)
	_, hi = coercePair(cv, hi)
	ordLow, err := tuple.Compare(cv, lo)
	if err != nil {
		return false, err
	}
	ordHigh, err := tuple.Compare(cv, hi)
	if err != nil {
		return false, err
	}
	return ordLow != tuple.Less && ordHigh != tuple.Greater, nil
}

func evalValue(e Expr, schema tuple.Schema, values []tuple.Value) (tuple.Value, error) {
	switch v := e.(type) {
	case ColRef:
		idx := schema.ColumnIndex(v.Name)
		if idx < 0 {
			return tuple.Value{}, fmt.Errorf("sqlfront: unknown column %q", v.Name)
		}
		return values[idx], nil
	case Literal:
		return v.Val, nil
	default:
		return tuple.Value{}, fmt.Errorf("sqlfront: %T is not a scalar expression", e)
	}
}

func sortRows(rows [][]tuple.Value, schema tuple.Schema, orderBy []OrderTerm) error {
	idxs := make([]int, len(orderBy))
	for i, t := range orderBy {
		idx := schema.ColumnIndex(t.Col)
		if idx < 0 {
			return fmt.Errorf("ORDER BY: unknown column %q", t.Col)
		}
		idxs[i] = idx
	}
	var sortErr error
	sort.SliceStable(rows, func(i, j int) bool {
		for k, idx := range idxs {
			a, b := rows[i][idx], rows[j][idx]
			ord, err := tuple.Compare(a, b)
			if err != nil {
				sortErr = err
				return false
			}
			if ord == tuple.Equal {
				continue
			}
			less := ord == tuple.Less
			if orderBy[k].Desc {
				less = !less
			}
			return less
		}
		return false
	})
	return sortErr
}

// explain renders a one-line description of how st.Stmt would run, without
// executing it. SELECT is the only statement whose plan varies (SeqScan vs.
// IndexScan/IndexRangeScan); every other statement gets a generic label.
func (s *Session) explain(st Explain) (*ResultSet, error) {
	desc, err := s.describePlan(st.Stmt, st.Mode)
	if err != nil {
		return nil, err
	}
	desc = fmt.Sprintf("[session %s] %s", s.DB.SessionID(), desc)
	return &ResultSet{Cols: []string{"plan"}, Rows: [][]tuple.Value{{tuple.StringValue(desc)}}}, nil
}

func (s *Session) describePlan(stmt Statement, mode ExplainMode) (string, error) {
	sel, ok := stmt.(Select)
	if !ok {
		return fmt.Sprintf("%T", stmt), nil
	}
	schema, err := s.DB.TableSchema(sel.Table)
	if err != nil {
		return "", err
	}
	indexes := s.DB.ListIndexes(sel.Table)
	physical := describeSelectAccessPath(sel, schema, indexes)
	if mode == ExplainPhysical {
		return physical, nil
	}
	cols := "*"
	if len(sel.Cols) > 0 {
		cols = strings.Join(sel.Cols, ", ")
	}
	return fmt.Sprintf("Project(%s) <- Filter <- %s", cols, physical), nil
}

func describeSelectAccessPath(sel Select, schema tuple.Schema, indexes []catalog.IndexDef) string {
	if col, val, ok := asEquality(sel.Where); ok {
		if ix := findIndexOn(indexes, schema, col); ix != nil {
			return fmt.Sprintf("IndexScan(%s) on %s.%s = %s", ix.Name, sel.Table, col, val.Render())
		}
	}
	if col, low, high, ok := asBetween(sel.Where); ok {
		if ix := findIndexOn(indexes, schema, col); ix != nil {
			return fmt.Sprintf("IndexRangeScan(%s) on %s.%s BETWEEN %s AND %s", ix.Name, sel.Table, col, low.Render(), high.Render())
		}
	}
	return fmt.Sprintf("SeqScan(%s)", sel.Table)
}
