package sqlfront

import "testing"

func TestParseCreateTable(t *testing.T) {
	stmt, err := ParseStatement(`CREATE TABLE t (id INT, name STRING, active BOOLEAN NOT NULL)`)
	if err != nil {
		t.Fatal(err)
	}
	ct, ok := stmt.(CreateTable)
	if !ok {
		t.Fatalf("got %T, want CreateTable", stmt)
	}
	if ct.Table != "t" || len(ct.Columns) != 3 {
		t.Fatalf("unexpected statement: %+v", ct)
	}
	if ct.Columns[2].Nullable {
		t.Fatalf("expected NOT NULL column to be non-nullable")
	}
	if !ct.Columns[0].Nullable {
		t.Fatalf("expected column without NOT NULL to default nullable")
	}
}

func TestParseCreateUniqueIndex(t *testing.T) {
	stmt, err := ParseStatement(`CREATE UNIQUE INDEX ix ON t(id)`)
	if err != nil {
		t.Fatal(err)
	}
	ci, ok := stmt.(CreateIndex)
	if !ok || !ci.Unique || ci.Table != "t" || ci.Column != "id" {
		t.Fatalf("unexpected statement: %#v", stmt)
	}
}

func TestParseSelectWhereOrderLimit(t *testing.T) {
	stmt, err := ParseStatement(`SELECT id, name FROM t WHERE id >= 10 AND NOT (name = 'z') ORDER BY id DESC LIMIT 5`)
	if err != nil {
		t.Fatal(err)
	}
	sel, ok := stmt.(Select)
	if !ok {
		t.Fatalf("got %T, want Select", stmt)
	}
	if sel.Table != "t" || len(sel.Cols) != 2 || sel.Limit != 5 {
		t.Fatalf("unexpected statement: %+v", sel)
	}
	if len(sel.OrderBy) != 1 || sel.OrderBy[0].Col != "id" || !sel.OrderBy[0].Desc {
		t.Fatalf("unexpected order by: %+v", sel.OrderBy)
	}
	if _, ok := sel.Where.(Binary); !ok {
		t.Fatalf("expected a Binary AND at the top of the WHERE clause, got %T", sel.Where)
	}
}

func TestParseBetween(t *testing.T) {
	stmt, err := ParseStatement(`SELECT id FROM t WHERE id BETWEEN 100 AND 105`)
	if err != nil {
		t.Fatal(err)
	}
	sel := stmt.(Select)
	bt, ok := sel.Where.(Between)
	if !ok {
		t.Fatalf("got %T, want Between", sel.Where)
	}
	if bt.Low.(Literal).Val.Int != 100 || bt.High.(Literal).Val.Int != 105 {
		t.Fatalf("unexpected bounds: %+v", bt)
	}
}

func TestParseInsertUpdateDelete(t *testing.T) {
	if _, err := ParseStatement(`INSERT INTO t (id, name) VALUES (1, 'a')`); err != nil {
		t.Fatal(err)
	}
	if _, err := ParseStatement(`UPDATE t SET name = 'z' WHERE id = 1`); err != nil {
		t.Fatal(err)
	}
	if _, err := ParseStatement(`DELETE FROM t WHERE id = 1`); err != nil {
		t.Fatal(err)
	}
}

func TestParseExplainModes(t *testing.T) {
	stmt, err := ParseStatement(`EXPLAIN PHYSICAL SELECT * FROM t WHERE id = 1`)
	if err != nil {
		t.Fatal(err)
	}
	ex, ok := stmt.(Explain)
	if !ok || ex.Mode != ExplainPhysical {
		t.Fatalf("unexpected statement: %#v", stmt)
	}
}

func TestParseTransactionKeywords(t *testing.T) {
	for _, sql := range []string{"BEGIN", "COMMIT", "ROLLBACK"} {
		if _, err := ParseStatement(sql); err != nil {
			t.Fatalf("%s: %v", sql, err)
		}
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := ParseStatement(`SELECT FROM WHERE`); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestParseQuotedIdentifierAndEscapedString(t *testing.T) {
	stmt, err := ParseStatement(`INSERT INTO t ("id") VALUES ('it''s')`)
	if err != nil {
		t.Fatal(err)
	}
	ins := stmt.(Insert)
	if ins.Cols[0] != "id" {
		t.Fatalf("unexpected column name: %q", ins.Cols[0])
	}
	if ins.Values[0].(Literal).Val.String != "it's" {
		t.Fatalf("unexpected escaped string: %q", ins.Values[0].(Literal).Val.String)
	}
}
