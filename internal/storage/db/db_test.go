package db

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/SimonWaldherr/minidb/internal/storage/catalog"
	"github.com/SimonWaldherr/minidb/internal/storage/rid"
	"github.com/SimonWaldherr/minidb/internal/storage/tuple"
)

func testSchema() tuple.Schema {
	return tuple.Schema{Columns: []tuple.Column{
		{Name: "id", Type: tuple.TypeInt},
		{Name: "name", Type: tuple.TypeString, Nullable: true},
	}}
}

func scanAll(t *testing.T, d *DB, table string) []rid.RID {
	t.Helper()
	cur, err := d.Scan(table)
	if err != nil {
		t.Fatal(err)
	}
	defer cur.Close()
	var out []rid.RID
	for {
		r, _, ok, err := cur.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		out = append(out, r)
	}
	return out
}

// TestHeapRoundTripWithSlotReuse exercises S1: insert three rows, delete the
// middle one, insert a fourth, and confirm the new row reuses the freed
// slot rather than growing the file.
func TestHeapRoundTripWithSlotReuse(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	if err := d.CreateTable("t", testSchema()); err != nil {
		t.Fatal(err)
	}

	tx := d.Begin()
	r1, err := d.Insert(tx, "t", []tuple.Value{tuple.IntValue(1), tuple.StringValue("a")})
	if err != nil {
		t.Fatal(err)
	}
	r2, err := d.Insert(tx, "t", []tuple.Value{tuple.IntValue(2), tuple.StringValue("b")})
	if err != nil {
		t.Fatal(err)
	}
	r3, err := d.Insert(tx, "t", []tuple.Value{tuple.IntValue(3), tuple.StringValue("c")})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Delete(tx, "t", r2); err != nil {
		t.Fatal(err)
	}
	r4, err := d.Insert(tx, "t", []tuple.Value{tuple.IntValue(4), tuple.StringValue("d")})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Commit(tx); err != nil {
		t.Fatal(err)
	}

	if r4.PageID != r2.PageID || r4.Slot != r2.Slot {
		t.Fatalf("expected row 4 to reuse row 2's slot %v, got %v", r2, r4)
	}

	rows := scanAll(t, d, "t")
	if len(rows) != 3 {
		t.Fatalf("expected 3 live rows, got %d", len(rows))
	}
	_, _ = r1, r3
}

// TestIndexLookupAndBackfill exercises S2: an index created after rows
// already exist backfills them, and a point lookup finds the right RID.
func TestIndexLookupAndBackfill(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	if err := d.CreateTable("t", testSchema()); err != nil {
		t.Fatal(err)
	}
	tx := d.Begin()
	r1, _ := d.Insert(tx, "t", []tuple.Value{tuple.IntValue(1), tuple.StringValue("a")})
	_, _ = d.Insert(tx, "t", []tuple.Value{tuple.IntValue(2), tuple.StringValue("b")})
	r3, _ := d.Insert(tx, "t", []tuple.Value{tuple.IntValue(3), tuple.StringValue("c")})
	if err := d.Commit(tx); err != nil {
		t.Fatal(err)
	}

	if err := d.CreateIndex("ix_t_id", "t", 0, true, 1); err != nil {
		t.Fatal(err)
	}

	got, err := d.IndexLookup("ix_t_id", tuple.IntValue(3))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != r3 {
		t.Fatalf("IndexLookup(3) = %v, want [%v]", got, r3)
	}
	got1, err := d.IndexLookup("ix_t_id", tuple.IntValue(1))
	if err != nil {
		t.Fatal(err)
	}
	if len(got1) != 1 || got1[0] != r1 {
		t.Fatalf("IndexLookup(1) = %v, want [%v]", got1, r1)
	}
}

// TestIndexRangeScan exercises S3: a range scan over 1..1000 returns a
// contiguous, ordered slice of keys.
func TestIndexRangeScan(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	if err := d.CreateTable("t", testSchema()); err != nil {
		t.Fatal(err)
	}
	if err := d.CreateIndex("ix_t_id", "t", 0, true, 1); err != nil {
		t.Fatal(err)
	}

	tx := d.Begin()
	for i := 1; i <= 1000; i++ {
		if _, err := d.Insert(tx, "t", []tuple.Value{tuple.IntValue(int32(i)), tuple.StringValue("x")}); err != nil {
			t.Fatal(err)
		}
	}
	if err := d.Commit(tx); err != nil {
		t.Fatal(err)
	}

	start, end := tuple.IntValue(100), tuple.IntValue(105)
	var keys []int32
	err = d.IndexRangeScan("ix_t_id", &start, &end, func(k tuple.Value, _ rid.RID) bool {
		keys = append(keys, k.Int)
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []int32{100, 101, 102, 103, 104, 105}
	if len(keys) != len(want) {
		t.Fatalf("range scan returned %v, want %v", keys, want)
	}
	for i, k := range want {
		if keys[i] != k {
			t.Fatalf("range scan returned %v, want %v", keys, want)
		}
	}
}

// TestRollbackExcludesRowEvenAfterRestart exercises S4: a rolled-back
// insert is invisible to later scans, including across a restart.
func TestRollbackExcludesRowEvenAfterRestart(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.CreateTable("t", testSchema()); err != nil {
		t.Fatal(err)
	}

	tx := d.Begin()
	if _, err := d.Insert(tx, "t", []tuple.Value{tuple.IntValue(5), tuple.StringValue("e")}); err != nil {
		t.Fatal(err)
	}
	if err := d.Rollback(tx); err != nil {
		t.Fatal(err)
	}
	if rows := scanAll(t, d, "t"); len(rows) != 0 {
		t.Fatalf("expected rolled-back insert to be excluded in the same session, got %d rows", len(rows))
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}

	d2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer d2.Close()
	rows := scanAll(t, d2, "t")
	if len(rows) != 0 {
		t.Fatalf("expected rolled-back insert to stay excluded after restart, got %d rows", len(rows))
	}
}

// TestCrashRecoveryReplaysCommittedInsert exercises S5: a committed insert
// survives a clean close and reopen — both the checkpointed data file and
// the WAL replay agree on its presence.
func TestCrashRecoveryReplaysCommittedInsert(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.CreateTable("t", testSchema()); err != nil {
		t.Fatal(err)
	}

	tx := d.Begin()
	if _, err := d.Insert(tx, "t", []tuple.Value{tuple.IntValue(6), tuple.StringValue("f")}); err != nil {
		t.Fatal(err)
	}
	if err := d.Commit(tx); err != nil {
		t.Fatal(err)
	}

	if err := d.Close(); err != nil {
		t.Fatal(err)
	}

	d2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer d2.Close()
	rows := scanAll(t, d2, "t")
	if len(rows) != 1 {
		t.Fatalf("expected recovered row to survive restart, got %d rows", len(rows))
	}
}

// TestCrashRecoveryReplaysCommittedInsertIntoFreshTable exercises S5's sharper
// case: a table created and written to within the same process, which then
// crashes before any checkpoint ever runs. The scheduler is stopped and the
// handle is abandoned without calling Close, so the heap page's only copy of
// the committed row is the WAL's fsynced commit record; a second Open must
// replay it via the table's pager, which only works if the WAL tag the table
// was created under matches the tag it reopens under.
func TestCrashRecoveryReplaysCommittedInsertIntoFreshTable(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.CreateTable("t", testSchema()); err != nil {
		t.Fatal(err)
	}

	tx := d.Begin()
	if _, err := d.Insert(tx, "t", []tuple.Value{tuple.IntValue(6), tuple.StringValue("f")}); err != nil {
		t.Fatal(err)
	}
	if err := d.Commit(tx); err != nil {
		t.Fatal(err)
	}

	d.scheduler.Stop()

	d2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer d2.Close()
	rows := scanAll(t, d2, "t")
	if len(rows) != 1 {
		t.Fatalf("expected recovered row to survive a crash before any checkpoint, got %d rows", len(rows))
	}
}

// TestConcurrentUpdateConflictAborts exercises the MVCC reinterpretation of
// S6 (see internal/storage/txn): two transactions that both write the same
// table cannot both commit.
func TestConcurrentUpdateConflictAborts(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	if err := d.CreateTable("t", testSchema()); err != nil {
		t.Fatal(err)
	}

	setup := d.Begin()
	r, err := d.Insert(setup, "t", []tuple.Value{tuple.IntValue(1), tuple.StringValue("a")})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Commit(setup); err != nil {
		t.Fatal(err)
	}

	t1 := d.Begin()
	t2 := d.Begin()
	if _, err := d.Update(t1, "t", r, []tuple.Value{tuple.IntValue(1), tuple.StringValue("t1")}); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Update(t2, "t", r, []tuple.Value{tuple.IntValue(1), tuple.StringValue("t2")}); err != nil {
		t.Fatal(err)
	}
	if err := d.Commit(t1); err != nil {
		t.Fatalf("expected t1 to commit cleanly, got %v", err)
	}
	if err := d.Commit(t2); err == nil {
		t.Fatal("expected t2's commit to fail with a serialization conflict")
	}
}

func TestDropTableCascadesIndexesAndFiles(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	if err := d.CreateTable("t", testSchema()); err != nil {
		t.Fatal(err)
	}
	if err := d.CreateIndex("ix_t_id", "t", 0, true, 1); err != nil {
		t.Fatal(err)
	}
	if err := d.DropTable("t"); err != nil {
		t.Fatal(err)
	}
	if _, err := d.cat.GetTable("t"); !errors.Is(err, catalog.ErrTableNotFound) {
		t.Fatalf("expected table gone from catalog, got %v", err)
	}
	if _, err := d.cat.GetIndex("ix_t_id"); !errors.Is(err, catalog.ErrIndexNotFound) {
		t.Fatalf("expected index gone from catalog, got %v", err)
	}
	if _, err := d.IndexLookup("ix_t_id", tuple.IntValue(1)); err == nil {
		t.Fatal("expected lookup against dropped index to fail")
	}
}

func TestReopenAfterIndexCreateKeepsLookupWorking(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.CreateTable("t", testSchema()); err != nil {
		t.Fatal(err)
	}
	if err := d.CreateIndex("ix_t_id", "t", 0, true, 1); err != nil {
		t.Fatal(err)
	}
	tx := d.Begin()
	r, err := d.Insert(tx, "t", []tuple.Value{tuple.IntValue(42), tuple.StringValue("z")})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Commit(tx); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}

	d2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer d2.Close()
	got, err := d2.IndexLookup("ix_t_id", tuple.IntValue(42))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != r {
		t.Fatalf("IndexLookup after reopen = %v, want [%v]", got, r)
	}

	if want := filepath.Join(dir, "t.tbl"); !fileExists(want) {
		t.Fatalf("expected %s to exist", want)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
