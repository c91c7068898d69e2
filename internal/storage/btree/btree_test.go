package btree

import (
	"path/filepath"
	"testing"

	"github.com/SimonWaldherr/minidb/internal/storage/page"
	"github.com/SimonWaldherr/minidb/internal/storage/pagefile"
	"github.com/SimonWaldherr/minidb/internal/storage/rid"
	"github.com/SimonWaldherr/minidb/internal/storage/tuple"
	"github.com/SimonWaldherr/minidb/internal/storage/walog"
)

func openTestPager(t *testing.T) *pagefile.Pager {
	t.Helper()
	dir := t.TempDir()
	w, err := walog.Open(filepath.Join(dir, "wal.log"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { w.Close() })
	p, err := pagefile.Open(filepath.Join(dir, "ix.idx"), "ix.idx", w)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestInsertSearchRoundTrip(t *testing.T) {
	p := openTestPager(t)
	tr, err := Create(p, tuple.TypeInt, true, 1)
	if err != nil {
		t.Fatal(err)
	}

	want := map[int32]rid.RID{
		1: {PageID: 1, Slot: 0},
		2: {PageID: 1, Slot: 1},
		3: {PageID: 1, Slot: 2},
	}
	for k, r := range want {
		if err := tr.Insert(1, tuple.IntValue(k), r); err != nil {
			t.Fatalf("insert %d: %v", k, err)
		}
	}
	for k, r := range want {
		got, err := tr.Search(tuple.IntValue(k))
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || got[0] != r {
			t.Fatalf("search(%d) = %v, want [%v]", k, got, r)
		}
	}
}

func TestUniqueIndexRejectsDuplicateKey(t *testing.T) {
	p := openTestPager(t)
	tr, err := Create(p, tuple.TypeInt, true, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Insert(1, tuple.IntValue(5), rid.RID{PageID: 1, Slot: 0}); err != nil {
		t.Fatal(err)
	}
	if err := tr.Insert(1, tuple.IntValue(5), rid.RID{PageID: 1, Slot: 1}); err != ErrDuplicateKey {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestNonUniqueIndexAllowsDuplicateKeys(t *testing.T) {
	p := openTestPager(t)
	tr, err := Create(p, tuple.TypeInt, false, 1)
	if err != nil {
		t.Fatal(err)
	}
	r1 := rid.RID{PageID: 1, Slot: 0}
	r2 := rid.RID{PageID: 1, Slot: 1}
	if err := tr.Insert(1, tuple.IntValue(7), r1); err != nil {
		t.Fatal(err)
	}
	if err := tr.Insert(1, tuple.IntValue(7), r2); err != nil {
		t.Fatal(err)
	}
	got, err := tr.Search(tuple.IntValue(7))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rids for duplicate key, got %v", got)
	}
}

// TestSplitAcrossManyPages drives enough inserts to force leaf splits and a
// root split, then confirms every key is still reachable — scenario S3's range
// scan depends on this holding for id in {1..1000}.
func TestSplitAcrossManyPages(t *testing.T) {
	p := openTestPager(t)
	tr, err := Create(p, tuple.TypeInt, true, 1)
	if err != nil {
		t.Fatal(err)
	}

	const n = 500
	for i := int32(0); i < n; i++ {
		if err := tr.Insert(1, tuple.IntValue(i), rid.RID{PageID: 1, Slot: uint16(i % 4096)}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	for i := int32(0); i < n; i++ {
		got, err := tr.Search(tuple.IntValue(i))
		if err != nil {
			t.Fatalf("search %d: %v", i, err)
		}
		if len(got) != 1 {
			t.Fatalf("search(%d) returned %d results, want 1", i, len(got))
		}
	}
}

func TestRangeScanOrdered(t *testing.T) {
	p := openTestPager(t)
	tr, err := Create(p, tuple.TypeInt, true, 1)
	if err != nil {
		t.Fatal(err)
	}
	for i := int32(1); i <= 1000; i++ {
		if err := tr.Insert(1, tuple.IntValue(i), rid.RID{PageID: page.ID(i/100 + 1), Slot: uint16(i % 100)}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	lo := tuple.IntValue(100)
	hi := tuple.IntValue(105)
	var got []int32
	if err := tr.RangeScan(&lo, &hi, func(v tuple.Value, r rid.RID) bool {
		got = append(got, v.Int)
		return true
	}); err != nil {
		t.Fatal(err)
	}
	want := []int32{100, 101, 102, 103, 104, 105}
	if len(got) != len(want) {
		t.Fatalf("range scan returned %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("range scan returned %v, want %v", got, want)
		}
	}
}

func TestDeleteTriggersMergeAndStaysConsistent(t *testing.T) {
	p := openTestPager(t)
	tr, err := Create(p, tuple.TypeInt, true, 1)
	if err != nil {
		t.Fatal(err)
	}
	const n = 2000
	for i := int32(0); i < n; i++ {
		if err := tr.Insert(1, tuple.IntValue(i), rid.RID{PageID: 1, Slot: uint16(i)}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	// Delete most keys, forcing repeated leaf/internal merges.
	for i := int32(0); i < n-5; i++ {
		ok, err := tr.Delete(1, tuple.IntValue(i), rid.RID{PageID: 1, Slot: uint16(i)})
		if err != nil {
			t.Fatalf("delete %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("delete %d: expected entry to exist", i)
		}
	}
	for i := int32(n - 5); i < n; i++ {
		got, err := tr.Search(tuple.IntValue(i))
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 {
			t.Fatalf("search(%d) after merges = %v, want 1 result", i, got)
		}
	}
	for i := int32(0); i < n-5; i++ {
		got, err := tr.Search(tuple.IntValue(i))
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 0 {
			t.Fatalf("search(%d) after delete = %v, want none", i, got)
		}
	}
}

func TestDeleteMissingEntryReturnsFalse(t *testing.T) {
	p := openTestPager(t)
	tr, err := Create(p, tuple.TypeInt, true, 1)
	if err != nil {
		t.Fatal(err)
	}
	ok, err := tr.Delete(1, tuple.IntValue(42), rid.RID{PageID: 1, Slot: 0})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected false deleting a key that was never inserted")
	}
}

func TestOpenFromHeaderSurvivesRootSplit(t *testing.T) {
	p := openTestPager(t)
	tr, err := Create(p, tuple.TypeInt, false, 1)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 400; i++ {
		if err := tr.Insert(1, tuple.IntValue(int32(i)), rid.RID{PageID: page.ID(i + 1), Slot: 0}); err != nil {
			t.Fatal(err)
		}
	}
	if tr.Root() == 1 {
		t.Fatal("expected root split after 400 inserts, root is still the original leaf")
	}

	reopened, err := OpenFromHeader(p, false)
	if err != nil {
		t.Fatal(err)
	}
	if reopened.Root() != tr.Root() {
		t.Fatalf("reopened root %v, want %v", reopened.Root(), tr.Root())
	}
	got, err := reopened.Search(tuple.IntValue(123))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].PageID != 124 {
		t.Fatalf("search after reopen = %v, want [{124 0}]", got)
	}
}
