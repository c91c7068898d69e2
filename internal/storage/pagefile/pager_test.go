package pagefile

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/SimonWaldherr/minidb/internal/storage/page"
	"github.com/SimonWaldherr/minidb/internal/storage/slotted"
	"github.com/SimonWaldherr/minidb/internal/storage/walog"
)

func openTestWAL(t *testing.T) *walog.WAL {
	t.Helper()
	w, err := walog.Open(filepath.Join(t.TempDir(), "wal.log"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func TestAllocWriteReadPageRoundTrip(t *testing.T) {
	wal := openTestWAL(t)
	dir := t.TempDir()
	p, err := Open(filepath.Join(dir, "t.tbl"), "t.tbl", wal)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	id, buf := p.AllocPage()
	sp := slotted.Init(buf, page.TypeHeapData, id)
	if _, err := sp.Insert([]byte("payload")); err != nil {
		t.Fatal(err)
	}
	if err := p.WritePage(1, id, sp.Bytes()); err != nil {
		t.Fatal(err)
	}
	p.UnpinPage(id)

	got, err := p.ReadPage(id)
	if err != nil {
		t.Fatal(err)
	}
	view := slotted.Wrap(got)
	rec, err := view.Get(0)
	if err != nil || !bytes.Equal(rec, []byte("payload")) {
		t.Fatalf("round trip failed: %q err=%v", rec, err)
	}
}

func TestReopenValidatesMagicAndRecoversFreePages(t *testing.T) {
	wal := openTestWAL(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "t.tbl")

	p, err := Open(path, "t.tbl", wal)
	if err != nil {
		t.Fatal(err)
	}
	id, buf := p.AllocPage()
	slotted.Init(buf, page.TypeHeapData, id)
	if err := p.WritePage(1, id, buf); err != nil {
		t.Fatal(err)
	}
	p.FreePage(id)
	if err := p.Checkpoint(); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}

	p2, err := Open(path, "t.tbl", wal)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p2.Close()

	reused, _ := p2.AllocPage()
	if reused != id {
		t.Fatalf("expected freed page %d to be reused, got %d", id, reused)
	}
}

func TestOpenRejectsBadMagic(t *testing.T) {
	wal := openTestWAL(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.tbl")

	p, err := Open(path, "bad.tbl", wal)
	if err != nil {
		t.Fatal(err)
	}
	p.Close()

	// Corrupt the magic bytes directly.
	raw, err := Open(path, "bad.tbl", wal)
	if err != nil {
		t.Fatal(err)
	}
	hdr, err := raw.ReadHeaderPage()
	if err != nil {
		t.Fatal(err)
	}
	hdr[0] = 0xFF
	if err := raw.WriteHeaderPage(hdr); err != nil {
		t.Fatal(err)
	}
	raw.Close()

	if _, err := Open(path, "bad.tbl", wal); err == nil {
		t.Fatal("expected bad-magic error on reopen")
	}
}

// TestUndoRevertsFreshPageToNeverWritten exercises the exact shape a rolled
// back INSERT into a brand-new page produces: AllocPage/Init/Insert mutate
// the pool frame in place before WritePage is ever called, so Undo must rely
// on the pre-write image captured from disk (all-zero, since the page never
// existed there), not on anything still cached in the frame.
func TestUndoRevertsFreshPageToNeverWritten(t *testing.T) {
	wal := openTestWAL(t)
	dir := t.TempDir()
	p, err := Open(filepath.Join(dir, "t.tbl"), "t.tbl", wal)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	id, buf := p.AllocPage()
	sp := slotted.Init(buf, page.TypeHeapData, id)
	if _, err := sp.Insert([]byte("payload")); err != nil {
		t.Fatal(err)
	}
	if err := p.WritePage(7, id, sp.Bytes()); err != nil {
		t.Fatal(err)
	}
	p.UnpinPage(id)

	if err := p.Undo(7); err != nil {
		t.Fatal(err)
	}

	if err := p.Checkpoint(); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}

	p2, err := Open(filepath.Join(dir, "t.tbl"), "t.tbl", wal)
	if err != nil {
		t.Fatal(err)
	}
	defer p2.Close()

	got, err := p2.ReadPage(id)
	if err != nil {
		t.Fatal(err)
	}
	defer p2.UnpinPage(id)
	view := slotted.Wrap(got)
	if view.SlotCount() > 0 {
		t.Fatalf("expected undone page to read back as empty, got %d slots", view.SlotCount())
	}
}

// TestUndoRestoresPriorCommittedImage covers the non-fresh case: a second
// write to an already-persisted page, rolled back, must restore the first
// write's image rather than an all-zero page.
func TestUndoRestoresPriorCommittedImage(t *testing.T) {
	wal := openTestWAL(t)
	dir := t.TempDir()
	p, err := Open(filepath.Join(dir, "t.tbl"), "t.tbl", wal)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	id, buf := p.AllocPage()
	sp := slotted.Init(buf, page.TypeHeapData, id)
	if _, err := sp.Insert([]byte("first")); err != nil {
		t.Fatal(err)
	}
	if err := p.WritePage(1, id, sp.Bytes()); err != nil {
		t.Fatal(err)
	}
	p.UnpinPage(id)
	if err := p.Checkpoint(); err != nil {
		t.Fatal(err)
	}

	got, err := p.ReadPage(id)
	if err != nil {
		t.Fatal(err)
	}
	sp2 := slotted.Wrap(got)
	if _, err := sp2.Insert([]byte("second")); err != nil {
		t.Fatal(err)
	}
	if err := p.WritePage(2, id, sp2.Bytes()); err != nil {
		t.Fatal(err)
	}
	p.UnpinPage(id)

	if err := p.Undo(2); err != nil {
		t.Fatal(err)
	}

	after, err := p.ReadPage(id)
	if err != nil {
		t.Fatal(err)
	}
	defer p.UnpinPage(id)
	view := slotted.Wrap(after)
	if view.SlotCount() != 1 {
		t.Fatalf("expected undo to restore the single first-write record, got %d slots", view.SlotCount())
	}
	rec, err := view.Get(0)
	if err != nil || !bytes.Equal(rec, []byte("first")) {
		t.Fatalf("expected undo to restore %q, got %q err=%v", "first", rec, err)
	}
}
