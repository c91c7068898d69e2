package slotted

import (
	"bytes"
	"testing"

	"github.com/SimonWaldherr/minidb/internal/storage/page"
)

func newTestPage() *Page {
	buf := make([]byte, page.Size)
	return Init(buf, page.TypeHeapData, 1)
}

func TestInsertGetRoundTrip(t *testing.T) {
	p := newTestPage()
	recs := [][]byte{[]byte("alpha"), []byte("beta"), []byte("gamma")}
	var slots []int
	for _, r := range recs {
		s, err := p.Insert(r)
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		slots = append(slots, s)
	}
	for i, s := range slots {
		got, err := p.Get(s)
		if err != nil {
			t.Fatalf("Get(%d): %v", s, err)
		}
		if !bytes.Equal(got, recs[i]) {
			t.Fatalf("slot %d: got %q want %q", s, got, recs[i])
		}
	}
}

func TestDeleteReusesLowestTombstone(t *testing.T) {
	p := newTestPage()
	s0, _ := p.Insert([]byte("r0"))
	s1, _ := p.Insert([]byte("r1"))
	s2, _ := p.Insert([]byte("r2"))
	if err := p.Delete(s1); err != nil {
		t.Fatal(err)
	}
	if err := p.Delete(s0); err != nil {
		t.Fatal(err)
	}

	// Both s0 and s1 are tombstoned; the next insert must reuse the
	// lowest deleted slot_id, which is s0.
	reused, err := p.Insert([]byte("r3"))
	if err != nil {
		t.Fatal(err)
	}
	if reused != s0 {
		t.Fatalf("expected reuse of lowest tombstone slot %d, got %d", s0, reused)
	}
	if p.SlotCount() != 3 {
		t.Fatalf("expected slot count unchanged at 3, got %d", p.SlotCount())
	}

	got, err := p.Get(s2)
	if err != nil || !bytes.Equal(got, []byte("r2")) {
		t.Fatalf("slot s2 corrupted: got %q err %v", got, err)
	}
}

func TestUpdateInPlaceAndGrowth(t *testing.T) {
	p := newTestPage()
	s, _ := p.Insert([]byte("short"))

	if err := p.Update(s, []byte("x")); err != nil {
		t.Fatalf("shrink update: %v", err)
	}
	got, _ := p.Get(s)
	if !bytes.Equal(got, []byte("x")) {
		t.Fatalf("shrink update mismatch: %q", got)
	}

	if err := p.Update(s, []byte("a much longer replacement value")); err != nil {
		t.Fatalf("growth update: %v", err)
	}
	got, _ = p.Get(s)
	if !bytes.Equal(got, []byte("a much longer replacement value")) {
		t.Fatalf("growth update mismatch: %q", got)
	}
}

func TestCompactPreservesSlotIDsAndLiveSet(t *testing.T) {
	p := newTestPage()
	s0, _ := p.Insert([]byte("aaaa"))
	s1, _ := p.Insert([]byte("bbbb"))
	s2, _ := p.Insert([]byte("cccc"))
	_ = p.Delete(s1)

	before := map[int][]byte{}
	p.Each(func(slot int, data []byte) bool {
		before[slot] = append([]byte(nil), data...)
		return true
	})

	p.Compact()

	after := map[int][]byte{}
	p.Each(func(slot int, data []byte) bool {
		after[slot] = append([]byte(nil), data...)
		return true
	})

	if len(before) != len(after) {
		t.Fatalf("compact changed live record count: %d -> %d", len(before), len(after))
	}
	for slot, data := range before {
		ad, ok := after[slot]
		if !ok || !bytes.Equal(ad, data) {
			t.Fatalf("compact lost or moved slot %d (s0=%d s2=%d)", slot, s0, s2)
		}
	}
	if p.IsDeleted(s1) == false {
		t.Fatalf("expected slot %d to remain a tombstone after compact", s1)
	}
}

func TestInsertPageFull(t *testing.T) {
	p := newTestPage()
	big := bytes.Repeat([]byte{0xAB}, page.Size)
	if _, err := p.Insert(big); err == nil {
		t.Fatal("expected ErrPageFull for an oversized record")
	}
}

func TestGetDeletedReturnsNotFound(t *testing.T) {
	p := newTestPage()
	s, _ := p.Insert([]byte("gone"))
	_ = p.Delete(s)
	if _, err := p.Get(s); err == nil {
		t.Fatal("expected error reading a deleted slot")
	}
}
