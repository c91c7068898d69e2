// Package slotted implements the in-memory view over a single 4096-byte page
// buffer shared by heap data pages and B-Tree nodes: insert, get, update,
// delete and compaction of variable-length records behind a slot directory.
package slotted

import (
	"encoding/binary"
	"fmt"

	"github.com/SimonWaldherr/minidb/internal/storage/page"
)

// slotEntrySize is the byte size of one slot directory entry: offset (u16) +
// length (u16).
const slotEntrySize = 4

// Entry describes one slot in the directory. A deleted slot has
// Offset==0 and Length==0 and is eligible for reuse by a later insert.
type Entry struct {
	Offset uint16
	Length uint16
}

func (e Entry) deleted() bool { return e.Offset == 0 && e.Length == 0 }

// Page wraps a raw 4096-byte page buffer and provides record-level
// operations over its slot directory and tuple region.
type Page struct {
	buf []byte
}

// Wrap views an existing, already-initialised page buffer as a slotted page.
func Wrap(buf []byte) *Page {
	if len(buf) != page.Size {
		panic("slotted: page buffer must be exactly page.Size bytes")
	}
	return &Page{buf: buf}
}

// Init initialises buf as an empty slotted page of the given type and id.
func Init(buf []byte, t page.Type, id page.ID) *Page {
	h := page.Header{ID: id, Type: t, FreeStart: page.HeaderSize, FreeEnd: page.Size}
	page.MarshalHeader(&h, buf)
	return Wrap(buf)
}

// Header returns the page's common header.
func (p *Page) Header() page.Header { return page.UnmarshalHeader(p.buf) }

func (p *Page) setFreeStart(v uint16) { binary.LittleEndian.PutUint16(p.buf[20:22], v) }
func (p *Page) setFreeEnd(v uint16)   { binary.LittleEndian.PutUint16(p.buf[22:24], v) }

// freeStart is the offset just past the slot directory (== slotCount*4+24).
func (p *Page) freeStart() int { return int(binary.LittleEndian.Uint16(p.buf[20:22])) }

// freeEnd is the offset where the tuple region begins (shrinks on insert).
func (p *Page) freeEnd() int { return int(binary.LittleEndian.Uint16(p.buf[22:24])) }

// SlotCount returns the number of directory entries, including tombstones.
func (p *Page) SlotCount() int {
	return (p.freeStart() - page.HeaderSize) / slotEntrySize
}

func (p *Page) slotOff(i int) int { return page.HeaderSize + i*slotEntrySize }

// GetSlot returns the slot entry at index i.
func (p *Page) GetSlot(i int) Entry {
	off := p.slotOff(i)
	return Entry{
		Offset: binary.LittleEndian.Uint16(p.buf[off:]),
		Length: binary.LittleEndian.Uint16(p.buf[off+2:]),
	}
}

func (p *Page) setSlot(i int, e Entry) {
	off := p.slotOff(i)
	binary.LittleEndian.PutUint16(p.buf[off:], e.Offset)
	binary.LittleEndian.PutUint16(p.buf[off+2:], e.Length)
}

// IsDeleted reports whether slot i is a tombstone.
func (p *Page) IsDeleted(i int) bool { return p.GetSlot(i).deleted() }

// FreeSpace returns the bytes available for one more record plus its slot.
func (p *Page) FreeSpace() int {
	return p.freeEnd() - p.freeStart() - slotEntrySize
}

// Get returns the raw bytes stored at slot i, or ErrNotFound if deleted.
func (p *Page) Get(i int) ([]byte, error) {
	if i < 0 || i >= p.SlotCount() {
		return nil, fmt.Errorf("%w: slot %d", page.ErrSlotOutOfRange, i)
	}
	e := p.GetSlot(i)
	if e.deleted() {
		return nil, page.ErrNotFound
	}
	return p.buf[e.Offset : e.Offset+e.Length], nil
}

// lowestTombstone returns the lowest-indexed deleted slot, or -1.
func (p *Page) lowestTombstone() int {
	sc := p.SlotCount()
	for i := 0; i < sc; i++ {
		if p.IsDeleted(i) {
			return i
		}
	}
	return -1
}

// Insert places data into the page, reusing the lowest deleted slot_id
// before allocating a new one, per the spec's documented tie-break. Returns
// the slot index or ErrPageFull if there is insufficient contiguous space.
func (p *Page) Insert(data []byte) (int, error) {
	needed := len(data)
	reuse := p.lowestTombstone()

	space := p.freeEnd() - p.freeStart()
	if reuse < 0 {
		space -= slotEntrySize
	}
	if space < needed {
		return -1, page.ErrPageFull
	}

	newEnd := p.freeEnd() - needed
	copy(p.buf[newEnd:], data)
	p.setFreeEnd(uint16(newEnd))

	if reuse >= 0 {
		p.setSlot(reuse, Entry{Offset: uint16(newEnd), Length: uint16(needed)})
		return reuse, nil
	}

	idx := p.SlotCount()
	p.setSlot(idx, Entry{Offset: uint16(newEnd), Length: uint16(needed)})
	p.setFreeStart(uint16(p.freeStart() + slotEntrySize))
	return idx, nil
}

// Delete tombstones slot i. Space is not reclaimed until Compact.
func (p *Page) Delete(i int) error {
	if i < 0 || i >= p.SlotCount() {
		return fmt.Errorf("%w: slot %d", page.ErrSlotOutOfRange, i)
	}
	p.setSlot(i, Entry{})
	return nil
}

// Update rewrites slot i's record. If the new data fits within the old
// slot's length it is rewritten in place; otherwise the old slot is
// tombstoned and the data is appended as a new record at the current
// slot index via Insert semantics (returns ErrPageFull if there is no room,
// in which case the caller must relocate the tuple to another page).
func (p *Page) Update(i int, data []byte) error {
	if i < 0 || i >= p.SlotCount() {
		return fmt.Errorf("%w: slot %d", page.ErrSlotOutOfRange, i)
	}
	old := p.GetSlot(i)
	if old.deleted() {
		return page.ErrNotFound
	}
	if len(data) <= int(old.Length) {
		copy(p.buf[old.Offset:], data)
		p.setSlot(i, Entry{Offset: old.Offset, Length: uint16(len(data))})
		return nil
	}

	p.setSlot(i, Entry{})
	needed := len(data)
	if p.freeEnd()-p.freeStart() < needed {
		return page.ErrPageFull
	}
	newEnd := p.freeEnd() - needed
	copy(p.buf[newEnd:], data)
	p.setFreeEnd(uint16(newEnd))
	p.setSlot(i, Entry{Offset: uint16(newEnd), Length: uint16(needed)})
	return nil
}

// Compact rewrites the tuple region contiguously against the page end,
// preserving the multiset of live tuples and their slot ids.
func (p *Page) Compact() {
	sc := p.SlotCount()
	type rec struct {
		slot int
		data []byte
	}
	live := make([]rec, 0, sc)
	for i := 0; i < sc; i++ {
		if e := p.GetSlot(i); !e.deleted() {
			data := append([]byte(nil), p.buf[e.Offset:e.Offset+e.Length]...)
			live = append(live, rec{slot: i, data: data})
		}
	}
	p.setFreeEnd(page.Size)
	for _, r := range live {
		newEnd := p.freeEnd() - len(r.data)
		copy(p.buf[newEnd:], r.data)
		p.setFreeEnd(uint16(newEnd))
		p.setSlot(r.slot, Entry{Offset: uint16(newEnd), Length: uint16(len(r.data))})
	}
}

// LiveRecords returns the number of non-deleted slots.
func (p *Page) LiveRecords() int {
	n := 0
	for i := 0; i < p.SlotCount(); i++ {
		if !p.IsDeleted(i) {
			n++
		}
	}
	return n
}

// Each calls fn(slot, data) for every live record in ascending slot order.
// Iteration stops early if fn returns false.
func (p *Page) Each(fn func(slot int, data []byte) bool) {
	for i := 0; i < p.SlotCount(); i++ {
		e := p.GetSlot(i)
		if e.deleted() {
			continue
		}
		if !fn(i, p.buf[e.Offset:e.Offset+e.Length]) {
			return
		}
	}
}

// Bytes returns the underlying page buffer.
func (p *Page) Bytes() []byte { return p.buf }
