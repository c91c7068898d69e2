// Package btree implements the on-disk B+Tree index: internal nodes carrying
// sorted separator keys and child pointers, leaf nodes carrying sorted
// (key, RID) pairs with sibling links, split-on-overflow, and borrow/merge
// rebalancing on underflow.
package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/SimonWaldherr/minidb/internal/storage/page"
	"github.com/SimonWaldherr/minidb/internal/storage/rid"
	"github.com/SimonWaldherr/minidb/internal/storage/tuple"
)

// Node layout, after the common 24-byte page header:
//
//	[24:28] RightChild (uint32 LE) — internal nodes: child for keys >= the
//	        last separator. Leaf nodes: NextLeaf sibling pointer.
//	[28:32] PrevLeaf (uint32 LE) — leaf nodes only, zero on internal nodes.
//	[32:)   slot directory, then the record region growing backward from
//	        the page end — tracked via the common header's FreeStart/FreeEnd,
//	        same convention as the heap file's slotted pages.
//
// Internal record: [childID uint32 LE][key bytes via tuple.EncodeValue].
// Leaf record: [key bytes via tuple.EncodeValue][rid 6 bytes big-endian].
const (
	rightOrNextOff = page.HeaderSize // 24
	prevLeafOff    = rightOrNextOff + 4
	slotDirOff     = prevLeafOff + 4 // 32
	slotEntrySize  = 4
)

// entry is a decoded slot: either (key, childID) for an internal node or
// (key, rid) for a leaf.
type entry struct {
	key   tuple.Value
	child page.ID
	rid   rid.RID
}

type node struct {
	buf     []byte
	keyType tuple.Type
}

func wrapNode(buf []byte, keyType tuple.Type) *node { return &node{buf: buf, keyType: keyType} }

func initNode(buf []byte, id page.ID, leaf bool, keyType tuple.Type) *node {
	h := page.Header{ID: id, FreeStart: slotDirOff, FreeEnd: page.Size}
	if leaf {
		h.Type = page.TypeBTreeLeaf
		h.Flags = page.FlagLeaf
	} else {
		h.Type = page.TypeBTreeInternal
	}
	page.MarshalHeader(&h, buf)
	binary.LittleEndian.PutUint32(buf[rightOrNextOff:], uint32(page.InvalidID))
	binary.LittleEndian.PutUint32(buf[prevLeafOff:], uint32(page.InvalidID))
	return &node{buf: buf, keyType: keyType}
}

func (n *node) header() page.Header { return page.UnmarshalHeader(n.buf) }

func (n *node) id() page.ID { return n.header().ID }

func (n *node) isLeaf() bool { return n.header().Flags&page.FlagLeaf != 0 }

func (n *node) rightChild() page.ID { return page.ID(binary.LittleEndian.Uint32(n.buf[rightOrNextOff:])) }
func (n *node) setRightChild(id page.ID) {
	binary.LittleEndian.PutUint32(n.buf[rightOrNextOff:], uint32(id))
}

func (n *node) nextLeaf() page.ID { return page.ID(binary.LittleEndian.Uint32(n.buf[rightOrNextOff:])) }
func (n *node) setNextLeaf(id page.ID) {
	binary.LittleEndian.PutUint32(n.buf[rightOrNextOff:], uint32(id))
}

func (n *node) prevLeaf() page.ID { return page.ID(binary.LittleEndian.Uint32(n.buf[prevLeafOff:])) }
func (n *node) setPrevLeaf(id page.ID) {
	binary.LittleEndian.PutUint32(n.buf[prevLeafOff:], uint32(id))
}

func (n *node) freeStart() int { return int(binary.LittleEndian.Uint16(n.buf[20:22])) }
func (n *node) setFreeStart(v int) {
	binary.LittleEndian.PutUint16(n.buf[20:22], uint16(v))
}
func (n *node) freeEnd() int { return int(binary.LittleEndian.Uint16(n.buf[22:24])) }
func (n *node) setFreeEnd(v int) {
	binary.LittleEndian.PutUint16(n.buf[22:24], uint16(v))
}

func (n *node) count() int { return (n.freeStart() - slotDirOff) / slotEntrySize }

func (n *node) freeSpace() int { return n.freeEnd() - n.freeStart() - slotEntrySize }

type slotEntry struct{ offset, length uint16 }

func (n *node) getSlot(i int) slotEntry {
	off := slotDirOff + i*slotEntrySize
	return slotEntry{
		offset: binary.LittleEndian.Uint16(n.buf[off:]),
		length: binary.LittleEndian.Uint16(n.buf[off+2:]),
	}
}

func (n *node) setSlot(i int, s slotEntry) {
	off := slotDirOff + i*slotEntrySize
	binary.LittleEndian.PutUint16(n.buf[off:], s.offset)
	binary.LittleEndian.PutUint16(n.buf[off+2:], s.length)
}

func (n *node) record(i int) []byte {
	s := n.getSlot(i)
	return n.buf[s.offset : s.offset+s.length]
}

func (n *node) marshalEntry(e entry) ([]byte, error) {
	keyBuf, err := tuple.EncodeValue(nil, e.key)
	if err != nil {
		return nil, err
	}
	if n.isLeaf() {
		rec := make([]byte, len(keyBuf)+rid.Size)
		copy(rec, keyBuf)
		ridBytes := rid.Encode(e.rid)
		copy(rec[len(keyBuf):], ridBytes[:])
		return rec, nil
	}
	rec := make([]byte, 4+len(keyBuf))
	binary.LittleEndian.PutUint32(rec[0:4], uint32(e.child))
	copy(rec[4:], keyBuf)
	return rec, nil
}

func (n *node) unmarshalEntry(rec []byte) (entry, error) {
	if n.isLeaf() {
		v, used, err := tuple.DecodeValue(n.keyType, rec)
		if err != nil {
			return entry{}, err
		}
		r, err := rid.Decode(rec[used : used+rid.Size])
		if err != nil {
			return entry{}, err
		}
		return entry{key: v, rid: r}, nil
	}
	child := page.ID(binary.LittleEndian.Uint32(rec[0:4]))
	v, _, err := tuple.DecodeValue(n.keyType, rec[4:])
	if err != nil {
		return entry{}, err
	}
	return entry{key: v, child: child}, nil
}

func (n *node) entryAt(i int) entry {
	e, err := n.unmarshalEntry(n.record(i))
	if err != nil {
		panic(fmt.Sprintf("btree: corrupt entry at slot %d: %v", i, err))
	}
	return e
}

func (n *node) entries() []entry {
	c := n.count()
	out := make([]entry, c)
	for i := 0; i < c; i++ {
		out[i] = n.entryAt(i)
	}
	return out
}

// appendEntry appends a record to the tail of the free region and registers
// a new slot for it. The caller is responsible for keeping slots in sorted
// key order (every mutation in this package rebuilds nodes from a sorted
// in-memory entry slice rather than inserting into the middle of a page).
func (n *node) appendEntry(e entry) error {
	rec, err := n.marshalEntry(e)
	if err != nil {
		return err
	}
	if n.freeSpace() < len(rec) {
		return page.ErrPageFull
	}
	newEnd := n.freeEnd() - len(rec)
	copy(n.buf[newEnd:], rec)
	n.setFreeEnd(newEnd)
	idx := n.count()
	n.setSlot(idx, slotEntry{offset: uint16(newEnd), length: uint16(len(rec))})
	n.setFreeStart(slotDirOff + (idx+1)*slotEntrySize)
	return nil
}

// rebuild clears the node's entry region and re-appends entries in order,
// preserving the node's identity, type and sibling pointers.
func (n *node) rebuild(entries []entry) error {
	id := n.id()
	leaf := n.isLeaf()
	right := n.rightChild()
	prev := n.prevLeaf()
	fresh := initNode(n.buf, id, leaf, n.keyType)
	if leaf {
		fresh.setNextLeaf(right)
		fresh.setPrevLeaf(prev)
	} else {
		fresh.setRightChild(right)
	}
	for _, e := range entries {
		if err := fresh.appendEntry(e); err != nil {
			return err
		}
	}
	return nil
}

// searchLeaf returns the index of the first entry whose (key, rid) is >=
// the given search key (and rid, used as a tie-breaker for duplicates).
func (n *node) searchLeaf(key tuple.Value, tie rid.RID, hasTie bool) (int, error) {
	entries := n.entries()
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		cmp, err := tuple.Compare(entries[mid].key, key)
		if err != nil {
			return 0, err
		}
		less := cmp == tuple.Less
		if cmp == tuple.Equal && hasTie {
			less = entries[mid].rid.Less(tie)
		}
		if less {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, nil
}

// searchInternal returns the child page to descend into for key.
func (n *node) searchInternal(key tuple.Value) (page.ID, error) {
	entries := n.entries()
	for _, e := range entries {
		cmp, err := tuple.Compare(key, e.key)
		if err != nil {
			return 0, err
		}
		if cmp == tuple.Less {
			return e.child, nil
		}
	}
	return n.rightChild(), nil
}
