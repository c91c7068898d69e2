// Package rid defines the record identifier shared by the heap file and the
// B-Tree index.
package rid

import (
	"encoding/binary"
	"fmt"

	"github.com/SimonWaldherr/minidb/internal/storage/page"
)

// Size is the serialized size of a RID: a 4-byte page id plus a 2-byte slot id.
const Size = 6

// RID identifies one tuple: the page it lives on and its slot within that page.
// Stable from insertion until the tuple is deleted; a page's slots are reused
// only after their previous occupant has been removed.
type RID struct {
	PageID page.ID
	Slot   uint16
}

func (r RID) String() string { return fmt.Sprintf("(%d,%d)", r.PageID, r.Slot) }

// Less gives RIDs a total order, used as the B-Tree leaf tie-breaker for
// duplicate keys in non-unique indexes.
func (r RID) Less(o RID) bool {
	if r.PageID != o.PageID {
		return r.PageID < o.PageID
	}
	return r.Slot < o.Slot
}

// Encode serializes r as exactly 6 big-endian bytes, per the wire format
// used at index-leaf boundaries.
func Encode(r RID) [Size]byte {
	var buf [Size]byte
	binary.BigEndian.PutUint32(buf[0:4], uint32(r.PageID))
	binary.BigEndian.PutUint16(buf[4:6], r.Slot)
	return buf
}

// Decode parses a 6-byte big-endian RID encoding.
func Decode(buf []byte) (RID, error) {
	if len(buf) < Size {
		return RID{}, fmt.Errorf("rid: buffer too short: %d bytes", len(buf))
	}
	return RID{
		PageID: page.ID(binary.BigEndian.Uint32(buf[0:4])),
		Slot:   binary.BigEndian.Uint16(buf[4:6]),
	}, nil
}
