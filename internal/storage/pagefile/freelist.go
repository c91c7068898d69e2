package pagefile

import (
	"encoding/binary"

	"github.com/SimonWaldherr/minidb/internal/storage/page"
)

// Free-list page layout (after the common 24-byte header):
//   [24:28] NextFreeList (uint32 LE) — next chain page, 0 = end
//   [28:32] EntryCount   (uint32 LE)
//   [32:32+4*EntryCount] PageID entries (uint32 LE)
const (
	flNextOff  = page.HeaderSize
	flCountOff = flNextOff + 4
	flDataOff  = flCountOff + 4
	flEntryLen = 4
)

func flCapacity() int { return (page.Size - flDataOff) / flEntryLen }

type freeListPage struct{ buf []byte }

func initFreeListPage(buf []byte, id page.ID) *freeListPage {
	h := page.Header{ID: id, Type: page.TypeFreeList, FreeStart: page.HeaderSize, FreeEnd: page.Size}
	page.MarshalHeader(&h, buf)
	binary.LittleEndian.PutUint32(buf[flNextOff:], uint32(page.InvalidID))
	binary.LittleEndian.PutUint32(buf[flCountOff:], 0)
	return &freeListPage{buf: buf}
}

func wrapFreeListPage(buf []byte) *freeListPage { return &freeListPage{buf: buf} }

func (fl *freeListPage) next() page.ID {
	return page.ID(binary.LittleEndian.Uint32(fl.buf[flNextOff:]))
}

func (fl *freeListPage) setNext(id page.ID) {
	binary.LittleEndian.PutUint32(fl.buf[flNextOff:], uint32(id))
}

func (fl *freeListPage) count() int {
	return int(binary.LittleEndian.Uint32(fl.buf[flCountOff:]))
}

func (fl *freeListPage) entry(i int) page.ID {
	off := flDataOff + i*flEntryLen
	return page.ID(binary.LittleEndian.Uint32(fl.buf[off:]))
}

func (fl *freeListPage) add(id page.ID) bool {
	c := fl.count()
	if c >= flCapacity() {
		return false
	}
	off := flDataOff + c*flEntryLen
	binary.LittleEndian.PutUint32(fl.buf[off:], uint32(id))
	binary.LittleEndian.PutUint32(fl.buf[flCountOff:], uint32(c+1))
	return true
}

func (fl *freeListPage) all() []page.ID {
	c := fl.count()
	ids := make([]page.ID, c)
	for i := 0; i < c; i++ {
		ids[i] = fl.entry(i)
	}
	return ids
}

// freeList tracks free page ids in memory, backed by a chain of free-list
// pages persisted via Checkpoint.
type freeList struct {
	ids  map[page.ID]struct{}
	root page.ID
}

func newFreeList() *freeList { return &freeList{ids: map[page.ID]struct{}{}} }

func (fl *freeList) loadFromDisk(head page.ID, readPage func(page.ID) ([]byte, error)) error {
	fl.root = head
	id := head
	for id != page.InvalidID {
		buf, err := readPage(id)
		if err != nil {
			return err
		}
		p := wrapFreeListPage(buf)
		for _, fid := range p.all() {
			fl.ids[fid] = struct{}{}
		}
		id = p.next()
	}
	return nil
}

func (fl *freeList) alloc() page.ID {
	for id := range fl.ids {
		delete(fl.ids, id)
		return id
	}
	return page.InvalidID
}

// free marks id as reusable.
func (fl *freeList) free(id page.ID) { fl.ids[id] = struct{}{} }

func (fl *freeList) count() int { return len(fl.ids) }

func (fl *freeList) allIDs() []page.ID {
	ids := make([]page.ID, 0, len(fl.ids))
	for id := range fl.ids {
		ids = append(ids, id)
	}
	return ids
}

// flushToDisk writes the in-memory free set into free-list pages and
// returns the new chain's head plus the pages to persist.
func (fl *freeList) flushToDisk(allocPage func() (page.ID, []byte)) (page.ID, map[page.ID][]byte) {
	ids := fl.allIDs()
	if len(ids) == 0 {
		return page.InvalidID, nil
	}

	cap := flCapacity()
	pages := map[page.ID][]byte{}
	var head page.ID
	var prev *freeListPage

	for i := 0; i < len(ids); i += cap {
		end := i + cap
		if end > len(ids) {
			end = len(ids)
		}
		id, buf := allocPage()
		p := initFreeListPage(buf, id)
		for _, fid := range ids[i:end] {
			p.add(fid)
		}
		page.SetCRC(buf)
		pages[id] = buf

		if prev != nil {
			prev.setNext(id)
			page.SetCRC(prev.buf)
		} else {
			head = id
		}
		prev = p
	}

	fl.root = head
	return head, pages
}
