// Package heap implements the `.tbl` heap file: a header page carrying the
// table's name and schema, followed by data pages of slotted tuples, with
// full scan and insert/update/delete by RID.
package heap

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/SimonWaldherr/minidb/internal/storage/page"
	"github.com/SimonWaldherr/minidb/internal/storage/pagefile"
	"github.com/SimonWaldherr/minidb/internal/storage/rid"
	"github.com/SimonWaldherr/minidb/internal/storage/slotted"
	"github.com/SimonWaldherr/minidb/internal/storage/tuple"
	"github.com/SimonWaldherr/minidb/internal/storage/walog"
)

// headerPayload is the JSON document stored in page 0 past the pager's own
// magic/version/free-list-root prefix.
type headerPayload struct {
	Name   string       `json:"name"`
	Schema tuple.Schema `json:"schema"`
}

// File is one open `.tbl` heap file.
type File struct {
	mu     sync.Mutex
	pager  *pagefile.Pager
	name   string
	schema tuple.Schema

	// hint is the last data page believed to have free space; insert tries
	// it first before scanning forward or allocating a new page.
	hint page.ID
}

// Create initializes a new heap file at path for the given table name and
// schema. The pager is tagged with path's base name, not name, so the WAL
// records it produces match what a later reopen (Open) tags them with —
// db.DB's recovery pager map is keyed by the catalog's FilePath, which is
// that same base name.
func Create(path, name string, schema tuple.Schema, wal *walog.WAL) (*File, error) {
	pg, err := pagefile.Open(path, filepath.Base(path), wal)
	if err != nil {
		return nil, err
	}
	f := &File{pager: pg, name: name, schema: schema, hint: 1}
	if err := f.writeHeader(); err != nil {
		pg.Close()
		return nil, err
	}
	return f, nil
}

// Open opens an existing `.tbl` file and loads its schema from page 0.
func Open(path string, wal *walog.WAL) (*File, error) {
	pg, err := pagefile.Open(path, filepath.Base(path), wal)
	if err != nil {
		return nil, err
	}
	f := &File{pager: pg, hint: 1}
	if err := f.readHeader(); err != nil {
		pg.Close()
		return nil, err
	}
	return f, nil
}

func (f *File) writeHeader() error {
	hdr, err := f.pager.ReadHeaderPage()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(headerPayload{Name: f.name, Schema: f.schema})
	if err != nil {
		return fmt.Errorf("heap: marshal header: %w", err)
	}
	if len(payload) > page.Size-pagefile.HeaderPayloadOffset {
		return fmt.Errorf("heap: schema too large for header page")
	}
	clear(hdr[pagefile.HeaderPayloadOffset:])
	copy(hdr[pagefile.HeaderPayloadOffset:], payload)
	return f.pager.WriteHeaderPage(hdr)
}

func (f *File) readHeader() error {
	hdr, err := f.pager.ReadHeaderPage()
	if err != nil {
		return err
	}
	rest := hdr[pagefile.HeaderPayloadOffset:]
	end := indexZero(rest)
	var payload headerPayload
	if err := json.Unmarshal(rest[:end], &payload); err != nil {
		return fmt.Errorf("heap: decode header: %w", err)
	}
	f.name = payload.Name
	f.schema = payload.Schema
	return nil
}

func indexZero(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return len(b)
}

// Schema returns the table's schema.
func (f *File) Schema() tuple.Schema { return f.schema }

// Name returns the table name.
func (f *File) Name() string { return f.name }

// Close flushes and closes the underlying pager.
func (f *File) Close() error { return f.pager.Close() }

// Checkpoint flushes dirty pages to disk.
func (f *File) Checkpoint() error { return f.pager.Checkpoint() }

// Pager returns the underlying pager, keyed under its own file-name tag in
// the shared WAL — needed by the engine to assemble the table map recovery
// replays against.
func (f *File) Pager() *pagefile.Pager { return f.pager }

// dataPage loads page id as a slotted page (id == 0 is reserved for the
// header). It does not allocate: a read error is returned as is.
func (f *File) dataPage(id page.ID) (*slotted.Page, error) {
	buf, err := f.pager.ReadPage(id)
	if err != nil {
		return nil, err
	}
	return slotted.Wrap(buf), nil
}

// Insert writes tupleBytes to the first data page with sufficient free
// space, starting from the cached hint, allocating a new page otherwise.
// Returns the RID the tuple was placed at.
func (f *File) Insert(txnID uint32, tupleBytes []byte) (rid.RID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.hint
	if id < 1 {
		id = 1
	}
	for {
		buf, err := f.pager.ReadPage(id)
		if err != nil {
			// id does not exist yet: allocate a fresh page.
			newID, newBuf := f.pager.AllocPage()
			sp := slotted.Init(newBuf, page.TypeHeapData, newID)
			slot, ierr := sp.Insert(tupleBytes)
			if ierr != nil {
				f.pager.UnpinPage(newID)
				return rid.RID{}, ierr
			}
			if werr := f.pager.WritePage(txnID, newID, sp.Bytes()); werr != nil {
				f.pager.UnpinPage(newID)
				return rid.RID{}, werr
			}
			f.pager.UnpinPage(newID)
			f.hint = newID
			return rid.RID{PageID: newID, Slot: uint16(slot)}, nil
		}

		sp := slotted.Wrap(buf)
		if sp.FreeSpace() >= len(tupleBytes) {
			slot, ierr := sp.Insert(tupleBytes)
			if ierr == nil {
				if werr := f.pager.WritePage(txnID, id, sp.Bytes()); werr != nil {
					f.pager.UnpinPage(id)
					return rid.RID{}, werr
				}
				f.pager.UnpinPage(id)
				f.hint = id
				return rid.RID{PageID: id, Slot: uint16(slot)}, nil
			}
		}
		f.pager.UnpinPage(id)
		id++
	}
}

// Get returns the raw tuple bytes at r, or page.ErrNotFound.
func (f *File) Get(r rid.RID) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sp, err := f.dataPage(r.PageID)
	if err != nil {
		return nil, err
	}
	defer f.pager.UnpinPage(r.PageID)
	data, err := sp.Get(int(r.Slot))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), data...), nil
}

// Update attempts an in-place rewrite at r. If the new tuple does not fit,
// the old slot is deleted and the tuple is re-inserted elsewhere, and the
// new RID is returned — callers that maintain indexes over this table must
// propagate the RID change to every index entry pointing at r.
func (f *File) Update(txnID uint32, r rid.RID, newBytes []byte) (rid.RID, error) {
	f.mu.Lock()
	sp, err := f.dataPage(r.PageID)
	if err != nil {
		f.mu.Unlock()
		return rid.RID{}, err
	}
	uerr := sp.Update(int(r.Slot), newBytes)
	if uerr == nil {
		werr := f.pager.WritePage(txnID, r.PageID, sp.Bytes())
		f.pager.UnpinPage(r.PageID)
		f.mu.Unlock()
		if werr != nil {
			return rid.RID{}, werr
		}
		return r, nil
	}
	// Does not fit in place: delete + re-insert (RID changes).
	_ = sp.Delete(int(r.Slot))
	if werr := f.pager.WritePage(txnID, r.PageID, sp.Bytes()); werr != nil {
		f.pager.UnpinPage(r.PageID)
		f.mu.Unlock()
		return rid.RID{}, werr
	}
	f.pager.UnpinPage(r.PageID)
	f.mu.Unlock()
	return f.Insert(txnID, newBytes)
}

// Delete tombstones the slot at r.
func (f *File) Delete(txnID uint32, r rid.RID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	sp, err := f.dataPage(r.PageID)
	if err != nil {
		return err
	}
	if err := sp.Delete(int(r.Slot)); err != nil {
		f.pager.UnpinPage(r.PageID)
		return err
	}
	err = f.pager.WritePage(txnID, r.PageID, sp.Bytes())
	f.pager.UnpinPage(r.PageID)
	return err
}

// Cursor iterates pages 1..N in ascending (page_id, slot_id) order.
// Restartable by calling Scan again.
type Cursor struct {
	f       *File
	id      page.ID
	current *slotted.Page
	slot    int
}

// Scan returns a fresh cursor over the whole heap file.
func (f *File) Scan() *Cursor { return &Cursor{f: f, id: 1, slot: 0} }

// Next advances the cursor, returning the next live (RID, bytes) pair. The
// second return value is false once the heap is exhausted.
func (c *Cursor) Next() (rid.RID, []byte, bool) {
	for {
		if c.current == nil {
			buf, err := c.f.pager.ReadPage(c.id)
			if err != nil {
				return rid.RID{}, nil, false
			}
			c.current = slotted.Wrap(buf)
			c.slot = 0
		}
		if c.slot >= c.current.SlotCount() {
			c.f.pager.UnpinPage(c.id)
			c.current = nil
			c.id++
			continue
		}
		slot := c.slot
		c.slot++
		if c.current.IsDeleted(slot) {
			continue
		}
		data, err := c.current.Get(slot)
		if err != nil {
			continue
		}
		return rid.RID{PageID: c.id, Slot: uint16(slot)}, append([]byte(nil), data...), true
	}
}

// Close releases the cursor's pinned page, if any.
func (c *Cursor) Close() {
	if c.current != nil {
		c.f.pager.UnpinPage(c.id)
		c.current = nil
	}
}
