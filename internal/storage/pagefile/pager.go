// Package pagefile implements the Pager: random-access 4096-byte page I/O
// against a single `.tbl` or `.idx` file, an LRU buffer pool with pinning,
// and free-list page reuse, all logged through one shared walog.WAL.
//
// Unlike the teacher storage engine, where a Pager owns a private, embedded
// WAL for one shared database file, MiniDB keeps one Pager per on-disk file
// and points every Pager at the same *walog.WAL, tagging each logged record
// with the file's table name so a single recovery pass can fan records back
// out to the right file.
package pagefile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/SimonWaldherr/minidb/internal/storage/page"
	"github.com/SimonWaldherr/minidb/internal/storage/walog"
)

// HeaderPayloadOffset is where the caller-owned page-0 payload begins, after
// the magic, format version and free-list root that the Pager itself owns.
const HeaderPayloadOffset = 8

// frame is one cached page.
type frame struct {
	id     page.ID
	buf    []byte
	dirty  bool
	pinned int
	prev, next *frame
}

type bufferPool struct {
	mu       sync.Mutex
	maxPages int
	pages    map[page.ID]*frame
	head, tail *frame
}

func newBufferPool(maxPages int) *bufferPool {
	if maxPages <= 0 {
		maxPages = 1024
	}
	return &bufferPool{maxPages: maxPages, pages: make(map[page.ID]*frame, maxPages)}
}

func (bp *bufferPool) get(id page.ID) (*frame, bool) {
	f, ok := bp.pages[id]
	if ok {
		bp.moveToFront(f)
	}
	return f, ok
}

func (bp *bufferPool) put(f *frame) {
	if _, exists := bp.pages[f.id]; exists {
		bp.moveToFront(f)
		return
	}
	for len(bp.pages) >= bp.maxPages {
		if !bp.evictOne() {
			break
		}
	}
	bp.pages[f.id] = f
	bp.pushFront(f)
}

func (bp *bufferPool) remove(id page.ID) {
	f, ok := bp.pages[id]
	if !ok {
		return
	}
	bp.unlink(f)
	delete(bp.pages, id)
}

// evictOne removes the least-recently-used unpinned page. A pinned page may
// never be evicted.
func (bp *bufferPool) evictOne() bool {
	for f := bp.tail; f != nil; f = f.prev {
		if f.pinned == 0 {
			bp.unlink(f)
			delete(bp.pages, f.id)
			return true
		}
	}
	return false
}

func (bp *bufferPool) dirtyPages() []*frame {
	var out []*frame
	for _, f := range bp.pages {
		if f.dirty {
			out = append(out, f)
		}
	}
	return out
}

func (bp *bufferPool) pushFront(f *frame) {
	f.prev = nil
	f.next = bp.head
	if bp.head != nil {
		bp.head.prev = f
	}
	bp.head = f
	if bp.tail == nil {
		bp.tail = f
	}
}

func (bp *bufferPool) unlink(f *frame) {
	if f.prev != nil {
		f.prev.next = f.next
	} else {
		bp.head = f.next
	}
	if f.next != nil {
		f.next.prev = f.prev
	} else {
		bp.tail = f.prev
	}
	f.prev, f.next = nil, nil
}

func (bp *bufferPool) moveToFront(f *frame) {
	bp.unlink(f)
	bp.pushFront(f)
}

// undoEntry is one page's pre-write image, kept only until its owning
// transaction commits or rolls back.
type undoEntry struct {
	pageID page.ID
	before []byte
}

// Pager manages page-level I/O, the buffer pool and the free list for one
// on-disk file, with mutations journaled through a shared WAL.
type Pager struct {
	mu      sync.RWMutex
	f       *os.File
	wal     *walog.WAL
	table   string // WAL tag; also the file's base name
	pool    *bufferPool
	free    *freeList
	path    string
	nextID  page.ID
	closed  bool

	// undoLog holds each open transaction's pre-write page images, oldest
	// first, so Undo can restore them in reverse on rollback.
	undoLog map[uint32][]undoEntry
}

// Open opens or creates the page file at path, tagging every WAL record it
// produces with table (e.g. "orders.tbl").
func Open(path, table string, wal *walog.WAL) (*Pager, error) {
	isNew := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		isNew = true
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pagefile: open %s: %w", path, err)
	}

	p := &Pager{
		f:       f,
		wal:     wal,
		table:   table,
		pool:    newBufferPool(256),
		free:    newFreeList(),
		path:    path,
		undoLog: make(map[uint32][]undoEntry),
	}

	if isNew {
		hdr := make([]byte, page.Size)
		binary.BigEndian.PutUint16(hdr[0:2], page.MagicDBFile)
		binary.BigEndian.PutUint16(hdr[2:4], page.FormatVersion)
		binary.BigEndian.PutUint32(hdr[4:8], uint32(page.InvalidID))
		if _, err := f.WriteAt(hdr, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("pagefile: write header page: %w", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, err
		}
		p.nextID = 1
		return p, nil
	}

	hdr := make([]byte, page.Size)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("pagefile: read header page: %w", err)
	}
	magic := binary.BigEndian.Uint16(hdr[0:2])
	if magic != page.MagicDBFile {
		f.Close()
		return nil, fmt.Errorf("%w: %s", page.ErrBadMagic, path)
	}
	version := binary.BigEndian.Uint16(hdr[2:4])
	if version != page.FormatVersion {
		f.Close()
		return nil, fmt.Errorf("%w: %s has version %d", page.ErrVersionMismatch, path, version)
	}

	flRoot := page.ID(binary.BigEndian.Uint32(hdr[4:8]))
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	p.nextID = page.ID(info.Size() / page.Size)
	if p.nextID < 1 {
		p.nextID = 1
	}

	if flRoot != page.InvalidID {
		if err := p.free.loadFromDisk(flRoot, p.readRaw); err != nil {
			f.Close()
			return nil, fmt.Errorf("pagefile: load free list: %w", err)
		}
	}

	return p, nil
}

// Table returns the WAL table tag this pager was opened with.
func (p *Pager) Table() string { return p.table }

// Path returns the underlying file path.
func (p *Pager) Path() string { return p.path }

func (p *Pager) readRaw(id page.ID) ([]byte, error) {
	buf := make([]byte, page.Size)
	off := int64(id) * page.Size
	if _, err := p.f.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("pagefile: read page %d: %w", id, err)
	}
	if id != 0 {
		if err := page.VerifyCRC(buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func (p *Pager) writeRaw(id page.ID, buf []byte) error {
	if id != 0 {
		page.SetCRC(buf)
	}
	off := int64(id) * page.Size
	if _, err := p.f.WriteAt(buf, off); err != nil {
		return fmt.Errorf("pagefile: write page %d: %w", id, err)
	}
	return nil
}

// ReadHeaderPage returns the raw contents of page 0 (file header + caller
// payload), bypassing CRC verification since the header page's integrity is
// instead guarded by its magic/version check.
func (p *Pager) ReadHeaderPage() ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	buf := make([]byte, page.Size)
	if _, err := p.f.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("pagefile: read header page: %w", err)
	}
	return buf, nil
}

// WriteHeaderPage overwrites page 0 directly (no WAL, no CRC): used for the
// schema/root-pointer payload that Heap/BTree own past HeaderPayloadOffset.
func (p *Pager) WriteHeaderPage(buf []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(buf) != page.Size {
		return fmt.Errorf("pagefile: header page must be exactly %d bytes", page.Size)
	}
	if _, err := p.f.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("pagefile: write header page: %w", err)
	}
	return p.f.Sync()
}

// ReadPage returns page id (id >= 1) through the buffer pool, pinning it.
// Call UnpinPage when done.
func (p *Pager) ReadPage(id page.ID) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.readCached(id)
}

func (p *Pager) readCached(id page.ID) ([]byte, error) {
	p.pool.mu.Lock()
	if f, ok := p.pool.get(id); ok {
		f.pinned++
		p.pool.mu.Unlock()
		return f.buf, nil
	}
	p.pool.mu.Unlock()

	buf, err := p.readRaw(id)
	if err != nil {
		return nil, err
	}
	f := &frame{id: id, buf: buf, pinned: 1}
	p.pool.mu.Lock()
	p.pool.put(f)
	p.pool.mu.Unlock()
	return buf, nil
}

// UnpinPage releases one pin on id.
func (p *Pager) UnpinPage(id page.ID) {
	p.pool.mu.Lock()
	defer p.pool.mu.Unlock()
	if f, ok := p.pool.get(id); ok && f.pinned > 0 {
		f.pinned--
	}
}

// WritePage journals buf as the new image of page id for txnID, then
// updates the buffer pool's cached (dirty) copy. The page is not flushed to
// the data file until Checkpoint.
//
// The record's Before field is captured from the data file as it stands
// right now (a never-written page reads back as all-zero), not from the
// buffer pool: a page already in the pool may have been mutated in place by
// the caller (slotted.Init/Insert/Update write directly into the shared
// buffer) before WritePage is ever called, so the pool frame cannot be
// trusted to still hold the pre-write image. Chained in reverse order by
// Undo, these disk-at-write-time snapshots reconstruct the page exactly as
// it stood before the transaction touched it, regardless of how many times
// it was rewritten in between or whether a checkpoint ran partway through.
func (p *Pager) WritePage(txnID uint32, id page.ID, buf []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	before := p.capturePreImage(id)

	page.SetCRC(buf)
	rec := walog.Record{
		TxnID:  txnID,
		Op:     walog.OpUpdate,
		Table:  p.table,
		PageID: uint32(id),
		Before: before,
		After:  append([]byte(nil), buf...),
	}
	lsn, err := p.wal.Append(rec)
	if err != nil {
		return fmt.Errorf("pagefile: WAL write page %d: %w", id, err)
	}

	hdr := page.UnmarshalHeader(buf)
	hdr.LSN = page.LSN(lsn)
	page.MarshalHeader(&hdr, buf)
	page.SetCRC(buf)

	p.pool.mu.Lock()
	f, ok := p.pool.get(id)
	if !ok {
		f = &frame{id: id, buf: make([]byte, page.Size)}
		p.pool.put(f)
	}
	copy(f.buf, buf)
	f.dirty = true
	p.pool.mu.Unlock()

	p.undoLog[txnID] = append(p.undoLog[txnID], undoEntry{pageID: id, before: before})
	return nil
}

// capturePreImage returns id's current on-disk content, or an all-zero page
// if id has never been written (a fresh page.ID from AllocPage reads back as
// EOF). Caller holds p.mu.
func (p *Pager) capturePreImage(id page.ID) []byte {
	if raw, err := p.readRaw(id); err == nil {
		return raw
	}
	return make([]byte, page.Size)
}

// Undo reverts every page this pager wrote under txnID, most recently
// written first, by re-applying each write's captured pre-image directly to
// both the data file and the buffer pool. Unlike Checkpoint this bypasses
// the WAL entirely — rollback has already logged its intent via the WAL's
// OpRollback record, and undo is the compensating action that makes a
// rolled-back write invisible to a Checkpoint/Close that runs afterward,
// rather than relying on it never being redone during recovery.
func (p *Pager) Undo(txnID uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries := p.undoLog[txnID]
	delete(p.undoLog, txnID)

	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if err := p.writeRaw(e.pageID, e.before); err != nil {
			return fmt.Errorf("pagefile: undo page %d: %w", e.pageID, err)
		}
		p.pool.mu.Lock()
		if f, ok := p.pool.get(e.pageID); ok {
			copy(f.buf, e.before)
			f.dirty = false
		}
		p.pool.mu.Unlock()
	}
	return nil
}

// Forget discards undo bookkeeping for txnID once its commit is durable, so
// the undo log does not grow without bound across a long-lived Pager.
func (p *Pager) Forget(txnID uint32) {
	p.mu.Lock()
	delete(p.undoLog, txnID)
	p.mu.Unlock()
}

// AllocPage returns a page id ready for a new page, reusing a free-list
// entry before extending the file, and pins a zeroed buffer for it in the
// cache.
func (p *Pager) AllocPage() (page.ID, []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.free.alloc()
	if id == page.InvalidID {
		id = p.nextID
		p.nextID++
	}
	buf := make([]byte, page.Size)
	f := &frame{id: id, buf: buf, pinned: 1}
	p.pool.mu.Lock()
	p.pool.put(f)
	p.pool.mu.Unlock()
	return id, buf
}

// FreePage returns id to the free list and evicts it from the cache.
func (p *Pager) FreePage(id page.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free.free(id)
	p.pool.mu.Lock()
	p.pool.remove(id)
	p.pool.mu.Unlock()
}

// Checkpoint flushes dirty pages and the free list to disk and fsyncs the
// data file. It does not touch the WAL.
func (p *Pager) Checkpoint() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pool.mu.Lock()
	dirty := p.pool.dirtyPages()
	for _, f := range dirty {
		page.SetCRC(f.buf)
		if err := p.writeRaw(f.id, f.buf); err != nil {
			p.pool.mu.Unlock()
			return fmt.Errorf("pagefile: checkpoint flush page %d: %w", f.id, err)
		}
		f.dirty = false
	}
	p.pool.mu.Unlock()

	oldRoot := p.free.root
	flRoot, flPages := p.free.flushToDisk(func() (page.ID, []byte) {
		id := p.nextID
		p.nextID++
		return id, make([]byte, page.Size)
	})
	for id, buf := range flPages {
		if err := p.writeRaw(id, buf); err != nil {
			return fmt.Errorf("pagefile: checkpoint free list: %w", err)
		}
	}
	_ = oldRoot

	hdr, err := p.readRaw(0)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(hdr[4:8], uint32(flRoot))
	if _, err := p.f.WriteAt(hdr, 0); err != nil {
		return fmt.Errorf("pagefile: write header page: %w", err)
	}

	return p.f.Sync()
}

// Close performs a final checkpoint and closes the underlying file. The
// shared WAL is owned and closed by the engine, not by individual pagers.
func (p *Pager) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if err := p.Checkpoint(); err != nil {
		_ = p.f.Close()
		return err
	}
	return p.f.Close()
}

// ApplyRedo writes a WAL-recovered page image directly to disk, bypassing
// WAL logging, and only if the page's own on-disk LSN is older than the
// record's LSN (idempotent redo).
func (p *Pager) ApplyRedo(id page.ID, recordLSN walog.LSN, image []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	existing, err := p.readRaw(id)
	if err == nil {
		h := page.UnmarshalHeader(existing)
		if uint64(h.LSN) >= uint64(recordLSN) {
			return nil // already applied
		}
	} else if errors.Is(err, page.ErrCorruptPage) {
		return err
	}
	return p.writeRaw(id, image)
}
