// Package db wires the storage layer into a single open handle: the
// catalog, one heap file and zero or more B-Tree indexes per table, the
// shared write-ahead log, the transaction manager, and a periodic
// checkpoint ticker.
//
// Grounded on the teacher's internal/storage/db.go DB struct — "one object
// holds everything, constructed at startup, torn down with a guaranteed WAL
// flush" — and internal/storage/scheduler.go for the cron-driven checkpoint
// tick, scaled down to a single job since MiniDB has no user-facing
// scheduled-query feature.
package db

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/SimonWaldherr/minidb/internal/storage/btree"
	"github.com/SimonWaldherr/minidb/internal/storage/catalog"
	"github.com/SimonWaldherr/minidb/internal/storage/heap"
	"github.com/SimonWaldherr/minidb/internal/storage/pagefile"
	"github.com/SimonWaldherr/minidb/internal/storage/rid"
	"github.com/SimonWaldherr/minidb/internal/storage/tuple"
	"github.com/SimonWaldherr/minidb/internal/storage/txn"
	"github.com/SimonWaldherr/minidb/internal/storage/walog"
)

// ErrColumnIndexOutOfRange is returned by CreateIndex when columnIndex does
// not name a column of the target table's schema.
var ErrColumnIndexOutOfRange = errors.New("db: column index out of range")

const (
	catalogFile            = "catalog.dat"
	walFile                = "wal.log"
	defaultCheckpointEvery = "@every 30s"
)

// indexHandle bundles an open B-Tree with the pager backing it and its
// catalog registration.
type indexHandle struct {
	tree  *btree.Tree
	pager *pagefile.Pager
	def   catalog.IndexDef
}

// tableHandle bundles an open heap file with every index defined over it,
// keyed by index name.
type tableHandle struct {
	heap    *heap.File
	indexes map[string]*indexHandle
}

// DB is the open handle to one MiniDB data directory.
type DB struct {
	mu      sync.RWMutex
	dataDir string

	cat  *catalog.Catalog
	wal  *walog.WAL
	txns *txn.Manager

	tables map[string]*tableHandle

	scheduler *cron.Cron

	// sessionID identifies this open handle in log lines, so recovery and
	// checkpoint progress from concurrent or successive opens of the same
	// data directory can be told apart in a shared log stream.
	sessionID string
	logger    *log.Logger
}

// SetLogger replaces the logger used for recovery and checkpoint progress
// messages. The default writes to os.Stderr.
func (d *DB) SetLogger(l *log.Logger) {
	if l == nil {
		return
	}
	d.logger = l
}

// SessionID identifies this open handle, for correlating its log lines and
// EXPLAIN output with a specific process's run of the engine.
func (d *DB) SessionID() string { return d.sessionID }

// Open opens (creating if necessary) the data directory at dataDir: loads
// the catalog, opens the shared WAL, reopens every registered table and
// index, replays the WAL against them, and starts the checkpoint ticker.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("db: create data dir: %w", err)
	}

	cat, err := catalog.Open(filepath.Join(dataDir, catalogFile))
	if err != nil {
		return nil, fmt.Errorf("db: open catalog: %w", err)
	}

	wal, err := walog.Open(filepath.Join(dataDir, walFile))
	if err != nil {
		return nil, fmt.Errorf("db: open wal: %w", err)
	}

	sessionID := uuid.NewString()
	d := &DB{
		dataDir:   dataDir,
		cat:       cat,
		wal:       wal,
		txns:      txn.NewManager(wal),
		tables:    make(map[string]*tableHandle),
		sessionID: sessionID,
		logger:    log.New(os.Stderr, "minidb: ", log.LstdFlags),
	}

	pagers := make(map[string]*pagefile.Pager)
	for _, tdef := range cat.ListTables() {
		hf, err := heap.Open(filepath.Join(dataDir, tdef.FilePath), wal)
		if err != nil {
			d.closeOpened()
			return nil, fmt.Errorf("db: open table %s: %w", tdef.Name, err)
		}
		th := &tableHandle{heap: hf, indexes: make(map[string]*indexHandle)}
		d.tables[tdef.Name] = th
		pagers[tdef.FilePath] = hf.Pager()

		for _, ixdef := range cat.ListIndexes(tdef.Name) {
			ixPager, err := pagefile.Open(filepath.Join(dataDir, ixdef.FilePath), ixdef.FilePath, wal)
			if err != nil {
				d.closeOpened()
				return nil, fmt.Errorf("db: open index %s: %w", ixdef.Name, err)
			}
			tree, err := btree.OpenFromHeader(ixPager, ixdef.Unique)
			if err != nil {
				d.closeOpened()
				return nil, fmt.Errorf("db: open index %s: %w", ixdef.Name, err)
			}
			th.indexes[ixdef.Name] = &indexHandle{tree: tree, pager: ixPager, def: ixdef}
			pagers[ixdef.FilePath] = ixPager
		}
	}

	lastLSN, err := txn.Recover(filepath.Join(dataDir, walFile), pagers, d.logger)
	if err != nil {
		d.closeOpened()
		return nil, fmt.Errorf("db: recover: %w", err)
	}
	d.logger.Printf("session %s: recovered %d tables through LSN %d", sessionID, len(d.tables), lastLSN)

	d.scheduler = cron.New()
	if _, err := d.scheduler.AddFunc(defaultCheckpointEvery, func() {
		if err := d.Checkpoint(); err != nil {
			d.logger.Printf("session %s: checkpoint failed: %v", d.sessionID, err)
		}
	}); err != nil {
		d.closeOpened()
		return nil, fmt.Errorf("db: schedule checkpoint: %w", err)
	}
	d.scheduler.Start()

	return d, nil
}

// closeOpened tears down everything opened so far, used when Open fails
// partway through and must not leak file descriptors.
func (d *DB) closeOpened() {
	for _, th := range d.tables {
		for _, ih := range th.indexes {
			ih.pager.Close()
		}
		th.heap.Close()
	}
	d.wal.Close()
}

// Close stops the checkpoint scheduler, flushes and closes every open
// table, index and the shared WAL.
func (d *DB) Close() error {
	if d.scheduler != nil {
		d.scheduler.Stop()
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, th := range d.tables {
		for _, ih := range th.indexes {
			record(ih.pager.Close())
		}
		record(th.heap.Close())
	}
	record(d.wal.Close())
	return firstErr
}

// Checkpoint flushes every dirty page across every open table and index.
func (d *DB) Checkpoint() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for name, th := range d.tables {
		if err := th.heap.Checkpoint(); err != nil {
			return fmt.Errorf("session %s: checkpoint table %s: %w", d.sessionID, name, err)
		}
		for _, ih := range th.indexes {
			if err := ih.pager.Checkpoint(); err != nil {
				return fmt.Errorf("session %s: checkpoint index %s: %w", d.sessionID, ih.def.Name, err)
			}
		}
	}
	d.logger.Printf("session %s: checkpoint complete, %d tables", d.sessionID, len(d.tables))
	return nil
}

// Begin starts a new transaction.
func (d *DB) Begin() *txn.Txn { return d.txns.Begin() }

// forEachPager calls fn for every table and index pager currently open.
// Caller holds d.mu.
func (d *DB) forEachPager(fn func(*pagefile.Pager)) {
	for _, th := range d.tables {
		fn(th.heap.Pager())
		for _, ih := range th.indexes {
			fn(ih.pager)
		}
	}
}

// Commit validates and durably commits t, then discards every pager's undo
// bookkeeping for it — once the WAL commit record is fsynced, t can never
// be rolled back, so there is nothing left for Undo to restore.
func (d *DB) Commit(t *txn.Txn) error {
	if err := d.txns.Commit(t); err != nil {
		return err
	}
	d.mu.RLock()
	d.forEachPager(func(p *pagefile.Pager) { p.Forget(t.ID) })
	d.mu.RUnlock()
	return nil
}

// Rollback logs t's abort via the transaction manager, then physically
// undoes every page it wrote across every open pager, restoring each one's
// pre-write image. This runs synchronously, before Rollback returns, so a
// later Checkpoint or Close can never observe — and persist — a write this
// transaction made.
func (d *DB) Rollback(t *txn.Txn) error {
	if err := d.txns.Rollback(t); err != nil {
		return err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	var firstErr error
	d.forEachPager(func(p *pagefile.Pager) {
		if err := p.Undo(t.ID); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("session %s: undo txn %d: %w", d.sessionID, t.ID, err)
		}
	})
	return firstErr
}

// CreateTable registers name with schema and creates its backing heap file.
func (d *DB) CreateTable(name string, schema tuple.Schema) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.tables[name]; exists {
		return fmt.Errorf("%w: %s", catalog.ErrTableExists, name)
	}
	fileName := name + ".tbl"
	hf, err := heap.Create(filepath.Join(d.dataDir, fileName), name, schema, d.wal)
	if err != nil {
		return err
	}
	if err := d.cat.CreateTable(name, schema, fileName, time.Now().UTC()); err != nil {
		hf.Close()
		return err
	}
	d.tables[name] = &tableHandle{heap: hf, indexes: make(map[string]*indexHandle)}
	return nil
}

// DropTable removes a table's registration, every index defined on it, and
// their backing files.
func (d *DB) DropTable(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	th, ok := d.tables[name]
	if !ok {
		return fmt.Errorf("%w: %s", catalog.ErrTableNotFound, name)
	}
	for _, ih := range th.indexes {
		ih.pager.Close()
		os.Remove(filepath.Join(d.dataDir, ih.def.FilePath))
	}
	tdef, err := d.cat.GetTable(name)
	if err != nil {
		return err
	}
	th.heap.Close()
	if err := d.cat.DropTable(name); err != nil {
		return err
	}
	delete(d.tables, name)
	os.Remove(filepath.Join(d.dataDir, tdef.FilePath))
	return nil
}

// TableSchema returns a table's column schema.
func (d *DB) TableSchema(name string) (tuple.Schema, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	th, ok := d.tables[name]
	if !ok {
		return tuple.Schema{}, fmt.Errorf("%w: %s", catalog.ErrTableNotFound, name)
	}
	return th.heap.Schema(), nil
}

// ListTables returns every registered table.
func (d *DB) ListTables() []catalog.TableDef { return d.cat.ListTables() }

// ListIndexes returns every index registered against table.
func (d *DB) ListIndexes(table string) []catalog.IndexDef { return d.cat.ListIndexes(table) }

// CreateIndex builds a new B-Tree over tableName's columnIndex-th column,
// backfilling it from every row currently in the table before registering
// it in the catalog.
func (d *DB) CreateIndex(indexName, tableName string, columnIndex int, unique bool, txnID uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	th, ok := d.tables[tableName]
	if !ok {
		return fmt.Errorf("%w: %s", catalog.ErrTableNotFound, tableName)
	}
	schema := th.heap.Schema()
	if columnIndex < 0 || columnIndex >= len(schema.Columns) {
		return fmt.Errorf("%w: %d", ErrColumnIndexOutOfRange, columnIndex)
	}
	keyType := schema.Columns[columnIndex].Type

	fileName := indexName + ".idx"
	pager, err := pagefile.Open(filepath.Join(d.dataDir, fileName), fileName, d.wal)
	if err != nil {
		return err
	}
	tree, err := btree.Create(pager, keyType, unique, txnID)
	if err != nil {
		pager.Close()
		return err
	}

	cur := th.heap.Scan()
	for {
		r, buf, ok := cur.Next()
		if !ok {
			break
		}
		vals, err := tuple.Decode(schema, buf)
		if err != nil {
			cur.Close()
			pager.Close()
			return fmt.Errorf("db: backfill index %s: %w", indexName, err)
		}
		key := vals[columnIndex]
		if key.Null {
			continue
		}
		if err := tree.Insert(txnID, key, r); err != nil {
			cur.Close()
			pager.Close()
			return fmt.Errorf("db: backfill index %s: %w", indexName, err)
		}
	}
	cur.Close()

	def := catalog.IndexDef{
		Name: indexName, TableName: tableName, ColumnIndex: columnIndex,
		KeyType: keyType, Unique: unique, FilePath: fileName, CreatedAt: time.Now().UTC(),
	}
	if err := d.cat.CreateIndex(def); err != nil {
		pager.Close()
		return err
	}
	th.indexes[indexName] = &indexHandle{tree: tree, pager: pager, def: def}
	return nil
}

// DropIndex removes an index's registration and backing file.
func (d *DB) DropIndex(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	def, err := d.cat.GetIndex(name)
	if err != nil {
		return err
	}
	if th, ok := d.tables[def.TableName]; ok {
		if ih, ok := th.indexes[name]; ok {
			ih.pager.Close()
			delete(th.indexes, name)
		}
	}
	if err := d.cat.DropIndex(name); err != nil {
		return err
	}
	os.Remove(filepath.Join(d.dataDir, def.FilePath))
	return nil
}

// Insert encodes values per the table's schema, appends the tuple to its
// heap file, and maintains every index defined on the table.
func (d *DB) Insert(t *txn.Txn, table string, values []tuple.Value) (rid.RID, error) {
	d.mu.RLock()
	th, ok := d.tables[table]
	d.mu.RUnlock()
	if !ok {
		return rid.RID{}, fmt.Errorf("%w: %s", catalog.ErrTableNotFound, table)
	}

	buf, err := tuple.Encode(th.heap.Schema(), values)
	if err != nil {
		return rid.RID{}, err
	}
	r, err := th.heap.Insert(t.ID, buf)
	if err != nil {
		return rid.RID{}, err
	}
	t.RecordWrite(table)

	for name, ih := range th.indexes {
		key := values[ih.def.ColumnIndex]
		if key.Null {
			continue
		}
		if err := ih.tree.Insert(t.ID, key, r); err != nil {
			return r, fmt.Errorf("db: index %s: %w", name, err)
		}
	}
	return r, nil
}

// Get reads and decodes the tuple at r.
func (d *DB) Get(table string, r rid.RID) ([]tuple.Value, error) {
	d.mu.RLock()
	th, ok := d.tables[table]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", catalog.ErrTableNotFound, table)
	}
	buf, err := th.heap.Get(r)
	if err != nil {
		return nil, err
	}
	return tuple.Decode(th.heap.Schema(), buf)
}

// Update overwrites the tuple at r with newValues, propagating both the
// possible RID change and the possible indexed-key change to every index
// defined on the table — per heap.File.Update's contract that callers
// maintaining indexes must track RID changes themselves.
func (d *DB) Update(t *txn.Txn, table string, r rid.RID, newValues []tuple.Value) (rid.RID, error) {
	d.mu.RLock()
	th, ok := d.tables[table]
	d.mu.RUnlock()
	if !ok {
		return rid.RID{}, fmt.Errorf("%w: %s", catalog.ErrTableNotFound, table)
	}

	oldBuf, err := th.heap.Get(r)
	if err != nil {
		return rid.RID{}, err
	}
	oldValues, err := tuple.Decode(th.heap.Schema(), oldBuf)
	if err != nil {
		return rid.RID{}, err
	}

	newBuf, err := tuple.Encode(th.heap.Schema(), newValues)
	if err != nil {
		return rid.RID{}, err
	}
	newRID, err := th.heap.Update(t.ID, r, newBuf)
	if err != nil {
		return rid.RID{}, err
	}
	t.RecordWrite(table)

	for name, ih := range th.indexes {
		col := ih.def.ColumnIndex
		oldKey, newKey := oldValues[col], newValues[col]
		if !oldKey.Null {
			if _, err := ih.tree.Delete(t.ID, oldKey, r); err != nil {
				return newRID, fmt.Errorf("db: index %s: %w", name, err)
			}
		}
		if !newKey.Null {
			if err := ih.tree.Insert(t.ID, newKey, newRID); err != nil {
				return newRID, fmt.Errorf("db: index %s: %w", name, err)
			}
		}
	}
	return newRID, nil
}

// Delete removes the tuple at r and every index entry pointing at it.
func (d *DB) Delete(t *txn.Txn, table string, r rid.RID) error {
	d.mu.RLock()
	th, ok := d.tables[table]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", catalog.ErrTableNotFound, table)
	}

	buf, err := th.heap.Get(r)
	if err != nil {
		return err
	}
	values, err := tuple.Decode(th.heap.Schema(), buf)
	if err != nil {
		return err
	}

	if err := th.heap.Delete(t.ID, r); err != nil {
		return err
	}
	t.RecordWrite(table)

	for name, ih := range th.indexes {
		key := values[ih.def.ColumnIndex]
		if key.Null {
			continue
		}
		if _, err := ih.tree.Delete(t.ID, key, r); err != nil {
			return fmt.Errorf("db: index %s: %w", name, err)
		}
	}
	return nil
}

// RowCursor decodes tuples off a heap.Cursor as it scans.
type RowCursor struct {
	cursor *heap.Cursor
	schema tuple.Schema
}

// Next returns the next live row, or ok=false once the table is exhausted.
func (c *RowCursor) Next() (r rid.RID, values []tuple.Value, ok bool, err error) {
	r, buf, ok := c.cursor.Next()
	if !ok {
		return rid.RID{}, nil, false, nil
	}
	values, err = tuple.Decode(c.schema, buf)
	if err != nil {
		return rid.RID{}, nil, false, err
	}
	return r, values, true, nil
}

// Close releases the cursor's pinned page, if any.
func (c *RowCursor) Close() { c.cursor.Close() }

// Scan returns a full-table cursor.
func (d *DB) Scan(table string) (*RowCursor, error) {
	d.mu.RLock()
	th, ok := d.tables[table]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", catalog.ErrTableNotFound, table)
	}
	return &RowCursor{cursor: th.heap.Scan(), schema: th.heap.Schema()}, nil
}

// IndexLookup returns every RID stored under key in the named index.
func (d *DB) IndexLookup(indexName string, key tuple.Value) ([]rid.RID, error) {
	ih, err := d.lookupIndexHandle(indexName)
	if err != nil {
		return nil, err
	}
	return ih.tree.Search(key)
}

// IndexRangeScan invokes fn for every (key, rid) pair in [start, end] in the
// named index, in ascending order. Either bound may be nil.
func (d *DB) IndexRangeScan(indexName string, start, end *tuple.Value, fn func(tuple.Value, rid.RID) bool) error {
	ih, err := d.lookupIndexHandle(indexName)
	if err != nil {
		return err
	}
	return ih.tree.RangeScan(start, end, fn)
}

func (d *DB) lookupIndexHandle(indexName string) (*indexHandle, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	def, err := d.cat.GetIndex(indexName)
	if err != nil {
		return nil, err
	}
	th, ok := d.tables[def.TableName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", catalog.ErrTableNotFound, def.TableName)
	}
	ih, ok := th.indexes[indexName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", catalog.ErrIndexNotFound, indexName)
	}
	return ih, nil
}
