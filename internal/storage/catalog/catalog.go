// Package catalog implements the schema registry: table and index
// definitions, persisted as a single JSON file and rewritten atomically on
// every DDL change.
//
// Grounded on calvinalkan-agent-task's internal/ticket package, which
// already solves "durable JSON-ish records on disk, rewritten without
// corrupting a reader mid-write" via github.com/natefinch/atomic — the same
// write-temp/fsync/rename contract this package's Save needs for
// catalog.dat.
package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/natefinch/atomic"

	"github.com/SimonWaldherr/minidb/internal/storage/tuple"
)

// ErrTableExists is returned by CreateTable when the name is already registered.
var ErrTableExists = errors.New("catalog: table already exists")

// ErrTableNotFound is returned when a table name has no registration.
var ErrTableNotFound = errors.New("catalog: table not found")

// ErrIndexExists is returned by CreateIndex when the name is already registered.
var ErrIndexExists = errors.New("catalog: index already exists")

// ErrIndexNotFound is returned when an index name has no registration.
var ErrIndexNotFound = errors.New("catalog: index not found")

// TableDef is a table's persistent registration: its schema and the heap
// file backing it.
type TableDef struct {
	Name      string       `json:"name"`
	Schema    tuple.Schema `json:"schema"`
	FilePath  string       `json:"file_path"`
	CreatedAt time.Time    `json:"created_at"`
}

// IndexDef is an index's persistent registration.
type IndexDef struct {
	Name        string     `json:"name"`
	TableName   string     `json:"table_name"`
	ColumnIndex int        `json:"column_index"`
	KeyType     tuple.Type `json:"key_type"`
	Unique      bool       `json:"unique"`
	FilePath    string     `json:"file_path"`
	CreatedAt   time.Time  `json:"created_at"`
}

// document is the on-disk shape of catalog.dat.
type document struct {
	Tables  []TableDef `json:"tables"`
	Indexes []IndexDef `json:"indexes"`
}

// Catalog is the in-memory schema registry, durable to a single JSON file.
// DDL (CreateTable, DropTable, CreateIndex, DropIndex) takes the exclusive
// write lock; DML-path lookups (GetTable, GetIndex, List*) take the shared
// read lock, per §4.E's "DDL takes an exclusive catalog lock; DML takes a
// shared lock" contract.
type Catalog struct {
	mu   sync.RWMutex
	path string

	tables  map[string]TableDef
	indexes map[string]IndexDef
	// byTable indexes IndexDef names by their owning table, for ListIndexes.
	byTable map[string][]string
}

// Open loads catalog.dat at path, creating an empty catalog if the file
// does not yet exist.
func Open(path string) (*Catalog, error) {
	c := &Catalog{
		path:    path,
		tables:  make(map[string]TableDef),
		indexes: make(map[string]IndexDef),
		byTable: make(map[string][]string),
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", path, err)
	}
	for _, t := range doc.Tables {
		c.tables[t.Name] = t
	}
	for _, ix := range doc.Indexes {
		c.indexes[ix.Name] = ix
		c.byTable[ix.TableName] = append(c.byTable[ix.TableName], ix.Name)
	}
	return c, nil
}

// save rewrites catalog.dat atomically. Caller holds c.mu for writing.
func (c *Catalog) save() error {
	doc := document{
		Tables:  make([]TableDef, 0, len(c.tables)),
		Indexes: make([]IndexDef, 0, len(c.indexes)),
	}
	for _, t := range c.tables {
		doc.Tables = append(doc.Tables, t)
	}
	for _, ix := range c.indexes {
		doc.Indexes = append(doc.Indexes, ix)
	}

	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("catalog: marshal: %w", err)
	}
	if err := atomic.WriteFile(c.path, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("catalog: write %s: %w", c.path, err)
	}
	return nil
}

// CreateTable registers a new table and persists the catalog.
func (c *Catalog) CreateTable(name string, schema tuple.Schema, filePath string, createdAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.tables[name]; ok {
		return fmt.Errorf("%w: %s", ErrTableExists, name)
	}
	c.tables[name] = TableDef{Name: name, Schema: schema, FilePath: filePath, CreatedAt: createdAt}
	return c.save()
}

// DropTable removes a table's registration and every index defined on it.
func (c *Catalog) DropTable(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.tables[name]; !ok {
		return fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	for _, ixName := range c.byTable[name] {
		delete(c.indexes, ixName)
	}
	delete(c.byTable, name)
	delete(c.tables, name)
	return c.save()
}

// GetTable returns a table's registration.
func (c *Catalog) GetTable(name string) (TableDef, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.tables[name]
	if !ok {
		return TableDef{}, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	return t, nil
}

// ListTables returns every registered table, in no particular order.
func (c *Catalog) ListTables() []TableDef {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]TableDef, 0, len(c.tables))
	for _, t := range c.tables {
		out = append(out, t)
	}
	return out
}

// CreateIndex registers a new index on table, which must already exist.
func (c *Catalog) CreateIndex(def IndexDef) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.tables[def.TableName]; !ok {
		return fmt.Errorf("%w: %s", ErrTableNotFound, def.TableName)
	}
	if _, ok := c.indexes[def.Name]; ok {
		return fmt.Errorf("%w: %s", ErrIndexExists, def.Name)
	}
	c.indexes[def.Name] = def
	c.byTable[def.TableName] = append(c.byTable[def.TableName], def.Name)
	return c.save()
}

// DropIndex removes an index's registration.
func (c *Catalog) DropIndex(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ix, ok := c.indexes[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrIndexNotFound, name)
	}
	delete(c.indexes, name)
	names := c.byTable[ix.TableName]
	for i, n := range names {
		if n == name {
			c.byTable[ix.TableName] = append(names[:i], names[i+1:]...)
			break
		}
	}
	return c.save()
}

// GetIndex returns an index's registration.
func (c *Catalog) GetIndex(name string) (IndexDef, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ix, ok := c.indexes[name]
	if !ok {
		return IndexDef{}, fmt.Errorf("%w: %s", ErrIndexNotFound, name)
	}
	return ix, nil
}

// ListIndexes returns every index registered against table.
func (c *Catalog) ListIndexes(table string) []IndexDef {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := c.byTable[table]
	out := make([]IndexDef, 0, len(names))
	for _, n := range names {
		out = append(out, c.indexes[n])
	}
	return out
}
