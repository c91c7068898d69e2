// Package walog implements MiniDB's single shared write-ahead log: one
// wal.log file multiplexes mutation records from every table and index
// file in the data directory, tagged by file name so recovery can dispatch
// each record to the right Pager.
//
// This differs from the teacher storage engine's WAL, which couples one
// WALFile 1:1 with a single embedded database file; MiniDB instead keeps
// separate `<table>.tbl` / `<index>.idx` files (per the external interface
// contract) backed by one shared log, so Record carries a file-name tag
// that tinySQL's page-image-only record never needed.
package walog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
)

// Op identifies the kind of mutation a record describes, per the wire format.
type Op uint8

const (
	OpInsert     Op = 0x01
	OpUpdate     Op = 0x02
	OpDelete     Op = 0x03
	OpCommit     Op = 0x10
	OpRollback   Op = 0x11
	OpCheckpoint Op = 0x20
)

func (op Op) String() string {
	switch op {
	case OpInsert:
		return "INSERT"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	case OpCommit:
		return "COMMIT"
	case OpRollback:
		return "ROLLBACK"
	case OpCheckpoint:
		return "CHECKPOINT"
	default:
		return fmt.Sprintf("Op(0x%02x)", uint8(op))
	}
}

// LSN is a monotonically increasing log sequence number, unique within one
// wal.log file.
type LSN uint64

// Record is one WAL entry. Table/Before/After carry enough information for
// both redo (apply After) and undo (re-apply Before) during rollback.
type Record struct {
	LSN     LSN
	TxnID   uint32
	Op      Op
	Table   string // target `.tbl`/`.idx` file name; empty for COMMIT/ROLLBACK/CHECKPOINT
	PageID  uint32
	Slot    uint16
	Before  []byte
	After   []byte
}

const magic = "MDBWAL\x00\x00"

// WAL is the shared, append-only wal.log file.
type WAL struct {
	mu      sync.Mutex
	f       *os.File
	path    string
	nextLSN LSN
	writePos int64
}

// Open opens or creates wal.log at path.
func Open(path string) (*WAL, error) {
	_, statErr := os.Stat(path)
	exists := statErr == nil

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("walog: open: %w", err)
	}

	w := &WAL{f: f, path: path, nextLSN: 1}
	if exists {
		if err := w.validateHeader(); err != nil {
			f.Close()
			return nil, err
		}
		recs, err := ReadAll(path)
		if err != nil {
			f.Close()
			return nil, err
		}
		for _, rec := range recs {
			if rec.LSN >= w.nextLSN {
				w.nextLSN = rec.LSN + 1
			}
		}
	} else if err := w.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}

	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("walog: seek end: %w", err)
	}
	w.writePos = end
	return w, nil
}

func (w *WAL) writeHeader() error {
	var hdr [8]byte
	copy(hdr[:], magic)
	if _, err := w.f.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("walog: write header: %w", err)
	}
	return w.f.Sync()
}

func (w *WAL) validateHeader() error {
	var hdr [8]byte
	n, err := w.f.ReadAt(hdr[:], 0)
	if err != nil && err != io.EOF {
		return fmt.Errorf("walog: read header: %w", err)
	}
	if n < 8 || string(hdr[:]) != magic {
		return fmt.Errorf("walog: bad magic in %s", w.path)
	}
	return nil
}

// Append writes rec sequentially and assigns it the next LSN. Not synced.
func (w *WAL) Append(rec Record) (LSN, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	rec.LSN = w.nextLSN
	w.nextLSN++

	buf := marshal(rec)
	n, err := w.f.WriteAt(buf, w.writePos)
	if err != nil {
		return 0, fmt.Errorf("walog: append: %w", err)
	}
	w.writePos += int64(n)
	return rec.LSN, nil
}

// Commit appends a COMMIT record for txnID and fsyncs before returning.
// Only after Sync returns does the caller observe durable commit.
func (w *WAL) Commit(txnID uint32) (LSN, error) {
	lsn, err := w.Append(Record{TxnID: txnID, Op: OpCommit})
	if err != nil {
		return 0, err
	}
	if err := w.Sync(); err != nil {
		return 0, err
	}
	return lsn, nil
}

// Rollback appends a ROLLBACK record for txnID.
func (w *WAL) Rollback(txnID uint32) (LSN, error) {
	return w.Append(Record{TxnID: txnID, Op: OpRollback})
}

// Sync fsyncs the log file.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Sync()
}

// Close closes the underlying file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// NextLSN returns the LSN that will be assigned to the next Append call.
func (w *WAL) NextLSN() LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextLSN
}

// SetNextLSN lets recovery/checkpoint reset the LSN counter after a truncate.
func (w *WAL) SetNextLSN(lsn LSN) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextLSN = lsn
}

// TruncateTo empties the log back to its header and rewrites exactly the
// records in keep, in the order given. ckpt is not consulted: choosing which
// records survive is up to the caller.
func (w *WAL) TruncateTo(ckpt LSN, keep []Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.f.Truncate(8); err != nil {
		return fmt.Errorf("walog: truncate: %w", err)
	}
	w.writePos = 8
	for _, rec := range keep {
		buf := marshal(rec)
		n, err := w.f.WriteAt(buf, w.writePos)
		if err != nil {
			return fmt.Errorf("walog: rewrite record: %w", err)
		}
		w.writePos += int64(n)
	}
	return w.f.Sync()
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// record wire format: length(u32) | lsn(u64) | txn_id(u32) | op(u8) |
// table_len(u16) | table | page_id(u32) | slot(u16) |
// before_len(u32) | before | after_len(u32) | after | crc32(u32)
func marshal(rec Record) []byte {
	body := make([]byte, 0, 64+len(rec.Before)+len(rec.After)+len(rec.Table))
	var tmp [8]byte

	binary.BigEndian.PutUint64(tmp[:8], uint64(rec.LSN))
	body = append(body, tmp[:8]...)
	binary.BigEndian.PutUint32(tmp[:4], rec.TxnID)
	body = append(body, tmp[:4]...)
	body = append(body, byte(rec.Op))

	binary.BigEndian.PutUint16(tmp[:2], uint16(len(rec.Table)))
	body = append(body, tmp[:2]...)
	body = append(body, rec.Table...)

	binary.BigEndian.PutUint32(tmp[:4], rec.PageID)
	body = append(body, tmp[:4]...)
	binary.BigEndian.PutUint16(tmp[:2], rec.Slot)
	body = append(body, tmp[:2]...)

	binary.BigEndian.PutUint32(tmp[:4], uint32(len(rec.Before)))
	body = append(body, tmp[:4]...)
	body = append(body, rec.Before...)

	binary.BigEndian.PutUint32(tmp[:4], uint32(len(rec.After)))
	body = append(body, tmp[:4]...)
	body = append(body, rec.After...)

	crc := crc32.Checksum(body, crcTable)
	var lenBuf, crcBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	binary.BigEndian.PutUint32(crcBuf[:], crc)

	out := make([]byte, 0, 4+len(body)+4)
	out = append(out, lenBuf[:]...)
	out = append(out, body...)
	out = append(out, crcBuf[:]...)
	return out
}

func unmarshalOne(r *bufio.Reader) (Record, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Record{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Record{}, err
	}
	var crcBuf [4]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return Record{}, err
	}
	storedCRC := binary.BigEndian.Uint32(crcBuf[:])
	if crc32.Checksum(body, crcTable) != storedCRC {
		return Record{}, fmt.Errorf("walog: record CRC mismatch")
	}

	rec := Record{}
	p := body
	rec.LSN = LSN(binary.BigEndian.Uint64(p[0:8]))
	p = p[8:]
	rec.TxnID = binary.BigEndian.Uint32(p[0:4])
	p = p[4:]
	rec.Op = Op(p[0])
	p = p[1:]
	tlen := binary.BigEndian.Uint16(p[0:2])
	p = p[2:]
	rec.Table = string(p[:tlen])
	p = p[tlen:]
	rec.PageID = binary.BigEndian.Uint32(p[0:4])
	p = p[4:]
	rec.Slot = binary.BigEndian.Uint16(p[0:2])
	p = p[2:]
	blen := binary.BigEndian.Uint32(p[0:4])
	p = p[4:]
	rec.Before = append([]byte(nil), p[:blen]...)
	p = p[blen:]
	alen := binary.BigEndian.Uint32(p[0:4])
	p = p[4:]
	rec.After = append([]byte(nil), p[:alen]...)

	return rec, nil
}

// ReadAll reads every well-formed record after the header. A corrupt or
// partial record at the tail (the result of a crash mid-write) silently
// truncates iteration rather than erroring, per the crash-safety contract.
func ReadAll(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(8, io.SeekStart); err != nil {
		return nil, err
	}
	r := bufio.NewReader(f)

	var records []Record
	for {
		rec, err := unmarshalOne(r)
		if err != nil {
			break
		}
		records = append(records, rec)
	}
	return records, nil
}
