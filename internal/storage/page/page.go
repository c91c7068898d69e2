// Package page defines the on-disk page format shared by every MiniDB file:
// heap data pages, B-Tree nodes, free-list pages and overflow pages all carry
// the same 24-byte header and the same CRC32 checksum discipline.
package page

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

const (
	// Size is the fixed page size MiniDB uses for every on-disk page.
	Size = 4096

	// HeaderSize is the length of the common page header in bytes.
	//
	// Layout:
	//   [0:4]   ID        (uint32 LE)
	//   [4]     Type      (1 byte)
	//   [5]     Flags     (1 byte)
	//   [6:8]   Reserved  (uint16 LE)
	//   [8:16]  LSN       (uint64 LE)
	//   [16:20] CRC       (uint32 LE, computed with this field zeroed)
	//   [20:22] FreeStart (uint16 LE) — byte offset just past the slot directory
	//   [22:24] FreeEnd   (uint16 LE) — byte offset where the tuple region begins
	HeaderSize = 24

	// MagicDBFile is the 16-bit magic stamped at the start of page 0 of every
	// `.tbl` and `.idx` file.
	MagicDBFile uint16 = 0x4D44

	// FormatVersion is the on-disk format version written into page 0.
	FormatVersion uint16 = 1

	// InvalidID marks a null page pointer (e.g. an empty sibling link).
	InvalidID ID = 0
)

// ID identifies a page within a single file.
type ID uint32

// LSN is a monotonically increasing log sequence number.
type LSN uint64

// Type distinguishes the kind of payload a page carries.
type Type uint8

const (
	TypeFileHeader Type = iota
	TypeHeapData
	TypeBTreeInternal
	TypeBTreeLeaf
	TypeOverflow
	TypeFreeList
)

func (t Type) String() string {
	switch t {
	case TypeFileHeader:
		return "FileHeader"
	case TypeHeapData:
		return "HeapData"
	case TypeBTreeInternal:
		return "BTreeInternal"
	case TypeBTreeLeaf:
		return "BTreeLeaf"
	case TypeOverflow:
		return "Overflow"
	case TypeFreeList:
		return "FreeList"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", uint8(t))
	}
}

// Flag bits stored in the header's Flags byte.
const (
	FlagLeaf uint8 = 1 << iota // distinguishes a B-Tree leaf from an internal node
)

// Header is the common 24-byte page header.
type Header struct {
	ID        ID
	Type      Type
	Flags     uint8
	Reserved  uint16
	LSN       LSN
	CRC       uint32
	FreeStart uint16
	FreeEnd   uint16
}

// MarshalHeader writes h into the first HeaderSize bytes of buf.
func MarshalHeader(h *Header, buf []byte) {
	if len(buf) < HeaderSize {
		panic("page: buffer too small for header")
	}
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.ID))
	buf[4] = byte(h.Type)
	buf[5] = h.Flags
	binary.LittleEndian.PutUint16(buf[6:8], h.Reserved)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.LSN))
	binary.LittleEndian.PutUint32(buf[16:20], h.CRC)
	binary.LittleEndian.PutUint16(buf[20:22], h.FreeStart)
	binary.LittleEndian.PutUint16(buf[22:24], h.FreeEnd)
}

// UnmarshalHeader reads a Header from the first HeaderSize bytes of buf.
func UnmarshalHeader(buf []byte) Header {
	var h Header
	h.ID = ID(binary.LittleEndian.Uint32(buf[0:4]))
	h.Type = Type(buf[4])
	h.Flags = buf[5]
	h.Reserved = binary.LittleEndian.Uint16(buf[6:8])
	h.LSN = LSN(binary.LittleEndian.Uint64(buf[8:16]))
	h.CRC = binary.LittleEndian.Uint32(buf[16:20])
	h.FreeStart = binary.LittleEndian.Uint16(buf[20:22])
	h.FreeEnd = binary.LittleEndian.Uint16(buf[22:24])
	return h
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ComputeCRC computes the CRC32-C of a full page, treating the CRC field
// (bytes 16:20) as zero during computation.
func ComputeCRC(buf []byte) uint32 {
	h := crc32.New(crcTable)
	h.Write(buf[:16])
	h.Write([]byte{0, 0, 0, 0})
	h.Write(buf[20:])
	return h.Sum32()
}

// SetCRC recomputes and stores the checksum of buf.
func SetCRC(buf []byte) {
	binary.LittleEndian.PutUint32(buf[16:20], ComputeCRC(buf))
}

// VerifyCRC validates buf's stored checksum, returning ErrCorruptPage on mismatch.
func VerifyCRC(buf []byte) error {
	stored := binary.LittleEndian.Uint32(buf[16:20])
	computed := ComputeCRC(buf)
	if stored != computed {
		id := ID(binary.LittleEndian.Uint32(buf[0:4]))
		return fmt.Errorf("%w: page %d stored=%08x computed=%08x", ErrCorruptPage, id, stored, computed)
	}
	return nil
}

// New allocates a zeroed page buffer and writes its header, with FreeStart
// and FreeEnd initialised to the empty-slotted-page state.
func New(t Type, id ID) []byte {
	buf := make([]byte, Size)
	h := Header{ID: id, Type: t, FreeStart: HeaderSize, FreeEnd: Size}
	MarshalHeader(&h, buf)
	return buf
}
