// Package tuple implements the schema-driven tuple codec: the typed value
// tagged union, null-bitmap encoding, and the total-order comparator used by
// both the heap file and the B-Tree index.
//
// Endianness note: page-internal bookkeeping (slot directory entries, free
// list entries, page headers) is little-endian throughout this module,
// matching the teacher storage engine's convention. Typed column values and
// RIDs referenced from index leaves are big-endian instead, because the
// wire format mandates it explicitly for those two things; that is a
// deliberate two-convention split, not an inconsistency.
package tuple

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

// Type tags the five value kinds MiniDB supports, plus an implicit NULL
// carried out-of-band via the tuple header's null bitmap.
type Type uint8

const (
	TypeInt Type = iota
	TypeFloat
	TypeBool
	TypeDate
	TypeString
)

func (t Type) String() string {
	switch t {
	case TypeInt:
		return "INT"
	case TypeFloat:
		return "FLOAT"
	case TypeBool:
		return "BOOLEAN"
	case TypeDate:
		return "DATE"
	case TypeString:
		return "STRING"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Value is a dynamically tagged column value. A given Value is either Null
// or carries exactly the field matching its Type.
type Value struct {
	Type   Type
	Null   bool
	Int    int32
	Float  float64
	Bool   bool
	Date   int32 // days since 1970-01-01
	String string
}

func NullValue(t Type) Value   { return Value{Type: t, Null: true} }
func IntValue(v int32) Value   { return Value{Type: TypeInt, Int: v} }

// Render renders a value the way the REPL and EXPLAIN output do: bare for
// scalars, quoted for STRING, literal "NULL" for the null sentinel.
func (v Value) Render() string {
	if v.Null {
		return "NULL"
	}
	switch v.Type {
	case TypeInt:
		return fmt.Sprintf("%d", v.Int)
	case TypeFloat:
		return fmt.Sprintf("%g", v.Float)
	case TypeBool:
		return fmt.Sprintf("%t", v.Bool)
	case TypeDate:
		return fmt.Sprintf("%d", v.Date)
	case TypeString:
		return fmt.Sprintf("%q", v.String)
	default:
		return fmt.Sprintf("<invalid %v>", v.Type)
	}
}
func FloatValue(v float64) Value { return Value{Type: TypeFloat, Float: v} }
func BoolValue(v bool) Value   { return Value{Type: TypeBool, Bool: v} }
func DateValue(v int32) Value  { return Value{Type: TypeDate, Date: v} }
func StringValue(v string) Value { return Value{Type: TypeString, String: v} }

// Column is one entry in a table or index schema. Column identity is by
// position; renames are not supported.
type Column struct {
	Name     string
	Type     Type
	Nullable bool
}

// Schema is an ordered sequence of columns.
type Schema struct {
	Columns []Column
}

func (s Schema) ColumnIndex(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

var (
	ErrTypeMismatch  = errors.New("type mismatch")
	ErrStringTooLong = errors.New("string exceeds 65535 bytes")
	ErrNullIndexKey  = errors.New("NULL is not permitted as a B-Tree key")
)

// fixedWidth returns the encoded width of a non-null, non-string value.
func fixedWidth(t Type) int {
	switch t {
	case TypeInt:
		return 4
	case TypeFloat:
		return 8
	case TypeBool:
		return 1
	case TypeDate:
		return 4
	default:
		return 0
	}
}

// EncodeValue appends the big-endian wire encoding of a single non-null
// value to dst (STRING values are length-prefixed UTF-8; all others are
// fixed width), returning the extended slice.
func EncodeValue(dst []byte, v Value) ([]byte, error) {
	switch v.Type {
	case TypeInt:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(v.Int))
		return append(dst, b[:]...), nil
	case TypeFloat:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(v.Float))
		return append(dst, b[:]...), nil
	case TypeBool:
		if v.Bool {
			return append(dst, 0x01), nil
		}
		return append(dst, 0x00), nil
	case TypeDate:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(v.Date))
		return append(dst, b[:]...), nil
	case TypeString:
		if !utf8.ValidString(v.String) {
			return nil, fmt.Errorf("%w: invalid UTF-8", ErrTypeMismatch)
		}
		if len(v.String) > 0xFFFF {
			return nil, ErrStringTooLong
		}
		var lb [2]byte
		binary.BigEndian.PutUint16(lb[:], uint16(len(v.String)))
		dst = append(dst, lb[:]...)
		return append(dst, v.String...), nil
	default:
		return nil, fmt.Errorf("%w: unknown type %v", ErrTypeMismatch, v.Type)
	}
}

// DecodeValue reads one non-null value of type t from the front of buf,
// returning the value and the number of bytes consumed.
func DecodeValue(t Type, buf []byte) (Value, int, error) {
	switch t {
	case TypeInt:
		if len(buf) < 4 {
			return Value{}, 0, fmt.Errorf("%w: short INT", ErrTypeMismatch)
		}
		return IntValue(int32(binary.BigEndian.Uint32(buf[:4]))), 4, nil
	case TypeFloat:
		if len(buf) < 8 {
			return Value{}, 0, fmt.Errorf("%w: short FLOAT", ErrTypeMismatch)
		}
		bits := binary.BigEndian.Uint64(buf[:8])
		return FloatValue(math.Float64frombits(bits)), 8, nil
	case TypeBool:
		if len(buf) < 1 {
			return Value{}, 0, fmt.Errorf("%w: short BOOLEAN", ErrTypeMismatch)
		}
		return BoolValue(buf[0] != 0), 1, nil
	case TypeDate:
		if len(buf) < 4 {
			return Value{}, 0, fmt.Errorf("%w: short DATE", ErrTypeMismatch)
		}
		return DateValue(int32(binary.BigEndian.Uint32(buf[:4]))), 4, nil
	case TypeString:
		if len(buf) < 2 {
			return Value{}, 0, fmt.Errorf("%w: short STRING length prefix", ErrTypeMismatch)
		}
		n := int(binary.BigEndian.Uint16(buf[:2]))
		if len(buf) < 2+n {
			return Value{}, 0, fmt.Errorf("%w: STRING length prefix overflows buffer", ErrTypeMismatch)
		}
		return StringValue(string(buf[2 : 2+n])), 2 + n, nil
	default:
		return Value{}, 0, fmt.Errorf("%w: unknown type %v", ErrTypeMismatch, t)
	}
}

// Ordering is the result of Compare.
type Ordering int

const (
	Less Ordering = -1
	Equal Ordering = 0
	Greater Ordering = 1
)

// Compare gives a total order over values of the same type. NULL is neither
// less than nor greater than any value (callers must special-case NULL
// themselves, per SQL three-valued logic); NULL is disallowed as a B-Tree
// key entirely.
func Compare(a, b Value) (Ordering, error) {
	if a.Type != b.Type {
		return 0, fmt.Errorf("%w: comparing %v and %v", ErrTypeMismatch, a.Type, b.Type)
	}
	if a.Null || b.Null {
		return 0, fmt.Errorf("NULL has no order")
	}
	switch a.Type {
	case TypeInt:
		return cmpOrdered(a.Int, b.Int), nil
	case TypeFloat:
		return cmpOrdered(a.Float, b.Float), nil
	case TypeDate:
		return cmpOrdered(a.Date, b.Date), nil
	case TypeBool:
		if a.Bool == b.Bool {
			return Equal, nil
		}
		if !a.Bool && b.Bool {
			return Less, nil
		}
		return Greater, nil
	case TypeString:
		return cmpOrdered(a.String, b.String), nil
	default:
		return 0, fmt.Errorf("%w: unknown type %v", ErrTypeMismatch, a.Type)
	}
}

func cmpOrdered[T int32 | float64 | string](a, b T) Ordering {
	switch {
	case a < b:
		return Less
	case a > b:
		return Greater
	default:
		return Equal
	}
}
