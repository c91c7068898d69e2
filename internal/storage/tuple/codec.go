package tuple

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the size of the fixed tuple header in bytes:
// tuple_len (u16) | null_bitmap (u16, LSB = column 0) | flags (u16).
const HeaderSize = 6

// Encode builds the on-disk encoding of one row against schema: a 6-byte
// header followed by the non-null column data in schema order.
func Encode(schema Schema, values []Value) ([]byte, error) {
	if len(values) != len(schema.Columns) {
		return nil, fmt.Errorf("%w: expected %d values, got %d", ErrTypeMismatch, len(schema.Columns), len(values))
	}

	var bitmap uint16
	body := make([]byte, 0, 32)
	for i, col := range schema.Columns {
		v := values[i]
		if v.Null {
			if !col.Nullable {
				return nil, fmt.Errorf("NOT NULL violation on column %q", col.Name)
			}
			bitmap |= 1 << uint(i)
			continue
		}
		if v.Type != col.Type {
			return nil, fmt.Errorf("%w: column %q expects %v, got %v", ErrTypeMismatch, col.Name, col.Type, v.Type)
		}
		var err error
		body, err = EncodeValue(body, v)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", col.Name, err)
		}
	}

	total := HeaderSize + len(body)
	buf := make([]byte, total)
	binary.BigEndian.PutUint16(buf[0:2], uint16(total))
	binary.BigEndian.PutUint16(buf[2:4], bitmap)
	binary.BigEndian.PutUint16(buf[4:6], 0) // flags, reserved
	copy(buf[HeaderSize:], body)
	return buf, nil
}

// Decode is the inverse of Encode: it verifies tuple_len equals len(buf) and
// reconstructs one Value per schema column, honoring the null bitmap.
func Decode(schema Schema, buf []byte) ([]Value, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("%w: tuple shorter than header", ErrTypeMismatch)
	}
	tupleLen := binary.BigEndian.Uint16(buf[0:2])
	if int(tupleLen) != len(buf) {
		return nil, fmt.Errorf("%w: tuple_len %d != buffer length %d", ErrTypeMismatch, tupleLen, len(buf))
	}
	bitmap := binary.BigEndian.Uint16(buf[2:4])

	values := make([]Value, len(schema.Columns))
	rest := buf[HeaderSize:]
	for i, col := range schema.Columns {
		if bitmap&(1<<uint(i)) != 0 {
			values[i] = NullValue(col.Type)
			continue
		}
		v, n, err := DecodeValue(col.Type, rest)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", col.Name, err)
		}
		values[i] = v
		rest = rest[n:]
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after decoding all columns", ErrTypeMismatch, len(rest))
	}
	return values, nil
}
