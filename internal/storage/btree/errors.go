package btree

import "errors"

// ErrDuplicateKey is returned by Insert on a unique index when the key
// already has an entry.
var ErrDuplicateKey = errors.New("btree: duplicate key")

// ErrKeyTypeMismatch is returned when a caller passes a key whose type
// does not match the index's declared key type.
var ErrKeyTypeMismatch = errors.New("btree: key type mismatch")

// ErrCorruptIndex is returned when a node fails to decode in a way that
// indicates on-disk corruption rather than a programming error.
var ErrCorruptIndex = errors.New("btree: corrupt index structure")
