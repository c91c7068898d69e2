package page

import "errors"

// Storage error kinds, per the error taxonomy: the last four are fatal to the
// statement that triggered them; CorruptPage additionally aborts the engine
// if it surfaces during recovery.
var (
	ErrCorruptPage     = errors.New("corrupt page")
	ErrBadMagic        = errors.New("bad magic")
	ErrVersionMismatch = errors.New("format version mismatch")
	ErrPageFull        = errors.New("page full")
	ErrNotFound        = errors.New("not found")
	ErrSlotOutOfRange  = errors.New("slot out of range")
)
