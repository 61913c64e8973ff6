package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrIO marks failures at the OS boundary (open, seek, read, write, sync, rename).
	ErrIO = errors.New("io error")
	// ErrCorruptRecord marks bytes at an offset that do not decode to a valid envelope.
	ErrCorruptRecord = errors.New("corrupt record")
	// ErrSnapshotInvalid marks an index snapshot that cannot be trusted.
	ErrSnapshotInvalid = errors.New("snapshot invalid")
)

// IOError wraps an OS error so that both ErrIO and the OS error match errors.Is.
func IOError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}
