package storage

import "bytes"

const (
	// KeySize is the width of the key buffer on disk. One byte is reserved for the
	// terminator, so at most KeySize-1 bytes of a key are kept.
	KeySize = 32
	// ValueSize is the width of the value buffer on disk. At most ValueSize-1 bytes
	// of a value are kept.
	ValueSize = 256
)

type RecordType uint8

const (
	RecordUpdate RecordType = iota // indicates that this record was an update
	RecordDelete                   // indicates that this record was a delete
)

// Key is a fixed-width, zero-padded key buffer.
//
// NewKey keeps the bytes before the first zero byte and truncates the rest to
// KeySize-1 bytes. Two keys that only differ past that point are the same key.
type Key [KeySize]byte

// NewKey builds a Key from raw bytes, truncating as described on Key.
func NewKey(raw []byte) Key {
	var k Key
	copy(k[:KeySize-1], untilZero(raw))
	return k
}

// Bytes returns the meaningful bytes of the key (everything before the terminator).
func (k Key) Bytes() []byte {
	return untilZero(k[:])
}

func (k Key) String() string {
	return string(k.Bytes())
}

// IsEmpty reports whether the key has no meaningful bytes.
func (k Key) IsEmpty() bool {
	return k[0] == 0
}

// Value is a fixed-width, zero-padded value buffer, truncated the same way as Key.
type Value [ValueSize]byte

// NewValue builds a Value from raw bytes, keeping at most ValueSize-1 bytes.
func NewValue(raw []byte) Value {
	var v Value
	copy(v[:ValueSize-1], untilZero(raw))
	return v
}

// Bytes returns the meaningful bytes of the value.
func (v Value) Bytes() []byte {
	return untilZero(v[:])
}

func (v Value) String() string {
	return string(v.Bytes())
}

// KeyTruncated reports whether NewKey(raw) loses any of raw.
func KeyTruncated(raw []byte) bool {
	return truncated(raw, KeySize)
}

// ValueTruncated reports whether NewValue(raw) loses any of raw.
func ValueTruncated(raw []byte) bool {
	return truncated(raw, ValueSize)
}

func truncated(raw []byte, size int) bool {
	return len(raw) > size-1 || bytes.IndexByte(raw, 0) >= 0
}

func untilZero(b []byte) []byte {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return b[:i]
	}
	return b
}

// Record is an in-memory representation of an update on the datastore
type Record struct {
	Key   Key
	Value Value
	Type  RecordType
}

func NewRecord(key []byte, value []byte, delete bool) *Record {
	if delete {
		return &Record{Key: NewKey(key), Type: RecordDelete}
	}

	return &Record{
		Key:   NewKey(key),
		Value: NewValue(value),
		Type:  RecordUpdate,
	}
}

// Deleted reports whether the record is a tombstone.
func (r *Record) Deleted() bool {
	return r.Type == RecordDelete
}
