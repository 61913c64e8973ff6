package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Responsible for encoding and decoding data sent to and retrieved
// from disk
type Codec struct{}

// Envelope format (fixed width, little endian, no padding):
// - magic (uint32 == 4 bytes)
// - deleted flag (1 byte, 0 = live, 1 = tombstone)
// - key (KeySize bytes, zero padded)
// - value (ValueSize bytes, zero padded, all zero for tombstones)
const (
	// Magic marks the start of every envelope in the log.
	Magic uint32 = 0xCAFEBABE
	// EnvelopeSize is the size of every envelope, live or tombstone.
	EnvelopeSize = 4 + 1 + KeySize + ValueSize

	flagOffset  = 4
	keyOffset   = flagOffset + 1
	valueOffset = keyOffset + KeySize
)

var byteOrder = binary.LittleEndian

// Encode lays the record out as a single envelope. Oversized keys and values were
// already truncated when the Key and Value were built, so encoding cannot fail.
func (c *Codec) Encode(record *Record) []byte {
	data := make([]byte, EnvelopeSize)
	byteOrder.PutUint32(data, Magic)

	copy(data[keyOffset:valueOffset], record.Key[:])
	if record.Deleted() {
		data[flagOffset] = 1
	} else {
		copy(data[valueOffset:], record.Value[:])
	}

	return data
}

// Decode takes exactly one envelope and decodes it into a record. It fails with
// ErrCorruptRecord when the length is wrong or the magic does not match.
func (c *Codec) Decode(data []byte) (*Record, error) {
	if len(data) != EnvelopeSize {
		return nil, fmt.Errorf("%w: envelope is %d bytes, expected %d", ErrCorruptRecord, len(data), EnvelopeSize)
	}

	if magic := byteOrder.Uint32(data); magic != Magic {
		return nil, fmt.Errorf("%w: bad magic %#x", ErrCorruptRecord, magic)
	}

	record := &Record{Type: RecordUpdate}
	copy(record.Key[:], data[keyOffset:valueOffset])
	if data[flagOffset] != 0 {
		record.Type = RecordDelete
	} else {
		copy(record.Value[:], data[valueOffset:])
	}

	return record, nil
}

// DecodeFromReader reads and decodes the next envelope from reader. It returns
// io.EOF if the reader is exhausted before the first byte and ErrCorruptRecord
// if only part of an envelope is available.
func (c *Codec) DecodeFromReader(reader io.Reader) (*Record, error) {
	data := make([]byte, EnvelopeSize)
	if n, err := io.ReadFull(reader, data); err == io.EOF {
		return nil, io.EOF
	} else if err == io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("%w: read %d of %d bytes", ErrCorruptRecord, n, EnvelopeSize)
	} else if err != nil {
		return nil, IOError("read envelope", err)
	}

	return c.Decode(data)
}

// EqualKeys compares the meaningful bytes of two keys.
func EqualKeys(a, b Key) bool {
	return bytes.Equal(a.Bytes(), b.Bytes())
}
