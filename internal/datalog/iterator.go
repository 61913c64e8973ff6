package datalog

import (
	"io"

	"github.com/nbroyles/inkdb/internal/storage"
	log "github.com/sirupsen/logrus"
)

// Entry is a record together with the offset of its envelope in the log
type Entry struct {
	Offset int64
	Record *storage.Record
}

// Iterator walks the log in append order. It stops, without failing, at the first
// position that does not hold a complete envelope with a valid magic: a torn final
// record is end-of-log, not corruption. Only OS level read failures are reported,
// through Err. Not threadsafe
type Iterator struct {
	log    *Log
	offset int64
	next   *Entry
	err    error
	done   bool
}

// HasNext returns true if there's another record available in the iterator
func (i *Iterator) HasNext() bool {
	if i.next != nil {
		return true
	}
	if i.done {
		return false
	}

	data := make([]byte, storage.EnvelopeSize)
	n, err := i.log.file.ReadAt(data, i.offset)
	if err != nil && err != io.EOF {
		i.err = storage.IOError("scan log", err)
		i.done = true
		return false
	}

	if n == 0 {
		i.done = true
		return false
	}

	record, err := i.log.codec.Decode(data[:n])
	if err != nil {
		i.log.logger.WithFields(log.Fields{
			"path":   i.log.path,
			"offset": i.offset,
			"bytes":  n,
		}).Warnf("stopping scan at invalid trailing data: %v", err)
		i.done = true
		return false
	}

	i.next = &Entry{Offset: i.offset, Record: record}
	i.offset += storage.EnvelopeSize

	return true
}

// Next returns the next record in the iterator
func (i *Iterator) Next() *Entry {
	if !i.HasNext() {
		log.Panic("iterator has no next element")
	}

	entry := i.next
	i.next = nil

	return entry
}

// Err returns the I/O error that ended the scan, if any
func (i *Iterator) Err() error {
	return i.err
}
