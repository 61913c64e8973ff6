// Package datalog implements the append-only record log that is the source of truth
// for the store. Every record is framed as a fixed size envelope, so the offset of
// any record is a multiple of storage.EnvelopeSize and can be computed without
// scanning.
package datalog

import (
	"fmt"
	"io"
	"os"

	"github.com/nbroyles/inkdb/internal/storage"
	log "github.com/sirupsen/logrus"
)

// Log is the structure representing the on-disk record log. All updates (incl. deletes)
// are appended to the log and synced before the call returns. The in-memory index is
// only a cache over the offsets handed out here
type Log struct {
	path   string
	file   *os.File
	codec  storage.Codec
	size   int64
	logger log.FieldLogger
}

// Open opens the log at logPath, creating it if needed
func Open(logPath string, logger log.FieldLogger) (*Log, error) {
	file, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, storage.IOError("open log", err)
	}

	return newLog(logPath, file, logger)
}

// New wraps a freshly created file (e.g. from util.CreateFile) as a log
func New(file *os.File, logger log.FieldLogger) (*Log, error) {
	return newLog(file.Name(), file, logger)
}

func newLog(logPath string, file *os.File, logger log.FieldLogger) (*Log, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, storage.IOError("stat log", err)
	}

	// A crash mid-append can leave a torn envelope, or a full sized block that never
	// received its record, at the tail. Cut the log back to the end of the last valid
	// record so that new appends stay aligned and remain reachable by a scan
	size, err := validEnd(file, info.Size())
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	if discarded := info.Size() - size; discarded != 0 {
		logger.WithFields(log.Fields{
			"path":   logPath,
			"offset": size,
			"bytes":  discarded,
		}).Warn("discarding invalid trailing data")

		if err := file.Truncate(size); err != nil {
			_ = file.Close()
			return nil, storage.IOError("truncate invalid tail", err)
		}
		if err := file.Sync(); err != nil {
			_ = file.Close()
			return nil, storage.IOError("sync log", err)
		}
	}

	return &Log{path: logPath, file: file, size: size, logger: logger}, nil
}

// validEnd returns the offset just past the last record a scan from the start of the
// file would reach
func validEnd(file *os.File, size int64) (int64, error) {
	codec := storage.Codec{}
	data := make([]byte, storage.EnvelopeSize)

	var offset int64
	for offset+storage.EnvelopeSize <= size {
		if n, err := file.ReadAt(data, offset); n < len(data) {
			if err != nil && err != io.EOF {
				return 0, storage.IOError("check log tail", err)
			}
			break
		}
		if _, err := codec.Decode(data); err != nil {
			break
		}
		offset += storage.EnvelopeSize
	}

	return offset, nil
}

// Append writes the record to the log, syncs it to disk and returns the offset at
// which its envelope starts. On error the durable state of this append is unknown
func (l *Log) Append(record *storage.Record) (int64, error) {
	offset, err := l.Write(record)
	if err != nil {
		return 0, err
	}

	if err := l.Sync(); err != nil {
		return 0, err
	}

	return offset, nil
}

// Write writes the record at the end of the log without syncing. Callers batching
// several writes (compaction) must call Sync before relying on them
func (l *Log) Write(record *storage.Record) (int64, error) {
	data := l.codec.Encode(record)
	offset := l.size

	if n, err := l.file.WriteAt(data, offset); err != nil {
		return 0, storage.IOError("write record", err)
	} else if n != len(data) {
		return 0, fmt.Errorf("%w: failed to write entirety of record to log, bytes written=%d, expected=%d",
			storage.ErrIO, n, len(data))
	}

	// update current size of log
	l.size += int64(len(data))

	return offset, nil
}

// Sync flushes the log to durable storage
func (l *Log) Sync() error {
	if err := l.file.Sync(); err != nil {
		return storage.IOError("sync log", err)
	}

	return nil
}

// ReadAt reads the record whose envelope starts at offset. Offsets that were not
// handed out by Append are detected by the alignment and magic checks and reported
// as storage.ErrCorruptRecord
func (l *Log) ReadAt(offset int64) (*storage.Record, error) {
	if offset < 0 || offset%storage.EnvelopeSize != 0 {
		return nil, fmt.Errorf("%w: offset %d is not an envelope boundary", storage.ErrCorruptRecord, offset)
	}

	data := make([]byte, storage.EnvelopeSize)
	n, err := l.file.ReadAt(data, offset)
	if err != nil && err != io.EOF {
		return nil, storage.IOError("read record", err)
	}

	record, err := l.codec.Decode(data[:n])
	if err != nil {
		return nil, fmt.Errorf("record at offset %d: %w", offset, err)
	}

	return record, nil
}

// Scan returns an iterator over every envelope in the log, starting at offset 0
func (l *Log) Scan() *Iterator {
	return l.ScanFrom(0)
}

// ScanFrom returns an iterator over every envelope starting at offset
func (l *Log) ScanFrom(offset int64) *Iterator {
	return &Iterator{log: l, offset: offset}
}

// Size returns the length of the log in bytes
func (l *Log) Size() int64 {
	return l.size
}

// Path returns the location of the log on disk
func (l *Log) Path() string {
	return l.path
}

// Logger returns the logger the log reports to
func (l *Log) Logger() log.FieldLogger {
	return l.logger
}

// Reopen opens the file at the log's path again and swaps it in for the current
// handle, which is only closed once the new one is open. Used after the file at that
// path was atomically replaced
func (l *Log) Reopen() error {
	reopened, err := Open(l.path, l.logger)
	if err != nil {
		return fmt.Errorf("failed reopening log: %w", err)
	}

	if err := l.file.Close(); err != nil {
		l.logger.WithField("path", l.path).Warnf("failed closing replaced log: %v", err)
	}

	*l = *reopened
	return nil
}

// Close closes the underlying file
func (l *Log) Close() error {
	if err := l.file.Close(); err != nil {
		return storage.IOError("close log", err)
	}

	return nil
}
