package pkg

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strconv"
	"sync"
	"syscall"

	"github.com/nbroyles/inkdb/internal/compaction"
	"github.com/nbroyles/inkdb/internal/datalog"
	"github.com/nbroyles/inkdb/internal/index"
	"github.com/nbroyles/inkdb/internal/snapshot"
	"github.com/nbroyles/inkdb/internal/storage"
	"github.com/nbroyles/inkdb/internal/util"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrIO is returned when the operating system fails an open, read, write, sync or
	// rename. The durable state of a failed Insert or Delete is unknown
	ErrIO = storage.ErrIO
	// ErrCorruptRecord is returned when the log holds something other than a valid
	// record where one was expected
	ErrCorruptRecord = storage.ErrCorruptRecord
	// ErrSnapshotInvalid never escapes Open; it is exported so callers loading
	// snapshots by hand can recognise it
	ErrSnapshotInvalid = storage.ErrSnapshotInvalid

	ErrClosed = errors.New("database is closed")
	// ErrLocked is returned when the lock file names another process that is still
	// running. A lock left behind by a process that has exited is taken over
	ErrLocked   = errors.New("database is locked by another process")
	ErrEmptyKey = errors.New("key must not be empty")
)

// DB is a log-structured key-value store: an append-only record log with an
// in-memory hash index from key to log offset
type DB struct {
	// Serializes every operation, compaction included
	mu sync.Mutex

	log     *datalog.Log
	index   *index.Index
	opts    *Options
	logger  log.FieldLogger
	name    string
	dataDir string
	stats   Stats
	closed  bool
}

// Stats counts how Get requests were served
type Stats struct {
	IndexHits   uint64
	IndexMisses uint64
}

const (
	// Makes sense on Mac OS X, may not elsewhere
	datadir      = "/usr/local/var/inkdb"
	lockFile     = "__DB_LOCK__"
	logFile      = "db.bin"
	snapshotFile = "index.snap"
)

// New creates a new database based on the name provided.
// New fails if the database already exists
func New(name string, opts *Options) (*DB, error) {
	return newDB(name, datadir, opts)
}

func newDB(name string, datadir string, opts *Options) (*DB, error) {
	if err := os.MkdirAll(datadir, 0755); err != nil {
		return nil, fmt.Errorf("could not create data dir %s: %w", datadir, err)
	}

	dbPath := path.Join(datadir, name)

	if exists, err := exists(name, datadir); !exists {
		if err := os.Mkdir(dbPath, 0755); err != nil {
			return nil, fmt.Errorf("failed creating data directory for database %s: %w", name, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("could not create new database: %w", err)
	} else {
		return nil, fmt.Errorf("database %s already exists. use Open instead", name)
	}

	return openDB(name, datadir, opts)
}

func lock(name string, dataDir string, logger log.FieldLogger) error {
	pid := os.Getpid()
	lockPath := path.Join(dataDir, name, lockFile)

	held, err := os.Open(lockPath)
	// Database is not currently locked, attempt to acquire
	if os.IsNotExist(err) {
		lockFile, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
		if os.IsExist(err) {
			return ErrLocked
		} else if err != nil {
			return fmt.Errorf("failure attempting to lock database: %w", err)
		}
		defer lockFile.Close()

		pidBytes := []byte(strconv.Itoa(pid))
		if n, err := lockFile.Write(pidBytes); err != nil {
			return fmt.Errorf("failure writing owner pid to lock file: %w", err)
		} else if n < len(pidBytes) {
			return fmt.Errorf("failure writing owner pid to lock file. wrote %d bytes, expected %d",
				n, len(pidBytes))
		}
		return nil
	} else if err != nil {
		return fmt.Errorf("failure attempting to lock database: %w", err)
	}
	defer held.Close()

	// Database currently locked, see if it's me
	scanner := bufio.NewScanner(held)
	scanner.Scan()
	lockPid, err := strconv.Atoi(scanner.Text())
	if err != nil {
		return fmt.Errorf("failed attempting to read lockfile: %w", err)
	}

	if lockPid == pid {
		return nil
	}

	if processAlive(lockPid) {
		return fmt.Errorf("%w (%d)", ErrLocked, lockPid)
	}

	logger.WithFields(log.Fields{"db": name, "pid": lockPid}).Warn("removing stale lock left by exited process")
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed removing stale lock file: %w", err)
	}

	return lock(name, dataDir, logger)
}

// processAlive reports whether a process with the given pid is running. Signal 0
// performs the existence check without delivering anything
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Open opens a database of the name provided. Open fails
// if the database does not exist
func Open(name string, opts *Options) (*DB, error) {
	return openDB(name, datadir, opts)
}

func openDB(name string, datadir string, opts *Options) (*DB, error) {
	if exists, err := exists(name, datadir); !exists {
		if err == nil {
			return nil, fmt.Errorf("failed opening database %s. does not exist", name)
		}
		return nil, fmt.Errorf("failed opening database %s: %w", name, err)
	}

	opts = opts.norm()
	if err := lock(name, datadir, opts.Logger); err != nil {
		return nil, fmt.Errorf("could not lock database: %w", err)
	}

	d := &DB{
		opts:    opts,
		logger:  opts.Logger.WithField("db", name),
		name:    name,
		dataDir: datadir,
	}

	if err := d.load(); err != nil {
		if d.log != nil {
			_ = d.log.Close()
		}
		_ = d.unlock()
		return nil, fmt.Errorf("failed opening database %s: %w", name, err)
	}

	if opts.CompactOnOpen {
		if err := d.compact(); err != nil {
			_ = d.log.Close()
			_ = d.unlock()
			return nil, fmt.Errorf("failed compacting database %s on open: %w", name, err)
		}
	}

	d.logger.WithFields(log.Fields{
		"logSize": d.log.Size(),
		"keys":    d.index.Len(),
	}).Info("opened database")

	return d, nil
}

// load opens the log and brings the index up to date with it, from the snapshot
// when there is a usable one and by replaying the whole log otherwise
func (d *DB) load() error {
	l, err := datalog.Open(d.filePath(logFile), d.logger)
	if err != nil {
		return err
	}
	d.log = l

	idx, stamped, err := snapshot.Load(d.filePath(snapshotFile), l.Size(), d.opts.InitialIndexCapacity)
	if err == nil {
		idx.SetLogger(d.logger)
		replayed, err := index.Replay(l, idx, stamped)
		if err != nil {
			return err
		}

		d.logger.WithFields(log.Fields{
			"entries":  idx.Len(),
			"replayed": replayed,
		}).Info("loaded index from snapshot")
		d.index = idx
		return nil
	}

	if errors.Is(err, fs.ErrNotExist) {
		d.logger.Debug("no index snapshot, replaying log")
	} else {
		d.logger.Warnf("ignoring index snapshot, replaying log: %v", err)
	}

	idx, err = index.Build(l, d.opts.InitialIndexCapacity)
	if err != nil {
		return err
	}
	d.index = idx

	return nil
}

// Exists checks if database name already exists or not
func Exists(name string) (bool, error) {
	return exists(name, datadir)
}

func exists(name string, datadir string) (bool, error) {
	found, err := util.FileExists(path.Join(datadir, name))
	if err != nil {
		return false, fmt.Errorf("failure checking to see if database already exists: %w", err)
	}

	return found, nil
}

// OpenOrNew opens the DB if it exists or creates it if it doesn't
func OpenOrNew(name string, opts *Options) (*DB, error) {
	return openOrNew(name, datadir, opts)
}

func openOrNew(name string, datadir string, opts *Options) (*DB, error) {
	dbExists, err := exists(name, datadir)
	if err != nil {
		return nil, fmt.Errorf("failed checking if database %s already exists: %w", name, err)
	}

	if dbExists {
		return openDB(name, datadir, opts)
	}
	return newDB(name, datadir, opts)
}

// Close ensures that any resources used by the DB are tidied up. With
// Options.SnapshotOnClose the index is persisted first
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	var firstErr error
	if d.opts.SnapshotOnClose {
		if err := d.snapshot(); err != nil {
			firstErr = err
		}
	}

	if err := d.log.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	if err := d.unlock(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed removing lock file: %w", err)
	}

	return firstErr
}

func (d *DB) unlock() error {
	return os.Remove(path.Join(d.dataDir, d.name, lockFile))
}

func (d *DB) filePath(filename string) string {
	return path.Join(d.dataDir, d.name, filename)
}

func checkKey(key []byte) error {
	if storage.NewKey(key).IsEmpty() {
		return ErrEmptyKey
	}

	return nil
}

// Get returns the value associated with the key. The index is consulted first;
// on a miss the whole log is scanned, so a stale or empty index never hides a
// value. The boolean is false if the key is not found
func (d *DB) Get(key []byte) ([]byte, bool, error) {
	if err := checkKey(key); err != nil {
		return nil, false, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, false, ErrClosed
	}

	k := storage.NewKey(key)
	if offset, found := d.index.Lookup(k); found {
		d.stats.IndexHits++
		d.logger.WithFields(log.Fields{"key": k.String(), "offset": offset}).Debug("index hit")

		record, err := d.log.ReadAt(offset)
		if err != nil {
			return nil, false, fmt.Errorf("failed reading %s: %w", k, err)
		}
		if record.Deleted() || !storage.EqualKeys(record.Key, k) {
			return nil, false, fmt.Errorf("%w: index maps %s to offset %d which holds %s",
				ErrCorruptRecord, k, offset, record.Key)
		}

		return record.Value.Bytes(), true, nil
	}

	d.stats.IndexMisses++
	d.logger.WithField("key", k.String()).Debug("index miss, scanning log")

	return d.scan(k)
}

// scan walks the whole log and returns the state left by the last record for key
func (d *DB) scan(key storage.Key) ([]byte, bool, error) {
	var value []byte
	found := false

	iter := d.log.Scan()
	for iter.HasNext() {
		record := iter.Next().Record
		if !storage.EqualKeys(record.Key, key) {
			continue
		}

		if record.Deleted() {
			value, found = nil, false
		} else {
			value, found = record.Value.Bytes(), true
		}
	}

	if err := iter.Err(); err != nil {
		return nil, false, fmt.Errorf("failed scanning for %s: %w", key, err)
	}

	return value, found, nil
}

// Insert inserts or updates the value if the key already exists. Keys longer than
// storage.KeySize-1 bytes and values longer than storage.ValueSize-1 bytes are
// truncated, as is anything after a zero byte
func (d *DB) Insert(key []byte, value []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	if storage.KeyTruncated(key) || storage.ValueTruncated(value) {
		d.logger.WithFields(log.Fields{
			"keyLen":   len(key),
			"valueLen": len(value),
		}).Warn("truncating key or value to fit record")
	}

	record := storage.NewRecord(key, value, false)
	offset, err := d.log.Append(record)
	if err != nil {
		return fmt.Errorf("failed inserting %s: %w", record.Key, err)
	}

	d.index.Upsert(record.Key, offset)

	return nil
}

// Delete removes the specified key from the data store by appending a tombstone
func (d *DB) Delete(key []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	record := storage.NewRecord(key, nil, true)
	if _, err := d.log.Append(record); err != nil {
		return fmt.Errorf("failed deleting %s: %w", record.Key, err)
	}

	d.index.Delete(record.Key)

	return nil
}

// Compact rewrites the log so that it only holds the latest record of each live key
func (d *DB) Compact() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	return d.compact()
}

func (d *DB) compact() error {
	// A snapshot taken against the old log must never be paired with the new one,
	// so it goes before the swap
	if err := snapshot.Remove(d.filePath(snapshotFile)); err != nil {
		return fmt.Errorf("failed removing index snapshot before compaction: %w", err)
	}

	if _, err := compaction.New(d.log, d.index, d.dataDir, d.name, d.logger).Compact(); err != nil {
		return fmt.Errorf("compaction failed: %w", err)
	}

	return nil
}

// Snapshot persists the index so the next Open can skip replaying the whole log
func (d *DB) Snapshot() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	return d.snapshot()
}

func (d *DB) snapshot() error {
	if err := snapshot.Save(d.filePath(snapshotFile), d.index, d.log.Size()); err != nil {
		return fmt.Errorf("failed saving index snapshot: %w", err)
	}

	d.logger.WithFields(log.Fields{
		"entries": d.index.Len(),
		"logSize": d.log.Size(),
	}).Info("saved index snapshot")

	return nil
}

// Stats returns how many Get calls were served from the index and from a log scan
func (d *DB) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.stats
}
