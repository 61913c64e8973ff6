package compaction

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	"github.com/nbroyles/inkdb/internal/datalog"
	"github.com/nbroyles/inkdb/internal/index"
	"github.com/nbroyles/inkdb/internal/storage"
	"github.com/nbroyles/inkdb/internal/util"
	log "github.com/sirupsen/logrus"
)

// ScratchSuffix is appended to the log's filename for the log being rewritten
const ScratchSuffix = ".compact"

// Compactor rewrites the log so that it only holds the records the index still
// points at, then swaps the rewritten log in with an atomic rename. The index is
// the liveness oracle: superseded records and tombstones are dropped.
//
// Compaction must not run concurrently with appends to the same log
type Compactor struct {
	log     *datalog.Log
	index   *index.Index
	dataDir string
	dbName  string
	logger  log.FieldLogger
	rename  func(oldpath, newpath string) error
}

// Result summarizes a finished compaction
type Result struct {
	Live    int
	OldSize int64
	NewSize int64
}

func New(l *datalog.Log, idx *index.Index, dataDir string, dbName string, logger log.FieldLogger) *Compactor {
	if logger == nil {
		logger = log.StandardLogger()
	}

	return &Compactor{
		log:     l,
		index:   idx,
		dataDir: dataDir,
		dbName:  dbName,
		logger:  logger,
		rename:  os.Rename,
	}
}

// Compact rewrites the log. On any failure before the rename commits, the old log
// and the index are left exactly as they were
func (c *Compactor) Compact() (*Result, error) {
	scratchName := filepath.Base(c.log.Path()) + ScratchSuffix
	scratchPath := filepath.Join(c.dataDir, c.dbName, scratchName)

	// Left behind by a compaction that crashed before its rename
	if err := util.RemoveIfExists(scratchPath); err != nil {
		return nil, fmt.Errorf("%w: %w", storage.ErrIO, err)
	}

	newOffsets, newSize, err := c.rewrite(scratchName)
	if err != nil {
		if rmErr := util.RemoveIfExists(scratchPath); rmErr != nil {
			c.logger.Warnf("failed removing compaction scratch file: %v", rmErr)
		}
		return nil, err
	}

	if err := c.rename(scratchPath, c.log.Path()); err != nil {
		if rmErr := util.RemoveIfExists(scratchPath); rmErr != nil {
			c.logger.Warnf("failed removing compaction scratch file: %v", rmErr)
		}
		return nil, storage.IOError("swap compacted log", err)
	}

	// The rename has committed; only now do the new offsets become the truth
	c.index.Remap(newOffsets)

	if err := util.SyncDir(filepath.Dir(c.log.Path())); err != nil {
		c.logger.Warnf("compacted log renamed but directory sync failed: %v", err)
	}

	result := &Result{Live: len(newOffsets), OldSize: c.log.Size(), NewSize: newSize}
	if err := c.log.Reopen(); err != nil {
		return nil, err
	}

	c.logger.WithFields(log.Fields{
		"live":    result.Live,
		"oldSize": result.OldSize,
		"newSize": result.NewSize,
	}).Info("compacted log")

	return result, nil
}

// rewrite copies every live record into a fresh scratch log and syncs it. Records are
// copied in ascending order of their old offset so the rewritten log keeps append
// order and the old log is read front to back
func (c *Compactor) rewrite(scratchName string) (map[storage.Key]int64, int64, error) {
	live := treemap.NewWith(utils.Int64Comparator)
	var shared error
	c.index.ForEach(func(key storage.Key, offset int64) {
		if other, found := live.Get(offset); found && shared == nil {
			shared = fmt.Errorf("%w: %s and %s both map to offset %d",
				storage.ErrCorruptRecord, other.(storage.Key), key, offset)
		}
		live.Put(offset, key)
	})
	if shared != nil {
		return nil, 0, shared
	}

	file, err := util.CreateFile(scratchName, c.dbName, c.dataDir)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", storage.ErrIO, err)
	}

	scratch, err := datalog.New(file, c.logger)
	if err != nil {
		_ = file.Close()
		return nil, 0, err
	}
	defer scratch.Close()

	newOffsets := make(map[storage.Key]int64, live.Size())

	it := live.Iterator()
	for it.Next() {
		oldOffset := it.Key().(int64)
		key := it.Value().(storage.Key)

		record, err := c.log.ReadAt(oldOffset)
		if err != nil {
			return nil, 0, fmt.Errorf("failed reading live record for %s during compaction: %w", key, err)
		}

		if record.Deleted() || !storage.EqualKeys(record.Key, key) {
			return nil, 0, fmt.Errorf("%w: index maps %s to offset %d which holds %s (deleted=%t)",
				storage.ErrCorruptRecord, key, oldOffset, record.Key, record.Deleted())
		}

		newOffset, err := scratch.Write(record)
		if err != nil {
			return nil, 0, fmt.Errorf("failed writing compacted log: %w", err)
		}

		newOffsets[key] = newOffset
	}

	if err := scratch.Sync(); err != nil {
		return nil, 0, err
	}

	return newOffsets, scratch.Size(), nil
}
