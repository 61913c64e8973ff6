package index

import (
	"fmt"

	"github.com/nbroyles/inkdb/internal/datalog"
	log "github.com/sirupsen/logrus"
)

// Build reconstructs an index by replaying the whole log. Latest record per key wins.
// The index reports to the log's logger
func Build(l *datalog.Log, capacity int) (*Index, error) {
	idx := New(capacity)
	idx.SetLogger(l.Logger())

	if _, err := Replay(l, idx, 0); err != nil {
		return nil, err
	}

	return idx, nil
}

// Replay applies every record from offset onwards to idx in append order: updates
// upsert the key, tombstones delete it. It returns the number of records applied
func Replay(l *datalog.Log, idx *Index, offset int64) (int, error) {
	applied := 0

	iter := l.ScanFrom(offset)
	for iter.HasNext() {
		entry := iter.Next()

		if entry.Record.Deleted() {
			idx.Delete(entry.Record.Key)
		} else {
			idx.Upsert(entry.Record.Key, entry.Offset)
		}

		applied++
	}

	if err := iter.Err(); err != nil {
		return applied, fmt.Errorf("failed replaying log %s: %w", l.Path(), err)
	}

	l.Logger().WithFields(log.Fields{
		"path":    l.Path(),
		"from":    offset,
		"records": applied,
		"live":    idx.Len(),
	}).Debug("replayed log into index")

	return applied, nil
}
