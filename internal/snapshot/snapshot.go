// Package snapshot persists the hash index so that opening a store can skip a full
// replay of the log. A snapshot is only ever an optimization: anything wrong with it
// is reported as storage.ErrSnapshotInvalid and the caller rebuilds from the log.
package snapshot

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nbroyles/inkdb/internal/index"
	"github.com/nbroyles/inkdb/internal/storage"
	"github.com/nbroyles/inkdb/internal/util"
)

// Save writes a snapshot of idx, stamped with the current log size, to snapPath.
// The snapshot is written to a scratch file, synced, then renamed into place
func Save(snapPath string, idx *index.Index, logSize int64) error {
	codec := Codec{}
	data, err := codec.Encode(&Snapshot{Entries: idx.Entries(), LogSize: logSize})
	if err != nil {
		return fmt.Errorf("could not encode snapshot: %w", err)
	}

	tmpPath := snapPath + ".tmp"
	file, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return storage.IOError("create snapshot", err)
	}

	if n, err := file.Write(data); err != nil {
		_ = file.Close()
		return storage.IOError("write snapshot", err)
	} else if n != len(data) {
		_ = file.Close()
		return fmt.Errorf("%w: failed writing snapshot. wrote %d bytes, expected %d bytes",
			storage.ErrIO, n, len(data))
	}

	if err := file.Sync(); err != nil {
		_ = file.Close()
		return storage.IOError("sync snapshot", err)
	}

	if err := file.Close(); err != nil {
		return storage.IOError("close snapshot", err)
	}

	if err := os.Rename(tmpPath, snapPath); err != nil {
		return storage.IOError("rename snapshot", err)
	}

	if err := util.SyncDir(filepath.Dir(snapPath)); err != nil {
		return fmt.Errorf("%w: %w", storage.ErrIO, err)
	}

	return nil
}

// Load reads the snapshot at snapPath and checks it against a log that is currently
// logSize bytes long. It returns the restored index and the log size the snapshot
// was taken at; records past that size still need to be replayed on top.
// Every failure, a missing file included, wraps storage.ErrSnapshotInvalid
func Load(snapPath string, logSize int64, capacity int) (*index.Index, int64, error) {
	data, err := os.ReadFile(snapPath)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", storage.ErrSnapshotInvalid, err)
	}

	codec := Codec{}
	snap, err := codec.Decode(data)
	if err != nil {
		return nil, 0, err
	}

	if err := validate(snap, logSize); err != nil {
		return nil, 0, err
	}

	return Restore(snap, capacity), snap.LogSize, nil
}

func validate(snap *Snapshot, logSize int64) error {
	if snap.LogSize%storage.EnvelopeSize != 0 {
		return fmt.Errorf("%w: stamped log size %d is not an envelope boundary",
			storage.ErrSnapshotInvalid, snap.LogSize)
	}

	// The log shrank (compaction or truncation) after the snapshot was taken, so its
	// offsets no longer mean anything
	if snap.LogSize > logSize {
		return fmt.Errorf("%w: snapshot taken at log size %d but log is %d bytes",
			storage.ErrSnapshotInvalid, snap.LogSize, logSize)
	}

	for _, entry := range snap.Entries {
		if entry.Offset < 0 || entry.Offset >= snap.LogSize || entry.Offset%storage.EnvelopeSize != 0 {
			return fmt.Errorf("%w: offset %d for %s is not a record in the first %d bytes",
				storage.ErrSnapshotInvalid, entry.Offset, entry.Key, snap.LogSize)
		}
	}

	return nil
}

// Restore builds a fresh index holding the snapshot's entries
func Restore(snap *Snapshot, capacity int) *index.Index {
	idx := index.New(capacity)
	for _, entry := range snap.Entries {
		idx.Upsert(entry.Key, entry.Offset)
	}

	return idx
}

// Remove deletes the snapshot at snapPath if there is one
func Remove(snapPath string) error {
	if err := util.RemoveIfExists(snapPath); err != nil {
		return fmt.Errorf("%w: %w", storage.ErrIO, err)
	}

	return nil
}
