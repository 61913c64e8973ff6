package snapshot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/nbroyles/inkdb/internal/index"
	"github.com/nbroyles/inkdb/internal/storage"
)

// Snapshot file format (little endian):
// - magic (uint32 == 4 bytes)
// - occupied count (uint64 == 8 bytes)
// { repeated occupied count times }
//   - key (storage.KeySize bytes)
//   - offset (uint64 == 8 bytes)
// { /repeated }
// - log size when the snapshot was taken (uint64 == 8 bytes)
const (
	Magic      uint32 = 0x494E4B58 // "INKX"
	headerLen         = 4 + 8
	entryLen          = storage.KeySize + 8
	trailerLen        = 8
)

var byteOrder = binary.LittleEndian

// Snapshot is the persisted, compacted view of an index: live entries only
type Snapshot struct {
	Entries []index.Entry
	LogSize int64
}

type Codec struct{}

// Encode serializes the snapshot
func (c *Codec) Encode(snap *Snapshot) ([]byte, error) {
	buf := bytes.Buffer{}
	buf.Grow(headerLen + len(snap.Entries)*entryLen + trailerLen)

	if err := binary.Write(&buf, byteOrder, Magic); err != nil {
		return nil, fmt.Errorf("failed to encode snapshot magic: %w", err)
	}

	if err := binary.Write(&buf, byteOrder, uint64(len(snap.Entries))); err != nil {
		return nil, fmt.Errorf("failed to encode occupied count: %w", err)
	}

	for _, entry := range snap.Entries {
		if n, err := buf.Write(entry.Key[:]); n != storage.KeySize {
			return nil, fmt.Errorf("failed to write full key to buffer. wrote=%d, len=%d", n, storage.KeySize)
		} else if err != nil {
			return nil, fmt.Errorf("failed to encode key: %w", err)
		}

		if err := binary.Write(&buf, byteOrder, uint64(entry.Offset)); err != nil {
			return nil, fmt.Errorf("failed to encode offset for %s: %w", entry.Key, err)
		}
	}

	if err := binary.Write(&buf, byteOrder, uint64(snap.LogSize)); err != nil {
		return nil, fmt.Errorf("failed to encode log size: %w", err)
	}

	return buf.Bytes(), nil
}

// Decode parses a snapshot. Anything that does not look like a complete snapshot
// is reported as storage.ErrSnapshotInvalid
func (c *Codec) Decode(data []byte) (*Snapshot, error) {
	reader := bytes.NewReader(data)

	var magic uint32
	if err := binary.Read(reader, byteOrder, &magic); err != nil {
		return nil, fmt.Errorf("%w: failed to read magic: %v", storage.ErrSnapshotInvalid, err)
	} else if magic != Magic {
		return nil, fmt.Errorf("%w: bad magic %#x", storage.ErrSnapshotInvalid, magic)
	}

	var count uint64
	if err := binary.Read(reader, byteOrder, &count); err != nil {
		return nil, fmt.Errorf("%w: failed to read occupied count: %v", storage.ErrSnapshotInvalid, err)
	}

	if expected := uint64(headerLen+trailerLen) + count*entryLen; count > uint64(len(data)) || uint64(len(data)) != expected {
		return nil, fmt.Errorf("%w: %d entries need %d bytes, have %d",
			storage.ErrSnapshotInvalid, count, expected, len(data))
	}

	entries := make([]index.Entry, count)
	for i := range entries {
		if _, err := io.ReadFull(reader, entries[i].Key[:]); err != nil {
			return nil, fmt.Errorf("%w: failed to read key %d: %v", storage.ErrSnapshotInvalid, i, err)
		}

		var offset uint64
		if err := binary.Read(reader, byteOrder, &offset); err != nil {
			return nil, fmt.Errorf("%w: failed to read offset %d: %v", storage.ErrSnapshotInvalid, i, err)
		}
		entries[i].Offset = int64(offset)
	}

	var logSize uint64
	if err := binary.Read(reader, byteOrder, &logSize); err != nil {
		return nil, fmt.Errorf("%w: failed to read log size: %v", storage.ErrSnapshotInvalid, err)
	}

	return &Snapshot{Entries: entries, LogSize: int64(logSize)}, nil
}
