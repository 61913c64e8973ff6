// Package index implements the in-memory hash index mapping keys to log offsets,
// and its reconstruction by replaying the log.
//
// The table uses open addressing with linear probing. Deleted entries leave a
// tombstone behind so that keys inserted after a colliding key stay reachable.
package index

import (
	"hash/fnv"

	"github.com/nbroyles/inkdb/internal/storage"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultCapacity is the number of slots a new index starts with
	DefaultCapacity = 1024
	maxLoadFactor   = 0.7
)

type slotState int8

const (
	slotEmpty slotState = iota
	slotOccupied
	slotTombstone
)

type slot struct {
	key    storage.Key
	offset int64
	state  slotState
}

// Entry is a live key together with the log offset of its latest record
type Entry struct {
	Key    storage.Key
	Offset int64
}

// Index is an open-addressing hash table from key to log offset. Not threadsafe
type Index struct {
	slots []slot
	// count is the number of slots that are not Empty (occupied plus tombstones).
	// It drives the load factor since it bounds the length of probe chains
	count  int
	live   int
	logger log.FieldLogger
}

// New creates an empty index with the given number of slots
func New(capacity int) *Index {
	if capacity < 1 {
		capacity = DefaultCapacity
	}

	return &Index{slots: make([]slot, capacity), logger: log.StandardLogger()}
}

// SetLogger sets the logger that resizes are reported to
func (x *Index) SetLogger(logger log.FieldLogger) {
	if logger != nil {
		x.logger = logger
	}
}

// Hash is the 32 bit FNV hash (xor, then multiply) of the key's meaningful bytes
func Hash(key storage.Key) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(key.Bytes())
	return h.Sum32()
}

func (x *Index) home(key storage.Key) int {
	return int(Hash(key) % uint32(len(x.slots)))
}

// Lookup returns the offset stored for key
func (x *Index) Lookup(key storage.Key) (int64, bool) {
	capacity := len(x.slots)
	idx := x.home(key)

	for i := 0; i < capacity; i++ {
		s := &x.slots[idx]

		switch s.state {
		case slotEmpty:
			return 0, false
		case slotOccupied:
			if storage.EqualKeys(s.key, key) {
				return s.offset, true
			}
		}

		idx = (idx + 1) % capacity
	}

	return 0, false
}

// Upsert inserts key or updates its offset if it is already present. Tombstones
// found along the probe chain are reused, but only after checking that the key
// does not live further down the chain
func (x *Index) Upsert(key storage.Key, offset int64) {
	if float64(x.count+1)/float64(len(x.slots)) > maxLoadFactor {
		x.resize()
	}

	capacity := len(x.slots)
	idx := x.home(key)
	tombstone := -1

	for i := 0; i < capacity; i++ {
		s := &x.slots[idx]

		switch s.state {
		case slotOccupied:
			if storage.EqualKeys(s.key, key) {
				s.offset = offset
				return
			}
		case slotTombstone:
			if tombstone == -1 {
				tombstone = idx
			}
		case slotEmpty:
			if tombstone != -1 {
				x.occupy(tombstone, key, offset)
			} else {
				x.occupy(idx, key, offset)
				x.count++
			}
			return
		}

		idx = (idx + 1) % capacity
	}

	// Every slot was visited without reaching an Empty one
	if tombstone == -1 {
		x.logger.Panicf("index full: count=%d capacity=%d", x.count, capacity)
	}
	x.occupy(tombstone, key, offset)
}

func (x *Index) occupy(idx int, key storage.Key, offset int64) {
	x.slots[idx] = slot{key: key, offset: offset, state: slotOccupied}
	x.live++
}

// Delete turns the slot holding key into a tombstone. Returns false if the key was
// not present
func (x *Index) Delete(key storage.Key) bool {
	capacity := len(x.slots)
	idx := x.home(key)

	for i := 0; i < capacity; i++ {
		s := &x.slots[idx]

		switch s.state {
		case slotEmpty:
			return false
		case slotOccupied:
			if storage.EqualKeys(s.key, key) {
				s.state = slotTombstone
				s.offset = 0
				x.live--
				return true
			}
		}

		idx = (idx + 1) % capacity
	}

	return false
}

// resize doubles the table and re-inserts every occupied slot. Tombstones are dropped
func (x *Index) resize() {
	capacity := len(x.slots) * 2
	slots := make([]slot, capacity)

	for _, s := range x.slots {
		if s.state != slotOccupied {
			continue
		}

		idx := int(Hash(s.key) % uint32(capacity))
		for slots[idx].state != slotEmpty {
			idx = (idx + 1) % capacity
		}
		slots[idx] = s
	}

	x.logger.WithFields(log.Fields{
		"from": len(x.slots),
		"to":   capacity,
		"live": x.live,
	}).Debug("resized index")

	x.slots = slots
	x.count = x.live
}

// ForEach calls fn for every live entry. Iteration order is unspecified
func (x *Index) ForEach(fn func(key storage.Key, offset int64)) {
	for _, s := range x.slots {
		if s.state == slotOccupied {
			fn(s.key, s.offset)
		}
	}
}

// Entries returns every live entry. Order is unspecified
func (x *Index) Entries() []Entry {
	entries := make([]Entry, 0, x.live)
	x.ForEach(func(key storage.Key, offset int64) {
		entries = append(entries, Entry{Key: key, Offset: offset})
	})

	return entries
}

// Remap replaces the offset of every live key found in offsets. The table layout is
// left untouched, so remapping never resizes
func (x *Index) Remap(offsets map[storage.Key]int64) {
	for i := range x.slots {
		s := &x.slots[i]
		if s.state != slotOccupied {
			continue
		}

		if offset, ok := offsets[s.key]; ok {
			s.offset = offset
		}
	}
}

// Len returns the number of live keys
func (x *Index) Len() int {
	return x.live
}

// Capacity returns the number of slots
func (x *Index) Capacity() int {
	return len(x.slots)
}

// LoadFactor returns the share of slots that are no longer Empty
func (x *Index) LoadFactor() float64 {
	return float64(x.count) / float64(len(x.slots))
}
