package pkg

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path"
	"strconv"
	"strings"
	"testing"

	"github.com/nbroyles/inkdb/internal/index"
	"github.com/nbroyles/inkdb/internal/storage"
	"github.com/nbroyles/inkdb/internal/test"
	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T, opts *Options) (*DB, string) {
	dir := t.TempDir()

	db, err := newDB("foo", dir, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return db, dir
}

func get(t *testing.T, db *DB, key string) (string, bool) {
	value, found, err := db.Get([]byte(key))
	require.NoError(t, err)

	return string(value), found
}

// forgetIndex throws the index away so every Get falls back to a log scan
func forgetIndex(db *DB) {
	db.index = index.New(db.opts.InitialIndexCapacity)
}

func TestNew(t *testing.T) {
	dir := t.TempDir()

	db, err := newDB("foo", dir, nil)
	require.NoError(t, err)
	defer db.Close()

	assert.True(t, dbExists(t, "foo", dir))
	assert.True(t, test.FileExists(t, path.Join(dir, "foo", logFile)))
}

func TestNew_AlreadyExists(t *testing.T) {
	_, dir := testDB(t, nil)

	_, err := newDB("foo", dir, nil)
	assert.EqualError(t, err, "database foo already exists. use Open instead")
}

func TestExists(t *testing.T) {
	_, dir := testDB(t, nil)

	actual, err := exists("foo", dir)
	assert.NoError(t, err)
	assert.True(t, actual)

	actual, err = exists("bar", dir)
	assert.NoError(t, err)
	assert.False(t, actual)
}

func TestOpen(t *testing.T) {
	db, dir := testDB(t, nil)
	require.NoError(t, db.Close())

	db, err := openDB("foo", dir, nil)
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, "foo", db.name)
}

func TestOpen_NotExist(t *testing.T) {
	_, err := openDB("foo", t.TempDir(), nil)
	assert.EqualError(t, err, "failed opening database foo. does not exist")
}

func TestOpenOrNew(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, dbExists(t, "foo", dir))

	db, err := openOrNew("foo", dir, nil)
	require.NoError(t, err)
	assert.True(t, dbExists(t, "foo", dir))
	require.NoError(t, db.Insert([]byte("a"), []byte("1")))
	require.NoError(t, db.Close())

	db, err = openOrNew("foo", dir, nil)
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, "foo", db.name)
	value, found := get(t, db, "a")
	assert.True(t, found)
	assert.Equal(t, "1", value)
}

func TestLocking(t *testing.T) {
	dir := t.TempDir()

	// assert lock doesn't already exist
	lockPath := path.Join(dir, "foo", lockFile)
	_, err := os.Stat(lockPath)
	assert.True(t, os.IsNotExist(err))

	db, err := newDB("foo", dir, nil)
	require.NoError(t, err)

	// Check for lock
	info, err := os.Stat(lockPath)
	assert.NoError(t, err)
	assert.NotNil(t, info)

	// Close and ensure lock gone
	assert.NoError(t, db.Close())
	_, err = os.Stat(lockPath)
	assert.True(t, os.IsNotExist(err))
}

func TestFailIfLocked(t *testing.T) {
	dir := t.TempDir()

	// Set up existing lock file owned by a live process
	dbPath := path.Join(dir, "foo")
	require.NoError(t, os.MkdirAll(dbPath, 0755))

	owner := os.Getppid()
	lockPath := path.Join(dbPath, lockFile)
	require.NoError(t, os.WriteFile(lockPath, []byte(strconv.Itoa(owner)), 0666))

	// Try to open db; expect an error
	_, err := openOrNew("foo", dir, nil)
	assert.True(t, errors.Is(err, ErrLocked))
	assert.EqualError(t, err, fmt.Sprintf("could not lock database: database is locked by another "+
		"process (%d)", owner))
}

func TestStaleLockIsTakenOver(t *testing.T) {
	dir := t.TempDir()

	dbPath := path.Join(dir, "foo")
	require.NoError(t, os.MkdirAll(dbPath, 0755))

	// no process can have this pid
	lockPath := path.Join(dbPath, lockFile)
	require.NoError(t, os.WriteFile(lockPath, []byte(strconv.Itoa(math.MaxInt32)), 0666))

	logger, hook := logtest.NewNullLogger()

	db, err := openOrNew("foo", dir, &Options{Logger: logger})
	require.NoError(t, err)
	defer db.Close()

	owner, err := os.ReadFile(lockPath)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(owner))
	assert.True(t, hasMessage(hook, "removing stale lock"))
}

func TestDB_Example(t *testing.T) {
	db, _ := testDB(t, nil)

	require.NoError(t, db.Insert([]byte("name"), []byte("ayush")))
	require.NoError(t, db.Insert([]byte("lang"), []byte("c")))

	value, found := get(t, db, "lang")
	assert.True(t, found)
	assert.Equal(t, "c", value)

	require.NoError(t, db.Delete([]byte("lang")))
	_, found = get(t, db, "lang")
	assert.False(t, found)

	value, found = get(t, db, "name")
	assert.True(t, found)
	assert.Equal(t, "ayush", value)

	require.NoError(t, db.Compact())

	value, found = get(t, db, "name")
	assert.True(t, found)
	assert.Equal(t, "ayush", value)

	// exactly one live record left in the log
	assert.Equal(t, int64(storage.EnvelopeSize), test.FileSize(t, db.log.Path()))
	iter := db.log.Scan()
	require.True(t, iter.HasNext())
	record := iter.Next().Record
	assert.Equal(t, "name", record.Key.String())
	assert.False(t, record.Deleted())
	assert.False(t, iter.HasNext())
}

func TestDB_RoundTrip(t *testing.T) {
	db, _ := testDB(t, nil)

	pairs := map[string]string{
		"k":                              "v",
		"with space":                     "value with space",
		strings.Repeat("k", 31):          strings.Repeat("v", 255),
		"unicode-ключ":                   "значение",
		"punctuation!@#$%^&*()_+-=[]{};": "ok",
	}

	for k, v := range pairs {
		require.NoError(t, db.Insert([]byte(k), []byte(v)))
	}

	for k, v := range pairs {
		value, found := get(t, db, k)
		assert.True(t, found, k)
		assert.Equal(t, v, value, k)
	}
}

func TestDB_Truncation(t *testing.T) {
	db, _ := testDB(t, nil)

	longKey := strings.Repeat("k", 40)
	longValue := strings.Repeat("v", 300)
	require.NoError(t, db.Insert([]byte(longKey), []byte(longValue)))

	value, found := get(t, db, longKey)
	assert.True(t, found)
	assert.Equal(t, strings.Repeat("v", storage.ValueSize-1), value)

	// keys agreeing on the first 31 bytes are the same key
	value, found = get(t, db, strings.Repeat("k", 31))
	assert.True(t, found)
	assert.Len(t, value, storage.ValueSize-1)
}

func TestDB_TombstoneSemantics(t *testing.T) {
	db, _ := testDB(t, nil)

	require.NoError(t, db.Insert([]byte("k"), []byte("v")))
	require.NoError(t, db.Delete([]byte("k")))

	_, found := get(t, db, "k")
	assert.False(t, found)

	require.NoError(t, db.Insert([]byte("k"), []byte("v2")))
	value, found := get(t, db, "k")
	assert.True(t, found)
	assert.Equal(t, "v2", value)
}

func TestDB_DeleteMissingKey(t *testing.T) {
	db, _ := testDB(t, nil)

	require.NoError(t, db.Delete([]byte("never")))
	_, found := get(t, db, "never")
	assert.False(t, found)
}

func TestDB_IndexAndScanAgree(t *testing.T) {
	db, _ := testDB(t, nil)

	ops := []struct {
		key     string
		value   string
		deleted bool
	}{
		{key: "a", value: "1"},
		{key: "b", value: "2"},
		{key: "a", value: "3"},
		{key: "c", value: "4"},
		{key: "b", deleted: true},
		{key: "c", deleted: true},
		{key: "c", value: "5"},
		{key: "d", deleted: true},
	}

	keys := []string{"a", "b", "c", "d", "e"}
	for _, o := range ops {
		if o.deleted {
			require.NoError(t, db.Delete([]byte(o.key)))
		} else {
			require.NoError(t, db.Insert([]byte(o.key), []byte(o.value)))
		}

		viaIndex := make(map[string]string)
		for _, k := range keys {
			if v, found := get(t, db, k); found {
				viaIndex[k] = v
			}
		}

		saved := db.index
		forgetIndex(db)
		viaScan := make(map[string]string)
		for _, k := range keys {
			if v, found := get(t, db, k); found {
				viaScan[k] = v
			}
		}
		db.index = saved

		assert.Equal(t, viaIndex, viaScan)
	}

	assert.Equal(t, map[string]string{"a": "3", "c": "5"}, func() map[string]string {
		state := make(map[string]string)
		for _, k := range keys {
			if v, found := get(t, db, k); found {
				state[k] = v
			}
		}
		return state
	}())
}

func TestDB_Stats(t *testing.T) {
	db, _ := testDB(t, nil)

	require.NoError(t, db.Insert([]byte("a"), []byte("1")))
	get(t, db, "a")
	get(t, db, "missing")

	forgetIndex(db)
	value, found := get(t, db, "a")
	assert.True(t, found)
	assert.Equal(t, "1", value)

	assert.Equal(t, Stats{IndexHits: 1, IndexMisses: 2}, db.Stats())
}

func TestDB_CompactPreservesState(t *testing.T) {
	db, _ := testDB(t, &Options{InitialIndexCapacity: 8})

	expected := make(map[string]string)
	for round := 0; round < 5; round++ {
		for i := 0; i < 50; i++ {
			k := fmt.Sprintf("key-%d", i)
			v := fmt.Sprintf("value-%d-%d", i, round)
			require.NoError(t, db.Insert([]byte(k), []byte(v)))
			expected[k] = v
		}
	}
	for i := 0; i < 50; i += 3 {
		k := fmt.Sprintf("key-%d", i)
		require.NoError(t, db.Delete([]byte(k)))
		delete(expected, k)
	}

	require.NoError(t, db.Compact())

	assert.Equal(t, int64(len(expected)*storage.EnvelopeSize), test.FileSize(t, db.log.Path()))
	for i := 0; i < 50; i++ {
		k := fmt.Sprintf("key-%d", i)
		value, found := get(t, db, k)
		v, ok := expected[k]
		assert.Equal(t, ok, found, k)
		assert.Equal(t, v, value, k)
	}

	// appends after compaction are replayed correctly on reopen
	require.NoError(t, db.Insert([]byte("key-0"), []byte("back")))
	expected["key-0"] = "back"
	require.NoError(t, db.Close())

	db, err := openDB("foo", db.dataDir, nil)
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, len(expected), db.index.Len())
	for k, v := range expected {
		value, found := get(t, db, k)
		assert.True(t, found, k)
		assert.Equal(t, v, value, k)
	}
}

func TestDB_Reopen_Replays(t *testing.T) {
	db, dir := testDB(t, nil)

	require.NoError(t, db.Insert([]byte("a"), []byte("1")))
	require.NoError(t, db.Insert([]byte("b"), []byte("2")))
	require.NoError(t, db.Delete([]byte("a")))
	require.NoError(t, db.Close())

	db, err := openDB("foo", dir, nil)
	require.NoError(t, err)
	defer db.Close()

	_, found := get(t, db, "a")
	assert.False(t, found)
	value, found := get(t, db, "b")
	assert.True(t, found)
	assert.Equal(t, "2", value)
	assert.Equal(t, Stats{IndexHits: 1, IndexMisses: 1}, db.Stats())
}

func TestDB_Reopen_TornTail(t *testing.T) {
	db, dir := testDB(t, nil)

	require.NoError(t, db.Insert([]byte("a"), []byte("1")))
	require.NoError(t, db.Close())

	logPath := path.Join(dir, "foo", logFile)
	codec := storage.Codec{}
	test.AppendRaw(t, logPath, codec.Encode(storage.NewRecord([]byte("b"), []byte("2"), false))[:100])

	db, err := openDB("foo", dir, nil)
	require.NoError(t, err)
	defer db.Close()

	value, found := get(t, db, "a")
	assert.True(t, found)
	assert.Equal(t, "1", value)
	_, found = get(t, db, "b")
	assert.False(t, found)

	require.NoError(t, db.Insert([]byte("c"), []byte("3")))
	forgetIndex(db)
	value, found = get(t, db, "c")
	assert.True(t, found)
	assert.Equal(t, "3", value)
}

func TestDB_Reopen_InvalidFullSizedTail(t *testing.T) {
	db, dir := testDB(t, nil)

	require.NoError(t, db.Insert([]byte("a"), []byte("1")))
	require.NoError(t, db.Close())

	// a crash left a zero filled block where a record should have been
	logPath := path.Join(dir, "foo", logFile)
	test.AppendRaw(t, logPath, make([]byte, storage.EnvelopeSize))

	db, err := openDB("foo", dir, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(storage.EnvelopeSize), db.log.Size())

	require.NoError(t, db.Insert([]byte("k"), []byte("acked")))
	require.NoError(t, db.Close())

	db, err = openDB("foo", dir, nil)
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, 2, db.index.Len())
	value, found := get(t, db, "k")
	assert.True(t, found)
	assert.Equal(t, "acked", value)
	value, found = get(t, db, "a")
	assert.True(t, found)
	assert.Equal(t, "1", value)

	// the fallback scan reaches it too
	forgetIndex(db)
	value, found = get(t, db, "k")
	assert.True(t, found)
	assert.Equal(t, "acked", value)
}

func TestDB_SnapshotOnClose(t *testing.T) {
	db, dir := testDB(t, &Options{SnapshotOnClose: true})

	require.NoError(t, db.Insert([]byte("a"), []byte("1")))
	require.NoError(t, db.Insert([]byte("b"), []byte("2")))
	require.NoError(t, db.Close())
	assert.True(t, test.FileExists(t, path.Join(dir, "foo", snapshotFile)))

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(log.DebugLevel)

	db, err := openDB("foo", dir, &Options{Logger: logger})
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, 2, db.index.Len())
	assert.True(t, hasMessage(hook, "loaded index from snapshot"))
}

func TestDB_SnapshotThenAppend(t *testing.T) {
	db, dir := testDB(t, nil)

	require.NoError(t, db.Insert([]byte("a"), []byte("1")))
	require.NoError(t, db.Insert([]byte("b"), []byte("2")))
	require.NoError(t, db.Snapshot())

	// changes after the snapshot are replayed on top of it
	require.NoError(t, db.Delete([]byte("a")))
	require.NoError(t, db.Insert([]byte("c"), []byte("3")))
	require.NoError(t, db.Insert([]byte("b"), []byte("4")))
	require.NoError(t, db.Close())

	db, err := openDB("foo", dir, nil)
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, 2, db.index.Len())
	_, found := get(t, db, "a")
	assert.False(t, found)
	value, _ := get(t, db, "b")
	assert.Equal(t, "4", value)
	value, _ = get(t, db, "c")
	assert.Equal(t, "3", value)
	assert.Equal(t, Stats{IndexHits: 2, IndexMisses: 1}, db.Stats())
}

func TestDB_CompactDropsSnapshot(t *testing.T) {
	db, dir := testDB(t, nil)

	require.NoError(t, db.Insert([]byte("a"), []byte("1")))
	require.NoError(t, db.Insert([]byte("a"), []byte("2")))
	require.NoError(t, db.Snapshot())

	snapPath := path.Join(dir, "foo", snapshotFile)
	assert.True(t, test.FileExists(t, snapPath))

	require.NoError(t, db.Compact())
	assert.False(t, test.FileExists(t, snapPath))
}

func TestDB_InvalidSnapshotFallsBackToReplay(t *testing.T) {
	db, dir := testDB(t, nil)

	require.NoError(t, db.Insert([]byte("a"), []byte("1")))
	require.NoError(t, db.Close())

	require.NoError(t, os.WriteFile(path.Join(dir, "foo", snapshotFile), []byte("garbage"), 0644))

	logger, hook := logtest.NewNullLogger()

	db, err := openDB("foo", dir, &Options{Logger: logger})
	require.NoError(t, err)
	defer db.Close()

	value, found := get(t, db, "a")
	assert.True(t, found)
	assert.Equal(t, "1", value)
	assert.True(t, hasMessage(hook, "ignoring index snapshot"))
}

func TestDB_CompactOnOpen(t *testing.T) {
	db, dir := testDB(t, nil)

	for i := 0; i < 10; i++ {
		require.NoError(t, db.Insert([]byte("a"), []byte(strconv.Itoa(i))))
	}
	require.NoError(t, db.Close())

	db, err := openDB("foo", dir, &Options{CompactOnOpen: true})
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, int64(storage.EnvelopeSize), db.log.Size())
	value, _ := get(t, db, "a")
	assert.Equal(t, "9", value)
}

func TestDB_CorruptIndexEntry(t *testing.T) {
	db, _ := testDB(t, nil)

	require.NoError(t, db.Insert([]byte("a"), []byte("1")))
	db.index.Upsert(storage.NewKey([]byte("ghost")), 10*storage.EnvelopeSize)

	_, _, err := db.Get([]byte("ghost"))
	assert.True(t, errors.Is(err, ErrCorruptRecord))
}

func TestDB_EmptyKey(t *testing.T) {
	db, _ := testDB(t, nil)

	assert.Equal(t, ErrEmptyKey, db.Insert(nil, []byte("v")))
	assert.Equal(t, ErrEmptyKey, db.Delete([]byte{}))
	_, _, err := db.Get([]byte("\x00abc"))
	assert.Equal(t, ErrEmptyKey, err)
}

func TestDB_Closed(t *testing.T) {
	db, _ := testDB(t, nil)
	require.NoError(t, db.Close())

	assert.Equal(t, ErrClosed, db.Insert([]byte("a"), []byte("1")))
	assert.Equal(t, ErrClosed, db.Delete([]byte("a")))
	assert.Equal(t, ErrClosed, db.Compact())
	assert.Equal(t, ErrClosed, db.Snapshot())
	_, _, err := db.Get([]byte("a"))
	assert.Equal(t, ErrClosed, err)

	// closing twice is fine
	assert.NoError(t, db.Close())
}

func hasMessage(hook *logtest.Hook, prefix string) bool {
	for _, entry := range hook.AllEntries() {
		if strings.HasPrefix(entry.Message, prefix) {
			return true
		}
	}

	return false
}

func dbExists(t *testing.T, dbName string, datadir string) bool {
	dbPath := path.Join(datadir, dbName)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return false
	} else if err == nil {
		return true
	}

	assert.FailNow(t, "could not check if database exists")

	return false
}
