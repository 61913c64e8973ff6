package test

import (
	"os"
	"path"
	"testing"

	"github.com/nbroyles/inkdb/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ConfigureDataDir creates a scratch data directory holding an empty database
// directory named dbName. The data directory is removed when the test ends
func ConfigureDataDir(t *testing.T, dbName string) (string, string) {
	dir := t.TempDir()

	err := os.MkdirAll(path.Join(dir, dbName), 0755)
	require.NoError(t, err)

	return dir, dbName
}

// AppendRaw appends data to the file at filePath, bypassing the log. Used to
// simulate torn writes and garbage
func AppendRaw(t *testing.T, filePath string, data []byte) {
	file, err := os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	require.NoError(t, err)
	defer file.Close()

	n, err := file.Write(data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
}

// WriteEnvelopes writes the records as consecutive envelopes to filePath
func WriteEnvelopes(t *testing.T, filePath string, records ...*storage.Record) {
	codec := storage.Codec{}
	for _, rec := range records {
		AppendRaw(t, filePath, codec.Encode(rec))
	}
}

func FileExists(t *testing.T, filePath string) bool {
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return false
	} else if err == nil {
		return true
	}

	assert.FailNow(t, "failed attempting to check if "+filePath+" exists")

	return false
}

// FileSize returns the size of the file at filePath
func FileSize(t *testing.T, filePath string) int64 {
	info, err := os.Stat(filePath)
	require.NoError(t, err)

	return info.Size()
}
