package util

import (
	"fmt"
	"os"
	"path"
)

// CreateFile is a helper for the data log, compaction scratch files and snapshots that
// need to create a fresh file for on disk output. It fails if the file already exists
func CreateFile(filename string, dbName string, dataDir string) (*os.File, error) {
	filePath := path.Join(dataDir, dbName, filename)
	if exists, err := FileExists(filePath); err != nil {
		return nil, err
	} else if exists {
		return nil, fmt.Errorf("attempting to create %s but already exists", filePath)
	}

	file, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("could not create %s file: %w", filePath, err)
	}

	return file, nil
}

// FileExists reports whether something exists at filePath
func FileExists(filePath string) (bool, error) {
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("failure checking for %s existence: %w", filePath, err)
	}

	return true, nil
}

// RemoveIfExists removes filePath, treating a missing file as success
func RemoveIfExists(filePath string) error {
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed removing %s: %w", filePath, err)
	}

	return nil
}

// SyncDir flushes directory metadata so that a rename inside dir survives a crash
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("could not open directory %s: %w", dir, err)
	}
	defer d.Close()

	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed syncing directory %s: %w", dir, err)
	}

	return nil
}
