package table

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsupportedFormat is returned for paths whose extension has no codec.
var ErrUnsupportedFormat = errors.New("unsupported table format")

const (
	ExtParquet = ".parquet"
	ExtCSV     = ".csv"
)

// IsTableFile reports whether a file name has a supported table extension.
func IsTableFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ExtParquet, ExtCSV:
		return true
	}
	return false
}

// Read loads a table, choosing the codec from the file extension.
func Read(path string) (*Table, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ExtParquet:
		return readParquet(path)
	case ExtCSV:
		return readCSV(path)
	}
	return nil, fmt.Errorf("%s: %w", path, ErrUnsupportedFormat)
}

// Write stores a table, choosing the codec from the file extension. The
// parent directory is created when missing and an existing file is replaced.
func Write(path string, t *Table) error {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ExtParquet && ext != ExtCSV {
		return fmt.Errorf("%s: %w", path, ErrUnsupportedFormat)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	if ext == ExtCSV {
		return writeCSV(path, t)
	}
	return writeParquet(path, t)
}

// ListFiles returns the table files in dir sorted by name.
func ListFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !IsTableFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// RemoveFiles deletes every table file in dir and returns how many were
// removed. A missing directory is not an error.
func RemoveFiles(dir string) (int, error) {
	names, err := ListFiles(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	for _, name := range names {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return 0, fmt.Errorf("remove %s: %w", name, err)
		}
	}
	return len(names), nil
}
